package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/ergochat/readline"
	"github.com/google/uuid"

	"github.com/drpcorg/statebridge"
	"github.com/drpcorg/statebridge/envelope"
	"github.com/drpcorg/statebridge/feeds"
	"github.com/drpcorg/statebridge/store"
	"github.com/drpcorg/statebridge/transport"
	"github.com/drpcorg/statebridge/utils"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("state"),
	readline.PcItem("epoch"),
	readline.PcItem("resync"),

	readline.PcItem("dispatch"),
	readline.PcItem("report"),
	readline.PcItem("log"),

	readline.PcItem("peers"),
	readline.PcItem("stats"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

var ErrUsage = errors.New(`commands:
    state [<key>]                 print the replica's cached state
    epoch                         print the authority epoch
    resync                        fetch a fresh snapshot
    dispatch <type> [<json>]      dispatch an action, e.g. dispatch feeds/selectFeed "a"
    report <url> <href>...        report feeds detected on a page
    log <message>                 send a log line to the authority
    peers | stats                 transport state
    exit | quit`)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// REPL is an interactive replica.
type REPL struct {
	rl    *readline.Instance
	tr    *transport.NetTransport
	proxy *statebridge.Proxy
}

func runAttach(ctx context.Context, opts docopt.Opts, level slog.Level) error {
	addr, _ := opts.String("--connect")
	name, _ := opts.String("--name")
	if name == "" {
		name = "repl-" + uuid.Must(uuid.NewV7()).String()
	}

	repl := &REPL{}
	var err error
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".statebridge_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return err
	}
	defer repl.rl.Close()
	repl.rl.CaptureExitSignal()

	log := utils.NewWriterLogger(repl.rl.Stderr(), level)
	repl.tr = transport.NewNetTransport(name, log, 0)
	defer repl.tr.Close()

	repl.proxy, err = statebridge.NewProxy(ctx, repl.tr, statebridge.ProxyOptions{
		Default: feeds.InitialState(),
		Logger:  log,
		OnStartFeedDetection: func(_ context.Context, url string) error {
			fmt.Fprintf(repl.rl.Stdout(), "authority asks for feeds of %s, answer with: report %s <href>...\n", url, url)
			return nil
		},
	})
	if err != nil {
		return err
	}
	defer repl.proxy.Close()
	repl.proxy.Subscribe(func() {
		repl.rl.Refresh()
	})
	repl.tr.OnConnect(func(peer string) {
		if peer != statebridge.DefaultAuthorityName {
			return
		}
		if err := repl.proxy.Resync(ctx); err != nil {
			log.Warn("attach: resync failed", "err", err)
		}
	})
	if err := repl.tr.Connect(statebridge.DefaultAuthorityName, addr); err != nil {
		return err
	}
	log.Info("attach: connecting", "name", name, "addr", addr)

	for {
		err = repl.Step(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			fmt.Fprintln(repl.rl.Stdout(), err.Error())
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Step reads and runs one command.
func (repl *REPL) Step(ctx context.Context) error {
	line, err := repl.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out := repl.rl.Stdout()
	switch cmd {
	case "":
		return nil
	case "help":
		return ErrUsage
	case "state":
		return repl.CommandState(out, arg)
	case "epoch":
		fmt.Fprintln(out, repl.proxy.Epoch())
		return nil
	case "resync":
		return repl.proxy.Resync(cctx)
	case "dispatch":
		return repl.CommandDispatch(cctx, out, arg)
	case "report":
		fields := strings.Fields(arg)
		if len(fields) < 1 {
			return ErrUsage
		}
		found := make([]envelope.DetectedFeed, 0, len(fields)-1)
		for _, href := range fields[1:] {
			found = append(found, envelope.DetectedFeed{Href: href})
		}
		return repl.proxy.ReportFeeds(cctx, fields[0], found)
	case "log":
		return repl.proxy.SendLog(cctx, arg, nil)
	case "peers":
		fmt.Fprintln(out, strings.Join(repl.tr.Peers(), "\n"))
		return nil
	case "stats":
		return repl.CommandStats(out)
	case "exit", "quit":
		return io.EOF
	default:
		return fmt.Errorf("command unknown: %s", cmd)
	}
}

func (repl *REPL) CommandState(out io.Writer, key string) error {
	snap := repl.proxy.GetState()
	for _, e := range snap.Entries() {
		if key != "" && e.Key != key {
			continue
		}
		js, err := json.MarshalIndent(e.Value, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %s\n", e.Key, js)
	}
	return nil
}

func (repl *REPL) CommandDispatch(ctx context.Context, out io.Writer, arg string) error {
	typ, raw, _ := strings.Cut(arg, " ")
	if typ == "" {
		return ErrUsage
	}
	action := store.Action{Type: typ}
	if raw = strings.TrimSpace(raw); raw != "" {
		if err := json.Unmarshal([]byte(raw), &action.Payload); err != nil {
			return err
		}
	}
	value, err := repl.proxy.Dispatch(ctx, action)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "ok %v\n", value)
	return nil
}

func (repl *REPL) CommandStats(out io.Writer) error {
	stats := repl.tr.Stats()
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := stats[name]
		fmt.Fprintf(out, "%s\tread buffer %d\twrite batch avg %.1f\tbatches %d\trecords %d\n",
			name, s.ReadBuffer, s.WriteBatchAvg, s.WriteBatches, s.RecordsWritten)
	}
	return nil
}
