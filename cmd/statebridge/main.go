package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/drpcorg/statebridge/utils"
)

const Version = "0.1.0"

const usage = `statebridge: one authoritative state, replicated to every context.

Usage:
    statebridge serve [--listen=<addr>] [--data=<dir>] [--metrics=<addr>]
        [--tls-cert=<file> --tls-key=<file>] [--log-level=<level>]
    statebridge attach [--connect=<addr>] [--name=<name>] [--log-level=<level>]
    statebridge demo [--log-level=<level>]
    statebridge -h | --help
    statebridge --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --listen=<addr>        Authority listen address [default: tcp://127.0.0.1:7070].
    --data=<dir>           Pebble directory for the persisted state [default: statebridge.db].
    --metrics=<addr>       Serve prometheus metrics on this address, off if empty.
    --tls-cert=<file>      Certificate for a tls:// listen address.
    --tls-key=<file>       Key for a tls:// listen address.
    --connect=<addr>       Authority address [default: tcp://127.0.0.1:7070].
    --name=<name>          Replica name, random if empty.
    --log-level=<level>    debug, info, warn or error [default: info].`

func logLevel(opts docopt.Opts) slog.Level {
	var level slog.Level
	s, _ := opts.String("--log-level")
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	level := logLevel(opts)
	if serve, _ := opts.Bool("serve"); serve {
		err = runServe(ctx, opts, utils.NewDefaultLogger(level))
	} else if attach, _ := opts.Bool("attach"); attach {
		err = runAttach(ctx, opts, level)
	} else if demo, _ := opts.Bool("demo"); demo {
		err = runDemo(ctx, utils.NewDefaultLogger(level))
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
