package statebridge

import (
	"context"
	"sync"

	"github.com/drpcorg/statebridge/envelope"
	"github.com/drpcorg/statebridge/transport"
	"github.com/drpcorg/statebridge/utils"
)

type Phase int

const (
	Collecting Phase = iota
	Draining
	PassThrough
)

func (ph Phase) String() string {
	switch ph {
	case Collecting:
		return "collecting"
	case Draining:
		return "draining"
	case PassThrough:
		return "pass-through"
	}
	return "unknown"
}

// Buffer holds envelopes that arrive before the real handler exists, for
// instance while the authority is still loading persisted state. Attach
// replays them in arrival order, then everything goes straight through.
// Envelopes arriving during the replay queue behind it, so per-sender
// order holds across the switch. After that the handler runs on the
// transport's delivery goroutines; with one goroutine per connection
// those calls are concurrent.
type Buffer struct {
	log     utils.Logger
	lock    sync.Mutex
	phase   Phase
	queue   []*envelope.Envelope
	handler transport.Handler
}

func NewBuffer(log utils.Logger) *Buffer {
	return &Buffer{log: log}
}

func (b *Buffer) Phase() Phase {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.phase
}

// Len is the number of envelopes waiting for replay.
func (b *Buffer) Len() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.queue)
}

// Handle is the transport handler to register before the real one is
// ready.
func (b *Buffer) Handle(ctx context.Context, env *envelope.Envelope) error {
	b.lock.Lock()
	if b.phase == PassThrough {
		h := b.handler
		b.lock.Unlock()
		return h(ctx, env)
	}
	// draining too: queue behind what is being replayed
	b.queue = append(b.queue, env)
	BufferedEnvelopes.Inc()
	b.lock.Unlock()
	return nil
}

// Attach replays the collected envelopes through h and switches to pass
// through. Handler errors during the replay are logged.
func (b *Buffer) Attach(ctx context.Context, h transport.Handler) error {
	b.lock.Lock()
	if b.phase != Collecting {
		b.lock.Unlock()
		return ErrAlreadyAttached
	}
	b.phase = Draining
	b.handler = h
	b.lock.Unlock()

	replayed := 0
	for {
		b.lock.Lock()
		if len(b.queue) == 0 {
			b.phase = PassThrough
			b.queue = nil
			b.lock.Unlock()
			break
		}
		env := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		BufferedEnvelopes.Dec()
		b.lock.Unlock()

		if err := h(ctx, env); err != nil {
			b.log.WarnCtx(ctx, "buffer: replayed envelope failed", "envelope", env.String(), "err", err)
		}
		replayed++
	}
	b.log.DebugCtx(ctx, "buffer: attached", "replayed", replayed)
	return nil
}
