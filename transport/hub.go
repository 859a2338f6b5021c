package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drpcorg/statebridge/envelope"
	"github.com/drpcorg/statebridge/protocol"
	"github.com/drpcorg/statebridge/utils"
	"github.com/puzpuzpuz/xsync/v3"
)

const DefaultQueueLimit = 1 << 12

// Hub connects in-process endpoints. Each Port has its own queue and
// delivery goroutine, so a slow receiver only delays itself.
type Hub struct {
	log        utils.Logger
	ports      *xsync.MapOf[string, *Port]
	queueLimit int
}

func NewHub(log utils.Logger, queueLimit int) *Hub {
	if queueLimit <= 0 {
		queueLimit = DefaultQueueLimit
	}
	return &Hub{
		log:        log,
		ports:      xsync.NewMapOf[string, *Port](),
		queueLimit: queueLimit,
	}
}

// Port opens a named endpoint.
func (h *Hub) Port(name string) (*Port, error) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Port{
		hub:    h,
		name:   name,
		queue:  utils.NewRecordQueue[protocol.Records](h.queueLimit),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if _, taken := h.ports.LoadOrStore(name, p); taken {
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	go p.pump()
	return p, nil
}

// Names lists the open ports.
func (h *Hub) Names() (names []string) {
	h.ports.Range(func(name string, _ *Port) bool {
		names = append(names, name)
		return true
	})
	return
}

func (h *Hub) Close() error {
	var errs []error
	h.ports.Range(func(_ string, p *Port) bool {
		if err := p.Close(); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

// Port is a Hub endpoint.
type Port struct {
	hub      *Hub
	name     string
	queue    *utils.RecordQueue[protocol.Records]
	handlers handlers

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

var _ Transport = (*Port)(nil)

func (p *Port) Name() string {
	return p.name
}

func (p *Port) OnMessage(h Handler) (remove func()) {
	return p.handlers.add(h)
}

func (p *Port) Send(ctx context.Context, to string, env *envelope.Envelope) error {
	rec, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	dest, ok := p.hub.ports.Load(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoReceiver, to)
	}
	if err := dest.enqueue(ctx, p.name, rec); err != nil {
		return err
	}
	EnvelopesSent.WithLabelValues("hub", env.Kind()).Inc()
	return nil
}

func (p *Port) Broadcast(ctx context.Context, env *envelope.Envelope) error {
	rec, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	var errs []error
	delivered := 0
	p.hub.ports.Range(func(name string, dest *Port) bool {
		if name == p.name {
			return true
		}
		switch err := dest.enqueue(ctx, p.name, rec); {
		case err == nil:
			delivered++
		case !errors.Is(err, ErrNoReceiver):
			errs = append(errs, err)
		}
		return true
	})
	EnvelopesSent.WithLabelValues("hub", env.Kind()).Add(float64(delivered))
	if delivered == 0 && len(errs) == 0 {
		return ErrNoReceiver
	}
	return errors.Join(errs...)
}

// enqueue frames the sender name in front of the envelope record.
func (p *Port) enqueue(ctx context.Context, from string, rec []byte) error {
	if p.handlers.count() == 0 {
		return fmt.Errorf("%w: %s has no handler", ErrNoReceiver, p.name)
	}
	item := protocol.Concat(protocol.Record('N', []byte(from)), rec)
	err := p.queue.Drain(ctx, protocol.Records{item})
	switch {
	case errors.Is(err, utils.ErrClosed):
		return fmt.Errorf("%w: %s", ErrNoReceiver, p.name)
	case err != nil:
		return fmt.Errorf("%s: %w", p.name, err)
	}
	return nil
}

func (p *Port) pump() {
	defer close(p.done)
	for {
		items, err := p.queue.Feed(p.ctx)
		for _, item := range items {
			p.receive(item)
		}
		if err != nil {
			return
		}
	}
}

func (p *Port) receive(item []byte) {
	from, rec := protocol.Take('N', item)
	env, err := envelope.Decode(rec)
	if err != nil {
		DecodeFailures.WithLabelValues("hub").Inc()
		p.hub.log.ErrorCtx(p.ctx, "hub: undecodable envelope", "port", p.name, "from", string(from), "err", err)
		return
	}
	env.From = string(from)
	EnvelopesReceived.WithLabelValues("hub", env.Kind()).Inc()
	if err := p.handlers.deliver(p.ctx, env); err != nil {
		p.hub.log.WarnCtx(p.ctx, "hub: handler failed", "port", p.name, "envelope", env.String(), "err", err)
	}
}

// Close detaches the port. Envelopes already queued are still delivered.
func (p *Port) Close() error {
	err := ErrClosed
	p.once.Do(func() {
		p.hub.ports.Delete(p.name)
		err = p.queue.Close()
		<-p.done
		p.cancel()
	})
	return err
}
