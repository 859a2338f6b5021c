// Package transport moves envelopes between contexts. Delivery is
// asynchronous and fire-and-forget: a successful Send means the envelope
// was queued for a live receiver, nothing more. Envelopes from one sender
// reach one receiver in send order; nothing is promised across receivers.
//
// Every envelope is serialized on send, in process too, so a receiver
// never shares memory with the sender.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/drpcorg/statebridge/envelope"
)

var (
	ErrNoReceiver = errors.New("transport: receiving end does not exist")
	ErrNameTaken  = errors.New("transport: endpoint name already taken")
	ErrClosed     = errors.New("transport: closed")
)

// Handler consumes one received envelope. Handlers of one endpoint are
// called sequentially, in arrival order.
type Handler func(ctx context.Context, env *envelope.Envelope) error

type Transport interface {
	// Name is how receivers see this endpoint in Envelope.From.
	Name() string
	Send(ctx context.Context, to string, env *envelope.Envelope) error
	// Broadcast sends to every other endpoint. It fails with ErrNoReceiver
	// when nobody got the envelope, and with the joined errors of the
	// failed deliveries otherwise.
	Broadcast(ctx context.Context, env *envelope.Envelope) error
	// OnMessage registers h; the returned func removes exactly that
	// registration.
	OnMessage(h Handler) (remove func())
	Close() error
}

type registration struct {
	id uint64
	h  Handler
}

// handlers is the receive side shared by transports.
type handlers struct {
	lock sync.RWMutex
	list []registration
	next uint64
}

func (hs *handlers) add(h Handler) func() {
	hs.lock.Lock()
	hs.next++
	id := hs.next
	hs.list = append(hs.list, registration{id: id, h: h})
	hs.lock.Unlock()

	return func() {
		hs.lock.Lock()
		defer hs.lock.Unlock()
		for i, r := range hs.list {
			if r.id == id {
				hs.list = append(hs.list[:i:i], hs.list[i+1:]...)
				return
			}
		}
	}
}

func (hs *handlers) count() int {
	hs.lock.RLock()
	defer hs.lock.RUnlock()
	return len(hs.list)
}

func (hs *handlers) deliver(ctx context.Context, env *envelope.Envelope) error {
	hs.lock.RLock()
	list := hs.list
	hs.lock.RUnlock()

	var errs []error
	for _, r := range list {
		if err := r.h(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
