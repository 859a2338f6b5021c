// Package store is the authoritative state container: a single snapshot
// changed only by a pure reducer, with change notification for whoever
// needs to follow it (the replication publisher, persistence).
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/drpcorg/statebridge/state"
)

// ActionStateLoaded is dispatched once at authority startup with the
// persisted snapshot as payload. Reducers that do not rehydrate can ignore
// it.
const ActionStateLoaded = "@@statebridge/stateLoaded"

var (
	ErrReducerPanic  = errors.New("store: reducer panicked")
	ErrUnknownAction = errors.New("store: unknown action")
	ErrBadPayload    = errors.New("store: bad action payload")
)

// Action is a request to change state. Payload must be msgpack-serializable
// since actions cross context boundaries.
type Action struct {
	Type    string `msgpack:"type"`
	Payload any    `msgpack:"payload,omitempty"`
}

// DecodePayload converts the payload, typed or generic off the wire, into
// the value pointed at by into.
func (a Action) DecodePayload(into any) error {
	if err := state.Decode(a.Payload, into); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBadPayload, a.Type, err)
	}
	return nil
}

// Reducer computes the next snapshot. It must not mutate prev or anything
// reachable from it; a returned error means nothing was committed.
type Reducer func(prev state.Snapshot, action Action) (state.Snapshot, error)

type Listener func()

type subscription struct {
	id       uint64
	listener Listener
}

type Store struct {
	reducer Reducer

	// dispatches run one at a time, notifications included
	dlock sync.Mutex
	lock  sync.RWMutex
	state state.Snapshot

	subs   []subscription
	nextID uint64
}

func New(reducer Reducer, initial state.Snapshot) *Store {
	return &Store{
		reducer: reducer,
		state:   initial,
	}
}

func (s *Store) GetState() state.Snapshot {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.state
}

// Dispatch runs the reducer and, on success, notifies every listener once.
// Listeners run on the dispatching goroutine and must not dispatch.
func (s *Store) Dispatch(action Action) (next state.Snapshot, err error) {
	s.dlock.Lock()
	defer s.dlock.Unlock()

	prev := s.GetState()
	next, err = s.reduce(prev, action)
	if err != nil {
		return prev, err
	}

	s.lock.Lock()
	s.state = next
	subs := append([]subscription(nil), s.subs...)
	s.lock.Unlock()

	for _, sub := range subs {
		sub.listener()
	}
	return next, nil
}

func (s *Store) reduce(prev state.Snapshot, action Action) (next state.Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrReducerPanic, action.Type, r)
		}
	}()
	return s.reducer(prev, action)
}

// Subscribe registers a listener; the returned func removes exactly that
// registration.
func (s *Store) Subscribe(listener Listener) (unsubscribe func()) {
	s.lock.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, subscription{id: id, listener: listener})
	s.lock.Unlock()

	return func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}
