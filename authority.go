package statebridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/drpcorg/statebridge/envelope"
	"github.com/drpcorg/statebridge/state"
	"github.com/drpcorg/statebridge/store"
	"github.com/drpcorg/statebridge/transport"
	"github.com/drpcorg/statebridge/utils"
)

// Authority owns the state: the store, its publisher and persistence. It
// does not register on the transport by itself; hand Handle to the
// transport directly or through a Buffer.
type Authority struct {
	log       utils.Logger
	store     *store.Store
	publisher *Publisher
	transport transport.Transport
	persister Persister

	saveLock  sync.Mutex
	lastSaved state.Snapshot
	unsubSave func()
	closeOnce sync.Once
}

// NewAuthority builds the store from opts, rehydrating it from the
// persister when one is set, and draws a fresh epoch.
func NewAuthority(ctx context.Context, tr transport.Transport, opts AuthorityOptions) (*Authority, error) {
	if tr == nil {
		return nil, ErrNoTransport
	}
	if opts.Reducer == nil {
		return nil, ErrNoReducer
	}
	opts.SetDefaults()
	log := opts.Logger

	epoch, err := nextEpoch(ctx, opts)
	if err != nil {
		return nil, err
	}

	st := store.New(opts.Reducer, opts.Initial)
	if opts.Persister != nil {
		saved, ok, err := opts.Persister.Load(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			_, err := st.Dispatch(store.Action{Type: store.ActionStateLoaded, Payload: saved})
			switch {
			case errors.Is(err, store.ErrUnknownAction):
				log.WarnCtx(ctx, "authority: reducer does not rehydrate, saved state ignored")
			case err != nil:
				return nil, err
			default:
				log.InfoCtx(ctx, "authority: state rehydrated", "keys", saved.Len())
			}
		}
	}

	a := &Authority{
		log:       log,
		store:     st,
		transport: tr,
		persister: opts.Persister,
		lastSaved: st.GetState(),
	}
	if a.persister != nil {
		a.unsubSave = st.Subscribe(a.save)
	}
	a.publisher = NewPublisher(st, tr, epoch, opts.Events, log)
	log.InfoCtx(ctx, "authority: started", "name", tr.Name(), "epoch", epoch)
	return a, nil
}

func nextEpoch(ctx context.Context, opts AuthorityOptions) (uint64, error) {
	if opts.Epoch != 0 {
		return opts.Epoch, nil
	}
	if epochs, ok := opts.Persister.(Epochs); ok {
		return epochs.NextEpoch(ctx)
	}
	return uint64(time.Now().UnixNano()), nil
}

func (a *Authority) save() {
	a.saveLock.Lock()
	defer a.saveLock.Unlock()
	cur := a.store.GetState()
	if state.Diff(a.lastSaved, cur).Empty() {
		return
	}
	if err := a.persister.Save(context.Background(), cur); err != nil {
		a.log.Error("authority: couldn't save state", "err", err)
		return
	}
	a.lastSaved = cur
}

// Handle is the transport handler of the authority.
func (a *Authority) Handle(ctx context.Context, env *envelope.Envelope) error {
	return a.publisher.Handle(ctx, env)
}

// Dispatch applies an action originating in the authority context itself.
func (a *Authority) Dispatch(action store.Action) (state.Snapshot, error) {
	return a.store.Dispatch(action)
}

func (a *Authority) GetState() state.Snapshot {
	return a.store.GetState()
}

func (a *Authority) Subscribe(listener store.Listener) (unsubscribe func()) {
	return a.store.Subscribe(listener)
}

func (a *Authority) Epoch() uint64 {
	return a.publisher.Epoch()
}

func (a *Authority) Transport() transport.Transport {
	return a.transport
}

// Close stops publishing and persisting; the transport stays open.
func (a *Authority) Close() error {
	a.closeOnce.Do(func() {
		a.publisher.Close()
		if a.unsubSave != nil {
			a.unsubSave()
		}
	})
	return nil
}
