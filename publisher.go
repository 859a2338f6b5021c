package statebridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drpcorg/statebridge/envelope"
	"github.com/drpcorg/statebridge/state"
	"github.com/drpcorg/statebridge/store"
	"github.com/drpcorg/statebridge/transport"
	"github.com/drpcorg/statebridge/utils"
)

// Publisher keeps replicas in step with a store. After every store change
// it broadcasts the shallow diff against the last snapshot it broadcast,
// and it answers replica requests.
//
// Replicas rely on per-receiver FIFO: a snapshot reply is sent only after
// every patch leading up to it, and later patches are diffs against it.
type Publisher struct {
	log       utils.Logger
	store     *store.Store
	transport transport.Transport
	events    EventHandler
	epoch     uint64

	// serializes diff+send so patches leave in the order they were computed
	lock sync.Mutex
	last state.Snapshot

	unsubscribe func()
}

var _ envelope.Visitor = (*Publisher)(nil)

func NewPublisher(st *store.Store, tr transport.Transport, epoch uint64, events EventHandler, log utils.Logger) *Publisher {
	p := &Publisher{
		log:       log,
		store:     st,
		transport: tr,
		events:    events,
		epoch:     epoch,
		last:      st.GetState(),
	}
	p.unsubscribe = st.Subscribe(func() {
		p.lock.Lock()
		defer p.lock.Unlock()
		p.flush(context.Background())
	})
	return p
}

func (p *Publisher) Epoch() uint64 {
	return p.epoch
}

// flush broadcasts whatever changed since the last broadcast. Callers hold
// p.lock.
func (p *Publisher) flush(ctx context.Context) {
	cur := p.store.GetState()
	patch := state.Diff(p.last, cur)
	if patch.Empty() {
		return
	}
	p.last = cur

	PatchesBroadcast.Inc()
	PatchKeys.Observe(float64(len(patch.Updated) + len(patch.Deleted)))
	err := p.transport.Broadcast(ctx, &envelope.Envelope{
		Epoch: p.epoch,
		Body:  envelope.PatchState{Patch: patch},
	})
	switch {
	case errors.Is(err, transport.ErrNoReceiver):
		// nobody attached yet, they will fetch a snapshot
		p.log.DebugCtx(ctx, "publisher: no replicas", "epoch", p.epoch)
	case err != nil:
		BroadcastFailures.Inc()
		p.log.WarnCtx(ctx, "publisher: patch broadcast failed", "epoch", p.epoch, "err", err)
	}
}

// Handle is the transport handler of the authority.
func (p *Publisher) Handle(ctx context.Context, env *envelope.Envelope) error {
	return env.Visit(p.log.WithDefaultArgs(ctx, "from", env.From), p)
}

func (p *Publisher) Close() {
	p.unsubscribe()
}

func (p *Publisher) OnFetchState(ctx context.Context, env *envelope.Envelope, _ envelope.FetchState) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.flush(ctx)

	return p.transport.Send(ctx, env.From, &envelope.Envelope{
		Epoch: p.epoch,
		ID:    env.ID,
		Body:  envelope.StateSnapshot{State: p.last},
	})
}

func (p *Publisher) OnDispatchAction(ctx context.Context, env *envelope.Envelope, body envelope.DispatchAction) error {
	reply := envelope.DispatchReply{OK: true, Value: body.Action.Payload}
	_, err := p.store.Dispatch(body.Action)
	if err != nil {
		p.log.WarnCtx(ctx, "publisher: dispatch failed", "action", body.Action.Type, "err", err)
		DispatchResults.WithLabelValues(actionLabel(body.Action, err), "error").Inc()
		reply = envelope.DispatchReply{Error: err.Error()}
	} else {
		DispatchResults.WithLabelValues(actionLabel(body.Action, err), "ok").Inc()
	}

	return p.transport.Send(ctx, env.From, &envelope.Envelope{
		Epoch: p.epoch,
		ID:    env.ID,
		Body:  reply,
	})
}

func (p *Publisher) OnFeedsDetected(ctx context.Context, env *envelope.Envelope, body envelope.FeedsDetected) error {
	if p.events == nil {
		p.log.DebugCtx(ctx, "publisher: no event handler, feeds ignored", "url", body.URL)
		return nil
	}
	return p.events.FeedsDetected(ctx, env.From, body)
}

func (p *Publisher) OnLogMessage(ctx context.Context, env *envelope.Envelope, body envelope.LogMessage) error {
	if body.Data != nil {
		p.log.InfoCtx(ctx, body.Message, "data", body.Data)
	} else {
		p.log.InfoCtx(ctx, body.Message)
	}
	return nil
}

func (p *Publisher) OnStateSnapshot(_ context.Context, env *envelope.Envelope, _ envelope.StateSnapshot) error {
	return unexpected(env)
}

func (p *Publisher) OnPatchState(_ context.Context, env *envelope.Envelope, _ envelope.PatchState) error {
	return unexpected(env)
}

func (p *Publisher) OnDispatchReply(_ context.Context, env *envelope.Envelope, _ envelope.DispatchReply) error {
	return unexpected(env)
}

func (p *Publisher) OnStartFeedDetection(_ context.Context, env *envelope.Envelope, _ envelope.StartFeedDetection) error {
	return unexpected(env)
}

// actionLabel names the action for metrics. Types the reducer did not
// recognize come straight from a replica and share one label.
func actionLabel(action store.Action, err error) string {
	if errors.Is(err, store.ErrUnknownAction) || errors.Is(err, store.ErrReducerPanic) {
		return "unknown"
	}
	return action.Type
}

func unexpected(env *envelope.Envelope) error {
	return fmt.Errorf("%w: %s", envelope.ErrUnexpectedEnvelope, env)
}
