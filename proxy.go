package statebridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/drpcorg/statebridge/envelope"
	"github.com/drpcorg/statebridge/state"
	"github.com/drpcorg/statebridge/store"
	"github.com/drpcorg/statebridge/transport"
	"github.com/drpcorg/statebridge/utils"
	"github.com/puzpuzpuz/xsync/v3"
)

// Proxy is a replica of the authority state. Reads are served from a local
// cache kept current by the authority's snapshots and patches; writes are
// forwarded to the authority and never applied locally.
type Proxy struct {
	log       utils.Logger
	transport transport.Transport
	authority string
	onDetect  func(ctx context.Context, url string) error

	lock         sync.RWMutex
	cache        state.Snapshot
	epoch        uint64
	bootstrapped bool
	fetching     bool

	subs      listeners
	ready     chan struct{}
	readyOnce sync.Once

	nextID  atomic.Uint64
	pending *xsync.MapOf[uint64, chan envelope.DispatchReply]
	closed  atomic.Bool
	detach  func()
}

var _ envelope.Visitor = (*Proxy)(nil)

// NewProxy registers on the transport and asks the authority for a
// snapshot. A failed request is logged, not returned: the proxy stays
// not ready until a Resync gets through.
func NewProxy(ctx context.Context, tr transport.Transport, opts ProxyOptions) (*Proxy, error) {
	if tr == nil {
		return nil, ErrNoTransport
	}
	opts.SetDefaults()
	p := &Proxy{
		log:       opts.Logger,
		transport: tr,
		authority: opts.Authority,
		onDetect:  opts.OnStartFeedDetection,
		cache:     opts.Default,
		ready:     make(chan struct{}),
		pending:   xsync.NewMapOf[uint64, chan envelope.DispatchReply](),
	}
	p.detach = tr.OnMessage(p.Handle)
	if err := p.Resync(ctx); err != nil {
		p.log.WarnCtx(ctx, "proxy: initial state request failed", "name", tr.Name(), "err", err)
	}
	return p, nil
}

// GetState returns the cached snapshot; it never waits for the network.
func (p *Proxy) GetState() state.Snapshot {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.cache
}

func (p *Proxy) Epoch() uint64 {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.epoch
}

// Subscribe registers a listener called after every snapshot and every
// applied patch.
func (p *Proxy) Subscribe(listener store.Listener) (unsubscribe func()) {
	return p.subs.add(listener)
}

// Ready is closed once the first full snapshot has been applied.
func (p *Proxy) Ready() <-chan struct{} {
	return p.ready
}

func (p *Proxy) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resync asks the authority for a full snapshot.
func (p *Proxy) Resync(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.lock.Lock()
	p.fetching = true
	p.lock.Unlock()
	err := p.transport.Send(ctx, p.authority, &envelope.Envelope{
		ID:   p.nextID.Add(1),
		Body: envelope.FetchState{},
	})
	if err != nil {
		p.lock.Lock()
		p.fetching = false
		p.lock.Unlock()
	}
	return err
}

// Dispatch forwards the action and waits for the authority's verdict. The
// result is the action payload as the authority saw it. ctx is the only
// timeout.
func (p *Proxy) Dispatch(ctx context.Context, action store.Action) (any, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	id := p.nextID.Add(1)
	replies := make(chan envelope.DispatchReply, 1)
	p.pending.Store(id, replies)
	defer p.pending.Delete(id)
	if p.closed.Load() {
		return nil, ErrClosed
	}

	err := p.transport.Send(ctx, p.authority, &envelope.Envelope{
		ID:   id,
		Body: envelope.DispatchAction{Action: action},
	})
	if err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-replies:
		if !ok {
			return nil, ErrClosed
		}
		if !reply.OK {
			return nil, &RemoteError{Action: action.Type, Message: reply.Error}
		}
		return reply.Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendLog forwards a log line to the authority log.
func (p *Proxy) SendLog(ctx context.Context, message string, data any) error {
	return p.transport.Send(ctx, p.authority, &envelope.Envelope{
		Body: envelope.LogMessage{Message: message, Data: data},
	})
}

// ReportFeeds tells the authority which feeds the page at url advertises.
func (p *Proxy) ReportFeeds(ctx context.Context, url string, feeds []envelope.DetectedFeed) error {
	return p.transport.Send(ctx, p.authority, &envelope.Envelope{
		Body: envelope.FeedsDetected{URL: url, Feeds: feeds},
	})
}

// Close detaches from the transport and fails pending dispatches with
// ErrClosed.
func (p *Proxy) Close() error {
	if p.closed.Swap(true) {
		return ErrClosed
	}
	p.detach()
	p.pending.Range(func(id uint64, _ chan envelope.DispatchReply) bool {
		if replies, ok := p.pending.LoadAndDelete(id); ok {
			close(replies)
		}
		return true
	})
	return nil
}

// Handle is the transport handler of the replica.
func (p *Proxy) Handle(ctx context.Context, env *envelope.Envelope) error {
	if env.From != p.authority {
		return fmt.Errorf("%w: %s is not the authority", envelope.ErrUnexpectedEnvelope, env)
	}
	return env.Visit(ctx, p)
}

func (p *Proxy) OnStateSnapshot(ctx context.Context, env *envelope.Envelope, body envelope.StateSnapshot) error {
	p.lock.Lock()
	if p.bootstrapped && p.epoch != env.Epoch {
		p.log.InfoCtx(ctx, "proxy: authority epoch changed", "from", p.epoch, "to", env.Epoch)
	}
	p.cache = body.State
	p.epoch = env.Epoch
	p.bootstrapped = true
	p.fetching = false
	p.lock.Unlock()

	p.subs.notify()
	p.readyOnce.Do(func() { close(p.ready) })
	return nil
}

func (p *Proxy) OnPatchState(ctx context.Context, env *envelope.Envelope, body envelope.PatchState) error {
	p.lock.Lock()
	if p.bootstrapped && env.Epoch != p.epoch {
		resync, adopted := !p.fetching, p.epoch
		p.lock.Unlock()
		p.log.InfoCtx(ctx, "proxy: patch from another epoch dropped", "epoch", env.Epoch, "adopted", adopted, "resync", resync)
		if !resync {
			return nil
		}
		ProxyResyncs.Inc()
		return p.Resync(ctx)
	}
	p.cache = state.ApplyPatch(p.cache, body.Patch)
	// patched defaults without a request in flight: the authority came up
	// after us and the snapshot was never asked for
	orphan := !p.bootstrapped && !p.fetching
	p.lock.Unlock()

	p.subs.notify()
	if orphan {
		p.log.InfoCtx(ctx, "proxy: patch before any snapshot, fetching one", "epoch", env.Epoch)
		ProxyResyncs.Inc()
		if err := p.Resync(ctx); err != nil {
			// the next patch tries again
			p.log.WarnCtx(ctx, "proxy: state request failed", "err", err)
		}
	}
	return nil
}

func (p *Proxy) OnDispatchReply(ctx context.Context, env *envelope.Envelope, body envelope.DispatchReply) error {
	replies, ok := p.pending.LoadAndDelete(env.ID)
	if !ok {
		p.log.DebugCtx(ctx, "proxy: reply without a pending dispatch", "id", env.ID)
		return nil
	}
	replies <- body
	return nil
}

func (p *Proxy) OnStartFeedDetection(ctx context.Context, _ *envelope.Envelope, body envelope.StartFeedDetection) error {
	if p.onDetect == nil {
		return nil
	}
	return p.onDetect(ctx, body.URL)
}

func (p *Proxy) OnFetchState(_ context.Context, env *envelope.Envelope, _ envelope.FetchState) error {
	return unexpected(env)
}

func (p *Proxy) OnDispatchAction(_ context.Context, env *envelope.Envelope, _ envelope.DispatchAction) error {
	return unexpected(env)
}

func (p *Proxy) OnFeedsDetected(_ context.Context, env *envelope.Envelope, _ envelope.FeedsDetected) error {
	return unexpected(env)
}

func (p *Proxy) OnLogMessage(_ context.Context, env *envelope.Envelope, _ envelope.LogMessage) error {
	return unexpected(env)
}

// IsRemote reports whether err is an authority-side rejection.
func IsRemote(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote)
}
