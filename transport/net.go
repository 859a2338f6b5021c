package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/drpcorg/statebridge/envelope"
	"github.com/drpcorg/statebridge/network"
	"github.com/drpcorg/statebridge/protocol"
	"github.com/drpcorg/statebridge/utils"
	"github.com/puzpuzpuz/xsync/v3"
)

// NetTransport carries envelopes over network connections. Receivers see
// the connection name as Envelope.From: the dial name on the dialing side,
// a generated id on the accepting side. A connection delivering an
// undecodable record is dropped.
type NetTransport struct {
	name       string
	log        utils.Logger
	net        *network.Net
	conns      *xsync.MapOf[string, *netConn]
	handlers   handlers
	queueLimit int

	hookLock  sync.Mutex
	onConnect []func(name string)
}

var _ Transport = (*NetTransport)(nil)

func NewNetTransport(name string, log utils.Logger, queueLimit int, opts ...network.NetOpt) *NetTransport {
	if queueLimit <= 0 {
		queueLimit = DefaultQueueLimit
	}
	t := &NetTransport{
		name:       name,
		log:        log,
		conns:      xsync.NewMapOf[string, *netConn](),
		queueLimit: queueLimit,
	}
	t.net = network.NewNet(log, t.install, t.destroy, opts...)
	return t
}

func (t *NetTransport) Name() string {
	return t.name
}

func (t *NetTransport) Listen(addr string) (net.Addr, error) {
	return t.net.Listen(addr)
}

// Connect keeps a connection to addr alive under the given name.
func (t *NetTransport) Connect(name, addr string) error {
	return t.net.ConnectPool(name, []string{addr})
}

// OnConnect registers a hook run on every new connection, redials
// included, before any record of it is read.
func (t *NetTransport) OnConnect(hook func(name string)) {
	t.hookLock.Lock()
	defer t.hookLock.Unlock()
	t.onConnect = append(t.onConnect, hook)
}

func (t *NetTransport) Peers() (names []string) {
	t.conns.Range(func(name string, _ *netConn) bool {
		names = append(names, name)
		return true
	})
	return
}

func (t *NetTransport) Stats() map[string]network.PeerStats {
	return t.net.GetStats()
}

func (t *NetTransport) OnMessage(h Handler) (remove func()) {
	return t.handlers.add(h)
}

func (t *NetTransport) Send(ctx context.Context, to string, env *envelope.Envelope) error {
	rec, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	c, ok := t.conns.Load(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoReceiver, to)
	}
	if err := c.enqueue(ctx, rec); err != nil {
		return err
	}
	EnvelopesSent.WithLabelValues("net", env.Kind()).Inc()
	return nil
}

func (t *NetTransport) Broadcast(ctx context.Context, env *envelope.Envelope) error {
	rec, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	var errs []error
	delivered := 0
	t.conns.Range(func(_ string, c *netConn) bool {
		if err := c.enqueue(ctx, rec); err != nil {
			errs = append(errs, err)
		} else {
			delivered++
		}
		return true
	})
	EnvelopesSent.WithLabelValues("net", env.Kind()).Add(float64(delivered))
	if delivered == 0 && len(errs) == 0 {
		return ErrNoReceiver
	}
	return errors.Join(errs...)
}

func (t *NetTransport) Close() error {
	return t.net.Close()
}

func (t *NetTransport) install(name string) protocol.FeedDrainCloserTraced {
	c := &netConn{
		name:  name,
		t:     t,
		queue: utils.NewRecordQueue[protocol.Records](t.queueLimit),
	}
	t.conns.Store(name, c)

	t.hookLock.Lock()
	hooks := append([]func(string){}, t.onConnect...)
	t.hookLock.Unlock()
	for _, hook := range hooks {
		hook(name)
	}
	return c
}

func (t *NetTransport) destroy(name string, _ protocol.Traced) {
	t.log.Debug("net transport: connection gone", "conn", name)
}

// netConn is the protocol handler of one connection.
type netConn struct {
	name  string
	t     *NetTransport
	queue *utils.RecordQueue[protocol.Records]
}

func (c *netConn) enqueue(ctx context.Context, rec []byte) error {
	err := c.queue.Drain(ctx, protocol.Records{rec})
	switch {
	case errors.Is(err, utils.ErrClosed):
		return fmt.Errorf("%w: %s", ErrNoReceiver, c.name)
	case err != nil:
		return fmt.Errorf("%s: %w", c.name, err)
	}
	return nil
}

func (c *netConn) Feed(ctx context.Context) (protocol.Records, error) {
	return c.queue.Feed(ctx)
}

func (c *netConn) Drain(ctx context.Context, recs protocol.Records) error {
	for _, rec := range recs {
		env, err := envelope.Decode(rec)
		if err != nil {
			DecodeFailures.WithLabelValues("net").Inc()
			c.t.log.ErrorCtx(ctx, "net transport: undecodable envelope, dropping connection", "conn", c.name, "err", err)
			return err
		}
		env.From = c.name
		EnvelopesReceived.WithLabelValues("net", env.Kind()).Inc()
		if err := c.t.handlers.deliver(ctx, env); err != nil {
			c.t.log.WarnCtx(ctx, "net transport: handler failed", "conn", c.name, "envelope", env.String(), "err", err)
		}
	}
	return nil
}

func (c *netConn) Close() error {
	c.t.conns.Compute(c.name, func(cur *netConn, loaded bool) (*netConn, bool) {
		// a redial may already have installed a newer conn under this name
		return cur, !loaded || cur == c
	})
	if err := c.queue.Close(); err != nil && !errors.Is(err, utils.ErrClosed) {
		return err
	}
	return nil
}

func (c *netConn) GetTraceId() string {
	return c.name
}
