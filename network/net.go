// Package network carries TLV record streams over TCP or TLS connections.
//
// A Net listens and dials; every established connection becomes a Peer
// driven by a protocol handler obtained from the install callback. The
// handler's Feed supplies outgoing records, its Drain consumes incoming
// ones. Dialed connections are kept alive: when one drops, the Net
// redials with exponential backoff until it is closed.
//
//	n := NewNet(log, install, destroy, &NetTlsConfigOpt{Config: cfg})
//	addr, err := n.Listen("tls://:7070")
//	err = n.ConnectPool("authority", []string{"tls://host:7070"})
//	defer n.Close()
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/drpcorg/statebridge/protocol"
	"github.com/drpcorg/statebridge/utils"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

type ConnType = uint

var (
	ErrAddressInvalid    = errors.New("network: invalid address")
	ErrAddressDuplicated = errors.New("network: address already used")
	ErrAddressUnknown    = errors.New("network: unknown address")
	ErrRecordTooBig      = errors.New("network: record does not fit the read buffer")
)

const (
	TCP ConnType = iota + 1
	TLS
)

const (
	TYPICAL_MTU = 1500

	MAX_RETRY_PERIOD = time.Minute
	MIN_RETRY_PERIOD = time.Second / 2

	DEFAULT_BUFFER_MAX_SIZE = 16 << 20
)

// InstallCallback supplies the protocol handler for a new connection.
type InstallCallback func(name string) protocol.FeedDrainCloserTraced

// DestroyCallback is called once the connection is gone for good.
type DestroyCallback func(name string, p protocol.Traced)

type Net struct {
	wg        sync.WaitGroup
	log       utils.Logger
	onInstall InstallCallback
	onDestroy DestroyCallback

	conns     *xsync.MapOf[string, *Peer]
	listens   *xsync.MapOf[string, net.Listener]
	ctx       context.Context
	cancelCtx context.CancelFunc

	tlsConfig     *tls.Config
	writeTimeout  time.Duration
	bufferMaxSize int
	minRetry      time.Duration
	maxRetry      time.Duration
}

type NetOpt interface {
	Apply(*Net)
}

type NetWriteTimeoutOpt struct {
	Timeout time.Duration
}

func (opt *NetWriteTimeoutOpt) Apply(n *Net) {
	n.writeTimeout = opt.Timeout
}

type NetTlsConfigOpt struct {
	Config *tls.Config
}

func (opt *NetTlsConfigOpt) Apply(n *Net) {
	n.tlsConfig = opt.Config
}

// NetBufferOpt bounds the read buffer, and so the largest envelope a peer
// accepts.
type NetBufferOpt struct {
	MaxSize int
}

func (opt *NetBufferOpt) Apply(n *Net) {
	n.bufferMaxSize = opt.MaxSize
}

// NetRetryOpt sets the redial backoff bounds.
type NetRetryOpt struct {
	Min time.Duration
	Max time.Duration
}

func (opt *NetRetryOpt) Apply(n *Net) {
	n.minRetry = opt.Min
	n.maxRetry = opt.Max
}

func NewNet(log utils.Logger, install InstallCallback, destroy DestroyCallback, opts ...NetOpt) *Net {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Net{
		log:           log,
		cancelCtx:     cancel,
		ctx:           ctx,
		conns:         xsync.NewMapOf[string, *Peer](),
		listens:       xsync.NewMapOf[string, net.Listener](),
		onInstall:     install,
		onDestroy:     destroy,
		bufferMaxSize: DEFAULT_BUFFER_MAX_SIZE,
		minRetry:      MIN_RETRY_PERIOD,
		maxRetry:      MAX_RETRY_PERIOD,
	}
	for _, o := range opts {
		o.Apply(n)
	}
	return n
}

type PeerStats struct {
	ReadBuffer     int32
	WriteBatchAvg  float64
	WriteBatches   int
	RecordsWritten int64
}

func (n *Net) GetStats() map[string]PeerStats {
	stats := make(map[string]PeerStats)
	n.conns.Range(func(name string, peer *Peer) bool {
		if peer != nil {
			stats[name] = peer.Stats()
		}
		return true
	})
	return stats
}

func (n *Net) Close() error {
	n.cancelCtx()

	n.listens.Range(func(_ string, v net.Listener) bool {
		if v != nil {
			v.Close()
		}
		return true
	})
	n.listens.Clear()

	n.conns.Range(func(_ string, p *Peer) bool {
		// nil while still dialing
		if p != nil {
			p.Close()
		}
		return true
	})

	n.wg.Wait()
	n.conns.Clear()
	return nil
}

func (n *Net) Connect(addr string) error {
	return n.ConnectPool(addr, []string{addr})
}

// ConnectPool keeps one connection named name alive, trying addrs in order
// on every attempt.
func (n *Net) ConnectPool(name string, addrs []string) error {
	for _, addr := range addrs {
		if _, _, err := parseAddr(addr); err != nil {
			return err
		}
	}
	// the nil placeholder reserves the name while dialing
	if _, ok := n.conns.LoadOrStore(name, nil); ok {
		return ErrAddressDuplicated
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.KeepConnecting(name, addrs)
	}()
	return nil
}

// Disconnect closes the named connection. A dialed connection is redialed;
// an accepted one is gone.
func (n *Net) Disconnect(name string) error {
	peer, ok := n.conns.Load(name)
	if !ok || peer == nil {
		return ErrAddressUnknown
	}
	peer.Close()
	return nil
}

// Listen binds addr ("tcp://:port", "tls://:port") and accepts in the
// background. The bound address is returned, which matters for port 0.
func (n *Net) Listen(addr string) (net.Addr, error) {
	if _, ok := n.listens.LoadOrStore(addr, nil); ok {
		return nil, ErrAddressDuplicated
	}

	listener, err := n.createListener(addr)
	if err != nil {
		n.listens.Delete(addr)
		return nil, err
	}
	n.listens.Store(addr, listener)

	n.log.Info("net: listening", "addr", addr, "bound", listener.Addr().String())

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.KeepListening(addr, listener)
	}()

	return listener.Addr(), nil
}

func (n *Net) Unlisten(addr string) error {
	listener, ok := n.listens.LoadAndDelete(addr)
	if !ok || listener == nil {
		return ErrAddressUnknown
	}
	return listener.Close()
}

func (n *Net) KeepConnecting(name string, addrs []string) {
	defer n.conns.Delete(name)

	backoff := n.minRetry
	for n.ctx.Err() == nil {
		var err error
		var conn net.Conn
		for _, addr := range addrs {
			if conn, err = n.createConn(addr); err == nil {
				break
			}
		}

		if err != nil {
			n.log.Warn("net: couldn't connect", "name", name, "err", err, "retry", backoff)
			select {
			case <-time.After(backoff):
			case <-n.ctx.Done():
				return
			}
			backoff = min(n.maxRetry, backoff*2)
			continue
		}

		n.log.Info("net: connected", "name", name, "remote", conn.RemoteAddr().String())
		backoff = n.minRetry
		n.keepPeer(name, conn)
		if n.ctx.Err() == nil {
			// keep the name reserved between attempts
			n.conns.Store(name, nil)
		}
	}
}

func (n *Net) KeepListening(addr string, listener net.Listener) {
	for n.ctx.Err() == nil {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			n.log.Error("net: couldn't accept", "addr", addr, "err", err)
			continue
		}

		name := uuid.Must(uuid.NewV7()).String()
		n.log.Info("net: accepted", "addr", addr, "name", name, "remote", conn.RemoteAddr().String())
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.keepPeer(name, conn)
			n.conns.Delete(name)
		}()
	}

	if l, ok := n.listens.LoadAndDelete(addr); ok && l != nil {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			n.log.Error("net: couldn't close listener", "addr", addr, "err", err)
		}
	}
	n.log.Info("net: listener closed", "addr", addr)
}

func (n *Net) keepPeer(name string, conn net.Conn) {
	peer := newPeer(n.ctx, conn, n.onInstall(name), n.writeTimeout, n.bufferMaxSize)
	n.conns.Store(name, peer)

	readErr, writeErr, closeErr := peer.Keep()
	if readErr != nil {
		n.log.Warn("net: peer read failed", "name", name, "err", readErr)
	}
	if writeErr != nil {
		n.log.Warn("net: peer write failed", "name", name, "err", writeErr)
	}
	if closeErr != nil {
		n.log.Error("net: couldn't close peer", "name", name, "err", closeErr)
	}

	peer.Close()
	n.onDestroy(name, peer)
	n.log.Info("net: disconnected", "name", name)
}

func (n *Net) createListener(addr string) (net.Listener, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}

	config := net.ListenConfig{}
	listener, err := config.Listen(n.ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if connType == TLS {
		if n.tlsConfig == nil {
			listener.Close()
			return nil, fmt.Errorf("%w: tls listener without tls config", ErrAddressInvalid)
		}
		listener = tls.NewListener(listener, n.tlsConfig)
	}
	return listener, nil
}

func (n *Net) createConn(addr string) (net.Conn, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}

	switch connType {
	case TLS:
		d := tls.Dialer{Config: n.tlsConfig}
		return d.DialContext(n.ctx, "tcp", address)
	default:
		d := net.Dialer{Timeout: time.Minute}
		return d.DialContext(n.ctx, "tcp", address)
	}
}

// parseAddr maps "tcp://host:port", "tls://host:port" and bare
// "host:port" to a connection type and a dialable address.
func parseAddr(addr string) (ConnType, string, error) {
	if !strings.Contains(addr, "://") {
		return TCP, addr, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return TCP, "", fmt.Errorf("%w: %w", ErrAddressInvalid, err)
	}

	var conn ConnType
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		conn = TCP
	case "tls":
		conn = TLS
	default:
		return conn, addr, ErrAddressInvalid
	}
	return conn, u.Host, nil
}
