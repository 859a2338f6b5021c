package network

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/drpcorg/statebridge/protocol"
	"github.com/drpcorg/statebridge/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConn struct {
	name string
	out  *utils.RecordQueue[protocol.Records]
	in   chan []byte
}

func (c *testConn) Feed(ctx context.Context) (protocol.Records, error) {
	return c.out.Feed(ctx)
}

func (c *testConn) Drain(ctx context.Context, recs protocol.Records) error {
	for _, rec := range recs {
		c.in <- rec
	}
	return nil
}

func (c *testConn) Close() error {
	_ = c.out.Close()
	return nil
}

func (c *testConn) GetTraceId() string {
	return c.name
}

type testSide struct {
	lock      sync.Mutex
	conns     map[string]*testConn
	installs  int
	destroyed int
	in        chan []byte
}

func newTestSide() *testSide {
	return &testSide{conns: make(map[string]*testConn), in: make(chan []byte, 16)}
}

func (s *testSide) install(name string) protocol.FeedDrainCloserTraced {
	s.lock.Lock()
	defer s.lock.Unlock()
	c := &testConn{name: name, out: utils.NewRecordQueue[protocol.Records](16), in: s.in}
	s.conns[name] = c
	s.installs++
	return c
}

func (s *testSide) destroy(name string, _ protocol.Traced) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.conns, name)
	s.destroyed++
}

func (s *testSide) conn(name string) *testConn {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.conns[name]
}

func (s *testSide) anyConn() *testConn {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, c := range s.conns {
		return c
	}
	return nil
}

func (s *testSide) installCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.installs
}

func receive(t *testing.T, ch chan []byte) []byte {
	select {
	case rec := <-ch:
		return rec
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a record")
		return nil
	}
}

func TestNet_Exchange(t *testing.T) {
	log := utils.NewDefaultLogger(slog.LevelError)
	ctx := context.Background()

	server, client := newTestSide(), newTestSide()
	srv := NewNet(log, server.install, server.destroy)
	cli := NewNet(log, client.install, client.destroy, &NetRetryOpt{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond})

	addr, err := srv.Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, cli.ConnectPool("server", []string{"tcp://" + addr.String()}))
	assert.ErrorIs(t, cli.ConnectPool("server", []string{"tcp://" + addr.String()}), ErrAddressDuplicated)

	assert.Eventually(t, func() bool { return client.conn("server") != nil && server.anyConn() != nil }, 5*time.Second, 5*time.Millisecond)

	up := protocol.Record('A', []byte("hello"))
	require.NoError(t, client.conn("server").out.Drain(ctx, protocol.Records{up}))
	assert.Equal(t, up, receive(t, server.in))

	big := protocol.Record('B', make([]byte, 10*TYPICAL_MTU))
	down := protocol.Record('C', []byte("world"))
	require.NoError(t, server.anyConn().out.Drain(ctx, protocol.Records{big, down}))
	assert.Equal(t, big, receive(t, client.in))
	assert.Equal(t, down, receive(t, client.in))

	stats := srv.GetStats()
	require.Len(t, stats, 1)
	for _, s := range stats {
		assert.Equal(t, int64(2), s.RecordsWritten)
	}

	assert.NoError(t, cli.Close())
	assert.NoError(t, srv.Close())
}

func TestNet_Redial(t *testing.T) {
	log := utils.NewDefaultLogger(slog.LevelError)

	server, client := newTestSide(), newTestSide()
	srv := NewNet(log, server.install, server.destroy)
	cli := NewNet(log, client.install, client.destroy, &NetRetryOpt{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond})
	defer srv.Close()
	defer cli.Close()

	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, cli.Connect(addr.String()))
	assert.Eventually(t, func() bool { return server.installCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	accepted := server.anyConn()
	require.NotNil(t, accepted)
	require.NoError(t, srv.Disconnect(accepted.name))

	assert.Eventually(t, func() bool { return client.installCount() == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return server.installCount() == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, srv.Disconnect("nobody"), ErrAddressUnknown)
}

func TestNet_Listen(t *testing.T) {
	log := utils.NewDefaultLogger(slog.LevelError)
	side := newTestSide()
	n := NewNet(log, side.install, side.destroy)
	defer n.Close()

	_, err := n.Listen("udp://127.0.0.1:0")
	assert.ErrorIs(t, err, ErrAddressInvalid)
	_, err = n.Listen("tls://127.0.0.1:0")
	assert.ErrorIs(t, err, ErrAddressInvalid, "tls needs a config")

	_, err = n.Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	_, err = n.Listen("tcp://127.0.0.1:0")
	assert.ErrorIs(t, err, ErrAddressDuplicated)
	assert.NoError(t, n.Unlisten("tcp://127.0.0.1:0"))
	assert.ErrorIs(t, n.Unlisten("tcp://127.0.0.1:0"), ErrAddressUnknown)
}

func TestParseAddr(t *testing.T) {
	typ, addr, err := parseAddr("tls://example.org:7070")
	assert.NoError(t, err)
	assert.Equal(t, TLS, typ)
	assert.Equal(t, "example.org:7070", addr)

	typ, addr, err = parseAddr("localhost:7070")
	assert.NoError(t, err)
	assert.Equal(t, TCP, typ)
	assert.Equal(t, "localhost:7070", addr)

	_, _, err = parseAddr("quic://localhost:7070")
	assert.ErrorIs(t, err, ErrAddressInvalid)
}
