package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/drpcorg/statebridge/envelope"
	"github.com/drpcorg/statebridge/network"
	"github.com/drpcorg/statebridge/protocol"
	"github.com/drpcorg/statebridge/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	lock sync.Mutex
	envs []*envelope.Envelope
}

func (in *inbox) handle(_ context.Context, env *envelope.Envelope) error {
	in.lock.Lock()
	defer in.lock.Unlock()
	in.envs = append(in.envs, env)
	return nil
}

func (in *inbox) snapshot() []*envelope.Envelope {
	in.lock.Lock()
	defer in.lock.Unlock()
	return append([]*envelope.Envelope(nil), in.envs...)
}

func (in *inbox) waitFor(t *testing.T, n int) []*envelope.Envelope {
	require.Eventually(t, func() bool { return len(in.snapshot()) >= n }, 5*time.Second, time.Millisecond)
	return in.snapshot()
}

func testLogger() utils.Logger {
	return utils.NewDefaultLogger(slog.LevelError)
}

func TestHub_SendInOrder(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(testLogger(), 0)
	defer hub.Close()

	a, err := hub.Port("a")
	require.NoError(t, err)
	b, err := hub.Port("b")
	require.NoError(t, err)
	_, err = hub.Port("a")
	assert.ErrorIs(t, err, ErrNameTaken)

	assert.ErrorIs(t, a.Send(ctx, "b", &envelope.Envelope{Body: envelope.FetchState{}}), ErrNoReceiver, "b has no handler yet")
	assert.ErrorIs(t, a.Send(ctx, "nobody", &envelope.Envelope{Body: envelope.FetchState{}}), ErrNoReceiver)

	var in inbox
	b.OnMessage(in.handle)
	for i := uint64(1); i <= 100; i++ {
		require.NoError(t, a.Send(ctx, "b", &envelope.Envelope{ID: i, Body: envelope.FetchState{}}))
	}
	got := in.waitFor(t, 100)
	for i, env := range got {
		assert.Equal(t, uint64(i+1), env.ID)
		assert.Equal(t, "a", env.From)
	}
}

func TestHub_Broadcast(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(testLogger(), 0)
	defer hub.Close()

	auth, _ := hub.Port("authority")
	var self inbox
	auth.OnMessage(self.handle)

	env := &envelope.Envelope{Epoch: 3, Body: envelope.PatchState{}}
	assert.ErrorIs(t, auth.Broadcast(ctx, env), ErrNoReceiver)

	var one, two inbox
	p1, _ := hub.Port("tab-1")
	p2, _ := hub.Port("tab-2")
	p1.OnMessage(one.handle)
	remove := p2.OnMessage(two.handle)

	require.NoError(t, auth.Broadcast(ctx, env))
	assert.Equal(t, uint64(3), one.waitFor(t, 1)[0].Epoch)
	assert.Equal(t, "authority", two.waitFor(t, 1)[0].From)

	remove()
	require.NoError(t, auth.Broadcast(ctx, env))
	one.waitFor(t, 2)
	assert.Len(t, two.snapshot(), 1)
	assert.Empty(t, self.snapshot(), "no echo to the sender")
}

func TestHub_CloseDeliversQueued(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(testLogger(), 0)
	a, _ := hub.Port("a")
	b, _ := hub.Port("b")

	release := make(chan struct{})
	var in inbox
	b.OnMessage(func(ctx context.Context, env *envelope.Envelope) error {
		<-release
		return in.handle(ctx, env)
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Send(ctx, "b", &envelope.Envelope{Body: envelope.FetchState{}}))
	}
	close(release)
	require.NoError(t, b.Close())
	assert.Len(t, in.snapshot(), 3)
	assert.ErrorIs(t, b.Close(), ErrClosed)
	assert.ErrorIs(t, a.Send(ctx, "b", &envelope.Envelope{Body: envelope.FetchState{}}), ErrNoReceiver)

	_, err := hub.Port("b")
	assert.NoError(t, err, "name is free again")
	assert.NoError(t, hub.Close())
}

func TestHub_Overflow(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(testLogger(), 2)
	defer hub.Close()
	a, _ := hub.Port("a")
	b, _ := hub.Port("b")

	block := make(chan struct{})
	defer close(block)
	b.OnMessage(func(context.Context, *envelope.Envelope) error {
		<-block
		return nil
	})

	var failed error
	for i := 0; i < 10 && failed == nil; i++ {
		failed = a.Send(ctx, "b", &envelope.Envelope{Body: envelope.FetchState{}})
	}
	assert.ErrorIs(t, failed, utils.ErrOverflow)
}

func TestHub_HandlerErrorsDoNotStopDelivery(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(testLogger(), 0)
	defer hub.Close()
	a, _ := hub.Port("a")
	b, _ := hub.Port("b")

	var in inbox
	b.OnMessage(func(context.Context, *envelope.Envelope) error { return errors.New("nope") })
	b.OnMessage(in.handle)
	require.NoError(t, a.Send(ctx, "b", &envelope.Envelope{Body: envelope.LogMessage{Message: "x"}}))
	require.NoError(t, a.Send(ctx, "b", &envelope.Envelope{Body: envelope.LogMessage{Message: "y"}}))
	got := in.waitFor(t, 2)
	assert.Equal(t, "y", got[1].Body.(envelope.LogMessage).Message)
}

func TestNetTransport_Exchange(t *testing.T) {
	ctx := context.Background()
	retry := &network.NetRetryOpt{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond}

	server := NewNetTransport("authority", testLogger(), 0)
	client := NewNetTransport("tab", testLogger(), 0, retry)
	defer server.Close()
	defer client.Close()

	var fromClient, fromServer inbox
	server.OnMessage(fromClient.handle)
	client.OnMessage(fromServer.handle)

	var connects sync.WaitGroup
	connects.Add(1)
	var once sync.Once
	client.OnConnect(func(name string) {
		assert.Equal(t, "authority", name)
		once.Do(connects.Done)
	})

	addr, err := server.Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, client.Connect("authority", "tcp://"+addr.String()))
	connects.Wait()

	require.NoError(t, client.Send(ctx, "authority", &envelope.Envelope{ID: 9, Body: envelope.FetchState{}}))
	got := fromClient.waitFor(t, 1)[0]
	assert.Equal(t, uint64(9), got.ID)
	require.Len(t, server.Peers(), 1)
	assert.Equal(t, server.Peers()[0], got.From)

	require.NoError(t, server.Broadcast(ctx, &envelope.Envelope{Epoch: 4, Body: envelope.PatchState{}}))
	back := fromServer.waitFor(t, 1)[0]
	assert.Equal(t, "authority", back.From)
	assert.Equal(t, uint64(4), back.Epoch)

	require.NoError(t, server.Send(ctx, got.From, &envelope.Envelope{ID: 9, Body: envelope.DispatchReply{OK: true}}))
	assert.True(t, fromServer.waitFor(t, 2)[1].Body.(envelope.DispatchReply).OK)

	assert.ErrorIs(t, server.Send(ctx, "ghost", &envelope.Envelope{Body: envelope.FetchState{}}), ErrNoReceiver)
}

func TestNetTransport_UndecodableDropsConnection(t *testing.T) {
	ctx := context.Background()
	retry := &network.NetRetryOpt{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond}

	server := NewNetTransport("authority", testLogger(), 0)
	client := NewNetTransport("tab", testLogger(), 0, retry)
	defer server.Close()
	defer client.Close()

	var lock sync.Mutex
	connects := 0
	client.OnConnect(func(string) {
		lock.Lock()
		connects++
		lock.Unlock()
	})
	count := func() int {
		lock.Lock()
		defer lock.Unlock()
		return connects
	}

	addr, err := server.Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, client.Connect("authority", "tcp://"+addr.String()))
	require.Eventually(t, func() bool { return count() == 1 }, 5*time.Second, time.Millisecond)

	c, ok := client.conns.Load("authority")
	require.True(t, ok)
	require.NoError(t, c.queue.Drain(ctx, protocol.Records{protocol.Record('Z', protocol.Record('H'), protocol.Record('B'))}))

	assert.Eventually(t, func() bool { return count() == 2 }, 5*time.Second, time.Millisecond, "client redials after the drop")
}
