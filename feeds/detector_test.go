package feeds_test

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/statebridge"
	"github.com/drpcorg/statebridge/envelope"
	"github.com/drpcorg/statebridge/feeds"
	"github.com/drpcorg/statebridge/transport"
	"github.com/drpcorg/statebridge/utils"
)

func TestDetector_RoundTrip(t *testing.T) {
	log := utils.NewDefaultLogger(slog.LevelError)
	hub := transport.NewHub(log, 0)
	defer hub.Close()
	ctx := context.Background()

	authPort, err := hub.Port(statebridge.DefaultAuthorityName)
	require.NoError(t, err)
	detector := feeds.NewDetector(authPort, log)
	auth, err := statebridge.NewAuthority(ctx, authPort, statebridge.AuthorityOptions{
		Reducer: feeds.Reducer(),
		Initial: feeds.InitialState(),
		Events:  detector,
		Epoch:   1,
		Logger:  log,
	})
	require.NoError(t, err)
	detector.SetDispatcher(auth)
	authPort.OnMessage(auth.Handle)

	found := []envelope.DetectedFeed{{Title: "Atom", Href: "https://example.com/atom.xml"}}
	var asked atomic.Int32
	var proxy *statebridge.Proxy
	tabPort, err := hub.Port("tab")
	require.NoError(t, err)
	proxy, err = statebridge.NewProxy(ctx, tabPort, statebridge.ProxyOptions{
		Default: feeds.InitialState(),
		Logger:  log,
		OnStartFeedDetection: func(ctx context.Context, url string) error {
			asked.Add(1)
			return proxy.ReportFeeds(ctx, url, found)
		},
	})
	require.NoError(t, err)
	defer proxy.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, proxy.WaitReady(waitCtx))

	detected := func() string {
		sess, err := feeds.Get[feeds.Session](proxy.GetState(), feeds.KeySession)
		if err != nil || sess == nil {
			return ""
		}
		return sess.DetectedURL
	}

	require.NoError(t, detector.Request(ctx, "tab", "https://example.com"))
	require.Eventually(t, func() bool { return detected() == "https://example.com" }, 5*time.Second, 10*time.Millisecond)
	sess, err := feeds.Get[feeds.Session](proxy.GetState(), feeds.KeySession)
	require.NoError(t, err)
	assert.Equal(t, found, sess.DetectedFeeds)

	// a page elsewhere, then back: the second visit is served from cache
	_, err = auth.Dispatch(feeds.FeedsDetected("https://other.example", nil))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return detected() == "https://other.example" }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, detector.Request(ctx, "tab", "https://example.com"))
	require.Eventually(t, func() bool { return detected() == "https://example.com" }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), asked.Load())
}

func TestDetector_NoDispatcher(t *testing.T) {
	log := utils.NewDefaultLogger(slog.LevelError)
	hub := transport.NewHub(log, 0)
	defer hub.Close()
	port, err := hub.Port("authority")
	require.NoError(t, err)

	d := feeds.NewDetector(port, log)
	err = d.FeedsDetected(context.Background(), "tab", envelope.FeedsDetected{URL: "u"})
	assert.ErrorIs(t, err, feeds.ErrNoDispatcher)
}
