package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/drpcorg/statebridge"
	"github.com/drpcorg/statebridge/envelope"
	"github.com/drpcorg/statebridge/feeds"
	"github.com/drpcorg/statebridge/transport"
	"github.com/drpcorg/statebridge/utils"
)

// runDemo wires an authority and two page replicas over the in-memory hub
// and walks them through a short session.
func runDemo(ctx context.Context, log utils.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	hub := transport.NewHub(log, 0)
	defer hub.Close()

	authPort, err := hub.Port(statebridge.DefaultAuthorityName)
	if err != nil {
		return err
	}
	detector := feeds.NewDetector(authPort, log)
	auth, err := statebridge.NewAuthority(ctx, authPort, statebridge.AuthorityOptions{
		Reducer: feeds.Reducer(),
		Initial: feeds.InitialState(),
		Events:  detector,
		Logger:  log,
	})
	if err != nil {
		return err
	}
	defer auth.Close()
	detector.SetDispatcher(auth)
	authPort.OnMessage(auth.Handle)

	sidebar, err := demoReplica(ctx, hub, "sidebar", log, nil)
	if err != nil {
		return err
	}
	defer sidebar.Close()
	var page *statebridge.Proxy
	page, err = demoReplica(ctx, hub, "page", log, func(ctx context.Context, url string) error {
		return page.ReportFeeds(ctx, url, []envelope.DetectedFeed{{Title: "Posts", Href: url + "/feed.xml"}})
	})
	if err != nil {
		return err
	}
	defer page.Close()

	steps := []struct {
		title string
		run   func() error
	}{
		{"sidebar adds a folder", func() error {
			_, err := sidebar.Dispatch(ctx, feeds.AddFolder(feeds.Folder{ID: "news", Title: "News"}, ""))
			return err
		}},
		{"sidebar adds a feed", func() error {
			_, err := sidebar.Dispatch(ctx, feeds.AddFeed(feeds.Feed{ID: "go", Title: "Go blog", URL: "https://go.dev/blog/feed.atom"}, ""))
			return err
		}},
		{"sidebar drags the feed into the folder", func() error {
			_, err := sidebar.Dispatch(ctx, feeds.MoveNode(feeds.MoveNodePayload{
				MovedNode:    feeds.MovedNode{NodeID: "go", NodeType: feeds.NodeFeed},
				TargetNodeID: "news",
				Mode:         feeds.Into,
			}))
			return err
		}},
		{"authority asks the page for feeds", func() error {
			return detector.Request(ctx, "page", "https://example.com")
		}},
		{"page selects an unknown feed", func() error {
			_, err := page.Dispatch(ctx, feeds.SelectFeed("missing"))
			if statebridge.IsRemote(err) {
				fmt.Printf("   rejected: %v\n", err)
				return nil
			}
			return err
		}},
	}
	for i, step := range steps {
		fmt.Printf("%d. %s\n", i+1, step.title)
		if err := step.run(); err != nil {
			return err
		}
	}

	if err := waitDetected(ctx, sidebar, "https://example.com"); err != nil {
		return err
	}
	for _, r := range []struct {
		name  string
		proxy *statebridge.Proxy
	}{{"sidebar", sidebar}, {"page", page}} {
		js, err := json.MarshalIndent(r.proxy.GetState().Map(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "\n%s replica, epoch %d:\n%s\n", r.name, r.proxy.Epoch(), js)
	}
	return nil
}

func demoReplica(ctx context.Context, hub *transport.Hub, name string, log utils.Logger,
	detect func(ctx context.Context, url string) error) (*statebridge.Proxy, error) {
	port, err := hub.Port(name)
	if err != nil {
		return nil, err
	}
	proxy, err := statebridge.NewProxy(ctx, port, statebridge.ProxyOptions{
		Default:              feeds.InitialState(),
		OnStartFeedDetection: detect,
		Logger:               log,
	})
	if err != nil {
		return nil, err
	}
	if err := proxy.WaitReady(ctx); err != nil {
		_ = proxy.Close()
		return nil, err
	}
	return proxy, nil
}

// waitDetected blocks until the detection result reached proxy.
func waitDetected(ctx context.Context, proxy *statebridge.Proxy, url string) error {
	changed := make(chan struct{}, 1)
	unsubscribe := proxy.Subscribe(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()
	for {
		sess, err := feeds.Get[feeds.Session](proxy.GetState(), feeds.KeySession)
		if err != nil {
			return err
		}
		if sess != nil && sess.DetectedURL == url {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
