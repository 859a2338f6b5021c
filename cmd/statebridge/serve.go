package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drpcorg/statebridge"
	"github.com/drpcorg/statebridge/feeds"
	"github.com/drpcorg/statebridge/network"
	"github.com/drpcorg/statebridge/persist"
	"github.com/drpcorg/statebridge/transport"
	"github.com/drpcorg/statebridge/utils"
)

func netOpts(opts docopt.Opts) ([]network.NetOpt, error) {
	cert, _ := opts.String("--tls-cert")
	key, _ := opts.String("--tls-key")
	if cert == "" {
		return nil, nil
	}
	pair, err := tls.LoadX509KeyPair(cert, key)
	if err != nil {
		return nil, err
	}
	return []network.NetOpt{
		&network.NetTlsConfigOpt{Config: &tls.Config{
			Certificates: []tls.Certificate{pair},
			MinVersion:   tls.VersionTLS12,
		}},
	}, nil
}

func runServe(ctx context.Context, opts docopt.Opts, log utils.Logger) error {
	addr, _ := opts.String("--listen")
	dir, _ := opts.String("--data")
	metricsAddr, _ := opts.String("--metrics")

	nopts, err := netOpts(opts)
	if err != nil {
		return err
	}
	tr := transport.NewNetTransport(statebridge.DefaultAuthorityName, log, 0, nopts...)
	defer tr.Close()

	// replicas may connect while the state is still loading
	buffer := statebridge.NewBuffer(log)
	tr.OnMessage(buffer.Handle)
	bound, err := tr.Listen(addr)
	if err != nil {
		return err
	}

	db, err := persist.Open(dir, log, persist.Options{})
	if err != nil {
		return err
	}
	defer db.Close()

	detector := feeds.NewDetector(tr, log)
	auth, err := statebridge.NewAuthority(ctx, tr, statebridge.AuthorityOptions{
		Reducer:   feeds.Reducer(),
		Initial:   feeds.InitialState(),
		Persister: db,
		Events:    detector,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	defer auth.Close()
	detector.SetDispatcher(auth)

	if err := buffer.Attach(ctx, auth.Handle); err != nil {
		return err
	}
	log.InfoCtx(ctx, "serve: authority ready", "addr", bound.String(), "epoch", auth.Epoch(), "data", dir)

	if metricsAddr != "" {
		srv := metricsServer(metricsAddr, db)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("serve: metrics server failed", "err", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	<-ctx.Done()
	log.Info("serve: shutting down")
	return nil
}

func metricsServer(addr string, db *persist.Pebble) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg.MustRegister(statebridge.Metrics()...)
	reg.MustRegister(db.Metrics()...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
