package protocol

import (
	"context"
	"io"
)

// Feeder produces records. The EOF convention follows io.Reader: either
// `records, EOF` or `records, nil` followed by `nil, EOF`.
type Feeder interface {
	Feed(ctx context.Context) (recs Records, err error)
}

// Drainer consumes records.
type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

// DrainFunc adapts a plain function to Drainer.
type DrainFunc func(ctx context.Context, recs Records) error

func (f DrainFunc) Drain(ctx context.Context, recs Records) error {
	return f(ctx, recs)
}

type FeedDrainCloser interface {
	Feeder
	Drainer
	io.Closer
}

// Traced is anything that can name itself in logs.
type Traced interface {
	GetTraceId() string
}

type FeedDrainCloserTraced interface {
	FeedDrainCloser
	Traced
}

// Relay moves one batch from feeder to drainer.
func Relay(ctx context.Context, feeder Feeder, drainer Drainer) error {
	recs, err := feeder.Feed(ctx)
	if len(recs) > 0 {
		if derr := drainer.Drain(ctx, recs); err == nil {
			err = derr
		}
	}
	return err
}

// Pump relays until an error or ctx cancellation.
func Pump(ctx context.Context, feeder Feeder, drainer Drainer) (err error) {
	for err == nil && ctx.Err() == nil {
		err = Relay(ctx, feeder, drainer)
	}
	return
}
