package statebridge

import (
	"context"
	"log/slog"

	"github.com/drpcorg/statebridge/envelope"
	"github.com/drpcorg/statebridge/state"
	"github.com/drpcorg/statebridge/store"
	"github.com/drpcorg/statebridge/utils"
)

// DefaultAuthorityName is the transport name replicas address by default.
const DefaultAuthorityName = "authority"

// Persister stores the authority snapshot across restarts.
type Persister interface {
	// Load returns the saved snapshot; ok is false when nothing was saved.
	Load(ctx context.Context) (snap state.Snapshot, ok bool, err error)
	Save(ctx context.Context, snap state.Snapshot) error
}

// Epochs hands out strictly increasing authority epochs. A Persister that
// also implements Epochs keeps epochs monotonic across restarts.
type Epochs interface {
	NextEpoch(ctx context.Context) (uint64, error)
}

// EventHandler receives the application events replicas report to the
// authority.
type EventHandler interface {
	FeedsDetected(ctx context.Context, from string, ev envelope.FeedsDetected) error
}

type AuthorityOptions struct {
	Reducer store.Reducer
	Initial state.Snapshot
	// Persister is optional; without it state starts from Initial and
	// epochs come from the wall clock.
	Persister Persister
	Events    EventHandler
	// Epoch overrides epoch selection when non-zero.
	Epoch  uint64
	Logger utils.Logger
}

func (o *AuthorityOptions) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

type ProxyOptions struct {
	// Authority is the transport name of the authority.
	Authority string
	// Default is the cache content until the first snapshot arrives.
	Default state.Snapshot
	// OnStartFeedDetection is called when the authority asks this replica
	// to look for feeds. Optional.
	OnStartFeedDetection func(ctx context.Context, url string) error
	Logger               utils.Logger
}

func (o *ProxyOptions) SetDefaults() {
	if o.Authority == "" {
		o.Authority = DefaultAuthorityName
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}
