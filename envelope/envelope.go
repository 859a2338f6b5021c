// Package envelope defines the closed set of messages exchanged between the
// authority and its replicas, and their wire encoding.
//
// Every variant implements Body; the set is closed by an unexported method,
// so code outside this package cannot add variants. Consumers dispatch on
// the variant through Visitor, which has one method per variant: adding a
// variant breaks the build of every consumer that has not handled it.
package envelope

import (
	"context"
	"errors"
	"fmt"

	"github.com/drpcorg/statebridge/state"
	"github.com/drpcorg/statebridge/store"
)

var (
	ErrUnknownEnvelope    = errors.New("envelope: unknown envelope type")
	ErrUnexpectedEnvelope = errors.New("envelope: unexpected envelope for this endpoint")
	ErrMalformed          = errors.New("envelope: malformed envelope")
)

// Envelope is one message. Epoch is the authority incarnation that produced
// it (zero on replica-originated messages), ID correlates a request with
// its reply, From is filled in by the transport on receipt.
type Envelope struct {
	Epoch uint64
	ID    uint64
	From  string
	Body  Body
}

type Body interface {
	lit() byte
	accept(ctx context.Context, v Visitor, env *Envelope) error
}

// Visitor handles every variant. Endpoints that must not receive a variant
// return ErrUnexpectedEnvelope from its method.
type Visitor interface {
	OnFetchState(ctx context.Context, env *Envelope, body FetchState) error
	OnStateSnapshot(ctx context.Context, env *Envelope, body StateSnapshot) error
	OnPatchState(ctx context.Context, env *Envelope, body PatchState) error
	OnDispatchAction(ctx context.Context, env *Envelope, body DispatchAction) error
	OnDispatchReply(ctx context.Context, env *Envelope, body DispatchReply) error
	OnFeedsDetected(ctx context.Context, env *Envelope, body FeedsDetected) error
	OnLogMessage(ctx context.Context, env *Envelope, body LogMessage) error
	OnStartFeedDetection(ctx context.Context, env *Envelope, body StartFeedDetection) error
}

// Visit routes the envelope to the visitor method of its variant.
func (e *Envelope) Visit(ctx context.Context, v Visitor) error {
	if e.Body == nil {
		return ErrUnknownEnvelope
	}
	return e.Body.accept(ctx, v, e)
}

// Kind names the variant, for logs and metrics labels.
func (e *Envelope) Kind() string {
	if e.Body == nil {
		return "none"
	}
	return kinds[e.Body.lit()].name
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s#%d@%d from %q", e.Kind(), e.ID, e.Epoch, e.From)
}

// FetchState asks the authority for a full snapshot.
type FetchState struct{}

// StateSnapshot is the full state, the reply to FetchState.
type StateSnapshot struct {
	State state.Snapshot `msgpack:"state"`
}

// PatchState is the change since the previous broadcast of the same epoch.
type PatchState struct {
	Patch state.Patch `msgpack:"patch"`
}

type DispatchAction struct {
	Action store.Action `msgpack:"action"`
}

// DispatchReply answers DispatchAction. Error is the authority-side error
// description when OK is false.
type DispatchReply struct {
	OK    bool   `msgpack:"ok"`
	Value any    `msgpack:"value,omitempty"`
	Error string `msgpack:"error,omitempty"`
}

type DetectedFeed struct {
	Title string `msgpack:"title"`
	Href  string `msgpack:"href"`
}

// FeedsDetected reports feeds a page advertises.
type FeedsDetected struct {
	URL   string         `msgpack:"url"`
	Feeds []DetectedFeed `msgpack:"feeds"`
}

// LogMessage forwards a log line from a replica to the authority log.
type LogMessage struct {
	Message string `msgpack:"message"`
	Data    any    `msgpack:"data,omitempty"`
}

// StartFeedDetection asks a page replica to look for advertised feeds.
type StartFeedDetection struct {
	URL string `msgpack:"url"`
}

func (FetchState) lit() byte         { return 'F' }
func (StateSnapshot) lit() byte      { return 'S' }
func (PatchState) lit() byte         { return 'P' }
func (DispatchAction) lit() byte     { return 'A' }
func (DispatchReply) lit() byte      { return 'R' }
func (FeedsDetected) lit() byte      { return 'D' }
func (LogMessage) lit() byte         { return 'L' }
func (StartFeedDetection) lit() byte { return 'T' }

func (b FetchState) accept(ctx context.Context, v Visitor, env *Envelope) error {
	return v.OnFetchState(ctx, env, b)
}

func (b StateSnapshot) accept(ctx context.Context, v Visitor, env *Envelope) error {
	return v.OnStateSnapshot(ctx, env, b)
}

func (b PatchState) accept(ctx context.Context, v Visitor, env *Envelope) error {
	return v.OnPatchState(ctx, env, b)
}

func (b DispatchAction) accept(ctx context.Context, v Visitor, env *Envelope) error {
	return v.OnDispatchAction(ctx, env, b)
}

func (b DispatchReply) accept(ctx context.Context, v Visitor, env *Envelope) error {
	return v.OnDispatchReply(ctx, env, b)
}

func (b FeedsDetected) accept(ctx context.Context, v Visitor, env *Envelope) error {
	return v.OnFeedsDetected(ctx, env, b)
}

func (b LogMessage) accept(ctx context.Context, v Visitor, env *Envelope) error {
	return v.OnLogMessage(ctx, env, b)
}

func (b StartFeedDetection) accept(ctx context.Context, v Visitor, env *Envelope) error {
	return v.OnStartFeedDetection(ctx, env, b)
}
