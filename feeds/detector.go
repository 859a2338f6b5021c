package feeds

import (
	"context"
	"errors"
	"slices"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/statebridge/envelope"
	"github.com/drpcorg/statebridge/state"
	"github.com/drpcorg/statebridge/store"
	"github.com/drpcorg/statebridge/transport"
	"github.com/drpcorg/statebridge/utils"
)

var ErrNoDispatcher = errors.New("feeds: detector has no dispatcher")

type Dispatcher interface {
	Dispatch(action store.Action) (state.Snapshot, error)
}

// Detector runs feed detection on the authority side. It asks page
// replicas to look for feeds and records what they report in the session
// slice. Results are remembered per URL so revisiting a page does not
// ask again.
type Detector struct {
	tr    transport.Transport
	log   utils.Logger
	disp  Dispatcher
	cache *xsync.MapOf[string, []envelope.DetectedFeed]
}

func NewDetector(tr transport.Transport, log utils.Logger) *Detector {
	return &Detector{
		tr:    tr,
		log:   log,
		cache: xsync.NewMapOf[string, []envelope.DetectedFeed](),
	}
}

// SetDispatcher must be called before replicas start reporting; the
// authority is usually created after the detector it is given.
func (d *Detector) SetDispatcher(disp Dispatcher) {
	d.disp = disp
}

// Request publishes the known feeds of url, or asks the replica named
// tab to detect them.
func (d *Detector) Request(ctx context.Context, tab, url string) error {
	if found, ok := d.cache.Load(url); ok {
		d.log.DebugCtx(ctx, "feeds: detection cache hit", "url", url, "feeds", len(found))
		return d.publish(url, found)
	}
	return d.tr.Send(ctx, tab, &envelope.Envelope{
		Body: envelope.StartFeedDetection{URL: url},
	})
}

// FeedsDetected is called with what a replica found.
func (d *Detector) FeedsDetected(ctx context.Context, from string, ev envelope.FeedsDetected) error {
	found := slices.Clone(ev.Feeds)
	d.cache.Store(ev.URL, found)
	d.log.InfoCtx(ctx, "feeds: detected", "from", from, "url", ev.URL, "feeds", len(found))
	return d.publish(ev.URL, found)
}

// Forget drops the cached result for url.
func (d *Detector) Forget(url string) {
	d.cache.Delete(url)
}

func (d *Detector) publish(url string, found []envelope.DetectedFeed) error {
	if d.disp == nil {
		return ErrNoDispatcher
	}
	_, err := d.disp.Dispatch(FeedsDetected(url, found))
	return err
}
