package statebridge

import (
	"github.com/drpcorg/statebridge/transport"
	"github.com/prometheus/client_golang/prometheus"
)

var PatchesBroadcast = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "statebridge",
	Subsystem: "publisher",
	Name:      "patches_broadcast",
})

var PatchKeys = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "statebridge",
	Subsystem: "publisher",
	Name:      "patch_keys",
	Buckets:   []float64{1, 2, 3, 5, 10, 20, 50},
})

var BroadcastFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "statebridge",
	Subsystem: "publisher",
	Name:      "broadcast_failures",
})

var DispatchResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "statebridge",
	Subsystem: "authority",
	Name:      "dispatch_results",
}, []string{"type", "result"})

var BufferedEnvelopes = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "statebridge",
	Name:      "buffered_envelopes",
})

var ProxyResyncs = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "statebridge",
	Name:      "proxy_resyncs_total",
})

// Metrics lists every bridge collector, transport ones included.
func Metrics() []prometheus.Collector {
	return append([]prometheus.Collector{
		PatchesBroadcast,
		PatchKeys,
		BroadcastFailures,
		DispatchResults,
		BufferedEnvelopes,
		ProxyResyncs,
	}, transport.Metrics()...)
}
