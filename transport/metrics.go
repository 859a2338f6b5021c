package transport

import "github.com/prometheus/client_golang/prometheus"

var EnvelopesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "statebridge",
	Subsystem: "transport",
	Name:      "envelopes_sent",
}, []string{"transport", "kind"})

var EnvelopesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "statebridge",
	Subsystem: "transport",
	Name:      "envelopes_received",
}, []string{"transport", "kind"})

var DecodeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "statebridge",
	Subsystem: "transport",
	Name:      "decode_failures",
}, []string{"transport"})

// Metrics lists the collectors of this package for registration.
func Metrics() []prometheus.Collector {
	return []prometheus.Collector{EnvelopesSent, EnvelopesReceived, DecodeFailures}
}
