package persist

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

var Saves = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "statebridge",
	Subsystem: "persist",
	Name:      "saves",
})

var SaveDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "statebridge",
	Subsystem: "persist",
	Name:      "save_duration_seconds",
	Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
})

type pebbleMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

// PebbleCollector exports the storage engine metrics of the state store.
type PebbleCollector struct {
	db      *pebble.DB
	metrics []pebbleMetric
}

func newPebbleMetric(name, help string, kind prometheus.ValueType, value func(m *pebble.Metrics) float64) pebbleMetric {
	return pebbleMetric{
		desc:  prometheus.NewDesc("statebridge_pebble_"+name, help, nil, nil),
		kind:  kind,
		value: value,
	}
}

func NewPebbleCollector(db *pebble.DB) *PebbleCollector {
	return &PebbleCollector{
		db: db,
		metrics: []pebbleMetric{
			newPebbleMetric("compaction_count_total", "Compactions performed", prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }),
			newPebbleMetric("compaction_estimated_debt_bytes", "Bytes to compact to reach a stable state", prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }),
			newPebbleMetric("compaction_in_progress_bytes", "Bytes being compacted", prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }),
			newPebbleMetric("memtable_size_bytes", "Memtable size", prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }),
			newPebbleMetric("memtable_count", "Memtables", prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }),
			newPebbleMetric("wal_files", "Live WAL files", prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }),
			newPebbleMetric("wal_size_bytes", "Live WAL data", prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }),
			newPebbleMetric("wal_bytes_written_total", "Physical bytes written to the WAL", prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }),
			newPebbleMetric("disk_usage_bytes", "Disk space used by the store", prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.DiskSpaceUsage()) }),
		},
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range pc.metrics {
		ch <- m.desc
	}
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot := pc.db.Metrics()
	for _, m := range pc.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(snapshot))
	}
}

// Metrics lists the collectors of this package; the pebble one needs an
// open store.
func (p *Pebble) Metrics() []prometheus.Collector {
	return []prometheus.Collector{Saves, SaveDuration, NewPebbleCollector(p.db)}
}
