// Package telemetry provides the metrics surface for the storage engine:
// a small set of Prometheus counters and histograms registered against a
// private registry. BTreeDB is an embedded library and never opens a
// socket itself; callers that want to scrape these metrics mount
// Registry() behind their own HTTP handler.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds the configuration for the telemetry system.
type Config struct {
	// Enabled toggles metric collection on or off.
	Enabled bool `yaml:"enabled"`
	// ServiceName is attached as a constant label on every metric.
	ServiceName string `yaml:"service_name"`
}

// Metrics holds the active counters and histograms for one engine
// instance. A disabled Metrics still satisfies every call site with live
// collectors that are not registered in its registry.
type Metrics struct {
	registry *prometheus.Registry

	Puts          prometheus.Counter
	Gets          prometheus.Counter
	Deletes       prometheus.Counter
	NodeSplits    prometheus.Counter
	NodeMerges    prometheus.Counter
	NodeBorrows   prometheus.Counter
	WalAppends    prometheus.Counter
	WalFlushes    prometheus.Counter
	Checkpoints   prometheus.Counter
	LockWaitSecs  prometheus.Histogram
	CommitSecs    prometheus.Histogram
	CompressItems *prometheus.CounterVec
	CompressBytes *prometheus.CounterVec
}

// New builds a Metrics struct and its private registry. It never starts
// an HTTP server or a background exporter; that is deliberately left to
// the caller (§2.2 of SPEC_FULL.md).
func New(config Config) *Metrics {
	registry := prometheus.NewRegistry()

	labels := prometheus.Labels{"service": config.ServiceName}
	if config.ServiceName == "" {
		labels = prometheus.Labels{"service": "btreedb"}
	}

	m := &Metrics{
		registry: registry,
		Puts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "btreedb_puts_total", Help: "Total Put operations.", ConstLabels: labels,
		}),
		Gets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "btreedb_gets_total", Help: "Total Get operations.", ConstLabels: labels,
		}),
		Deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "btreedb_deletes_total", Help: "Total Delete operations.", ConstLabels: labels,
		}),
		NodeSplits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "btreedb_node_splits_total", Help: "Total node splits.", ConstLabels: labels,
		}),
		NodeMerges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "btreedb_node_merges_total", Help: "Total node merges.", ConstLabels: labels,
		}),
		NodeBorrows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "btreedb_node_borrows_total", Help: "Total sibling borrows during delete rebalancing.", ConstLabels: labels,
		}),
		WalAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "btreedb_wal_appends_total", Help: "Total WAL records appended.", ConstLabels: labels,
		}),
		WalFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "btreedb_wal_flushes_total", Help: "Total WAL flush (fsync) calls.", ConstLabels: labels,
		}),
		Checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "btreedb_checkpoints_total", Help: "Total WAL checkpoints.", ConstLabels: labels,
		}),
		LockWaitSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "btreedb_lock_wait_seconds", Help: "Time spent waiting to acquire a page lock.",
			ConstLabels: labels, Buckets: prometheus.DefBuckets,
		}),
		CommitSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "btreedb_commit_seconds", Help: "Time spent in transaction commit.",
			ConstLabels: labels, Buckets: prometheus.DefBuckets,
		}),
		CompressItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "btreedb_compression_items_total", Help: "Values passed through the compression codec.", ConstLabels: labels,
		}, []string{"compressed"}),
		CompressBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "btreedb_compression_bytes_total", Help: "Bytes before/after compression.", ConstLabels: labels,
		}, []string{"phase"}),
	}

	if !config.Enabled {
		return m
	}

	registry.MustRegister(
		m.Puts, m.Gets, m.Deletes, m.NodeSplits, m.NodeMerges, m.NodeBorrows,
		m.WalAppends, m.WalFlushes, m.Checkpoints, m.LockWaitSecs, m.CommitSecs,
		m.CompressItems, m.CompressBytes,
	)
	return m
}

// Registry exposes the private Prometheus registry so a caller that runs
// its own HTTP server can mount promhttp.HandlerFor(m.Registry(), ...).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
