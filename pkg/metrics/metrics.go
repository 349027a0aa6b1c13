// Package metrics defines the Prometheus instrumentation surface for the
// validator core, per SPEC_FULL.md §4.11.
//
// The teacher's go.mod declares github.com/prometheus/client_golang but no
// package in the teacher's own source imports it; there is no in-repo usage
// example to ground the wiring on, so this package follows client_golang's
// own documented construction idiom directly (a private Registry, typed
// collectors built with the New*Vec constructors, no global default
// registry) rather than a teacher-specific variant.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the core updates. It is constructed once
// at startup and passed by reference into each subsystem that reports
// against it — there is no package-level singleton registry, per the
// spec's capability-interfaces-over-global-state redesign flag.
type Metrics struct {
	Registry *prometheus.Registry

	MempoolDepth           prometheus.Gauge
	ChainHeadHeight        prometheus.Gauge
	ValidationQueueDepth   prometheus.Gauge
	ValidationLatency      prometheus.Histogram
	ProcessorRoundTrip     *prometheus.HistogramVec
	BlocksCommittedTotal   prometheus.Counter
	BlocksRejectedTotal    prometheus.Counter
	BatchesAppliedTotal    prometheus.Counter
	BatchesRolledBackTotal prometheus.Counter
}

// New constructs and registers every collector against a fresh, private
// Registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		MempoolDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledgervalidator",
			Subsystem: "publisher",
			Name:      "mempool_depth",
			Help:      "Number of batches currently pending in the mempool.",
		}),
		ChainHeadHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledgervalidator",
			Subsystem: "chain",
			Name:      "head_height",
			Help:      "Block number of the current committed chain head.",
		}),
		ValidationQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ledgervalidator",
			Subsystem: "validator",
			Name:      "queue_depth",
			Help:      "Number of blocks awaiting or undergoing validation.",
		}),
		ValidationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ledgervalidator",
			Subsystem: "validator",
			Name:      "block_validation_seconds",
			Help:      "Time to run the full seven-step validation algorithm on one block.",
			Buckets:   prometheus.DefBuckets,
		}),
		ProcessorRoundTrip: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ledgervalidator",
			Subsystem: "execution",
			Name:      "processor_round_trip_seconds",
			Help:      "Time from dispatching a transaction to a processor to receiving its response, by family name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"family_name"}),
		BlocksCommittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgervalidator",
			Subsystem: "chain",
			Name:      "blocks_committed_total",
			Help:      "Total number of blocks committed to the chain.",
		}),
		BlocksRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgervalidator",
			Subsystem: "chain",
			Name:      "blocks_rejected_total",
			Help:      "Total number of blocks found Invalid by BlockValidator.",
		}),
		BatchesAppliedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgervalidator",
			Subsystem: "execution",
			Name:      "batches_applied_total",
			Help:      "Total number of batches committed by the Scheduler.",
		}),
		BatchesRolledBackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgervalidator",
			Subsystem: "execution",
			Name:      "batches_rolled_back_total",
			Help:      "Total number of batches rolled back by the Scheduler.",
		}),
	}

	reg.MustRegister(
		m.MempoolDepth,
		m.ChainHeadHeight,
		m.ValidationQueueDepth,
		m.ValidationLatency,
		m.ProcessorRoundTrip,
		m.BlocksCommittedTotal,
		m.BlocksRejectedTotal,
		m.BatchesAppliedTotal,
		m.BatchesRolledBackTotal,
	)
	return m
}
