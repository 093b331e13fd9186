// Package metrics holds the Prometheus collectors of the insight pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ingestTotal counts ingest results.
	// Labels: outcome (accepted, rejected-terminal, rejected-retryable, rejected-overload)
	ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "negocia",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Raw events ingested by outcome",
	}, []string{"outcome"})

	// applyLatency measures Aggregator.Apply including classification.
	applyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "negocia",
		Subsystem: "ingest",
		Name:      "apply_duration_seconds",
		Help:      "Time spent applying one fragment to a session",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	})

	// duplicates counts re-delivered fragments that were ignored.
	duplicates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "negocia",
		Subsystem: "ingest",
		Name:      "duplicates_total",
		Help:      "Re-delivered fragments ignored by idempotent apply",
	})

	// gaps counts sequence gaps recorded.
	gaps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "negocia",
		Subsystem: "ingest",
		Name:      "gaps_total",
		Help:      "Sequence gaps recorded across sessions",
	})

	// classifyFailures counts fragments whose classification failed.
	classifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "negocia",
		Subsystem: "classifier",
		Name:      "failures_total",
		Help:      "Fragments applied with zero signals after a classifier failure",
	})

	// signals counts new and merged signals.
	// Labels: category, kind (new, merged)
	signals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "negocia",
		Subsystem: "session",
		Name:      "signals_total",
		Help:      "Signals appended or merged by category",
	}, []string{"category", "kind"})

	// sessions tracks live sessions by status.
	// Labels: status (active, idle, closed)
	sessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "negocia",
		Subsystem: "registry",
		Name:      "sessions",
		Help:      "Sessions held by the registry by status",
	}, []string{"status"})

	// evictions counts evicted sessions.
	// Labels: result (persisted, failed)
	evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "negocia",
		Subsystem: "registry",
		Name:      "evictions_total",
		Help:      "Closed sessions evicted after retention",
	}, []string{"result"})

	// sweepDuration measures one registry sweep.
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "negocia",
		Subsystem: "registry",
		Name:      "sweep_duration_seconds",
		Help:      "Time spent in one registry sweep",
		Buckets:   prometheus.DefBuckets,
	})
)

func RecordIngest(outcome string) {
	ingestTotal.WithLabelValues(outcome).Inc()
}

func RecordApply(durationSec float64) {
	applyLatency.Observe(durationSec)
}

func RecordDuplicate() {
	duplicates.Inc()
}

func RecordGap() {
	gaps.Inc()
}

func RecordClassifyFailure() {
	classifyFailures.Inc()
}

func RecordSignals(category string, added, merged int) {
	if added > 0 {
		signals.WithLabelValues(category, "new").Add(float64(added))
	}
	if merged > 0 {
		signals.WithLabelValues(category, "merged").Add(float64(merged))
	}
}

// SetSessions replaces the per-status session gauges.
func SetSessions(active, idle, closed int) {
	sessions.WithLabelValues("active").Set(float64(active))
	sessions.WithLabelValues("idle").Set(float64(idle))
	sessions.WithLabelValues("closed").Set(float64(closed))
}

func RecordEviction(persisted bool) {
	result := "persisted"
	if !persisted {
		result = "failed"
	}
	evictions.WithLabelValues(result).Inc()
}

func RecordSweep(durationSec float64) {
	sweepDuration.Observe(durationSec)
}
