// Package metrics declares the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	LinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsentry_lines_total",
			Help: "Total number of raw log lines received",
		},
		[]string{"source"},
	)

	ParseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsentry_parse_errors_total",
			Help: "Total number of lines rejected by the parser",
		},
		[]string{"source", "kind"}, // kind: malformed-format/unsupported-field/truncated-line
	)

	LowConfidenceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsentry_low_confidence_events_total",
			Help: "Total number of events recovered by the best-effort tokenizer",
		},
		[]string{"source"},
	)

	StreamDegraded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logsentry_stream_degraded",
			Help: "Whether the stream parse-failure ratio exceeds its limit (1=degraded)",
		},
		[]string{"source"},
	)

	// Baseline
	RetainedWindows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logsentry_baseline_windows",
			Help: "Windows currently retained by the baseline tracker, filling window included",
		},
		[]string{"source"},
	)

	StateInconsistencies = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logsentry_state_inconsistencies",
			Help: "Filling-window resets caused by timestamps beyond the skew tolerance",
		},
		[]string{"source"},
	)

	// Scoring and incidents
	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsentry_anomalies_total",
			Help: "Total number of flagged anomaly scores",
		},
		[]string{"dimension", "metric"},
	)

	IncidentsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "logsentry_incidents_open",
			Help: "Incidents currently open",
		},
	)

	IncidentsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsentry_incidents_closed_total",
			Help: "Total number of closed incidents",
		},
		[]string{"severity", "incomplete"},
	)

	// Delivery
	ReportsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsentry_reports_published_total",
			Help: "Total number of report publish attempts",
		},
		[]string{"status"}, // status: ok/error
	)

	NarrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsentry_narrations_total",
			Help: "Total number of narrator calls",
		},
		[]string{"status"},
	)

	NarrationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logsentry_narration_duration_seconds",
			Help:    "Narrator call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
	)

	ReportsInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logsentry_reports_inserted_total",
			Help: "Total number of reports flushed to storage",
		},
	)

	// Storage snapshots
	SnapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logsentry_store_snapshots_total",
			Help: "Total number of report store snapshots",
		},
		[]string{"status"}, // status: ok/error
	)

	SnapshotLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "logsentry_store_snapshot_last_success_timestamp_seconds",
			Help: "Unix time of the last successful report store snapshot",
		},
	)
)
