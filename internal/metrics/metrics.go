package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RISMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpsentry_ris_messages_total",
			Help: "RIS Live frames by disposition (update, skipped, parse_error).",
		},
		[]string{"disposition"},
	)

	UpdatesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpsentry_updates_written_total",
			Help: "ip_rib rows written by kind (announcement, withdrawal).",
		},
		[]string{"kind"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpsentry_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"worker", "op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpsentry_db_rows_affected_total",
			Help: "DB rows written or updated.",
		},
		[]string{"worker", "table", "op"},
	)

	UpsertConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpsentry_upsert_conflicts_total",
			Help: "Deterministic-identity upserts resolved by ON CONFLICT.",
		},
		[]string{"table"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpsentry_parse_errors_total",
			Help: "Parse/compute failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	DetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpsentry_detections_total",
			Help: "Detections emitted by detector and severity.",
		},
		[]string{"detector", "severity"},
	)

	CorrelatedGroupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpsentry_correlated_groups_total",
			Help: "Correlated detection groups by final classification.",
		},
		[]string{"classification"},
	)

	CheckpointTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpsentry_checkpoint_timestamp_seconds",
			Help: "Unix timestamp of each stage's checkpoint.",
		},
		[]string{"stage"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpsentry_batch_size",
			Help:    "Rows handled per poll batch.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
		[]string{"worker"},
	)

	RPKIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpsentry_rpki_requests_total",
			Help: "RPKI validator API calls by outcome (ok, retry_503, timeout, error).",
		},
		[]string{"outcome"},
	)

	StreamReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bgpsentry_stream_reconnects_total",
			Help: "RIS Live reconnect attempts.",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		RISMessagesTotal,
		UpdatesWrittenTotal,
		DBWriteDuration,
		DBRowsAffectedTotal,
		UpsertConflictsTotal,
		ParseErrorsTotal,
		DetectionsTotal,
		CorrelatedGroupsTotal,
		CheckpointTimestamp,
		BatchSize,
		RPKIRequestsTotal,
		StreamReconnectsTotal,
	)
}
