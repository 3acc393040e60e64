package ingest

import "github.com/zeromicro/go-zero/core/metric"

const metricNamespace = "aodp"

var (
	metricRuns = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: metricNamespace,
		Subsystem: "ingest",
		Name:      "runs_total",
		Help:      "ingestion runs by final status",
		Labels:    []string{"status"},
	})
	metricSnapshots = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: metricNamespace,
		Subsystem: "ingest",
		Name:      "snapshots_total",
		Help:      "processed snapshots by stage and outcome",
		Labels:    []string{"stage", "outcome"},
	})
	metricRecordsImported = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: metricNamespace,
		Subsystem: "ingest",
		Name:      "records_imported_total",
		Help:      "records newly inserted into market_history",
		Labels:    []string{"snapshot_kind"},
	})
	metricImportDuration = metric.NewHistogramVec(&metric.HistogramVecOpts{
		Namespace: metricNamespace,
		Subsystem: "ingest",
		Name:      "import_duration_ms",
		Help:      "snapshot import duration in milliseconds",
		Labels:    []string{"snapshot_kind"},
		Buckets:   []float64{1000, 5000, 15000, 60000, 180000, 600000, 1800000},
	})
	metricDownloadBytes = metric.NewCounterVec(&metric.CounterVecOpts{
		Namespace: metricNamespace,
		Subsystem: "download",
		Name:      "bytes_total",
		Help:      "bytes fetched from the dump index",
		Labels:    []string{"snapshot_kind"},
	})
)
