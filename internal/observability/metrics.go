// Package observability exposes Prometheus collectors for the wearable pipeline.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	intakeRecordsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearable_pipeline",
		Subsystem: "intake",
		Name:      "records_total",
		Help:      "Number of batch records by intake result.",
	}, []string{"result"})

	etlRecordsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearable_pipeline",
		Subsystem: "etl",
		Name:      "records_total",
		Help:      "Number of raw records by normalization outcome.",
	}, []string{"outcome"})

	daysAggregatedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wearable_pipeline",
		Subsystem: "etl",
		Name:      "days_aggregated_total",
		Help:      "Number of day rollups recomputed.",
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "wearable_pipeline",
		Subsystem: "intake",
		Name:      "batch_duration_seconds",
		Help:      "End-to-end duration of batch ingestion including synchronous ETL.",
		Buckets:   prometheus.DefBuckets,
	})

	lastBatchGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wearable_pipeline",
		Subsystem: "intake",
		Name:      "last_batch_timestamp_seconds",
		Help:      "Unix timestamp of the most recent batch processed.",
	})
)

func init() {
	prometheus.MustRegister(intakeRecordsCounter, etlRecordsCounter, daysAggregatedCounter, batchDuration, lastBatchGauge)
}

// RecordIntake updates the intake counters for one batch.
func RecordIntake(accepted, duplicates, rejected int) {
	intakeRecordsCounter.WithLabelValues("accepted").Add(float64(accepted))
	intakeRecordsCounter.WithLabelValues("duplicate").Add(float64(duplicates))
	intakeRecordsCounter.WithLabelValues("rejected").Add(float64(rejected))
}

// RecordETLOutcome counts one raw record's normalization outcome.
func RecordETLOutcome(outcome string) {
	etlRecordsCounter.WithLabelValues(outcome).Inc()
}

// RecordDaysAggregated counts recomputed day rollups.
func RecordDaysAggregated(n int) {
	daysAggregatedCounter.Add(float64(n))
}

// ObserveBatchDuration records how long one batch took.
func ObserveBatchDuration(d time.Duration) {
	batchDuration.Observe(d.Seconds())
}

// RecordBatchProcessed updates the batch watermark gauge.
func RecordBatchProcessed(ts time.Time) {
	if ts.IsZero() {
		return
	}
	lastBatchGauge.Set(float64(ts.Unix()))
}
