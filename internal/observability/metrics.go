package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	planAppliedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "datahub",
		Subsystem: "persistence",
		Name:      "last_plan_applied_timestamp_seconds",
		Help:      "Unix timestamp of the most recent upsert plan applied to Postgres.",
	})
	syncCompletedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "datahub",
		Subsystem: "persistence",
		Name:      "last_sync_completed_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful connector sync.",
	})
)

func init() {
	prometheus.MustRegister(planAppliedGauge, syncCompletedGauge)
}

// RecordPlanApplied updates the persistence watermark gauge.
func RecordPlanApplied(ts time.Time) {
	if ts.IsZero() {
		return
	}
	planAppliedGauge.Set(float64(ts.Unix()))
}

// RecordSyncCompleted updates the sync watermark gauge.
func RecordSyncCompleted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	syncCompletedGauge.Set(float64(ts.Unix()))
}
