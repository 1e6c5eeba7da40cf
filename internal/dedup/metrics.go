package dedup

import (
	"github.com/prometheus/client_golang/prometheus"

	"example.com/datahub/internal/domain"
)

var (
	rejectedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datahub",
		Subsystem: "dedup",
		Name:      "records_rejected_total",
		Help:      "Number of malformed or unknown-metric records rejected per source.",
	}, []string{"source"})

	planCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datahub",
		Subsystem: "dedup",
		Name:      "plan_directives_total",
		Help:      "Upsert plan directives emitted, grouped by kind.",
	}, []string{"kind"})

	identityCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "datahub",
		Subsystem: "dedup",
		Name:      "identities_accepted_total",
		Help:      "Raw identities accepted for persistence across all passes.",
	})
)

func init() {
	prometheus.MustRegister(rejectedCounter, planCounter, identityCounter)
}

func recordPass(plan *domain.UpsertPlan, recordErrs []domain.RecordError) {
	planCounter.WithLabelValues("insert").Add(float64(len(plan.Inserts)))
	planCounter.WithLabelValues("update").Add(float64(len(plan.Updates)))
	planCounter.WithLabelValues("noop").Add(float64(len(plan.Unchanged)))
	identityCounter.Add(float64(len(plan.Identities)))
	for _, recordErr := range recordErrs {
		rejectedCounter.WithLabelValues(string(recordErr.Source)).Inc()
	}
}
