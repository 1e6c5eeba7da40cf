// Package dedup implements the multi-source deduplication and
// canonicalization engine: records from overlapping connectors are grouped
// into buckets representing the same real-world fact, and exactly one
// canonical record per bucket is selected by source priority.
package dedup

import (
	"fmt"
	"time"

	"example.com/datahub/internal/domain"
)

// BucketKey identifies the unit of "same real-world fact" grouping for timed
// metrics. It is derived, never persisted on its own. Start values are always
// constructed in the policy's reference location so keys from different
// source timezones compare equal.
type BucketKey struct {
	Metric domain.MetricType
	Start  time.Time
	Span   time.Duration
}

// Policy maps a record's metric type and timestamp to its bucket. A span of
// zero marks an event metric (transactions, strength sets) whose grouping is
// an equality predicate rather than a time window.
type Policy struct {
	spans map[domain.MetricType]time.Duration
	loc   *time.Location
}

// DefaultSpans returns the stock bucket spans: hourly for continuous
// activity metrics, daily for sleep and body measurements, instant for
// discrete events.
func DefaultSpans() map[domain.MetricType]time.Duration {
	return map[domain.MetricType]time.Duration{
		domain.MetricSteps:           time.Hour,
		domain.MetricHeartRate:       time.Hour,
		domain.MetricHRV:             time.Hour,
		domain.MetricActiveCalories:  time.Hour,
		domain.MetricRestingCalories: time.Hour,
		domain.MetricDistance:        time.Hour,
		domain.MetricSleepMinutes:    24 * time.Hour,
		domain.MetricWeight:          24 * time.Hour,
		domain.MetricStrengthSet:     0,
		domain.MetricTransaction:     0,
	}
}

// NewPolicy constructs a Policy. A nil span map selects DefaultSpans and a
// nil location selects UTC.
func NewPolicy(spans map[domain.MetricType]time.Duration, loc *time.Location) *Policy {
	if spans == nil {
		spans = DefaultSpans()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Policy{spans: spans, loc: loc}
}

// Knows reports whether the metric type has bucketing configuration.
// Unknown metrics are rejected per record, never defaulted: guessing a span
// risks merging unrelated facts.
func (p *Policy) Knows(metric domain.MetricType) bool {
	_, ok := p.spans[metric]
	return ok
}

// Span returns the configured bucket span for the metric.
func (p *Policy) Span(metric domain.MetricType) (time.Duration, bool) {
	span, ok := p.spans[metric]
	return span, ok
}

// Validate checks span configuration at startup, before any batch runs.
func (p *Policy) Validate() error {
	for metric, span := range p.spans {
		if span < 0 {
			return fmt.Errorf("%w: negative bucket span for metric %q", ErrConfig, metric)
		}
		if span > 0 && 24*time.Hour%span != 0 && span%(24*time.Hour) != 0 {
			return fmt.Errorf("%w: bucket span %s for metric %q does not tile a day", ErrConfig, span, metric)
		}
	}
	return nil
}

// BucketFor truncates the record timestamp to its span boundary in the
// reference location. Sources report in mixed timezones; normalizing to one
// location keeps bucket boundaries stable across DST changes. The function
// is pure and total. For event metrics the key degenerates to the instant
// itself and grouping happens through the event predicate instead.
func (p *Policy) BucketFor(metric domain.MetricType, ts time.Time) BucketKey {
	span := p.spans[metric]
	if span <= 0 {
		return BucketKey{Metric: metric, Start: ts.In(p.loc), Span: 0}
	}

	local := ts.In(p.loc)
	year, month, day := local.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, p.loc)
	if span >= 24*time.Hour {
		return BucketKey{Metric: metric, Start: midnight, Span: span}
	}

	offset := local.Sub(midnight)
	start := midnight.Add(offset - offset%span)
	return BucketKey{Metric: metric, Start: start, Span: span}
}
