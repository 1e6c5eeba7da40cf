package dedup

import (
	"math"
	"time"

	"example.com/datahub/internal/domain"
)

// Group is a set of candidate records believed to describe the same
// real-world fact. Ingestion order is preserved inside a group; it does not
// affect the resolution result but keeps repeated runs byte-identical.
type Group struct {
	Key     BucketKey
	Records []domain.Record
}

// Aggregator groups candidates by (metric, bucket) for timed metrics and by
// the event-equality predicate for discrete ones.
type Aggregator struct {
	policy *Policy
}

// NewAggregator constructs an Aggregator over the given policy.
func NewAggregator(policy *Policy) *Aggregator {
	return &Aggregator{policy: policy}
}

// eventIndexKey is the coarse probe key for event metrics. Matching every
// candidate against every already-seen one is quadratic; indexing by amount
// and day and verifying with the full predicate keeps grouping near-linear.
type eventIndexKey struct {
	metric domain.MetricType
	cents  int64
	key    string
	day    int64
}

// Group partitions the batch into candidate groups. Records from the same
// source are never treated as duplicates of each other under an event
// metric: two same-amount purchases on the same card are two purchases.
func (a *Aggregator) Group(records []domain.Record) []Group {
	timed := make(map[BucketKey]int)
	eventIndex := make(map[eventIndexKey][]int)
	groups := make([]Group, 0, len(records))

	for _, rec := range records {
		span, _ := a.policy.Span(rec.Metric)
		if span > 0 {
			key := a.policy.BucketFor(rec.Metric, rec.Timestamp)
			if idx, ok := timed[key]; ok {
				groups[idx].Records = append(groups[idx].Records, rec)
				continue
			}
			timed[key] = len(groups)
			groups = append(groups, Group{Key: key, Records: []domain.Record{rec}})
			continue
		}

		if idx, ok := a.findEventGroup(groups, eventIndex, rec); ok {
			groups[idx].Records = append(groups[idx].Records, rec)
			continue
		}

		idx := len(groups)
		groups = append(groups, Group{
			Key:     a.policy.BucketFor(rec.Metric, rec.Timestamp),
			Records: []domain.Record{rec},
		})
		key := a.eventKey(rec)
		eventIndex[key] = append(eventIndex[key], idx)
	}

	return groups
}

// findEventGroup probes the coarse index around the record's day and
// verifies candidates with the full predicate. The group representative is
// its first record; tolerance windows are anchored there so matching stays
// deterministic.
func (a *Aggregator) findEventGroup(groups []Group, index map[eventIndexKey][]int, rec domain.Record) (int, bool) {
	base := a.eventKey(rec)
	for delta := int64(-1); delta <= 1; delta++ {
		probe := base
		probe.day = base.day + delta
		for _, idx := range index[probe] {
			representative := groups[idx].Records[0]
			if !a.MatchesEvent(representative, rec) {
				continue
			}
			if containsSource(groups[idx].Records, rec.Source) {
				continue
			}
			return idx, true
		}
	}
	return 0, false
}

// MatchesEvent is the domain equality predicate for discrete metrics:
// transactions match on equal amount with settlement dates at most one day
// apart; strength sets match on exercise and start time.
func (a *Aggregator) MatchesEvent(x, y domain.Record) bool {
	if x.Metric != y.Metric {
		return false
	}
	switch x.Metric {
	case domain.MetricTransaction:
		if amountCents(x.Value) != amountCents(y.Value) {
			return false
		}
		return absDays(a.dayOf(x.Timestamp)-a.dayOf(y.Timestamp)) <= 1
	case domain.MetricStrengthSet:
		if x.ExerciseKey != y.ExerciseKey {
			return false
		}
		diff := x.Timestamp.Sub(y.Timestamp)
		if diff < 0 {
			diff = -diff
		}
		return diff <= time.Minute
	default:
		return x.Timestamp.Equal(y.Timestamp)
	}
}

func (a *Aggregator) eventKey(rec domain.Record) eventIndexKey {
	key := eventIndexKey{metric: rec.Metric, day: a.dayOf(rec.Timestamp)}
	switch rec.Metric {
	case domain.MetricTransaction:
		key.cents = amountCents(rec.Value)
	case domain.MetricStrengthSet:
		key.key = rec.ExerciseKey
	default:
		key.key = rec.RawID
	}
	return key
}

// dayOf converts a timestamp to a day ordinal in the reference location.
func (a *Aggregator) dayOf(ts time.Time) int64 {
	local := ts.In(a.policy.loc)
	year, month, day := local.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, a.policy.loc)
	return midnight.Unix() / 86400
}

func amountCents(value float64) int64 {
	return int64(math.Round(value * 100))
}

func absDays(d int64) int64 {
	if d < 0 {
		return -d
	}
	return d
}

func containsSource(records []domain.Record, source domain.Source) bool {
	for _, rec := range records {
		if rec.Source == source {
			return true
		}
	}
	return false
}
