package dedup

import (
	"errors"
	"fmt"

	"example.com/datahub/internal/domain"
)

// ErrConfig marks fatal configuration problems detected at startup
// validation, before any batch is processed.
var ErrConfig = errors.New("invalid dedup configuration")

// UnrankedRank is returned for (metric, source) pairs absent from the table.
// It is strictly worse than any configurable rank so new sources degrade to
// last resort instead of breaking ingestion.
const UnrankedRank = 1 << 20

// Table is the static source-priority configuration: (metric, source) to a
// numeric rank where lower wins. It is loaded once at process start and
// never mutated during a pass, so a pass is reproducible from the same table
// and candidate set.
type Table struct {
	ranks map[domain.MetricType]map[domain.Source]int
}

// NewTable constructs a Table from explicit ranks.
func NewTable(ranks map[domain.MetricType]map[domain.Source]int) *Table {
	return &Table{ranks: ranks}
}

// DefaultTable wraps DefaultRanks in a Table.
func DefaultTable() *Table {
	return NewTable(DefaultRanks())
}

// DefaultRanks encodes which connector is most trustworthy per metric:
// the watch for activity, the ring for sleep and HRV, the bike for workout
// calories, the aggregator API over hand-imported CSVs for transactions.
func DefaultRanks() map[domain.MetricType]map[domain.Source]int {
	return map[domain.MetricType]map[domain.Source]int{
		domain.MetricSteps: {
			domain.SourceAppleWatch:  1,
			domain.SourceOura:        2,
			domain.SourceAppleHealth: 3,
			domain.SourcePeloton:     4,
		},
		domain.MetricActiveCalories: {
			domain.SourceAppleWatch:  1,
			domain.SourcePeloton:     2,
			domain.SourceOura:        3,
			domain.SourceAppleHealth: 4,
		},
		domain.MetricRestingCalories: {
			domain.SourceAppleWatch:  1,
			domain.SourceOura:        2,
			domain.SourceAppleHealth: 3,
		},
		domain.MetricHeartRate: {
			domain.SourceAppleWatch:  1,
			domain.SourceOura:        2,
			domain.SourcePeloton:     3,
			domain.SourceAppleHealth: 4,
		},
		domain.MetricHRV: {
			domain.SourceOura:        1,
			domain.SourceAppleWatch:  2,
			domain.SourceAppleHealth: 3,
		},
		domain.MetricSleepMinutes: {
			domain.SourceOura:        1,
			domain.SourceAppleWatch:  2,
			domain.SourceAppleHealth: 3,
		},
		domain.MetricDistance: {
			domain.SourceAppleWatch:  1,
			domain.SourcePeloton:     2,
			domain.SourceOura:        3,
			domain.SourceAppleHealth: 4,
		},
		domain.MetricWeight: {
			domain.SourceAppleHealth: 1,
			domain.SourceOura:        2,
		},
		domain.MetricStrengthSet: {
			domain.SourceTonal:       1,
			domain.SourcePeloton:     2,
			domain.SourceAppleHealth: 3,
		},
		domain.MetricTransaction: {
			domain.SourceSimpleFIN: 1,
			domain.SourceBankCSV:   2,
		},
	}
}

// Rank returns the configured rank for the pair, or UnrankedRank when the
// pair is absent. Absence is not an error.
func (t *Table) Rank(metric domain.MetricType, source domain.Source) int {
	if sources, ok := t.ranks[metric]; ok {
		if rank, ok := sources[source]; ok {
			return rank
		}
	}
	return UnrankedRank
}

// Validate rejects ranks that collide with the unranked sentinel or are not
// positive. Fatal: surfaced at startup, never mid-run.
func (t *Table) Validate() error {
	if len(t.ranks) == 0 {
		return fmt.Errorf("%w: priority table is empty", ErrConfig)
	}
	for metric, sources := range t.ranks {
		if len(sources) == 0 {
			return fmt.Errorf("%w: no sources ranked for metric %q", ErrConfig, metric)
		}
		for source, rank := range sources {
			if rank < 1 || rank >= UnrankedRank {
				return fmt.Errorf("%w: rank %d for (%s, %s) out of range", ErrConfig, rank, metric, source)
			}
		}
	}
	return nil
}
