package dedup

import (
	"errors"
	"sort"

	"example.com/datahub/internal/domain"
)

// ErrNoCandidates indicates the resolver was invoked with an empty group.
// That is a bug in the aggregator, not a data error, and aborts the pass.
var ErrNoCandidates = errors.New("resolver: empty candidate set")

// Resolver selects the canonical record inside a bucket group.
type Resolver struct {
	table *Table
}

// NewResolver constructs a Resolver over the priority table.
func NewResolver(table *Table) *Resolver {
	return &Resolver{table: table}
}

// Resolve picks the winning candidate and reports the sources it superseded.
// The minimum rank wins; ties fall back to the most recent ingestion time
// and then the lexicographically smallest source tag, so repeated runs over
// identical input yield the same winner every time.
func (r *Resolver) Resolve(candidates []domain.Record) (domain.Record, []domain.Source, error) {
	if len(candidates) == 0 {
		return domain.Record{}, nil, ErrNoCandidates
	}

	winner := candidates[0]
	winnerRank := r.table.Rank(winner.Metric, winner.Source)

	for _, candidate := range candidates[1:] {
		rank := r.table.Rank(candidate.Metric, candidate.Source)
		if rank < winnerRank || (rank == winnerRank && beatsOnTie(candidate, winner)) {
			winner = candidate
			winnerRank = rank
		}
	}

	return winner, supersededSources(candidates, winner), nil
}

// beatsOnTie reports whether a displaces the current winner b at equal rank.
func beatsOnTie(a, b domain.Record) bool {
	if !a.IngestedAt.Equal(b.IngestedAt) {
		return a.IngestedAt.After(b.IngestedAt)
	}
	return a.Source < b.Source
}

// supersededSources collects the distinct losing sources, sorted so the
// canonical record's audit trail is deterministic.
func supersededSources(candidates []domain.Record, winner domain.Record) []domain.Source {
	seen := make(map[domain.Source]struct{}, len(candidates))
	for _, candidate := range candidates {
		if candidate.Source == winner.Source {
			continue
		}
		seen[candidate.Source] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]domain.Source, 0, len(seen))
	for source := range seen {
		out = append(out, source)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
