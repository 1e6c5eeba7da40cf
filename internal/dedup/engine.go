package dedup

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"example.com/datahub/internal/domain"
)

// ErrUnknownMetric marks a candidate whose metric type has no bucketing or
// priority configuration. It is reported per record, never defaulted.
var ErrUnknownMetric = errors.New("unknown metric type")

// Snapshot is a read-only view of the canonical store taken before a pass.
// The engine only reads it; read-committed at snapshot time is enough.
type Snapshot interface {
	HasIdentity(source domain.Source, rawID string) bool
	CanonicalsByMetric(metric domain.MetricType) []domain.Canonical
}

// Engine runs a full dedup pass: it is a deterministic, side-effect-free
// function from (store snapshot, candidate batch, priority table) to an
// upsert plan. It holds no locks and has no suspension points; batches for
// different metric types may run through separate Engine calls in parallel.
type Engine struct {
	policy     *Policy
	table      *Table
	aggregator *Aggregator
	resolver   *Resolver
	now        func() time.Time
}

// NewEngine validates configuration and constructs an Engine. Configuration
// problems are fatal here, before any batch is processed.
func NewEngine(policy *Policy, table *Table) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		policy:     policy,
		table:      table,
		aggregator: NewAggregator(policy),
		resolver:   NewResolver(table),
		now:        time.Now,
	}, nil
}

// Ingest deduplicates a batch against the snapshot and emits an upsert plan.
// Malformed records are rejected individually and never abort the batch; a
// resolver precondition violation aborts the pass with no partial plan.
func (e *Engine) Ingest(snap Snapshot, batch []domain.Record) (*domain.UpsertPlan, []domain.RecordError, error) {
	accepted, identities, recordErrs := e.screen(snap, batch)

	groups := e.aggregator.Group(accepted)
	lookup := newCanonicalLookup(e, snap)

	plan := &domain.UpsertPlan{Identities: identities}
	now := e.now().UTC()

	for _, group := range groups {
		existing, found := lookup.claim(group)

		candidates := group.Records
		if found {
			candidates = append(candidates, canonicalAsRecord(existing))
		}

		winner, superseded, err := e.resolver.Resolve(candidates)
		if err != nil {
			return nil, recordErrs, err
		}

		if !found {
			plan.Inserts = append(plan.Inserts, newCanonical(winner, group.Key, superseded, now))
			continue
		}

		merged := mergeSuperseded(existing.SupersededSources, superseded, winner.Source)
		if winner.Source == existing.WinningSource &&
			winner.RawID == existing.WinningRawID &&
			winner.Value == existing.Value &&
			equalSources(merged, existing.SupersededSources) {
			plan.Unchanged = append(plan.Unchanged, existing)
			continue
		}

		updated := newCanonical(winner, group.Key, merged, now)
		updated.ID = existing.ID
		updated.CreatedAt = existing.CreatedAt
		plan.Updates = append(plan.Updates, updated)
	}

	recordPass(plan, recordErrs)
	return plan, recordErrs, nil
}

// screen validates each record, rejects unknown metrics, and drops raw
// identities already persisted or already seen earlier in the same batch.
func (e *Engine) screen(snap Snapshot, batch []domain.Record) ([]domain.Record, []domain.Identity, []domain.RecordError) {
	accepted := make([]domain.Record, 0, len(batch))
	identities := make([]domain.Identity, 0, len(batch))
	var recordErrs []domain.RecordError
	seen := make(map[domain.Identity]struct{}, len(batch))

	for offset, rec := range batch {
		if err := rec.Validate(); err != nil {
			recordErrs = append(recordErrs, domain.RecordError{Offset: offset, Source: rec.Source, Err: err})
			continue
		}
		if !e.policy.Knows(rec.Metric) {
			recordErrs = append(recordErrs, domain.RecordError{
				Offset: offset,
				Source: rec.Source,
				Err:    fmt.Errorf("%w: %q", ErrUnknownMetric, rec.Metric),
			})
			continue
		}

		identity := domain.IdentityOf(rec)
		if _, dup := seen[identity]; dup {
			continue
		}
		if snap.HasIdentity(rec.Source, rec.RawID) {
			continue
		}
		seen[identity] = struct{}{}

		if rec.IngestedAt.IsZero() {
			rec.IngestedAt = e.now().UTC()
		}
		accepted = append(accepted, rec)
		identities = append(identities, identity)
	}

	return accepted, identities, recordErrs
}

// canonicalLookup matches groups to previously persisted canonical records
// so the existing winner participates in resolution as one more candidate.
// A canonical is claimed at most once per pass: if two batch groups match
// the same stored event, only the first gets to update it.
type canonicalLookup struct {
	engine  *Engine
	snap    Snapshot
	timed   map[BucketKey]domain.Canonical
	events  map[domain.MetricType][]domain.Canonical
	loaded  map[domain.MetricType]bool
	claimed map[string]bool
}

func newCanonicalLookup(engine *Engine, snap Snapshot) *canonicalLookup {
	return &canonicalLookup{
		engine:  engine,
		snap:    snap,
		timed:   make(map[BucketKey]domain.Canonical),
		events:  make(map[domain.MetricType][]domain.Canonical),
		loaded:  make(map[domain.MetricType]bool),
		claimed: make(map[string]bool),
	}
}

func (l *canonicalLookup) claim(group Group) (domain.Canonical, bool) {
	metric := group.Key.Metric
	l.load(metric)

	if group.Key.Span > 0 {
		existing, ok := l.timed[group.Key]
		if !ok || l.claimed[existing.ID] {
			return domain.Canonical{}, false
		}
		l.claimed[existing.ID] = true
		return existing, true
	}

	representative := group.Records[0]
	for _, existing := range l.events[metric] {
		if l.claimed[existing.ID] {
			continue
		}
		if l.engine.aggregator.MatchesEvent(canonicalAsRecord(existing), representative) {
			l.claimed[existing.ID] = true
			return existing, true
		}
	}
	return domain.Canonical{}, false
}

// load indexes the snapshot's canonicals for a metric on first use. Bucket
// keys are recomputed from the stored bucket start so keys built from
// database timestamps compare equal to keys built from batch timestamps.
func (l *canonicalLookup) load(metric domain.MetricType) {
	if l.loaded[metric] {
		return
	}
	l.loaded[metric] = true

	span, _ := l.engine.policy.Span(metric)
	for _, existing := range l.snap.CanonicalsByMetric(metric) {
		if span > 0 {
			key := l.engine.policy.BucketFor(metric, existing.BucketStart)
			l.timed[key] = existing
			continue
		}
		l.events[metric] = append(l.events[metric], existing)
	}
}

// canonicalAsRecord projects a stored canonical back into candidate shape so
// it can compete in resolution against fresh records.
func canonicalAsRecord(c domain.Canonical) domain.Record {
	return domain.Record{
		Source:      c.WinningSource,
		Metric:      c.Metric,
		Timestamp:   c.BucketStart,
		Value:       c.Value,
		Unit:        c.Unit,
		Description: c.Description,
		Merchant:    c.Merchant,
		Account:     c.Account,
		RawID:       c.WinningRawID,
		IngestedAt:  c.WinningIngestedAt,
	}
}

func newCanonical(winner domain.Record, key BucketKey, superseded []domain.Source, now time.Time) domain.Canonical {
	start := key.Start
	if key.Span == 0 {
		start = winner.Timestamp
	}
	return domain.Canonical{
		ID:                uuid.NewString(),
		Metric:            winner.Metric,
		BucketStart:       start,
		BucketSpan:        key.Span,
		Value:             winner.Value,
		Unit:              winner.Unit,
		Description:       winner.Description,
		Merchant:          winner.Merchant,
		Account:           winner.Account,
		WinningSource:     winner.Source,
		WinningRawID:      winner.RawID,
		WinningIngestedAt: winner.IngestedAt,
		SupersededSources: superseded,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// mergeSuperseded unions the stored audit trail with this pass's losers,
// dropping the current winner's source. Sources never leave the trail: a
// source that lost once stays recorded even if it stops reporting.
func mergeSuperseded(previous, current []domain.Source, winner domain.Source) []domain.Source {
	seen := make(map[domain.Source]struct{}, len(previous)+len(current))
	for _, s := range previous {
		seen[s] = struct{}{}
	}
	for _, s := range current {
		seen[s] = struct{}{}
	}
	delete(seen, winner)
	if len(seen) == 0 {
		return nil
	}
	out := make([]domain.Source, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func equalSources(a, b []domain.Source) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
