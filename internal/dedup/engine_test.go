package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/datahub/internal/domain"
)

type stubSnapshot struct {
	identities map[domain.Identity]struct{}
	canonicals map[domain.MetricType][]domain.Canonical
}

func newStubSnapshot() *stubSnapshot {
	return &stubSnapshot{
		identities: make(map[domain.Identity]struct{}),
		canonicals: make(map[domain.MetricType][]domain.Canonical),
	}
}

func (s *stubSnapshot) HasIdentity(source domain.Source, rawID string) bool {
	_, ok := s.identities[domain.Identity{Source: source, RawID: rawID}]
	return ok
}

func (s *stubSnapshot) CanonicalsByMetric(metric domain.MetricType) []domain.Canonical {
	return s.canonicals[metric]
}

func (s *stubSnapshot) applyPlan(plan *domain.UpsertPlan) {
	for _, identity := range plan.Identities {
		s.identities[identity] = struct{}{}
	}
	for _, canonical := range plan.Inserts {
		s.canonicals[canonical.Metric] = append(s.canonicals[canonical.Metric], canonical)
	}
	for _, canonical := range plan.Updates {
		existing := s.canonicals[canonical.Metric]
		for i := range existing {
			if existing[i].ID == canonical.ID {
				existing[i] = canonical
			}
		}
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(NewPolicy(nil, nil), DefaultTable())
	require.NoError(t, err)
	return engine
}

func TestEngineSingleWinnerPerBucket(t *testing.T) {
	engine := newTestEngine(t)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	batch := []domain.Record{
		stepsRecord(domain.SourceOura, base.Add(10*time.Minute), 870, "oura-1"),
		stepsRecord(domain.SourceAppleWatch, base.Add(20*time.Minute), 912, "aw-1"),
	}

	plan, recordErrs, err := engine.Ingest(newStubSnapshot(), batch)
	require.NoError(t, err)
	require.Empty(t, recordErrs)

	require.Len(t, plan.Inserts, 1)
	require.Empty(t, plan.Updates)
	require.Len(t, plan.Identities, 2)

	canonical := plan.Inserts[0]
	require.Equal(t, domain.SourceAppleWatch, canonical.WinningSource)
	require.Equal(t, "aw-1", canonical.WinningRawID)
	require.Equal(t, 912.0, canonical.Value)
	require.Equal(t, base, canonical.BucketStart)
	require.Equal(t, []domain.Source{domain.SourceOura}, canonical.SupersededSources)
}

func TestEngineReingestIsNoop(t *testing.T) {
	engine := newTestEngine(t)
	snap := newStubSnapshot()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	batch := []domain.Record{
		stepsRecord(domain.SourceOura, base.Add(10*time.Minute), 870, "oura-1"),
		stepsRecord(domain.SourceAppleWatch, base.Add(20*time.Minute), 912, "aw-1"),
	}

	first, _, err := engine.Ingest(snap, batch)
	require.NoError(t, err)
	snap.applyPlan(first)

	second, recordErrs, err := engine.Ingest(snap, batch)
	require.NoError(t, err)
	require.Empty(t, recordErrs)
	require.Empty(t, second.Inserts)
	require.Empty(t, second.Updates)
	require.Empty(t, second.Unchanged)
	require.Empty(t, second.Identities)
}

func TestEngineBetterSourceUpdatesExisting(t *testing.T) {
	engine := newTestEngine(t)
	snap := newStubSnapshot()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	first, _, err := engine.Ingest(snap, []domain.Record{
		stepsRecord(domain.SourceOura, base.Add(10*time.Minute), 870, "oura-1"),
	})
	require.NoError(t, err)
	require.Len(t, first.Inserts, 1)
	snap.applyPlan(first)
	existing := first.Inserts[0]

	second, _, err := engine.Ingest(snap, []domain.Record{
		stepsRecord(domain.SourceAppleWatch, base.Add(25*time.Minute), 912, "aw-1"),
	})
	require.NoError(t, err)
	require.Empty(t, second.Inserts)
	require.Len(t, second.Updates, 1)

	updated := second.Updates[0]
	require.Equal(t, existing.ID, updated.ID)
	require.Equal(t, existing.CreatedAt, updated.CreatedAt)
	require.Equal(t, domain.SourceAppleWatch, updated.WinningSource)
	require.Equal(t, 912.0, updated.Value)
	require.Equal(t, []domain.Source{domain.SourceOura}, updated.SupersededSources)
}

func TestEngineWorseSourceRecordsSupersession(t *testing.T) {
	engine := newTestEngine(t)
	snap := newStubSnapshot()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	first, _, err := engine.Ingest(snap, []domain.Record{
		stepsRecord(domain.SourceAppleWatch, base.Add(10*time.Minute), 912, "aw-1"),
	})
	require.NoError(t, err)
	snap.applyPlan(first)
	existing := first.Inserts[0]

	// A lower-priority source arrives later: the stored winner stays, but
	// the loser joins the audit trail, which is an update.
	second, _, err := engine.Ingest(snap, []domain.Record{
		stepsRecord(domain.SourceOura, base.Add(40*time.Minute), 870, "oura-1"),
	})
	require.NoError(t, err)
	require.Empty(t, second.Inserts)
	require.Len(t, second.Updates, 1)

	updated := second.Updates[0]
	require.Equal(t, existing.ID, updated.ID)
	require.Equal(t, domain.SourceAppleWatch, updated.WinningSource)
	require.Equal(t, 912.0, updated.Value)
	require.Equal(t, []domain.Source{domain.SourceOura}, updated.SupersededSources)

	// A third pass from the same loser changes nothing further.
	snap.applyPlan(second)
	third, _, err := engine.Ingest(snap, []domain.Record{
		stepsRecord(domain.SourceOura, base.Add(50*time.Minute), 880, "oura-2"),
	})
	require.NoError(t, err)
	require.Empty(t, third.Inserts)
	require.Empty(t, third.Updates)
	require.Len(t, third.Unchanged, 1)
}

func TestEngineTransactionDaySkew(t *testing.T) {
	engine := newTestEngine(t)

	batch := []domain.Record{
		transactionRecord(domain.SourceBankCSV, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), -42.50, "csv-1"),
		transactionRecord(domain.SourceSimpleFIN, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), -42.50, "sf-1"),
	}

	plan, _, err := engine.Ingest(newStubSnapshot(), batch)
	require.NoError(t, err)
	require.Len(t, plan.Inserts, 1)

	canonical := plan.Inserts[0]
	require.Equal(t, domain.SourceSimpleFIN, canonical.WinningSource)
	// Event canonicals anchor on the winner's own timestamp.
	require.True(t, canonical.BucketStart.Equal(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, []domain.Source{domain.SourceBankCSV}, canonical.SupersededSources)
}

func TestEnginePartialFailureContainment(t *testing.T) {
	engine := newTestEngine(t)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	missingRawID := stepsRecord(domain.SourceAppleWatch, base, 912, "")
	unknownMetric := stepsRecord(domain.SourceAppleWatch, base, 1, "aw-x")
	unknownMetric.Metric = domain.MetricType("blood_glucose")
	valid := stepsRecord(domain.SourceAppleWatch, base.Add(5*time.Minute), 912, "aw-1")

	plan, recordErrs, err := engine.Ingest(newStubSnapshot(), []domain.Record{missingRawID, unknownMetric, valid})
	require.NoError(t, err)

	require.Len(t, recordErrs, 2)
	require.Equal(t, 0, recordErrs[0].Offset)
	require.Equal(t, 1, recordErrs[1].Offset)
	require.ErrorIs(t, recordErrs[1], ErrUnknownMetric)

	require.Len(t, plan.Inserts, 1)
	require.Len(t, plan.Identities, 1)
	require.Equal(t, "aw-1", plan.Inserts[0].WinningRawID)
}

func TestEngineWithinBatchDuplicateIdentity(t *testing.T) {
	engine := newTestEngine(t)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	rec := stepsRecord(domain.SourceAppleWatch, base, 912, "aw-1")
	plan, recordErrs, err := engine.Ingest(newStubSnapshot(), []domain.Record{rec, rec})
	require.NoError(t, err)
	require.Empty(t, recordErrs)
	require.Len(t, plan.Inserts, 1)
	require.Len(t, plan.Identities, 1)
}

func TestEngineSameSourceCorrection(t *testing.T) {
	engine := newTestEngine(t)
	snap := newStubSnapshot()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	first, _, err := engine.Ingest(snap, []domain.Record{
		stepsRecord(domain.SourceAppleWatch, base.Add(10*time.Minute), 900, "aw-1"),
	})
	require.NoError(t, err)
	snap.applyPlan(first)
	existing := first.Inserts[0]

	// The same source re-exports the hour under a new raw identity with a
	// corrected value.
	corrected := stepsRecord(domain.SourceAppleWatch, base.Add(10*time.Minute), 925, "aw-2")
	corrected.IngestedAt = base.Add(2 * time.Hour)

	second, _, err := engine.Ingest(snap, []domain.Record{corrected})
	require.NoError(t, err)
	require.Len(t, second.Updates, 1)
	require.Equal(t, existing.ID, second.Updates[0].ID)
	require.Equal(t, 925.0, second.Updates[0].Value)
	require.Equal(t, "aw-2", second.Updates[0].WinningRawID)
}

func TestEngineDefaultsIngestedAt(t *testing.T) {
	engine := newTestEngine(t)
	fixed := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return fixed }

	rec := stepsRecord(domain.SourceAppleWatch, fixed.Add(-time.Hour), 912, "aw-1")
	rec.IngestedAt = time.Time{}

	plan, _, err := engine.Ingest(newStubSnapshot(), []domain.Record{rec})
	require.NoError(t, err)
	require.Len(t, plan.Inserts, 1)
	require.True(t, plan.Inserts[0].WinningIngestedAt.Equal(fixed))
}

func TestEngineBucketIsolationAcrossBoundary(t *testing.T) {
	engine := newTestEngine(t)

	// One second on either side of the hour boundary lands in two buckets.
	batch := []domain.Record{
		stepsRecord(domain.SourceAppleWatch, time.Date(2026, 3, 14, 9, 59, 59, 0, time.UTC), 100, "aw-1"),
		stepsRecord(domain.SourceOura, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), 120, "oura-1"),
	}

	plan, _, err := engine.Ingest(newStubSnapshot(), batch)
	require.NoError(t, err)
	require.Len(t, plan.Inserts, 2)
}

func TestEngineRejectsInvalidConfiguration(t *testing.T) {
	_, err := NewEngine(NewPolicy(map[domain.MetricType]time.Duration{domain.MetricSteps: -time.Hour}, nil), DefaultTable())
	require.ErrorIs(t, err, ErrConfig)

	_, err = NewEngine(NewPolicy(nil, nil), NewTable(nil))
	require.ErrorIs(t, err, ErrConfig)
}
