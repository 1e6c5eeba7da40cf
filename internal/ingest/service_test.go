package ingest

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/datahub/internal/dedup"
	"example.com/datahub/internal/domain"
	"example.com/datahub/internal/persistence/memory"
)

func newTestService(t *testing.T, store Store) *Service {
	t.Helper()
	engine, err := dedup.NewEngine(dedup.NewPolicy(nil, nil), dedup.DefaultTable())
	require.NoError(t, err)
	return NewService(engine, store, WithLogger(log.New(testWriter{t}, "", 0)))
}

func stepsRecord(source domain.Source, ts time.Time, value float64, rawID string) domain.Record {
	return domain.Record{
		Source:     source,
		Metric:     domain.MetricSteps,
		Timestamp:  ts,
		Value:      value,
		Unit:       "count",
		RawID:      rawID,
		IngestedAt: ts.Add(time.Minute),
	}
}

func TestServiceIngestPersistsPlanAndSyncLog(t *testing.T) {
	store := memory.NewStore()
	service := newTestService(t, store)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	batch := []domain.Record{
		stepsRecord(domain.SourceAppleWatch, base.Add(10*time.Minute), 912, "aw-1"),
		stepsRecord(domain.SourceOura, base.Add(20*time.Minute), 870, "oura-1"),
	}

	result, err := service.Ingest(context.Background(), "apple_watch", batch)
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	require.Equal(t, 1, result.SyncLog.RecordsAdded)
	require.Equal(t, 0, result.SyncLog.RecordsUpdated)
	require.Equal(t, 0, result.SyncLog.RecordsSkipped)

	canonicals, err := store.ListCanonicals(context.Background(), domain.MetricSteps)
	require.NoError(t, err)
	require.Len(t, canonicals, 1)
	require.Equal(t, domain.SourceAppleWatch, canonicals[0].WinningSource)

	logs, err := store.ListSyncLogs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, domain.SyncSuccess, logs[0].Status)
	require.NotNil(t, logs[0].CompletedAt)
}

func TestServiceIngestSecondRunSkipsEverything(t *testing.T) {
	store := memory.NewStore()
	service := newTestService(t, store)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	batch := []domain.Record{
		stepsRecord(domain.SourceAppleWatch, base.Add(10*time.Minute), 912, "aw-1"),
	}

	_, err := service.Ingest(context.Background(), "apple_watch", batch)
	require.NoError(t, err)

	result, err := service.Ingest(context.Background(), "apple_watch", batch)
	require.NoError(t, err)
	require.Equal(t, 0, result.SyncLog.RecordsAdded)
	require.Equal(t, 0, result.SyncLog.RecordsUpdated)
	require.Equal(t, 1, result.SyncLog.RecordsSkipped)

	canonicals, err := store.ListCanonicals(context.Background(), domain.MetricSteps)
	require.NoError(t, err)
	require.Len(t, canonicals, 1)
}

func TestServiceIngestMarksSyncFailedOnApplyError(t *testing.T) {
	store := &failingStore{Store: memory.NewStore(), applyErr: errors.New("gateway down")}
	service := newTestService(t, store)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	_, err := service.Ingest(context.Background(), "apple_watch", []domain.Record{
		stepsRecord(domain.SourceAppleWatch, base, 912, "aw-1"),
	})
	require.ErrorContains(t, err, "gateway down")

	logs, err := store.ListSyncLogs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, domain.SyncFailed, logs[0].Status)
	require.Equal(t, "gateway down", logs[0].ErrorMessage)
}

type failingStore struct {
	*memory.Store
	applyErr error
}

func (s *failingStore) ApplyPlan(ctx context.Context, plan *domain.UpsertPlan) error {
	return s.applyErr
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}
