//go:build integration

package postgres

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/datahub/internal/domain"
)

func TestRepositoryPlanRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, pool := newTestRepository(t, ctx)

	bucket := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	canonical := domain.Canonical{
		ID:                uuid.NewString(),
		Metric:            domain.MetricSteps,
		BucketStart:       bucket,
		BucketSpan:        time.Hour,
		Value:             912,
		Unit:              "count",
		WinningSource:     domain.SourceAppleWatch,
		WinningRawID:      "aw-1",
		WinningIngestedAt: bucket.Add(time.Minute),
		SupersededSources: []domain.Source{domain.SourceOura},
		CreatedAt:         bucket.Add(2 * time.Minute),
		UpdatedAt:         bucket.Add(2 * time.Minute),
	}
	plan := &domain.UpsertPlan{
		Inserts: []domain.Canonical{canonical},
		Identities: []domain.Identity{
			{Source: domain.SourceAppleWatch, RawID: "aw-1"},
			{Source: domain.SourceOura, RawID: "oura-1"},
		},
	}

	require.NoError(t, repo.ApplyPlan(ctx, plan))

	// Applying the same plan twice must not duplicate anything.
	require.NoError(t, repo.ApplyPlan(ctx, plan))

	batch := []domain.Record{{
		Source:    domain.SourceAppleWatch,
		Metric:    domain.MetricSteps,
		Timestamp: bucket.Add(10 * time.Minute),
		RawID:     "aw-1",
	}}
	snap, err := repo.Snapshot(ctx, batch)
	require.NoError(t, err)

	require.True(t, snap.HasIdentity(domain.SourceAppleWatch, "aw-1"))
	require.True(t, snap.HasIdentity(domain.SourceOura, "oura-1"))
	require.False(t, snap.HasIdentity(domain.SourceOura, "oura-2"))

	stored := snap.CanonicalsByMetric(domain.MetricSteps)
	require.Len(t, stored, 1)
	require.Equal(t, canonical.ID, stored[0].ID)
	require.Equal(t, time.Hour, stored[0].BucketSpan)
	require.Equal(t, []domain.Source{domain.SourceOura}, stored[0].SupersededSources)

	// Update the winner and check the row changed in place.
	updated := canonical
	updated.Value = 925
	updated.WinningRawID = "aw-2"
	updated.UpdatedAt = bucket.Add(time.Hour)
	require.NoError(t, repo.ApplyPlan(ctx, &domain.UpsertPlan{
		Updates:    []domain.Canonical{updated},
		Identities: []domain.Identity{{Source: domain.SourceAppleWatch, RawID: "aw-2"}},
	}))

	snap, err = repo.Snapshot(ctx, batch)
	require.NoError(t, err)
	stored = snap.CanonicalsByMetric(domain.MetricSteps)
	require.Len(t, stored, 1)
	require.Equal(t, 925.0, stored[0].Value)
	require.Equal(t, "aw-2", stored[0].WinningRawID)

	// Every applied plan leaves outbox events behind: two insert passes plus
	// one update. Delivery is at least once; consumers key on canonical_id.
	var outboxCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&outboxCount))
	require.Equal(t, 3, outboxCount)
}

func TestRepositoryDailyTotals(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t, ctx)

	day1 := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	plan := &domain.UpsertPlan{
		Inserts: []domain.Canonical{
			stepsCanonical(day1.Add(9*time.Hour), 500),
			stepsCanonical(day1.Add(10*time.Hour), 700),
			stepsCanonical(day2.Add(9*time.Hour), 300),
		},
	}
	require.NoError(t, repo.ApplyPlan(ctx, plan))

	totals, err := repo.DailyTotals(ctx, domain.MetricSteps, day1, day2.Add(23*time.Hour))
	require.NoError(t, err)
	require.Len(t, totals, 2)
	require.Equal(t, 1200.0, totals[0].Total)
	require.Equal(t, 300.0, totals[1].Total)

	total, err := repo.RangeTotal(ctx, domain.MetricSteps, day1, day2.Add(23*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1500.0, total)

	average, err := repo.DailyAverage(ctx, domain.MetricSteps, day1, day2.Add(23*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 750.0, average)
}

func TestRepositoryListTransactionsPagination(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t, ctx)

	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	plan := &domain.UpsertPlan{
		Inserts: []domain.Canonical{
			transactionCanonical(day, -4.75, "sf-1"),
			transactionCanonical(day.AddDate(0, 0, 1), -42.50, "sf-2"),
			transactionCanonical(day.AddDate(0, 0, 2), -12.00, "sf-3"),
		},
	}
	require.NoError(t, repo.ApplyPlan(ctx, plan))

	first, cursor, err := repo.ListTransactions(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.NotNil(t, cursor)
	require.True(t, first[0].BucketStart.After(first[1].BucketStart))

	second, _, err := repo.ListTransactions(ctx, cursor, 2)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.True(t, second[0].BucketStart.Equal(day))
}

func TestRepositorySyncLogLifecycle(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t, ctx)

	syncLog, err := repo.StartSync(ctx, "oura")
	require.NoError(t, err)
	require.Equal(t, domain.SyncRunning, syncLog.Status)

	syncLog.RecordsAdded = 5
	syncLog.RecordsSkipped = 2
	require.NoError(t, repo.CompleteSync(ctx, syncLog))

	failed, err := repo.StartSync(ctx, "simplefin")
	require.NoError(t, err)
	require.NoError(t, repo.FailSync(ctx, failed, "connector timeout"))

	logs, err := repo.ListSyncLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, "simplefin", logs[0].Connector)
	require.Equal(t, domain.SyncFailed, logs[0].Status)
	require.Equal(t, "connector timeout", logs[0].ErrorMessage)
	require.Equal(t, domain.SyncSuccess, logs[1].Status)
	require.Equal(t, 5, logs[1].RecordsAdded)
	require.NotNil(t, logs[1].CompletedAt)
}

func newTestRepository(t *testing.T, ctx context.Context) (*Repository, *pgxpool.Pool) {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("datahub"),
		postgrescontainer.WithUsername("datahub"),
		postgrescontainer.WithPassword("datahub"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, waitForDatabase(ctx, connStr))
	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return NewRepository(pool), pool
}

func stepsCanonical(bucket time.Time, value float64) domain.Canonical {
	return domain.Canonical{
		ID:                uuid.NewString(),
		Metric:            domain.MetricSteps,
		BucketStart:       bucket,
		BucketSpan:        time.Hour,
		Value:             value,
		Unit:              "count",
		WinningSource:     domain.SourceAppleWatch,
		WinningRawID:      uuid.NewString(),
		WinningIngestedAt: bucket,
		CreatedAt:         bucket,
		UpdatedAt:         bucket,
	}
}

func transactionCanonical(date time.Time, amount float64, rawID string) domain.Canonical {
	return domain.Canonical{
		ID:                uuid.NewString(),
		Metric:            domain.MetricTransaction,
		BucketStart:       date,
		Value:             amount,
		Unit:              "usd",
		Merchant:          "corner cafe",
		WinningSource:     domain.SourceSimpleFIN,
		WinningRawID:      rawID,
		WinningIngestedAt: date,
		CreatedAt:         date,
		UpdatedAt:         date,
	}
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	files := []string{
		"../../../db/postgres/migrations/0001_init.up.sql",
	}

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	for _, rel := range files {
		path := resolvePath(t, rel)
		contents, readErr := os.ReadFile(path)
		require.NoError(t, readErr)

		_, execErr := pool.Exec(ctx, string(contents))
		require.NoError(t, execErr)
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
