// Package postgres implements the canonical-store gateway on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/datahub/internal/dedup"
	"example.com/datahub/internal/domain"
	"example.com/datahub/internal/observability"
)

// snapshotSlack widens the canonical read window around a batch so event
// metrics with day tolerance still find their stored counterpart.
const snapshotSlack = 48 * time.Hour

// Repository provides Postgres-backed persistence for canonical records,
// raw identities, sync logs, and the outbox.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type snapshot struct {
	identities map[domain.Identity]struct{}
	canonicals map[domain.MetricType][]domain.Canonical
}

func (s snapshot) HasIdentity(source domain.Source, rawID string) bool {
	_, ok := s.identities[domain.Identity{Source: source, RawID: rawID}]
	return ok
}

func (s snapshot) CanonicalsByMetric(metric domain.MetricType) []domain.Canonical {
	return s.canonicals[metric]
}

// Snapshot reads the identities and canonical records relevant to the batch
// in one pass, before the engine runs. Read-committed is sufficient: the
// engine re-runs safely if a concurrent writer slips in.
func (r *Repository) Snapshot(ctx context.Context, batch []domain.Record) (dedup.Snapshot, error) {
	snap := snapshot{
		identities: make(map[domain.Identity]struct{}, len(batch)),
		canonicals: make(map[domain.MetricType][]domain.Canonical),
	}
	if len(batch) == 0 {
		return snap, nil
	}

	sources := make([]string, 0, len(batch))
	rawIDs := make([]string, 0, len(batch))
	metricSet := make(map[domain.MetricType]struct{})
	var lo, hi time.Time
	for i, rec := range batch {
		sources = append(sources, string(rec.Source))
		rawIDs = append(rawIDs, rec.RawID)
		metricSet[rec.Metric] = struct{}{}
		if i == 0 || rec.Timestamp.Before(lo) {
			lo = rec.Timestamp
		}
		if i == 0 || rec.Timestamp.After(hi) {
			hi = rec.Timestamp
		}
	}
	metrics := make([]string, 0, len(metricSet))
	for metric := range metricSet {
		metrics = append(metrics, string(metric))
	}

	const identityQuery = `SELECT source, raw_id FROM raw_identities
        WHERE (source, raw_id) IN (SELECT unnest($1::text[]), unnest($2::text[]))`

	rows, err := r.pool.Query(ctx, identityQuery, sources, rawIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var identity domain.Identity
		if err := rows.Scan(&identity.Source, &identity.RawID); err != nil {
			return nil, err
		}
		snap.identities[identity] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	const canonicalQuery = `SELECT canonical_id, metric_type, bucket_start, bucket_span_seconds, value, unit,
            description, merchant, account, winning_source, winning_raw_id, winning_ingested_at,
            superseded_sources, created_at, updated_at
        FROM canonical_records
        WHERE metric_type = ANY($1) AND bucket_start BETWEEN $2 AND $3`

	canonicalRows, err := r.pool.Query(ctx, canonicalQuery, metrics, lo.Add(-snapshotSlack), hi.Add(snapshotSlack))
	if err != nil {
		return nil, err
	}
	defer canonicalRows.Close()
	for canonicalRows.Next() {
		canonical, err := scanCanonical(canonicalRows)
		if err != nil {
			return nil, err
		}
		snap.canonicals[canonical.Metric] = append(snap.canonicals[canonical.Metric], canonical)
	}
	if err := canonicalRows.Err(); err != nil {
		return nil, err
	}

	return snap, nil
}

// ApplyPlan persists an upsert plan inside a single transaction: raw
// identities, canonical inserts and updates, and outbox events for
// downstream consumers. Applying the same plan twice is safe because
// identities conflict-skip and canonical IDs are stable.
func (r *Repository) ApplyPlan(ctx context.Context, plan *domain.UpsertPlan) error {
	if plan.Empty() {
		return nil
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	for _, identity := range plan.Identities {
		if _, err = tx.Exec(ctx,
			`INSERT INTO raw_identities (source, raw_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			string(identity.Source), identity.RawID,
		); err != nil {
			return err
		}
	}

	const insertStmt = `INSERT INTO canonical_records
        (canonical_id, metric_type, bucket_start, bucket_span_seconds, value, unit, description, merchant, account,
         winning_source, winning_raw_id, winning_ingested_at, superseded_sources, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
        ON CONFLICT (canonical_id) DO NOTHING`

	for _, canonical := range plan.Inserts {
		if _, err = tx.Exec(ctx, insertStmt, canonicalArgs(canonical)...); err != nil {
			return err
		}
		if err = r.insertOutbox(ctx, tx, "canonical.created", canonical); err != nil {
			return err
		}
	}

	const updateStmt = `UPDATE canonical_records SET
            value=$2, unit=$3, description=$4, merchant=$5, account=$6,
            winning_source=$7, winning_raw_id=$8, winning_ingested_at=$9,
            superseded_sources=$10, updated_at=$11
        WHERE canonical_id=$1`

	for _, canonical := range plan.Updates {
		if _, err = tx.Exec(ctx, updateStmt,
			canonical.ID,
			canonical.Value,
			nullIfEmpty(canonical.Unit),
			nullIfEmpty(canonical.Description),
			nullIfEmpty(canonical.Merchant),
			nullIfEmpty(canonical.Account),
			string(canonical.WinningSource),
			canonical.WinningRawID,
			canonical.WinningIngestedAt,
			sourceStrings(canonical.SupersededSources),
			canonical.UpdatedAt,
		); err != nil {
			return err
		}
		if err = r.insertOutbox(ctx, tx, "canonical.updated", canonical); err != nil {
			return err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordPlanApplied(time.Now().UTC())
	return nil
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, eventType string, canonical domain.Canonical) error {
	payload, err := json.Marshal(newCanonicalEvent(canonical))
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO outbox (event_type, topic, partition_key, payload)
        VALUES ($1,$2,$3,$4)`

	_, err = tx.Exec(ctx, stmt, eventType, "canonical_events", string(canonical.Metric), payload)
	return err
}

// DailyTotals sums canonical values per day for a metric over a date range.
// After dedup every bucket holds a single winner, so a plain sum is already
// double-count free.
func (r *Repository) DailyTotals(ctx context.Context, metric domain.MetricType, from, to time.Time) ([]domain.DailyTotal, error) {
	const query = `SELECT date_trunc('day', bucket_start AT TIME ZONE 'UTC') AS day, SUM(value)
        FROM canonical_records
        WHERE metric_type=$1 AND bucket_start >= $2 AND bucket_start <= $3
        GROUP BY day
        ORDER BY day`

	rows, err := r.pool.Query(ctx, query, string(metric), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []domain.DailyTotal
	for rows.Next() {
		var total domain.DailyTotal
		if err := rows.Scan(&total.Date, &total.Total); err != nil {
			return nil, err
		}
		totals = append(totals, total)
	}
	return totals, rows.Err()
}

// RangeTotal sums the deduplicated values over a date range.
func (r *Repository) RangeTotal(ctx context.Context, metric domain.MetricType, from, to time.Time) (float64, error) {
	totals, err := r.DailyTotals(ctx, metric, from, to)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, day := range totals {
		sum += day.Total
	}
	return sum, nil
}

// DailyAverage reports the average deduplicated value per day with data.
func (r *Repository) DailyAverage(ctx context.Context, metric domain.MetricType, from, to time.Time) (float64, error) {
	totals, err := r.DailyTotals(ctx, metric, from, to)
	if err != nil {
		return 0, err
	}
	if len(totals) == 0 {
		return 0, nil
	}
	var sum float64
	for _, day := range totals {
		sum += day.Total
	}
	return sum / float64(len(totals)), nil
}

// ListTransactions returns canonical transactions ordered by date, newest
// first, with cursor pagination.
func (r *Repository) ListTransactions(ctx context.Context, cursor *domain.Cursor, limit int) ([]domain.Canonical, *domain.Cursor, error) {
	args := []interface{}{string(domain.MetricTransaction), limit}
	query := `SELECT canonical_id, metric_type, bucket_start, bucket_span_seconds, value, unit,
            description, merchant, account, winning_source, winning_raw_id, winning_ingested_at,
            superseded_sources, created_at, updated_at
        FROM canonical_records WHERE metric_type=$1`

	if cursor != nil {
		query += ` AND (bucket_start, canonical_id) < ($3, $4)`
		args = append(args, cursor.Date, cursor.ID)
	}
	query += ` ORDER BY bucket_start DESC, canonical_id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.Canonical, 0, limit)
	for rows.Next() {
		canonical, err := scanCanonical(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, canonical)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{Date: last.BucketStart, ID: last.ID}
	}
	return results, next, nil
}

// StartSync opens a sync log entry for an ingest run.
func (r *Repository) StartSync(ctx context.Context, connector string) (domain.SyncLog, error) {
	log := domain.SyncLog{
		ID:        uuid.NewString(),
		Connector: connector,
		StartedAt: time.Now().UTC(),
		Status:    domain.SyncRunning,
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sync_logs (sync_id, connector, started_at, status) VALUES ($1,$2,$3,$4)`,
		log.ID, log.Connector, log.StartedAt, string(log.Status),
	)
	if err != nil {
		return domain.SyncLog{}, err
	}
	return log, nil
}

// CompleteSync records a successful run with its counters.
func (r *Repository) CompleteSync(ctx context.Context, log domain.SyncLog) error {
	return r.finishSync(ctx, log, domain.SyncSuccess, "")
}

// FailSync records a failed run.
func (r *Repository) FailSync(ctx context.Context, log domain.SyncLog, message string) error {
	return r.finishSync(ctx, log, domain.SyncFailed, message)
}

func (r *Repository) finishSync(ctx context.Context, log domain.SyncLog, status domain.SyncStatus, message string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sync_logs SET completed_at=$2, status=$3, records_added=$4, records_updated=$5, records_skipped=$6, error_message=$7
         WHERE sync_id=$1`,
		log.ID, time.Now().UTC(), string(status), log.RecordsAdded, log.RecordsUpdated, log.RecordsSkipped, nullIfEmpty(message),
	)
	return err
}

// ListSyncLogs returns recent sync logs, newest first.
func (r *Repository) ListSyncLogs(ctx context.Context, limit int) ([]domain.SyncLog, error) {
	const query = `SELECT sync_id, connector, started_at, completed_at, status,
            records_added, records_updated, records_skipped, error_message
        FROM sync_logs ORDER BY started_at DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.SyncLog
	for rows.Next() {
		var log domain.SyncLog
		var message *string
		if err := rows.Scan(&log.ID, &log.Connector, &log.StartedAt, &log.CompletedAt, &log.Status,
			&log.RecordsAdded, &log.RecordsUpdated, &log.RecordsSkipped, &message); err != nil {
			return nil, err
		}
		if message != nil {
			log.ErrorMessage = *message
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func scanCanonical(rows pgx.Rows) (domain.Canonical, error) {
	var canonical domain.Canonical
	var spanSeconds int64
	var unit, description, merchant, account *string
	var superseded []string

	if err := rows.Scan(&canonical.ID, &canonical.Metric, &canonical.BucketStart, &spanSeconds,
		&canonical.Value, &unit, &description, &merchant, &account,
		&canonical.WinningSource, &canonical.WinningRawID, &canonical.WinningIngestedAt,
		&superseded, &canonical.CreatedAt, &canonical.UpdatedAt); err != nil {
		return domain.Canonical{}, err
	}

	canonical.BucketSpan = time.Duration(spanSeconds) * time.Second
	canonical.Unit = deref(unit)
	canonical.Description = deref(description)
	canonical.Merchant = deref(merchant)
	canonical.Account = deref(account)
	for _, source := range superseded {
		canonical.SupersededSources = append(canonical.SupersededSources, domain.Source(source))
	}
	return canonical, nil
}

func canonicalArgs(c domain.Canonical) []interface{} {
	return []interface{}{
		c.ID,
		string(c.Metric),
		c.BucketStart,
		int64(c.BucketSpan / time.Second),
		c.Value,
		nullIfEmpty(c.Unit),
		nullIfEmpty(c.Description),
		nullIfEmpty(c.Merchant),
		nullIfEmpty(c.Account),
		string(c.WinningSource),
		c.WinningRawID,
		c.WinningIngestedAt,
		sourceStrings(c.SupersededSources),
		c.CreatedAt,
		c.UpdatedAt,
	}
}

// canonicalEvent is the outbox payload shared by created and updated events.
type canonicalEvent struct {
	CanonicalID       string    `json:"canonical_id"`
	Metric            string    `json:"metric_type"`
	BucketStart       time.Time `json:"bucket_start"`
	BucketSpanSeconds int64     `json:"bucket_span_seconds"`
	Value             float64   `json:"value"`
	WinningSource     string    `json:"winning_source"`
	SupersededSources []string  `json:"superseded_sources,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func newCanonicalEvent(c domain.Canonical) canonicalEvent {
	return canonicalEvent{
		CanonicalID:       c.ID,
		Metric:            string(c.Metric),
		BucketStart:       c.BucketStart,
		BucketSpanSeconds: int64(c.BucketSpan / time.Second),
		Value:             c.Value,
		WinningSource:     string(c.WinningSource),
		SupersededSources: sourceStrings(c.SupersededSources),
		UpdatedAt:         c.UpdatedAt,
	}
}

func sourceStrings(sources []domain.Source) []string {
	out := make([]string, 0, len(sources))
	for _, source := range sources {
		out = append(out, string(source))
	}
	return out
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
