package domain

import "time"

// Canonical is the single record selected to represent a bucket. It survives
// across ingest passes: later batches may update it in place but the engine
// never deletes one.
type Canonical struct {
	ID                string
	Metric            MetricType
	BucketStart       time.Time
	BucketSpan        time.Duration
	Value             float64
	Unit              string
	Description       string
	Merchant          string
	Account           string
	WinningSource     Source
	WinningRawID      string
	WinningIngestedAt time.Time
	SupersededSources []Source
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UpsertPlan is the output of a dedup pass: directives over canonical records
// plus the raw identities that must be marked as seen. Applying the same plan
// twice is safe because identities and canonical IDs are stable.
type UpsertPlan struct {
	Inserts    []Canonical
	Updates    []Canonical
	Unchanged  []Canonical
	Identities []Identity
}

// Empty reports whether the plan contains no effective changes.
func (p UpsertPlan) Empty() bool {
	return len(p.Inserts) == 0 && len(p.Updates) == 0 && len(p.Identities) == 0
}

// SyncStatus tracks the lifecycle of one ingest run.
type SyncStatus string

const (
	SyncRunning SyncStatus = "running"
	SyncSuccess SyncStatus = "success"
	SyncFailed  SyncStatus = "failed"
)

// SyncLog records the outcome of a single connector ingest run.
type SyncLog struct {
	ID             string
	Connector      string
	StartedAt      time.Time
	CompletedAt    *time.Time
	Status         SyncStatus
	RecordsAdded   int
	RecordsUpdated int
	RecordsSkipped int
	ErrorMessage   string
}

// Cursor models the pagination token for transaction listings.
type Cursor struct {
	Date time.Time
	ID   string
}

// DailyTotal is one day's deduplicated sum for a metric, used by reporting.
type DailyTotal struct {
	Date  time.Time
	Total float64
}
