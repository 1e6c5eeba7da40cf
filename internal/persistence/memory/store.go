// Package memory provides an in-memory canonical store for local
// development and unit tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/datahub/internal/dedup"
	"example.com/datahub/internal/domain"
)

// Store keeps raw identities, canonical records, and sync logs in process
// memory. It honors the same atomicity contract as the Postgres gateway:
// ApplyPlan lands completely or not at all.
type Store struct {
	mu         sync.RWMutex
	identities map[domain.Identity]struct{}
	canonicals map[string]domain.Canonical
	syncLogs   []domain.SyncLog
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		identities: make(map[domain.Identity]struct{}),
		canonicals: make(map[string]domain.Canonical),
	}
}

// snapshot is an immutable copy taken under the read lock.
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

// Snapshot returns a point-in-time view for a dedup pass. The batch argument
// exists so store implementations can scope their reads; the in-memory store
// copies everything.
func (s *Store) Snapshot(ctx context.Context, batch []domain.Record) (dedup.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := snapshot{
		identities: make(map[domain.Identity]struct{}, len(s.identities)),
		canonicals: make(map[domain.MetricType][]domain.Canonical),
	}
	for identity := range s.identities {
		snap.identities[identity] = struct{}{}
	}
	for _, canonical := range s.canonicals {
		snap.canonicals[canonical.Metric] = append(snap.canonicals[canonical.Metric], canonical)
	}
	return snap, nil
}

// ApplyPlan applies inserts, updates, and identity registrations atomically.
func (s *Store) ApplyPlan(ctx context.Context, plan *domain.UpsertPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, identity := range plan.Identities {
		s.identities[identity] = struct{}{}
	}
	for _, canonical := range plan.Inserts {
		s.canonicals[canonical.ID] = canonical
	}
	for _, canonical := range plan.Updates {
		s.canonicals[canonical.ID] = canonical
	}
	return nil
}

// ListCanonicals returns all canonical records for a metric, unordered.
func (s *Store) ListCanonicals(ctx context.Context, metric domain.MetricType) ([]domain.Canonical, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Canonical, 0)
	for _, canonical := range s.canonicals {
		if canonical.Metric == metric {
			out = append(out, canonical)
		}
	}
	return out, nil
}

// StartSync opens a sync log entry for an ingest run.
func (s *Store) StartSync(ctx context.Context, connector string) (domain.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := domain.SyncLog{
		ID:        uuid.NewString(),
		Connector: connector,
		StartedAt: time.Now().UTC(),
		Status:    domain.SyncRunning,
	}
	s.syncLogs = append(s.syncLogs, log)
	return log, nil
}

// CompleteSync marks the run successful with its counters.
func (s *Store) CompleteSync(ctx context.Context, log domain.SyncLog) error {
	return s.finishSync(log, domain.SyncSuccess, "")
}

// FailSync marks the run failed.
func (s *Store) FailSync(ctx context.Context, log domain.SyncLog, message string) error {
	return s.finishSync(log, domain.SyncFailed, message)
}

func (s *Store) finishSync(log domain.SyncLog, status domain.SyncStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for i := range s.syncLogs {
		if s.syncLogs[i].ID != log.ID {
			continue
		}
		s.syncLogs[i] = log
		s.syncLogs[i].Status = status
		s.syncLogs[i].CompletedAt = &now
		s.syncLogs[i].ErrorMessage = message
		return nil
	}
	return nil
}

// ListSyncLogs returns recent sync logs, newest first.
func (s *Store) ListSyncLogs(ctx context.Context, limit int) ([]domain.SyncLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.SyncLog, 0, limit)
	for i := len(s.syncLogs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, s.syncLogs[i])
	}
	return out, nil
}
