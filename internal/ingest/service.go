// Package ingest orchestrates dedup passes against the canonical store.
package ingest

import (
	"context"
	"log"
	"time"

	"example.com/datahub/internal/dedup"
	"example.com/datahub/internal/domain"
	"example.com/datahub/internal/observability"
)

// Store captures the persistence-gateway operations an ingest run needs.
// Any implementation honoring the atomic ApplyPlan contract is valid.
type Store interface {
	Snapshot(ctx context.Context, batch []domain.Record) (dedup.Snapshot, error)
	ApplyPlan(ctx context.Context, plan *domain.UpsertPlan) error
	StartSync(ctx context.Context, connector string) (domain.SyncLog, error)
	CompleteSync(ctx context.Context, log domain.SyncLog) error
	FailSync(ctx context.Context, log domain.SyncLog, message string) error
}

// Service runs batches through the engine and applies the resulting plans.
type Service struct {
	engine *dedup.Engine
	store  Store
	logger *log.Logger
}

// Option configures optional behaviour for the Service.
type Option func(*Service)

// WithLogger overrides the logger used to report per-record errors.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService constructs a Service.
func NewService(engine *dedup.Engine, store Store, opts ...Option) *Service {
	s := &Service{
		engine: engine,
		store:  store,
		logger: log.New(log.Writer(), "[ingest] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result summarises one ingest run.
type Result struct {
	Plan    *domain.UpsertPlan
	Errors  []domain.RecordError
	SyncLog domain.SyncLog
}

// Ingest runs a full pass for one connector batch: snapshot, dedup, apply,
// sync log. Per-record errors are reported in the result, never abort the
// batch; snapshot, engine, and gateway failures abort the run and mark the
// sync log failed. The run can be retried with the same batch: the
// raw-identity filter makes replays no-ops.
func (s *Service) Ingest(ctx context.Context, connector string, batch []domain.Record) (*Result, error) {
	syncLog, err := s.store.StartSync(ctx, connector)
	if err != nil {
		return nil, err
	}

	snap, err := s.store.Snapshot(ctx, batch)
	if err != nil {
		s.fail(ctx, syncLog, err)
		return nil, err
	}

	plan, recordErrs, err := s.engine.Ingest(snap, batch)
	if err != nil {
		s.fail(ctx, syncLog, err)
		return nil, err
	}

	for _, recordErr := range recordErrs {
		s.logger.Printf("rejected: %v", recordErr)
	}

	if err := s.store.ApplyPlan(ctx, plan); err != nil {
		s.fail(ctx, syncLog, err)
		return nil, err
	}

	syncLog.RecordsAdded = len(plan.Inserts)
	syncLog.RecordsUpdated = len(plan.Updates)
	syncLog.RecordsSkipped = len(batch) - len(plan.Identities)
	if err := s.store.CompleteSync(ctx, syncLog); err != nil {
		return nil, err
	}
	observability.RecordSyncCompleted(time.Now().UTC())

	return &Result{Plan: plan, Errors: recordErrs, SyncLog: syncLog}, nil
}

func (s *Service) fail(ctx context.Context, syncLog domain.SyncLog, cause error) {
	if err := s.store.FailSync(ctx, syncLog, cause.Error()); err != nil {
		s.logger.Printf("failed to record sync failure: %v", err)
	}
}
