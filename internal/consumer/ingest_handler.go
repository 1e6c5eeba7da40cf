package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"example.com/datahub/internal/domain"
	"example.com/datahub/internal/ingest"
)

// EventTypeRecordBatch marks messages carrying a batch of normalized records.
const EventTypeRecordBatch = "records.batch"

// IngestService runs a dedup pass over a batch of records and persists the result.
type IngestService interface {
	Ingest(ctx context.Context, connector string, batch []domain.Record) (*ingest.Result, error)
}

// IngestHandler decodes record batches from Kafka and hands them to the ingest service.
type IngestHandler struct {
	service IngestService
	logger  *log.Logger
}

// IngestOption configures optional behaviour for the IngestHandler.
type IngestOption func(*IngestHandler)

// WithIngestLogger overrides the logger used by the handler.
func WithIngestLogger(logger *log.Logger) IngestOption {
	return func(h *IngestHandler) {
		h.logger = logger
	}
}

// NewIngestHandler constructs an IngestHandler backed by the provided service.
func NewIngestHandler(service IngestService, opts ...IngestOption) *IngestHandler {
	h := &IngestHandler{
		service: service,
		logger:  log.New(log.Writer(), "[ingest-handler] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type recordBatchPayload struct {
	Connector string          `json:"connector"`
	Records   []recordPayload `json:"records"`
}

type recordPayload struct {
	Source      string    `json:"source"`
	MetricType  string    `json:"metric_type"`
	Timestamp   time.Time `json:"timestamp"`
	Value       float64   `json:"value"`
	Unit        string    `json:"unit,omitempty"`
	Description string    `json:"description,omitempty"`
	Merchant    string    `json:"merchant,omitempty"`
	Account     string    `json:"account,omitempty"`
	ExerciseKey string    `json:"exercise_key,omitempty"`
	RawID       string    `json:"raw_id"`
	IngestedAt  time.Time `json:"ingested_at,omitempty"`
}

// Handle decodes a record batch and runs it through the ingest service.
func (h *IngestHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != EventTypeRecordBatch {
		h.logger.Printf("skipping event_type %q", msg.EventType)
		return nil
	}

	var payload recordBatchPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal record batch: %w", err)
	}

	connector := payload.Connector
	if connector == "" {
		connector = msg.Connector
	}
	if connector == "" {
		return fmt.Errorf("record batch missing connector")
	}

	batch := make([]domain.Record, 0, len(payload.Records))
	for _, rec := range payload.Records {
		batch = append(batch, domain.Record{
			Source:      domain.Source(rec.Source),
			Metric:      domain.MetricType(rec.MetricType),
			Timestamp:   rec.Timestamp,
			Value:       rec.Value,
			Unit:        rec.Unit,
			Description: rec.Description,
			Merchant:    rec.Merchant,
			Account:     rec.Account,
			ExerciseKey: rec.ExerciseKey,
			RawID:       rec.RawID,
			IngestedAt:  rec.IngestedAt,
		})
	}

	result, err := h.service.Ingest(ctx, connector, batch)
	if err != nil {
		return fmt.Errorf("ingest batch from %s: %w", connector, err)
	}

	h.logger.Printf("ingested batch from %s: added=%d updated=%d skipped=%d rejected=%d",
		connector, result.SyncLog.RecordsAdded, result.SyncLog.RecordsUpdated, result.SyncLog.RecordsSkipped, len(result.Errors))
	return nil
}
