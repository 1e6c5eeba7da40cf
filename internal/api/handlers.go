// Package api exposes HTTP handlers for the datahub service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/datahub/internal/auth"
	"example.com/datahub/internal/dedup"
	"example.com/datahub/internal/domain"
	"example.com/datahub/internal/ingest"
	"example.com/datahub/internal/persistence"
)

// Ingestor runs a batch of normalized records through the dedup pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, connector string, batch []domain.Record) (*ingest.Result, error)
}

// Query exposes the read-side operations backed by the canonical store.
type Query interface {
	DailyTotals(ctx context.Context, metric domain.MetricType, from, to time.Time) ([]domain.DailyTotal, error)
	RangeTotal(ctx context.Context, metric domain.MetricType, from, to time.Time) (float64, error)
	DailyAverage(ctx context.Context, metric domain.MetricType, from, to time.Time) (float64, error)
	ListTransactions(ctx context.Context, cursor *domain.Cursor, limit int) ([]domain.Canonical, *domain.Cursor, error)
	ListSyncLogs(ctx context.Context, limit int) ([]domain.SyncLog, error)
}

// Handler coordinates HTTP requests with the ingest service and the store.
type Handler struct {
	ingestor Ingestor
	query    Query
	policy   *dedup.Policy
}

// NewHandler builds a Handler.
func NewHandler(ingestor Ingestor, query Query, policy *dedup.Policy) *Handler {
	return &Handler{ingestor: ingestor, query: query, policy: policy}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/records:ingest", h.ingestRecords)
	mux.HandleFunc("/v1/metrics/", h.metricReports)
	mux.HandleFunc("/v1/transactions", h.listTransactions)
	mux.HandleFunc("/v1/sync-logs", h.listSyncLogs)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) ingestRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeRecordsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope records:write required")
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	batch := make([]domain.Record, 0, len(req.Records))
	for _, rec := range req.Records {
		batch = append(batch, rec.toDomain())
	}

	result, err := h.ingestor.Ingest(r.Context(), req.Connector, batch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	resp := IngestResponse{
		SyncLogID:      result.SyncLog.ID,
		RecordsAdded:   result.SyncLog.RecordsAdded,
		RecordsUpdated: result.SyncLog.RecordsUpdated,
		RecordsSkipped: result.SyncLog.RecordsSkipped,
		Rejected:       make([]RejectedRecord, 0, len(result.Errors)),
	}
	for _, recErr := range result.Errors {
		resp.Rejected = append(resp.Rejected, RejectedRecord{
			Offset: recErr.Offset,
			Source: string(recErr.Source),
			Reason: recErr.Err.Error(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// metricReports routes /v1/metrics/{type}/daily and /v1/metrics/{type}/total.
func (h *Handler) metricReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeRecordsRead) && !claims.HasScope(auth.ScopeRecordsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope records:read required")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/metrics/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not_found", "unknown metrics path")
		return
	}

	metric := domain.MetricType(parts[0])
	if !h.policy.Knows(metric) {
		writeError(w, http.StatusBadRequest, "validation_failed", "unknown metric type")
		return
	}

	from, to, err := parseDateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	switch parts[1] {
	case "daily":
		totals, err := h.query.DailyTotals(r.Context(), metric, from, to)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		items := make([]DailyTotalView, 0, len(totals))
		for _, total := range totals {
			items = append(items, DailyTotalView{Date: total.Date.Format("2006-01-02"), Total: total.Total})
		}
		writeJSON(w, http.StatusOK, DailyTotalsResponse{Metric: string(metric), Items: items})
	case "total":
		total, err := h.query.RangeTotal(r.Context(), metric, from, to)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		average, err := h.query.DailyAverage(r.Context(), metric, from, to)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, RangeTotalResponse{
			Metric:       string(metric),
			From:         from.Format("2006-01-02"),
			To:           to.Format("2006-01-02"),
			Total:        total,
			DailyAverage: average,
		})
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown metrics path")
	}
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeRecordsRead) && !claims.HasScope(auth.ScopeRecordsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope records:read required")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > 100 {
				parsed = 100
			}
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	canonicals, next, err := h.query.ListTransactions(r.Context(), cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]TransactionView, 0, len(canonicals))
	for _, canonical := range canonicals {
		items = append(items, toTransactionView(canonical))
	}
	writeJSON(w, http.StatusOK, ListTransactionsResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) listSyncLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeRecordsRead) && !claims.HasScope(auth.ScopeRecordsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope records:read required")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	logs, err := h.query.ListSyncLogs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]SyncLogView, 0, len(logs))
	for _, entry := range logs {
		items = append(items, toSyncLogView(entry))
	}
	writeJSON(w, http.StatusOK, ListSyncLogsResponse{Items: items})
}

// parseDateRange reads from/to query parameters as YYYY-MM-DD dates.
// The range defaults to the last 30 days and is inclusive of both ends.
func parseDateRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	to := now
	from := now.AddDate(0, 0, -30)

	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid from date, expected YYYY-MM-DD")
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid to date, expected YYYY-MM-DD")
		}
		// Include the whole final day.
		to = parsed.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, errors.New("to must not precede from")
	}
	return from, to, nil
}

// IngestRequest is the payload for POST /v1/records:ingest.
type IngestRequest struct {
	Connector string        `json:"connector"`
	Records   []RecordInput `json:"records"`
}

// Validate ensures request correctness.
func (r IngestRequest) Validate() error {
	if strings.TrimSpace(r.Connector) == "" {
		return errors.New("connector is required")
	}
	if len(r.Records) == 0 {
		return errors.New("records must not be empty")
	}
	return nil
}

// RecordInput mirrors the normalized record wire shape.
type RecordInput struct {
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

func (r RecordInput) toDomain() domain.Record {
	return domain.Record{
		Source:      domain.Source(r.Source),
		Metric:      domain.MetricType(r.MetricType),
		Timestamp:   r.Timestamp,
		Value:       r.Value,
		Unit:        r.Unit,
		Description: r.Description,
		Merchant:    r.Merchant,
		Account:     r.Account,
		ExerciseKey: r.ExerciseKey,
		RawID:       r.RawID,
		IngestedAt:  r.IngestedAt,
	}
}

// RejectedRecord describes a record dropped during screening.
type RejectedRecord struct {
	Offset int    `json:"offset"`
	Source string `json:"source,omitempty"`
	Reason string `json:"reason"`
}

// IngestResponse summarises an ingest run.
type IngestResponse struct {
	SyncLogID      string           `json:"sync_log_id"`
	RecordsAdded   int              `json:"records_added"`
	RecordsUpdated int              `json:"records_updated"`
	RecordsSkipped int              `json:"records_skipped"`
	Rejected       []RejectedRecord `json:"rejected,omitempty"`
}

// DailyTotalView is one day of aggregated canonical values.
type DailyTotalView struct {
	Date  string  `json:"date"`
	Total float64 `json:"total"`
}

// DailyTotalsResponse packages a daily report.
type DailyTotalsResponse struct {
	Metric string           `json:"metric_type"`
	Items  []DailyTotalView `json:"items"`
}

// RangeTotalResponse reports the total and daily average over a date range.
type RangeTotalResponse struct {
	Metric       string  `json:"metric_type"`
	From         string  `json:"from"`
	To           string  `json:"to"`
	Total        float64 `json:"total"`
	DailyAverage float64 `json:"daily_average"`
}

// TransactionView exposes a canonical transaction record.
type TransactionView struct {
	CanonicalID       string    `json:"canonical_id"`
	Date              time.Time `json:"date"`
	Amount            float64   `json:"amount"`
	Description       string    `json:"description,omitempty"`
	Merchant          string    `json:"merchant,omitempty"`
	Account           string    `json:"account,omitempty"`
	Source            string    `json:"source"`
	SupersededSources []string  `json:"superseded_sources,omitempty"`
}

// ListTransactionsResponse packages paginated transaction results.
type ListTransactionsResponse struct {
	Items      []TransactionView `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// SyncLogView exposes one connector run.
type SyncLogView struct {
	SyncLogID      string     `json:"sync_log_id"`
	Connector      string     `json:"connector"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Status         string     `json:"status"`
	RecordsAdded   int        `json:"records_added"`
	RecordsUpdated int        `json:"records_updated"`
	RecordsSkipped int        `json:"records_skipped"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

// ListSyncLogsResponse packages sync history results.
type ListSyncLogsResponse struct {
	Items []SyncLogView `json:"items"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toTransactionView(c domain.Canonical) TransactionView {
	return TransactionView{
		CanonicalID:       c.ID,
		Date:              c.BucketStart,
		Amount:            c.Value,
		Description:       c.Description,
		Merchant:          c.Merchant,
		Account:           c.Account,
		Source:            string(c.WinningSource),
		SupersededSources: sourceStrings(c.SupersededSources),
	}
}

func toSyncLogView(s domain.SyncLog) SyncLogView {
	return SyncLogView{
		SyncLogID:      s.ID,
		Connector:      s.Connector,
		StartedAt:      s.StartedAt,
		CompletedAt:    s.CompletedAt,
		Status:         string(s.Status),
		RecordsAdded:   s.RecordsAdded,
		RecordsUpdated: s.RecordsUpdated,
		RecordsSkipped: s.RecordsSkipped,
		ErrorMessage:   s.ErrorMessage,
	}
}

func sourceStrings(sources []domain.Source) []string {
	if len(sources) == 0 {
		return nil
	}
	out := make([]string, 0, len(sources))
	for _, source := range sources {
		out = append(out, string(source))
	}
	return out
}
