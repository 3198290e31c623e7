// Package api exposes HTTP handlers for the wearable pipeline service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/wearable/internal/auth"
	"example.com/wearable/internal/domain"
	"example.com/wearable/internal/pipeline"
	"example.com/wearable/internal/query"
)

// Ingestor accepts device sync batches.
type Ingestor interface {
	IngestBatch(ctx context.Context, input pipeline.BatchInput) (*pipeline.BatchSummary, error)
}

// Rebuilder recomputes day rollups over a date range.
type Rebuilder interface {
	RebuildRange(ctx context.Context, userID string, sourceID *uuid.UUID, from, to time.Time) (int, error)
}

// Queries resolves read projections.
type Queries interface {
	DaySummary(ctx context.Context, userID string, sourceID *uuid.UUID, day time.Time) (*query.DaySummary, error)
	Trend(ctx context.Context, userID, metric string, days int, sourceID *uuid.UUID) ([]query.TrendPoint, error)
}

// Handler coordinates HTTP requests with the pipeline and query services.
type Handler struct {
	ingestor  Ingestor
	queries   Queries
	rebuilder Rebuilder
}

// NewHandler builds a Handler.
func NewHandler(ingestor Ingestor, queries Queries, rebuilder Rebuilder) *Handler {
	return &Handler{ingestor: ingestor, queries: queries, rebuilder: rebuilder}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/wearables/batches", h.batches)
	mux.HandleFunc("/v1/wearables/summary", h.summary)
	mux.HandleFunc("/v1/wearables/trend", h.trend)
	mux.HandleFunc("/v1/wearables/rebuild", h.rebuild)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) batches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope wearables:write required")
		return
	}

	var req IngestBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	summary, err := h.ingestor.IngestBatch(r.Context(), req.toInput())
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrInvalidBatch), errors.Is(err, domain.ErrInvalidTimezone):
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		case errors.Is(err, pipeline.ErrETLFailed) && summary != nil:
			resp := toBatchView(summary)
			resp.Error = "etl_failed"
			writeJSON(w, http.StatusInternalServerError, resp)
		default:
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		}
		return
	}

	status := http.StatusOK
	if summary.Accepted > 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, toBatchView(summary))
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !requireReadScope(w, r) {
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "missing user_id parameter")
		return
	}

	day, err := time.Parse("2006-01-02", r.URL.Query().Get("day"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "day must be formatted YYYY-MM-DD")
		return
	}

	sourceID, err := parseSourceID(r.URL.Query().Get("source_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid source_id")
		return
	}

	result, err := h.queries.DaySummary(r.Context(), userID, sourceID, day)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toSummaryView(result))
}

func (h *Handler) trend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !requireReadScope(w, r) {
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "missing user_id parameter")
		return
	}

	metric := r.URL.Query().Get("metric")
	days := query.TrendWindowWeek
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", "days must be an integer")
			return
		}
		days = parsed
	}

	sourceID, err := parseSourceID(r.URL.Query().Get("source_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid source_id")
		return
	}

	points, err := h.queries.Trend(r.Context(), userID, metric, days, sourceID)
	if err != nil {
		if errors.Is(err, query.ErrUnknownMetric) || errors.Is(err, query.ErrInvalidWindow) {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	resp := TrendResponse{
		UserID: userID,
		Metric: metric,
		Days:   days,
		Points: make([]TrendPointView, 0, len(points)),
	}
	for _, p := range points {
		resp.Points = append(resp.Points, TrendPointView{
			Day:     p.Day.Format("2006-01-02"),
			Value:   p.Value,
			Present: p.Present,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) rebuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope wearables:write required")
		return
	}

	var req RebuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	from, _ := time.Parse("2006-01-02", req.From)
	to, _ := time.Parse("2006-01-02", req.To)
	sourceID, err := parseSourceID(req.SourceID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid source_id")
		return
	}

	days, err := h.rebuilder.RebuildRange(r.Context(), req.UserID, sourceID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RebuildResponse{UserID: req.UserID, DaysRebuilt: days})
}

func requireReadScope(w http.ResponseWriter, r *http.Request) bool {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return false
	}
	if !claims.HasScope(auth.ScopeRead) && !claims.HasScope(auth.ScopeWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope wearables:read required")
		return false
	}
	return true
}

func parseSourceID(raw string) (*uuid.UUID, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// IngestBatchRequest is the payload for POST /v1/wearables/batches.
type IngestBatchRequest struct {
	UserID      string                 `json:"user_id"`
	Provider    string                 `json:"provider"`
	DeviceID    string                 `json:"device_id"`
	DisplayName string                 `json:"display_name"`
	Timezone    string                 `json:"timezone"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Records     []BatchRecordRequest   `json:"records"`
}

// BatchRecordRequest is one raw event inside a batch.
type BatchRecordRequest struct {
	Type      string                 `json:"type"`
	Start     string                 `json:"start"`
	End       string                 `json:"end,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	DedupeKey string                 `json:"dedupe_key,omitempty"`
}

// Validate ensures request correctness.
func (r IngestBatchRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("user_id is required")
	}
	if strings.TrimSpace(r.Provider) == "" {
		return errors.New("provider is required")
	}
	if strings.TrimSpace(r.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	for i, rec := range r.Records {
		if strings.TrimSpace(rec.Type) == "" {
			return fmt.Errorf("records[%d]: type is required", i)
		}
		if strings.TrimSpace(rec.Start) == "" {
			return fmt.Errorf("records[%d]: start is required", i)
		}
	}
	return nil
}

func (r IngestBatchRequest) toInput() pipeline.BatchInput {
	records := make([]pipeline.BatchRecord, 0, len(r.Records))
	for _, rec := range r.Records {
		records = append(records, pipeline.BatchRecord{
			Type:      rec.Type,
			Start:     rec.Start,
			End:       rec.End,
			Fields:    rec.Fields,
			DedupeKey: rec.DedupeKey,
		})
	}
	return pipeline.BatchInput{
		UserID:      r.UserID,
		Provider:    r.Provider,
		DeviceID:    r.DeviceID,
		DisplayName: r.DisplayName,
		Timezone:    r.Timezone,
		Metadata:    r.Metadata,
		Records:     records,
	}
}

// RecordErrorView describes one rejected or skipped record.
type RecordErrorView struct {
	Index     int    `json:"index"`
	DedupeKey string `json:"dedupe_key,omitempty"`
	Reason    string `json:"reason"`
}

// ETLView reports the normalization and aggregation stage of a batch.
type ETLView struct {
	Processed  int `json:"processed"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
	Aggregated int `json:"days_aggregated"`
}

// IngestBatchResponse describes the response body for batch ingestion.
type IngestBatchResponse struct {
	Accepted   int               `json:"accepted"`
	Duplicates int               `json:"duplicates"`
	Errors     []RecordErrorView `json:"errors"`
	ETL        *ETLView          `json:"etl,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// DaySummaryResponse is the per-day rollup view.
type DaySummaryResponse struct {
	UserID           string   `json:"user_id"`
	SourceID         *string  `json:"source_id,omitempty"`
	Day              string   `json:"day"`
	StepsTotal       int      `json:"steps_total"`
	DistanceMTotal   float64  `json:"distance_m_total"`
	RestingHeartRate *int     `json:"resting_heart_rate,omitempty"`
	HRVAverageMS     *float64 `json:"hrv_average_ms,omitempty"`
	SleepSeconds     int      `json:"sleep_seconds"`
	Present          bool     `json:"present"`
}

// TrendPointView is one day in a trend series.
type TrendPointView struct {
	Day     string  `json:"day"`
	Value   float64 `json:"value"`
	Present bool    `json:"present"`
}

// TrendResponse packages a dense trend series.
type TrendResponse struct {
	UserID string           `json:"user_id"`
	Metric string           `json:"metric"`
	Days   int              `json:"days"`
	Points []TrendPointView `json:"points"`
}

// RebuildRequest is the payload for POST /v1/wearables/rebuild.
type RebuildRequest struct {
	UserID   string `json:"user_id"`
	SourceID string `json:"source_id,omitempty"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// Validate ensures request correctness.
func (r RebuildRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("user_id is required")
	}
	from, err := time.Parse("2006-01-02", r.From)
	if err != nil {
		return errors.New("from must be formatted YYYY-MM-DD")
	}
	to, err := time.Parse("2006-01-02", r.To)
	if err != nil {
		return errors.New("to must be formatted YYYY-MM-DD")
	}
	if to.Before(from) {
		return errors.New("to must not precede from")
	}
	return nil
}

// RebuildResponse reports how many day rollups were recomputed.
type RebuildResponse struct {
	UserID      string `json:"user_id"`
	DaysRebuilt int    `json:"days_rebuilt"`
}

func toBatchView(summary *pipeline.BatchSummary) IngestBatchResponse {
	resp := IngestBatchResponse{
		Accepted:   summary.Accepted,
		Duplicates: summary.Duplicates,
		Errors:     make([]RecordErrorView, 0, len(summary.Errors)),
	}
	for _, recErr := range summary.Errors {
		resp.Errors = append(resp.Errors, RecordErrorView{
			Index:     recErr.Index,
			DedupeKey: recErr.DedupeKey,
			Reason:    recErr.Reason,
		})
	}
	if summary.ETL != nil {
		resp.ETL = &ETLView{
			Processed:  summary.ETL.Processed,
			Skipped:    summary.ETL.Skipped,
			Errors:     summary.ETL.Errors,
			Aggregated: summary.ETL.Aggregated,
		}
	}
	return resp
}

func toSummaryView(s *query.DaySummary) DaySummaryResponse {
	resp := DaySummaryResponse{
		UserID:           s.UserID,
		Day:              s.Day.Format("2006-01-02"),
		StepsTotal:       s.StepsTotal,
		DistanceMTotal:   s.DistanceMTotal,
		RestingHeartRate: s.RestingHeartRate,
		HRVAverageMS:     s.HRVAverageMS,
		SleepSeconds:     s.SleepSeconds,
		Present:          s.Present,
	}
	if s.SourceID != nil {
		id := s.SourceID.String()
		resp.SourceID = &id
	}
	return resp
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
