// Package httpapi serves the read-only status API: batch runs, their error
// breakdowns, registered snapshots, stored backtest runs, and prometheus
// metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"marlin/internal/batch"
	"marlin/internal/domain"
	"marlin/internal/runstore"
	"marlin/internal/snapshot"
)

// StatusServer serves the observability HTTP API.
type StatusServer struct {
	batches   *batch.Registry
	snapshots *snapshot.Registry
	runs      *runstore.SQLiteStore
	metrics   *batch.Metrics
	log       *slog.Logger
}

// NewStatusServer creates a StatusServer over the given stores. runs and
// metrics may be nil; their routes then respond 404.
func NewStatusServer(
	batches *batch.Registry,
	snapshots *snapshot.Registry,
	runs *runstore.SQLiteStore,
	metrics *batch.Metrics,
) *StatusServer {
	return &StatusServer{
		batches:   batches,
		snapshots: snapshots,
		runs:      runs,
		metrics:   metrics,
		log:       slog.Default().With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *StatusServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/batches", s.handleListBatches)
	mux.HandleFunc("GET /api/batches/{id}", s.handleGetBatch)
	mux.HandleFunc("GET /api/batches/{id}/errors", s.handleBatchErrors)
	mux.HandleFunc("GET /api/snapshots", s.handleListSnapshots)
	mux.HandleFunc("GET /api/snapshots/{id}", s.handleGetSnapshot)
	if s.runs != nil {
		mux.HandleFunc("GET /api/runs", s.handleListRuns)
		mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// Handler returns an http.Handler with CORS middleware.
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Batch routes
// ---------------------------------------------------------------------------

// BatchListResponse is the payload of GET /api/batches.
type BatchListResponse struct {
	Batches []*batch.Run `json:"batches"`
	Count   int          `json:"count"`
}

func (s *StatusServer) handleListBatches(w http.ResponseWriter, r *http.Request) {
	filter := batch.ListFilter{
		Status: batch.Status(r.URL.Query().Get("status")),
		Limit:  parseLimit(r),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse("2006-01-02", since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be YYYY-MM-DD")
			return
		}
		filter.Since = t
	}

	runs, err := s.batches.ListBatches(filter)
	if err != nil {
		s.log.Error("listing batches", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}
	if runs == nil {
		runs = []*batch.Run{}
	}
	writeJSON(w, BatchListResponse{Batches: runs, Count: len(runs)})
}

func (s *StatusServer) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	run, err := s.batches.GetBatch(r.PathValue("id"))
	if errors.Is(err, batch.ErrNotFound) {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	if err != nil {
		s.log.Error("reading batch", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read batch")
		return
	}
	writeJSON(w, run)
}

// BatchErrorsResponse is the payload of GET /api/batches/{id}/errors.
type BatchErrorsResponse struct {
	BatchID      string             `json:"batch_id"`
	ErrorSummary map[string]int     `json:"error_summary"`
	FailedItems  []batch.ItemResult `json:"failed_items"`
}

func (s *StatusServer) handleBatchErrors(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	failed, err := s.batches.GetFailedItems(id)
	if errors.Is(err, batch.ErrNotFound) {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	if err != nil {
		s.log.Error("reading failed items", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read batch errors")
		return
	}
	summary, err := s.batches.GetErrorSummary(id)
	if err != nil {
		s.log.Error("reading error summary", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read batch errors")
		return
	}

	flat := make(map[string]int, len(summary))
	for category, n := range summary {
		flat[string(category)] = n
	}
	if failed == nil {
		failed = []batch.ItemResult{}
	}
	writeJSON(w, BatchErrorsResponse{
		BatchID:      id,
		ErrorSummary: flat,
		FailedItems:  failed,
	})
}

// ---------------------------------------------------------------------------
// Snapshot routes
// ---------------------------------------------------------------------------

// SnapshotListResponse is the payload of GET /api/snapshots.
type SnapshotListResponse struct {
	Snapshots []*snapshot.Metadata `json:"snapshots"`
	Count     int                  `json:"count"`
}

func (s *StatusServer) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	filter := snapshot.ListFilter{Limit: parseLimit(r)}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse("2006-01-02", since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be YYYY-MM-DD")
			return
		}
		filter.Since = t
	}

	metas, err := s.snapshots.ListSnapshots(filter)
	if err != nil {
		s.log.Error("listing snapshots", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list snapshots")
		return
	}
	if metas == nil {
		metas = []*snapshot.Metadata{}
	}
	writeJSON(w, SnapshotListResponse{Snapshots: metas, Count: len(metas)})
}

func (s *StatusServer) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	meta, err := s.snapshots.GetMetadata(r.PathValue("id"))
	if errors.Is(err, snapshot.ErrNotFound) {
		writeError(w, http.StatusNotFound, "snapshot not found")
		return
	}
	if err != nil {
		s.log.Error("reading snapshot", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read snapshot")
		return
	}
	writeJSON(w, meta)
}

// ---------------------------------------------------------------------------
// Run routes
// ---------------------------------------------------------------------------

func (s *StatusServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.ListRuns(r.Context(), runstore.ListFilter{
		Strategy: r.URL.Query().Get("strategy"),
		Limit:    parseLimit(r),
	})
	if err != nil {
		s.log.Error("listing runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []domain.BacktestSummary{}
	}
	writeJSON(w, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *StatusServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, runstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.log.Error("reading run", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read run")
		return
	}
	writeJSON(w, run)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// parseLimit extracts the "limit" query param; zero means unlimited.
func parseLimit(r *http.Request) int {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
