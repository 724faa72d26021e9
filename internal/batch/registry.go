// Package batch implements the backtest batch execution subsystem: a durable
// file-backed registry of batch runs, an error categorizer, a prometheus
// metrics recorder, and the runner that expands a parameter grid into tasks,
// dispatches them to a worker pool, and retries transient failures.
package batch

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"marlin/internal/domain"
)

// ErrNotFound is returned when a batch id is unknown to the registry.
var ErrNotFound = errors.New("batch not found")

// ErrValidation is returned when batch inputs fail validation.
var ErrValidation = errors.New("batch validation failed")

// Status is the lifecycle state of a batch run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ItemResult is the recorded outcome of one task within a batch. A later
// result for the same ItemID replaces the earlier one; the registry keeps
// only the latest attempt per item.
type ItemResult struct {
	ItemID          int                  `json:"item_id"`
	Success         bool                 `json:"success"`
	RunID           string               `json:"run_id,omitempty"`
	ErrorMessage    string               `json:"error_message,omitempty"`
	ErrorCategory   domain.ErrorCategory `json:"error_category,omitempty"`
	DurationSeconds float64              `json:"duration_seconds"`
	AttemptCount    int                  `json:"attempt_count"`
	// FinalAttemptSuccess records whether the last attempt succeeded. It is
	// only populated when retries are enabled and is kept separate from
	// Success deliberately.
	FinalAttemptSuccess *bool `json:"final_attempt_success,omitempty"`
}

// Run is the durable record of one batch execution. It is persisted verbatim
// as JSON, so field names are part of the on-disk contract.
type Run struct {
	ID             string                       `json:"batch_id"`
	CreatedAt      time.Time                    `json:"created_at"`
	Status         Status                       `json:"status"`
	TotalItems     int                          `json:"total_items"`
	StartedAt      *time.Time                   `json:"started_at"`
	CompletedAt    *time.Time                   `json:"completed_at"`
	SucceededItems int                          `json:"succeeded_items"`
	FailedItems    int                          `json:"failed_items"`
	ItemResults    []ItemResult                 `json:"item_results"`
	ErrorSummary   map[domain.ErrorCategory]int `json:"error_summary"`
	Configuration  map[string]any               `json:"configuration"`
	TotalDuration  *float64                     `json:"total_duration_seconds"`
	ItemsPerSecond *float64                     `json:"items_per_second"`
}

// SuccessRate returns the fraction of items that succeeded.
func (r *Run) SuccessRate() float64 {
	if r.TotalItems == 0 {
		return 0
	}
	return float64(r.SucceededItems) / float64(r.TotalItems)
}

// IsComplete reports whether the run has reached a terminal status.
func (r *Run) IsComplete() bool {
	return r.Status.Terminal()
}

// Registry is a durable, file-backed store of batch runs. Every mutation is
// a full read-modify-write of the batch's JSON record:
//
//	<dir>/metadata/batch-<16-hex>.json
//	<dir>/logs/           (reserved)
type Registry struct {
	mu  sync.Mutex
	dir string
	log *slog.Logger
}

// NewRegistry creates a Registry rooted at dir, creating the metadata and
// logs subdirectories if needed.
func NewRegistry(dir string) (*Registry, error) {
	for _, sub := range []string{"metadata", "logs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating batch dir: %w", err)
		}
	}
	return &Registry{
		dir: dir,
		log: slog.Default().With("component", "batch-registry"),
	}, nil
}

// ---------------------------------------------------------------------------
// Mutating operations
// ---------------------------------------------------------------------------

// CreateBatch writes a new PENDING batch record and returns it.
func (r *Registry) CreateBatch(totalItems int, configuration map[string]any) (*Run, error) {
	if totalItems <= 0 {
		return nil, fmt.Errorf("%w: total_items must be > 0, got %d", ErrValidation, totalItems)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	run := &Run{
		ID:            newBatchID(),
		CreatedAt:     time.Now().UTC(),
		Status:        StatusPending,
		TotalItems:    totalItems,
		ItemResults:   []ItemResult{},
		ErrorSummary:  map[domain.ErrorCategory]int{},
		Configuration: configuration,
	}

	if err := r.writeRun(run); err != nil {
		return nil, err
	}

	r.log.Info("batch created", "batch_id", run.ID, "total_items", totalItems)
	return run, nil
}

// UpdateStatus transitions a batch to the given status, stamping started_at
// on the first transition into RUNNING and completed_at on the first
// transition into a terminal state.
func (r *Registry) UpdateStatus(id string, status Status) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, err := r.loadRun(id)
	if err != nil {
		return nil, err
	}

	run.Status = status
	now := time.Now().UTC()
	if status == StatusRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if status.Terminal() && run.CompletedAt == nil {
		run.CompletedAt = &now
	}

	if err := r.writeRun(run); err != nil {
		return nil, err
	}
	return run, nil
}

// AddItemResult records one task outcome. A result for a new item id is
// appended; a result for an already-recorded item id replaces it, adjusting
// the counters and error summary. Status is never changed here.
func (r *Registry) AddItemResult(id string, result ItemResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, err := r.loadRun(id)
	if err != nil {
		return err
	}

	replaced := false
	for i, existing := range run.ItemResults {
		if existing.ItemID != result.ItemID {
			continue
		}
		// Retract the superseded result from the tallies.
		if existing.Success {
			run.SucceededItems--
		} else {
			run.FailedItems--
			run.ErrorSummary[existing.ErrorCategory]--
			if run.ErrorSummary[existing.ErrorCategory] <= 0 {
				delete(run.ErrorSummary, existing.ErrorCategory)
			}
		}
		run.ItemResults[i] = result
		replaced = true
		break
	}
	if !replaced {
		run.ItemResults = append(run.ItemResults, result)
	}

	if result.Success {
		run.SucceededItems++
	} else {
		run.FailedItems++
		run.ErrorSummary[result.ErrorCategory]++
	}

	return r.writeRun(run)
}

// CompleteBatch stamps completion, computes throughput, decides the final
// status from the counters, and persists the finalized record. This is the
// only place a terminal status other than CANCELLED is assigned.
func (r *Registry) CompleteBatch(id string) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, err := r.loadRun(id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if run.CompletedAt == nil {
		run.CompletedAt = &now
	}

	if run.StartedAt != nil {
		duration := run.CompletedAt.Sub(*run.StartedAt).Seconds()
		run.TotalDuration = &duration

		rate := 0.0
		if duration > 0 {
			rate = float64(run.TotalItems) / duration
		}
		run.ItemsPerSecond = &rate
	}

	switch {
	case run.SucceededItems == 0:
		run.Status = StatusFailed
	case run.FailedItems == 0:
		run.Status = StatusCompleted
	default:
		run.Status = StatusPartial
	}

	if err := r.writeRun(run); err != nil {
		return nil, err
	}

	r.log.Info("batch completed",
		"batch_id", run.ID,
		"status", run.Status,
		"succeeded", run.SucceededItems,
		"failed", run.FailedItems,
	)
	return run, nil
}

// ---------------------------------------------------------------------------
// Read operations
// ---------------------------------------------------------------------------

// GetBatch returns the current record for a batch id.
func (r *Registry) GetBatch(id string) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadRun(id)
}

// ListFilter narrows ListBatches results. Zero values mean no filtering.
type ListFilter struct {
	Status Status
	Since  time.Time
	Limit  int
}

// ListBatches returns batch records newest-first, optionally filtered.
// Malformed persisted records are skipped.
func (r *Registry) ListBatches(filter ListFilter) ([]*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(r.dir, "metadata"))
	if err != nil {
		return nil, fmt.Errorf("listing batch metadata: %w", err)
	}

	var runs []*Run
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "batch-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		run, err := r.loadRun(strings.TrimSuffix(name, ".json"))
		if err != nil {
			r.log.Warn("skipping malformed batch record", "file", name, "error", err)
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && !run.CreatedAt.After(filter.Since) {
			continue
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// GetFailedItems returns the latest-attempt results of every failed item.
func (r *Registry) GetFailedItems(id string) ([]ItemResult, error) {
	run, err := r.GetBatch(id)
	if err != nil {
		return nil, err
	}

	var failed []ItemResult
	for _, item := range run.ItemResults {
		if !item.Success {
			failed = append(failed, item)
		}
	}
	return failed, nil
}

// GetErrorSummary returns the per-category failure tallies for a batch.
func (r *Registry) GetErrorSummary(id string) (map[domain.ErrorCategory]int, error) {
	run, err := r.GetBatch(id)
	if err != nil {
		return nil, err
	}
	return run.ErrorSummary, nil
}

// BatchExists reports whether a batch with the given id is stored.
func (r *Registry) BatchExists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := os.Stat(r.runPath(id))
	return err == nil
}

// Count returns the number of stored batch records.
func (r *Registry) Count() (int, error) {
	runs, err := r.ListBatches(ListFilter{})
	if err != nil {
		return 0, err
	}
	return len(runs), nil
}

// ---------------------------------------------------------------------------
// Persistence helpers
// ---------------------------------------------------------------------------

func (r *Registry) runPath(id string) string {
	return filepath.Join(r.dir, "metadata", id+".json")
}

func (r *Registry) loadRun(id string) (*Run, error) {
	data, err := os.ReadFile(r.runPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("reading batch record: %w", err)
	}

	run := &Run{}
	if err := json.Unmarshal(data, run); err != nil {
		return nil, fmt.Errorf("parsing batch record %s: %w", id, err)
	}
	if run.ID == "" {
		return nil, fmt.Errorf("parsing batch record %s: missing batch_id", id)
	}
	if run.ErrorSummary == nil {
		run.ErrorSummary = map[domain.ErrorCategory]int{}
	}
	return run, nil
}

// writeRun persists the full record via a temp file and rename, so readers
// never observe a partially written batch.
func (r *Registry) writeRun(run *Run) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding batch record: %w", err)
	}

	path := r.runPath(run.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing batch record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming batch record: %w", err)
	}
	return nil
}

// newBatchID generates a fresh "batch-<16 hex>" identifier.
func newBatchID() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return "batch-" + hex.EncodeToString(buf)
}
