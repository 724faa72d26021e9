package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marlin/internal/domain"
)

func summaryFor(task Task) domain.BacktestSummary {
	return domain.BacktestSummary{
		RunID:       "run-" + task.Strategy,
		Strategy:    task.Strategy,
		Start:       task.Start,
		End:         task.End,
		InitialCash: task.InitialCash,
		FinalEquity: task.InitialCash * 1.1,
	}
}

func singleSymbolGrid(strategies ...string) Grid {
	return Grid{
		Data:       map[string][]domain.Bar{"SPY": dailyBars("SPY", day(2020, 1, 1), 60)},
		Strategies: strategies,
	}
}

func TestRunUntracked(t *testing.T) {
	exec := func(ctx context.Context, task Task) ([]domain.BacktestSummary, error) {
		return []domain.BacktestSummary{summaryFor(task)}, nil
	}
	runner := NewRunner(exec, nil, nil)

	rows, err := runner.Run(context.Background(), singleSymbolGrid("sma-cross", "buy-and-hold"), Options{Workers: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
}

func TestRunUntrackedFailsFast(t *testing.T) {
	exec := func(ctx context.Context, task Task) ([]domain.BacktestSummary, error) {
		if task.Strategy == "broken" {
			return nil, domain.NewInputError("unknown strategy %q", task.Strategy)
		}
		return []domain.BacktestSummary{summaryFor(task)}, nil
	}
	runner := NewRunner(exec, nil, nil)

	rows, err := runner.Run(context.Background(), singleSymbolGrid("buy-and-hold", "broken"), Options{Workers: 1})
	if err == nil {
		t.Fatal("Run succeeded, want propagated task error")
	}
	if rows != nil {
		t.Errorf("got rows %v alongside an error", rows)
	}
	var inputErr *domain.InputError
	if !errors.As(err, &inputErr) {
		t.Errorf("error %v does not wrap the task's InputError", err)
	}
}

func TestRunOptionValidation(t *testing.T) {
	exec := func(ctx context.Context, task Task) ([]domain.BacktestSummary, error) {
		return nil, nil
	}

	tests := []struct {
		name     string
		registry *Registry
		opts     Options
	}{
		{"tracking without registry", nil, Options{TrackBatch: true}},
		{"retry without tracking", nil, Options{RetryFailed: true}},
		{"retry attempts below one", newTestRegistry(t),
			Options{TrackBatch: true, RetryFailed: true, MaxRetryAttempts: 0}},
		{"negative backoff", nil, Options{RetryBackoff: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := NewRunner(exec, tt.registry, nil)
			_, err := runner.Run(context.Background(), singleSymbolGrid("x"), tt.opts)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("Run returned %v, want ErrValidation", err)
			}
		})
	}
}

// A tracked batch with one data failure finishes PARTIAL, returns the
// successful rows, and records the categorized failure.
func TestRunTrackedPartialFailure(t *testing.T) {
	registry := newTestRegistry(t)
	exec := func(ctx context.Context, task Task) ([]domain.BacktestSummary, error) {
		if task.Strategy == "starved" {
			return nil, domain.NewLookupError("insufficient data for %s", task.Strategy)
		}
		return []domain.BacktestSummary{summaryFor(task)}, nil
	}
	runner := NewRunner(exec, registry, NewMetrics())

	rows, err := runner.Run(context.Background(),
		singleSymbolGrid("sma-cross", "buy-and-hold", "momentum", "starved"),
		Options{TrackBatch: true, Workers: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3 successful", len(rows))
	}

	runs, err := registry.ListBatches(ListFilter{})
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListBatches: %v (%d runs)", err, len(runs))
	}
	run := runs[0]
	if run.Status != StatusPartial {
		t.Errorf("status = %s, want partial", run.Status)
	}
	if run.SucceededItems != 3 || run.FailedItems != 1 {
		t.Errorf("counters = %d/%d, want 3/1", run.SucceededItems, run.FailedItems)
	}
	if run.ErrorSummary[domain.CategoryData] != 1 {
		t.Errorf("error summary = %v, want data_error:1", run.ErrorSummary)
	}
	if run.StartedAt == nil || run.CompletedAt == nil || run.TotalDuration == nil {
		t.Error("timing fields not populated on completion")
	}

	failed, _ := registry.GetFailedItems(run.ID)
	if len(failed) != 1 {
		t.Fatalf("got %d failed items, want 1", len(failed))
	}
	if failed[0].ErrorCategory != domain.CategoryData || failed[0].ErrorMessage == "" {
		t.Errorf("failed item = %+v, want categorized data error", failed[0])
	}
	if failed[0].FinalAttemptSuccess != nil {
		t.Error("final_attempt_success set without retries enabled")
	}
}

// A transient failure on the first attempt is retried and succeeds, leaving
// a fully successful batch whose item records show two attempts.
func TestRunTrackedRetrySucceeds(t *testing.T) {
	registry := newTestRegistry(t)

	var flakyCalls atomic.Int32
	exec := func(ctx context.Context, task Task) ([]domain.BacktestSummary, error) {
		if task.Strategy == "flaky" && flakyCalls.Add(1) == 1 {
			return nil, errors.New("request timed out fetching bars")
		}
		return []domain.BacktestSummary{summaryFor(task)}, nil
	}
	runner := NewRunner(exec, registry, nil)

	rows, err := runner.Run(context.Background(), singleSymbolGrid("flaky", "buy-and-hold"), Options{
		TrackBatch:       true,
		RetryFailed:      true,
		MaxRetryAttempts: 3,
		Workers:          2,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if calls := flakyCalls.Load(); calls != 2 {
		t.Errorf("flaky task executed %d times, want 2", calls)
	}

	runs, _ := registry.ListBatches(ListFilter{})
	run := runs[0]
	if run.Status != StatusCompleted {
		t.Errorf("status = %s, want completed after successful retry", run.Status)
	}
	if run.SucceededItems != 2 || run.FailedItems != 0 {
		t.Errorf("counters = %d/%d, want 2/0", run.SucceededItems, run.FailedItems)
	}

	for _, item := range run.ItemResults {
		if item.FinalAttemptSuccess == nil || !*item.FinalAttemptSuccess {
			t.Errorf("item %d missing final_attempt_success", item.ItemID)
		}
		wantAttempts := 1
		if item.ItemID == 0 { // the flaky strategy is first in the grid
			wantAttempts = 2
		}
		if item.AttemptCount != wantAttempts {
			t.Errorf("item %d attempt count = %d, want %d", item.ItemID, item.AttemptCount, wantAttempts)
		}
	}
}

// Non-retryable failures are not retried even when retries are enabled.
func TestRunTrackedSkipsNonRetryableFailures(t *testing.T) {
	registry := newTestRegistry(t)

	var badCalls atomic.Int32
	exec := func(ctx context.Context, task Task) ([]domain.BacktestSummary, error) {
		if task.Strategy == "bad-config" {
			badCalls.Add(1)
			return nil, domain.NewInputError("invalid lookback parameter")
		}
		return []domain.BacktestSummary{summaryFor(task)}, nil
	}
	runner := NewRunner(exec, registry, nil)

	_, err := runner.Run(context.Background(), singleSymbolGrid("bad-config", "buy-and-hold"), Options{
		TrackBatch:       true,
		RetryFailed:      true,
		MaxRetryAttempts: 3,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls := badCalls.Load(); calls != 1 {
		t.Errorf("non-retryable task executed %d times, want 1", calls)
	}

	runs, _ := registry.ListBatches(ListFilter{})
	if runs[0].Status != StatusPartial {
		t.Errorf("status = %s, want partial", runs[0].Status)
	}
	if runs[0].ErrorSummary[domain.CategoryParameter] != 1 {
		t.Errorf("error summary = %v, want parameter_error:1", runs[0].ErrorSummary)
	}
}

// When every item fails, the batch is FAILED and Run returns an error naming
// the batch id.
func TestRunTrackedAllFail(t *testing.T) {
	registry := newTestRegistry(t)
	exec := func(ctx context.Context, task Task) ([]domain.BacktestSummary, error) {
		return nil, domain.NewEngineError("strategy %s diverged", task.Strategy)
	}
	runner := NewRunner(exec, registry, nil)

	_, err := runner.Run(context.Background(), singleSymbolGrid("a", "b"), Options{TrackBatch: true})
	if err == nil {
		t.Fatal("Run succeeded, want batch failure")
	}

	runs, _ := registry.ListBatches(ListFilter{})
	run := runs[0]
	if run.Status != StatusFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	if !strings.Contains(err.Error(), run.ID) {
		t.Errorf("error %q does not name batch %s", err, run.ID)
	}
	if run.ErrorSummary[domain.CategoryEngine] != 2 {
		t.Errorf("error summary = %v, want engine_error:2", run.ErrorSummary)
	}
}

// A panicking task is captured as an engine failure instead of crashing the
// worker pool.
func TestRunTrackedCapturesPanic(t *testing.T) {
	registry := newTestRegistry(t)
	exec := func(ctx context.Context, task Task) ([]domain.BacktestSummary, error) {
		if task.Strategy == "explosive" {
			panic("index out of range")
		}
		return []domain.BacktestSummary{summaryFor(task)}, nil
	}
	runner := NewRunner(exec, registry, nil)

	rows, err := runner.Run(context.Background(), singleSymbolGrid("explosive", "buy-and-hold"),
		Options{TrackBatch: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}

	runs, _ := registry.ListBatches(ListFilter{})
	failed, _ := registry.GetFailedItems(runs[0].ID)
	if len(failed) != 1 {
		t.Fatalf("got %d failed items, want 1", len(failed))
	}
	if failed[0].ErrorCategory != domain.CategoryEngine {
		t.Errorf("panic categorized as %s, want engine_error", failed[0].ErrorCategory)
	}
	if !strings.Contains(failed[0].ErrorMessage, "panic") {
		t.Errorf("failure message %q does not mention the panic", failed[0].ErrorMessage)
	}
}

// The worker pool never runs more than Workers tasks at once.
func TestRunBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0

	exec := func(ctx context.Context, task Task) ([]domain.BacktestSummary, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return []domain.BacktestSummary{summaryFor(task)}, nil
	}
	runner := NewRunner(exec, nil, nil)

	grid := singleSymbolGrid("a", "b", "c", "d", "e", "f", "g", "h")
	if _, err := runner.Run(context.Background(), grid, Options{Workers: 2}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if peak > 2 {
		t.Errorf("observed %d concurrent tasks, want at most 2", peak)
	}
}

func TestRunRecordsConfiguration(t *testing.T) {
	registry := newTestRegistry(t)
	exec := func(ctx context.Context, task Task) ([]domain.BacktestSummary, error) {
		return []domain.BacktestSummary{summaryFor(task)}, nil
	}
	runner := NewRunner(exec, registry, nil)

	opts := Options{
		TrackBatch: true,
		Workers:    3,
		Tags:       map[string]string{"snapshot": "snap-0011223344556677"},
	}
	if _, err := runner.Run(context.Background(), singleSymbolGrid("sma-cross"), opts); err != nil {
		t.Fatalf("Run: %v", err)
	}

	runs, _ := registry.ListBatches(ListFilter{})
	cfg := runs[0].Configuration
	if cfg == nil {
		t.Fatal("configuration not recorded")
	}
	// The record went through JSON, so numbers decode as float64 and lists
	// as []any.
	if workers, ok := cfg["workers"].(float64); !ok || workers != 3 {
		t.Errorf("configuration workers = %v, want 3", cfg["workers"])
	}
	syms, ok := cfg["symbols"].([]any)
	if !ok || len(syms) != 1 || syms[0] != "SPY" {
		t.Errorf("configuration symbols = %v, want [SPY]", cfg["symbols"])
	}
	tags, ok := cfg["tags"].(map[string]any)
	if !ok || tags["snapshot"] != "snap-0011223344556677" {
		t.Errorf("configuration tags = %v, want the snapshot tag", cfg["tags"])
	}
}
