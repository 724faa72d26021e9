package batch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"marlin/internal/domain"
)

// TaskFunc executes a single backtest for one parameter combination and
// returns its result rows.
type TaskFunc func(ctx context.Context, task Task) ([]domain.BacktestSummary, error)

// Options controls how a batch is executed.
type Options struct {
	// TrackBatch records the run and every item outcome in the registry.
	TrackBatch bool
	// RetryFailed re-executes retryable failures; requires TrackBatch.
	RetryFailed bool
	// MaxRetryAttempts bounds total attempts per item, including the first.
	MaxRetryAttempts int
	// RetryBackoff is slept between retry rounds.
	RetryBackoff time.Duration
	// Workers sizes the worker pool; defaults to the CPU count.
	Workers int
	// Tags are recorded verbatim in the batch configuration, e.g. the id of
	// the snapshot the grid was loaded from.
	Tags map[string]string
}

// Runner executes an embarrassingly-parallel grid of backtests with optional
// durable observability and optional retry of transient failures.
type Runner struct {
	exec     TaskFunc
	registry *Registry
	metrics  *Metrics
	log      *slog.Logger
}

// NewRunner creates a Runner that executes tasks with exec. registry may be
// nil when batches are never tracked; metrics may be nil.
func NewRunner(exec TaskFunc, registry *Registry, metrics *Metrics) *Runner {
	return &Runner{
		exec:     exec,
		registry: registry,
		metrics:  metrics,
		log:      slog.Default().With("component", "batch-runner"),
	}
}

// Run expands the grid into tasks and executes them.
//
// Without tracking, any single task error aborts the whole run and
// propagates to the caller. With tracking, every task failure is captured,
// categorized, recorded in the registry, and possibly retried; the batch
// only fails as a whole when zero items succeed, and the returned table
// covers the successful subset.
func (r *Runner) Run(ctx context.Context, grid Grid, opts Options) ([]domain.BacktestSummary, error) {
	if err := validateOptions(opts, r.registry); err != nil {
		return nil, err
	}

	tasks, err := expandGrid(grid)
	if err != nil {
		return nil, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	if !opts.TrackBatch {
		return r.runUntracked(ctx, tasks, workers)
	}
	return r.runTracked(ctx, tasks, grid, opts, workers)
}

func validateOptions(opts Options, registry *Registry) error {
	if opts.TrackBatch && registry == nil {
		return fmt.Errorf("%w: batch tracking requested but no registry configured", ErrValidation)
	}
	if opts.RetryFailed && !opts.TrackBatch {
		return fmt.Errorf("%w: retry requires batch tracking", ErrValidation)
	}
	if opts.RetryFailed && opts.MaxRetryAttempts < 1 {
		return fmt.Errorf("%w: max retry attempts must be >= 1, got %d", ErrValidation, opts.MaxRetryAttempts)
	}
	if opts.RetryBackoff < 0 {
		return fmt.Errorf("%w: retry backoff must be >= 0", ErrValidation)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Untracked path
// ---------------------------------------------------------------------------

// runUntracked dispatches all tasks and fails fast: the first task error
// aborts the whole batch.
func (r *Runner) runUntracked(ctx context.Context, tasks []Task, workers int) ([]domain.BacktestSummary, error) {
	results := make([][]domain.BacktestSummary, len(tasks))
	errs := make([]error, len(tasks))

	r.dispatch(len(tasks), workers, func(i int) {
		if ctx.Err() != nil {
			errs[i] = ctx.Err()
			return
		}
		results[i], errs[i] = r.exec(ctx, tasks[i])
	})

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}

	var rows []domain.BacktestSummary
	for _, res := range results {
		rows = append(rows, res...)
	}
	return rows, nil
}

// ---------------------------------------------------------------------------
// Tracked path
// ---------------------------------------------------------------------------

// outcome is the wrapped result of one task attempt. The wrapper never lets
// a task error or panic escape; failures are categorized here.
type outcome struct {
	itemID   int
	success  bool
	rows     []domain.BacktestSummary
	runID    string
	category domain.ErrorCategory
	message  string
	duration time.Duration
	attempts int
}

func (r *Runner) runTracked(ctx context.Context, tasks []Task, grid Grid, opts Options, workers int) ([]domain.BacktestSummary, error) {
	run, err := r.registry.CreateBatch(len(tasks), configSnapshot(grid, opts, workers))
	if err != nil {
		return nil, err
	}
	if _, err := r.registry.UpdateStatus(run.ID, StatusRunning); err != nil {
		return nil, err
	}

	r.log.Info("batch started",
		"batch_id", run.ID,
		"items", len(tasks),
		"workers", workers,
	)

	started := time.Now()

	// Round 1: every task, exactly once.
	latest := make([]outcome, len(tasks))
	r.dispatch(len(tasks), workers, func(i int) {
		latest[i] = r.runTask(ctx, tasks[i], 1)
	})
	if err := r.recordOutcomes(run.ID, latest, allItems(len(tasks)), false); err != nil {
		return nil, err
	}

	// Retry rounds: only items whose latest outcome is a retryable failure.
	if opts.RetryFailed {
		for attempt := 2; attempt <= opts.MaxRetryAttempts; attempt++ {
			ids := retryableItems(latest)
			if len(ids) == 0 {
				break
			}
			if done := r.backoff(ctx, opts.RetryBackoff); done {
				break
			}

			r.log.Info("retrying failed items",
				"batch_id", run.ID,
				"attempt", attempt,
				"items", len(ids),
			)

			r.dispatch(len(ids), workers, func(k int) {
				r.metrics.ObserveRetry()
				i := ids[k]
				latest[i] = r.runTask(ctx, tasks[i], attempt)
			})
			if err := r.recordOutcomes(run.ID, latest, ids, false); err != nil {
				return nil, err
			}
		}

		// Final pass: re-persist every item with final_attempt_success set.
		if err := r.recordOutcomes(run.ID, latest, allItems(len(tasks)), true); err != nil {
			return nil, err
		}
	}

	fin, err := r.registry.CompleteBatch(run.ID)
	if err != nil {
		return nil, err
	}
	r.metrics.ObserveBatch(fin.Status, time.Since(started))

	if fin.SucceededItems == 0 {
		return nil, fmt.Errorf("batch %s failed: %d/%d items failed", fin.ID, fin.FailedItems, fin.TotalItems)
	}

	var rows []domain.BacktestSummary
	for i := range latest {
		if latest[i].success {
			rows = append(rows, latest[i].rows...)
		}
	}
	return rows, nil
}

// runTask executes one task attempt behind the wrapper boundary: errors and
// panics are converted into categorized failure outcomes, never propagated.
func (r *Runner) runTask(ctx context.Context, task Task, attempt int) (out outcome) {
	out = outcome{itemID: task.ItemID, attempts: attempt}
	start := time.Now()

	defer func() {
		out.duration = time.Since(start)
		if rec := recover(); rec != nil {
			err := domain.NewEngineError("panic during backtest execution: %v", rec)
			out.success = false
			out.rows = nil
			out.runID = ""
			out.category = Categorize(err)
			out.message = err.Error()
		}
	}()

	rows, err := r.exec(ctx, task)
	if err != nil {
		out.category = Categorize(err)
		out.message = err.Error()
		return out
	}

	out.success = true
	out.rows = rows
	if len(rows) > 0 {
		out.runID = rows[0].RunID
	}
	return out
}

// recordOutcomes persists the latest outcome of the given items and feeds
// the metrics recorder. With withFinal set, final_attempt_success is stamped
// from the latest attempt.
func (r *Runner) recordOutcomes(batchID string, latest []outcome, ids []int, withFinal bool) error {
	for _, i := range ids {
		o := latest[i]
		if !withFinal {
			r.metrics.ObserveItem(o.success, o.category, o.duration)
		}

		result := ItemResult{
			ItemID:          o.itemID,
			Success:         o.success,
			RunID:           o.runID,
			ErrorMessage:    o.message,
			ErrorCategory:   o.category,
			DurationSeconds: o.duration.Seconds(),
			AttemptCount:    o.attempts,
		}
		if withFinal {
			final := o.success
			result.FinalAttemptSuccess = &final
		}

		if err := r.registry.AddItemResult(batchID, result); err != nil {
			return err
		}
	}
	return nil
}

// backoff sleeps between retry rounds; it reports true when the context was
// cancelled and retrying should stop.
func (r *Runner) backoff(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() != nil
	}
	select {
	case <-ctx.Done():
		return true
	case <-time.After(d):
		return false
	}
}

// dispatch feeds n task indices through a fixed-size worker pool and blocks
// until every one has been processed. Each worker pulls one index at a time,
// so long and short tasks balance naturally.
func (r *Runner) dispatch(n, workers int, fn func(i int)) {
	idxCh := make(chan int, n)
	for i := 0; i < n; i++ {
		idxCh <- i
	}
	close(idxCh)

	if workers > n {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idxCh {
				fn(i)
			}
		}()
	}
	wg.Wait()
}

func retryableItems(latest []outcome) []int {
	var ids []int
	for i, o := range latest {
		if !o.success && Retryable(o.category, o.message) {
			ids = append(ids, i)
		}
	}
	return ids
}

func allItems(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// configSnapshot captures the parameters that produced a batch, stored
// verbatim on the batch record for audit.
func configSnapshot(grid Grid, opts Options, workers int) map[string]any {
	symbols := make([]string, 0, len(grid.Data))
	for sym := range grid.Data {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	starts := make([]string, len(grid.Starts))
	for i, t := range grid.Starts {
		starts[i] = t.Format("2006-01-02")
	}
	ends := make([]string, len(grid.Ends))
	for i, t := range grid.Ends {
		ends[i] = t.Format("2006-01-02")
	}

	cfg := map[string]any{
		"symbols":            symbols,
		"strategies":         grid.Strategies,
		"starts":             starts,
		"ends":               ends,
		"initial_cash":       grid.InitialCash,
		"retry_failed":       opts.RetryFailed,
		"max_retry_attempts": opts.MaxRetryAttempts,
		"workers":            workers,
	}
	if len(opts.Tags) > 0 {
		cfg["tags"] = opts.Tags
	}
	return cfg
}
