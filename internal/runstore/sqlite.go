// Package runstore persists completed backtest runs in a SQLite database so
// individual results remain queryable after a batch finishes.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"marlin/internal/backtest"
	"marlin/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// ErrNotFound is returned when a run id is not in the store.
var ErrNotFound = errors.New("run not found")

// Compile-time interface check.
var _ backtest.RunStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id        TEXT PRIMARY KEY,
	strategy      TEXT NOT NULL,
	symbols       TEXT NOT NULL,
	start_date    TEXT NOT NULL,
	end_date      TEXT NOT NULL,
	initial_cash  REAL NOT NULL,
	final_equity  REAL NOT NULL,
	total_return  REAL NOT NULL,
	sharpe_ratio  REAL NOT NULL,
	max_drawdown  REAL NOT NULL,
	total_trades  INTEGER NOT NULL,
	win_rate      REAL NOT NULL,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_strategy ON runs(strategy);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// SQLiteStore implements backtest.RunStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at dbPath, applies the schema,
// and returns a ready-to-use SQLiteStore.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying run store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun inserts a completed run. Saving the same run id twice replaces the
// earlier row.
func (s *SQLiteStore) SaveRun(ctx context.Context, run domain.BacktestSummary) error {
	symbols, err := json.Marshal(run.Symbols)
	if err != nil {
		return fmt.Errorf("encoding symbols: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (
			run_id, strategy, symbols, start_date, end_date, initial_cash, final_equity,
			total_return, sharpe_ratio, max_drawdown, total_trades, win_rate,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Strategy, string(symbols),
		run.Start.UTC().Format(time.RFC3339), run.End.UTC().Format(time.RFC3339),
		run.InitialCash, run.FinalEquity, run.TotalReturn, run.SharpeRatio,
		run.MaxDrawdown, run.TotalTrades, run.WinRate,
		run.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.RunID, err)
	}
	return nil
}

// GetRun retrieves a single run by its id.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.BacktestSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, strategy, symbols, start_date, end_date, initial_cash, final_equity,
		       total_return, sharpe_ratio, max_drawdown, total_trades, win_rate,
		       created_at
		FROM runs WHERE run_id = ?`, runID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", runID, err)
	}
	return run, nil
}

// ListFilter narrows ListRuns results. Zero values mean no filtering.
type ListFilter struct {
	Strategy string
	Limit    int
}

// ListRuns returns stored runs newest-first, optionally filtered.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter ListFilter) ([]domain.BacktestSummary, error) {
	query := `
		SELECT run_id, strategy, symbols, start_date, end_date, initial_cash, final_equity,
		       total_return, sharpe_ratio, max_drawdown, total_trades, win_rate,
		       created_at
		FROM runs`
	var args []any
	if filter.Strategy != "" {
		query += ` WHERE strategy = ?`
		args = append(args, filter.Strategy)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.BacktestSummary
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// Count returns the number of stored runs.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting runs: %w", err)
	}
	return n, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*domain.BacktestSummary, error) {
	var (
		run                         domain.BacktestSummary
		symbolsJSON                 string
		startStr, endStr, createdAt string
	)
	if err := sc.Scan(
		&run.RunID, &run.Strategy, &symbolsJSON, &startStr, &endStr,
		&run.InitialCash, &run.FinalEquity, &run.TotalReturn, &run.SharpeRatio,
		&run.MaxDrawdown, &run.TotalTrades, &run.WinRate, &createdAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(symbolsJSON), &run.Symbols); err != nil {
		return nil, fmt.Errorf("decoding symbols %q: %w", symbolsJSON, err)
	}
	var err error
	if run.Start, err = time.Parse(time.RFC3339, startStr); err != nil {
		return nil, fmt.Errorf("parsing start %q: %w", startStr, err)
	}
	if run.End, err = time.Parse(time.RFC3339, endStr); err != nil {
		return nil, fmt.Errorf("parsing end %q: %w", endStr, err)
	}
	if run.CreatedAt, err = time.Parse(time.RFC3339Nano, strings.TrimSpace(createdAt)); err != nil {
		return nil, fmt.Errorf("parsing created_at %q: %w", createdAt, err)
	}
	return &run, nil
}
