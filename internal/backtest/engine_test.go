package backtest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"marlin/internal/batch"
	"marlin/internal/domain"
)

// trendBars generates n daily bars whose close follows the supplied price
// function.
func trendBars(symbol string, start time.Time, n int, price func(i int) float64) []domain.Bar {
	bars := make([]domain.Bar, n)
	for i := range bars {
		p := price(i)
		bars[i] = domain.Bar{
			Symbol:    symbol,
			Timestamp: start.AddDate(0, 0, i),
			Open:      p,
			High:      p + 0.5,
			Low:       p - 0.5,
			Close:     p,
			Volume:    1000,
		}
	}
	return bars
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func taskFor(data map[string][]domain.Bar, strategy string, start, end time.Time) batch.Task {
	return batch.Task{
		Data:        data,
		Strategy:    strategy,
		Start:       start,
		End:         end,
		InitialCash: 100_000,
	}
}

func TestRunSingleBuyAndHold(t *testing.T) {
	// Price doubles over the window, so buy-and-hold doubles the cash.
	bars := trendBars("SPY", day(2020, 1, 1), 100, func(i int) float64 {
		return 100 + float64(i)*(100.0/99.0)
	})
	e := NewEngine(DefaultRegistry(), nil)

	rows, err := e.RunSingle(context.Background(),
		taskFor(map[string][]domain.Bar{"SPY": bars}, "buy-and-hold", day(2020, 1, 1), day(2020, 4, 9)))
	if err != nil {
		t.Fatalf("RunSingle: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}

	run := rows[0]
	if !strings.HasPrefix(run.RunID, "run-") {
		t.Errorf("run id %q missing run- prefix", run.RunID)
	}
	if run.Strategy != "buy-and-hold" {
		t.Errorf("strategy = %q", run.Strategy)
	}
	if run.TotalReturn < 0.99 || run.TotalReturn > 1.01 {
		t.Errorf("total return = %v, want ~1.0", run.TotalReturn)
	}
	if run.TotalTrades != 1 {
		t.Errorf("total trades = %d, want 1 (open position marked to market)", run.TotalTrades)
	}
	if run.WinRate != 1.0 {
		t.Errorf("win rate = %v, want 1.0", run.WinRate)
	}
	if run.MaxDrawdown != 0 {
		t.Errorf("max drawdown = %v on a monotonic rally, want 0", run.MaxDrawdown)
	}
	if run.SharpeRatio <= 0 {
		t.Errorf("sharpe ratio = %v on a rally, want > 0", run.SharpeRatio)
	}
}

func TestRunSingleMultiSymbolSplitsCash(t *testing.T) {
	flat := func(float64) func(int) float64 {
		return func(int) float64 { return 50 }
	}
	up := func(i int) float64 { return 100 + float64(i) }

	data := map[string][]domain.Bar{
		"FLAT": trendBars("FLAT", day(2020, 1, 1), 50, flat(50)),
		"UP":   trendBars("UP", day(2020, 1, 1), 50, up),
	}
	e := NewEngine(DefaultRegistry(), nil)

	rows, err := e.RunSingle(context.Background(),
		taskFor(data, "buy-and-hold", day(2020, 1, 1), day(2020, 2, 19)))
	if err != nil {
		t.Fatalf("RunSingle: %v", err)
	}

	run := rows[0]
	if len(run.Symbols) != 2 || run.Symbols[0] != "FLAT" || run.Symbols[1] != "UP" {
		t.Errorf("symbols = %v, want sorted [FLAT UP]", run.Symbols)
	}
	// Half the cash stays flat; the other half gains 49%.
	want := 0.49 / 2
	if run.TotalReturn < want-0.01 || run.TotalReturn > want+0.01 {
		t.Errorf("total return = %v, want ~%v", run.TotalReturn, want)
	}
}

func TestRunSingleUnknownStrategy(t *testing.T) {
	bars := trendBars("SPY", day(2020, 1, 1), 10, func(int) float64 { return 100 })
	e := NewEngine(DefaultRegistry(), nil)

	_, err := e.RunSingle(context.Background(),
		taskFor(map[string][]domain.Bar{"SPY": bars}, "no-such-strategy", day(2020, 1, 1), day(2020, 1, 10)))

	var inputErr *domain.InputError
	if !errors.As(err, &inputErr) {
		t.Fatalf("RunSingle returned %v, want InputError", err)
	}
	if batch.Categorize(err) != domain.CategoryParameter {
		t.Errorf("unknown strategy categorized as %s, want parameter_error", batch.Categorize(err))
	}
}

func TestRunSingleEmptyWindow(t *testing.T) {
	bars := trendBars("SPY", day(2020, 1, 1), 10, func(int) float64 { return 100 })
	e := NewEngine(DefaultRegistry(), nil)

	_, err := e.RunSingle(context.Background(),
		taskFor(map[string][]domain.Bar{"SPY": bars}, "buy-and-hold", day(2021, 1, 1), day(2021, 6, 1)))

	var lookupErr *domain.LookupError
	if !errors.As(err, &lookupErr) {
		t.Fatalf("RunSingle returned %v, want LookupError", err)
	}
	if batch.Categorize(err) != domain.CategoryData {
		t.Errorf("empty window categorized as %s, want data_error", batch.Categorize(err))
	}
}

func TestRunSingleInvalidCash(t *testing.T) {
	bars := trendBars("SPY", day(2020, 1, 1), 10, func(int) float64 { return 100 })
	e := NewEngine(DefaultRegistry(), nil)

	task := taskFor(map[string][]domain.Bar{"SPY": bars}, "buy-and-hold", day(2020, 1, 1), day(2020, 1, 10))
	task.InitialCash = 0

	var inputErr *domain.InputError
	if _, err := e.RunSingle(context.Background(), task); !errors.As(err, &inputErr) {
		t.Errorf("RunSingle with zero cash returned %v, want InputError", err)
	}
}

// captureStore records saved runs for assertions.
type captureStore struct {
	saved []domain.BacktestSummary
	err   error
}

func (s *captureStore) SaveRun(_ context.Context, run domain.BacktestSummary) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, run)
	return nil
}

func TestRunSinglePersistsRun(t *testing.T) {
	bars := trendBars("SPY", day(2020, 1, 1), 10, func(int) float64 { return 100 })
	store := &captureStore{}
	e := NewEngine(DefaultRegistry(), store)

	rows, err := e.RunSingle(context.Background(),
		taskFor(map[string][]domain.Bar{"SPY": bars}, "buy-and-hold", day(2020, 1, 1), day(2020, 1, 10)))
	if err != nil {
		t.Fatalf("RunSingle: %v", err)
	}
	if len(store.saved) != 1 || store.saved[0].RunID != rows[0].RunID {
		t.Errorf("saved runs = %+v, want the returned run", store.saved)
	}
}

func TestRunSinglePropagatesStoreError(t *testing.T) {
	bars := trendBars("SPY", day(2020, 1, 1), 10, func(int) float64 { return 100 })
	store := &captureStore{err: errors.New("disk full")}
	e := NewEngine(DefaultRegistry(), store)

	_, err := e.RunSingle(context.Background(),
		taskFor(map[string][]domain.Bar{"SPY": bars}, "buy-and-hold", day(2020, 1, 1), day(2020, 1, 10)))
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("RunSingle returned %v, want wrapped store error", err)
	}
}

func TestMaxDrawdown(t *testing.T) {
	// 100 -> 120 -> 90 -> 110: worst decline is 30/120 = 0.25.
	got := maxDrawdown([]float64{100, 120, 90, 110})
	if got != 0.25 {
		t.Errorf("maxDrawdown = %v, want 0.25", got)
	}
}

func TestSharpeRatioFlatCurve(t *testing.T) {
	if got := sharpeRatio([]float64{100, 100, 100}); got != 0 {
		t.Errorf("sharpeRatio of flat curve = %v, want 0", got)
	}
	if got := sharpeRatio([]float64{100}); got != 0 {
		t.Errorf("sharpeRatio of single point = %v, want 0", got)
	}
}
