package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"marlin/internal/batch"
	"marlin/internal/domain"
)

// tradingDaysPerYear annualizes the Sharpe ratio of daily returns.
const tradingDaysPerYear = 252

// RunStore persists completed backtest runs.
type RunStore interface {
	SaveRun(ctx context.Context, run domain.BacktestSummary) error
}

// Engine replays historical bars through a strategy and computes performance
// metrics. Its RunSingle method satisfies batch.TaskFunc, so an Engine can be
// plugged directly into a batch Runner.
type Engine struct {
	registry *Registry
	store    RunStore
	log      *slog.Logger
}

// NewEngine creates an Engine that looks up strategies in registry and
// persists each completed run to store. store may be nil, in which case runs
// are returned but not persisted.
func NewEngine(registry *Registry, store RunStore) *Engine {
	return &Engine{
		registry: registry,
		store:    store,
		log:      slog.Default().With("component", "backtest-engine"),
	}
}

var _ batch.TaskFunc = (*Engine)(nil).RunSingle

// RunSingle executes one backtest: the task's strategy over every supplied
// symbol within the task's date window. Cash is split equally across symbols
// and each symbol is traded independently; the returned row aggregates their
// combined equity curve.
func (e *Engine) RunSingle(ctx context.Context, task batch.Task) ([]domain.BacktestSummary, error) {
	if task.InitialCash <= 0 {
		return nil, domain.NewInputError("initial cash must be > 0, got %v", task.InitialCash)
	}
	if _, ok := e.registry.New(task.Strategy); !ok {
		return nil, domain.NewInputError("unknown strategy %q (registered: %v)", task.Strategy, e.registry.List())
	}

	symbols := make([]string, 0, len(task.Data))
	for sym := range task.Data {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	perSymbolCash := task.InitialCash / float64(len(symbols))

	var (
		curves      [][]float64
		totalTrades int
		totalWins   int
	)
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		bars := windowBars(task.Data[sym], task.Start, task.End)
		if len(bars) == 0 {
			return nil, domain.NewLookupError(
				"insufficient data: no bars for %s between %s and %s",
				sym, task.Start.Format("2006-01-02"), task.End.Format("2006-01-02"))
		}

		strat, _ := e.registry.New(task.Strategy)
		curve, trades, wins := simulate(strat, bars, perSymbolCash)
		curves = append(curves, curve)
		totalTrades += trades
		totalWins += wins
	}

	equity := combineCurves(curves, task.InitialCash)
	finalEquity := equity[len(equity)-1]

	winRate := 0.0
	if totalTrades > 0 {
		winRate = float64(totalWins) / float64(totalTrades)
	}

	run := domain.BacktestSummary{
		RunID:       "run-" + uuid.NewString(),
		Strategy:    task.Strategy,
		Symbols:     symbols,
		Start:       task.Start,
		End:         task.End,
		InitialCash: task.InitialCash,
		FinalEquity: finalEquity,
		TotalReturn: finalEquity/task.InitialCash - 1,
		SharpeRatio: sharpeRatio(equity),
		MaxDrawdown: maxDrawdown(equity),
		TotalTrades: totalTrades,
		WinRate:     winRate,
		CreatedAt:   time.Now().UTC(),
	}

	if e.store != nil {
		if err := e.store.SaveRun(ctx, run); err != nil {
			return nil, fmt.Errorf("saving run %s: %w", run.RunID, err)
		}
	}

	e.log.Debug("backtest completed",
		"run_id", run.RunID,
		"strategy", run.Strategy,
		"symbols", run.Symbols,
		"total_return", run.TotalReturn,
	)
	return []domain.BacktestSummary{run}, nil
}

// windowBars returns the bars whose timestamps fall within [start, end]. The
// input is assumed sorted by timestamp.
func windowBars(bars []domain.Bar, start, end time.Time) []domain.Bar {
	lo := sort.Search(len(bars), func(i int) bool {
		return !bars[i].Timestamp.Before(start)
	})
	hi := sort.Search(len(bars), func(i int) bool {
		return bars[i].Timestamp.After(end)
	})
	if lo >= hi {
		return nil
	}
	return bars[lo:hi]
}

// simulate replays bars through the strategy with an all-in position policy:
// a buy converts all cash to shares at the bar close, a sell liquidates. It
// returns the per-bar equity curve, the number of closed round trips, and
// how many of them were profitable. An open position at the final bar is
// marked to market and counted as a round trip.
func simulate(strat Strategy, bars []domain.Bar, cash float64) ([]float64, int, int) {
	var (
		shares    float64
		costBasis float64
		trades    int
		wins      int
	)

	curve := make([]float64, len(bars))
	for i, bar := range bars {
		switch strat.OnBar(bar) {
		case SignalBuy:
			if shares == 0 && bar.Close > 0 {
				shares = cash / bar.Close
				costBasis = cash
				cash = 0
			}
		case SignalSell:
			if shares > 0 {
				cash = shares * bar.Close
				shares = 0
				trades++
				if cash > costBasis {
					wins++
				}
			}
		}
		curve[i] = cash + shares*bar.Close
	}

	if shares > 0 {
		final := shares * bars[len(bars)-1].Close
		trades++
		if final > costBasis {
			wins++
		}
	}
	return curve, trades, wins
}

// combineCurves sums per-symbol equity curves into one portfolio curve.
// Curves may have different lengths when symbols trade on different
// calendars; shorter curves hold their last value. The returned curve always
// has at least one point and starts from initialCash when empty.
func combineCurves(curves [][]float64, initialCash float64) []float64 {
	maxLen := 0
	for _, c := range curves {
		if len(c) > maxLen {
			maxLen = len(c)
		}
	}
	if maxLen == 0 {
		return []float64{initialCash}
	}

	combined := make([]float64, maxLen)
	for _, c := range curves {
		for i := 0; i < maxLen; i++ {
			v := c[len(c)-1]
			if i < len(c) {
				v = c[i]
			}
			combined[i] += v
		}
	}
	return combined
}

// sharpeRatio computes the annualized Sharpe ratio of the equity curve's
// daily returns, with a zero risk-free rate. Flat curves yield zero.
func sharpeRatio(equity []float64) float64 {
	if len(equity) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			return 0
		}
		returns = append(returns, equity[i]/equity[i-1]-1)
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance) * math.Sqrt(tradingDaysPerYear)
}

// maxDrawdown returns the largest peak-to-trough decline of the equity curve
// as a positive fraction.
func maxDrawdown(equity []float64) float64 {
	peak := math.Inf(-1)
	maxDD := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}
