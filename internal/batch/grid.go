package batch

import (
	"fmt"
	"sort"
	"time"

	"marlin/internal/domain"
)

// Task is one parameter combination within a batch: a single backtest
// execution over the aligned price histories.
type Task struct {
	ItemID      int
	Data        map[string][]domain.Bar
	Strategy    string
	Start       time.Time
	End         time.Time
	InitialCash float64
}

// Grid describes the parameter lists whose cartesian product forms a batch.
// Data is shared by every task; Strategies, Starts, Ends, and InitialCash
// are the grid dimensions. Starts and Ends default to the common window of
// the supplied histories, InitialCash to a single default amount.
type Grid struct {
	Data        map[string][]domain.Bar
	Strategies  []string
	Starts      []time.Time
	Ends        []time.Time
	InitialCash []float64

	// WindowSteps and WindowSpans together expand Starts into a sequence of
	// rolling-window start dates. Each holds at most one value, and they
	// must be supplied together.
	WindowSteps []time.Duration
	WindowSpans []time.Duration
}

// defaultInitialCash is used when no cash amounts are supplied.
const defaultInitialCash = 100_000

// expandGrid validates the grid, aligns every price history to the common
// date window, expands rolling-window starts if requested, and returns the
// cartesian product of the parameter lists as numbered tasks.
func expandGrid(grid Grid) ([]Task, error) {
	if len(grid.Data) == 0 {
		return nil, fmt.Errorf("%w: no price histories supplied", ErrValidation)
	}
	for sym, bars := range grid.Data {
		if len(bars) == 0 {
			return nil, fmt.Errorf("%w: empty price history for %s", ErrValidation, sym)
		}
	}
	if len(grid.Strategies) == 0 {
		return nil, fmt.Errorf("%w: no strategies supplied", ErrValidation)
	}
	if len(grid.WindowSteps) > 1 || len(grid.WindowSpans) > 1 {
		return nil, fmt.Errorf("%w: window step and duration accept exactly one value each", ErrValidation)
	}
	if (len(grid.WindowSteps) == 1) != (len(grid.WindowSpans) == 1) {
		return nil, fmt.Errorf("%w: window step and duration must be supplied together", ErrValidation)
	}

	aligned, commonStart, commonEnd, err := alignHistories(grid.Data)
	if err != nil {
		return nil, err
	}

	starts := grid.Starts
	ends := grid.Ends

	if len(grid.WindowSteps) == 1 {
		starts, err = rollingStarts(commonStart, commonEnd, grid.WindowSteps[0], grid.WindowSpans[0])
		if err != nil {
			return nil, err
		}
	}

	// Normalize: absent lists collapse to a single default value, so the
	// product below can treat every dimension uniformly.
	if len(starts) == 0 {
		starts = []time.Time{commonStart}
	}
	if len(ends) == 0 {
		ends = []time.Time{commonEnd}
	}
	cash := grid.InitialCash
	if len(cash) == 0 {
		cash = []float64{defaultInitialCash}
	}

	var tasks []Task
	for _, strat := range grid.Strategies {
		for _, start := range starts {
			for _, end := range ends {
				for _, c := range cash {
					tasks = append(tasks, Task{
						ItemID:      len(tasks),
						Data:        aligned,
						Strategy:    strat,
						Start:       clampTime(start, commonStart, commonEnd),
						End:         clampTime(end, commonStart, commonEnd),
						InitialCash: c,
					})
				}
			}
		}
	}
	return tasks, nil
}

// alignHistories sorts each history by timestamp and truncates all of them
// to the latest common start and earliest common end, so every task in the
// grid operates on a consistent, non-ragged date range.
func alignHistories(data map[string][]domain.Bar) (map[string][]domain.Bar, time.Time, time.Time, error) {
	var commonStart, commonEnd time.Time

	sorted := make(map[string][]domain.Bar, len(data))
	for sym, bars := range data {
		s := make([]domain.Bar, len(bars))
		copy(s, bars)
		sort.Slice(s, func(i, j int) bool { return s[i].Timestamp.Before(s[j].Timestamp) })
		sorted[sym] = s

		first := s[0].Timestamp
		last := s[len(s)-1].Timestamp
		if commonStart.IsZero() || first.After(commonStart) {
			commonStart = first
		}
		if commonEnd.IsZero() || last.Before(commonEnd) {
			commonEnd = last
		}
	}

	if commonStart.After(commonEnd) {
		return nil, time.Time{}, time.Time{}, fmt.Errorf(
			"%w: price histories share no overlapping date range", ErrValidation)
	}

	aligned := make(map[string][]domain.Bar, len(sorted))
	for sym, bars := range sorted {
		lo := sort.Search(len(bars), func(i int) bool {
			return !bars[i].Timestamp.Before(commonStart)
		})
		hi := sort.Search(len(bars), func(i int) bool {
			return bars[i].Timestamp.After(commonEnd)
		})
		aligned[sym] = bars[lo:hi]
	}
	return aligned, commonStart, commonEnd, nil
}

// rollingStarts generates successive window start dates from commonStart to
// commonEnd minus the window span, stepping by the given increment.
func rollingStarts(commonStart, commonEnd time.Time, step, span time.Duration) ([]time.Time, error) {
	if step <= 0 || span <= 0 {
		return nil, fmt.Errorf("%w: window step and duration must be positive", ErrValidation)
	}

	var starts []time.Time
	for s := commonStart; !s.Add(span).After(commonEnd); s = s.Add(step) {
		starts = append(starts, s)
	}
	if len(starts) == 0 {
		return nil, fmt.Errorf(
			"%w: window duration %s exceeds the available date range", ErrValidation, span)
	}
	return starts, nil
}

func clampTime(t, lo, hi time.Time) time.Time {
	if t.Before(lo) {
		return lo
	}
	if t.After(hi) {
		return hi
	}
	return t
}
