package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"marlin/internal/snapshot"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFetcher returns canned bars, optionally failing the first few calls.
type fakeFetcher struct {
	bars      map[string][]marketdata.Bar
	failCalls int
	calls     int
}

func (f *fakeFetcher) GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error) {
	f.calls++
	if f.calls <= f.failCalls {
		return nil, errors.New("connection reset by peer")
	}
	out := make(map[string][]marketdata.Bar)
	for _, sym := range symbols {
		if bars, ok := f.bars[sym]; ok {
			out[sym] = bars
		}
	}
	return out, nil
}

func fakeBars(n int) []marketdata.Bar {
	bars := make([]marketdata.Bar, n)
	ts := time.Date(2020, 1, 1, 5, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = marketdata.Bar{
			Timestamp:  ts.AddDate(0, 0, i),
			Open:       100,
			High:       101,
			Low:        99,
			Close:      100.5,
			Volume:     10_000,
			TradeCount: 42,
			VWAP:       100.2,
		}
	}
	return bars
}

func newTestGatherer(t *testing.T, fetcher barFetcher) *SnapshotGatherer {
	t.Helper()
	registry, err := snapshot.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return &SnapshotGatherer{
		client:      fetcher,
		registry:    registry,
		maxAttempts: 3,
		retryDelay:  time.Millisecond,
		log:         discardLogger(),
	}
}

func TestGatherCreatesSnapshot(t *testing.T) {
	fetcher := &fakeFetcher{bars: map[string][]marketdata.Bar{
		"SPY":  fakeBars(5),
		"AAPL": fakeBars(5),
	}}
	g := newTestGatherer(t, fetcher)

	meta, err := g.Gather(context.Background(), []string{"spy", " aapl "},
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if !strings.HasPrefix(meta.SnapshotID, "snap-") {
		t.Errorf("snapshot id %q missing snap- prefix", meta.SnapshotID)
	}
	if meta.TotalRows != 10 {
		t.Errorf("total rows = %d, want 10", meta.TotalRows)
	}
	if len(meta.Symbols) != 2 {
		t.Errorf("symbols = %v, want normalized [SPY AAPL]", meta.Symbols)
	}
	if !g.registry.SnapshotExists(meta.SnapshotID) {
		t.Error("snapshot not registered")
	}
}

func TestGatherRetriesTransientFailures(t *testing.T) {
	fetcher := &fakeFetcher{
		bars:      map[string][]marketdata.Bar{"SPY": fakeBars(3)},
		failCalls: 2,
	}
	g := newTestGatherer(t, fetcher)

	_, err := g.Gather(context.Background(), []string{"SPY"},
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if fetcher.calls != 3 {
		t.Errorf("fetcher called %d times, want 3 (two failures then success)", fetcher.calls)
	}
}

func TestGatherExhaustsRetries(t *testing.T) {
	fetcher := &fakeFetcher{failCalls: 10}
	g := newTestGatherer(t, fetcher)

	_, err := g.Gather(context.Background(), []string{"SPY"},
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC))
	if err == nil {
		t.Fatal("Gather succeeded, want exhausted retries")
	}
	if fetcher.calls != 3 {
		t.Errorf("fetcher called %d times, want maxAttempts (3)", fetcher.calls)
	}
}

func TestGatherMissingSymbol(t *testing.T) {
	fetcher := &fakeFetcher{bars: map[string][]marketdata.Bar{"SPY": fakeBars(3)}}
	g := newTestGatherer(t, fetcher)

	_, err := g.Gather(context.Background(), []string{"SPY", "NOSUCH"},
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, snapshot.ErrValidation) {
		t.Errorf("Gather returned %v, want snapshot.ErrValidation", err)
	}
	if err == nil || !strings.Contains(err.Error(), "NOSUCH") {
		t.Errorf("error %v does not name the missing symbol", err)
	}
}

func TestGatherNoSymbols(t *testing.T) {
	g := newTestGatherer(t, &fakeFetcher{})
	if _, err := g.Gather(context.Background(), nil, time.Time{}, time.Time{}); err == nil {
		t.Error("Gather with no symbols succeeded")
	}
}
