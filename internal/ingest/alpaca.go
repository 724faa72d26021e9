// Package ingest fetches historical market data from the Alpaca API and
// freezes it into content-addressed snapshots for reproducible backtests.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"marlin/internal/domain"
	"marlin/internal/snapshot"
	"marlin/internal/util"
)

// barFetcher abstracts the Alpaca multi-bar endpoint for testing.
type barFetcher interface {
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
}

// SnapshotGatherer fetches daily bars for a set of symbols via the Alpaca
// market-data API and registers the result as an immutable snapshot.
type SnapshotGatherer struct {
	client      barFetcher
	registry    *snapshot.Registry
	maxAttempts int
	retryDelay  time.Duration
	log         *slog.Logger
}

// NewSnapshotGatherer creates a SnapshotGatherer configured with the given
// Alpaca credentials and target snapshot registry.
func NewSnapshotGatherer(apiKey, apiSecret, dataURL string, registry *snapshot.Registry) *SnapshotGatherer {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}

	return &SnapshotGatherer{
		client:      marketdata.NewClient(opts),
		registry:    registry,
		maxAttempts: 3,
		retryDelay:  2 * time.Second,
		log:         slog.Default().With("component", "ingest"),
	}
}

// Gather fetches daily bars for the given symbols over [start, end] and
// creates a snapshot from them. Symbols the API returns no bars for surface
// as a snapshot validation error naming them.
func (g *SnapshotGatherer) Gather(ctx context.Context, symbols []string, start, end time.Time) (*snapshot.Metadata, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols requested")
	}

	normalized := make([]string, len(symbols))
	for i, sym := range symbols {
		normalized[i] = strings.ToUpper(strings.TrimSpace(sym))
	}

	g.log.Info("fetching bars",
		"symbols", normalized,
		"start", start.Format("2006-01-02"),
		"end", end.Format("2006-01-02"),
	)

	data, err := g.fetchMultiBars(ctx, normalized, start, end)
	if err != nil {
		return nil, err
	}

	meta, err := g.registry.CreateSnapshot(normalized, data, start, end)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot: %w", err)
	}

	g.log.Info("snapshot ready",
		"snapshot_id", meta.SnapshotID,
		"symbols", len(meta.Symbols),
		"rows", meta.TotalRows,
	)
	return meta, nil
}

// fetchMultiBars fetches daily bars for multiple symbols in a single API
// call, retrying transient failures.
func (g *SnapshotGatherer) fetchMultiBars(ctx context.Context, symbols []string, start, end time.Time) (map[string][]domain.Bar, error) {
	var multiBars map[string][]marketdata.Bar
	err := util.Retry(ctx, g.maxAttempts, g.retryDelay, func() error {
		var err error
		multiBars, err = g.client.GetMultiBars(symbols, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneDay,
			Start:     start,
			End:       end,
			Feed:      "sip",
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}

	data := make(map[string][]domain.Bar, len(multiBars))
	for symbol, alpacaBars := range multiBars {
		sym := strings.ToUpper(symbol)
		bars := make([]domain.Bar, 0, len(alpacaBars))
		for _, ab := range alpacaBars {
			bars = append(bars, domain.Bar{
				Symbol:     sym,
				Timestamp:  ab.Timestamp,
				Open:       ab.Open,
				High:       ab.High,
				Low:        ab.Low,
				Close:      ab.Close,
				Volume:     int64(ab.Volume),
				TradeCount: int64(ab.TradeCount),
				VWAP:       ab.VWAP,
			})
		}
		data[sym] = bars
	}
	return data, nil
}
