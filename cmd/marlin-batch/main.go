package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marlin/internal/backtest"
	"marlin/internal/batch"
	"marlin/internal/config"
	"marlin/internal/runstore"
	"marlin/internal/snapshot"
	"marlin/internal/util"
)

func main() {
	snapshotFlag := flag.String("snapshot", "", "snapshot id to backtest against (required)")
	strategiesFlag := flag.String("strategies", "", "comma-separated strategy names (required)")
	startsFlag := flag.String("starts", "", "comma-separated start dates YYYY-MM-DD")
	endsFlag := flag.String("ends", "", "comma-separated end dates YYYY-MM-DD")
	cashFlag := flag.String("cash", "", "comma-separated initial cash amounts")
	windowStep := flag.Duration("window-step", 0, "rolling window step (e.g. 720h)")
	windowSpan := flag.Duration("window-span", 0, "rolling window span (e.g. 2160h)")
	workers := flag.Int("workers", 0, "worker pool size (default: config)")
	noTrack := flag.Bool("no-track", false, "skip batch tracking; abort on first failure")
	retry := flag.Bool("retry", false, "retry retryable failures")
	list := flag.Bool("list", false, "list recorded batches and exit")
	flag.Parse()

	if !*list && (*snapshotFlag == "" || *strategiesFlag == "") {
		flag.Usage()
		os.Exit(2)
	}

	godotenv.Load()

	cfgPath := "config/marlin.yaml"
	if p := os.Getenv("MARLIN_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))

	if *list {
		listBatches(cfg.Storage.BatchDir)
		return
	}

	snapshots, err := snapshot.NewRegistry(cfg.Storage.SnapshotDir)
	if err != nil {
		log.Fatalf("opening snapshot registry: %v", err)
	}
	data, err := snapshots.LoadSnapshot(*snapshotFlag)
	if err != nil {
		log.Fatalf("loading snapshot %s: %v", *snapshotFlag, err)
	}

	batches, err := batch.NewRegistry(cfg.Storage.BatchDir)
	if err != nil {
		log.Fatalf("opening batch registry: %v", err)
	}
	runs, err := runstore.Open(cfg.Storage.RunsPath)
	if err != nil {
		log.Fatalf("opening run store: %v", err)
	}
	defer runs.Close()

	grid := batch.Grid{
		Data:       data,
		Strategies: strings.Split(*strategiesFlag, ","),
	}
	if grid.Starts, err = parseDates(*startsFlag); err != nil {
		log.Fatalf("invalid -starts: %v", err)
	}
	if grid.Ends, err = parseDates(*endsFlag); err != nil {
		log.Fatalf("invalid -ends: %v", err)
	}
	if grid.InitialCash, err = parseFloats(*cashFlag); err != nil {
		log.Fatalf("invalid -cash: %v", err)
	}
	if *windowStep > 0 {
		grid.WindowSteps = []time.Duration{*windowStep}
	}
	if *windowSpan > 0 {
		grid.WindowSpans = []time.Duration{*windowSpan}
	}

	poolSize := cfg.Batch.MaxWorkers
	if *workers > 0 {
		poolSize = *workers
	}
	opts := batch.Options{
		TrackBatch:       !*noTrack,
		RetryFailed:      *retry,
		MaxRetryAttempts: cfg.Batch.MaxRetryAttempts,
		RetryBackoff:     time.Duration(cfg.Batch.RetryBackoffSeconds * float64(time.Second)),
		Workers:          poolSize,
		Tags:             map[string]string{"snapshot": *snapshotFlag},
	}

	engine := backtest.NewEngine(backtest.DefaultRegistry(), runs)
	runner := batch.NewRunner(engine.RunSingle, batches, batch.NewMetrics())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rows, err := runner.Run(ctx, grid, opts)
	if err != nil {
		log.Fatalf("batch failed: %v", err)
	}

	fmt.Printf("%-40s %-14s %10s %10s %8s %8s\n",
		"RUN", "STRATEGY", "RETURN", "SHARPE", "MAXDD", "TRADES")
	for _, row := range rows {
		fmt.Printf("%-40s %-14s %9.2f%% %10.2f %7.2f%% %8d\n",
			row.RunID, row.Strategy,
			row.TotalReturn*100, row.SharpeRatio, row.MaxDrawdown*100, row.TotalTrades)
	}
}

func listBatches(batchDir string) {
	batches, err := batch.NewRegistry(batchDir)
	if err != nil {
		log.Fatalf("opening batch registry: %v", err)
	}
	runs, err := batches.ListBatches(batch.ListFilter{})
	if err != nil {
		log.Fatalf("listing batches: %v", err)
	}
	if len(runs) == 0 {
		fmt.Println("no batches")
		return
	}
	for _, run := range runs {
		fmt.Printf("%s  %-10s %4d items  %4d ok  %4d failed  %s\n",
			run.ID, run.Status, run.TotalItems, run.SucceededItems,
			run.FailedItems, run.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}

func parseDates(s string) ([]time.Time, error) {
	if s == "" {
		return nil, nil
	}
	var out []time.Time
	for _, part := range strings.Split(s, ",") {
		t, err := time.Parse("2006-01-02", strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func parseFloats(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	var out []float64
	for _, part := range strings.Split(s, ",") {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
