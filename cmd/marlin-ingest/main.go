package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marlin/internal/config"
	"marlin/internal/ingest"
	"marlin/internal/snapshot"
	"marlin/internal/util"
)

func main() {
	symbolsFlag := flag.String("symbols", "", "comma-separated symbols to fetch (required)")
	startFlag := flag.String("start", "", "start date YYYY-MM-DD (required)")
	endFlag := flag.String("end", "", "end date YYYY-MM-DD (required)")
	flag.Parse()

	if *symbolsFlag == "" || *startFlag == "" || *endFlag == "" {
		flag.Usage()
		os.Exit(2)
	}

	// Optional .env for Alpaca credentials.
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

	start, err := time.Parse("2006-01-02", *startFlag)
	if err != nil {
		log.Fatalf("invalid start date %q: %v", *startFlag, err)
	}
	end, err := time.Parse("2006-01-02", *endFlag)
	if err != nil {
		log.Fatalf("invalid end date %q: %v", *endFlag, err)
	}
	symbols := strings.Split(*symbolsFlag, ",")

	registry, err := snapshot.NewRegistry(cfg.Storage.SnapshotDir)
	if err != nil {
		log.Fatalf("opening snapshot registry: %v", err)
	}

	gatherer := ingest.NewSnapshotGatherer(
		cfg.Alpaca.APIKey,
		cfg.Alpaca.APISecret,
		cfg.Alpaca.DataURL,
		registry,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	meta, err := gatherer.Gather(ctx, symbols, start, end)
	if err != nil {
		log.Fatalf("ingest failed: %v", err)
	}

	fmt.Printf("snapshot %s (%d symbols, %d rows)\n", meta.SnapshotID, len(meta.Symbols), meta.TotalRows)
}
