package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"marlin/internal/batch"
	"marlin/internal/config"
	"marlin/internal/snapshot"
	"marlin/internal/util"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: marlin-snapshot <command> [id]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  list           List registered snapshots\n")
		fmt.Fprintf(os.Stderr, "  show <id>      Show snapshot metadata\n")
		fmt.Fprintf(os.Stderr, "  delete <id>    Delete a snapshot and its data\n")
		fmt.Fprintf(os.Stderr, "  cleanup        Delete snapshots no recorded batch references\n")
		fmt.Fprintf(os.Stderr, "\n")
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfgPath := "config/marlin.yaml"
	if p := os.Getenv("MARLIN_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))

	registry, err := snapshot.NewRegistry(cfg.Storage.SnapshotDir)
	if err != nil {
		log.Fatalf("opening snapshot registry: %v", err)
	}

	switch flag.Arg(0) {
	case "list":
		metas, err := registry.ListSnapshots(snapshot.ListFilter{})
		if err != nil {
			log.Fatalf("listing snapshots: %v", err)
		}
		if len(metas) == 0 {
			fmt.Println("no snapshots")
			return
		}
		for _, m := range metas {
			fmt.Printf("%s  %s..%s  %d symbols  %d rows\n",
				m.SnapshotID,
				m.StartDate.Format("2006-01-02"), m.EndDate.Format("2006-01-02"),
				len(m.Symbols), m.TotalRows)
		}

	case "show":
		id := requireID()
		m, err := registry.GetMetadata(id)
		if err != nil {
			log.Fatalf("reading snapshot: %v", err)
		}
		fmt.Printf("snapshot:   %s\n", m.SnapshotID)
		fmt.Printf("symbols:    %v\n", m.Symbols)
		fmt.Printf("window:     %s .. %s\n",
			m.StartDate.Format("2006-01-02"), m.EndDate.Format("2006-01-02"))
		fmt.Printf("rows:       %d\n", m.TotalRows)
		fmt.Printf("data hash:  %s\n", m.DataHash)
		fmt.Printf("created:    %s\n", m.CreatedAt.Format("2006-01-02 15:04:05"))

	case "delete":
		id := requireID()
		if err := registry.DeleteSnapshot(id); err != nil {
			log.Fatalf("deleting snapshot: %v", err)
		}
		fmt.Printf("deleted %s\n", id)

	case "cleanup":
		referenced, err := referencedSnapshots(cfg.Storage.BatchDir)
		if err != nil {
			log.Fatalf("collecting referenced snapshots: %v", err)
		}
		removed, err := registry.CleanupOrphans(referenced)
		if err != nil {
			log.Fatalf("cleaning up snapshots: %v", err)
		}
		if len(removed) == 0 {
			fmt.Println("nothing to clean up")
			return
		}
		for _, id := range removed {
			fmt.Printf("removed %s\n", id)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", flag.Arg(0))
		flag.Usage()
		os.Exit(2)
	}
}

// referencedSnapshots collects the snapshot ids tagged on recorded batches.
func referencedSnapshots(batchDir string) (map[string]struct{}, error) {
	batches, err := batch.NewRegistry(batchDir)
	if err != nil {
		return nil, err
	}
	runs, err := batches.ListBatches(batch.ListFilter{})
	if err != nil {
		return nil, err
	}

	referenced := make(map[string]struct{})
	for _, run := range runs {
		tags, ok := run.Configuration["tags"].(map[string]any)
		if !ok {
			continue
		}
		if id, ok := tags["snapshot"].(string); ok && id != "" {
			referenced[id] = struct{}{}
		}
	}
	return referenced, nil
}

func requireID() string {
	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}
	return flag.Arg(1)
}
