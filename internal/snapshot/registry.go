// Package snapshot implements a content-addressed, deduplicating store of
// market-data snapshots. A snapshot bundles one Parquet file per symbol plus
// a JSON metadata sidecar; its identifier is derived from a hash of the
// sorted symbol list and the table contents, so identical inputs always map
// to the same snapshot and re-creation is a no-op.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"marlin/internal/domain"
)

// ErrNotFound is returned when a snapshot id is unknown to the registry.
var ErrNotFound = errors.New("snapshot not found")

// ErrValidation is returned when snapshot inputs fail validation.
var ErrValidation = errors.New("snapshot validation failed")

// Metadata describes a stored snapshot. It is persisted verbatim as the JSON
// sidecar, so field names are part of the on-disk contract.
type Metadata struct {
	SnapshotID string           `json:"snapshot_id"`
	Symbols    []string         `json:"symbols"`
	StartDate  time.Time        `json:"start_date"`
	EndDate    time.Time        `json:"end_date"`
	CreatedAt  time.Time        `json:"created_at"`
	DataHash   string           `json:"data_hash"`
	FileSizes  map[string]int64 `json:"file_sizes"`
	TotalRows  int64            `json:"total_rows"`
}

// BarRecord is the Parquet schema for snapshot bar data.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

// Registry stores snapshots under a root directory:
//
//	<dir>/metadata/snap-<16-hex>.json
//	<dir>/data/snap-<16-hex>/<SYMBOL>.parquet
type Registry struct {
	mu  sync.Mutex
	dir string
	log *slog.Logger
}

// NewRegistry creates a Registry rooted at dir, creating the metadata and
// data subdirectories if needed.
func NewRegistry(dir string) (*Registry, error) {
	for _, sub := range []string{"metadata", "data"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating snapshot dir: %w", err)
		}
	}
	return &Registry{
		dir: dir,
		log: slog.Default().With("component", "snapshot-registry"),
	}, nil
}

// ---------------------------------------------------------------------------
// Write operations
// ---------------------------------------------------------------------------

// CreateSnapshot stores the given per-symbol bar tables as a new snapshot
// and returns its metadata. If a snapshot with the same content already
// exists, the existing metadata is returned and nothing is written.
func (r *Registry) CreateSnapshot(symbols []string, data map[string][]domain.Bar, start, end time.Time) (*Metadata, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: no symbols given", ErrValidation)
	}

	var missing []string
	for _, sym := range symbols {
		if _, ok := data[sym]; !ok {
			missing = append(missing, sym)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: data missing for symbols %s", ErrValidation, strings.Join(missing, ", "))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := ComputeSnapshotID(symbols, data)

	// Dedup: identical content maps to the same id; re-creation is free.
	if existing, err := r.readMetadata(id); err == nil {
		r.log.Debug("snapshot already exists", "snapshot_id", id)
		return existing, nil
	}

	sorted := sortedSymbols(symbols)
	dataDir := r.dataDir(id)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot data dir: %w", err)
	}

	fileSizes := make(map[string]int64, len(sorted))
	var totalRows int64
	for _, sym := range sorted {
		path := filepath.Join(dataDir, strings.ToUpper(sym)+".parquet")
		records := toRecords(data[sym])
		if err := writeParquetFile(path, records); err != nil {
			return nil, fmt.Errorf("writing snapshot data for %s: %w", sym, err)
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("sizing snapshot data for %s: %w", sym, err)
		}
		fileSizes[sym] = info.Size()
		totalRows += int64(len(records))
	}

	meta := &Metadata{
		SnapshotID: id,
		Symbols:    sorted,
		StartDate:  start,
		EndDate:    end,
		CreatedAt:  time.Now().UTC(),
		DataHash:   ComputeDataHash(symbols, data),
		FileSizes:  fileSizes,
		TotalRows:  totalRows,
	}

	if err := r.writeMetadata(meta); err != nil {
		return nil, err
	}

	r.log.Info("snapshot created",
		"snapshot_id", id,
		"symbols", len(sorted),
		"rows", totalRows,
	)
	return meta, nil
}

// DeleteSnapshot removes a snapshot's data files and metadata sidecar.
func (r *Registry) DeleteSnapshot(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.readMetadata(id); err != nil {
		return err
	}

	if err := os.RemoveAll(r.dataDir(id)); err != nil {
		return fmt.Errorf("removing snapshot data: %w", err)
	}
	if err := os.Remove(r.metadataPath(id)); err != nil {
		return fmt.Errorf("removing snapshot metadata: %w", err)
	}
	return nil
}

// CleanupOrphans deletes every snapshot whose id is not in the referenced
// set and returns the ids removed.
func (r *Registry) CleanupOrphans(referenced map[string]struct{}) ([]string, error) {
	metas, err := r.ListSnapshots(ListFilter{})
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, meta := range metas {
		if _, ok := referenced[meta.SnapshotID]; ok {
			continue
		}
		if err := r.DeleteSnapshot(meta.SnapshotID); err != nil {
			return removed, fmt.Errorf("deleting orphan %s: %w", meta.SnapshotID, err)
		}
		removed = append(removed, meta.SnapshotID)
	}

	if len(removed) > 0 {
		r.log.Info("orphan snapshots removed", "count", len(removed))
	}
	return removed, nil
}

// ---------------------------------------------------------------------------
// Read operations
// ---------------------------------------------------------------------------

// LoadSnapshot reads a snapshot's per-symbol bar tables from disk.
func (r *Registry) LoadSnapshot(id string) (map[string][]domain.Bar, error) {
	meta, err := r.GetMetadata(id)
	if err != nil {
		return nil, err
	}

	data := make(map[string][]domain.Bar, len(meta.Symbols))
	for _, sym := range meta.Symbols {
		path := filepath.Join(r.dataDir(id), strings.ToUpper(sym)+".parquet")
		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			return nil, fmt.Errorf("reading snapshot data for %s: %w", sym, err)
		}
		data[sym] = fromRecords(records)
	}
	return data, nil
}

// GetMetadata returns a snapshot's metadata without touching its data files.
func (r *Registry) GetMetadata(id string) (*Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readMetadata(id)
}

// ListFilter narrows ListSnapshots results. Zero values mean no filtering.
type ListFilter struct {
	// Symbols restricts results to snapshots containing all given symbols.
	Symbols []string
	// Since restricts results to snapshots created after the given time.
	Since time.Time
	// Limit caps the number of results; 0 means no cap.
	Limit int
}

// ListSnapshots returns snapshot metadata newest-first, optionally filtered.
// Malformed metadata files are skipped.
func (r *Registry) ListSnapshots(filter ListFilter) ([]*Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(r.dir, "metadata"))
	if err != nil {
		return nil, fmt.Errorf("listing snapshot metadata: %w", err)
	}

	var metas []*Metadata
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "snap-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		meta, err := r.readMetadata(strings.TrimSuffix(name, ".json"))
		if err != nil {
			r.log.Warn("skipping malformed snapshot metadata", "file", name, "error", err)
			continue
		}
		if !filter.Since.IsZero() && !meta.CreatedAt.After(filter.Since) {
			continue
		}
		if !containsAll(meta.Symbols, filter.Symbols) {
			continue
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})

	if filter.Limit > 0 && len(metas) > filter.Limit {
		metas = metas[:filter.Limit]
	}
	return metas, nil
}

// SnapshotExists reports whether a snapshot with the given id is stored.
func (r *Registry) SnapshotExists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := os.Stat(r.metadataPath(id))
	return err == nil
}

// Count returns the number of stored snapshots.
func (r *Registry) Count() (int, error) {
	metas, err := r.ListSnapshots(ListFilter{})
	if err != nil {
		return 0, err
	}
	return len(metas), nil
}

// ---------------------------------------------------------------------------
// Persistence helpers
// ---------------------------------------------------------------------------

func (r *Registry) metadataPath(id string) string {
	return filepath.Join(r.dir, "metadata", id+".json")
}

func (r *Registry) dataDir(id string) string {
	return filepath.Join(r.dir, "data", id)
}

func (r *Registry) readMetadata(id string) (*Metadata, error) {
	data, err := os.ReadFile(r.metadataPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("reading snapshot metadata: %w", err)
	}

	meta := &Metadata{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("parsing snapshot metadata %s: %w", id, err)
	}
	if meta.SnapshotID == "" {
		return nil, fmt.Errorf("parsing snapshot metadata %s: missing snapshot_id", id)
	}
	return meta, nil
}

// writeMetadata persists the metadata sidecar via a temp file and rename.
func (r *Registry) writeMetadata(meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot metadata: %w", err)
	}

	path := r.metadataPath(meta.SnapshotID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming snapshot metadata: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Parquet helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records, parquet.Compression(&parquet.Snappy))
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func toRecords(bars []domain.Bar) []BarRecord {
	records := make([]BarRecord, len(bars))
	for i, b := range bars {
		records[i] = BarRecord{
			Symbol:     b.Symbol,
			Timestamp:  b.Timestamp.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		}
	}
	return records
}

func fromRecords(records []BarRecord) []domain.Bar {
	bars := make([]domain.Bar, len(records))
	for i, r := range records {
		bars[i] = domain.Bar{
			Symbol:     r.Symbol,
			Timestamp:  time.UnixMilli(r.Timestamp).UTC(),
			Open:       r.Open,
			High:       r.High,
			Low:        r.Low,
			Close:      r.Close,
			Volume:     r.Volume,
			TradeCount: r.TradeCount,
			VWAP:       r.VWAP,
		}
	}
	return bars
}

// containsAll reports whether haystack contains every needle.
func containsAll(haystack, needles []string) bool {
	if len(needles) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(haystack))
	for _, s := range haystack {
		set[s] = struct{}{}
	}
	for _, n := range needles {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}
