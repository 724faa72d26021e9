package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"marlin/internal/domain"
)

// ComputeSnapshotID derives the content-addressed snapshot identifier for
// the given symbol set and per-symbol bar tables. The digest covers the
// JSON-serialized sorted symbol list followed by each symbol's content hash
// in sorted order, so the result is independent of the order in which
// symbols are supplied but sensitive to every value in every table.
func ComputeSnapshotID(symbols []string, data map[string][]domain.Bar) string {
	sorted := sortedSymbols(symbols)

	h := sha256.New()
	names, _ := json.Marshal(sorted)
	h.Write(names)
	for _, sym := range sorted {
		h.Write([]byte(hashBars(data[sym])))
	}

	return "snap-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// ComputeDataHash derives the content-only integrity hash: symbol name plus
// per-symbol content hash, in sorted order, with no symbol-list prefix. It
// is independent of ComputeSnapshotID and used purely for verification.
func ComputeDataHash(symbols []string, data map[string][]domain.Bar) string {
	sorted := sortedSymbols(symbols)

	h := sha256.New()
	for _, sym := range sorted {
		h.Write([]byte(sym))
		h.Write([]byte(hashBars(data[sym])))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// hashBars computes a row-and-index-aware hash of one symbol's bar table.
// Row position and timestamp are both part of the digest, so reordering or
// reindexing rows changes the hash even when the values themselves do not.
func hashBars(bars []domain.Bar) string {
	h := sha256.New()
	for i, b := range bars {
		fmt.Fprintf(h, "%d|%d|%s|%s|%s|%s|%s|%d|%d|%s\n",
			i,
			b.Timestamp.UnixMilli(),
			fl(b.Open),
			fl(b.High),
			fl(b.Low),
			fl(b.Close),
			b.Symbol,
			b.Volume,
			b.TradeCount,
			fl(b.VWAP),
		)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// fl formats a float deterministically for hashing.
func fl(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func sortedSymbols(symbols []string) []string {
	sorted := make([]string, len(symbols))
	copy(sorted, symbols)
	sort.Strings(sorted)
	return sorted
}
