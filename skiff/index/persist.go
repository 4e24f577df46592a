package index

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/skiffcore/skiff/skiff/entry"
)

// cacheVersion tags the persisted snapshot format. Records carrying any
// other version are treated as cache misses, never as startup errors.
const cacheVersion = 1

// cacheRecord is the serialized form of one root's snapshot.
type cacheRecord struct {
	Version    int           `json:"version"`
	Root       string        `json:"root"`
	Generation uint64        `json:"generation"`
	SavedAt    time.Time     `json:"saved_at"`
	Entries    []entry.Entry `json:"entries"`
}

// Persist atomically serializes the current snapshot for root. The record
// is written to a temporary file and renamed into place so a crash
// mid-write never corrupts the previous cache.
func (s *Store) Persist(root string) error {
	v, err := s.View(root)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.opts.CacheDir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	record := cacheRecord{
		Version:    cacheVersion,
		Root:       v.Root,
		Generation: v.Generation,
		SavedAt:    time.Now(),
		Entries:    v.Entries,
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	target := s.cachePath(v.Root)
	tmp, err := os.CreateTemp(s.opts.CacheDir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace cache file: %w", err)
	}

	slog.Debug("Snapshot persisted", "root", v.Root, "generation", v.Generation, "entries", len(v.Entries))
	return nil
}

// loadCache attempts to deserialize the persisted snapshot for root.
// Absence, corruption, and version mismatch all report a miss.
func (s *Store) loadCache(root string) ([]entry.Entry, uint64, bool) {
	data, err := os.ReadFile(s.cachePath(root))
	if err != nil {
		return nil, 0, false
	}

	var record cacheRecord
	if err := json.Unmarshal(data, &record); err != nil {
		slog.Warn("Cache deserialization failed, treating as miss", "root", root, "error", err)
		return nil, 0, false
	}
	if record.Version != cacheVersion || record.Root != root {
		slog.Info("Cache version or root mismatch, treating as miss",
			"root", root, "cache_version", record.Version)
		return nil, 0, false
	}

	slog.Info("Snapshot loaded from cache",
		"root", root, "generation", record.Generation, "entries", len(record.Entries))
	return record.Entries, record.Generation, true
}

// cachePath names the cache file for root inside the cache directory.
func (s *Store) cachePath(root string) string {
	sum := blake3.Sum256([]byte(root))
	return filepath.Join(s.opts.CacheDir, hex.EncodeToString(sum[:8])+".json")
}
