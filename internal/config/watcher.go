package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

// Watcher detects changes to the app document by content hash and swaps
// in a new Snapshot atomically. Readers always see a complete snapshot.
type Watcher struct {
	path    string
	current atomic.Pointer[Snapshot]
	logger  *slog.Logger

	// rejected is the hash of the last document that failed to load, so a
	// broken file is reported once rather than every cycle. Check only.
	rejected string
}

// NewWatcher starts watching path from an already loaded snapshot.
func NewWatcher(path string, initial *Snapshot, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{path: path, logger: logger}
	w.current.Store(initial)
	return w
}

// Current returns the active snapshot.
func (w *Watcher) Current() *Snapshot {
	return w.current.Load()
}

// Path returns the watched document path.
func (w *Watcher) Path() string {
	return w.path
}

// Check re-hashes the document. When the hash differs it parses the new
// content and swaps it in, returning true. A document that fails to read or
// validate leaves the previous snapshot active and returns the error once.
// Check must not be called concurrently.
func (w *Watcher) Check() (bool, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", w.path, err)
	}

	old := w.current.Load()
	hash := HashBytes(data)
	if (old != nil && old.Hash == hash) || hash == w.rejected {
		return false, nil
	}

	next, err := ParseSnapshot(data, w.path)
	if err != nil {
		w.rejected = hash
		return false, fmt.Errorf("reload %s: %w", w.path, err)
	}
	w.rejected = ""
	w.current.Store(next)

	oldHash := ""
	if old != nil {
		oldHash = old.Hash
	}
	w.logger.Info("Configuration reloaded",
		"path", w.path,
		"old_hash", shortHash(oldHash),
		"new_hash", shortHash(hash),
		"entities", len(next.App.Entities))
	return true, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
