// Package cache manages the durable on-disk artifact cache used by
// bulk-download runs. Downloaded media lands here before processing begins
// and is removed in a single cleanup pass once the whole set has been
// processed. Thread-safe for concurrent access.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Suffixes of in-flight download leftovers that a cleanup pass removes.
var partialSuffixes = []string{".part", ".tmp", ".download"}

// ErrEmptyItemID is returned when an artifact operation gets a blank ID.
var ErrEmptyItemID = errors.New("item id cannot be empty")

// Store is a directory of downloaded artifacts keyed by work item ID.
type Store struct {
	// directory is the artifact cache root.
	directory string

	// mu protects concurrent file operations.
	mu sync.RWMutex
}

// NewStore creates an artifact store, creating its directory if needed.
func NewStore(directory string) (*Store, error) {
	if strings.TrimSpace(directory) == "" {
		return nil, errors.New("cache directory cannot be empty")
	}
	if err := os.MkdirAll(directory, 0o750); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &Store{directory: directory}, nil
}

// Directory returns the cache root path.
func (s *Store) Directory() string {
	return s.directory
}

// PathFor returns the destination path for an item's artifact. The item ID
// is sanitized for filesystem safety; the downloader appends its own
// extension to the returned base path.
func (s *Store) PathFor(itemID string) (string, error) {
	if itemID == "" {
		return "", ErrEmptyItemID
	}
	return filepath.Join(s.directory, sanitizeID(itemID)), nil
}

// Lookup returns the artifact path for an item if one exists on disk.
// The second return value reports whether an artifact was found.
func (s *Store) Lookup(itemID string) (string, bool) {
	if itemID == "" {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.directory, sanitizeID(itemID)+"*"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	for _, m := range matches {
		if isPartial(m) {
			continue
		}
		return m, true
	}
	return "", false
}

// Remove deletes an item's artifact and any partial leftovers for it.
// Removing a missing artifact is not an error.
func (s *Store) Remove(itemID string) error {
	if itemID == "" {
		return ErrEmptyItemID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.directory, sanitizeID(itemID)+"*"))
	if err != nil {
		return fmt.Errorf("glob cache entries for %s: %w", itemID, err)
	}
	for _, m := range matches {
		if removeErr := os.Remove(m); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove cache entry %s: %w", m, removeErr)
		}
	}
	return nil
}

// CleanupPartials removes leftover partial-download files from the cache.
// Used after a cancelled or crashed run so half-written artifacts are never
// mistaken for complete downloads.
func (s *Store) CleanupPartials() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return 0, fmt.Errorf("read cache directory: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !isPartial(entry.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(s.directory, entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Size returns the total bytes held in the cache.
func (s *Store) Size() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return 0, fmt.Errorf("read cache directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// Count returns the number of complete artifacts in the cache.
func (s *Store) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return 0, fmt.Errorf("read cache directory: %w", err)
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && !isPartial(entry.Name()) {
			count++
		}
	}
	return count, nil
}

// Clear removes the entire cache directory, including the directory itself.
// This is the whole-set cleanup pass at the end of a bulk run.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.directory); err != nil {
		return fmt.Errorf("remove cache directory: %w", err)
	}
	return nil
}

func isPartial(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range partialSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// sanitizeID converts an item ID to a filesystem-safe name.
func sanitizeID(id string) string {
	safe := strings.ReplaceAll(id, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	safe = strings.ReplaceAll(safe, ":", "_")
	return safe
}
