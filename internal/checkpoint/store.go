package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const fileSuffix = ".checkpoint.json"

// Store reads and writes job checkpoints under a directory. Writes are
// serialized so concurrent callers can never interleave partial snapshots.
type Store struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewStore creates a checkpoint store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", dir, err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the checkpoint file path for a job name.
func (s *Store) Path(jobName string) string {
	return filepath.Join(s.dir, sanitizeJobName(jobName)+fileSuffix)
}

// Write replaces the checkpoint for cp.JobName with an atomic snapshot.
// The payload is serialized to a temp file in the same directory and then
// renamed into place; every write fully replaces the prior checkpoint.
func (s *Store) Write(cp Checkpoint) error {
	if strings.TrimSpace(cp.JobName) == "" {
		return fmt.Errorf("checkpoint job name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp.WrittenAt = s.now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint for %s: %w", cp.JobName, err)
	}
	data = append(data, '\n')

	path := s.Path(cp.JobName)
	tmp, err := os.CreateTemp(s.dir, ".checkpoint-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint for %s: %w", cp.JobName, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp checkpoint for %s: %w", cp.JobName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp checkpoint for %s: %w", cp.JobName, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}

// Read loads the checkpoint for a job name.
func (s *Store) Read(jobName string) (Checkpoint, error) {
	return readFile(s.Path(jobName))
}

// Delete removes a job's checkpoint. Removing a missing checkpoint is not
// an error.
func (s *Store) Delete(jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.Path(jobName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint for %s: %w", jobName, err)
	}
	return nil
}

// Scan reads every checkpoint found in the given directories, sorted by job
// name. Malformed or unreadable files are skipped; a missing directory
// contributes nothing. The scan itself never fails.
func Scan(dirs []string) []Checkpoint {
	var found []Checkpoint
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
				continue
			}
			cp, err := readFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				continue
			}
			found = append(found, cp)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].JobName < found[j].JobName })
	return found
}

func readFile(path string) (Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	if strings.TrimSpace(cp.JobName) == "" {
		return Checkpoint{}, fmt.Errorf("checkpoint %s has no job name", path)
	}
	return cp, nil
}

func sanitizeJobName(name string) string {
	safe := strings.ReplaceAll(name, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	safe = strings.ReplaceAll(safe, ":", "_")
	return safe
}
