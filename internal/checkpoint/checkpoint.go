// Package checkpoint persists job progress snapshots and classifies
// interrupted jobs for crash recovery. Checkpoints are written atomically
// (temp file plus rename) so a reader never observes a partial snapshot,
// and malformed files are skipped rather than failing a scan.
package checkpoint

import (
	"time"
)

// ItemRef is a minimal reference to one work item inside a checkpoint.
type ItemRef struct {
	ID        string `json:"id"`
	SourceURL string `json:"source_url"`
	State     string `json:"state"`
}

// Checkpoint is the on-disk snapshot of a job. Field names follow the
// established checkpoint file format so existing checkpoints stay readable.
type Checkpoint struct {
	JobName        string            `json:"job_name"`
	Stage          string            `json:"stage"`
	TotalFiles     int               `json:"total_files"`
	CompletedFiles []string          `json:"completed_files"`
	Files          []ItemRef         `json:"files"`
	Config         map[string]any    `json:"config"`
	Results        map[string]string `json:"results"`
	ProcessPID     int               `json:"process_pid,omitempty"`
	WrittenAt      time.Time         `json:"written_at"`
}

// JobState classifies what happened to the job a checkpoint belongs to.
type JobState string

// Job states derived from a checkpoint plus an owner-process liveness check.
const (
	StateRunning     JobState = "running"
	StateCrashed     JobState = "crashed"
	StateInterrupted JobState = "interrupted"
	StateCompleted   JobState = "completed"
	StateFailed      JobState = "failed"
)

// LivenessFunc reports whether a process ID refers to a live process.
type LivenessFunc func(pid int) bool

// Classify determines the job state for a checkpoint. It is a pure function
/// of the checkpoint payload and the injected liveness check: a set owner PID
// that is still alive means the job is running, a dead owner means it
// crashed, and ownerless checkpoints are judged by their completion counts.
func Classify(cp Checkpoint, isAlive LivenessFunc) JobState {
	if cp.ProcessPID > 0 {
		if isAlive != nil && isAlive(cp.ProcessPID) {
			return StateRunning
		}
		return StateCrashed
	}
	completed := len(cp.CompletedFiles)
	switch {
	case cp.TotalFiles > 0 && completed >= cp.TotalFiles:
		return StateCompleted
	case completed > 0:
		return StateInterrupted
	default:
		return StateFailed
	}
}

// Remaining returns the item refs that are not yet in the completed set,
// preserving their original order. This is the resume plan for a crashed or
// interrupted job.
func Remaining(cp Checkpoint) []ItemRef {
	done := make(map[string]bool, len(cp.CompletedFiles))
	for _, id := range cp.CompletedFiles {
		done[id] = true
	}
	remaining := make([]ItemRef, 0, len(cp.Files))
	for _, ref := range cp.Files {
		if !done[ref.ID] {
			remaining = append(remaining, ref)
		}
	}
	return remaining
}
