package pipeline

import "fmt"

// ItemState is the lifecycle state of one work item.
type ItemState string

// Work item states. Transitions are monotonic: a state is never revisited
// once passed, with two deliberate exceptions. A download cancelled
// mid-flight returns the item to StateQueued (after its partial artifact is
// deleted), and a failed item may be manually re-queued for another run.
const (
	StateQueued      ItemState = "queued"
	StateDownloading ItemState = "downloading"
	StateDownloaded  ItemState = "downloaded"
	StateProcessing  ItemState = "processing"
	StateSucceeded   ItemState = "succeeded"
	StateFailed      ItemState = "failed"
)

var allowedTransitions = map[ItemState]map[ItemState]bool{
	StateQueued: {
		StateDownloading: true,
		StateFailed:      true, // never admitted before the batch budget ran out
	},
	StateDownloading: {
		StateDownloaded: true,
		StateFailed:     true,
		StateQueued:     true, // cancelled mid-flight, partial artifact removed
	},
	StateDownloaded: {
		StateProcessing: true,
		StateFailed:     true,
	},
	StateProcessing: {
		StateSucceeded:  true,
		StateFailed:     true,
		StateDownloaded: true, // cancelled before processing finished
	},
	StateFailed: {
		StateQueued: true, // manual retry
	},
	StateSucceeded: {},
}

// CanTransition reports whether a state change is allowed.
func CanTransition(from, to ItemState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// WorkItem is the unit of work: one remote URL tracked through its
// lifecycle. State is written only by the worker that currently owns the
// item; the orchestrator serializes those writes.
type WorkItem struct {
	ID             string
	SourceURL      string
	State          ItemState
	LocalPath      string
	ContentMinutes float64
	LastError      string
}

// Transition moves the item to a new state, enforcing the transition table.
func (w *WorkItem) Transition(to ItemState) error {
	if !CanTransition(w.State, to) {
		return fmt.Errorf("invalid item state transition %q -> %q (item=%s)", w.State, to, w.ID)
	}
	w.State = to
	return nil
}

// Terminal reports whether the item reached a terminal state.
func (w *WorkItem) Terminal() bool {
	return w.State == StateSucceeded || w.State == StateFailed
}
