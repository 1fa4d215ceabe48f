package pipeline

import "time"

// EventType labels a progress event.
type EventType string

// Progress event types emitted during a run.
const (
	EventJobStarted        EventType = "job_started"
	EventModeSelected      EventType = "mode_selected"
	EventItemState         EventType = "item_state"
	EventBatchCompleted    EventType = "batch_completed"
	EventCheckpointWritten EventType = "checkpoint_written"
	EventMemoryPressure    EventType = "memory_pressure"
	EventIntakePaused      EventType = "intake_paused"
	EventJobFinished       EventType = "job_finished"
)

// ProgressEvent is one entry in the run's progress stream. Consumers that
// fall behind lose events rather than stalling the pipeline.
type ProgressEvent struct {
	Type      EventType
	Timestamp time.Time
	ItemID    string
	SourceURL string
	State     ItemState
	Message   string
	Completed int
	Failed    int
	Total     int
}
