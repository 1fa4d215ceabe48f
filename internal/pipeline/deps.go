package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/msg43/mediabatch/internal/checkpoint"
	"github.com/msg43/mediabatch/internal/ledger"
	"github.com/msg43/mediabatch/internal/memguard"
)

// Pacer computes inter-download delays and intake pause decisions.
// Implemented by pacing.Controller.
type Pacer interface {
	CalculateDelay(contentMinutes float64) time.Duration
	WaitForNext(ctx context.Context, delay time.Duration) bool
	ShouldPauseIntake() bool
	RecordDownloadStart()
	RecordDownloadCompletion(startedAt time.Time, contentMinutes float64)
	RecordProcessingStart()
	RecordProcessingCompletion(startedAt time.Time, contentMinutes float64)
	RecordRateLimitEvent()
}

// PressureGuard classifies memory pressure and proposes concurrency
// adjustments. Implemented by memguard.Guard.
type PressureGuard interface {
	CheckPressure() memguard.Level
	Mitigate(currentConcurrency int) (int, bool)
}

// CapacityGate admits batches based on free disk space. Implemented by
// diskgate.Gate.
type CapacityGate interface {
	HasCapacity(batchSize int, avgItemBytes int64) bool
	MaxItems(avgItemBytes int64) int
}

// Deps are the collaborators an Orchestrator is built from. The
// orchestrator owns their lifecycle for the duration of a run; none of
// them is reached through package-level state.
type Deps struct {
	Pacer       Pacer
	Guard       PressureGuard
	Gate        CapacityGate
	Checkpoints *checkpoint.Store
	Failures    *ledger.Ledger
	Sessions    SessionProvider
	Downloader  Downloader
	Processor   Processor
	Logger      zerolog.Logger

	// TotalMemory reports system memory for concurrency sizing.
	// Defaults to a gopsutil-backed reading when nil.
	TotalMemory func() (uint64, error)
}
