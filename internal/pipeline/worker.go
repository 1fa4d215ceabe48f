package pipeline

import (
	"context"
	"time"

	"github.com/msg43/mediabatch/internal/ledger"
	"github.com/msg43/mediabatch/internal/memguard"
)

// pauseTick is how often paused admission re-checks pressure and intake.
const pauseTick = time.Second

// downloadItem fetches one item into the artifact cache. Per-item failures
// are recorded and contained; the only error returned is the job-fatal
// session-provider failure.
func (o *Orchestrator) downloadItem(ctx context.Context, item *WorkItem) error {
	o.transition(item, StateDownloading)

	session, err := o.deps.Sessions.GetSession(ctx, item.ID)
	if err != nil {
		o.transition(item, StateQueued)
		return &sessionError{cause: err}
	}

	dest, err := o.artifacts.PathFor(item.ID)
	if err != nil {
		o.failItem(item, ledger.CategoryOther, err.Error())
		return nil
	}

	o.deps.Pacer.RecordDownloadStart()
	startedAt := time.Now()

	dctx, cancel := context.WithTimeout(ctx, o.cfg.PerItemTimeout)
	defer cancel()

	localPath, err := o.deps.Downloader.Download(dctx, item.SourceURL, session, dest, func(received, total int64) {
		// progress callbacks double as a cancellation observation point
		// for downloads that stream for a long time
	})
	if err != nil {
		// partial artifacts must never survive a failed or cancelled attempt
		_ = o.artifacts.Remove(item.ID)

		if ctx.Err() != nil {
			// run (or batch budget) cancelled mid-flight: the item goes back
			// to the queue, it did not fail
			o.transition(item, StateQueued)
			return nil
		}

		message := err.Error()
		if dctx.Err() == context.DeadlineExceeded {
			message = "download timed out: " + message
		}
		category := ledger.Categorize(message)
		if category == ledger.CategoryRateLimited {
			o.deps.Pacer.RecordRateLimitEvent()
		}
		o.failItem(item, category, message)
		o.mitigatePool(o.downloadWin)
		return nil
	}

	o.mu.Lock()
	item.LocalPath = localPath
	o.mu.Unlock()
	o.transition(item, StateDownloaded)
	o.deps.Pacer.RecordDownloadCompletion(startedAt, item.ContentMinutes)
	o.mitigatePool(o.downloadWin)
	return nil
}

// processItem runs the downstream stage on a downloaded artifact.
func (o *Orchestrator) processItem(ctx context.Context, item *WorkItem, deleteArtifact bool) {
	o.mu.Lock()
	ready := item.State == StateDownloaded
	localPath := item.LocalPath
	o.mu.Unlock()
	if !ready {
		return
	}

	o.transition(item, StateProcessing)
	o.deps.Pacer.RecordProcessingStart()
	startedAt := time.Now()

	pctx, cancel := context.WithTimeout(ctx, o.cfg.PerItemTimeout)
	defer cancel()

	outcome, err := o.deps.Processor.Process(pctx, localPath)
	if err != nil {
		if ctx.Err() != nil {
			// cancelled; the artifact stays so a resume can pick it up
			o.transition(item, StateDownloaded)
			return
		}
		message := err.Error()
		if pctx.Err() == context.DeadlineExceeded {
			message = "processing timed out: " + message
		}
		// the artifact is retained for manual retry
		o.failItem(item, ledger.Categorize(message), message)
		o.mitigatePool(o.processWin)
		return
	}

	o.mu.Lock()
	o.results[item.ID] = outcome.Summary
	if err := item.Transition(StateSucceeded); err != nil {
		o.mu.Unlock()
		o.log.Error().Err(err).Str("item", item.ID).Msg("state transition rejected")
		return
	}
	o.succeeded++
	o.mu.Unlock()
	o.emit(ProgressEvent{Type: EventItemState, ItemID: item.ID, SourceURL: item.SourceURL, State: StateSucceeded})
	o.deps.Pacer.RecordProcessingCompletion(startedAt, item.ContentMinutes)

	if deleteArtifact {
		if err := o.artifacts.Remove(item.ID); err != nil {
			o.log.Warn().Err(err).Str("item", item.ID).Msg("artifact cleanup failed")
		}
	}
	o.mitigatePool(o.processWin)
}

// failItem marks an item terminally failed and records it exactly once.
func (o *Orchestrator) failItem(item *WorkItem, category ledger.Category, message string) {
	o.mu.Lock()
	if err := item.Transition(StateFailed); err != nil {
		o.mu.Unlock()
		o.log.Error().Err(err).Str("item", item.ID).Msg("state transition rejected")
		return
	}
	item.LastError = message
	o.failed++
	o.mu.Unlock()

	o.deps.Failures.Record(item.ID, item.SourceURL, category, message)
	o.log.Warn().
		Str("item", item.ID).
		Str("category", string(category)).
		Str("error", message).
		Msg("item failed")
	o.emit(ProgressEvent{Type: EventItemState, ItemID: item.ID, SourceURL: item.SourceURL, State: StateFailed, Message: message})
}

// transition applies a state change under the orchestrator lock and emits
// a progress event.
func (o *Orchestrator) transition(item *WorkItem, to ItemState) {
	o.mu.Lock()
	err := item.Transition(to)
	o.mu.Unlock()
	if err != nil {
		o.log.Error().Err(err).Str("item", item.ID).Msg("state transition rejected")
		return
	}
	o.emit(ProgressEvent{Type: EventItemState, ItemID: item.ID, SourceURL: item.SourceURL, State: to})
}

// mitigatePool consults the memory guard after an item completes and
// resizes the pool's admission window, or pauses intake entirely under
// emergency pressure.
func (o *Orchestrator) mitigatePool(win *Window) {
	o.deps.Guard.CheckPressure()
	newLimit, pause := o.deps.Guard.Mitigate(win.Limit())
	if pause {
		if o.paused.CompareAndSwap(false, true) {
			o.log.Warn().Msg("emergency memory pressure, pausing intake")
			o.emit(ProgressEvent{Type: EventMemoryPressure, Message: "emergency"})
		}
		return
	}
	if newLimit != win.Limit() {
		o.log.Info().Int("from", win.Limit()).Int("to", newLimit).Msg("resizing worker pool")
		win.Resize(newLimit)
	}
}

// waitForAdmission blocks while intake is paused, either by emergency
// memory mitigation or by the pacing controller's backlog heuristics.
// Downloads resume only once pressure drops below critical and the pacer
// stops asking for a pause. Returns false when ctx is cancelled.
func (o *Orchestrator) waitForAdmission(ctx context.Context) bool {
	announced := false
	for {
		if ctx.Err() != nil {
			return false
		}
		if o.paused.Load() {
			if o.deps.Guard.CheckPressure() < memguard.LevelCritical {
				o.paused.Store(false)
				o.log.Info().Msg("memory pressure cleared, resuming intake")
				continue
			}
		} else if !o.deps.Pacer.ShouldPauseIntake() {
			return true
		}
		if !announced {
			announced = true
			o.emit(ProgressEvent{Type: EventIntakePaused})
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pauseTick):
		}
	}
}

// sessionError wraps a session-provider failure so it can be matched as
// the job-level ErrSessionProvider sentinel.
type sessionError struct {
	cause error
}

func (e *sessionError) Error() string {
	return ErrSessionProvider.Error() + ": " + e.cause.Error()
}

func (e *sessionError) Is(target error) bool {
	return target == ErrSessionProvider
}

func (e *sessionError) Unwrap() error {
	return e.cause
}
