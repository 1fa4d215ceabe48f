package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/msg43/mediabatch/internal/ledger"
)

// runConveyor processes the item set batch by batch: each batch is checked
// against disk capacity, downloaded through the paced download pool with
// items handed to the processing pool as they land, then checkpointed
// before the next batch starts.
func (o *Orchestrator) runConveyor(ctx context.Context) error {
	items := o.items
	batchSize := o.BatchSize()

	for start := 0; start < len(items); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		// job-level failure: the disk cannot hold even one more batch
		if !o.deps.Gate.HasCapacity(len(batch), o.cfg.ItemSizeEstimate) {
			return fmt.Errorf("%w: batch of %d items will not fit", ErrResourceExhausted, len(batch))
		}

		batchCtx := ctx
		cancel := context.CancelFunc(nil)
		if o.cfg.BatchBudget > 0 {
			batchCtx, cancel = context.WithTimeout(ctx, o.cfg.BatchBudget)
		}
		err := o.runBatch(batchCtx, batch)
		budgetExceeded := batchCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		if cancel != nil {
			cancel()
		}
		if err != nil {
			return err
		}
		if budgetExceeded {
			o.expireBatch(batch)
		}

		o.writeCheckpoint(StageProcess, true)
		o.emit(ProgressEvent{Type: EventBatchCompleted})
		o.log.Info().
			Int("batch_start", start).
			Int("batch_len", len(batch)).
			Msg("batch completed")
	}
	return nil
}

// runBatch downloads one batch, submitting each successfully downloaded
// item straight to the processing pool so the backlog drains while the
// rest of the batch is still coming in. It returns only job-fatal errors;
// per-item failures are contained inside the workers.
func (o *Orchestrator) runBatch(ctx context.Context, batch []*WorkItem) error {
	dg, dctx := errgroup.WithContext(ctx)
	pg, pctx := errgroup.WithContext(ctx)

	for _, item := range batch {
		if dctx.Err() != nil {
			break
		}
		if !o.waitForAdmission(dctx) {
			break
		}
		delay := o.deps.Pacer.CalculateDelay(item.ContentMinutes)
		if !o.deps.Pacer.WaitForNext(dctx, delay) {
			break
		}
		if err := o.downloadWin.Acquire(dctx); err != nil {
			break
		}

		it := item
		dg.Go(func() error {
			defer o.downloadWin.Release()
			if err := o.downloadItem(dctx, it); err != nil {
				return err
			}
			if o.itemState(it) != StateDownloaded {
				return nil
			}
			pg.Go(func() error {
				if err := o.processWin.Acquire(pctx); err != nil {
					return nil //nolint:nilerr // cancellation is handled by the batch loop
				}
				defer o.processWin.Release()
				o.processItem(pctx, it, true)
				return nil
			})
			return nil
		})
	}

	// all processing submissions happen from download workers, so the
	// download group must drain before the process group is waited on
	derr := dg.Wait()
	perr := pg.Wait()
	if derr != nil {
		return derr
	}
	return perr
}

// expireBatch marks the batch's leftover items failed when the batch
// wall-clock budget ran out before they were admitted or processed.
func (o *Orchestrator) expireBatch(batch []*WorkItem) {
	for _, item := range batch {
		switch o.itemState(item) {
		case StateQueued, StateDownloaded:
			o.failItem(item, ledger.CategoryNetwork, "batch wall-clock budget exceeded")
		}
	}
}

func (o *Orchestrator) itemState(item *WorkItem) ItemState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return item.State
}
