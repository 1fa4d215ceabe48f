package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// runBulk downloads the entire item set into the durable artifact cache
// first, using the wider I/O-bound download pool, and only then runs the
// processing pool over the set. The cache is cleaned up in a single pass at
// the end; artifacts of failed items are kept for manual retry.
func (o *Orchestrator) runBulk(ctx context.Context) error {
	dg, dctx := errgroup.WithContext(ctx)
	for _, item := range o.items {
		if dctx.Err() != nil {
			break
		}
		if !o.waitForAdmission(dctx) {
			break
		}
		if err := o.downloadWin.Acquire(dctx); err != nil {
			break
		}
		it := item
		dg.Go(func() error {
			defer o.downloadWin.Release()
			return o.downloadItem(dctx, it)
		})
	}
	if err := dg.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	o.writeCheckpoint(StageDownload, true)

	pg, pctx := errgroup.WithContext(ctx)
	for _, item := range o.items {
		if pctx.Err() != nil {
			break
		}
		if o.itemState(item) != StateDownloaded {
			continue
		}
		if err := o.processWin.Acquire(pctx); err != nil {
			break
		}
		it := item
		pg.Go(func() error {
			defer o.processWin.Release()
			o.processItem(pctx, it, false)
			return nil
		})
	}
	_ = pg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	o.writeCheckpoint(StageProcess, true)

	o.cleanupBulkCache()
	return nil
}

// cleanupBulkCache removes the artifact cache after a bulk run. When every
// item succeeded the whole directory goes; otherwise only the artifacts of
// succeeded items are deleted so failed ones stay around for retry.
func (o *Orchestrator) cleanupBulkCache() {
	if o.deps.Failures.Len() == 0 {
		if err := o.artifacts.Clear(); err != nil {
			o.log.Warn().Err(err).Msg("bulk cache cleanup failed")
		} else {
			o.log.Info().Str("dir", o.artifacts.Directory()).Msg("bulk cache removed")
		}
		return
	}
	for _, item := range o.items {
		if o.itemState(item) == StateSucceeded {
			if err := o.artifacts.Remove(item.ID); err != nil {
				o.log.Warn().Err(err).Str("item", item.ID).Msg("artifact cleanup failed")
			}
		}
	}
	if _, err := o.artifacts.CleanupPartials(); err != nil {
		o.log.Warn().Err(err).Msg("partial artifact cleanup failed")
	}
}
