package pipeline

import (
	"context"
	"sync"
)

// Window is a resizable admission window for a worker pool. It behaves like
// a counting semaphore whose capacity can shrink or grow while permits are
// outstanding; shrinking below the current in-flight count simply stops new
// admissions until enough permits return.
//
// A plain buffered channel or semaphore.Weighted has a fixed capacity, so
// memory-pressure mitigation could not resize the pool mid-run.
type Window struct {
	mu       sync.Mutex
	cond     *sync.Cond
	limit    int
	inflight int
}

// NewWindow creates an admission window with the given limit (minimum 1).
func NewWindow(limit int) *Window {
	if limit < 1 {
		limit = 1
	}
	w := &Window{limit: limit}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Acquire blocks until a slot is available or ctx is cancelled.
func (w *Window) Acquire(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.cond.Broadcast()
	})
	defer stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.inflight >= w.limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w.inflight++
	return nil
}

// Release returns a slot to the window.
func (w *Window) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight > 0 {
		w.inflight--
	}
	w.cond.Broadcast()
}

// Resize changes the admission limit. The limit never drops below one;
// pausing a pool entirely is handled above the window.
func (w *Window) Resize(limit int) {
	if limit < 1 {
		limit = 1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.limit = limit
	w.cond.Broadcast()
}

// Limit returns the current admission limit.
func (w *Window) Limit() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.limit
}

// InFlight returns the number of outstanding permits.
func (w *Window) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inflight
}
