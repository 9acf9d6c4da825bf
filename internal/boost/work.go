package boost

import (
	"context"
	"sync"
	"time"
)

// delayedWork runs fn on a single goroutine, either immediately or after a
// delay. At most one execution is pending at a time, and a cancelled or
// replaced execution never runs: each schedule carries a generation that
// Cancel and Schedule bump.
type delayedWork struct {
	fn func()

	mu      sync.Mutex
	gen     uint64
	pending bool
	ready   bool
	timer   *time.Timer

	kick chan struct{}
	done chan struct{}
}

func newDelayedWork(fn func()) *delayedWork {
	return &delayedWork{
		fn:   fn,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Schedule queues fn to run after delay, replacing any execution that is
// still pending.
func (w *delayedWork) Schedule(delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cancelLocked()
	w.pending = true

	if delay <= 0 {
		w.ready = true
		w.wake()
		return
	}

	gen := w.gen
	w.timer = time.AfterFunc(delay, func() { w.fire(gen) })
}

// Cancel drops the pending execution, if any.
func (w *delayedWork) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cancelLocked()
}

func (w *delayedWork) cancelLocked() {
	w.gen++
	w.pending = false
	w.ready = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *delayedWork) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.pending
}

func (w *delayedWork) fire(gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if gen != w.gen || !w.pending {
		return
	}

	w.ready = true
	w.wake()
}

func (w *delayedWork) wake() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// run executes due work until ctx is done. It must be started exactly once.
func (w *delayedWork) run(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			w.Cancel()
			return
		case <-w.kick:
		}

		w.mu.Lock()
		if !w.ready {
			w.mu.Unlock()
			continue
		}
		w.ready = false
		w.pending = false
		w.timer = nil
		w.mu.Unlock()

		w.fn()
	}
}
