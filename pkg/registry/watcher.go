package registry

import (
	"context"
	"sync"
	"time"
)

// Watcher queues attach/detach events for one subscriber. Events are
// delivered in the order the registry processed them; a slow consumer
// never misses events, it just reads them late.
type Watcher struct {
	r *Registry

	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	err    error
	closed bool
}

// newWatcher creates a watcher bound to r. The caller registers it.
func newWatcher(r *Registry) *Watcher {
	return &Watcher{
		r:    r,
		wake: make(chan struct{}, 1),
	}
}

// notify appends an event and wakes a blocked Next. Called with the
// registry lock held.
func (w *Watcher) notify(ev Event) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	w.signal()
}

// fail records a terminal error. Queued events remain readable; once
// drained, Next returns the error.
func (w *Watcher) fail(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.signal()
}

// signal wakes a blocked Next without blocking the caller.
func (w *Watcher) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Next returns the next queued event. If none is queued it blocks until
// one arrives, the timeout elapses (ErrWaitTimeout), or ctx is done. A
// non-positive timeout waits until ctx alone.
func (w *Watcher) Next(ctx context.Context, timeout time.Duration) (Event, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		w.mu.Lock()
		if len(w.queue) > 0 {
			ev := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()
			return ev, nil
		}
		err := w.err
		closed := w.closed
		w.mu.Unlock()

		if err != nil {
			return Event{}, err
		}
		if closed {
			return Event{}, ErrRegistryFailed
		}

		select {
		case <-w.wake:
		case <-timeoutCh:
			return Event{}, ErrWaitTimeout
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close unregisters the watcher. Safe to call multiple times.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	w.r.remove(w)
	w.signal()
}
