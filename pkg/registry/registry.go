package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/usbmux-protocol/usbmux-go/pkg/wire"
)

// Registry errors.
var (
	// ErrWaitTimeout indicates a bounded wait elapsed with no qualifying
	// event.
	ErrWaitTimeout = errors.New("timed out waiting for device attach")

	// ErrRegistryFailed indicates the listen connection feeding the
	// registry is gone; no further events will arrive.
	ErrRegistryFailed = errors.New("device registry failed")
)

// Action identifies the kind of device event.
type Action uint8

const (
	// ActionAttached indicates a device appeared.
	ActionAttached Action = 0
	// ActionDetached indicates a device disappeared.
	ActionDetached Action = 1
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionAttached:
		return "ATTACHED"
	case ActionDetached:
		return "DETACHED"
	default:
		return "UNKNOWN"
	}
}

// Event is a device attach or detach notification.
type Event struct {
	// Action is what happened.
	Action Action

	// DeviceID is the daemon-assigned device id.
	DeviceID int

	// Properties are the device properties at event time. For detach
	// events these are the properties recorded at attach time.
	Properties wire.DeviceProperties
}

// AttachFunc is an attach event observer.
type AttachFunc func(deviceID int, props wire.DeviceProperties)

// DetachFunc is a detach event observer.
type DetachFunc func(deviceID int)

// waiter is a single-resolution completion slot for one attach wait.
// Resolution delivers a device id on ch; failure sets err and closes ch.
// done guards at-most-once resolution and is protected by the registry
// lock.
type waiter struct {
	ch   chan int
	err  error
	done bool
}

// Registry is the device table and attach-wait queue.
type Registry struct {
	mu       sync.Mutex
	devices  map[int]wire.DeviceProperties
	waiters  []*waiter
	watchers map[*Watcher]struct{}
	failed   error

	onAttach []AttachFunc
	onDetach []DetachFunc
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		devices:  make(map[int]wire.DeviceProperties),
		watchers: make(map[*Watcher]struct{}),
	}
}

// OnAttach registers an observer invoked for every attach event.
// Observers run on the event-delivery goroutine and must not block.
func (r *Registry) OnAttach(fn AttachFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAttach = append(r.onAttach, fn)
}

// OnDetach registers an observer invoked for every detach event.
func (r *Registry) OnDetach(fn DetachFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDetach = append(r.onDetach, fn)
}

// HandleAttached records a device and resolves all pending waiters with
// its id. Called by the control protocol engine, in frame order.
func (r *Registry) HandleAttached(deviceID int, props wire.DeviceProperties) {
	r.mu.Lock()
	r.devices[deviceID] = props

	// Every pending waiter resolves on the next attach after its
	// registration; an attach resolves all of them.
	for _, w := range r.waiters {
		if !w.done {
			w.done = true
			w.ch <- deviceID
		}
	}
	r.waiters = nil

	ev := Event{Action: ActionAttached, DeviceID: deviceID, Properties: props}
	for watcher := range r.watchers {
		watcher.notify(ev)
	}
	observers := r.onAttach
	r.mu.Unlock()

	for _, fn := range observers {
		fn(deviceID, props)
	}
}

// HandleDetached removes a device if present. A detach for an unknown
// device is tolerated silently; observers still run.
func (r *Registry) HandleDetached(deviceID int) {
	r.mu.Lock()
	props, known := r.devices[deviceID]
	if known {
		delete(r.devices, deviceID)
		ev := Event{Action: ActionDetached, DeviceID: deviceID, Properties: props}
		for watcher := range r.watchers {
			watcher.notify(ev)
		}
	}
	observers := r.onDetach
	r.mu.Unlock()

	for _, fn := range observers {
		fn(deviceID)
	}
}

// Attached returns a point-in-time snapshot of the attached devices,
// keyed by device id.
func (r *Registry) Attached() map[int]wire.DeviceProperties {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[int]wire.DeviceProperties, len(r.devices))
	for id, props := range r.devices {
		snapshot[id] = props
	}
	return snapshot
}

// Properties returns the recorded properties of a device.
func (r *Registry) Properties(deviceID int) (wire.DeviceProperties, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	props, ok := r.devices[deviceID]
	return props, ok
}

// WaitForAttach blocks until the next attach event and returns the
// attached device id. If timeout is positive and elapses first, it fails
// with ErrWaitTimeout and the waiter is withdrawn, so a later attach can
// never resolve it. A non-positive timeout waits until ctx is done.
func (r *Registry) WaitForAttach(ctx context.Context, timeout time.Duration) (int, error) {
	r.mu.Lock()
	if r.failed != nil {
		err := r.failed
		r.mu.Unlock()
		return 0, err
	}
	w := &waiter{ch: make(chan int, 1)}
	r.waiters = append(r.waiters, w)
	r.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case id, ok := <-w.ch:
		if !ok {
			return 0, w.err
		}
		return id, nil
	case <-timeoutCh:
		return r.withdraw(w, ErrWaitTimeout)
	case <-ctx.Done():
		return r.withdraw(w, ctx.Err())
	}
}

// withdraw removes a waiter after a timeout or cancellation. If the
// waiter was resolved concurrently, the resolution wins: both paths are
// serialized on the registry lock and the slot resolves at most once.
func (r *Registry) withdraw(w *waiter, cause error) (int, error) {
	r.mu.Lock()
	if w.done {
		r.mu.Unlock()
		// Resolved before the withdrawal could claim the slot.
		id, ok := <-w.ch
		if !ok {
			return 0, w.err
		}
		return id, nil
	}
	w.done = true
	for i, pending := range r.waiters {
		if pending == w {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	return 0, cause
}

// Watch registers a watcher receiving all subsequent attach/detach
// events. If includeExisting is true, synthetic attach events for the
// devices currently attached are queued ahead of live events.
func (r *Registry) Watch(includeExisting bool) *Watcher {
	w := newWatcher(r)
	r.mu.Lock()
	if includeExisting {
		for id, props := range r.devices {
			w.queue = append(w.queue, Event{
				Action:     ActionAttached,
				DeviceID:   id,
				Properties: props,
			})
		}
	}
	if r.failed != nil {
		w.err = r.failed
	}
	r.watchers[w] = struct{}{}
	r.mu.Unlock()
	return w
}

// remove unregisters a watcher.
func (r *Registry) remove(w *Watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchers, w)
}

// Fail marks the registry as terminally failed: pending waiters resolve
// with the error, watchers are failed, and future waits fail
// immediately. Subsequent calls are no-ops.
func (r *Registry) Fail(err error) {
	if err == nil {
		err = ErrRegistryFailed
	}
	r.mu.Lock()
	if r.failed != nil {
		r.mu.Unlock()
		return
	}
	r.failed = err

	waiters := r.waiters
	r.waiters = nil
	for _, w := range waiters {
		if !w.done {
			w.done = true
			w.err = err
			close(w.ch)
		}
	}
	for watcher := range r.watchers {
		watcher.fail(err)
	}
	r.mu.Unlock()
}

// Err returns the terminal error, or nil while the registry is live.
func (r *Registry) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}
