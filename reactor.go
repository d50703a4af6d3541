package bfenv

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Reactor drives a single-goroutine event loop: it maintains a timer heap
// and a priority-ordered ready queue, delegates readiness multiplexing to a
// pluggable Backend, and dispatches due timers and ready events in strict
// per-iteration order (all due timers, then all ready events).
//
// All Reactor state is touched only by the goroutine executing Run; Event
// and Timer callbacks run synchronously on that goroutine and must not
// block. A callback needing blocking I/O should submit it to a Worker and
// return.
type Reactor struct {
	backend Backend
	logger  Logger
	metrics Observer

	timers timerHeap
	ready  readyHeap

	events map[int]*Event

	currentMs uint64
	closed    bool
}

// ReactorOptions configures NewReactor. The zero value is valid and selects
// defaults (no logger, NoOpObserver).
type ReactorOptions struct {
	Logger  Logger
	Metrics Observer
}

// DefaultReactorOptions returns the default configuration.
func DefaultReactorOptions() *ReactorOptions {
	return &ReactorOptions{Metrics: NoOpObserver{}}
}

// NewReactor resolves backendName in the process-wide registry and
// constructs a Reactor bound to it. Fails with ErrCodeNotFound if no
// backend is registered under that name, or propagates the backend's own
// Create error.
func NewReactor(backendName string, opts *ReactorOptions) (*Reactor, error) {
	if opts == nil {
		opts = DefaultReactorOptions()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoOpObserver{}
	}

	factory, ok := lookupBackend(backendName)
	if !ok {
		return nil, NewError("NEW_REACTOR", ErrCodeNotFound, fmt.Sprintf("no backend registered as %q", backendName))
	}

	r := &Reactor{
		logger:    opts.Logger,
		metrics:   metrics,
		events:    make(map[int]*Event),
		currentMs: nowMs(),
	}
	r.backend = factory(r)

	if err := r.backend.Create(); err != nil {
		return nil, WrapError("NEW_REACTOR", err)
	}
	return r, nil
}

// Close tears down the backend. The caller must have removed all events and
// timers first; Close does not do this on the caller's behalf, mirroring
// I4's pairing requirement.
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.backend.Destroy(); err != nil {
		return WrapError("REACTOR_CLOSE", err)
	}
	return nil
}

// AddEvent installs event with the backend. Unless Blocking is set in
// event.Interest, the descriptor is switched to non-blocking mode first.
// Fails with ErrCodeAlready if event.Fd is already registered on this
// reactor, or with whatever the backend reports (e.g. ErrCodeInvalid for
// Edge on a backend that cannot provide it).
func (r *Reactor) AddEvent(event *Event) error {
	if _, exists := r.events[event.Fd]; exists {
		return NewFdError("ADD_EVENT", event.Fd, ErrCodeAlready, "descriptor already registered")
	}

	if event.Interest&Blocking == 0 {
		if err := unix.SetNonblock(event.Fd, true); err != nil {
			return WrapError("ADD_EVENT", err)
		}
	}

	if err := r.backend.Register(event); err != nil {
		return WrapError("ADD_EVENT", err)
	}

	event.owner = r
	r.events[event.Fd] = event
	return nil
}

// RemoveEvent unregisters event from the backend and, if it is currently
// queued, removes it from the ready queue too. Idempotent with respect to
// an event that was never added or was already removed.
func (r *Reactor) RemoveEvent(event *Event) {
	if _, exists := r.events[event.Fd]; !exists {
		return
	}
	if err := r.backend.Unregister(event); err != nil && r.logger != nil {
		r.logger.Warnf("backend unregister fd=%d: %v", event.Fd, err)
	}
	delete(r.events, event.Fd)

	if event.pending {
		r.ready.remove(event)
		event.pending = false
	}
	event.owner = nil
}

// RaiseEvent enqueues a registered event into the ready queue. Used by
// backends on observed readiness and by user code synthesizing a wake-up.
// A no-op if the event is already pending, preserving invariant I1.
func (r *Reactor) RaiseEvent(event *Event) {
	if event.pending {
		return
	}
	event.pending = true
	event.owner = r
	r.ready.insert(event)
}

// AddTimer arms timer to fire at currentMs + delay. A zero delay fires on
// the next loop iteration after FetchEvents returns.
func (r *Reactor) AddTimer(timer *Timer, delay time.Duration) error {
	if delay < 0 {
		return NewError("ADD_TIMER", ErrCodeInvalid, "negative delay")
	}
	if timer.pending {
		return NewError("ADD_TIMER", ErrCodeAlready, "timer already armed")
	}
	timer.expiryMs = r.currentMs + uint64(delay/time.Millisecond)
	timer.pending = true
	timer.owner = r
	r.timers.insert(timer)
	return nil
}

// RemoveTimer disarms timer. Idempotent for a timer that is not pending.
func (r *Reactor) RemoveTimer(timer *Timer) {
	if !timer.pending {
		return
	}
	r.timers.remove(timer)
	timer.pending = false
	timer.owner = nil
}

// Run drives the loop until runTimeout elapses or a callback returns a
// non-nil error. A negative runTimeout means run forever. Returns nil on
// graceful timeout.
func (r *Reactor) Run(runTimeout time.Duration) error {
	infinite := runTimeout < 0
	deadline := runTimeout

	for {
		r.currentMs = nowMs()

		sleep := r.nextSleep(deadline, infinite)

		fetchStart := time.Now()
		err := r.backend.FetchEvents(sleep)
		r.metrics.ObserveFetch(uint64(time.Since(fetchStart).Nanoseconds()), err)
		if err != nil {
			return WrapError("REACTOR_RUN", err)
		}

		if err := r.runTimerPass(); err != nil {
			return err
		}
		if err := r.runEventPass(); err != nil {
			return err
		}

		if !infinite {
			elapsed := time.Since(fetchStart)
			deadline -= elapsed
			if deadline <= 0 {
				return nil
			}
		}
	}
}

// nextSleep computes min(earliest timer delay, remaining run budget).
func (r *Reactor) nextSleep(remaining time.Duration, infinite bool) time.Duration {
	var timerSleep time.Duration = -1
	if next := r.timers.peek(); next != nil {
		if next.expiryMs <= r.currentMs {
			timerSleep = 0
		} else {
			timerSleep = time.Duration(next.expiryMs-r.currentMs) * time.Millisecond
		}
	}

	switch {
	case infinite:
		return timerSleep
	case timerSleep < 0:
		return remaining
	case timerSleep < remaining:
		return timerSleep
	default:
		return remaining
	}
}

func (r *Reactor) runTimerPass() error {
	for {
		r.currentMs = nowMs()
		next := r.timers.peek()
		if next == nil || next.expiryMs > r.currentMs {
			return nil
		}
		r.timers.remove(next)
		next.pending = false

		r.metrics.ObserveDispatch(true)
		if next.Callback != nil {
			if err := next.Callback(next); err != nil {
				return err
			}
		}
	}
}

func (r *Reactor) runEventPass() error {
	for r.ready.Len() > 0 {
		event := r.ready[0]
		if !event.pending {
			panic(fmt.Sprintf("bfenv: event fd=%d is in the ready queue with pending == false", event.Fd))
		}
		r.ready.remove(event)
		event.pending = false

		r.metrics.ObserveDispatch(false)
		if event.Callback != nil {
			if err := event.Callback(event); err != nil {
				return err
			}
		}
	}
	return nil
}

// nowMs returns the current monotonic time in milliseconds, relative to an
// arbitrary process-wide origin. time.Time retains a monotonic reading
// internally, so successive calls to time.Since are immune to wall-clock
// adjustments; we only ever compare two nowMs() values against each other.
var processStart = time.Now()

func nowMs() uint64 {
	return uint64(time.Since(processStart).Milliseconds())
}
