// Package bfenv implements a single-goroutine event reactor with pluggable
// readiness backends, paired with a background I/O worker that offloads
// blocking read/write/fsync calls off the reactor goroutine.
package bfenv

import (
	"fmt"
	"sync"
	"time"
)

// Logger is the minimal logging dependency the reactor and the worker
// accept through their options; the backends take no logger. internal/logging.Logger satisfies it; embedders may
// supply their own implementation instead.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Backend multiplexes readiness on a set of registered descriptors. The
// three built-in implementations are "select", "poll", and "epoll"; callers
// may register additional names through RegisterBackend.
type Backend interface {
	// Create initializes backend-private state. Called once by NewReactor.
	Create() error

	// Destroy releases backend-private state. Called once by Reactor.Close.
	Destroy() error

	// Register installs interest for event.Fd. Fails with ErrCodeAlready if
	// the descriptor is already registered, ErrCodeInvalid if Edge is
	// requested and SupportsEdge() is false, or ErrCodeTooManyLinks if the
	// descriptor exceeds a backend-specific capacity.
	Register(event *Event) error

	// Unregister removes interest for event.Fd. Idempotent: unregistering a
	// descriptor that was never registered is a no-op.
	Unregister(event *Event) error

	// FetchEvents blocks up to timeout waiting for readiness, then raises
	// every ready event into the reactor's ready queue via Reactor.RaiseEvent.
	// A negative timeout means block indefinitely.
	FetchEvents(timeout time.Duration) error

	// SupportsEdge reports whether this backend can honor the Edge interest
	// flag (epoll) or always operates level-triggered (select, poll).
	SupportsEdge() bool
}

// BackendFactory constructs a Backend bound to the given reactor, so the
// backend can call reactor.RaiseEvent from FetchEvents without the caller
// wiring that up by hand.
type BackendFactory func(r *Reactor) Backend

var (
	registryMu sync.Mutex
	registry   = make(map[string]BackendFactory)
)

// RegisterBackend adds name to the process-wide backend registry. It fails
// with ErrCodeAlready if name is already registered. Backends normally call
// this from a package init() function before any reactor referencing them
// is constructed.
func RegisterBackend(name string, factory BackendFactory) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		return NewError("REGISTER_BACKEND", ErrCodeAlready, fmt.Sprintf("backend %q already registered", name))
	}
	registry[name] = factory
	return nil
}

// UnregisterBackend removes name from the registry. A no-op if name is not
// present.
func UnregisterBackend(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, name)
}

func lookupBackend(name string) (BackendFactory, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factory, ok := registry[name]
	return factory, ok
}
