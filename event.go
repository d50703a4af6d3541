package bfenv

import "container/heap"

// EventFunc is invoked when a ready Event is dispatched. A non-nil return
// aborts the enclosing Run call with that error.
type EventFunc func(event *Event) error

// Event describes interest in readiness on one file descriptor. The caller
// owns an Event's storage; the Reactor only borrows it between AddEvent and
// RemoveEvent and must never free it.
type Event struct {
	Fd       int
	Interest int // subset of Read, Write, Edge, Blocking
	Observed int // subset of Read, Write, EOF, ErrFlag, set by the backend

	// Priority orders dispatch within one ready-queue drain: lower values
	// fire first. Ties are broken arbitrarily but stably within one
	// iteration.
	Priority int

	pending bool
	index   int // heap slot, maintained by container/heap

	owner    *Reactor
	Callback EventFunc
	Cookie   any
}

// Pending reports whether the event is currently enqueued in its reactor's
// ready queue.
func (e *Event) Pending() bool { return e.pending }

// readyHeap is a container/heap min-heap of *Event ordered by signed
// priority. It is implicitly emptied every loop iteration by the event pass;
// callbacks may re-raise the same event, and backends append to it from
// FetchEvents.
type readyHeap []*Event

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool { return h[i].Priority < h[j].Priority }

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	event := x.(*Event)
	event.index = len(*h)
	*h = append(*h, event)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	event := old[n-1]
	old[n-1] = nil
	event.index = -1
	*h = old[:n-1]
	return event
}

func (h *readyHeap) insert(e *Event) {
	heap.Push(h, e)
}

func (h *readyHeap) remove(e *Event) {
	if e.index < 0 || e.index >= len(*h) || (*h)[e.index] != e {
		return
	}
	heap.Remove(h, e.index)
}
