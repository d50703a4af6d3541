package bfenv

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/openbfdev/bfenv/internal/constants"
)

func init() {
	if err := RegisterBackend("poll", newPollBackend); err != nil {
		panic(err)
	}
}

// pollBackend is a level-triggered Backend built on poll(2). It keeps a
// dense slice of unix.PollFd in registration order alongside a
// descriptor->event map. Unregister rebuilds the dense slice by iterating
// the map's live entries and deriving each slot from that live event's own
// fd and interest — the original implementation instead overwrote every
// rebuilt slot with the just-removed event (see DESIGN.md for the bug this
// corrects).
type pollBackend struct {
	reactor *Reactor
	events  map[int]*Event
	fds     []unix.PollFd
}

func newPollBackend(r *Reactor) Backend {
	return &pollBackend{reactor: r, events: make(map[int]*Event)}
}

func (b *pollBackend) Create() error {
	b.events = make(map[int]*Event)
	b.fds = make([]unix.PollFd, 0, constants.DefaultPollCapacity)
	return nil
}

func (b *pollBackend) Destroy() error {
	b.events = nil
	b.fds = nil
	return nil
}

func (b *pollBackend) SupportsEdge() bool { return false }

func (b *pollBackend) Register(event *Event) error {
	if event.Interest&Edge != 0 {
		return NewFdError("POLL_REGISTER", event.Fd, ErrCodeInvalid, "poll backend does not support edge-triggered events")
	}
	if _, exists := b.events[event.Fd]; exists {
		return NewFdError("POLL_REGISTER", event.Fd, ErrCodeAlready, "descriptor already registered")
	}

	b.events[event.Fd] = event
	b.fds = append(b.fds, unix.PollFd{Fd: int32(event.Fd), Events: pollEventsFor(event.Interest)})
	return nil
}

func (b *pollBackend) Unregister(event *Event) error {
	if _, exists := b.events[event.Fd]; !exists {
		return nil
	}
	delete(b.events, event.Fd)

	rebuilt := make([]unix.PollFd, 0, len(b.events))
	for fd, live := range b.events {
		rebuilt = append(rebuilt, unix.PollFd{Fd: int32(fd), Events: pollEventsFor(live.Interest)})
	}
	b.fds = rebuilt
	return nil
}

func pollEventsFor(interest int) int16 {
	var mask int16
	if interest&Read != 0 {
		mask |= unix.POLLIN
	}
	if interest&Write != 0 {
		mask |= unix.POLLOUT
	}
	return mask
}

func (b *pollBackend) FetchEvents(timeout time.Duration) error {
	infinite := timeout < 0
	timeoutMs := -1
	if !infinite {
		timeoutMs = int(timeout.Milliseconds())
	}

	n, err := unix.Poll(b.fds, timeoutMs)
	if err != nil {
		errno, ok := err.(unix.Errno)
		if !ok {
			return WrapError("POLL_FETCH", err)
		}
		if errno == unix.EINTR {
			return nil
		}
		return NewErrnoError("POLL_FETCH", -1, errno)
	}

	if n == 0 {
		if infinite {
			return NewError("POLL_FETCH", ErrCodeInvalid, "poll woke with zero ready descriptors on an infinite timeout")
		}
		return nil
	}

	const known = unix.POLLIN | unix.POLLOUT | unix.POLLERR | unix.POLLHUP | unix.POLLRDHUP | unix.POLLNVAL

	for _, pfd := range b.fds {
		if pfd.Revents == 0 {
			continue
		}
		if pfd.Revents&^int16(known) != 0 {
			return NewFdError("POLL_FETCH", int(pfd.Fd), ErrCodeIO, "poll returned an unrecognized revents bit")
		}

		event, ok := b.events[int(pfd.Fd)]
		if !ok {
			continue
		}

		var observed int
		if pfd.Revents&unix.POLLIN != 0 {
			observed |= Read
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			observed |= Write
		}
		if pfd.Revents&(unix.POLLHUP|unix.POLLRDHUP) != 0 {
			observed |= EOF
		}
		if pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			observed |= ErrFlag
		}

		event.Observed = observed
		b.reactor.RaiseEvent(event)
	}
	return nil
}
