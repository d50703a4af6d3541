package bfenv

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/openbfdev/bfenv/internal/constants"
)

func init() {
	if err := RegisterBackend("select", newSelectBackend); err != nil {
		panic(err)
	}
}

// selectBackend is a level-triggered Backend built on the POSIX select(2)
// family. It stores no fd_sets between calls: every FetchEvents call starts
// from three zeroed fd_sets (read, write and error — the original
// implementation left the error set unzeroed, see DESIGN.md) and fills them
// from the registered descriptor set, since select mutates its fd_set
// arguments in place.
type selectBackend struct {
	reactor *Reactor
	events  map[int]*Event
	maxFd   int
}

func newSelectBackend(r *Reactor) Backend {
	return &selectBackend{reactor: r, events: make(map[int]*Event)}
}

func (b *selectBackend) Create() error {
	b.events = make(map[int]*Event)
	b.maxFd = -1
	return nil
}

func (b *selectBackend) Destroy() error {
	b.events = nil
	return nil
}

func (b *selectBackend) SupportsEdge() bool { return false }

func (b *selectBackend) Register(event *Event) error {
	if event.Interest&Edge != 0 {
		return NewFdError("SELECT_REGISTER", event.Fd, ErrCodeInvalid, "select backend does not support edge-triggered events")
	}
	if event.Fd >= constants.MaxSelectDescriptor {
		return NewFdError("SELECT_REGISTER", event.Fd, ErrCodeTooManyLinks, "descriptor exceeds FD_SETSIZE")
	}
	if _, exists := b.events[event.Fd]; exists {
		return NewFdError("SELECT_REGISTER", event.Fd, ErrCodeAlready, "descriptor already registered")
	}

	b.events[event.Fd] = event
	if event.Fd > b.maxFd {
		b.maxFd = event.Fd
	}
	return nil
}

func (b *selectBackend) Unregister(event *Event) error {
	delete(b.events, event.Fd)
	if event.Fd == b.maxFd {
		b.maxFd = -1
		for fd := range b.events {
			if fd > b.maxFd {
				b.maxFd = fd
			}
		}
	}
	return nil
}

func (b *selectBackend) FetchEvents(timeout time.Duration) error {
	var readSet, writeSet, errSet unix.FdSet

	for fd, event := range b.events {
		if event.Interest&Read != 0 {
			fdSet(&readSet, fd)
			fdSet(&errSet, fd)
		}
		if event.Interest&Write != 0 {
			fdSet(&writeSet, fd)
			fdSet(&errSet, fd)
		}
	}

	var tv *unix.Timeval
	infinite := timeout < 0
	if !infinite {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	n, err := unix.Select(b.maxFd+1, &readSet, &writeSet, &errSet, tv)
	if err != nil {
		errno, ok := err.(unix.Errno)
		if !ok {
			return WrapError("SELECT_FETCH", err)
		}
		if errno == unix.EINTR {
			return nil
		}
		return NewErrnoError("SELECT_FETCH", -1, errno)
	}

	if n == 0 {
		if infinite {
			return NewError("SELECT_FETCH", ErrCodeInvalid, "select woke with zero ready descriptors on an infinite timeout")
		}
		return nil
	}

	for fd, event := range b.events {
		var observed int
		if fdIsSet(&readSet, fd) {
			observed |= Read
		}
		if fdIsSet(&writeSet, fd) {
			observed |= Write
		}
		if fdIsSet(&errSet, fd) {
			observed |= ErrFlag
		}
		if observed != 0 {
			event.Observed = observed
			b.reactor.RaiseEvent(event)
		}
	}
	return nil
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
