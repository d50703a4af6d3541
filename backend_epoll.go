//go:build linux

package bfenv

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/openbfdev/bfenv/internal/constants"
)

func init() {
	if err := RegisterBackend("epoll", newEpollBackend); err != nil {
		panic(err)
	}
}

// epollBackend is an edge-capable Backend built on epoll(7). It stores the
// *Event pointer directly as the epoll user-data cookie (packed into the
// Fd/Pad halves of unix.EpollEvent, which together form the 8-byte
// epoll_data_t union), so FetchEvents needs no descriptor lookup — the same
// technique used by other Go epoll-based pollers for avoiding a second map
// lookup on the hot path (see DESIGN.md).
type epollBackend struct {
	reactor *Reactor
	epfd    int
	count   int
	results []unix.EpollEvent
}

func newEpollBackend(r *Reactor) Backend {
	return &epollBackend{reactor: r}
}

func (b *epollBackend) Create() error {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return NewErrnoError("EPOLL_CREATE", -1, err.(unix.Errno))
	}
	b.epfd = fd
	b.results = make([]unix.EpollEvent, constants.DefaultEpollEventBatch)
	return nil
}

func (b *epollBackend) Destroy() error {
	if b.epfd == 0 {
		return nil
	}
	err := unix.Close(b.epfd)
	b.epfd = 0
	if err != nil {
		return NewErrnoError("EPOLL_DESTROY", -1, err.(unix.Errno))
	}
	return nil
}

func (b *epollBackend) SupportsEdge() bool { return true }

func (b *epollBackend) Register(event *Event) error {
	ev := unix.EpollEvent{Events: epollEventsFor(event.Interest)}
	setEpollData(&ev, unsafe.Pointer(event))

	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, event.Fd, &ev); err != nil {
		if err == unix.EEXIST {
			return NewFdError("EPOLL_REGISTER", event.Fd, ErrCodeAlready, "descriptor already registered")
		}
		return NewErrnoError("EPOLL_REGISTER", event.Fd, err.(unix.Errno))
	}
	b.count++
	if b.count > len(b.results) {
		b.results = make([]unix.EpollEvent, b.count*2)
	}
	return nil
}

func (b *epollBackend) Unregister(event *Event) error {
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, event.Fd, nil); err != nil {
		if err == unix.ENOENT {
			return nil
		}
		return NewErrnoError("EPOLL_UNREGISTER", event.Fd, err.(unix.Errno))
	}
	b.count--
	return nil
}

func epollEventsFor(interest int) uint32 {
	var mask uint32
	if interest&Read != 0 {
		mask |= unix.EPOLLIN
	}
	if interest&Write != 0 {
		mask |= unix.EPOLLOUT
	}
	if interest&Edge != 0 {
		mask |= unix.EPOLLET
	}
	return mask
}

func (b *epollBackend) FetchEvents(timeout time.Duration) error {
	infinite := timeout < 0
	timeoutMs := -1
	if !infinite {
		timeoutMs = int(timeout.Milliseconds())
	}

	n, err := unix.EpollWait(b.epfd, b.results, timeoutMs)
	if err != nil {
		errno, ok := err.(unix.Errno)
		if !ok {
			return WrapError("EPOLL_FETCH", err)
		}
		if errno == unix.EINTR {
			return nil
		}
		return NewErrnoError("EPOLL_FETCH", -1, errno)
	}

	if n == 0 {
		if infinite {
			return NewError("EPOLL_FETCH", ErrCodeInvalid, "epoll_wait woke with zero ready descriptors on an infinite timeout")
		}
		return nil
	}

	for i := 0; i < n; i++ {
		raw := b.results[i]
		event := (*Event)(getEpollData(&raw))

		var observed int
		if raw.Events&unix.EPOLLIN != 0 {
			observed |= Read
		}
		if raw.Events&unix.EPOLLOUT != 0 {
			observed |= Write
		}
		if raw.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			observed |= EOF
		}
		if raw.Events&unix.EPOLLERR != 0 {
			observed |= ErrFlag
		}

		event.Observed = observed
		b.reactor.RaiseEvent(event)
	}
	return nil
}

// setEpollData/getEpollData pack and unpack a pointer through the Fd/Pad
// fields of unix.EpollEvent, which are contiguous and together form the
// same 8 bytes as the kernel's epoll_data_t union on a 64-bit platform.
func setEpollData(ev *unix.EpollEvent, ptr unsafe.Pointer) {
	*(*unsafe.Pointer)(unsafe.Pointer(&ev.Fd)) = ptr
}

func getEpollData(ev *unix.EpollEvent) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&ev.Fd))
}
