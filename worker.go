package bfenv

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openbfdev/bfenv/internal/constants"
)

// RequestTag selects the blocking operation a Request asks the worker to
// perform.
type RequestTag int

const (
	TagRead RequestTag = iota
	TagWrite
	TagSync
)

func (t RequestTag) String() string {
	switch t {
	case TagRead:
		return "read"
	case TagWrite:
		return "write"
	case TagSync:
		return "sync"
	default:
		return "unknown"
	}
}

// Request is a tagged unit of blocking I/O offloaded to the worker. Size
// carries the requested byte count on submission and the bytes actually
// transferred on completion (unused for TagSync). Error is nil on success.
type Request struct {
	Tag    RequestTag
	Fd     int
	Buffer []byte
	Size   int
	Error  error
}

// WorkerFlags selects which completion tags the worker publishes onto the
// completion ring. A request whose tag is not selected is still executed,
// but its completion is dropped instead of published — callers that never
// inspect, say, sync completions can avoid the ring/eventfd traffic for them.
// Values are the SigRead/SigWrite/SigSync constants declared in constants.go.
type WorkerFlags int

// SigAll selects every completion tag.
const SigAll WorkerFlags = SigRead | SigWrite | SigSync

func (f WorkerFlags) wants(tag RequestTag) bool {
	switch tag {
	case TagRead:
		return f&SigRead != 0
	case TagWrite:
		return f&SigWrite != 0
	case TagSync:
		return f&SigSync != 0
	default:
		return false
	}
}

// Worker runs one background goroutine that serves blocking read/write/
// fsync calls submitted from the reactor goroutine (or any other caller),
// so that goroutine never blocks in a syscall. Completions flow back
// through a bounded ring and are announced on a Linux eventfd descriptor
// that composes with any of the three readiness backends.
type Worker struct {
	flags      WorkerFlags
	eventFd    int
	sem        *countingSemaphore
	submission *requestRing
	completion *requestRing
	overflow   []*Request // worker-goroutine-private; never touched by Drain

	logger  Logger
	metrics Observer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	stickyMu  sync.Mutex
	sticky    error
}

// WorkerOptions configures a Worker. The zero value is valid and selects
// defaults (no logger, NoOpObserver); DefaultWorkerOptions returns it.
type WorkerOptions struct {
	Logger  Logger
	Metrics Observer
}

func DefaultWorkerOptions() *WorkerOptions {
	return &WorkerOptions{}
}

// NewWorker creates and starts a worker with a submission/completion ring
// of the given depth, rounded up to a power of two with a floor of
// constants.MinWorkerDepth. On any failure, every resource already
// acquired is released in reverse order before the error is returned.
func NewWorker(depth int, flags WorkerFlags, opts *WorkerOptions) (*Worker, error) {
	if opts == nil {
		opts = DefaultWorkerOptions()
	}

	depth = nextPowerOfTwo(depth)
	if depth < constants.MinWorkerDepth {
		depth = constants.MinWorkerDepth
	}

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, NewErrnoError("WORKER_CREATE", -1, err.(unix.Errno))
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		flags:      flags,
		eventFd:    efd,
		sem:        newCountingSemaphore(),
		submission: newRequestRing(depth),
		completion: newRequestRing(depth),
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if w.metrics == nil {
		w.metrics = &NoOpObserver{}
	}

	go w.loop()
	return w, nil
}

// EventDescriptor returns the eventfd a poller should watch for
// readability; reading it yields the accumulated completion count.
func (w *Worker) EventDescriptor() int {
	return w.eventFd
}

// Err returns the first fatal error the worker goroutine recorded outside
// of any individual Request (for example, a failed eventfd write), or nil
// if none occurred. Per-request failures are reported on Request.Error,
// not here.
func (w *Worker) Err() error {
	w.stickyMu.Lock()
	defer w.stickyMu.Unlock()
	return w.sticky
}

func (w *Worker) setSticky(err error) {
	w.stickyMu.Lock()
	defer w.stickyMu.Unlock()
	if w.sticky == nil {
		w.sticky = err
	}
}

// Submit enqueues req onto the submission ring. Fails with ErrCodeAgain if
// the ring is full.
func (w *Worker) Submit(req *Request) error {
	if !w.submission.push(req) {
		w.metrics.ObserveSubmit(false)
		return NewFdError("WORKER_SUBMIT", req.Fd, ErrCodeAgain, "submission ring full")
	}
	w.metrics.ObserveSubmit(true)
	w.sem.post()
	return nil
}

// Drain removes up to max completed requests from the completion ring.
func (w *Worker) Drain(max int) []*Request {
	if max <= 0 {
		return nil
	}
	out := make([]*Request, 0, max)
	for i := 0; i < max; i++ {
		req, ok := w.completion.pop()
		if !ok {
			break
		}
		out = append(out, req)
	}
	return out
}

// Close cancels the worker goroutine, waits for it to exit, then calls
// releaseFn once for every request that never reached the consumer through
// Drain — anything still parked in the completion ring, the overflow list,
// or the submission ring — before releasing worker resources.
func (w *Worker) Close(releaseFn func(*Request)) error {
	var err error
	w.closeOnce.Do(func() {
		w.cancel()
		w.sem.close()
		<-w.done

		if releaseFn != nil {
			for {
				req, ok := w.completion.pop()
				if !ok {
					break
				}
				releaseFn(req)
			}
			for _, req := range w.overflow {
				releaseFn(req)
			}
			for {
				req, ok := w.submission.pop()
				if !ok {
					break
				}
				releaseFn(req)
			}
		}
		w.overflow = nil

		if closeErr := unix.Close(w.eventFd); closeErr != nil {
			err = WrapError("WORKER_CLOSE", closeErr)
		}
	})
	return err
}

func (w *Worker) loop() {
	defer close(w.done)

	for {
		if !w.sem.wait(w.ctx) {
			return
		}

		req, ok := w.submission.pop()
		if !ok {
			continue // spurious wake
		}

		w.dispatch(req)

		if w.flags.wants(req.Tag) {
			w.publish(req)
		}
		w.drainOverflow()
	}
}

func (w *Worker) dispatch(req *Request) {
	start := time.Now()
	var bytes uint64

	switch req.Tag {
	case TagRead:
		n, err := w.readLoop(req.Fd, req.Buffer[:req.Size])
		req.Size = n
		req.Error = err
		bytes = uint64(n)
	case TagWrite:
		n, err := w.writeLoop(req.Fd, req.Buffer[:req.Size])
		req.Size = n
		req.Error = err
		bytes = uint64(n)
	case TagSync:
		req.Error = w.syncLoop(req.Fd)
	default:
		req.Error = NewFdError("WORKER_DISPATCH", req.Fd, ErrCodeInvalid, "unknown request tag")
	}

	latencyNs := uint64(time.Since(start).Nanoseconds())
	w.metrics.ObserveCompletion(int(req.Tag), bytes, latencyNs, false, req.Error == nil)

	if w.logger != nil && req.Error != nil {
		w.logger.Errorf("worker: %s on fd %d failed: %v", req.Tag, req.Fd, req.Error)
	}
}

func (w *Worker) readLoop(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == nil {
			return n, nil
		}
		if err == unix.EINTR {
			continue
		}
		return 0, NewErrnoError("WORKER_READ", fd, err.(unix.Errno))
	}
}

func (w *Worker) writeLoop(fd int, buf []byte) (int, error) {
	written := 0
	for written < len(buf) {
		n, err := unix.Write(fd, buf[written:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return written, NewErrnoError("WORKER_WRITE", fd, err.(unix.Errno))
		}
		written += n
	}
	return written, nil
}

// syncLoop retries fsync only until it succeeds or fails with something
// other than EINTR; it does not loop forever on success.
func (w *Worker) syncLoop(fd int) error {
	for {
		err := unix.Fsync(fd)
		if err == nil {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return NewErrnoError("WORKER_SYNC", fd, err.(unix.Errno))
	}
}

// publish places req on the completion ring, falling back to the overflow
// list if the ring is momentarily full, then signals the eventfd so a
// consumer wakes.
func (w *Worker) publish(req *Request) {
	if !w.completion.push(req) {
		w.overflow = append(w.overflow, req)
		w.metrics.ObserveCompletion(int(req.Tag), 0, 0, true, req.Error == nil)
	}
	w.signal()
}

// drainOverflow moves overflow entries onto the completion ring in FIFO
// order as space frees up. Private to the worker goroutine.
func (w *Worker) drainOverflow() {
	for len(w.overflow) > 0 {
		if !w.completion.push(w.overflow[0]) {
			return
		}
		w.overflow = w.overflow[1:]
		w.signal()
	}
}

func (w *Worker) signal() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(w.eventFd, buf[:]); err != nil {
		wrapped := WrapError("WORKER_SIGNAL", err)
		w.setSticky(wrapped)
		if w.logger != nil {
			w.logger.Warnf("worker: eventfd write failed: %v", wrapped)
		}
	}
}
