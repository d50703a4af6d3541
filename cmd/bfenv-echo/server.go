package main

import (
	"golang.org/x/sys/unix"

	"github.com/openbfdev/bfenv"
	"github.com/openbfdev/bfenv/internal/logging"
)

const connBufSize = 4096

type conn struct {
	fd    int
	event *bfenv.Event
	buf   []byte
}

// echoServer wires a Reactor and a Worker together: the reactor owns
// readiness (accept, and the worker's completion signal), the worker owns
// every blocking read/write. Requests are correlated back to a conn by fd,
// since Request carries no cookie of its own.
type echoServer struct {
	reactor *bfenv.Reactor
	worker  *bfenv.Worker
	logger  *logging.Logger
	conns   map[int]*conn
}

func newEchoServer(reactor *bfenv.Reactor, worker *bfenv.Worker, logger *logging.Logger) *echoServer {
	return &echoServer{
		reactor: reactor,
		worker:  worker,
		logger:  logger,
		conns:   make(map[int]*conn),
	}
}

func (s *echoServer) onAcceptReady(e *bfenv.Event) error {
	for {
		nfd, _, err := unix.Accept(e.Fd)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			return err
		}
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			continue
		}

		c := &conn{fd: nfd, buf: make([]byte, connBufSize)}
		c.event = &bfenv.Event{Fd: nfd, Interest: bfenv.Read, Cookie: c, Callback: s.onConnReadable}
		if err := s.reactor.AddEvent(c.event); err != nil {
			s.logger.Warn("register connection failed", "fd", nfd, "error", err)
			unix.Close(nfd)
			continue
		}
		s.conns[nfd] = c
		s.logger.Debug("accepted connection", "fd", nfd)
	}
}

func (s *echoServer) onConnReadable(e *bfenv.Event) error {
	c := e.Cookie.(*conn)

	// Stop polling for readability until this round-trip lands on the
	// completion ring, so the same fd never gets submitted twice.
	s.reactor.RemoveEvent(c.event)

	req := &bfenv.Request{Tag: bfenv.TagRead, Fd: c.fd, Buffer: c.buf, Size: len(c.buf)}
	if err := s.worker.Submit(req); err != nil {
		s.logger.Warn("submit read failed", "fd", c.fd, "error", err)
		s.closeConn(c)
	}
	return nil
}

func (s *echoServer) onWorkerReady(e *bfenv.Event) error {
	var drain [8]byte
	unix.Read(e.Fd, drain[:])

	for _, req := range s.worker.Drain(64) {
		s.handleCompletion(req)
	}
	return nil
}

func (s *echoServer) handleCompletion(req *bfenv.Request) {
	c, ok := s.conns[req.Fd]
	if !ok {
		return // connection already closed
	}

	if req.Error != nil {
		s.logger.Debug("connection error", "fd", c.fd, "error", req.Error)
		s.closeConn(c)
		return
	}

	switch req.Tag {
	case bfenv.TagRead:
		if req.Size == 0 {
			s.closeConn(c) // peer closed
			return
		}
		write := &bfenv.Request{Tag: bfenv.TagWrite, Fd: c.fd, Buffer: c.buf[:req.Size], Size: req.Size}
		if err := s.worker.Submit(write); err != nil {
			s.logger.Warn("submit write failed", "fd", c.fd, "error", err)
			s.closeConn(c)
		}
	case bfenv.TagWrite:
		if err := s.reactor.AddEvent(c.event); err != nil {
			s.logger.Warn("re-register connection failed", "fd", c.fd, "error", err)
			s.closeConn(c)
		}
	}
}

func (s *echoServer) closeConn(c *conn) {
	s.reactor.RemoveEvent(c.event)
	delete(s.conns, c.fd)
	unix.Close(c.fd)
}
