// Command bfenv-echo is a small TCP echo server built directly on the
// reactor and worker: accept() runs on the reactor goroutine, and every
// read/write is offloaded to the worker so the reactor goroutine never
// blocks in a syscall.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openbfdev/bfenv"
	"github.com/openbfdev/bfenv/internal/logging"
)

func defaultBackendName() string {
	if runtime.GOOS == "linux" {
		return "epoll"
	}
	return "poll"
}

func main() {
	var (
		backendName = flag.String("backend", defaultBackendName(), "reactor backend: select, poll, or epoll")
		addr        = flag.String("addr", "127.0.0.1:9090", "listen address")
		verbose     = flag.Bool("v", false, "verbose logging")
		workerDepth = flag.Int("worker-depth", bfenv.DefaultWorkerDepth, "I/O worker ring depth")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	listenFd, err := listenTCP(*addr)
	if err != nil {
		logger.Error("listen failed", "addr", *addr, "error", err)
		os.Exit(1)
	}
	defer unix.Close(listenFd)

	worker, err := bfenv.NewWorker(*workerDepth, bfenv.SigRead|bfenv.SigWrite, &bfenv.WorkerOptions{Logger: logger})
	if err != nil {
		logger.Error("worker create failed", "error", err)
		os.Exit(1)
	}
	defer worker.Close(nil)

	reactor, err := bfenv.NewReactor(*backendName, &bfenv.ReactorOptions{Logger: logger})
	if err != nil {
		logger.Error("reactor create failed", "backend", *backendName, "error", err)
		os.Exit(1)
	}
	defer reactor.Close()

	srv := newEchoServer(reactor, worker, logger)

	listenEvent := &bfenv.Event{Fd: listenFd, Interest: bfenv.Read, Callback: srv.onAcceptReady}
	if err := reactor.AddEvent(listenEvent); err != nil {
		logger.Error("register listener failed", "error", err)
		os.Exit(1)
	}
	defer reactor.RemoveEvent(listenEvent)

	workerEvent := &bfenv.Event{Fd: worker.EventDescriptor(), Interest: bfenv.Read, Callback: srv.onWorkerReady}
	if err := reactor.AddEvent(workerEvent); err != nil {
		logger.Error("register worker descriptor failed", "error", err)
		os.Exit(1)
	}
	defer reactor.RemoveEvent(workerEvent)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("echo server listening", "addr", *addr, "backend", *backendName)

	for ctx.Err() == nil {
		if err := reactor.Run(100 * time.Millisecond); err != nil {
			logger.Error("reactor run error", "error", err)
			break
		}
	}
	logger.Info("shutting down")
}

func listenTCP(addr string) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}

	var sa unix.SockaddrInet4
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	sa.Port = tcpAddr.Port

	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
