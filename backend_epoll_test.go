//go:build linux

package bfenv

import (
	"os"
	"testing"
	"time"
)

func TestEpollBackendReadReady(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	reactor, err := NewReactor("epoll", nil)
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	defer reactor.Close()

	fired := false
	event := &Event{
		Fd:       int(r.Fd()),
		Interest: Read,
		Callback: func(e *Event) error {
			fired = true
			return nil
		},
	}
	if err := reactor.AddEvent(event); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	defer reactor.RemoveEvent(event)

	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := reactor.Run(500 * time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !fired {
		t.Error("expected read event to fire")
	}
}

func TestEpollBackendSupportsEdge(t *testing.T) {
	reactor, err := NewReactor("epoll", nil)
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	defer reactor.Close()

	r, w, _ := os.Pipe()
	defer r.Close()
	defer w.Close()

	event := &Event{Fd: int(r.Fd()), Interest: Read | Edge}
	if err := reactor.AddEvent(event); err != nil {
		t.Fatalf("AddEvent with Edge should succeed on epoll backend: %v", err)
	}
	reactor.RemoveEvent(event)
}
