package bfenv

import (
	"errors"
	"testing"
	"time"
)

func TestReactorRunTimesOutGracefully(t *testing.T) {
	reactor, err := NewReactor("poll", nil)
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	defer reactor.Close()

	start := time.Now()
	if err := reactor.Run(50 * time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Run returned too early: %v", elapsed)
	}
}

func TestReactorTimerFiresInOrder(t *testing.T) {
	reactor, err := NewReactor("poll", nil)
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	defer reactor.Close()

	var order []int

	t3 := &Timer{Callback: func(*Timer) error { order = append(order, 3); return nil }}
	t1 := &Timer{Callback: func(*Timer) error { order = append(order, 1); return nil }}
	t2 := &Timer{Callback: func(*Timer) error { order = append(order, 2); return nil }}

	if err := reactor.AddTimer(t3, 30*time.Millisecond); err != nil {
		t.Fatalf("AddTimer t3: %v", err)
	}
	if err := reactor.AddTimer(t1, 10*time.Millisecond); err != nil {
		t.Fatalf("AddTimer t1: %v", err)
	}
	if err := reactor.AddTimer(t2, 20*time.Millisecond); err != nil {
		t.Fatalf("AddTimer t2: %v", err)
	}

	if err := reactor.Run(200 * time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("fire order = %v, want [1 2 3]", order)
	}
}

func TestReactorTimerZeroDelayFiresNextIteration(t *testing.T) {
	reactor, err := NewReactor("poll", nil)
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	defer reactor.Close()

	fired := false
	timer := &Timer{Callback: func(*Timer) error { fired = true; return nil }}
	if err := reactor.AddTimer(timer, 0); err != nil {
		t.Fatalf("AddTimer: %v", err)
	}

	if err := reactor.Run(50 * time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !fired {
		t.Error("expected zero-delay timer to fire")
	}
}

func TestReactorCallbackErrorAbortsRun(t *testing.T) {
	reactor, err := NewReactor("poll", nil)
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	defer reactor.Close()

	boom := errors.New("boom")
	timer := &Timer{Callback: func(*Timer) error { return boom }}
	if err := reactor.AddTimer(timer, 0); err != nil {
		t.Fatalf("AddTimer: %v", err)
	}

	err = reactor.Run(200 * time.Millisecond)
	if !errors.Is(err, boom) {
		t.Errorf("Run() error = %v, want to wrap %v", err, boom)
	}
}

func TestReactorRemoveTimerIdempotent(t *testing.T) {
	reactor, err := NewReactor("poll", nil)
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	defer reactor.Close()

	timer := &Timer{Callback: func(*Timer) error { return nil }}
	if err := reactor.AddTimer(timer, time.Second); err != nil {
		t.Fatalf("AddTimer: %v", err)
	}
	reactor.RemoveTimer(timer)
	reactor.RemoveTimer(timer) // must not panic
	if timer.Pending() {
		t.Error("timer should not be pending after removal")
	}
}

func TestReactorAddTimerRejectsNegativeDelay(t *testing.T) {
	reactor, err := NewReactor("poll", nil)
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	defer reactor.Close()

	timer := &Timer{}
	err = reactor.AddTimer(timer, -time.Second)
	if !IsCode(err, ErrCodeInvalid) {
		t.Errorf("expected ErrCodeInvalid for negative delay, got %v", err)
	}
}

func TestNewReactorUnknownBackend(t *testing.T) {
	_, err := NewReactor("nonexistent", nil)
	if !IsCode(err, ErrCodeNotFound) {
		t.Errorf("expected ErrCodeNotFound for unknown backend, got %v", err)
	}
}

func TestReactorRemoveEventClearsReadyQueue(t *testing.T) {
	reactor, err := NewReactor("poll", nil)
	if err != nil {
		t.Fatalf("NewReactor: %v", err)
	}
	defer reactor.Close()

	fired := false
	event := &Event{Fd: 0, Interest: Blocking, Callback: func(*Event) error { fired = true; return nil }}
	if err := reactor.AddEvent(event); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}

	reactor.RaiseEvent(event)
	if !event.Pending() {
		t.Fatal("expected event to be pending after RaiseEvent")
	}

	reactor.RemoveEvent(event)
	if event.Pending() {
		t.Error("expected event to no longer be pending after RemoveEvent")
	}
	_ = fired
}
