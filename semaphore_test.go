package bfenv

import (
	"context"
	"testing"
	"time"
)

func TestCountingSemaphorePostThenWait(t *testing.T) {
	sem := newCountingSemaphore()
	sem.post()

	ctx := context.Background()
	if !sem.wait(ctx) {
		t.Fatal("wait should succeed immediately after post")
	}
}

func TestCountingSemaphoreWaitThenPost(t *testing.T) {
	sem := newCountingSemaphore()
	result := make(chan bool, 1)

	go func() {
		result <- sem.wait(context.Background())
	}()

	time.Sleep(10 * time.Millisecond) // let the waiter park
	sem.post()

	select {
	case ok := <-result:
		if !ok {
			t.Error("wait should succeed after post")
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not return after post")
	}
}

func TestCountingSemaphoreContextCancel(t *testing.T) {
	sem := newCountingSemaphore()
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan bool, 1)
	go func() {
		result <- sem.wait(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case ok := <-result:
		if ok {
			t.Error("wait should fail after context cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not return after cancellation")
	}
}

func TestCountingSemaphoreClose(t *testing.T) {
	sem := newCountingSemaphore()
	result := make(chan bool, 1)

	go func() {
		result <- sem.wait(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	sem.close()

	select {
	case ok := <-result:
		if ok {
			t.Error("wait should fail after close")
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not return after close")
	}

	if sem.wait(context.Background()) {
		t.Error("wait on an already-closed semaphore should fail immediately")
	}
}
