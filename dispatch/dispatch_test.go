package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestLoopRunsInPostOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := NewLoop(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finished := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(finished)
	}()

	var got []int
	done := make(chan struct{})
	for i := range 5 {
		l.Post(func() { got = append(got, i) })
	}
	l.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not drain")
	}

	cancel()
	<-finished

	want := []int{0, 1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestLoopPostAfterStopIsDropped(t *testing.T) {
	l := NewLoop(1)
	l.Stop()

	ran := false
	l.Post(func() { ran = true })
	l.Post(func() { ran = true })

	if ran {
		t.Fatal("posted function ran after Stop")
	}

	select {
	case <-l.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestInlineRunsImmediately(t *testing.T) {
	ran := false
	Inline{}.Post(func() { ran = true })
	Inline{}.Post(nil)
	if !ran {
		t.Fatal("Inline did not run fn")
	}
}

func TestQueueClockPostsOnQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := NewLoop(4)
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(finished)
	}()

	clock := NewClock(l)
	fired := make(chan struct{})
	clock.AfterFunc(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer callback never ran")
	}

	cancel()
	<-finished
}

func TestQueueClockStopPreventsCallback(t *testing.T) {
	var mu sync.Mutex
	ran := false
	clock := NewClock(Inline{})
	tm := clock.AfterFunc(20*time.Millisecond, func() {
		mu.Lock()
		ran = true
		mu.Unlock()
	})

	if !tm.Stop() {
		t.Fatal("Stop() = false on a pending timer")
	}

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if ran {
		t.Fatal("stopped timer fired")
	}
}
