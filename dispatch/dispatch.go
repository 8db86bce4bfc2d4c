// Package dispatch provides the single control queue that every session and
// playback state transition runs on, and a clock whose timers fire onto it.
package dispatch

import (
	"context"
	"sync"
	"time"
)

// Queue runs functions one at a time, in the order they were posted.
type Queue interface {
	Post(fn func())
}

// Inline runs every posted function immediately on the caller. It is meant
// for callers that already serialize their calls (tests, single goroutine
// programs).
type Inline struct{}

// Post runs fn right away.
func (Inline) Post(fn func()) {
	if fn != nil {
		fn()
	}
}

// Loop is a Queue backed by a buffered channel and drained by Run.
type Loop struct {
	ch      chan func()
	done    chan struct{}
	closeMu sync.Once
}

// NewLoop creates a Loop with room for size pending functions.
func NewLoop(size int) *Loop {
	if size <= 0 {
		size = 64
	}
	return &Loop{
		ch:   make(chan func(), size),
		done: make(chan struct{}),
	}
}

// Post enqueues fn. It blocks while the buffer is full and silently drops fn
// once the loop has stopped.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	select {
	case <-l.done:
		return
	default:
	}

	select {
	case l.ch <- fn:
	case <-l.done:
	}
}

// Run drains the queue until ctx is canceled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer l.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case fn := <-l.ch:
			fn()
		}
	}
}

// Stop makes Run return and turns future Posts into no-ops.
func (l *Loop) Stop() {
	l.closeMu.Do(func() {
		close(l.done)
	})
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the
	// call stopped the timer.
	Stop() bool
}

// Clock abstracts wall time so that timers can be driven by tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// NewClock returns a real-time Clock whose callbacks are posted on q instead
// of running on the timer goroutine.
func NewClock(q Queue) Clock {
	return &queueClock{q: q}
}

type queueClock struct {
	q Queue
}

func (c *queueClock) Now() time.Time { return time.Now() }

func (c *queueClock) AfterFunc(d time.Duration, fn func()) Timer {
	qt := &queuedTimer{}
	qt.t = time.AfterFunc(d, func() {
		c.q.Post(func() {
			// A Stop that raced with the expiry wins.
			if qt.stopped() {
				return
			}
			fn()
		})
	})
	return qt
}

type queuedTimer struct {
	t    *time.Timer
	mu   sync.Mutex
	done bool
}

func (qt *queuedTimer) Stop() bool {
	qt.mu.Lock()
	qt.done = true
	qt.mu.Unlock()
	return qt.t.Stop()
}

func (qt *queuedTimer) stopped() bool {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	return qt.done
}
