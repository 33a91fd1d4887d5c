// Package scheduler provides the single-threaded cooperative event loop that owns
// all credential and prediction state.
//
// Tasks posted to a Loop run one at a time on the loop goroutine. Blocking work
// (network calls) is started with Await, which runs the operation on a helper
// goroutine and posts the continuation back onto the loop once it returns. Timers
// created with After do the same. Code that only touches state from loop tasks
// therefore needs no locks.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrStopped is returned when work is submitted to a loop that is no longer running.
var ErrStopped = errors.New("scheduler: loop stopped")

// Loop runs posted tasks serially.
type Loop struct {
	clock clockwork.Clock

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

// New creates a loop driven by clock. A nil clock uses the real clock.
func New(clock clockwork.Clock) *Loop {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Loop{
		clock: clock,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Clock returns the clock used for timers.
func (l *Loop) Clock() clockwork.Clock { return l.clock }

// Run executes tasks until ctx is cancelled. Pending tasks are dropped on exit.
func (l *Loop) Run(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	}()
	for {
		l.mu.Lock()
		var task func()
		if len(l.queue) > 0 {
			task = l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
		}
		l.mu.Unlock()

		if task != nil {
			l.runTask(task)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler task panicked", slog.Any("panic", r), slog.String("component", "scheduler"))
		}
	}()
	task()
}

// Post enqueues fn. It is safe to call from any goroutine, including loop tasks.
// It reports false when the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to finish. It must not be called
// from a loop task.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// After posts fn onto the loop once d has elapsed on the loop clock.
func (l *Loop) After(d time.Duration, fn func()) clockwork.Timer {
	if d < 0 {
		d = 0
	}
	return l.clock.AfterFunc(d, func() { l.Post(fn) })
}

// Await runs op on a helper goroutine and posts then(result, err) back onto the
// loop. The calling task returns immediately; loop state must not be assumed
// unchanged when then runs.
func Await[T any](l *Loop, ctx context.Context, op func(context.Context) (T, error), then func(T, error)) {
	go func() {
		v, err := op(ctx)
		if !l.Post(func() { then(v, err) }) {
			slog.Debug("scheduler dropped continuation after stop", slog.String("component", "scheduler"))
		}
	}()
}
