package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T, clock clockwork.Clock) *Loop {
	t.Helper()
	l := New(clock)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestLoop_RunsTasksInOrder(t *testing.T) {
	l := startLoop(t, nil)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		require.True(t, l.Post(func() { order = append(order, i) }))
	}
	// Call runs after everything posted before it.
	require.NoError(t, l.Call(context.Background(), func() {}))

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestLoop_PostFromTask(t *testing.T) {
	l := startLoop(t, nil)

	done := make(chan string, 1)
	l.Post(func() {
		l.Post(func() { done <- "nested" })
	})

	select {
	case got := <-done:
		assert.Equal(t, "nested", got)
	case <-time.After(2 * time.Second):
		t.Fatal("nested task never ran")
	}
}

func TestLoop_AfterUsesClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := startLoop(t, clock)

	var fired atomic.Bool
	l.After(30*time.Second, func() { fired.Store(true) })

	clock.Advance(29 * time.Second)
	require.NoError(t, l.Call(context.Background(), func() {}))
	assert.False(t, fired.Load(), "timer fired early")

	clock.Advance(time.Second)
	assert.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}

func TestAwait_ContinuationRunsOnLoop(t *testing.T) {
	l := startLoop(t, nil)

	// state is only touched from loop tasks
	state := 0
	result := make(chan int, 1)
	l.Post(func() {
		state = 1
		Await(l, context.Background(), func(context.Context) (int, error) {
			return 41, nil
		}, func(v int, err error) {
			assert.NoError(t, err)
			state += v
			result <- state
		})
	})

	select {
	case got := <-result:
		assert.Equal(t, 42, got)
	case <-time.After(2 * time.Second):
		t.Fatal("continuation never ran")
	}
}

func TestAwait_PropagatesError(t *testing.T) {
	l := startLoop(t, nil)

	boom := errors.New("boom")
	got := make(chan error, 1)
	l.Post(func() {
		Await(l, context.Background(), func(context.Context) (struct{}, error) {
			return struct{}{}, boom
		}, func(_ struct{}, err error) { got <- err })
	})

	select {
	case err := <-got:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("continuation never ran")
	}
}

func TestLoop_RecoversFromPanic(t *testing.T) {
	l := startLoop(t, nil)

	l.Post(func() { panic("task failure") })
	ran := false
	require.NoError(t, l.Call(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestLoop_StoppedRejectsWork(t *testing.T) {
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	cancel()
	<-l.Done()

	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Call(context.Background(), func() {}), ErrStopped)
}

func TestLoop_CallHonoursContext(t *testing.T) {
	l := startLoop(t, nil)

	release := make(chan struct{})
	l.Post(func() { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Call(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
