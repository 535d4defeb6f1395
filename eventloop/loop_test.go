package eventloop_test

import (
	"sync"
	"testing"
	"time"

	"github.com/sagernet/netchan/eventloop"
	"github.com/stretchr/testify/require"
)

// TestExecuteOrderingFromOutside verifies enqueue order is preserved when
// every caller is off the loop's own goroutine.
func TestExecuteOrderingFromOutside(t *testing.T) {
	loop := eventloop.New()
	defer loop.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		i := i
		loop.Execute(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

// TestExecuteInlineOnLoop verifies Execute runs its task inline (not
// re-enqueued) when already called from the loop's own goroutine, letting
// channel operations call each other directly without deadlocking.
func TestExecuteInlineOnLoop(t *testing.T) {
	loop := eventloop.New()
	defer loop.Stop()

	done := make(chan struct{})
	loop.Execute(func() {
		require.True(t, loop.InEventLoop())
		inner := false
		loop.Execute(func() { inner = true })
		// Inline execution means inner already ran by the time Execute returns.
		require.True(t, inner)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}

// TestExecuteLaterAlwaysDefers verifies ExecuteLater never runs inline, even
// when called from the loop's own goroutine.
func TestExecuteLaterAlwaysDefers(t *testing.T) {
	loop := eventloop.New()
	defer loop.Stop()

	done := make(chan struct{})
	loop.Execute(func() {
		ran := false
		loop.ExecuteLater(func() {
			ran = true
			close(done)
		})
		require.False(t, ran, "ExecuteLater must not run inline")
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deferred task never ran")
	}
}

// TestInEventLoopFalseFromOutside verifies InEventLoop reports false when
// called from outside the loop while it is idle.
func TestInEventLoopFalseFromOutside(t *testing.T) {
	loop := eventloop.New()
	defer loop.Stop()
	require.False(t, loop.InEventLoop())
}

// TestScheduleFiresAfterDelay verifies a scheduled task runs once its
// deadline passes, on the loop's own goroutine.
func TestScheduleFiresAfterDelay(t *testing.T) {
	loop := eventloop.New()
	defer loop.Stop()

	fired := make(chan struct{})
	loop.Schedule(10*time.Millisecond, func() {
		require.True(t, loop.InEventLoop())
		close(fired)
	})
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

// TestScheduleCancel verifies Cancel prevents a not-yet-fired task from
// running.
func TestScheduleCancel(t *testing.T) {
	loop := eventloop.New()
	defer loop.Stop()

	fired := make(chan struct{})
	timer := loop.Schedule(100*time.Millisecond, func() { close(fired) })
	timer.Cancel()

	select {
	case <-fired:
		t.Fatal("cancelled timer fired anyway")
	case <-time.After(200 * time.Millisecond):
	}
}
