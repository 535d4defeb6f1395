// Package eventloop provides the single-threaded task executor that every
// netchan Channel is pinned to. A Loop drains a task queue and a min-heap of
// scheduled timers on one goroutine, the same way a multiplexed session runs
// its receive/send/control loops each on their own dedicated goroutine
// instead of behind a generic pool.
package eventloop

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a unit of work run on the loop's goroutine.
type Task func()

// Loop is a single-threaded executor with a task queue and a timer heap.
// All Channel state transitions for channels registered on a Loop happen on
// its goroutine; see Channel.assertInEventLoop.
type Loop struct {
	mu    sync.Mutex
	queue []Task

	wake    chan struct{}
	die     chan struct{}
	dieOnce sync.Once

	timerMu sync.Mutex
	timers  timerHeap

	executing int32 // 1 while the loop goroutine is draining tasks/timers
}

// New starts a Loop and returns it. The loop runs until Stop is called.
func New() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		die:  make(chan struct{}),
	}
	go l.run()
	return l
}

// InEventLoop reports whether the calling goroutine is the loop's own
// goroutine. Because the loop drains one task at a time, this flag can only
// be true while that very goroutine is inside a task callback — there is no
// way for a second goroutine to observe it as true while genuinely being a
// different goroutine, since the loop never runs two tasks concurrently.
func (l *Loop) InEventLoop() bool {
	return atomic.LoadInt32(&l.executing) == 1
}

// Execute runs fn on the loop. If the caller is already on the loop, fn runs
// inline (this is what lets register/bind/connect/etc. call each other
// directly without re-enqueueing); otherwise fn is queued and run in order
// relative to every other Execute/Schedule call.
func (l *Loop) Execute(fn Task) {
	if fn == nil {
		return
	}
	if l.InEventLoop() {
		fn()
		return
	}
	l.enqueue(fn)
}

// ExecuteLater always enqueues fn, even when the caller is already on the
// loop — unlike Execute, it never runs inline. The channel core uses it to
// defer an inbound event (e.g. channelInactive fired from inside a close()
// that was itself triggered by a handler callback) so it never reenters
// the handler chain's own call stack.
func (l *Loop) ExecuteLater(fn Task) {
	if fn == nil {
		return
	}
	l.enqueue(fn)
}

// enqueue appends fn to the pending queue. The queue is a plain slice, not a
// bounded channel: the loop's own goroutine must be able to enqueue via
// ExecuteLater without ever blocking on itself.
func (l *Loop) enqueue(fn Task) {
	select {
	case <-l.die:
		return
	default:
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.nudge()
}

// Timer is a handle to a scheduled task; Cancel is idempotent and safe to
// call from any goroutine, though it only has effect if invoked before (or
// during) the loop's attempt to run the task.
type Timer struct {
	task *timerTask
	loop *Loop
}

// Cancel prevents a scheduled task from running, if it hasn't already.
func (t *Timer) Cancel() {
	t.loop.Execute(func() {
		t.loop.timerMu.Lock()
		defer t.loop.timerMu.Unlock()
		if t.task.index >= 0 {
			heap.Remove(&t.loop.timers, t.task.index)
		}
		t.task.cancelled = true
	})
}

// Schedule runs fn once after d, on the loop's goroutine. The shape mirrors
// ezex-io-gopkg/scheduler.After(ctx, d).Do(fn) (a timer plus a select) but
// the wait happens inside the owning loop instead of a fresh goroutine, so
// cancellation can never race a concurrent firing.
func (l *Loop) Schedule(d time.Duration, fn Task) *Timer {
	tt := &timerTask{deadline: time.Now().Add(d), fn: fn, index: -1}
	timer := &Timer{task: tt, loop: l}
	l.Execute(func() {
		l.timerMu.Lock()
		heap.Push(&l.timers, tt)
		l.timerMu.Unlock()
		l.nudge()
	})
	return timer
}

// Stop terminates the loop. Pending tasks are dropped; scheduled timers are
// abandoned. Stop is idempotent.
func (l *Loop) Stop() {
	l.dieOnce.Do(func() {
		close(l.die)
	})
}

func (l *Loop) nudge() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		l.drainTasks()
		l.resetTimer(timer)

		select {
		case <-l.die:
			return
		case <-l.wake:
		case <-timer.C:
			l.fireDueTimers()
		}
	}
}

// drainTasks pops and runs queued tasks one at a time, so tasks a running
// task enqueues are picked up in the same pass, in order.
func (l *Loop) drainTasks() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()
		l.runTask(fn)
	}
}

func (l *Loop) runTask(fn Task) {
	atomic.StoreInt32(&l.executing, 1)
	defer atomic.StoreInt32(&l.executing, 0)
	fn()
}

// resetTimer points the loop's wakeup timer at the earliest pending
// deadline, or far in the future if none is scheduled.
func (l *Loop) resetTimer(timer *time.Timer) {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()

	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}

	if len(l.timers) == 0 {
		timer.Reset(time.Hour)
		return
	}

	d := time.Until(l.timers[0].deadline)
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

func (l *Loop) fireDueTimers() {
	atomic.StoreInt32(&l.executing, 1)
	defer atomic.StoreInt32(&l.executing, 0)

	now := time.Now()
	for {
		l.timerMu.Lock()
		if len(l.timers) == 0 || l.timers[0].deadline.After(now) {
			l.timerMu.Unlock()
			return
		}
		tt := heap.Pop(&l.timers).(*timerTask)
		l.timerMu.Unlock()

		if !tt.cancelled {
			tt.fn()
		}
	}
}

type timerTask struct {
	deadline  time.Time
	fn        Task
	index     int
	cancelled bool
}

// timerHeap is a container/heap min-heap ordered by deadline, the same way
// a shaping loop prioritizes control frames over data frames — here
// priority is "soonest first".
type timerHeap []*timerTask

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	tt := x.(*timerTask)
	tt.index = len(*h)
	*h = append(*h, tt)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	tt := old[n-1]
	old[n-1] = nil
	tt.index = -1
	*h = old[:n-1]
	return tt
}
