// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package controlflow

import (
	"container/heap"
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// TimerID identifies a scheduled timer for cancellation.
type TimerID uint64

// schedTimer is a single entry in the scheduler's timer heap.
type schedTimer struct {
	when      time.Time
	fn        func()
	id        TimerID
	cancelled bool
}

// timerHeap is a min-heap of timers ordered by deadline, ties broken by ID
// (insertion order).
type timerHeap []*schedTimer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].id < h[j].id
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(*schedTimer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// scheduler is the single environment primitive the runtime consumes: a way
// to schedule a callback "as soon as possible but not synchronously" (a
// microtask) and a way to schedule a callback after a delay, both
// cancellable.
//
// It owns one goroutine. All microtask and timer callbacks execute on that
// goroutine, one at a time; every piece of queue and promise state in this
// package is confined to it. Producers on other goroutines push work under
// the mutex and wake the loop via a buffered channel.
type scheduler struct {
	mu     sync.Mutex
	micro  []func()
	timers timerHeap
	byID   map[TimerID]*schedTimer

	wake chan struct{}
	done chan struct{}

	state       atomicFlowState
	nextTimerID atomic.Uint64
	goroutineID atomic.Uint64
}

func newScheduler() *scheduler {
	s := &scheduler{
		byID: make(map[TimerID]*schedTimer),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// run is the scheduler goroutine: drain microtasks, fire due timers, sleep
// until the next deadline or an external wake-up.
func (s *scheduler) run() {
	s.goroutineID.Store(getGoroutineID())
	defer s.goroutineID.Store(0)
	defer close(s.done)

	for {
		if fn := s.next(); fn != nil {
			s.safeExecute(fn)
			continue
		}

		// No runnable work. A terminating scheduler that has fully drained
		// its microtasks may now stop; future timers are discarded.
		if s.state.Load() != flowRunning {
			s.state.Store(flowTerminated)
			return
		}

		s.sleep()
	}
}

// next pops the next runnable callback: microtasks strictly before timers,
// timers in deadline order. Returns nil when nothing is currently due.
func (s *scheduler) next() func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.micro) > 0 {
		fn := s.micro[0]
		s.micro[0] = nil
		s.micro = s.micro[1:]
		return fn
	}

	now := time.Now()
	for len(s.timers) > 0 {
		t := s.timers[0]
		if t.cancelled {
			heap.Pop(&s.timers)
			continue
		}
		if t.when.After(now) {
			break
		}
		heap.Pop(&s.timers)
		delete(s.byID, t.id)
		return t.fn
	}
	return nil
}

// sleep blocks until the next timer deadline or a wake-up.
func (s *scheduler) sleep() {
	s.mu.Lock()
	var wait time.Duration = -1
	for len(s.timers) > 0 && s.timers[0].cancelled {
		heap.Pop(&s.timers)
	}
	if len(s.timers) > 0 {
		wait = time.Until(s.timers[0].when)
		if wait < 0 {
			wait = 0
		}
	}
	s.mu.Unlock()

	if wait < 0 {
		<-s.wake
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.wake:
	case <-timer.C:
	}
}

// wakeup nudges the scheduler goroutine out of sleep. Coalesced: the wake
// channel holds at most one pending signal.
func (s *scheduler) wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ScheduleMicrotask schedules fn to run on the scheduler goroutine as soon
// as possible, but never synchronously.
func (s *scheduler) ScheduleMicrotask(fn func()) error {
	if s.state.IsTerminal() {
		return ErrFlowTerminated
	}
	s.mu.Lock()
	s.micro = append(s.micro, fn)
	s.mu.Unlock()
	s.wakeup()
	return nil
}

// ScheduleTimer schedules fn to run on the scheduler goroutine after delay.
func (s *scheduler) ScheduleTimer(delay time.Duration, fn func()) (TimerID, error) {
	if s.state.Load() != flowRunning {
		return 0, ErrFlowTerminated
	}
	if delay < 0 {
		delay = 0
	}
	t := &schedTimer{
		id:   TimerID(s.nextTimerID.Add(1)),
		when: time.Now().Add(delay),
		fn:   fn,
	}
	s.mu.Lock()
	heap.Push(&s.timers, t)
	s.byID[t.id] = t
	s.mu.Unlock()
	s.wakeup()
	return t.id, nil
}

// CancelTimer cancels a previously scheduled timer. Returns
// [ErrTimerNotFound] if the timer does not exist or has already fired.
func (s *scheduler) CancelTimer(id TimerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return ErrTimerNotFound
	}
	t.cancelled = true
	delete(s.byID, id)
	return nil
}

// Call runs fn on the scheduler goroutine: synchronously when already on it,
// otherwise as a microtask. Returns [ErrFlowTerminated] once the scheduler
// goroutine has exited.
func (s *scheduler) Call(fn func()) error {
	if s.isLoopThread() {
		fn()
		return nil
	}
	select {
	case <-s.done:
		return ErrFlowTerminated
	default:
	}
	s.mu.Lock()
	s.micro = append(s.micro, fn)
	s.mu.Unlock()
	s.wakeup()
	return nil
}

// Shutdown requests termination, waits for the scheduler goroutine to drain
// its microtask queue and exit, or for ctx to expire.
func (s *scheduler) Shutdown(ctx context.Context) error {
	if !s.state.TryTransition(flowRunning, flowTerminating) {
		if s.state.IsTerminal() {
			return ErrFlowTerminated
		}
	}
	s.wakeup()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// safeExecute executes a callback with panic recovery. Scheduler callbacks
// are internal plumbing; user code is invoked further down with its own
// recovery that routes panics into promise rejections, so a panic reaching
// here indicates plumbing that must not take down the loop.
func (s *scheduler) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			panicGlobally(PanicError{Value: r})
		}
	}()
	fn()
}

// isLoopThread checks if we're on the scheduler goroutine.
func (s *scheduler) isLoopThread() bool {
	id := s.goroutineID.Load()
	return id != 0 && getGoroutineID() == id
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// panicGlobally raises err on a fresh goroutine so it reaches the process's
// crash channel and cannot be swallowed by a recover further up the
// scheduler's own stack.
func panicGlobally(err error) {
	go panic(err)
}
