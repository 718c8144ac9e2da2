// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package controlflow

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// ControlFlow coordinates the execution of scheduled tasks, giving each the
// illusion of a synchronous environment over a chain of asynchronous steps.
//
// Every flow owns one scheduler goroutine; all task functions, callbacks,
// and listeners run there, one at a time. The exported methods are safe to
// call from any goroutine. Construct with [New]; a flow keeps its goroutine
// until [ControlFlow.Shutdown].
type ControlFlow struct {
	sched  *scheduler
	logger *Logger
	events *eventEmitter

	name string

	// roots are the live top-level queues, newest last. Work arriving from
	// outside a task joins the newest root until that root is blocked on a
	// pending frame with nothing else queued; after that a sibling queue
	// is opened so independent entry points are not serialized behind a
	// blocked task. active is the nested frame queue of the currently
	// executing task, non-nil only for the duration of a task function.
	roots  []*taskQueue
	active *taskQueue

	// propagateUnhandled controls whether unhandled rejections abort their
	// queue (true, the default) or are merely reported.
	propagateUnhandled bool

	idleDebounce time.Duration
	idleArmed    bool

	nextPromiseID atomic.Uint64
	nextQueueID   atomic.Uint64
}

// New creates a control flow and starts its scheduler goroutine.
func New(opts ...Option) *ControlFlow {
	cfg := newFlowConfig()
	for _, o := range opts {
		if o != nil {
			o.apply(cfg)
		}
	}
	f := &ControlFlow{
		logger:             cfg.logger,
		events:             newEventEmitter(),
		name:               cfg.name,
		propagateUnhandled: cfg.propagateUnhandled,
		idleDebounce:       cfg.idleDebounce,
	}
	f.sched = newScheduler()
	f.logger.Info().
		Str("flow", f.name).
		Log("control flow started")
	return f
}

// Shutdown stops the flow's scheduler goroutine, waiting for already-queued
// microtasks to drain or ctx to expire. Pending timers are discarded and
// the flow becomes inert: further scheduling is rejected with
// [ErrFlowTerminated].
func (f *ControlFlow) Shutdown(ctx context.Context) error {
	err := f.sched.Shutdown(ctx)
	f.logger.Info().
		Str("flow", f.name).
		Log("control flow shut down")
	return err
}

// Execute schedules fn for execution in the current frame: the nested queue
// of the task currently running, or a root queue when called from outside
// any task. Returns a promise for fn's result; if fn returns an
// [Awaitable], the promise adopts it.
func (f *ControlFlow) Execute(fn TaskFunc, desc string) *Promise {
	t := newTask(f, fn, desc)
	if err := f.sched.Call(func() {
		f.activeOrRootQueue().enqueue(t)
		f.events.emit(EventScheduleTask, t.desc)
	}); err != nil {
		// Scheduler goroutine is gone; nothing else can touch the promise.
		t.promise.settle(Rejected, nil, err)
	}
	return t.promise
}

// Timeout schedules a task that fulfills with nil after delay, counted from
// when the task is dequeued, not from when Timeout is called.
func (f *ControlFlow) Timeout(delay time.Duration, desc string) *Promise {
	if desc == "" {
		desc = fmt.Sprintf("timeout: %s", delay)
	}
	return f.Execute(func() (Value, error) {
		d := f.NewDeferred(desc)
		if _, err := f.sched.ScheduleTimer(delay, func() {
			d.Resolve(nil)
		}); err != nil {
			return nil, err
		}
		return d.Promise, nil
	}, desc)
}

// Wait schedules a task that polls condition until it produces a truthy
// value, which fulfills the returned promise. Each poll runs condition as
// its own task in the wait's frame, so it may schedule nested work; an
// error from any poll rejects the promise immediately.
//
// The timeout is only checked after a poll completes falsy, so a condition
// that becomes truthy exactly at the deadline still wins. A timeout <= 0
// polls forever. On timeout the promise rejects with a [TimeoutError]
// carrying message.
func (f *ControlFlow) Wait(condition TaskFunc, timeout time.Duration, message string) *Promise {
	desc := message
	if desc == "" {
		desc = "wait"
	}
	start := time.Now()
	return f.Execute(func() (Value, error) {
		d := f.NewDeferred(desc)
		// Repolls fire from timer turns, outside any task; the hold keeps
		// this frame open so they land here rather than behind the parent
		// queue's pending frame.
		frame := f.active
		frame.hold()
		d.Promise.observe(func(Value) { frame.release() }, func(error) { frame.release() })
		var poll func()
		poll = func() {
			t := newTask(f, condition, desc+" (condition)")
			frame.enqueue(t)
			t.promise.WhenSettled(func(v Value) {
				if isTruthy(v) {
					d.Resolve(v)
					return
				}
				elapsed := time.Since(start)
				if timeout > 0 && elapsed >= timeout {
					d.Reject(&TimeoutError{Message: message, Elapsed: elapsed})
					return
				}
				if _, err := f.sched.ScheduleTimer(0, poll); err != nil {
					d.Reject(err)
				}
			}, func(err error) {
				d.Reject(err)
			})
		}
		poll()
		return d.Promise, nil
	}, desc)
}

// WaitFor schedules a task that settles with the outcome of a, rejecting
// with a [TimeoutError] if a is still unsettled after timeout. A timeout
// <= 0 waits indefinitely. On timeout, cancellation is forwarded to a.
func (f *ControlFlow) WaitFor(a Awaitable, timeout time.Duration, message string) *Promise {
	desc := message
	if desc == "" {
		desc = "waitFor"
	}
	start := time.Now()
	return f.Execute(func() (Value, error) {
		d := f.NewDeferred(desc)
		var timer TimerID
		var armed bool
		if timeout > 0 {
			id, err := f.sched.ScheduleTimer(timeout, func() {
				terr := &TimeoutError{Message: message, Elapsed: time.Since(start)}
				d.Reject(terr)
				a.Cancel(terr)
			})
			if err != nil {
				return nil, err
			}
			timer, armed = id, true
		}
		disarm := func() {
			if armed {
				armed = false
				_ = f.sched.CancelTimer(timer)
			}
		}
		a.WhenSettled(func(v Value) {
			disarm()
			d.Resolve(v)
		}, func(err error) {
			disarm()
			d.Reject(err)
		})
		return d.Promise, nil
	}, desc)
}

// AddListener registers fn for event. Listeners run on the flow's scheduler
// goroutine.
func (f *ControlFlow) AddListener(event EventType, fn func(data Value)) ListenerID {
	id := ListenerID(f.events.nextID.Add(1))
	_ = f.sched.Call(func() {
		f.events.listeners[event] = append(f.events.listeners[event], &eventListener{
			id:    id,
			event: event,
			fn:    fn,
		})
	})
	return id
}

// Once registers fn for event, removed automatically after its first
// invocation.
func (f *ControlFlow) Once(event EventType, fn func(data Value)) ListenerID {
	id := ListenerID(f.events.nextID.Add(1))
	_ = f.sched.Call(func() {
		f.events.listeners[event] = append(f.events.listeners[event], &eventListener{
			id:    id,
			event: event,
			fn:    fn,
			once:  true,
		})
	})
	return id
}

// RemoveListener removes a listener by ID, reporting whether it was found.
func (f *ControlFlow) RemoveListener(id ListenerID) bool {
	var found bool
	_ = f.callWait(func() {
		found = f.events.remove(id)
	})
	return found
}

// Reset discards every queued and pending task, rejecting their promises
// with a silent flow-reset cancellation, emits [EventReset], and removes
// all listeners.
func (f *ControlFlow) Reset() {
	_ = f.callWait(func() {
		cause := NewFlowResetError()
		if q := f.active; q != nil && !q.isFinished() {
			q.abort(cause)
		}
		roots := f.roots
		f.roots = nil
		for _, q := range roots {
			q.onEnd = nil
			q.abort(cause)
		}
		f.events.emit(EventReset, nil)
		f.events.removeAll()
		f.logger.Info().
			Str("flow", f.name).
			Log("control flow reset")
	})
}

// Describe returns a human-readable dump of the flow's queues and tasks,
// for diagnostics and failure messages.
func (f *ControlFlow) Describe() string {
	var sb strings.Builder
	_ = f.callWait(func() {
		fmt.Fprintf(&sb, "ControlFlow::%s\n", f.name)
		if len(f.roots) == 0 {
			sb.WriteString("  (idle)\n")
			return
		}
		for _, q := range f.roots {
			q.describe(&sb, "  ")
		}
	})
	return sb.String()
}

// String returns the flow's name.
func (f *ControlFlow) String() string {
	return "ControlFlow::" + f.name
}

// --- scheduler-goroutine internals ---

// callWait runs fn on the scheduler goroutine and blocks until it has run,
// or returns [ErrFlowTerminated] if the scheduler exits first.
func (f *ControlFlow) callWait(fn func()) error {
	if f.sched.isLoopThread() {
		fn()
		return nil
	}
	done := make(chan struct{})
	if err := f.sched.Call(func() {
		fn()
		close(done)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-f.sched.done:
		select {
		case <-done:
			return nil
		default:
			return ErrFlowTerminated
		}
	}
}

// activeOrRootQueue returns the queue new work belongs to: the executing
// task's frame queue when inside a task, else a live root queue. The newest
// root is reused while anything it has queued could still be overtaken;
// a sibling is opened only when that root is blocked on a pending frame
// with both lanes empty, so queued work keeps its scheduling order and
// independent entry points do not stall behind a blocked task.
func (f *ControlFlow) activeOrRootQueue() *taskQueue {
	if f.active != nil && !f.active.isFinished() {
		return f.active
	}
	if n := len(f.roots); n > 0 {
		q := f.roots[n-1]
		if !q.isFinished() && (q.pending == nil || len(q.interrupts) > 0 || len(q.tasks) > 0) {
			return q
		}
	}
	q := newTaskQueue(f, fmt.Sprintf("root::%d", f.nextQueueID.Add(1)))
	q.onEnd = func(err error) { f.rootEnded(q, err) }
	f.roots = append(f.roots, q)
	return q
}

// rootEnded handles a root queue finishing: drop it from the live set,
// surface non-silent failures as uncaught exceptions, and arm the idle
// check once no root remains.
func (f *ControlFlow) rootEnded(q *taskQueue, err error) {
	for i, held := range f.roots {
		if held == q {
			f.roots = append(f.roots[:i], f.roots[i+1:]...)
			break
		}
	}
	if err != nil && !isSilentCancellation(err) {
		f.raiseUncaught(err)
	}
	if len(f.roots) == 0 {
		f.scheduleIdleCheck()
	}
}

// scheduleIdleCheck arms a timer that emits [EventIdle] if the flow is
// still quiet when it fires. The timer turn is the debounce: work scheduled
// in the interim creates a new root queue and the check passes without
// emitting.
func (f *ControlFlow) scheduleIdleCheck() {
	if f.idleArmed {
		return
	}
	f.idleArmed = true
	_, _ = f.sched.ScheduleTimer(f.idleDebounce, func() {
		f.idleArmed = false
		if len(f.roots) == 0 && f.active == nil {
			f.logger.Debug().
				Str("flow", f.name).
				Log("control flow idle")
			f.events.emit(EventIdle, nil)
		}
	})
}

// trackUnhandled starts the one-turn grace period for a rejected promise:
// if no consumer registers by the next microtask turn, the rejection is
// charged to the promise's home queue, or to the frame of the task that
// produced it. A rejection with neither belongs to no queue whose turn
// discipline could bound the grace period, and already-queued work (a task
// that will adopt the promise when it runs) must not be discarded by a
// guessed charge, so it is logged rather than raised.
func (f *ControlFlow) trackUnhandled(p *Promise) {
	var q *taskQueue
	if p.queue != nil && !p.queue.isFinished() {
		q = p.queue
	} else if f.active != nil && !f.active.isFinished() {
		q = f.active
	}
	_ = f.sched.ScheduleMicrotask(func() {
		if p.handled {
			return
		}
		if q != nil && !q.isFinished() {
			q.addUnhandled(p)
			return
		}
		// Free-standing rejection with no queue context. Consumers on other
		// goroutines have no defined turn to register within, so this is
		// logged rather than raised.
		f.logger.Warning().
			Str("flow", f.name).
			Str("promise", p.String()).
			Err(p.err).
			Log("rejection not yet handled")
	})
}

// raiseUncaught reports a failure that reached the root of the flow. With
// no [EventUncaughtException] listener the error panics on a fresh
// goroutine; this runtime never silently drops a failure.
func (f *ControlFlow) raiseUncaught(err error) {
	f.logger.Err().
		Str("flow", f.name).
		Err(err).
		Log("uncaught exception")
	if f.events.emit(EventUncaughtException, err) {
		return
	}
	panicGlobally(err)
}

// isTruthy applies loose truthiness to poll results: nil, false, zero
// numbers, and empty strings are falsy; everything else, including zero
// structs and empty slices, is truthy.
func isTruthy(v Value) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int8:
		return x != 0
	case int16:
		return x != 0
	case int32:
		return x != 0
	case int64:
		return x != 0
	case uint:
		return x != 0
	case uint8:
		return x != 0
	case uint16:
		return x != 0
	case uint32:
		return x != 0
	case uint64:
		return x != 0
	case float32:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}
