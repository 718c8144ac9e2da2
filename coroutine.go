// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package controlflow

import (
	"time"
)

// CoroutineFunc is the body of a coroutine task. It runs on its own
// goroutine, not the flow's scheduler goroutine, and must interact with the
// flow only through co and through ordinary flow methods. Its return value
// and error settle the coroutine's promise, with [Awaitable] return values
// adopted like any task result.
type CoroutineFunc func(co *Coroutine) (Value, error)

// Coroutine is the handle a coroutine body uses to suspend itself against
// the flow. Each [Coroutine.Await] parks the body's goroutine until the
// awaited value settles on the scheduler goroutine, giving the body
// straight-line control flow over asynchronous results.
type Coroutine struct {
	flow *ControlFlow

	// frame is the coroutine task's own queue, held open for the lifetime
	// of the body so nested work lands inside the coroutine's frame rather
	// than behind it.
	frame *taskQueue
}

// ExecuteCoroutine schedules a task whose work runs as a coroutine: fn
// executes on a dedicated goroutine while the task's frame stays open, so
// fn can block on [Coroutine.Await] without stalling the scheduler. The
// flow treats the whole coroutine as a single task: work scheduled through
// co runs in the coroutine's frame, and on the normal path the returned
// promise settles only after the body returns and the frame drains.
// Cancelling the promise settles it immediately instead, discarding work
// still queued in the frame; the body observes this as errors from its
// subsequent co calls and remains responsible for returning.
func (f *ControlFlow) ExecuteCoroutine(fn CoroutineFunc, desc string) *Promise {
	if desc == "" {
		desc = "coroutine"
	}
	return f.Execute(func() (Value, error) {
		d := f.NewDeferred(desc)
		co := &Coroutine{flow: f, frame: f.active}
		co.frame.hold()
		go func() {
			defer func() {
				_ = f.sched.Call(co.frame.release)
			}()
			defer func() {
				if r := recover(); r != nil {
					d.Reject(PanicError{Value: r})
				}
			}()
			v, err := fn(co)
			if err != nil {
				d.Reject(err)
				return
			}
			d.Resolve(v)
		}()
		return d.Promise, nil
	}, desc)
}

// Await suspends the coroutine until v settles, returning its outcome.
// Plain (non-[Awaitable]) values are passed through a resolved promise, so
// awaiting them still yields at least one scheduler turn. Returns
// [ErrFlowTerminated] if the flow shuts down mid-wait.
func (co *Coroutine) Await(v Value) (Value, error) {
	type outcome struct {
		value Value
		err   error
	}
	ch := make(chan outcome, 1)
	a, ok := v.(Awaitable)
	if !ok {
		a = co.flow.Resolved(v)
	}
	a.WhenSettled(func(val Value) {
		ch <- outcome{value: val}
	}, func(err error) {
		ch <- outcome{err: err}
	})
	select {
	case r := <-ch:
		return r.value, r.err
	case <-co.flow.sched.done:
		return nil, ErrFlowTerminated
	}
}

// Yield suspends the coroutine for one scheduler turn.
func (co *Coroutine) Yield() error {
	_, err := co.Await(nil)
	return err
}

// Sleep suspends the coroutine for at least d.
func (co *Coroutine) Sleep(d time.Duration) error {
	def := co.flow.NewDeferred("coroutine sleep")
	if _, err := co.flow.sched.ScheduleTimer(d, func() {
		def.Resolve(nil)
	}); err != nil {
		return err
	}
	_, err := co.Await(def.Promise)
	return err
}

// Execute schedules fn in the coroutine's frame and awaits its result,
// combining [ControlFlow.Execute] with [Coroutine.Await]. Scheduling into
// the frame, rather than the flow's root queue, is what lets nested work
// run while the coroutine's own task is still outstanding.
func (co *Coroutine) Execute(fn TaskFunc, desc string) (Value, error) {
	t := newTask(co.flow, fn, desc)
	if err := co.flow.sched.Call(func() {
		co.frame.enqueue(t)
		co.flow.events.emit(EventScheduleTask, t.desc)
	}); err != nil {
		return nil, err
	}
	return co.Await(t.promise)
}
