// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package controlflow

import (
	"fmt"
)

// TaskFunc is a unit of schedulable work. It runs on the flow's scheduler
// goroutine. Returning an [Awaitable] value defers the task's promise until
// that value settles; returning an error rejects it. A panic is recovered
// and converted to a [PanicError] rejection.
type TaskFunc func() (Value, error)

// task binds a TaskFunc to the promise observing its outcome, plus the
// queue bookkeeping needed to move it through the flow. All fields are
// confined to the scheduler goroutine.
type task struct {
	flow    *ControlFlow
	fn      TaskFunc
	promise *Promise
	desc    string

	// queue currently holding this task; nil once dequeued or dropped.
	queue *taskQueue

	// volatile marks a callback task placed in a queue ahead of its
	// promise's notification turn. The queue neither runs nor finishes past
	// a volatile task until it is promoted.
	volatile bool
}

// newTask creates a task whose promise supports cancellation-by-removal:
// cancelling the promise before the task runs drops it from its queue.
func newTask(f *ControlFlow, fn TaskFunc, desc string) *task {
	t := &task{flow: f, fn: fn, desc: desc}
	t.promise = newPromise(f, desc)
	t.promise.onCancel = t.cancelled
	return t
}

// cancelled handles a cancellation that reached this task's promise. A task
// still sitting in a queue is simply removed; either way the promise
// rejects with the cancellation, which unwinds any frame already executing
// on its behalf.
func (t *task) cancelled(reason *CancellationError) {
	if t.queue != nil {
		t.queue.remove(t)
		t.queue = nil
	}
	t.promise.settle(Rejected, nil, reason)
}

// promote clears the volatile flag set on callback tasks registered against
// an already-settled promise, and pokes the owning queue back into action.
func (t *task) promote() {
	t.volatile = false
	if t.queue != nil {
		t.queue.schedule()
	}
}

func (t *task) String() string {
	if t.desc == "" {
		return fmt.Sprintf("Task::%d", t.promise.id)
	}
	return fmt.Sprintf("Task::%d<%s>", t.promise.id, t.desc)
}
