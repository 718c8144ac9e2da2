// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package controlflow

import (
	"fmt"
	"strings"
)

// pendingFrame records the task a queue is currently executing, paired with
// the nested queue holding any work that task scheduled. The queue stays
// blocked on the frame until the task's promise settles.
type pendingFrame struct {
	task *task
	sub  *taskQueue
}

// taskQueue is a two-lane FIFO of tasks executed one at a time on the
// flow's scheduler goroutine.
//
// The interrupt lane holds promise callbacks whose promises settled while
// this queue was working; it always drains ahead of the normal lane, so a
// result is observed before later-scheduled tasks run. A queue finishes when
// both lanes are empty and no frame is pending, and is immutable thereafter.
//
// Unhandled rejections charged to a queue abort it: queued tasks are
// rejected with a [DiscardedTaskError] and the failure is handed to onEnd,
// which for a nested frame rejects the owning task's promise, and for a root
// queue raises an uncaught exception on the flow.
type taskQueue struct {
	flow *ControlFlow
	name string

	state queueState

	interrupts []*task
	tasks      []*task

	pending *pendingFrame

	// unhandled holds promises whose rejections were charged to this queue
	// and not yet handled. Non-empty at the top of a processing turn means
	// the queue aborts.
	unhandled []*Promise

	// onEnd is invoked exactly once when the queue finishes, with nil for a
	// clean drain or the abort cause.
	onEnd func(err error)

	// holds keeps a drained queue open: while positive, the queue waits for
	// more work instead of finishing. Aborts ignore holds.
	holds int

	scheduled bool
}

func newTaskQueue(f *ControlFlow, name string) *taskQueue {
	return &taskQueue{flow: f, name: name}
}

func (q *taskQueue) isFinished() bool {
	return q.state == queueFinished
}

// enqueue appends t to the normal lane and starts the queue if needed.
func (q *taskQueue) enqueue(t *task) {
	if q.isFinished() {
		t.promise.settle(Rejected, nil, DiscardTask(NewCancellationError("task queue already finished")))
		return
	}
	t.queue = q
	if t.promise.queue == nil {
		// Callbacks on this task's promise interrupt the queue that ran
		// it, and unhandled rejections are charged to the same queue.
		t.promise.queue = q
	}
	q.tasks = append(q.tasks, t)
	q.start()
}

// enqueueInterrupt appends t to the interrupt lane, ahead of all tasks in
// the normal lane.
func (q *taskQueue) enqueueInterrupt(t *task) {
	if q.isFinished() {
		t.promise.settle(Rejected, nil, DiscardTask(NewCancellationError("task queue already finished")))
		return
	}
	t.queue = q
	if t.promise.queue == nil {
		t.promise.queue = q
	}
	q.interrupts = append(q.interrupts, t)
	q.start()
}

// remove drops t from whichever lane holds it. No-op if absent.
func (q *taskQueue) remove(t *task) {
	for i, held := range q.interrupts {
		if held == t {
			q.interrupts = append(q.interrupts[:i], q.interrupts[i+1:]...)
			return
		}
	}
	for i, held := range q.tasks {
		if held == t {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return
		}
	}
}

// addUnhandled charges p's rejection to this queue, to take effect at the
// top of the next processing turn.
func (q *taskQueue) addUnhandled(p *Promise) {
	if q.isFinished() {
		q.flow.raiseUncaught(p.err)
		return
	}
	p.unhandledIn = q
	q.unhandled = append(q.unhandled, p)
	q.schedule()
}

// removeUnhandled retracts an unhandled record after a consumer registered.
func (q *taskQueue) removeUnhandled(p *Promise) {
	for i, held := range q.unhandled {
		if held == p {
			q.unhandled = append(q.unhandled[:i], q.unhandled[i+1:]...)
			return
		}
	}
}

func (q *taskQueue) start() {
	if q.state == queueNew {
		q.state = queueStarted
	}
	q.schedule()
}

// schedule requests a processing turn. Coalesced: at most one is pending.
func (q *taskQueue) schedule() {
	if q.scheduled || q.isFinished() {
		return
	}
	q.scheduled = true
	_ = q.flow.sched.ScheduleMicrotask(q.process)
}

// process is one turn of the queue: settle any unhandled-rejection abort,
// then run the next runnable task, or finish once drained.
func (q *taskQueue) process() {
	q.scheduled = false
	if q.isFinished() {
		return
	}

	if len(q.unhandled) > 0 {
		cause := q.collectUnhandled()
		if q.flow.propagateUnhandled {
			q.abort(cause)
			return
		}
		// Propagation disabled: report and keep going.
		q.flow.raiseUncaught(cause)
	}

	if q.pending != nil {
		return
	}

	t := q.next()
	if t == nil {
		if len(q.interrupts) > 0 || len(q.tasks) > 0 {
			// Head is a volatile callback awaiting its notification turn;
			// promotion will reschedule us.
			return
		}
		if q.holds > 0 {
			return
		}
		q.finish(nil)
		return
	}
	q.runTask(t)
}

// hold keeps the queue open past its next drain, until released.
func (q *taskQueue) hold() {
	q.holds++
}

// release drops a hold, letting a drained queue finish.
func (q *taskQueue) release() {
	if q.holds > 0 {
		q.holds--
	}
	q.schedule()
}

// collectUnhandled drains the unhandled records into a single abort cause.
func (q *taskQueue) collectUnhandled() error {
	var errs []error
	for _, p := range q.unhandled {
		p.unhandledIn = nil
		errs = append(errs, p.err)
	}
	q.unhandled = nil
	if len(errs) == 1 {
		return errs[0]
	}
	return &MultipleUnhandledRejectionsError{Errors: errs}
}

// next pops the next runnable task: interrupts strictly before the normal
// lane. Tasks whose promises already settled (cancellation) are dropped. A
// volatile head blocks the lane without being popped.
func (q *taskQueue) next() *task {
	for len(q.interrupts) > 0 {
		t := q.interrupts[0]
		q.interrupts = q.interrupts[1:]
		t.queue = nil
		if t.promise.state.Load().Settled() {
			continue
		}
		return t
	}
	for len(q.tasks) > 0 {
		t := q.tasks[0]
		if t.volatile {
			return nil
		}
		q.tasks = q.tasks[1:]
		t.queue = nil
		if t.promise.state.Load().Settled() {
			continue
		}
		return t
	}
	return nil
}

// runTask executes t inside a fresh frame. Work t schedules lands in the
// frame's nested queue; t's promise settles only after that queue drains,
// so a task observes all of its own sub-tasks before its caller observes
// it. The outer queue stays blocked on the frame until then.
func (q *taskQueue) runTask(t *task) {
	f := q.flow
	sub := newTaskQueue(f, t.desc)
	frame := &pendingFrame{task: t, sub: sub}
	q.pending = frame

	f.logger.Debug().
		Str("queue", q.name).
		Str("task", t.String()).
		Log("task starting")

	var result Value
	var ferr error
	prev := f.active
	f.active = sub
	func() {
		defer func() {
			if r := recover(); r != nil {
				ferr = PanicError{Value: r}
			}
		}()
		result, ferr = t.fn()
	}()
	f.active = prev

	// Frame teardown fires when the task promise settles, however that
	// happens: sub-queue outcome, direct task failure, or cancellation.
	cleanup := func() {
		if q.pending == frame {
			q.pending = nil
			q.schedule()
		}
		if !sub.isFinished() {
			sub.onEnd = nil
			cause := t.promise.err
			if cause == nil {
				cause = NewCancellationError("task frame complete")
			}
			sub.abort(DiscardTask(cause))
		}
	}
	t.promise.observe(func(Value) { cleanup() }, func(error) { cleanup() })

	if ferr != nil {
		// The task failed outright. Anything it managed to schedule first
		// is discarded, silently.
		sub.onEnd = nil
		sub.abort(DiscardTask(ferr))
		t.promise.reject(ferr)
		return
	}

	sub.onEnd = func(err error) {
		if err == nil {
			t.promise.resolve(result)
			return
		}
		t.promise.reject(err)
		if a, ok := result.(Awaitable); ok {
			a.Cancel(err)
		}
	}
	sub.start()
}

// abort rejects every queued task with a [DiscardedTaskError] wrapping
// cause, unwinds any pending frame, and finishes the queue with cause.
func (q *taskQueue) abort(cause error) {
	if q.isFinished() {
		return
	}
	discard := DiscardTask(cause)

	dropped := make([]*task, 0, len(q.interrupts)+len(q.tasks))
	dropped = append(dropped, q.interrupts...)
	dropped = append(dropped, q.tasks...)
	q.interrupts, q.tasks = nil, nil
	for _, t := range dropped {
		t.queue = nil
		t.promise.settle(Rejected, nil, discard)
	}

	for _, p := range q.unhandled {
		p.unhandledIn = nil
	}
	q.unhandled = nil

	if q.pending != nil {
		// Rejecting the pending task's promise unwinds its frame,
		// cascading the discard into the nested queue.
		q.pending.task.promise.settle(Rejected, nil, discard)
		q.pending = nil
	}

	q.flow.logger.Debug().
		Str("queue", q.name).
		Err(cause).
		Log("task queue aborted")

	q.finish(cause)
}

// finish transitions to the terminal state and reports the outcome, once.
func (q *taskQueue) finish(err error) {
	if q.isFinished() {
		return
	}
	q.state = queueFinished
	for _, p := range q.unhandled {
		p.unhandledIn = nil
	}
	q.unhandled = nil
	onEnd := q.onEnd
	q.onEnd = nil
	if onEnd != nil {
		onEnd(err)
	}
}

func (q *taskQueue) String() string {
	return fmt.Sprintf("TaskQueue::%s{%s}", q.name, q.state)
}

// describe writes a human-readable dump of the queue for diagnostics.
func (q *taskQueue) describe(sb *strings.Builder, indent string) {
	fmt.Fprintf(sb, "%s%s\n", indent, q)
	if q.pending != nil {
		fmt.Fprintf(sb, "%s  (pending) %s\n", indent, q.pending.task)
		q.pending.sub.describe(sb, indent+"  ")
	}
	for _, t := range q.interrupts {
		fmt.Fprintf(sb, "%s  (interrupt) %s\n", indent, t)
	}
	for _, t := range q.tasks {
		fmt.Fprintf(sb, "%s  %s\n", indent, t)
	}
}
