// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package controlflow implements a cooperative, single-threaded task
// scheduler coupled to a Promise/A+ compatible future type with
// cancellation.
//
// The central abstraction is the [ControlFlow]: a coordinator that owns a
// set of task queues and gives scheduled functions the illusion of
// synchronous, ordered execution over what is actually a chain of
// asynchronous steps. Work is scheduled with [ControlFlow.Execute], which
// returns a [Promise] for the eventual result. Tasks scheduled from within
// another task run in a nested frame that must drain before the outer task's
// promise settles, so sequential scheduling reads like sequential code:
//
//	flow := controlflow.New()
//	defer flow.Shutdown(context.Background())
//
//	p := flow.Execute(func() (controlflow.Value, error) {
//	    flow.Execute(stepOne, "step one")
//	    flow.Execute(stepTwo, "step two")
//	    return nil, nil
//	}, "both steps")
//
// # Execution Model
//
// All queue and promise state is confined to a single scheduler goroutine
// owned by the flow. Public methods may be called from any goroutine;
// callbacks and task functions always execute on the flow's goroutine, one
// at a time. "Concurrency" between tasks is purely cooperative: a task runs
// to completion before the next is dequeued, and suspension happens only at
// promise boundaries and timer delays.
//
// Within one queue, callbacks whose promises resolved while a task frame was
// executing are delivered as interrupts, ahead of ordinary tasks scheduled
// later in the same frame. Ordinary tasks run in FIFO order.
//
// # Failure Handling
//
// A rejected promise with no callback attached within one scheduling turn is
// an unhandled rejection: it aborts its owning queue, discarding sibling
// tasks in that frame, and propagates to the parent task's promise. At the
// root, unhandled failures are surfaced to [EventUncaughtException]
// listeners; with no listener registered they panic rather than vanish.
//
// The one-turn grace period is only well-defined for rejections that occur
// in the context of a task queue, where everything shares the scheduler
// goroutine. A free-standing promise rejected outside any queue has no turn
// its consumers are bound to, so an unconsumed rejection there is logged,
// not raised.
//
// # Error Types
//
// The package provides a small taxonomy rooted at cancellation:
//   - [CancellationError]: base kind for any cancelled computation
//   - [DiscardedTaskError]: a task dropped because a sibling in its frame failed
//   - [MultipleUnhandledRejectionsError]: several unhandled rejections
//     detected in one queue turn (multi-error, Go 1.20+ compatible)
//   - [TimeoutError]: a [ControlFlow.Wait] deadline elapsed
//   - [TypeError]: invalid promise resolution (e.g. a chaining cycle)
//
// All error types implement the standard [error] interface, [errors.Unwrap],
// and type-based matching via Is().
package controlflow
