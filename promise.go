// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package controlflow

import (
	"fmt"
)

// Value is the payload type carried by promises and task results.
type Value = any

// Callback consumes a fulfillment value and produces the next link in a
// promise chain. Returning an [Awaitable] value defers the derived promise
// until that value settles.
type Callback func(value Value) (Value, error)

// Errback consumes a rejection cause and either recovers (by returning a
// value) or propagates (by returning an error).
type Errback func(cause error) (Value, error)

// Awaitable is the contract for values the flow will wait on before
// considering a result final. Promise resolution, task return values, and
// [ControlFlow.WaitFor] all adopt awaitables: the adopting promise remains
// blocked until the inner value settles, then assumes its outcome.
//
// [Promise] implements Awaitable. External types may implement it to
// integrate foreign asynchronous results into a flow.
type Awaitable interface {
	// WhenSettled registers bare observers invoked exactly once, on the
	// flow's scheduler goroutine, after the value settles. Either function
	// may be nil. Registration counts as handling the rejection, if any.
	WhenSettled(onFulfilled func(Value), onRejected func(error))

	// Cancel requests cancellation of the computation producing this value.
	// A no-op once settled.
	Cancel(reason error)
}

// settleObserver is a bare WhenSettled registration.
type settleObserver struct {
	onFulfilled func(Value)
	onRejected  func(error)
}

// Promise represents the eventual result of an asynchronous operation
// managed by a [ControlFlow].
//
// A promise settles at most once. Callbacks registered with [Promise.Then]
// are never invoked synchronously: delivery always waits for at least one
// trip through the scheduler, so registration order alone determines
// visibility, not timing luck.
//
// All mutable state is confined to the flow's scheduler goroutine. The
// exported methods are safe to call from any goroutine.
type Promise struct {
	flow *ControlFlow

	state atomicPromiseState
	value Value
	err   error

	// parent is the upstream link cancellation climbs through: the promise
	// this one was derived from via Then, or the adopted inner awaitable
	// while blocked. Cleared on settlement.
	parent Awaitable

	// callbacks registered while unsettled; delivered as interrupts to
	// queue once this promise settles.
	callbacks []*task
	queue     *taskQueue

	// eager holds callback tasks registered after settlement. They are
	// placed in a queue immediately, flagged volatile, and promoted by the
	// notification microtask.
	eager []*task

	observers []settleObserver

	// handled is set as soon as any consumer registers interest, and gates
	// unhandled-rejection reporting.
	handled bool

	// unhandledIn is the queue currently holding this promise's rejection
	// as an unhandled record, if any.
	unhandledIn *taskQueue

	// onCancel intercepts cancellation when this promise is the root of its
	// chain. Used by task promises to drop the task instead of rejecting.
	onCancel func(*CancellationError)

	notifyScheduled bool

	id   uint64
	desc string
}

func newPromise(f *ControlFlow, desc string) *Promise {
	return &Promise{
		flow: f,
		id:   f.nextPromiseID.Add(1),
		desc: desc,
	}
}

// NewPromise creates a promise and invokes resolver synchronously with the
// functions that settle it. Both functions are safe to call from any
// goroutine, and only the first call has any effect. A panic inside resolver
// rejects the promise.
func (f *ControlFlow) NewPromise(resolver func(resolve func(Value), reject func(error)), desc string) *Promise {
	p := newPromise(f, desc)
	reject := func(err error) {
		_ = f.sched.Call(func() { p.reject(err) })
	}
	resolve := func(v Value) {
		_ = f.sched.Call(func() { p.resolve(v) })
	}
	if resolver != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					reject(PanicError{Value: r})
				}
			}()
			resolver(resolve, reject)
		}()
	}
	return p
}

// Deferred pairs a [Promise] with the functions that settle it, for
// producers that cannot express their work as a resolver function.
type Deferred struct {
	Promise *Promise

	resolve func(Value)
	reject  func(error)
}

// Resolve fulfills the deferred promise. Only the first settlement of a
// deferred has any effect.
func (d *Deferred) Resolve(v Value) { d.resolve(v) }

// Reject rejects the deferred promise.
func (d *Deferred) Reject(err error) { d.reject(err) }

// NewDeferred creates a new deferred operation.
func (f *ControlFlow) NewDeferred(desc string) *Deferred {
	d := &Deferred{}
	d.Promise = f.NewPromise(func(resolve func(Value), reject func(error)) {
		d.resolve = resolve
		d.reject = reject
	}, desc)
	return d
}

// Resolved returns a promise fulfilled with v. If v is itself an
// [Awaitable], the returned promise adopts it.
func (f *ControlFlow) Resolved(v Value) *Promise {
	p := newPromise(f, "resolved")
	_ = f.sched.Call(func() { p.resolve(v) })
	return p
}

// Rejected returns a promise rejected with err. When called from inside a
// task, the rejection is charged to the current frame and reported as
// unhandled if no consumer registers within one scheduling turn.
func (f *ControlFlow) Rejected(err error) *Promise {
	p := newPromise(f, "rejected")
	_ = f.sched.Call(func() { p.reject(err) })
	return p
}

// All returns a promise fulfilled with a []Value containing the resolved
// form of every input, in input order, once all [Awaitable] inputs have
// fulfilled. It rejects with the first rejection among them.
func (f *ControlFlow) All(values []Value) *Promise {
	p := newPromise(f, "all")
	_ = f.sched.Call(func() {
		results := make([]Value, len(values))
		remaining := 0
		for i, v := range values {
			a, ok := v.(Awaitable)
			if !ok {
				results[i] = v
				continue
			}
			remaining++
			i := i
			a.WhenSettled(func(val Value) {
				results[i] = val
				remaining--
				if remaining == 0 {
					p.resolve(results)
				}
			}, func(err error) {
				p.reject(err)
			})
		}
		if remaining == 0 {
			p.resolve(results)
		}
	})
	return p
}

// State returns the promise's current lifecycle state.
func (p *Promise) State() PromiseState {
	return p.state.Load()
}

// Result returns the settlement outcome. It is only meaningful once
// [Promise.State] reports a settled state; before then both returns are
// nil. Unlike [Promise.WhenSettled] it does not mark a rejection handled.
func (p *Promise) Result() (Value, error) {
	if !p.state.Load().Settled() {
		return nil, nil
	}
	return p.value, p.err
}

// String describes the promise for logging and debugging.
func (p *Promise) String() string {
	if p.desc == "" {
		return fmt.Sprintf("Promise::%d{%s}", p.id, p.state.Load())
	}
	return fmt.Sprintf("Promise::%d{%s: %q}", p.id, p.state.Load(), p.desc)
}

// Then registers callbacks for when this promise settles, returning a new
// promise for the callback's result. A nil onFulfilled passes the value
// through; a nil onRejected propagates the rejection. Calling Then with two
// nil arguments returns the receiver unchanged, without marking it handled.
func (p *Promise) Then(onFulfilled Callback, onRejected Errback) *Promise {
	if onFulfilled == nil && onRejected == nil {
		return p
	}
	child := newPromise(p.flow, fmt.Sprintf("then::%d", p.id))
	t := &task{
		flow:    p.flow,
		promise: child,
		desc:    child.desc,
	}
	t.fn = func() (Value, error) {
		if p.state.Load() == Fulfilled {
			if onFulfilled == nil {
				return p.value, nil
			}
			return onFulfilled(p.value)
		}
		if onRejected == nil {
			return nil, p.err
		}
		return onRejected(p.err)
	}
	_ = p.flow.sched.Call(func() {
		child.parent = p
		p.addCallback(t)
	})
	return child
}

// Catch registers a callback for when this promise is rejected.
// Shorthand for Then(nil, onRejected).
func (p *Promise) Catch(onRejected Errback) *Promise {
	return p.Then(nil, onRejected)
}

// Finally registers fn to run once this promise settles, regardless of
// outcome. The returned promise waits for any awaitable fn returns, then
// settles with nil on the fulfillment path or re-raises the original
// rejection; an error from fn itself takes precedence. The original
// fulfillment value is not forwarded.
func (p *Promise) Finally(fn func() (Value, error)) *Promise {
	if fn == nil {
		return p.Then(func(Value) (Value, error) { return nil, nil }, nil)
	}
	var cause error
	return p.Then(func(Value) (Value, error) {
		return fn()
	}, func(err error) (Value, error) {
		cause = err
		return fn()
	}).Then(func(Value) (Value, error) {
		if cause != nil {
			return nil, cause
		}
		return nil, nil
	}, nil)
}

// WhenSettled implements [Awaitable]. The observers run on the flow's
// scheduler goroutine after settlement; registration marks any rejection as
// handled.
func (p *Promise) WhenSettled(onFulfilled func(Value), onRejected func(error)) {
	_ = p.flow.sched.Call(func() {
		p.markHandled()
		p.observe(onFulfilled, onRejected)
	})
}

// Cancel requests cancellation. The request climbs to the unsettled root of
// the derivation chain and rejects it with a [CancellationError] built from
// reason; the rejection then propagates back down through the ordinary
// callback machinery. Cancelling a settled promise is a no-op.
func (p *Promise) Cancel(reason error) {
	_ = p.flow.sched.Call(func() {
		p.cancel(asCancellation(reason))
	})
}

// --- scheduler-goroutine internals ---

func (p *Promise) cancel(reason *CancellationError) {
	if p.state.Load().Settled() {
		return
	}
	if parent, ok := p.parent.(*Promise); ok {
		if !parent.state.Load().Settled() {
			parent.cancel(reason)
			return
		}
	} else if p.parent != nil {
		// Foreign awaitable: forward the request, then reject locally so
		// the chain unwinds even if the foreign value ignores it.
		p.parent.Cancel(reason)
	}
	if p.onCancel != nil {
		fn := p.onCancel
		p.onCancel = nil
		fn(reason)
		return
	}
	p.settle(Rejected, nil, reason)
}

// resolve begins resolution with v. Awaitable values are adopted: the
// promise blocks until the inner value settles and then assumes its
// outcome. Resolving a promise with itself is a TypeError rejection.
func (p *Promise) resolve(v Value) {
	if p.state.Load() != Pending {
		return
	}
	if inner, ok := v.(*Promise); ok && inner == p {
		p.settle(Rejected, nil, &TypeError{Message: "promise cannot resolve to itself"})
		return
	}
	if inner, ok := v.(Awaitable); ok {
		p.state.Store(Blocked)
		p.parent = inner
		inner.WhenSettled(func(val Value) {
			p.settle(Fulfilled, val, nil)
		}, func(err error) {
			p.settle(Rejected, nil, err)
		})
		return
	}
	p.settle(Fulfilled, v, nil)
}

// reject rejects the promise with err. A nil err is coerced so rejection is
// always observable as a non-nil error.
func (p *Promise) reject(err error) {
	if p.state.Load() != Pending {
		return
	}
	if err == nil {
		err = fmt.Errorf("promise rejected with nil error")
	}
	p.settle(Rejected, nil, err)
}

// settle is the single commit point: Pending or Blocked to a terminal
// state, exactly once.
func (p *Promise) settle(state PromiseState, v Value, err error) {
	if p.state.Load().Settled() {
		return
	}
	// Outcome fields are written before the atomic state store so Result
	// may be read from any goroutine once State reports settled.
	p.value = v
	p.err = err
	p.state.Store(state)
	p.parent = nil
	p.onCancel = nil

	p.flow.logger.Debug().
		Str("promise", p.String()).
		Log("promise settled")

	p.scheduleNotifications()

	if state == Rejected && !p.handled && !isCancellation(err) {
		p.flow.trackUnhandled(p)
	}
}

// addCallback attaches a callback task. On an unsettled promise the task is
// held until settlement and then delivered as an interrupt. On a settled
// promise the task is placed in the current queue immediately, flagged
// volatile until the pending notification turn confirms it.
func (p *Promise) addCallback(t *task) {
	p.markHandled()
	if !p.state.Load().Settled() {
		if p.queue == nil {
			p.queue = p.flow.activeOrRootQueue()
		}
		p.callbacks = append(p.callbacks, t)
		return
	}
	p.scheduleNotifications()
	t.volatile = true
	p.eager = append(p.eager, t)
	p.flow.activeOrRootQueue().enqueue(t)
}

// observe is the internal flavor of WhenSettled: same delivery, but does
// not mark the promise handled, so runtime bookkeeping (task frames, the
// unhandled-rejection tracker itself) can watch a promise without
// suppressing its unhandled report.
func (p *Promise) observe(onFulfilled func(Value), onRejected func(error)) {
	p.observers = append(p.observers, settleObserver{onFulfilled, onRejected})
	if p.state.Load().Settled() {
		p.scheduleNotifications()
	}
}

// markHandled records consumer interest, retracting any unhandled-rejection
// record already charged to a queue.
func (p *Promise) markHandled() {
	p.handled = true
	if p.unhandledIn != nil {
		p.unhandledIn.removeUnhandled(p)
		p.unhandledIn = nil
	}
}

func (p *Promise) scheduleNotifications() {
	if p.notifyScheduled {
		return
	}
	p.notifyScheduled = true
	_ = p.flow.sched.ScheduleMicrotask(p.notifyAll)
}

// notifyAll delivers settlement to everything registered so far: bare
// observers first, then held callbacks as queue interrupts, then promotion
// of eagerly placed volatile tasks.
func (p *Promise) notifyAll() {
	p.notifyScheduled = false
	if !p.state.Load().Settled() {
		return
	}

	observers := p.observers
	p.observers = nil
	fulfilled := p.state.Load() == Fulfilled
	for _, o := range observers {
		if fulfilled {
			if o.onFulfilled != nil {
				o.onFulfilled(p.value)
			}
		} else if o.onRejected != nil {
			o.onRejected(p.err)
		}
	}

	callbacks := p.callbacks
	p.callbacks = nil
	if len(callbacks) > 0 {
		q := p.queue
		if q == nil || q.isFinished() {
			q = p.flow.activeOrRootQueue()
		}
		for _, t := range callbacks {
			q.enqueueInterrupt(t)
		}
	}

	eager := p.eager
	p.eager = nil
	for _, t := range eager {
		t.promote()
	}
}
