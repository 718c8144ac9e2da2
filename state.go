// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package controlflow

import (
	"sync/atomic"
)

// PromiseState represents the lifecycle state of a [Promise].
//
// A promise starts in [Pending] state and transitions exactly once to either
// [Fulfilled] or [Rejected], possibly via the intermediate [Blocked] state
// while it waits on an adopted inner value. State transitions are
// irreversible.
type PromiseState int32

const (
	// Pending indicates the promise has not yet begun resolution.
	Pending PromiseState = iota

	// Blocked indicates resolution has begun but is waiting on an adopted
	// inner value ([Awaitable]) to settle.
	Blocked

	// Fulfilled indicates the promise completed successfully with a value.
	Fulfilled

	// Rejected indicates the promise failed with an error.
	Rejected
)

// String returns a human-readable representation of the state.
func (s PromiseState) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Blocked:
		return "Blocked"
	case Fulfilled:
		return "Fulfilled"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Settled reports whether the state is terminal (Fulfilled or Rejected).
func (s PromiseState) Settled() bool {
	return s == Fulfilled || s == Rejected
}

// atomicPromiseState wraps a promise state for lock-free reads. Writes only
// ever happen on the flow's scheduler goroutine; the atomic makes State()
// safe to call from anywhere.
type atomicPromiseState struct {
	v atomic.Int32
}

func (s *atomicPromiseState) Load() PromiseState {
	return PromiseState(s.v.Load())
}

func (s *atomicPromiseState) Store(state PromiseState) {
	s.v.Store(int32(state))
}

// queueState is the state machine of a taskQueue.
//
//	queueNew → queueStarted → queueFinished (terminal)
//
// Once finished a queue is immutable and emits no further events.
type queueState int32

const (
	queueNew queueState = iota
	queueStarted
	queueFinished
)

func (s queueState) String() string {
	switch s {
	case queueNew:
		return "New"
	case queueStarted:
		return "Started"
	case queueFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// flowState represents the lifecycle of a [ControlFlow]'s scheduler
// goroutine.
//
// State Machine:
//
//	flowRunning (0) → flowTerminating (1)  [Shutdown()]
//	flowTerminating (1) → flowTerminated (2) [drain complete]
//	flowTerminated (2) → (terminal)
//
// Use TryTransition (CAS) for contested transitions and Store only for
// irreversible states.
type flowState uint32

const (
	flowRunning flowState = iota
	flowTerminating
	flowTerminated
)

func (s flowState) String() string {
	switch s {
	case flowRunning:
		return "Running"
	case flowTerminating:
		return "Terminating"
	case flowTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// atomicFlowState is a lock-free state machine for the scheduler lifecycle.
type atomicFlowState struct {
	v atomic.Uint32
}

// Load returns the current state atomically.
func (s *atomicFlowState) Load() flowState {
	return flowState(s.v.Load())
}

// Store atomically stores a new state. Only valid for irreversible states.
func (s *atomicFlowState) Store(state flowState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was successful.
func (s *atomicFlowState) TryTransition(from, to flowState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// IsTerminal returns true if the current state is Terminated.
func (s *atomicFlowState) IsTerminal() bool {
	return s.Load() == flowTerminated
}
