// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package controlflow

import (
	"sync/atomic"
)

// EventType identifies a [ControlFlow] lifecycle event.
type EventType int

const (
	// EventIdle fires when the flow has settled into a state where it will
	// make no further progress without external input: no tasks queued, no
	// frame executing. Emission is debounced by one timer turn so a burst
	// of schedule-then-drain activity produces a single event.
	EventIdle EventType = iota

	// EventReset fires when [ControlFlow.Reset] discards all queued work.
	EventReset

	// EventUncaughtException fires with an error payload when a failure
	// reaches the root of the flow with no consumer: an unhandled promise
	// rejection, or a root queue abort. With no listener registered the
	// flow panics instead, on a fresh goroutine.
	EventUncaughtException

	// EventScheduleTask fires with the task's description when work is
	// scheduled via [ControlFlow.Execute] or [Coroutine.Execute].
	EventScheduleTask
)

// String returns a human-readable representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventIdle:
		return "idle"
	case EventReset:
		return "reset"
	case EventUncaughtException:
		return "uncaughtException"
	case EventScheduleTask:
		return "scheduleTask"
	default:
		return "unknown"
	}
}

// ListenerID identifies a registered listener for removal.
type ListenerID uint64

type eventListener struct {
	id    ListenerID
	event EventType
	fn    func(data Value)
	once  bool
}

// eventEmitter is the flow's listener registry. All mutation happens on the
// scheduler goroutine; ID allocation is atomic so registration can return
// an ID without a round trip.
type eventEmitter struct {
	listeners map[EventType][]*eventListener
	nextID    atomic.Uint64
}

func newEventEmitter() *eventEmitter {
	return &eventEmitter{listeners: make(map[EventType][]*eventListener)}
}

func (e *eventEmitter) remove(id ListenerID) bool {
	for event, list := range e.listeners {
		for i, l := range list {
			if l.id == id {
				e.listeners[event] = append(list[:i], list[i+1:]...)
				return true
			}
		}
	}
	return false
}

func (e *eventEmitter) removeAll() {
	e.listeners = make(map[EventType][]*eventListener)
}

// emit invokes every listener for event, removing once-listeners first.
// Reports whether any listener was invoked.
func (e *eventEmitter) emit(event EventType, data Value) bool {
	list := e.listeners[event]
	if len(list) == 0 {
		return false
	}
	snapshot := make([]*eventListener, len(list))
	copy(snapshot, list)
	kept := list[:0]
	for _, l := range list {
		if !l.once {
			kept = append(kept, l)
		}
	}
	e.listeners[event] = kept
	for _, l := range snapshot {
		l.fn(data)
	}
	return true
}
