// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package controlflow

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Option configures a [ControlFlow] during [New].
type Option interface {
	apply(*flowConfig)
}

type optionFunc func(*flowConfig)

func (f optionFunc) apply(c *flowConfig) { f(c) }

type flowConfig struct {
	logger             *Logger
	name               string
	propagateUnhandled bool
	idleDebounce       time.Duration
}

var flowSeq atomic.Uint64

func newFlowConfig() *flowConfig {
	return &flowConfig{
		name:               fmt.Sprintf("flow-%d", flowSeq.Add(1)),
		propagateUnhandled: true,
	}
}

// WithLogger sets the structured logger for flow diagnostics. A nil logger
// (the default) disables logging without any guards at call sites.
func WithLogger(logger *Logger) Option {
	return optionFunc(func(c *flowConfig) {
		c.logger = logger
	})
}

// WithName sets the flow's name, used in logs and [ControlFlow.Describe]
// output. Defaults to a process-unique generated name.
func WithName(name string) Option {
	return optionFunc(func(c *flowConfig) {
		if name != "" {
			c.name = name
		}
	})
}

// WithIdleDebounce sets how long the flow must stay quiet after its last
// root queue drains before [EventIdle] fires. The default of zero still
// defers the check by one timer turn, so a drain immediately followed by
// new work never reports idle.
func WithIdleDebounce(d time.Duration) Option {
	return optionFunc(func(c *flowConfig) {
		if d > 0 {
			c.idleDebounce = d
		}
	})
}

// WithUnhandledPropagation controls what an unhandled promise rejection
// does to its queue. Enabled (the default), the rejection aborts the queue,
// discarding queued siblings and propagating the failure to the parent
// frame. Disabled, rejections are reported through
// [EventUncaughtException] and execution continues.
func WithUnhandledPropagation(enabled bool) Option {
	return optionFunc(func(c *flowConfig) {
		c.propagateUnhandled = enabled
	})
}
