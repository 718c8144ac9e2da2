// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package controlflow

import (
	"github.com/joeycumines/logiface"
)

// Logger is the structured logger consumed by this package. Pass one via
// [WithLogger] to surface flow diagnostics (task lifecycle, queue aborts,
// uncaught exceptions); any logiface backend works, e.g. stumpy:
//
//	logger := stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr))).Logger()
//	flow := controlflow.New(controlflow.WithLogger(logger))
//
// All logging call sites tolerate a nil *Logger, which is the default.
type Logger = logiface.Logger[logiface.Event]
