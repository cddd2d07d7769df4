// Copyright The JVMTrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package report forwards traced events to a tracking sink.
//
// The sink call is a pure forwarding boundary: no buffering, no retry. A
// sink failure propagates to the dispatcher, which treats it as fatal.
package report

import (
	"errors"
	"log/slog"

	"github.com/jvmtrace/initagent/internal/pkg/jvmti"
	"github.com/jvmtrace/initagent/internal/pkg/stacktrace"
)

// Sink receives traced events. Implementations must be safe for concurrent
// use: breakpoints fire on arbitrary application threads.
//
// The production sink bridges into the managed runtime's tracking support
// and ships with the host binding, outside this module.
type Sink interface {
	// ReportClassInitialized records that the class's static initializer
	// started running on the stack given by stack.
	ReportClassInitialized(class jvmti.Ref, className string, stack stacktrace.Trace) error

	// ReportObjectInstantiated records that obj, an instance of the named
	// class, is being constructed on the stack given by stack.
	ReportObjectInstantiated(obj jvmti.Ref, className string, stack stacktrace.Trace) error
}

// LogSink writes every event to a structured logger. It is the default sink
// when no other is configured.
type LogSink struct {
	Logger *slog.Logger
}

var _ Sink = LogSink{}

// ReportClassInitialized implements Sink.
func (s LogSink) ReportClassInitialized(class jvmti.Ref, className string, stack stacktrace.Trace) error {
	s.Logger.Info("class initialized",
		"class", className, "ref", uint64(class), "stack", format(stack))
	return nil
}

// ReportObjectInstantiated implements Sink.
func (s LogSink) ReportObjectInstantiated(obj jvmti.Ref, className string, stack stacktrace.Trace) error {
	s.Logger.Info("object instantiated",
		"class", className, "object", uint64(obj), "stack", format(stack))
	return nil
}

func format(stack stacktrace.Trace) []string {
	out := make([]string, len(stack))
	for i, f := range stack {
		out[i] = f.String()
	}
	return out
}

// Tee fans an event out to every sink, joining their errors.
type Tee []Sink

var _ Sink = Tee(nil)

// ReportClassInitialized implements Sink.
func (t Tee) ReportClassInitialized(class jvmti.Ref, className string, stack stacktrace.Trace) error {
	var err error
	for _, s := range t {
		err = errors.Join(err, s.ReportClassInitialized(class, className, stack))
	}
	return err
}

// ReportObjectInstantiated implements Sink.
func (t Tee) ReportObjectInstantiated(obj jvmti.Ref, className string, stack stacktrace.Trace) error {
	var err error
	for _, s := range t {
		err = errors.Join(err, s.ReportObjectInstantiated(obj, className, stack))
	}
	return err
}
