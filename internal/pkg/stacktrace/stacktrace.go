// Copyright The JVMTrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package stacktrace captures and resolves the call stack of the thread
// that triggered a breakpoint.
package stacktrace

import (
	"errors"
	"fmt"

	"github.com/jvmtrace/initagent/internal/pkg/jvmti"
)

// LineUnavailable is the sentinel line number recorded when a frame's line
// cannot be resolved (native method, missing debug information).
const LineUnavailable = -1

// Frame is one resolved stack frame. File is empty and Line is
// LineUnavailable when source information is missing; that is expected, not
// an error.
type Frame struct {
	Class  string
	Method string
	File   string
	Line   int
}

func (f Frame) String() string {
	if f.Line == LineUnavailable {
		return fmt.Sprintf("%s.%s", f.Class, f.Method)
	}
	return fmt.Sprintf("%s.%s(%s:%d)", f.Class, f.Method, f.File, f.Line)
}

// Trace is a call stack, innermost frame first.
type Trace []Frame

// Capture walks the current call stack of thread. The breakpoint-hit
// callback runs with the target thread halted at the event, so the stack is
// stable for the duration of the capture; the frames are still read in one
// bulk call rather than polled per frame, so the result is a single logical
// snapshot.
func Capture(env jvmti.Env, thread jvmti.Ref) (Trace, error) {
	count, err := env.FrameCount(thread)
	if err != nil {
		return nil, fmt.Errorf("frame count: %w", err)
	}
	frames, err := env.StackTrace(thread, 0, count)
	if err != nil {
		return nil, fmt.Errorf("stack read: %w", err)
	}
	if len(frames) != count {
		return nil, fmt.Errorf("stack read returned %d of %d frames", len(frames), count)
	}

	trace := make(Trace, 0, count)
	for _, fi := range frames {
		frame, err := resolveFrame(env, fi)
		if err != nil {
			return nil, err
		}
		trace = append(trace, frame)
	}
	return trace, nil
}

func resolveFrame(env jvmti.Env, fi jvmti.FrameInfo) (Frame, error) {
	frame := Frame{Line: LineUnavailable}

	name, err := env.MethodName(fi.Method)
	if err != nil {
		return frame, fmt.Errorf("method name: %w", err)
	}
	frame.Method = name

	declaring, err := env.MethodDeclaringClass(fi.Method)
	if err != nil {
		return frame, fmt.Errorf("declaring class: %w", err)
	}
	if className, err := env.ClassName(declaring); err == nil {
		frame.Class = className
	}

	native, err := env.IsMethodNative(fi.Method)
	if err != nil || native {
		return frame, nil
	}

	if file, err := env.SourceFileName(declaring); err == nil {
		frame.File = file
	}
	line, err := lineAt(env, fi.Method, fi.Location)
	if err != nil {
		return frame, err
	}
	frame.Line = line
	return frame, nil
}

// lineAt resolves the source line covering location. Missing line
// information (absent debug info, capability not granted) yields
// LineUnavailable.
func lineAt(env jvmti.Env, m jvmti.MethodID, location int64) (int, error) {
	table, err := env.LineNumberTable(m)
	switch {
	case errors.Is(err, jvmti.ErrAbsentInformation), errors.Is(err, jvmti.ErrMustPossessCapability):
		return LineUnavailable, nil
	case err != nil:
		return LineUnavailable, fmt.Errorf("line number table: %w", err)
	}
	return ResolveLine(table, location), nil
}

// ResolveLine returns the line number of the entry with the greatest start
// location not exceeding location, or LineUnavailable when location
// precedes every entry. The table is ordered by ascending start location.
func ResolveLine(table []jvmti.LineEntry, location int64) int {
	line := LineUnavailable
	for _, e := range table {
		if e.StartLocation > location {
			break
		}
		line = e.LineNumber
	}
	return line
}
