// Copyright The JVMTrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package jvmti defines the subset of the JVM Tool Interface the agent
// calls. A binding (e.g. a cgo shim around a real jvmtiEnv) implements Env;
// the jvmtitest package provides an in-memory implementation for tests.
//
// All references handed to callbacks are transient: they are only valid for
// the duration of the callback that produced them unless promoted with
// NewGlobalRef.
package jvmti

import "errors"

// Ref is an opaque, runtime-owned object reference. The zero value is the
// null reference.
type Ref uint64

// NullRef is the null object reference.
const NullRef Ref = 0

// MethodID is an opaque, runtime-assigned identifier for a specific method
// of a specific class, stable for the lifetime of the class.
type MethodID uint64

// FrameInfo describes a single call-stack frame: the executing method and
// the bytecode location within it.
type FrameInfo struct {
	Method   MethodID
	Location int64
}

// LineEntry is one entry of a method's line-number table. Entries are
// ordered by ascending StartLocation.
type LineEntry struct {
	StartLocation int64
	LineNumber    int
}

// Capabilities is the set of optional host facilities the agent may request.
type Capabilities struct {
	CanGenerateBreakpointEvents bool
	CanAccessLocalVariables     bool
	CanGetLineNumbers           bool
	CanGetSourceFileName        bool
}

// EventKind identifies a host event the agent can subscribe to.
type EventKind int

const (
	EventClassPrepare EventKind = iota
	EventBreakpoint
)

// EventMode enables or disables delivery of an event kind.
type EventMode int

const (
	Disable EventMode = iota
	Enable
)

// EventCallbacks holds the agent's callback surface. The host invokes these
// synchronously on whichever thread triggered the event, with no ordering
// guarantee between the two.
type EventCallbacks struct {
	ClassPrepare func(thread, class Ref)
	Breakpoint   func(thread Ref, method MethodID, location int64)
}

// Sentinel errors for host-call outcomes the agent explicitly tolerates or
// branches on. Everything else returned by an Env call is unexpected.
var (
	// ErrAbsentInformation is returned when debug information (line
	// numbers, source file name) was not compiled into the class.
	ErrAbsentInformation = errors.New("jvmti: absent information")

	// ErrMustPossessCapability is returned when a call requires a
	// capability the agent did not obtain.
	ErrMustPossessCapability = errors.New("jvmti: must possess capability")

	// ErrNullRef is returned when a null reference is passed where an
	// object is required.
	ErrNullRef = errors.New("jvmti: null reference")

	// ErrUnresolvedName is returned when a class or method name cannot be
	// resolved.
	ErrUnresolvedName = errors.New("jvmti: unresolved name")
)

// Env is the host tool-interface environment. All methods are safe to call
// from any callback thread. Methods returning an error report the host call
// status; a non-nil error other than the sentinels above means the call
// failed in an unanticipated way.
type Env interface {
	// RuntimeVersion returns the host runtime's specification version
	// string (e.g. "1.8.0", "11", "17.0.2").
	RuntimeVersion() (string, error)

	// AddCapabilities requests the given capabilities.
	AddCapabilities(Capabilities) error

	// SetEventCallbacks registers the agent's callback surface. Must be
	// called before any event kind is enabled.
	SetEventCallbacks(EventCallbacks) error

	// SetEventNotificationMode enables or disables delivery of an event
	// kind on all threads.
	SetEventNotificationMode(EventMode, EventKind) error

	// LoadedClasses returns references to every class the runtime has
	// loaded so far. The references are transient.
	LoadedClasses() ([]Ref, error)

	// ClassName returns the binary name of the class (e.g. "app.Foo").
	ClassName(class Ref) (string, error)

	// ClassMethods enumerates the class's declared methods. This never
	// triggers class initialization.
	ClassMethods(class Ref) ([]MethodID, error)

	// MethodName returns the simple name of the method ("<init>",
	// "<clinit>", "toString", ...).
	MethodName(method MethodID) (string, error)

	// MethodDeclaringClass returns a transient reference to the class
	// declaring the method.
	MethodDeclaringClass(method MethodID) (Ref, error)

	// IsMethodNative reports whether the method is implemented natively.
	IsMethodNative(method MethodID) (bool, error)

	// SetBreakpoint installs a persistent breakpoint at the given bytecode
	// location of the method. Breakpoints are never removed by the agent.
	SetBreakpoint(method MethodID, location int64) error

	// NewGlobalRef promotes a transient reference to one that stays valid
	// for the agent's lifetime.
	NewGlobalRef(ref Ref) (Ref, error)

	// FrameCount returns the number of frames currently on the thread's
	// call stack.
	FrameCount(thread Ref) (int, error)

	// StackTrace reads up to max frames of the thread's stack starting at
	// depth start (0 is the innermost frame), as one consistent snapshot.
	StackTrace(thread Ref, start, max int) ([]FrameInfo, error)

	// LineNumberTable returns the method's line-number table, ordered by
	// ascending start location. Returns ErrAbsentInformation or
	// ErrMustPossessCapability when unavailable.
	LineNumberTable(method MethodID) ([]LineEntry, error)

	// SourceFileName returns the source file the class was compiled from.
	// Returns ErrAbsentInformation when unavailable.
	SourceFileName(class Ref) (string, error)

	// LocalInstance reads the object in local variable slot 0 of the
	// frame at the given depth of the thread's stack. For a non-static
	// method frame this is the receiver.
	LocalInstance(thread Ref, depth, slot int) (Ref, error)

	// AllModules returns references to every module loaded in the
	// runtime. Returns ErrMustPossessCapability on runtimes without
	// module encapsulation.
	AllModules() ([]Ref, error)

	// ModuleName returns the module's name, or "" for an unnamed module.
	ModuleName(module Ref) (string, error)

	// AddModuleOpens opens pkg of module to the reading module, as if by
	// an opens directive.
	AddModuleOpens(module Ref, pkg string, to Ref) error
}
