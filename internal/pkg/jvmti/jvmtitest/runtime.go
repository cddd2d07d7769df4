// Copyright The JVMTrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package jvmtitest provides an in-memory jvmti.Env implementation that
// tests script with classes, threads and modules and then drive by firing
// prepare and breakpoint events.
package jvmtitest

import (
	"fmt"
	"sync"

	"github.com/jvmtrace/initagent/internal/pkg/jvmti"
)

type class struct {
	name       string
	sourceFile string
	methods    []jvmti.MethodID
}

type method struct {
	name      string
	declaring jvmti.Ref
	native    bool
	lineTable []jvmti.LineEntry
	lineErr   error
}

type thread struct {
	frames []jvmti.FrameInfo
	locals map[[2]int]jvmti.Ref
}

// Open records one AddModuleOpens call.
type Open struct {
	Module  jvmti.Ref
	Package string
	To      jvmti.Ref
}

// Runtime is a scriptable jvmti.Env. The zero value is not usable; call New.
//
// Event drivers (Prepare, Hit) invoke the registered callbacks synchronously
// on the calling goroutine, matching the host model where agent logic runs
// on whichever thread triggered the event.
type Runtime struct {
	mu sync.Mutex

	version string

	nextRef    jvmti.Ref
	nextMethod jvmti.MethodID

	classes map[jvmti.Ref]*class
	methods map[jvmti.MethodID]*method
	threads map[jvmti.Ref]*thread
	modules map[jvmti.Ref]string

	// origin maps a global ref to the transient ref it was promoted from.
	origin map[jvmti.Ref]jvmti.Ref

	breakpoints map[jvmti.MethodID]int64
	opens       []Open
	caps        jvmti.Capabilities
	capsErr     error
	callbacks   jvmti.EventCallbacks
	enabled     map[jvmti.EventKind]bool
	loaded      []jvmti.Ref
}

// New returns an empty Runtime reporting the given runtime version.
func New(version string) *Runtime {
	return &Runtime{
		version:     version,
		classes:     make(map[jvmti.Ref]*class),
		methods:     make(map[jvmti.MethodID]*method),
		threads:     make(map[jvmti.Ref]*thread),
		modules:     make(map[jvmti.Ref]string),
		origin:      make(map[jvmti.Ref]jvmti.Ref),
		breakpoints: make(map[jvmti.MethodID]int64),
		enabled:     make(map[jvmti.EventKind]bool),
	}
}

func (r *Runtime) newRef() jvmti.Ref {
	r.nextRef++
	return r.nextRef
}

// AddClass defines a class. An empty name makes the class's name
// unresolvable, which the dispatcher must treat as a no-op.
func (r *Runtime) AddClass(name, sourceFile string) jvmti.Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := r.newRef()
	r.classes[ref] = &class{name: name, sourceFile: sourceFile}
	return ref
}

// MarkLoaded adds the class to the set returned by LoadedClasses.
func (r *Runtime) MarkLoaded(class jvmti.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = append(r.loaded, class)
}

// AddMethod declares a method on class and returns its identifier.
func (r *Runtime) AddMethod(class jvmti.Ref, name string) jvmti.MethodID {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.classes[class]
	if !ok {
		panic(fmt.Sprintf("jvmtitest: unknown class ref %#x", class))
	}
	r.nextMethod++
	id := r.nextMethod
	r.methods[id] = &method{name: name, declaring: class}
	c.methods = append(c.methods, id)
	return id
}

// SetNative marks the method as natively implemented.
func (r *Runtime) SetNative(m jvmti.MethodID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[m].native = true
}

// SetLineTable attaches a line-number table, ordered by start location.
func (r *Runtime) SetLineTable(m jvmti.MethodID, entries []jvmti.LineEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[m].lineTable = entries
}

// SetLineTableErr makes LineNumberTable fail with err for the method.
func (r *Runtime) SetLineTableErr(m jvmti.MethodID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[m].lineErr = err
}

// AddThread creates a thread with an empty stack.
func (r *Runtime) AddThread() jvmti.Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := r.newRef()
	r.threads[ref] = &thread{locals: make(map[[2]int]jvmti.Ref)}
	return ref
}

// SetStack replaces the thread's call stack, innermost frame first.
func (r *Runtime) SetStack(t jvmti.Ref, frames []jvmti.FrameInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads[t].frames = frames
}

// SetLocal sets the object in the given local variable slot of the frame at
// the given depth.
func (r *Runtime) SetLocal(t jvmti.Ref, depth, slot int, obj jvmti.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads[t].locals[[2]int{depth, slot}] = obj
}

// AddModule defines a loaded module.
func (r *Runtime) AddModule(name string) jvmti.Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := r.newRef()
	r.modules[ref] = name
	return ref
}

// FailCapabilities makes every AddCapabilities call fail with err.
func (r *Runtime) FailCapabilities(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capsErr = err
}

// Prepare fires a class-prepare event for class on thread.
func (r *Runtime) Prepare(thread, class jvmti.Ref) {
	r.mu.Lock()
	cb := r.callbacks.ClassPrepare
	enabled := r.enabled[jvmti.EventClassPrepare]
	r.mu.Unlock()
	if enabled && cb != nil {
		cb(thread, class)
	}
}

// Hit fires a breakpoint event for method on thread. It panics if no
// breakpoint was installed at the method, so tests cannot fire events the
// agent never asked for by accident.
func (r *Runtime) Hit(thread jvmti.Ref, m jvmti.MethodID) {
	r.mu.Lock()
	loc, ok := r.breakpoints[m]
	cb := r.callbacks.Breakpoint
	enabled := r.enabled[jvmti.EventBreakpoint]
	r.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("jvmtitest: no breakpoint installed at method %#x", m))
	}
	if enabled && cb != nil {
		cb(thread, m, loc)
	}
}

// HitUnregistered fires a breakpoint event without requiring an installed
// breakpoint, for exercising the dispatcher's consistency check.
func (r *Runtime) HitUnregistered(thread jvmti.Ref, m jvmti.MethodID) {
	r.mu.Lock()
	cb := r.callbacks.Breakpoint
	r.mu.Unlock()
	if cb != nil {
		cb(thread, m, 0)
	}
}

// Breakpoints returns the methods with installed breakpoints.
func (r *Runtime) Breakpoints() []jvmti.MethodID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]jvmti.MethodID, 0, len(r.breakpoints))
	for m := range r.breakpoints {
		out = append(out, m)
	}
	return out
}

// Opens returns all recorded AddModuleOpens calls.
func (r *Runtime) Opens() []Open {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Open(nil), r.opens...)
}

// Enabled reports whether delivery of the event kind is enabled.
func (r *Runtime) Enabled(kind jvmti.EventKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled[kind]
}

// Capabilities returns the capabilities granted so far.
func (r *Runtime) Capabilities() jvmti.Capabilities {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.caps
}

// Origin unwraps a promoted global ref back to the transient ref it came
// from; non-promoted refs are returned unchanged.
func (r *Runtime) Origin(ref jvmti.Ref) jvmti.Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolve(ref)
}

// IsGlobal reports whether ref was produced by NewGlobalRef.
func (r *Runtime) IsGlobal(ref jvmti.Ref) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.origin[ref]
	return ok
}

// resolve follows the promotion chain. Callers must hold mu.
func (r *Runtime) resolve(ref jvmti.Ref) jvmti.Ref {
	for {
		o, ok := r.origin[ref]
		if !ok {
			return ref
		}
		ref = o
	}
}

func (r *Runtime) classOf(ref jvmti.Ref) (*class, error) {
	c, ok := r.classes[r.resolve(ref)]
	if !ok {
		return nil, fmt.Errorf("jvmtitest: unknown class ref %#x", ref)
	}
	return c, nil
}

var _ jvmti.Env = (*Runtime)(nil)

func (r *Runtime) RuntimeVersion() (string, error) {
	return r.version, nil
}

func (r *Runtime) AddCapabilities(caps jvmti.Capabilities) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capsErr != nil {
		return r.capsErr
	}
	r.caps.CanGenerateBreakpointEvents = r.caps.CanGenerateBreakpointEvents || caps.CanGenerateBreakpointEvents
	r.caps.CanAccessLocalVariables = r.caps.CanAccessLocalVariables || caps.CanAccessLocalVariables
	r.caps.CanGetLineNumbers = r.caps.CanGetLineNumbers || caps.CanGetLineNumbers
	r.caps.CanGetSourceFileName = r.caps.CanGetSourceFileName || caps.CanGetSourceFileName
	return nil
}

func (r *Runtime) SetEventCallbacks(cb jvmti.EventCallbacks) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = cb
	return nil
}

func (r *Runtime) SetEventNotificationMode(mode jvmti.EventMode, kind jvmti.EventKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled[kind] = mode == jvmti.Enable
	return nil
}

func (r *Runtime) LoadedClasses() ([]jvmti.Ref, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]jvmti.Ref(nil), r.loaded...), nil
}

func (r *Runtime) ClassName(class jvmti.Ref) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.classOf(class)
	if err != nil {
		return "", err
	}
	if c.name == "" {
		return "", jvmti.ErrUnresolvedName
	}
	return c.name, nil
}

func (r *Runtime) ClassMethods(class jvmti.Ref) ([]jvmti.MethodID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.classOf(class)
	if err != nil {
		return nil, err
	}
	return append([]jvmti.MethodID(nil), c.methods...), nil
}

func (r *Runtime) MethodName(m jvmti.MethodID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mt, ok := r.methods[m]
	if !ok {
		return "", jvmti.ErrUnresolvedName
	}
	return mt.name, nil
}

func (r *Runtime) MethodDeclaringClass(m jvmti.MethodID) (jvmti.Ref, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mt, ok := r.methods[m]
	if !ok {
		return jvmti.NullRef, fmt.Errorf("jvmtitest: unknown method %#x", m)
	}
	return mt.declaring, nil
}

func (r *Runtime) IsMethodNative(m jvmti.MethodID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mt, ok := r.methods[m]
	if !ok {
		return false, fmt.Errorf("jvmtitest: unknown method %#x", m)
	}
	return mt.native, nil
}

func (r *Runtime) SetBreakpoint(m jvmti.MethodID, location int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[m]; !ok {
		return fmt.Errorf("jvmtitest: unknown method %#x", m)
	}
	r.breakpoints[m] = location
	return nil
}

func (r *Runtime) NewGlobalRef(ref jvmti.Ref) (jvmti.Ref, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref == jvmti.NullRef {
		return jvmti.NullRef, jvmti.ErrNullRef
	}
	g := r.newRef()
	r.origin[g] = ref
	return g, nil
}

func (r *Runtime) FrameCount(t jvmti.Ref) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[t]
	if !ok {
		return 0, fmt.Errorf("jvmtitest: unknown thread %#x", t)
	}
	return len(th.frames), nil
}

func (r *Runtime) StackTrace(t jvmti.Ref, start, max int) ([]jvmti.FrameInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[t]
	if !ok {
		return nil, fmt.Errorf("jvmtitest: unknown thread %#x", t)
	}
	if start >= len(th.frames) {
		return nil, nil
	}
	frames := th.frames[start:]
	if len(frames) > max {
		frames = frames[:max]
	}
	return append([]jvmti.FrameInfo(nil), frames...), nil
}

func (r *Runtime) LineNumberTable(m jvmti.MethodID) ([]jvmti.LineEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mt, ok := r.methods[m]
	if !ok {
		return nil, fmt.Errorf("jvmtitest: unknown method %#x", m)
	}
	if mt.lineErr != nil {
		return nil, mt.lineErr
	}
	if mt.lineTable == nil {
		return nil, jvmti.ErrAbsentInformation
	}
	return append([]jvmti.LineEntry(nil), mt.lineTable...), nil
}

func (r *Runtime) SourceFileName(class jvmti.Ref) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.classOf(class)
	if err != nil {
		return "", err
	}
	if c.sourceFile == "" {
		return "", jvmti.ErrAbsentInformation
	}
	return c.sourceFile, nil
}

func (r *Runtime) LocalInstance(t jvmti.Ref, depth, slot int) (jvmti.Ref, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[t]
	if !ok {
		return jvmti.NullRef, fmt.Errorf("jvmtitest: unknown thread %#x", t)
	}
	obj, ok := th.locals[[2]int{depth, slot}]
	if !ok {
		return jvmti.NullRef, fmt.Errorf("jvmtitest: no local at depth %d slot %d", depth, slot)
	}
	return obj, nil
}

func (r *Runtime) AllModules() ([]jvmti.Ref, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.modules) == 0 {
		return nil, jvmti.ErrMustPossessCapability
	}
	out := make([]jvmti.Ref, 0, len(r.modules))
	for ref := range r.modules {
		out = append(out, ref)
	}
	return out, nil
}

func (r *Runtime) ModuleName(module jvmti.Ref) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.modules[module]
	if !ok {
		return "", fmt.Errorf("jvmtitest: unknown module %#x", module)
	}
	return name, nil
}

func (r *Runtime) AddModuleOpens(module jvmti.Ref, pkg string, to jvmti.Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[module]; !ok {
		return fmt.Errorf("jvmtitest: unknown module %#x", module)
	}
	r.opens = append(r.opens, Open{Module: module, Package: pkg, To: to})
	return nil
}
