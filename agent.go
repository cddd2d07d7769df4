// Copyright The JVMTrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package initagent implements the core of a native agent that reports,
// for a configured set of classes, when the class's static initializer runs
// and when instances of the class are constructed, each report carrying the
// call stack that triggered the event.
//
// The agent works by setting breakpoints at the entry of static
// initializers and constructors of the selected classes. A class-prepare
// event installs the breakpoints; a breakpoint hit resolves the owning
// class, captures the triggering thread's stack and forwards the event to
// the configured sink.
//
// The agent has no threads of its own: all logic runs inside host callbacks
// on whichever thread triggered the event. The host binding constructs an
// [Agent] and forwards its load, VM-init, VM-death and unload callbacks.
package initagent

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hashicorp/go-version"

	"github.com/jvmtrace/initagent/internal/pkg/breakpoint"
	"github.com/jvmtrace/initagent/internal/pkg/jvmti"
	"github.com/jvmtrace/initagent/internal/pkg/modules"
	"github.com/jvmtrace/initagent/internal/pkg/policy"
	"github.com/jvmtrace/initagent/internal/pkg/registry"
	"github.com/jvmtrace/initagent/internal/pkg/report"
	"github.com/jvmtrace/initagent/internal/pkg/stacktrace"
)

// moduleRuntimeVersion is the first runtime specification version with
// module encapsulation. At or above it the tracking package must be opened
// to all modules before the first report.
var moduleRuntimeVersion = version.Must(version.NewVersion("9"))

// Agent coordinates the event subscription, breakpoint bookkeeping, stack
// capture and reporting. Host callbacks reach the agent through the
// closures registered in OnLoad; there is no package-level singleton.
type Agent struct {
	logger *slog.Logger
	env    jvmti.Env
	sink   report.Sink
	fatal  func(error)

	trackingModule  string
	trackingPackage string

	policy    *policy.Policy
	registry  *registry.Registry
	installer *breakpoint.Installer
}

// New returns an [Agent] operating against env, configured with the
// provided opts.
func New(env jvmti.Env, opts ...Option) (*Agent, error) {
	if env == nil {
		return nil, fmt.Errorf("nil host environment")
	}
	c := newAgentConfig(opts)

	a := &Agent{
		logger:          c.logger,
		env:             env,
		sink:            c.sink(Version()),
		fatal:           c.fatal,
		trackingModule:  c.trackingModule,
		trackingPackage: c.trackingPackage,
		registry:        registry.New(),
	}
	if a.fatal == nil {
		a.fatal = a.exitFatal
	}
	return a, nil
}

// exitFatal is the default fatal handler: report and bring the process
// down in a controlled manner.
func (a *Agent) exitFatal(err error) {
	a.logger.Error("unrecoverable agent error", "error", err)
	os.Exit(1)
}

// OnLoad is the agent load callback. It parses options into the tracing
// policy, obtains capabilities, registers the event callbacks and enables
// breakpoint event delivery. A returned error must abort agent startup.
func (a *Agent) OnLoad(options string) error {
	pol, err := policy.Parse(options)
	if err != nil {
		return fmt.Errorf("parsing agent options: %w", err)
	}
	a.policy = pol
	a.installer = breakpoint.New(a.logger, a.env, pol, a.registry)
	if pol.Empty() {
		a.logger.Warn("no classes selected for tracing", "options", options)
	}

	err = a.env.AddCapabilities(jvmti.Capabilities{
		CanGenerateBreakpointEvents: true,
		CanAccessLocalVariables:     true,
	})
	if err != nil {
		return fmt.Errorf("adding required capabilities: %w", err)
	}
	// Source lines and file names are optional. Try to obtain them, but do
	// not fail if they are unavailable.
	err = a.env.AddCapabilities(jvmti.Capabilities{
		CanGetLineNumbers:    true,
		CanGetSourceFileName: true,
	})
	if err != nil {
		a.logger.Debug("optional capabilities unavailable", "error", err)
	}

	err = a.env.SetEventCallbacks(jvmti.EventCallbacks{
		ClassPrepare: a.onClassPrepare,
		Breakpoint:   a.onBreakpoint,
	})
	if err != nil {
		return fmt.Errorf("registering event callbacks: %w", err)
	}
	if err := a.env.SetEventNotificationMode(jvmti.Enable, jvmti.EventBreakpoint); err != nil {
		return fmt.Errorf("enabling breakpoint events: %w", err)
	}
	return nil
}

// OnVMInit is the VM-initialized callback. It adjusts module visibility for
// the tracking sink, enables class-prepare event delivery and scans classes
// the runtime loaded before this point. This is the earliest phase in which
// breakpoints can be set, so classes initialized very early during VM
// startup cannot have their initialization traced; their instantiations
// still can.
func (a *Agent) OnVMInit(thread jvmti.Ref) error {
	modular, err := a.runtimeHasModules()
	if err != nil {
		return err
	}
	if modular {
		err := modules.OpenToAll(a.logger, a.env, a.trackingModule, a.trackingPackage)
		if err != nil {
			return err
		}
	}

	if err := a.env.SetEventNotificationMode(jvmti.Enable, jvmti.EventClassPrepare); err != nil {
		return fmt.Errorf("enabling class-prepare events: %w", err)
	}
	return a.scanLoadedClasses()
}

// OnVMDeath is the VM-death callback. Nothing to tear down.
func (a *Agent) OnVMDeath() {}

// OnUnload is the agent unload callback. Process exit reclaims all state:
// global references and breakpoints are intentionally retained for the
// agent's lifetime.
func (a *Agent) OnUnload() error { return nil }

// scanLoadedClasses applies the installer to every already-loaded class the
// policy selects. Classes that also produce a later class-prepare event are
// not double-registered; the installer skips known methods.
func (a *Agent) scanLoadedClasses() error {
	classes, err := a.env.LoadedClasses()
	if err != nil {
		return fmt.Errorf("enumerating loaded classes: %w", err)
	}
	for _, class := range classes {
		name, err := a.env.ClassName(class)
		if err != nil {
			continue
		}
		if err := a.installer.InstallForClass(class, name); err != nil {
			return err
		}
	}
	return nil
}

// runtimeHasModules reports whether the host runtime has module
// encapsulation. Legacy version strings such as "1.8.0_292" are normalized
// before parsing.
func (a *Agent) runtimeHasModules() (bool, error) {
	raw, err := a.env.RuntimeVersion()
	if err != nil {
		return false, fmt.Errorf("querying runtime version: %w", err)
	}
	v, err := version.NewVersion(normalizeVersion(raw))
	if err != nil {
		return false, fmt.Errorf("parsing runtime version %q: %w", raw, err)
	}
	return v.GreaterThanOrEqual(moduleRuntimeVersion), nil
}

func normalizeVersion(raw string) string {
	raw, _, _ = strings.Cut(raw, "_")
	return strings.TrimSpace(raw)
}

// onClassPrepare handles a class-prepare event. A class whose name cannot
// be resolved is skipped.
func (a *Agent) onClassPrepare(thread, class jvmti.Ref) {
	name, err := a.env.ClassName(class)
	if err != nil {
		return
	}
	if err := a.installer.InstallForClass(class, name); err != nil {
		a.fatal(err)
	}
}

// onBreakpoint handles a breakpoint hit. The agent only installs
// breakpoints it registers, so a hit for an unknown method identifier means
// the agent's own bookkeeping is broken and is not recovered from.
func (a *Agent) onBreakpoint(thread jvmti.Ref, method jvmti.MethodID, location int64) {
	entry, kind, ok := a.registry.Lookup(method)
	if !ok {
		a.fatal(fmt.Errorf("breakpoint hit for unregistered method %#x at location %d", uint64(method), location))
		return
	}

	stack, err := stacktrace.Capture(a.env, thread)
	if err != nil {
		a.fatal(fmt.Errorf("capturing stack for %s of %s: %w", kind, entry.Name, err))
		return
	}

	switch kind {
	case registry.KindInitializer:
		err = a.sink.ReportClassInitialized(entry.Class, entry.Name, stack)
	case registry.KindConstructor:
		// The constructed object has no return value to inspect at this
		// hook point; the receiver in local slot 0 of the breakpoint frame
		// is the only way to learn its identity.
		var this jvmti.Ref
		this, err = a.env.LocalInstance(thread, 0, 0)
		if err != nil {
			a.fatal(fmt.Errorf("reading receiver for constructor of %s: %w", entry.Name, err))
			return
		}
		err = a.sink.ReportObjectInstantiated(this, entry.Name, stack)
	}
	if err != nil {
		a.fatal(fmt.Errorf("reporting %s of %s: %w", kind, entry.Name, err))
	}
}
