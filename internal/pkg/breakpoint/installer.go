// Copyright The JVMTrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package breakpoint installs the agent's method-entry breakpoints for
// classes selected by the tracing policy.
package breakpoint

import (
	"fmt"
	"log/slog"

	"github.com/jvmtrace/initagent/internal/pkg/jvmti"
	"github.com/jvmtrace/initagent/internal/pkg/policy"
	"github.com/jvmtrace/initagent/internal/pkg/registry"
)

// Method names of the implicit members the agent breakpoints.
const (
	ClinitName = "<clinit>"
	InitName   = "<init>"
)

// entryLocation is the bytecode offset breakpoints are installed at.
const entryLocation int64 = 0

// Installer enumerates a class's static initializer and constructors,
// promotes the class reference, registers the method identifiers and asks
// the host to install breakpoints at method entry.
type Installer struct {
	logger   *slog.Logger
	env      jvmti.Env
	policy   *policy.Policy
	registry *registry.Registry
}

// New returns an Installer recording into reg.
func New(logger *slog.Logger, env jvmti.Env, pol *policy.Policy, reg *registry.Registry) *Installer {
	return &Installer{logger: logger, env: env, policy: pol, registry: reg}
}

// InstallForClass applies the tracing policy to the class. It is safe to
// call again for a class that was already processed: registered methods are
// skipped, so the overlap between the class-prepare path and the
// already-loaded-classes scan cannot double-register anything.
//
// A returned error is an internal-consistency or host-call failure and must
// be treated as fatal by the caller. Expected-but-missing instrumentation
// (no static initializer, no constructors) is only a diagnostic.
func (i *Installer) InstallForClass(class jvmti.Ref, className string) error {
	if i.policy.TraceClassInitialization(className) {
		if err := i.installInitializer(class, className); err != nil {
			return err
		}
	}
	if i.policy.TraceObjectInstantiation(className) {
		if err := i.installConstructors(class, className); err != nil {
			return err
		}
	}
	return nil
}

func (i *Installer) installInitializer(class jvmti.Ref, className string) error {
	// Method enumeration with a name filter, never a resolve-by-signature
	// lookup: resolving the static initializer through the regular static
	// method lookup would force the very initialization being traced.
	ids, err := i.methodsNamed(class, ClinitName)
	if err != nil {
		return err
	}
	switch {
	case len(ids) > 1:
		return fmt.Errorf("class %s declares %d %s methods", className, len(ids), ClinitName)
	case len(ids) == 0:
		i.logger.Warn(
			"class initialization tracing requested but the class has no static initializer",
			"class", className,
		)
		return nil
	}

	m := ids[0]
	if _, _, ok := i.registry.Lookup(m); ok {
		return nil
	}
	global, err := i.env.NewGlobalRef(class)
	if err != nil {
		return fmt.Errorf("promoting class ref for %s: %w", className, err)
	}
	fresh, err := i.registry.RegisterInitializer(m, registry.Entry{Class: global, Name: className})
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}
	if err := i.env.SetBreakpoint(m, entryLocation); err != nil {
		return fmt.Errorf("setting initializer breakpoint for %s: %w", className, err)
	}
	i.logger.Debug("installed initializer breakpoint", "class", className)
	return nil
}

func (i *Installer) installConstructors(class jvmti.Ref, className string) error {
	ids, err := i.methodsNamed(class, InitName)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		// Should not happen for any constructible class.
		i.logger.Warn(
			"object instantiation tracing requested but the class has no constructors",
			"class", className,
		)
		return nil
	}

	var pending []jvmti.MethodID
	for _, m := range ids {
		if _, _, ok := i.registry.Lookup(m); !ok {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	// One promotion shared by every constructor of the class.
	global, err := i.env.NewGlobalRef(class)
	if err != nil {
		return fmt.Errorf("promoting class ref for %s: %w", className, err)
	}
	entry := registry.Entry{Class: global, Name: className}
	for _, m := range pending {
		fresh, err := i.registry.RegisterConstructor(m, entry)
		if err != nil {
			return err
		}
		if !fresh {
			continue
		}
		if err := i.env.SetBreakpoint(m, entryLocation); err != nil {
			return fmt.Errorf("setting constructor breakpoint for %s: %w", className, err)
		}
	}
	i.logger.Debug("installed constructor breakpoints", "class", className, "count", len(pending))
	return nil
}

func (i *Installer) methodsNamed(class jvmti.Ref, name string) ([]jvmti.MethodID, error) {
	methods, err := i.env.ClassMethods(class)
	if err != nil {
		return nil, fmt.Errorf("enumerating class methods: %w", err)
	}
	var out []jvmti.MethodID
	for _, m := range methods {
		n, err := i.env.MethodName(m)
		if err != nil {
			continue
		}
		if n == name {
			out = append(out, m)
		}
	}
	return out, nil
}
