// Copyright The JVMTrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package modules adjusts module visibility so the tracking sink stays
// reachable from code in any module.
package modules

import (
	"fmt"
	"log/slog"

	"github.com/jvmtrace/initagent/internal/pkg/jvmti"
)

// OpenToAll opens pkg of the module named moduleName to every loaded
// module. Event callbacks can run on threads executing code from any
// module, so the sink package must be visible everywhere before the first
// report.
//
// An absent sink module is a configuration mismatch: reporting calls would
// be silently inaccessible, so the error must abort agent startup.
func OpenToAll(logger *slog.Logger, env jvmti.Env, moduleName, pkg string) error {
	all, err := env.AllModules()
	if err != nil {
		return fmt.Errorf("enumerating modules: %w", err)
	}

	sink := jvmti.NullRef
	for _, module := range all {
		if module == jvmti.NullRef {
			return fmt.Errorf("null module handle in module enumeration")
		}
		name, err := env.ModuleName(module)
		if err != nil {
			return fmt.Errorf("resolving module name: %w", err)
		}
		if name == moduleName {
			sink = module
			break
		}
	}
	if sink == jvmti.NullRef {
		return fmt.Errorf("module %q providing the tracking sink not found", moduleName)
	}

	for _, module := range all {
		if err := env.AddModuleOpens(sink, pkg, module); err != nil {
			return fmt.Errorf("opening %s/%s: %w", moduleName, pkg, err)
		}
	}
	logger.Debug("opened tracking package to all modules",
		"module", moduleName, "package", pkg, "modules", len(all))
	return nil
}
