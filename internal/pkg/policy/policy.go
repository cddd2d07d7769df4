// Copyright The JVMTrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy decides which classes get their initialization and
// instantiation traced. A Policy is built once from the agent option string
// at load time and is read-only afterwards, so it is safe to query from any
// callback thread without synchronization.
package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Option string keys.
const (
	keyTraceInit = "trace-class-initialization"
	keyTraceInst = "trace-object-instantiation"
	keyConfig    = "config"
)

// matcher matches class binary names. Exact names are kept in a set; names
// ending in '*' match as prefixes.
type matcher struct {
	exact    map[string]struct{}
	prefixes []string
}

func newMatcher() matcher {
	return matcher{exact: make(map[string]struct{})}
}

func (m *matcher) add(name string) {
	if rest, ok := strings.CutSuffix(name, "*"); ok {
		m.prefixes = append(m.prefixes, rest)
		return
	}
	m.exact[name] = struct{}{}
}

func (m *matcher) matches(name string) bool {
	if _, ok := m.exact[name]; ok {
		return true
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Policy is an immutable class-name selection.
type Policy struct {
	init matcher
	inst matcher
}

// fileConfig is the YAML form accepted via the config= option.
type fileConfig struct {
	TraceClassInitialization []string `yaml:"traceClassInitialization"`
	TraceObjectInstantiation []string `yaml:"traceObjectInstantiation"`
}

// Parse builds a Policy from the agent option string. The grammar is a
// comma-separated list of key=value pairs:
//
//	trace-class-initialization=<class>[:<class>...]
//	trace-object-instantiation=<class>[:<class>...]
//	config=<path to YAML file>
//
// Class entries ending in '*' match any class with the preceding prefix.
// Repeated keys accumulate. Unknown keys are rejected.
func Parse(options string) (*Policy, error) {
	p := &Policy{init: newMatcher(), inst: newMatcher()}
	if strings.TrimSpace(options) == "" {
		return p, nil
	}
	for _, opt := range strings.Split(options, ",") {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		key, value, found := strings.Cut(opt, "=")
		if !found {
			return nil, fmt.Errorf("malformed option %q: expected key=value", opt)
		}
		switch key {
		case keyTraceInit:
			addAll(&p.init, strings.Split(value, ":"))
		case keyTraceInst:
			addAll(&p.inst, strings.Split(value, ":"))
		case keyConfig:
			if err := p.loadFile(value); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown option %q", key)
		}
	}
	return p, nil
}

func addAll(m *matcher, names []string) {
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			m.add(n)
		}
	}
}

func (p *Policy) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading policy file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing policy file %s: %w", path, err)
	}
	addAll(&p.init, fc.TraceClassInitialization)
	addAll(&p.inst, fc.TraceObjectInstantiation)
	return nil
}

// TraceClassInitialization reports whether the class's static initializer
// should be traced.
func (p *Policy) TraceClassInitialization(className string) bool {
	return p.init.matches(className)
}

// TraceObjectInstantiation reports whether constructions of the class
// should be traced.
func (p *Policy) TraceObjectInstantiation(className string) bool {
	return p.inst.matches(className)
}

// Empty reports whether the policy selects no classes at all.
func (p *Policy) Empty() bool {
	return len(p.init.exact) == 0 && len(p.init.prefixes) == 0 &&
		len(p.inst.exact) == 0 && len(p.inst.prefixes) == 0
}
