// Copyright The JVMTrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry maps breakpointed method identifiers back to the class
// that owns them. It is the dispatch substrate for breakpoint events: a hit
// carries only a method identifier, and the registry recovers the class and
// the event kind.
package registry

import (
	"errors"
	"sync"

	"github.com/jvmtrace/initagent/internal/pkg/jvmti"
)

// Kind distinguishes the two breakpoint populations. The two need different
// stack inspection at hit time (a static initializer has no receiver).
type Kind int

const (
	// KindInitializer marks a static-initializer method.
	KindInitializer Kind = iota
	// KindConstructor marks a constructor method.
	KindConstructor
)

func (k Kind) String() string {
	switch k {
	case KindInitializer:
		return "initializer"
	case KindConstructor:
		return "constructor"
	default:
		return "unknown"
	}
}

// ErrKindConflict is returned when a method identifier is registered under
// both kinds. A method is either a static initializer or a constructor;
// seeing both means the agent's bookkeeping is broken.
var ErrKindConflict = errors.New("registry: method registered under both kinds")

// Entry is the registered owner of a breakpointed method. Class is a global
// reference, promoted before insertion, valid for the agent's lifetime.
type Entry struct {
	Class jvmti.Ref
	Name  string
}

// Registry holds two append-only concurrent maps from method identifier to
// owning class, one per kind. Entries are never removed; the traced class
// set is small and bounded by configuration, so agent-lifetime retention is
// acceptable.
//
// Callers need no external locking: inserts are insert-heavy during
// warm-up, lookups dominate at breakpoint-hit steady state, and sync.Map is
// built for exactly that access pattern.
type Registry struct {
	inits sync.Map // jvmti.MethodID -> Entry
	ctors sync.Map // jvmti.MethodID -> Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// RegisterInitializer records method as the static initializer of the
// entry's class. It reports whether the registration is new; re-registering
// the same method is a no-op. Registering a method already known as a
// constructor fails with ErrKindConflict.
func (r *Registry) RegisterInitializer(m jvmti.MethodID, e Entry) (bool, error) {
	if _, ok := r.ctors.Load(m); ok {
		return false, ErrKindConflict
	}
	_, loaded := r.inits.LoadOrStore(m, e)
	return !loaded, nil
}

// RegisterConstructor records method as a constructor of the entry's class.
// Semantics mirror RegisterInitializer.
func (r *Registry) RegisterConstructor(m jvmti.MethodID, e Entry) (bool, error) {
	if _, ok := r.inits.Load(m); ok {
		return false, ErrKindConflict
	}
	_, loaded := r.ctors.LoadOrStore(m, e)
	return !loaded, nil
}

// Lookup finds the entry and kind for a method identifier.
func (r *Registry) Lookup(m jvmti.MethodID) (Entry, Kind, bool) {
	if v, ok := r.inits.Load(m); ok {
		return v.(Entry), KindInitializer, true
	}
	if v, ok := r.ctors.Load(m); ok {
		return v.(Entry), KindConstructor, true
	}
	return Entry{}, 0, false
}

// HasInitializer reports whether the class (by name) already has a
// registered static initializer.
func (r *Registry) HasInitializer(className string) bool {
	found := false
	r.inits.Range(func(_, v any) bool {
		if v.(Entry).Name == className {
			found = true
			return false
		}
		return true
	})
	return found
}

// Len returns the number of registered methods of the given kind.
func (r *Registry) Len(k Kind) int {
	n := 0
	m := &r.inits
	if k == KindConstructor {
		m = &r.ctors
	}
	m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
