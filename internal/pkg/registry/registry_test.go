// Copyright The JVMTrace Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvmtrace/initagent/internal/pkg/jvmti"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	clinit := jvmti.MethodID(1)
	ctor := jvmti.MethodID(2)
	entry := Entry{Class: 7, Name: "app.Foo"}

	fresh, err := r.RegisterInitializer(clinit, entry)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = r.RegisterConstructor(ctor, entry)
	require.NoError(t, err)
	assert.True(t, fresh)

	got, kind, ok := r.Lookup(clinit)
	require.True(t, ok)
	assert.Equal(t, KindInitializer, kind)
	assert.Equal(t, entry, got)

	got, kind, ok = r.Lookup(ctor)
	require.True(t, ok)
	assert.Equal(t, KindConstructor, kind)
	assert.Equal(t, entry, got)

	_, _, ok = r.Lookup(jvmti.MethodID(99))
	assert.False(t, ok)
}

func TestRegisterIdempotent(t *testing.T) {
	r := New()
	m := jvmti.MethodID(1)
	entry := Entry{Class: 7, Name: "app.Foo"}

	fresh, err := r.RegisterInitializer(m, entry)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = r.RegisterInitializer(m, Entry{Class: 8, Name: "app.Foo"})
	require.NoError(t, err)
	assert.False(t, fresh, "re-registration must not be reported as new")

	// The original entry wins.
	got, _, ok := r.Lookup(m)
	require.True(t, ok)
	assert.Equal(t, entry, got)
	assert.Equal(t, 1, r.Len(KindInitializer))
}

func TestKindDisjointness(t *testing.T) {
	r := New()
	m := jvmti.MethodID(1)
	entry := Entry{Class: 7, Name: "app.Foo"}

	_, err := r.RegisterInitializer(m, entry)
	require.NoError(t, err)

	_, err = r.RegisterConstructor(m, entry)
	assert.ErrorIs(t, err, ErrKindConflict)

	// Still only present under one kind.
	assert.Equal(t, 1, r.Len(KindInitializer))
	assert.Equal(t, 0, r.Len(KindConstructor))

	r2 := New()
	_, err = r2.RegisterConstructor(m, entry)
	require.NoError(t, err)
	_, err = r2.RegisterInitializer(m, entry)
	assert.ErrorIs(t, err, ErrKindConflict)
}

func TestHasInitializer(t *testing.T) {
	r := New()
	_, err := r.RegisterInitializer(1, Entry{Class: 7, Name: "app.Foo"})
	require.NoError(t, err)

	assert.True(t, r.HasInitializer("app.Foo"))
	assert.False(t, r.HasInitializer("app.Bar"))
}

func TestConcurrentUse(t *testing.T) {
	r := New()

	const perKind = 64
	var wg sync.WaitGroup
	for i := 0; i < perKind; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := r.RegisterInitializer(jvmti.MethodID(i), Entry{Class: 1, Name: "a.A"})
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := r.RegisterConstructor(jvmti.MethodID(perKind+i), Entry{Class: 2, Name: "a.B"})
			assert.NoError(t, err)
			r.Lookup(jvmti.MethodID(i))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, perKind, r.Len(KindInitializer))
	assert.Equal(t, perKind, r.Len(KindConstructor))
}
