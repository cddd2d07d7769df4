// Copyright The JVMTrace Authors
// SPDX-License-Identifier: Apache-2.0

package breakpoint

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvmtrace/initagent/internal/pkg/jvmti"
	"github.com/jvmtrace/initagent/internal/pkg/jvmti/jvmtitest"
	"github.com/jvmtrace/initagent/internal/pkg/policy"
	"github.com/jvmtrace/initagent/internal/pkg/registry"
)

func testInstaller(t *testing.T, rt *jvmtitest.Runtime, options string) (*Installer, *registry.Registry, *bytes.Buffer) {
	t.Helper()
	pol, err := policy.Parse(options)
	require.NoError(t, err)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	reg := registry.New()
	return New(logger, rt, pol, reg), reg, &buf
}

func TestInstallForClass(t *testing.T) {
	rt := jvmtitest.New("17")
	foo := rt.AddClass("app.Foo", "Foo.java")
	clinit := rt.AddMethod(foo, "<clinit>")
	ctor1 := rt.AddMethod(foo, "<init>")
	ctor2 := rt.AddMethod(foo, "<init>")
	rt.AddMethod(foo, "toString")

	inst, reg, _ := testInstaller(t, rt,
		"trace-class-initialization=app.Foo,trace-object-instantiation=app.Foo")

	require.NoError(t, inst.InstallForClass(foo, "app.Foo"))

	assert.ElementsMatch(t, []jvmti.MethodID{clinit, ctor1, ctor2}, rt.Breakpoints())
	assert.Equal(t, 1, reg.Len(registry.KindInitializer))
	assert.Equal(t, 2, reg.Len(registry.KindConstructor))

	entry, kind, ok := reg.Lookup(clinit)
	require.True(t, ok)
	assert.Equal(t, registry.KindInitializer, kind)
	assert.Equal(t, "app.Foo", entry.Name)
	assert.True(t, rt.IsGlobal(entry.Class), "stored class ref must be promoted")
	assert.Equal(t, foo, rt.Origin(entry.Class))

	// Both constructors share one promoted ref.
	e1, _, _ := reg.Lookup(ctor1)
	e2, _, _ := reg.Lookup(ctor2)
	assert.Equal(t, e1.Class, e2.Class)
}

func TestInstallUnselectedClass(t *testing.T) {
	rt := jvmtitest.New("17")
	bar := rt.AddClass("app.Bar", "Bar.java")
	rt.AddMethod(bar, "<clinit>")
	rt.AddMethod(bar, "<init>")

	inst, reg, _ := testInstaller(t, rt, "trace-class-initialization=app.Foo")

	require.NoError(t, inst.InstallForClass(bar, "app.Bar"))
	assert.Empty(t, rt.Breakpoints())
	assert.Equal(t, 0, reg.Len(registry.KindInitializer))
}

func TestInstallMissingInitializer(t *testing.T) {
	rt := jvmtitest.New("17")
	foo := rt.AddClass("app.Foo", "Foo.java")
	rt.AddMethod(foo, "<init>")

	inst, reg, logs := testInstaller(t, rt, "trace-class-initialization=app.Foo")

	require.NoError(t, inst.InstallForClass(foo, "app.Foo"))
	assert.Empty(t, rt.Breakpoints())
	assert.Equal(t, 0, reg.Len(registry.KindInitializer))
	assert.Contains(t, logs.String(), "no static initializer")
}

func TestInstallMissingConstructors(t *testing.T) {
	rt := jvmtitest.New("17")
	foo := rt.AddClass("app.Foo", "Foo.java")
	rt.AddMethod(foo, "<clinit>")

	inst, reg, logs := testInstaller(t, rt, "trace-object-instantiation=app.Foo")

	require.NoError(t, inst.InstallForClass(foo, "app.Foo"))
	assert.Empty(t, rt.Breakpoints())
	assert.Equal(t, 0, reg.Len(registry.KindConstructor))
	assert.Contains(t, logs.String(), "no constructors")
}

func TestInstallMultipleInitializersFatal(t *testing.T) {
	rt := jvmtitest.New("17")
	foo := rt.AddClass("app.Foo", "Foo.java")
	rt.AddMethod(foo, "<clinit>")
	rt.AddMethod(foo, "<clinit>")

	inst, _, _ := testInstaller(t, rt, "trace-class-initialization=app.Foo")

	err := inst.InstallForClass(foo, "app.Foo")
	assert.ErrorContains(t, err, "<clinit>")
}

func TestInstallIdempotent(t *testing.T) {
	rt := jvmtitest.New("17")
	foo := rt.AddClass("app.Foo", "Foo.java")
	rt.AddMethod(foo, "<clinit>")
	rt.AddMethod(foo, "<init>")

	inst, reg, _ := testInstaller(t, rt,
		"trace-class-initialization=app.Foo,trace-object-instantiation=app.Foo")

	// Same class discovered via the loaded-classes scan and via a later
	// prepare event.
	require.NoError(t, inst.InstallForClass(foo, "app.Foo"))
	require.NoError(t, inst.InstallForClass(foo, "app.Foo"))

	assert.Len(t, rt.Breakpoints(), 2)
	assert.Equal(t, 1, reg.Len(registry.KindInitializer))
	assert.Equal(t, 1, reg.Len(registry.KindConstructor))
}
