// Copyright The JVMTrace Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	p, err := Parse("trace-class-initialization=app.Foo:app.Bar,trace-object-instantiation=app.Foo")
	require.NoError(t, err)

	assert.True(t, p.TraceClassInitialization("app.Foo"))
	assert.True(t, p.TraceClassInitialization("app.Bar"))
	assert.False(t, p.TraceClassInitialization("app.Baz"))

	assert.True(t, p.TraceObjectInstantiation("app.Foo"))
	assert.False(t, p.TraceObjectInstantiation("app.Bar"))
	assert.False(t, p.Empty())
}

func TestParseEmpty(t *testing.T) {
	p, err := Parse("")
	require.NoError(t, err)
	assert.True(t, p.Empty())
	assert.False(t, p.TraceClassInitialization("app.Foo"))
	assert.False(t, p.TraceObjectInstantiation("app.Foo"))
}

func TestParsePrefixWildcard(t *testing.T) {
	p, err := Parse("trace-class-initialization=app.internal.*")
	require.NoError(t, err)

	assert.True(t, p.TraceClassInitialization("app.internal.Cache"))
	assert.True(t, p.TraceClassInitialization("app.internal.io.Buffer"))
	assert.False(t, p.TraceClassInitialization("app.Internal"))
}

func TestParseRepeatedKeysAccumulate(t *testing.T) {
	p, err := Parse("trace-object-instantiation=app.A,trace-object-instantiation=app.B")
	require.NoError(t, err)

	assert.True(t, p.TraceObjectInstantiation("app.A"))
	assert.True(t, p.TraceObjectInstantiation("app.B"))
}

func TestParseErrors(t *testing.T) {
	t.Run("unknown key", func(t *testing.T) {
		_, err := Parse("trace-everything=app.Foo")
		assert.ErrorContains(t, err, "unknown option")
	})

	t.Run("missing value", func(t *testing.T) {
		_, err := Parse("trace-class-initialization")
		assert.ErrorContains(t, err, "expected key=value")
	})

	t.Run("missing config file", func(t *testing.T) {
		_, err := Parse("config=" + filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorContains(t, err, "reading policy file")
	})
}

func TestParseConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `
traceClassInitialization:
  - app.Foo
traceObjectInstantiation:
  - app.Foo
  - app.widgets.*
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	p, err := Parse("config=" + path)
	require.NoError(t, err)

	assert.True(t, p.TraceClassInitialization("app.Foo"))
	assert.False(t, p.TraceClassInitialization("app.widgets.Button"))
	assert.True(t, p.TraceObjectInstantiation("app.widgets.Button"))
	assert.True(t, p.TraceObjectInstantiation("app.Foo"))
}

func TestParseConfigFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o600))

	_, err := Parse("config=" + path)
	assert.ErrorContains(t, err, "parsing policy file")
}
