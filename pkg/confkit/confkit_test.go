package confkit_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aodp-ingest/pkg/confkit"
)

func TestResolvePath(t *testing.T) {
	t.Setenv("AODP_CONF_DIR", "sections")
	tests := []struct {
		name     string
		base     string
		file     string
		expected string
	}{
		{name: "absolute path", base: "/base/dir", file: "/abs/ingest.yaml", expected: "/abs/ingest.yaml"},
		{name: "relative path", base: "/base/dir", file: "ingest.yaml", expected: "/base/dir/ingest.yaml"},
		{name: "env var", base: "/base/dir", file: "${AODP_CONF_DIR}/ingest.yaml", expected: "/base/dir/sections/ingest.yaml"},
		{name: "absolute env var", base: "/base/dir", file: "$HOME/ingest.yaml", expected: filepath.Join(os.Getenv("HOME"), "ingest.yaml")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, confkit.ResolvePath(tt.base, tt.file))
		})
	}
}

func TestBaseDir(t *testing.T) {
	assert.Equal(t, "/etc/aodp", confkit.BaseDir("/etc/aodp/aodp.yaml"))
	assert.Equal(t, "/", confkit.BaseDir("/aodp.yaml"))
	assert.Equal(t, "etc", confkit.BaseDir("etc/aodp.yaml"))
}

func TestSectionHydrate(t *testing.T) {
	t.Run("empty file", func(t *testing.T) {
		section := &confkit.Section[string]{}
		err := section.Hydrate("/base", func(string) (*string, error) {
			t.Fatal("loader must not run without a file")
			return nil, nil
		})
		require.NoError(t, err)
		assert.Nil(t, section.Value)
	})

	t.Run("loaded", func(t *testing.T) {
		section := &confkit.Section[string]{File: "ingest.yaml"}
		want := "loaded"
		err := section.Hydrate("/base", func(path string) (*string, error) {
			assert.Equal(t, "/base/ingest.yaml", path)
			return &want, nil
		})
		require.NoError(t, err)
		assert.Equal(t, "/base/ingest.yaml", section.File)
		require.NotNil(t, section.Value)
		assert.Equal(t, want, *section.Value)
	})

	t.Run("loader error", func(t *testing.T) {
		section := &confkit.Section[string]{File: "ingest.yaml"}
		err := section.Hydrate("/base", func(string) (*string, error) { return nil, errors.New("boom") })
		require.EqualError(t, err, "boom")
		assert.Equal(t, "ingest.yaml", section.File)
	})
}

func TestSectionOr(t *testing.T) {
	section := &confkit.Section[int]{}
	calls := 0
	fallback := func() *int { calls++; v := 7; return &v }

	assert.Equal(t, 7, *section.Or(fallback))
	assert.Equal(t, 7, *section.Or(fallback))
	assert.Equal(t, 1, calls)
}

func TestProjectRootHoldsGoMod(t *testing.T) {
	t.Setenv(confkit.EnvHome, "")
	root, err := confkit.ProjectRoot()
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "go.mod"))
	assert.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "etc", "aodp.yaml"), confkit.MustProjectPath("etc/aodp.yaml"))
}

func TestProjectRootHonoursHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv(confkit.EnvHome, home)

	root, err := confkit.ProjectRoot()
	require.NoError(t, err)
	assert.Equal(t, home, root)
	assert.Equal(t, filepath.Join(home, "etc", "aodp.yaml"), confkit.MustProjectPath("etc/aodp.yaml"))
	assert.Equal(t, "/srv/aodp.yaml", confkit.MustProjectPath("/srv/aodp.yaml"))
}

func TestProjectRootFindsConfigAboveWorkingDir(t *testing.T) {
	t.Setenv(confkit.EnvHome, "")
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "etc", "aodp.yaml"), []byte("Env: test\n"), 0o644))
	nested := filepath.Join(base, "data", "dumps")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	t.Chdir(nested)

	root, err := confkit.ProjectRoot()
	require.NoError(t, err)
	assert.Equal(t, base, root)
}
