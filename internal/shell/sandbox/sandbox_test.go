package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/appship/internal/core/domain"
)

func TestWriteFiles(t *testing.T) {
	s, err := NewSandbox(t.TempDir())
	require.NoError(t, err)

	dir, err := s.WriteFiles("proj-1", []domain.GeneratedFile{
		{Path: "package.json", Content: `{"name":"app"}`},
		{Path: "src/index.js", Content: "console.log('hi')"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"name":"app"}`, string(data))

	data, err = os.ReadFile(filepath.Join(dir, "src", "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log('hi')", string(data))
}

func TestWriteFilesOverwritesByPath(t *testing.T) {
	s, err := NewSandbox(t.TempDir())
	require.NoError(t, err)

	_, err = s.WriteFiles("proj-1", []domain.GeneratedFile{{Path: "app.js", Content: "v1"}})
	require.NoError(t, err)
	dir, err := s.WriteFiles("proj-1", []domain.GeneratedFile{{Path: "app.js", Content: "v2"}})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "app.js"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestWriteFilesRejectsUnsafePaths(t *testing.T) {
	s, err := NewSandbox(t.TempDir())
	require.NoError(t, err)

	for _, path := range []string{
		"../escape.js",
		"/etc/passwd",
		"a/../../escape.js",
		"",
	} {
		_, err := s.WriteFiles("proj-1", []domain.GeneratedFile{{Path: path, Content: "x"}})
		assert.ErrorIsf(t, err, ErrUnsafePath, "path %q", path)
	}
}

func TestProjectDirRejectsUnsafeIDs(t *testing.T) {
	s, err := NewSandbox(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"..", "a/b", `a\b`} {
		_, err := s.ProjectDir(id)
		assert.ErrorIsf(t, err, ErrUnsafePath, "id %q", id)
	}

	_, err = s.ProjectDir("")
	assert.ErrorIs(t, err, ErrMissingProject)
}

func TestClean(t *testing.T) {
	s, err := NewSandbox(t.TempDir())
	require.NoError(t, err)

	dir, err := s.WriteFiles("proj-1", []domain.GeneratedFile{{Path: "app.js", Content: "x"}})
	require.NoError(t, err)

	require.NoError(t, s.Clean("proj-1"))

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}
