package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/appship/internal/core/domain"
)

func TestParse_FullManifest(t *testing.T) {
	data := []byte(`
name: todo-api
internal_port: 8080
env:
  NODE_OPTIONS: "--max-old-space-size=256"
healthcheck_path: /healthz
`)

	m, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "todo-api", m.Name)
	assert.Equal(t, 8080, m.InternalPort)
	assert.Equal(t, "--max-old-space-size=256", m.Env["NODE_OPTIONS"])
	assert.Equal(t, "/healthz", m.HealthcheckPath)
}

func TestParse_EmptyManifestGetsDefaultPort(t *testing.T) {
	m, err := Parse([]byte(""))
	require.NoError(t, err)

	assert.Equal(t, DefaultInternalPort, m.InternalPort)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("internal_port: [not a number"))
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestParse_PortOutOfRange(t *testing.T) {
	_, err := Parse([]byte("internal_port: 70000"))
	assert.ErrorIs(t, err, ErrInvalidManifest)

	_, err = Parse([]byte("internal_port: -1"))
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestFromFiles_FindsManifest(t *testing.T) {
	files := []domain.GeneratedFile{
		{Path: "app.js", Content: "..."},
		{Path: Path, Content: "internal_port: 5000"},
	}

	m, err := FromFiles(files)
	require.NoError(t, err)
	assert.Equal(t, 5000, m.InternalPort)
}

func TestFromFiles_MissingManifestUsesDefaults(t *testing.T) {
	m, err := FromFiles([]domain.GeneratedFile{{Path: "app.js", Content: "..."}})
	require.NoError(t, err)

	assert.Equal(t, DefaultInternalPort, m.InternalPort)
	assert.Empty(t, m.Env)
}
