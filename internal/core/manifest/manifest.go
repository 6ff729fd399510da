// Package manifest parses the optional appship.yaml a generated app may
// ship alongside its source. The manifest lets an app override container
// environment and its internal listen port; absent or empty manifests fall
// back to the platform convention (port 3000).
package manifest

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/artpar/appship/internal/core/domain"
)

// Path is the well-known manifest location inside a generated file set.
const Path = "appship.yaml"

// DefaultInternalPort is the port generated applications listen on unless
// the manifest says otherwise. The runtime always maps it to the allocated
// host port.
const DefaultInternalPort = 3000

var ErrInvalidManifest = errors.New("invalid app manifest")

// Manifest describes app-level deployment overrides.
type Manifest struct {
	Name            string            `yaml:"name,omitempty"`
	InternalPort    int               `yaml:"internal_port,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"`
	HealthcheckPath string            `yaml:"healthcheck_path,omitempty"`
}

// Parse decodes a manifest document and validates it.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if m.InternalPort < 0 || m.InternalPort > 65535 {
		return nil, fmt.Errorf("%w: internal_port %d out of range", ErrInvalidManifest, m.InternalPort)
	}
	if m.InternalPort == 0 {
		m.InternalPort = DefaultInternalPort
	}
	return &m, nil
}

// FromFiles finds and parses the manifest in a generated file set. A
// missing manifest is not an error; the returned manifest carries defaults.
func FromFiles(files []domain.GeneratedFile) (*Manifest, error) {
	for _, f := range files {
		if f.Path == Path {
			return Parse([]byte(f.Content))
		}
	}
	return &Manifest{InternalPort: DefaultInternalPort}, nil
}
