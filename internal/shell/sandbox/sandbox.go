// Package sandbox materializes generated files into per-project workspaces.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/artpar/appship/internal/core/domain"
)

var (
	ErrUnsafePath     = errors.New("unsafe file path")
	ErrMissingProject = errors.New("project id is required")
)

// Sandbox writes generated files under a root directory, one workspace per
// project. Paths are validated so generated code can never write outside its
// own workspace.
type Sandbox struct {
	root string
}

// NewSandbox creates a sandbox rooted at dir.
func NewSandbox(dir string) (*Sandbox, error) {
	if dir == "" {
		return nil, errors.New("sandbox root is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	return &Sandbox{root: abs}, nil
}

// ProjectDir returns the workspace directory for a project, creating it if
// needed.
func (s *Sandbox) ProjectDir(projectID string) (string, error) {
	if projectID == "" {
		return "", ErrMissingProject
	}
	if !safeSegment(projectID) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, projectID)
	}
	dir := filepath.Join(s.root, projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}
	return dir, nil
}

// WriteFiles writes the file set into the project workspace, overwriting by
// path. It returns the workspace directory the files were written to.
func (s *Sandbox) WriteFiles(projectID string, files []domain.GeneratedFile) (string, error) {
	dir, err := s.ProjectDir(projectID)
	if err != nil {
		return "", err
	}

	for _, f := range files {
		target, err := s.resolve(dir, f.Path)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("create dir for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(target, []byte(f.Content), 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	return dir, nil
}

// Clean removes a project workspace entirely.
func (s *Sandbox) Clean(projectID string) error {
	if projectID == "" {
		return ErrMissingProject
	}
	if !safeSegment(projectID) {
		return fmt.Errorf("%w: %q", ErrUnsafePath, projectID)
	}
	return os.RemoveAll(filepath.Join(s.root, projectID))
}

// resolve validates a relative file path and joins it under dir.
func (s *Sandbox) resolve(dir, path string) (string, error) {
	if path == "" || filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, path)
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, path)
	}
	return filepath.Join(dir, clean), nil
}

// safeSegment rejects ids that could escape the root when used as a
// directory name.
func safeSegment(id string) bool {
	return id != "." && id != ".." &&
		!strings.ContainsAny(id, "/\\") &&
		!strings.Contains(id, "..")
}
