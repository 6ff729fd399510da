package domain

// =============================================================================
// Generated Files
// =============================================================================

// GeneratedFile is the unit exchanged with the code generator and the
// file sandbox.
type GeneratedFile struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
	IsNew    bool   `json:"is_new"`
}

// =============================================================================
// Build / Container Results
// =============================================================================

// BuildResult is the immutable outcome of one image build attempt.
type BuildResult struct {
	Success bool     `json:"success"`
	ImageID string   `json:"image_id,omitempty"`
	Logs    []string `json:"logs,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// ContainerResult is the immutable outcome of one container run attempt.
type ContainerResult struct {
	Success     bool   `json:"success"`
	ContainerID string `json:"container_id,omitempty"`
	Error       string `json:"error,omitempty"`
}
