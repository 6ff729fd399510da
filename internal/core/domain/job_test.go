package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Payload Validation Tests
// =============================================================================

func TestGenerationJob_Validate(t *testing.T) {
	valid := GenerationJob{
		GenerationID: "gen-1",
		ProjectID:    "proj-1",
		UserID:       "user-1",
		Prompt:       "a todo list app",
	}
	assert.NoError(t, valid.Validate())

	missing := valid
	missing.Prompt = ""
	assert.ErrorIs(t, missing.Validate(), ErrInvalidPayload)

	missing = valid
	missing.ProjectID = ""
	assert.ErrorIs(t, missing.Validate(), ErrInvalidPayload)

	missing = valid
	missing.GenerationID = ""
	assert.ErrorIs(t, missing.Validate(), ErrInvalidPayload)
}

func TestBuildJob_Validate(t *testing.T) {
	valid := BuildJob{BuildID: "build-1", ProjectID: "proj-1"}
	assert.NoError(t, valid.Validate())

	missing := valid
	missing.BuildID = ""
	assert.ErrorIs(t, missing.Validate(), ErrInvalidPayload)
}

func TestDeployJob_Validate(t *testing.T) {
	valid := DeployJob{DeploymentID: "dep-1", ProjectID: "proj-1", Environment: "production"}
	assert.NoError(t, valid.Validate())

	empty := valid
	empty.Environment = ""
	assert.NoError(t, empty.Validate())

	bad := valid
	bad.Environment = "prod"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidPayload)

	missing := valid
	missing.DeploymentID = ""
	assert.ErrorIs(t, missing.Validate(), ErrInvalidPayload)
}

// =============================================================================
// Job Attempt Tests
// =============================================================================

func TestJob_ExhaustedAttempts(t *testing.T) {
	job := &Job{Attempts: 2, MaxAttempts: 3}
	assert.False(t, job.ExhaustedAttempts())

	job.Attempts = 3
	assert.True(t, job.ExhaustedAttempts())
}

// =============================================================================
// Job Result Tests
// =============================================================================

func TestNewJobResult_Success(t *testing.T) {
	started := time.Now().Add(-50 * time.Millisecond)

	res, err := NewJobResult(map[string]string{"image_id": "sha256:abc"}, nil, started)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	assert.GreaterOrEqual(t, res.DurationMs, int64(50))

	var out map[string]string
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, "sha256:abc", out["image_id"])
}

func TestNewJobResult_Failure(t *testing.T) {
	res, err := NewJobResult(nil, errors.New("build failed"), time.Now())
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, "build failed", res.Error)
	assert.Nil(t, res.Output)
}

// =============================================================================
// Port Range Tests
// =============================================================================

func TestPortRange_Validate(t *testing.T) {
	assert.NoError(t, PortRange{Min: 4000, Max: 5000}.Validate())
	assert.NoError(t, PortRange{Min: 4000, Max: 4000}.Validate())

	assert.ErrorIs(t, PortRange{Min: 0, Max: 5000}.Validate(), ErrInvalidRange)
	assert.ErrorIs(t, PortRange{Min: 5000, Max: 4000}.Validate(), ErrInvalidRange)
	assert.ErrorIs(t, PortRange{Min: 4000, Max: 70000}.Validate(), ErrInvalidRange)
}
