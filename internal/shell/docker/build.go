package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/pkg/archive"

	"github.com/artpar/appship/internal/core/domain"
)

// =============================================================================
// Image Build
// =============================================================================

// BuildImage builds an image from opts.ContextDir and tags it opts.Tag.
// The returned BuildResult always carries the build log, so a caller can feed
// a failed build's output back into error analysis. The error return is
// non-nil exactly when the result is not a success.
func (d *DockerClient) BuildImage(ctx context.Context, opts BuildOptions) (*domain.BuildResult, error) {
	if opts.ContextDir == "" {
		return nil, NewDockerError("BuildImage", "image", opts.Tag, "context directory is required", ErrBuildFailed)
	}
	if opts.Tag == "" {
		return nil, NewDockerError("BuildImage", "image", "", "image tag is required", ErrBuildFailed)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	buildCtx, err := archive.TarWithOptions(opts.ContextDir, &archive.TarOptions{})
	if err != nil {
		return nil, NewDockerError("BuildImage", "image", opts.Tag, fmt.Sprintf("failed to create build context: %v", err), ErrBuildFailed)
	}
	defer buildCtx.Close()

	resp, err := d.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{opts.Tag},
		Remove:      true,
		ForceRemove: true,
		BuildArgs:   opts.BuildArgs,
	})
	if err != nil {
		return nil, NewDockerError("BuildImage", "image", opts.Tag, err.Error(), ErrBuildFailed)
	}
	defer resp.Body.Close()

	result, err := decodeBuildStream(resp.Body, opts.OnLog)
	if err != nil {
		if ctx.Err() != nil {
			result.Error = "build timed out"
			return result, NewDockerError("BuildImage", "image", opts.Tag, "build timed out", ErrTimeout)
		}
		return result, NewDockerError("BuildImage", "image", opts.Tag, result.Error, ErrBuildFailed)
	}

	if result.ImageID == "" {
		result.Success = false
		result.Error = "no image id in build output"
		return result, NewDockerError("BuildImage", "image", opts.Tag, "no image id in build output", ErrBuildNoImage)
	}

	result.Success = true
	return result, nil
}

// decodeBuildStream reads the daemon's JSON message stream, collecting log
// lines in order and capturing the built image id from the aux message. The
// returned result is never nil.
func decodeBuildStream(r io.Reader, onLog LogFunc) (*domain.BuildResult, error) {
	result := &domain.BuildResult{}
	decoder := json.NewDecoder(r)

	for {
		var msg buildMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return result, nil
			}
			result.Error = fmt.Sprintf("failed to decode build output: %v", err)
			return result, err
		}

		if errMsg := msg.errorMessage(); errMsg != "" {
			result.Error = errMsg
			result.Logs = append(result.Logs, errMsg)
			return result, fmt.Errorf("image build: %s", errMsg)
		}

		if id := msg.imageID(); id != "" {
			result.ImageID = id
		}

		if line := msg.render(); line != "" {
			result.Logs = append(result.Logs, line)
			if onLog != nil {
				onLog(line)
			}
		}
	}
}

// =============================================================================
// Build Stream Messages
// =============================================================================

type buildMessage struct {
	Stream         string               `json:"stream"`
	Status         string               `json:"status"`
	ID             string               `json:"id"`
	Progress       string               `json:"progress"`
	ProgressDetail buildProgressDetail  `json:"progressDetail"`
	Error          string               `json:"error"`
	ErrorDetail    buildMsgErrorDetail  `json:"errorDetail"`
	Aux            json.RawMessage      `json:"aux"`
}

type buildProgressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type buildMsgErrorDetail struct {
	Message string `json:"message"`
}

func (m buildMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	if strings.TrimSpace(m.ErrorDetail.Message) != "" {
		return strings.TrimSpace(m.ErrorDetail.Message)
	}
	return ""
}

// imageID extracts the built image id from an aux message, if present.
func (m buildMessage) imageID() string {
	if len(m.Aux) == 0 {
		return ""
	}
	var aux struct {
		ID string `json:"ID"`
	}
	if err := json.Unmarshal(m.Aux, &aux); err != nil {
		return ""
	}
	return aux.ID
}

func (m buildMessage) render() string {
	if m.Stream != "" {
		return strings.TrimRight(m.Stream, "\n")
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if strings.TrimSpace(m.ID) != "" {
			parts = append(parts, strings.TrimSpace(m.ID))
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		progress := strings.TrimSpace(m.Progress)
		if progress == "" && (m.ProgressDetail.Current > 0 || m.ProgressDetail.Total > 0) {
			if m.ProgressDetail.Total > 0 {
				progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
			} else {
				progress = fmt.Sprintf("%d", m.ProgressDetail.Current)
			}
		}
		if progress != "" {
			parts = append(parts, progress)
		}
		return strings.TrimSpace(strings.Join(parts, " "))
	}
	return ""
}
