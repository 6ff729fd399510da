package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Exit Code Mapping Tests
// =============================================================================

func TestFail_ServerErrorExitCode(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	err := &ServerError{
		Op:       "OpenStore",
		Err:      errors.New("disk full"),
		ExitCode: ExitDatabaseError,
	}

	assert.Equal(t, ExitDatabaseError, fail(logger, "failed to create server", err))
}

func TestFail_WrappedServerError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	inner := &ServerError{
		Op:       "NewDockerClient",
		Err:      errors.New("cannot connect to daemon"),
		ExitCode: ExitDockerError,
	}
	wrapped := fmt.Errorf("startup: %w", inner)

	assert.Equal(t, ExitDockerError, fail(logger, "server error", wrapped))
}

func TestFail_PlainError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	assert.Equal(t, ExitConfigError, fail(logger, "server error", errors.New("boom")))
}
