package docker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBuildStreamSuccess(t *testing.T) {
	stream := strings.Join([]string{
		`{"stream":"Step 1/3 : FROM node:20-alpine\n"}`,
		`{"stream":" ---> abc123\n"}`,
		`{"aux":{"ID":"sha256:deadbeef"}}`,
		`{"stream":"Successfully built deadbeef\n"}`,
	}, "\n")

	var seen []string
	result, err := decodeBuildStream(strings.NewReader(stream), func(line string) {
		seen = append(seen, line)
	})
	require.NoError(t, err)
	assert.Equal(t, "sha256:deadbeef", result.ImageID)
	assert.Equal(t, []string{
		"Step 1/3 : FROM node:20-alpine",
		" ---> abc123",
		"Successfully built deadbeef",
	}, result.Logs)
	assert.Equal(t, result.Logs, seen)
}

func TestDecodeBuildStreamError(t *testing.T) {
	stream := strings.Join([]string{
		`{"stream":"Step 2/3 : RUN npm ci\n"}`,
		`{"errorDetail":{"message":"npm ci exited with code 1"},"error":"npm ci exited with code 1"}`,
	}, "\n")

	result, err := decodeBuildStream(strings.NewReader(stream), nil)
	require.Error(t, err)
	assert.Equal(t, "npm ci exited with code 1", result.Error)
	assert.Contains(t, result.Logs, "npm ci exited with code 1")
	assert.Empty(t, result.ImageID)
}

func TestDecodeBuildStreamMalformed(t *testing.T) {
	result, err := decodeBuildStream(strings.NewReader(`{"stream":`), nil)
	require.Error(t, err)
	assert.Contains(t, result.Error, "failed to decode build output")
}

func TestBuildMessageRenderStatus(t *testing.T) {
	msg := buildMessage{
		Status:         "Downloading",
		ID:             "layer1",
		ProgressDetail: buildProgressDetail{Current: 512, Total: 1024},
	}
	assert.Equal(t, "layer1 Downloading 512/1024", msg.render())
}

func TestBuildMessageRenderEmpty(t *testing.T) {
	assert.Empty(t, buildMessage{}.render())
}

func TestBuildMessageImageIDIgnoresOtherAux(t *testing.T) {
	msg := buildMessage{Aux: []byte(`{"Digest":"sha256:abc"}`)}
	assert.Empty(t, msg.imageID())
}
