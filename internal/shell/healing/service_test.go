package healing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/appship/internal/core/domain"
	corehealing "github.com/artpar/appship/internal/core/healing"
	"github.com/artpar/appship/internal/shell/docker"
	"github.com/artpar/appship/internal/shell/sandbox"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeGenerator struct {
	files    []domain.GeneratedFile
	genErr   error
	fixes    [][]domain.GeneratedFile // per fix round, consumed in order
	fixCalls int
	requests []corehealing.FixRequest
}

func (g *fakeGenerator) Generate(_ context.Context, _ domain.GenerationJob) ([]domain.GeneratedFile, error) {
	if g.genErr != nil {
		return nil, g.genErr
	}
	return g.files, nil
}

func (g *fakeGenerator) Fix(_ context.Context, req corehealing.FixRequest) ([]domain.GeneratedFile, error) {
	g.requests = append(g.requests, req)
	if g.fixCalls >= len(g.fixes) {
		g.fixCalls++
		return nil, nil
	}
	fix := g.fixes[g.fixCalls]
	g.fixCalls++
	return fix, nil
}

// fakeBuilder fails the first failuresBeforePass builds, then passes.
type fakeBuilder struct {
	failuresBeforePass int
	buildCalls         int
	logs               []string // build output returned with failed builds
}

func (b *fakeBuilder) Ping(_ context.Context) error { return nil }

func (b *fakeBuilder) BuildImage(_ context.Context, opts docker.BuildOptions) (*domain.BuildResult, error) {
	b.buildCalls++
	if b.buildCalls <= b.failuresBeforePass {
		return &domain.BuildResult{Success: false, Error: "tsc: cannot find module './missing'", Logs: b.logs},
			errors.New("image build failed")
	}
	return &domain.BuildResult{Success: true, ImageID: "sha256:fixed"}, nil
}

// =============================================================================
// Fixtures
// =============================================================================

func newService(t *testing.T, gen Generator, builder Builder, maxRetries int) *Service {
	t.Helper()
	sb, err := sandbox.NewSandbox(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(gen, builder, sb, Config{MaxRetries: maxRetries}, logger)
}

func genJob() domain.GenerationJob {
	return domain.GenerationJob{
		GenerationID: "gen-1",
		ProjectID:    "proj-1",
		UserID:       "user-1",
		Prompt:       "a todo app",
	}
}

func noProgress(int, string) {}

var appFiles = []domain.GeneratedFile{
	{Path: "Dockerfile", Content: "FROM node:20-alpine\n", IsNew: true},
	{Path: "src/app.tsx", Content: "export const App = () => null", IsNew: true},
}

// =============================================================================
// Tests
// =============================================================================

func TestHealingFirstBuildPasses(t *testing.T) {
	gen := &fakeGenerator{files: appFiles}
	builder := &fakeBuilder{failuresBeforePass: 0}
	s := newService(t, gen, builder, 3)

	outcome, err := s.GenerateWithHealing(context.Background(), genJob(), noProgress)
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded)
	assert.Equal(t, 0, outcome.Attempts)
	assert.Equal(t, 1, builder.buildCalls)
	assert.Empty(t, outcome.FixedFiles)
}

func TestHealingFailsTwiceThenSucceeds(t *testing.T) {
	gen := &fakeGenerator{
		files: appFiles,
		fixes: [][]domain.GeneratedFile{
			{{Path: "src/app.tsx", Content: "attempt 1 fix"}},
			{{Path: "src/app.tsx", Content: "attempt 2 fix"}},
		},
	}
	builder := &fakeBuilder{failuresBeforePass: 2}
	s := newService(t, gen, builder, 3)

	outcome, err := s.GenerateWithHealing(context.Background(), genJob(), noProgress)
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, 3, builder.buildCalls)
	assert.Contains(t, outcome.FixedFiles, "src/app.tsx")
}

func TestHealingExhaustsRetries(t *testing.T) {
	gen := &fakeGenerator{
		files: appFiles,
		fixes: [][]domain.GeneratedFile{
			{{Path: "src/app.tsx", Content: "fix 1"}},
			{{Path: "src/app.tsx", Content: "fix 2"}},
			{{Path: "src/app.tsx", Content: "fix 3"}},
		},
	}
	builder := &fakeBuilder{failuresBeforePass: 100}
	s := newService(t, gen, builder, 3)

	outcome, err := s.GenerateWithHealing(context.Background(), genJob(), noProgress)
	require.Error(t, err)
	assert.ErrorIs(t, err, corehealing.ErrRetriesExhausted)
	assert.False(t, outcome.Succeeded)
	assert.Equal(t, 3, outcome.Attempts)
	// One initial build plus one per fix attempt.
	assert.Equal(t, 4, builder.buildCalls)
	// Failed outcomes carry the final still-broken file set.
	assert.NotEmpty(t, outcome.Files)
	assert.Len(t, outcome.Errors, 4)
}

func TestHealingNoFixProducedConsumesAttempt(t *testing.T) {
	gen := &fakeGenerator{files: appFiles, fixes: nil} // every fix round returns zero files
	builder := &fakeBuilder{failuresBeforePass: 100}
	s := newService(t, gen, builder, 2)

	outcome, err := s.GenerateWithHealing(context.Background(), genJob(), noProgress)
	require.Error(t, err)
	assert.False(t, outcome.Succeeded)
	assert.Equal(t, 2, outcome.Attempts)
	// Zero-file fixes never trigger a rebuild.
	assert.Equal(t, 1, builder.buildCalls)
	assert.Contains(t, outcome.Errors, corehealing.ErrNoFixProduced.Error())
}

func TestHealingFixRequestCarriesHistory(t *testing.T) {
	gen := &fakeGenerator{
		files: appFiles,
		fixes: [][]domain.GeneratedFile{
			{{Path: "src/app.tsx", Content: "fix 1"}},
			{{Path: "src/util.ts", Content: "fix 2"}},
		},
	}
	builder := &fakeBuilder{failuresBeforePass: 2}
	s := newService(t, gen, builder, 3)

	_, err := s.GenerateWithHealing(context.Background(), genJob(), noProgress)
	require.NoError(t, err)

	require.Len(t, gen.requests, 2)
	first, second := gen.requests[0], gen.requests[1]
	assert.Equal(t, 1, first.Attempt)
	assert.Empty(t, first.FixedFiles)
	assert.NotEmpty(t, first.ErrorLog)

	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, []string{"src/app.tsx"}, second.FixedFiles)
	assert.Len(t, second.PreviousErrors, 2)
}

// The fix request carries the captured build output, not just the terminal
// error string: the generator needs the compiler and npm lines to produce a
// targeted fix.
func TestHealingFixRequestCarriesBuildOutput(t *testing.T) {
	gen := &fakeGenerator{
		files: appFiles,
		fixes: [][]domain.GeneratedFile{
			{{Path: "src/app.tsx", Content: "fixed"}},
		},
	}
	builder := &fakeBuilder{
		failuresBeforePass: 1,
		logs: []string{
			"Step 3/5 : RUN npm ci",
			"npm ERR! peer dep missing: react@18",
			"error TS2307: Cannot find module './missing'",
		},
	}
	s := newService(t, gen, builder, 3)

	_, err := s.GenerateWithHealing(context.Background(), genJob(), noProgress)
	require.NoError(t, err)

	require.Len(t, gen.requests, 1)
	log := gen.requests[0].ErrorLog
	assert.Contains(t, log, "build failed: tsc: cannot find module './missing'")
	assert.Contains(t, log, "RUN npm ci")
	assert.Contains(t, log, "error TS2307")
}

func TestHealingLastWritePerPathWins(t *testing.T) {
	gen := &fakeGenerator{
		files: appFiles,
		fixes: [][]domain.GeneratedFile{
			{{Path: "src/app.tsx", Content: "attempt 1 content"}},
			{{Path: "src/app.tsx", Content: "attempt 2 content"}},
		},
	}
	builder := &fakeBuilder{failuresBeforePass: 2}
	s := newService(t, gen, builder, 3)
	ctx := context.Background()

	_, err := s.GenerateWithHealing(ctx, genJob(), noProgress)
	require.NoError(t, err)

	dir, err := s.sandbox.ProjectDir("proj-1")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "src", "app.tsx"))
	require.NoError(t, err)
	assert.Equal(t, "attempt 2 content", string(data))
}

func TestHandlerCompletesJobOnExhaustion(t *testing.T) {
	gen := &fakeGenerator{
		files: appFiles,
		fixes: [][]domain.GeneratedFile{
			{{Path: "src/app.tsx", Content: "fix"}},
			{{Path: "src/app.tsx", Content: "fix"}},
			{{Path: "src/app.tsx", Content: "fix"}},
		},
	}
	builder := &fakeBuilder{failuresBeforePass: 100}
	s := newService(t, gen, builder, 3)

	payload, err := json.Marshal(genJob())
	require.NoError(t, err)
	job := &domain.Job{ID: "job-1", Queue: domain.QueueGeneration, Type: "generate", Payload: payload}

	// Exhaustion is a business failure: the handler returns a result, not an
	// error, so the queue never retries the healing loop.
	raw, err := s.Handler()(context.Background(), job, noProgress)
	require.NoError(t, err)

	var result domain.JobResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "healing retries exhausted")

	var outcome corehealing.Outcome
	require.NoError(t, json.Unmarshal(result.Output, &outcome))
	assert.False(t, outcome.Succeeded)
	assert.Equal(t, 3, outcome.Attempts)
}

func TestHealingGenerationFailureIsNotHealed(t *testing.T) {
	gen := &fakeGenerator{genErr: errors.New("model unavailable")}
	builder := &fakeBuilder{}
	s := newService(t, gen, builder, 3)

	_, err := s.GenerateWithHealing(context.Background(), genJob(), noProgress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code generation failed")
	assert.Equal(t, 0, builder.buildCalls)
}
