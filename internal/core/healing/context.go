// Package healing holds the pure bookkeeping for the self-healing build
// loop: attempt accounting, error history, and the working file set that
// fix rounds merge into.
package healing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/artpar/appship/internal/core/domain"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrRetriesExhausted is returned when the loop used every fix attempt
	// without a passing build.
	ErrRetriesExhausted = errors.New("healing retries exhausted")

	// ErrNoFixProduced is recorded when the generator returns zero files for
	// a fix round.
	ErrNoFixProduced = errors.New("generator produced no fix")
)

// =============================================================================
// Healing Context
// =============================================================================

// Context is the mutable accumulator for one generation job's healing loop.
// It lives exactly as long as the job: attempts never survive a job
// boundary and are never reset by queue-level redelivery.
type Context struct {
	Attempt        int
	MaxRetries     int
	PreviousErrors []string
	FixedFiles     []string

	workingSet map[string]domain.GeneratedFile
	order      []string
}

// NewContext creates a healing context with the given retry bound.
func NewContext(maxRetries int) *Context {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Context{
		MaxRetries: maxRetries,
		workingSet: make(map[string]domain.GeneratedFile),
	}
}

// CanRetry reports whether another fix attempt is allowed.
func (c *Context) CanRetry() bool {
	return c.Attempt < c.MaxRetries
}

// BeginAttempt advances the attempt counter. It returns an error if the
// bound is already spent; the loop must terminate the instant that happens.
func (c *Context) BeginAttempt() error {
	if !c.CanRetry() {
		return fmt.Errorf("%w: attempt %d of %d", ErrRetriesExhausted, c.Attempt, c.MaxRetries)
	}
	c.Attempt++
	return nil
}

// RecordError appends a build (or generator) failure to the history.
func (c *Context) RecordError(msg string) {
	c.PreviousErrors = append(c.PreviousErrors, msg)
}

// =============================================================================
// Working Set
// =============================================================================

// Merge folds a batch of files into the working set keyed by path. The last
// write per path wins; paths already fixed in earlier rounds are simply
// overwritten. Files merged during a fix round (attempt > 0) are tracked in
// FixedFiles.
func (c *Context) Merge(files []domain.GeneratedFile) {
	for _, f := range files {
		if _, exists := c.workingSet[f.Path]; !exists {
			c.order = append(c.order, f.Path)
		}
		c.workingSet[f.Path] = f
		if c.Attempt > 0 && !contains(c.FixedFiles, f.Path) {
			c.FixedFiles = append(c.FixedFiles, f.Path)
		}
	}
}

// WorkingSet returns the current file set in first-seen path order.
func (c *Context) WorkingSet() []domain.GeneratedFile {
	files := make([]domain.GeneratedFile, 0, len(c.order))
	for _, path := range c.order {
		files = append(files, c.workingSet[path])
	}
	return files
}

// FileCount returns the number of distinct paths in the working set.
func (c *Context) FileCount() int {
	return len(c.workingSet)
}

// LastError returns the most recent recorded error, or "" if none.
func (c *Context) LastError() string {
	if len(c.PreviousErrors) == 0 {
		return ""
	}
	return c.PreviousErrors[len(c.PreviousErrors)-1]
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// =============================================================================
// Fix Request
// =============================================================================

// FixRequest is the structured context sent to the code generator to
// produce a targeted patch for a broken build.
type FixRequest struct {
	ProjectID      string   `json:"project_id"`
	Attempt        int      `json:"attempt"`
	MaxRetries     int      `json:"max_retries"`
	ErrorLog       string   `json:"error_log"`
	PreviousErrors []string `json:"previous_errors,omitempty"`
	FixedFiles     []string `json:"fixed_files,omitempty"`
}

// NewFixRequest snapshots the context into a fix request for the current
// attempt. FixedFiles is sorted so repeated requests are stable.
func (c *Context) NewFixRequest(projectID, errorLog string) FixRequest {
	fixed := append([]string(nil), c.FixedFiles...)
	sort.Strings(fixed)
	return FixRequest{
		ProjectID:      projectID,
		Attempt:        c.Attempt,
		MaxRetries:     c.MaxRetries,
		ErrorLog:       errorLog,
		PreviousErrors: append([]string(nil), c.PreviousErrors...),
		FixedFiles:     fixed,
	}
}

// =============================================================================
// Outcome
// =============================================================================

// Outcome summarizes a finished healing loop for the job result.
type Outcome struct {
	Succeeded  bool                   `json:"healing_succeeded"`
	Attempts   int                    `json:"healing_attempts"`
	Errors     []string               `json:"errors,omitempty"`
	FixedFiles []string               `json:"fixed_files,omitempty"`
	Files      []domain.GeneratedFile `json:"files,omitempty"`
}

// Outcome snapshots the context. Failed outcomes carry the final (still
// broken) file set so callers can present a diagnosable failure.
func (c *Context) Outcome(succeeded bool) Outcome {
	out := Outcome{
		Succeeded:  succeeded,
		Attempts:   c.Attempt,
		Errors:     append([]string(nil), c.PreviousErrors...),
		FixedFiles: append([]string(nil), c.FixedFiles...),
	}
	if !succeeded {
		out.Files = c.WorkingSet()
	}
	return out
}
