// Package generator talks to the external code generation service.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/artpar/appship/internal/core/domain"
	"github.com/artpar/appship/internal/core/healing"
)

// Client calls the code generation service over HTTP. The service owns the
// models and prompting; this side only ships job context and receives files.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// Config holds generator service connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewClient creates a generator client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "generator"),
	}
}

type filesResponse struct {
	Files []domain.GeneratedFile `json:"files"`
	Error string                 `json:"error,omitempty"`
}

// Generate produces the initial file set for a generation job.
func (c *Client) Generate(ctx context.Context, job domain.GenerationJob) ([]domain.GeneratedFile, error) {
	return c.post(ctx, "/v1/generate", job)
}

// Fix asks for a targeted patch for a broken build.
func (c *Client) Fix(ctx context.Context, req healing.FixRequest) ([]domain.GeneratedFile, error) {
	return c.post(ctx, "/v1/fix", req)
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]domain.GeneratedFile, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generator request failed: %w", err)
	}
	defer resp.Body.Close()

	var out filesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode generator response: %w", err)
	}
	if resp.StatusCode >= 300 {
		if out.Error != "" {
			return nil, fmt.Errorf("generator returned %d: %s", resp.StatusCode, out.Error)
		}
		return nil, fmt.Errorf("generator returned status %d", resp.StatusCode)
	}

	c.logger.Debug("generator responded", "path", path, "files", len(out.Files))
	return out.Files, nil
}
