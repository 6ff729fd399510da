// Package notify delivers deployment lifecycle events to external sinks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/artpar/appship/internal/core/domain"
)

// =============================================================================
// Sinks
// =============================================================================

// Sink receives one event. Delivery is best-effort; errors are logged and
// dropped.
type Sink interface {
	Deliver(ctx context.Context, event domain.Event) error
}

// SlogSink writes events to the structured log.
type SlogSink struct {
	Logger *slog.Logger
}

func (s *SlogSink) Deliver(_ context.Context, event domain.Event) error {
	s.Logger.Info("deployment event",
		"event", event.Event,
		"deployment_id", event.DeploymentID,
		"project_id", event.ProjectID,
		"status", event.Status,
		"url", event.URL,
		"error", event.Error,
	)
	return nil
}

// WebhookSink POSTs events as JSON to a configured URL.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// Notifier
// =============================================================================

// Notifier fans events out to its sinks from a bounded buffer. Publish never
// blocks the caller; when the buffer is full the event is dropped and the
// drop is logged.
type Notifier struct {
	sinks  []Sink
	events chan domain.Event
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNotifier creates a notifier with the given buffer size.
func NewNotifier(sinks []Sink, bufferSize int, logger *slog.Logger) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Notifier{
		sinks:  sinks,
		events: make(chan domain.Event, bufferSize),
		logger: logger.With("component", "notifier"),
	}
}

// Start launches the delivery loop.
func (n *Notifier) Start() {
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.wg.Add(1)
	go n.run()
}

// Stop drains nothing; buffered events not yet delivered are discarded.
func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
}

// Publish enqueues an event without blocking. A full buffer drops the event.
func (n *Notifier) Publish(event domain.Event) {
	select {
	case n.events <- event:
	default:
		n.logger.Warn("notification buffer full, dropping event",
			"event", event.Event, "deployment_id", event.DeploymentID)
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case event := <-n.events:
			for _, sink := range n.sinks {
				if err := sink.Deliver(n.ctx, event); err != nil {
					n.logger.Debug("sink delivery failed", "event", event.Event, "error", err)
				}
			}
		}
	}
}
