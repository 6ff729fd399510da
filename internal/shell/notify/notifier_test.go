package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/appship/internal/core/domain"
)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Deliver(_ context.Context, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierDeliversToSinks(t *testing.T) {
	sink := &recordingSink{}
	n := NewNotifier([]Sink{sink}, 8, testLogger())
	n.Start()
	defer n.Stop()

	n.Publish(domain.Event{Event: domain.EventReady, DeploymentID: "dep-1"})

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, domain.EventReady, sink.events[0].Event)
	assert.Equal(t, "dep-1", sink.events[0].DeploymentID)
}

func TestPublishNeverBlocksWhenBufferFull(t *testing.T) {
	// No delivery loop running, so the buffer cannot drain.
	n := NewNotifier(nil, 1, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			n.Publish(domain.Event{Event: domain.EventBuilding})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}
}

func TestWebhookSink(t *testing.T) {
	var received domain.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	err := sink.Deliver(context.Background(), domain.Event{Event: domain.EventFailed, Error: "build broke"})
	require.NoError(t, err)
	assert.Equal(t, domain.EventFailed, received.Event)
	assert.Equal(t, "build broke", received.Error)
}

func TestWebhookSinkRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	err := sink.Deliver(context.Background(), domain.Event{Event: domain.EventReady})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
