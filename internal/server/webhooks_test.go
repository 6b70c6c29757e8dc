package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"conductor/internal/auditlog"
	"conductor/internal/config"
	"conductor/internal/domain"
)

type webhookCapture struct {
	mu         sync.Mutex
	deliveries []capturedDelivery
	failNext   bool
}

type capturedDelivery struct {
	event   string
	project string
	secret  string
	entry   domain.LogEntry
}

func (c *webhookCapture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.failNext {
			c.failNext = false
			http.Error(w, "backend down", http.StatusInternalServerError)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var entry domain.LogEntry
		if err := json.Unmarshal(body, &entry); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c.deliveries = append(c.deliveries, capturedDelivery{
			event:   r.Header.Get("X-Conductor-Event"),
			project: r.Header.Get("X-Conductor-Project"),
			secret:  r.Header.Get("X-Conductor-Secret"),
			entry:   entry,
		})
		w.WriteHeader(http.StatusNoContent)
	}
}

func (c *webhookCapture) all() []capturedDelivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]capturedDelivery, len(c.deliveries))
	copy(out, c.deliveries)
	return out
}

func (c *webhookCapture) fail() {
	c.mu.Lock()
	c.failNext = true
	c.mu.Unlock()
}

func newWebhookFixture(t *testing.T, hooks []config.WebhookConfig) (*webhookDispatcher, *auditlog.Store, *webhookCapture) {
	t.Helper()
	capture := &webhookCapture{}
	ts := httptest.NewServer(capture.handler())
	t.Cleanup(ts.Close)

	for i := range hooks {
		if hooks[i].URL == "" {
			hooks[i].URL = ts.URL
		}
	}

	mgr := auditlog.NewManager(t.TempDir())
	t.Cleanup(func() { mgr.Close() })
	store, err := mgr.Store("proj-1")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return newWebhookDispatcher(mgr, hooks, nil), store, capture
}

func appendEntry(t *testing.T, store *auditlog.Store, action string) {
	t.Helper()
	_, err := store.Append(context.Background(), domain.LogEntry{
		ProjectID: "proj-1",
		Action:    action,
	})
	if err != nil {
		t.Fatalf("append %s: %v", action, err)
	}
}

func TestWebhookDeliversOnlyNewEntries(t *testing.T) {
	d, store, capture := newWebhookFixture(t, []config.WebhookConfig{{Secret: "s3cret"}})
	ctx := context.Background()

	appendEntry(t, store, "goal_received")
	d.dispatchAll(ctx)
	if got := capture.all(); len(got) != 0 {
		t.Fatalf("expected no deliveries before cursor init, got %d", len(got))
	}

	appendEntry(t, store, "step_started")
	appendEntry(t, store, "step_completed")
	d.dispatchAll(ctx)

	got := capture.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if got[0].event != "step_started" || got[1].event != "step_completed" {
		t.Fatalf("unexpected delivery order: %q then %q", got[0].event, got[1].event)
	}
	if got[0].project != "proj-1" {
		t.Errorf("project header = %q, want proj-1", got[0].project)
	}
	if got[0].secret != "s3cret" {
		t.Errorf("secret header = %q, want s3cret", got[0].secret)
	}
	if got[1].entry.Action != "step_completed" {
		t.Errorf("payload action = %q, want step_completed", got[1].entry.Action)
	}

	d.dispatchAll(ctx)
	if got := capture.all(); len(got) != 2 {
		t.Fatalf("expected no redelivery of consumed entries, got %d", len(got))
	}
}

func TestWebhookEventFilter(t *testing.T) {
	d, store, capture := newWebhookFixture(t, []config.WebhookConfig{{Events: []string{"step_completed"}}})
	ctx := context.Background()

	d.dispatchAll(ctx)
	appendEntry(t, store, "step_started")
	appendEntry(t, store, "step_completed")
	appendEntry(t, store, "step_started")
	d.dispatchAll(ctx)

	got := capture.all()
	if len(got) != 1 {
		t.Fatalf("expected 1 filtered delivery, got %d", len(got))
	}
	if got[0].event != "step_completed" {
		t.Errorf("delivered event = %q, want step_completed", got[0].event)
	}

	d.dispatchAll(ctx)
	if got := capture.all(); len(got) != 1 {
		t.Fatalf("cursor should advance past filtered entries, got %d deliveries", len(got))
	}
}

func TestWebhookRetriesAfterFailure(t *testing.T) {
	d, store, capture := newWebhookFixture(t, []config.WebhookConfig{{}})
	ctx := context.Background()

	d.dispatchAll(ctx)
	appendEntry(t, store, "plan_generated")

	capture.fail()
	d.dispatchAll(ctx)
	if got := capture.all(); len(got) != 0 {
		t.Fatalf("expected failed delivery to record nothing, got %d", len(got))
	}

	d.dispatchAll(ctx)
	got := capture.all()
	if len(got) != 1 {
		t.Fatalf("expected redelivery after failure, got %d", len(got))
	}
	if got[0].event != "plan_generated" {
		t.Errorf("redelivered event = %q, want plan_generated", got[0].event)
	}
}

func TestWebhookDisabledHookSkipped(t *testing.T) {
	disabled := false
	d, store, capture := newWebhookFixture(t, []config.WebhookConfig{{Enabled: &disabled}})
	ctx := context.Background()

	d.dispatchAll(ctx)
	appendEntry(t, store, "step_started")
	d.dispatchAll(ctx)

	if got := capture.all(); len(got) != 0 {
		t.Fatalf("disabled hook should not deliver, got %d", len(got))
	}
}
