package hooks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recordingHook struct {
	id  string
	fn  func(Event) error
}

func (r *recordingHook) Execute(ctx context.Context, event Event) error { return r.fn(event) }
func (r *recordingHook) ID() string                                     { return r.id }

func TestManagerTriggersRegisteredHooks(t *testing.T) {
	m := NewManager(Config{Concurrency: 2, Timeout: time.Second})
	var mu sync.Mutex
	var seen []EventType
	m.Register(EventPublishStart, &recordingHook{id: "h1", fn: func(e Event) error {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		return nil
	}})

	m.Trigger(context.Background(), NewEvent(EventPublishStart, 1), nil)
	m.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != EventPublishStart {
		t.Fatalf("expected one publish_start trigger, got %v", seen)
	}
}

func TestManagerSkipsUnregisteredEventTypes(t *testing.T) {
	m := NewManager(Config{})
	called := false
	m.Register(EventPublishStart, &recordingHook{id: "h1", fn: func(Event) error {
		called = true
		return nil
	}})
	m.Trigger(context.Background(), NewEvent(EventPublishStop, 1), nil)
	m.Close()
	if called {
		t.Fatalf("hook registered for a different event type should not fire")
	}
}

func TestWebhookHookPostsJSON(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewWebhookHook("wh1", srv.URL, time.Second)
	if err := h.Execute(context.Background(), NewEvent(EventPublishStart, 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case ct := <-received:
		if ct != "application/json" {
			t.Fatalf("unexpected content type: %s", ct)
		}
	case <-time.After(time.Second):
		t.Fatalf("webhook was not called")
	}
}
