package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rjsadow/mortis/internal/lifecycle"
	"github.com/rjsadow/mortis/internal/middleware"
	"github.com/rjsadow/mortis/internal/router"
)

// fakeAuth accepts "host" and "plugin" tokens.
type fakeAuth struct{}

func (fakeAuth) Authenticate(_ context.Context, token string) (*middleware.AuthResult, error) {
	switch token {
	case "host":
		return &middleware.AuthResult{Authenticated: true, Principal: &middleware.Principal{Role: middleware.RoleHost}}, nil
	case "plugin":
		return &middleware.AuthResult{Authenticated: true, Principal: &middleware.Principal{Role: middleware.RolePlugin, PluginID: "calc"}}, nil
	}
	return &middleware.AuthResult{Authenticated: false}, nil
}

func newTestHub() *Hub {
	return NewHub(fakeAuth{})
}

// subscribe opens the stream and waits for the client to register.
func subscribe(t *testing.T, hub *Hub) (*bufio.Scanner, func()) {
	t.Helper()
	ts := httptest.NewServer(hub)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/ipc/events?token=host", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		ts.Close()
		t.Fatalf("request failed: %v", err)
	}

	deadline := time.Now().Add(1 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() == 0 {
		t.Fatal("client did not register")
	}

	return bufio.NewScanner(resp.Body), func() {
		cancel()
		resp.Body.Close()
		ts.Close()
	}
}

// nextEvent reads lines until an event named name arrives and returns its data.
func nextEvent(t *testing.T, scanner *bufio.Scanner, name string) string {
	t.Helper()
	current := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && current == name:
			return strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended before %q event", name)
	return ""
}

func TestHub_Unauthenticated_Returns401(t *testing.T) {
	hub := newTestHub()

	for _, url := range []string{"/ipc/events?token=invalid", "/ipc/events"} {
		req := httptest.NewRequest(http.MethodGet, url, nil)
		rec := httptest.NewRecorder()
		hub.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", url, rec.Code)
		}
	}
}

func TestHub_PluginToken_Returns401(t *testing.T) {
	hub := newTestHub()

	req := httptest.NewRequest(http.MethodGet, "/ipc/events", nil)
	req.Header.Set("Authorization", "Bearer plugin")
	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestHub_MethodNotAllowed(t *testing.T) {
	hub := newTestHub()

	req := httptest.NewRequest(http.MethodPost, "/ipc/events?token=host", nil)
	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestHub_ConnectedEventSent(t *testing.T) {
	hub := newTestHub()
	scanner, done := subscribe(t, hub)
	defer done()

	if data := nextEvent(t, scanner, "connected"); data != "{}" {
		t.Errorf("expected empty object, got %s", data)
	}
}

func TestHub_SendRelaysPayloadVerbatim(t *testing.T) {
	hub := newTestHub()
	scanner, done := subscribe(t, hub)
	defer done()

	payload := json.RawMessage(`{"text":"hi","n":[1,2]}`)
	if err := hub.Send(context.Background(), router.ChannelPluginMessage, payload); err != nil {
		t.Fatal(err)
	}

	if data := nextEvent(t, scanner, router.ChannelPluginMessage); data != string(payload) {
		t.Errorf("expected %s, got %s", payload, data)
	}
}

func TestHub_LifecycleEvents(t *testing.T) {
	hub := newTestHub()
	scanner, done := subscribe(t, hub)
	defer done()

	hub.OnEvent(context.Background(), lifecycle.EventData{PluginID: "calc", Event: lifecycle.EventCrashed, Reason: "oom"})

	data := nextEvent(t, scanner, ChannelLifecycle)
	var got lifecycle.EventData
	if err := json.Unmarshal([]byte(data), &got); err != nil {
		t.Fatal(err)
	}
	if got.PluginID != "calc" || got.Event != lifecycle.EventCrashed || got.Reason != "oom" {
		t.Errorf("unexpected event %+v", got)
	}
}

func TestHub_SendWithoutClients(t *testing.T) {
	hub := newTestHub()
	if err := hub.Send(context.Background(), router.ChannelPluginClosed, router.ClosedEvent{PluginID: "x"}); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestHub_SendUnmarshalable(t *testing.T) {
	hub := newTestHub()
	if err := hub.Send(context.Background(), "bad", make(chan int)); err == nil {
		t.Error("expected marshal error")
	}
}

func TestHub_FullBufferNonBlocking(t *testing.T) {
	hub := newTestHub()

	// Manually register a client with a tiny buffer
	c := &client{ch: make(chan sseEvent, 1)}
	hub.mu.Lock()
	hub.clients[c] = struct{}{}
	hub.mu.Unlock()

	// Send more events than the buffer can hold; must not block
	for i := 0; i < 100; i++ {
		_ = hub.Send(context.Background(), router.ChannelPluginMessage, i)
	}

	hub.mu.Lock()
	delete(hub.clients, c)
	hub.mu.Unlock()
}

func TestHub_Implements(t *testing.T) {
	var _ router.HostSurface = (*Hub)(nil)
	var _ lifecycle.Recorder = (*Hub)(nil)
}

func TestHub_ClientCount(t *testing.T) {
	hub := newTestHub()

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}

	c := &client{ch: make(chan sseEvent, 1)}
	hub.mu.Lock()
	hub.clients[c] = struct{}{}
	hub.mu.Unlock()

	if hub.ClientCount() != 1 {
		t.Errorf("expected 1 client, got %d", hub.ClientCount())
	}

	hub.mu.Lock()
	delete(hub.clients, c)
	hub.mu.Unlock()

	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients after removal, got %d", hub.ClientCount())
	}
}
