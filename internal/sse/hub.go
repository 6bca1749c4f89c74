// Package sse streams host events to the host UI over Server-Sent Events.
//
// The Hub is the host's primary surface as the rest of the runtime sees it:
// the message router sends plugin-message and plugin-closed through it, and
// the lifecycle manager records transitions on it.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rjsadow/mortis/internal/lifecycle"
	"github.com/rjsadow/mortis/internal/middleware"
)

const (
	// clientBufSize is the per-client event channel buffer. A client that
	// falls further behind loses events.
	clientBufSize = 256

	// heartbeatInterval keeps the connection alive through proxies.
	heartbeatInterval = 30 * time.Second

	// ChannelLifecycle carries lifecycle.EventData.
	ChannelLifecycle = "plugin-lifecycle"
)

// sseEvent is the payload written to each client's channel.
type sseEvent struct {
	Event string // SSE event type, the host channel name
	Data  []byte // JSON-encoded payload
}

// client represents a single connected EventSource.
type client struct {
	ch chan sseEvent
}

// Hub implements router.HostSurface and lifecycle.Recorder, and serves the
// SSE endpoint. Every connected host client receives every event.
type Hub struct {
	auth middleware.Authenticator

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates an SSE hub. Only host-role tokens may subscribe.
func NewHub(auth middleware.Authenticator) *Hub {
	return &Hub{
		auth:    auth,
		clients: make(map[*client]struct{}),
	}
}

// Send implements router.HostSurface. It encodes payload as JSON and fans
// it out without blocking; with no client connected the event is dropped.
func (h *Hub) Send(_ context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sse: marshal %s: %w", channel, err)
	}
	h.broadcast(sseEvent{Event: channel, Data: data})
	return nil
}

// OnEvent implements lifecycle.Recorder.
func (h *Hub) OnEvent(ctx context.Context, event lifecycle.EventData) {
	if err := h.Send(ctx, ChannelLifecycle, event); err != nil {
		slog.Error("sse: failed to marshal event", "error", err)
	}
}

func (h *Hub) broadcast(msg sseEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.ch <- msg:
		default:
			slog.Warn("sse: client buffer full, dropping event", "event", msg.Event)
		}
	}
}

// ServeHTTP serves the GET /ipc/events SSE endpoint. The token comes from
// the Authorization header or the "token" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	c := &client{ch: make(chan sseEvent, clientBufSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	// Send connected event so the UI knows the stream is live.
	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.ch:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, msg.Data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// authorized accepts only host tokens; plugin tokens cannot observe other
// plugins' traffic.
func (h *Hub) authorized(r *http.Request) bool {
	token := middleware.BearerToken(r)
	if token == "" || h.auth == nil {
		return false
	}
	result, err := h.auth.Authenticate(r.Context(), token)
	if err != nil || !result.Authenticated || result.Principal == nil {
		return false
	}
	return result.Principal.Role == middleware.RoleHost
}

// ClientCount returns the number of connected SSE clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
