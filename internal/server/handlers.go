package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rjsadow/mortis/internal/ipc"
	"github.com/rjsadow/mortis/internal/middleware"
)

// maxIPCBody caps one IPC request; descriptor lists are the largest payload.
const maxIPCBody = 1 << 20

// PluginIDHeader lets the host address a call to a specific plugin.
const PluginIDHeader = "X-Plugin-ID"

// handlers binds HTTP handlers to an App's dependencies.
type handlers struct {
	app *App
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// Accepted is the reply to fire-and-forget channels.
type Accepted struct {
	Accepted bool `json:"accepted"`
}

func (h *handlers) handleIPC(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	if p == nil {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIPCBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	var args json.RawMessage
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 {
		if !json.Valid(trimmed) {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		args = trimmed
	}

	call := ipc.Call{
		Channel:  r.PathValue("channel"),
		Caller:   *p,
		PluginID: r.Header.Get(PluginIDHeader),
		Args:     args,
	}
	reply, err := h.app.IPC.Handle(r.Context(), call)
	switch {
	case errors.Is(err, ipc.ErrUnknownChannel):
		http.Error(w, "Unknown channel", http.StatusNotFound)
		return
	case errors.Is(err, ipc.ErrForbidden):
		http.Error(w, "Channel not available to plugins", http.StatusForbidden)
		return
	case err != nil:
		slog.ErrorContext(r.Context(), "IPC call failed", "channel", call.Channel, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if h.app.IPC.Async(call.Channel) {
		writeJSON(w, http.StatusAccepted, Accepted{Accepted: true})
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (h *handlers) handleChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.app.IPC.Channels())
}

func (h *handlers) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Accept") == "application/gzip" {
		w.Header().Set("Content-Type", "application/gzip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=diagnostics-%s.tar.gz", time.Now().UTC().Format("20060102-150405")))
		if err := h.app.DiagCollector.WriteTarGz(r.Context(), w); err != nil {
			slog.ErrorContext(r.Context(), "failed to generate diagnostics archive", "error", err)
		}
		return
	}

	bundle, err := h.app.DiagCollector.Collect(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to collect diagnostics", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}
