// Package router relays traffic between plugin surfaces and the host.
//
// Plugin messages are forwarded verbatim to the host's primary surface
// through a per-plugin unbounded mailbox, preserving order per plugin
// without blocking the sender. Close requests unload the plugin and notify
// the host. API calls are dispatched through a closed method table.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/Workiva/go-datastructures/queue"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/tidwall/gjson"
	slogctx "github.com/veqryn/slog-context"
)

// Host channels the router emits on.
const (
	ChannelPluginMessage = "plugin-message"
	ChannelPluginClosed  = "plugin-closed"
)

// mailboxHint sizes each mailbox's initial ring.
const mailboxHint = 16

// HostSurface delivers events to the host's primary surface.
type HostSurface interface {
	Send(ctx context.Context, channel string, payload any) error
}

// Unloader unloads a plugin surface.
type Unloader interface {
	Unload(ctx context.Context, id string) error
}

// Clipboard is the host clipboard as seen by plugin API calls.
type Clipboard interface {
	WriteText(ctx context.Context, text string) error
	// ReadImage returns the clipboard image as a data URL, or "" if the
	// clipboard holds no image.
	ReadImage(ctx context.Context) (string, error)
}

// ClosedEvent is the payload of plugin-closed.
type ClosedEvent struct {
	PluginID string `json:"pluginId"`
}

// message is one relayed plugin payload.
type message struct {
	pluginID string
	payload  json.RawMessage
}

// mailbox drains one plugin's messages in order.
type mailbox struct {
	q    *queue.Queue
	done chan struct{}
}

// Router relays plugin traffic to the host.
type Router struct {
	host      HostSurface
	lifecycle Unloader
	api       *API

	mailboxes cmap.ConcurrentMap[string, *mailbox]
	mu        sync.Mutex // guards mailbox creation against Close
	closed    bool
}

// New creates a router. api may be nil, in which case every dispatch
// reports a missing method.
func New(host HostSurface, lifecycle Unloader, api *API) *Router {
	if api == nil {
		api, _ = NewAPI(nil)
	}
	return &Router{
		host:      host,
		lifecycle: lifecycle,
		api:       api,
		mailboxes: cmap.New[*mailbox](),
	}
}

// Relay queues payload for delivery to the host as plugin-message. It never
// blocks on the host and never inspects the payload.
func (r *Router) Relay(ctx context.Context, pluginID string, payload json.RawMessage) {
	mb := r.mailbox(pluginID)
	if mb == nil {
		slogctx.FromCtx(ctx).Debug("Dropping plugin message after shutdown", "plugin", pluginID)
		return
	}
	if err := mb.q.Put(message{pluginID: pluginID, payload: payload}); err != nil {
		slogctx.FromCtx(ctx).Debug("Dropping plugin message", "plugin", pluginID, "error", err)
	}
}

func (r *Router) mailbox(pluginID string) *mailbox {
	if mb, ok := r.mailboxes.Get(pluginID); ok {
		return mb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if mb, ok := r.mailboxes.Get(pluginID); ok {
		return mb
	}
	mb := &mailbox{q: queue.New(mailboxHint), done: make(chan struct{})}
	r.mailboxes.Set(pluginID, mb)
	go r.drain(mb)
	return mb
}

func (r *Router) drain(mb *mailbox) {
	defer close(mb.done)
	for {
		items, err := mb.q.Get(1)
		if err != nil {
			// queue.ErrDisposed: the router is shutting down
			return
		}
		for _, item := range items {
			msg := item.(message)
			if err := r.host.Send(context.Background(), ChannelPluginMessage, msg.payload); err != nil {
				slog.Warn("Failed to relay plugin message", "plugin", msg.pluginID, "error", err)
			}
		}
	}
}

// Close handles a close request from a plugin surface: the plugin is
// unloaded and the host is told with plugin-closed.
func (r *Router) Close(ctx context.Context, pluginID string) error {
	ctx = slogctx.With(ctx, "plugin", pluginID)
	if err := r.lifecycle.Unload(ctx, pluginID); err != nil {
		return err
	}
	if err := r.host.Send(ctx, ChannelPluginClosed, ClosedEvent{PluginID: pluginID}); err != nil {
		slogctx.FromCtx(ctx).Warn("Failed to notify host of closed plugin", "error", err)
	}
	return nil
}

// Dispatch invokes an API method on behalf of pluginID.
func (r *Router) Dispatch(ctx context.Context, pluginID, method string, args json.RawMessage) Result {
	res := r.api.Dispatch(ctx, Call{PluginID: pluginID, Method: method, Args: args})
	if res.Error != "" {
		slogctx.FromCtx(ctx).Debug("API call failed", "plugin", pluginID, "method", method, "error", res.Error)
	}
	return res
}

// Shutdown stops every mailbox. Messages still queued are dropped.
func (r *Router) Shutdown() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	for _, mb := range r.mailboxes.Items() {
		mb.q.Dispose()
		<-mb.done
	}
	r.mailboxes.Clear()
}

// BuiltinHandlers returns the host API available to every plugin.
// closePlugin is invoked by exitPlugin for the calling plugin.
func BuiltinHandlers(clip Clipboard, closePlugin func(ctx context.Context, id string) error) map[string]Handler {
	return map[string]Handler{
		"copyText": func(ctx context.Context, call Call) (any, error) {
			v := gjson.ParseBytes(call.Args)
			if v.Type != gjson.String {
				return nil, errors.New("copyText expects a string argument")
			}
			if err := clip.WriteText(ctx, v.String()); err != nil {
				return nil, err
			}
			return map[string]bool{"success": true}, nil
		},
		"getClipboardImage": func(ctx context.Context, call Call) (any, error) {
			dataURL, err := clip.ReadImage(ctx)
			if err != nil {
				return nil, err
			}
			if dataURL == "" {
				return nil, nil
			}
			return dataURL, nil
		},
		"exitPlugin": func(ctx context.Context, call Call) (any, error) {
			if err := closePlugin(ctx, call.PluginID); err != nil {
				return nil, err
			}
			return map[string]bool{"success": true}, nil
		},
	}
}
