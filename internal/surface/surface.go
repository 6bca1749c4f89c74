// Package surface defines the isolated render surface contract the plugin
// host consumes from its UI toolkit.
//
// A Surface is an embeddable view (typically a web view) hosting one
// plugin's content. Surfaces are created by a Provider inside a named
// isolation partition so cookies and storage never leak between plugins or
// into the host's primary surface. The host owns exactly one Window that
// surfaces attach to.
package surface

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by surface implementations.
var (
	ErrDisposed     = errors.New("surface disposed")
	ErrDisconnected = errors.New("ui shell not connected")
)

// EventKind identifies a surface-level signal.
type EventKind string

const (
	// EventReady fires once the surface finished loading its document.
	EventReady EventKind = "dom-ready"

	// EventCrashed fires when the surface's render process terminates.
	EventCrashed EventKind = "crashed"
)

// Event is a signal emitted by a surface.
type Event struct {
	Kind      EventKind `json:"kind"`
	SurfaceID string    `json:"surfaceId"`
	Reason    string    `json:"reason,omitempty"`
}

// Rect positions a surface inside the host window, in window coordinates.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Rect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

// Options configures a new surface.
type Options struct {
	// Partition names the isolated storage session the surface runs in.
	Partition string

	// PluginID is carried for diagnostics only.
	PluginID string
}

// PartitionFor returns the isolation partition dedicated to a plugin.
func PartitionFor(pluginID string) string {
	return "plugin:" + pluginID
}

// Window is the host window that surfaces attach to.
type Window interface {
	Show(ctx context.Context) error
	Hide(ctx context.Context) error
	Focus(ctx context.Context) error
	IsVisible(ctx context.Context) (bool, error)
}

// Surface is one isolated render surface.
type Surface interface {
	// ID uniquely identifies the surface for its lifetime.
	ID() string

	Attach(ctx context.Context, w Window) error
	Navigate(ctx context.Context, uri string) error

	// InjectScript arranges for source to run in the surface before any page
	// script on every navigation.
	InjectScript(ctx context.Context, source string) error

	SetBounds(ctx context.Context, r Rect) error
	OpenDevTools(ctx context.Context) error

	// Dispose detaches and destroys the surface. Disposing twice is a no-op.
	Dispose(ctx context.Context) error

	// Events delivers ready/crash signals. The channel is closed on Dispose.
	Events() <-chan Event
}

// Provider creates surfaces.
type Provider interface {
	NewSurface(ctx context.Context, opts Options) (Surface, error)
}
