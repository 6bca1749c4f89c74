package lifecycle

import (
	"context"
	"time"
)

// Event represents a plugin lifecycle event type.
type Event string

const (
	// EventLoaded is emitted when a plugin surface is provisioned and active.
	EventLoaded Event = "plugin.loaded"

	// EventLoadFailed is emitted when provisioning or navigation failed.
	EventLoadFailed Event = "plugin.load_failed"

	// EventUnloaded is emitted when the active plugin is unloaded on request
	// or because another plugin replaced it.
	EventUnloaded Event = "plugin.unloaded"

	// EventCrashed is emitted when the active surface's render process died.
	EventCrashed Event = "plugin.crashed"
)

// EventData holds data associated with a lifecycle event.
type EventData struct {
	PluginID  string        `json:"pluginId"`
	Event     Event         `json:"event"`
	SurfaceID string        `json:"surfaceId,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Reason    string        `json:"reason,omitempty"`
	Duration  time.Duration `json:"durationNs,omitempty"`
}

// Recorder receives lifecycle events. Implementations must not block and
// must not call back into the Manager.
type Recorder interface {
	OnEvent(ctx context.Context, event EventData)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ctx context.Context, event EventData)

// OnEvent calls f.
func (f RecorderFunc) OnEvent(ctx context.Context, event EventData) {
	f(ctx, event)
}

// NoopRecorder discards events.
type NoopRecorder struct{}

// OnEvent implements Recorder.
func (NoopRecorder) OnEvent(context.Context, EventData) {}

// MultiRecorder delegates OnEvent to multiple child recorders so the host
// event stream, the audit log and metrics can all observe the lifecycle.
type MultiRecorder struct {
	recorders []Recorder
}

// NewMultiRecorder creates a MultiRecorder from the given recorders.
// Nil entries are silently skipped.
func NewMultiRecorder(recorders ...Recorder) *MultiRecorder {
	filtered := make([]Recorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			filtered = append(filtered, r)
		}
	}
	return &MultiRecorder{recorders: filtered}
}

// OnEvent fans out the event to every child recorder.
func (m *MultiRecorder) OnEvent(ctx context.Context, event EventData) {
	for _, r := range m.recorders {
		r.OnEvent(ctx, event)
	}
}
