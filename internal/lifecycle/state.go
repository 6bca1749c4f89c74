package lifecycle

import (
	"fmt"
	"log/slog"
)

// State is the lifecycle state of the single plugin slot.
type State string

const (
	StateIdle      State = "idle"
	StateLoading   State = "loading"
	StateActive    State = "active"
	StateUnloading State = "unloading"
	StateCrashed   State = "crashed"
)

// ValidTransitions defines the allowed state transitions for the slot.
// Key is the current state, value is a slice of valid next states.
var ValidTransitions = map[State][]State{
	StateIdle: {
		StateLoading,
	},
	StateLoading: {
		StateActive,
		StateIdle, // provisioning or navigation failed
	},
	StateActive: {
		StateUnloading,
		StateCrashed,
	},
	StateUnloading: {
		StateIdle,
	},
	// Crash recovery always fails to idle, never back to loading
	StateCrashed: {
		StateIdle,
	},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid state transition attempt.
type TransitionError struct {
	PluginID string
	From     State
	To       State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid plugin state transition: %s -> %s (plugin: %s)", e.From, e.To, e.PluginID)
}

// transition moves the slot to the next state. Caller must hold m.mu.
func (m *Manager) transition(pluginID string, to State, reason string) error {
	from := m.state
	if !CanTransition(from, to) {
		return &TransitionError{PluginID: pluginID, From: from, To: to}
	}
	m.state = to
	if reason != "" {
		slog.Debug("Plugin state transition", "plugin", pluginID, "from", from, "to", to, "reason", reason)
	} else {
		slog.Debug("Plugin state transition", "plugin", pluginID, "from", from, "to", to)
	}
	if m.metrics != nil {
		m.metrics.SetState(string(to))
	}
	return nil
}
