package plugins

import (
	"log/slog"
	"path/filepath"
	"sync"
)

// Registry maps plugin identifiers to descriptors. It is read by every
// component and written only by the registration and uninstall paths.
type Registry struct {
	mu sync.RWMutex

	// baseDir anchors relative paths of local plugins
	baseDir string

	descriptors map[string]Descriptor
	order       []string
}

// NewRegistry creates an empty registry. Relative paths of local plugins are
// resolved against baseDir.
func NewRegistry(baseDir string) *Registry {
	if abs, err := filepath.Abs(baseDir); err == nil {
		baseDir = abs
	}
	return &Registry{
		baseDir:     baseDir,
		descriptors: make(map[string]Descriptor),
	}
}

// Register inserts or replaces the descriptor keyed by its ID. The last
// registration wins; a replaced descriptor keeps its original position.
func (r *Registry) Register(d Descriptor) Descriptor {
	if d.Origin == "" {
		d.Origin = OriginLocal
	}
	if d.Origin != OriginRegistryInstalled {
		d.EntryPath = r.resolve(d.EntryPath)
		d.BridgePath = r.resolve(d.BridgePath)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descriptors[d.ID]; !exists {
		r.order = append(r.order, d.ID)
	}
	r.descriptors[d.ID] = d
	slog.Debug("Registered plugin", "plugin", d.ID, "origin", d.Origin, "entry", d.EntryPath)
	return d
}

// RegisterAll registers each descriptor in order.
func (r *Registry) RegisterAll(ds []Descriptor) []Descriptor {
	out := make([]Descriptor, 0, len(ds))
	for _, d := range ds {
		out = append(out, r.Register(d))
	}
	return out
}

func (r *Registry) resolve(p string) string {
	if p == "" || hasScheme(p) || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.baseDir, p)
}

// Get returns the descriptor registered under id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[id]
	return d, ok
}

// List returns all descriptors in insertion order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.descriptors[id])
	}
	return out
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Remove deletes the descriptor registered under id. Removing an unknown id
// returns ErrPluginNotFound.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.descriptors[id]; !ok {
		return ErrPluginNotFound
	}
	delete(r.descriptors, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	slog.Debug("Removed plugin", "plugin", id)
	return nil
}

// SetShortcut updates the shortcut field of a registered descriptor. It is
// the only mutation allowed on a registered descriptor.
func (r *Registry) SetShortcut(id, shortcut string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.descriptors[id]
	if !ok {
		return ErrPluginNotFound
	}
	d.Shortcut = shortcut
	r.descriptors[id] = d
	return nil
}
