// Package shortcutstest provides an in-memory global shortcut registrar.
package shortcutstest

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrTaken is returned when an accelerator is already bound or reserved.
var ErrTaken = errors.New("accelerator already registered")

// Registrar is a fake shortcuts.Registrar.
type Registrar struct {
	mu       sync.Mutex
	bindings map[string]func(ctx context.Context)
	reserved map[string]bool
}

// NewRegistrar creates an empty registrar.
func NewRegistrar() *Registrar {
	return &Registrar{
		bindings: make(map[string]func(ctx context.Context)),
		reserved: make(map[string]bool),
	}
}

// Reserve makes accel unavailable, as if another application owned it.
func (r *Registrar) Reserve(accel string) {
	r.mu.Lock()
	r.reserved[accel] = true
	r.mu.Unlock()
}

// Register implements shortcuts.Registrar.
func (r *Registrar) Register(_ context.Context, accel string, fn func(ctx context.Context)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reserved[accel] || r.bindings[accel] != nil {
		return ErrTaken
	}
	r.bindings[accel] = fn
	return nil
}

// Unregister implements shortcuts.Registrar.
func (r *Registrar) Unregister(_ context.Context, accel string) error {
	r.mu.Lock()
	delete(r.bindings, accel)
	r.mu.Unlock()
	return nil
}

// UnregisterAll implements shortcuts.Registrar.
func (r *Registrar) UnregisterAll(context.Context) error {
	r.mu.Lock()
	r.bindings = make(map[string]func(ctx context.Context))
	r.mu.Unlock()
	return nil
}

// Bound returns the registered accelerators, sorted.
func (r *Registrar) Bound() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.bindings))
	for a := range r.bindings {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Press fires the callback bound to accel and reports whether one was bound.
func (r *Registrar) Press(ctx context.Context, accel string) bool {
	r.mu.Lock()
	fn := r.bindings[accel]
	r.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(ctx)
	return true
}
