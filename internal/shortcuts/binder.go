// Package shortcuts owns the host's global keyboard shortcut registrations.
//
// The Binder keeps one host-activation accelerator, which toggles the host
// window, and an optional accelerator per plugin, which loads that plugin.
// Both are persisted through a Store. The Binder is the only component that
// registers or clears global shortcuts; it always keeps a working host
// shortcut, falling back to the last one that registered when a new one is
// refused.
package shortcuts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	slogctx "github.com/veqryn/slog-context"

	"github.com/rjsadow/mortis/internal/plugins"
	"github.com/rjsadow/mortis/internal/surface"
)

// ErrShortcutConflict is matched by every ConflictError.
var ErrShortcutConflict = errors.New("shortcut conflict")

// ConflictError reports that the OS refused an accelerator. Fallback is the
// host accelerator left registered in its place, if any.
type ConflictError struct {
	Accelerator string
	Fallback    string
	Cause       error
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("shortcut %s could not be registered", e.Accelerator)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Fallback != "" {
		msg += fmt.Sprintf(" (kept %s)", e.Fallback)
	}
	return msg
}

func (e *ConflictError) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, ErrShortcutConflict) true for every ConflictError.
func (e *ConflictError) Is(target error) bool { return target == ErrShortcutConflict }

// Registrar registers OS-level global shortcuts.
type Registrar interface {
	// Register binds accel to fn. It fails when the accelerator is taken by
	// this or another application.
	Register(ctx context.Context, accel string, fn func(ctx context.Context)) error
	Unregister(ctx context.Context, accel string) error
	UnregisterAll(ctx context.Context) error
}

// Loader activates a plugin.
type Loader interface {
	Load(ctx context.Context, id string) (plugins.Descriptor, error)
}

// Config holds the Binder's dependencies.
type Config struct {
	Registrar Registrar
	Store     *Store
	Registry  *plugins.Registry
	Loader    Loader
	Window    surface.Window

	// DefaultHost is used when no host shortcut has been persisted.
	DefaultHost string
}

// Binder maintains the live shortcut registrations.
type Binder struct {
	mu sync.Mutex

	registrar   Registrar
	store       *Store
	registry    *plugins.Registry
	loader      Loader
	window      surface.Window
	defaultHost string

	// host is the configured host accelerator, hostLive the one currently
	// registered (the last known good).
	host     string
	hostLive string
	plugins  map[string]string

	// declared holds the descriptor shortcut a saved accelerator replaced
	// in the registry, restored once the saved one is dropped.
	declared map[string]string

	// registered holds every canonical accelerator currently bound.
	registered map[string]bool
}

// NewBinder creates a Binder and reads the persisted records. Nothing is
// registered until RegisterAll or RegisterHost is called.
func NewBinder(cfg Config) (*Binder, error) {
	b := &Binder{
		registrar:   cfg.Registrar,
		store:       cfg.Store,
		registry:    cfg.Registry,
		loader:      cfg.Loader,
		window:      cfg.Window,
		defaultHost: cfg.DefaultHost,
		plugins:     make(map[string]string),
		declared:    make(map[string]string),
		registered:  make(map[string]bool),
	}
	if err := b.read(); err != nil {
		return nil, err
	}
	return b, nil
}

// read loads both persisted records into memory. Caller holds b.mu or has
// exclusive access.
func (b *Binder) read() error {
	host, err := b.store.HostShortcut()
	if err != nil {
		return err
	}
	if host == "" {
		host = b.defaultHost
	}
	m, err := b.store.PluginShortcuts()
	if err != nil {
		return err
	}
	b.host = host
	b.plugins = m
	for id := range b.declared {
		if _, kept := m[id]; !kept {
			if err := b.restoreLocked(id); err != nil {
				return err
			}
		}
	}
	for id, accel := range m {
		if err := b.overrideLocked(id, accel); err != nil {
			return err
		}
	}
	return nil
}

// overrideLocked writes a saved accelerator into the registry, remembering
// the descriptor's own shortcut the first time. Caller holds b.mu.
func (b *Binder) overrideLocked(id, accel string) error {
	if _, ok := b.declared[id]; !ok {
		d, found := b.registry.Get(id)
		if !found {
			return nil
		}
		b.declared[id] = d.Shortcut
	}
	if err := b.registry.SetShortcut(id, accel); err != nil && !errors.Is(err, plugins.ErrPluginNotFound) {
		return err
	}
	return nil
}

// restoreLocked puts the descriptor's own shortcut back. Caller holds b.mu.
func (b *Binder) restoreLocked(id string) error {
	shortcut, ok := b.declared[id]
	if !ok {
		return nil
	}
	delete(b.declared, id)
	if err := b.registry.SetShortcut(id, shortcut); err != nil && !errors.Is(err, plugins.ErrPluginNotFound) {
		return err
	}
	return nil
}

// Host returns the configured host accelerator.
func (b *Binder) Host() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.host
}

// Shortcut returns the accelerator bound to a plugin: the saved one, else
// the one declared by its descriptor.
func (b *Binder) Shortcut(pluginID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shortcutLocked(pluginID)
}

func (b *Binder) shortcutLocked(pluginID string) string {
	if accel, ok := b.plugins[pluginID]; ok {
		return accel
	}
	if d, ok := b.registry.Get(pluginID); ok {
		return d.Shortcut
	}
	return ""
}

// isBound reports whether accel is currently bound.
func (b *Binder) isBound(accel string) bool {
	canon, err := Normalize(accel)
	if err != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registered[canon]
}

// RegisterHost replaces the host accelerator. When the new one is refused
// the previous one is registered again and a *ConflictError is returned;
// nothing is persisted. On success the new accelerator is persisted.
func (b *Binder) RegisterHost(ctx context.Context, accel string) error {
	canon, err := Normalize(accel)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.hostLive
	if prev != "" && prev == canon {
		return b.persistHost(accel)
	}
	if prev != "" {
		if err := b.registrar.Unregister(ctx, prev); err != nil {
			slogctx.FromCtx(ctx).Warn("Failed to unregister host shortcut", "shortcut", prev, "error", err)
		}
		delete(b.registered, prev)
		b.hostLive = ""
	}

	if err := b.bindHost(ctx, canon); err != nil {
		cerr := &ConflictError{Accelerator: accel, Cause: err}
		if prev != "" && b.bindHost(ctx, prev) == nil {
			cerr.Fallback = prev
		}
		return cerr
	}
	return b.persistHost(accel)
}

// SaveHost persists accel as the host accelerator without registering it.
// RegisterAll or Reload applies it.
func (b *Binder) SaveHost(accel string) error {
	if _, err := Normalize(accel); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.persistHost(accel)
}

func (b *Binder) persistHost(accel string) error {
	if err := b.store.SetHostShortcut(accel); err != nil {
		return err
	}
	b.host = accel
	return nil
}

// bindHost registers canon as the host toggle. Caller holds b.mu.
func (b *Binder) bindHost(ctx context.Context, canon string) error {
	if err := b.registrar.Register(ctx, canon, b.toggleWindow); err != nil {
		return err
	}
	b.registered[canon] = true
	b.hostLive = canon
	return nil
}

// RegisterAll clears every registration and binds the host accelerator
// followed by each plugin accelerator. If the host accelerator is refused,
// the last one that worked is bound instead and a *ConflictError is
// returned after the plugin shortcuts are registered. Plugin accelerators
// that are empty, invalid, already bound or refused are skipped.
func (b *Binder) RegisterAll(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registerAllLocked(ctx)
}

func (b *Binder) registerAllLocked(ctx context.Context) error {
	log := slogctx.FromCtx(ctx)

	if err := b.registrar.UnregisterAll(ctx); err != nil {
		log.Warn("Failed to clear global shortcuts", "error", err)
	}
	lastGood := b.hostLive
	b.registered = make(map[string]bool)
	b.hostLive = ""

	var hostErr error
	canon, err := Normalize(b.host)
	if err == nil {
		err = b.bindHost(ctx, canon)
	}
	if err != nil {
		cerr := &ConflictError{Accelerator: b.host, Cause: err}
		if lastGood != "" && lastGood != canon && b.bindHost(ctx, lastGood) == nil {
			cerr.Fallback = lastGood
		}
		log.Error("Failed to register host shortcut", "shortcut", b.host, "fallback", cerr.Fallback, "error", err)
		hostErr = cerr
	}

	for _, id := range b.pluginIDsLocked() {
		accel := b.shortcutLocked(id)
		if accel == "" {
			continue
		}
		canon, err := Normalize(accel)
		if err != nil {
			log.Warn("Skipping invalid plugin shortcut", "plugin", id, "shortcut", accel, "error", err)
			continue
		}
		if b.registered[canon] {
			log.Debug("Plugin shortcut already registered", "plugin", id, "shortcut", canon)
			continue
		}
		if err := b.registrar.Register(ctx, canon, b.loadPlugin(id)); err != nil {
			log.Warn("Failed to register plugin shortcut", "plugin", id, "shortcut", canon, "error", err)
			continue
		}
		b.registered[canon] = true
	}

	log.Info("Registered global shortcuts", "count", len(b.registered))
	return hostErr
}

// pluginIDsLocked returns registered plugins in registry order followed by
// saved ids the registry does not know, sorted.
func (b *Binder) pluginIDsLocked() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, d := range b.registry.List() {
		seen[d.ID] = true
		ids = append(ids, d.ID)
	}
	var extra []string
	for id := range b.plugins {
		if !seen[id] {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	return append(ids, extra...)
}

// Save records accel for pluginID and persists it. An empty accel drops the
// saved one so the descriptor's own shortcut applies again. It does not
// re-register; call RegisterAll to apply it.
func (b *Binder) Save(pluginID, accel string) error {
	if accel != "" {
		if _, err := Normalize(accel); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.store.SetPluginShortcut(pluginID, accel); err != nil {
		return err
	}
	if accel == "" {
		delete(b.plugins, pluginID)
		return b.restoreLocked(pluginID)
	}
	b.plugins[pluginID] = accel
	return b.overrideLocked(pluginID, accel)
}

// Forget drops a plugin's saved accelerator, used when it is uninstalled.
func (b *Binder) Forget(pluginID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.plugins[pluginID]; !ok {
		return b.restoreLocked(pluginID)
	}
	if err := b.store.SetPluginShortcut(pluginID, ""); err != nil {
		return err
	}
	delete(b.plugins, pluginID)
	return b.restoreLocked(pluginID)
}

// Reload re-reads both persisted records and re-registers everything.
func (b *Binder) Reload(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.read(); err != nil {
		return err
	}
	return b.registerAllLocked(ctx)
}

// Close clears every registration.
func (b *Binder) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.registered = make(map[string]bool)
	b.hostLive = ""
	return b.registrar.UnregisterAll(ctx)
}

// toggleWindow shows and focuses the host window when hidden and hides it
// when visible.
func (b *Binder) toggleWindow(ctx context.Context) {
	visible, err := b.window.IsVisible(ctx)
	if err != nil {
		slog.Error("Failed to query window visibility", "error", err)
		return
	}
	if visible {
		err = b.window.Hide(ctx)
	} else if err = b.window.Show(ctx); err == nil {
		err = b.window.Focus(ctx)
	}
	if err != nil {
		slog.Error("Failed to toggle host window", "error", err)
	}
}

func (b *Binder) loadPlugin(id string) func(ctx context.Context) {
	return func(ctx context.Context) {
		ctx = slogctx.With(ctx, "plugin", id)
		if _, err := b.loader.Load(ctx, id); err != nil {
			slogctx.FromCtx(ctx).Error("Shortcut failed to load plugin", "error", err)
		}
	}
}
