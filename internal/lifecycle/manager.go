// Package lifecycle owns the single active plugin slot.
//
// The Manager drives plugins through Idle -> Loading -> Active and back to
// Idle via Unloading (explicit unload or replacement) or Crashed (render
// process termination). At most one plugin surface is alive at any instant:
// loading a second plugin synchronously unloads the first before the new
// surface is provisioned.
//
// All transitions are serialized by one mutex held for the whole of a load,
// an unload or crash handling, so a load fully settles before any later
// load or unload on the slot is processed. An unload or crash that arrives
// while a load is in flight waits for the load to settle and is then applied
// to whatever is active; crash signals from surfaces that are no longer
// active are ignored.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	slogctx "github.com/veqryn/slog-context"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rjsadow/mortis/internal/plugins"
	"github.com/rjsadow/mortis/internal/surface"
)

// Common errors returned by the Manager.
var (
	ErrNotFound   = errors.New("plugin not found")
	ErrLoadFailed = errors.New("plugin load failed")
	ErrClosed     = errors.New("lifecycle manager closed")
)

// LoadError reports a failure while provisioning or navigating a surface.
// It matches ErrLoadFailed with errors.Is.
type LoadError struct {
	ID    string
	Cause error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load plugin %s: %v", e.ID, e.Cause)
}

func (e *LoadError) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, ErrLoadFailed) true for every LoadError.
func (e *LoadError) Is(target error) bool { return target == ErrLoadFailed }

// BridgeSource renders the built-in capability bridge for a plugin.
type BridgeSource interface {
	Script(ctx context.Context, d plugins.Descriptor) (string, error)
}

// Metrics observes slot state and load latency.
type Metrics interface {
	SetState(state string)
	ObserveLoad(d time.Duration, ok bool)
}

// Config holds the Manager's collaborators.
type Config struct {
	Registry *plugins.Registry
	Provider surface.Provider
	Window   surface.Window

	// Bridge renders the built-in bridge; nil injects only the plugin's own.
	Bridge BridgeSource

	// Bounds places plugin surfaces below the primary input surface.
	Bounds surface.Rect

	// DevTools opens the inspector on every loaded surface.
	DevTools bool

	Recorder Recorder
	Metrics  Metrics
	Tracer   trace.Tracer

	// ReadFile reads plugin-supplied bridge scripts. Defaults to os.ReadFile.
	ReadFile func(name string) ([]byte, error)
}

// slot is the active plugin and its surface.
type slot struct {
	desc     plugins.Descriptor
	surf     surface.Surface
	loadedAt time.Time
}

// Manager handles the plugin lifecycle.
type Manager struct {
	registry *plugins.Registry
	provider surface.Provider
	window   surface.Window
	bridge   BridgeSource
	bounds   surface.Rect
	devTools bool
	recorder Recorder
	metrics  Metrics
	tracer   trace.Tracer
	readFile func(string) ([]byte, error)

	mu     sync.Mutex
	state  State
	active *slot
	closed bool

	watchers sync.WaitGroup
}

// NewManager creates a lifecycle manager in the Idle state.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		registry: cfg.Registry,
		provider: cfg.Provider,
		window:   cfg.Window,
		bridge:   cfg.Bridge,
		bounds:   cfg.Bounds,
		devTools: cfg.DevTools,
		recorder: cfg.Recorder,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		readFile: cfg.ReadFile,
		state:    StateIdle,
	}
	if m.recorder == nil {
		m.recorder = NoopRecorder{}
	}
	if m.tracer == nil {
		m.tracer = noop.NewTracerProvider().Tracer("mortis/lifecycle")
	}
	if m.readFile == nil {
		m.readFile = os.ReadFile
	}
	if m.metrics != nil {
		m.metrics.SetState(string(StateIdle))
	}
	return m
}

// Load makes id the active plugin. Whatever is active is unloaded first, so
// loading the active plugin again replaces its surface with a fresh one.
func (m *Manager) Load(ctx context.Context, id string) (plugins.Descriptor, error) {
	ctx = slogctx.With(ctx, "plugin", id)
	ctx, span := m.tracer.Start(ctx, "lifecycle.Load", trace.WithAttributes(attribute.String("plugin.id", id)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return plugins.Descriptor{}, ErrClosed
	}

	// Look the plugin up before touching the slot so an unknown id leaves
	// the current plugin running.
	desc, ok := m.registry.Get(id)
	if !ok {
		span.SetStatus(codes.Error, "not found")
		return plugins.Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if m.active != nil {
		reason := "replaced by " + id
		if m.active.desc.ID == id {
			reason = "reloaded"
		}
		m.unloadLocked(ctx, m.active.desc.ID, EventUnloaded, reason)
	}

	if err := m.transition(id, StateLoading, ""); err != nil {
		return plugins.Descriptor{}, err
	}

	start := time.Now()
	surf, err := m.provision(ctx, desc)
	if m.metrics != nil {
		m.metrics.ObserveLoad(time.Since(start), err == nil)
	}
	if err != nil {
		_ = m.transition(id, StateIdle, "load failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		slogctx.FromCtx(ctx).Error("Failed to load plugin", "error", err)
		m.recorder.OnEvent(ctx, EventData{
			PluginID:  id,
			Event:     EventLoadFailed,
			Timestamp: time.Now(),
			Reason:    err.Error(),
		})
		return plugins.Descriptor{}, &LoadError{ID: id, Cause: err}
	}

	m.active = &slot{desc: desc, surf: surf, loadedAt: time.Now()}
	if err := m.transition(id, StateActive, ""); err != nil {
		return plugins.Descriptor{}, err
	}

	m.watchers.Add(1)
	go m.watch(surf, id)

	if m.devTools {
		if err := surf.OpenDevTools(ctx); err != nil {
			slogctx.FromCtx(ctx).Warn("Failed to open dev tools", "error", err)
		}
	}

	slogctx.FromCtx(ctx).Info("Plugin loaded", "surface", surf.ID(), "duration", time.Since(start))
	m.recorder.OnEvent(ctx, EventData{
		PluginID:  id,
		Event:     EventLoaded,
		SurfaceID: surf.ID(),
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	})
	return desc, nil
}

// provision creates, prepares and navigates a surface for desc. On failure
// any partially provisioned surface is disposed.
func (m *Manager) provision(ctx context.Context, desc plugins.Descriptor) (surface.Surface, error) {
	surf, err := m.provider.NewSurface(ctx, surface.Options{
		Partition: surface.PartitionFor(desc.ID),
		PluginID:  desc.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("create surface: %w", err)
	}

	fail := func(step string, err error) (surface.Surface, error) {
		if derr := surf.Dispose(context.WithoutCancel(ctx)); derr != nil {
			slogctx.FromCtx(ctx).Warn("Failed to dispose surface after load error", "surface", surf.ID(), "error", derr)
		}
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if err := surf.Attach(ctx, m.window); err != nil {
		return fail("attach surface", err)
	}

	if m.bridge != nil {
		script, err := m.bridge.Script(ctx, desc)
		if err != nil {
			return fail("render capability bridge", err)
		}
		if err := surf.InjectScript(ctx, script); err != nil {
			return fail("inject capability bridge", err)
		}
	}
	if desc.BridgePath != "" {
		src, err := m.readFile(desc.BridgePath)
		if err != nil {
			return fail("read plugin bridge", err)
		}
		if err := surf.InjectScript(ctx, string(src)); err != nil {
			return fail("inject plugin bridge", err)
		}
	}

	if err := surf.Navigate(ctx, desc.EntryURL()); err != nil {
		return fail("navigate", err)
	}
	if err := surf.SetBounds(ctx, m.bounds); err != nil {
		return fail("set bounds", err)
	}
	return surf, nil
}

// Unload disposes the surface of id if it is the active plugin. Unloading a
// plugin that is not active is a no-op.
func (m *Manager) Unload(ctx context.Context, id string) error {
	ctx = slogctx.With(ctx, "plugin", id)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.desc.ID != id {
		return nil
	}
	m.unloadLocked(ctx, id, EventUnloaded, "")
	return nil
}

// Evict unloads any of ids that is active and runs fn before another load
// or unload can touch the slot. Loads of ids that fn removes from the
// registry wait for fn and then fail with ErrNotFound.
func (m *Manager) Evict(ctx context.Context, ids []string, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		for _, id := range ids {
			if m.active.desc.ID == id {
				m.unloadLocked(slogctx.With(ctx, "plugin", id), id, EventUnloaded, "evicted")
				break
			}
		}
	}
	return fn(ctx)
}

// unloadLocked runs the unload path for the active plugin. event is
// EventUnloaded or EventCrashed. Caller must hold m.mu.
func (m *Manager) unloadLocked(ctx context.Context, id string, event Event, reason string) {
	s := m.active
	via := StateUnloading
	if event == EventCrashed {
		via = StateCrashed
	}
	if err := m.transition(id, via, reason); err != nil {
		slogctx.FromCtx(ctx).Error("Unexpected lifecycle state", "error", err)
	}

	if err := s.surf.Dispose(ctx); err != nil {
		slogctx.FromCtx(ctx).Warn("Failed to dispose surface", "surface", s.surf.ID(), "error", err)
	}
	m.active = nil
	_ = m.transition(id, StateIdle, "")

	m.recorder.OnEvent(ctx, EventData{
		PluginID:  id,
		Event:     event,
		SurfaceID: s.surf.ID(),
		Timestamp: time.Now(),
		Reason:    reason,
		Duration:  time.Since(s.loadedAt),
	})
}

// watch forwards surface signals until the surface's event stream closes.
func (m *Manager) watch(surf surface.Surface, id string) {
	defer m.watchers.Done()
	for ev := range surf.Events() {
		switch ev.Kind {
		case surface.EventCrashed:
			m.handleCrash(surf.ID(), id, ev.Reason)
		case surface.EventReady:
			slog.Debug("Plugin surface ready", "plugin", id, "surface", surf.ID())
		}
	}
}

// handleCrash runs the unload path when the crashed surface is still the
// active one. Signals from replaced surfaces are stale and ignored.
func (m *Manager) handleCrash(surfaceID, id, reason string) {
	ctx := slogctx.With(context.Background(), "plugin", id)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.surf.ID() != surfaceID {
		slogctx.FromCtx(ctx).Debug("Ignoring crash of inactive surface", "surface", surfaceID)
		return
	}
	if reason == "" {
		reason = "render process gone"
	}
	slogctx.FromCtx(ctx).Warn("Plugin surface crashed", "surface", surfaceID, "reason", reason)
	m.unloadLocked(ctx, id, EventCrashed, reason)
}

// Active returns the active plugin, if any.
func (m *Manager) Active() (plugins.Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return plugins.Descriptor{}, false
	}
	return m.active.desc, true
}

// State returns the current slot state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ListAll returns every registered plugin.
func (m *Manager) ListAll() []plugins.Descriptor {
	return m.registry.List()
}

// Close unloads the active plugin, rejects further loads and waits for
// surface watchers to exit.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	if m.active != nil {
		m.unloadLocked(ctx, m.active.desc.ID, EventUnloaded, "shutdown")
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
