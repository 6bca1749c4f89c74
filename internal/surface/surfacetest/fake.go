// Package surfacetest provides in-memory surfaces for tests.
package surfacetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/rjsadow/mortis/internal/surface"
)

// Provider is a fake surface.Provider that records every call in order.
type Provider struct {
	mu sync.Mutex

	nextID   int
	surfaces map[string]*Surface
	journal  []string

	// FailNew, when set, is returned by NewSurface.
	FailNew error
	// FailNavigate, when set, is returned by Navigate for the given plugin.
	FailNavigate map[string]error
	// FailDevTools, when set, is returned by OpenDevTools.
	FailDevTools error
}

// NewProvider creates an empty fake provider.
func NewProvider() *Provider {
	return &Provider{
		surfaces:     make(map[string]*Surface),
		FailNavigate: make(map[string]error),
	}
}

func (p *Provider) record(format string, args ...any) {
	p.mu.Lock()
	p.journal = append(p.journal, fmt.Sprintf(format, args...))
	p.mu.Unlock()
}

// Journal returns a copy of the recorded calls.
func (p *Provider) Journal() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.journal...)
}

// NewSurface implements surface.Provider.
func (p *Provider) NewSurface(ctx context.Context, opts surface.Options) (surface.Surface, error) {
	if p.FailNew != nil {
		return nil, p.FailNew
	}
	p.mu.Lock()
	p.nextID++
	s := &Surface{
		id:       fmt.Sprintf("s%d", p.nextID),
		opts:     opts,
		provider: p,
		events:   make(chan surface.Event, 4),
	}
	p.surfaces[s.id] = s
	p.mu.Unlock()

	p.record("new %s %s", s.id, opts.Partition)
	return s, nil
}

// Surface returns a surface created by the provider.
func (p *Provider) Surface(id string) *Surface {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.surfaces[id]
}

// Live returns the IDs of surfaces that have not been disposed.
func (p *Provider) Live() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id, s := range p.surfaces {
		if !s.disposed {
			ids = append(ids, id)
		}
	}
	return ids
}

// Surface is a fake surface.Surface.
type Surface struct {
	id       string
	opts     surface.Options
	provider *Provider

	mu       sync.Mutex
	url      string
	scripts  []string
	bounds   surface.Rect
	devtools bool
	disposed bool
	events   chan surface.Event
}

func (s *Surface) ID() string { return s.id }

// Partition returns the partition the surface was created in.
func (s *Surface) Partition() string { return s.opts.Partition }

func (s *Surface) Attach(ctx context.Context, w surface.Window) error {
	s.provider.record("attach %s", s.id)
	return s.alive()
}

func (s *Surface) Navigate(ctx context.Context, uri string) error {
	if err := s.provider.FailNavigate[s.opts.PluginID]; err != nil {
		s.provider.record("navigate-failed %s", s.id)
		return err
	}
	s.mu.Lock()
	s.url = uri
	s.mu.Unlock()
	s.provider.record("navigate %s %s", s.id, uri)
	return s.alive()
}

func (s *Surface) InjectScript(ctx context.Context, source string) error {
	s.mu.Lock()
	s.scripts = append(s.scripts, source)
	s.mu.Unlock()
	s.provider.record("inject %s", s.id)
	return s.alive()
}

func (s *Surface) SetBounds(ctx context.Context, r surface.Rect) error {
	s.mu.Lock()
	s.bounds = r
	s.mu.Unlock()
	s.provider.record("bounds %s %s", s.id, r)
	return s.alive()
}

func (s *Surface) OpenDevTools(ctx context.Context) error {
	if s.provider.FailDevTools != nil {
		return s.provider.FailDevTools
	}
	s.mu.Lock()
	s.devtools = true
	s.mu.Unlock()
	s.provider.record("devtools %s", s.id)
	return nil
}

func (s *Surface) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	close(s.events)
	s.mu.Unlock()
	s.provider.record("dispose %s", s.id)
	return nil
}

func (s *Surface) Events() <-chan surface.Event { return s.events }

func (s *Surface) alive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return surface.ErrDisposed
	}
	return nil
}

// Crash simulates termination of the surface's render process.
func (s *Surface) Crash(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.events <- surface.Event{Kind: surface.EventCrashed, SurfaceID: s.id, Reason: reason}
}

// URL returns the last navigated URI.
func (s *Surface) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Scripts returns the injected scripts in order.
func (s *Surface) Scripts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.scripts...)
}

// Bounds returns the last bounds set.
func (s *Surface) Bounds() surface.Rect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bounds
}

// DevToolsOpen reports whether OpenDevTools succeeded.
func (s *Surface) DevToolsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devtools
}

// Disposed reports whether Dispose was called.
func (s *Surface) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Window is a fake surface.Window.
type Window struct {
	mu      sync.Mutex
	visible bool
	focused int
}

func (w *Window) Show(ctx context.Context) error {
	w.mu.Lock()
	w.visible = true
	w.mu.Unlock()
	return nil
}

func (w *Window) Hide(ctx context.Context) error {
	w.mu.Lock()
	w.visible = false
	w.mu.Unlock()
	return nil
}

func (w *Window) Focus(ctx context.Context) error {
	w.mu.Lock()
	w.focused++
	w.mu.Unlock()
	return nil
}

func (w *Window) IsVisible(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.visible, nil
}

// Focused returns how many times Focus was called.
func (w *Window) Focused() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.focused
}
