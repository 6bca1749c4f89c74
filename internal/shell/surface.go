package shell

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rjsadow/mortis/internal/surface"
)

// Surface is a web view owned by the UI shell.
type Surface struct {
	id    string
	shell *Shell

	mu       sync.Mutex
	disposed bool
	events   chan surface.Event
}

// ID implements surface.Surface.
func (s *Surface) ID() string { return s.id }

// Attach implements surface.Surface. The shell owns a single host window,
// so w only has to be that window.
func (s *Surface) Attach(ctx context.Context, w surface.Window) error {
	return s.do(ctx, OpSurfaceAttach, nil)
}

// Navigate implements surface.Surface.
func (s *Surface) Navigate(ctx context.Context, uri string) error {
	return s.do(ctx, OpSurfaceNavigate, navigateArgs{URL: uri})
}

// InjectScript implements surface.Surface.
func (s *Surface) InjectScript(ctx context.Context, source string) error {
	return s.do(ctx, OpSurfaceInject, injectArgs{Source: source})
}

// SetBounds implements surface.Surface.
func (s *Surface) SetBounds(ctx context.Context, r surface.Rect) error {
	return s.do(ctx, OpSurfaceBounds, r)
}

// OpenDevTools implements surface.Surface.
func (s *Surface) OpenDevTools(ctx context.Context) error {
	return s.do(ctx, OpSurfaceDevTools, nil)
}

// Dispose implements surface.Surface. A shell that is gone has already
// destroyed the view, so a disconnect is not an error.
func (s *Surface) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err := s.shell.call(ctx, OpSurfaceDispose, s.id, nil, nil)
	s.shell.forget(s.id)
	s.close()
	if errors.Is(err, surface.ErrDisconnected) {
		return nil
	}
	return err
}

// Events implements surface.Surface.
func (s *Surface) Events() <-chan surface.Event { return s.events }

func (s *Surface) do(ctx context.Context, op string, args any) error {
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return surface.ErrDisposed
	}
	return s.shell.call(ctx, op, s.id, args, nil)
}

// deliver hands ev to the event stream without blocking. When the buffer is
// full other events are dropped, but a crash always gets through by
// evicting the oldest queued event.
func (s *Surface) deliver(ev surface.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		if ev.Kind != surface.EventCrashed {
			slog.Debug("Dropping surface event", "surface", s.id, "kind", ev.Kind)
			return
		}
		// deliver is the only sender and holds s.mu, so one receive makes room.
		select {
		case <-s.events:
		default:
		}
	}
}

func (s *Surface) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.disposed {
		s.disposed = true
		close(s.events)
	}
}
