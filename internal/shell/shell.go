// Package shell connects the runtime to the desktop UI toolkit.
//
// The UI shell process (the part that owns real windows and web views)
// dials the host over a WebSocket and answers JSON requests to create and
// drive isolated surfaces, show or hide the host window, use the clipboard
// and bind global shortcuts. It pushes surface events (ready, crashed) and
// shortcut presses back as notifications.
//
// Shell implements surface.Provider, surface.Window, the router's clipboard
// and the shortcut binder's registrar over that one connection. Calls made
// while no shell is connected fail with surface.ErrDisconnected.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rjsadow/mortis/internal/surface"
)

// DefaultCallTimeout bounds one request to the UI shell.
const DefaultCallTimeout = 10 * time.Second

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// RemoteError is an error reported by the UI shell for one request.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("shell %s: %s", e.Op, e.Message)
}

// conn is one live shell connection.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}

	// pending holds calls awaiting a reply on this connection. Guarded by
	// Shell.mu; nil once the connection is detached.
	pending map[uint64]chan Frame
}

func (c *conn) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}

// Shell is the host side of the UI shell connection.
type Shell struct {
	timeout     time.Duration
	checkOrigin func(r *http.Request) bool
	onConnect   func(ctx context.Context)

	nextID atomic.Uint64

	mu        sync.Mutex
	conn      *conn
	surfaces  map[string]*Surface
	shortcuts map[string]func(ctx context.Context)
	connected chan struct{} // closed while a shell is connected
}

// Options configures a Shell.
type Options struct {
	// CallTimeout bounds each request; DefaultCallTimeout when zero.
	CallTimeout time.Duration

	// AllowedOrigin, when set, is the only Origin accepted on upgrade.
	// Requests without an Origin header (native clients) are always
	// accepted.
	AllowedOrigin string

	// OnConnect runs in its own goroutine each time a shell attaches, once
	// the connection can answer calls. Global shortcuts are bound here.
	OnConnect func(ctx context.Context)
}

// New creates a Shell with no connection.
func New(opts Options) *Shell {
	s := &Shell{
		timeout:   opts.CallTimeout,
		surfaces:  make(map[string]*Surface),
		shortcuts: make(map[string]func(ctx context.Context)),
		connected: make(chan struct{}),
		onConnect: opts.OnConnect,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultCallTimeout
	}
	allowed := opts.AllowedOrigin
	s.checkOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed == "" || origin == allowed
	}
	return s
}

// Connected reports whether a UI shell is attached.
func (s *Shell) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// waitConnected blocks until a UI shell is attached or ctx is done.
func (s *Shell) waitConnected(ctx context.Context) error {
	s.mu.Lock()
	ch := s.connected
	attached := s.conn != nil
	s.mu.Unlock()
	if attached {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP upgrades the request and serves the shell connection until it
// drops. A new connection replaces the previous one.
func (s *Shell) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := upgrader
	up.CheckOrigin = s.checkOrigin
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade shell connection", "error", err)
		return
	}

	c := &conn{ws: ws, done: make(chan struct{}), pending: make(map[uint64]chan Frame)}
	s.attach(c)
	slog.Info("UI shell connected", "remote", r.RemoteAddr)

	go s.pingLoop(c)
	if s.onConnect != nil {
		go s.onConnect(context.Background())
	}
	s.readLoop(c)

	s.detach(c)
	slog.Info("UI shell disconnected", "remote", r.RemoteAddr)
}

func (s *Shell) attach(c *conn) {
	s.mu.Lock()
	old := s.conn
	s.conn = c
	if old == nil {
		close(s.connected)
	}
	s.mu.Unlock()

	if old != nil {
		_ = old.ws.Close()
	}
}

// detach fails the in-flight calls of c. When c is still current it is
// forgotten and every live surface is reported as crashed: the shell took
// them down with it. A replaced connection only fails its own calls.
func (s *Shell) detach(c *conn) {
	close(c.done)
	_ = c.ws.Close()

	s.mu.Lock()
	pending := c.pending
	c.pending = nil
	current := s.conn == c
	var live []*Surface
	if current {
		s.conn = nil
		s.connected = make(chan struct{})
		live = make([]*Surface, 0, len(s.surfaces))
		for _, surf := range s.surfaces {
			live = append(live, surf)
		}
	}
	s.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, surf := range live {
		surf.deliver(surface.Event{Kind: surface.EventCrashed, SurfaceID: surf.id, Reason: "ui shell disconnected"})
	}
}

func (s *Shell) pingLoop(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Shell) readLoop(c *conn) {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Shell connection read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if f.Reply {
			s.resolve(c, f)
			continue
		}
		s.notify(f)
	}
}

func (s *Shell) resolve(c *conn, f Frame) {
	s.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	s.mu.Unlock()
	if !ok {
		slog.Debug("Dropping reply to unknown shell call", "id", f.ID)
		return
	}
	ch <- f
}

func (s *Shell) notify(f Frame) {
	switch f.Op {
	case NoteSurfaceEvent:
		var ev surface.Event
		if err := json.Unmarshal(f.Args, &ev); err != nil {
			slog.Warn("Malformed surface event", "error", err)
			return
		}
		if ev.SurfaceID == "" {
			ev.SurfaceID = f.Surface
		}
		s.mu.Lock()
		surf := s.surfaces[ev.SurfaceID]
		s.mu.Unlock()
		if surf == nil {
			slog.Debug("Event for unknown surface", "surface", ev.SurfaceID, "kind", ev.Kind)
			return
		}
		surf.deliver(ev)

	case NoteShortcutPressed:
		var a acceleratorArgs
		if err := json.Unmarshal(f.Args, &a); err != nil {
			slog.Warn("Malformed shortcut notification", "error", err)
			return
		}
		s.mu.Lock()
		fn := s.shortcuts[a.Accelerator]
		s.mu.Unlock()
		if fn == nil {
			slog.Debug("Press of unbound shortcut", "shortcut", a.Accelerator)
			return
		}
		go fn(context.Background())

	default:
		slog.Warn("Unknown shell notification", "op", f.Op)
	}
}

// call sends one request and waits for its reply. out, when non-nil,
// receives the decoded result.
func (s *Shell) call(ctx context.Context, op, surfaceID string, args, out any) error {
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("shell %s: %w", op, err)
		}
		raw = b
	}

	id := s.nextID.Add(1)
	reply := make(chan Frame, 1)

	s.mu.Lock()
	c := s.conn
	if c == nil {
		s.mu.Unlock()
		return surface.ErrDisconnected
	}
	c.pending[id] = reply
	s.mu.Unlock()

	forget := func() {
		s.mu.Lock()
		delete(c.pending, id)
		s.mu.Unlock()
	}

	if err := c.write(Frame{ID: id, Op: op, Surface: surfaceID, Args: raw}); err != nil {
		forget()
		return fmt.Errorf("shell %s: %w", op, err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case f, ok := <-reply:
		if !ok {
			return surface.ErrDisconnected
		}
		if f.Error != "" {
			return &RemoteError{Op: op, Message: f.Error}
		}
		if out != nil && len(f.Result) > 0 {
			if err := json.Unmarshal(f.Result, out); err != nil {
				return fmt.Errorf("shell %s: decode result: %w", op, err)
			}
		}
		return nil
	case <-timer.C:
		forget()
		return fmt.Errorf("shell %s: %w", op, context.DeadlineExceeded)
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

// NewSurface implements surface.Provider.
func (s *Shell) NewSurface(ctx context.Context, opts surface.Options) (surface.Surface, error) {
	surf := &Surface{
		id:     uuid.New().String(),
		shell:  s,
		events: make(chan surface.Event, 8),
	}

	// Register first so an early ready event is not lost.
	s.mu.Lock()
	s.surfaces[surf.id] = surf
	s.mu.Unlock()

	err := s.call(ctx, OpSurfaceCreate, surf.id, createArgs{Partition: opts.Partition, PluginID: opts.PluginID}, nil)
	if err != nil {
		s.forget(surf.id)
		surf.close()
		return nil, err
	}
	return surf, nil
}

func (s *Shell) forget(surfaceID string) {
	s.mu.Lock()
	delete(s.surfaces, surfaceID)
	s.mu.Unlock()
}

// Show implements surface.Window.
func (s *Shell) Show(ctx context.Context) error {
	return s.call(ctx, OpWindowShow, "", nil, nil)
}

// Hide implements surface.Window.
func (s *Shell) Hide(ctx context.Context) error {
	return s.call(ctx, OpWindowHide, "", nil, nil)
}

// Focus implements surface.Window.
func (s *Shell) Focus(ctx context.Context) error {
	return s.call(ctx, OpWindowFocus, "", nil, nil)
}

// IsVisible implements surface.Window.
func (s *Shell) IsVisible(ctx context.Context) (bool, error) {
	var res visibleResult
	if err := s.call(ctx, OpWindowVisible, "", nil, &res); err != nil {
		return false, err
	}
	return res.Visible, nil
}

// WriteText puts text on the system clipboard.
func (s *Shell) WriteText(ctx context.Context, text string) error {
	return s.call(ctx, OpClipboardWriteText, "", textArgs{Text: text}, nil)
}

// ReadImage returns the clipboard image as a data URL, "" when the
// clipboard holds none.
func (s *Shell) ReadImage(ctx context.Context) (string, error) {
	var res imageResult
	if err := s.call(ctx, OpClipboardReadImage, "", nil, &res); err != nil {
		return "", err
	}
	return res.DataURL, nil
}

// Register binds a global shortcut. The shell refuses accelerators already
// taken by the OS or another application.
func (s *Shell) Register(ctx context.Context, accel string, fn func(ctx context.Context)) error {
	s.mu.Lock()
	if _, taken := s.shortcuts[accel]; taken {
		s.mu.Unlock()
		return &RemoteError{Op: OpShortcutRegister, Message: accel + " already registered"}
	}
	s.mu.Unlock()

	if err := s.call(ctx, OpShortcutRegister, "", acceleratorArgs{Accelerator: accel}, nil); err != nil {
		return err
	}
	s.mu.Lock()
	s.shortcuts[accel] = fn
	s.mu.Unlock()
	return nil
}

// Unregister releases a global shortcut.
func (s *Shell) Unregister(ctx context.Context, accel string) error {
	s.mu.Lock()
	delete(s.shortcuts, accel)
	s.mu.Unlock()
	return ignoreDisconnected(s.call(ctx, OpShortcutUnregister, "", acceleratorArgs{Accelerator: accel}, nil))
}

// UnregisterAll releases every global shortcut.
func (s *Shell) UnregisterAll(ctx context.Context) error {
	s.mu.Lock()
	s.shortcuts = make(map[string]func(ctx context.Context))
	s.mu.Unlock()
	return ignoreDisconnected(s.call(ctx, OpShortcutUnregisterAll, "", nil, nil))
}

// ignoreDisconnected treats releases without a shell as done: a shell that
// reconnects starts with nothing bound.
func ignoreDisconnected(err error) error {
	if errors.Is(err, surface.ErrDisconnected) {
		return nil
	}
	return err
}
