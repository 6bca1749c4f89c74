package shell

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjsadow/mortis/internal/surface"
)

// fakeUI plays the UI shell side of the connection.
type fakeUI struct {
	t  *testing.T
	ws *websocket.Conn

	mu      sync.Mutex
	writeMu sync.Mutex
	ops     []Frame
	visible bool
	image   string
	refuse  map[string]string // op -> error message
}

func dialUI(t *testing.T, s *Shell) *fakeUI {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	ui := &fakeUI{t: t, ws: ws, refuse: make(map[string]string)}
	go ui.serve()
	t.Cleanup(func() { _ = ws.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.waitConnected(ctx))
	return ui
}

func (u *fakeUI) serve() {
	for {
		var f Frame
		if err := u.ws.ReadJSON(&f); err != nil {
			return
		}
		u.mu.Lock()
		u.ops = append(u.ops, f)
		reply := Frame{ID: f.ID, Reply: true, Error: u.refuse[f.Op]}
		switch f.Op {
		case OpWindowShow:
			u.visible = true
		case OpWindowHide:
			u.visible = false
		case OpWindowVisible:
			reply.Result, _ = json.Marshal(visibleResult{Visible: u.visible})
		case OpClipboardReadImage:
			reply.Result, _ = json.Marshal(imageResult{DataURL: u.image})
		}
		u.mu.Unlock()
		u.send(reply)
	}
}

func (u *fakeUI) send(f Frame) {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	_ = u.ws.WriteJSON(f)
}

func (u *fakeUI) refuseOp(op, msg string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if msg == "" {
		delete(u.refuse, op)
		return
	}
	u.refuse[op] = msg
}

func (u *fakeUI) setImage(dataURL string) {
	u.mu.Lock()
	u.image = dataURL
	u.mu.Unlock()
}

func (u *fakeUI) opNames() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.ops))
	for _, f := range u.ops {
		out = append(out, f.Op)
	}
	return out
}

func (u *fakeUI) last() Frame {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ops[len(u.ops)-1]
}

func TestCall_WithoutShell(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()

	_, err := s.NewSurface(ctx, surface.Options{Partition: "plugin:a"})
	assert.ErrorIs(t, err, surface.ErrDisconnected)
	assert.ErrorIs(t, s.Show(ctx), surface.ErrDisconnected)
	assert.NoError(t, s.UnregisterAll(ctx), "releasing with no shell is a no-op")
	assert.False(t, s.Connected())
}

func TestSurfaceOperations(t *testing.T) {
	s := New(Options{})
	ui := dialUI(t, s)
	ctx := context.Background()

	surf, err := s.NewSurface(ctx, surface.Options{Partition: "plugin:calc", PluginID: "calc"})
	require.NoError(t, err)
	create := ui.last()
	assert.Equal(t, OpSurfaceCreate, create.Op)
	assert.Equal(t, surf.ID(), create.Surface)
	assert.JSONEq(t, `{"partition":"plugin:calc","pluginId":"calc"}`, string(create.Args))

	require.NoError(t, surf.Attach(ctx, s))
	require.NoError(t, surf.InjectScript(ctx, "window.x=1"))
	require.NoError(t, surf.Navigate(ctx, "file:///app/calc/index.html"))
	assert.JSONEq(t, `{"url":"file:///app/calc/index.html"}`, string(ui.last().Args))
	require.NoError(t, surf.SetBounds(ctx, surface.Rect{Y: 80, Width: 600, Height: 520}))
	assert.JSONEq(t, `{"x":0,"y":80,"width":600,"height":520}`, string(ui.last().Args))
	require.NoError(t, surf.OpenDevTools(ctx))
	require.NoError(t, surf.Dispose(ctx))
	require.NoError(t, surf.Dispose(ctx), "second dispose is a no-op")

	assert.Equal(t, []string{
		OpSurfaceCreate, OpSurfaceAttach, OpSurfaceInject, OpSurfaceNavigate,
		OpSurfaceBounds, OpSurfaceDevTools, OpSurfaceDispose,
	}, ui.opNames())

	assert.ErrorIs(t, surf.Navigate(ctx, "about:blank"), surface.ErrDisposed)
	_, open := <-surf.Events()
	assert.False(t, open, "events closed on dispose")
}

func TestRemoteError(t *testing.T) {
	s := New(Options{})
	ui := dialUI(t, s)
	ui.refuseOp(OpSurfaceNavigate, "ERR_FILE_NOT_FOUND")

	surf, err := s.NewSurface(context.Background(), surface.Options{Partition: "plugin:a"})
	require.NoError(t, err)

	err = surf.Navigate(context.Background(), "file:///missing.html")
	var rerr *RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "ERR_FILE_NOT_FOUND", rerr.Message)
}

func TestSurfaceEvents(t *testing.T) {
	s := New(Options{})
	ui := dialUI(t, s)

	surf, err := s.NewSurface(context.Background(), surface.Options{Partition: "plugin:a"})
	require.NoError(t, err)

	args, _ := json.Marshal(surface.Event{Kind: surface.EventCrashed, Reason: "killed"})
	ui.send(Frame{Op: NoteSurfaceEvent, Surface: surf.ID(), Args: args})

	select {
	case ev := <-surf.Events():
		assert.Equal(t, surface.EventCrashed, ev.Kind)
		assert.Equal(t, surf.ID(), ev.SurfaceID)
		assert.Equal(t, "killed", ev.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestDisconnectCrashesLiveSurfaces(t *testing.T) {
	s := New(Options{})
	ui := dialUI(t, s)

	surf, err := s.NewSurface(context.Background(), surface.Options{Partition: "plugin:a"})
	require.NoError(t, err)

	_ = ui.ws.Close()

	select {
	case ev := <-surf.Events():
		assert.Equal(t, surface.EventCrashed, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no crash event after disconnect")
	}
	assert.Eventually(t, func() bool { return !s.Connected() }, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, surf.Dispose(context.Background()))
}

func TestWindowAndClipboard(t *testing.T) {
	s := New(Options{})
	ui := dialUI(t, s)
	ui.setImage("data:image/png;base64,AAAA")
	ctx := context.Background()

	visible, err := s.IsVisible(ctx)
	require.NoError(t, err)
	assert.False(t, visible)

	require.NoError(t, s.Show(ctx))
	require.NoError(t, s.Focus(ctx))
	visible, err = s.IsVisible(ctx)
	require.NoError(t, err)
	assert.True(t, visible)

	require.NoError(t, s.WriteText(ctx, "hello"))
	assert.JSONEq(t, `{"text":"hello"}`, string(ui.last().Args))

	img, err := s.ReadImage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,AAAA", img)
}

func TestShortcuts(t *testing.T) {
	s := New(Options{})
	ui := dialUI(t, s)
	ctx := context.Background()

	pressed := make(chan struct{}, 1)
	require.NoError(t, s.Register(ctx, "Alt+Space", func(context.Context) { pressed <- struct{}{} }))
	assert.Error(t, s.Register(ctx, "Alt+Space", func(context.Context) {}), "double registration refused")

	args, _ := json.Marshal(acceleratorArgs{Accelerator: "Alt+Space"})
	ui.send(Frame{Op: NoteShortcutPressed, Args: args})
	select {
	case <-pressed:
	case <-time.After(2 * time.Second):
		t.Fatal("shortcut callback not run")
	}

	ui.refuseOp(OpShortcutRegister, "taken by another application")
	err := s.Register(ctx, "Ctrl+Q", func(context.Context) {})
	var rerr *RemoteError
	assert.True(t, errors.As(err, &rerr))

	require.NoError(t, s.UnregisterAll(ctx))
	ui.refuseOp(OpShortcutRegister, "")
	require.NoError(t, s.Register(ctx, "Alt+Space", func(context.Context) {}))
}

// dialSilent connects a client that reads requests but never answers. Each
// request received is signalled on the returned channel.
func dialSilent(t *testing.T, s *Shell) (*websocket.Conn, <-chan struct{}) {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	got := make(chan struct{}, 16)
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
			select {
			case got <- struct{}{}:
			default:
			}
		}
	}()
	require.NoError(t, s.waitConnected(context.Background()))
	return ws, got
}

func TestCallTimeout(t *testing.T) {
	s := New(Options{CallTimeout: 50 * time.Millisecond})
	dialSilent(t, s)

	err := s.Show(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReplacedConnectionFailsPendingCalls(t *testing.T) {
	s := New(Options{CallTimeout: 30 * time.Second})
	ctx := context.Background()
	_, received := dialSilent(t, s)

	result := make(chan error, 1)
	go func() { result <- s.Show(ctx) }()
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the first shell")
	}

	dialUI(t, s)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, surface.ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("call on the replaced connection still pending")
	}

	// Calls now go to the new shell.
	assert.Eventually(t, func() bool { return s.Show(ctx) == nil }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.Connected())
}

func TestDeliver_CrashNeverDropped(t *testing.T) {
	surf := &Surface{id: "s1", events: make(chan surface.Event, 8)}
	ready := surface.Event{Kind: surface.EventReady, SurfaceID: "s1"}

	for i := 0; i < cap(surf.events)+2; i++ {
		surf.deliver(ready)
	}
	require.Len(t, surf.events, cap(surf.events))

	surf.deliver(surface.Event{Kind: surface.EventCrashed, SurfaceID: "s1", Reason: "oom"})
	require.Len(t, surf.events, cap(surf.events))

	var last surface.Event
	for len(surf.events) > 0 {
		last = <-surf.events
	}
	assert.Equal(t, surface.EventCrashed, last.Kind)
	assert.Equal(t, "oom", last.Reason)
}

func TestOnConnect_BindsAfterAttach(t *testing.T) {
	bound := make(chan error, 1)
	var s *Shell
	s = New(Options{OnConnect: func(ctx context.Context) {
		bound <- s.Register(ctx, "Alt+Space", func(context.Context) {})
	}})
	ui := dialUI(t, s)

	select {
	case err := <-bound:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect not run")
	}
	assert.Contains(t, ui.opNames(), OpShortcutRegister)
}
