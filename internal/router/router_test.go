package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	channel string
	payload any
}

type fakeHost struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (h *fakeHost) Send(_ context.Context, channel string, payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, sent{channel, payload})
	return h.err
}

func (h *fakeHost) snapshot() []sent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sent(nil), h.sent...)
}

type fakeUnloader struct {
	mu       sync.Mutex
	unloaded []string
	err      error
}

func (u *fakeUnloader) Unload(_ context.Context, id string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.unloaded = append(u.unloaded, id)
	return u.err
}

type fakeClipboard struct {
	text  string
	image string
	err   error
}

func (c *fakeClipboard) WriteText(_ context.Context, text string) error {
	if c.err != nil {
		return c.err
	}
	c.text = text
	return nil
}

func (c *fakeClipboard) ReadImage(context.Context) (string, error) {
	return c.image, c.err
}

func TestRelay_ForwardsVerbatimInOrder(t *testing.T) {
	host := &fakeHost{}
	r := New(host, &fakeUnloader{}, nil)
	t.Cleanup(r.Shutdown)

	for i := 0; i < 50; i++ {
		r.Relay(context.Background(), "a", json.RawMessage(fmt.Sprintf(`{"n":%d, "odd" : [1,2]}`, i)))
	}

	require.Eventually(t, func() bool { return len(host.snapshot()) == 50 }, time.Second, 5*time.Millisecond)
	for i, s := range host.snapshot() {
		assert.Equal(t, ChannelPluginMessage, s.channel)
		assert.Equal(t, json.RawMessage(fmt.Sprintf(`{"n":%d, "odd" : [1,2]}`, i)), s.payload)
	}
}

func TestRelay_HostFailureDoesNotBlock(t *testing.T) {
	host := &fakeHost{err: errors.New("no ui attached")}
	r := New(host, &fakeUnloader{}, nil)
	t.Cleanup(r.Shutdown)

	r.Relay(context.Background(), "a", json.RawMessage(`1`))
	r.Relay(context.Background(), "a", json.RawMessage(`2`))

	require.Eventually(t, func() bool { return len(host.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestRelay_AfterShutdownIsDropped(t *testing.T) {
	host := &fakeHost{}
	r := New(host, &fakeUnloader{}, nil)
	r.Shutdown()

	r.Relay(context.Background(), "a", json.RawMessage(`1`))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, host.snapshot())
}

func TestClose_UnloadsThenNotifies(t *testing.T) {
	host := &fakeHost{}
	unloader := &fakeUnloader{}
	r := New(host, unloader, nil)
	t.Cleanup(r.Shutdown)

	require.NoError(t, r.Close(context.Background(), "a"))

	assert.Equal(t, []string{"a"}, unloader.unloaded)
	got := host.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, ChannelPluginClosed, got[0].channel)
	assert.Equal(t, ClosedEvent{PluginID: "a"}, got[0].payload)
}

func TestClose_UnloadErrorSkipsNotification(t *testing.T) {
	host := &fakeHost{}
	r := New(host, &fakeUnloader{err: errors.New("boom")}, nil)
	t.Cleanup(r.Shutdown)

	assert.Error(t, r.Close(context.Background(), "a"))
	assert.Empty(t, host.snapshot())
}

func TestNewAPI_Validation(t *testing.T) {
	_, err := NewAPI(map[string]Handler{"": func(context.Context, Call) (any, error) { return nil, nil }})
	assert.Error(t, err)

	_, err = NewAPI(map[string]Handler{"x": nil})
	assert.Error(t, err)
}

func TestDispatch(t *testing.T) {
	api, err := NewAPI(map[string]Handler{
		"echo": func(_ context.Context, c Call) (any, error) { return string(c.Args), nil },
		"fail": func(context.Context, Call) (any, error) { return nil, errors.New("disk full") },
		"boom": func(context.Context, Call) (any, error) { panic("unexpected nil") },
	})
	require.NoError(t, err)
	r := New(&fakeHost{}, &fakeUnloader{}, api)
	t.Cleanup(r.Shutdown)
	ctx := context.Background()

	tests := []struct {
		method string
		want   Result
	}{
		{"echo", Result{Result: `"hi"`}},
		{"fail", Result{Error: "disk full"}},
		{"boom", Result{Error: "unexpected nil"}},
		{"nope", Result{Error: "Method not found"}},
		{"toString", Result{Error: "Method not found"}},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Dispatch(ctx, "a", tt.method, json.RawMessage(`"hi"`)))
		})
	}
	assert.Equal(t, []string{"boom", "echo", "fail"}, api.methods())
}

func TestDispatch_MethodNotFoundJSON(t *testing.T) {
	r := New(&fakeHost{}, &fakeUnloader{}, nil)
	t.Cleanup(r.Shutdown)

	out, err := json.Marshal(r.Dispatch(context.Background(), "a", "missing", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"Method not found"}`, string(out))
}

func TestBuiltinHandlers(t *testing.T) {
	clip := &fakeClipboard{image: "data:image/png;base64,AAAA"}
	var closed []string
	api, err := NewAPI(BuiltinHandlers(clip, func(_ context.Context, id string) error {
		closed = append(closed, id)
		return nil
	}))
	require.NoError(t, err)
	ctx := context.Background()

	res := api.Dispatch(ctx, Call{PluginID: "a", Method: "copyText", Args: json.RawMessage(`"hello"`)})
	assert.Empty(t, res.Error)
	assert.Equal(t, "hello", clip.text)

	res = api.Dispatch(ctx, Call{PluginID: "a", Method: "copyText", Args: json.RawMessage(`{"text":1}`)})
	assert.Contains(t, res.Error, "expects a string")

	res = api.Dispatch(ctx, Call{PluginID: "a", Method: "getClipboardImage"})
	assert.Equal(t, "data:image/png;base64,AAAA", res.Result)

	clip.image = ""
	res = api.Dispatch(ctx, Call{PluginID: "a", Method: "getClipboardImage"})
	assert.Nil(t, res.Result)
	assert.Empty(t, res.Error)

	res = api.Dispatch(ctx, Call{PluginID: "a", Method: "exitPlugin"})
	assert.Empty(t, res.Error)
	assert.Equal(t, []string{"a"}, closed)

	clip.err = errors.New("clipboard locked")
	res = api.Dispatch(ctx, Call{PluginID: "a", Method: "copyText", Args: json.RawMessage(`"x"`)})
	assert.Equal(t, "clipboard locked", res.Error)
}
