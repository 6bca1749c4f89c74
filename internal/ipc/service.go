// Package ipc is the host's request surface: a closed table of named
// channels that the UI layer and plugin bridges invoke. It composes the
// registry, lifecycle manager, message router, package adapter and
// shortcut binder, and turns every component failure into a structured
// {success:false, error} reply.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	slogctx "github.com/veqryn/slog-context"

	"github.com/rjsadow/mortis/internal/db"
	"github.com/rjsadow/mortis/internal/lifecycle"
	"github.com/rjsadow/mortis/internal/middleware"
	"github.com/rjsadow/mortis/internal/pkgmgr"
	"github.com/rjsadow/mortis/internal/plugins"
	"github.com/rjsadow/mortis/internal/router"
)

// Errors returned by Handle before a channel runs.
var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrForbidden      = errors.New("channel not available to plugins")
	ErrNoPlugin       = errors.New("no plugin for this call")
)

// Lifecycle is the subset of *lifecycle.Manager the surface drives.
type Lifecycle interface {
	Load(ctx context.Context, id string) (plugins.Descriptor, error)
	Unload(ctx context.Context, id string) error
	Evict(ctx context.Context, ids []string, fn func(ctx context.Context) error) error
	Active() (plugins.Descriptor, bool)
	State() lifecycle.State
}

// Router is the subset of *router.Router the surface drives.
type Router interface {
	Relay(ctx context.Context, pluginID string, payload json.RawMessage)
	Close(ctx context.Context, pluginID string) error
	Dispatch(ctx context.Context, pluginID, method string, args json.RawMessage) router.Result
}

// Packages is the subset of *pkgmgr.Adapter the surface drives.
type Packages interface {
	Install(ctx context.Context, names []string) (*pkgmgr.Job, error)
	Uninstall(ctx context.Context, names []string) (*pkgmgr.Job, error)
	Descriptors(ctx context.Context) ([]plugins.Descriptor, error)
	Info(ctx context.Context, name string) (*pkgmgr.Manifest, error)
	Root() string
}

// Shortcuts is the subset of *shortcuts.Binder the surface drives.
type Shortcuts interface {
	SaveHost(accel string) error
	RegisterHost(ctx context.Context, accel string) error
	Reload(ctx context.Context) error
	Save(pluginID, accel string) error
	Forget(pluginID string) error
	Shortcut(pluginID string) string
}

// AuditLog receives host actions worth recording.
type AuditLog interface {
	Log(ctx context.Context, entry db.AuditLog)
}

// Store answers analytics and audit queries.
type Store interface {
	QueryAuditLogs(ctx context.Context, filter db.AuditLogFilter) (*db.AuditLogPage, error)
	GetLaunchStats(ctx context.Context) (*db.LaunchStats, error)
}

// Metrics counts IPC requests.
type Metrics interface {
	ObserveIPC(channel string, ok bool)
}

// Config holds the Service's collaborators. Audit, Store and Metrics are
// optional.
type Config struct {
	Registry  *plugins.Registry
	Lifecycle Lifecycle
	Router    Router
	Packages  Packages
	Shortcuts Shortcuts
	Audit     AuditLog
	Store     Store
	Metrics   Metrics
}

// Call is one IPC request.
type Call struct {
	Channel string
	Caller  middleware.Principal
	// PluginID is the plugin the call acts for. Plugin callers always act
	// for themselves; the host may name a plugin explicitly.
	PluginID string
	Args     json.RawMessage
}

// Status is the reply of channels that only report success.
type Status struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

var succeeded = Status{Success: true}

func failed(err error) Status {
	return Status{Success: false, Error: err.Error()}
}

type handlerFunc func(ctx context.Context, call Call) (any, error)

type channel struct {
	handle handlerFunc
	// async channels reply with an acknowledgement instead of a result.
	async bool
	// detach runs an async handler in the background. Handlers that never
	// block run inline so calls from one plugin keep their order.
	detach bool
	// plugin channels may be invoked with a plugin token.
	plugin bool
}

// Service answers IPC channels.
type Service struct {
	registry  *plugins.Registry
	lifecycle Lifecycle
	router    Router
	packages  Packages
	shortcuts Shortcuts
	audit     AuditLog
	store     Store
	metrics   Metrics

	channels map[string]channel
	wg       sync.WaitGroup
}

// NewService builds the channel table.
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("ipc: registry is required")
	case cfg.Lifecycle == nil:
		return nil, errors.New("ipc: lifecycle is required")
	case cfg.Router == nil:
		return nil, errors.New("ipc: router is required")
	case cfg.Packages == nil:
		return nil, errors.New("ipc: package adapter is required")
	case cfg.Shortcuts == nil:
		return nil, errors.New("ipc: shortcut binder is required")
	}

	s := &Service{
		registry:  cfg.Registry,
		lifecycle: cfg.Lifecycle,
		router:    cfg.Router,
		packages:  cfg.Packages,
		shortcuts: cfg.Shortcuts,
		audit:     cfg.Audit,
		store:     cfg.Store,
		metrics:   cfg.Metrics,
	}
	s.channels = s.table()
	return s, nil
}

// Channels returns every channel name, sorted.
func (s *Service) Channels() []string {
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Async reports whether name is a fire-and-forget channel.
func (s *Service) Async(name string) bool {
	return s.channels[name].async
}

// Handle runs one call. Component failures come back as a reply value, not
// an error; the error return is reserved for calls that never reached a
// channel (unknown channel, caller not allowed). Async channels return a
// nil reply; detached ones keep running after Handle returns.
func (s *Service) Handle(ctx context.Context, call Call) (reply any, err error) {
	ch, found := s.channels[call.Channel]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, call.Channel)
	}
	if call.Caller.Role == middleware.RolePlugin {
		if !ch.plugin {
			return nil, fmt.Errorf("%w: %s", ErrForbidden, call.Channel)
		}
		call.PluginID = call.Caller.PluginID
	}

	ctx = slogctx.With(ctx, "channel", call.Channel)
	if call.PluginID != "" {
		ctx = slogctx.With(ctx, "plugin", call.PluginID)
	}

	if ch.async && ch.detach {
		bg := context.WithoutCancel(ctx)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.invoke(bg, ch, call)
		}()
		return nil, nil
	}
	reply = s.invoke(ctx, ch, call)
	if ch.async {
		return nil, nil
	}
	return reply, nil
}

// invoke runs a handler, converting errors and panics into a failed Status.
func (s *Service) invoke(ctx context.Context, ch channel, call Call) (reply any) {
	defer func() {
		if r := recover(); r != nil {
			slogctx.FromCtx(ctx).Error("IPC handler panicked", "panic", r, "stack", string(debug.Stack()))
			reply = failed(fmt.Errorf("internal error: %v", r))
		}
		if s.metrics != nil {
			st, isStatus := reply.(Status)
			s.metrics.ObserveIPC(call.Channel, !isStatus || st.Success)
		}
	}()

	out, err := ch.handle(ctx, call)
	if err != nil {
		slogctx.FromCtx(ctx).Warn("IPC request failed", "error", err)
		return failed(err)
	}
	return out
}

// Wait blocks until background work from async channels has finished or
// ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) record(ctx context.Context, call Call, action, pluginID, details string) {
	if s.audit == nil {
		return
	}
	s.audit.Log(ctx, db.AuditLog{
		Actor:    actor(call.Caller),
		Action:   action,
		PluginID: pluginID,
		Details:  details,
	})
}

func actor(p middleware.Principal) string {
	if p.Role == middleware.RolePlugin {
		return "plugin:" + p.PluginID
	}
	if p.Role == "" {
		return "unknown"
	}
	return p.Role
}
