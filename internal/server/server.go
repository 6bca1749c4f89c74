// Package server provides the HTTP handler assembly for the Mortis IPC
// listener. It accepts all dependencies as parameters so that both main()
// and tests can build the same handler chain without route drift.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/rjsadow/mortis/internal/diagnostics"
	"github.com/rjsadow/mortis/internal/gateway"
	"github.com/rjsadow/mortis/internal/ipc"
	"github.com/rjsadow/mortis/internal/middleware"
)

// App holds all dependencies needed to build the HTTP handler.
type App struct {
	IPC  *ipc.Service
	Auth middleware.Authenticator

	// Events serves the host event stream; it authenticates on its own
	// because EventSource clients pass the token as a query parameter.
	Events http.Handler

	// Shell serves the UI shell websocket. Host tokens only.
	Shell http.Handler

	// Health serves /healthz and /readyz.
	Health healthcheck.Handler

	// Optional.
	Metrics       http.Handler // /metrics exposition
	DiagCollector *diagnostics.Collector
	Limiter       *gateway.RateLimiter
	OnLimited     func()
}

// Handler builds and returns the complete HTTP handler with all routes
// registered and middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	h := &handlers{app: a}

	// Observability endpoints (public, no auth required)
	if a.Health != nil {
		mux.HandleFunc("GET /healthz", a.Health.LiveEndpoint)
		mux.HandleFunc("GET /readyz", a.Health.ReadyEndpoint)
	}
	if a.Metrics != nil {
		mux.Handle("GET /metrics", a.Metrics)
	}

	authMiddleware := middleware.Auth(a.Auth)
	hostOnly := middleware.RequireRole()
	limited := func(next http.Handler) http.Handler { return next }
	if a.Limiter != nil {
		limited = gateway.Limit(a.Limiter, a.OnLimited)
	}
	protect := func(next http.Handler) http.Handler {
		return authMiddleware(limited(next))
	}

	// IPC channels: host and plugin tokens; the service enforces which
	// channels a plugin may call.
	mux.Handle("POST /ipc/{channel}", protect(http.HandlerFunc(h.handleIPC)))
	mux.Handle("GET /ipc/channels", protect(hostOnly(http.HandlerFunc(h.handleChannels))))

	if a.Events != nil {
		mux.Handle("GET /ipc/events", a.Events)
	}
	if a.Shell != nil {
		mux.Handle("GET /shell", authMiddleware(hostOnly(a.Shell)))
	}
	if a.DiagCollector != nil {
		mux.Handle("GET /diagnostics", protect(hostOnly(http.HandlerFunc(h.handleDiagnostics))))
	}

	return middleware.SecurityHeaders(middleware.CORS(middleware.RequestID(mux)))
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Connector reports whether the UI shell is attached.
type Connector interface {
	Connected() bool
}

// healthTimeout bounds each readiness check.
const healthTimeout = 2 * time.Second

// maxGoroutines fails liveness when the process is clearly leaking.
const maxGoroutines = 10000

// NewHealth builds the liveness and readiness checks. The host is ready once
// a UI shell is attached and, when analytics are enabled, the database
// answers.
func NewHealth(database Pinger, shell Connector) healthcheck.Handler {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))

	if database != nil {
		health.AddReadinessCheck("database", healthcheck.Timeout(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
			defer cancel()
			return database.Ping(ctx)
		}, healthTimeout))
	}
	if shell != nil {
		health.AddReadinessCheck("shell", func() error {
			if !shell.Connected() {
				return errors.New("no UI shell attached")
			}
			return nil
		})
	}
	return health
}
