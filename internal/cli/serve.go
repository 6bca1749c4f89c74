package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/rjsadow/mortis/internal/audit"
	"github.com/rjsadow/mortis/internal/bridge"
	"github.com/rjsadow/mortis/internal/config"
	"github.com/rjsadow/mortis/internal/db"
	"github.com/rjsadow/mortis/internal/diagnostics"
	"github.com/rjsadow/mortis/internal/gateway"
	"github.com/rjsadow/mortis/internal/ipc"
	"github.com/rjsadow/mortis/internal/lifecycle"
	"github.com/rjsadow/mortis/internal/metrics"
	"github.com/rjsadow/mortis/internal/pkgmgr"
	"github.com/rjsadow/mortis/internal/plugins"
	"github.com/rjsadow/mortis/internal/router"
	"github.com/rjsadow/mortis/internal/server"
	"github.com/rjsadow/mortis/internal/shell"
	"github.com/rjsadow/mortis/internal/shortcuts"
	"github.com/rjsadow/mortis/internal/sse"
	"github.com/rjsadow/mortis/internal/surface"
)

// shutdownTimeout bounds graceful shutdown of the listener and components.
const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the plugin host (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts.cfg)
		},
	}
}

// host is the assembled plugin host.
type host struct {
	cfg      *config.Config
	started  time.Time
	database *db.DB
	recorder *audit.Recorder
	tokens   *ipc.TokenService
	registry *plugins.Registry
	packages *pkgmgr.Adapter
	shell    *shell.Shell
	manager  *lifecycle.Manager
	router   *router.Router
	binder   *shortcuts.Binder
	ipc      *ipc.Service
	limiter  context.CancelFunc
	handler  http.Handler
}

// newHost wires every component. runner replaces the package manager
// subprocess when non-nil.
func newHost(ctx context.Context, cfg *config.Config, runner pkgmgr.Runner) (*host, error) {
	log := slog.Default()
	h := &host{cfg: cfg, started: time.Now()}
	ready := false
	defer func() {
		if !ready {
			h.close(context.Background())
		}
	}()

	var err error

	if err := os.MkdirAll(cfg.UserDataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create user data dir: %w", err)
	}

	h.tokens, err = ipc.NewTokenService(cfg.IPCSecret, cfg.TokenExpiry)
	if err != nil {
		return nil, err
	}
	if cfg.IPCSecret == "" {
		log.Warn("MORTIS_IPC_SECRET not set; tokens are valid for this process only")
	}
	if _, err := h.tokens.WriteHostToken(cfg.TokenFile()); err != nil {
		return nil, fmt.Errorf("failed to write host token: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	tracer := otel.Tracer("github.com/rjsadow/mortis")

	h.database, err = db.Open(cfg.DB)
	if err != nil {
		return nil, err
	}
	h.recorder = audit.New(h.database, 0)

	h.registry = plugins.NewRegistry(cfg.AppDir)
	if cfg.Seed != "" {
		seeded, err := h.registry.SeedFromFile(cfg.Seed)
		if err != nil {
			log.Warn("Failed to seed built-in plugins", "path", cfg.Seed, "error", err)
		} else {
			log.Info("Seeded built-in plugins", "count", len(seeded))
		}
	}

	opts := adapterOptions(cfg, runner)
	opts.Metrics = m
	opts.Tracer = tracer
	h.packages, err = pkgmgr.New(opts)
	if err != nil {
		return nil, err
	}
	installed, err := h.packages.Descriptors(ctx)
	if err != nil {
		log.Warn("Failed to list installed plugins", "root", h.packages.Root(), "error", err)
	}
	h.registry.RegisterAll(installed)

	hub := sse.NewHub(h.tokens)
	h.shell = shell.New(shell.Options{
		AllowedOrigin: cfg.ShellOrigin,
		OnConnect: func(ctx context.Context) {
			if err := h.binder.RegisterAll(ctx); err != nil {
				slog.Warn("Failed to bind global shortcuts", "error", err)
			}
		},
	})

	h.manager = lifecycle.NewManager(lifecycle.Config{
		Registry: h.registry,
		Provider: h.shell,
		Window:   h.shell,
		Bridge:   bridge.NewRenderer("http://"+cfg.Addr(), h.tokens),
		Bounds: surface.Rect{
			X:      0,
			Y:      cfg.WindowHeight,
			Width:  cfg.WindowWidth,
			Height: cfg.PluginHeight - cfg.WindowHeight,
		},
		DevTools: cfg.DevTools,
		Recorder: lifecycle.NewMultiRecorder(hub, h.recorder),
		Metrics:  m,
		Tracer:   tracer,
	})

	api, err := router.NewAPI(router.BuiltinHandlers(h.shell, func(ctx context.Context, id string) error {
		return h.router.Close(ctx, id)
	}))
	if err != nil {
		return nil, err
	}
	h.router = router.New(hub, h.manager, api)

	h.binder, err = shortcuts.NewBinder(shortcuts.Config{
		Registrar:   h.shell,
		Store:       shortcuts.NewStore(cfg.ConfigFile(), cfg.PluginShortcutsFile()),
		Registry:    h.registry,
		Loader:      h.manager,
		Window:      h.shell,
		DefaultHost: cfg.HostShortcut,
	})
	if err != nil {
		return nil, err
	}

	h.ipc, err = ipc.NewService(ipc.Config{
		Registry:  h.registry,
		Lifecycle: h.manager,
		Router:    h.router,
		Packages:  h.packages,
		Shortcuts: h.binder,
		Audit:     h.recorder,
		Store:     h.database,
		Metrics:   m,
	})
	if err != nil {
		return nil, err
	}

	app := &server.App{
		IPC:     h.ipc,
		Auth:    h.tokens,
		Events:  hub,
		Shell:   h.shell,
		Health:  server.NewHealth(h.database, h.shell),
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		DiagCollector: diagnostics.NewCollector(diagnostics.Options{
			Config:    cfg,
			Registry:  h.registry,
			Lifecycle: h.manager,
			Shell:     h.shell,
			Events:    hub,
			DB:        h.database,
			Started:   h.started,
		}),
		OnLimited: m.RateLimited,
	}
	if cfg.GatewayRateLimit > 0 {
		limiterCtx, cancel := context.WithCancel(context.Background())
		h.limiter = cancel
		app.Limiter = gateway.NewRateLimiter(limiterCtx, rate.Limit(cfg.GatewayRateLimit), cfg.GatewayBurst)
		log.Info("IPC rate limiting enabled", "rate", cfg.GatewayRateLimit, "burst", cfg.GatewayBurst)
	}
	h.handler = app.Handler()

	ready = true
	log.Info("Plugin host ready",
		"plugins", h.registry.Len(),
		"package_root", h.packages.Root(),
		"token_file", cfg.TokenFile(),
	)
	return h, nil
}

// close releases components in reverse dependency order. It tolerates a
// partially built host.
func (h *host) close(ctx context.Context) {
	log := slog.Default()
	if h.ipc != nil {
		if err := h.ipc.Wait(ctx); err != nil {
			log.Warn("Timed out waiting for IPC work", "error", err)
		}
	}
	if h.binder != nil {
		if err := h.binder.Close(ctx); err != nil {
			log.Warn("Failed to release global shortcuts", "error", err)
		}
	}
	if h.router != nil {
		h.router.Shutdown()
	}
	if h.manager != nil {
		if err := h.manager.Close(ctx); err != nil {
			log.Warn("Failed to close plugin surfaces", "error", err)
		}
	}
	if h.limiter != nil {
		h.limiter()
	}
	if h.packages != nil {
		h.packages.Close()
	}
	if h.recorder != nil {
		if err := h.recorder.Close(ctx); err != nil {
			log.Warn("Failed to flush audit log", "error", err)
		}
	}
	if h.database != nil {
		if err := h.database.Close(); err != nil {
			log.Warn("Failed to close database", "error", err)
		}
	}
}

// runServe serves the IPC listener until ctx is cancelled.
func runServe(ctx context.Context, cfg *config.Config) error {
	h, err := newHost(ctx, cfg, nil)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h.handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Long-lived streams end with the serve context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Mortis IPC listener starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			slog.Error("IPC listener failed", "error", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Listener shutdown incomplete", "error", err)
	}
	h.close(shutdownCtx)
	return serveErr
}
