package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/rjsadow/mortis/internal/config"
	"github.com/rjsadow/mortis/internal/diagnostics"
	"github.com/rjsadow/mortis/internal/gateway"
	"github.com/rjsadow/mortis/internal/ipc"
	"github.com/rjsadow/mortis/internal/lifecycle"
	"github.com/rjsadow/mortis/internal/metrics"
	"github.com/rjsadow/mortis/internal/pkgmgr"
	"github.com/rjsadow/mortis/internal/plugins"
	"github.com/rjsadow/mortis/internal/router"
	"github.com/rjsadow/mortis/internal/server"
	"github.com/rjsadow/mortis/internal/shortcuts"
	"github.com/rjsadow/mortis/internal/shortcuts/shortcutstest"
	"github.com/rjsadow/mortis/internal/sse"
	"github.com/rjsadow/mortis/internal/surface/surfacetest"
)

const testSecret = "server-suite-secret-with-at-least-32-bytes!"

type clipboard struct {
	mu   sync.Mutex
	text string
}

func (c *clipboard) WriteText(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = text
	return nil
}

func (c *clipboard) ReadImage(context.Context) (string, error) { return "", nil }

func (c *clipboard) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

type shellState struct{ connected atomic.Bool }

func (s *shellState) Connected() bool { return s.connected.Load() }

// failingRunner stands in for npm and always exits non-zero.
type failingRunner struct{}

func (failingRunner) Run(_ context.Context, _, _ string, args ...string) (int, []byte, error) {
	return 1, []byte("npm ERR! 404 Not Found - GET " + strings.Join(args, " ")), nil
}

type stack struct {
	srv        *httptest.Server
	tokens     *ipc.TokenService
	hostToken  string
	calcToken  string
	clip       *clipboard
	shell      *shellState
	manager    *lifecycle.Manager
	router     *router.Router
	limited    atomic.Int32
	cancelRate context.CancelFunc
}

type stackOptions struct {
	rateLimit rate.Limit
	burst     int
}

func newStack(opts stackOptions) *stack {
	s := &stack{clip: &clipboard{}, shell: &shellState{}}
	dir := GinkgoT().TempDir()

	entry := filepath.Join(dir, "calc", "index.html")
	Expect(os.MkdirAll(filepath.Dir(entry), 0o755)).To(Succeed())
	Expect(os.WriteFile(entry, []byte("<html></html>"), 0o644)).To(Succeed())

	registry := plugins.NewRegistry(dir)
	registry.Register(plugins.Descriptor{ID: "calc", Name: "Calculator", EntryPath: "calc/index.html"})

	var err error
	s.tokens, err = ipc.NewTokenService(testSecret, time.Hour)
	Expect(err).NotTo(HaveOccurred())
	s.hostToken, err = s.tokens.HostToken()
	Expect(err).NotTo(HaveOccurred())
	s.calcToken, err = s.tokens.PluginToken("calc")
	Expect(err).NotTo(HaveOccurred())

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	hub := sse.NewHub(s.tokens)
	window := &surfacetest.Window{}

	s.manager = lifecycle.NewManager(lifecycle.Config{
		Registry: registry,
		Provider: surfacetest.NewProvider(),
		Window:   window,
		Recorder: hub,
		Metrics:  m,
	})

	api, err := router.NewAPI(router.BuiltinHandlers(s.clip, func(ctx context.Context, id string) error {
		return s.router.Close(ctx, id)
	}))
	Expect(err).NotTo(HaveOccurred())
	s.router = router.New(hub, s.manager, api)

	packages, err := pkgmgr.New(pkgmgr.Options{Root: filepath.Join(dir, "plugins"), Runner: failingRunner{}, Metrics: m})
	Expect(err).NotTo(HaveOccurred())

	binder, err := shortcuts.NewBinder(shortcuts.Config{
		Registrar:   shortcutstest.NewRegistrar(),
		Store:       shortcuts.NewStore(filepath.Join(dir, "config.json"), filepath.Join(dir, "plugin-shortcuts.json")),
		Registry:    registry,
		Loader:      s.manager,
		Window:      window,
		DefaultHost: config.DefaultHostShortcut,
	})
	Expect(err).NotTo(HaveOccurred())

	svc, err := ipc.NewService(ipc.Config{
		Registry:  registry,
		Lifecycle: s.manager,
		Router:    s.router,
		Packages:  packages,
		Shortcuts: binder,
		Metrics:   m,
	})
	Expect(err).NotTo(HaveOccurred())

	app := &server.App{
		IPC:     svc,
		Auth:    s.tokens,
		Events:  hub,
		Health:  server.NewHealth(nil, s.shell),
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		DiagCollector: diagnostics.NewCollector(diagnostics.Options{
			Registry:  registry,
			Lifecycle: s.manager,
			Shell:     s.shell,
		}),
		OnLimited: func() {
			s.limited.Add(1)
			m.RateLimited()
		},
	}
	if opts.rateLimit > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancelRate = cancel
		app.Limiter = gateway.NewRateLimiter(ctx, opts.rateLimit, opts.burst)
	}

	s.srv = httptest.NewServer(app.Handler())
	DeferCleanup(s.close, svc)
	return s
}

func (s *stack) close(svc *ipc.Service) {
	s.srv.CloseClientConnections()
	s.srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = svc.Wait(ctx)
	s.router.Shutdown()
	_ = s.manager.Close(ctx)
	if s.cancelRate != nil {
		s.cancelRate()
	}
}

func (s *stack) call(token, channel, body string) *http.Response {
	req, err := http.NewRequest(http.MethodPost, s.srv.URL+"/ipc/"+channel, strings.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

func (s *stack) get(token, path string) *http.Response {
	req, err := http.NewRequest(http.MethodGet, s.srv.URL+path, nil)
	Expect(err).NotTo(HaveOccurred())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

func decode[T any](resp *http.Response) T {
	defer resp.Body.Close()
	var v T
	Expect(json.NewDecoder(resp.Body).Decode(&v)).To(Succeed())
	return v
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// subscribe opens the event stream and returns a channel of "event data"
// pairs, once the stream reports connected.
func (s *stack) subscribe(ctx context.Context) <-chan [2]string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.srv.URL+"/ipc/events?token="+s.hostToken, nil)
	Expect(err).NotTo(HaveOccurred())
	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	Expect(resp.StatusCode).To(Equal(http.StatusOK))

	events := make(chan [2]string, 16)
	connected := make(chan struct{})
	go func() {
		defer GinkgoRecover()
		defer resp.Body.Close()
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		var event string
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if event == "connected" {
					close(connected)
					continue
				}
				select {
				case events <- [2]string{event, strings.TrimPrefix(line, "data: ")}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	Eventually(connected).Should(BeClosed())
	return events
}

var _ = Describe("IPC server", func() {
	var s *stack

	BeforeEach(func() {
		s = newStack(stackOptions{})
	})

	Describe("observability endpoints", func() {
		It("reports liveness", func() {
			resp := s.get("", "/healthz")
			drain(resp)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("is ready only once a UI shell is attached", func() {
			resp := s.get("", "/readyz")
			drain(resp)
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))

			s.shell.connected.Store(true)
			resp = s.get("", "/readyz")
			drain(resp)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("exposes prometheus metrics", func() {
			resp := s.get("", "/metrics")
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring(`mortis_lifecycle_state{state="idle"} 1`))
		})

		It("sets security headers and a request id", func() {
			resp := s.get("", "/healthz")
			drain(resp)
			Expect(resp.Header.Get("X-Content-Type-Options")).To(Equal("nosniff"))
			Expect(resp.Header.Get("X-Request-ID")).NotTo(BeEmpty())
		})
	})

	Describe("authentication", func() {
		It("rejects calls without a token", func() {
			resp := s.call("", ipc.ChannelGetPlugins, "")
			drain(resp)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("rejects tokens signed with another secret", func() {
			other, err := ipc.NewTokenService(strings.Repeat("z", 40), time.Hour)
			Expect(err).NotTo(HaveOccurred())
			token, err := other.HostToken()
			Expect(err).NotTo(HaveOccurred())

			resp := s.call(token, ipc.ChannelGetPlugins, "")
			drain(resp)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("keeps plugins off host channels", func() {
			resp := s.call(s.calcToken, ipc.ChannelLoadPlugin, `"calc"`)
			drain(resp)
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))

			resp = s.get(s.calcToken, "/diagnostics")
			drain(resp)
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})

		It("keeps plugins off the event stream", func() {
			resp := s.get("", "/ipc/events?token="+s.calcToken)
			drain(resp)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("channels", func() {
		It("lists every channel", func() {
			names := decode[[]string](s.get(s.hostToken, "/ipc/channels"))
			Expect(names).To(HaveLen(20))
			Expect(names).To(ContainElements(ipc.ChannelLoadPlugin, ipc.ChannelMsgTrigger, ipc.ChannelGetAuditLog))
		})

		It("answers 404 for unknown channels", func() {
			resp := s.call(s.hostToken, "reboot", "")
			drain(resp)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("rejects malformed JSON", func() {
			resp := s.call(s.hostToken, ipc.ChannelLoadPlugin, `{"pluginId":`)
			drain(resp)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("returns the registry", func() {
			list := decode[[]plugins.Descriptor](s.call(s.hostToken, ipc.ChannelGetPlugins, ""))
			Expect(list).To(HaveLen(1))
			Expect(list[0].ID).To(Equal("calc"))
		})

		It("loads and unloads a plugin", func() {
			st := decode[ipc.Status](s.call(s.hostToken, ipc.ChannelLoadPlugin, `"calc"`))
			Expect(st.Success).To(BeTrue())

			active := decode[ipc.ActivePlugin](s.call(s.hostToken, ipc.ChannelGetActivePlugin, ""))
			Expect(active.State).To(Equal(lifecycle.StateActive))
			Expect(active.Plugin).NotTo(BeNil())
			Expect(active.Plugin.ID).To(Equal("calc"))

			st = decode[ipc.Status](s.call(s.hostToken, ipc.ChannelUnloadPlugin, `{"pluginId":"calc"}`))
			Expect(st.Success).To(BeTrue())
			Expect(s.manager.State()).To(Equal(lifecycle.StateIdle))
		})

		It("turns component failures into a structured reply", func() {
			resp := s.call(s.hostToken, ipc.ChannelLoadPlugin, `"ghost"`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			st := decode[ipc.Status](resp)
			Expect(st.Success).To(BeFalse())
			Expect(st.Error).To(ContainSubstring("plugin not found"))
		})

		It("surfaces package-manager output verbatim", func() {
			st := decode[ipc.Status](s.call(s.hostToken, ipc.ChannelInstallPlugin, `"nope"`))
			Expect(st.Success).To(BeFalse())
			Expect(st.Error).To(ContainSubstring("npm ERR! 404"))
		})
	})

	Describe("plugin traffic", func() {
		BeforeEach(func() {
			st := decode[ipc.Status](s.call(s.hostToken, ipc.ChannelLoadPlugin, `"calc"`))
			Expect(st.Success).To(BeTrue())
		})

		It("dispatches host API calls", func() {
			res := decode[router.Result](s.call(s.calcToken, ipc.ChannelMsgTrigger, `{"type":"copyText","data":"42"}`))
			Expect(res.Error).To(BeEmpty())
			Expect(s.clip.Text()).To(Equal("42"))

			res = decode[router.Result](s.call(s.calcToken, ipc.ChannelMsgTrigger, `{"type":"formatDisk"}`))
			Expect(res.Error).To(Equal("Method not found"))
		})

		It("relays plugin messages to the host in order", func(ctx SpecContext) {
			events := s.subscribe(ctx)

			for _, body := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
				resp := s.call(s.calcToken, ipc.ChannelPluginMessage, body)
				drain(resp)
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			}

			var got []string
			Eventually(func() []string {
				for {
					select {
					case ev := <-events:
						if ev[0] == router.ChannelPluginMessage {
							got = append(got, ev[1])
						}
					default:
						return got
					}
				}
			}).Should(Equal([]string{`{"n":1}`, `{"n":2}`, `{"n":3}`}))
		}, SpecTimeout(10*time.Second))

		It("lets a plugin close itself", func(ctx SpecContext) {
			events := s.subscribe(ctx)

			resp := s.call(s.calcToken, ipc.ChannelClosePlugin, "")
			drain(resp)
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			Eventually(events).Should(Receive(Equal([2]string{router.ChannelPluginClosed, `{"pluginId":"calc"}`})))
			Expect(s.manager.State()).To(Equal(lifecycle.StateIdle))
		}, SpecTimeout(10*time.Second))
	})

	Describe("diagnostics", func() {
		It("returns a bundle to the host", func() {
			bundle := decode[diagnostics.Bundle](s.get(s.hostToken, "/diagnostics"))
			Expect(bundle.Plugins.Registered).To(Equal(1))
			Expect(bundle.Plugins.State).To(Equal("idle"))
		})
	})
})

var _ = Describe("rate limiting", func() {
	It("answers 429 once a caller exceeds its budget", func() {
		s := newStack(stackOptions{rateLimit: rate.Every(time.Hour), burst: 2})

		for range 2 {
			resp := s.call(s.hostToken, ipc.ChannelGetPlugins, "")
			drain(resp)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		}
		resp := s.call(s.hostToken, ipc.ChannelGetPlugins, "")
		drain(resp)
		Expect(resp.StatusCode).To(Equal(http.StatusTooManyRequests))
		Expect(resp.Header.Get("Retry-After")).To(Equal("1"))
		Expect(s.limited.Load()).To(Equal(int32(1)))

		// Plugins have their own bucket.
		resp = s.call(s.calcToken, ipc.ChannelMsgTrigger, `{"type":"copyText","data":"x"}`)
		drain(resp)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})
})
