// Package diagnostics builds support bundles: host and process statistics,
// redacted configuration, and the state of the plugin runtime.
package diagnostics

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/rjsadow/mortis/internal/config"
	"github.com/rjsadow/mortis/internal/lifecycle"
	"github.com/rjsadow/mortis/internal/plugins"
)

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Lifecycle reports the plugin runtime state.
type Lifecycle interface {
	State() lifecycle.State
	Active() (plugins.Descriptor, bool)
}

// Shell reports whether the UI shell is attached.
type Shell interface {
	Connected() bool
}

// EventStream reports how many host UI listeners are subscribed.
type EventStream interface {
	ClientCount() int
}

// Collector gathers diagnostic information.
type Collector struct {
	config    *config.Config
	registry  *plugins.Registry
	lifecycle Lifecycle
	shell     Shell
	events    EventStream
	db        Pinger
	started   time.Time
}

// Options configures a Collector. DB, Shell and Events may be nil.
type Options struct {
	Config    *config.Config
	Registry  *plugins.Registry
	Lifecycle Lifecycle
	Shell     Shell
	Events    EventStream
	DB        Pinger
	Started   time.Time
}

// NewCollector creates a new diagnostics collector.
func NewCollector(opts Options) *Collector {
	started := opts.Started
	if started.IsZero() {
		started = time.Now()
	}
	return &Collector{
		config:    opts.Config,
		registry:  opts.Registry,
		lifecycle: opts.Lifecycle,
		shell:     opts.Shell,
		events:    opts.Events,
		db:        opts.DB,
		started:   started,
	}
}

// Bundle represents a complete diagnostics bundle.
type Bundle struct {
	GeneratedAt time.Time      `json:"generated_at"`
	System      SystemInfo     `json:"system"`
	Process     ProcessInfo    `json:"process"`
	Config      RedactedConfig `json:"config"`
	Health      HealthSummary  `json:"health"`
	Plugins     PluginSummary  `json:"plugins"`
	Runtime     RuntimeInfo    `json:"runtime"`

	// Warnings lists statistics that could not be read on this platform.
	Warnings []string `json:"warnings,omitempty"`
}

// SystemInfo describes the machine.
type SystemInfo struct {
	GoVersion       string  `json:"go_version"`
	GOOS            string  `json:"goos"`
	GOARCH          string  `json:"goarch"`
	NumCPU          int     `json:"num_cpu"`
	Hostname        string  `json:"hostname"`
	Platform        string  `json:"platform,omitempty"`
	PlatformVersion string  `json:"platform_version,omitempty"`
	KernelVersion   string  `json:"kernel_version,omitempty"`
	HostUptime      uint64  `json:"host_uptime_seconds,omitempty"`
	MemoryTotalMB   float64 `json:"memory_total_mb,omitempty"`
	MemoryUsedPct   float64 `json:"memory_used_percent,omitempty"`
	Uptime          string  `json:"uptime"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// ProcessInfo describes the host process and its children, which are
// package-manager runs when a job is in flight.
type ProcessInfo struct {
	PID        int32   `json:"pid"`
	RSSMB      float64 `json:"rss_mb"`
	NumThreads int32   `json:"num_threads"`
	CPUPercent float64 `json:"cpu_percent"`
	Children   []int32 `json:"children,omitempty"`
}

// RedactedConfig contains configuration with secrets removed.
type RedactedConfig struct {
	Addr             string  `json:"addr"`
	UserDataDir      string  `json:"user_data_dir"`
	PluginRoot       string  `json:"plugin_root"`
	DB               string  `json:"db"`
	RegistryURL      string  `json:"registry_url"`
	NPMCommand       string  `json:"npm_command"`
	DevMode          bool    `json:"dev_mode"`
	DevTools         bool    `json:"dev_tools"`
	HostShortcut     string  `json:"host_shortcut"`
	SecretConfigured bool    `json:"ipc_secret_configured"`
	TokenExpiry      string  `json:"token_expiry"`
	GatewayRateLimit float64 `json:"gateway_rate_limit"`
	GatewayBurst     int     `json:"gateway_burst"`
	LogLevel         string  `json:"log_level"`
}

// HealthSummary contains the overall health status.
type HealthSummary struct {
	Overall  string          `json:"overall"`
	Database ComponentHealth `json:"database"`
	Shell    ComponentHealth `json:"shell"`
}

// ComponentHealth represents health of a single component.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
}

// PluginSummary describes the registry and the active surface.
type PluginSummary struct {
	Registered int    `json:"registered"`
	State      string `json:"state"`
	Active     string `json:"active,omitempty"`
	// EventClients counts subscribers to the host event stream.
	EventClients int `json:"event_clients"`
}

// RuntimeInfo contains Go runtime information.
type RuntimeInfo struct {
	NumGoroutine int         `json:"num_goroutine"`
	Memory       MemoryStats `json:"memory"`
}

// MemoryStats contains memory statistics.
type MemoryStats struct {
	AllocMB      float64 `json:"alloc_mb"`
	TotalAllocMB float64 `json:"total_alloc_mb"`
	SysMB        float64 `json:"sys_mb"`
	NumGC        uint32  `json:"num_gc"`
}

const mb = 1024 * 1024

// Collect gathers all diagnostic information into a Bundle.
func (c *Collector) Collect(ctx context.Context) (*Bundle, error) {
	bundle := &Bundle{
		GeneratedAt: time.Now().UTC(),
	}

	bundle.System = c.collectSystemInfo(ctx, bundle)
	bundle.Process = c.collectProcessInfo(ctx, bundle)
	bundle.Config = c.collectRedactedConfig()
	bundle.Health = c.collectHealth(ctx)
	bundle.Plugins = c.collectPlugins()
	bundle.Runtime = collectRuntimeInfo()

	return bundle, nil
}

// WriteTarGz writes the diagnostics bundle as a tar.gz archive to the given writer.
func (c *Collector) WriteTarGz(ctx context.Context, w io.Writer) error {
	bundle, err := c.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collecting diagnostics: %w", err)
	}

	gzw := gzip.NewWriter(w)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	bundleJSON, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling bundle: %w", err)
	}
	if err := addFileToTar(tw, "diagnostics/bundle.json", bundleJSON); err != nil {
		return fmt.Errorf("adding bundle.json to archive: %w", err)
	}

	sections := []struct {
		name string
		data any
	}{
		{"diagnostics/system.json", bundle.System},
		{"diagnostics/process.json", bundle.Process},
		{"diagnostics/config.json", bundle.Config},
		{"diagnostics/health.json", bundle.Health},
		{"diagnostics/plugins.json", bundle.Plugins},
		{"diagnostics/runtime.json", bundle.Runtime},
	}
	for _, s := range sections {
		jsonData, err := json.MarshalIndent(s.data, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling %s: %w", s.name, err)
		}
		if err := addFileToTar(tw, s.name, jsonData); err != nil {
			return fmt.Errorf("adding %s to archive: %w", s.name, err)
		}
	}

	return nil
}

func addFileToTar(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name:    name,
		Size:    int64(len(data)),
		Mode:    0644,
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

func (c *Collector) collectSystemInfo(ctx context.Context, b *Bundle) SystemInfo {
	hostname, _ := os.Hostname()
	uptime := time.Since(c.started)

	info := SystemInfo{
		GoVersion:     runtime.Version(),
		GOOS:          runtime.GOOS,
		GOARCH:        runtime.GOARCH,
		NumCPU:        runtime.NumCPU(),
		Hostname:      hostname,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
	}

	if h, err := host.InfoWithContext(ctx); err == nil {
		info.Platform = h.Platform
		info.PlatformVersion = h.PlatformVersion
		info.KernelVersion = h.KernelVersion
		info.HostUptime = h.Uptime
	} else {
		b.Warnings = append(b.Warnings, "host info: "+err.Error())
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotalMB = float64(vm.Total) / mb
		info.MemoryUsedPct = vm.UsedPercent
	} else {
		b.Warnings = append(b.Warnings, "virtual memory: "+err.Error())
	}

	return info
}

func (c *Collector) collectProcessInfo(ctx context.Context, b *Bundle) ProcessInfo {
	pid := int32(os.Getpid())
	info := ProcessInfo{PID: pid}

	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		b.Warnings = append(b.Warnings, "process: "+err.Error())
		return info
	}
	if m, err := p.MemoryInfoWithContext(ctx); err == nil {
		info.RSSMB = float64(m.RSS) / mb
	} else {
		b.Warnings = append(b.Warnings, "process memory: "+err.Error())
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		info.NumThreads = n
	}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		info.CPUPercent = pct
	}
	// No children is reported as an error by gopsutil.
	if children, err := p.ChildrenWithContext(ctx); err == nil {
		for _, child := range children {
			info.Children = append(info.Children, child.Pid)
		}
	}
	return info
}

func (c *Collector) collectRedactedConfig() RedactedConfig {
	if c.config == nil {
		return RedactedConfig{}
	}
	return RedactedConfig{
		Addr:             c.config.Addr(),
		UserDataDir:      c.config.UserDataDir,
		PluginRoot:       c.config.PluginRoot,
		DB:               c.config.DB,
		RegistryURL:      c.config.RegistryURL,
		NPMCommand:       c.config.NPMCommand,
		DevMode:          c.config.DevMode,
		DevTools:         c.config.DevTools,
		HostShortcut:     c.config.HostShortcut,
		SecretConfigured: c.config.IPCSecret != "",
		TokenExpiry:      c.config.TokenExpiry.String(),
		GatewayRateLimit: c.config.GatewayRateLimit,
		GatewayBurst:     c.config.GatewayBurst,
		LogLevel:         c.config.LogLevel,
	}
}

func (c *Collector) collectHealth(ctx context.Context) HealthSummary {
	summary := HealthSummary{Overall: "healthy"}

	switch {
	case c.db == nil:
		summary.Database = ComponentHealth{Healthy: true, Message: "disabled"}
	default:
		if err := c.db.Ping(ctx); err != nil {
			summary.Database = ComponentHealth{Healthy: false, Message: err.Error()}
			summary.Overall = "degraded"
		} else {
			summary.Database = ComponentHealth{Healthy: true, Message: "OK"}
		}
	}

	switch {
	case c.shell == nil:
		summary.Shell = ComponentHealth{Healthy: false, Message: "not configured"}
		summary.Overall = "degraded"
	case c.shell.Connected():
		summary.Shell = ComponentHealth{Healthy: true, Message: "connected"}
	default:
		summary.Shell = ComponentHealth{Healthy: false, Message: "no UI shell attached"}
		summary.Overall = "degraded"
	}

	return summary
}

func (c *Collector) collectPlugins() PluginSummary {
	var s PluginSummary
	if c.registry != nil {
		s.Registered = c.registry.Len()
	}
	if c.lifecycle != nil {
		s.State = string(c.lifecycle.State())
		if d, ok := c.lifecycle.Active(); ok {
			s.Active = d.ID
		}
	}
	if c.events != nil {
		s.EventClients = c.events.ClientCount()
	}
	return s
}

func collectRuntimeInfo() RuntimeInfo {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return RuntimeInfo{
		NumGoroutine: runtime.NumGoroutine(),
		Memory: MemoryStats{
			AllocMB:      float64(memStats.Alloc) / mb,
			TotalAllocMB: float64(memStats.TotalAlloc) / mb,
			SysMB:        float64(memStats.Sys) / mb,
			NumGC:        memStats.NumGC,
		},
	}
}
