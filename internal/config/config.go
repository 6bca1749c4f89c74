// Package config provides centralized configuration management for Mortis.
// Configuration is loaded from environment variables with sensible defaults.
// Required configuration that is missing or malformed causes the application
// to fail fast with helpful error messages.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// IPC server configuration
	Host string
	Port int

	// Filesystem layout
	UserDataDir string // config.json, plugin-shortcuts.json, ipc-token, database
	AppDir      string // base directory for relative paths of local plugins
	PluginRoot  string // managed package root (defaults to <UserDataDir>/plugins)
	Seed        string // built-in plugin descriptors (JSON or YAML)
	DB          string // SQLite file path for audit log and launch analytics

	// Package manager configuration
	RegistryURL          string        // registry mirror, always ends with "/"
	NPMCommand           string        // package manager executable
	DevMode              bool          // link/unlink instead of install/uninstall
	PackageJobTimeout    time.Duration // upper bound for one package-manager run
	ManifestFetchTimeout time.Duration
	ManifestFetchRetries int
	WorkerPoolSize       int // concurrent manifest reads when listing installed plugins

	// Surface configuration
	DevTools     bool   // open the inspector on every loaded plugin surface
	HostShortcut string // default host-activation accelerator
	WindowWidth  int
	WindowHeight int    // height of the primary input surface
	PluginHeight int    // total window height while a plugin is shown
	ShellOrigin  string // allowed Origin for the shell websocket ("" = same host only)

	// Logging
	LogLevel  string
	LogFormat string // "text" or "json"

	// IPC authentication
	IPCSecret   string
	TokenExpiry time.Duration

	// Gateway configuration
	GatewayRateLimit float64 // Requests per second per client (0 = disabled)
	GatewayBurst     int     // Maximum burst size for rate limiter
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Default values
const (
	DefaultHost                 = "127.0.0.1"
	DefaultPort                 = 7765
	DefaultRegistryURL          = "https://registry.npmmirror.com/"
	DefaultNPMCommand           = "npm"
	DefaultPackageJobTimeout    = 5 * time.Minute
	DefaultManifestFetchTimeout = 10 * time.Second
	DefaultManifestFetchRetries = 3
	DefaultWorkerPoolSize       = 8
	DefaultDevTools             = true
	DefaultHostShortcut         = "CommandOrControl+Space"
	DefaultWindowWidth          = 600
	DefaultWindowHeight         = 80
	DefaultPluginHeight         = 600
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultTokenExpiry          = 24 * time.Hour
	DefaultGatewayRateLimit     = float64(0) // disabled; the IPC listener is loopback-only
	DefaultGatewayBurst         = 20
	DefaultDBName               = "mortis.db"
)

// DefaultUserDataDir returns the per-user data directory, falling back to a
// dot directory in the working directory when the OS gives no answer.
func DefaultUserDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ".mortis"
	}
	return filepath.Join(dir, "mortis")
}

// DefaultAppDir returns the directory holding the running executable.
func DefaultAppDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// Load reads configuration from environment variables and returns a Config.
// It applies defaults for optional values and validates the configuration.
// Returns an error if validation fails.
func Load() (*Config, error) {
	cfg := &Config{
		Host: DefaultHost,
		Port: DefaultPort,

		UserDataDir: DefaultUserDataDir(),
		AppDir:      DefaultAppDir(),

		RegistryURL:          DefaultRegistryURL,
		NPMCommand:           DefaultNPMCommand,
		PackageJobTimeout:    DefaultPackageJobTimeout,
		ManifestFetchTimeout: DefaultManifestFetchTimeout,
		ManifestFetchRetries: DefaultManifestFetchRetries,
		WorkerPoolSize:       DefaultWorkerPoolSize,

		DevTools:     DefaultDevTools,
		HostShortcut: DefaultHostShortcut,
		WindowWidth:  DefaultWindowWidth,
		WindowHeight: DefaultWindowHeight,
		PluginHeight: DefaultPluginHeight,

		LogLevel:  DefaultLogLevel,
		LogFormat: DefaultLogFormat,

		TokenExpiry: DefaultTokenExpiry,

		GatewayRateLimit: DefaultGatewayRateLimit,
		GatewayBurst:     DefaultGatewayBurst,
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}
	cfg.applyDerived()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}

// loadFromEnv populates the config from environment variables.
func (c *Config) loadFromEnv() error {
	var parseErrors ValidationErrors

	if v := os.Getenv("MORTIS_HOST"); v != "" {
		c.Host = v
	}
	envInt(&parseErrors, "MORTIS_PORT", &c.Port)

	if v := os.Getenv("MORTIS_USER_DATA_DIR"); v != "" {
		c.UserDataDir = v
	}
	if v := os.Getenv("MORTIS_APP_DIR"); v != "" {
		c.AppDir = v
	}
	if v := os.Getenv("MORTIS_PLUGIN_ROOT"); v != "" {
		c.PluginRoot = v
	}
	if v := os.Getenv("MORTIS_SEED"); v != "" {
		c.Seed = v
	}
	if v := os.Getenv("MORTIS_DB"); v != "" {
		c.DB = v
	}

	// Package manager
	if v := os.Getenv("MORTIS_REGISTRY_URL"); v != "" {
		c.RegistryURL = v
	}
	if v := os.Getenv("MORTIS_NPM_COMMAND"); v != "" {
		c.NPMCommand = v
	}
	envBool(&parseErrors, "MORTIS_DEV_MODE", &c.DevMode)
	envSeconds(&parseErrors, "MORTIS_PACKAGE_JOB_TIMEOUT", &c.PackageJobTimeout)
	envSeconds(&parseErrors, "MORTIS_MANIFEST_FETCH_TIMEOUT", &c.ManifestFetchTimeout)
	envInt(&parseErrors, "MORTIS_MANIFEST_FETCH_RETRIES", &c.ManifestFetchRetries)
	envInt(&parseErrors, "MORTIS_WORKER_POOL_SIZE", &c.WorkerPoolSize)

	// Surfaces and shortcuts
	envBool(&parseErrors, "MORTIS_DEVTOOLS", &c.DevTools)
	if v := os.Getenv("MORTIS_HOST_SHORTCUT"); v != "" {
		c.HostShortcut = v
	}
	envInt(&parseErrors, "MORTIS_WINDOW_WIDTH", &c.WindowWidth)
	envInt(&parseErrors, "MORTIS_WINDOW_HEIGHT", &c.WindowHeight)
	envInt(&parseErrors, "MORTIS_PLUGIN_HEIGHT", &c.PluginHeight)
	if v := os.Getenv("MORTIS_SHELL_ORIGIN"); v != "" {
		c.ShellOrigin = v
	}

	// Logging
	if v := os.Getenv("MORTIS_LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("MORTIS_LOG_FORMAT"); v != "" {
		c.LogFormat = strings.ToLower(v)
	}

	// IPC authentication
	if v := os.Getenv("MORTIS_IPC_SECRET"); v != "" {
		c.IPCSecret = v
	}
	if v := os.Getenv("MORTIS_TOKEN_EXPIRY"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "MORTIS_TOKEN_EXPIRY",
				Message: fmt.Sprintf("invalid duration: %q (must be an integer number of hours)", v),
			})
		} else {
			c.TokenExpiry = time.Duration(hours) * time.Hour
		}
	}

	// Gateway
	if v := os.Getenv("MORTIS_GATEWAY_RATE_LIMIT"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "MORTIS_GATEWAY_RATE_LIMIT",
				Message: fmt.Sprintf("invalid rate: %q (must be a number)", v),
			})
		} else {
			c.GatewayRateLimit = rate
		}
	}
	envInt(&parseErrors, "MORTIS_GATEWAY_BURST", &c.GatewayBurst)

	if len(parseErrors) > 0 {
		return parseErrors
	}
	return nil
}

func envInt(errs *ValidationErrors, name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, ValidationError{
			Field:   name,
			Message: fmt.Sprintf("invalid value: %q (must be an integer)", v),
		})
		return
	}
	*dst = n
}

func envBool(errs *ValidationErrors, name string, dst *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, ValidationError{
			Field:   name,
			Message: fmt.Sprintf("invalid boolean: %q (must be true or false)", v),
		})
		return
	}
	*dst = b
}

func envSeconds(errs *ValidationErrors, name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	seconds, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, ValidationError{
			Field:   name,
			Message: fmt.Sprintf("invalid duration: %q (must be an integer number of seconds)", v),
		})
		return
	}
	*dst = time.Duration(seconds) * time.Second
}

// applyDerived fills fields whose defaults depend on other fields.
func (c *Config) applyDerived() {
	if c.PluginRoot == "" {
		c.PluginRoot = filepath.Join(c.UserDataDir, "plugins")
	}
	if c.DB == "" {
		c.DB = filepath.Join(c.UserDataDir, DefaultDBName)
	}
	if c.RegistryURL != "" && !strings.HasSuffix(c.RegistryURL, "/") {
		c.RegistryURL += "/"
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "MORTIS_PORT",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Port),
		})
	}

	if c.UserDataDir == "" {
		errs = append(errs, ValidationError{
			Field:   "MORTIS_USER_DATA_DIR",
			Message: "user data directory cannot be empty",
		})
	}

	if u, err := url.Parse(c.RegistryURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, ValidationError{
			Field:   "MORTIS_REGISTRY_URL",
			Message: fmt.Sprintf("invalid registry URL: %q (expected http or https)", c.RegistryURL),
		})
	}

	if c.NPMCommand == "" {
		errs = append(errs, ValidationError{
			Field:   "MORTIS_NPM_COMMAND",
			Message: "package manager command cannot be empty",
		})
	}

	if c.ManifestFetchRetries < 0 {
		errs = append(errs, ValidationError{
			Field:   "MORTIS_MANIFEST_FETCH_RETRIES",
			Message: fmt.Sprintf("retries cannot be negative, got %d", c.ManifestFetchRetries),
		})
	}

	if c.WorkerPoolSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "MORTIS_WORKER_POOL_SIZE",
			Message: fmt.Sprintf("worker pool size must be at least 1, got %d", c.WorkerPoolSize),
		})
	}

	if c.WindowWidth < 1 || c.WindowHeight < 1 || c.PluginHeight <= c.WindowHeight {
		errs = append(errs, ValidationError{
			Field:   "MORTIS_PLUGIN_HEIGHT",
			Message: fmt.Sprintf("plugin height (%d) must exceed window height (%d) and sizes must be positive", c.PluginHeight, c.WindowHeight),
		})
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, ValidationError{
			Field:   "MORTIS_LOG_LEVEL",
			Message: err.Error(),
		})
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "MORTIS_LOG_FORMAT",
			Message: fmt.Sprintf("unsupported log format: %q (must be \"text\" or \"json\")", c.LogFormat),
		})
	}

	if c.GatewayRateLimit < 0 {
		errs = append(errs, ValidationError{
			Field:   "MORTIS_GATEWAY_RATE_LIMIT",
			Message: "rate limit cannot be negative",
		})
	}

	return errs
}

// ParseLogLevel maps a level name to a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %q", s)
	}
}

// Addr returns the IPC listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConfigFile is the JSON record holding the host shortcut.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.UserDataDir, "config.json")
}

// PluginShortcutsFile is the JSON record holding the plugin-id to shortcut map.
func (c *Config) PluginShortcutsFile() string {
	return filepath.Join(c.UserDataDir, "plugin-shortcuts.json")
}

// TokenFile is where the host UI token is written at startup.
func (c *Config) TokenFile() string {
	return filepath.Join(c.UserDataDir, "ipc-token")
}

// Overrides carries command-line flag values. Zero values leave the
// environment-derived configuration untouched.
type Overrides struct {
	Port        int
	UserDataDir string
	AppDir      string
	Seed        string
	RegistryURL string
	DevMode     bool
	NoDevTools  bool
	LogLevel    string
}

// LoadWithFlags loads configuration from environment variables,
// then applies command-line flag overrides.
func LoadWithFlags(o Overrides) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if o.Port != 0 && o.Port != DefaultPort {
		cfg.Port = o.Port
	}
	if o.UserDataDir != "" {
		// Derived paths follow the new data dir unless set explicitly.
		if os.Getenv("MORTIS_PLUGIN_ROOT") == "" {
			cfg.PluginRoot = ""
		}
		if os.Getenv("MORTIS_DB") == "" {
			cfg.DB = ""
		}
		cfg.UserDataDir = o.UserDataDir
	}
	if o.AppDir != "" {
		cfg.AppDir = o.AppDir
	}
	if o.Seed != "" {
		cfg.Seed = o.Seed
	}
	if o.RegistryURL != "" {
		cfg.RegistryURL = o.RegistryURL
	}
	if o.DevMode {
		cfg.DevMode = true
	}
	if o.NoDevTools {
		cfg.DevTools = false
	}
	if o.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(o.LogLevel)
	}
	cfg.applyDerived()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}
