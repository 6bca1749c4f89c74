// Package cli holds the mortis command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rjsadow/mortis/internal/config"
	"github.com/rjsadow/mortis/internal/pkgmgr"
)

var (
	Version   = "dev"     // Overridden by ldflags
	BuildTime = "unknown" // Overridden by ldflags
)

// rootOptions is shared by every command in the tree.
type rootOptions struct {
	overrides config.Overrides
	logFormat string

	// cfg is populated by the root PersistentPreRunE.
	cfg *config.Config

	// runner replaces the package manager subprocess when set.
	runner pkgmgr.Runner
}

// NewRootCommand builds the mortis command tree. Running it without a
// subcommand serves the plugin host.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&rootOptions{})
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mortis",
		Short: "Mortis - plugin host runtime for a launcher window",
		Long: `Mortis hosts launcher plugins in isolated surfaces below a single input
window. It loads one plugin at a time, relays messages between plugins and
the host UI, installs plugin packages through the package manager and binds
global shortcuts.

The host UI shell attaches over a websocket; everything else is reached
through the local IPC listener.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithFlags(opts.overrides)
			if err != nil {
				return fmt.Errorf("configuration error:\n%w", err)
			}
			if cmd.Flags().Changed("log-format") {
				cfg.LogFormat = opts.logFormat
			}
			opts.cfg = cfg

			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts.cfg)
		},
	}

	rootCmd.SetVersionTemplate(fmt.Sprintf("{{.Name}} version {{.Version}}\nBuild time: %s\nGo version: %s\nPlatform: %s/%s\n",
		BuildTime, goVersion(), runtime.GOOS, runtime.GOARCH))

	flags := rootCmd.PersistentFlags()
	flags.IntVar(&opts.overrides.Port, "port", config.DefaultPort, "IPC listen port")
	flags.StringVar(&opts.overrides.UserDataDir, "user-data", "", "directory holding config, shortcuts, token and database")
	flags.StringVar(&opts.overrides.AppDir, "app-dir", "", "base directory for relative paths of built-in plugins")
	flags.StringVar(&opts.overrides.Seed, "seed", "", "built-in plugin descriptors (JSON or YAML)")
	flags.StringVar(&opts.overrides.RegistryURL, "registry", "", "package registry mirror")
	flags.BoolVar(&opts.overrides.DevMode, "dev", false, "link and unlink local plugin packages instead of installing")
	flags.BoolVar(&opts.overrides.NoDevTools, "no-devtools", false, "do not open the inspector on loaded plugins")
	flags.StringVar(&opts.overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", config.DefaultLogFormat, "log format (text, json)")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newPluginCommand(opts))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// goVersion returns the Go version used to build the binary
func goVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.GoVersion
	}
	return "unknown"
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Skips configuration loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", titleStyle.Render("mortis"), Version)
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Build time:"), BuildTime)
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Go version:"), goVersion())
			fmt.Fprintf(out, "%s %s/%s\n", labelStyle.Render("Platform:"), runtime.GOOS, runtime.GOARCH)
		},
	}
}

// Execute runs the command tree until it finishes or the process is
// interrupted, and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		return 1
	}
	return 0
}
