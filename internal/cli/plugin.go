package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/rjsadow/mortis/internal/config"
	"github.com/rjsadow/mortis/internal/pkgmgr"
	"github.com/rjsadow/mortis/internal/plugins"
)

func newPluginCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Manage installed plugin packages",
		Long: `Manage plugin packages in the managed package root.

These commands drive the package manager directly; a running host picks up
the change the next time the UI lists installed plugins.`,
	}

	cmd.AddCommand(newPluginInstallCommand(opts))
	cmd.AddCommand(newPluginUninstallCommand(opts))
	cmd.AddCommand(newPluginListCommand(opts))
	cmd.AddCommand(newPluginInfoCommand(opts))

	return cmd
}

// newAdapter builds a package adapter from the loaded configuration.
func newAdapter(opts *rootOptions) (*pkgmgr.Adapter, error) {
	return pkgmgr.New(adapterOptions(opts.cfg, opts.runner))
}

func adapterOptions(cfg *config.Config, runner pkgmgr.Runner) pkgmgr.Options {
	return pkgmgr.Options{
		Root:         cfg.PluginRoot,
		Registry:     cfg.RegistryURL,
		Command:      cfg.NPMCommand,
		DevMode:      cfg.DevMode,
		Timeout:      cfg.PackageJobTimeout,
		FetchTimeout: cfg.ManifestFetchTimeout,
		FetchRetries: cfg.ManifestFetchRetries,
		Workers:      cfg.WorkerPoolSize,
		Runner:       runner,
	}
}

func newPluginInstallCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install <name|path>...",
		Short: "Install plugin packages from the registry or a local directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAdapter(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.Install(cmd.Context(), args)
			return reportJob(cmd.OutOrStdout(), "Installed", args, job, err)
		},
	}
}

func newPluginUninstallCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "uninstall <name>...",
		Aliases: []string{"remove", "rm"},
		Short:   "Remove installed plugin packages",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAdapter(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.Uninstall(cmd.Context(), args)
			return reportJob(cmd.OutOrStdout(), "Uninstalled", args, job, err)
		},
	}
}

// reportJob prints the package manager output and the outcome.
func reportJob(w io.Writer, verb string, names []string, job *pkgmgr.Job, err error) error {
	output := ""
	if job != nil {
		output = job.Output
	}
	var cmdErr *pkgmgr.CommandError
	if errors.As(err, &cmdErr) {
		output = cmdErr.Output
	}
	if out := strings.TrimSpace(output); out != "" {
		fmt.Fprintln(w, outputStyle.Render(out))
		if cmdErr != nil && cmdErr.Err == nil {
			// The output above already carries the diagnostics.
			return fmt.Errorf("%s %s exited with code %d", cmdErr.Mode, strings.Join(names, " "), cmdErr.ExitCode)
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(w, successStyle.Render(fmt.Sprintf("✓ %s %s", verb, strings.Join(names, ", "))))
	return nil
}

func newPluginListCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List installed plugin packages",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAdapter(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			descs, err := a.Descriptors(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(descs)
			}
			renderPluginTable(cmd.OutOrStdout(), a.Root(), descs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print descriptors as JSON")
	return cmd
}

func renderPluginTable(w io.Writer, root string, descs []plugins.Descriptor) {
	if len(descs) == 0 {
		fmt.Fprintf(w, "No plugins installed in %s\n", root)
		return
	}

	idWidth, nameWidth := len("ID"), len("NAME")
	for _, d := range descs {
		idWidth = max(idWidth, lipgloss.Width(d.ID))
		nameWidth = max(nameWidth, lipgloss.Width(d.Name))
	}
	idCol := lipgloss.NewStyle().Width(idWidth + 2)
	nameCol := lipgloss.NewStyle().Width(nameWidth + 2)

	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Installed plugins (%d)", len(descs))))
	fmt.Fprintln(w, lipgloss.JoinHorizontal(lipgloss.Top,
		idCol.Render(headerStyle.Render("ID")),
		nameCol.Render(headerStyle.Render("NAME")),
		headerStyle.Render("SHORTCUT"),
	))
	for _, d := range descs {
		shortcut := d.Shortcut
		if shortcut == "" {
			shortcut = labelStyle.Render("-")
		}
		fmt.Fprintln(w, lipgloss.JoinHorizontal(lipgloss.Top,
			idCol.Render(d.ID),
			nameCol.Render(d.Name),
			shortcut,
		))
	}
}

func newPluginInfoCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <name>",
		Short: "Show a plugin's manifest",
		Long: `Show a plugin's manifest. The installed copy is used when present,
otherwise the manifest is fetched from the registry mirror.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAdapter(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.Info(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			title := m.Name
			if m.Version != "" {
				title += "@" + m.Version
			}
			fmt.Fprintln(out, titleStyle.Render(title))
			if m.Description != "" {
				fmt.Fprintln(out, m.Description)
			}
			var buf bytes.Buffer
			if err := json.Indent(&buf, m.Raw, "", "  "); err != nil {
				return fmt.Errorf("malformed manifest: %w", err)
			}
			fmt.Fprintln(out, buf.String())
			return nil
		},
	}
}
