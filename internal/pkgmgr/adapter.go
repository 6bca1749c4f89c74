// Package pkgmgr drives an npm-compatible package manager to install,
// uninstall and enumerate plugin packages under a managed root directory.
//
// Every package-manager run captures combined stdout/stderr into a single
// buffer and succeeds or fails on exit code alone. Runs against the managed
// root are serialized: one package-manager process at a time.
package pkgmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	slogctx "github.com/veqryn/slog-context"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rjsadow/mortis/internal/plugins"
)

// Mode is the kind of package-manager run.
type Mode string

const (
	ModeInstall   Mode = "install"
	ModeUninstall Mode = "uninstall"
	ModeLink      Mode = "link"
	ModeUnlink    Mode = "unlink"
)

// Defaults
const (
	DefaultRegistry     = "https://registry.npmmirror.com/"
	DefaultCommand      = "npm"
	DefaultTimeout      = 5 * time.Minute
	DefaultFetchTimeout = 10 * time.Second
	DefaultFetchRetries = 3
	DefaultWorkers      = 8

	packagesDir  = "node_modules"
	manifestFile = "plugin.json"
	packageFile  = "package.json"
)

// Job is one package-manager invocation. It exists only for the duration
// of the call and is returned for diagnostics.
type Job struct {
	Mode     Mode          `json:"mode"`
	Names    []string      `json:"names"`
	Dir      string        `json:"dir"`
	Args     []string      `json:"args"`
	ExitCode int           `json:"exitCode"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"durationNs"`
}

// Metrics observes package-manager runs.
type Metrics interface {
	ObserveJob(mode string, ok bool, d time.Duration)
}

// Options configures an Adapter.
type Options struct {
	Root         string // managed package root
	Registry     string // registry mirror, must end with "/"
	Command      string // package manager executable
	DevMode      bool   // link/unlink instead of install/uninstall
	Timeout      time.Duration
	FetchTimeout time.Duration
	FetchRetries int
	Workers      int

	Runner     Runner
	HTTPClient *http.Client
	Metrics    Metrics
	Tracer     trace.Tracer
}

// Adapter wraps the package manager.
type Adapter struct {
	root     string
	registry string
	command  string
	devMode  bool
	timeout  time.Duration
	retries  int

	runner  Runner
	client  *http.Client
	metrics Metrics
	tracer  trace.Tracer
	schema  *jsonschema.Schema
	pool    *ants.Pool

	// jobs serializes package-manager runs against the managed root.
	jobs sync.Mutex
}

// New creates an Adapter.
func New(opts Options) (*Adapter, error) {
	if opts.Root == "" {
		return nil, errors.New("package root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve package root: %w", err)
	}

	a := &Adapter{
		root:     root,
		registry: opts.Registry,
		command:  opts.Command,
		devMode:  opts.DevMode,
		timeout:  opts.Timeout,
		retries:  opts.FetchRetries,
		runner:   opts.Runner,
		client:   opts.HTTPClient,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
	}
	if a.registry == "" {
		a.registry = DefaultRegistry
	}
	if !strings.HasSuffix(a.registry, "/") {
		a.registry += "/"
	}
	if a.command == "" {
		a.command = DefaultCommand
	}
	if a.timeout <= 0 {
		a.timeout = DefaultTimeout
	}
	if a.retries < 0 {
		a.retries = 0
	}
	if a.runner == nil {
		a.runner = ExecRunner{}
	}
	if a.client == nil {
		fetchTimeout := opts.FetchTimeout
		if fetchTimeout <= 0 {
			fetchTimeout = DefaultFetchTimeout
		}
		a.client = &http.Client{Timeout: fetchTimeout}
	}
	if a.tracer == nil {
		a.tracer = noop.NewTracerProvider().Tracer("mortis/pkgmgr")
	}

	a.schema, err = compileManifestSchema()
	if err != nil {
		return nil, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	a.pool, err = ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return a, nil
}

// Close releases the worker pool.
func (a *Adapter) Close() {
	a.pool.Release()
}

// Root returns the absolute managed package root.
func (a *Adapter) Root() string {
	return a.root
}

// IsLocalPath reports whether a install argument names a directory on disk
// (absolute or drive-rooted) rather than a registry package.
func IsLocalPath(arg string) bool {
	return strings.Contains(arg, `:\`) || strings.HasPrefix(arg, "/") || filepath.IsAbs(arg)
}

// Install installs names into the managed root. When the first name is a
// local path the package is linked instead of copied.
func (a *Adapter) Install(ctx context.Context, names []string) (*Job, error) {
	if len(names) == 0 {
		return nil, ErrNoPackages
	}
	if IsLocalPath(names[0]) {
		return a.link(ctx, names[0])
	}
	mode := ModeInstall
	if a.devMode {
		mode = ModeLink
	}
	return a.run(ctx, mode, names, ErrInstallFailed)
}

// Uninstall removes names from the managed root.
func (a *Adapter) Uninstall(ctx context.Context, names []string) (*Job, error) {
	if len(names) == 0 {
		return nil, ErrNoPackages
	}
	mode := ModeUninstall
	if a.devMode {
		mode = ModeUnlink
	}
	return a.run(ctx, mode, names, ErrUninstallFailed)
}

// link wires a local development plugin into the managed root: the package
// manager's link runs inside the source directory, then link <name> runs
// inside the root.
func (a *Adapter) link(ctx context.Context, src string) (*Job, error) {
	data, err := os.ReadFile(filepath.Join(src, packageFile))
	if err != nil {
		return nil, &CommandError{Mode: ModeLink, Names: []string{src}, ExitCode: -1, Err: err, kind: ErrInstallFailed}
	}
	name := gjson.GetBytes(data, "name").String()
	if name == "" {
		return nil, &CommandError{
			Mode: ModeLink, Names: []string{src}, ExitCode: -1,
			Err: fmt.Errorf("%s has no package name", filepath.Join(src, packageFile)), kind: ErrInstallFailed,
		}
	}

	a.jobs.Lock()
	defer a.jobs.Unlock()

	if _, err := a.exec(ctx, src, ModeLink, nil, []string{string(ModeLink)}, ErrInstallFailed); err != nil {
		return nil, err
	}
	return a.execInRoot(ctx, ModeLink, []string{name}, ErrInstallFailed)
}

func (a *Adapter) run(ctx context.Context, mode Mode, names []string, kind error) (*Job, error) {
	a.jobs.Lock()
	defer a.jobs.Unlock()
	return a.execInRoot(ctx, mode, names, kind)
}

// execInRoot runs one job in the managed root. Caller holds a.jobs.
func (a *Adapter) execInRoot(ctx context.Context, mode Mode, names []string, kind error) (*Job, error) {
	if err := a.ensureRoot(); err != nil {
		return nil, &CommandError{Mode: mode, Names: names, ExitCode: -1, Err: err, kind: kind}
	}
	return a.exec(ctx, a.root, mode, names, a.args(mode, names), kind)
}

// args builds the package-manager arguments. Installs are pinned to
// latest; every run saves to the root manifest and targets the mirror.
func (a *Adapter) args(mode Mode, names []string) []string {
	args := []string{string(mode)}
	for _, n := range names {
		if mode == ModeInstall {
			n += "@latest"
		}
		args = append(args, n)
	}
	return append(args, "--save", "--registry="+a.registry)
}

func (a *Adapter) exec(ctx context.Context, dir string, mode Mode, names, args []string, kind error) (*Job, error) {
	ctx, span := a.tracer.Start(ctx, "pkgmgr."+string(mode), trace.WithAttributes(
		attribute.StringSlice("pkgmgr.names", names),
		attribute.String("pkgmgr.dir", dir),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	log := slogctx.FromCtx(ctx)
	log.Info("Running package manager", "command", a.command, "args", args, "dir", dir)

	start := time.Now()
	code, out, err := a.runner.Run(ctx, dir, a.command, args...)
	job := &Job{
		Mode:     mode,
		Names:    names,
		Dir:      dir,
		Args:     args,
		ExitCode: code,
		Output:   string(out),
		Duration: time.Since(start),
	}
	ok := err == nil && code == 0
	if a.metrics != nil {
		a.metrics.ObserveJob(string(mode), ok, job.Duration)
	}
	if ok {
		log.Info("Package manager finished", "mode", mode, "duration", job.Duration)
		return job, nil
	}

	cerr := &CommandError{Mode: mode, Names: names, ExitCode: code, Output: job.Output, Err: err, kind: kind}
	span.RecordError(cerr)
	span.SetStatus(codes.Error, fmt.Sprintf("exit code %d", code))
	log.Error("Package manager failed", "mode", mode, "exit_code", code, "error", err)
	return job, cerr
}

// ensureRoot creates the managed root and a package.json so --save has a
// manifest to write to.
func (a *Adapter) ensureRoot() error {
	if err := os.MkdirAll(a.root, 0o755); err != nil {
		return fmt.Errorf("create package root: %w", err)
	}
	path := filepath.Join(a.root, packageFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	doc, _ := sjson.SetBytes([]byte(`{}`), "name", "mortis-plugins")
	doc, _ = sjson.SetBytes(doc, "private", true)
	doc, _ = sjson.SetRawBytes(doc, "dependencies", []byte(`{}`))
	return os.WriteFile(path, doc, 0o644)
}

// List returns the installed package names. A missing package directory
// yields an empty list.
func (a *Adapter) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(a.root, packagesDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read package directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "@") {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// PackageDir resolves the canonical on-disk directory of an installed
// package, following links made by link installs.
func (a *Adapter) PackageDir(name string) (string, error) {
	dir := filepath.Join(a.root, packagesDir, name)
	if !strings.HasPrefix(dir, filepath.Join(a.root, packagesDir)+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid package name %q", name)
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// Info returns the plugin manifest of name: the installed copy when present
// and valid, else the registry mirror's copy.
func (a *Adapter) Info(ctx context.Context, name string) (*Manifest, error) {
	log := slogctx.FromCtx(ctx)

	if dir, err := a.PackageDir(name); err == nil {
		data, err := os.ReadFile(filepath.Join(dir, manifestFile))
		if err == nil {
			m, perr := parseManifest(a.schema, data)
			if perr == nil {
				return m, nil
			}
			log.Warn("Ignoring invalid local manifest", "package", name, "error", perr)
		}
	}

	m, err := a.fetchManifest(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInfoUnavailable, name, err)
	}
	return m, nil
}

// fetchManifest GETs <registry><name>/plugin.json, retrying transient
// failures with exponential backoff.
func (a *Adapter) fetchManifest(ctx context.Context, name string) (*Manifest, error) {
	url := a.registry + name + "/" + manifestFile

	var data []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("GET %s: %s", url, resp.Status)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("GET %s: %s", url, resp.Status))
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(a.retries)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return parseManifest(a.schema, data)
}

// Descriptor builds the registry descriptor of an installed package from
// its manifest, falling back to package.json's main field.
func (a *Adapter) Descriptor(ctx context.Context, name string) (plugins.Descriptor, error) {
	dir, err := a.PackageDir(name)
	if err != nil {
		return plugins.Descriptor{}, err
	}

	d := plugins.Descriptor{ID: name, Name: name, Origin: plugins.OriginRegistryInstalled}

	if data, err := os.ReadFile(filepath.Join(dir, manifestFile)); err == nil {
		m, err := parseManifest(a.schema, data)
		if err != nil {
			return plugins.Descriptor{}, fmt.Errorf("%s: %w", name, err)
		}
		d.Name = m.Name
		d.EntryPath = filepath.Join(dir, m.Main)
		if m.Preload != "" {
			d.BridgePath = filepath.Join(dir, m.Preload)
		}
		d.Shortcut = m.Shortcut
		d.ManifestRaw = m.Raw
		return d, nil
	}

	pkg, err := os.ReadFile(filepath.Join(dir, packageFile))
	if err != nil {
		return plugins.Descriptor{}, fmt.Errorf("%s: no %s or %s", name, manifestFile, packageFile)
	}
	if n := gjson.GetBytes(pkg, "name").String(); n != "" {
		d.Name = n
	}
	main := gjson.GetBytes(pkg, "main").String()
	if main == "" {
		main = "index.html"
	}
	d.EntryPath = filepath.Join(dir, main)
	return d, nil
}

// Descriptors builds descriptors for every installed package, reading
// manifests concurrently. Packages whose manifest cannot be read are
// logged and skipped. Results keep List order.
func (a *Adapter) Descriptors(ctx context.Context) ([]plugins.Descriptor, error) {
	names, err := a.List(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*plugins.Descriptor, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		i, name := i, name
		task := func() {
			defer wg.Done()
			d, err := a.Descriptor(ctx, name)
			if err != nil {
				slogctx.FromCtx(ctx).Warn("Skipping installed package", "package", name, "error", err)
				return
			}
			results[i] = &d
		}
		if err := a.pool.Submit(task); err != nil {
			// Pool released during shutdown; finish inline.
			task()
		}
	}
	wg.Wait()

	out := make([]plugins.Descriptor, 0, len(names))
	for _, d := range results {
		if d != nil {
			out = append(out, *d)
		}
	}
	return out, nil
}
