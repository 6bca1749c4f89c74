package plugins

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"pgregory.net/rapid"
)

func TestRegistry_RegisterResolvesLocalPaths(t *testing.T) {
	base := t.TempDir()
	r := NewRegistry(base)

	r.Register(Descriptor{
		ID:         "demo",
		Name:       "Demo",
		EntryPath:  "plugins/demo/index.html",
		BridgePath: "plugins/demo/preload.js",
	})

	got, ok := r.Get("demo")
	if !ok {
		t.Fatal("Get(demo) not found after Register")
	}
	if want := filepath.Join(base, "plugins/demo/index.html"); got.EntryPath != want {
		t.Errorf("EntryPath = %q, want %q", got.EntryPath, want)
	}
	if want := filepath.Join(base, "plugins/demo/preload.js"); got.BridgePath != want {
		t.Errorf("BridgePath = %q, want %q", got.BridgePath, want)
	}
	if got.Origin != OriginLocal {
		t.Errorf("Origin = %q, want %q", got.Origin, OriginLocal)
	}
}

func TestRegistry_RegisterPassesThroughInstalledPaths(t *testing.T) {
	r := NewRegistry(t.TempDir())

	d := Descriptor{
		ID:        "pkg",
		EntryPath: "relative/index.html",
		Origin:    OriginRegistryInstalled,
	}
	r.Register(d)

	got, _ := r.Get("pkg")
	if got.EntryPath != d.EntryPath {
		t.Errorf("EntryPath = %q, want unchanged %q", got.EntryPath, d.EntryPath)
	}
}

func TestRegistry_RegisterKeepsURLs(t *testing.T) {
	r := NewRegistry(t.TempDir())

	r.Register(Descriptor{ID: "web", EntryPath: "http://localhost:5173/"})

	got, _ := r.Get("web")
	if got.EntryPath != "http://localhost:5173/" {
		t.Errorf("EntryPath = %q, want URL unchanged", got.EntryPath)
	}
	if got.EntryURL() != "http://localhost:5173/" {
		t.Errorf("EntryURL() = %q, want URL unchanged", got.EntryURL())
	}
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	r := NewRegistry("/app")

	r.Register(Descriptor{ID: "a", Name: "first", EntryPath: "/a.html"})
	r.Register(Descriptor{ID: "b", Name: "b", EntryPath: "/b.html"})
	r.Register(Descriptor{ID: "a", Name: "second", EntryPath: "/a2.html"})

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List() len = %d, want 2", len(list))
	}
	if list[0].ID != "a" || list[0].Name != "second" {
		t.Errorf("List()[0] = %+v, want replaced a in first slot", list[0])
	}
	if list[1].ID != "b" {
		t.Errorf("List()[1].ID = %q, want b", list[1].ID)
	}
}

func TestRegistry_GetMissing(t *testing.T) {
	r := NewRegistry("/app")
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) ok = true, want false")
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry("/app")
	r.Register(Descriptor{ID: "a", EntryPath: "/a.html"})
	r.Register(Descriptor{ID: "b", EntryPath: "/b.html"})

	if err := r.Remove("a"); err != nil {
		t.Fatalf("Remove(a) error = %v", err)
	}
	if _, ok := r.Get("a"); ok {
		t.Error("Has(a) = true after Remove")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	if err := r.Remove("a"); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("Remove(a) twice error = %v, want ErrPluginNotFound", err)
	}
}

func TestRegistry_SetShortcut(t *testing.T) {
	r := NewRegistry("/app")
	r.Register(Descriptor{ID: "a", EntryPath: "/a.html"})

	if err := r.SetShortcut("a", "Ctrl+1"); err != nil {
		t.Fatalf("SetShortcut() error = %v", err)
	}
	got, _ := r.Get("a")
	if got.Shortcut != "Ctrl+1" {
		t.Errorf("Shortcut = %q, want Ctrl+1", got.Shortcut)
	}
	if err := r.SetShortcut("nope", "Ctrl+2"); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("SetShortcut(nope) error = %v, want ErrPluginNotFound", err)
	}
}

func TestDescriptor_EntryURL(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/opt/app/plugins/demo/index.html", "file:///opt/app/plugins/demo/index.html"},
		{"/path with space/index.html", "file:///path%20with%20space/index.html"},
		{"https://example.com/plugin/", "https://example.com/plugin/"},
		{"file:///already/url.html", "file:///already/url.html"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			d := Descriptor{EntryPath: tt.path}
			if got := d.EntryURL(); got != tt.want {
				t.Errorf("EntryURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseSeed(t *testing.T) {
	yamlSeed := []byte(`
plugins:
  - id: demo-plugin
    entryPath: plugins/demo/index.html
  - id: screenshot
    name: Screenshot
    entryPath: plugins/screenshot/index.html
    bridgePath: plugins/screenshot/preload.js
`)
	ds, err := ParseSeed(yamlSeed)
	if err != nil {
		t.Fatalf("ParseSeed() error = %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("ParseSeed() len = %d, want 2", len(ds))
	}
	if ds[0].Name != "demo-plugin" {
		t.Errorf("Name defaulted to %q, want id", ds[0].Name)
	}
	if ds[1].BridgePath != "plugins/screenshot/preload.js" {
		t.Errorf("BridgePath = %q", ds[1].BridgePath)
	}
	if ds[1].Origin != OriginLocal {
		t.Errorf("Origin = %q, want local", ds[1].Origin)
	}
}

func TestParseSeed_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing id":    `{"plugins":[{"entryPath":"a.html"}]}`,
		"missing entry": `{"plugins":[{"id":"a"}]}`,
		"duplicate":     `{"plugins":[{"id":"a","entryPath":"a"},{"id":"a","entryPath":"b"}]}`,
		"not a doc":     `plugins: [`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseSeed([]byte(doc)); !errors.Is(err, ErrInvalidSeed) {
				t.Errorf("ParseSeed() error = %v, want ErrInvalidSeed", err)
			}
		})
	}
}

func TestSeedFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "builtin.json")
	doc := `{"plugins":[{"id":"demo","entryPath":"demo/index.html"}]}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(dir)
	ds, err := r.SeedFromFile(path)
	if err != nil {
		t.Fatalf("SeedFromFile() error = %v", err)
	}
	if _, ok := r.Get("demo"); len(ds) != 1 || !ok {
		t.Fatalf("SeedFromFile() registered %v", ds)
	}
	if want := filepath.Join(dir, "demo/index.html"); ds[0].EntryPath != want {
		t.Errorf("EntryPath = %q, want %q", ds[0].EntryPath, want)
	}
}

// Any registration is immediately visible through Get, with local paths
// anchored at the base directory.
func TestRegistry_RegisterGetProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRegistry("/base")
		n := rapid.IntRange(1, 20).Draw(t, "n")
		ids := make(map[string]bool)

		for i := 0; i < n; i++ {
			id := rapid.StringMatching(`[a-z][a-z0-9-]{0,6}`).Draw(t, "id")
			rel := rapid.StringMatching(`[a-z]{1,5}/[a-z]{1,5}\.html`).Draw(t, "entry")
			origin := rapid.SampledFrom([]Origin{OriginLocal, OriginRegistryInstalled}).Draw(t, "origin")
			r.Register(Descriptor{ID: id, EntryPath: rel, Origin: origin})
			ids[id] = true

			got, ok := r.Get(id)
			if !ok {
				t.Fatalf("Get(%q) missing right after Register", id)
			}
			want := rel
			if origin == OriginLocal {
				want = filepath.Join("/base", rel)
			}
			if got.EntryPath != want {
				t.Fatalf("EntryPath = %q, want %q", got.EntryPath, want)
			}
		}

		if r.Len() != len(ids) {
			t.Fatalf("Len() = %d, want %d distinct ids", r.Len(), len(ids))
		}
	})
}
