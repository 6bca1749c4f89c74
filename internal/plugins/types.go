// Package plugins holds the in-memory plugin registry.
//
// A plugin is described by a Descriptor: where its entry point lives, which
// capability bridge script to inject into its surface, and where it came
// from. Descriptors are registered at startup (built-in seed file and
// previously installed packages) and incrementally after installs.
package plugins

import (
	"encoding/json"
	"errors"
	"net/url"
	"path/filepath"
	"strings"
)

// Common errors returned by the registry.
var (
	ErrPluginNotFound = errors.New("plugin not found")
	ErrInvalidSeed    = errors.New("invalid plugin seed file")
)

// Origin tags where a plugin's files live.
type Origin string

const (
	// OriginLocal plugins ship with the application; relative paths resolve
	// against the application base directory.
	OriginLocal Origin = "local"

	// OriginRegistryInstalled plugins were installed into the managed package
	// root; their paths are already absolute.
	OriginRegistryInstalled Origin = "registry-installed"
)

// Descriptor is the static metadata identifying a plugin and how to load it.
type Descriptor struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	EntryPath  string `json:"entryPath"`
	BridgePath string `json:"bridgePath,omitempty"`
	Origin     Origin `json:"origin"`
	Shortcut   string `json:"shortcut,omitempty"`

	// ManifestRaw is the package manifest as read from disk, when known.
	ManifestRaw json.RawMessage `json:"manifestRaw,omitempty"`
}

// EntryURL returns the URI the surface should navigate to. Filesystem paths
// become file:// URLs; anything that already carries a scheme passes through.
func (d Descriptor) EntryURL() string {
	if hasScheme(d.EntryPath) {
		return d.EntryPath
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(d.EntryPath)}
	if !strings.HasPrefix(u.Path, "/") {
		// Drive-rooted Windows paths: file:///C:/...
		u.Path = "/" + u.Path
	}
	return u.String()
}

// hasScheme reports whether s looks like a URL rather than a path. Single
// letter schemes are treated as Windows drive letters.
func hasScheme(s string) bool {
	i := strings.Index(s, "://")
	if i <= 1 {
		return false
	}
	for _, r := range s[:i] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return false
		}
	}
	return true
}
