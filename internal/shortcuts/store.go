package shortcuts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Store persists the host shortcut and the plugin shortcut map.
//
// The host shortcut lives under the "shortcut" key of a JSON config record
// that may carry other keys; those are preserved on write. The plugin map is
// a flat JSON object of plugin id to accelerator.
type Store struct {
	mu          sync.Mutex
	configPath  string
	pluginsPath string
}

// NewStore creates a store backed by the two files. Missing files read as
// empty records.
func NewStore(configPath, pluginsPath string) *Store {
	return &Store{configPath: configPath, pluginsPath: pluginsPath}
}

// HostShortcut returns the persisted host shortcut, or "" when unset.
func (s *Store) HostShortcut() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := readRecord(s.configPath)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(data, "shortcut").String(), nil
}

// SetHostShortcut writes the host shortcut, keeping other config keys.
func (s *Store) SetHostShortcut(accel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := readRecord(s.configPath)
	if err != nil {
		return err
	}
	data, err = sjson.SetBytes(data, "shortcut", accel)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", s.configPath, err)
	}
	return writeAtomic(s.configPath, data)
}

// PluginShortcuts returns the persisted plugin id to accelerator map.
func (s *Store) PluginShortcuts() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readPlugins()
}

// SetPluginShortcut records accel for pluginID. An empty accel removes the
// entry.
func (s *Store) SetPluginShortcut(pluginID, accel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readPlugins()
	if err != nil {
		return err
	}
	if accel == "" {
		delete(m, pluginID)
	} else {
		m[pluginID] = accel
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(s.pluginsPath, data)
}

func (s *Store) readPlugins() (map[string]string, error) {
	data, err := readRecord(s.pluginsPath)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.pluginsPath, err)
	}
	return m, nil
}

// readRecord returns the file's JSON object, "{}" when it does not exist.
func readRecord(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return []byte(`{}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return nil, fmt.Errorf("failed to read %s: not a JSON object", path)
	}
	return data, nil
}

// writeAtomic replaces path via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
