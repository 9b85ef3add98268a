package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// SettingsStore persists user settings by dotted key ("server.port").
type SettingsStore interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

func settingsPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", "leadscore.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "leadscore", "config.yaml")
}

// settingsFile keeps settings as a YAML document with one mapping per
// section:
//
//	server:
//	  port: 4200
//	analyzer:
//	  backend: openai
type settingsFile struct {
	path     string
	sections map[string]map[string]any
}

// openSettingsFile reads path if it exists. An unreadable or malformed file
// is logged and treated as empty so defaults still apply.
func openSettingsFile(path string) *settingsFile {
	f := &settingsFile{path: path, sections: map[string]map[string]any{}}
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		slog.Warn("config file unreadable, using defaults", "path", path, "error", err)
	default:
		if err := yaml.Unmarshal(raw, &f.sections); err != nil {
			slog.Warn("config file is not valid YAML, using defaults", "path", path, "error", err)
			f.sections = map[string]map[string]any{}
		}
	}
	return f
}

func splitKey(key string) (section, name string, err error) {
	section, name, ok := strings.Cut(key, ".")
	if !ok || section == "" || name == "" {
		return "", "", fmt.Errorf("config key %q must look like section.name", key)
	}
	return section, name, nil
}

func (f *settingsFile) lookup(key string) (any, bool) {
	section, name, err := splitKey(key)
	if err != nil {
		return nil, false
	}
	v, ok := f.sections[section][name]
	return v, ok && v != nil
}

func (f *settingsFile) GetString(key string) (string, bool, error) {
	v, ok := f.lookup(key)
	if !ok {
		return "", false, nil
	}
	if s, isString := v.(string); isString {
		return s, true, nil
	}
	return fmt.Sprint(v), true, nil
}

func (f *settingsFile) GetInt(key string) (int, bool, error) {
	v, ok := f.lookup(key)
	if !ok {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, true, fmt.Errorf("%s: %q is not an integer", key, n)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("%s: %v (%T) is not an integer", key, v, v)
	}
}

func (f *settingsFile) set(key string, v any) error {
	section, name, err := splitKey(key)
	if err != nil {
		return err
	}
	if f.sections[section] == nil {
		f.sections[section] = map[string]any{}
	}
	f.sections[section][name] = v
	return f.write()
}

func (f *settingsFile) SetString(key, val string) error { return f.set(key, val) }

func (f *settingsFile) SetInt(key string, val int) error { return f.set(key, val) }

func (f *settingsFile) Delete(key string) error {
	section, name, err := splitKey(key)
	if err != nil {
		return err
	}
	delete(f.sections[section], name)
	if len(f.sections[section]) == 0 {
		delete(f.sections, section)
	}
	return f.write()
}

// write replaces the file through a rename.
func (f *settingsFile) write() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	out, err := yaml.Marshal(f.sections)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}
