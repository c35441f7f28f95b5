package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MaxRecentDumps bounds the recent dump file list.
const MaxRecentDumps = 10

// Settings holds user preferences that persist across restarts.
type Settings struct {
	CrashReporting bool     `json:"crashReporting"`        // Whether to send crash reports to Sentry
	LastDevice     string   `json:"lastDevice,omitempty"`  // Name of the last reader that opened successfully
	RecentDumps    []string `json:"recentDumps,omitempty"` // Dump files last read or written, newest first
}

var (
	current *Settings
	mu      sync.RWMutex
)

// DefaultSettings returns the default settings. Crash reporting is opt-in.
func DefaultSettings() *Settings {
	return &Settings{}
}

// getSettingsPath returns the path to the settings file. SRIX_AGENT_SETTINGS overrides it.
func getSettingsPath() (string, error) {
	if path := os.Getenv("SRIX_AGENT_SETTINGS"); path != "" {
		return path, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "srix-agent", "settings.json"), nil
}

// Path returns the settings file location, empty if it cannot be determined.
func Path() string {
	path, err := getSettingsPath()
	if err != nil {
		return ""
	}
	return path
}

// Load reads settings from disk. A missing file gives defaults; an unreadable one gives
// defaults and the error.
func Load() (*Settings, error) {
	mu.Lock()
	defer mu.Unlock()
	return load()
}

// load replaces current with the file contents. The caller holds mu.
func load() (*Settings, error) {
	current = DefaultSettings()
	path, err := getSettingsPath()
	if err != nil {
		return current.clone(), err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return current.clone(), nil
	}
	if err != nil {
		return current.clone(), err
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return current.clone(), fmt.Errorf("parse settings %q: %w", path, err)
	}
	current = &s
	return current.clone(), nil
}

// Get returns a copy of the current settings, loading them on first use.
func Get() *Settings {
	mu.RLock()
	if current != nil {
		defer mu.RUnlock()
		return current.clone()
	}
	mu.RUnlock()

	s, _ := Load()
	return s
}

// SetCrashReporting updates the crash reporting preference and saves.
func SetCrashReporting(enabled bool) error {
	return update(func(s *Settings) bool {
		if s.CrashReporting == enabled {
			return false
		}
		s.CrashReporting = enabled
		return true
	})
}

// SetLastDevice records the last reader that opened successfully and saves.
func SetLastDevice(device string) error {
	return update(func(s *Settings) bool {
		if s.LastDevice == device {
			return false
		}
		s.LastDevice = device
		return true
	})
}

// AddRecentDump moves path to the front of the recent dump list and saves.
func AddRecentDump(path string) error {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return update(func(s *Settings) bool {
		if len(s.RecentDumps) > 0 && s.RecentDumps[0] == path {
			return false
		}
		recent := []string{path}
		for _, p := range s.RecentDumps {
			if p != path && len(recent) < MaxRecentDumps {
				recent = append(recent, p)
			}
		}
		s.RecentDumps = recent
		return true
	})
}

// update applies fn to the current settings and saves them when fn reports a change.
func update(fn func(*Settings) bool) error {
	mu.Lock()
	defer mu.Unlock()

	if current == nil {
		// An unreadable file is replaced on save
		_, _ = load()
	}
	if !fn(current) {
		return nil
	}
	return save(current)
}

// save writes s to disk. The caller holds mu.
func save(s *Settings) error {
	path, err := getSettingsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (s *Settings) clone() *Settings {
	c := *s
	c.RecentDumps = append([]string(nil), s.RecentDumps...)
	return &c
}
