// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"agcx/internal/compress"
)

// Settings are the tunables read from <data dir>/config.yaml. Every
// field has a working default; a missing file means all defaults.
type Settings struct {
	AutoSaveEnabled         *bool  `yaml:"auto_save_enabled"`
	AutoSaveIntervalSeconds int    `yaml:"auto_save_interval_seconds"`
	MemoryBudgetBytes       uint64 `yaml:"memory_budget_bytes"`
	CompressionLevel        string `yaml:"compression_level"`
	MmapThresholdBytes      int64  `yaml:"mmap_threshold_bytes"`
	MaxSessions             int    `yaml:"max_sessions"`
	MaxTotalSizeBytes       int64  `yaml:"max_total_size_bytes"`
	MRULimit                int    `yaml:"mru_limit"`
}

// Config holds resolved paths plus the loaded settings.
type Config struct {
	HomeDir    string
	DataDir    string
	ConfigPath string
	Settings   Settings
}

// DefaultSettings returns the built-in configuration.
func DefaultSettings() Settings {
	enabled := true
	return Settings{
		AutoSaveEnabled:         &enabled,
		AutoSaveIntervalSeconds: 30,
		MemoryBudgetBytes:       100 << 20,
		CompressionLevel:        "balanced",
		MmapThresholdBytes:      4 << 20,
		MaxSessions:             0,
		MaxTotalSizeBytes:       0,
		MRULimit:                100,
	}
}

// AutoSave reports whether periodic saving is on.
func (s Settings) AutoSave() bool {
	return s.AutoSaveEnabled == nil || *s.AutoSaveEnabled
}

// AutoSaveInterval returns the save period as a duration.
func (s Settings) AutoSaveInterval() time.Duration {
	return time.Duration(s.AutoSaveIntervalSeconds) * time.Second
}

// Level returns the configured compression level.
func (s Settings) Level() compress.Level {
	lvl, err := compress.ParseLevel(s.CompressionLevel)
	if err != nil {
		return compress.LevelBalanced
	}
	return lvl
}

// Load resolves the data directory, creates it, and reads config.yaml if
// one exists. The directory is AGCX_DATA_DIR when set, otherwise
// $XDG_DATA_HOME/agcx, otherwise the platform default under the home
// directory.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := resolveDataDir(home)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}

	cfg := &Config{
		HomeDir:    home,
		DataDir:    dataDir,
		ConfigPath: filepath.Join(dataDir, "config.yaml"),
		Settings:   DefaultSettings(),
	}

	if _, err := os.Stat(cfg.ConfigPath); err == nil {
		settings, err := LoadSettings(cfg.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg.Settings = *settings
	}
	return cfg, nil
}

func resolveDataDir(home string) string {
	if dir := os.Getenv("AGCX_DATA_DIR"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "agcx")
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "agcx")
	}
	return filepath.Join(home, ".local", "share", "agcx")
}

// envPattern matches ${VAR} and ${VAR:-default} expressions.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-((?:[^}\\]|\\.)*))?\}`)

// LoadSettings reads a YAML settings file, expands environment
// variables, and fills unset fields with defaults.
func LoadSettings(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, fmt.Errorf("config: expanding variables in %s: %w", path, err)
	}

	settings := DefaultSettings()
	if err := yaml.Unmarshal(expanded, &settings); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	settings.normalize()
	return &settings, nil
}

// normalize replaces out-of-range values with defaults so a bad file
// degrades instead of breaking saves.
func (s *Settings) normalize() {
	def := DefaultSettings()
	if s.AutoSaveIntervalSeconds <= 0 {
		s.AutoSaveIntervalSeconds = def.AutoSaveIntervalSeconds
	}
	if s.MmapThresholdBytes <= 0 {
		s.MmapThresholdBytes = def.MmapThresholdBytes
	}
	if s.MRULimit <= 0 {
		s.MRULimit = def.MRULimit
	}
	if s.MaxSessions < 0 {
		s.MaxSessions = 0
	}
	if s.MaxTotalSizeBytes < 0 {
		s.MaxTotalSizeBytes = 0
	}
	if _, err := compress.ParseLevel(s.CompressionLevel); err != nil {
		log.Printf("[Config] unknown compression_level %q, using balanced", s.CompressionLevel)
		s.CompressionLevel = def.CompressionLevel
	}
}

// expandEnv replaces ${VAR} and ${VAR:-default} patterns in raw YAML
// bytes. Returns an error listing all unresolved variables.
func expandEnv(raw []byte) ([]byte, error) {
	var errs []error

	result := envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		subs := envPattern.FindSubmatch(match)
		name := string(subs[1])
		hasDefault := len(subs) > 2 && subs[2] != nil
		defaultVal := ""
		if hasDefault {
			defaultVal = string(subs[2])
		}

		value, ok := os.LookupEnv(name)
		if ok {
			return []byte(value)
		}

		if hasDefault {
			return []byte(defaultVal)
		}

		errs = append(errs, fmt.Errorf("unresolved variable: %s", name))
		return match
	})

	return result, errors.Join(errs...)
}
