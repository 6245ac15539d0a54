// Package config persists wikiseek settings.
//
// Configuration is stored as a versioned JSON envelope:
//
//	{"version": 1, "config": { ... }}
//
// Fields missing from the file keep their defaults. Every Save rewrites
// the whole file atomically via temp file + rename.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const currentVersion = 1

var (
	ErrUnknownKey   = errors.New("unknown config key")
	ErrInvalidValue = errors.New("invalid config value")
)

// Config holds the settings commands fall back to when a flag is not
// given.
type Config struct {
	// IndexDir overrides where title indexes are kept. Empty means the
	// home directory's indexes/ subdirectory.
	IndexDir string `json:"index_dir"`

	// Workers is the number of fetch goroutines for indexed searches.
	Workers int `json:"workers"`

	// MaxRecordBytes bounds a single <page> record.
	MaxRecordBytes int `json:"max_record_bytes"`

	// FrameSize is the uncompressed frame size used by recompress.
	FrameSize int `json:"frame_size"`

	// PreviewChars is how much cleaned text a result shows without
	// --full-text.
	PreviewChars int `json:"preview_chars"`

	// DefaultArchive is searched when --archive is not given.
	DefaultArchive string `json:"default_archive"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Workers:        4,
		MaxRecordBytes: 64 << 20,
		FrameSize:      1 << 20,
		PreviewChars:   500,
	}
}

// Keys returns the settable keys in display order.
func Keys() []string {
	return []string{"index_dir", "workers", "max_record_bytes", "frame_size", "preview_chars", "default_archive"}
}

// Set parses value and assigns it to the field named by key.
func (c *Config) Set(key, value string) error {
	switch key {
	case "index_dir":
		c.IndexDir = value
	case "default_archive":
		c.DefaultArchive = value
	case "workers", "max_record_bytes", "frame_size", "preview_chars":
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return fmt.Errorf("%w for %s: %q is not a non-negative integer", ErrInvalidValue, key, value)
		}
		switch key {
		case "workers":
			c.Workers = n
		case "max_record_bytes":
			c.MaxRecordBytes = n
		case "frame_size":
			c.FrameSize = n
		case "preview_chars":
			c.PreviewChars = n
		}
	default:
		return fmt.Errorf("%w %q (valid keys: %s)", ErrUnknownKey, key, strings.Join(Keys(), ", "))
	}
	return nil
}

// Get returns the value of key formatted for display.
func (c Config) Get(key string) (string, error) {
	switch key {
	case "index_dir":
		return c.IndexDir, nil
	case "default_archive":
		return c.DefaultArchive, nil
	case "workers":
		return strconv.Itoa(c.Workers), nil
	case "max_record_bytes":
		return strconv.Itoa(c.MaxRecordBytes), nil
	case "frame_size":
		return strconv.Itoa(c.FrameSize), nil
	case "preview_chars":
		return strconv.Itoa(c.PreviewChars), nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownKey, key)
}

// envelope is the versioned on-disk format.
type envelope struct {
	Version int     `json:"version"`
	Config  *Config `json:"config"`
}

// Store reads and writes the config file at one path.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the config file. A missing file yields Defaults.
func (s *Store) Load() (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	env := envelope{Config: &cfg}
	if err := json.Unmarshal(data, &env); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", s.path, err)
	}
	if env.Version == 0 {
		return Config{}, fmt.Errorf("unversioned config file detected; delete %s to start from defaults", s.path)
	}
	if env.Version > currentVersion {
		return Config{}, fmt.Errorf("config file version %d is newer than supported version %d", env.Version, currentVersion)
	}
	if env.Config == nil {
		return Defaults(), nil
	}
	return *env.Config, nil
}

// Save atomically writes cfg with round-trip validation.
func (s *Store) Save(cfg Config) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	env := envelope{Version: currentVersion, Config: &cfg}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	// Round-trip validation: re-read and verify valid JSON.
	check, err := os.ReadFile(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("read-back temp file: %w", err)
	}
	var verify envelope
	if err := json.Unmarshal(check, &verify); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("round-trip validation failed: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}
