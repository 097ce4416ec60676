// Package config loads and persists the unified lst configuration.
//
// A single TOML file (default ~/.config/lst/lst.toml, overridable with the
// LST_CONFIG environment variable) carries the settings for every lst
// process on the machine: content paths, sync daemon settings, stored
// credentials, and the relay server section. Missing fields are filled with
// defaults; a generated device_id is written back on first load so that it
// stays stable across restarts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "LST_CONFIG"

// Defaults for the sync section.
const (
	DefaultSyncInterval = 30 * time.Second
	DefaultMaxFileSize  = 1 << 20 // 1 MiB
	KeyFileName         = "lst-master-key"
)

// Config is the root of the TOML document.
type Config struct {
	Paths  PathSettings   `toml:"paths"`
	Sync   SyncSettings   `toml:"sync"`
	Auth   AuthState      `toml:"auth"`
	Server ServerSettings `toml:"server"`

	// path the config was loaded from; used by Save.
	path string
}

// PathSettings locates the user's content on disk.
type PathSettings struct {
	// ContentDir is the root that holds lists/ and notes/.
	ContentDir string `toml:"content_dir"`
}

// SyncSettings configures the endpoint sync agent.
type SyncSettings struct {
	// URL is the relay server base URL (http:// or https://).
	URL string `toml:"url,omitempty"`

	// IntervalSeconds between periodic sync runs.
	IntervalSeconds int `toml:"interval_seconds"`

	// MaxFileSize in bytes; larger files are skipped by the watcher.
	MaxFileSize int64 `toml:"max_file_size"`

	// DeviceID identifies this endpoint in change frames.
	DeviceID string `toml:"device_id"`

	// DatabasePath is the endpoint sync.db location.
	DatabasePath string `toml:"database_path"`

	// EncryptionKeyPath is the base64 key file location.
	EncryptionKeyPath string `toml:"encryption_key_path"`
}

// Interval returns the sync interval as a duration.
func (s SyncSettings) Interval() time.Duration {
	if s.IntervalSeconds <= 0 {
		return DefaultSyncInterval
	}
	return time.Duration(s.IntervalSeconds) * time.Second
}

// AuthState is the persisted credential material for this endpoint.
// The auth token is kept so the encryption key can be re-derived; the JWT
// is kept until it expires and is refreshed by logging in again.
type AuthState struct {
	Email        string    `toml:"email,omitempty"`
	AuthToken    string    `toml:"auth_token,omitempty"`
	JWT          string    `toml:"jwt,omitempty"`
	JWTExpiresAt time.Time `toml:"jwt_expires_at,omitempty"`
}

// JWTValid reports whether a bearer is present and not yet expired.
func (a AuthState) JWTValid() bool {
	return a.JWT != "" && time.Now().Before(a.JWTExpiresAt)
}

// ServerSettings configures the relay server binary.
type ServerSettings struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	DatabasePath string `toml:"database_path"`
	JWTSecret    string `toml:"jwt_secret"`
}

// Addr returns the host:port listen address.
func (s ServerSettings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultPath returns the config file location, honoring LST_CONFIG.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return expandHome(p)
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "lst", "lst.toml")
}

// DataDir returns the per-platform data directory that holds sync.db and
// the encryption key file.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "lst")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "lst-data"
	}
	return filepath.Join(home, ".local", "share", "lst")
}

// Load reads the config at path, creating it with defaults if absent.
// Missing sync fields (device id, database path, key path) are filled in
// and persisted so every later load sees the same identity.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	path = expandHome(path)

	cfg := defaults()
	cfg.path = path

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	changed := cfg.fillSyncDefaults()
	if changed {
		if err := cfg.Save(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Save writes the config back to the file it was loaded from.
func (c *Config) Save() error {
	if c.path == "" {
		c.path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(c.path), ".lst.toml-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmp := f.Name()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ContentDir returns the resolved content root.
func (c *Config) ContentDir() string {
	if c.Paths.ContentDir != "" {
		return expandHome(c.Paths.ContentDir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "lst"
	}
	return filepath.Join(home, "lst")
}

func defaults() *Config {
	return &Config{
		Sync: SyncSettings{
			IntervalSeconds: int(DefaultSyncInterval / time.Second),
			MaxFileSize:     DefaultMaxFileSize,
		},
		Server: ServerSettings{
			Host: "127.0.0.1",
			Port: 5673,
		},
	}
}

func (c *Config) fillSyncDefaults() bool {
	changed := false
	if c.Sync.DeviceID == "" {
		c.Sync.DeviceID = uuid.NewString()
		changed = true
	}
	if c.Sync.DatabasePath == "" {
		c.Sync.DatabasePath = filepath.Join(DataDir(), "sync.db")
		changed = true
	}
	if c.Sync.EncryptionKeyPath == "" {
		c.Sync.EncryptionKeyPath = filepath.Join(DataDir(), KeyFileName)
		changed = true
	}
	if c.Sync.IntervalSeconds <= 0 {
		c.Sync.IntervalSeconds = int(DefaultSyncInterval / time.Second)
		changed = true
	}
	if c.Sync.MaxFileSize <= 0 {
		c.Sync.MaxFileSize = DefaultMaxFileSize
		changed = true
	}
	return changed
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
