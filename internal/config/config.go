// Package config loads the intersync YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultFile = "intersync.yaml"

// Environment overrides.
const (
	EnvConfig    = "INTERSYNC_CONFIG"
	EnvRemoteURL = "INTERSYNC_REMOTE_URL"
	EnvAPIKey    = "INTERSYNC_API_KEY"
	EnvUserID    = "INTERSYNC_USER_ID"
	EnvDB        = "INTERSYNC_DB"
)

type Config struct {
	Remote Remote `yaml:"remote"`
	Store  Store  `yaml:"store"`
	Sync   Sync   `yaml:"sync"`
	HTTP   HTTP   `yaml:"http"`
}

type Remote struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
	// Events subscribes to the remote change feed to pull early.
	Events bool `yaml:"events"`
}

type Store struct {
	Path string `yaml:"path"`
}

type Sync struct {
	UserID        string        `yaml:"user_id"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	PullInterval  time.Duration `yaml:"pull_interval"`
	PullLimit     int           `yaml:"pull_limit"`
	Watch         []string      `yaml:"watch,omitempty"`
}

// HTTP configures the local API served to the UI layer.
type HTTP struct {
	Addr   string `yaml:"addr"`
	Socket string `yaml:"socket,omitempty"`
	// Keys are bearer tokens accepted from non-loopback callers.
	Keys                      []string `yaml:"keys,omitempty"`
	AllowLocalhostWithoutAuth *bool    `yaml:"allow_localhost_without_auth,omitempty"`
}

// LocalhostBypass reports whether loopback callers skip bearer auth.
func (h HTTP) LocalhostBypass() bool {
	return h.AllowLocalhostWithoutAuth == nil || *h.AllowLocalhostWithoutAuth
}

func Default() Config {
	return Config{
		Remote: Remote{Timeout: 30 * time.Second},
		Store:  Store{Path: filepath.Join(".", "intersync.db")},
		Sync: Sync{
			FlushInterval: 2 * time.Second,
			PullInterval:  2 * time.Second,
			PullLimit:     200,
		},
		HTTP: HTTP{Addr: "127.0.0.1:7339"},
	}
}

// ResolvePath picks the config file: explicit flag, then INTERSYNC_CONFIG,
// then ./intersync.yaml.
func ResolvePath(flag string) string {
	if v := strings.TrimSpace(flag); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(EnvConfig)); v != "" {
		return v
	}
	return filepath.Join(".", DefaultFile)
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	cfg.fillDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&c.Remote.URL, EnvRemoteURL)
	override(&c.Remote.APIKey, EnvAPIKey)
	override(&c.Sync.UserID, EnvUserID)
	override(&c.Store.Path, EnvDB)
}

// fillDefaults restores zero values an explicit file may have blanked.
func (c *Config) fillDefaults() {
	def := Default()
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = def.Remote.Timeout
	}
	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}
	if c.Sync.FlushInterval <= 0 {
		c.Sync.FlushInterval = def.Sync.FlushInterval
	}
	if c.Sync.PullInterval <= 0 {
		c.Sync.PullInterval = def.Sync.PullInterval
	}
	if c.Sync.PullLimit <= 0 {
		c.Sync.PullLimit = def.Sync.PullLimit
	}
	if c.HTTP.Addr == "" && c.HTTP.Socket == "" {
		c.HTTP.Addr = def.HTTP.Addr
	}
}

// Validate checks what the sync engine needs to talk to the remote store.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Remote.URL) == "" {
		errs = append(errs, fmt.Errorf("remote.url required (or %s)", EnvRemoteURL))
	}
	if strings.TrimSpace(c.Sync.UserID) == "" {
		errs = append(errs, fmt.Errorf("sync.user_id required (or %s)", EnvUserID))
	}
	return errors.Join(errs...)
}
