package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvRemoteURL, "")
	t.Setenv(EnvUserID, "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.PullLimit != 200 || cfg.Sync.FlushInterval != 2*time.Second || cfg.HTTP.Addr != "127.0.0.1:7339" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.HTTP.LocalhostBypass() {
		t.Fatal("loopback bypass should default on")
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error without remote url and user id")
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intersync.yaml")
	data := `
remote:
  url: https://chat.example.test
  timeout: 5s
sync:
  user_id: u_file
  pull_interval: 500ms
  watch: [conv_1]
http:
  allow_localhost_without_auth: false
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(EnvUserID, "u_env")
	t.Setenv(EnvRemoteURL, "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Remote.URL != "https://chat.example.test" || cfg.Remote.Timeout != 5*time.Second {
		t.Fatalf("unexpected remote: %+v", cfg.Remote)
	}
	if cfg.Sync.UserID != "u_env" {
		t.Fatalf("env should override user id, got %s", cfg.Sync.UserID)
	}
	if cfg.Sync.PullInterval != 500*time.Millisecond || cfg.Sync.FlushInterval != 2*time.Second {
		t.Fatalf("unexpected intervals: %+v", cfg.Sync)
	}
	if len(cfg.Sync.Watch) != 1 || cfg.HTTP.LocalhostBypass() {
		t.Fatalf("unexpected sync/http: %+v %+v", cfg.Sync, cfg.HTTP)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("sync: [unclosed"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfig, "/etc/intersync.yaml")
	if got := ResolvePath(" custom.yaml "); got != "custom.yaml" {
		t.Fatalf("flag should win, got %s", got)
	}
	if got := ResolvePath(""); got != "/etc/intersync.yaml" {
		t.Fatalf("env should be used, got %s", got)
	}
	t.Setenv(EnvConfig, "")
	if got := ResolvePath(""); got != DefaultFile {
		t.Fatalf("expected default, got %s", got)
	}
}

func TestInitWritesConfigWithKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "intersync.yaml")
	key, err := Init(path, "https://chat.example.test", "u_me")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if key == "" {
		t.Fatal("expected generated key")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("expected 0600, got %o", perm)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Remote.URL != "https://chat.example.test" || cfg.Sync.UserID != "u_me" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.HTTP.Keys) != 1 || cfg.HTTP.Keys[0] != key {
		t.Fatalf("expected key %q, got %+v", key, cfg.HTTP.Keys)
	}
	if !strings.Contains(string(data), "flush_interval: 2s") {
		t.Fatalf("durations should be written readable:\n%s", data)
	}
}

func TestInitAppendsKeyAndKeepsSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intersync.yaml")
	first, err := Init(path, "https://chat.example.test", "u_me")
	if err != nil {
		t.Fatalf("first init: %v", err)
	}
	second, err := Init(path, "", "")
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	t.Setenv(EnvRemoteURL, "")
	t.Setenv(EnvUserID, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Remote.URL != "https://chat.example.test" {
		t.Fatalf("remote url lost: %+v", cfg.Remote)
	}
	if len(cfg.HTTP.Keys) != 2 || cfg.HTTP.Keys[0] != first || cfg.HTTP.Keys[1] != second {
		t.Fatalf("unexpected keys: %+v", cfg.HTTP.Keys)
	}
}
