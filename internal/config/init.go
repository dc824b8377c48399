package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Init writes a config file at path, creating it from defaults when absent,
// and appends a freshly generated local API key. It returns the new key.
// Existing settings are preserved.
func Init(path, remoteURL, userID string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("config path required")
	}
	cfg, err := loadFile(path)
	if err != nil {
		return "", err
	}
	if v := strings.TrimSpace(remoteURL); v != "" {
		cfg.Remote.URL = v
	}
	if v := strings.TrimSpace(userID); v != "" {
		cfg.Sync.UserID = v
	}
	key, err := generateKey()
	if err != nil {
		return "", err
	}
	cfg.HTTP.Keys = append(cfg.HTTP.Keys, key)
	if cfg.HTTP.AllowLocalhostWithoutAuth == nil {
		val := true
		cfg.HTTP.AllowLocalhostWithoutAuth = &val
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return key, nil
}

// loadFile reads path without env overrides, so Init never persists values
// that only came from the environment.
func loadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
