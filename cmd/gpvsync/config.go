// ABOUTME: config.go provides configuration file management for the gpvsync CLI.
// ABOUTME: Supports loading, saving, and auto-initialization with env overrides.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the gpvsync CLI configuration.
type Config struct {
	Server   string `json:"server"`
	UserID   string `json:"user_id"`
	StoreDB  string `json:"store_db"`
	LogLevel string `json:"log_level,omitempty"`
}

// ConfigPath is a function that returns the path to the config file.
// It can be overridden in tests.
var ConfigPath = func() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".gpvsync", "config.json")
	}
	return filepath.Join(home, ".gpvsync", "config.json")
}

// ConfigDir returns the directory containing the config file.
func ConfigDir() string {
	return filepath.Dir(ConfigPath())
}

// ConfigExists reports whether a config file is present.
func ConfigExists() bool {
	_, err := os.Stat(ConfigPath())
	return err == nil
}

func defaultConfig() *Config {
	return &Config{
		Server:  "http://localhost:8080",
		StoreDB: filepath.Join(ConfigDir(), "gpvsync.db"),
	}
}

// LoadConfig loads config from file and applies environment variable
// overrides. Returns default config if the file doesn't exist.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", ConfigPath(), err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if v := os.Getenv("GPVSYNC_SERVER"); v != "" {
		cfg.Server = v
	}
	if v := os.Getenv("GPVSYNC_USER_ID"); v != "" {
		cfg.UserID = v
	}
	if v := os.Getenv("GPVSYNC_STORE_DB"); v != "" {
		cfg.StoreDB = v
	}
	if v := os.Getenv("GPVSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}

// SaveConfig writes the config file, creating its directory as needed.
func SaveConfig(cfg *Config) error {
	if err := os.MkdirAll(ConfigDir(), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(ConfigPath(), append(data, '\n'), 0o600)
}

// InitConfig creates a fresh config file with defaults.
func InitConfig() (*Config, error) {
	cfg := defaultConfig()
	if err := SaveConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
