// Package config loads confine settings from a YAML file.
//
// Every key is optional. Unknown keys are rejected so that typos surface
// as errors instead of silently falling back to defaults. The store
// directory may be overridden with CONFINE_STORE_DIR.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvStoreDir overrides Config.StoreDir when set.
const EnvStoreDir = "CONFINE_STORE_DIR"

// DefaultMassUpdateThreshold matches the engine default.
const DefaultMassUpdateThreshold = 10

// Config holds file-level settings.
type Config struct {
	StoreDir             string `yaml:"store_dir"`
	ModelFile            string `yaml:"model_file"`
	Model                string `yaml:"model"`
	MassUpdateThreshold  int    `yaml:"mass_update_threshold"`
	LightweightMigration bool   `yaml:"lightweight_migration"`
	LogLevel             string `yaml:"log_level"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		StoreDir:            ".",
		MassUpdateThreshold: DefaultMassUpdateThreshold,
		LogLevel:            "info",
	}
}

// Load reads path and applies the environment override. An empty path
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(bytes.NewReader(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		// An empty file leaves the defaults in place.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if dir := getenv(EnvStoreDir); dir != "" {
		c.StoreDir = dir
	}
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.MassUpdateThreshold < 0 {
		return fmt.Errorf("mass_update_threshold must be >= 0, got %d", c.MassUpdateThreshold)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Level returns the configured slog level.
func (c Config) Level() slog.Level {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// ParseLevel maps debug, info, warn and error to slog levels. Empty means
// info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log_level %q: must be one of debug, info, warn, error", s)
	}
}
