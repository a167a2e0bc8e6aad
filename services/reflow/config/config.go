// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the reflow server configuration.
//
// # Description
//
// Configuration is resolved with priority env > file > defaults. Files
// are YAML (.yaml, .yml) or TOML (.toml). Environment variables use the
// REFLOW_ prefix and may come from a .env file. The result is validated
// with struct tags before use.
//
// # Example
//
//	server:
//	  addr: ":8501"
//	  ws_path: /ws
//	session:
//	  inactivity_timeout: 5m
//	  execution_timeout: 30s
//	cache:
//	  backend: badger
//	  path: /var/lib/reflow/cache
//	logging:
//	  level: debug
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/reflow/services/reflow/cache"
	"github.com/AleutianAI/reflow/services/reflow/session"
	"github.com/AleutianAI/reflow/services/reflow/telemetry"
	"github.com/AleutianAI/reflow/services/reflow/widgetstate"
	"github.com/AleutianAI/reflow/services/reflow/wire"
)

// ErrUnsupportedFormat is returned for config files that are neither YAML
// nor TOML.
var ErrUnsupportedFormat = errors.New("config: unsupported file format")

// configValidate checks struct tags on Config.
var configValidate = validator.New()

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server" toml:"server"`
	Session   SessionConfig    `yaml:"session" toml:"session"`
	Cache     CacheConfig      `yaml:"cache" toml:"cache"`
	Logging   LoggingConfig    `yaml:"logging" toml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry" toml:"telemetry"`
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr" toml:"addr" validate:"required"`

	// WSPath is the WebSocket endpoint.
	WSPath string `yaml:"ws_path" toml:"ws_path" validate:"required,startswith=/"`

	// MaxFramePayload bounds outbound frame payloads in bytes.
	MaxFramePayload int `yaml:"max_frame_payload" toml:"max_frame_payload" validate:"gte=16"`

	// EventRate limits inbound client messages per second per connection.
	// Zero disables the limit.
	EventRate float64 `yaml:"event_rate" toml:"event_rate" validate:"gte=0"`

	// EventBurst is the limiter bucket size.
	EventBurst int `yaml:"event_burst" toml:"event_burst" validate:"gte=1"`
}

// SessionConfig controls session lifetimes and reruns.
type SessionConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" toml:"inactivity_timeout" validate:"gte=0s"`
	SweepInterval     time.Duration `yaml:"sweep_interval" toml:"sweep_interval" validate:"gt=0s"`
	ExecutionTimeout  time.Duration `yaml:"execution_timeout" toml:"execution_timeout" validate:"gte=0s"`
	StalenessWindow   int           `yaml:"staleness_window" toml:"staleness_window" validate:"gte=1"`
}

// ManagerConfig converts the section to a session.Config. Codec, metrics
// and logger are left for the caller.
func (s SessionConfig) ManagerConfig() session.Config {
	return session.Config{
		InactivityTimeout: s.InactivityTimeout,
		SweepInterval:     s.SweepInterval,
		StalenessWindow:   s.StalenessWindow,
	}
}

// CacheConfig selects the data cache backend.
type CacheConfig struct {
	Backend     string        `yaml:"backend" toml:"backend" validate:"oneof=memory badger redis"`
	Path        string        `yaml:"path" toml:"path" validate:"required_if=Backend badger"`
	RedisURL    string        `yaml:"redis_url" toml:"redis_url" validate:"required_if=Backend redis"`
	RedisPrefix string        `yaml:"redis_prefix" toml:"redis_prefix"`
	DefaultTTL  time.Duration `yaml:"default_ttl" toml:"default_ttl" validate:"gte=0s"`
}

// Settings converts the section to cache.Open settings.
func (c CacheConfig) Settings() cache.Settings {
	return cache.Settings{
		Backend:     c.Backend,
		Path:        c.Path,
		RedisURL:    c.RedisURL,
		RedisPrefix: c.RedisPrefix,
		DefaultTTL:  c.DefaultTTL,
	}
}

// LoggingConfig controls pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json" toml:"json"`
	Dir   string `yaml:"dir" toml:"dir"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8501",
			WSPath:          "/ws",
			MaxFramePayload: wire.DefaultMaxFramePayload,
			EventRate:       50,
			EventBurst:      100,
		},
		Session: SessionConfig{
			InactivityTimeout: 5 * time.Minute,
			SweepInterval:     30 * time.Second,
			ExecutionTimeout:  30 * time.Second,
			StalenessWindow:   widgetstate.DefaultStalenessWindow,
		},
		Cache: CacheConfig{
			Backend:    cache.BackendMemory,
			DefaultTTL: time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load resolves the configuration: defaults, then the file at path if
// path is non-empty, then REFLOW_* environment variables.
//
// # Outputs
//
//   - Config: The merged configuration.
//   - error: Read, parse or validation failure.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// LoadEnvFile loads KEY=VALUE pairs into the environment without
// overriding variables that are already set. A missing file is not an
// error unless required.
func LoadEnvFile(path string, required bool) error {
	if err := godotenv.Load(path); err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load env file %s: %w", path, err)
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	return nil
}

// applyEnv overrides fields from REFLOW_* variables. Unparseable values
// are ignored.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "REFLOW_ADDR")
	setString(&cfg.Server.WSPath, "REFLOW_WS_PATH")
	if v := os.Getenv("REFLOW_EVENT_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Server.EventRate = f
		}
	}
	setInt(&cfg.Server.EventBurst, "REFLOW_EVENT_BURST")

	setDuration(&cfg.Session.InactivityTimeout, "REFLOW_INACTIVITY_TIMEOUT")
	setDuration(&cfg.Session.ExecutionTimeout, "REFLOW_EXECUTION_TIMEOUT")
	setInt(&cfg.Session.StalenessWindow, "REFLOW_STALENESS_WINDOW")

	setString(&cfg.Cache.Backend, "REFLOW_CACHE_BACKEND")
	setString(&cfg.Cache.Path, "REFLOW_CACHE_PATH")
	setString(&cfg.Cache.RedisURL, "REFLOW_REDIS_URL")
	setDuration(&cfg.Cache.DefaultTTL, "REFLOW_CACHE_TTL")

	setString(&cfg.Logging.Level, "REFLOW_LOG_LEVEL")
	setString(&cfg.Logging.Dir, "REFLOW_LOG_DIR")
	if v := os.Getenv("REFLOW_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.JSON = b
		}
	}

	setString(&cfg.Telemetry.TraceExporter, "REFLOW_TRACE_EXPORTER")
	setString(&cfg.Telemetry.OTLPEndpoint, "REFLOW_OTLP_ENDPOINT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
