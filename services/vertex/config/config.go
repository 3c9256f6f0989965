// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates vertexd configuration.
//
// Configuration comes from defaults, then an optional YAML file, then
// VERTEX_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianVertex/services/vertex/telemetry"
)

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("graphname", validateGraphName)
}

// validateGraphName rejects names that would break lock vertex ids.
func validateGraphName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	return name != "" && len(name) <= 128 && !strings.Contains(name, "::")
}

// Config is the complete vertexd configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server" json:"server"`
	Storage   StorageConfig    `yaml:"storage" json:"storage"`
	Graphs    []string         `yaml:"graphs" json:"graphs" validate:"dive,graphname"`
	Access    AccessConfig     `yaml:"access" json:"access"`
	Events    EventsConfig     `yaml:"events" json:"events"`
	Logging   LoggingConfig    `yaml:"logging" json:"logging"`
	Auth      AuthConfig       `yaml:"auth" json:"auth"`
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`

	// SessionIdleTimeout drops remote sessions idle this long, closing
	// everything they hold. Zero keeps sessions until deleted.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout" json:"session_idle_timeout" validate:"gte=0"`
}

// StorageConfig configures vertex persistence.
type StorageConfig struct {
	// Path is the BadgerDB directory. Empty with InMemory false disables
	// persistence.
	Path           string        `yaml:"path" json:"path"`
	InMemory       bool          `yaml:"in_memory" json:"in_memory"`
	SyncWrites     bool          `yaml:"sync_writes" json:"sync_writes"`
	GCInterval     time.Duration `yaml:"gc_interval" json:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" json:"gc_discard_ratio" validate:"gte=0,lt=1"`
}

// AccessConfig tunes vertex acquisition.
type AccessConfig struct {
	PartialWindow       time.Duration `yaml:"partial_window" json:"partial_window" validate:"gt=0"`
	OpFailBackoff       time.Duration `yaml:"opfail_backoff" json:"opfail_backoff" validate:"gt=0"`
	MaxWritableReport   int           `yaml:"max_writable_report" json:"max_writable_report" validate:"gt=0,lte=10000"`
	SynchronizedTimeout time.Duration `yaml:"synchronized_timeout" json:"synchronized_timeout" validate:"gt=0"`
}

// EventsConfig tunes the background expiry processor.
type EventsConfig struct {
	TTLInterval             time.Duration `yaml:"ttl_interval" json:"ttl_interval" validate:"gt=0"`
	MaxExpirationsPerSecond float64       `yaml:"max_expirations_per_second" json:"max_expirations_per_second" validate:"gt=0"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json" json:"json"`
	Dir   string `yaml:"dir" json:"dir"`
}

// AuthConfig configures HTTP authentication and auditing.
type AuthConfig struct {
	// Tokens maps bearer tokens to user ids. Empty disables
	// authentication; every caller is then the local admin.
	Tokens map[string]string `yaml:"tokens" json:"-" validate:"dive,keys,min=16,endkeys,required"`

	// Admins may enter and leave graph readonly mode and flush events.
	// Only checked when Tokens is set.
	Admins []string `yaml:"admins" json:"admins" validate:"dive,required"`

	// Audit writes session and graph-wide actions to the log.
	Audit bool `yaml:"audit" json:"audit"`
}

// Default returns a configuration that runs one in-memory graph.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:12380",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			InMemory:       true,
			GCInterval:     5 * time.Minute,
			GCDiscardRatio: 0.5,
		},
		Graphs: []string{"default"},
		Access: AccessConfig{
			PartialWindow:       250 * time.Millisecond,
			OpFailBackoff:       20 * time.Millisecond,
			MaxWritableReport:   32,
			SynchronizedTimeout: 5 * time.Second,
		},
		Events: EventsConfig{
			TTLInterval:             time.Second,
			MaxExpirationsPerSecond: 1000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	seen := make(map[string]struct{}, len(c.Graphs))
	for _, g := range c.Graphs {
		if _, dup := seen[g]; dup {
			return fmt.Errorf("%w: graph %q listed twice", ErrInvalidConfig, g)
		}
		seen[g] = struct{}{}
	}
	return nil
}

// applyEnv overlays VERTEX_* environment variables.
//
//   - VERTEX_ADDR: server listen address
//   - VERTEX_DATA_DIR: BadgerDB directory, disables in-memory storage
//   - VERTEX_GRAPHS: comma separated graph names
//   - VERTEX_LOG_LEVEL: log level
//   - VERTEX_LOG_JSON: "true" for JSON logs
//   - VERTEX_PARTIAL_WINDOW: batch partial window, e.g. "250ms"
func applyEnv(c *Config) error {
	if v := os.Getenv("VERTEX_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("VERTEX_DATA_DIR"); v != "" {
		c.Storage.Path = v
		c.Storage.InMemory = false
	}
	if v := os.Getenv("VERTEX_GRAPHS"); v != "" {
		var graphs []string
		for _, g := range strings.Split(v, ",") {
			if g = strings.TrimSpace(g); g != "" {
				graphs = append(graphs, g)
			}
		}
		c.Graphs = graphs
	}
	if v := os.Getenv("VERTEX_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("VERTEX_LOG_JSON"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VERTEX_LOG_JSON: %w", err)
		}
		c.Logging.JSON = b
	}
	if v := os.Getenv("VERTEX_PARTIAL_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("VERTEX_PARTIAL_WINDOW: %w", err)
		}
		c.Access.PartialWindow = d
	}
	return nil
}
