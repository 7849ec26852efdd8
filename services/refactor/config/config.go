// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the refactor service
// configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/reviselabs/revise/services/refactor/telemetry"
)

// =============================================================================
// Config
// =============================================================================

// Config is the full service configuration.
type Config struct {
	// Server settings.
	Server ServerConfig `yaml:"server"`

	// DataDir holds the suggestion store, ledger, and local snapshots.
	DataDir string `yaml:"data_dir" validate:"required"`

	// Snapshot selects and configures the snapshot backend.
	Snapshot SnapshotConfig `yaml:"snapshot"`

	// Validation configures the post-apply verification command.
	Validation ValidationConfig `yaml:"validation"`

	// Execution configures the transaction behavior.
	Execution ExecutionConfig `yaml:"execution"`

	// Migration configures the splitter.
	Migration MigrationConfig `yaml:"migration"`

	// Producer configures suggestion generation.
	Producer ProducerConfig `yaml:"producer"`

	// Telemetry configures exporters.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host to bind, default localhost.
	Host string `yaml:"host"`

	// Port to listen on.
	Port int `yaml:"port" validate:"gte=0,lte=65535"`
}

// SnapshotConfig selects the snapshot backend.
type SnapshotConfig struct {
	// Backend is "local" or "gcs".
	Backend string `yaml:"backend" validate:"oneof=local gcs"`

	// Bucket is required for the gcs backend.
	Bucket string `yaml:"bucket" validate:"required_if=Backend gcs"`

	// Prefix is the object prefix for the gcs backend.
	Prefix string `yaml:"prefix"`
}

// ValidationConfig configures verification runs.
type ValidationConfig struct {
	// Command is the verification argv. Empty disables validation;
	// every execution then commits on apply alone.
	Command []string `yaml:"command"`

	// Timeout bounds one verification run.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// WorkingDir is where the command runs; defaults to the process cwd.
	WorkingDir string `yaml:"working_dir"`

	// MaxOutputBytes caps captured output.
	MaxOutputBytes int `yaml:"max_output_bytes" validate:"gt=0"`
}

// UnmarshalYAML accepts the timeout as a duration string ("90s", "5m")
// while leaving fields the file does not mention at their defaults.
func (v *ValidationConfig) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		Command        []string `yaml:"command"`
		Timeout        string   `yaml:"timeout"`
		WorkingDir     string   `yaml:"working_dir"`
		MaxOutputBytes int      `yaml:"max_output_bytes"`
	}{
		Command:        v.Command,
		WorkingDir:     v.WorkingDir,
		MaxOutputBytes: v.MaxOutputBytes,
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v.Command = raw.Command
	v.WorkingDir = raw.WorkingDir
	v.MaxOutputBytes = raw.MaxOutputBytes
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("validation.timeout: %w", err)
		}
		v.Timeout = d
	}
	return nil
}

// ExecutionConfig configures the executor.
type ExecutionConfig struct {
	// LockWaitPolicy is "block" or "fail".
	LockWaitPolicy string `yaml:"lock_wait_policy" validate:"oneof=block fail"`

	// MaxParallel bounds batch concurrency.
	MaxParallel int `yaml:"max_parallel" validate:"gt=0"`

	// WatchFiles enables external-change tracking with fsnotify.
	WatchFiles bool `yaml:"watch_files"`
}

// MigrationConfig configures splitting.
type MigrationConfig struct {
	// TargetGroupSize is the maximum units per group.
	TargetGroupSize int `yaml:"target_group_size" validate:"gt=0"`

	// OutputDir is where group scripts are written.
	OutputDir string `yaml:"output_dir"`
}

// ProducerConfig configures suggestion generation.
type ProducerConfig struct {
	// Kind is "openai" or "none".
	Kind string `yaml:"kind" validate:"oneof=openai none"`

	// Model is the chat model for the openai producer.
	Model string `yaml:"model"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Dir receives JSON log files; empty disables file logging.
	Dir string `yaml:"dir"`

	// JSON switches stderr output to JSON.
	JSON bool `yaml:"json"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns a runnable configuration rooted at dataDir.
func Default(dataDir string) Config {
	return Config{
		Server:   ServerConfig{Host: "127.0.0.1", Port: 8091},
		DataDir:  dataDir,
		Snapshot: SnapshotConfig{Backend: "local"},
		Validation: ValidationConfig{
			Timeout:        5 * time.Minute,
			MaxOutputBytes: 256 * 1024,
		},
		Execution: ExecutionConfig{
			LockWaitPolicy: "block",
			MaxParallel:    4,
			WatchFiles:     false,
		},
		Migration: MigrationConfig{
			TargetGroupSize: 5,
			OutputDir:       filepath.Join(dataDir, "migrations"),
		},
		Producer:  ProducerConfig{Kind: "none"},
		Telemetry: telemetry.DefaultConfig(),
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default(defaultDataDir())

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".revise")
	}
	return ".revise"
}
