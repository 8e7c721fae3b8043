// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the settings that shape a Key_Shared
// subscription's dispatch behavior: a defaulted struct, optional YAML
// overlay, and an explicit Validate pass before anything is wired up.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/absmach/keyshared/dispatch"
)

// Config holds every tunable for one dispatcher instance.
type Config struct {
	Subscription  SubscriptionConfig  `yaml:"subscription"`
	Driver        DriverConfig        `yaml:"driver"`
	Log           LogConfig           `yaml:"log"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ObservabilityConfig configures the OTLP exporters the dispatch loop
// reports through.
type ObservabilityConfig struct {
	OtelServiceName    string        `yaml:"otel_service_name"`
	OtelServiceVersion string        `yaml:"otel_service_version"`
	MetricsAddr        string        `yaml:"metrics_addr"`
	MetricsEnabled     bool          `yaml:"metrics_enabled"`
	TracesEnabled      bool          `yaml:"traces_enabled"`
	TraceSampleRate    float64       `yaml:"trace_sample_rate"`
	ExportInterval     time.Duration `yaml:"export_interval"`
}

// SubscriptionConfig mirrors dispatch.Config's knobs in a YAML-loadable
// shape; callers translate it with ToDispatchConfig once a
// JoinFencePredicate (a Go func, not serializable) has been decided.
type SubscriptionConfig struct {
	KeySharedMode                  string `yaml:"key_shared_mode"` // "auto_split" or "sticky"
	AllowOutOfOrderDelivery        bool   `yaml:"allow_out_of_order_delivery"`
	UseConsistentHashing           bool   `yaml:"use_consistent_hashing"`
	ConsistentHashingReplicaPoints int    `yaml:"consistent_hashing_replica_points"`
	MaxRedeliveriesPerRead         int    `yaml:"max_redeliveries_per_read"`
}

// ToDispatchConfig translates the YAML-loadable shape into a dispatch.Config.
// The caller supplies fence, since a predicate function cannot be
// deserialized; a nil fence lets dispatch.New fall back to
// dispatch.DefaultJoinFencePredicate.
func (s SubscriptionConfig) ToDispatchConfig(fence dispatch.JoinFencePredicate) dispatch.Config {
	mode := dispatch.ModeAutoSplit
	if s.KeySharedMode == "sticky" {
		mode = dispatch.ModeSticky
	}
	return dispatch.Config{
		KeySharedMode:                  mode,
		AllowOutOfOrderDelivery:        s.AllowOutOfOrderDelivery,
		UseConsistentHashing:           s.UseConsistentHashing,
		ConsistentHashingReplicaPoints: s.ConsistentHashingReplicaPoints,
		JoinFence:                      fence,
		MaxRedeliveriesPerRead:         s.MaxRedeliveriesPerRead,
	}
}

// DriverConfig tunes the outer read/dispatch loop.
type DriverConfig struct {
	ReadBatchSize int           `yaml:"read_batch_size"`
	TickInterval  time.Duration `yaml:"tick_interval"`
}

// LogConfig selects the logger's verbosity and output encoding.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a Config with sensible defaults for a single Key_Shared
// subscription.
func Default() *Config {
	return &Config{
		Subscription: SubscriptionConfig{
			KeySharedMode:                  "auto_split",
			AllowOutOfOrderDelivery:        false,
			UseConsistentHashing:           true,
			ConsistentHashingReplicaPoints: 100,
			MaxRedeliveriesPerRead:         1000,
		},
		Driver: DriverConfig{
			ReadBatchSize: 100,
			TickInterval:  100 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			OtelServiceName:    "keyshared-dispatch",
			OtelServiceVersion: "dev",
			MetricsAddr:        "localhost:4317",
			MetricsEnabled:     false,
			TracesEnabled:      false,
			TraceSampleRate:    0.1,
			ExportInterval:     10 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file, overlaying it onto the
// defaults. A missing file is not an error: it just returns the defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is self-consistent.
func (c *Config) Validate() error {
	switch c.Subscription.KeySharedMode {
	case "auto_split", "sticky":
	default:
		return fmt.Errorf("subscription.key_shared_mode must be one of: auto_split, sticky")
	}
	if c.Subscription.ConsistentHashingReplicaPoints < 1 {
		return fmt.Errorf("subscription.consistent_hashing_replica_points must be at least 1")
	}
	if c.Subscription.MaxRedeliveriesPerRead < 1 {
		return fmt.Errorf("subscription.max_redeliveries_per_read must be at least 1")
	}
	if c.Driver.ReadBatchSize < 1 {
		return fmt.Errorf("driver.read_batch_size must be at least 1")
	}
	if c.Driver.TickInterval < time.Millisecond {
		return fmt.Errorf("driver.tick_interval must be at least 1ms")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Observability.MetricsEnabled || c.Observability.TracesEnabled {
		if c.Observability.MetricsAddr == "" {
			return fmt.Errorf("observability.metrics_addr is required when metrics or traces are enabled")
		}
	}
	if c.Observability.TraceSampleRate < 0 || c.Observability.TraceSampleRate > 1 {
		return fmt.Errorf("observability.trace_sample_rate must be between 0 and 1")
	}
	if c.Observability.ExportInterval < time.Second {
		return fmt.Errorf("observability.export_interval must be at least 1s")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
