/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package config provides configuration loading for the control plane.
// Configuration sources (in priority order): env vars > config file >
// defaults. Files may be YAML or JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all control plane configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	// Root directory for all per-tenant data (default "/var/lib/gatetower")
	DataRoot string `json:"data_root" yaml:"data_root"`

	// TLS settings
	TLSCert string `json:"tls_cert,omitempty" yaml:"tls_cert,omitempty"`
	TLSKey  string `json:"tls_key,omitempty" yaml:"tls_key,omitempty"`

	// Master signing key for capability tokens; per-tenant keys are
	// derived from it when no provisioned key exists.
	SigningKey string `json:"signing_key,omitempty" yaml:"signing_key,omitempty"`

	// Request body cap in bytes (default 1 MiB)
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`

	// Per-caller HTTP throttle
	Throttle ThrottleConfig `json:"throttle,omitempty" yaml:"throttle,omitempty"`

	// Cron scheduler tick (default 30s)
	SchedulerTickSeconds int `json:"scheduler_tick_seconds" yaml:"scheduler_tick_seconds"`

	// MCP health check interval (default 30s)
	MCPHealthIntervalSeconds int `json:"mcp_health_interval_seconds" yaml:"mcp_health_interval_seconds"`

	// OTLP trace collector endpoint; empty disables tracing export
	OTLPEndpoint string `json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// ThrottleConfig configures the per-caller token bucket at the HTTP edge.
type ThrottleConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:               ":8080",
		DataRoot:                 "/var/lib/gatetower",
		MaxBodyBytes:             1 << 20,
		SchedulerTickSeconds:     30,
		MCPHealthIntervalSeconds: 30,
		LogLevel:                 "info",
		Throttle: ThrottleConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}
}

// Load reads configuration from a file, then overlays environment
// variables. A .json path parses as JSON, anything else as YAML.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if strings.HasSuffix(path, ".json") {
			err = json.Unmarshal(data, &cfg)
		} else {
			err = yaml.Unmarshal(data, &cfg)
		}
		if err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GATETOWER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	// DATA_ROOT, SIGNING_KEY and MAX_BODY_BYTES are the documented short
	// names; the GATETOWER_* forms win when both are set.
	if v := os.Getenv("DATA_ROOT"); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv("GATETOWER_DATA_ROOT"); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv("SIGNING_KEY"); v != "" {
		cfg.SigningKey = v
	}
	if v := os.Getenv("GATETOWER_SIGNING_KEY"); v != "" {
		cfg.SigningKey = v
	}
	if v := os.Getenv("MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("GATETOWER_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("GATETOWER_TLS_CERT"); v != "" {
		cfg.TLSCert = v
	}
	if v := os.Getenv("GATETOWER_TLS_KEY"); v != "" {
		cfg.TLSKey = v
	}
	if v := os.Getenv("GATETOWER_SCHEDULER_TICK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SchedulerTickSeconds = n
		}
	}
	if v := os.Getenv("GATETOWER_MCP_HEALTH_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MCPHealthIntervalSeconds = n
		}
	}
	if v := os.Getenv("GATETOWER_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("GATETOWER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GATETOWER_THROTTLE_RPS"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Throttle.RequestsPerSecond = n
		}
	}
	if v := os.Getenv("GATETOWER_THROTTLE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Throttle.Burst = n
		}
	}
}

// Save writes configuration to a file as JSON.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasTLS returns true if TLS is configured.
func (c Config) HasTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// SchedulerTick returns the cron scheduler interval.
func (c Config) SchedulerTick() time.Duration {
	return time.Duration(c.SchedulerTickSeconds) * time.Second
}

// MCPHealthInterval returns the MCP health checker interval.
func (c Config) MCPHealthInterval() time.Duration {
	return time.Duration(c.MCPHealthIntervalSeconds) * time.Second
}
