/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package mcp is the control plane's MCP server registry and tool
// dispatcher. Servers are tenant resources of type mcp_server; invocations
// pass tenant, capability, tool and concurrency checks before dispatching to
// a per-type backend under the server's sandbox settings.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/gatetower/gatetower/internal/controlplane/store"
	"github.com/gatetower/gatetower/internal/fabric"
)

// Status of one registered server.
type Status string

const (
	StatusStopped   Status = "stopped"
	StatusStarting  Status = "starting"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusStopping  Status = "stopping"
)

// Sandbox bounds one server's executions.
type Sandbox struct {
	MaxMemoryMB      int  `json:"max_memory_mb,omitempty"`
	MaxCPUPercent    int  `json:"max_cpu_percent,omitempty"`
	TimeoutSeconds   int  `json:"timeout_seconds,omitempty"`
	NetworkIsolation bool `json:"network_isolation,omitempty"`
}

// ServerConfig is the mcp_server settings carried in the resource metadata.
type ServerConfig struct {
	ServerType            string         `json:"server_type"`
	ServerURL             string         `json:"server_url,omitempty"`
	AvailableTools        []string       `json:"available_tools"`
	RequiredCapabilities  []string       `json:"required_capabilities,omitempty"`
	Sandbox               Sandbox        `json:"sandbox"`
	RateLimits            map[string]int `json:"rate_limits,omitempty"`
	MaxConcurrentRequests int            `json:"max_concurrent_requests"`
	AllowedExtensions     []string       `json:"allowed_extensions,omitempty"`
}

// HasTool reports whether tool is declared available.
func (c *ServerConfig) HasTool(tool string) bool {
	for _, t := range c.AvailableTools {
		if t == tool {
			return true
		}
	}
	return false
}

// metadataKey holds the server config inside Resource.Metadata.
const metadataKey = "mcp_server"

// configInto embeds the config in a resource's metadata.
func configInto(res *store.Resource, cfg *ServerConfig) error {
	const op = "mcp.configInto"
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fabric.E(fabric.KindInvalidInput, op, err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fabric.E(fabric.KindInvalidInput, op, err)
	}
	if res.Metadata == nil {
		res.Metadata = make(map[string]any, 1)
	}
	res.Metadata[metadataKey] = m
	return nil
}

// configFrom extracts the server config from a resource's metadata.
func configFrom(res *store.Resource) (*ServerConfig, error) {
	const op = "mcp.configFrom"
	raw, ok := res.Metadata[metadataKey]
	if !ok {
		return nil, fabric.Errorf(fabric.KindInvalidInput, op, "resource %s carries no mcp_server config", res.ID)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fabric.E(fabric.KindIntegrityError, op, err)
	}
	var cfg ServerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fabric.E(fabric.KindIntegrityError, op, err)
	}
	return &cfg, nil
}

// Request is one tool invocation.
type Request struct {
	ServerID   string         `json:"server_id"`
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Token      string         `json:"capability_token"`
	UserID     string         `json:"user_id"`
}

// Result is one tool invocation outcome.
type Result struct {
	Success    bool   `json:"success"`
	Output     any    `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// ServerStats is a point-in-time counter snapshot for one server.
type ServerStats struct {
	Status        Status    `json:"status"`
	TotalRequests int64     `json:"total_requests"`
	ErrorCount    int64     `json:"error_count"`
	LastChecked   time.Time `json:"last_checked,omitempty"`
}
