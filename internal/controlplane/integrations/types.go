/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package integrations proxies outbound calls to third-party APIs through a
// sandbox: capability check, sliding-window rate limit, pre-flight policy
// enforcement, then the HTTP call with auth injected from stored config.
// Policy failures happen before any network I/O.
package integrations

import (
	"time"

	"github.com/gatetower/gatetower/internal/fabric"
)

// SandboxLevel selects the restriction tier applied before each call.
type SandboxLevel string

const (
	SandboxNone       SandboxLevel = "none"
	SandboxBasic      SandboxLevel = "basic"
	SandboxRestricted SandboxLevel = "restricted"
	SandboxStrict     SandboxLevel = "strict"
)

// ParseSandboxLevel validates a sandbox level string.
func ParseSandboxLevel(s string) (SandboxLevel, error) {
	switch SandboxLevel(s) {
	case SandboxNone, SandboxBasic, SandboxRestricted, SandboxStrict:
		return SandboxLevel(s), nil
	}
	return "", fabric.Errorf(fabric.KindInvalidInput, "integrations.ParseSandboxLevel", "unknown sandbox level %q", s)
}

// AuthMethod selects how outbound credentials are injected.
type AuthMethod string

const (
	AuthAPIKey AuthMethod = "api_key"
	AuthBasic  AuthMethod = "basic_auth"
	AuthOAuth2 AuthMethod = "oauth2"
	AuthNone   AuthMethod = ""
)

// Config is one persisted integration configuration.
type Config struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"`
	IntegrationType      string            `json:"integration_type"`
	BaseURL              string            `json:"base_url"`
	AuthMethod           AuthMethod        `json:"auth_method"`
	SandboxLevel         SandboxLevel      `json:"sandbox_level"`
	AuthConfig           map[string]string `json:"auth_config,omitempty"`
	CustomHeaders        map[string]string `json:"custom_headers,omitempty"`
	MaxRequestsPerHour   int               `json:"max_requests_per_hour"`
	MaxResponseSizeBytes int64             `json:"max_response_size_bytes"`
	TimeoutSeconds       int               `json:"timeout_seconds"`
	AllowedMethods       []string          `json:"allowed_methods,omitempty"`
	AllowedEndpoints     []string          `json:"allowed_endpoints,omitempty"`
	BlockedEndpoints     []string          `json:"blocked_endpoints,omitempty"`
	IsActive             bool              `json:"is_active"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Request is one proxied call.
type Request struct {
	IntegrationID string            `json:"integration_id"`
	Endpoint      string            `json:"endpoint"`
	Method        string            `json:"method"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          []byte            `json:"body,omitempty"`
	UserID        string            `json:"user_id"`
}

// Response is the proxied outcome. Timeouts map to status 408, transport
// errors to 500; any 2xx upstream status is success.
type Response struct {
	Success             bool     `json:"success"`
	Status              int      `json:"status"`
	Data                any      `json:"data,omitempty"`
	ErrorMessage        string   `json:"error_message,omitempty"`
	RestrictionsApplied []string `json:"restrictions_applied,omitempty"`
	DurationMS          int64    `json:"duration_ms"`
}

// UsageRecord is one line in the daily integration usage log.
type UsageRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	IntegrationID string    `json:"integration_id"`
	UserID        string    `json:"user_id"`
	Endpoint      string    `json:"endpoint"`
	Method        string    `json:"method"`
	Status        int       `json:"status"`
	Success       bool      `json:"success"`
	DurationMS    int64     `json:"duration_ms"`
}
