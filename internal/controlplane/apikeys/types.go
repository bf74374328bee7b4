/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package apikeys

import (
	"time"

	"github.com/gatetower/gatetower/internal/fabric"
)

// Scope widens a key's default limits. User < Tenant < Admin.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeTenant Scope = "tenant"
	ScopeAdmin  Scope = "admin"
)

// ParseScope validates a scope string.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeUser, ScopeTenant, ScopeAdmin:
		return Scope(s), nil
	}
	return "", fabric.Errorf(fabric.KindInvalidInput, "apikeys.ParseScope", "unknown scope %q", s)
}

// Status of a key. Only active keys validate.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusExpired   Status = "expired"
	StatusRevoked   Status = "revoked"
)

// Usage is the per-key counter block, persisted with the key record.
type Usage struct {
	RequestsCount int        `json:"requests_count"`
	RateLimitHits int        `json:"rate_limit_hits"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
}

// Key is one API key record. The raw key is returned exactly once at
// creation; only its SHA-256 hex hash is ever persisted.
type Key struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	OwnerID             string         `json:"owner_id"`
	KeyHash             string         `json:"key_hash"`
	Capabilities        []string       `json:"capabilities"`
	Scope               Scope          `json:"scope"`
	TenantConstraints   map[string]any `json:"tenant_constraints,omitempty"`
	RateLimitPerHour    int            `json:"rate_limit_per_hour"`
	DailyQuota          int            `json:"daily_quota"`
	CostLimitCents      int            `json:"cost_limit_cents"`
	MaxTokensPerRequest int            `json:"max_tokens_per_request"`
	AllowedEndpoints    []string       `json:"allowed_endpoints,omitempty"`
	BlockedEndpoints    []string       `json:"blocked_endpoints,omitempty"`
	AllowedIPs          []string       `json:"allowed_ips,omitempty"`
	Status              Status         `json:"status"`
	CreatedAt           time.Time      `json:"created_at"`
	ExpiresAt           *time.Time     `json:"expires_at,omitempty"`
	LastRotated         *time.Time     `json:"last_rotated,omitempty"`
	Usage               Usage          `json:"usage"`
}

// scope defaults: requests/hour, requests/day, cost cap in cents.
type scopeDefaults struct {
	rateLimitPerHour int
	dailyQuota       int
	costLimitCents   int
}

func defaultsFor(scope Scope) scopeDefaults {
	switch scope {
	case ScopeTenant:
		return scopeDefaults{rateLimitPerHour: 5000, dailyQuota: 50000, costLimitCents: 5000}
	case ScopeAdmin:
		return scopeDefaults{rateLimitPerHour: 10000, dailyQuota: 100000, costLimitCents: 10000}
	default:
		return scopeDefaults{rateLimitPerHour: 1000, dailyQuota: 10000, costLimitCents: 1000}
	}
}

// defaultTenantConstraints seed every key; caller constraints override on
// collision.
func defaultTenantConstraints() map[string]any {
	return map[string]any{
		"max_automation_chain_depth":  5,
		"mcp_memory_limit_mb":         512,
		"mcp_timeout_seconds":         30,
		"max_file_size_bytes":         10 << 20,
		"allowed_file_types":          []string{".txt", ".md", ".json", ".csv", ".yaml", ".yml", ".pdf"},
		"max_tokens_per_request":      4096,
		"automation_timeout_seconds":  300,
		"integration_timeout_seconds": 60,
	}
}

// UsageRecord is one line of the daily usage JSONL log.
type UsageRecord struct {
	Timestamp time.Time `json:"timestamp"`
	KeyID     string    `json:"key_id"`
	OwnerID   string    `json:"owner_id"`
	Endpoint  string    `json:"endpoint,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
}

// ValidationResult mirrors the validate HTTP contract.
type ValidationResult struct {
	Valid              bool   `json:"valid"`
	ErrorMessage       string `json:"error_message,omitempty"`
	CapabilityToken    string `json:"capability_token,omitempty"`
	RateLimitRemaining int    `json:"rate_limit_remaining,omitempty"`
	QuotaRemaining     int    `json:"quota_remaining,omitempty"`
}
