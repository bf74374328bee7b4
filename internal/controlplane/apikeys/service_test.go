/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package apikeys

import (
	"strings"
	"testing"
	"time"

	"github.com/gatetower/gatetower/internal/controlplane/store"
	"github.com/gatetower/gatetower/internal/fabric"
	"github.com/gatetower/gatetower/internal/shared/captoken"
	"github.com/gatetower/gatetower/internal/shared/ratelimit"
	"github.com/gatetower/gatetower/internal/tenant"
)

func testService(t *testing.T) (*Service, *captoken.Codec) {
	t.Helper()
	paths, err := tenant.NewPaths(t.TempDir(), "acme.io")
	if err != nil {
		t.Fatalf("NewPaths: %v", err)
	}
	codec := captoken.NewCodec(captoken.NewKeyRing(nil))
	svc := New(store.NewFS(), paths, codec, ratelimit.NewLimiter(time.Hour), nil, nil)
	return svc, codec
}

func TestCreateRawKeyShape(t *testing.T) {
	svc, _ := testService(t)
	key, raw, err := svc.Create(CreateInput{Name: "ci", Owner: "alice@acme.io"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(raw, "gt2_acme_io_") {
		t.Errorf("raw key prefix wrong: %q", raw)
	}
	random := strings.TrimPrefix(raw, "gt2_acme_io_")
	if len(random) < 43 {
		t.Errorf("random part %d chars, want >= 43", len(random))
	}
	if key.KeyHash == "" || strings.Contains(key.KeyHash, raw) {
		t.Error("record must hold a hash, never the raw key")
	}
	if key.Status != StatusActive {
		t.Errorf("Status = %q", key.Status)
	}
}

func TestScopeDefaults(t *testing.T) {
	svc, _ := testService(t)
	tests := []struct {
		scope Scope
		rate  int
		quota int
		cost  int
	}{
		{ScopeUser, 1000, 10000, 1000},
		{ScopeTenant, 5000, 50000, 5000},
		{ScopeAdmin, 10000, 100000, 10000},
	}
	for _, tt := range tests {
		key, _, err := svc.Create(CreateInput{Name: string(tt.scope), Owner: "alice@acme.io", Scope: tt.scope})
		if err != nil {
			t.Fatalf("Create(%s): %v", tt.scope, err)
		}
		if key.RateLimitPerHour != tt.rate || key.DailyQuota != tt.quota || key.CostLimitCents != tt.cost {
			t.Errorf("%s defaults = %d/%d/%d, want %d/%d/%d", tt.scope,
				key.RateLimitPerHour, key.DailyQuota, key.CostLimitCents, tt.rate, tt.quota, tt.cost)
		}
	}
}

func TestTenantConstraintDefaultsAndOverride(t *testing.T) {
	svc, _ := testService(t)
	key, _, err := svc.Create(CreateInput{
		Name:        "c",
		Owner:       "alice@acme.io",
		Constraints: map[string]any{"max_automation_chain_depth": 3},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := captoken.IntConstraint(key.TenantConstraints, "max_automation_chain_depth", 0); got != 3 {
		t.Errorf("caller override lost: depth = %d", got)
	}
	if got := captoken.IntConstraint(key.TenantConstraints, "mcp_memory_limit_mb", 0); got != 512 {
		t.Errorf("default mcp memory = %d, want 512", got)
	}
	if got := captoken.IntConstraint(key.TenantConstraints, "mcp_timeout_seconds", 0); got != 30 {
		t.Errorf("default mcp timeout = %d, want 30", got)
	}
	if got := captoken.IntConstraint(key.TenantConstraints, "max_file_size_bytes", 0); got != 10<<20 {
		t.Errorf("default max file = %d", got)
	}
}

func TestValidateHappyPath(t *testing.T) {
	svc, codec := testService(t)
	_, raw, err := svc.Create(CreateInput{
		Name:         "k",
		Owner:        "alice@acme.io",
		Capabilities: []string{"mcp:rag:search_datasets"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := svc.Validate(raw, "/api/v1/query", "10.0.0.1")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.Valid {
		t.Fatalf("Valid = false: %s", res.ErrorMessage)
	}
	claims, err := codec.Verify(res.CapabilityToken)
	if err != nil {
		t.Fatalf("token does not verify: %v", err)
	}
	if claims.Sub != "alice@acme.io" || claims.TenantID != "acme.io" {
		t.Errorf("claims = %q / %q", claims.Sub, claims.TenantID)
	}
	if !claims.HasCapability("mcp:rag:search_datasets") {
		t.Error("capability lost in token exchange")
	}
	if len(claims.Capabilities) != 1 || len(claims.Capabilities[0].Actions) != 1 || claims.Capabilities[0].Actions[0] != "*" {
		t.Errorf("actions = %v, want [\"*\"]", claims.Capabilities)
	}
}

func TestValidateUnknownKey(t *testing.T) {
	svc, _ := testService(t)
	res, err := svc.Validate("gt2_acme_io_bogus", "", "")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid || res.ErrorMessage != "Invalid API key" {
		t.Errorf("got %+v", res)
	}
}

func TestValidateRevokedKey(t *testing.T) {
	svc, _ := testService(t)
	key, raw, _ := svc.Create(CreateInput{Name: "k", Owner: "alice@acme.io"})
	if err := svc.Revoke(key.ID, "alice@acme.io"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	res, err := svc.Validate(raw, "", "")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid || !strings.Contains(res.ErrorMessage, "revoked") {
		t.Errorf("got %+v", res)
	}
}

func TestValidateExpiryTransitions(t *testing.T) {
	svc, _ := testService(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })

	key, raw, _ := svc.Create(CreateInput{Name: "k", Owner: "alice@acme.io", ExpiresInDays: 1})

	now = now.AddDate(0, 0, 2)
	res, err := svc.Validate(raw, "", "")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid {
		t.Fatal("expired key validated")
	}
	stored, err := svc.Get(key.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != StatusExpired {
		t.Errorf("Status = %q, want expired persisted", stored.Status)
	}
}

func TestValidateEndpointAndIPRestrictions(t *testing.T) {
	svc, _ := testService(t)
	key, raw, _ := svc.Create(CreateInput{Name: "k", Owner: "alice@acme.io"})
	key.AllowedEndpoints = []string{"/allowed"}
	key.AllowedIPs = []string{"10.0.0.1"}
	if err := svc.fs.WriteJSON(svc.paths.KeyFile(key.ID), key); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	if res, _ := svc.Validate(raw, "/other", "10.0.0.1"); res.Valid {
		t.Error("endpoint allowlist not enforced")
	}
	if res, _ := svc.Validate(raw, "/allowed", "10.9.9.9"); res.Valid {
		t.Error("IP allowlist not enforced")
	}
	if res, _ := svc.Validate(raw, "/allowed", "10.0.0.1"); !res.Valid {
		t.Errorf("legitimate call rejected: %s", res.ErrorMessage)
	}
}

func TestValidateRateLimit(t *testing.T) {
	svc, _ := testService(t)
	key, raw, _ := svc.Create(CreateInput{Name: "k", Owner: "alice@acme.io"})
	key.RateLimitPerHour = 2
	if err := svc.fs.WriteJSON(svc.paths.KeyFile(key.ID), key); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	for i := 0; i < 2; i++ {
		if res, _ := svc.Validate(raw, "", ""); !res.Valid {
			t.Fatalf("call %d rejected: %s", i+1, res.ErrorMessage)
		}
	}
	res, err := svc.Validate(raw, "", "")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid {
		t.Fatal("third call within the window must be rejected")
	}
	if !strings.HasPrefix(res.ErrorMessage, "Rate limit exceeded:") {
		t.Errorf("ErrorMessage = %q", res.ErrorMessage)
	}
	stored, _ := svc.Get(key.ID)
	if stored.Usage.RateLimitHits != 1 {
		t.Errorf("rate_limit_hits = %d, want 1", stored.Usage.RateLimitHits)
	}
	if stored.Usage.RequestsCount != 2 {
		t.Errorf("requests_count = %d, want 2", stored.Usage.RequestsCount)
	}
}

func TestValidateDailyQuota(t *testing.T) {
	svc, _ := testService(t)
	key, raw, _ := svc.Create(CreateInput{Name: "k", Owner: "alice@acme.io"})
	key.DailyQuota = 1
	if err := svc.fs.WriteJSON(svc.paths.KeyFile(key.ID), key); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	if res, _ := svc.Validate(raw, "", ""); !res.Valid {
		t.Fatalf("first call rejected: %s", res.ErrorMessage)
	}
	res, _ := svc.Validate(raw, "", "")
	if res.Valid || res.ErrorMessage != "Daily quota exceeded" {
		t.Errorf("got %+v", res)
	}
}

func TestRotateInvalidatesOldRaw(t *testing.T) {
	svc, _ := testService(t)
	key, oldRaw, _ := svc.Create(CreateInput{Name: "k", Owner: "alice@acme.io"})

	rotated, newRaw, err := svc.Rotate(key.ID, "alice@acme.io")
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if rotated.LastRotated == nil {
		t.Error("last_rotated not set")
	}
	if res, _ := svc.Validate(oldRaw, "", ""); res.Valid {
		t.Error("old raw key still validates after rotation")
	}
	if res, _ := svc.Validate(newRaw, "", ""); !res.Valid {
		t.Errorf("new raw key rejected: %s", res.ErrorMessage)
	}
}

func TestRotateAndRevokeOwnerOnly(t *testing.T) {
	svc, _ := testService(t)
	key, _, _ := svc.Create(CreateInput{Name: "k", Owner: "alice@acme.io"})

	if _, _, err := svc.Rotate(key.ID, "mallory@acme.io"); fabric.KindOf(err) != fabric.KindPermissionDenied {
		t.Errorf("Rotate by non-owner: %v", err)
	}
	if err := svc.Revoke(key.ID, "mallory@acme.io"); fabric.KindOf(err) != fabric.KindPermissionDenied {
		t.Errorf("Revoke by non-owner: %v", err)
	}
}

func TestGenerateTokenPerCapabilityConstraints(t *testing.T) {
	svc, codec := testService(t)
	key, _, err := svc.Create(CreateInput{
		Name:         "k",
		Owner:        "alice@acme.io",
		Capabilities: []string{"mcp:rag:*"},
		Constraints: map[string]any{
			"mcp:rag:*": map[string]any{"max_results": 25},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	token, err := svc.GenerateToken(key)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := codec.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	cons := claims.ConstraintFor("mcp:rag:search")
	if captoken.IntConstraint(cons, "max_results", 0) != 25 {
		t.Errorf("per-capability constraint lost: %v", cons)
	}
}
