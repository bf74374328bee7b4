/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gatetower/gatetower/internal/controlplane/apikeys"
	"github.com/gatetower/gatetower/internal/controlplane/audit"
	"github.com/gatetower/gatetower/internal/controlplane/automations"
	"github.com/gatetower/gatetower/internal/controlplane/config"
	cpmcp "github.com/gatetower/gatetower/internal/controlplane/mcp"
	"github.com/gatetower/gatetower/internal/controlplane/store"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	cfg.Throttle = config.ThrottleConfig{RequestsPerSecond: 1000, Burst: 1000}
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, nil)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestValidateKeySuccess(t *testing.T) {
	s, ts := newTestServer(t, nil)
	b, err := s.bundle("acme.io")
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	_, raw, err := b.keys.Create(apikeys.CreateInput{
		Name: "ci", Owner: "alice@acme.io",
		Capabilities: []string{"mcp:rag:search_datasets"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	resp, out := postJSON(t, ts.URL+"/api/v1/keys/validate", map[string]any{
		"api_key": raw, "tenant_domain": "acme.io",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if out["valid"] != true {
		t.Fatalf("valid = %v, want true", out["valid"])
	}
	token, _ := out["capability_token"].(string)
	if token == "" {
		t.Fatal("expected a capability token")
	}
	claims, err := s.codec.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Sub != "alice@acme.io" || claims.TenantID != "acme.io" {
		t.Errorf("claims = %s/%s", claims.Sub, claims.TenantID)
	}
}

func TestValidateKeyInvalid(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, out := postJSON(t, ts.URL+"/api/v1/keys/validate", map[string]any{
		"api_key": "gt2_acme_io_nosuchkey", "tenant_domain": "acme.io",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if out["valid"] != false {
		t.Errorf("valid = %v, want false", out["valid"])
	}
	if out["error_message"] != "Invalid API key" {
		t.Errorf("error_message = %v", out["error_message"])
	}
}

func TestValidateKeyRateLimit(t *testing.T) {
	s, ts := newTestServer(t, nil)
	b, err := s.bundle("acme.io")
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	key, raw, err := b.keys.Create(apikeys.CreateInput{Name: "burst", Owner: "alice@acme.io"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	key.RateLimitPerHour = 2
	if err := s.fs.WriteJSON(b.paths.KeyFile(key.ID), key); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	body := map[string]any{"api_key": raw, "tenant_domain": "acme.io"}
	for i := 0; i < 2; i++ {
		resp, out := postJSON(t, ts.URL+"/api/v1/keys/validate", body)
		if resp.StatusCode != http.StatusOK || out["valid"] != true {
			t.Fatalf("validate %d: status=%d valid=%v", i+1, resp.StatusCode, out["valid"])
		}
	}
	resp, out := postJSON(t, ts.URL+"/api/v1/keys/validate", body)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("third validate status = %d, want 401", resp.StatusCode)
	}
	msg, _ := out["error_message"].(string)
	if !strings.HasPrefix(msg, "Rate limit exceeded") {
		t.Errorf("error_message = %q", msg)
	}

	got, err := b.keys.Get(key.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Usage.RateLimitHits != 1 {
		t.Errorf("rate_limit_hits = %d, want 1", got.Usage.RateLimitHits)
	}
}

func TestMCPExecuteEndToEnd(t *testing.T) {
	s, ts := newTestServer(t, nil)
	b, err := s.bundle("acme.io")
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}

	res := &store.Resource{
		ID:           "rag-srv",
		Name:         "rag",
		Type:         store.TypeMCPServer,
		OwnerID:      "alice@acme.io",
		TenantDomain: "acme.io",
		AccessGroup:  store.GroupOrganization,
	}
	err = b.registry.Register(res, &cpmcp.ServerConfig{
		ServerType:     "filesystem",
		AvailableTools: []string{"search_datasets"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	root := filepath.Join(b.paths.Root(), "mcp", res.ID)
	if err := os.MkdirAll(root, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sales.csv"), []byte("a,b\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	key, raw, err := b.keys.Create(apikeys.CreateInput{
		Name: "mcp", Owner: "alice@acme.io",
		Capabilities: []string{"mcp:rag:search_datasets"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	resp, out := postJSON(t, ts.URL+"/api/v1/keys/validate", map[string]any{
		"api_key": raw, "tenant_domain": "acme.io",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("validate status = %d", resp.StatusCode)
	}
	token := out["capability_token"].(string)

	resp, out = postJSON(t, ts.URL+"/api/v1/mcp/execute", map[string]any{
		"server_id":        res.ID,
		"tool_name":        "search_datasets",
		"parameters":       map[string]any{"path": ""},
		"capability_token": token,
		"tenant_domain":    "acme.io",
		"user_id":          "alice@acme.io",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute status = %d: %v", resp.StatusCode, out)
	}
	if out["success"] != true {
		t.Fatalf("success = %v: %v", out["success"], out)
	}

	got, err := b.keys.Get(key.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Usage.RequestsCount != 2 {
		t.Errorf("requests_count = %d, want 2 (validate + tool call)", got.Usage.RequestsCount)
	}
	if recs := b.trail.Query(audit.Filter{Action: audit.ActionToolInvoked}); len(recs) != 1 {
		t.Errorf("tool_invoked audit records = %d, want 1", len(recs))
	}
}

func TestMCPExecuteDenied(t *testing.T) {
	s, ts := newTestServer(t, nil)
	b, err := s.bundle("acme.io")
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	res := &store.Resource{
		ID: "rag-srv", Name: "rag", Type: store.TypeMCPServer,
		OwnerID: "alice@acme.io", TenantDomain: "acme.io",
		AccessGroup: store.GroupOrganization,
	}
	err = b.registry.Register(res, &cpmcp.ServerConfig{
		ServerType:     "filesystem",
		AvailableTools: []string{"search_datasets"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, raw, err := b.keys.Create(apikeys.CreateInput{
		Name: "other", Owner: "alice@acme.io",
		Capabilities: []string{"mcp:other:tool"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, out := postJSON(t, ts.URL+"/api/v1/keys/validate", map[string]any{
		"api_key": raw, "tenant_domain": "acme.io",
	})
	token := out["capability_token"].(string)

	resp, out := postJSON(t, ts.URL+"/api/v1/mcp/execute", map[string]any{
		"server_id":        res.ID,
		"tool_name":        "search_datasets",
		"capability_token": token,
		"tenant_domain":    "acme.io",
		"user_id":          "alice@acme.io",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %v", resp.StatusCode, out)
	}
	if out["code"] != "permission_denied" {
		t.Errorf("code = %v", out["code"])
	}
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookTriggerRuns(t *testing.T) {
	s, ts := newTestServer(t, nil)
	b, err := s.bundle("acme.io")
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	a := &automations.Automation{
		ID: "hook1", Name: "on-upload", OwnerID: "alice@acme.io",
		TriggerType:   automations.TriggerWebhook,
		TriggerConfig: automations.TriggerConfig{Secret: "s3cret"},
		Actions: []automations.Action{
			{Type: automations.ActionVariableSet, Variables: map[string]any{"seen": "${event_data.payload.filename}"}},
		},
		IsActive: true,
	}
	if err := b.autoStore.Create(a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	body := []byte(`{"filename":"report.pdf"}`)
	req, err := http.NewRequest(http.MethodPost,
		ts.URL+"/api/v1/automations/webhook/hook1?tenant=acme.io", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gatetower-Signature", signBody("s3cret", body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %v", resp.StatusCode, out)
	}
	if out["accepted"] != true {
		t.Fatalf("accepted = %v: %v", out["accepted"], out)
	}
	if out["state"] != string(automations.StateSucceeded) {
		t.Errorf("state = %v", out["state"])
	}

	execs, err := b.autoStore.ListExecutions("hook1")
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
	if execs[0].Variables["seen"] != "report.pdf" {
		t.Errorf("seen = %v", execs[0].Variables["seen"])
	}
}

func TestWebhookBadSignature(t *testing.T) {
	s, ts := newTestServer(t, nil)
	b, err := s.bundle("acme.io")
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	a := &automations.Automation{
		ID: "hook2", Name: "on-upload", OwnerID: "alice@acme.io",
		TriggerType:   automations.TriggerWebhook,
		TriggerConfig: automations.TriggerConfig{Secret: "s3cret"},
		Actions:       []automations.Action{{Type: automations.ActionLog, Message: "hi"}},
		IsActive:      true,
	}
	if err := b.autoStore.Create(a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	body := []byte(`{}`)
	req, _ := http.NewRequest(http.MethodPost,
		ts.URL+"/api/v1/automations/webhook/hook2?tenant=acme.io", bytes.NewReader(body))
	req.Header.Set("X-Gatetower-Signature", signBody("wrong", body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}

	if execs, _ := b.autoStore.ListExecutions("hook2"); len(execs) != 0 {
		t.Errorf("executions = %d, want 0", len(execs))
	}
}

func TestBodyLimit(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.Config) {
		c.MaxBodyBytes = 64
	})

	big := bytes.Repeat([]byte("x"), 1024)
	resp, err := http.Post(ts.URL+"/api/v1/keys/validate", "application/json", bytes.NewReader(big))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestThrottleLimits(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.Config) {
		c.Throttle = config.ThrottleConfig{RequestsPerSecond: 0.1, Burst: 1}
	})

	body := []byte(`{"api_key":"x","tenant_domain":"acme.io"}`)
	first, err := http.Post(ts.URL+"/api/v1/keys/validate", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	first.Body.Close()
	second, err := http.Post(ts.URL+"/api/v1/keys/validate", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", second.StatusCode)
	}

	// Health endpoints bypass the throttle entirely.
	for i := 0; i < 5; i++ {
		resp, err := http.Get(ts.URL + "/healthz")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("healthz throttled on attempt %d", i+1)
		}
	}
}

func TestBadTenantRejected(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, out := postJSON(t, ts.URL+"/api/v1/keys/validate", map[string]any{
		"api_key": "gt2_x", "tenant_domain": "../../etc",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %v", resp.StatusCode, out)
	}
	if out["code"] != "invalid_tenant" {
		t.Errorf("code = %v", out["code"])
	}
}
