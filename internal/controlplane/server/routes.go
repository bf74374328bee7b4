/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gatetower/gatetower/internal/controlplane/automations"
	"github.com/gatetower/gatetower/internal/controlplane/events"
	cpmcp "github.com/gatetower/gatetower/internal/controlplane/mcp"
	"github.com/gatetower/gatetower/internal/fabric"
	"github.com/gatetower/gatetower/internal/metrics"
	"github.com/gatetower/gatetower/internal/telemetry"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /api/v1/keys/validate", s.handleValidateKey)
	mux.HandleFunc("POST /api/v1/mcp/execute", s.handleMCPExecute)
	mux.HandleFunc("POST /api/v1/automations/webhook/{id}", s.handleWebhook)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// validateRequest is the validate-api-key contract. The raw key alone does
// not identify a tenant (its middle segment is sanitized), so the caller
// names the tenant explicitly.
type validateRequest struct {
	APIKey       string `json:"api_key"`
	TenantDomain string `json:"tenant_domain"`
	Endpoint     string `json:"endpoint,omitempty"`
	ClientIP     string `json:"client_ip,omitempty"`
}

func (s *Server) handleValidateKey(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_input", "invalid JSON body")
		return
	}
	if req.APIKey == "" || req.TenantDomain == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_input", "api_key and tenant_domain are required")
		return
	}
	if req.ClientIP == "" {
		req.ClientIP = clientIP(r)
	}

	_, span := telemetry.StartValidateSpan(r.Context(), req.TenantDomain)
	defer span.End()

	b, err := s.bundle(req.TenantDomain)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := b.keys.Validate(req.APIKey, req.Endpoint, req.ClientIP)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.RecordKeyValidation(req.TenantDomain, result.Valid)

	// Invalid keys are a result, not an error; the envelope carries the
	// reason either way.
	status := http.StatusOK
	if !result.Valid {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, result)
}

// executeRequest is the execute-MCP-tool contract.
type executeRequest struct {
	ServerID        string         `json:"server_id"`
	ToolName        string         `json:"tool_name"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	CapabilityToken string         `json:"capability_token"`
	TenantDomain    string         `json:"tenant_domain"`
	UserID          string         `json:"user_id"`
}

func (s *Server) handleMCPExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_input", "invalid JSON body")
		return
	}
	if req.ServerID == "" || req.ToolName == "" || req.TenantDomain == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_input", "server_id, tool_name and tenant_domain are required")
		return
	}

	b, err := s.bundle(req.TenantDomain)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := b.registry.Execute(r.Context(), &cpmcp.Request{
		ServerID:   req.ServerID,
		ToolName:   req.ToolName,
		Parameters: req.Parameters,
		Token:      req.CapabilityToken,
		UserID:     req.UserID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	// A tool call made with a key-minted token counts against that key's
	// usage, same as the validate that minted it.
	if claims, verr := s.codec.Verify(req.CapabilityToken); verr == nil && claims.APIKeyID != "" {
		if uerr := b.keys.RecordUse(claims.APIKeyID, "mcp:"+req.ServerID+":"+req.ToolName); uerr != nil {
			s.log.Warn("cannot record key usage", zap.String("key_id", claims.APIKeyID), zap.Error(uerr))
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// handleWebhook is the webhook trigger entry: signature check against the
// automation's shared secret, then normal event dispatch through the engine.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	domain := r.URL.Query().Get("tenant")
	if domain == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_input", "tenant query parameter is required")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_input", "cannot read body")
		return
	}

	b, err := s.bundle(domain)
	if err != nil {
		writeError(w, err)
		return
	}
	a, err := b.autoStore.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if a.TriggerType != automations.TriggerWebhook {
		writeJSONError(w, http.StatusBadRequest, "invalid_input", "automation is not webhook-triggered")
		return
	}
	if !automations.VerifyWebhook(a.TriggerConfig.Secret, body, r.Header.Get("X-Gatetower-Signature")) {
		writeJSONError(w, http.StatusForbidden, "invalid_token", "webhook signature mismatch")
		return
	}

	var payload map[string]any
	if len(body) > 0 && json.Unmarshal(body, &payload) != nil {
		payload = map[string]any{"raw": string(body)}
	}
	token, err := s.systemToken(domain, a.OwnerID)
	if err != nil {
		writeError(w, err)
		return
	}
	ev := &events.Event{
		Type: "automation.webhook",
		User: a.OwnerID,
		Data: map[string]any{"automation_id": a.ID, "payload": payload},
	}
	exec, err := b.engine.Trigger(r.Context(), a.ID, ev, token)
	if err != nil {
		if fabric.KindOf(err) == fabric.KindChainDepthExceeded {
			writeError(w, err)
			return
		}
		s.log.Warn("webhook trigger failed", zap.String("automation_id", a.ID), zap.Error(err))
		writeError(w, err)
		return
	}
	if exec == nil {
		// Duplicate trigger while a run is live, or inactive automation.
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": false, "reason": "not executed"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "execution_id": exec.ID, "state": exec.State})
}
