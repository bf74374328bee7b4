/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package integrations

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/gatetower/gatetower/internal/controlplane/audit"
	"github.com/gatetower/gatetower/internal/controlplane/store"
	"github.com/gatetower/gatetower/internal/fabric"
	"github.com/gatetower/gatetower/internal/metrics"
	"github.com/gatetower/gatetower/internal/shared/captoken"
	"github.com/gatetower/gatetower/internal/shared/ratelimit"
	"github.com/gatetower/gatetower/internal/telemetry"
	"github.com/gatetower/gatetower/internal/tenant"
)

const defaultResponseCap = 10 << 20

// Proxy executes sandboxed calls against configured third-party APIs.
type Proxy struct {
	fs      *store.FS
	paths   tenant.Paths
	codec   *captoken.Codec
	limiter *ratelimit.Limiter
	trail   *audit.Trail
	client  *http.Client
	log     *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	oauth  map[string]oauth2.TokenSource
}

// NewProxy wires the integration proxy for one tenant.
func NewProxy(fs *store.FS, paths tenant.Paths, codec *captoken.Codec, limiter *ratelimit.Limiter, trail *audit.Trail, client *http.Client, log *zap.Logger) *Proxy {
	if log == nil {
		log = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Proxy{
		fs:      fs,
		paths:   paths,
		codec:   codec,
		limiter: limiter,
		trail:   trail,
		client:  client,
		log:     log,
		now:     time.Now,
		oauth:   make(map[string]oauth2.TokenSource),
	}
}

// WithClock overrides the proxy's clock. Test hook.
func (p *Proxy) WithClock(now func() time.Time) *Proxy {
	p.now = now
	return p
}

// SaveConfig validates and persists an integration configuration.
func (p *Proxy) SaveConfig(cfg *Config) error {
	const op = "integrations.SaveConfig"
	if cfg.Name == "" {
		return fabric.E(fabric.KindInvalidInput, op, "name is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.SandboxLevel == "" {
		cfg.SandboxLevel = SandboxBasic
	}
	if _, err := ParseSandboxLevel(string(cfg.SandboxLevel)); err != nil {
		return err
	}
	now := p.now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	// A changed auth config invalidates any cached oauth2 token source.
	p.mu.Lock()
	delete(p.oauth, cfg.ID)
	p.mu.Unlock()

	return p.fs.WriteJSON(p.paths.IntegrationConfigFile(cfg.ID), cfg)
}

// GetConfig loads one configuration.
func (p *Proxy) GetConfig(id string) (*Config, error) {
	var cfg Config
	if err := p.fs.ReadJSON(p.paths.IntegrationConfigFile(id), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListConfigs returns every parseable configuration.
func (p *Proxy) ListConfigs() ([]*Config, error) {
	ids, err := p.fs.ListIDs(p.paths.IntegrationConfigsDir())
	if err != nil {
		return nil, err
	}
	out := make([]*Config, 0, len(ids))
	for _, id := range ids {
		cfg, err := p.GetConfig(id)
		if err != nil {
			if fabric.KindOf(err) == fabric.KindIntegrityError {
				p.log.Warn("skipping unparseable integration config", zap.String("integration_id", id))
				continue
			}
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// DeleteConfig removes a configuration and its cached credentials.
func (p *Proxy) DeleteConfig(id string) error {
	p.mu.Lock()
	delete(p.oauth, id)
	p.mu.Unlock()
	return p.fs.Remove(p.paths.IntegrationConfigFile(id))
}

// Execute runs the proxy pipeline for one request. Sandbox violations come
// back as a failed Response carrying the applied restrictions alongside the
// error; no network I/O has happened. Upstream outcomes always produce a
// Response: 408 on timeout, 500 on transport failure, the upstream status
// otherwise.
func (p *Proxy) Execute(ctx context.Context, req *Request, token string) (*Response, error) {
	const op = "integrations.Execute"

	claims, err := p.codec.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.TenantID != p.paths.Tenant().Domain {
		p.trail.Emit(audit.SeverityWarning, audit.ActionCrossTenantAttempt, claims.TenantID, req.UserID,
			map[string]any{"integration_id": req.IntegrationID})
		return nil, fabric.E(fabric.KindCrossTenant, op, "Cross-tenant access denied")
	}

	cfg, err := p.GetConfig(req.IntegrationID)
	if err != nil {
		return nil, err
	}
	if !cfg.IsActive {
		return nil, fabric.Errorf(fabric.KindPermissionDenied, op, "integration %s is not active", cfg.ID)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	required := "integration:" + cfg.ID + ":" + strings.ToLower(method)
	if !claims.HasCapability(required) {
		return nil, fabric.Errorf(fabric.KindPermissionDenied, op, "missing capability %s", required)
	}

	if decision := p.limiter.Allow("integration:"+cfg.ID, cfg.MaxRequestsPerHour); !decision.Allowed {
		metrics.RecordRateLimitRejection("integrations")
		return nil, fabric.E(fabric.KindRateLimited, op, decision.Reason)
	}

	tokenTimeout := captoken.IntConstraint(claims.Constraints, "integration_timeout_seconds", 0)
	r := restrictionsFor(cfg, tokenTimeout)
	if err := r.preflight(cfg, req); err != nil {
		resp := &Response{
			Success:             false,
			ErrorMessage:        fabric.Reason(err),
			RestrictionsApplied: r.applied,
		}
		p.record(cfg, req, resp)
		return resp, err
	}

	ctx, span := telemetry.StartIntegrationSpan(ctx, claims.TenantID, cfg.ID, method)
	resp := p.call(ctx, cfg, req, method, &r)
	resp.RestrictionsApplied = r.applied
	telemetry.EndIntegrationSpan(span, resp.Status, resp.RestrictionsApplied)
	p.record(cfg, req, resp)
	return resp, nil
}

func (p *Proxy) call(ctx context.Context, cfg *Config, req *Request, method string, r *restrictions) *Response {
	start := p.now()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	url := req.Endpoint
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = strings.TrimSuffix(cfg.BaseURL, "/") + "/" + strings.TrimPrefix(req.Endpoint, "/")
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return &Response{Status: http.StatusInternalServerError, ErrorMessage: err.Error(),
			DurationMS: p.now().Sub(start).Milliseconds()}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if err := p.applyAuth(ctx, cfg, httpReq); err != nil {
		return &Response{Status: http.StatusInternalServerError, ErrorMessage: fabric.Reason(err),
			DurationMS: p.now().Sub(start).Milliseconds()}
	}
	for k, v := range cfg.CustomHeaders {
		httpReq.Header.Set(k, v)
	}

	upstream, err := p.client.Do(httpReq)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		return &Response{Status: status, ErrorMessage: err.Error(),
			DurationMS: p.now().Sub(start).Milliseconds()}
	}
	defer upstream.Body.Close()

	limit := cfg.MaxResponseSizeBytes
	if limit <= 0 {
		limit = defaultResponseCap
	}
	data, err := io.ReadAll(io.LimitReader(upstream.Body, limit))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		return &Response{Status: status, ErrorMessage: err.Error(),
			DurationMS: p.now().Sub(start).Milliseconds()}
	}

	var decoded any
	if json.Unmarshal(data, &decoded) != nil {
		decoded = map[string]any{"raw_content": string(data)}
	}
	return &Response{
		Success:    upstream.StatusCode >= 200 && upstream.StatusCode < 300,
		Status:     upstream.StatusCode,
		Data:       decoded,
		DurationMS: p.now().Sub(start).Milliseconds(),
	}
}

// applyAuth injects outbound credentials from the stored auth config.
func (p *Proxy) applyAuth(ctx context.Context, cfg *Config, req *http.Request) error {
	const op = "integrations.applyAuth"
	ac := cfg.AuthConfig
	switch cfg.AuthMethod {
	case AuthAPIKey:
		header := ac["key_header"]
		if header == "" {
			header = "Authorization"
		}
		prefix := ac["key_prefix"]
		if prefix == "" {
			prefix = "Bearer"
		}
		req.Header.Set(header, prefix+" "+ac["api_key"])
	case AuthBasic:
		cred := base64.StdEncoding.EncodeToString([]byte(ac["username"] + ":" + ac["password"]))
		req.Header.Set("Authorization", "Basic "+cred)
	case AuthOAuth2:
		tok, err := p.oauthToken(ctx, cfg)
		if err != nil {
			return fabric.E(fabric.KindUpstreamFailure, op, err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return nil
}

// oauthToken resolves an oauth2 bearer token: a literal access_token wins;
// otherwise client-credentials against token_url with a cached source.
func (p *Proxy) oauthToken(ctx context.Context, cfg *Config) (string, error) {
	ac := cfg.AuthConfig
	if tok := ac["access_token"]; tok != "" {
		return tok, nil
	}
	if ac["token_url"] == "" || ac["client_id"] == "" || ac["client_secret"] == "" {
		return "", fabric.E(fabric.KindInvalidInput, "integrations.oauthToken",
			"oauth2 auth requires access_token or token_url credentials")
	}

	p.mu.Lock()
	source, ok := p.oauth[cfg.ID]
	if !ok {
		cc := &clientcredentials.Config{
			ClientID:     ac["client_id"],
			ClientSecret: ac["client_secret"],
			TokenURL:     ac["token_url"],
		}
		if scopes := ac["scopes"]; scopes != "" {
			cc.Scopes = strings.Split(scopes, " ")
		}
		source = cc.TokenSource(context.Background())
		p.oauth[cfg.ID] = source
	}
	p.mu.Unlock()

	tok, err := source.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// record appends the usage line and the audit record for one call.
func (p *Proxy) record(cfg *Config, req *Request, resp *Response) {
	now := p.now().UTC()
	metrics.RecordIntegrationCall(p.paths.Tenant().Domain, resp.Status)
	usage := UsageRecord{
		Timestamp:     now,
		IntegrationID: cfg.ID,
		UserID:        req.UserID,
		Endpoint:      req.Endpoint,
		Method:        strings.ToUpper(req.Method),
		Status:        resp.Status,
		Success:       resp.Success,
		DurationMS:    resp.DurationMS,
	}
	if err := p.fs.AppendLine(p.paths.IntegrationUsageLog(now), &usage); err != nil {
		p.log.Warn("cannot append integration usage", zap.String("integration_id", cfg.ID), zap.Error(err))
	}

	severity := audit.SeverityInfo
	if !resp.Success {
		severity = audit.SeverityWarning
	}
	p.trail.Record(audit.Record{
		Timestamp:           now,
		Severity:            severity,
		Action:              audit.ActionIntegrationExec,
		Tenant:              p.paths.Tenant().Domain,
		UserID:              req.UserID,
		IntegrationID:       cfg.ID,
		RestrictionsApplied: resp.RestrictionsApplied,
		Details: map[string]any{
			"endpoint": req.Endpoint,
			"method":   strings.ToUpper(req.Method),
			"status":   resp.Status,
			"success":  resp.Success,
		},
	})
}
