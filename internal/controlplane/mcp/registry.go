/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package mcp

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gatetower/gatetower/internal/controlplane/audit"
	"github.com/gatetower/gatetower/internal/controlplane/store"
	"github.com/gatetower/gatetower/internal/fabric"
	"github.com/gatetower/gatetower/internal/metrics"
	"github.com/gatetower/gatetower/internal/shared/captoken"
	"github.com/gatetower/gatetower/internal/telemetry"
)

const (
	defaultConcurrency  = 10
	defaultToolTimeout  = 30 * time.Second
	degradedErrorCount  = 10
	unhealthyErrorCount = 50
)

// remoteCaller is the wire client seam for non-native server types.
type remoteCaller interface {
	CallTool(ctx context.Context, endpoint, tool string, args map[string]any) (string, error)
	Ping(ctx context.Context, endpoint string) error
}

// serverState is the process-local runtime state of one server.
type serverState struct {
	sem chan struct{}

	mu          sync.Mutex
	status      Status
	total       int64
	errors      int64
	lastChecked time.Time
}

func (s *serverState) record(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if failed {
		s.errors++
	}
	switch {
	case s.errors > unhealthyErrorCount:
		s.status = StatusUnhealthy
	case s.errors > degradedErrorCount:
		s.status = StatusDegraded
	}
}

func (s *serverState) snapshot() ServerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ServerStats{
		Status:        s.status,
		TotalRequests: s.total,
		ErrorCount:    s.errors,
		LastChecked:   s.lastChecked,
	}
}

// Registry dispatches tool invocations against registered MCP servers.
type Registry struct {
	store  *store.Store
	codec  *captoken.Codec
	trail  *audit.Trail
	remote remoteCaller
	web    *httpFetcher
	log    *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	servers map[string]*serverState
	dbs     map[string]*sql.DB
}

// NewRegistry wires the dispatcher. remote may be nil when no remote server
// types are registered.
func NewRegistry(st *store.Store, codec *captoken.Codec, trail *audit.Trail, remote remoteCaller, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		store:   st,
		codec:   codec,
		trail:   trail,
		remote:  remote,
		web:     newHTTPFetcher(),
		log:     log,
		now:     time.Now,
		servers: make(map[string]*serverState),
		dbs:     make(map[string]*sql.DB),
	}
}

// WithClock overrides the registry's clock. Test hook.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Register persists a server as an mcp_server resource with its config
// embedded and initializes its runtime state.
func (r *Registry) Register(res *store.Resource, cfg *ServerConfig) error {
	const op = "mcp.Register"
	if cfg.ServerType == "" {
		return fabric.E(fabric.KindInvalidInput, op, "server_type is required")
	}
	if len(cfg.AvailableTools) == 0 {
		return fabric.E(fabric.KindInvalidInput, op, "available_tools must not be empty")
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = defaultConcurrency
	}
	res.Type = store.TypeMCPServer
	if err := configInto(res, cfg); err != nil {
		return err
	}
	if err := r.store.CreateResource(res); err != nil {
		return err
	}
	r.stateFor(res.ID, cfg)
	return nil
}

func (r *Registry) stateFor(id string, cfg *ServerConfig) *serverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[id]
	if !ok {
		size := cfg.MaxConcurrentRequests
		if size <= 0 {
			size = defaultConcurrency
		}
		s = &serverState{sem: make(chan struct{}, size), status: StatusStarting}
		r.servers[id] = s
	}
	return s
}

// Stats returns the runtime counters for one server.
func (r *Registry) Stats(id string) (ServerStats, error) {
	r.mu.Lock()
	s, ok := r.servers[id]
	r.mu.Unlock()
	if !ok {
		return ServerStats{}, fabric.Errorf(fabric.KindNotFound, "mcp.Stats", "server %s not registered", id)
	}
	return s.snapshot(), nil
}

// Execute validates and dispatches one tool invocation:
// tenant match, capability, tool availability, then a non-blocking
// concurrency slot. Backend outcomes always produce a Result; pre-flight
// failures return only the error.
func (r *Registry) Execute(ctx context.Context, req *Request) (*Result, error) {
	const op = "mcp.Execute"

	res, err := r.store.GetResource(req.ServerID)
	if err != nil {
		return nil, err
	}
	if res.Type != store.TypeMCPServer {
		return nil, fabric.Errorf(fabric.KindInvalidInput, op, "resource %s is not an mcp_server", res.ID)
	}

	claims, err := r.codec.Verify(req.Token)
	if err != nil {
		return nil, err
	}
	if claims.TenantID != res.TenantDomain {
		r.trail.Emit(audit.SeverityWarning, audit.ActionCrossTenantAttempt, claims.TenantID, req.UserID,
			map[string]any{"server_id": res.ID, "tool": req.ToolName})
		return nil, fabric.E(fabric.KindCrossTenant, op, "Cross-tenant access denied")
	}

	required := "mcp:" + res.Name + ":" + req.ToolName
	if !claims.HasCapability(required) {
		r.trail.Emit(audit.SeverityWarning, audit.ActionAccessDenied, res.TenantDomain, req.UserID,
			map[string]any{"server_id": res.ID, "tool": req.ToolName, "required": required})
		return nil, fabric.Errorf(fabric.KindPermissionDenied, op, "missing capability %s", required)
	}

	cfg, err := configFrom(res)
	if err != nil {
		return nil, err
	}
	if !cfg.HasTool(req.ToolName) {
		return nil, fabric.Errorf(fabric.KindInvalidInput, op,
			"tool %s not available on server %s", req.ToolName, res.Name)
	}

	state := r.stateFor(res.ID, cfg)
	select {
	case state.sem <- struct{}{}:
	default:
		metrics.RecordRateLimitRejection("mcp")
		return nil, fabric.Errorf(fabric.KindRateLimited, op,
			"server %s at concurrency limit", res.Name)
	}
	defer func() { <-state.sem }()

	timeout := defaultToolTimeout
	if cfg.Sandbox.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runCtx, span := telemetry.StartToolSpan(runCtx, res.ID, req.ToolName)
	start := r.now()
	output, execErr := r.dispatch(runCtx, res, cfg, req)
	duration := r.now().Sub(start).Milliseconds()
	errMessage := ""
	if execErr != nil {
		errMessage = fabric.Reason(execErr)
	}
	telemetry.EndToolSpan(span, execErr == nil, errMessage)

	state.record(execErr != nil)
	metrics.RecordMCPDispatch(cfg.ServerType, execErr == nil)
	result := &Result{Success: execErr == nil, Output: output, DurationMS: duration}
	if execErr != nil {
		result.Error = fabric.Reason(execErr)
	}

	severity := audit.SeverityInfo
	if execErr != nil {
		severity = audit.SeverityWarning
	}
	r.trail.Emit(severity, audit.ActionToolInvoked, res.TenantDomain, req.UserID, map[string]any{
		"server_id":   res.ID,
		"server_name": res.Name,
		"tool":        req.ToolName,
		"success":     execErr == nil,
		"duration_ms": duration,
	})

	if execErr != nil {
		return result, execErr
	}
	return result, nil
}

// dispatch validates per-type parameters and runs the backend.
func (r *Registry) dispatch(ctx context.Context, res *store.Resource, cfg *ServerConfig, req *Request) (any, error) {
	switch cfg.ServerType {
	case "filesystem":
		return r.execFilesystem(res, cfg, req)
	case "web":
		return r.execWeb(ctx, cfg, req)
	case "database":
		return r.execDatabase(ctx, res, cfg, req)
	default:
		return r.execRemote(ctx, cfg, req)
	}
}

func (r *Registry) execRemote(ctx context.Context, cfg *ServerConfig, req *Request) (any, error) {
	const op = "mcp.execRemote"
	if r.remote == nil {
		return nil, fabric.E(fabric.KindUpstreamFailure, op, "no remote MCP client configured")
	}
	text, err := r.remote.CallTool(ctx, cfg.ServerURL, req.ToolName, req.Parameters)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fabric.E(fabric.KindTimeout, op, "tool call timed out", err)
		}
		return nil, fabric.E(fabric.KindUpstreamFailure, op, err)
	}
	return text, nil
}

// CheckHealth pings every registered remote server and refreshes statuses.
// Counter-driven Degraded/Unhealthy transitions stick; a passing ping
// upgrades Starting servers to Healthy.
func (r *Registry) CheckHealth(ctx context.Context) {
	resources, err := r.store.ListResources()
	if err != nil {
		r.log.Warn("health check cannot list resources", zap.Error(err))
		return
	}
	now := r.now().UTC()
	for _, res := range resources {
		if res.Type != store.TypeMCPServer {
			continue
		}
		cfg, err := configFrom(res)
		if err != nil {
			continue
		}
		state := r.stateFor(res.ID, cfg)

		var pingErr error
		switch cfg.ServerType {
		case "filesystem", "web", "database":
			// Native backends have no liveness probe beyond their own calls.
		default:
			if r.remote != nil {
				pingErr = r.remote.Ping(ctx, cfg.ServerURL)
			}
		}

		state.mu.Lock()
		state.lastChecked = now
		switch {
		case pingErr != nil:
			state.status = StatusUnhealthy
		case state.errors > unhealthyErrorCount:
			state.status = StatusUnhealthy
		case state.errors > degradedErrorCount:
			state.status = StatusDegraded
		default:
			state.status = StatusHealthy
		}
		state.mu.Unlock()
	}
}

// Close releases pooled database handles.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, db := range r.dbs {
		if err := db.Close(); err != nil {
			r.log.Warn("failed to close database handle", zap.String("server_id", id), zap.Error(err))
		}
	}
	r.dbs = make(map[string]*sql.DB)
}
