/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package automations executes user-defined action chains: bounded chaining
// into other automations, retries with exponential backoff, cooperative
// timeouts, and a variable scope flowing through every action. At most one
// invocation per automation id is live at a time; duplicate triggers are
// dropped, never queued.
package automations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatetower/gatetower/internal/controlplane/audit"
	"github.com/gatetower/gatetower/internal/controlplane/events"
	"github.com/gatetower/gatetower/internal/fabric"
	"github.com/gatetower/gatetower/internal/metrics"
	"github.com/gatetower/gatetower/internal/shared/captoken"
	"github.com/gatetower/gatetower/internal/shared/ratelimit"
	"github.com/gatetower/gatetower/internal/telemetry"
)

const (
	defaultChainDepth     = 5
	defaultTimeoutSeconds = 300
	defaultLoopCap        = 100
	maxWait               = 60 * time.Second
	maxBackoff            = 30 * time.Second
	maxRetryCap           = 5
	maxResponseBytes      = 1 << 20
)

// Engine runs automations for one tenant.
type Engine struct {
	store   *Store
	bus     *events.Bus
	codec   *captoken.Codec
	trail   *audit.Trail
	limiter *ratelimit.Limiter
	client  *http.Client
	log     *zap.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	live map[string]bool
}

// NewEngine wires the executor. A nil client gets a default with sane
// timeouts; the per-execution deadline still governs every call.
func NewEngine(st *Store, bus *events.Bus, codec *captoken.Codec, trail *audit.Trail, limiter *ratelimit.Limiter, client *http.Client, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Engine{
		store:   st,
		bus:     bus,
		codec:   codec,
		trail:   trail,
		limiter: limiter,
		client:  client,
		log:     log,
		now:     time.Now,
		sleep:   sleepCtx,
		live:    make(map[string]bool),
	}
}

// WithClock overrides the engine's clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithSleeper overrides the engine's delay function. Test hook.
func (e *Engine) WithSleeper(sleep func(ctx context.Context, d time.Duration) error) *Engine {
	e.sleep = sleep
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Dispatcher adapts the engine to the event bus. Each matched registration
// runs as its own task, so automations of one tenant overlap and Emit never
// waits on action execution; the live map still drops a trigger whose
// automation already has an invocation in flight.
func (e *Engine) Dispatcher(token string) events.DispatchFunc {
	return func(reg events.TriggerRegistration, ev *events.Event) {
		go func() {
			if _, err := e.Trigger(context.Background(), reg.AutomationID, ev, token); err != nil {
				e.log.Warn("automation dispatch failed",
					zap.String("automation_id", reg.AutomationID),
					zap.String("event_id", ev.ID),
					zap.Error(err))
			}
		}()
	}
}

// Trigger starts one automation for an event, enforcing at-most-one-live per
// automation id. A duplicate trigger while an invocation is live is dropped
// with a log entry and a nil result.
func (e *Engine) Trigger(ctx context.Context, automationID string, ev *events.Event, token string) (*Execution, error) {
	a, err := e.store.Get(automationID)
	if err != nil {
		return nil, err
	}
	if !a.IsActive {
		return nil, nil
	}

	e.mu.Lock()
	if e.live[a.ID] {
		e.mu.Unlock()
		e.log.Info("dropping duplicate trigger for live automation",
			zap.String("automation_id", a.ID),
			zap.String("event_id", ev.ID))
		return nil, nil
	}
	e.live[a.ID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.live, a.ID)
		e.mu.Unlock()
	}()

	depth := captoken.IntConstraint(ev.Data, "chain_depth", 0)
	return e.ExecuteChain(ctx, a, ev, token, depth)
}

// ExecuteChain runs one invocation at the given chain depth and writes its
// terminal execution record. Chain fan-out and the chain action re-enter
// here at depth+1; a child's depth violation is logged and recorded but does
// not fail the parent.
func (e *Engine) ExecuteChain(ctx context.Context, a *Automation, ev *events.Event, token string, depth int) (*Execution, error) {
	const op = "automations.ExecuteChain"

	claims, err := e.codec.Verify(token)
	if err != nil {
		return nil, err
	}
	maxDepth := captoken.IntConstraint(claims.Constraints, "max_automation_chain_depth", defaultChainDepth)
	timeoutSec := captoken.IntConstraint(claims.Constraints, "automation_timeout_seconds", defaultTimeoutSeconds)

	exec := &Execution{
		ID:             uuid.NewString(),
		AutomationID:   a.ID,
		TriggerEventID: ev.ID,
		ChainDepth:     depth,
		State:          StatePending,
		StartedAt:      e.now().UTC(),
	}
	if parent, ok := ev.Data["parent_automation_id"].(string); ok {
		exec.ParentAutomationID = parent
	}

	if depth >= maxDepth {
		exec.State = StateChainExceeded
		exec.FinishedAt = e.now().UTC()
		exec.Error = fmt.Sprintf("chain depth %d exceeds limit %d", depth, maxDepth)
		if werr := e.store.WriteExecution(exec); werr != nil {
			e.log.Error("failed to write execution record", zap.String("automation_id", a.ID), zap.Error(werr))
		}
		return exec, fabric.E(fabric.KindChainDepthExceeded, op, exec.Error)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()
	runCtx, span := telemetry.StartAutomationSpan(runCtx, claims.TenantID, a.ID, depth)

	vars := map[string]any{
		"event_id":   ev.ID,
		"event_type": ev.Type,
		"event_data": ev.Data,
	}
	if result, ok := ev.Data["parent_result"]; ok {
		vars["parent_result"] = result
	}

	exec.State = StateRunning
	runErr := e.runActions(runCtx, a, a.Actions, claims, vars, exec, token, depth)

	exec.FinishedAt = e.now().UTC()
	exec.Variables = vars
	switch {
	case runErr == nil:
		exec.State = StateSucceeded
	case errors.Is(runErr, context.DeadlineExceeded) || fabric.KindOf(runErr) == fabric.KindTimeout:
		exec.State = StateTimedOut
		exec.Error = "automation timed out"
	default:
		exec.State = StateFailed
		exec.Error = fabric.Reason(runErr)
	}

	if exec.State == StateSucceeded && a.TriggersChain {
		for _, targetID := range a.ChainTargets {
			e.chainInto(ctx, a, targetID, token, depth+1, vars)
		}
	}

	if werr := e.store.WriteExecution(exec); werr != nil {
		e.log.Error("failed to write execution record", zap.String("automation_id", a.ID), zap.Error(werr))
	}
	metrics.RecordAutomationExecution(claims.TenantID, string(exec.State))
	telemetry.EndAutomationSpan(span, string(exec.State), exec.Retries)
	e.emitCompletion(a, exec, depth)

	if runErr != nil {
		return exec, runErr
	}
	return exec, nil
}

// chainInto loads and recursively executes a chain target with a synthetic
// chain event. Errors, including depth violations, are the child's problem.
func (e *Engine) chainInto(ctx context.Context, parent *Automation, targetID, token string, depth int, vars map[string]any) {
	target, err := e.store.Get(targetID)
	if err != nil {
		e.log.Warn("chain target not loadable",
			zap.String("automation_id", parent.ID),
			zap.String("target_id", targetID),
			zap.Error(err))
		return
	}
	synth := &events.Event{
		ID:     uuid.NewString(),
		Type:   events.TypeAutomationChain,
		Tenant: e.store.paths.Tenant().Domain,
		User:   target.OwnerID,
		Data: map[string]any{
			"parent_automation_id": parent.ID,
			"parent_result":        vars,
			"chain_depth":          depth,
		},
	}
	if _, err := e.ExecuteChain(ctx, target, synth, token, depth); err != nil {
		e.log.Warn("chained automation did not complete",
			zap.String("automation_id", parent.ID),
			zap.String("target_id", targetID),
			zap.Int("chain_depth", depth),
			zap.Error(err))
	}
}

// emitCompletion publishes the catalog completion events. The chain depth
// rides along so completion-triggered automations stay depth-bounded.
func (e *Engine) emitCompletion(a *Automation, exec *Execution, depth int) {
	if e.bus == nil {
		return
	}
	duration := exec.FinishedAt.Sub(exec.StartedAt).Milliseconds()
	var ev *events.Event
	if exec.State == StateSucceeded {
		ev = &events.Event{
			Type: events.TypeAutomationCompleted,
			User: a.OwnerID,
			Data: map[string]any{
				"automation_id": a.ID,
				"result":        string(exec.State),
				"duration_ms":   duration,
				"chain_depth":   depth + 1,
			},
		}
	} else {
		ev = &events.Event{
			Type: events.TypeAutomationFailed,
			User: a.OwnerID,
			Data: map[string]any{
				"automation_id": a.ID,
				"error":         exec.Error,
				"retry_count":   exec.Retries,
				"chain_depth":   depth + 1,
			},
		}
	}
	if err := e.bus.Emit(ev); err != nil {
		e.log.Warn("failed to emit completion event", zap.String("automation_id", a.ID), zap.Error(err))
	}
}

// runActions executes a list of actions in order: capability gate, then
// retries with exponential backoff capped at 30s, up to min(max_retries, 5).
func (e *Engine) runActions(ctx context.Context, a *Automation, actions []Action, claims *captoken.Claims, vars map[string]any, exec *Execution, token string, depth int) error {
	const op = "automations.runActions"
	retries := a.MaxRetries
	if retries > maxRetryCap {
		retries = maxRetryCap
	}

	for i := range actions {
		action := &actions[i]
		if err := ctx.Err(); err != nil {
			return fabric.E(fabric.KindTimeout, op, "automation timed out", err)
		}
		if required := requiredCapability(action.Type); required != "" && !claims.HasCapability(required) {
			return fabric.Errorf(fabric.KindPermissionDenied, op,
				"missing capability %s for action %s", required, action.Type)
		}

		var err error
		for attempt := 0; ; attempt++ {
			err = e.runAction(ctx, a, action, claims, vars, exec, token, depth)
			if err == nil || attempt >= retries {
				break
			}
			if errors.Is(err, context.DeadlineExceeded) || fabric.KindOf(err) == fabric.KindTimeout {
				break
			}
			exec.State = StateRetrying
			exec.Retries++
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			e.log.Info("retrying action",
				zap.String("automation_id", a.ID),
				zap.String("action_type", string(action.Type)),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff))
			if serr := e.sleep(ctx, backoff); serr != nil {
				return fabric.E(fabric.KindTimeout, op, "automation timed out", serr)
			}
			exec.State = StateRunning
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// runAction dispatches one tagged action variant. The switch is exhaustive
// over the closed set; unrecognized types pass with a log entry.
func (e *Engine) runAction(ctx context.Context, a *Automation, action *Action, claims *captoken.Claims, vars map[string]any, exec *Execution, token string, depth int) error {
	switch action.Type {
	case ActionAPICall:
		return e.runAPICall(ctx, action, claims, vars)
	case ActionDataTransform:
		return runDataTransform(action, vars)
	case ActionConditional:
		return e.runConditional(ctx, a, action, claims, vars, exec, token, depth)
	case ActionLoop:
		return e.runLoop(ctx, a, action, claims, vars, exec, token, depth)
	case ActionWait:
		return e.runWait(ctx, action)
	case ActionVariableSet:
		for k, v := range action.Variables {
			vars[k] = SubstituteAny(v, vars)
		}
		return nil
	case ActionChain:
		targetID := Substitute(action.TargetAutomationID, vars)
		e.chainInto(ctx, a, targetID, token, depth+1, vars)
		return nil
	case ActionLog:
		msg := Substitute(action.Message, vars)
		level := action.Level
		if level == "" {
			level = "info"
		}
		e.log.Info("automation log action",
			zap.String("automation_id", a.ID),
			zap.String("level", level),
			zap.String("message", msg))
		if e.trail != nil {
			e.trail.Emit(audit.SeverityInfo, audit.ActionAutomationLog, e.store.paths.Tenant().Domain, a.OwnerID,
				map[string]any{"automation_id": a.ID, "level": level, "message": msg})
		}
		return nil
	default:
		e.log.Warn("unknown action type, passing",
			zap.String("automation_id", a.ID),
			zap.String("action_type", string(action.Type)))
		return nil
	}
}

func (e *Engine) runAPICall(ctx context.Context, action *Action, claims *captoken.Claims, vars map[string]any) error {
	const op = "automations.runAPICall"

	if limit := claims.RateLimits["requests_per_hour"]; limit > 0 && e.limiter != nil {
		decision := e.limiter.Allow("automation:"+claims.Sub+":api_calls", limit)
		if !decision.Allowed {
			return fabric.E(fabric.KindRateLimited, op, decision.Reason)
		}
	}

	endpoint := Substitute(action.Endpoint, vars)
	method := strings.ToUpper(action.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if action.Body != nil {
		payload, err := json.Marshal(SubstituteAny(action.Body, vars))
		if err != nil {
			return fabric.E(fabric.KindInvalidInput, op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fabric.E(fabric.KindInvalidInput, op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range action.Headers {
		req.Header.Set(k, Substitute(v, vars))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fabric.E(fabric.KindTimeout, op, "automation timed out", err)
		}
		return fabric.E(fabric.KindUpstreamFailure, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fabric.E(fabric.KindUpstreamFailure, op, err)
	}
	var parsed any
	if json.Unmarshal(data, &parsed) != nil {
		parsed = map[string]any{"raw_content": string(data)}
	}
	vars["last_response"] = parsed
	vars["last_status"] = resp.StatusCode

	if resp.StatusCode >= 400 {
		return fabric.Errorf(fabric.KindUpstreamFailure, op, "upstream returned %d", resp.StatusCode)
	}
	return nil
}

func runDataTransform(action *Action, vars map[string]any) error {
	const op = "automations.runDataTransform"
	source, _ := vars[action.Source]
	switch action.TransformType {
	case "json_parse":
		raw, ok := source.(string)
		if !ok {
			return fabric.E(fabric.KindInvalidInput, op, "json_parse source is not a string")
		}
		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return fabric.E(fabric.KindInvalidInput, op, err)
		}
		vars[action.Target] = parsed
	case "json_stringify":
		data, err := json.Marshal(source)
		if err != nil {
			return fabric.E(fabric.KindInvalidInput, op, err)
		}
		vars[action.Target] = string(data)
	case "extract":
		v, ok := events.LookupPath(source, action.Path)
		if !ok {
			v = nil
		}
		vars[action.Target] = v
	case "map":
		out := make(map[string]any, len(action.Mapping))
		for key, path := range action.Mapping {
			v, ok := events.LookupPath(source, path)
			if !ok {
				v = nil
			}
			out[key] = v
		}
		vars[action.Target] = out
	default:
		return fabric.Errorf(fabric.KindInvalidInput, op, "unknown transform_type %q", action.TransformType)
	}
	return nil
}

func (e *Engine) runConditional(ctx context.Context, a *Automation, action *Action, claims *captoken.Claims, vars map[string]any, exec *Execution, token string, depth int) error {
	const op = "automations.runConditional"
	if action.Condition == nil {
		return fabric.E(fabric.KindInvalidInput, op, "conditional requires a condition")
	}
	cond := *action.Condition
	if s, ok := cond.Value.(string); ok {
		cond.Value = Substitute(s, vars)
	}
	branch := action.Else
	if cond.EvalScope(vars) {
		branch = action.Then
	}
	return e.runActions(ctx, a, branch, claims, vars, exec, token, depth)
}

func (e *Engine) runLoop(ctx context.Context, a *Automation, action *Action, claims *captoken.Claims, vars map[string]any, exec *Execution, token string, depth int) error {
	const op = "automations.runLoop"
	items := action.Items
	if ref, ok := items.(string); ok {
		name := strings.TrimPrefix(strings.TrimSuffix(strings.TrimPrefix(ref, "${"), "}"), "$")
		resolved, found := events.LookupPath(vars, name)
		if !found {
			return fabric.Errorf(fabric.KindInvalidInput, op, "loop items variable %q not found", name)
		}
		items = resolved
	}
	list, ok := items.([]any)
	if !ok {
		return fabric.E(fabric.KindInvalidInput, op, "loop items is not a list")
	}

	maxIter := captoken.IntConstraint(claims.Constraints, "max_loop_iterations", defaultLoopCap)
	for i, item := range list {
		if i >= maxIter {
			e.log.Warn("loop iteration cap reached",
				zap.String("automation_id", a.ID), zap.Int("cap", maxIter))
			break
		}
		if err := ctx.Err(); err != nil {
			return fabric.E(fabric.KindTimeout, op, "automation timed out", err)
		}
		if action.Variable != "" {
			vars[action.Variable] = item
		}
		if err := e.runActions(ctx, a, action.Actions, claims, vars, exec, token, depth); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runWait(ctx context.Context, action *Action) error {
	const op = "automations.runWait"
	d := time.Duration(action.DurationSeconds * float64(time.Second))
	if d < 0 {
		d = 0
	}
	if d > maxWait {
		d = maxWait
	}
	if err := e.sleep(ctx, d); err != nil {
		return fabric.E(fabric.KindTimeout, op, "automation timed out", err)
	}
	return nil
}
