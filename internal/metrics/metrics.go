/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines the Prometheus metrics for the control plane.
//
// All metrics are registered with a package-level registry served on the
// /metrics endpoint.
//
// Metric naming follows Prometheus conventions:
//   - gatetower_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var registry = prometheus.NewRegistry()

// Registry returns the registry backing the /metrics endpoint.
func Registry() *prometheus.Registry { return registry }

var (
	// TokenVerificationsTotal counts capability token verifications by outcome.
	TokenVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatetower_token_verifications_total",
			Help: "Total capability token verifications by outcome.",
		},
		[]string{"outcome"},
	)

	// AccessDecisionsTotal counts authorization decisions by outcome.
	AccessDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatetower_access_decisions_total",
			Help: "Total access-control decisions by tenant and outcome.",
		},
		[]string{"tenant", "outcome"},
	)

	// KeyValidationsTotal counts API key validations by outcome.
	KeyValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatetower_key_validations_total",
			Help: "Total API key validations by tenant and outcome.",
		},
		[]string{"tenant", "outcome"},
	)

	// EventsEmittedTotal counts events appended to the tenant event log.
	EventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatetower_events_emitted_total",
			Help: "Total events appended by tenant and event type.",
		},
		[]string{"tenant", "type"},
	)

	// AutomationExecutionsTotal counts automation executions by terminal state.
	AutomationExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatetower_automation_executions_total",
			Help: "Total automation executions by tenant and terminal state.",
		},
		[]string{"tenant", "state"},
	)

	// IntegrationCallsTotal counts proxied integration calls by status class.
	IntegrationCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatetower_integration_calls_total",
			Help: "Total integration calls by tenant and HTTP status class.",
		},
		[]string{"tenant", "class"},
	)

	// MCPDispatchesTotal counts MCP tool dispatches by server type and outcome.
	MCPDispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatetower_mcp_dispatches_total",
			Help: "Total MCP tool dispatches by server type and outcome.",
		},
		[]string{"server_type", "outcome"},
	)

	// RateLimitRejectionsTotal counts sliding-window rejections by surface.
	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatetower_rate_limit_rejections_total",
			Help: "Total rate-limit rejections by surface.",
		},
		[]string{"surface"},
	)

	// RequestDurationSeconds is a histogram of HTTP request duration by route.
	RequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatetower_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"route", "status"},
	)
)

func init() {
	registry.MustRegister(
		TokenVerificationsTotal,
		AccessDecisionsTotal,
		KeyValidationsTotal,
		EventsEmittedTotal,
		AutomationExecutionsTotal,
		IntegrationCallsTotal,
		MCPDispatchesTotal,
		RateLimitRejectionsTotal,
		RequestDurationSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// RecordTokenVerification records one token verification.
func RecordTokenVerification(ok bool) {
	TokenVerificationsTotal.WithLabelValues(outcome(ok)).Inc()
}

// RecordAccessDecision records one authorization decision.
func RecordAccessDecision(tenant string, allowed bool) {
	AccessDecisionsTotal.WithLabelValues(tenant, outcome(allowed)).Inc()
}

// RecordKeyValidation records one API key validation.
func RecordKeyValidation(tenant string, valid bool) {
	KeyValidationsTotal.WithLabelValues(tenant, outcome(valid)).Inc()
}

// RecordEvent records one event appended to a tenant log.
func RecordEvent(tenant, eventType string) {
	EventsEmittedTotal.WithLabelValues(tenant, eventType).Inc()
}

// RecordAutomationExecution records one finished automation execution.
func RecordAutomationExecution(tenant, state string) {
	AutomationExecutionsTotal.WithLabelValues(tenant, state).Inc()
}

// RecordIntegrationCall records one proxied integration call. Status 0 (no
// response at all) lands in class "error".
func RecordIntegrationCall(tenant string, status int) {
	class := "error"
	if status >= 100 {
		class = string(rune('0'+status/100)) + "xx"
	}
	IntegrationCallsTotal.WithLabelValues(tenant, class).Inc()
}

// RecordMCPDispatch records one MCP tool dispatch.
func RecordMCPDispatch(serverType string, ok bool) {
	MCPDispatchesTotal.WithLabelValues(serverType, outcome(ok)).Inc()
}

// RecordRateLimitRejection records one sliding-window rejection.
func RecordRateLimitRejection(surface string) {
	RateLimitRejectionsTotal.WithLabelValues(surface).Inc()
}

// RecordRequest records one HTTP request.
func RecordRequest(route, status string, duration time.Duration) {
	RequestDurationSeconds.WithLabelValues(route, status).Observe(duration.Seconds())
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
