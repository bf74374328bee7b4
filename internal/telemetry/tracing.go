/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the control plane.
//
// Custom span attributes use the `gatetower.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "gatetower.io/controlplane"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("gatetower"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartValidateSpan creates the parent span for an API key validation.
func StartValidateSpan(ctx context.Context, tenant string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "apikeys.validate",
		trace.WithAttributes(
			attribute.String("gatetower.tenant", tenant),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartAutomationSpan creates the parent span for one automation execution.
func StartAutomationSpan(ctx context.Context, tenant, automationID string, depth int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "automation.execute",
		trace.WithAttributes(
			attribute.String("gatetower.tenant", tenant),
			attribute.String("gatetower.automation_id", automationID),
			attribute.Int("gatetower.chain_depth", depth),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndAutomationSpan enriches the automation span with its terminal state.
func EndAutomationSpan(span trace.Span, state string, retries int) {
	span.SetAttributes(
		attribute.String("gatetower.state", state),
		attribute.Int("gatetower.retries", retries),
	)
	span.End()
}

// StartIntegrationSpan creates a child span for a proxied integration call.
func StartIntegrationSpan(ctx context.Context, tenant, integrationID, method string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "integration.call",
		trace.WithAttributes(
			attribute.String("gatetower.tenant", tenant),
			attribute.String("gatetower.integration_id", integrationID),
			attribute.String("gatetower.method", method),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndIntegrationSpan enriches the integration span with the outcome.
func EndIntegrationSpan(span trace.Span, status int, restrictions []string) {
	span.SetAttributes(
		attribute.Int("gatetower.status", status),
		attribute.Int("gatetower.restrictions_applied", len(restrictions)),
	)
	span.End()
}

// StartToolSpan creates a child span for an MCP tool dispatch.
func StartToolSpan(ctx context.Context, serverID, tool string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "mcp.tool_dispatch",
		trace.WithAttributes(
			attribute.String("gatetower.server_id", serverID),
			attribute.String("gatetower.tool", tool),
		),
	)
}

// EndToolSpan enriches the tool span with result data.
func EndToolSpan(span trace.Span, ok bool, errMessage string) {
	span.SetAttributes(attribute.Bool("gatetower.success", ok))
	if !ok && errMessage != "" {
		span.SetAttributes(attribute.String("gatetower.error", errMessage))
	}
	span.End()
}
