/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package mcp is the wire client for remote MCP (Model Context Protocol)
// tool servers. The control plane's dispatcher uses it for every server type
// it does not handle natively: connect over streamable HTTP, call the tool,
// return the text content.
//
// Sessions are cached per endpoint and re-established on failure; servers
// being unreachable degrades the one call, never the process.
package mcp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Client talks to remote MCP servers over streamable HTTP.
type Client struct {
	log         logr.Logger
	client      *mcpsdk.Client
	httpTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

// NewClient creates the remote MCP client.
func NewClient(log logr.Logger) *Client {
	return &Client{
		log: log.WithName("mcp"),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{
				Name:    "gatetower",
				Version: "0.1.0",
			},
			nil,
		),
		httpTimeout: 30 * time.Second,
		sessions:    make(map[string]*mcpsdk.ClientSession),
	}
}

// session returns a cached session for endpoint, dialing if needed.
func (c *Client) session(ctx context.Context, endpoint string) (*mcpsdk.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[endpoint]; ok {
		return s, nil
	}
	transport := &mcpsdk.StreamableClientTransport{
		Endpoint: endpoint,
		HTTPClient: &http.Client{
			Timeout: c.httpTimeout,
		},
		DisableStandaloneSSE: true, // no server-initiated notifications needed
	}
	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", endpoint, err)
	}
	c.sessions[endpoint] = session
	c.log.Info("connected to MCP server", "endpoint", endpoint)
	return session, nil
}

// drop discards a cached session after a failed call so the next call
// redials.
func (c *Client) drop(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[endpoint]; ok {
		delete(c.sessions, endpoint)
		if err := s.Close(); err != nil {
			c.log.Error(err, "failed to close MCP session", "endpoint", endpoint)
		}
	}
}

// CallTool invokes one tool on the server at endpoint and returns its text
// content. An IsError result comes back as both the text and an error.
func (c *Client) CallTool(ctx context.Context, endpoint, tool string, args map[string]any) (string, error) {
	session, err := c.session(ctx, endpoint)
	if err != nil {
		return "", err
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	if err != nil {
		c.drop(endpoint)
		return "", fmt.Errorf("MCP call %s on %s: %w", tool, endpoint, err)
	}

	text := extractTextContent(result)
	if result.IsError {
		return text, fmt.Errorf("MCP tool error: %s", text)
	}
	return text, nil
}

// ListTools returns the tool names advertised by the server at endpoint.
func (c *Client) ListTools(ctx context.Context, endpoint string) ([]string, error) {
	session, err := c.session(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	result, err := session.ListTools(ctx, &mcpsdk.ListToolsParams{})
	if err != nil {
		c.drop(endpoint)
		return nil, fmt.Errorf("list tools on %s: %w", endpoint, err)
	}
	names := make([]string, 0, len(result.Tools))
	for _, t := range result.Tools {
		names = append(names, t.Name)
	}
	return names, nil
}

// Ping health-checks the server at endpoint.
func (c *Client) Ping(ctx context.Context, endpoint string) error {
	session, err := c.session(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := session.Ping(ctx, &mcpsdk.PingParams{}); err != nil {
		c.drop(endpoint)
		return err
	}
	return nil
}

// Close closes every cached session.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for endpoint, s := range c.sessions {
		if err := s.Close(); err != nil {
			c.log.Error(err, "failed to close MCP session", "endpoint", endpoint)
		}
	}
	c.sessions = make(map[string]*mcpsdk.ClientSession)
}

// extractTextContent joins the text items of a tool result.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	if result == nil {
		return ""
	}
	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
