package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type APIClient struct {
	server string
	apiKey string
	http   *http.Client
}

type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ValidationResult mirrors the server's validate response.
type ValidationResult struct {
	Valid              bool   `json:"valid"`
	ErrorMessage       string `json:"error_message,omitempty"`
	CapabilityToken    string `json:"capability_token,omitempty"`
	RateLimitRemaining int    `json:"rate_limit_remaining,omitempty"`
	QuotaRemaining     int    `json:"quota_remaining,omitempty"`
}

func NewAPIClient(server, apiKey string) *APIClient {
	server = strings.TrimRight(server, "/")
	if server == "" {
		server = defaultServer
	}

	return &APIClient{
		server: server,
		apiKey: apiKey,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ValidateKey checks a raw key against the running server. An invalid key is
// a result, not an error; the server answers 401 with the result body.
func (c *APIClient) ValidateKey(ctx context.Context, rawKey, tenantDomain string) (*ValidationResult, error) {
	payload := map[string]any{
		"api_key":       rawKey,
		"tenant_domain": tenantDomain,
		"endpoint":      "gatectl",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.server+"/api/v1/keys/validate", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusUnauthorized {
		var out ValidationResult
		if err := json.Unmarshal(resBody, &out); err != nil {
			return nil, fmt.Errorf("parse response: %w", err)
		}
		return &out, nil
	}

	var apiErr APIError
	if err := json.Unmarshal(resBody, &apiErr); err == nil && apiErr.Error != "" {
		return nil, fmt.Errorf("request failed (status %d): %s", resp.StatusCode, apiErr.Error)
	}
	return nil, fmt.Errorf("request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(resBody)))
}
