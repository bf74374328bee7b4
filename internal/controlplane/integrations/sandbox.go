/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package integrations

import (
	"fmt"
	"strings"
	"time"

	"github.com/gatetower/gatetower/internal/fabric"
)

// defaultStrictMethods applies when a Strict-sandbox config lists none.
var defaultStrictMethods = []string{"GET", "POST"}

// restrictions is the effective policy for one call, derived from the
// sandbox level, the config, and the token's timeout constraint.
type restrictions struct {
	timeout       time.Duration
	maxBodyBytes  int64
	checkLists    bool
	checkMethods  bool
	applied       []string
}

// restrictionsFor computes the policy tier. Caps only ever tighten: the
// config timeout and the token constraint can lower the tier timeout, never
// raise it.
func restrictionsFor(cfg *Config, tokenTimeoutSeconds int) restrictions {
	var r restrictions
	switch cfg.SandboxLevel {
	case SandboxBasic:
		r.timeout = 60 * time.Second
		r.maxBodyBytes = 1 << 20
	case SandboxRestricted:
		r.timeout = 30 * time.Second
		r.maxBodyBytes = 512 << 10
		r.checkLists = true
	case SandboxStrict:
		r.timeout = 15 * time.Second
		r.maxBodyBytes = 256 << 10
		r.checkLists = true
		r.checkMethods = true
	default:
		r.timeout = 0
		r.maxBodyBytes = 0
	}

	if r.timeout > 0 {
		r.applied = append(r.applied, fmt.Sprintf("timeout:%s", r.timeout))
	}
	if cfg.TimeoutSeconds > 0 {
		d := time.Duration(cfg.TimeoutSeconds) * time.Second
		if r.timeout == 0 || d < r.timeout {
			r.timeout = d
		}
	}
	if tokenTimeoutSeconds > 0 {
		d := time.Duration(tokenTimeoutSeconds) * time.Second
		if r.timeout == 0 || d < r.timeout {
			r.timeout = d
			r.applied = append(r.applied, fmt.Sprintf("token_timeout:%s", d))
		}
	}
	if r.maxBodyBytes > 0 {
		r.applied = append(r.applied, fmt.Sprintf("max_body_bytes:%d", r.maxBodyBytes))
	}
	return r
}

// preflight enforces the policy before any network I/O. A violation comes
// back as SandboxViolation with the applied-restriction list already
// attached to the returned restrictions.
func (r *restrictions) preflight(cfg *Config, req *Request) error {
	const op = "integrations.preflight"

	if r.maxBodyBytes > 0 && int64(len(req.Body)) > r.maxBodyBytes {
		r.applied = append(r.applied, "body_size_rejected")
		return fabric.Errorf(fabric.KindSandboxViolation, op,
			"request body %d bytes exceeds sandbox cap %d", len(req.Body), r.maxBodyBytes)
	}

	if r.checkMethods {
		allowed := cfg.AllowedMethods
		if len(allowed) == 0 {
			allowed = defaultStrictMethods
		}
		r.applied = append(r.applied, "method_allowlist:"+strings.Join(allowed, ","))
		if !containsFold(allowed, req.Method) {
			return fabric.Errorf(fabric.KindSandboxViolation, op,
				"method %s not allowed by sandbox", strings.ToUpper(req.Method))
		}
	}

	if r.checkLists {
		for _, blocked := range cfg.BlockedEndpoints {
			if strings.HasPrefix(req.Endpoint, blocked) {
				r.applied = append(r.applied, "endpoint_blocklist")
				return fabric.Errorf(fabric.KindSandboxViolation, op,
					"endpoint %s is blocked", req.Endpoint)
			}
		}
		if len(cfg.AllowedEndpoints) > 0 {
			r.applied = append(r.applied, "endpoint_allowlist")
			ok := false
			for _, allowed := range cfg.AllowedEndpoints {
				if strings.HasPrefix(req.Endpoint, allowed) {
					ok = true
					break
				}
			}
			if !ok {
				return fabric.Errorf(fabric.KindSandboxViolation, op,
					"endpoint %s not in allowlist", req.Endpoint)
			}
		}
	}
	return nil
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
