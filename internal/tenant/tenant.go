/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package tenant is the single chokepoint between tenant identifiers and the
// filesystem. Every per-tenant path in the system is built through a Paths
// value; no other package joins tenant path segments. This keeps path
// traversal confined to one reviewed surface.
package tenant

import (
	"strings"

	"github.com/gatetower/gatetower/internal/fabric"
)

// Sanitize turns a tenant domain into the safe filesystem segment used for
// every per-tenant path. Lowercases, maps '.' and '-' to '_', and rejects
// any remaining rune outside [a-z0-9_].
func Sanitize(domain string) (string, error) {
	const op = "tenant.Sanitize"
	if strings.TrimSpace(domain) == "" {
		return "", fabric.E(fabric.KindInvalidTenant, op, "empty tenant domain")
	}
	var b strings.Builder
	b.Grow(len(domain))
	for _, r := range strings.ToLower(domain) {
		switch {
		case r == '.' || r == '-':
			b.WriteByte('_')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			return "", fabric.Errorf(fabric.KindInvalidTenant, op, "invalid character %q in tenant domain", r)
		}
	}
	return b.String(), nil
}

// Tenant pairs a raw tenant domain with its sanitized filesystem segment.
type Tenant struct {
	Domain string
	Safe   string
}

// New sanitizes domain and returns the tenant handle used by path builders
// and signing-key resolution.
func New(domain string) (Tenant, error) {
	safe, err := Sanitize(domain)
	if err != nil {
		return Tenant{}, err
	}
	return Tenant{Domain: domain, Safe: safe}, nil
}
