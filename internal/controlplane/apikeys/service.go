/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package apikeys owns the lifecycle of the long-lived opaque keys that
// reduce to capability tokens on validation. Raw keys are handed out exactly
// once; the store keeps only a SHA-256 hash, and lookup compares hashes in
// constant time.
package apikeys

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatetower/gatetower/internal/controlplane/audit"
	"github.com/gatetower/gatetower/internal/controlplane/store"
	"github.com/gatetower/gatetower/internal/fabric"
	"github.com/gatetower/gatetower/internal/metrics"
	"github.com/gatetower/gatetower/internal/shared/captoken"
	"github.com/gatetower/gatetower/internal/shared/ratelimit"
	"github.com/gatetower/gatetower/internal/tenant"
)

// rawPrefix is the fixed lead-in of every raw key.
const rawPrefix = "gt2_"

// Service manages one tenant's API keys.
type Service struct {
	fs      *store.FS
	paths   tenant.Paths
	codec   *captoken.Codec
	limiter *ratelimit.Limiter
	trail   *audit.Trail
	log     *zap.Logger
	now     func() time.Time
}

// New wires the key service for one tenant.
func New(fs *store.FS, paths tenant.Paths, codec *captoken.Codec, limiter *ratelimit.Limiter, trail *audit.Trail, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		fs:      fs,
		paths:   paths,
		codec:   codec,
		limiter: limiter,
		trail:   trail,
		log:     log,
		now:     time.Now,
	}
}

// WithClock overrides the service's clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateInput carries the caller-supplied fields of a new key.
type CreateInput struct {
	Name          string
	Owner         string
	Capabilities  []string
	Scope         Scope
	ExpiresInDays int
	Constraints   map[string]any
}

// Create allocates a key, applies scope and tenant-constraint defaults, and
// returns the record plus the raw key. The raw key is never recoverable
// afterwards.
func (s *Service) Create(in CreateInput) (*Key, string, error) {
	const op = "apikeys.Create"
	if in.Name == "" || in.Owner == "" {
		return nil, "", fabric.E(fabric.KindInvalidInput, op, "name and owner are required")
	}
	scope := in.Scope
	if scope == "" {
		scope = ScopeUser
	}
	if _, err := ParseScope(string(scope)); err != nil {
		return nil, "", err
	}

	raw, err := s.newRawKey()
	if err != nil {
		return nil, "", fabric.E(fabric.KindUnknown, op, err)
	}

	constraints := defaultTenantConstraints()
	for k, v := range in.Constraints {
		constraints[k] = v
	}

	defs := defaultsFor(scope)
	now := s.now().UTC()
	key := &Key{
		ID:                  uuid.NewString(),
		Name:                in.Name,
		OwnerID:             in.Owner,
		KeyHash:             hashRaw(raw),
		Capabilities:        append([]string(nil), in.Capabilities...),
		Scope:               scope,
		TenantConstraints:   constraints,
		RateLimitPerHour:    defs.rateLimitPerHour,
		DailyQuota:          defs.dailyQuota,
		CostLimitCents:      defs.costLimitCents,
		MaxTokensPerRequest: captoken.IntConstraint(constraints, "max_tokens_per_request", 4096),
		Status:              StatusActive,
		CreatedAt:           now,
	}
	if in.ExpiresInDays > 0 {
		exp := now.AddDate(0, 0, in.ExpiresInDays)
		key.ExpiresAt = &exp
	}

	if err := s.fs.WriteJSON(s.paths.KeyFile(key.ID), key); err != nil {
		return nil, "", err
	}
	s.audit(audit.ActionKeyCreated, key.OwnerID, map[string]any{"key_id": key.ID, "scope": string(scope)})
	return key, raw, nil
}

// Get loads one key record. The hash is part of the record; raw keys are
// gone.
func (s *Service) Get(keyID string) (*Key, error) {
	var key Key
	if err := s.fs.ReadJSON(s.paths.KeyFile(keyID), &key); err != nil {
		return nil, err
	}
	return &key, nil
}

// List returns every parseable key record.
func (s *Service) List() ([]*Key, error) {
	ids, err := s.fs.ListIDs(s.paths.KeysDir())
	if err != nil {
		return nil, err
	}
	out := make([]*Key, 0, len(ids))
	for _, id := range ids {
		key, err := s.Get(id)
		if err != nil {
			if kind := fabric.KindOf(err); kind == fabric.KindIntegrityError || kind == fabric.KindNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}

// Validate runs the full validation pipeline for a raw key and, on success,
// exchanges it for a capability token. Every outcome is a result value; an
// error means the store itself failed.
func (s *Service) Validate(rawKey, endpoint, clientIP string) (*ValidationResult, error) {
	key, err := s.findByHash(hashRaw(rawKey))
	if err != nil {
		return nil, err
	}
	if key == nil {
		return &ValidationResult{Valid: false, ErrorMessage: "Invalid API key"}, nil
	}

	if key.Status != StatusActive {
		return &ValidationResult{Valid: false, ErrorMessage: fmt.Sprintf("API key is %s", key.Status)}, nil
	}

	now := s.now().UTC()
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		key.Status = StatusExpired
		if err := s.fs.WriteJSON(s.paths.KeyFile(key.ID), key); err != nil {
			s.log.Warn("failed to persist key expiry", zap.String("key_id", key.ID), zap.Error(err))
		}
		return &ValidationResult{Valid: false, ErrorMessage: "API key is expired"}, nil
	}

	if len(key.AllowedEndpoints) > 0 && !containsString(key.AllowedEndpoints, endpoint) {
		return &ValidationResult{Valid: false, ErrorMessage: "Endpoint not allowed"}, nil
	}
	if containsString(key.BlockedEndpoints, endpoint) {
		return &ValidationResult{Valid: false, ErrorMessage: "Endpoint not allowed"}, nil
	}
	if len(key.AllowedIPs) > 0 && !containsString(key.AllowedIPs, clientIP) {
		return &ValidationResult{Valid: false, ErrorMessage: "IP address not allowed"}, nil
	}

	decision := s.limiter.Allow("apikey:"+key.ID, key.RateLimitPerHour)
	if !decision.Allowed {
		metrics.RecordRateLimitRejection("apikeys")
		key.Usage.RateLimitHits++
		if err := s.fs.WriteJSON(s.paths.KeyFile(key.ID), key); err != nil {
			s.log.Warn("failed to persist rate-limit hit", zap.String("key_id", key.ID), zap.Error(err))
		}
		return &ValidationResult{Valid: false, ErrorMessage: decision.Reason}, nil
	}

	usedToday, err := s.usageToday(key.ID, now)
	if err != nil {
		return nil, err
	}
	if key.DailyQuota > 0 && usedToday >= key.DailyQuota {
		return &ValidationResult{Valid: false, ErrorMessage: "Daily quota exceeded"}, nil
	}

	key.Usage.RequestsCount++
	key.Usage.LastUsed = &now
	if err := s.fs.WriteJSON(s.paths.KeyFile(key.ID), key); err != nil {
		s.log.Warn("failed to persist key usage", zap.String("key_id", key.ID), zap.Error(err))
	}
	if err := s.fs.AppendLine(s.paths.KeyUsageLog(now), UsageRecord{
		Timestamp: now,
		KeyID:     key.ID,
		OwnerID:   key.OwnerID,
		Endpoint:  endpoint,
		ClientIP:  clientIP,
	}); err != nil {
		s.log.Warn("failed to append usage record", zap.String("key_id", key.ID), zap.Error(err))
	}

	token, err := s.GenerateToken(key)
	if err != nil {
		return nil, err
	}
	s.audit(audit.ActionKeyValidated, key.OwnerID, map[string]any{"key_id": key.ID, "endpoint": endpoint})

	quotaRemaining := -1
	if key.DailyQuota > 0 {
		quotaRemaining = key.DailyQuota - usedToday - 1
	}
	return &ValidationResult{
		Valid:              true,
		CapabilityToken:    token,
		RateLimitRemaining: decision.Remaining,
		QuotaRemaining:     quotaRemaining,
	}, nil
}

// GenerateToken mints the capability token a validated key reduces to. Every
// capability string becomes a grant with actions ["*"] and the constraints
// registered for it under tenant_constraints, if any.
func (s *Service) GenerateToken(key *Key) (string, error) {
	caps := make([]captoken.Capability, 0, len(key.Capabilities))
	for _, c := range key.Capabilities {
		caps = append(caps, captoken.Capability{
			Resource:    c,
			Actions:     []string{"*"},
			Constraints: constraintFor(key.TenantConstraints, c),
		})
	}
	claims := captoken.Claims{
		Sub:          key.OwnerID,
		TenantID:     s.paths.Tenant().Domain,
		APIKeyID:     key.ID,
		Scope:        string(key.Scope),
		Capabilities: caps,
		Constraints:  key.TenantConstraints,
		RateLimits:   map[string]int{"requests_per_hour": key.RateLimitPerHour},
	}
	return s.codec.Mint(claims, 0)
}

// RecordUse counts one downstream use of a validated key, such as a tool
// call made with the token it minted, against the key's usage counters and
// the daily usage log.
func (s *Service) RecordUse(keyID, endpoint string) error {
	key, err := s.Get(keyID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	key.Usage.RequestsCount++
	key.Usage.LastUsed = &now
	if err := s.fs.WriteJSON(s.paths.KeyFile(key.ID), key); err != nil {
		return err
	}
	return s.fs.AppendLine(s.paths.KeyUsageLog(now), UsageRecord{
		Timestamp: now,
		KeyID:     key.ID,
		OwnerID:   key.OwnerID,
		Endpoint:  endpoint,
	})
}

// Rotate replaces the key material. Owner-only; the old raw key is dead the
// moment the new hash is persisted.
func (s *Service) Rotate(keyID, requestor string) (*Key, string, error) {
	const op = "apikeys.Rotate"
	key, err := s.Get(keyID)
	if err != nil {
		return nil, "", err
	}
	if key.OwnerID != requestor {
		return nil, "", fabric.E(fabric.KindPermissionDenied, op, "Only owner can modify")
	}
	raw, err := s.newRawKey()
	if err != nil {
		return nil, "", fabric.E(fabric.KindUnknown, op, err)
	}
	now := s.now().UTC()
	key.KeyHash = hashRaw(raw)
	key.LastRotated = &now
	if err := s.fs.WriteJSON(s.paths.KeyFile(key.ID), key); err != nil {
		return nil, "", err
	}
	s.audit(audit.ActionKeyRotated, requestor, map[string]any{"key_id": key.ID})
	return key, raw, nil
}

// Revoke retires the key. Owner-only.
func (s *Service) Revoke(keyID, requestor string) error {
	const op = "apikeys.Revoke"
	key, err := s.Get(keyID)
	if err != nil {
		return err
	}
	if key.OwnerID != requestor {
		return fabric.E(fabric.KindPermissionDenied, op, "Only owner can modify")
	}
	key.Status = StatusRevoked
	if err := s.fs.WriteJSON(s.paths.KeyFile(key.ID), key); err != nil {
		return err
	}
	s.audit(audit.ActionKeyRevoked, requestor, map[string]any{"key_id": key.ID})
	return nil
}

func (s *Service) newRawKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return rawPrefix + s.paths.Tenant().Safe + "_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// findByHash scans the tenant's key records for a matching hash. The compare
// is constant-time per record; a nil result with nil error means no match.
func (s *Service) findByHash(hash string) (*Key, error) {
	ids, err := s.fs.ListIDs(s.paths.KeysDir())
	if err != nil {
		return nil, err
	}
	want := []byte(hash)
	for _, id := range ids {
		key, err := s.Get(id)
		if err != nil {
			if kind := fabric.KindOf(err); kind == fabric.KindIntegrityError || kind == fabric.KindNotFound {
				continue
			}
			return nil, err
		}
		if subtle.ConstantTimeCompare(want, []byte(key.KeyHash)) == 1 {
			return key, nil
		}
	}
	return nil, nil
}

// usageToday counts the key's usage records for the calendar day of now.
func (s *Service) usageToday(keyID string, now time.Time) (int, error) {
	count := 0
	_, err := s.fs.ScanLines(s.paths.KeyUsageLog(now), func(line []byte) error {
		var rec UsageRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fabric.E(fabric.KindIntegrityError, "apikeys.usageToday", err)
		}
		if rec.KeyID == keyID {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Service) audit(action, user string, details map[string]any) {
	if s.trail == nil {
		return
	}
	s.trail.Emit(audit.SeverityInfo, action, s.paths.Tenant().Domain, user, details)
}

func hashRaw(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// constraintFor returns the constraint object registered for one capability
// string under tenant_constraints, when the value under that key is itself
// an object.
func constraintFor(constraints map[string]any, capability string) map[string]any {
	if constraints == nil {
		return nil
	}
	if m, ok := constraints[capability].(map[string]any); ok {
		return m
	}
	return nil
}
