/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package audit records the who-did-what trail of the fabric. Each trail
// keeps a bounded in-memory ring for queries plus an append-only daily JSONL
// sink under the tenant tree. Disk failures never fail the caller's
// operation; the record still lands in the ring and the failure is logged.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gatetower/gatetower/internal/controlplane/store"
	"github.com/gatetower/gatetower/internal/fabric"
)

// Severity of an audit record.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
)

// Well-known actions. Components may record others; these are the ones the
// fabric itself emits.
const (
	ActionAccessDenied       = "access_denied"
	ActionCrossTenantAttempt = "cross_tenant_attempt"
	ActionKeyCreated         = "key_created"
	ActionKeyRotated         = "key_rotated"
	ActionKeyRevoked         = "key_revoked"
	ActionKeyValidated       = "key_validated"
	ActionAutomationLog      = "automation_log"
	ActionIntegrationExec    = "integration_executed"
	ActionToolInvoked        = "tool_invoked"
)

// Record is one audit trail entry. IntegrationID and RestrictionsApplied are
// populated by the integration proxy only.
type Record struct {
	Timestamp           time.Time      `json:"timestamp"`
	Severity            string         `json:"severity"`
	Action              string         `json:"action"`
	Tenant              string         `json:"tenant"`
	UserID              string         `json:"user_id"`
	IntegrationID       string         `json:"integration_id,omitempty"`
	RestrictionsApplied []string       `json:"restrictions_applied,omitempty"`
	Details             map[string]any `json:"details,omitempty"`
}

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	Action   string
	UserID   string
	Severity string
	Limit    int
}

// Trail is one tenant's audit destination: a ring of the most recent records
// plus a daily JSONL file chosen by sink.
type Trail struct {
	fs   *store.FS
	sink func(day time.Time) string
	log  *zap.Logger
	now  func() time.Time

	mu      sync.RWMutex
	entries []Record
	max     int
}

// NewTrail creates a trail retaining the most recent max records in memory.
// sink maps a day to the JSONL file records are appended to; a nil sink
// keeps the trail memory-only.
func NewTrail(fs *store.FS, sink func(day time.Time) string, log *zap.Logger, max int) *Trail {
	if log == nil {
		log = zap.NewNop()
	}
	if max <= 0 {
		max = 1000
	}
	return &Trail{
		fs:      fs,
		sink:    sink,
		log:     log,
		now:     time.Now,
		entries: make([]Record, 0, 64),
		max:     max,
	}
}

// WithClock overrides the trail's clock. Test hook.
func (t *Trail) WithClock(now func() time.Time) *Trail {
	t.now = now
	return t
}

// Record stamps and stores one entry. The ring write always succeeds; the
// disk append is best-effort.
func (t *Trail) Record(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.now().UTC()
	}
	if rec.Severity == "" {
		rec.Severity = SeverityInfo
	}

	t.mu.Lock()
	t.entries = append(t.entries, rec)
	if len(t.entries) > t.max {
		t.entries = t.entries[len(t.entries)-t.max:]
	}
	t.mu.Unlock()

	if t.sink == nil || t.fs == nil {
		return
	}
	if err := t.fs.AppendLine(t.sink(rec.Timestamp), rec); err != nil {
		t.log.Warn("audit append failed",
			zap.String("action", rec.Action),
			zap.String("tenant", rec.Tenant),
			zap.Error(err))
	}
}

// Emit is the shorthand for Record with the common fields.
func (t *Trail) Emit(severity, action, tenantDomain, userID string, details map[string]any) {
	t.Record(Record{
		Severity: severity,
		Action:   action,
		Tenant:   tenantDomain,
		UserID:   userID,
		Details:  details,
	})
}

// Query returns matching ring entries, newest first.
func (t *Trail) Query(f Filter) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	out := make([]Record, 0, limit)
	for i := len(t.entries) - 1; i >= 0 && len(out) < limit; i-- {
		rec := t.entries[i]
		if f.Action != "" && rec.Action != f.Action {
			continue
		}
		if f.UserID != "" && rec.UserID != f.UserID {
			continue
		}
		if f.Severity != "" && rec.Severity != f.Severity {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Count returns the number of ring entries.
func (t *Trail) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// ScanDay replays the persisted records of one day, oldest first.
// Unparseable lines are skipped.
func (t *Trail) ScanDay(day time.Time) ([]Record, error) {
	if t.sink == nil || t.fs == nil {
		return nil, nil
	}
	var out []Record
	_, err := t.fs.ScanLines(t.sink(day), func(line []byte) error {
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fabric.E(fabric.KindIntegrityError, "audit.ScanDay", err)
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
