/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package automations

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatetower/gatetower/internal/controlplane/events"
	"github.com/gatetower/gatetower/internal/controlplane/store"
	"github.com/gatetower/gatetower/internal/fabric"
	"github.com/gatetower/gatetower/internal/tenant"
)

// Store persists one tenant's automation definitions and execution records.
// Event-triggered definitions keep their trigger registration on the bus in
// sync.
type Store struct {
	fs    *store.FS
	paths tenant.Paths
	bus   *events.Bus
	log   *zap.Logger
	now   func() time.Time
}

// NewStore wires the automation store for one tenant.
func NewStore(fs *store.FS, paths tenant.Paths, bus *events.Bus, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{fs: fs, paths: paths, bus: bus, log: log, now: time.Now}
}

// WithClock overrides the store's clock. Test hook.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Create validates and persists a definition, allocating an id when absent,
// and registers its event trigger when applicable.
func (s *Store) Create(a *Automation) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := s.now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if err := a.Validate(); err != nil {
		return err
	}
	if err := s.fs.WriteJSON(s.paths.AutomationFile(a.ID), a); err != nil {
		return err
	}
	return s.syncTrigger(a)
}

// Get loads one definition.
func (s *Store) Get(id string) (*Automation, error) {
	var a Automation
	if err := s.fs.ReadJSON(s.paths.AutomationFile(id), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Update rewrites a definition and re-syncs its trigger registration.
func (s *Store) Update(a *Automation) error {
	if _, err := s.Get(a.ID); err != nil {
		return err
	}
	a.UpdatedAt = s.now().UTC()
	if err := a.Validate(); err != nil {
		return err
	}
	if err := s.fs.WriteJSON(s.paths.AutomationFile(a.ID), a); err != nil {
		return err
	}
	return s.syncTrigger(a)
}

// Delete removes a definition and its trigger registration.
func (s *Store) Delete(id string) error {
	if err := s.fs.Remove(s.paths.AutomationFile(id)); err != nil {
		return err
	}
	if s.bus != nil {
		if err := s.bus.DeregisterTrigger(id); err != nil {
			s.log.Warn("failed to deregister trigger", zap.String("automation_id", id), zap.Error(err))
		}
	}
	return nil
}

// List returns every parseable definition.
func (s *Store) List() ([]*Automation, error) {
	ids, err := s.fs.ListIDs(s.paths.AutomationsDir())
	if err != nil {
		return nil, err
	}
	out := make([]*Automation, 0, len(ids))
	for _, id := range ids {
		a, err := s.Get(id)
		if err != nil {
			if kind := fabric.KindOf(err); kind == fabric.KindIntegrityError || kind == fabric.KindNotFound {
				s.log.Warn("skipping unparseable automation", zap.String("automation_id", id))
				continue
			}
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) syncTrigger(a *Automation) error {
	if s.bus == nil {
		return nil
	}
	if a.TriggerType != TriggerEvent {
		return s.bus.DeregisterTrigger(a.ID)
	}
	return s.bus.RegisterTrigger(events.TriggerRegistration{
		AutomationID: a.ID,
		OwnerID:      a.OwnerID,
		EventTypes:   a.TriggerConfig.EventTypes,
		Conditions:   a.Conditions,
		IsActive:     a.IsActive,
	})
}

// WriteExecution persists one terminal execution record.
func (s *Store) WriteExecution(exec *Execution) error {
	ts := exec.FinishedAt
	if ts.IsZero() {
		ts = s.now().UTC()
	}
	return s.fs.WriteJSON(s.paths.ExecutionFile(exec.AutomationID, ts), exec)
}

// ListExecutions returns the terminal records for one automation, oldest
// first by file name (the embedded timestamp sorts lexically).
func (s *Store) ListExecutions(automationID string) ([]*Execution, error) {
	ids, err := s.fs.ListIDs(s.paths.ExecutionsDir())
	if err != nil {
		return nil, err
	}
	var out []*Execution
	for _, id := range ids {
		if !strings.HasPrefix(id, automationID+"_") {
			continue
		}
		var exec Execution
		if err := s.fs.ReadJSON(s.executionPath(id), &exec); err != nil {
			if fabric.KindOf(err) == fabric.KindIntegrityError {
				continue
			}
			return nil, err
		}
		out = append(out, &exec)
	}
	return out, nil
}

func (s *Store) executionPath(name string) string {
	return filepath.Join(s.paths.ExecutionsDir(), name+".json")
}

// VerifyWebhook checks an inbound webhook body against the automation's
// trigger secret: hex HMAC-SHA256 of the body, constant-time compare.
func VerifyWebhook(secret string, body []byte, signatureHex string) bool {
	if secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := mac.Sum(nil)
	got, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "sha256="))
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}
