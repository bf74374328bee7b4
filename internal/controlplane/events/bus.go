/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatetower/gatetower/internal/controlplane/store"
	"github.com/gatetower/gatetower/internal/fabric"
	"github.com/gatetower/gatetower/internal/metrics"
	"github.com/gatetower/gatetower/internal/tenant"
)

// TriggerRegistration is the persisted event-trigger record for one
// automation, kept under events/automations/ so the bus can match without
// loading full automation definitions.
type TriggerRegistration struct {
	AutomationID string      `json:"automation_id"`
	OwnerID      string      `json:"owner_id"`
	EventTypes   []string    `json:"event_types"`
	Conditions   []Condition `json:"conditions,omitempty"`
	IsActive     bool        `json:"is_active"`
}

// Handler is an in-process subscriber. Handlers fire after the event is
// durably appended; they must not block.
type Handler func(ev *Event)

// DispatchFunc receives each matched (registration, event) pair. The
// automation engine installs one; a nil dispatcher means matches are only
// logged.
type DispatchFunc func(reg TriggerRegistration, ev *Event)

// Bus is one tenant's event bus.
type Bus struct {
	fs    *store.FS
	paths tenant.Paths
	log   *zap.Logger
	now   func() time.Time

	mu       sync.RWMutex
	handlers map[string][]Handler
	dispatch DispatchFunc
}

// NewBus creates the bus for one tenant.
func NewBus(fs *store.FS, paths tenant.Paths, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		fs:       fs,
		paths:    paths,
		log:      log,
		now:      time.Now,
		handlers: make(map[string][]Handler),
	}
}

// WithClock overrides the bus clock. Test hook.
func (b *Bus) WithClock(now func() time.Time) *Bus {
	b.now = now
	return b
}

// SetDispatcher installs the automation dispatch target.
func (b *Bus) SetDispatcher(fn DispatchFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatch = fn
}

// Subscribe registers an in-process handler for one event type.
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// RegisterTrigger persists an automation's event-trigger registration.
func (b *Bus) RegisterTrigger(reg TriggerRegistration) error {
	const op = "events.RegisterTrigger"
	if reg.AutomationID == "" {
		return fabric.E(fabric.KindInvalidInput, op, "automation_id is required")
	}
	return b.fs.WriteJSON(b.paths.EventAutomationFile(reg.AutomationID), &reg)
}

// DeregisterTrigger removes a registration. Missing registrations are fine.
func (b *Bus) DeregisterTrigger(automationID string) error {
	err := b.fs.Remove(b.paths.EventAutomationFile(automationID))
	if err != nil && fabric.KindOf(err) != fabric.KindNotFound {
		return err
	}
	return nil
}

// Emit stamps, validates, and durably appends the event, then matches it
// against trigger registrations and fires in-process handlers. The append
// happens before any dispatch; a failed append fails the emit and nothing
// runs.
func (b *Bus) Emit(ev *Event) error {
	const op = "events.Emit"
	if ev.Type == "" {
		return fabric.E(fabric.KindInvalidInput, op, "event type is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Tenant == "" {
		ev.Tenant = b.paths.Tenant().Domain
	}
	ev.Timestamp = b.now().UTC()

	known, missing := CatalogCheck(ev)
	if !known {
		b.log.Warn("unknown event type, storing anyway",
			zap.String("type", ev.Type), zap.String("event_id", ev.ID))
	} else if len(missing) > 0 {
		b.log.Warn("event missing required data fields, storing anyway",
			zap.String("type", ev.Type), zap.Strings("missing", missing))
	}

	if err := b.fs.AppendLine(b.paths.EventLog(ev.Timestamp), ev); err != nil {
		return err
	}
	metrics.RecordEvent(ev.Tenant, ev.Type)

	b.matchAndDispatch(ev)
	b.fireHandlers(ev)
	return nil
}

func (b *Bus) matchAndDispatch(ev *Event) {
	b.mu.RLock()
	dispatch := b.dispatch
	b.mu.RUnlock()

	ids, err := b.fs.ListIDs(b.paths.EventAutomationsDir())
	if err != nil {
		b.log.Warn("cannot list trigger registrations", zap.Error(err))
		return
	}
	for _, id := range ids {
		var reg TriggerRegistration
		if err := b.fs.ReadJSON(b.paths.EventAutomationFile(id), &reg); err != nil {
			if fabric.KindOf(err) == fabric.KindIntegrityError {
				b.log.Warn("skipping unparseable trigger registration", zap.String("automation_id", id))
			}
			continue
		}
		if !b.Matches(reg, ev) {
			continue
		}
		if dispatch == nil {
			b.log.Debug("matched automation but no dispatcher installed",
				zap.String("automation_id", reg.AutomationID), zap.String("event_id", ev.ID))
			continue
		}
		dispatch(reg, ev)
	}
}

// Matches reports whether a registration fires for an event: active, the
// declared types contain the event type, every condition holds, and the
// automation owner is the event's user. Purely deterministic.
func (b *Bus) Matches(reg TriggerRegistration, ev *Event) bool {
	if !reg.IsActive {
		return false
	}
	typed := false
	for _, t := range reg.EventTypes {
		if t == ev.Type {
			typed = true
			break
		}
	}
	if !typed {
		return false
	}
	for _, cond := range reg.Conditions {
		if !cond.Eval(ev) {
			return false
		}
	}
	return reg.OwnerID == ev.User
}

func (b *Bus) fireHandlers(ev *Event) {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[ev.Type]...)
	b.mu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
}

// History replays persisted events between start and end inclusive, oldest
// first, optionally filtered by type and user. Days past the bus clock's
// today are never scanned.
func (b *Bus) History(start, end time.Time, eventType, user string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	today := b.now().UTC().Truncate(24 * time.Hour)
	if end.After(today) {
		end = today
	}

	var out []*Event
	for day := start.UTC().Truncate(24 * time.Hour); !day.After(end.UTC()); day = day.AddDate(0, 0, 1) {
		_, err := b.fs.ScanLines(b.paths.EventLog(day), func(line []byte) error {
			if len(out) >= limit {
				return nil
			}
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				return fabric.E(fabric.KindIntegrityError, "events.History", err)
			}
			if eventType != "" && ev.Type != eventType {
				return nil
			}
			if user != "" && ev.User != user {
				return nil
			}
			out = append(out, &ev)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
