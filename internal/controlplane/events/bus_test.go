/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package events

import (
	"testing"
	"time"

	"github.com/gatetower/gatetower/internal/controlplane/store"
	"github.com/gatetower/gatetower/internal/tenant"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	paths, err := tenant.NewPaths(t.TempDir(), "acme.io")
	if err != nil {
		t.Fatalf("NewPaths: %v", err)
	}
	return NewBus(store.NewFS(), paths, nil)
}

func TestEmitAppendsAndStamps(t *testing.T) {
	bus := testBus(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	bus.WithClock(func() time.Time { return now })

	ev := &Event{Type: TypeAgentCreated, User: "alice@acme.io",
		Data: map[string]any{"agent_id": "a1", "name": "helper", "owner_id": "alice@acme.io"}}
	if err := bus.Emit(ev); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if ev.ID == "" || ev.Tenant != "acme.io" || !ev.Timestamp.Equal(now) {
		t.Errorf("event not stamped: %+v", ev)
	}

	got, err := bus.History(now, now, "", "", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 1 || got[0].ID != ev.ID {
		t.Fatalf("History returned %d events", len(got))
	}
}

func TestEmitUnknownTypeStillStored(t *testing.T) {
	bus := testBus(t)
	now := time.Now().UTC()
	if err := bus.Emit(&Event{Type: "custom.thing", User: "alice@acme.io"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	got, err := bus.History(now, now, "custom.thing", "", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("unknown-type event not stored")
	}
}

func TestMatchingRules(t *testing.T) {
	bus := testBus(t)
	base := TriggerRegistration{
		AutomationID: "auto1",
		OwnerID:      "alice@acme.io",
		EventTypes:   []string{TypeDocumentUploaded},
		IsActive:     true,
	}
	ev := &Event{
		Type: TypeDocumentUploaded,
		User: "alice@acme.io",
		Data: map[string]any{"document_id": "d1", "dataset_id": "ds1", "filename": "report.pdf", "size": 42},
	}

	if !bus.Matches(base, ev) {
		t.Fatal("base registration should match")
	}

	inactive := base
	inactive.IsActive = false
	if bus.Matches(inactive, ev) {
		t.Error("inactive registration matched")
	}

	wrongType := base
	wrongType.EventTypes = []string{TypeAgentCreated}
	if bus.Matches(wrongType, ev) {
		t.Error("undeclared event type matched")
	}

	otherOwner := base
	otherOwner.OwnerID = "bob@acme.io"
	if bus.Matches(otherOwner, ev) {
		t.Error("owner mismatch matched")
	}

	conditioned := base
	conditioned.Conditions = []Condition{{Field: "data.filename", Operator: OpContains, Value: "report"}}
	if !bus.Matches(conditioned, ev) {
		t.Error("data.* condition should match")
	}

	conditioned.Conditions = []Condition{{Field: "data.size", Operator: OpGreaterThan, Value: 100}}
	if bus.Matches(conditioned, ev) {
		t.Error("greater_than over threshold matched")
	}

	conditioned.Conditions = []Condition{{Field: "type", Operator: OpEquals, Value: TypeDocumentUploaded}}
	if !bus.Matches(conditioned, ev) {
		t.Error("attribute condition should match")
	}

	conditioned.Conditions = []Condition{{Field: "data.nope.deep", Operator: OpEquals, Value: 1}}
	if bus.Matches(conditioned, ev) {
		t.Error("unresolvable path must be false")
	}

	conditioned.Conditions = []Condition{{Field: "data.nope", Operator: OpNotExists}}
	if !bus.Matches(conditioned, ev) {
		t.Error("not_exists on missing field should hold")
	}
}

func TestDispatchAfterDurableAppend(t *testing.T) {
	bus := testBus(t)
	now := time.Now().UTC()

	if err := bus.RegisterTrigger(TriggerRegistration{
		AutomationID: "auto1",
		OwnerID:      "alice@acme.io",
		EventTypes:   []string{TypeChatStarted},
		IsActive:     true,
	}); err != nil {
		t.Fatalf("RegisterTrigger: %v", err)
	}

	var dispatched []string
	bus.SetDispatcher(func(reg TriggerRegistration, ev *Event) {
		// The event must already be readable from the durable log.
		got, err := bus.History(now, now, TypeChatStarted, "", 10)
		if err != nil || len(got) == 0 {
			t.Errorf("event not durable before dispatch: %v", err)
		}
		dispatched = append(dispatched, reg.AutomationID)
	})

	ev := &Event{Type: TypeChatStarted, User: "alice@acme.io",
		Data: map[string]any{"conversation_id": "c1", "agent_id": "a1"}}
	if err := bus.Emit(ev); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(dispatched) != 1 || dispatched[0] != "auto1" {
		t.Fatalf("dispatched = %v", dispatched)
	}
}

func TestSubscribeHandlers(t *testing.T) {
	bus := testBus(t)
	var seen int
	bus.Subscribe(TypeQuotaWarning, func(ev *Event) { seen++ })
	bus.Subscribe(TypeAgentCreated, func(ev *Event) { t.Error("wrong handler fired") })

	_ = bus.Emit(&Event{Type: TypeQuotaWarning, User: "alice@acme.io",
		Data: map[string]any{"resource_type": "dataset", "current_usage": 9, "limit": 10}})
	if seen != 1 {
		t.Fatalf("handler fired %d times", seen)
	}
}

func TestHistoryFiltersAndLimit(t *testing.T) {
	bus := testBus(t)
	day := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	bus.WithClock(func() time.Time { return day })

	for i := 0; i < 3; i++ {
		_ = bus.Emit(&Event{Type: TypeChatStarted, User: "alice@acme.io",
			Data: map[string]any{"conversation_id": "c", "agent_id": "a"}})
	}
	_ = bus.Emit(&Event{Type: TypeChatStarted, User: "bob@acme.io",
		Data: map[string]any{"conversation_id": "c", "agent_id": "a"}})

	byUser, err := bus.History(day, day, "", "bob@acme.io", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(byUser) != 1 {
		t.Errorf("user filter returned %d", len(byUser))
	}

	limited, _ := bus.History(day, day, TypeChatStarted, "", 2)
	if len(limited) != 2 {
		t.Errorf("limit returned %d", len(limited))
	}
}

func TestHistoryNeverScansFuture(t *testing.T) {
	bus := testBus(t)
	today := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	bus.WithClock(func() time.Time { return today })

	_ = bus.Emit(&Event{Type: TypeChatStarted, User: "alice@acme.io",
		Data: map[string]any{"conversation_id": "c", "agent_id": "a"}})

	got, err := bus.History(today, today.AddDate(0, 0, 30), "", "", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d events", len(got))
	}
}
