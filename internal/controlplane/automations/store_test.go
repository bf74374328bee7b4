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
	"os"
	"testing"
	"time"

	"github.com/gatetower/gatetower/internal/controlplane/events"
	"github.com/gatetower/gatetower/internal/controlplane/store"
	"github.com/gatetower/gatetower/internal/fabric"
	"github.com/gatetower/gatetower/internal/tenant"
)

func testStore(t *testing.T) (*Store, *events.Bus) {
	t.Helper()
	paths, err := tenant.NewPaths(t.TempDir(), "acme.io")
	if err != nil {
		t.Fatalf("NewPaths: %v", err)
	}
	fs := store.NewFS()
	bus := events.NewBus(fs, paths, nil)
	return NewStore(fs, paths, bus, nil), bus
}

func TestCreateValidates(t *testing.T) {
	st, _ := testStore(t)
	cases := []struct {
		name string
		a    Automation
	}{
		{"missing name", Automation{OwnerID: "alice@acme.io", TriggerType: TriggerManual}},
		{"bad trigger type", Automation{Name: "x", OwnerID: "alice@acme.io", TriggerType: "carrier_pigeon"}},
		{"cron without schedule", Automation{Name: "x", OwnerID: "alice@acme.io", TriggerType: TriggerCron}},
		{"event without types", Automation{Name: "x", OwnerID: "alice@acme.io", TriggerType: TriggerEvent}},
		{"webhook without secret", Automation{Name: "x", OwnerID: "alice@acme.io", TriggerType: TriggerWebhook}},
	}
	for _, tc := range cases {
		a := tc.a
		if err := st.Create(&a); fabric.KindOf(err) != fabric.KindInvalidInput {
			t.Errorf("%s: kind = %v, want InvalidInput", tc.name, fabric.KindOf(err))
		}
	}
}

func TestEventTriggerRegistrationSync(t *testing.T) {
	st, bus := testStore(t)
	a := &Automation{
		Name: "on-upload", OwnerID: "alice@acme.io",
		TriggerType:   TriggerEvent,
		TriggerConfig: TriggerConfig{EventTypes: []string{events.TypeDocumentUploaded}},
		Conditions:    []events.Condition{{Field: "data.filename", Operator: events.OpContains, Value: ".pdf"}},
		Actions:       []Action{{Type: ActionLog, Message: "uploaded"}},
		IsActive:      true,
	}
	if err := st.Create(a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ev := &events.Event{Type: events.TypeDocumentUploaded, User: "alice@acme.io",
		Data: map[string]any{"document_id": "d1", "dataset_id": "ds1", "filename": "a.pdf"}}
	var matched []string
	bus.SetDispatcher(func(reg events.TriggerRegistration, got *events.Event) {
		matched = append(matched, reg.AutomationID)
	})
	if err := bus.Emit(ev); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(matched) != 1 || matched[0] != a.ID {
		t.Fatalf("matched = %v", matched)
	}

	// Switching away from event trigger removes the registration.
	a.TriggerType = TriggerManual
	a.TriggerConfig = TriggerConfig{}
	if err := st.Update(a); err != nil {
		t.Fatalf("Update: %v", err)
	}
	matched = nil
	_ = bus.Emit(ev)
	if len(matched) != 0 {
		t.Errorf("deregistered trigger still matched: %v", matched)
	}
}

func TestDeleteRemovesRegistration(t *testing.T) {
	st, bus := testStore(t)
	a := &Automation{
		Name: "ephemeral", OwnerID: "alice@acme.io",
		TriggerType:   TriggerEvent,
		TriggerConfig: TriggerConfig{EventTypes: []string{events.TypeChatStarted}},
		Actions:       []Action{{Type: ActionLog, Message: "hi"}},
		IsActive:      true,
	}
	if err := st.Create(a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Delete(a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.Get(a.ID); fabric.KindOf(err) != fabric.KindNotFound {
		t.Errorf("Get after delete: %v", err)
	}

	var matched int
	bus.SetDispatcher(func(events.TriggerRegistration, *events.Event) { matched++ })
	_ = bus.Emit(&events.Event{Type: events.TypeChatStarted, User: "alice@acme.io",
		Data: map[string]any{"conversation_id": "c1", "agent_id": "a1"}})
	if matched != 0 {
		t.Errorf("deleted automation still matched")
	}
}

func TestListSkipsUnparseable(t *testing.T) {
	st, _ := testStore(t)
	for _, name := range []string{"one", "two"} {
		a := &Automation{Name: name, OwnerID: "alice@acme.io", TriggerType: TriggerManual,
			Actions: []Action{{Type: ActionLog, Message: name}}}
		if err := st.Create(a); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if err := os.WriteFile(st.paths.AutomationFile("broken"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := st.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("List returned %d, want 2", len(got))
	}
}

func TestExecutionRecordsRoundTrip(t *testing.T) {
	st, _ := testStore(t)
	base := time.Date(2026, 3, 4, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		exec := &Execution{
			ID: "e" + string(rune('0'+i)), AutomationID: "auto1",
			ChainDepth: i, State: StateSucceeded,
			StartedAt: base, FinishedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := st.WriteExecution(exec); err != nil {
			t.Fatalf("WriteExecution: %v", err)
		}
	}
	_ = st.WriteExecution(&Execution{ID: "x", AutomationID: "other",
		State: StateFailed, FinishedAt: base})

	got, err := st.ListExecutions("auto1")
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	for i, exec := range got {
		if exec.ChainDepth != i {
			t.Errorf("record %d depth = %d", i, exec.ChainDepth)
		}
	}
}

func TestVerifyWebhook(t *testing.T) {
	secret := "whsec_123"
	body := []byte(`{"hello":"world"}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	if !VerifyWebhook(secret, body, sig) {
		t.Error("valid signature rejected")
	}
	if !VerifyWebhook(secret, body, "sha256="+sig) {
		t.Error("prefixed signature rejected")
	}
	if VerifyWebhook(secret, body, "deadbeef") {
		t.Error("wrong signature accepted")
	}
	if VerifyWebhook(secret, []byte("tampered"), sig) {
		t.Error("tampered body accepted")
	}
	if VerifyWebhook("", body, sig) {
		t.Error("empty secret accepted")
	}
	if VerifyWebhook(secret, body, "not-hex") {
		t.Error("malformed signature accepted")
	}
}
