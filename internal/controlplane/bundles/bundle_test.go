/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package bundles

import (
	"testing"

	"github.com/gatetower/gatetower/internal/controlplane/automations"
	"github.com/gatetower/gatetower/internal/controlplane/events"
	"github.com/gatetower/gatetower/internal/controlplane/store"
	"github.com/gatetower/gatetower/internal/fabric"
	"github.com/gatetower/gatetower/internal/tenant"
)

const sampleBundle = `
name: incident-response
version: 1.2.0
description: Notify and log on document uploads
automations:
  - name: log-upload
    trigger_type: event
    trigger_config:
      event_types: ["document.uploaded"]
    actions:
      - type: log
        message: "document arrived"
        level: info
  - name: nightly-report
    trigger_type: cron
    trigger_config:
      schedule: "0 2 * * *"
    actions:
      - type: log
        message: "nightly run"
`

func TestParseBundle(t *testing.T) {
	b, err := Parse([]byte(sampleBundle))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if b.Name != "incident-response" || b.Version != "1.2.0" {
		t.Errorf("metadata = %s/%s", b.Name, b.Version)
	}
	if len(b.Automations) != 2 {
		t.Fatalf("automations = %d, want 2", len(b.Automations))
	}
	if b.Automations[0].TriggerType != automations.TriggerEvent {
		t.Errorf("trigger_type = %s, want event", b.Automations[0].TriggerType)
	}
	if b.Automations[1].TriggerConfig.Schedule != "0 2 * * *" {
		t.Errorf("schedule = %q", b.Automations[1].TriggerConfig.Schedule)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"not yaml", ":\n  - ["},
		{"missing name", "version: 1.0.0\nautomations:\n  - name: a\n    trigger_type: manual\n"},
		{"no automations", "name: empty\nversion: 1.0.0\n"},
	}
	for _, tc := range cases {
		if _, err := Parse([]byte(tc.doc)); fabric.KindOf(err) != fabric.KindInvalidInput {
			t.Errorf("%s: kind = %v, want InvalidInput", tc.name, fabric.KindOf(err))
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	b, err := Parse([]byte(sampleBundle))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	data, err := b.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	again, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse(Marshal): %v", err)
	}
	if again.Name != b.Name || len(again.Automations) != len(b.Automations) {
		t.Errorf("round trip lost content: %s %d", again.Name, len(again.Automations))
	}
	if again.Automations[0].Actions[0].Message != "document arrived" {
		t.Errorf("action message = %q", again.Automations[0].Actions[0].Message)
	}
}

func TestManifestNames(t *testing.T) {
	b, err := Parse([]byte(sampleBundle))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	m := b.manifest()
	if m.Name != "incident-response" || len(m.Automations) != 2 {
		t.Fatalf("manifest = %+v", m)
	}
	if m.Automations[0] != "log-upload" || m.Automations[1] != "nightly-report" {
		t.Errorf("automation names = %v", m.Automations)
	}
}

func TestImportRebindsOwnership(t *testing.T) {
	paths, err := tenant.NewPaths(t.TempDir(), "acme.io")
	if err != nil {
		t.Fatalf("NewPaths: %v", err)
	}
	fs := store.NewFS()
	bus := events.NewBus(fs, paths, nil)
	st := automations.NewStore(fs, paths, bus, nil)

	b, err := Parse([]byte(sampleBundle))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b.Automations[0].ID = "upstream-id"
	b.Automations[0].OwnerID = "someone@else.io"
	b.Automations[0].IsActive = true

	ids, err := Import(b, "alice@acme.io", st)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}
	for _, id := range ids {
		if id == "upstream-id" {
			t.Error("upstream id survived import")
		}
		got, err := st.Get(id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if got.OwnerID != "alice@acme.io" {
			t.Errorf("owner = %s, want alice@acme.io", got.OwnerID)
		}
		if got.IsActive {
			t.Error("imported automation active before being enabled")
		}
	}
}

func TestImportRequiresOwner(t *testing.T) {
	b, err := Parse([]byte(sampleBundle))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := Import(b, "", nil); fabric.KindOf(err) != fabric.KindInvalidInput {
		t.Errorf("kind = %v, want InvalidInput", fabric.KindOf(err))
	}
}

func TestParseRef(t *testing.T) {
	cases := []struct {
		in   string
		want Ref
	}{
		{"ghcr.io/acme/bundles/incident", Ref{Registry: "ghcr.io", Path: "acme/bundles/incident"}},
		{"ghcr.io/acme/incident:v1.2.0", Ref{Registry: "ghcr.io", Path: "acme/incident", Tag: "v1.2.0"}},
		{"oci://localhost:5000/team/incident:latest", Ref{Registry: "localhost:5000", Path: "team/incident", Tag: "latest"}},
		{"localhost:5000/team/incident", Ref{Registry: "localhost:5000", Path: "team/incident"}},
		{"ghcr.io/acme/incident@sha256:abc123", Ref{Registry: "ghcr.io", Path: "acme/incident", Digest: "sha256:abc123"}},
		{"ghcr.io/acme/incident:v2@sha256:abc123", Ref{Registry: "ghcr.io", Path: "acme/incident", Tag: "v2", Digest: "sha256:abc123"}},
	}
	for _, tc := range cases {
		got, err := ParseRef(tc.in)
		if err != nil {
			t.Errorf("ParseRef(%q): %v", tc.in, err)
			continue
		}
		if *got != tc.want {
			t.Errorf("ParseRef(%q) = %+v, want %+v", tc.in, *got, tc.want)
		}
	}
}

func TestParseRefRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "oci://", "no-slash-here"} {
		if _, err := ParseRef(in); fabric.KindOf(err) != fabric.KindInvalidInput {
			t.Errorf("ParseRef(%q): kind = %v, want InvalidInput", in, fabric.KindOf(err))
		}
	}
}

func TestRefString(t *testing.T) {
	r := Ref{Registry: "ghcr.io", Path: "acme/incident", Tag: "v1", Digest: "sha256:abc"}
	if got := r.String(); got != "ghcr.io/acme/incident:v1@sha256:abc" {
		t.Errorf("String() = %q", got)
	}
	r2 := Ref{Registry: "localhost:5000", Path: "team/x"}
	if got := r2.String(); got != "localhost:5000/team/x" {
		t.Errorf("String() = %q", got)
	}
}
