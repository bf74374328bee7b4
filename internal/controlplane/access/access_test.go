/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package access

import (
	"testing"

	"github.com/gatetower/gatetower/internal/controlplane/store"
)

func TestVisible(t *testing.T) {
	owner := "alice@acme.io"
	tests := []struct {
		name  string
		user  string
		group store.AccessGroup
		team  []string
		want  bool
	}{
		{"owner individual", owner, store.GroupIndividual, nil, true},
		{"stranger individual", "bob@acme.io", store.GroupIndividual, nil, false},
		{"member team", "bob@acme.io", store.GroupTeam, []string{"bob@acme.io"}, true},
		{"non-member team", "carol@acme.io", store.GroupTeam, []string{"bob@acme.io"}, false},
		{"anyone organization", "carol@acme.io", store.GroupOrganization, nil, true},
	}
	for _, tt := range tests {
		res := &store.Resource{OwnerID: owner, AccessGroup: tt.group, TeamMembers: tt.team}
		if got := Visible(tt.user, res); got != tt.want {
			t.Errorf("%s: Visible = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMutable(t *testing.T) {
	res := &store.Resource{OwnerID: "alice@acme.io", AccessGroup: store.GroupOrganization}
	if !Mutable("alice@acme.io", res) {
		t.Error("owner should be able to mutate")
	}
	if Mutable("bob@acme.io", res) {
		t.Error("non-owner must not mutate, even organization-wide")
	}
}

func TestPermissionGE(t *testing.T) {
	order := []store.Permission{store.PermRead, store.PermWrite, store.PermAdmin}
	for i, held := range order {
		for j, required := range order {
			want := i >= j
			if got := PermissionGE(held, required); got != want {
				t.Errorf("PermissionGE(%s, %s) = %v, want %v", held, required, got, want)
			}
		}
	}
	if PermissionGE("", store.PermRead) {
		t.Error("unknown permission must rank below read")
	}
}
