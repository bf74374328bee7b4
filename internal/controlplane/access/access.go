/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package access decides who may do what. The algebra half is pure functions
// over the individual/team/organization visibility model; the controller
// half composes token verification, the algebra, and the sharing store into
// a single check_permission pipeline that always explains its answer.
package access

import "github.com/gatetower/gatetower/internal/controlplane/store"

// Visible reports whether user can see res at all. The owner always can;
// individual resources are owner-only; team resources require membership;
// organization resources are visible tenant-wide (same-tenant is the
// caller's responsibility, checked by the controller before the algebra).
func Visible(user string, res *store.Resource) bool {
	if user == res.OwnerID {
		return true
	}
	switch res.AccessGroup {
	case store.GroupIndividual:
		return false
	case store.GroupTeam:
		return res.IsTeamMember(user)
	case store.GroupOrganization:
		return true
	}
	return false
}

// Mutable reports whether user may modify res. Only the owner may.
func Mutable(user string, res *store.Resource) bool {
	return user == res.OwnerID
}

// PermissionGE reports whether held grants at least required, with
// Read < Write < Admin.
func PermissionGE(held, required store.Permission) bool {
	return held.GE(required)
}
