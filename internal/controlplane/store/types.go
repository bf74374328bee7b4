/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package store

import (
	"time"

	"github.com/gatetower/gatetower/internal/fabric"
)

// ResourceType enumerates the kinds of tenant resources the registry holds.
type ResourceType string

const (
	TypeDataset       ResourceType = "dataset"
	TypeAgent         ResourceType = "agent"
	TypeWorkflow      ResourceType = "workflow"
	TypeMCPServer     ResourceType = "mcp_server"
	TypeIntegration   ResourceType = "integration"
	TypeDocument      ResourceType = "document"
	TypeConfiguration ResourceType = "configuration"
)

// ParseResourceType validates a resource type string.
func ParseResourceType(s string) (ResourceType, error) {
	switch ResourceType(s) {
	case TypeDataset, TypeAgent, TypeWorkflow, TypeMCPServer, TypeIntegration, TypeDocument, TypeConfiguration:
		return ResourceType(s), nil
	}
	return "", fabric.Errorf(fabric.KindInvalidInput, "store.ParseResourceType", "unknown resource type %q", s)
}

// AccessGroup controls who can see a resource.
type AccessGroup string

const (
	// GroupIndividual resources are visible to the owner only.
	GroupIndividual AccessGroup = "individual"
	// GroupTeam resources are visible to the owner and team_members.
	GroupTeam AccessGroup = "team"
	// GroupOrganization resources are readable by the whole tenant.
	GroupOrganization AccessGroup = "organization"
)

// ParseAccessGroup validates an access group string.
func ParseAccessGroup(s string) (AccessGroup, error) {
	switch AccessGroup(s) {
	case GroupIndividual, GroupTeam, GroupOrganization:
		return AccessGroup(s), nil
	}
	return "", fabric.Errorf(fabric.KindInvalidInput, "store.ParseAccessGroup", "unknown access group %q", s)
}

// Permission ranks what a team member may do with a shared resource.
type Permission string

const (
	PermRead  Permission = "read"
	PermWrite Permission = "write"
	PermAdmin Permission = "admin"
)

func (p Permission) rank() int {
	switch p {
	case PermRead:
		return 1
	case PermWrite:
		return 2
	case PermAdmin:
		return 3
	default:
		return 0
	}
}

// GE reports whether p grants at least required. Read < Write < Admin.
func (p Permission) GE(required Permission) bool {
	return p.rank() >= required.rank() && p.rank() > 0
}

// Resource is one tenant-scoped registry entry.
type Resource struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         ResourceType   `json:"type"`
	OwnerID      string         `json:"owner_id"`
	TenantDomain string         `json:"tenant_domain"`
	AccessGroup  AccessGroup    `json:"access_group"`
	TeamMembers  []string       `json:"team_members,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Validate enforces the registry invariants: team_members is non-empty iff
// the group is Team, and the owner is never listed as a team member.
func (r *Resource) Validate() error {
	const op = "store.Resource.Validate"
	if r.ID == "" || r.OwnerID == "" || r.TenantDomain == "" {
		return fabric.E(fabric.KindInvalidInput, op, "id, owner_id and tenant_domain are required")
	}
	if _, err := ParseResourceType(string(r.Type)); err != nil {
		return err
	}
	if _, err := ParseAccessGroup(string(r.AccessGroup)); err != nil {
		return err
	}
	if r.AccessGroup == GroupTeam && len(r.TeamMembers) == 0 {
		return fabric.E(fabric.KindInvalidInput, op, "team resources require team_members")
	}
	if r.AccessGroup != GroupTeam && len(r.TeamMembers) > 0 {
		return fabric.E(fabric.KindInvalidInput, op, "team_members only valid for team resources")
	}
	for _, m := range r.TeamMembers {
		if m == r.OwnerID {
			return fabric.E(fabric.KindInvalidInput, op, "owner must not appear in team_members")
		}
	}
	return nil
}

// IsTeamMember reports whether user appears in the resource's member list.
func (r *Resource) IsTeamMember(user string) bool {
	for _, m := range r.TeamMembers {
		if m == user {
			return true
		}
	}
	return false
}

// Share is the sharing record attached to a resource. TeamPermissions maps
// user id to the permission granted; members absent from the map hold Read.
type Share struct {
	ResourceID      string                `json:"resource_id"`
	OwnerID         string                `json:"owner_id"`
	AccessGroup     AccessGroup           `json:"access_group"`
	TeamMembers     []string              `json:"team_members,omitempty"`
	TeamPermissions map[string]Permission `json:"team_permissions,omitempty"`
	ExpiresAt       *time.Time            `json:"expires_at,omitempty"`
	IsActive        bool                  `json:"is_active"`
}

// Active reports whether the share is live at now. An expired share is
// inactive regardless of the stored flag.
func (s *Share) Active(now time.Time) bool {
	if s.ExpiresAt != nil && now.After(*s.ExpiresAt) {
		return false
	}
	return s.IsActive
}

// PermissionFor returns the permission the share grants user, defaulting to
// Read for listed members without an explicit entry.
func (s *Share) PermissionFor(user string) (Permission, bool) {
	if p, ok := s.TeamPermissions[user]; ok {
		return p, true
	}
	for _, m := range s.TeamMembers {
		if m == user {
			return PermRead, true
		}
	}
	return "", false
}
