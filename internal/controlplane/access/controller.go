/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package access

import (
	"go.uber.org/zap"

	"github.com/gatetower/gatetower/internal/controlplane/audit"
	"github.com/gatetower/gatetower/internal/controlplane/store"
	"github.com/gatetower/gatetower/internal/metrics"
	"github.com/gatetower/gatetower/internal/shared/captoken"
)

// Decision reason strings. These are part of the external contract; callers
// and tests match on them verbatim.
const (
	ReasonInvalidToken     = "Invalid capability token"
	ReasonCrossTenant      = "Cross-tenant access denied"
	ReasonOwnerAccess      = "Owner access granted"
	ReasonOnlyOwnerModify  = "Only owner can modify"
	ReasonPrivateResource  = "Private resource"
	ReasonNotTeamMember    = "Not a team member"
	ReasonInsufficientPerm = "Insufficient permission"
	ReasonTeamMemberRead   = "Team member read access"
	ReasonOrgWideRead      = "Organization-wide read access"
)

// Decision is the outcome of a permission check. Authorization failures are
// values, not errors; only infrastructure faults surface as errors.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow builds an allowing decision.
func Allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }

// Deny builds a denying decision.
func Deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// Controller arbitrates access to tenant resources.
type Controller struct {
	codec *captoken.Codec
	store *store.Store
	trail *audit.Trail
	log   *zap.Logger
}

// NewController wires the decision pipeline. trail may be nil in pure-
// algebra tests; denials then go unaudited.
func NewController(codec *captoken.Codec, st *store.Store, trail *audit.Trail, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{codec: codec, store: st, trail: trail, log: log}
}

func isMutation(action string) bool {
	switch action {
	case "write", "delete", "admin":
		return true
	}
	return false
}

func requiredPermission(action string) store.Permission {
	switch action {
	case "write":
		return store.PermWrite
	case "delete", "admin":
		return store.PermAdmin
	default:
		return store.PermRead
	}
}

// CheckPermission runs the decision pipeline for (user, resource, action,
// token). Every denial is audited; cross-tenant attempts are audited at
// warning severity.
func (c *Controller) CheckPermission(user string, res *store.Resource, action, token string) Decision {
	d := c.checkPermission(user, res, action, token)
	metrics.RecordAccessDecision(res.TenantDomain, d.Allowed)
	return d
}

func (c *Controller) checkPermission(user string, res *store.Resource, action, token string) Decision {
	claims, err := c.codec.Verify(token)
	metrics.RecordTokenVerification(err == nil)
	if err != nil {
		return c.deny(user, res, action, Deny(ReasonInvalidToken), audit.ActionAccessDenied, audit.SeverityInfo)
	}
	if claims.TenantID != res.TenantDomain {
		c.log.Warn("cross-tenant access attempt",
			zap.String("token_tenant", claims.TenantID),
			zap.String("resource_tenant", res.TenantDomain),
			zap.String("user", user),
			zap.String("resource_id", res.ID))
		return c.deny(user, res, action, Deny(ReasonCrossTenant), audit.ActionCrossTenantAttempt, audit.SeverityWarning)
	}

	if user == res.OwnerID {
		return Allow(ReasonOwnerAccess)
	}
	if isMutation(action) {
		return c.deny(user, res, action, Deny(ReasonOnlyOwnerModify), audit.ActionAccessDenied, audit.SeverityInfo)
	}

	switch res.AccessGroup {
	case store.GroupIndividual:
		return c.deny(user, res, action, Deny(ReasonPrivateResource), audit.ActionAccessDenied, audit.SeverityInfo)

	case store.GroupTeam:
		if !res.IsTeamMember(user) {
			return c.deny(user, res, action, Deny(ReasonNotTeamMember), audit.ActionAccessDenied, audit.SeverityInfo)
		}
		if d, ok := c.sharedPermissionCheck(user, res, action); ok {
			if !d.Allowed {
				return c.deny(user, res, action, d, audit.ActionAccessDenied, audit.SeverityInfo)
			}
			return d
		}
		return Allow(ReasonTeamMemberRead)

	case store.GroupOrganization:
		return Allow(ReasonOrgWideRead)
	}

	return c.deny(user, res, action, Deny(ReasonPrivateResource), audit.ActionAccessDenied, audit.SeverityInfo)
}

// sharedPermissionCheck consults the sharing record when it carries an
// explicit per-member permission for user. The second result reports whether
// the record decided anything; an absent or inactive share defers to the
// default team rule.
func (c *Controller) sharedPermissionCheck(user string, res *store.Resource, action string) (Decision, bool) {
	if c.store == nil {
		return Decision{}, false
	}
	share, err := c.store.GetShare(res.ID)
	if err != nil {
		return Decision{}, false
	}
	if !share.Active(c.store.Now()) {
		return Deny(ReasonNotTeamMember), true
	}
	held, explicit := share.TeamPermissions[user]
	if !explicit {
		return Decision{}, false
	}
	if !PermissionGE(held, requiredPermission(action)) {
		return Deny(ReasonInsufficientPerm), true
	}
	return Allow(ReasonTeamMemberRead), true
}

func (c *Controller) deny(user string, res *store.Resource, action string, d Decision, auditAction, severity string) Decision {
	if c.trail != nil {
		c.trail.Record(audit.Record{
			Severity: severity,
			Action:   auditAction,
			Tenant:   res.TenantDomain,
			UserID:   user,
			Details: map[string]any{
				"resource_id": res.ID,
				"action":      action,
				"reason":      d.Reason,
			},
		})
	}
	return d
}
