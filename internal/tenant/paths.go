/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package tenant

import (
	"path/filepath"
	"time"
)

// Layout of a tenant tree under Root():
//
//	resources/<resource_id>.json
//	shares/<resource_id>.json
//	api_keys/<key_id>.json
//	api_keys/usage/usage_YYYY-MM-DD.jsonl
//	api_keys/audit/audit_YYYY-MM-DD.jsonl
//	automations/<automation_id>.json
//	automations/executions/<automation_id>_<ts>.json
//	events/store/events_YYYY-MM-DD.jsonl
//	events/automations/<automation_id>.json
//	integrations/configs/<id>.json
//	integrations/usage/usage_YYYY-MM-DD.jsonl
//	integrations/audit/audit_YYYY-MM-DD.jsonl
const dayFormat = "2006-01-02"

// Paths builds every per-tenant filesystem location. Values are cheap and
// immutable; construct one per (data root, tenant) pair.
type Paths struct {
	dataRoot string
	tenant   Tenant
}

// NewPaths roots a tenant's tree at <dataRoot>/<sanitized-domain>.
func NewPaths(dataRoot, domain string) (Paths, error) {
	t, err := New(domain)
	if err != nil {
		return Paths{}, err
	}
	return Paths{dataRoot: dataRoot, tenant: t}, nil
}

// Tenant returns the tenant handle the paths are rooted at.
func (p Paths) Tenant() Tenant { return p.tenant }

// Root is the tenant's directory; all other accessors join onto it.
func (p Paths) Root() string {
	return filepath.Join(p.dataRoot, p.tenant.Safe)
}

// ResourceFile holds one resource record.
func (p Paths) ResourceFile(resourceID string) string {
	return filepath.Join(p.Root(), "resources", resourceID+".json")
}

// ResourcesDir holds all resource records.
func (p Paths) ResourcesDir() string {
	return filepath.Join(p.Root(), "resources")
}

// ShareFile holds the sharing record attached to a resource.
func (p Paths) ShareFile(resourceID string) string {
	return filepath.Join(p.Root(), "shares", resourceID+".json")
}

// KeyFile holds one API key record.
func (p Paths) KeyFile(keyID string) string {
	return filepath.Join(p.Root(), "api_keys", keyID+".json")
}

// KeysDir holds all API key records.
func (p Paths) KeysDir() string {
	return filepath.Join(p.Root(), "api_keys")
}

// KeyUsageLog is the append-only daily usage log for API keys.
func (p Paths) KeyUsageLog(day time.Time) string {
	return filepath.Join(p.Root(), "api_keys", "usage", "usage_"+day.UTC().Format(dayFormat)+".jsonl")
}

// KeyAuditLog is the append-only daily audit log for API keys.
func (p Paths) KeyAuditLog(day time.Time) string {
	return filepath.Join(p.Root(), "api_keys", "audit", "audit_"+day.UTC().Format(dayFormat)+".jsonl")
}

// AutomationFile holds one automation definition.
func (p Paths) AutomationFile(automationID string) string {
	return filepath.Join(p.Root(), "automations", automationID+".json")
}

// AutomationsDir holds all automation definitions.
func (p Paths) AutomationsDir() string {
	return filepath.Join(p.Root(), "automations")
}

// ExecutionFile holds one terminal execution record. ts disambiguates
// repeated executions of the same automation.
func (p Paths) ExecutionFile(automationID string, ts time.Time) string {
	name := automationID + "_" + ts.UTC().Format("20060102T150405.000000000Z")
	return filepath.Join(p.Root(), "automations", "executions", name+".json")
}

// ExecutionsDir holds all terminal execution records.
func (p Paths) ExecutionsDir() string {
	return filepath.Join(p.Root(), "automations", "executions")
}

// EventLog is the append-only daily event log; its line order is the
// canonical event order for the tenant.
func (p Paths) EventLog(day time.Time) string {
	return filepath.Join(p.Root(), "events", "store", "events_"+day.UTC().Format(dayFormat)+".jsonl")
}

// EventAutomationFile holds the event-trigger registration for an automation.
func (p Paths) EventAutomationFile(automationID string) string {
	return filepath.Join(p.Root(), "events", "automations", automationID+".json")
}

// EventAutomationsDir holds all event-trigger registrations.
func (p Paths) EventAutomationsDir() string {
	return filepath.Join(p.Root(), "events", "automations")
}

// IntegrationConfigFile holds one integration configuration.
func (p Paths) IntegrationConfigFile(id string) string {
	return filepath.Join(p.Root(), "integrations", "configs", id+".json")
}

// IntegrationConfigsDir holds all integration configurations.
func (p Paths) IntegrationConfigsDir() string {
	return filepath.Join(p.Root(), "integrations", "configs")
}

// IntegrationUsageLog is the append-only daily usage log for integrations.
func (p Paths) IntegrationUsageLog(day time.Time) string {
	return filepath.Join(p.Root(), "integrations", "usage", "usage_"+day.UTC().Format(dayFormat)+".jsonl")
}

// IntegrationAuditLog is the append-only daily audit log for integrations.
func (p Paths) IntegrationAuditLog(day time.Time) string {
	return filepath.Join(p.Root(), "integrations", "audit", "audit_"+day.UTC().Format(dayFormat)+".jsonl")
}
