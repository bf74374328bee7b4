/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package events is the per-tenant event bus: an append-only daily log whose
// line order is the canonical event order, plus deterministic matching of
// events against automation trigger registrations. Dispatch happens only
// after an event is durably appended.
package events

import (
	"strconv"
	"strings"
	"time"
)

// Catalog event types. Unknown types are accepted and stored, with a warning.
const (
	TypeDocumentUploaded    = "document.uploaded"
	TypeDocumentProcessed   = "document.processed"
	TypeAgentCreated        = "agent.created"
	TypeChatStarted         = "chat.started"
	TypeResourceShared      = "resource.shared"
	TypeQuotaWarning        = "quota.warning"
	TypeAutomationCompleted = "automation.completed"
	TypeAutomationFailed    = "automation.failed"

	// Synthetic types produced by the automation engine itself.
	TypeAutomationChain = "automation.chain"
	TypeAutomationCron  = "automation.cron"
)

// catalog maps each known event type to its required data fields.
var catalog = map[string][]string{
	TypeDocumentUploaded:    {"document_id", "dataset_id", "filename"},
	TypeDocumentProcessed:   {"document_id", "chunks_created"},
	TypeAgentCreated:        {"agent_id", "name", "owner_id"},
	TypeChatStarted:         {"conversation_id", "agent_id"},
	TypeResourceShared:      {"resource_id", "access_group", "shared_with"},
	TypeQuotaWarning:        {"resource_type", "current_usage", "limit"},
	TypeAutomationCompleted: {"automation_id", "result", "duration_ms"},
	TypeAutomationFailed:    {"automation_id", "error", "retry_count"},
}

// Event is one immutable domain event.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Tenant    string         `json:"tenant"`
	User      string         `json:"user"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CatalogCheck reports whether the event type is known and which required
// fields are missing. Both outcomes are advisory: deviations are stored
// anyway, logged by the bus.
func CatalogCheck(ev *Event) (known bool, missing []string) {
	required, ok := catalog[ev.Type]
	if !ok {
		return false, nil
	}
	for _, field := range required {
		if _, present := ev.Data[field]; !present {
			missing = append(missing, field)
		}
	}
	return true, missing
}

// Operator is a condition comparison.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

// Condition is one predicate over an event or a variable scope.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// Eval applies the condition to an event. Fields starting "data." index into
// the event's data object; all other fields index event attributes. An
// unresolvable path is false for every operator except not_exists.
func (c Condition) Eval(ev *Event) bool {
	val, ok := resolveEventField(ev, c.Field)
	return evalOperator(c.Operator, val, ok, c.Value)
}

// EvalScope applies the condition to a flat variable scope, using the same
// operator semantics. Used by the automation executor's conditionals.
func (c Condition) EvalScope(scope map[string]any) bool {
	val, ok := LookupPath(scope, c.Field)
	return evalOperator(c.Operator, val, ok, c.Value)
}

func evalOperator(op Operator, actual any, present bool, expected any) bool {
	switch op {
	case OpExists:
		return present
	case OpNotExists:
		return !present
	}
	if !present {
		return false
	}
	switch op {
	case OpEquals:
		return looseEqual(actual, expected)
	case OpNotEquals:
		return !looseEqual(actual, expected)
	case OpContains:
		return contains(actual, expected)
	case OpGreaterThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		return aok && bok && a > b
	case OpLessThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		return aok && bok && a < b
	}
	return false
}

func resolveEventField(ev *Event, field string) (any, bool) {
	if path, ok := strings.CutPrefix(field, "data."); ok {
		return LookupPath(ev.Data, path)
	}
	switch field {
	case "id":
		return ev.ID, true
	case "type":
		return ev.Type, true
	case "tenant":
		return ev.Tenant, true
	case "user":
		return ev.User, true
	case "timestamp":
		return ev.Timestamp, true
	case "data":
		return ev.Data, ev.Data != nil
	}
	if path, ok := strings.CutPrefix(field, "metadata."); ok {
		return LookupPath(ev.Metadata, path)
	}
	return nil, false
}

// LookupPath resolves a dotted path against nested maps and slices. Numeric
// segments index slices; missing keys and out-of-range indices report not
// found.
func LookupPath(root any, path string) (any, bool) {
	if path == "" {
		return root, root != nil
	}
	cur := root
	for _, seg := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return toString(a) == toString(b)
}

func contains(haystack, needle any) bool {
	switch v := haystack.(type) {
	case string:
		return strings.Contains(v, toString(needle))
	case []any:
		for _, item := range v {
			if looseEqual(item, needle) {
				return true
			}
		}
	case []string:
		for _, item := range v {
			if item == toString(needle) {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		if f, ok := toFloat(v); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		if b, isBool := v.(bool); isBool {
			return strconv.FormatBool(b)
		}
		return ""
	}
}
