/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package automations

import (
	"time"

	"github.com/gatetower/gatetower/internal/controlplane/events"
	"github.com/gatetower/gatetower/internal/fabric"
)

// TriggerType selects how an automation is started.
type TriggerType string

const (
	TriggerCron    TriggerType = "cron"
	TriggerWebhook TriggerType = "webhook"
	TriggerEvent   TriggerType = "event"
	TriggerChain   TriggerType = "chain"
	TriggerManual  TriggerType = "manual"
)

// ParseTriggerType validates a trigger type string.
func ParseTriggerType(s string) (TriggerType, error) {
	switch TriggerType(s) {
	case TriggerCron, TriggerWebhook, TriggerEvent, TriggerChain, TriggerManual:
		return TriggerType(s), nil
	}
	return "", fabric.Errorf(fabric.KindInvalidInput, "automations.ParseTriggerType", "unknown trigger type %q", s)
}

// TriggerConfig carries the per-trigger-type fields. Cron uses Schedule,
// Event uses EventTypes, Webhook uses Secret; Chain and Manual carry
// nothing.
type TriggerConfig struct {
	Schedule   string   `json:"schedule,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
	Secret     string   `json:"secret,omitempty"`
}

// ActionType tags an action variant. The set is closed; the executor's
// dispatch is exhaustive over it, and every gated type maps to a required
// capability.
type ActionType string

const (
	ActionAPICall       ActionType = "api_call"
	ActionDataTransform ActionType = "data_transform"
	ActionConditional   ActionType = "conditional"
	ActionLoop          ActionType = "loop"
	ActionWait          ActionType = "wait"
	ActionVariableSet   ActionType = "variable_set"
	ActionChain         ActionType = "chain"
	ActionLog           ActionType = "log"
)

// Action is one tagged action variant. Only the fields of the tagged type
// are meaningful; the rest stay zero.
type Action struct {
	Type ActionType `json:"type"`

	// api_call
	Endpoint string            `json:"endpoint,omitempty"`
	Method   string            `json:"method,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     any               `json:"body,omitempty"`

	// data_transform
	TransformType string            `json:"transform_type,omitempty"`
	Source        string            `json:"source,omitempty"`
	Target        string            `json:"target,omitempty"`
	Path          string            `json:"path,omitempty"`
	Mapping       map[string]string `json:"mapping,omitempty"`

	// conditional
	Condition *events.Condition `json:"condition,omitempty"`
	Then      []Action          `json:"then,omitempty"`
	Else      []Action          `json:"else,omitempty"`

	// loop
	Items    any      `json:"items,omitempty"`
	Variable string   `json:"variable,omitempty"`
	Actions  []Action `json:"actions,omitempty"`

	// wait
	DurationSeconds float64 `json:"duration,omitempty"`

	// variable_set
	Variables map[string]any `json:"variables,omitempty"`

	// chain
	TargetAutomationID string `json:"target_automation_id,omitempty"`

	// log
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"`
}

// requiredCapability maps gated action types to the capability a token must
// hold. Types absent from the map pass ungated.
func requiredCapability(t ActionType) string {
	switch t {
	case ActionAPICall:
		return "automation:api_calls"
	case ActionType("webhook"):
		return "automation:webhooks"
	case ActionType("email"):
		return "automation:email"
	case ActionDataTransform:
		return "automation:data_processing"
	case ActionConditional, ActionLoop:
		return "automation:logic"
	}
	return ""
}

// Automation is one persisted automation definition.
type Automation struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	OwnerID        string             `json:"owner_id"`
	TriggerType    TriggerType        `json:"trigger_type"`
	TriggerConfig  TriggerConfig      `json:"trigger_config"`
	Conditions     []events.Condition `json:"conditions,omitempty"`
	Actions        []Action           `json:"actions"`
	TriggersChain  bool               `json:"triggers_chain,omitempty"`
	ChainTargets   []string           `json:"chain_targets,omitempty"`
	MaxRetries     int                `json:"max_retries"`
	TimeoutSeconds int                `json:"timeout_seconds,omitempty"`
	IsActive       bool               `json:"is_active"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Validate enforces the definition invariants.
func (a *Automation) Validate() error {
	const op = "automations.Automation.Validate"
	if a.ID == "" || a.Name == "" || a.OwnerID == "" {
		return fabric.E(fabric.KindInvalidInput, op, "id, name and owner_id are required")
	}
	if _, err := ParseTriggerType(string(a.TriggerType)); err != nil {
		return err
	}
	switch a.TriggerType {
	case TriggerCron:
		if a.TriggerConfig.Schedule == "" {
			return fabric.E(fabric.KindInvalidInput, op, "cron trigger requires a schedule")
		}
	case TriggerEvent:
		if len(a.TriggerConfig.EventTypes) == 0 {
			return fabric.E(fabric.KindInvalidInput, op, "event trigger requires event_types")
		}
	case TriggerWebhook:
		if a.TriggerConfig.Secret == "" {
			return fabric.E(fabric.KindInvalidInput, op, "webhook trigger requires a secret")
		}
	}
	return nil
}

// State of one automation execution.
type State string

const (
	StatePending       State = "pending"
	StateRunning       State = "running"
	StateRetrying      State = "retrying"
	StateSucceeded     State = "succeeded"
	StateFailed        State = "failed"
	StateTimedOut      State = "timed_out"
	StateChainExceeded State = "chain_exceeded"
)

// Terminal reports whether the state ends an execution.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateChainExceeded:
		return true
	}
	return false
}

// Execution is the terminal record of one automation invocation. Exactly one
// is written per invocation, at its terminal state.
type Execution struct {
	ID                 string         `json:"id"`
	AutomationID       string         `json:"automation_id"`
	ParentAutomationID string         `json:"parent_automation_id,omitempty"`
	TriggerEventID     string         `json:"trigger_event_id,omitempty"`
	ChainDepth         int            `json:"chain_depth"`
	State              State          `json:"state"`
	StartedAt          time.Time      `json:"started_at"`
	FinishedAt         time.Time      `json:"finished_at"`
	Retries            int            `json:"retries,omitempty"`
	Error              string         `json:"error,omitempty"`
	Variables          map[string]any `json:"variables,omitempty"`
}
