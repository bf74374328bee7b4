/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package automations

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/gatetower/gatetower/internal/controlplane/events"
)

var (
	bracedVarPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.]+)\}`)
	bareVarPattern   = regexp.MustCompile(`\$([A-Za-z0-9_]+)`)
)

// Substitute expands ${name} and $name references against the variable
// scope. Dotted paths inside braces index nested values. Unresolvable
// references expand to the empty string.
func Substitute(s string, vars map[string]any) string {
	out := bracedVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		path := m[2 : len(m)-1]
		v, ok := events.LookupPath(vars, path)
		if !ok {
			return ""
		}
		return renderValue(v)
	})
	return bareVarPattern.ReplaceAllStringFunc(out, func(m string) string {
		v, ok := vars[m[1:]]
		if !ok {
			return ""
		}
		return renderValue(v)
	})
}

// SubstituteAny walks strings, maps, and slices, expanding variable
// references in every string it finds. Other values pass through unchanged.
func SubstituteAny(v any, vars map[string]any) any {
	switch t := v.(type) {
	case string:
		return Substitute(t, vars)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = SubstituteAny(val, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = SubstituteAny(val, vars)
		}
		return out
	default:
		return v
	}
}

// renderValue turns a variable value into its string form: scalars print
// plainly, structures render as JSON.
func renderValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", t)
	}
}
