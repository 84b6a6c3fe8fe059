// Package action implements the Action Registry & Orchestrator from
// spec.md §4.3: a table of action definitions keyed by intent, argument
// normalisation, the resolution cascade, and parallel-group execution with
// pre-flight permission collection.
package action

import (
	"encoding/json"

	"github.com/mitchellh/mapstructure"
)

// reservedTopLevelKeys are the fields the orchestrator's normalise step
// (§4.3 step 1) never folds into a delegate action's Data blob.
var reservedTopLevelKeys = map[string]struct{}{
	"actionType": {},
	"intent":     {},
	"id":         {},
}

// Action is the tagged-variant directive an LLM batch emits: either a
// single action (Intent non-empty) or a parallel group (Parallel
// non-empty). Unknown JSON fields are preserved in Fields so executors and
// the permission collector can inspect intent-specific keys (path,
// pattern, file, key, query, command, data, input, …) without a rigid
// schema.
type Action struct {
	Intent     string
	ActionType string // "direct" (default) or "delegate"
	ID         string
	Fields     map[string]any // all top-level fields, including intent/id/actionType
	Data       map[string]any // present for delegate actions after normalisation
	Parallel   []Action       // non-nil for the {"parallel": [...]} variant
}

// IsParallelGroup reports whether this is the `{parallel: [...]}` variant.
func (a Action) IsParallelGroup() bool { return a.Parallel != nil }

// Field returns a named top-level field, if present.
func (a Action) Field(name string) (any, bool) {
	v, ok := a.Fields[name]
	return v, ok
}

// StringField returns a named top-level field as a string, or "".
func (a Action) StringField(name string) string {
	if v, ok := a.Fields[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Key returns the action's deterministic canonicalisation used by the loop
// detectors (spec.md §4.1): intent plus every identifying field that is
// present, in a fixed order.
func (a Action) Key() string {
	identifying := []string{"tool", "path", "file", "key", "query", "pattern", "command", "data", "input"}
	out := a.Intent
	for _, field := range identifying {
		if v, ok := a.Fields[field]; ok {
			b, _ := json.Marshal(v)
			out += "|" + field + "=" + string(b)
		}
	}
	return out
}

// UnmarshalJSON decodes either a flat action object or a parallel group.
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if parallelRaw, ok := raw["parallel"]; ok {
		var group []Action
		if err := json.Unmarshal(parallelRaw, &group); err != nil {
			return err
		}
		a.Parallel = group
		return nil
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	a.Fields = fields
	if v, ok := fields["intent"].(string); ok {
		a.Intent = v
	}
	if v, ok := fields["actionType"].(string); ok {
		a.ActionType = v
	}
	if v, ok := fields["id"].(string); ok {
		a.ID = v
	}
	if v, ok := fields["data"].(map[string]any); ok {
		a.Data = v
	}
	return nil
}

// MarshalJSON round-trips either variant.
func (a Action) MarshalJSON() ([]byte, error) {
	if a.Parallel != nil {
		return json.Marshal(map[string]any{"parallel": a.Parallel})
	}
	return json.Marshal(a.Fields)
}

// Normalise applies spec.md §4.3 steps 1–2:
//  1. For a delegate action with no Data field, every non-reserved
//     top-level key is collected into a new Data sub-object.
//  2. For a direct action with a Data object present, its keys are
//     shallow-copied onto the top level wherever the top-level key is
//     currently undefined.
func (a *Action) Normalise() {
	if a.ActionType == "delegate" {
		if a.Data == nil {
			data := make(map[string]any)
			for k, v := range a.Fields {
				if _, reserved := reservedTopLevelKeys[k]; reserved {
					continue
				}
				data[k] = v
			}
			a.Data = data
			a.Fields["data"] = data
		}
		return
	}

	if a.Data != nil {
		// mapstructure.Decode copies Data's keys into a fresh map, and the
		// loop below then overwrites them with every existing top-level
		// field, so a Data key only reaches the top level where that key
		// was undefined (step 2's "shallow-copy wherever undefined").
		merged := make(map[string]any, len(a.Data)+len(a.Fields))
		_ = mapstructure.Decode(a.Data, &merged)
		for k, v := range a.Fields {
			merged[k] = v
		}
		a.Fields = merged
	}
}
