package action

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/invopop/jsonschema"
	"github.com/koirun/koi/internal/agentmodel"
)

// Permission is the capability an action definition requires of the
// caller's Role (spec.md §3, §4.3).
type Permission string

const (
	PermExecute      Permission = "execute"
	PermDelegate     Permission = "delegate"
	PermRegistryRead Permission = "registry:read"
	PermRegistryWrite Permission = "registry:write"
	PermRegistry     Permission = "registry"
)

// Result is what an executor returns: either success with a data payload,
// or one of the non-thrown failure shapes from spec.md §7 (user-caused
// failure, permission denial).
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Fix     string         `json:"fix,omitempty"`
	Denied  bool           `json:"denied,omitempty"`
	Message string         `json:"message,omitempty"`
}

// StringData returns a string field from Data, or "".
func (r Result) StringData(key string) string {
	if v, ok := r.Data[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Executor runs an action's behavior.
type Executor func(ctx context.Context, action Action, agent *agentmodel.Agent) (Result, error)

// ThinkingHintFunc derives a next-step label from an action, when a static
// string isn't expressive enough.
type ThinkingHintFunc func(action Action) string

// Definition is a registered action, as per spec.md §3's ActionDefinition.
type Definition struct {
	Intent       string
	Description  string
	Permission   Permission
	Schema       map[string]any
	Examples     []Action
	Execute      Executor
	ThinkingHint string
	ThinkingFunc ThinkingHintFunc
}

// Hint computes the thinking hint for a given action: the dynamic function
// takes priority over the static string.
func (d Definition) Hint(a Action) string {
	if d.ThinkingFunc != nil {
		return d.ThinkingFunc(a)
	}
	return d.ThinkingHint
}

// SchemaOf generates a JSON schema for a Go struct describing an action's
// inputs, using the same library the teacher codebase depends on for
// schema declarations.
func SchemaOf(v any) map[string]any {
	reflector := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	schema := reflector.ReflectFromType(reflect.TypeOf(v))

	data, err := schema.MarshalJSON()
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
