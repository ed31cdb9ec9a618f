package domain

import "context"

// ParamSpec declares one tool parameter.
type ParamSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // string, number, boolean, json
	Required bool   `json:"required"`
}

// ToolSpec is the typed descriptor of a registered tool. The plan validator
// uses the schema; the executor uses Invoke through a ToolInvoker.
type ToolSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Params      []ParamSpec `json:"params,omitempty"`
}

// ToolCatalog answers what tools exist and what they require.
type ToolCatalog interface {
	Lookup(name string) (*ToolSpec, bool)
	Names() []string
}

// ToolInvoker dispatches a tool call by name. Unknown names are a
// first-class error, not a crash.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, params map[string]any) (map[string]any, error)
}
