package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/knack-ai/knack/internal/domain"
	"go.uber.org/zap"
)

var (
	ErrUnknownTool  = errors.New("unknown tool")
	ErrInvalidParam = errors.New("invalid tool parameter")
)

// Handler executes one tool call.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Descriptor pairs a tool's schema with its implementation.
type Descriptor struct {
	Spec domain.ToolSpec
	Run  Handler
}

// Registry is the tool table the planner validates against and the executor
// dispatches through. It implements both domain.ToolCatalog and
// domain.ToolInvoker.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Descriptor
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]Descriptor),
		logger: logger,
	}
}

// Register adds or replaces a tool.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[d.Spec.Name] = d
}

// Lookup returns a tool's schema.
func (r *Registry) Lookup(name string) (*domain.ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	spec := d.Spec
	return &spec, true
}

// Names lists registered tools in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke validates params against the schema and runs the tool.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	r.mu.RLock()
	d, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := validateParams(d.Spec, params); err != nil {
		return nil, err
	}

	r.logger.Debug("invoking tool", zap.String("tool", name))
	out, err := d.Run(ctx, params)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func validateParams(spec domain.ToolSpec, params map[string]any) error {
	for _, p := range spec.Params {
		value, present := params[p.Name]
		if !present {
			if p.Required {
				return fmt.Errorf("%w: %s requires %q", ErrInvalidParam, spec.Name, p.Name)
			}
			continue
		}
		if !paramTypeOK(p.Type, value) {
			return fmt.Errorf("%w: %s param %q must be %s", ErrInvalidParam, spec.Name, p.Name, p.Type)
		}
	}
	return nil
}

func paramTypeOK(t string, v any) bool {
	switch t {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int64, float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "json", "":
		return true
	}
	return true
}
