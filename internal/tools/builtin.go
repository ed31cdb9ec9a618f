package tools

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
)

// Deps are the capabilities the builtin tools close over. They are plain
// funcs so the registry never imports the service layer.
type Deps struct {
	Web domain.WebClient

	Remember func(ctx context.Context, content string, kind string) (uuid.UUID, error)
	Recall   func(ctx context.Context, query string, topK int) ([]domain.NodeWithScore, error)

	Autofill func(ctx context.Context, pageURL, host, path, html string) (*domain.FillReport, error)

	Enqueue     func(ctx context.Context, priority int, notBefore time.Time, payload map[string]any) (uuid.UUID, error)
	UpdateQueue func(ctx context.Context, id uuid.UUID, state string) error

	CreateProcedure func(ctx context.Context, planJSON string) (uuid.UUID, error)
	SearchProcedure func(ctx context.Context, query string) ([]domain.NodeWithScore, error)
}

// RegisterBuiltins installs the standard tool set. Tools whose dependency is
// absent are simply not registered, so the planner never sees them.
func RegisterBuiltins(r *Registry, deps Deps) {
	if deps.Web != nil {
		registerWebTools(r, deps.Web)
	}
	if deps.Autofill != nil {
		registerFormTools(r, deps)
	}
	if deps.Remember != nil && deps.Recall != nil {
		registerMemoryTools(r, deps)
	}
	if deps.Enqueue != nil {
		registerQueueTools(r, deps)
	}
	if deps.CreateProcedure != nil {
		registerProcedureTools(r, deps)
	}
}

func registerWebTools(r *Registry, web domain.WebClient) {
	r.Register(Descriptor{
		Spec: domain.ToolSpec{
			Name:        "web.get_dom",
			Description: "Fetch a page and return its rendered HTML",
			Params: []domain.ParamSpec{
				{Name: "url", Type: "string", Required: true},
			},
		},
		Run: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			result, err := web.GetDOM(ctx, params["url"].(string))
			if err != nil {
				return nil, err
			}
			return map[string]any{"html": result.HTML}, nil
		},
	})

	r.Register(Descriptor{
		Spec: domain.ToolSpec{
			Name:        "web.screenshot",
			Description: "Capture a screenshot of a page",
			Params: []domain.ParamSpec{
				{Name: "url", Type: "string", Required: true},
			},
		},
		Run: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			path, err := web.Screenshot(ctx, params["url"].(string))
			if err != nil {
				return nil, err
			}
			return map[string]any{"path": path}, nil
		},
	})

	r.Register(Descriptor{
		Spec: domain.ToolSpec{
			Name:        "web.fill",
			Description: "Type text into an element",
			Params: []domain.ParamSpec{
				{Name: "url", Type: "string", Required: true},
				{Name: "selector", Type: "string", Required: true},
				{Name: "value", Type: "string", Required: true},
			},
		},
		Run: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			err := web.Fill(ctx, params["url"].(string), params["selector"].(string), params["value"].(string))
			return nil, err
		},
	})

	r.Register(Descriptor{
		Spec: domain.ToolSpec{
			Name:        "web.click_selector",
			Description: "Click an element",
			Params: []domain.ParamSpec{
				{Name: "url", Type: "string", Required: true},
				{Name: "selector", Type: "string", Required: true},
			},
		},
		Run: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			err := web.Click(ctx, params["url"].(string), params["selector"].(string))
			return nil, err
		},
	})

	r.Register(Descriptor{
		Spec: domain.ToolSpec{
			Name:        "web.wait_for",
			Description: "Wait until a selector appears",
			Params: []domain.ParamSpec{
				{Name: "url", Type: "string", Required: true},
				{Name: "selector", Type: "string", Required: true},
				{Name: "timeout_seconds", Type: "number", Required: false},
			},
		},
		Run: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			timeout := 10 * time.Second
			if v, ok := numberParam(params["timeout_seconds"]); ok && v > 0 {
				timeout = time.Duration(v * float64(time.Second))
			}
			err := web.WaitFor(ctx, params["url"].(string), params["selector"].(string), timeout)
			return nil, err
		},
	})
}

func registerFormTools(r *Registry, deps Deps) {
	r.Register(Descriptor{
		Spec: domain.ToolSpec{
			Name:        "form.autofill",
			Description: "Fill a page's form from the vault using a stored pattern",
			Params: []domain.ParamSpec{
				{Name: "url", Type: "string", Required: true},
			},
		},
		Run: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			pageURL := params["url"].(string)
			parsed, err := url.Parse(pageURL)
			if err != nil {
				return nil, fmt.Errorf("%w: form.autofill url %q", ErrInvalidParam, pageURL)
			}

			html := ""
			if v, ok := params["html"].(string); ok {
				html = v
			} else if deps.Web != nil {
				dom, err := deps.Web.GetDOM(ctx, pageURL)
				if err != nil {
					return nil, err
				}
				html = dom.HTML
			}

			report, err := deps.Autofill(ctx, pageURL, parsed.Hostname(), parsed.Path, html)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"filled":  report.Filled,
				"missing": report.Missing,
				"adapted": report.Adapted,
			}, nil
		},
	})
}

func registerMemoryTools(r *Registry, deps Deps) {
	r.Register(Descriptor{
		Spec: domain.ToolSpec{
			Name:        "memory.remember",
			Description: "Store a note or fact",
			Params: []domain.ParamSpec{
				{Name: "content", Type: "string", Required: true},
				{Name: "kind", Type: "string", Required: false},
			},
		},
		Run: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			kind := ""
			if v, ok := params["kind"].(string); ok {
				kind = v
			}
			id, err := deps.Remember(ctx, params["content"].(string), kind)
			if err != nil {
				return nil, err
			}
			return map[string]any{"id": id.String()}, nil
		},
	})

	r.Register(Descriptor{
		Spec: domain.ToolSpec{
			Name:        "memory.recall",
			Description: "Search stored notes and concepts",
			Params: []domain.ParamSpec{
				{Name: "query", Type: "string", Required: true},
				{Name: "top_k", Type: "number", Required: false},
			},
		},
		Run: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			topK := 5
			if v, ok := numberParam(params["top_k"]); ok && v > 0 {
				topK = int(v)
			}
			results, err := deps.Recall(ctx, params["query"].(string), topK)
			if err != nil {
				return nil, err
			}
			var out []map[string]any
			for _, res := range results {
				out = append(out, map[string]any{
					"id":    res.Node.ID.String(),
					"name":  res.Node.Name(),
					"score": res.Score,
				})
			}
			return map[string]any{"results": out}, nil
		},
	})
}

func registerQueueTools(r *Registry, deps Deps) {
	r.Register(Descriptor{
		Spec: domain.ToolSpec{
			Name:        "queue.enqueue",
			Description: "Queue a task for later execution",
			Params: []domain.ParamSpec{
				{Name: "priority", Type: "number", Required: false},
				{Name: "not_before", Type: "string", Required: false},
				{Name: "payload", Type: "json", Required: false},
			},
		},
		Run: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			priority := 0
			if v, ok := numberParam(params["priority"]); ok {
				priority = int(v)
			}
			var notBefore time.Time
			if v, ok := params["not_before"].(string); ok && v != "" {
				t, err := time.Parse(time.RFC3339, v)
				if err != nil {
					return nil, fmt.Errorf("%w: not_before %q", ErrInvalidParam, v)
				}
				notBefore = t
			}
			payload, _ := params["payload"].(map[string]any)
			id, err := deps.Enqueue(ctx, priority, notBefore, payload)
			if err != nil {
				return nil, err
			}
			return map[string]any{"id": id.String()}, nil
		},
	})

	if deps.UpdateQueue == nil {
		return
	}
	r.Register(Descriptor{
		Spec: domain.ToolSpec{
			Name:        "queue.update",
			Description: "Advance a queued task's state",
			Params: []domain.ParamSpec{
				{Name: "id", Type: "string", Required: true},
				{Name: "state", Type: "string", Required: true},
			},
		},
		Run: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			id, err := uuid.Parse(params["id"].(string))
			if err != nil {
				return nil, fmt.Errorf("%w: queue.update id", ErrInvalidParam)
			}
			return nil, deps.UpdateQueue(ctx, id, params["state"].(string))
		},
	})
}

func registerProcedureTools(r *Registry, deps Deps) {
	r.Register(Descriptor{
		Spec: domain.ToolSpec{
			Name:        "procedure.create",
			Description: "Store an executable procedure from plan JSON",
			Params: []domain.ParamSpec{
				{Name: "plan", Type: "string", Required: true},
			},
		},
		Run: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			id, err := deps.CreateProcedure(ctx, params["plan"].(string))
			if err != nil {
				return nil, err
			}
			return map[string]any{"id": id.String()}, nil
		},
	})

	if deps.SearchProcedure == nil {
		return
	}
	r.Register(Descriptor{
		Spec: domain.ToolSpec{
			Name:        "procedure.search",
			Description: "Find stored procedures similar to a request",
			Params: []domain.ParamSpec{
				{Name: "query", Type: "string", Required: true},
			},
		},
		Run: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			results, err := deps.SearchProcedure(ctx, params["query"].(string))
			if err != nil {
				return nil, err
			}
			var out []map[string]any
			for _, res := range results {
				out = append(out, map[string]any{
					"id":    res.Node.ID.String(),
					"name":  res.Node.Name(),
					"score": res.Score,
				})
			}
			return map[string]any{"results": out}, nil
		},
	})
}

func numberParam(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
