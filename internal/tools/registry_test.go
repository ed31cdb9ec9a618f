package tools

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func echoTool() Descriptor {
	return Descriptor{
		Spec: domain.ToolSpec{
			Name: "test.echo",
			Params: []domain.ParamSpec{
				{Name: "text", Type: "string", Required: true},
				{Name: "times", Type: "number", Required: false},
			},
		},
		Run: func(_ context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"text": params["text"]}, nil
		},
	}
}

func TestRegistryInvoke(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(echoTool())

	out, err := r.Invoke(context.Background(), "test.echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out["text"])
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	_, err := r.Invoke(context.Background(), "test.missing", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestRegistryValidatesParams(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(echoTool())

	_, err := r.Invoke(context.Background(), "test.echo", map[string]any{})
	assert.ErrorIs(t, err, ErrInvalidParam, "missing required param")

	_, err = r.Invoke(context.Background(), "test.echo", map[string]any{"text": 42})
	assert.ErrorIs(t, err, ErrInvalidParam, "wrong type")

	// JSON-decoded numbers arrive as float64 and must pass.
	_, err = r.Invoke(context.Background(), "test.echo", map[string]any{"text": "x", "times": float64(3)})
	assert.NoError(t, err)
}

func TestRegistryNamesAreSorted(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(Descriptor{Spec: domain.ToolSpec{Name: "b.tool"}, Run: func(context.Context, map[string]any) (map[string]any, error) { return nil, nil }})
	r.Register(Descriptor{Spec: domain.ToolSpec{Name: "a.tool"}, Run: func(context.Context, map[string]any) (map[string]any, error) { return nil, nil }})
	assert.Equal(t, []string{"a.tool", "b.tool"}, r.Names())
}

func TestRegisterBuiltinsSkipsAbsentDeps(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	RegisterBuiltins(r, Deps{
		Remember: func(_ context.Context, _, _ string) (uuid.UUID, error) { return uuid.New(), nil },
		Recall: func(_ context.Context, _ string, _ int) ([]domain.NodeWithScore, error) {
			return nil, nil
		},
		Enqueue: func(_ context.Context, _ int, _ time.Time, _ map[string]any) (uuid.UUID, error) {
			return uuid.New(), nil
		},
	})

	names := r.Names()
	assert.Contains(t, names, "memory.remember")
	assert.Contains(t, names, "memory.recall")
	assert.Contains(t, names, "queue.enqueue")
	assert.NotContains(t, names, "web.get_dom", "no web client registered")
	assert.NotContains(t, names, "form.autofill")

	out, err := r.Invoke(context.Background(), "memory.remember", map[string]any{"content": "note"})
	require.NoError(t, err)
	assert.NotEmpty(t, out["id"])
}

func TestDisabledWebClient(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	RegisterBuiltins(r, Deps{Web: DisabledWebClient{}})

	_, err := r.Invoke(context.Background(), "web.get_dom", map[string]any{"url": "https://example.com"})
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
}
