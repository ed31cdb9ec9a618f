package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/embedding"
	"github.com/knack-ai/knack/internal/llm"
	"github.com/knack-ai/knack/internal/store"
	"github.com/knack-ai/knack/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	app, err := NewApp(context.Background(), Deps{
		Graph:    store.NewMemGraphStore(),
		LLM:      llm.NewMockClient(),
		Embedder: embedding.NewMockClient(64),
		Web:      tools.DisabledWebClient{},
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	return app
}

func doJSON(t *testing.T, app *App, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestApp(t)

	rec, body := doJSON(t, app, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, body = doJSON(t, app, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "request_count")
	assert.Contains(t, body, "uptime_seconds")
}

func TestChatObviousIntent(t *testing.T) {
	app := newTestApp(t)

	rec, body := doJSON(t, app, http.MethodPost, "/v1/chat",
		`{"message": "remind me to pay rent at 9am"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "executed", body["action"])
	assert.NotEmpty(t, body["trace_id"])
}

func TestChatRejectsEmptyBody(t *testing.T) {
	app := newTestApp(t)
	rec, _ := doJSON(t, app, http.MethodPost, "/v1/chat", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConceptCreateAndSearch(t *testing.T) {
	app := newTestApp(t)

	rec, body := doJSON(t, app, http.MethodPost, "/v1/concepts",
		`{"prototype": "Person", "props": {"name": "Ada Lovelace"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotEmpty(t, body["id"])

	rec, body = doJSON(t, app, http.MethodGet, "/v1/concepts/search?q=Ada+Lovelace&prototype=Person", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.GreaterOrEqual(t, body["count"].(float64), float64(1))

	// Missing prototype is a schema violation, not a 500.
	rec, _ = doJSON(t, app, http.MethodPost, "/v1/concepts",
		`{"prototype": "Nonexistent", "props": {}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueLifecycleOverHTTP(t *testing.T) {
	app := newTestApp(t)

	rec, body := doJSON(t, app, http.MethodPost, "/v1/queue", `{"priority": 5}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := body["id"].(string)

	rec, body = doJSON(t, app, http.MethodGet, "/v1/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	rec, body = doJSON(t, app, http.MethodPost, "/v1/queue/dequeue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, "running", body["state"])

	// Empty queue dequeues as 204, not an error.
	rec, _ = doJSON(t, app, http.MethodPost, "/v1/queue/dequeue", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = doJSON(t, app, http.MethodPost, "/v1/queue/"+id+"/state", `{"state": "done"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Terminal states reject further transitions.
	rec, _ = doJSON(t, app, http.MethodPost, "/v1/queue/"+id+"/state", `{"state": "failed"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRuleEndpoints(t *testing.T) {
	app := newTestApp(t)

	rec, _ := doJSON(t, app, http.MethodPost, "/v1/rules",
		`{"kind": "interval", "expression": "banana"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := doJSON(t, app, http.MethodPost, "/v1/rules",
		`{"kind": "interval", "expression": "60s", "priority": 2}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := body["id"].(string)

	rec, body = doJSON(t, app, http.MethodGet, "/v1/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	rec, _ = doJSON(t, app, http.MethodDelete, "/v1/rules/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, body = doJSON(t, app, http.MethodGet, "/v1/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["count"])
}

func TestProcedureEndpoints(t *testing.T) {
	app := newTestApp(t)

	plan := `{
  "name": "save a note",
  "confidence": 1,
  "steps": [
    {"id": "s1", "tool": "memory.remember", "params": {"content": "hello"}},
    {"id": "s2", "tool": "memory.recall", "params": {"query": "hello"}, "depends_on": ["s1"]}
  ]
}`
	rec, body := doJSON(t, app, http.MethodPost, "/v1/procedures", plan)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := body["id"].(string)

	rec, body = doJSON(t, app, http.MethodGet, "/v1/procedures/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "save a note", body["name"])

	rec, _ = doJSON(t, app, http.MethodGet, "/v1/procedures/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Plans referencing unregistered tools are rejected up front.
	rec, _ = doJSON(t, app, http.MethodPost, "/v1/procedures",
		`{"name": "bad", "steps": [{"id": "s1", "tool": "nope.nothing"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVaultAndAutofillEndpoints(t *testing.T) {
	app := newTestApp(t)

	rec, _ := doJSON(t, app, http.MethodPost, "/v1/vault/credentials",
		`{"domain": "example.com", "username": "alice", "password": "hunter2"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)

	// No HTML in the body and only the disabled browser adapter available:
	// the page fetch fails upstream.
	rec, _ = doJSON(t, app, http.MethodPost, "/v1/forms/autofill",
		`{"url": "https://example.com/login"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
