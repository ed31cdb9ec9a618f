package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/knack-ai/knack/internal/domain"
)

// MockClient is a deterministic offline client. Tests script responses with
// Enqueue; unscripted calls fall back to a minimal canned plan so the agent
// loop stays exercisable without a provider.
type MockClient struct {
	mu        sync.Mutex
	responses []string
	calls     []string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

// Enqueue appends scripted responses returned in FIFO order.
func (c *MockClient) Enqueue(responses ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, responses...)
}

// Calls returns the prompts seen so far (last user message per call).
func (c *MockClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *MockClient) Chat(_ context.Context, messages []domain.Message, _ domain.ChatOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var last string
	for _, m := range messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	c.calls = append(c.calls, last)

	if len(c.responses) > 0 {
		resp := c.responses[0]
		c.responses = c.responses[1:]
		return resp, nil
	}

	return cannedPlan(last), nil
}

func cannedPlan(prompt string) string {
	name := "Respond to request"
	if len(prompt) > 0 {
		trimmed := strings.TrimSpace(prompt)
		if idx := strings.IndexByte(trimmed, '\n'); idx > 0 {
			trimmed = trimmed[:idx]
		}
		if len(trimmed) > 60 {
			trimmed = trimmed[:60]
		}
		if trimmed != "" {
			name = trimmed
		}
	}
	name = strings.ReplaceAll(name, `"`, `'`)
	return `{"name": "` + name + `", "description": "canned mock plan", "confidence": 0.95, "steps": [{"id": "s1", "name": "remember request", "tool": "memory.remember", "params": {"content": "` + name + `", "kind": "Note"}}]}`
}
