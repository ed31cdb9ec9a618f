package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
	"github.com/knack-ai/knack/internal/embedding"
	"github.com/knack-ai/knack/internal/llm"
	"github.com/knack-ai/knack/internal/store"
	"github.com/knack-ai/knack/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type agentHarness struct {
	agent *AgentService
	ksg   *KSGService
	procs *ProcedureService
	mock  *llm.MockClient
	web   *scriptedWebClient
}

func newTestAgent(t *testing.T, failingSelectors ...string) *agentHarness {
	t.Helper()
	graph := store.NewMemGraphStore()
	embedder := embedding.NewMockClient(testEmbeddingDim)
	mock := llm.NewMockClient()
	logger := zap.NewNop()

	ksg := NewKSGService(graph, embedder, mock, logger)
	require.NoError(t, SeedPrototypes(context.Background(), ksg, logger))

	web := newScriptedWebClient(failingSelectors...)
	registry := tools.NewRegistry(logger)
	tools.RegisterBuiltins(registry, tools.Deps{
		Web: web,
		Remember: func(ctx context.Context, content, _ string) (uuid.UUID, error) {
			proto, err := ksg.GetPrototypeByName(ctx, domain.ProtoNote)
			if err != nil {
				return uuid.Nil, err
			}
			return ksg.CreateConcept(ctx, proto.ID, map[string]any{domain.PropName: content}, nil, nil)
		},
		Recall: func(ctx context.Context, query string, topK int) ([]domain.NodeWithScore, error) {
			return ksg.SearchConcepts(ctx, query, topK, "", 0.1, false)
		},
	})

	procs := NewProcedureService(ksg, embedder, registry, logger)
	learn := NewLearningService(ksg, embedder, mock, logger)
	wm := NewWorkingMemoryService(0, 0, nil, logger)

	agent := NewAgentService(ksg, procs, learn, wm, mock, embedder, registry, registry, AgentOptions{
		ReuseThreshold:    0.3,
		SkipLLMForObvious: true,
	}, logger)

	return &agentHarness{agent: agent, ksg: ksg, procs: procs, mock: mock, web: web}
}

const loginPlanJSON = `{
  "name": "log in to example.com",
  "description": "open the page and fill the login form",
  "confidence": 0.95,
  "steps": [
    {"id": "s1", "name": "open page", "tool": "web.get_dom",
     "params": {"url": "https://example.com/login"}},
    {"id": "s2", "name": "fill email", "tool": "web.fill",
     "params": {"url": "https://example.com/login", "selector": "input[name='email']", "value": "alice@example.com"},
     "depends_on": ["s1"]},
    {"id": "s3", "name": "submit", "tool": "web.click_selector",
     "params": {"url": "https://example.com/login", "selector": "button[type=submit]"},
     "depends_on": ["s2"]}
  ]
}`

func TestAgentPlansExecutesAndPersists(t *testing.T) {
	h := newTestAgent(t)
	ctx := context.Background()

	h.mock.Enqueue(loginPlanJSON)

	result, err := h.agent.HandleMessage(ctx, ChatRequest{Message: "please log me in to example.com"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionExecuted, result.Action)
	assert.Equal(t, domain.RunSuccess, result.Outcome)
	require.NotNil(t, result.ProcedureID)
	require.NotNil(t, result.RunID)
	require.Len(t, result.StepResults, 3)
	for _, sr := range result.StepResults {
		assert.Equal(t, domain.StepSuccess, sr.Status)
	}
	assert.Equal(t, "alice@example.com", h.web.fills["input[name='email']"])

	// The run is durable and linked to the procedure.
	runs, err := h.procs.Runs(ctx, *result.ProcedureID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunSuccess, runs[0].Outcome)
}

func TestAgentReusesStoredProcedure(t *testing.T) {
	h := newTestAgent(t)
	ctx := context.Background()

	h.mock.Enqueue(loginPlanJSON)
	first, err := h.agent.HandleMessage(ctx, ChatRequest{Message: "log in to example.com"})
	require.NoError(t, err)
	require.NotNil(t, first.ProcedureID)

	// Same request again: the stored procedure substitutes for planning.
	second, err := h.agent.HandleMessage(ctx, ChatRequest{Message: "log in to example.com"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionExecuted, second.Action)
	require.NotNil(t, second.ReusedID)
	assert.Equal(t, *first.ProcedureID, *second.ReusedID)

	// Reused runs are still recorded.
	runs, err := h.procs.Runs(ctx, *first.ProcedureID)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestAgentAdaptsFailingStep(t *testing.T) {
	h := newTestAgent(t, "#old-email")
	ctx := context.Background()

	brokenPlan := `{
  "name": "fill the email field",
  "confidence": 0.95,
  "steps": [
    {"id": "s1", "name": "fill email", "tool": "web.fill",
     "params": {"url": "https://example.com/login", "selector": "#old-email", "value": "alice@example.com"}}
  ]
}`
	h.mock.Enqueue(brokenPlan)
	h.mock.Enqueue(`{"params": {"selector": "input[name='email']"}}`)

	result, err := h.agent.HandleMessage(ctx, ChatRequest{Message: "fill in my email on example.com please"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionExecuted, result.Action)
	require.Len(t, result.StepResults, 1)
	assert.Equal(t, domain.StepSuccess, result.StepResults[0].Status)
	assert.Equal(t, 1, result.StepResults[0].AdaptAttempts)
	assert.Equal(t, 2, result.StepResults[0].Attempts)
	assert.Equal(t, "alice@example.com", h.web.fills["input[name='email']"])
}

func TestAgentGivesUpAfterAdaptCap(t *testing.T) {
	h := newTestAgent(t, "#broken", "#fix1", "#fix2", "#fix3")
	ctx := context.Background()

	h.mock.Enqueue(`{
  "name": "click the button",
  "confidence": 0.95,
  "steps": [
    {"id": "s1", "tool": "web.click_selector",
     "params": {"url": "https://example.com", "selector": "#broken"}}
  ]
}`)
	h.mock.Enqueue(
		`{"params": {"selector": "#fix1"}}`,
		`{"params": {"selector": "#fix2"}}`,
		`{"params": {"selector": "#fix3"}}`,
	)

	result, err := h.agent.HandleMessage(ctx, ChatRequest{Message: "click the broken button for me"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionAskUser, result.Action)
	require.Len(t, result.StepResults, 1)
	assert.Equal(t, domain.StepFailure, result.StepResults[0].Status)
	assert.Equal(t, MaxAdaptAttemptsDefault, result.StepResults[0].AdaptAttempts)
	assert.Contains(t, result.Message, "web.click_selector")
	assert.Contains(t, result.Message, result.TraceID)
}

func TestAgentLowConfidencePlanAsksForApproval(t *testing.T) {
	h := newTestAgent(t)
	ctx := context.Background()

	low := `{
  "name": "guess the dashboard url",
  "confidence": 0.4,
  "steps": [
    {"id": "s1", "tool": "web.get_dom", "params": {"url": "https://example.com/maybe"}}
  ]
}`
	h.mock.Enqueue(low)

	result, err := h.agent.HandleMessage(ctx, ChatRequest{Message: "open my dashboard thing somewhere"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionAskUser, result.Action)
	require.NotNil(t, result.Plan)

	// The user approves; the plan executes without re-planning.
	approved, err := json.Marshal(result.Plan)
	require.NoError(t, err)
	followup, err := h.agent.HandleMessage(ctx, ChatRequest{ApprovedPlan: string(approved), TraceID: result.TraceID})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionExecuted, followup.Action)
	assert.Equal(t, result.TraceID, followup.TraceID)
}

func TestAgentUnparseablePlanAsksUser(t *testing.T) {
	h := newTestAgent(t)
	h.mock.Enqueue(`Sure! I'll open the page for you.`)

	result, err := h.agent.HandleMessage(context.Background(), ChatRequest{Message: "do that thing from before again somehow"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionAskUser, result.Action)
	assert.NotEmpty(t, result.ErrorContext)
	assert.Nil(t, result.RunID)
}

func TestAgentObviousIntentSkipsLLM(t *testing.T) {
	h := newTestAgent(t)
	ctx := context.Background()

	result, err := h.agent.HandleMessage(ctx, ChatRequest{Message: "remind me to water the plants at 6pm"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionExecuted, result.Action)
	assert.Empty(t, h.mock.Calls(), "obvious intents must not call the model")

	reminders, err := h.ksg.SearchConcepts(ctx, "water the plants", 5, domain.ProtoReminder, 0.1, false)
	require.NoError(t, err)
	require.NotEmpty(t, reminders)
	assert.Equal(t, "water the plants", reminders[0].Node.Name())
}

func TestAgentRecallAnswersFromStore(t *testing.T) {
	h := newTestAgent(t)
	ctx := context.Background()

	h.mock.Enqueue(loginPlanJSON)
	_, err := h.agent.HandleMessage(ctx, ChatRequest{Message: "log in to example.com"})
	require.NoError(t, err)
	before := len(h.mock.Calls())

	result, err := h.agent.HandleMessage(ctx, ChatRequest{Message: "show me the steps to log in to example.com"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionAnswered, result.Action)
	assert.Contains(t, result.Message, "log in to example.com")
	assert.Len(t, h.mock.Calls(), before, "recall must not call the model")
}

func TestAgentFeedbackBecomesKnowledge(t *testing.T) {
	h := newTestAgent(t)
	ctx := context.Background()

	h.mock.Enqueue(`{"lesson": "always use the work account for example.com"}`)
	result, err := h.agent.HandleMessage(ctx, ChatRequest{Feedback: "you used my personal account, use the work one"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionAnswered, result.Action)
	assert.Contains(t, result.Message, "work account")

	lessons, err := h.ksg.Graph().SearchNodes(ctx, domain.SearchFilter{
		Kind:      domain.KindConcept,
		Prototype: domain.ProtoKnowledge,
	}, nil, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, lessons)
}

func TestAgentUnscriptedModelStillExecutes(t *testing.T) {
	h := newTestAgent(t)
	ctx := context.Background()

	// No scripted responses: the mock falls back to its canned plan, which
	// must name only registered tools with their registered params.
	result, err := h.agent.HandleMessage(ctx, ChatRequest{Message: "handle the morning triage for me"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionExecuted, result.Action)
	assert.Equal(t, domain.RunSuccess, result.Outcome)
	require.NotNil(t, result.RunID)
	require.Len(t, result.StepResults, 1)
	assert.Equal(t, domain.StepSuccess, result.StepResults[0].Status)
	assert.Equal(t, "memory.remember", result.StepResults[0].Tool)
}

func TestAgentReuseSkipsHintOnlyTopMatch(t *testing.T) {
	h := newTestAgent(t)
	ctx := context.Background()

	hint, err := domain.ParsePlan(`{
  "name": "archive the weekly report",
  "confidence": 1,
  "steps": [
    {"id": "s1", "name": "note", "tool": "memory.remember", "params": {"content": "archived"}}
  ]
}`)
	require.NoError(t, err)
	hintID, err := h.procs.CreateFromJSON(ctx, hint, nil)
	require.NoError(t, err)

	full, err := domain.ParsePlan(`{
  "name": "archive the weekly report",
  "description": "fetch and store it",
  "confidence": 1,
  "steps": [
    {"id": "s1", "name": "open page", "tool": "web.get_dom",
     "params": {"url": "https://example.com/reports"}},
    {"id": "s2", "name": "store copy", "tool": "memory.remember",
     "params": {"content": "stored"}, "depends_on": ["s1"]}
  ]
}`)
	require.NoError(t, err)
	fullID, err := h.procs.CreateFromJSON(ctx, full, nil)
	require.NoError(t, err)

	// The shorter summary ranks the single-step match first.
	matches, err := h.procs.FindReusable(ctx, "archive the weekly report", nil, 0.3)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(matches), 2)
	require.True(t, matches[0].HintOnly)

	// A hint-only top match must not stop the multi-step one from running.
	result, err := h.agent.HandleMessage(ctx, ChatRequest{Message: "archive the weekly report"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionExecuted, result.Action)
	require.NotNil(t, result.ReusedID)
	assert.Equal(t, fullID, *result.ReusedID)
	assert.NotEqual(t, hintID, *result.ReusedID)
}

// flakyInvoker times out a fixed number of calls before succeeding.
type flakyInvoker struct {
	mu       sync.Mutex
	timeouts int
	calls    int
}

func (f *flakyInvoker) Invoke(context.Context, string, map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.timeouts {
		return nil, context.DeadlineExceeded
	}
	return map[string]any{"ok": true}, nil
}

func newStepAgent(inv domain.ToolInvoker) *AgentService {
	return NewAgentService(nil, nil, nil, nil, nil, nil, inv, nil, AgentOptions{}, zap.NewNop())
}

func TestStepRetryPolicyRecoversFromTimeout(t *testing.T) {
	inv := &flakyInvoker{timeouts: 1}
	agent := newStepAgent(inv)

	res := agent.runStep(context.Background(), domain.PlanStep{
		ID:     "s1",
		Tool:   "web.get_dom",
		Type:   domain.StepTypeOperation,
		OnFail: domain.OnFailRetry,
		Params: map[string]any{"url": "https://example.com"},
	}, &sync.Map{}, zap.NewNop())

	assert.Equal(t, domain.StepSuccess, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, inv.calls)
	assert.Equal(t, 0, res.AdaptAttempts)
}

func TestStepTimeoutWithoutRetryPolicyFailsFirstAttempt(t *testing.T) {
	inv := &flakyInvoker{timeouts: 1}
	agent := newStepAgent(inv)

	res := agent.runStep(context.Background(), domain.PlanStep{
		ID:     "s1",
		Tool:   "web.get_dom",
		Type:   domain.StepTypeOperation,
		OnFail: domain.OnFailStop,
		Params: map[string]any{"url": "https://example.com"},
	}, &sync.Map{}, zap.NewNop())

	assert.Equal(t, domain.StepTimeout, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, inv.calls)
}

func TestStepRetryBudgetIsBounded(t *testing.T) {
	inv := &flakyInvoker{timeouts: 100}
	agent := newStepAgent(inv)

	res := agent.runStep(context.Background(), domain.PlanStep{
		ID:     "s1",
		Tool:   "web.get_dom",
		Type:   domain.StepTypeOperation,
		OnFail: domain.OnFailRetry,
		Params: map[string]any{"url": "https://example.com"},
	}, &sync.Map{}, zap.NewNop())

	assert.Equal(t, domain.StepTimeout, res.Status)
	assert.Equal(t, MaxAdaptAttemptsDefault+1, res.Attempts)
	assert.Equal(t, MaxAdaptAttemptsDefault+1, inv.calls)
}
