package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
	"github.com/knack-ai/knack/internal/llm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Agent loop constants
const (
	PlanMinConfidenceDefault = 0.9
	MaxAdaptAttemptsDefault  = 3
)

var ErrPlanRejected = errors.New("plan rejected")

// AgentOptions tune the control loop. Zero values fall back to defaults.
type AgentOptions struct {
	PlanMinConfidence float64
	ReuseThreshold    float64
	MaxAdaptAttempts  int
	LLMTimeout        time.Duration
	ToolTimeout       time.Duration
	SkipLLMForObvious bool
}

func (o *AgentOptions) applyDefaults() {
	if o.PlanMinConfidence <= 0 {
		o.PlanMinConfidence = PlanMinConfidenceDefault
	}
	if o.ReuseThreshold <= 0 {
		o.ReuseThreshold = ReuseMinScoreDefault
	}
	if o.MaxAdaptAttempts <= 0 {
		o.MaxAdaptAttempts = MaxAdaptAttemptsDefault
	}
	if o.LLMTimeout <= 0 {
		o.LLMTimeout = 60 * time.Second
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = 30 * time.Second
	}
}

// ChatRequest is one message into the agent loop.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	Feedback  string `json:"feedback,omitempty"`
	// ApprovedPlan, when set, is a plan the user already confirmed; it is
	// executed directly, skipping the confidence gate.
	ApprovedPlan string `json:"approved_plan,omitempty"`
}

// AgentService is the control loop: classify, retrieve, reuse or plan, gate,
// execute, persist, learn.
type AgentService struct {
	ksg      *KSGService
	procs    *ProcedureService
	learn    *LearningService
	wm       *WorkingMemoryService
	llm      domain.LLMClient
	embedder domain.EmbeddingClient
	invoker  domain.ToolInvoker
	catalog  domain.ToolCatalog
	opts     AgentOptions
	logger   *zap.Logger
}

// NewAgentService creates the agent loop.
func NewAgentService(
	ksg *KSGService,
	procs *ProcedureService,
	learn *LearningService,
	wm *WorkingMemoryService,
	llmClient domain.LLMClient,
	embedder domain.EmbeddingClient,
	invoker domain.ToolInvoker,
	catalog domain.ToolCatalog,
	opts AgentOptions,
	logger *zap.Logger,
) *AgentService {
	opts.applyDefaults()
	return &AgentService{
		ksg:      ksg,
		procs:    procs,
		learn:    learn,
		wm:       wm,
		llm:      llmClient,
		embedder: embedder,
		invoker:  invoker,
		catalog:  catalog,
		opts:     opts,
		logger:   logger,
	}
}

// HandleMessage runs one request through the loop.
func (s *AgentService) HandleMessage(ctx context.Context, req ChatRequest) (*domain.AgentResult, error) {
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = traceID
	}
	log := s.logger.With(zap.String("trace_id", traceID))

	if req.Feedback != "" {
		k, err := s.learn.LearnFromUserFeedback(ctx, req.Feedback, traceID, nil)
		if err != nil {
			return nil, err
		}
		return &domain.AgentResult{
			Action:  domain.ActionAnswered,
			Message: "Noted: " + k.Lesson,
			TraceID: traceID,
		}, nil
	}

	if req.ApprovedPlan != "" {
		plan, err := domain.ParsePlan(req.ApprovedPlan)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
		}
		if err := s.procs.Validate(plan); err != nil {
			return nil, err
		}
		return s.executeAndPersist(ctx, sessionID, traceID, plan, nil, log)
	}

	intent := ParseIntent(req.Message)
	if s.opts.SkipLLMForObvious && intent.Obvious() {
		switch intent.Intent {
		case IntentRecall:
			return s.answerRecall(ctx, sessionID, traceID, req.Message)
		case IntentTaskCreate, IntentReminder, IntentCalendarCreate:
			return s.createDirectly(ctx, sessionID, traceID, intent)
		}
	}

	retrieved, err := s.retrieve(ctx, sessionID, req.Message)
	if err != nil {
		log.Warn("retrieval failed, planning without context", zap.Error(err))
	}

	// Reuse gate: a stored multi-step procedure similar enough to the
	// request substitutes for planning. Single-step matches are only a hint.
	reusable, err := s.procs.FindReusable(ctx, req.Message, nil, float32(s.opts.ReuseThreshold))
	if err != nil {
		log.Warn("procedure lookup failed", zap.Error(err))
	}
	if best := firstExecutable(reusable); best != nil {
		plan, err := s.procs.Hydrate(ctx, best.Node.ID)
		if err == nil {
			log.Info("reusing stored procedure",
				zap.String("procedure_id", best.Node.ID.String()),
				zap.Float32("score", best.Score))
			s.wm.Access(sessionID, best.Node.ID)
			reusedID := best.Node.ID
			result, err := s.executeAndPersist(ctx, sessionID, traceID, plan, &reusedID, log)
			if result != nil {
				result.ReusedID = &reusedID
			}
			return result, err
		}
		log.Warn("failed to hydrate stored procedure", zap.Error(err))
	}

	plan, planErr := s.plan(ctx, req.Message, retrieved, reusable)
	if planErr != nil {
		return &domain.AgentResult{
			Action:       domain.ActionAskUser,
			Message:      "I could not produce a valid plan for that. Could you rephrase or add detail?",
			ErrorContext: planErr.Error(),
			TraceID:      traceID,
		}, nil
	}

	if err := s.procs.Validate(plan); err != nil {
		return &domain.AgentResult{
			Action:       domain.ActionAskUser,
			Message:      "The plan I produced is not executable. Could you rephrase?",
			ErrorContext: err.Error(),
			TraceID:      traceID,
		}, nil
	}

	if float64(plan.Confidence) < s.opts.PlanMinConfidence {
		return &domain.AgentResult{
			Action:  domain.ActionAskUser,
			Message: fmt.Sprintf("I drafted a plan (%q, confidence %.2f) but want your approval before running it.", plan.Name, plan.Confidence),
			Plan:    plan,
			TraceID: traceID,
		}, nil
	}

	return s.executeAndPersist(ctx, sessionID, traceID, plan, nil, log)
}

// firstExecutable returns the best-scored match that is allowed to run
// unattended. A hint-only match at the top must not shadow an executable
// one further down the list.
func firstExecutable(reusable []ReusableProcedure) *ReusableProcedure {
	for i := range reusable {
		if !reusable[i].HintOnly {
			return &reusable[i]
		}
	}
	return nil
}

// answerRecall serves obvious recall intents without the planner.
func (s *AgentService) answerRecall(ctx context.Context, sessionID, traceID, message string) (*domain.AgentResult, error) {
	concepts, err := s.ksg.SearchConcepts(ctx, message, 5, "", 0.1, true)
	if err != nil {
		return nil, err
	}
	concepts = s.wm.Boost(sessionID, concepts)

	procedures, err := s.procs.FindReusable(ctx, message, nil, 0.3)
	if err != nil {
		s.logger.Debug("procedure recall failed", zap.Error(err))
	}

	var lines []string
	for _, c := range concepts {
		s.wm.Access(sessionID, c.Node.ID)
		lines = append(lines, fmt.Sprintf("- %s (%s)", c.Node.Name(), c.Node.PrototypeName()))
	}
	for _, p := range procedures {
		lines = append(lines, fmt.Sprintf("- procedure: %s (%d steps)", p.Node.Name(), p.Node.PropInt(propStepCount)))
	}
	if len(lines) == 0 {
		return &domain.AgentResult{
			Action:  domain.ActionAnswered,
			Message: "I don't have anything stored that matches.",
			TraceID: traceID,
		}, nil
	}
	return &domain.AgentResult{
		Action:  domain.ActionAnswered,
		Message: "Here is what I have:\n" + strings.Join(lines, "\n"),
		TraceID: traceID,
	}, nil
}

// createDirectly handles obvious create intents as a single concept write.
func (s *AgentService) createDirectly(ctx context.Context, sessionID, traceID string, intent ParsedIntent) (*domain.AgentResult, error) {
	protoName := domain.ProtoTask
	switch intent.Intent {
	case IntentReminder:
		protoName = domain.ProtoReminder
	case IntentCalendarCreate:
		protoName = domain.ProtoCalendarEvent
	}

	proto, err := s.ksg.GetPrototypeByName(ctx, protoName)
	if err != nil {
		return nil, err
	}

	props := map[string]any{domain.PropName: intent.Slots["what"]}
	if props[domain.PropName] == "" {
		props[domain.PropName] = intent.Slots["query"]
	}
	if when := intent.Slots["when"]; when != "" {
		props["when"] = when
	}
	props["source_intent"] = string(intent.Intent)

	id, err := s.ksg.CreateConcept(ctx, proto.ID, props, nil, nil)
	if err != nil {
		return nil, err
	}
	s.wm.Access(sessionID, id)

	return &domain.AgentResult{
		Action:  domain.ActionExecuted,
		Message: fmt.Sprintf("Created %s: %v", strings.ToLower(protoName), props[domain.PropName]),
		TraceID: traceID,
	}, nil
}

// retrievedContext is what planning sees beyond the raw message.
type retrievedContext struct {
	concepts []domain.NodeWithScore
	lessons  []domain.KnowledgeWithScore
}

func (s *AgentService) retrieve(ctx context.Context, sessionID, message string) (*retrievedContext, error) {
	out := &retrievedContext{}

	concepts, err := s.ksg.SearchConcepts(ctx, message, 5, "", 0.2, false)
	if err != nil {
		return out, err
	}
	out.concepts = s.wm.Boost(sessionID, concepts)
	for _, c := range out.concepts {
		s.wm.Access(sessionID, c.Node.ID)
	}

	lessons, err := s.learn.FindSimilarKnowledge(ctx, message, "", 3)
	if err != nil {
		return out, err
	}
	out.lessons = lessons
	return out, nil
}

// plan asks the LLM for a strict-JSON plan over the registered tools.
func (s *AgentService) plan(ctx context.Context, message string, retrieved *retrievedContext, reusable []ReusableProcedure) (*domain.Plan, error) {
	var b strings.Builder
	b.WriteString("Request: ")
	b.WriteString(message)
	b.WriteString("\n\nAvailable tools: ")
	b.WriteString(strings.Join(s.catalog.Names(), ", "))

	if retrieved != nil {
		if len(retrieved.concepts) > 0 {
			b.WriteString("\n\nKnown concepts:")
			for _, c := range retrieved.concepts {
				fmt.Fprintf(&b, "\n- %s (%s)", c.Node.Name(), c.Node.PrototypeName())
			}
		}
		if len(retrieved.lessons) > 0 {
			b.WriteString("\n\nLessons from past runs:")
			for _, l := range retrieved.lessons {
				fmt.Fprintf(&b, "\n- %s", l.Lesson)
			}
		}
	}
	for _, r := range reusable {
		if r.HintOnly {
			fmt.Fprintf(&b, "\n\nHint: a stored single-step procedure %q is similar.", r.Node.Name())
		}
	}

	llmCtx, cancel := context.WithTimeout(ctx, s.opts.LLMTimeout)
	defer cancel()
	raw, err := s.llm.Chat(llmCtx, []domain.Message{
		{Role: "system", Content: llm.PlanSystemPrompt},
		{Role: "user", Content: b.String()},
	}, domain.ChatOptions{JSONResponse: true})
	if err != nil {
		return nil, fmt.Errorf("planning: %w", err)
	}
	plan, err := domain.ParsePlan(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return plan, nil
}

// executeAndPersist runs a plan and always records the procedure and its run,
// whether the plan was fresh or reused.
func (s *AgentService) executeAndPersist(ctx context.Context, sessionID, traceID string, plan *domain.Plan, reusedID *uuid.UUID, log *zap.Logger) (*domain.AgentResult, error) {
	stepResults, outcome := s.execute(ctx, plan, log)

	procID := uuid.Nil
	if reusedID != nil {
		procID = *reusedID
	} else {
		id, err := s.procs.CreateFromJSON(ctx, plan, nil)
		if err != nil {
			log.Error("failed to persist procedure", zap.Error(err))
		} else {
			procID = id
		}
	}

	var runID *uuid.UUID
	if procID != uuid.Nil {
		s.wm.Access(sessionID, procID)
		id, err := s.procs.RecordRun(ctx, procID, outcome, stepResults, traceID)
		if err != nil {
			log.Error("failed to record run", zap.Error(err))
		} else {
			runID = &id
		}
	}

	result := &domain.AgentResult{
		Plan:        plan,
		StepResults: stepResults,
		Outcome:     outcome,
		TraceID:     traceID,
		RunID:       runID,
	}
	if procID != uuid.Nil {
		result.ProcedureID = &procID
	}

	if outcome == domain.RunSuccess {
		result.Action = domain.ActionExecuted
		result.Message = fmt.Sprintf("Done: %s", plan.Name)
		if runID != nil {
			if _, err := s.learn.LearnFromSuccess(ctx, *runID, runSummary(plan, stepResults), traceID); err != nil {
				log.Debug("success lesson skipped", zap.Error(err))
			}
		}
		return result, nil
	}

	failed := firstFailure(stepResults)
	errCtx := runSummary(plan, stepResults)
	if runID != nil {
		if _, err := s.learn.AnalyzeFailure(ctx, *runID, errCtx, traceID); err != nil {
			log.Debug("failure analysis skipped", zap.Error(err))
		}
	}

	result.Action = domain.ActionAskUser
	result.ErrorContext = errCtx
	if failed != nil {
		result.Message = fmt.Sprintf(
			"Step %q (tool %s) failed after %d adaptation attempts: %s. How should I proceed? (trace %s)",
			failed.StepID, failed.Tool, failed.AdaptAttempts, failed.Error, traceID)
	} else {
		result.Message = fmt.Sprintf("The plan %q did not complete. How should I proceed? (trace %s)", plan.Name, traceID)
	}
	return result, nil
}

// execute runs the plan DAG. Steps whose dependencies are all satisfied run
// concurrently in waves; a failing step fails its dependents according to
// its on_fail policy.
func (s *AgentService) execute(ctx context.Context, plan *domain.Plan, log *zap.Logger) ([]domain.StepResult, domain.RunOutcome) {
	type stepState struct {
		mu     sync.Mutex
		result domain.StepResult
	}

	states := make(map[string]*stepState, len(plan.Steps))
	for _, step := range plan.Steps {
		states[step.ID] = &stepState{result: domain.StepResult{
			StepID: step.ID,
			Tool:   step.Tool,
			Status: domain.StepPending,
		}}
	}

	outputs := &sync.Map{}
	stopped := false

	remaining := make(map[string]domain.PlanStep, len(plan.Steps))
	for _, step := range plan.Steps {
		remaining[step.ID] = step
	}

	done := func(id string) bool {
		return states[id].result.Status.Terminal()
	}
	succeeded := func(id string) bool {
		return states[id].result.Status == domain.StepSuccess
	}

	for len(remaining) > 0 && !stopped {
		// Collect the wave: steps whose dependencies are settled.
		var wave []domain.PlanStep
		for _, step := range remaining {
			ready := true
			for _, dep := range step.DependsOn {
				if !done(dep) {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, step)
			}
		}
		if len(wave) == 0 {
			break
		}
		sort.Slice(wave, func(i, j int) bool { return wave[i].ID < wave[j].ID })

		g, gctx := errgroup.WithContext(ctx)
		for _, step := range wave {
			step := step
			delete(remaining, step.ID)
			state := states[step.ID]

			depFailed := false
			for _, dep := range step.DependsOn {
				if !succeeded(dep) {
					depFailed = true
					break
				}
			}
			if depFailed || !s.guardHolds(step, outputs) {
				state.result.Status = domain.StepSkipped
				continue
			}

			g.Go(func() error {
				res := s.runStep(gctx, step, outputs, log)
				state.mu.Lock()
				state.result = res
				state.mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		for _, step := range wave {
			st := states[step.ID].result.Status
			if (st == domain.StepFailure || st == domain.StepTimeout) && step.OnFail == domain.OnFailStop {
				stopped = true
			}
		}
	}

	// Anything never reached is skipped.
	results := make([]domain.StepResult, 0, len(plan.Steps))
	successes, failures := 0, 0
	for _, step := range plan.Steps {
		res := states[step.ID].result
		if !res.Status.Terminal() {
			res.Status = domain.StepSkipped
		}
		switch res.Status {
		case domain.StepSuccess:
			successes++
		case domain.StepFailure, domain.StepTimeout:
			failures++
		}
		results = append(results, res)
	}

	switch {
	case failures == 0 && successes > 0:
		return results, domain.RunSuccess
	case successes == 0:
		return results, domain.RunFailure
	default:
		return results, domain.RunPartial
	}
}

// runStep drives one step through its state machine: run, adapt on tool
// error up to the attempt cap, then fail. Steps marked on_fail=retry get
// plain re-attempts for timeouts and after adaptation is exhausted, bounded
// by the same attempt cap.
func (s *AgentService) runStep(ctx context.Context, step domain.PlanStep, outputs *sync.Map, log *zap.Logger) domain.StepResult {
	res := domain.StepResult{
		StepID:    step.ID,
		Tool:      step.Tool,
		Status:    domain.StepRunning,
		StartedAt: time.Now().UTC(),
	}

	if step.Type == domain.StepTypeNoop || step.Type == domain.StepTypeReturn {
		res.Status = domain.StepSuccess
		res.FinishedAt = time.Now().UTC()
		return res
	}

	params := step.Params
	retries := 0
	if step.OnFail == domain.OnFailRetry {
		retries = s.opts.MaxAdaptAttempts
	}
	for {
		res.Attempts++

		toolCtx, cancel := context.WithTimeout(ctx, s.opts.ToolTimeout)
		out, err := s.invoker.Invoke(toolCtx, step.Tool, params)
		cancel()

		if err == nil {
			res.Status = domain.StepSuccess
			res.Output = out
			res.FinishedAt = time.Now().UTC()
			outputs.Store(step.ID, out)
			return res
		}

		if errors.Is(err, context.DeadlineExceeded) {
			if retries > 0 && ctx.Err() == nil {
				retries--
				log.Debug("step timed out, retrying",
					zap.String("step", step.ID),
					zap.String("tool", step.Tool),
					zap.Int("attempt", res.Attempts))
				continue
			}
			res.Status = domain.StepTimeout
			res.Error = err.Error()
			res.FinishedAt = time.Now().UTC()
			return res
		}

		res.Status = domain.StepToolError
		res.Error = err.Error()
		log.Debug("step tool error",
			zap.String("step", step.ID),
			zap.String("tool", step.Tool),
			zap.Error(err))

		if res.AdaptAttempts >= s.opts.MaxAdaptAttempts {
			if retries > 0 && ctx.Err() == nil {
				retries--
				continue
			}
			res.Status = domain.StepFailure
			res.FinishedAt = time.Now().UTC()
			return res
		}

		adapted, ok := s.adaptParams(ctx, step, params, err, log)
		if !ok {
			res.Status = domain.StepFailure
			res.FinishedAt = time.Now().UTC()
			return res
		}
		res.AdaptAttempts++
		params = adapted
	}
}

type adaptResponse struct {
	Params map[string]any `json:"params"`
	Replan bool           `json:"replan"`
}

// adaptParams asks the LLM for a minimal param patch for a failing step.
func (s *AgentService) adaptParams(ctx context.Context, step domain.PlanStep, params map[string]any, stepErr error, log *zap.Logger) (map[string]any, bool) {
	payload, err := json.Marshal(map[string]any{
		"step":   step,
		"params": params,
		"error":  stepErr.Error(),
	})
	if err != nil {
		return nil, false
	}

	llmCtx, cancel := context.WithTimeout(ctx, s.opts.LLMTimeout)
	defer cancel()
	raw, err := s.llm.Chat(llmCtx, []domain.Message{
		{Role: "system", Content: llm.AdaptSystemPrompt},
		{Role: "user", Content: string(payload)},
	}, domain.ChatOptions{JSONResponse: true})
	if err != nil {
		log.Debug("adaptation call failed", zap.Error(err))
		return nil, false
	}

	var resp adaptResponse
	if err := json.Unmarshal([]byte(domain.StripCodeFences(raw)), &resp); err != nil {
		return nil, false
	}
	if resp.Replan || len(resp.Params) == 0 {
		return nil, false
	}

	merged := make(map[string]any, len(params))
	for k, v := range params {
		merged[k] = v
	}
	for k, v := range resp.Params {
		merged[k] = v
	}
	return merged, true
}

// guardHolds evaluates a step guard of the form "<stepID>.<key> == <value>"
// against prior step outputs. Empty guards hold; malformed guards hold too,
// leaving failure to the tool itself.
func (s *AgentService) guardHolds(step domain.PlanStep, outputs *sync.Map) bool {
	guard := strings.TrimSpace(step.Guard)
	if guard == "" {
		return true
	}

	negate := false
	parts := strings.SplitN(guard, "==", 2)
	if len(parts) != 2 {
		parts = strings.SplitN(guard, "!=", 2)
		if len(parts) != 2 {
			return true
		}
		negate = true
	}

	ref := strings.TrimSpace(parts[0])
	want := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
	refParts := strings.SplitN(ref, ".", 2)
	if len(refParts) != 2 {
		return true
	}

	raw, ok := outputs.Load(refParts[0])
	if !ok {
		return false
	}
	out, ok := raw.(map[string]any)
	if !ok {
		return false
	}
	got := fmt.Sprintf("%v", out[refParts[1]])
	if negate {
		return got != want
	}
	return got == want
}

func firstFailure(results []domain.StepResult) *domain.StepResult {
	for i := range results {
		switch results[i].Status {
		case domain.StepFailure, domain.StepTimeout, domain.StepToolError:
			return &results[i]
		}
	}
	return nil
}

func runSummary(plan *domain.Plan, results []domain.StepResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "plan %q\n", plan.Name)
	for _, r := range results {
		fmt.Fprintf(&b, "step %s tool=%s status=%s", r.StepID, r.Tool, r.Status)
		if r.Error != "" {
			fmt.Fprintf(&b, " error=%s", r.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}
