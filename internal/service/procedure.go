package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
	"github.com/knack-ai/knack/internal/store"
	"github.com/knack-ai/knack/internal/vec"
	"go.uber.org/zap"
)

// Procedure constants
const (
	ReuseMinScoreDefault      = 0.8  // similarity at which a stored procedure is reusable
	ProcGeneralizeSimilarity  = 0.8  // neighbors must be at least this similar
	ProcGeneralizeMeanPair    = 0.75 // and the group's mean pairwise similarity this high
	ProcGeneralizeMinMembers  = 2    // besides the just-succeeded procedure
)

var (
	ErrInvalidPlan = errors.New("invalid plan")
	ErrUnknownTool = errors.New("unknown tool")
)

// Procedure step prop keys.
const (
	propStepID    = "stepId"
	propStepOrder = "stepOrder"
	propTool      = "tool"
	propParams    = "params"
	propGuard     = "guard"
	propOnFail    = "onFail"
	propStepType  = "stepType"
)

// Procedure aggregate counter prop keys. Increment-only.
const (
	propTested    = "tested"
	propSuccesses = "success"
	propFailures  = "failure"
	propStepCount = "stepCount"
	propFinalized = "finalized"
)

// ReusableProcedure is a stored procedure matched against a request.
// HintOnly marks single-step procedures, which are surfaced as a search hint
// and never executed implicitly.
type ReusableProcedure struct {
	Node     *domain.Node
	Plan     *domain.Plan
	Score    float32
	HintOnly bool
}

// ProcedureService converts LLM plans into procedure DAGs, hydrates them
// back, tracks runs, and generalizes across similar procedures.
type ProcedureService struct {
	ksg      *KSGService
	graph    domain.GraphStore
	embedder domain.EmbeddingClient
	catalog  domain.ToolCatalog
	locks    *keyedMutex
	logger   *zap.Logger
}

// NewProcedureService creates a procedure service.
func NewProcedureService(ksg *KSGService, embedder domain.EmbeddingClient, catalog domain.ToolCatalog, logger *zap.Logger) *ProcedureService {
	return &ProcedureService{
		ksg:      ksg,
		graph:    ksg.Graph(),
		embedder: embedder,
		catalog:  catalog,
		locks:    newKeyedMutex(),
		logger:   logger,
	}
}

// Validate rejects malformed plans: duplicate step ids, unknown tools,
// dependencies on unknown ids, cycles in depends_on, and missing required
// tool params.
func (s *ProcedureService) Validate(plan *domain.Plan) error {
	if plan == nil || len(plan.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrInvalidPlan)
	}

	ids := make(map[string]bool, len(plan.Steps))
	for _, step := range plan.Steps {
		if step.ID == "" {
			return fmt.Errorf("%w: step without id", ErrInvalidPlan)
		}
		if ids[step.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidPlan, step.ID)
		}
		ids[step.ID] = true
	}

	for _, step := range plan.Steps {
		if step.Type == domain.StepTypeNoop || step.Type == domain.StepTypeReturn {
			continue
		}
		spec, ok := s.catalog.Lookup(step.Tool)
		if !ok {
			return fmt.Errorf("%w: step %q uses unknown tool %q", ErrInvalidPlan, step.ID, step.Tool)
		}
		for _, p := range spec.Params {
			if !p.Required {
				continue
			}
			if _, present := step.Params[p.Name]; !present {
				return fmt.Errorf("%w: step %q missing required param %q for tool %q", ErrInvalidPlan, step.ID, p.Name, step.Tool)
			}
		}
		for _, dep := range step.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("%w: step %q depends on unknown id %q", ErrInvalidPlan, step.ID, dep)
			}
		}
	}

	if err := checkDependencyCycles(plan); err != nil {
		return err
	}

	for i := range plan.Subprocedures {
		if err := s.Validate(&plan.Subprocedures[i]); err != nil {
			return fmt.Errorf("subprocedure %q: %w", plan.Subprocedures[i].Name, err)
		}
	}
	return nil
}

// checkDependencyCycles rejects cycles in depends_on. Cycles are only
// permitted on explicit loop_back edges, which live in plan.Edges.
func checkDependencyCycles(plan *domain.Plan) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(plan.Steps))
	deps := make(map[string][]string, len(plan.Steps))
	for _, step := range plan.Steps {
		deps[step.ID] = step.DependsOn
	}

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("%w: dependency cycle through step %q", ErrInvalidPlan, id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for _, step := range plan.Steps {
		if err := visit(step.ID); err != nil {
			return err
		}
	}
	return nil
}

// CreateFromJSON materializes a validated plan as a Procedure concept plus
// ProcedureStep concepts connected by hasStep/dependsOn edges. The full plan
// JSON is stored as a prop for auditing; hydration reads the graph, not the
// blob, so later selector updates are reflected.
func (s *ProcedureService) CreateFromJSON(ctx context.Context, plan *domain.Plan, embedding []float32) (uuid.UUID, error) {
	if err := s.Validate(plan); err != nil {
		return uuid.Nil, err
	}

	if embedding == nil && s.embedder != nil {
		var err error
		embedding, err = s.embedder.Embed(ctx, plan.SummaryText())
		if err != nil {
			s.logger.Debug("failed to embed procedure summary", zap.Error(err))
		}
	}

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal plan: %w", err)
	}

	proto, err := s.ksg.GetPrototypeByName(ctx, domain.ProtoProcedure)
	if err != nil {
		return uuid.Nil, err
	}

	procID, err := s.ksg.CreateConcept(ctx, proto.ID, map[string]any{
		domain.PropName:     plan.Name,
		"description":       plan.Description,
		domain.PropPlanJSON: string(planJSON),
		propStepCount:       len(plan.Steps),
		propTested:          0,
		propSuccesses:       0,
		propFailures:        0,
	}, embedding, nil)
	if err != nil {
		return uuid.Nil, err
	}

	stepProto, err := s.ksg.GetPrototypeByName(ctx, domain.ProtoProcedureStep)
	if err != nil {
		return uuid.Nil, err
	}

	stepNodes := make(map[string]uuid.UUID, len(plan.Steps))
	for i, step := range plan.Steps {
		props := map[string]any{
			domain.PropName: stepName(step),
			propStepID:      step.ID,
			propStepOrder:   i,
			propTool:        step.Tool,
			propParams:      step.Params,
			propStepType:    string(step.Type),
			propOnFail:      string(step.OnFail),
		}
		if step.Guard != "" {
			props[propGuard] = step.Guard
		}
		// Steps carry no embedding of their own; retrieval goes through the
		// procedure summary.
		stepID, err := s.ksg.CreateConcept(ctx, stepProto.ID, props, []float32{}, nil)
		if err != nil {
			return uuid.Nil, err
		}
		stepNodes[step.ID] = stepID

		edge := &domain.Edge{SourceID: procID, TargetID: stepID, Rel: domain.RelHasStep, Confidence: 1}
		if err := s.graph.UpsertEdge(ctx, edge); err != nil {
			return uuid.Nil, err
		}
	}

	for _, step := range plan.Steps {
		for _, dep := range step.DependsOn {
			edge := &domain.Edge{SourceID: stepNodes[step.ID], TargetID: stepNodes[dep], Rel: domain.RelDependsOn, Confidence: 1}
			if err := s.graph.UpsertEdge(ctx, edge); err != nil {
				return uuid.Nil, err
			}
		}
	}

	for _, pe := range plan.Edges {
		rel, ok := controlRel(pe.Rel)
		if !ok {
			continue
		}
		from, fok := stepNodes[pe.From]
		to, tok := stepNodes[pe.To]
		if !fok || !tok {
			continue
		}
		edge := &domain.Edge{SourceID: from, TargetID: to, Rel: rel, Confidence: 1}
		if err := s.graph.UpsertEdge(ctx, edge); err != nil {
			return uuid.Nil, err
		}
	}

	for i := range plan.Subprocedures {
		subID, err := s.CreateFromJSON(ctx, &plan.Subprocedures[i], nil)
		if err != nil {
			return uuid.Nil, fmt.Errorf("subprocedure %q: %w", plan.Subprocedures[i].Name, err)
		}
		edge := &domain.Edge{SourceID: procID, TargetID: subID, Rel: domain.RelCallsProcedure, Confidence: 1}
		if err := s.graph.UpsertEdge(ctx, edge); err != nil {
			return uuid.Nil, err
		}
	}

	if err := s.linkSchema(ctx, procID); err != nil {
		s.logger.Debug("failed to link procedure schema", zap.Error(err))
	}

	s.logger.Info("created procedure",
		zap.String("id", procID.String()),
		zap.String("name", plan.Name),
		zap.Int("steps", len(plan.Steps)))
	return procID, nil
}

func controlRel(rel string) (string, bool) {
	switch rel {
	case "depends_on":
		return domain.RelDependsOn, true
	case "branch_true":
		return domain.RelBranchTrue, true
	case "branch_false":
		return domain.RelBranchFalse, true
	case "loop_back":
		return domain.RelLoopBack, true
	}
	return "", false
}

// linkSchema points the procedure at the singleton ProcedureSchema concept.
func (s *ProcedureService) linkSchema(ctx context.Context, procID uuid.UUID) error {
	results, err := s.graph.SearchNodes(ctx, domain.SearchFilter{
		Kind:      domain.KindConcept,
		Prototype: domain.ProtoProcedureSchema,
	}, nil, 1, 0)
	if err != nil || len(results) == 0 {
		return err
	}
	edge := &domain.Edge{SourceID: procID, TargetID: results[0].Node.ID, Rel: domain.RelConformsTo, Confidence: 1}
	return s.graph.UpsertEdge(ctx, edge)
}

// Hydrate reconstructs the executable plan from the graph. Selector updates
// persisted on step nodes are reflected; the stored JSON blob is not read.
func (s *ProcedureService) Hydrate(ctx context.Context, procedureID uuid.UUID) (*domain.Plan, error) {
	proc, err := s.graph.GetNode(ctx, procedureID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("procedure %s: %w", procedureID, ErrNotFound)
		}
		return nil, err
	}

	stepEdges, err := s.graph.EdgesFrom(ctx, procedureID, domain.RelHasStep)
	if err != nil {
		return nil, err
	}

	type orderedStep struct {
		node  *domain.Node
		order int
	}
	steps := make([]orderedStep, 0, len(stepEdges))
	nodeToStepID := make(map[uuid.UUID]string, len(stepEdges))
	for _, e := range stepEdges {
		n, err := s.graph.GetNode(ctx, e.TargetID)
		if err != nil {
			return nil, err
		}
		steps = append(steps, orderedStep{node: n, order: n.PropInt(propStepOrder)})
		nodeToStepID[n.ID] = n.PropString(propStepID)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].order < steps[j].order })

	plan := &domain.Plan{
		Name:        proc.Name(),
		Description: proc.PropString("description"),
	}
	for _, os := range steps {
		n := os.node
		step := domain.PlanStep{
			ID:     n.PropString(propStepID),
			Name:   n.PropString(domain.PropName),
			Tool:   n.PropString(propTool),
			Type:   domain.StepType(n.PropString(propStepType)),
			Guard:  n.PropString(propGuard),
			OnFail: domain.OnFailPolicy(n.PropString(propOnFail)),
			Params: decodeParams(n.Props[propParams]),
		}

		depEdges, err := s.graph.EdgesFrom(ctx, n.ID, domain.RelDependsOn)
		if err != nil {
			return nil, err
		}
		for _, de := range depEdges {
			if dep, ok := nodeToStepID[de.TargetID]; ok {
				step.DependsOn = append(step.DependsOn, dep)
			}
		}
		sort.Strings(step.DependsOn)

		plan.Steps = append(plan.Steps, step)

		for _, rel := range []struct{ graphRel, planRel string }{
			{domain.RelBranchTrue, "branch_true"},
			{domain.RelBranchFalse, "branch_false"},
			{domain.RelLoopBack, "loop_back"},
		} {
			edges, err := s.graph.EdgesFrom(ctx, n.ID, rel.graphRel)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if to, ok := nodeToStepID[e.TargetID]; ok {
					plan.Edges = append(plan.Edges, domain.PlanEdge{From: step.ID, To: to, Rel: rel.planRel})
				}
			}
		}
	}

	plan.ApplyDefaults()
	return plan, nil
}

// FindReusable searches stored procedures by embedding. Ties at equal
// similarity break toward the better success ratio. Single-step procedures
// come back HintOnly.
func (s *ProcedureService) FindReusable(ctx context.Context, request string, embedding []float32, minScore float32) ([]ReusableProcedure, error) {
	if minScore == 0 {
		minScore = ReuseMinScoreDefault
	}
	if embedding == nil {
		if s.embedder == nil {
			return nil, nil
		}
		var err error
		embedding, err = s.embedder.Embed(ctx, request)
		if err != nil {
			return nil, fmt.Errorf("embed request: %w", err)
		}
	}

	results, err := s.graph.SearchNodes(ctx, domain.SearchFilter{
		Kind:      domain.KindConcept,
		Prototype: domain.ProtoProcedure,
	}, embedding, 10, minScore)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return successRatio(results[i].Node) > successRatio(results[j].Node)
	})

	var out []ReusableProcedure
	for _, r := range results {
		out = append(out, ReusableProcedure{
			Node:     r.Node,
			Score:    r.Score,
			HintOnly: r.Node.PropInt(propStepCount) < 2,
		})
	}
	return out, nil
}

func successRatio(n *domain.Node) float64 {
	tested := n.PropInt(propTested)
	if tested == 0 {
		return 0
	}
	return float64(n.PropInt(propSuccesses)) / float64(tested)
}

// RecordRun persists a finalized ProcedureRun and bumps the procedure's
// aggregate counters. The run node is fully written (with a finalized flag)
// before the runOf edge appears, so readers either see the run with all
// outcomes or not at all. A successful run may trigger generalization.
func (s *ProcedureService) RecordRun(ctx context.Context, procedureID uuid.UUID, outcome domain.RunOutcome, stepResults []domain.StepResult, traceID string) (uuid.UUID, error) {
	proc, err := s.graph.GetNode(ctx, procedureID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("procedure %s: %w", procedureID, ErrNotFound)
		}
		return uuid.Nil, err
	}

	successCount, failureCount := 0, 0
	for _, r := range stepResults {
		switch r.Status {
		case domain.StepSuccess:
			successCount++
		case domain.StepFailure, domain.StepTimeout, domain.StepToolError:
			failureCount++
		}
	}

	resultsJSON, err := json.Marshal(stepResults)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal step results: %w", err)
	}

	runProto, err := s.ksg.GetPrototypeByName(ctx, domain.ProtoProcedureRun)
	if err != nil {
		return uuid.Nil, err
	}

	runID, err := s.ksg.CreateConcept(ctx, runProto.ID, map[string]any{
		domain.PropName: fmt.Sprintf("run of %s", proc.Name()),
		"outcome":       string(outcome),
		"success_count": successCount,
		"failure_count": failureCount,
		"step_results":  string(resultsJSON),
		"trace_id":      traceID,
		propFinalized:   true,
	}, []float32{}, nil)
	if err != nil {
		return uuid.Nil, err
	}

	// Link only after the run node is complete.
	edge := &domain.Edge{SourceID: runID, TargetID: procedureID, Rel: domain.RelRunOf, Confidence: 1}
	if err := s.graph.UpsertEdge(ctx, edge); err != nil {
		return uuid.Nil, err
	}

	unlock := s.locks.Lock(procedureID)
	proc, err = s.graph.GetNode(ctx, procedureID)
	if err == nil {
		proc.SetProp(propTested, proc.PropInt(propTested)+1)
		switch outcome {
		case domain.RunSuccess:
			proc.SetProp(propSuccesses, proc.PropInt(propSuccesses)+1)
		case domain.RunFailure:
			proc.SetProp(propFailures, proc.PropInt(propFailures)+1)
		}
		err = s.graph.UpsertNode(ctx, proc)
	}
	unlock()
	if err != nil {
		return runID, err
	}

	if outcome == domain.RunSuccess {
		if err := s.maybeGeneralize(ctx, proc); err != nil {
			s.logger.Debug("procedure generalization skipped", zap.Error(err))
		}
	}

	return runID, nil
}

// maybeGeneralize promotes a cluster of similar successful procedures into a
// generalized concept: at least two similar neighbors above
// ProcGeneralizeSimilarity whose mean pairwise similarity clears
// ProcGeneralizeMeanPair.
func (s *ProcedureService) maybeGeneralize(ctx context.Context, proc *domain.Node) error {
	if len(proc.Embedding) == 0 {
		return nil
	}

	neighbors, err := s.graph.SearchNodes(ctx, domain.SearchFilter{
		Kind:      domain.KindConcept,
		Prototype: domain.ProtoProcedure,
	}, proc.Embedding, 10, ProcGeneralizeSimilarity)
	if err != nil {
		return err
	}

	group := []*domain.Node{proc}
	for _, n := range neighbors {
		if n.Node.ID == proc.ID {
			continue
		}
		if n.Node.ExemplarCount > 0 {
			continue
		}
		group = append(group, n.Node)
	}
	if len(group) < ProcGeneralizeMinMembers+1 {
		return nil
	}

	var pairSum float64
	pairs := 0
	for i := 0; i < len(group); i++ {
		for j := i + 1; j < len(group); j++ {
			pairSum += float64(vec.Cosine(group[i].Embedding, group[j].Embedding))
			pairs++
		}
	}
	if pairs == 0 || pairSum/float64(pairs) < ProcGeneralizeMeanPair {
		return nil
	}

	ids := make([]uuid.UUID, len(group))
	for i, n := range group {
		ids[i] = n.ID
	}
	name := "Generalized: " + proc.Name()
	_, err = s.ksg.GeneralizeConcepts(ctx, ids, name, "generalized from similar successful procedures", GeneralizeMinSimilarity)
	return err
}

// PersistWinningSelector rewrites a step's params.selector so future
// hydrations reuse the selector that actually worked.
func (s *ProcedureService) PersistWinningSelector(ctx context.Context, procedureID uuid.UUID, stepID, selector string) error {
	stepEdges, err := s.graph.EdgesFrom(ctx, procedureID, domain.RelHasStep)
	if err != nil {
		return err
	}

	for _, e := range stepEdges {
		n, err := s.graph.GetNode(ctx, e.TargetID)
		if err != nil {
			continue
		}
		if n.PropString(propStepID) != stepID {
			continue
		}

		unlock := s.locks.Lock(n.ID)
		defer unlock()

		n, err = s.graph.GetNode(ctx, n.ID)
		if err != nil {
			return err
		}
		params := decodeParams(n.Props[propParams])
		params["selector"] = selector
		n.SetProp(propParams, params)
		return s.graph.UpsertNode(ctx, n)
	}
	return fmt.Errorf("step %q in procedure %s: %w", stepID, procedureID, ErrNotFound)
}

// Runs lists the finalized runs of a procedure, newest last.
func (s *ProcedureService) Runs(ctx context.Context, procedureID uuid.UUID) ([]domain.RunRecord, error) {
	edges, err := s.graph.EdgesTo(ctx, procedureID, domain.RelRunOf)
	if err != nil {
		return nil, err
	}

	var runs []domain.RunRecord
	for _, e := range edges {
		n, err := s.graph.GetNode(ctx, e.SourceID)
		if err != nil {
			continue
		}
		if v, ok := n.Props[propFinalized].(bool); !ok || !v {
			continue
		}
		run := domain.RunRecord{
			ID:           n.ID,
			ProcedureID:  procedureID,
			Outcome:      domain.RunOutcome(n.PropString("outcome")),
			SuccessCount: n.PropInt("success_count"),
			FailureCount: n.PropInt("failure_count"),
			TraceID:      n.PropString("trace_id"),
			CreatedAt:    n.CreatedAt,
		}
		_ = json.Unmarshal([]byte(n.PropString("step_results")), &run.StepResults)
		runs = append(runs, run)
	}
	return runs, nil
}

func stepName(step domain.PlanStep) string {
	if step.Name != "" {
		return step.Name
	}
	return step.Tool
}

// decodeParams tolerates both typed and JSON-decoded param maps.
func decodeParams(v any) map[string]any {
	switch p := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(p))
		for k, val := range p {
			out[k] = val
		}
		return out
	case nil:
		return map[string]any{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}
