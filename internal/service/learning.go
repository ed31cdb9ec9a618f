package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
	"github.com/knack-ai/knack/internal/llm"
	"go.uber.org/zap"
)

// Knowledge concept prop keys.
const (
	propKnowledgeKind = "knowledge_kind"
	propLesson        = "lesson"
	propRootCause     = "root_cause"
	propSuggestedFix  = "suggested_fix"
	propContext       = "context"
)

// LearningService turns run outcomes and user feedback into durable
// Knowledge concepts: failure analyses, success summaries, transferable
// patterns, and corrections. Lessons are embedded so future planning can
// pull the relevant ones back.
type LearningService struct {
	ksg      *KSGService
	graph    domain.GraphStore
	embedder domain.EmbeddingClient
	llm      domain.LLMClient
	logger   *zap.Logger
}

// NewLearningService creates a learning service.
func NewLearningService(ksg *KSGService, embedder domain.EmbeddingClient, llmClient domain.LLMClient, logger *zap.Logger) *LearningService {
	return &LearningService{
		ksg:      ksg,
		graph:    ksg.Graph(),
		embedder: embedder,
		llm:      llmClient,
		logger:   logger,
	}
}

type failureAnalysis struct {
	RootCause    string `json:"root_cause"`
	Lesson       string `json:"lesson"`
	SuggestedFix string `json:"suggested_fix"`
}

type lessonOnly struct {
	Lesson string `json:"lesson"`
}

// AnalyzeFailure asks the LLM what went wrong and stores the verdict as
// failure knowledge linked to the run.
func (s *LearningService) AnalyzeFailure(ctx context.Context, runID uuid.UUID, failureContext, traceID string) (*domain.Knowledge, error) {
	raw, err := s.llm.Chat(ctx, []domain.Message{
		{Role: "system", Content: llm.FailureAnalysisSystemPrompt},
		{Role: "user", Content: failureContext},
	}, domain.ChatOptions{JSONResponse: true})
	if err != nil {
		return nil, fmt.Errorf("failure analysis: %w", err)
	}

	var analysis failureAnalysis
	if err := json.Unmarshal([]byte(domain.StripCodeFences(raw)), &analysis); err != nil {
		return nil, fmt.Errorf("decode failure analysis: %w", err)
	}
	if analysis.Lesson == "" {
		return nil, fmt.Errorf("failure analysis returned no lesson")
	}

	k := &domain.Knowledge{
		Kind:         domain.KnowledgeFailure,
		Lesson:       analysis.Lesson,
		RootCause:    analysis.RootCause,
		SuggestedFix: analysis.SuggestedFix,
		Context:      failureContext,
		TraceID:      traceID,
	}
	if err := s.save(ctx, k, &runID); err != nil {
		return nil, err
	}
	return k, nil
}

// LearnFromSuccess stores a summary of why a run worked.
func (s *LearningService) LearnFromSuccess(ctx context.Context, runID uuid.UUID, successContext, traceID string) (*domain.Knowledge, error) {
	lesson, err := s.extractLesson(ctx, llm.SuccessSystemPrompt, successContext)
	if err != nil {
		return nil, err
	}
	k := &domain.Knowledge{
		Kind:    domain.KnowledgeSuccess,
		Lesson:  lesson,
		Context: successContext,
		TraceID: traceID,
	}
	if err := s.save(ctx, k, &runID); err != nil {
		return nil, err
	}
	return k, nil
}

// ExtractTransferable distills the pattern common to several successful runs.
func (s *LearningService) ExtractTransferable(ctx context.Context, runContexts []string, traceID string) (*domain.Knowledge, error) {
	if len(runContexts) < 2 {
		return nil, fmt.Errorf("transfer extraction needs at least two runs")
	}
	lesson, err := s.extractLesson(ctx, llm.TransferSystemPrompt, strings.Join(runContexts, "\n---\n"))
	if err != nil {
		return nil, err
	}
	k := &domain.Knowledge{
		Kind:    domain.KnowledgeTransfer,
		Lesson:  lesson,
		Context: strings.Join(runContexts, "\n---\n"),
		TraceID: traceID,
	}
	if err := s.save(ctx, k, nil); err != nil {
		return nil, err
	}
	return k, nil
}

// LearnFromUserFeedback stores a correction. When the feedback corrects an
// earlier lesson, the new one points back through a correctionOf edge.
func (s *LearningService) LearnFromUserFeedback(ctx context.Context, feedback, traceID string, corrects *uuid.UUID) (*domain.Knowledge, error) {
	lesson := feedback
	if s.llm != nil {
		if extracted, err := s.extractLesson(ctx, llm.FeedbackSystemPrompt, feedback); err == nil {
			lesson = extracted
		} else {
			s.logger.Debug("feedback distillation failed, storing verbatim", zap.Error(err))
		}
	}

	k := &domain.Knowledge{
		Kind:    domain.KnowledgeFeedback,
		Lesson:  lesson,
		Context: feedback,
		TraceID: traceID,
	}
	if err := s.save(ctx, k, nil); err != nil {
		return nil, err
	}

	if corrects != nil {
		edge := &domain.Edge{SourceID: k.ID, TargetID: *corrects, Rel: domain.RelCorrectionOf, Confidence: 1}
		if err := s.graph.UpsertEdge(ctx, edge); err != nil {
			s.logger.Warn("failed to link correction", zap.Error(err))
		}
	}
	return k, nil
}

// FindSimilarKnowledge retrieves lessons relevant to a request, optionally
// restricted to one kind.
func (s *LearningService) FindSimilarKnowledge(ctx context.Context, query string, kind domain.KnowledgeKind, topK int) ([]domain.KnowledgeWithScore, error) {
	if topK <= 0 {
		topK = 5
	}
	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	filter := domain.SearchFilter{
		Kind:      domain.KindConcept,
		Prototype: domain.ProtoKnowledge,
	}
	if kind != "" {
		filter.Props = map[string]any{propKnowledgeKind: string(kind)}
	}
	results, err := s.graph.SearchNodes(ctx, filter, emb, topK, 0.1)
	if err != nil {
		return nil, err
	}

	out := make([]domain.KnowledgeWithScore, 0, len(results))
	for _, r := range results {
		out = append(out, domain.KnowledgeWithScore{
			Knowledge: decodeKnowledge(r.Node),
			Score:     r.Score,
		})
	}
	return out, nil
}

func (s *LearningService) extractLesson(ctx context.Context, systemPrompt, userContent string) (string, error) {
	raw, err := s.llm.Chat(ctx, []domain.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userContent},
	}, domain.ChatOptions{JSONResponse: true})
	if err != nil {
		return "", err
	}
	var out lessonOnly
	if err := json.Unmarshal([]byte(domain.StripCodeFences(raw)), &out); err != nil {
		return "", fmt.Errorf("decode lesson: %w", err)
	}
	if out.Lesson == "" {
		return "", fmt.Errorf("empty lesson")
	}
	return out.Lesson, nil
}

func (s *LearningService) save(ctx context.Context, k *domain.Knowledge, runID *uuid.UUID) error {
	proto, err := s.ksg.GetPrototypeByName(ctx, domain.ProtoKnowledge)
	if err != nil {
		return err
	}

	emb, err := s.embedder.Embed(ctx, k.Lesson)
	if err != nil {
		s.logger.Debug("failed to embed lesson", zap.Error(err))
		emb = []float32{}
	}

	props := map[string]any{
		domain.PropName:   k.Lesson,
		propKnowledgeKind: string(k.Kind),
		propLesson:        k.Lesson,
	}
	if k.RootCause != "" {
		props[propRootCause] = k.RootCause
	}
	if k.SuggestedFix != "" {
		props[propSuggestedFix] = k.SuggestedFix
	}
	if k.Context != "" {
		props[propContext] = k.Context
	}
	if k.TraceID != "" {
		props[propTraceID] = k.TraceID
	}

	id, err := s.ksg.CreateConcept(ctx, proto.ID, props, emb, nil)
	if err != nil {
		return err
	}
	k.ID = id

	if runID != nil {
		edge := &domain.Edge{SourceID: id, TargetID: *runID, Rel: domain.RelReferences, Confidence: 1}
		if err := s.graph.UpsertEdge(ctx, edge); err != nil {
			s.logger.Warn("failed to link lesson to run", zap.Error(err))
		}
	}

	s.logger.Info("stored lesson",
		zap.String("kind", string(k.Kind)),
		zap.String("id", id.String()))
	return nil
}

func decodeKnowledge(node *domain.Node) domain.Knowledge {
	return domain.Knowledge{
		ID:           node.ID,
		Kind:         domain.KnowledgeKind(node.PropString(propKnowledgeKind)),
		Lesson:       node.PropString(propLesson),
		RootCause:    node.PropString(propRootCause),
		SuggestedFix: node.PropString(propSuggestedFix),
		Context:      node.PropString(propContext),
		TraceID:      node.PropString(propTraceID),
		CreatedAt:    node.CreatedAt,
	}
}
