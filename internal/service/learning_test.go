package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
	"github.com/knack-ai/knack/internal/embedding"
	"github.com/knack-ai/knack/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLearning(t *testing.T) (*LearningService, *llm.MockClient, *KSGService) {
	t.Helper()
	ksg := newTestKSG(t)
	mock := llm.NewMockClient()
	learn := NewLearningService(ksg, embedding.NewMockClient(testEmbeddingDim), mock, zap.NewNop())
	return learn, mock, ksg
}

func TestAnalyzeFailureStoresLesson(t *testing.T) {
	learn, mock, ksg := newTestLearning(t)
	ctx := context.Background()

	mock.Enqueue(`{"root_cause": "selector #login-btn no longer exists",
		"lesson": "selectors on example.com churn; prefer attribute selectors",
		"suggested_fix": "use button[type=submit] instead"}`)

	runProto, err := ksg.GetPrototypeByName(ctx, domain.ProtoProcedureRun)
	require.NoError(t, err)
	runID, err := ksg.CreateConcept(ctx, runProto.ID, map[string]any{domain.PropName: "failed run"}, []float32{}, nil)
	require.NoError(t, err)

	k, err := learn.AnalyzeFailure(ctx, runID, "step s3 click #login-btn failed: not found", "trace-9")
	require.NoError(t, err)
	assert.Equal(t, domain.KnowledgeFailure, k.Kind)
	assert.Contains(t, k.Lesson, "attribute selectors")
	assert.Equal(t, "use button[type=submit] instead", k.SuggestedFix)

	// The lesson points at the run it came from.
	edges, err := ksg.Graph().EdgesFrom(ctx, k.ID, domain.RelReferences)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, runID, edges[0].TargetID)
}

func TestAnalyzeFailureRejectsMalformedResponse(t *testing.T) {
	learn, mock, ksg := newTestLearning(t)
	ctx := context.Background()

	mock.Enqueue(`I think the problem is the selector.`)

	runProto, err := ksg.GetPrototypeByName(ctx, domain.ProtoProcedureRun)
	require.NoError(t, err)
	runID, err := ksg.CreateConcept(ctx, runProto.ID, map[string]any{domain.PropName: "failed run"}, []float32{}, nil)
	require.NoError(t, err)

	_, err = learn.AnalyzeFailure(ctx, runID, "context", "trace")
	assert.Error(t, err)
}

func TestExtractTransferableNeedsMultipleRuns(t *testing.T) {
	learn, mock, _ := newTestLearning(t)
	ctx := context.Background()

	_, err := learn.ExtractTransferable(ctx, []string{"only one"}, "trace")
	assert.Error(t, err)

	mock.Enqueue(`{"lesson": "always wait for the spinner to disappear before clicking"}`)
	k, err := learn.ExtractTransferable(ctx, []string{"run a", "run b"}, "trace")
	require.NoError(t, err)
	assert.Equal(t, domain.KnowledgeTransfer, k.Kind)
}

func TestLearnFromUserFeedbackLinksCorrection(t *testing.T) {
	learn, mock, ksg := newTestLearning(t)
	ctx := context.Background()

	mock.Enqueue(`{"lesson": "book refundable fares unless told otherwise"}`)
	first, err := learn.LearnFromUserFeedback(ctx, "you booked a non-refundable fare", "trace-1", nil)
	require.NoError(t, err)

	mock.Enqueue(`{"lesson": "refundable fares only for work trips"}`)
	second, err := learn.LearnFromUserFeedback(ctx, "actually only for work trips", "trace-2", &first.ID)
	require.NoError(t, err)

	edges, err := ksg.Graph().EdgesFrom(ctx, second.ID, domain.RelCorrectionOf)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, first.ID, edges[0].TargetID)
}

func TestFindSimilarKnowledgeByKind(t *testing.T) {
	learn, mock, _ := newTestLearning(t)
	ctx := context.Background()

	mock.Enqueue(`{"root_cause": "r", "lesson": "flight booking selectors need the airline name", "suggested_fix": "f"}`)
	runID := mustCreateRun(t, learn.ksg)
	_, err := learn.AnalyzeFailure(ctx, runID, "flight booking failed", "t1")
	require.NoError(t, err)

	mock.Enqueue(`{"lesson": "flight booking succeeds with explicit airline name"}`)
	_, err = learn.LearnFromSuccess(ctx, runID, "flight booking worked", "t2")
	require.NoError(t, err)

	failures, err := learn.FindSimilarKnowledge(ctx, "flight booking airline name", domain.KnowledgeFailure, 5)
	require.NoError(t, err)
	require.NotEmpty(t, failures)
	for _, f := range failures {
		assert.Equal(t, domain.KnowledgeFailure, f.Kind)
	}

	all, err := learn.FindSimilarKnowledge(ctx, "flight booking airline name", "", 5)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(all), 2)
}

func mustCreateRun(t *testing.T, ksg *KSGService) uuid.UUID {
	t.Helper()
	proto, err := ksg.GetPrototypeByName(context.Background(), domain.ProtoProcedureRun)
	require.NoError(t, err)
	id, err := ksg.CreateConcept(context.Background(), proto.ID, map[string]any{domain.PropName: "run"}, []float32{}, nil)
	require.NoError(t, err)
	return id
}
