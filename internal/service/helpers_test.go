package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
	"github.com/knack-ai/knack/internal/embedding"
	"github.com/knack-ai/knack/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testEmbeddingDim = 64

func newTestKSG(t *testing.T) *KSGService {
	ksg, _ := newTestKSGWithStore(t)
	return ksg
}

func newTestKSGWithStore(t *testing.T) (*KSGService, *store.MemGraphStore) {
	t.Helper()
	graph := store.NewMemGraphStore()
	embedder := embedding.NewMockClient(testEmbeddingDim)
	ksg := NewKSGService(graph, embedder, nil, zap.NewNop())
	seedTestPrototypes(t, ksg)
	return ksg, graph
}

func seedTestPrototypes(t *testing.T, ksg *KSGService) {
	t.Helper()
	ctx := context.Background()
	for _, name := range []string{
		domain.ProtoProcedure,
		domain.ProtoProcedureStep,
		domain.ProtoProcedureRun,
		domain.ProtoProcedureSchema,
		domain.ProtoQueue,
		domain.ProtoQueueItem,
		domain.ProtoTimeRule,
		domain.ProtoKnowledge,
		domain.ProtoFormPattern,
		domain.ProtoCredential,
		domain.ProtoIdentity,
		domain.ProtoPaymentMethod,
		domain.ProtoPerson,
		domain.ProtoNote,
		domain.ProtoTask,
	} {
		_, err := ksg.CreatePrototype(ctx, name, "", nil)
		require.NoError(t, err)
	}
}

// testCatalog is a fixed tool schema for plan validation tests.
type testCatalog struct{}

func (testCatalog) Lookup(name string) (*domain.ToolSpec, bool) {
	specs := map[string]*domain.ToolSpec{
		"web.get_dom": {Name: "web.get_dom", Params: []domain.ParamSpec{
			{Name: "url", Type: "string", Required: true},
		}},
		"web.fill": {Name: "web.fill", Params: []domain.ParamSpec{
			{Name: "selector", Type: "string", Required: true},
			{Name: "value", Type: "string", Required: true},
		}},
		"web.click_selector": {Name: "web.click_selector", Params: []domain.ParamSpec{
			{Name: "selector", Type: "string", Required: true},
		}},
		"memory.remember": {Name: "memory.remember", Params: []domain.ParamSpec{
			{Name: "content", Type: "string", Required: true},
		}},
		"memory.recall": {Name: "memory.recall", Params: []domain.ParamSpec{
			{Name: "query", Type: "string", Required: true},
		}},
	}
	spec, ok := specs[name]
	return spec, ok
}

func (testCatalog) Names() []string {
	return []string{"web.get_dom", "web.fill", "web.click_selector", "memory.remember", "memory.recall"}
}

func mustEmbed(t *testing.T, text string) []float32 {
	t.Helper()
	v, err := embedding.NewMockClient(testEmbeddingDim).Embed(context.Background(), text)
	require.NoError(t, err)
	return v
}

func newTestProcedures(t *testing.T) (*ProcedureService, *KSGService) {
	t.Helper()
	ksg := newTestKSG(t)
	procs := NewProcedureService(ksg, embedding.NewMockClient(testEmbeddingDim), testCatalog{}, zap.NewNop())
	return procs, ksg
}

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }
