package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
	"github.com/knack-ai/knack/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAccessReinforcesUpToCeiling(t *testing.T) {
	wm := NewWorkingMemoryService(0, 0, nil, zap.NewNop())
	id := uuid.New()

	wm.Access("s1", id)
	assert.InDelta(t, WMReinforceDelta, wm.Weight("s1", id), 1e-9)

	for i := 0; i < 500; i++ {
		wm.Access("s1", id)
	}
	assert.InDelta(t, WMMaxWeight, wm.Weight("s1", id), 1e-9, "activation saturates at the ceiling")
}

func TestAccessDecaysTheRestOfTheSession(t *testing.T) {
	wm := NewWorkingMemoryService(0, 0, nil, zap.NewNop())
	a, b := uuid.New(), uuid.New()

	wm.Access("s1", a)
	wm.Access("s1", b)

	assert.InDelta(t, WMReinforceDelta*(1-WMDecayGamma), wm.Weight("s1", a), 1e-9)
	assert.InDelta(t, WMReinforceDelta, wm.Weight("s1", b), 1e-9)
}

func TestSessionsAreIsolated(t *testing.T) {
	wm := NewWorkingMemoryService(0, 0, nil, zap.NewNop())
	id := uuid.New()

	wm.Access("s1", id)
	assert.Zero(t, wm.Weight("s2", id))
}

func TestBoostPrefersActivatedNodes(t *testing.T) {
	wm := NewWorkingMemoryService(0, 0, nil, zap.NewNop())
	hot, cold := uuid.New(), uuid.New()

	// Saturate the hot node so the boost is the full alpha.
	for i := 0; i < 200; i++ {
		wm.Access("s1", hot)
	}

	results := []domain.NodeWithScore{
		{Node: &domain.Node{ID: cold}, Score: 0.80},
		{Node: &domain.Node{ID: hot}, Score: 0.75},
	}
	boosted := wm.Boost("s1", results)

	assert.Equal(t, hot, boosted[0].Node.ID, "activation closes a 0.05 gap at full boost")
	assert.InDelta(t, 0.75+WMBoostAlpha, float64(boosted[0].Score), 1e-6)
	assert.InDelta(t, 0.80, float64(boosted[1].Score), 1e-6)
}

func TestBoostLeavesUnknownSessionsAlone(t *testing.T) {
	wm := NewWorkingMemoryService(0, 0, nil, zap.NewNop())
	results := []domain.NodeWithScore{
		{Node: &domain.Node{ID: uuid.New()}, Score: 0.9},
		{Node: &domain.Node{ID: uuid.New()}, Score: 0.5},
	}
	boosted := wm.Boost("nope", results)
	assert.Equal(t, float32(0.9), boosted[0].Score)
	assert.Equal(t, float32(0.5), boosted[1].Score)
}

func TestReplicatorPersistsActivationAndLinks(t *testing.T) {
	graph := store.NewMemGraphStore()
	ctx := context.Background()

	a := &domain.Node{Kind: domain.KindConcept, Props: map[string]any{domain.PropName: "a"}}
	b := &domain.Node{Kind: domain.KindConcept, Props: map[string]any{domain.PropName: "b"}}
	require.NoError(t, graph.UpsertNode(ctx, a))
	require.NoError(t, graph.UpsertNode(ctx, b))

	repl := NewWMReplicator(graph, 16, zap.NewNop())
	repl.Start(ctx)

	wm := NewWorkingMemoryService(0, 0, repl, zap.NewNop())
	wm.Access("s1", a.ID)
	wm.Access("s1", b.ID)
	wm.Link("s1", a.ID, b.ID)
	wm.EndSession("s1")

	repl.Stop()

	got, err := graph.GetNode(ctx, b.ID)
	require.NoError(t, err)
	assert.InDelta(t, WMReinforceDelta, got.Props["wm_weight"], 1e-9)

	src, dst := a.ID, b.ID
	if dst.String() < src.String() {
		src, dst = dst, src
	}
	edge, err := graph.EdgeBetween(ctx, src, dst, domain.RelAssociatedWith)
	require.NoError(t, err)
	assert.InDelta(t, WMReinforceDelta, edge.Weight, 1e-6)
}

func TestReplicatorDropsWhenInboxFull(t *testing.T) {
	graph := store.NewMemGraphStore()
	repl := NewWMReplicator(graph, 1, zap.NewNop())
	// Not started: the inbox fills and further offers drop.

	for i := 0; i < 5; i++ {
		repl.Offer(&WMSnapshot{SessionID: "s1"})
	}
	assert.EqualValues(t, 4, repl.Dropped())

	// Stop still drains what was accepted.
	repl.Start(context.Background())
	repl.Stop()
}

func TestReplicatorIgnoresUnknownNodes(t *testing.T) {
	graph := store.NewMemGraphStore()
	repl := NewWMReplicator(graph, 4, zap.NewNop())
	repl.Start(context.Background())

	repl.Offer(&WMSnapshot{
		SessionID: "s1",
		Weights:   map[uuid.UUID]float64{uuid.New(): 3},
	})

	// Nothing to assert beyond not panicking and clean shutdown.
	time.Sleep(10 * time.Millisecond)
	repl.Stop()
}
