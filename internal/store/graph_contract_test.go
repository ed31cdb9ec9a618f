package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The contract test runs against every backend reachable without external
// services. PGGraphStore satisfies the same contract; it is exercised against
// a live database in deployment smoke tests.
func contractBackends(t *testing.T) map[string]domain.GraphStore {
	t.Helper()
	return map[string]domain.GraphStore{
		"mem": NewMemGraphStore(),
	}
}

func TestGraphStoreContract_UpsertAndGet(t *testing.T) {
	for name, s := range contractBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			n := &domain.Node{
				Kind:   domain.KindConcept,
				Labels: []string{"Procedure"},
				Props:  map[string]any{domain.PropName: "Login to example.com"},
			}
			require.NoError(t, s.UpsertNode(ctx, n))
			require.NotEqual(t, uuid.Nil, n.ID)
			assert.Equal(t, domain.StatusActive, n.Status)

			got, err := s.GetNode(ctx, n.ID)
			require.NoError(t, err)
			assert.Equal(t, "Login to example.com", got.Name())

			// Replace by UUID.
			n.SetProp(domain.PropName, "renamed")
			require.NoError(t, s.UpsertNode(ctx, n))
			got, err = s.GetNode(ctx, n.ID)
			require.NoError(t, err)
			assert.Equal(t, "renamed", got.Name())

			_, err = s.GetNode(ctx, uuid.New())
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestGraphStoreContract_SearchByEmbedding(t *testing.T) {
	for name, s := range contractBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			mk := func(name string, emb []float32) *domain.Node {
				n := &domain.Node{
					Kind:      domain.KindConcept,
					Props:     map[string]any{domain.PropName: name, domain.PropPrototype: "Procedure"},
					Embedding: emb,
				}
				require.NoError(t, s.UpsertNode(ctx, n))
				return n
			}

			close1 := mk("close", []float32{1, 0, 0})
			mid := mk("mid", []float32{0.7, 0.7, 0})
			mk("far", []float32{0, 0, 1})
			mk("novec", nil)

			results, err := s.SearchNodes(ctx, domain.SearchFilter{Prototype: "Procedure"}, []float32{1, 0, 0}, 10, 0.1)
			require.NoError(t, err)
			require.Len(t, results, 2)
			assert.Equal(t, close1.ID, results[0].Node.ID)
			assert.Equal(t, mid.ID, results[1].Node.ID)
			assert.Greater(t, results[0].Score, results[1].Score)

			// minSimilarity filters; zero-norm vectors never match a query.
			results, err = s.SearchNodes(ctx, domain.SearchFilter{}, []float32{1, 0, 0}, 10, 0.99)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, close1.ID, results[0].Node.ID)
		})
	}
}

func TestGraphStoreContract_SearchWithoutEmbeddingOrdersByRecency(t *testing.T) {
	s := NewMemGraphStore()
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	older := &domain.Node{Kind: domain.KindConcept, Props: map[string]any{"n": "older"}}
	require.NoError(t, s.UpsertNode(ctx, older))
	newer := &domain.Node{Kind: domain.KindConcept, Props: map[string]any{"n": "newer"}}
	require.NoError(t, s.UpsertNode(ctx, newer))

	results, err := s.SearchNodes(ctx, domain.SearchFilter{Kind: domain.KindConcept}, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, newer.ID, results[0].Node.ID)
	assert.Equal(t, older.ID, results[1].Node.ID)
}

func TestGraphStoreContract_PropFilters(t *testing.T) {
	for name, s := range contractBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			a := &domain.Node{Kind: domain.KindConcept, Props: map[string]any{"state": "queued", "priority": 5}}
			require.NoError(t, s.UpsertNode(ctx, a))
			b := &domain.Node{Kind: domain.KindConcept, Props: map[string]any{"state": "done", "priority": 5}}
			require.NoError(t, s.UpsertNode(ctx, b))

			results, err := s.SearchNodes(ctx, domain.SearchFilter{Props: map[string]any{"state": "queued"}}, nil, 10, 0)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, a.ID, results[0].Node.ID)

			// Numeric equality survives JSON float widening.
			results, err = s.SearchNodes(ctx, domain.SearchFilter{Props: map[string]any{"priority": float64(5)}}, nil, 10, 0)
			require.NoError(t, err)
			assert.Len(t, results, 2)
		})
	}
}

func TestGraphStoreContract_Edges(t *testing.T) {
	for name, s := range contractBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			src := &domain.Node{Kind: domain.KindConcept}
			dst := &domain.Node{Kind: domain.KindPrototype}
			other := &domain.Node{Kind: domain.KindConcept}
			require.NoError(t, s.UpsertNode(ctx, src))
			require.NoError(t, s.UpsertNode(ctx, dst))
			require.NoError(t, s.UpsertNode(ctx, other))

			e := &domain.Edge{SourceID: src.ID, TargetID: dst.ID, Rel: domain.RelInstanceOf, Confidence: 1}
			require.NoError(t, s.UpsertEdge(ctx, e))
			assert.Equal(t, float32(1), e.Weight)

			e2 := &domain.Edge{SourceID: src.ID, TargetID: other.ID, Rel: domain.RelAssociatedWith, Weight: 0.5}
			require.NoError(t, s.UpsertEdge(ctx, e2))

			from, err := s.EdgesFrom(ctx, src.ID, "")
			require.NoError(t, err)
			assert.Len(t, from, 2)

			from, err = s.EdgesFrom(ctx, src.ID, domain.RelInstanceOf)
			require.NoError(t, err)
			require.Len(t, from, 1)
			assert.Equal(t, dst.ID, from[0].TargetID)

			to, err := s.EdgesTo(ctx, dst.ID, domain.RelInstanceOf)
			require.NoError(t, err)
			require.Len(t, to, 1)
			assert.Equal(t, src.ID, to[0].SourceID)

			between, err := s.EdgeBetween(ctx, src.ID, other.ID, domain.RelAssociatedWith)
			require.NoError(t, err)
			assert.Equal(t, e2.ID, between.ID)

			_, err = s.EdgeBetween(ctx, dst.ID, src.ID, domain.RelInstanceOf)
			assert.ErrorIs(t, err, ErrNotFound)

			// Soft-deleted edges disappear from adjacency reads.
			e2.Status = domain.StatusDeleted
			require.NoError(t, s.UpsertEdge(ctx, e2))
			from, err = s.EdgesFrom(ctx, src.ID, "")
			require.NoError(t, err)
			assert.Len(t, from, 1)
		})
	}
}
