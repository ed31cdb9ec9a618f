package store

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
	"github.com/knack-ai/knack/internal/vec"
)

// MemGraphStore is the in-process adjacency-list backend. It implements the
// same contract as PGGraphStore and backs all package tests.
type MemGraphStore struct {
	mu    sync.RWMutex
	nodes map[uuid.UUID]*domain.Node
	edges map[uuid.UUID]*domain.Edge
	out   map[uuid.UUID][]uuid.UUID // source -> edge ids
	in    map[uuid.UUID][]uuid.UUID // target -> edge ids
	clock func() time.Time
}

// NewMemGraphStore creates an empty in-process store.
func NewMemGraphStore() *MemGraphStore {
	return &MemGraphStore{
		nodes: make(map[uuid.UUID]*domain.Node),
		edges: make(map[uuid.UUID]*domain.Edge),
		out:   make(map[uuid.UUID][]uuid.UUID),
		in:    make(map[uuid.UUID][]uuid.UUID),
		clock: time.Now,
	}
}

// SetClock overrides the timestamp source. Tests only.
func (s *MemGraphStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *MemGraphStore) UpsertNode(_ context.Context, n *domain.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Status == "" {
		n.Status = domain.StatusActive
	}
	if existing, ok := s.nodes[n.ID]; ok {
		n.CreatedAt = existing.CreatedAt
	} else {
		n.CreatedAt = now
	}
	n.UpdatedAt = now

	s.nodes[n.ID] = cloneNode(n)
	return nil
}

func (s *MemGraphStore) UpsertEdge(_ context.Context, e *domain.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = domain.StatusActive
	}
	if e.Weight == 0 {
		e.Weight = 1
	}
	if existing, ok := s.edges[e.ID]; ok {
		e.CreatedAt = existing.CreatedAt
	} else {
		e.CreatedAt = now
		s.out[e.SourceID] = append(s.out[e.SourceID], e.ID)
		s.in[e.TargetID] = append(s.in[e.TargetID], e.ID)
	}
	e.UpdatedAt = now

	s.edges[e.ID] = cloneEdge(e)
	return nil
}

func (s *MemGraphStore) GetNode(_ context.Context, id uuid.UUID) (*domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneNode(n), nil
}

func (s *MemGraphStore) SearchNodes(_ context.Context, f domain.SearchFilter, queryEmbedding []float32, topK int, minSimilarity float32) ([]domain.NodeWithScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if topK <= 0 {
		topK = 10
	}

	status := f.Status
	if status == "" {
		status = domain.StatusActive
	}

	var results []domain.NodeWithScore
	for _, n := range s.nodes {
		if n.Status != status {
			continue
		}
		if f.Kind != "" && n.Kind != f.Kind {
			continue
		}
		if f.Label != "" && !hasLabel(n.Labels, f.Label) {
			continue
		}
		if f.Prototype != "" && n.PrototypeName() != f.Prototype {
			continue
		}
		if !matchesProps(n, f.Props) {
			continue
		}

		var score float32
		if queryEmbedding != nil {
			score = vec.Cosine(queryEmbedding, n.Embedding)
			if score < minSimilarity {
				continue
			}
		}
		results = append(results, domain.NodeWithScore{Node: cloneNode(n), Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if queryEmbedding != nil && results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Node.UpdatedAt.Equal(results[j].Node.UpdatedAt) {
			return results[i].Node.UpdatedAt.After(results[j].Node.UpdatedAt)
		}
		return strings.Compare(results[i].Node.ID.String(), results[j].Node.ID.String()) < 0
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (s *MemGraphStore) EdgesFrom(_ context.Context, sourceID uuid.UUID, rel string) ([]domain.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectEdges(s.out[sourceID], rel), nil
}

func (s *MemGraphStore) EdgesTo(_ context.Context, targetID uuid.UUID, rel string) ([]domain.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectEdges(s.in[targetID], rel), nil
}

func (s *MemGraphStore) EdgeBetween(_ context.Context, sourceID, targetID uuid.UUID, rel string) (*domain.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.out[sourceID] {
		e := s.edges[id]
		if e.Status != domain.StatusActive {
			continue
		}
		if e.TargetID == targetID && (rel == "" || e.Rel == rel) {
			return cloneEdge(e), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemGraphStore) collectEdges(ids []uuid.UUID, rel string) []domain.Edge {
	var edges []domain.Edge
	for _, id := range ids {
		e := s.edges[id]
		if e.Status != domain.StatusActive {
			continue
		}
		if rel != "" && e.Rel != rel {
			continue
		}
		edges = append(edges, *cloneEdge(e))
	}
	sort.Slice(edges, func(i, j int) bool {
		if !edges[i].CreatedAt.Equal(edges[j].CreatedAt) {
			return edges[i].CreatedAt.Before(edges[j].CreatedAt)
		}
		return strings.Compare(edges[i].ID.String(), edges[j].ID.String()) < 0
	})
	return edges
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func matchesProps(n *domain.Node, props map[string]any) bool {
	for k, want := range props {
		got, ok := n.Props[k]
		if !ok {
			return false
		}
		if !looseEqual(got, want) {
			return false
		}
	}
	return true
}

// looseEqual compares prop values tolerating the numeric widening JSON
// round-trips introduce.
func looseEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && af == bf
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func cloneNode(n *domain.Node) *domain.Node {
	out := *n
	if n.Labels != nil {
		out.Labels = append([]string(nil), n.Labels...)
	}
	if n.Props != nil {
		out.Props = make(map[string]any, len(n.Props))
		for k, v := range n.Props {
			out.Props[k] = v
		}
	}
	if n.Embedding != nil {
		out.Embedding = append([]float32(nil), n.Embedding...)
	}
	if n.EmbeddingSum != nil {
		out.EmbeddingSum = append([]float32(nil), n.EmbeddingSum...)
	}
	return &out
}

func cloneEdge(e *domain.Edge) *domain.Edge {
	out := *e
	if e.Props != nil {
		out.Props = make(map[string]any, len(e.Props))
		for k, v := range e.Props {
			out.Props[k] = v
		}
	}
	if e.PropDefID != nil {
		id := *e.PropDefID
		out.PropDefID = &id
	}
	return &out
}
