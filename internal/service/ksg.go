package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
	"github.com/knack-ai/knack/internal/llm"
	"github.com/knack-ai/knack/internal/store"
	"github.com/knack-ai/knack/internal/vec"
	"go.uber.org/zap"
)

// Knowledge graph constants
const (
	GeneralizeSuccessThreshold = 2    // successes before auto-generalization fires
	GeneralizeMinSimilarity    = 0.7  // exemplars below this are excluded
	PatternMinSimilarity       = 0.6  // findSimilarPatterns default floor
	AutoGeneralizeNeighborSim  = 0.7  // how close neighbors must be to count
)

var (
	ErrAlreadyExists   = errors.New("prototype already exists with different properties")
	ErrNotFound        = errors.New("not found")
	ErrSchemaViolation = errors.New("schema violation")
	ErrCycleDetected   = errors.New("cycle detected")
)

// Well-known concept prop keys maintained by the KSG.
const (
	propPropertyDefs = "property_defs"
	propRecallCount  = "recallCount"
	propSuccessCount = "successCount"
	propRelType      = "relType"
	propIsPrototype  = "isPrototype"
)

// KSGService is the fuzzy ontology over the graph store: prototypes,
// concepts, weighted associations, centroid-drift embeddings, first-class
// relationships, and generalization from exemplars.
type KSGService struct {
	graph    domain.GraphStore
	embedder domain.EmbeddingClient
	llm      domain.LLMClient
	locks    *keyedMutex
	logger   *zap.Logger
}

// NewKSGService creates a KSG service. The LLM client may be nil; only
// TransferPattern uses it.
func NewKSGService(graph domain.GraphStore, embedder domain.EmbeddingClient, llmClient domain.LLMClient, logger *zap.Logger) *KSGService {
	return &KSGService{
		graph:    graph,
		embedder: embedder,
		llm:      llmClient,
		locks:    newKeyedMutex(),
		logger:   logger,
	}
}

// Graph exposes the underlying store to sibling services.
func (s *KSGService) Graph() domain.GraphStore {
	return s.graph
}

// CreatePrototype creates a schema node. Idempotent for identical
// definitions; a name collision with different PropertyDefs fails with
// ErrAlreadyExists.
func (s *KSGService) CreatePrototype(ctx context.Context, name, parentName string, defs []domain.PropertyDef) (uuid.UUID, error) {
	if name == "" {
		return uuid.Nil, fmt.Errorf("%w: prototype name is required", ErrSchemaViolation)
	}

	existing, err := s.GetPrototypeByName(ctx, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return uuid.Nil, err
	}
	if existing != nil {
		if samePropertyDefs(decodePropertyDefs(existing.Props[propPropertyDefs]), defs) {
			return existing.ID, nil
		}
		return uuid.Nil, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}

	var parent *domain.Node
	if parentName != "" {
		parent, err = s.GetPrototypeByName(ctx, parentName)
		if err != nil {
			return uuid.Nil, fmt.Errorf("parent prototype %q: %w", parentName, err)
		}
	}

	node := &domain.Node{
		Kind:   domain.KindPrototype,
		Labels: []string{name},
		Props: map[string]any{
			domain.PropName: name,
			propIsPrototype: true,
		},
		Confidence: 1,
		Source:     "seed",
	}
	if len(defs) > 0 {
		node.Props[propPropertyDefs] = encodePropertyDefs(defs)
	}
	if err := s.graph.UpsertNode(ctx, node); err != nil {
		return uuid.Nil, err
	}

	if parent != nil {
		if err := s.checkInheritsCycle(ctx, node.ID, parent.ID); err != nil {
			return uuid.Nil, err
		}
		edge := &domain.Edge{SourceID: node.ID, TargetID: parent.ID, Rel: domain.RelInherits, Confidence: 1}
		if err := s.graph.UpsertEdge(ctx, edge); err != nil {
			return uuid.Nil, err
		}
	}

	s.logger.Debug("created prototype", zap.String("name", name), zap.String("id", node.ID.String()))
	return node.ID, nil
}

// GetPrototypeByName finds a prototype node by its human name.
func (s *KSGService) GetPrototypeByName(ctx context.Context, name string) (*domain.Node, error) {
	results, err := s.graph.SearchNodes(ctx, domain.SearchFilter{
		Kind:  domain.KindPrototype,
		Props: map[string]any{domain.PropName: name},
	}, nil, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("prototype %q: %w", name, ErrNotFound)
	}
	return results[0].Node, nil
}

// CreateConcept instantiates a prototype. The embedding is generated from
// the concept's text when not provided. previousVersion, when set, links the
// new concept as the next version of an older one.
func (s *KSGService) CreateConcept(ctx context.Context, prototypeID uuid.UUID, props map[string]any, embedding []float32, previousVersion *uuid.UUID) (uuid.UUID, error) {
	proto, err := s.graph.GetNode(ctx, prototypeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("prototype %s: %w", prototypeID, ErrNotFound)
		}
		return uuid.Nil, err
	}
	if proto.Kind != domain.KindPrototype {
		return uuid.Nil, fmt.Errorf("%w: %s is not a prototype", ErrSchemaViolation, prototypeID)
	}

	if err := s.validateAgainstDefs(ctx, proto, props); err != nil {
		return uuid.Nil, err
	}

	if embedding == nil && s.embedder != nil {
		text := conceptText(proto.Name(), props)
		if text != "" {
			embedding, err = s.embedder.Embed(ctx, text)
			if err != nil {
				s.logger.Debug("failed to embed concept", zap.Error(err))
				embedding = nil
			}
		}
	}

	node := &domain.Node{
		Kind:       domain.KindConcept,
		Labels:     []string{proto.Name()},
		Props:      map[string]any{domain.PropPrototype: proto.Name()},
		Embedding:  embedding,
		Confidence: 1,
		Source:     "agent",
	}
	for k, v := range props {
		node.Props[k] = v
	}
	if err := s.graph.UpsertNode(ctx, node); err != nil {
		return uuid.Nil, err
	}

	edge := &domain.Edge{SourceID: node.ID, TargetID: proto.ID, Rel: domain.RelInstanceOf, Confidence: 1}
	if err := s.graph.UpsertEdge(ctx, edge); err != nil {
		return uuid.Nil, err
	}

	if previousVersion != nil {
		link := &domain.Edge{SourceID: *previousVersion, TargetID: node.ID, Rel: domain.RelNextVersion, Confidence: 1}
		if err := s.graph.UpsertEdge(ctx, link); err != nil {
			return uuid.Nil, err
		}
	}

	return node.ID, nil
}

// SearchConcepts runs an embedding search over concepts, optionally
// restricted to a prototype and hydrated with inherited defaults.
func (s *KSGService) SearchConcepts(ctx context.Context, query string, topK int, prototypeFilter string, minSimilarity float32, hydrate bool) ([]domain.NodeWithScore, error) {
	if s.embedder == nil {
		return nil, nil
	}
	queryEmbedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := s.graph.SearchNodes(ctx, domain.SearchFilter{
		Kind:      domain.KindConcept,
		Prototype: prototypeFilter,
	}, queryEmbedding, topK, minSimilarity)
	if err != nil {
		return nil, err
	}

	if hydrate {
		for i := range results {
			hydrated, err := s.Hydrate(ctx, results[i].Node)
			if err != nil {
				s.logger.Debug("hydrate failed", zap.String("id", results[i].Node.ID.String()), zap.Error(err))
				continue
			}
			results[i].Node = hydrated
		}
	}
	return results, nil
}

// Hydrate merges prototype defaults under instance values: the inheritance
// chain is walked root-first so child prototype defaults override parent
// defaults, and the instance's own props win last.
func (s *KSGService) Hydrate(ctx context.Context, concept *domain.Node) (*domain.Node, error) {
	chain, err := s.prototypeChain(ctx, concept.ID)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		for _, def := range decodePropertyDefs(chain[i].Props[propPropertyDefs]) {
			if def.Default != nil {
				merged[def.Name] = def.Default
			}
		}
	}
	for k, v := range concept.Props {
		merged[k] = v
	}

	out := *concept
	out.Props = merged
	return &out, nil
}

// prototypeChain returns the concept's prototype followed by its inherits
// ancestors, nearest first.
func (s *KSGService) prototypeChain(ctx context.Context, conceptID uuid.UUID) ([]*domain.Node, error) {
	edges, err := s.graph.EdgesFrom(ctx, conceptID, domain.RelInstanceOf)
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, nil
	}

	var chain []*domain.Node
	currentID := edges[0].TargetID
	seen := map[uuid.UUID]bool{}
	for currentID != uuid.Nil && !seen[currentID] {
		seen[currentID] = true
		proto, err := s.graph.GetNode(ctx, currentID)
		if err != nil {
			return chain, nil
		}
		chain = append(chain, proto)

		parents, err := s.graph.EdgesFrom(ctx, currentID, domain.RelInherits)
		if err != nil || len(parents) == 0 {
			break
		}
		currentID = parents[0].TargetID
	}
	return chain, nil
}

// UpdateProperties shallow-merges into a concept's props and bumps
// provenance via the store's updated_at.
func (s *KSGService) UpdateProperties(ctx context.Context, id uuid.UUID, props map[string]any) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	node, err := s.graph.GetNode(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("concept %s: %w", id, ErrNotFound)
		}
		return err
	}
	for k, v := range props {
		node.SetProp(k, v)
	}
	return s.graph.UpsertNode(ctx, node)
}

// AddAssociation creates a weighted edge between two concepts. Repeating an
// existing triple reinforces it by bumping recallCount instead of
// duplicating the edge.
func (s *KSGService) AddAssociation(ctx context.Context, fromID, toID uuid.UUID, relation string, strength float32, props map[string]any) error {
	if strength == 0 {
		strength = 1
	}

	existing, err := s.graph.EdgeBetween(ctx, fromID, toID, relation)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil {
		count := 0
		if existing.Props != nil {
			if f, ok := existing.Props[propRecallCount].(float64); ok {
				count = int(f)
			} else if n, ok := existing.Props[propRecallCount].(int); ok {
				count = n
			}
		}
		if existing.Props == nil {
			existing.Props = map[string]any{}
		}
		existing.Props[propRecallCount] = count + 1
		return s.graph.UpsertEdge(ctx, existing)
	}

	edge := &domain.Edge{
		SourceID:   fromID,
		TargetID:   toID,
		Rel:        relation,
		Weight:     strength,
		Confidence: 1,
		Props:      props,
	}
	return s.graph.UpsertEdge(ctx, edge)
}

// AddExemplar folds an exemplar embedding into a concept's centroid using
// the persisted incremental mean: sum += exemplar, count += 1,
// embedding = sum / count. The (sum, count, embedding) triple updates
// atomically under the concept's key lock.
func (s *KSGService) AddExemplar(ctx context.Context, conceptID uuid.UUID, exemplarEmbedding []float32, exemplarID *uuid.UUID) error {
	if len(exemplarEmbedding) == 0 {
		return fmt.Errorf("%w: exemplar embedding is required", ErrSchemaViolation)
	}

	unlock := s.locks.Lock(conceptID)
	defer unlock()

	node, err := s.graph.GetNode(ctx, conceptID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("concept %s: %w", conceptID, ErrNotFound)
		}
		return err
	}

	node.EmbeddingSum = vec.Add(node.EmbeddingSum, exemplarEmbedding)
	node.ExemplarCount++
	node.Embedding = vec.Scale(node.EmbeddingSum, 1/float32(node.ExemplarCount))

	if err := s.graph.UpsertNode(ctx, node); err != nil {
		return err
	}

	if exemplarID != nil {
		edge := &domain.Edge{
			SourceID:   conceptID,
			TargetID:   *exemplarID,
			Rel:        domain.RelHasExemplar,
			Weight:     vec.Cosine(node.Embedding, exemplarEmbedding),
			Confidence: 1,
		}
		if err := s.graph.UpsertEdge(ctx, edge); err != nil {
			return err
		}
	}
	return nil
}

// RecomputeCentroid re-aggregates the centroid from all hasExemplar targets.
// Used after exemplars are edited or removed; the incremental path is
// AddExemplar.
func (s *KSGService) RecomputeCentroid(ctx context.Context, conceptID uuid.UUID) error {
	unlock := s.locks.Lock(conceptID)
	defer unlock()

	node, err := s.graph.GetNode(ctx, conceptID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("concept %s: %w", conceptID, ErrNotFound)
		}
		return err
	}

	edges, err := s.graph.EdgesFrom(ctx, conceptID, domain.RelHasExemplar)
	if err != nil {
		return err
	}

	var sum []float32
	count := 0
	for _, e := range edges {
		exemplar, err := s.graph.GetNode(ctx, e.TargetID)
		if err != nil || len(exemplar.Embedding) == 0 {
			continue
		}
		sum = vec.Add(sum, exemplar.Embedding)
		count++
	}
	if count == 0 {
		return nil
	}

	node.EmbeddingSum = sum
	node.ExemplarCount = count
	node.Embedding = vec.Scale(sum, 1/float32(count))
	return s.graph.UpsertNode(ctx, node)
}

// CreateRelationship materializes a first-class Relationship concept plus
// the two connecting edges, so edges themselves become searchable.
func (s *KSGService) CreateRelationship(ctx context.Context, fromID, toID uuid.UUID, relType string, props map[string]any, embedding []float32) (uuid.UUID, error) {
	from, err := s.graph.GetNode(ctx, fromID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("relationship source: %w", ErrNotFound)
	}
	to, err := s.graph.GetNode(ctx, toID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("relationship target: %w", ErrNotFound)
	}

	canonical := fmt.Sprintf("%s: %s → %s", relType, nodeLabel(from), nodeLabel(to))
	if embedding == nil && s.embedder != nil {
		embedding, err = s.embedder.Embed(ctx, canonical)
		if err != nil {
			s.logger.Debug("failed to embed relationship", zap.Error(err))
		}
	}

	proto, err := s.GetPrototypeByName(ctx, domain.ProtoRelationship)
	if err != nil {
		return uuid.Nil, err
	}

	node := &domain.Node{
		Kind:   domain.KindConcept,
		Labels: []string{domain.ProtoRelationship},
		Props: map[string]any{
			domain.PropPrototype: domain.ProtoRelationship,
			domain.PropName:      canonical,
			propRelType:          relType,
		},
		Embedding:  embedding,
		Confidence: 1,
	}
	for k, v := range props {
		node.Props[k] = v
	}
	if err := s.graph.UpsertNode(ctx, node); err != nil {
		return uuid.Nil, err
	}

	edges := []*domain.Edge{
		{SourceID: node.ID, TargetID: proto.ID, Rel: domain.RelInstanceOf, Confidence: 1},
		{SourceID: fromID, TargetID: node.ID, Rel: domain.RelHasOutgoing, Confidence: 1},
		{SourceID: node.ID, TargetID: toID, Rel: domain.RelPointsTo, Confidence: 1},
	}
	for _, e := range edges {
		if err := s.graph.UpsertEdge(ctx, e); err != nil {
			return uuid.Nil, err
		}
	}
	return node.ID, nil
}

// SearchRelationships searches Relationship concepts, optionally filtered by
// relation type.
func (s *KSGService) SearchRelationships(ctx context.Context, query, relType string, topK int) ([]domain.NodeWithScore, error) {
	if s.embedder == nil {
		return nil, nil
	}
	queryEmbedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	filter := domain.SearchFilter{Kind: domain.KindConcept, Prototype: domain.ProtoRelationship}
	if relType != "" {
		filter.Props = map[string]any{propRelType: relType}
	}
	return s.graph.SearchNodes(ctx, filter, queryEmbedding, topK, 0)
}

// FindSimilarPatterns searches concepts for reusable patterns above the
// similarity floor.
func (s *KSGService) FindSimilarPatterns(ctx context.Context, query string, topK int, minSimilarity float32) ([]domain.NodeWithScore, error) {
	if minSimilarity == 0 {
		minSimilarity = PatternMinSimilarity
	}
	return s.SearchConcepts(ctx, query, topK, "", minSimilarity, false)
}

// transferResult is the LLM's adapted-pattern shape.
type transferResult struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Adaptations []string `json:"adaptations"`
}

// TransferPattern asks the LLM to adapt a stored pattern to a new context
// and persists the adapted concept linked back to its source.
func (s *KSGService) TransferPattern(ctx context.Context, sourceID uuid.UUID, targetContext string) (uuid.UUID, error) {
	if s.llm == nil {
		return uuid.Nil, fmt.Errorf("transfer pattern requires an LLM client")
	}

	source, err := s.graph.GetNode(ctx, sourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("pattern %s: %w", sourceID, ErrNotFound)
		}
		return uuid.Nil, err
	}

	sourceJSON, _ := json.Marshal(source.Props)
	resp, err := s.llm.Chat(ctx, []domain.Message{
		{Role: "system", Content: llm.TransferPatternSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Source pattern:\n%s\n\nTarget context:\n%s", sourceJSON, targetContext)},
	}, domain.ChatOptions{Temperature: 0.2, JSONResponse: true})
	if err != nil {
		return uuid.Nil, fmt.Errorf("transfer chat: %w", err)
	}

	var result transferResult
	if err := json.Unmarshal([]byte(domain.StripCodeFences(resp)), &result); err != nil {
		return uuid.Nil, fmt.Errorf("decode transfer response: %w", err)
	}
	if result.Name == "" {
		result.Name = nodeLabel(source) + " (adapted)"
	}

	protoName := source.PrototypeName()
	if protoName == "" {
		protoName = domain.ProtoKnowledge
	}
	proto, err := s.GetPrototypeByName(ctx, protoName)
	if err != nil {
		return uuid.Nil, err
	}

	adapted, err := s.CreateConcept(ctx, proto.ID, map[string]any{
		domain.PropName: result.Name,
		"description":   result.Description,
		"adaptations":   result.Adaptations,
		"context":       targetContext,
	}, nil, nil)
	if err != nil {
		return uuid.Nil, err
	}

	link := &domain.Edge{SourceID: adapted, TargetID: sourceID, Rel: domain.RelReferences, Confidence: 1}
	if err := s.graph.UpsertEdge(ctx, link); err != nil {
		return uuid.Nil, err
	}
	return adapted, nil
}

// RecordPatternSuccess bumps a concept's success counter, recomputes the
// centroid, and fires auto-generalization once the success threshold is met
// and enough close neighbors exist.
func (s *KSGService) RecordPatternSuccess(ctx context.Context, conceptID uuid.UUID, successContext string) error {
	unlock := s.locks.Lock(conceptID)

	node, err := s.graph.GetNode(ctx, conceptID)
	if err != nil {
		unlock()
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("concept %s: %w", conceptID, ErrNotFound)
		}
		return err
	}

	successes := node.PropInt(propSuccessCount) + 1
	node.SetProp(propSuccessCount, successes)
	if successContext != "" {
		node.SetProp("lastSuccessContext", successContext)
	}
	if err := s.graph.UpsertNode(ctx, node); err != nil {
		unlock()
		return err
	}
	unlock()

	if err := s.RecomputeCentroid(ctx, conceptID); err != nil {
		s.logger.Debug("centroid recompute failed", zap.Error(err))
	}

	if successes >= GeneralizeSuccessThreshold {
		if err := s.autoGeneralize(ctx, node); err != nil {
			s.logger.Debug("auto-generalize skipped", zap.Error(err))
		}
	}
	return nil
}

// autoGeneralize promotes a repeatedly successful concept and its nearest
// neighbors into a generalized concept.
func (s *KSGService) autoGeneralize(ctx context.Context, node *domain.Node) error {
	if len(node.Embedding) == 0 {
		return nil
	}

	neighbors, err := s.graph.SearchNodes(ctx, domain.SearchFilter{
		Kind:      domain.KindConcept,
		Prototype: node.PrototypeName(),
	}, node.Embedding, 10, AutoGeneralizeNeighborSim)
	if err != nil {
		return err
	}

	exemplars := []uuid.UUID{node.ID}
	for _, n := range neighbors {
		if n.Node.ID == node.ID {
			continue
		}
		// Already-generalized concepts don't become exemplars again.
		if n.Node.ExemplarCount > 0 {
			continue
		}
		exemplars = append(exemplars, n.Node.ID)
	}
	if len(exemplars) < 2 {
		return nil
	}

	name := "Generalized: " + nodeLabel(node)
	_, err = s.GeneralizeConcepts(ctx, exemplars, name, "auto-generalized from repeated successes", GeneralizeMinSimilarity)
	return err
}

// GeneralizeConcepts creates a new concept whose embedding is the arithmetic
// mean of its exemplars' embeddings. Exemplars whose similarity to the mean
// falls below minSimilarity are excluded, and the final embedding is the
// mean over the included set. Deterministic in the exemplar set, so calling
// it twice with unchanged exemplars yields a bit-identical embedding.
func (s *KSGService) GeneralizeConcepts(ctx context.Context, exemplarIDs []uuid.UUID, name, description string, minSimilarity float32) (uuid.UUID, error) {
	if minSimilarity == 0 {
		minSimilarity = GeneralizeMinSimilarity
	}
	if len(exemplarIDs) == 0 {
		return uuid.Nil, fmt.Errorf("%w: no exemplars", ErrSchemaViolation)
	}

	sorted := append([]uuid.UUID(nil), exemplarIDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	type exemplar struct {
		node *domain.Node
		sim  float32
	}
	var nodes []*domain.Node
	var embeddings [][]float32
	for _, id := range sorted {
		n, err := s.graph.GetNode(ctx, id)
		if err != nil {
			return uuid.Nil, fmt.Errorf("exemplar %s: %w", id, ErrNotFound)
		}
		if len(n.Embedding) == 0 {
			continue
		}
		nodes = append(nodes, n)
		embeddings = append(embeddings, n.Embedding)
	}
	if len(nodes) == 0 {
		return uuid.Nil, fmt.Errorf("%w: no exemplars with embeddings", ErrSchemaViolation)
	}

	provisional := vec.Mean(embeddings...)

	var included []exemplar
	var includedEmbeddings [][]float32
	for _, n := range nodes {
		sim := vec.Cosine(provisional, n.Embedding)
		if sim < minSimilarity {
			continue
		}
		included = append(included, exemplar{node: n, sim: sim})
		includedEmbeddings = append(includedEmbeddings, n.Embedding)
	}
	if len(included) == 0 {
		return uuid.Nil, fmt.Errorf("%w: all exemplars below similarity %.2f", ErrSchemaViolation, minSimilarity)
	}

	centroid := vec.Mean(includedEmbeddings...)

	// A prior generalization over the same name is updated, keeping the
	// operation idempotent.
	existing, err := s.graph.SearchNodes(ctx, domain.SearchFilter{
		Kind:  domain.KindConcept,
		Props: map[string]any{domain.PropName: name},
	}, nil, 1, 0)
	if err != nil {
		return uuid.Nil, err
	}

	var general *domain.Node
	if len(existing) > 0 {
		general = existing[0].Node
	} else {
		protoName := included[0].node.PrototypeName()
		if protoName == "" {
			protoName = domain.ProtoKnowledge
		}
		proto, err := s.GetPrototypeByName(ctx, protoName)
		if err != nil {
			return uuid.Nil, err
		}
		general = &domain.Node{
			Kind:   domain.KindConcept,
			Labels: []string{protoName},
			Props: map[string]any{
				domain.PropPrototype: protoName,
				domain.PropName:      name,
				"description":        description,
			},
			Confidence: 1,
		}
		if err := s.graph.UpsertNode(ctx, general); err != nil {
			return uuid.Nil, err
		}
		edge := &domain.Edge{SourceID: general.ID, TargetID: proto.ID, Rel: domain.RelInstanceOf, Confidence: 1}
		if err := s.graph.UpsertEdge(ctx, edge); err != nil {
			return uuid.Nil, err
		}
	}

	var sum []float32
	for _, e := range includedEmbeddings {
		sum = vec.Add(sum, e)
	}
	general.Embedding = centroid
	general.EmbeddingSum = sum
	general.ExemplarCount = len(included)
	if err := s.graph.UpsertNode(ctx, general); err != nil {
		return uuid.Nil, err
	}

	for _, ex := range included {
		edge, err := s.graph.EdgeBetween(ctx, general.ID, ex.node.ID, domain.RelHasExemplar)
		if errors.Is(err, store.ErrNotFound) {
			edge = &domain.Edge{SourceID: general.ID, TargetID: ex.node.ID, Rel: domain.RelHasExemplar, Confidence: 1}
		} else if err != nil {
			return uuid.Nil, err
		}
		edge.Weight = ex.sim
		if err := s.graph.UpsertEdge(ctx, edge); err != nil {
			return uuid.Nil, err
		}

		back, err := s.graph.EdgeBetween(ctx, ex.node.ID, general.ID, domain.RelGeneralizedBy)
		if errors.Is(err, store.ErrNotFound) {
			back = &domain.Edge{SourceID: ex.node.ID, TargetID: general.ID, Rel: domain.RelGeneralizedBy, Confidence: 1}
			if err := s.graph.UpsertEdge(ctx, back); err != nil {
				return uuid.Nil, err
			}
		} else if err != nil {
			return uuid.Nil, err
		}
	}

	s.logger.Info("generalized concepts",
		zap.String("name", name),
		zap.Int("exemplars", len(included)),
		zap.String("id", general.ID.String()))
	return general.ID, nil
}

// checkInheritsCycle rejects an inherits edge child->parent that would close
// a cycle.
func (s *KSGService) checkInheritsCycle(ctx context.Context, childID, parentID uuid.UUID) error {
	seen := map[uuid.UUID]bool{}
	currentID := parentID
	for currentID != uuid.Nil && !seen[currentID] {
		if currentID == childID {
			return fmt.Errorf("%w: inherits %s -> %s", ErrCycleDetected, childID, parentID)
		}
		seen[currentID] = true
		parents, err := s.graph.EdgesFrom(ctx, currentID, domain.RelInherits)
		if err != nil || len(parents) == 0 {
			return nil
		}
		currentID = parents[0].TargetID
	}
	return nil
}

// validateAgainstDefs enforces PropertyDef cardinality and value types at
// concept creation.
func (s *KSGService) validateAgainstDefs(ctx context.Context, proto *domain.Node, props map[string]any) error {
	chain := []*domain.Node{proto}
	parents, err := s.graph.EdgesFrom(ctx, proto.ID, domain.RelInherits)
	for err == nil && len(parents) > 0 {
		parent, gerr := s.graph.GetNode(ctx, parents[0].TargetID)
		if gerr != nil {
			break
		}
		chain = append(chain, parent)
		parents, err = s.graph.EdgesFrom(ctx, parent.ID, domain.RelInherits)
	}

	for _, p := range chain {
		for _, def := range decodePropertyDefs(p.Props[propPropertyDefs]) {
			value, present := props[def.Name]
			if !present || value == nil {
				if def.Cardinality.Required() && def.Default == nil {
					return fmt.Errorf("%w: missing required property %q on %s", ErrSchemaViolation, def.Name, p.Name())
				}
				continue
			}
			if !valueTypeOK(def.ValueType, value) {
				return fmt.Errorf("%w: property %q expects %s", ErrSchemaViolation, def.Name, def.ValueType)
			}
		}
	}
	return nil
}

func valueTypeOK(t domain.ValueType, v any) bool {
	switch t {
	case domain.ValueTypeString, domain.ValueTypeDate, domain.ValueTypeURL:
		_, ok := v.(string)
		return ok
	case domain.ValueTypeNumber:
		switch v.(type) {
		case int, int64, float32, float64:
			return true
		}
		return false
	case domain.ValueTypeBoolean:
		_, ok := v.(bool)
		return ok
	case domain.ValueTypeNodeRef:
		switch x := v.(type) {
		case string:
			_, err := uuid.Parse(x)
			return err == nil
		case uuid.UUID:
			return true
		}
		return false
	case domain.ValueTypeJSON:
		return true
	}
	return true
}

// encodePropertyDefs normalizes defs through JSON so both backends store the
// same shape.
func encodePropertyDefs(defs []domain.PropertyDef) []any {
	raw, err := json.Marshal(defs)
	if err != nil {
		return nil
	}
	var out []any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// decodePropertyDefs tolerates both the typed and the JSON-decoded shapes.
func decodePropertyDefs(v any) []domain.PropertyDef {
	if v == nil {
		return nil
	}
	if defs, ok := v.([]domain.PropertyDef); ok {
		return defs
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var defs []domain.PropertyDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil
	}
	return defs
}

func samePropertyDefs(a, b []domain.PropertyDef) bool {
	if len(a) != len(b) {
		return false
	}
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return string(aj) == string(bj)
}

// conceptText builds the text a concept's embedding is generated from.
func conceptText(prototypeName string, props map[string]any) string {
	parts := []string{prototypeName}
	if name, ok := props[domain.PropName].(string); ok {
		parts = append(parts, name)
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == domain.PropName || strings.HasPrefix(k, "_") {
			continue
		}
		if s, ok := props[k].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func nodeLabel(n *domain.Node) string {
	if name := n.Name(); name != "" {
		return name
	}
	if len(n.Labels) > 0 {
		return n.Labels[0]
	}
	return n.ID.String()
}
