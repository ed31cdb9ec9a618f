package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
	"github.com/knack-ai/knack/internal/store"
	"go.uber.org/zap"
)

var ErrInvalidTransition = errors.New("invalid queue state transition")

// QueueItem concept prop keys.
const (
	propQueueState = "state"
	propPriority   = "priority"
	propNotBefore  = "notBefore"
	propEnqueuedAt = "enqueuedAt"
	propPayload    = "payload"
	propTraceID    = "trace_id"
)

// QueueService is the durable task queue over the graph: a singleton Queue
// concept containing QueueItem concepts. Dequeue and state transitions are
// serialized, so two workers never claim the same item.
type QueueService struct {
	ksg    *KSGService
	graph  domain.GraphStore
	logger *zap.Logger

	mu      sync.Mutex
	queueID uuid.UUID
	clock   func() time.Time
}

// NewQueueService creates a queue service.
func NewQueueService(ksg *KSGService, logger *zap.Logger) *QueueService {
	return &QueueService{
		ksg:    ksg,
		graph:  ksg.Graph(),
		logger: logger,
		clock:  time.Now,
	}
}

// SetClock overrides wall clock in tests.
func (s *QueueService) SetClock(clock func() time.Time) {
	s.clock = clock
}

// queue returns the singleton Queue concept, creating it on first use.
func (s *QueueService) queue(ctx context.Context) (uuid.UUID, error) {
	if s.queueID != uuid.Nil {
		return s.queueID, nil
	}

	results, err := s.graph.SearchNodes(ctx, domain.SearchFilter{
		Kind:      domain.KindConcept,
		Prototype: domain.ProtoQueue,
	}, nil, 1, 0)
	if err != nil {
		return uuid.Nil, err
	}
	if len(results) > 0 {
		s.queueID = results[0].Node.ID
		return s.queueID, nil
	}

	proto, err := s.ksg.GetPrototypeByName(ctx, domain.ProtoQueue)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := s.ksg.CreateConcept(ctx, proto.ID, map[string]any{domain.PropName: "task queue"}, []float32{}, nil)
	if err != nil {
		return uuid.Nil, err
	}
	s.queueID = id
	return id, nil
}

// EnqueueRequest describes a task to queue.
type EnqueueRequest struct {
	Priority      int            `json:"priority"`
	NotBefore     time.Time      `json:"not_before,omitempty"`
	RunsProcedure *uuid.UUID     `json:"runs_procedure,omitempty"`
	References    *uuid.UUID     `json:"references,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
}

// Enqueue adds a task in state queued.
func (s *QueueService) Enqueue(ctx context.Context, req EnqueueRequest) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queueID, err := s.queue(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	now := s.clock().UTC()
	notBefore := req.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}

	proto, err := s.ksg.GetPrototypeByName(ctx, domain.ProtoQueueItem)
	if err != nil {
		return uuid.Nil, err
	}
	props := map[string]any{
		domain.PropName: "queued task",
		propQueueState:  string(domain.QueueStateQueued),
		propPriority:    req.Priority,
		propNotBefore:   notBefore.Format(time.RFC3339Nano),
		propEnqueuedAt:  now.Format(time.RFC3339Nano),
	}
	if req.Payload != nil {
		props[propPayload] = req.Payload
	}
	if req.TraceID != "" {
		props[propTraceID] = req.TraceID
	}

	id, err := s.ksg.CreateConcept(ctx, proto.ID, props, []float32{}, nil)
	if err != nil {
		return uuid.Nil, err
	}

	edges := []*domain.Edge{
		{SourceID: queueID, TargetID: id, Rel: domain.RelContains, Confidence: 1},
	}
	if req.RunsProcedure != nil {
		edges = append(edges, &domain.Edge{SourceID: id, TargetID: *req.RunsProcedure, Rel: domain.RelCallsProcedure, Confidence: 1})
	}
	if req.References != nil {
		edges = append(edges, &domain.Edge{SourceID: id, TargetID: *req.References, Rel: domain.RelReferences, Confidence: 1})
	}
	for _, e := range edges {
		if err := s.graph.UpsertEdge(ctx, e); err != nil {
			return uuid.Nil, err
		}
	}

	s.logger.Debug("enqueued task",
		zap.String("id", id.String()),
		zap.Int("priority", req.Priority),
		zap.Time("not_before", notBefore))
	return id, nil
}

// ListReady returns the queued items whose notBefore has passed, in dispatch
// order: priority descending, then notBefore, then enqueue time, then id.
func (s *QueueService) ListReady(ctx context.Context) ([]domain.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listReadyLocked(ctx)
}

func (s *QueueService) listReadyLocked(ctx context.Context) ([]domain.QueueItem, error) {
	queueID, err := s.queue(ctx)
	if err != nil {
		return nil, err
	}

	edges, err := s.graph.EdgesFrom(ctx, queueID, domain.RelContains)
	if err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	var items []domain.QueueItem
	for _, e := range edges {
		node, err := s.graph.GetNode(ctx, e.TargetID)
		if err != nil {
			continue
		}
		item := decodeQueueItem(node)
		if item.State != domain.QueueStateQueued {
			continue
		}
		if item.NotBefore.After(now) {
			continue
		}
		s.attachRefs(ctx, &item)
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.NotBefore.Equal(b.NotBefore) {
			return a.NotBefore.Before(b.NotBefore)
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return items, nil
}

// Dequeue claims the head of the queue, moving it to running. An empty or
// not-yet-due queue returns (nil, nil).
func (s *QueueService) Dequeue(ctx context.Context) (*domain.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.listReadyLocked(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	head := items[0]
	if err := s.transitionLocked(ctx, head.ID, domain.QueueStateRunning); err != nil {
		return nil, err
	}
	head.State = domain.QueueStateRunning
	return &head, nil
}

// UpdateStatus moves an item forward through its lifecycle. Backward or
// sideways moves fail with ErrInvalidTransition.
func (s *QueueService) UpdateStatus(ctx context.Context, id uuid.UUID, next domain.QueueItemState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(ctx, id, next)
}

func (s *QueueService) transitionLocked(ctx context.Context, id uuid.UUID, next domain.QueueItemState) error {
	node, err := s.graph.GetNode(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("queue item %s: %w", id, ErrNotFound)
		}
		return err
	}

	current := domain.QueueItemState(node.PropString(propQueueState))
	if !current.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}

	node.SetProp(propQueueState, string(next))
	if err := s.graph.UpsertNode(ctx, node); err != nil {
		return err
	}
	s.logger.Debug("queue item transition",
		zap.String("id", id.String()),
		zap.String("from", string(current)),
		zap.String("to", string(next)))
	return nil
}

// Item fetches one queue item by id.
func (s *QueueService) Item(ctx context.Context, id uuid.UUID) (*domain.QueueItem, error) {
	node, err := s.graph.GetNode(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("queue item %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	item := decodeQueueItem(node)
	s.attachRefs(ctx, &item)
	return &item, nil
}

func (s *QueueService) attachRefs(ctx context.Context, item *domain.QueueItem) {
	if edges, err := s.graph.EdgesFrom(ctx, item.ID, domain.RelCallsProcedure); err == nil && len(edges) > 0 {
		id := edges[0].TargetID
		item.RunsProcedure = &id
	}
	if edges, err := s.graph.EdgesFrom(ctx, item.ID, domain.RelReferences); err == nil && len(edges) > 0 {
		id := edges[0].TargetID
		item.References = &id
	}
}

func decodeQueueItem(node *domain.Node) domain.QueueItem {
	item := domain.QueueItem{
		ID:       node.ID,
		Priority: node.PropInt(propPriority),
		State:    domain.QueueItemState(node.PropString(propQueueState)),
		TraceID:  node.PropString(propTraceID),
	}
	if t, err := time.Parse(time.RFC3339Nano, node.PropString(propNotBefore)); err == nil {
		item.NotBefore = t
	}
	if t, err := time.Parse(time.RFC3339Nano, node.PropString(propEnqueuedAt)); err == nil {
		item.EnqueuedAt = t
	}
	if payload, ok := node.Props[propPayload].(map[string]any); ok {
		item.Payload = payload
	}
	return item
}
