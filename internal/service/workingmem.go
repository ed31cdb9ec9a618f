package service

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/knack-ai/knack/internal/domain"
	"go.uber.org/zap"
)

// Working memory constants
const (
	WMReinforceDelta = 1.0   // weight added on access
	WMMaxWeight      = 100.0 // activation ceiling
	WMDecayGamma     = 0.001 // multiplicative decay applied to the others
	WMBoostAlpha     = 0.1   // retrieval boost scale
)

// wmEntry is one activated node in a session.
type wmEntry struct {
	weight float64
}

// wmSession is the activation state of one conversation.
type wmSession struct {
	entries map[uuid.UUID]*wmEntry
	links   map[[2]uuid.UUID]float64
}

// WorkingMemoryService keeps a per-session activation graph in memory.
// Accessing a node reinforces it toward the ceiling while everything else
// decays, so recently touched concepts float to the top of retrieval.
// Session state is authoritative in memory; a replicator mirrors snapshots
// into the graph without blocking the request path.
type WorkingMemoryService struct {
	mu       sync.Mutex
	sessions map[string]*wmSession

	delta float64
	max   float64
	gamma float64
	alpha float64

	replicator *WMReplicator
	logger     *zap.Logger
}

// NewWorkingMemoryService creates a working memory service. delta and max
// override the defaults when positive; replicator may be nil.
func NewWorkingMemoryService(delta, max float64, replicator *WMReplicator, logger *zap.Logger) *WorkingMemoryService {
	if delta <= 0 {
		delta = WMReinforceDelta
	}
	if max <= 0 {
		max = WMMaxWeight
	}
	return &WorkingMemoryService{
		sessions:   make(map[string]*wmSession),
		delta:      delta,
		max:        max,
		gamma:      WMDecayGamma,
		alpha:      WMBoostAlpha,
		replicator: replicator,
		logger:     logger,
	}
}

func (s *WorkingMemoryService) session(id string) *wmSession {
	sess, ok := s.sessions[id]
	if !ok {
		sess = &wmSession{
			entries: make(map[uuid.UUID]*wmEntry),
			links:   make(map[[2]uuid.UUID]float64),
		}
		s.sessions[id] = sess
	}
	return sess
}

// Access reinforces one node and decays the rest of the session.
func (s *WorkingMemoryService) Access(sessionID string, nodeID uuid.UUID) {
	s.mu.Lock()
	sess := s.session(sessionID)

	for id, e := range sess.entries {
		if id != nodeID {
			e.weight *= 1 - s.gamma
		}
	}

	e, ok := sess.entries[nodeID]
	if !ok {
		e = &wmEntry{}
		sess.entries[nodeID] = e
	}
	e.weight += s.delta
	if e.weight > s.max {
		e.weight = s.max
	}

	snapshot := s.snapshotLocked(sessionID, sess)
	s.mu.Unlock()

	if s.replicator != nil {
		s.replicator.Offer(snapshot)
	}
}

// Link records a co-activation between two nodes in a session. Repeated
// links accumulate.
func (s *WorkingMemoryService) Link(sessionID string, a, b uuid.UUID) {
	if a == b {
		return
	}
	// Canonical order so (a,b) and (b,a) share an entry.
	if b.String() < a.String() {
		a, b = b, a
	}
	s.mu.Lock()
	sess := s.session(sessionID)
	sess.links[[2]uuid.UUID{a, b}] += s.delta
	s.mu.Unlock()
}

// Weight returns a node's current activation in a session.
func (s *WorkingMemoryService) Weight(sessionID string, nodeID uuid.UUID) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	if e, ok := sess.entries[nodeID]; ok {
		return e.weight
	}
	return 0
}

// Boost re-ranks retrieval results by activation: score + alpha * (w / max).
// Nodes outside working memory keep their raw score. The slice is re-sorted
// descending and returned.
func (s *WorkingMemoryService) Boost(sessionID string, results []domain.NodeWithScore) []domain.NodeWithScore {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		for i := range results {
			if e, found := sess.entries[results[i].Node.ID]; found {
				results[i].Score += float32(s.alpha * (e.weight / s.max))
			}
		}
	}
	s.mu.Unlock()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}

// EndSession drops a session's activation state and flushes a final
// snapshot.
func (s *WorkingMemoryService) EndSession(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	var snapshot *WMSnapshot
	if ok {
		snapshot = s.snapshotLocked(sessionID, sess)
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()

	if snapshot != nil && s.replicator != nil {
		s.replicator.Offer(snapshot)
	}
}

func (s *WorkingMemoryService) snapshotLocked(sessionID string, sess *wmSession) *WMSnapshot {
	snap := &WMSnapshot{
		SessionID: sessionID,
		Weights:   make(map[uuid.UUID]float64, len(sess.entries)),
	}
	for id, e := range sess.entries {
		snap.Weights[id] = e.weight
	}
	for pair, w := range sess.links {
		snap.Links = append(snap.Links, WMLink{A: pair[0], B: pair[1], Weight: w})
	}
	return snap
}

// WMLink is one co-activation edge in a snapshot.
type WMLink struct {
	A, B   uuid.UUID
	Weight float64
}

// WMSnapshot is the replication unit: the full activation state of one
// session at one instant. Later snapshots supersede earlier ones, so
// dropping an intermediate snapshot under load loses nothing durable.
type WMSnapshot struct {
	SessionID string
	Weights   map[uuid.UUID]float64
	Links     []WMLink
}

// WMReplicator mirrors working-memory snapshots into the graph store on a
// background goroutine. The inbox is bounded; when it is full, Offer drops
// the snapshot instead of blocking the hot path.
type WMReplicator struct {
	graph  domain.GraphStore
	logger *zap.Logger

	inbox   chan *WMSnapshot
	stopCh  chan struct{}
	done    chan struct{}
	dropped int64
	mu      sync.Mutex
}

// NewWMReplicator creates a replicator with the given inbox capacity.
func NewWMReplicator(graph domain.GraphStore, capacity int, logger *zap.Logger) *WMReplicator {
	if capacity <= 0 {
		capacity = 256
	}
	return &WMReplicator{
		graph:  graph,
		logger: logger,
		inbox:  make(chan *WMSnapshot, capacity),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Offer submits a snapshot without blocking. Full inbox drops it.
func (r *WMReplicator) Offer(snap *WMSnapshot) {
	select {
	case r.inbox <- snap:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
	}
}

// Dropped reports how many snapshots were discarded under load.
func (r *WMReplicator) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Start launches the replication loop.
func (r *WMReplicator) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		for {
			select {
			case <-ctx.Done():
				r.drain(context.Background())
				return
			case <-r.stopCh:
				r.drain(ctx)
				return
			case snap := <-r.inbox:
				r.apply(ctx, snap)
			}
		}
	}()
}

// Stop flushes the remaining inbox and waits for the loop to exit.
func (r *WMReplicator) Stop() {
	close(r.stopCh)
	<-r.done
	if n := r.Dropped(); n > 0 {
		r.logger.Warn("working memory snapshots dropped under load", zap.Int64("count", n))
	}
}

func (r *WMReplicator) drain(ctx context.Context) {
	for {
		select {
		case snap := <-r.inbox:
			r.apply(ctx, snap)
		default:
			return
		}
	}
}

// apply persists one snapshot: per-node activation props plus association
// edges for the session's co-activations.
func (r *WMReplicator) apply(ctx context.Context, snap *WMSnapshot) {
	for id, weight := range snap.Weights {
		node, err := r.graph.GetNode(ctx, id)
		if err != nil {
			continue
		}
		node.SetProp("wm_weight", weight)
		node.SetProp("wm_session", snap.SessionID)
		if err := r.graph.UpsertNode(ctx, node); err != nil {
			r.logger.Debug("failed to replicate activation", zap.Error(err))
		}
	}
	for _, link := range snap.Links {
		edge, err := r.graph.EdgeBetween(ctx, link.A, link.B, domain.RelAssociatedWith)
		if err != nil || edge == nil {
			edge = &domain.Edge{
				SourceID:   link.A,
				TargetID:   link.B,
				Rel:        domain.RelAssociatedWith,
				Confidence: 1,
			}
		}
		edge.Weight = float32(link.Weight)
		if err := r.graph.UpsertEdge(ctx, edge); err != nil {
			r.logger.Debug("failed to replicate association", zap.Error(err))
		}
	}
}
