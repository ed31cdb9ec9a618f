package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/knack-ai/knack/internal/domain"
	pgvector "github.com/pgvector/pgvector-go"
)

// PGGraphStore is the persistent graph backend on Postgres + pgvector.
type PGGraphStore struct {
	db *pgxpool.Pool
}

// NewPGGraphStore wraps a pgx pool.
func NewPGGraphStore(db *pgxpool.Pool) *PGGraphStore {
	return &PGGraphStore{db: db}
}

// EnsureSchema creates the nodes/edges tables and indexes if missing. The
// embedding dimension is fixed per deployment.
func (s *PGGraphStore) EnsureSchema(ctx context.Context, embeddingDim int) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS nodes (
			id UUID PRIMARY KEY,
			kind TEXT NOT NULL,
			labels TEXT[] NOT NULL DEFAULT '{}',
			props JSONB NOT NULL DEFAULT '{}',
			embedding vector(%d),
			embedding_sum vector(%d),
			exemplar_count INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			source TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 1,
			trace_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS nodes_kind_idx ON nodes (kind);
		CREATE INDEX IF NOT EXISTS nodes_labels_idx ON nodes USING GIN (labels);
		CREATE INDEX IF NOT EXISTS nodes_props_idx ON nodes USING GIN (props);
		CREATE INDEX IF NOT EXISTS nodes_embedding_idx ON nodes USING hnsw (embedding vector_cosine_ops);

		CREATE TABLE IF NOT EXISTS edges (
			id UUID PRIMARY KEY,
			source_id UUID NOT NULL,
			target_id UUID NOT NULL,
			rel TEXT NOT NULL,
			prop_def_id UUID,
			weight REAL NOT NULL DEFAULT 1,
			confidence REAL NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'active',
			votes_up INT NOT NULL DEFAULT 0,
			votes_down INT NOT NULL DEFAULT 0,
			props JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS edges_source_idx ON edges (source_id, rel);
		CREATE INDEX IF NOT EXISTS edges_target_idx ON edges (target_id, rel);
	`, embeddingDim, embeddingDim)

	_, err := s.db.Exec(ctx, ddl)
	return err
}

func (s *PGGraphStore) UpsertNode(ctx context.Context, n *domain.Node) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Status == "" {
		n.Status = domain.StatusActive
	}
	if n.Labels == nil {
		n.Labels = []string{}
	}
	if n.Props == nil {
		n.Props = map[string]any{}
	}

	var embedding, embeddingSum *pgvector.Vector
	if len(n.Embedding) > 0 {
		v := pgvector.NewVector(n.Embedding)
		embedding = &v
	}
	if len(n.EmbeddingSum) > 0 {
		v := pgvector.NewVector(n.EmbeddingSum)
		embeddingSum = &v
	}

	return s.db.QueryRow(ctx,
		`INSERT INTO nodes (id, kind, labels, props, embedding, embedding_sum, exemplar_count, status, source, confidence, trace_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE
		 SET kind = EXCLUDED.kind, labels = EXCLUDED.labels, props = EXCLUDED.props,
		     embedding = EXCLUDED.embedding, embedding_sum = EXCLUDED.embedding_sum,
		     exemplar_count = EXCLUDED.exemplar_count, status = EXCLUDED.status,
		     source = EXCLUDED.source, confidence = EXCLUDED.confidence,
		     trace_id = EXCLUDED.trace_id, updated_at = NOW()
		 RETURNING created_at, updated_at`,
		n.ID, n.Kind, n.Labels, n.Props, embedding, embeddingSum, n.ExemplarCount,
		n.Status, n.Source, n.Confidence, n.TraceID,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
}

func (s *PGGraphStore) UpsertEdge(ctx context.Context, e *domain.Edge) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = domain.StatusActive
	}
	if e.Weight == 0 {
		e.Weight = 1
	}
	if e.Props == nil {
		e.Props = map[string]any{}
	}

	return s.db.QueryRow(ctx,
		`INSERT INTO edges (id, source_id, target_id, rel, prop_def_id, weight, confidence, status, votes_up, votes_down, props)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE
		 SET rel = EXCLUDED.rel, prop_def_id = EXCLUDED.prop_def_id, weight = EXCLUDED.weight,
		     confidence = EXCLUDED.confidence, status = EXCLUDED.status,
		     votes_up = EXCLUDED.votes_up, votes_down = EXCLUDED.votes_down,
		     props = EXCLUDED.props, updated_at = NOW()
		 RETURNING created_at, updated_at`,
		e.ID, e.SourceID, e.TargetID, e.Rel, e.PropDefID, e.Weight, e.Confidence,
		e.Status, e.VotesUp, e.VotesDown, e.Props,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
}

const nodeColumns = `id, kind, labels, props, exemplar_count, status, source, confidence, trace_id, created_at, updated_at`

func (s *PGGraphStore) GetNode(ctx context.Context, id uuid.UUID) (*domain.Node, error) {
	n := &domain.Node{}
	var embedding, embeddingSum *pgvector.Vector
	err := s.db.QueryRow(ctx,
		`SELECT `+nodeColumns+`, embedding, embedding_sum FROM nodes WHERE id = $1`,
		id,
	).Scan(&n.ID, &n.Kind, &n.Labels, &n.Props, &n.ExemplarCount, &n.Status, &n.Source,
		&n.Confidence, &n.TraceID, &n.CreatedAt, &n.UpdatedAt, &embedding, &embeddingSum)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if embedding != nil {
		n.Embedding = embedding.Slice()
	}
	if embeddingSum != nil {
		n.EmbeddingSum = embeddingSum.Slice()
	}
	return n, nil
}

func (s *PGGraphStore) SearchNodes(ctx context.Context, f domain.SearchFilter, queryEmbedding []float32, topK int, minSimilarity float32) ([]domain.NodeWithScore, error) {
	if topK <= 0 {
		topK = 10
	}

	status := f.Status
	if status == "" {
		status = domain.StatusActive
	}

	var conditions []string
	var args []any

	conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
	args = append(args, string(status))

	if f.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", len(args)+1))
		args = append(args, string(f.Kind))
	}
	if f.Label != "" {
		conditions = append(conditions, fmt.Sprintf("labels @> ARRAY[$%d]::text[]", len(args)+1))
		args = append(args, f.Label)
	}
	if f.Prototype != "" {
		conditions = append(conditions, fmt.Sprintf("props->>'%s' = $%d", domain.PropPrototype, len(args)+1))
		args = append(args, f.Prototype)
	}
	for k, v := range f.Props {
		conditions = append(conditions, fmt.Sprintf("props @> jsonb_build_object($%d::text, $%d::jsonb)", len(args)+1, len(args)+2))
		args = append(args, k, jsonLiteral(v))
	}

	var query string
	if queryEmbedding != nil {
		conditions = append(conditions, "embedding IS NOT NULL")

		vecParam := len(args) + 1
		args = append(args, pgvector.NewVector(queryEmbedding))

		minParam := len(args) + 1
		args = append(args, minSimilarity)

		limitParam := len(args) + 1
		args = append(args, topK)

		query = fmt.Sprintf(
			`SELECT `+nodeColumns+`, embedding, embedding_sum, 1 - (embedding <=> $%d) AS score
			 FROM nodes
			 WHERE %s AND 1 - (embedding <=> $%d) >= $%d
			 ORDER BY score DESC, updated_at DESC, id ASC
			 LIMIT $%d`,
			vecParam, strings.Join(conditions, " AND "), vecParam, minParam, limitParam,
		)
	} else {
		limitParam := len(args) + 1
		args = append(args, topK)

		query = fmt.Sprintf(
			`SELECT `+nodeColumns+`, embedding, embedding_sum, 0::real AS score
			 FROM nodes
			 WHERE %s
			 ORDER BY updated_at DESC, id ASC
			 LIMIT $%d`,
			strings.Join(conditions, " AND "), limitParam,
		)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search nodes query: %w", err)
	}
	defer rows.Close()

	var results []domain.NodeWithScore
	for rows.Next() {
		n := &domain.Node{}
		var embedding, embeddingSum *pgvector.Vector
		var score float32
		err := rows.Scan(&n.ID, &n.Kind, &n.Labels, &n.Props, &n.ExemplarCount, &n.Status,
			&n.Source, &n.Confidence, &n.TraceID, &n.CreatedAt, &n.UpdatedAt,
			&embedding, &embeddingSum, &score)
		if err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		if embedding != nil {
			n.Embedding = embedding.Slice()
		}
		if embeddingSum != nil {
			n.EmbeddingSum = embeddingSum.Slice()
		}
		results = append(results, domain.NodeWithScore{Node: n, Score: score})
	}
	return results, rows.Err()
}

const edgeColumns = `id, source_id, target_id, rel, prop_def_id, weight, confidence, status, votes_up, votes_down, props, created_at, updated_at`

func (s *PGGraphStore) EdgesFrom(ctx context.Context, sourceID uuid.UUID, rel string) ([]domain.Edge, error) {
	return s.queryEdges(ctx, "source_id", sourceID, rel)
}

func (s *PGGraphStore) EdgesTo(ctx context.Context, targetID uuid.UUID, rel string) ([]domain.Edge, error) {
	return s.queryEdges(ctx, "target_id", targetID, rel)
}

func (s *PGGraphStore) queryEdges(ctx context.Context, column string, id uuid.UUID, rel string) ([]domain.Edge, error) {
	query := `SELECT ` + edgeColumns + ` FROM edges WHERE ` + column + ` = $1 AND status = 'active'`
	args := []any{id}
	if rel != "" {
		query += ` AND rel = $2`
		args = append(args, rel)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("edges query: %w", err)
	}
	defer rows.Close()

	var edges []domain.Edge
	for rows.Next() {
		var e domain.Edge
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Rel, &e.PropDefID, &e.Weight,
			&e.Confidence, &e.Status, &e.VotesUp, &e.VotesDown, &e.Props, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan edge row: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *PGGraphStore) EdgeBetween(ctx context.Context, sourceID, targetID uuid.UUID, rel string) (*domain.Edge, error) {
	query := `SELECT ` + edgeColumns + ` FROM edges WHERE source_id = $1 AND target_id = $2 AND status = 'active'`
	args := []any{sourceID, targetID}
	if rel != "" {
		query += ` AND rel = $3`
		args = append(args, rel)
	}
	query += ` LIMIT 1`

	var e domain.Edge
	err := s.db.QueryRow(ctx, query, args...).Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Rel,
		&e.PropDefID, &e.Weight, &e.Confidence, &e.Status, &e.VotesUp, &e.VotesDown,
		&e.Props, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// jsonLiteral renders an exact-filter value as a JSON literal for @> matching.
func jsonLiteral(v any) string {
	switch x := v.(type) {
	case string:
		return fmt.Sprintf("%q", x)
	case bool:
		return fmt.Sprintf("%t", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
