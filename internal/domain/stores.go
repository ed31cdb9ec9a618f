package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SearchFilter narrows a node search before vector ranking. Empty fields are
// ignored. Prototype is shorthand for Props[PropPrototype].
type SearchFilter struct {
	Kind      NodeKind
	Label     string
	Prototype string
	Props     map[string]any
	Status    NodeStatus // defaults to active-only when empty
}

// NodeWithScore pairs a node with its cosine similarity to the query.
type NodeWithScore struct {
	Node  *Node
	Score float32
}

// GraphStore is the pluggable node/edge persistence contract. Backends must
// be interchangeable under the shared contract test.
//
// SearchNodes ranks by cosine similarity descending when queryEmbedding is
// non-nil (ties broken by updated_at desc, then id asc), otherwise by
// updated_at desc. Results below minSimilarity are dropped; vectors with an
// undefined norm score 0 against any query.
type GraphStore interface {
	UpsertNode(ctx context.Context, n *Node) error
	UpsertEdge(ctx context.Context, e *Edge) error
	GetNode(ctx context.Context, id uuid.UUID) (*Node, error)
	SearchNodes(ctx context.Context, f SearchFilter, queryEmbedding []float32, topK int, minSimilarity float32) ([]NodeWithScore, error)
	EdgesFrom(ctx context.Context, sourceID uuid.UUID, rel string) ([]Edge, error)
	EdgesTo(ctx context.Context, targetID uuid.UUID, rel string) ([]Edge, error)
	EdgeBetween(ctx context.Context, sourceID, targetID uuid.UUID, rel string) (*Edge, error)
}

// Message is one chat turn sent to the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions tunes a single LLM call.
type ChatOptions struct {
	Model        string
	Temperature  float32
	JSONResponse bool
}

// LLMClient is the external chat collaborator. Providers only implement Chat;
// prompt construction and response parsing live in the service layer.
type LLMClient interface {
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error)
}

// EmbeddingClient is the external embedding collaborator.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DOMResult is what the web tool returns for a page fetch.
type DOMResult struct {
	HTML           string `json:"html"`
	ScreenshotPath string `json:"screenshot_path,omitempty"`
}

// WebClient is the browser tool adapter contract.
type WebClient interface {
	GetDOM(ctx context.Context, url string) (*DOMResult, error)
	Screenshot(ctx context.Context, url string) (string, error)
	Fill(ctx context.Context, url, selector, text string) error
	Click(ctx context.Context, url, selector string) error
	WaitFor(ctx context.Context, url, selector string, timeout time.Duration) error
}
