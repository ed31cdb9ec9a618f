package domain

import (
	"time"

	"github.com/google/uuid"
)

// KnowledgeKind classifies extracted lessons.
type KnowledgeKind string

const (
	KnowledgeFailure  KnowledgeKind = "failure"
	KnowledgeSuccess  KnowledgeKind = "success"
	KnowledgeTransfer KnowledgeKind = "transfer"
	KnowledgeFeedback KnowledgeKind = "feedback"
)

// Knowledge is the typed view of a Knowledge concept: a lesson extracted from
// a failure, a success, a cross-run pattern, or user feedback.
type Knowledge struct {
	ID           uuid.UUID     `json:"id"`
	Kind         KnowledgeKind `json:"kind"`
	Lesson       string        `json:"lesson"`
	RootCause    string        `json:"root_cause,omitempty"`
	SuggestedFix string        `json:"suggested_fix,omitempty"`
	Context      string        `json:"context,omitempty"`
	TraceID      string        `json:"trace_id,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// KnowledgeWithScore pairs a lesson with its retrieval similarity.
type KnowledgeWithScore struct {
	Knowledge
	Score float32 `json:"score"`
}
