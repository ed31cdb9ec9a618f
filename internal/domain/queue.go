package domain

import (
	"time"

	"github.com/google/uuid"
)

// QueueItemState is the lifecycle state of a queued task. Transitions are
// monotonic: queued -> running -> {done|failed}.
type QueueItemState string

const (
	QueueStateQueued  QueueItemState = "queued"
	QueueStateRunning QueueItemState = "running"
	QueueStateDone    QueueItemState = "done"
	QueueStateFailed  QueueItemState = "failed"
)

func ValidQueueItemState(s string) bool {
	switch QueueItemState(s) {
	case QueueStateQueued, QueueStateRunning, QueueStateDone, QueueStateFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving to next is a legal forward step.
func (s QueueItemState) CanTransition(next QueueItemState) bool {
	switch s {
	case QueueStateQueued:
		return next == QueueStateRunning
	case QueueStateRunning:
		return next == QueueStateDone || next == QueueStateFailed
	}
	return false
}

// QueueItem is the typed view of a QueueItem concept.
type QueueItem struct {
	ID            uuid.UUID      `json:"id"`
	Priority      int            `json:"priority"`
	State         QueueItemState `json:"state"`
	NotBefore     time.Time      `json:"not_before"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
	RunsProcedure *uuid.UUID     `json:"runs_procedure,omitempty"`
	References    *uuid.UUID     `json:"references,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
}

// TimeRuleKind classifies scheduler rules.
type TimeRuleKind string

const (
	TimeRuleCron      TimeRuleKind = "cron"
	TimeRuleInterval  TimeRuleKind = "interval"
	TimeRuleAt        TimeRuleKind = "at"
	TimeRuleCondition TimeRuleKind = "condition"
)

func ValidTimeRuleKind(k string) bool {
	switch TimeRuleKind(k) {
	case TimeRuleCron, TimeRuleInterval, TimeRuleAt, TimeRuleCondition:
		return true
	}
	return false
}

// TimeRule produces enqueue commands when its expression matches wall clock.
type TimeRule struct {
	ID         uuid.UUID      `json:"id"`
	Kind       TimeRuleKind   `json:"kind"`
	Expression string         `json:"expression"`
	Payload    map[string]any `json:"payload,omitempty"`
	Priority   int            `json:"priority,omitempty"`
	LastFired  *time.Time     `json:"last_fired,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
