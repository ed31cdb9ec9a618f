package domain

import (
	"time"

	"github.com/google/uuid"
)

// StepStatus is the per-step execution state machine state.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepSuccess   StepStatus = "SUCCESS"
	StepToolError StepStatus = "TOOL_ERROR"
	StepTimeout   StepStatus = "TIMEOUT"
	StepFailure   StepStatus = "FAILURE"
	StepSkipped   StepStatus = "SKIPPED"
)

// Terminal reports whether the status ends the step.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSuccess, StepTimeout, StepFailure, StepSkipped:
		return true
	}
	return false
}

// StepResult records one step's execution, including adaptation attempts.
type StepResult struct {
	StepID        string         `json:"step_id"`
	Tool          string         `json:"tool"`
	Status        StepStatus     `json:"status"`
	Output        map[string]any `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	Attempts      int            `json:"attempts"`
	AdaptAttempts int            `json:"adapt_attempts"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
}

// RunOutcome is the aggregate verdict of a procedure run.
type RunOutcome string

const (
	RunSuccess RunOutcome = "success"
	RunFailure RunOutcome = "failure"
	RunPartial RunOutcome = "partial"
)

// RunRecord summarizes a finalized procedure execution.
type RunRecord struct {
	ID           uuid.UUID    `json:"id"`
	ProcedureID  uuid.UUID    `json:"procedure_id"`
	Outcome      RunOutcome   `json:"outcome"`
	SuccessCount int          `json:"success_count"`
	FailureCount int          `json:"failure_count"`
	StepResults  []StepResult `json:"step_results"`
	TraceID      string       `json:"trace_id"`
	CreatedAt    time.Time    `json:"created_at"`
}

// AgentAction tells the caller what the agent loop did or needs.
type AgentAction string

const (
	ActionExecuted AgentAction = "executed"
	ActionAskUser  AgentAction = "ask_user"
	ActionAnswered AgentAction = "answered"
	ActionHint     AgentAction = "hint"
)

// AgentResult is the outcome of one chat request through the agent loop.
type AgentResult struct {
	Action       AgentAction  `json:"action"`
	Message      string       `json:"message,omitempty"`
	Plan         *Plan        `json:"plan,omitempty"`
	ReusedID     *uuid.UUID   `json:"reused_procedure_id,omitempty"`
	ProcedureID  *uuid.UUID   `json:"procedure_id,omitempty"`
	RunID        *uuid.UUID   `json:"run_id,omitempty"`
	StepResults  []StepResult `json:"step_results,omitempty"`
	Outcome      RunOutcome   `json:"outcome,omitempty"`
	TraceID      string       `json:"trace_id"`
	ErrorContext string       `json:"error_context,omitempty"`
}
