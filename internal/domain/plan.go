package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StepType is the control-flow role of a plan node.
type StepType string

const (
	StepTypeOperation     StepType = "operation"
	StepTypeProcedureCall StepType = "procedure_call"
	StepTypeConditional   StepType = "conditional"
	StepTypeLoop          StepType = "loop"
	StepTypeReturn        StepType = "return"
	StepTypeNoop          StepType = "noop"
)

func ValidStepType(t string) bool {
	switch StepType(t) {
	case StepTypeOperation, StepTypeProcedureCall, StepTypeConditional, StepTypeLoop, StepTypeReturn, StepTypeNoop:
		return true
	}
	return false
}

// OnFailPolicy controls step failure handling.
type OnFailPolicy string

const (
	OnFailStop     OnFailPolicy = "stop"
	OnFailContinue OnFailPolicy = "continue"
	OnFailRetry    OnFailPolicy = "retry"
)

func ValidOnFailPolicy(p string) bool {
	switch OnFailPolicy(p) {
	case OnFailStop, OnFailContinue, OnFailRetry:
		return true
	}
	return false
}

// PlanStep is one node of a procedure DAG.
type PlanStep struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Type      StepType       `json:"type,omitempty"`
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Guard     string         `json:"guard,omitempty"`
	OnFail    OnFailPolicy   `json:"on_fail,omitempty"`
}

// PlanEdge is an explicit control-flow edge in the extended plan schema.
type PlanEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Rel  string `json:"rel"` // depends_on, branch_true, branch_false, loop_back
}

// Plan is the executable shape the LLM emits and procedures hydrate back into.
type Plan struct {
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Confidence    float32    `json:"confidence,omitempty"`
	Steps         []PlanStep `json:"steps"`
	Subprocedures []Plan     `json:"subprocedures,omitempty"`
	Edges         []PlanEdge `json:"edges,omitempty"`
}

// legacyPlan is the older {intent, steps} wire shape still accepted from LLMs.
type legacyPlan struct {
	Intent     string     `json:"intent"`
	Confidence float32    `json:"confidence,omitempty"`
	Steps      []PlanStep `json:"steps"`
}

// ParsePlan decodes an LLM response into a Plan. It strips markdown code
// fences, accepts the legacy {intent, steps} shape, and applies field
// defaults (type=operation, on_fail=stop).
func ParsePlan(raw string) (*Plan, error) {
	cleaned := StripCodeFences(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("empty plan response")
	}

	var plan Plan
	if err := json.Unmarshal([]byte(cleaned), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}

	if plan.Name == "" && len(plan.Steps) == 0 {
		var legacy legacyPlan
		if err := json.Unmarshal([]byte(cleaned), &legacy); err == nil && (legacy.Intent != "" || len(legacy.Steps) > 0) {
			plan = Plan{
				Name:       legacy.Intent,
				Confidence: legacy.Confidence,
				Steps:      legacy.Steps,
			}
		}
	}

	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}

	plan.ApplyDefaults()
	return &plan, nil
}

// ApplyDefaults fills defaulted step fields in place.
func (p *Plan) ApplyDefaults() {
	for i := range p.Steps {
		if p.Steps[i].Type == "" {
			p.Steps[i].Type = StepTypeOperation
		}
		if p.Steps[i].OnFail == "" {
			p.Steps[i].OnFail = OnFailStop
		}
		if p.Steps[i].Params == nil {
			p.Steps[i].Params = map[string]any{}
		}
	}
	for i := range p.Subprocedures {
		p.Subprocedures[i].ApplyDefaults()
	}
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id string) *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// SummaryText is the text a procedure's summary embedding is computed from.
func (p *Plan) SummaryText() string {
	parts := []string{p.Name}
	if p.Description != "" {
		parts = append(parts, p.Description)
	}
	for _, s := range p.Steps {
		if s.Name != "" {
			parts = append(parts, s.Name)
		} else {
			parts = append(parts, s.Tool)
		}
	}
	return strings.Join(parts, " ")
}

// StripCodeFences removes a surrounding markdown code fence, if present.
func StripCodeFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
