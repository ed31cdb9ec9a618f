package domain

import (
	"time"

	"github.com/google/uuid"
)

// NodeKind is the storage-level tag of a graph node.
type NodeKind string

const (
	KindPrototype   NodeKind = "prototype"
	KindConcept     NodeKind = "concept"
	KindPropertyDef NodeKind = "property_def"
	KindValue       NodeKind = "value"
)

func ValidNodeKind(k string) bool {
	switch NodeKind(k) {
	case KindPrototype, KindConcept, KindPropertyDef, KindValue:
		return true
	}
	return false
}

// NodeStatus tracks the lifecycle of a node or edge.
type NodeStatus string

const (
	StatusActive     NodeStatus = "active"
	StatusDeleted    NodeStatus = "deleted"
	StatusDeprecated NodeStatus = "deprecated"
)

// Canonical prototype names seeded at startup.
const (
	ProtoProcedure       = "Procedure"
	ProtoProcedureStep   = "ProcedureStep"
	ProtoProcedureRun    = "ProcedureRun"
	ProtoProcedureSchema = "ProcedureSchema"
	ProtoQueue           = "Queue"
	ProtoQueueItem       = "QueueItem"
	ProtoRelationship    = "Relationship"
	ProtoVault           = "Vault"
	ProtoCredential      = "Credential"
	ProtoIdentity        = "Identity"
	ProtoPaymentMethod   = "PaymentMethod"
	ProtoFormData        = "FormData"
	ProtoFormPattern     = "FormPattern"
	ProtoKnowledge       = "Knowledge"
	ProtoLesson          = "Lesson"
	ProtoTimeRule        = "TimeRule"
	ProtoPerson          = "Person"
	ProtoNote            = "Note"
	ProtoTask            = "Task"
	ProtoReminder        = "Reminder"
	ProtoCalendarEvent   = "CalendarEvent"
)

// Canonical edge relations.
const (
	RelInstanceOf     = "instanceOf"
	RelInherits       = "inherits"
	RelDefinesProp    = "definesProp"
	RelHasStep        = "hasStep"
	RelDependsOn      = "dependsOn"
	RelBranchTrue     = "branchTrue"
	RelBranchFalse    = "branchFalse"
	RelLoopBack       = "loopBack"
	RelCallsProcedure = "callsProcedure"
	RelRunOf          = "runOf"
	RelHasExemplar    = "hasExemplar"
	RelGeneralizedBy  = "generalizedBy"
	RelHasPattern     = "hasPattern"
	RelUsesCredential = "usesCredential"
	RelAssociatedWith = "associatedWith"
	RelContains       = "contains"
	RelReferences     = "references"
	RelHasOutgoing    = "hasOutgoing"
	RelPointsTo       = "pointsTo"
	RelNextVersion    = "nextVersion"
	RelConformsTo     = "conformsTo"
	RelCorrectionOf   = "correctionOf"
)

// Well-known property keys stored in Node.Props.
const (
	PropName      = "name"
	PropPrototype = "_prototype" // cached prototype name for exact-filter search
	PropPlanJSON  = "_plan_json" // original plan blob kept for auditing
)

// Node is a unit of the knowledge graph: a prototype, concept, property
// definition, or literal value wrapper. Centroid bookkeeping (EmbeddingSum,
// ExemplarCount) is persisted alongside the embedding so incremental mean
// updates never revisit exemplars.
type Node struct {
	ID            uuid.UUID      `json:"id"`
	Kind          NodeKind       `json:"kind"`
	Labels        []string       `json:"labels,omitempty"`
	Props         map[string]any `json:"props,omitempty"`
	Embedding     []float32      `json:"-"`
	EmbeddingSum  []float32      `json:"-"`
	ExemplarCount int            `json:"exemplar_count,omitempty"`
	Status        NodeStatus     `json:"status"`
	Source        string         `json:"source,omitempty"`
	Confidence    float32        `json:"confidence"`
	TraceID       string         `json:"trace_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Name returns the human name stored in props, or "".
func (n *Node) Name() string {
	if n.Props == nil {
		return ""
	}
	if s, ok := n.Props[PropName].(string); ok {
		return s
	}
	return ""
}

// PrototypeName returns the cached prototype name for concepts, or "".
func (n *Node) PrototypeName() string {
	if n.Props == nil {
		return ""
	}
	if s, ok := n.Props[PropPrototype].(string); ok {
		return s
	}
	return ""
}

// PropString returns a string prop value, or "".
func (n *Node) PropString(key string) string {
	if n.Props == nil {
		return ""
	}
	if s, ok := n.Props[key].(string); ok {
		return s
	}
	return ""
}

// PropInt returns an integer prop value, tolerating the float64 shape JSON
// decoding produces.
func (n *Node) PropInt(key string) int {
	if n.Props == nil {
		return 0
	}
	switch v := n.Props[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	}
	return 0
}

// PropFloat returns a numeric prop value as float64.
func (n *Node) PropFloat(key string) float64 {
	if n.Props == nil {
		return 0
	}
	switch v := n.Props[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// SetProp initializes the prop map if needed and sets a key.
func (n *Node) SetProp(key string, value any) {
	if n.Props == nil {
		n.Props = make(map[string]any)
	}
	n.Props[key] = value
}

// Edge connects two nodes with a weighted, governed relation.
type Edge struct {
	ID         uuid.UUID      `json:"id"`
	SourceID   uuid.UUID      `json:"source_id"`
	TargetID   uuid.UUID      `json:"target_id"`
	Rel        string         `json:"rel"`
	PropDefID  *uuid.UUID     `json:"prop_def_id,omitempty"`
	Weight     float32        `json:"weight"`
	Confidence float32        `json:"confidence"`
	Status     NodeStatus     `json:"status"`
	VotesUp    int            `json:"votes_up"`
	VotesDown  int            `json:"votes_down"`
	Props      map[string]any `json:"props,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ValueType enumerates PropertyDef value types.
type ValueType string

const (
	ValueTypeString  ValueType = "string"
	ValueTypeNumber  ValueType = "number"
	ValueTypeBoolean ValueType = "boolean"
	ValueTypeDate    ValueType = "date"
	ValueTypeURL     ValueType = "url"
	ValueTypeJSON    ValueType = "json"
	ValueTypeNodeRef ValueType = "node_ref"
)

func ValidValueType(v string) bool {
	switch ValueType(v) {
	case ValueTypeString, ValueTypeNumber, ValueTypeBoolean, ValueTypeDate, ValueTypeURL, ValueTypeJSON, ValueTypeNodeRef:
		return true
	}
	return false
}

// Cardinality enumerates PropertyDef cardinalities.
type Cardinality string

const (
	CardinalityZeroOrOne  Cardinality = "0..1"
	CardinalityZeroOrMany Cardinality = "0..n"
	CardinalityOne        Cardinality = "1..1"
	CardinalityOneOrMany  Cardinality = "1..n"
)

func ValidCardinality(c string) bool {
	switch Cardinality(c) {
	case CardinalityZeroOrOne, CardinalityZeroOrMany, CardinalityOne, CardinalityOneOrMany:
		return true
	}
	return false
}

// Required reports whether the cardinality demands at least one value.
func (c Cardinality) Required() bool {
	return c == CardinalityOne || c == CardinalityOneOrMany
}

// PropertyDef declares a predicate a prototype's instances may carry.
type PropertyDef struct {
	Name            string      `json:"name"`
	ValueType       ValueType   `json:"value_type"`
	Cardinality     Cardinality `json:"cardinality"`
	Default         any         `json:"default,omitempty"`
	AllowedTargets  []string    `json:"allowed_targets,omitempty"`
}
