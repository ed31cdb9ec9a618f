package service

import (
	"context"
	"fmt"

	"github.com/knack-ai/knack/internal/domain"
	"go.uber.org/zap"
)

// seedEntry is one prototype in the startup catalog.
type seedEntry struct {
	name   string
	parent string
	defs   []domain.PropertyDef
}

// seedCatalog is the prototype set every deployment starts from. Order
// matters: parents precede children.
var seedCatalog = []seedEntry{
	{name: domain.ProtoProcedure, defs: []domain.PropertyDef{
		{Name: "name", ValueType: domain.ValueTypeString, Cardinality: domain.CardinalityOne},
		{Name: "description", ValueType: domain.ValueTypeString, Cardinality: domain.CardinalityZeroOrOne},
	}},
	{name: domain.ProtoProcedureStep, defs: []domain.PropertyDef{
		{Name: "stepId", ValueType: domain.ValueTypeString, Cardinality: domain.CardinalityOne},
		{Name: "tool", ValueType: domain.ValueTypeString, Cardinality: domain.CardinalityZeroOrOne},
	}},
	{name: domain.ProtoProcedureRun, defs: []domain.PropertyDef{
		{Name: "outcome", ValueType: domain.ValueTypeString, Cardinality: domain.CardinalityOne},
	}},
	{name: domain.ProtoProcedureSchema},
	{name: domain.ProtoQueue},
	{name: domain.ProtoQueueItem, defs: []domain.PropertyDef{
		{Name: "state", ValueType: domain.ValueTypeString, Cardinality: domain.CardinalityOne},
		{Name: "priority", ValueType: domain.ValueTypeNumber, Cardinality: domain.CardinalityZeroOrOne, Default: 0},
	}},
	{name: domain.ProtoRelationship},
	{name: domain.ProtoTimeRule, defs: []domain.PropertyDef{
		{Name: "kind", ValueType: domain.ValueTypeString, Cardinality: domain.CardinalityOne},
		{Name: "expression", ValueType: domain.ValueTypeString, Cardinality: domain.CardinalityOne},
	}},
	{name: domain.ProtoKnowledge, defs: []domain.PropertyDef{
		{Name: "lesson", ValueType: domain.ValueTypeString, Cardinality: domain.CardinalityOne},
	}},
	{name: domain.ProtoLesson, parent: domain.ProtoKnowledge},

	// Vault hierarchy: everything holding fill material inherits Vault.
	{name: domain.ProtoVault},
	{name: domain.ProtoCredential, parent: domain.ProtoVault, defs: []domain.PropertyDef{
		{Name: "domain", ValueType: domain.ValueTypeString, Cardinality: domain.CardinalityOne},
		{Name: "username", ValueType: domain.ValueTypeString, Cardinality: domain.CardinalityZeroOrOne},
	}},
	{name: domain.ProtoIdentity, parent: domain.ProtoVault},
	{name: domain.ProtoPaymentMethod, parent: domain.ProtoVault},
	{name: domain.ProtoFormData, parent: domain.ProtoVault},
	{name: domain.ProtoFormPattern, defs: []domain.PropertyDef{
		{Name: "fingerprint", ValueType: domain.ValueTypeString, Cardinality: domain.CardinalityOne},
		{Name: "domain", ValueType: domain.ValueTypeString, Cardinality: domain.CardinalityOne},
	}},

	{name: domain.ProtoPerson, defs: []domain.PropertyDef{
		{Name: "name", ValueType: domain.ValueTypeString, Cardinality: domain.CardinalityOne},
	}},
	{name: domain.ProtoNote},
	{name: domain.ProtoTask, defs: []domain.PropertyDef{
		{Name: "name", ValueType: domain.ValueTypeString, Cardinality: domain.CardinalityOne},
	}},
	{name: domain.ProtoReminder, parent: domain.ProtoTask},
	{name: domain.ProtoCalendarEvent},
}

// SeedPrototypes installs the catalog. CreatePrototype is idempotent for
// identical definitions, so re-running at every startup is safe; a changed
// definition surfaces as ErrAlreadyExists instead of silently diverging.
func SeedPrototypes(ctx context.Context, ksg *KSGService, logger *zap.Logger) error {
	for _, entry := range seedCatalog {
		if _, err := ksg.CreatePrototype(ctx, entry.name, entry.parent, entry.defs); err != nil {
			return fmt.Errorf("seed prototype %s: %w", entry.name, err)
		}
	}

	// The singleton ProcedureSchema concept procedures point at.
	schemaProto, err := ksg.GetPrototypeByName(ctx, domain.ProtoProcedureSchema)
	if err != nil {
		return err
	}
	existing, err := ksg.Graph().SearchNodes(ctx, domain.SearchFilter{
		Kind:      domain.KindConcept,
		Prototype: domain.ProtoProcedureSchema,
	}, nil, 1, 0)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		if _, err := ksg.CreateConcept(ctx, schemaProto.ID, map[string]any{
			domain.PropName: "procedure schema v1",
			"version":       1,
		}, []float32{}, nil); err != nil {
			return err
		}
	}

	logger.Info("seeded prototype catalog", zap.Int("prototypes", len(seedCatalog)))
	return nil
}
