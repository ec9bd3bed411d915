package compute

import (
	"encoding/json"
	"fmt"
	"time"
)

// Trigger is the policy governing when a computed field is (re)evaluated.
type Trigger string

const (
	TriggerOnRead    Trigger = "ON_READ"
	TriggerOnWrite   Trigger = "ON_WRITE"
	TriggerOnDemand  Trigger = "ON_DEMAND"
	TriggerScheduled Trigger = "SCHEDULED"
)

// Method is the computation strategy for a field.
type Method string

const (
	MethodFormula     Method = "FORMULA"
	MethodTemplate    Method = "TEMPLATE"
	MethodAggregate   Method = "AGGREGATE"
	MethodLookup      Method = "LOOKUP"
	MethodConditional Method = "CONDITIONAL"
	MethodCustom      Method = "CUSTOM"
)

// AggregateFn is an aggregate combinator over a related-record collection.
type AggregateFn string

const (
	AggCount  AggregateFn = "COUNT"
	AggSum    AggregateFn = "SUM"
	AggAvg    AggregateFn = "AVG"
	AggMin    AggregateFn = "MIN"
	AggMax    AggregateFn = "MAX"
	AggConcat AggregateFn = "CONCAT"
	AggFirst  AggregateFn = "FIRST"
	AggLast   AggregateFn = "LAST"
)

// MethodConfig is the sealed set of per-method configuration variants. Each
// variant matches exactly one Method; the engine rejects mismatches at save
// time. The interface is unimplementable outside this package.
type MethodConfig interface {
	method() Method
}

// FormulaConfig configures a FORMULA field.
type FormulaConfig struct {
	Expression string `json:"expression"`
}

// TemplateConfig configures a TEMPLATE field. Placeholders are written as
// {field.path}; doubled braces escape literals.
type TemplateConfig struct {
	Template string `json:"template"`
}

// AggregateConfig configures an AGGREGATE field. SourcePath is
// "relation.field" (bare relation for COUNT); Filter is an optional CEL
// predicate over a Record variable; Separator applies to CONCAT.
type AggregateConfig struct {
	Fn         AggregateFn `json:"aggregateFn"`
	SourcePath string      `json:"sourcePath"`
	Filter     string      `json:"filter,omitempty"`
	Separator  string      `json:"separator,omitempty"`
}

// LookupConfig configures a LOOKUP field.
type LookupConfig struct {
	RelationPath string `json:"relationPath"`
	TargetField  string `json:"targetField"`
}

// ConditionalConfig configures a CONDITIONAL field. All three expressions
// are formulas; the condition result passes through truthy coercion.
type ConditionalConfig struct {
	Condition string `json:"conditionExpr"`
	Then      string `json:"thenExpr"`
	Else      string `json:"elseExpr"`
}

// CustomConfig configures a CUSTOM field. The handler table is fixed at
// engine construction.
type CustomConfig struct {
	HandlerID string `json:"customHandlerId"`
}

func (FormulaConfig) method() Method     { return MethodFormula }
func (TemplateConfig) method() Method    { return MethodTemplate }
func (AggregateConfig) method() Method   { return MethodAggregate }
func (LookupConfig) method() Method      { return MethodLookup }
func (ConditionalConfig) method() Method { return MethodConditional }
func (CustomConfig) method() Method      { return MethodCustom }

// ConfigFromJSON decodes the config variant matching the given method.
func ConfigFromJSON(m Method, raw []byte) (MethodConfig, error) {
	decode := func(v any) error {
		if len(raw) == 0 {
			return fmt.Errorf("missing methodConfig")
		}
		return json.Unmarshal(raw, v)
	}
	switch m {
	case MethodFormula:
		var c FormulaConfig
		if err := decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	case MethodTemplate:
		var c TemplateConfig
		if err := decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	case MethodAggregate:
		var c AggregateConfig
		if err := decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	case MethodLookup:
		var c LookupConfig
		if err := decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	case MethodConditional:
		var c ConditionalConfig
		if err := decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	case MethodCustom:
		var c CustomConfig
		if err := decode(&c); err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown method %q", m)
}

// ConfigToJSON encodes a config variant for storage.
func ConfigToJSON(c MethodConfig) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("nil methodConfig")
	}
	return json.Marshal(c)
}

// FieldDefinition describes one computed field of a schema. It is owned by
// the schema: administrators create and edit definitions through the
// definition API, and every edit is re-validated before it takes effect.
type FieldDefinition struct {
	ID           string       `json:"id"`
	SchemaID     string       `json:"schemaId"`
	FieldID      string       `json:"fieldId"`
	Trigger      Trigger      `json:"trigger"`
	Method       Method       `json:"method"`
	Config       MethodConfig `json:"methodConfig"`
	DependsOn    []string     `json:"dependsOn,omitempty"`
	ScheduleCron string       `json:"scheduleCron,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// ComputedValue is the engine-owned result of one (record, field)
// computation. It is derived state: never hand-edited, invalidated when a
// dependency changes, purged when the record is deleted.
type ComputedValue struct {
	RecordID     string    `json:"recordId"`
	FieldID      string    `json:"fieldId"`
	Value        any       `json:"value"`
	ComputedAt   time.Time `json:"computedAt"`
	SnapshotHash string    `json:"dependencySnapshotHash"`
	Stale        bool      `json:"stale"`
}

// FieldState is the per (record, field) trigger state.
type FieldState string

const (
	StateFresh     FieldState = "Fresh"
	StateStale     FieldState = "Stale"
	StateComputing FieldState = "Computing"
)

// RecomputeResult reports the outcome of an explicit recompute request.
type RecomputeResult struct {
	Recomputed []string `json:"recomputed"`
	Failed     []string `json:"failed"`
}
