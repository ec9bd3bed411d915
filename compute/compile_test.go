package compute

import (
	"context"
	"strings"
	"testing"
)

func TestCompileFieldValidation(t *testing.T) {
	tests := []struct {
		name    string
		def     FieldDefinition
		wantErr string
	}{
		{
			name: "valid formula",
			def: FieldDefinition{
				SchemaID: "s", FieldID: "f", Trigger: TriggerOnRead,
				Method: MethodFormula, Config: FormulaConfig{Expression: "a + b"},
			},
		},
		{
			name: "missing field id",
			def: FieldDefinition{
				SchemaID: "s", Trigger: TriggerOnRead,
				Method: MethodFormula, Config: FormulaConfig{Expression: "1"},
			},
			wantErr: "fieldId is required",
		},
		{
			name: "missing schema id",
			def: FieldDefinition{
				FieldID: "f", Trigger: TriggerOnRead,
				Method: MethodFormula, Config: FormulaConfig{Expression: "1"},
			},
			wantErr: "schemaId is required",
		},
		{
			name: "unknown trigger",
			def: FieldDefinition{
				SchemaID: "s", FieldID: "f", Trigger: "WHENEVER",
				Method: MethodFormula, Config: FormulaConfig{Expression: "1"},
			},
			wantErr: "unknown trigger",
		},
		{
			name: "config variant mismatch",
			def: FieldDefinition{
				SchemaID: "s", FieldID: "f", Trigger: TriggerOnRead,
				Method: MethodTemplate, Config: FormulaConfig{Expression: "1"},
			},
			wantErr: "does not match method",
		},
		{
			name: "unparseable formula",
			def: FieldDefinition{
				SchemaID: "s", FieldID: "f", Trigger: TriggerOnRead,
				Method: MethodFormula, Config: FormulaConfig{Expression: "a + * b"},
			},
			wantErr: "formula",
		},
		{
			name: "empty formula",
			def: FieldDefinition{
				SchemaID: "s", FieldID: "f", Trigger: TriggerOnRead,
				Method: MethodFormula, Config: FormulaConfig{Expression: "   "},
			},
			wantErr: "formula is required",
		},
		{
			name: "unterminated template placeholder",
			def: FieldDefinition{
				SchemaID: "s", FieldID: "f", Trigger: TriggerOnRead,
				Method: MethodTemplate, Config: TemplateConfig{Template: "Hello {first"},
			},
			wantErr: "template",
		},
		{
			name: "unknown aggregate function",
			def: FieldDefinition{
				SchemaID: "s", FieldID: "f", Trigger: TriggerOnRead,
				Method: MethodAggregate,
				Config: AggregateConfig{Fn: "MEDIAN", SourcePath: "orders.total"},
			},
			wantErr: "unknown aggregate function",
		},
		{
			name: "aggregate without source path",
			def: FieldDefinition{
				SchemaID: "s", FieldID: "f", Trigger: TriggerOnRead,
				Method: MethodAggregate, Config: AggregateConfig{Fn: AggSum},
			},
			wantErr: "sourcePath is required",
		},
		{
			name: "sum over bare relation",
			def: FieldDefinition{
				SchemaID: "s", FieldID: "f", Trigger: TriggerOnRead,
				Method: MethodAggregate,
				Config: AggregateConfig{Fn: AggSum, SourcePath: "orders"},
			},
			wantErr: "names no field",
		},
		{
			name: "count over bare relation is fine",
			def: FieldDefinition{
				SchemaID: "s", FieldID: "f", Trigger: TriggerOnRead,
				Method: MethodAggregate,
				Config: AggregateConfig{Fn: AggCount, SourcePath: "orders"},
			},
		},
		{
			name: "bad filter expression",
			def: FieldDefinition{
				SchemaID: "s", FieldID: "f", Trigger: TriggerOnRead,
				Method: MethodAggregate,
				Config: AggregateConfig{Fn: AggSum, SourcePath: "orders.total", Filter: "Record.status =="},
			},
			wantErr: "filter",
		},
		{
			name: "conditional needs all three expressions",
			def: FieldDefinition{
				SchemaID: "s", FieldID: "f", Trigger: TriggerOnRead,
				Method: MethodConditional,
				Config: ConditionalConfig{Condition: "age >= 18", Then: "'adult'"},
			},
			wantErr: "required",
		},
		{
			name: "unknown custom handler",
			def: FieldDefinition{
				SchemaID: "s", FieldID: "f", Trigger: TriggerOnRead,
				Method: MethodCustom, Config: CustomConfig{HandlerID: "nope"},
			},
			wantErr: "unknown custom handler",
		},
		{
			name: "scheduled without cron",
			def: FieldDefinition{
				SchemaID: "s", FieldID: "f", Trigger: TriggerScheduled,
				Method: MethodFormula, Config: FormulaConfig{Expression: "1"},
			},
			wantErr: "scheduleCron",
		},
		{
			name: "scheduled with bad cron",
			def: FieldDefinition{
				SchemaID: "s", FieldID: "f", Trigger: TriggerScheduled, ScheduleCron: "not a cron",
				Method: MethodFormula, Config: FormulaConfig{Expression: "1"},
			},
			wantErr: "scheduleCron",
		},
		{
			name: "scheduled with valid cron",
			def: FieldDefinition{
				SchemaID: "s", FieldID: "f", Trigger: TriggerScheduled, ScheduleCron: "*/5 * * * *",
				Method: MethodFormula, Config: FormulaConfig{Expression: "1"},
			},
		},
		{
			name: "lookup needs target field",
			def: FieldDefinition{
				SchemaID: "s", FieldID: "f", Trigger: TriggerOnRead,
				Method: MethodLookup, Config: LookupConfig{RelationPath: "customer"},
			},
			wantErr: "targetField",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compileField(&tt.def, nil)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("compileField() failed: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("compileField() succeeded, want error containing %q", tt.wantErr)
			}
			if err.Kind != KindValidation {
				t.Errorf("kind = %v, want validation", err.Kind)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestCompileFieldResolvesHandler(t *testing.T) {
	handlers := map[string]CustomHandler{
		"h": func(ctx context.Context, recordID string, binding map[string]any) (any, error) {
			return nil, nil
		},
	}

	cf, err := compileField(&FieldDefinition{
		SchemaID: "s", FieldID: "f", Trigger: TriggerOnRead,
		Method: MethodCustom, Config: CustomConfig{HandlerID: "h"},
	}, handlers)
	if err != nil {
		t.Fatalf("compileField() failed: %v", err)
	}
	if cf.handler == nil {
		t.Error("handler should be resolved at compile time")
	}
}
