package compute

import (
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/robfig/cron/v3"

	"github.com/gridbase/compute/formula"
)

// compiledField is a FieldDefinition validated and translated into its
// executable form: parsed formula trees, a compiled filter program, split
// paths, a resolved handler, a parsed cron schedule. Compilation happens at
// save time, so every failure here is a validation error and nothing invalid
// is ever persisted.
type compiledField struct {
	def *FieldDefinition

	formulaAST formula.Node

	condAST formula.Node
	thenAST formula.Node
	elseAST formula.Node

	tmpl []templateSegment

	filter      cel.Program
	relation    string
	sourceField []string
	separator   string

	lookupHops  []string
	targetField []string

	handler CustomHandler

	schedule cron.Schedule
}

func compileField(def *FieldDefinition, handlers map[string]CustomHandler) (*compiledField, *Error) {
	cf := &compiledField{def: def}

	if def.FieldID == "" {
		return nil, validationErr("", "fieldId is required")
	}
	if def.SchemaID == "" {
		return nil, validationErr(def.FieldID, "schemaId is required")
	}
	switch def.Trigger {
	case TriggerOnRead, TriggerOnWrite, TriggerOnDemand, TriggerScheduled:
	default:
		return nil, validationErr(def.FieldID, "unknown trigger %q", def.Trigger)
	}

	if def.Config == nil {
		return nil, validationErr(def.FieldID, "methodConfig is required")
	}
	if got := def.Config.method(); got != def.Method {
		return nil, validationErr(def.FieldID, "methodConfig variant %s does not match method %s", got, def.Method)
	}

	parse := func(what, src string) (formula.Node, *Error) {
		if strings.TrimSpace(src) == "" {
			return nil, validationErr(def.FieldID, "%s is required", what)
		}
		n, err := formula.Parse(src)
		if err != nil {
			return nil, validationErr(def.FieldID, "%s: %v", what, err)
		}
		return n, nil
	}

	switch cfg := def.Config.(type) {
	case FormulaConfig:
		n, verr := parse("formula", cfg.Expression)
		if verr != nil {
			return nil, verr
		}
		cf.formulaAST = n

	case TemplateConfig:
		segs, err := parseTemplate(cfg.Template)
		if err != nil {
			return nil, validationErr(def.FieldID, "template: %v", err)
		}
		cf.tmpl = segs

	case AggregateConfig:
		switch cfg.Fn {
		case AggCount, AggSum, AggAvg, AggMin, AggMax, AggConcat, AggFirst, AggLast:
		default:
			return nil, validationErr(def.FieldID, "unknown aggregate function %q", cfg.Fn)
		}
		if cfg.SourcePath == "" {
			return nil, validationErr(def.FieldID, "sourcePath is required")
		}
		relation, field := splitSourcePath(cfg.SourcePath)
		if field == "" && cfg.Fn != AggCount {
			return nil, validationErr(def.FieldID, "sourcePath %q names no field for %s", cfg.SourcePath, cfg.Fn)
		}
		cf.relation = relation
		if field != "" {
			cf.sourceField = strings.Split(field, ".")
		}
		cf.separator = cfg.Separator
		if cf.separator == "" {
			cf.separator = ", "
		}
		if cfg.Filter != "" {
			prog, err := compileFilter(cfg.Filter)
			if err != nil {
				return nil, validationErr(def.FieldID, "filter: %v", err)
			}
			cf.filter = prog
		}

	case LookupConfig:
		if cfg.RelationPath == "" {
			return nil, validationErr(def.FieldID, "relationPath is required")
		}
		if cfg.TargetField == "" {
			return nil, validationErr(def.FieldID, "targetField is required")
		}
		cf.lookupHops = strings.Split(cfg.RelationPath, ".")
		cf.targetField = strings.Split(cfg.TargetField, ".")

	case ConditionalConfig:
		var verr *Error
		if cf.condAST, verr = parse("conditionExpr", cfg.Condition); verr != nil {
			return nil, verr
		}
		if cf.thenAST, verr = parse("thenExpr", cfg.Then); verr != nil {
			return nil, verr
		}
		if cf.elseAST, verr = parse("elseExpr", cfg.Else); verr != nil {
			return nil, verr
		}

	case CustomConfig:
		h, ok := handlers[cfg.HandlerID]
		if !ok {
			return nil, validationErr(def.FieldID, "unknown custom handler %q", cfg.HandlerID)
		}
		cf.handler = h
	}

	if def.Trigger == TriggerScheduled {
		if def.ScheduleCron == "" {
			return nil, validationErr(def.FieldID, "scheduleCron is required for SCHEDULED fields")
		}
		sched, err := cron.ParseStandard(def.ScheduleCron)
		if err != nil {
			return nil, validationErr(def.FieldID, "scheduleCron: %v", err)
		}
		cf.schedule = sched
	}

	return cf, nil
}

// splitSourcePath splits "orders.total" into relation "orders" and field
// "total". The first segment is always the relation; the rest is a field
// path inside the related record. A bare relation name yields an empty
// field, which only COUNT accepts.
func splitSourcePath(path string) (relation, field string) {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}
