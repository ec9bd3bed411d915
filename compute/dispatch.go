package compute

import (
	"context"
	"errors"
	"time"

	"github.com/gridbase/compute/formula"
)

// Dispatcher evaluates one compiled field against a record. It is stateless
// apart from its collaborators, so distinct (record, field) computations run
// in parallel without locking.
type Dispatcher struct {
	eval     *formula.Evaluator
	source   RecordSource
	obs      Observer
	timeout  time.Duration
	pageSize int
}

func newDispatcher(eval *formula.Evaluator, source RecordSource, obs Observer, timeout time.Duration, pageSize int) *Dispatcher {
	return &Dispatcher{eval: eval, source: source, obs: obs, timeout: timeout, pageSize: pageSize}
}

// Compute evaluates the field for one record. The binding holds the record's
// own values plus any upstream computed fields already resolved for this
// cascade. Results are normalized so NaN becomes null. Errors are
// *Error values with KindEvaluation; trigger policy decides whether they are
// fatal.
func (d *Dispatcher) Compute(ctx context.Context, cf *compiledField, recordID string, binding map[string]any) (any, error) {
	switch cf.def.Config.(type) {
	case FormulaConfig:
		return d.evalFormula(cf, cf.formulaAST, binding)

	case TemplateConfig:
		return expandTemplate(cf.tmpl, binding), nil

	case ConditionalConfig:
		cond, err := d.evalFormula(cf, cf.condAST, binding)
		if err != nil {
			return nil, err
		}
		if formula.Truthy(cond) {
			return d.evalFormula(cf, cf.thenAST, binding)
		}
		return d.evalFormula(cf, cf.elseAST, binding)

	case AggregateConfig:
		return d.aggregate(ctx, cf, recordID)

	case LookupConfig:
		return d.lookup(ctx, cf, recordID)

	case CustomConfig:
		v, err := cf.handler(ctx, recordID, binding)
		if err != nil {
			return nil, evaluationErr(cf.def.FieldID, "custom handler: %v", err)
		}
		return formula.NormalizeNaN(v), nil
	}
	return nil, evaluationErr(cf.def.FieldID, "unhandled method %s", cf.def.Method)
}

func (d *Dispatcher) evalFormula(cf *compiledField, n formula.Node, binding map[string]any) (any, error) {
	v, err := d.eval.Eval(n, binding)
	if err != nil {
		var ee *formula.EvalError
		if errors.As(err, &ee) {
			return nil, evaluationErr(cf.def.FieldID, "unknown function %q", ee.Fn)
		}
		return nil, evaluationErr(cf.def.FieldID, "%v", err)
	}
	return formula.NormalizeNaN(v), nil
}

// sourceCtx bounds a collaborator call so the engine never hangs on a slow
// record store.
func (d *Dispatcher) sourceCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.timeout)
}
