package compute

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Aggregate filter predicates are CEL expressions over a single Record
// variable. They are compiled once at definition-save time and the program
// is cached on the compiled field, so evaluation is allocation-light and
// save-time failures surface as validation errors.

var (
	filterEnvOnce sync.Once
	filterEnv     *cel.Env
	filterEnvErr  error
)

func filterEnvironment() (*cel.Env, error) {
	filterEnvOnce.Do(func() {
		filterEnv, filterEnvErr = cel.NewEnv(
			cel.Variable("Record", cel.DynType),
		)
	})
	return filterEnv, filterEnvErr
}

// compileFilter compiles a CEL filter expression to a program. A cost limit
// keeps a runaway predicate from exhausting the evaluator.
func compileFilter(expression string) (cel.Program, error) {
	env, err := filterEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create filter environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("filter compile error: %w", issues.Err())
	}

	prog, err := env.Program(ast, cel.CostLimit(1000000))
	if err != nil {
		return nil, fmt.Errorf("filter program creation error: %w", err)
	}
	return prog, nil
}

// evalFilter evaluates a compiled filter against one related record.
// Evaluation errors and non-boolean results exclude the record.
func evalFilter(prog cel.Program, record map[string]any) bool {
	out, _, err := prog.Eval(map[string]any{"Record": record})
	if err != nil {
		return false
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}
