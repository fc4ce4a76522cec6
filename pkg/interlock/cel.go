package interlock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// celEngine compiles and caches CEL programs keyed by expression string,
// so a policy reload doesn't recompile every interlock's predicate on
// every evaluation.
type celEngine struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

func newCELEngine() *celEngine {
	env, err := cel.NewEnv(
		cel.Variable("value", cel.DynType),
		cel.Variable("paths", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		// A fixed environment with two declarations cannot fail to
		// construct; a failure here indicates a broken cel-go install.
		panic(fmt.Sprintf("interlock: cel environment: %v", err))
	}
	return &celEngine{env: env, programs: make(map[string]cel.Program)}
}

func (e *celEngine) compile(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.programs[expr]; ok {
		return p, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("interlock: cel compile: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("interlock: cel expression %q must evaluate to bool", expr)
	}

	prg, err := e.env.Program(ast, cel.CostLimit(10000), cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("interlock: cel program: %w", err)
	}
	e.programs[expr] = prg
	return prg, nil
}

func (e *celEngine) eval(ctx context.Context, expr string, value any, paths map[string]any) (bool, error) {
	prg, err := e.compile(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.ContextEval(ctx, map[string]any{"value": value, "paths": paths})
	if err != nil {
		return false, fmt.Errorf("interlock: cel eval: %w", err)
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("interlock: cel result is not bool: %v", out.Type())
	}
	return b, nil
}
