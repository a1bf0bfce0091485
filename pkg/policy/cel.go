package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// celEvaluator compiles and caches CEL leaf conditions. Expressions
// see the structured fact namespaces (actionType, parameters,
// metadata, principal, risk) and must produce a bool. Any compile or
// runtime error fails the condition closed.
type celEvaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newCELEvaluator() (*celEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("actionType", cel.StringType),
		cel.Variable("parameters", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("principal", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("risk", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	return &celEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

func (c *celEvaluator) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.cache[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("cel expression %q is %s, want bool", expr, ast.OutputType())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	c.mu.Lock()
	c.cache[expr] = prg
	c.mu.Unlock()
	return prg, nil
}

// eval runs expr over the fact bag. The error is for logging; the
// caller treats any error as a non-match.
func (c *celEvaluator) eval(expr string, bag FactBag) (bool, error) {
	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(bag.Activation())
	if err != nil {
		return false, fmt.Errorf("cel eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel expression %q returned %T", expr, out.Value())
	}
	return b, nil
}
