package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// The shared CEL environment for policy expressions. Expressions see the
// inspected artifact metadata as a dynamic map plus the evaluation time.
var (
	celEnv     *cel.Env
	celEnvOnce sync.Once
	celEnvErr  error
)

func env() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("artifact", cel.DynType),
			cel.Variable("now", cel.IntType),
		)
		if celEnvErr != nil {
			celEnvErr = fmt.Errorf("policy: cel environment: %w", celEnvErr)
		}
	})
	return celEnv, celEnvErr
}

// compileExpression compiles a CEL predicate at bundle load time. Programs
// are compiled once per load so evaluation never pays compile cost and a
// malformed expression fails the load rather than the evaluation.
func compileExpression(expr string) (cel.Program, error) {
	e, err := env()
	if err != nil {
		return nil, err
	}

	ast, issues := e.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: expression compile failed: %w", issues.Err())
	}
	// Dyn is allowed: field accesses on the artifact map are dyn-typed and
	// resolve at eval time. Anything statically non-bool is rejected here.
	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("policy: expression must evaluate to bool, got %s", out)
	}

	prg, err := e.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: expression program failed: %w", err)
	}
	return prg, nil
}

// EvalExpression runs a compiled policy expression against artifact input.
// Errors are returned to the caller, which must fail closed.
func EvalExpression(prg cel.Program, input map[string]any) (bool, error) {
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("policy: expression eval failed: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: expression returned non-bool %T", out.Value())
	}
	return allowed, nil
}
