// Package policy implements operator-configurable guard expressions using
// google/cel-go. The orchestrator holds an Evaluator in its Policy field,
// but no command handler evaluates it; Execute and Confirm are gated only
// by the hard-coded invariant checks.
package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Evaluator compiles and runs a CEL guard expression against a flow's
// observable fields (to, value, chain_id, ...). A guard expression that
// evaluates to true means "deny" — fail-closed on a compile or eval
// error, never silently allow.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator builds an Evaluator whose expressions see a single `input`
// map variable.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: new cel env: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Result is the outcome of evaluating one guard expression.
type Result struct {
	Deny  bool
	Error string
}

// Evaluate compiles expr (an operator-configured guard, e.g. `input.to in
// ["0xdead..."]` or `input.value_wei > 1000000000000000000`) and runs it
// against input. Any failure to validate, compile, or evaluate is
// reported as a denial with Error set — fail-closed, never a silent pass.
func (e *Evaluator) Evaluate(expr string, input map[string]any) Result {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return Result{Deny: true, Error: fmt.Sprintf("policy: compile: %v", issues.Err())}
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Result{Deny: true, Error: fmt.Sprintf("policy: program: %v", err)}
	}
	out, _, err := program.Eval(map[string]any{"input": input})
	if err != nil {
		return Result{Deny: true, Error: fmt.Sprintf("policy: eval: %v", err)}
	}
	deny, ok := out.Value().(bool)
	if !ok {
		return Result{Deny: true, Error: "policy: guard expression did not evaluate to a boolean"}
	}
	return Result{Deny: deny}
}
