// Package cel compiles and evaluates the optional free-form policy
// condition expression (Conditions.Expr) against the agent, tool and
// request context of an access evaluation. It never grants scopes or
// lifetimes on its own — only a boolean match/no-match.
package cel

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// EvalContext holds the variables exposed to a policy condition expression.
type EvalContext struct {
	Agent   map[string]interface{}
	Tool    map[string]interface{}
	Context map[string]interface{}
}

// Engine compiles and caches CEL programs for policy condition expressions.
type Engine struct {
	env      *cel.Env
	programs sync.Map // map[string]cel.Program
}

// NewEngine creates a CEL engine with the agent/tool/ctx variable
// declarations and the inRole helper function used by policy condition
// expressions.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("agent", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("tool", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("inRole",
			cel.Overload("inRole_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(inRoleBinding),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("cel: create environment: %w", err)
	}
	return &Engine{env: env}, nil
}

// Compile parses and type-checks expr, caching the resulting program.
func (e *Engine) Compile(expr string) (cel.Program, error) {
	if prog, ok := e.programs.Load(expr); ok {
		return prog.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel: compile %q: %w", expr, issues.Err())
	}

	prog, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel: build program: %w", err)
	}

	e.programs.Store(expr, prog)
	return prog, nil
}

// Evaluate runs a compiled program against evalCtx and requires a boolean
// result; any other result type is treated as an evaluation error so a
// malformed expression never silently satisfies a condition.
func (e *Engine) Evaluate(prog cel.Program, evalCtx *EvalContext) (bool, error) {
	vars := map[string]interface{}{
		"agent": evalCtx.Agent,
		"tool":  evalCtx.Tool,
		"ctx":   evalCtx.Context,
	}

	out, _, err := prog.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("cel: evaluate: %w", err)
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel: expression did not evaluate to a boolean")
	}
	return b, nil
}

// EvaluateExpression compiles and evaluates expr in one call.
func (e *Engine) EvaluateExpression(expr string, evalCtx *EvalContext) (bool, error) {
	prog, err := e.Compile(expr)
	if err != nil {
		return false, err
	}
	return e.Evaluate(prog, evalCtx)
}

// ClearCache clears the compiled program cache.
func (e *Engine) ClearCache() {
	e.programs = sync.Map{}
}

// inRoleBinding implements inRole(agent, "role"): true when agent["roles"]
// contains role.
func inRoleBinding(lhs, rhs ref.Val) ref.Val {
	agentMap, ok := lhs.Value().(map[string]interface{})
	if !ok {
		return types.False
	}
	role, ok := rhs.Value().(string)
	if !ok {
		return types.False
	}

	switch roles := agentMap["roles"].(type) {
	case []string:
		for _, r := range roles {
			if r == role {
				return types.True
			}
		}
	case []interface{}:
		for _, r := range roles {
			if s, ok := r.(string); ok && s == role {
				return types.True
			}
		}
	}
	return types.False
}
