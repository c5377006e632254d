package script

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprScriptingEngine compiles expressions with the expr language. It is a
// lighter alternative to the Risor engine for condition-only use: a single
// expression evaluated against a map of globals, no statements or loops.
type ExprScriptingEngine struct {
	globals map[string]any
}

// NewExprScriptingEngine creates an expr-based Compiler with the given
// engine-level globals.
func NewExprScriptingEngine(globals map[string]any) *ExprScriptingEngine {
	return &ExprScriptingEngine{globals: globals}
}

func (e *ExprScriptingEngine) Compile(ctx context.Context, code string) (Script, error) {
	program, err := expr.Compile(code, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", err)
	}
	return &ExprScript{engine: e, program: program}, nil
}

type ExprScript struct {
	engine  *ExprScriptingEngine
	program *vm.Program
}

func (s *ExprScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	env := make(map[string]any)
	for name, value := range s.engine.globals {
		env[name] = value
	}
	for name, value := range globals {
		env[name] = value
	}
	result, err := expr.Run(s.program, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	return &GoValue{value: result}, nil
}

// GoValue adapts a plain Go value to the Value interface.
type GoValue struct {
	value any
}

func (v *GoValue) Value() any {
	return v.value
}

func (v *GoValue) String() string {
	if v.value == nil {
		return ""
	}
	return fmt.Sprintf("%v", v.value)
}

func (v *GoValue) IsTruthy() bool {
	switch value := v.value.(type) {
	case nil:
		return false
	case bool:
		return value
	case int:
		return value != 0
	case int64:
		return value != 0
	case uint64:
		return value != 0
	case float32:
		return value != 0.0
	case float64:
		return value != 0.0
	case string:
		return value != "" && strings.ToLower(value) != "false"
	case []any:
		return len(value) > 0
	case map[string]any:
		return len(value) > 0
	default:
		return true
	}
}
