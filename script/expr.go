package script

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine compiles expressions with expr-lang. Compiled programs are
// cached by source since the same filter runs once per work item.
type ExprEngine struct {
	options []expr.Option
	mu      sync.Mutex
	cache   map[string]*vm.Program
}

// NewExprEngine returns an engine. Extra options are passed to every
// compilation.
func NewExprEngine(options ...expr.Option) *ExprEngine {
	return &ExprEngine{
		options: options,
		cache:   map[string]*vm.Program{},
	}
}

// Compile implements Compiler.
func (e *ExprEngine) Compile(ctx context.Context, code string) (Script, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok := e.cache[code]; ok {
		return &exprScript{program: program}, nil
	}
	program, err := expr.Compile(code, e.options...)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", code, err)
	}
	e.cache[code] = program
	return &exprScript{program: program}, nil
}

type exprScript struct {
	program *vm.Program
}

func (s *exprScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	if globals == nil {
		globals = map[string]any{}
	}
	out, err := expr.Run(s.program, globals)
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}
	return NewValue(out), nil
}

// EvalBool compiles and evaluates code as a condition.
func EvalBool(ctx context.Context, compiler Compiler, code string, globals map[string]any) (bool, error) {
	s, err := compiler.Compile(ctx, code)
	if err != nil {
		return false, err
	}
	v, err := s.Evaluate(ctx, globals)
	if err != nil {
		return false, err
	}
	return v.IsTruthy(), nil
}

// EvalValue compiles and evaluates code, returning the Go value.
func EvalValue(ctx context.Context, compiler Compiler, code string, globals map[string]any) (any, error) {
	s, err := compiler.Compile(ctx, code)
	if err != nil {
		return nil, err
	}
	v, err := s.Evaluate(ctx, globals)
	if err != nil {
		return nil, err
	}
	return v.Value(), nil
}
