// Package rules evaluates the optional boolean conditions attached to
// approval rules.
package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Variables a condition may reference.
const (
	VarAmount     = "amount"
	VarCategory   = "category"
	VarApproved   = "approved"
	VarRequired   = "required"
	VarPercentage = "percentage"
	VarActor      = "actor"
)

// Evaluator decides whether a condition holds for an environment.
type Evaluator interface {
	Evaluate(expression string, env map[string]any) (bool, error)
}

// ExprEvaluator runs expr-lang programs, compiling each distinct expression
// once.
type ExprEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

var _ Evaluator = (*ExprEvaluator)(nil)

// NewExprEvaluator creates an evaluator with an empty program cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{cache: make(map[string]*vm.Program)}
}

// Env builds the environment a condition is evaluated against.
func Env(amount float64, category string, approved, required int, percentage float64, actor string) map[string]any {
	return map[string]any{
		VarAmount:     amount,
		VarCategory:   category,
		VarApproved:   approved,
		VarRequired:   required,
		VarPercentage: percentage,
		VarActor:      actor,
	}
}

// Compile type-checks expression against the condition variables without
// running it. Used to reject bad rules before they are stored.
func (e *ExprEvaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

// Evaluate runs expression against env. The expression must yield a bool.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean, got %T", expression, result)
	}
	return ok, nil
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.Env(Env(0, "", 0, 0, 0, "")), expr.AsBool())
	if err != nil {
		return nil, err
	}
	e.cache[expression] = program
	return program, nil
}
