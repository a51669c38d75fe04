package rules

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ConditionEvaluator decides CONDITION triggers against the turn's variables
type ConditionEvaluator interface {
	Evaluate(condition string, vars map[string]string) (bool, error)
}

// ConditionFunc adapts a function to ConditionEvaluator
type ConditionFunc func(condition string, vars map[string]string) (bool, error)

// Evaluate calls f
func (f ConditionFunc) Evaluate(condition string, vars map[string]string) (bool, error) {
	return f(condition, vars)
}

// ExprEvaluator is the default ConditionEvaluator. Conditions are expr-lang
// expressions that must yield a bool. Every turn variable is a string;
// unknown variables are nil.
//
//	tier == 'gold' && city != nil
//	lower(message) contains 'giao hàng'
//	num(cart) >= 3
//
// Programs are compiled once per expression and cached.
type ExprEvaluator struct {
	programs sync.Map // expression -> *vm.Program
}

var conditionOptions = []expr.Option{
	expr.Env(map[string]any{}),
	expr.AllowUndefinedVariables(),
	expr.AsBool(),
	expr.Function("num", toNumber, new(func(any) float64)),
}

// Evaluate implements ConditionEvaluator
func (e *ExprEvaluator) Evaluate(condition string, vars map[string]string) (bool, error) {
	if strings.TrimSpace(condition) == "" {
		return false, fmt.Errorf("empty condition")
	}

	program, err := e.compile(condition)
	if err != nil {
		return false, err
	}

	env := make(map[string]any, len(vars))
	for k, v := range vars {
		env[k] = v
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("run condition %q: %w", condition, err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("condition %q yielded %T, want bool", condition, out)
	}
	return ok, nil
}

func (e *ExprEvaluator) compile(condition string) (*vm.Program, error) {
	if cached, ok := e.programs.Load(condition); ok {
		return cached.(*vm.Program), nil
	}
	program, err := expr.Compile(condition, conditionOptions...)
	if err != nil {
		return nil, fmt.Errorf("compile condition: %w", err)
	}
	e.programs.Store(condition, program)
	return program, nil
}

// toNumber backs num(); variables arrive as strings
func toNumber(params ...any) (any, error) {
	switch v := params[0].(type) {
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not numeric", v)
		}
		return n, nil
	case int:
		return float64(v), nil
	case float64:
		return v, nil
	case nil:
		return nil, fmt.Errorf("num of missing variable")
	default:
		return nil, fmt.Errorf("num of %T", v)
	}
}
