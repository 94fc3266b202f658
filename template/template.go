// Package template is the boundary between the rule engine and expression
// evaluation. Expressions are opaque strings handed to an Evaluator together
// with the run variables; the result is interpreted with IsTruthy wherever a
// boolean is needed.
package template

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/c360/homecore/types"
)

// StatesKey is the variable name under which a StateReader is passed to
// Evaluate.
const StatesKey = "states"

// Evaluator evaluates an expression against variables.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, expression string, vars map[string]any) (any, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error) {
	return f(ctx, expression, vars)
}

// StateReader gives expressions read access to entity states.
type StateReader interface {
	Get(id types.EntityID) *types.State
}

// IsTruthy interprets an evaluation result as a boolean. Strings are false
// when empty or one of "false", "no", "off", "0" and "none"
// (case-insensitive); numbers when zero; collections when empty.
func IsTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "false", "no", "off", "0", "none":
			return false
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f != 0
		}
		return true
	}
	if f, ok := types.ToFloat(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// Render evaluates expression and formats the result as a string. Strings
// without a "{{ }}" wrapper are returned unchanged.
func Render(ctx context.Context, ev Evaluator, text string, vars map[string]any) (string, error) {
	if ev == nil || !IsTemplate(text) {
		return text, nil
	}
	out, err := ev.Evaluate(ctx, text, vars)
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", nil
	}
	return fmt.Sprint(out), nil
}

// IsTemplate reports whether text is wrapped in "{{ }}".
func IsTemplate(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasPrefix(t, "{{") && strings.HasSuffix(t, "}}")
}

// stripDelimiters removes an optional "{{ }}" wrapper.
func stripDelimiters(expr string) string {
	t := strings.TrimSpace(expr)
	if IsTemplate(t) {
		t = strings.TrimSpace(t[2 : len(t)-2])
	}
	return t
}
