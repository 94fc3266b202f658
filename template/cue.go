package template

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/c360/homecore/errors"
	"github.com/c360/homecore/types"
)

// stateRef finds states["domain.object_id"] references in an expression.
var stateRef = regexp.MustCompile(`states\[\s*"([a-z0-9_]+\.[a-z0-9_]+)"\s*\]`)

// CUE evaluates expressions written in the CUE language.
//
// Variables are in scope by name. When vars[StatesKey] is a StateReader,
// every entity the expression references as states["domain.object_id"] is
// exposed as {state, attributes, last_changed, last_updated}; an entity
// that does not exist reads as state "unknown" with no attributes.
//
//	states["sensor.temperature"].state == "21.5"
//	states["light.kitchen"].attributes.brightness > 100 && trigger.to_state.state == "on"
type CUE struct {
	logger *slog.Logger
}

// CUEOption configures a CUE evaluator.
type CUEOption func(*CUE)

// WithCUELogger sets the logger.
func WithCUELogger(logger *slog.Logger) CUEOption {
	return func(c *CUE) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCUE creates a CUE evaluator.
func NewCUE(opts ...CUEOption) *CUE {
	c := &CUE{logger: slog.Default().With("component", "template")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Evaluator = (*CUE)(nil)

// Evaluate compiles expression with vars in scope and returns its concrete
// value as bool, int64, float64, string, nil, map[string]any or []any.
func (c *CUE) Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	expr := stripDelimiters(expression)
	if expr == "" {
		return nil, errors.WrapInvalid(errors.Detail(errors.ErrTemplateEvaluation, "empty expression"),
			"CUE", "Evaluate", "compile expression")
	}

	// A cue.Context is not safe for concurrent use; each evaluation gets its own.
	cctx := cuecontext.New()
	scope := cctx.Encode(scopeValues(expr, vars))
	if err := scope.Err(); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: encode variables: %v", errors.ErrTemplateEvaluation, err),
			"CUE", "Evaluate", "encode scope")
	}

	v := cctx.CompileString(expr, cue.Scope(scope))
	if err := v.Err(); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %q: %v", errors.ErrTemplateEvaluation, expr, err),
			"CUE", "Evaluate", "compile expression")
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %q: %v", errors.ErrTemplateEvaluation, expr, err),
			"CUE", "Evaluate", "evaluate expression")
	}

	out, err := concrete(v)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %q: %v", errors.ErrTemplateEvaluation, expr, err),
			"CUE", "Evaluate", "decode result")
	}
	c.logger.Debug("Expression evaluated", "expression", expr, "result", out)
	return out, nil
}

func concrete(v cue.Value) (any, error) {
	switch v.Kind() {
	case cue.NullKind:
		return nil, nil
	case cue.BoolKind:
		return v.Bool()
	case cue.IntKind:
		return v.Int64()
	case cue.FloatKind:
		return v.Float64()
	case cue.StringKind:
		return v.String()
	default:
		var out any
		if err := v.Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// scopeValues builds the identifiers visible to an expression.
func scopeValues(expr string, vars map[string]any) map[string]any {
	scope := make(map[string]any, len(vars)+1)
	var reader StateReader
	for k, v := range vars {
		if k == StatesKey {
			if r, ok := v.(StateReader); ok {
				reader = r
				continue
			}
		}
		scope[k] = v
	}
	if reader == nil {
		return scope
	}

	states := make(map[string]any)
	for _, m := range stateRef.FindAllStringSubmatch(expr, -1) {
		raw := m[1]
		if _, done := states[raw]; done {
			continue
		}
		id, err := types.ParseEntityID(raw)
		if err != nil {
			continue
		}
		states[raw] = stateValue(reader.Get(id))
	}
	scope[StatesKey] = states
	return scope
}

func stateValue(st *types.State) map[string]any {
	if st == nil {
		return map[string]any{
			"state":      types.StateUnknown,
			"attributes": map[string]any{},
		}
	}
	return map[string]any{
		"state":        st.Value,
		"attributes":   st.Attributes.Map(),
		"last_changed": st.LastChanged.Format(time.RFC3339Nano),
		"last_updated": st.LastUpdated.Format(time.RFC3339Nano),
	}
}
