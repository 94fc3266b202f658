package automation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c360/homecore/errors"
	"github.com/c360/homecore/statestore"
	"github.com/c360/homecore/template"
	"github.com/c360/homecore/types"
)

// ConditionKind names a condition type.
type ConditionKind string

// Condition kinds.
const (
	ConditionAnd          ConditionKind = "and"
	ConditionOr           ConditionKind = "or"
	ConditionNot          ConditionKind = "not"
	ConditionState        ConditionKind = "state"
	ConditionNumericState ConditionKind = "numeric_state"
	ConditionTemplate     ConditionKind = "template"
	ConditionTrigger      ConditionKind = "trigger"
	ConditionTime         ConditionKind = "time"
	ConditionZone         ConditionKind = "zone"
	ConditionSun          ConditionKind = "sun"
)

// Condition is one node of a condition tree. Only the fields of its Kind
// are set.
type Condition struct {
	Kind ConditionKind

	// and, or, not
	Conditions []*Condition

	// state, numeric_state, zone
	EntityIDs []types.EntityID
	Attribute string

	// state
	States     []string
	MatchRegex bool
	For        time.Duration

	// numeric_state
	Above, Below *threshold

	// template, numeric_state
	ValueTemplate string

	// trigger
	TriggerIDs stringSet

	// time
	After, Before *timeSpec
	Weekdays      map[time.Weekday]bool

	// zone
	Zone string

	// sun; SunAfter and SunBefore are sunrise, sunset or empty.
	SunAfter, SunBefore       string
	AfterOffset, BeforeOffset time.Duration
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func decodeConditions(items []any) ([]*Condition, error) {
	out := make([]*Condition, 0, len(items))
	for i, raw := range items {
		c, err := decodeCondition(raw)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func decodeCondition(raw any) (*Condition, error) {
	if s, ok := raw.(string); ok {
		return &Condition{Kind: ConditionTemplate, ValueTemplate: s}, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, invalid("condition must be a mapping or template string")
	}
	f := fields(m)
	kind, err := f.str("condition")
	if err != nil {
		return nil, err
	}
	if kind == "" {
		// Shorthand: {and: [...]}, {or: [...]}, {not: [...]}.
		for _, k := range []ConditionKind{ConditionAnd, ConditionOr, ConditionNot} {
			if f.has(string(k)) {
				items, err := f.list(string(k))
				if err != nil {
					return nil, err
				}
				subs, err := decodeConditions(items)
				if err != nil {
					return nil, err
				}
				return &Condition{Kind: k, Conditions: subs}, nil
			}
		}
		return nil, invalid("condition kind is required")
	}

	c := &Condition{Kind: ConditionKind(kind)}
	switch c.Kind {
	case ConditionAnd, ConditionOr, ConditionNot:
		items, err := f.list("conditions")
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, invalid("%s condition requires conditions", kind)
		}
		if c.Conditions, err = decodeConditions(items); err != nil {
			return nil, err
		}
	case ConditionState:
		if c.EntityIDs, err = f.entityIDs("entity_id"); err != nil {
			return nil, err
		}
		if len(c.EntityIDs) == 0 {
			return nil, invalid("state condition requires entity_id")
		}
		if c.Attribute, err = f.str("attribute"); err != nil {
			return nil, err
		}
		if c.States, _, err = f.strings("state"); err != nil {
			return nil, err
		}
		if len(c.States) == 0 {
			return nil, invalid("state condition requires state")
		}
		if c.MatchRegex, err = f.boolean("match_regex", false); err != nil {
			return nil, err
		}
		if c.MatchRegex {
			for _, p := range c.States {
				if _, err := compileRegex(p); err != nil {
					return nil, invalid("%v", err)
				}
			}
		}
		if c.For, err = parseDuration(f["for"]); err != nil {
			return nil, invalid("for: %v", err)
		}
	case ConditionNumericState:
		if c.EntityIDs, err = f.entityIDs("entity_id"); err != nil {
			return nil, err
		}
		if len(c.EntityIDs) == 0 {
			return nil, invalid("numeric_state condition requires entity_id")
		}
		if c.Attribute, err = f.str("attribute"); err != nil {
			return nil, err
		}
		if c.ValueTemplate, err = f.str("value_template"); err != nil {
			return nil, err
		}
		if c.Above, err = parseThreshold(f["above"]); err != nil {
			return nil, err
		}
		if c.Below, err = parseThreshold(f["below"]); err != nil {
			return nil, err
		}
		if c.Above == nil && c.Below == nil {
			return nil, invalid("numeric_state condition requires above or below")
		}
	case ConditionTemplate:
		if c.ValueTemplate, err = f.str("value_template"); err != nil {
			return nil, err
		}
		if c.ValueTemplate == "" {
			return nil, invalid("template condition requires value_template")
		}
	case ConditionTrigger:
		ids, _, err := f.strings("id")
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, invalid("trigger condition requires id")
		}
		c.TriggerIDs = newStringSet(ids)
	case ConditionTime:
		for _, key := range []string{"after", "before"} {
			s, err := f.str(key)
			if err != nil {
				return nil, err
			}
			if s == "" {
				continue
			}
			spec, err := parseTimeSpec(s)
			if err != nil {
				return nil, err
			}
			if key == "after" {
				c.After = &spec
			} else {
				c.Before = &spec
			}
		}
		days, _, err := f.strings("weekday")
		if err != nil {
			return nil, err
		}
		if len(days) > 0 {
			c.Weekdays = make(map[time.Weekday]bool, len(days))
			for _, d := range days {
				wd, ok := weekdays[strings.ToLower(d)]
				if !ok {
					return nil, invalid("unknown weekday %q", d)
				}
				c.Weekdays[wd] = true
			}
		}
		if c.After == nil && c.Before == nil && c.Weekdays == nil {
			return nil, invalid("time condition requires after, before or weekday")
		}
	case ConditionZone:
		if c.EntityIDs, err = f.entityIDs("entity_id"); err != nil {
			return nil, err
		}
		if len(c.EntityIDs) == 0 {
			return nil, invalid("zone condition requires entity_id")
		}
		if c.Zone, err = f.str("zone"); err != nil {
			return nil, err
		}
		if zoneName(c.Zone) == "" {
			return nil, invalid("zone condition requires zone")
		}
	case ConditionSun:
		if err := decodeSunCondition(c, f); err != nil {
			return nil, err
		}
	default:
		return nil, invalid("unknown condition kind %q", kind)
	}
	return c, nil
}

func decodeSunCondition(c *Condition, f fields) error {
	var err error
	edges := []struct {
		key, offsetKey string
		event          *string
		offset         *time.Duration
	}{
		{"after", "after_offset", &c.SunAfter, &c.AfterOffset},
		{"before", "before_offset", &c.SunBefore, &c.BeforeOffset},
	}
	for _, e := range edges {
		if *e.event, err = f.str(e.key); err != nil {
			return err
		}
		if *e.event != "" && *e.event != SunRise && *e.event != SunSet {
			return invalid("sun %s must be sunrise or sunset, got %q", e.key, *e.event)
		}
		if *e.offset, err = parseOffset(f[e.offsetKey]); err != nil {
			return invalid("%s: %v", e.offsetKey, err)
		}
	}
	if c.SunAfter == "" && c.SunBefore == "" {
		return invalid("sun condition requires after or before")
	}
	return nil
}

// evalEnv is what a condition tree is evaluated against. states is a
// single snapshot for the whole evaluation.
type evalEnv struct {
	ctx       context.Context
	states    statestore.Reader
	now       time.Time
	vars      map[string]any
	templates template.Evaluator
}

func conditionError(format string, args ...any) error {
	return errors.Detail(errors.ErrConditionEvaluation, format, args...)
}

// evaluateAll is a short-circuit AND over conds.
func evaluateAll(conds []*Condition, env *evalEnv) (bool, error) {
	for _, c := range conds {
		ok, err := c.evaluate(env)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (c *Condition) evaluate(env *evalEnv) (bool, error) {
	switch c.Kind {
	case ConditionAnd:
		return evaluateAll(c.Conditions, env)
	case ConditionOr:
		for _, sub := range c.Conditions {
			ok, err := sub.evaluate(env)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case ConditionNot:
		for _, sub := range c.Conditions {
			ok, err := sub.evaluate(env)
			if err != nil {
				return false, err
			}
			if ok {
				return false, nil
			}
		}
		return true, nil
	case ConditionState:
		return c.evaluateState(env)
	case ConditionNumericState:
		return c.evaluateNumeric(env)
	case ConditionTemplate:
		v, err := evaluateTemplate(env, c.ValueTemplate, env.vars)
		if err != nil {
			return false, err
		}
		return template.IsTruthy(v), nil
	case ConditionTrigger:
		trig, _ := env.vars["trigger"].(map[string]any)
		id, _ := trig["id"].(string)
		return c.TriggerIDs.has(id), nil
	case ConditionTime:
		return c.evaluateTime(env)
	case ConditionZone:
		zone := zoneName(c.Zone)
		for _, id := range c.EntityIDs {
			st := env.states.Get(id)
			if st == nil {
				return false, conditionError("entity %s not found", id)
			}
			if st.Value != zone {
				return false, nil
			}
		}
		return true, nil
	case ConditionSun:
		return c.evaluateSun(env)
	}
	return false, conditionError("unknown condition kind %q", c.Kind)
}

func (c *Condition) evaluateState(env *evalEnv) (bool, error) {
	for _, id := range c.EntityIDs {
		st := env.states.Get(id)
		if st == nil {
			return false, nil
		}
		value := st.Value
		since := st.LastChanged
		if c.Attribute != "" {
			v, ok := st.Attribute(c.Attribute)
			if !ok {
				return false, nil
			}
			value = attributeString(v)
			since = st.LastUpdated
		}
		matched, err := c.matchesState(value)
		if err != nil || !matched {
			return false, err
		}
		if c.For > 0 && env.now.Sub(since) < c.For {
			return false, nil
		}
	}
	return true, nil
}

func (c *Condition) matchesState(value string) (bool, error) {
	for _, want := range c.States {
		if !c.MatchRegex {
			if value == want {
				return true, nil
			}
			continue
		}
		re, err := compileRegex(want)
		if err != nil {
			return false, conditionError("%v", err)
		}
		if re.MatchString(value) {
			return true, nil
		}
	}
	return false, nil
}

func (c *Condition) evaluateNumeric(env *evalEnv) (bool, error) {
	above, below, err := resolveThresholds(c.Above, c.Below, env.states)
	if err != nil {
		return false, conditionError("%v", err)
	}
	for _, id := range c.EntityIDs {
		st := env.states.Get(id)
		if st == nil {
			return false, conditionError("entity %s not found", id)
		}
		n, err := c.numericValue(env, st)
		if err != nil {
			return false, err
		}
		if !inRange(n, above, below) {
			return false, nil
		}
	}
	return true, nil
}

func (c *Condition) numericValue(env *evalEnv, st *types.State) (float64, error) {
	var raw any = st.Value
	if c.Attribute != "" {
		v, ok := st.Attribute(c.Attribute)
		if !ok {
			return 0, conditionError("entity %s has no attribute %q", st.EntityID, c.Attribute)
		}
		raw = v
	}
	if c.ValueTemplate != "" {
		vars := copyVars(env.vars)
		vars["state"] = st.AsMap()
		v, err := evaluateTemplate(env, c.ValueTemplate, vars)
		if err != nil {
			return 0, err
		}
		raw = v
	}
	if n, ok := types.ToFloat(raw); ok {
		return n, nil
	}
	if s, ok := raw.(string); ok {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return n, nil
		}
	}
	return 0, conditionError("value %v of %s is not numeric", raw, st.EntityID)
}

func (c *Condition) evaluateTime(env *evalEnv) (bool, error) {
	now := env.now
	if c.Weekdays != nil && !c.Weekdays[now.Weekday()] {
		return false, nil
	}
	cur := sinceMidnight(now)
	after, hasAfter, err := resolveTimeSpec(c.After, env.states)
	if err != nil {
		return false, err
	}
	before, hasBefore, err := resolveTimeSpec(c.Before, env.states)
	if err != nil {
		return false, err
	}
	switch {
	case hasAfter && hasBefore && after > before:
		// Window wraps midnight.
		return cur >= after || cur < before, nil
	case hasAfter && hasBefore:
		return cur >= after && cur < before, nil
	case hasAfter:
		return cur >= after, nil
	case hasBefore:
		return cur < before, nil
	}
	return true, nil
}

// evaluateSun compares now with today's sunrise or sunset. Both edges
// must hold, so "after sunset, before sunrise" is never true; use an or
// of two sun conditions for a night window.
func (c *Condition) evaluateSun(env *evalEnv) (bool, error) {
	sun := env.states.Get(SunEntity)
	if c.SunAfter != "" {
		at, err := sunOn(sun, c.SunAfter, env.now)
		if err != nil {
			return false, conditionError("%v", err)
		}
		if env.now.Before(at.Add(c.AfterOffset)) {
			return false, nil
		}
	}
	if c.SunBefore != "" {
		at, err := sunOn(sun, c.SunBefore, env.now)
		if err != nil {
			return false, conditionError("%v", err)
		}
		if !env.now.Before(at.Add(c.BeforeOffset)) {
			return false, nil
		}
	}
	return true, nil
}

func resolveTimeSpec(spec *timeSpec, r statestore.Reader) (timeOfDay, bool, error) {
	if spec == nil {
		return 0, false, nil
	}
	if spec.entity.IsZero() {
		return spec.fixed, true, nil
	}
	st := r.Get(spec.entity)
	if st == nil {
		return 0, false, conditionError("time entity %s not found", spec.entity)
	}
	tod, ok := parseTimeOfDay(st.Value)
	if !ok {
		return 0, false, conditionError("time entity %s state %q is not HH:MM[:SS]", spec.entity, st.Value)
	}
	return tod, true, nil
}

func resolveThresholds(above, below *threshold, r statestore.Reader) (*float64, *float64, error) {
	var a, b *float64
	if above != nil {
		v, err := above.resolve(r)
		if err != nil {
			return nil, nil, err
		}
		a = &v
	}
	if below != nil {
		v, err := below.resolve(r)
		if err != nil {
			return nil, nil, err
		}
		b = &v
	}
	return a, b, nil
}

func evaluateTemplate(env *evalEnv, expr string, vars map[string]any) (any, error) {
	if env.templates == nil {
		return nil, conditionError("no template evaluator configured for %q", expr)
	}
	scope := copyVars(vars)
	scope[template.StatesKey] = env.states
	v, err := env.templates.Evaluate(env.ctx, expr, scope)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrConditionEvaluation, err)
	}
	return v, nil
}

func copyVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars)+2)
	for k, v := range vars {
		out[k] = v
	}
	return out
}
