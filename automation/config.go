package automation

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/c360/homecore/errors"
	"github.com/c360/homecore/types"
)

// Mode is the policy applied when a rule fires while a run is active.
type Mode string

// Execution modes.
const (
	ModeSingle   Mode = "single"
	ModeRestart  Mode = "restart"
	ModeQueued   Mode = "queued"
	ModeParallel Mode = "parallel"
)

// DefaultQueueMax bounds queued runs (running plus waiting) when neither
// the rule nor the engine configures a limit.
const DefaultQueueMax = 10

// Definition is a decoded automation rule.
type Definition struct {
	ID          string
	Alias       string
	Description string
	Mode        Mode
	// Max bounds concurrent runs: running plus waiting for queued, running
	// for parallel. Zero means unbounded for parallel and the engine default
	// for queued.
	Max        int
	Enabled    bool
	Variables  map[string]any
	Triggers   []*Trigger
	Conditions []*Condition
	Actions    []*Action
}

// Name returns the alias, or the id when no alias is set.
func (d *Definition) Name() string {
	if d.Alias != "" {
		return d.Alias
	}
	return d.ID
}

// ParseDefinitions decodes YAML or JSON holding a list of rules, a single
// rule, or a mapping with an "automation" key.
func ParseDefinitions(data []byte) ([]*Definition, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"automation", "ParseDefinitions", "parse document")
	}
	doc = normalize(doc)

	var items []any
	switch t := doc.(type) {
	case nil:
		return nil, nil
	case []any:
		items = t
	case map[string]any:
		if nested, ok := t["automation"]; ok {
			list, ok := nested.([]any)
			if !ok {
				return nil, errors.WrapInvalid(errors.Detail(errors.ErrInvalidConfig, "automation must be a list"),
					"automation", "ParseDefinitions", "parse document")
			}
			items = list
		} else {
			items = []any{t}
		}
	default:
		return nil, errors.WrapInvalid(errors.Detail(errors.ErrInvalidConfig, "unexpected document type %T", doc),
			"automation", "ParseDefinitions", "parse document")
	}

	defs := make([]*Definition, 0, len(items))
	var errs []error
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Errorf("automation %d: expected mapping, got %T", i, item))
			continue
		}
		def, err := DecodeDefinition(m)
		if err != nil {
			errs = append(errs, fmt.Errorf("automation %d: %w", i, err))
			continue
		}
		defs = append(defs, def)
	}
	if len(errs) > 0 {
		return nil, errors.WrapInvalid(errors.Join(errs...), "automation", "ParseDefinitions", "decode rules")
	}
	return defs, nil
}

// DecodeDefinition decodes one rule from its generic map form. Keys
// "trigger", "condition" and "action" are accepted as aliases of their
// plural forms.
func DecodeDefinition(raw map[string]any) (*Definition, error) {
	f := fields(normalize(raw).(map[string]any))
	def := &Definition{Enabled: true}
	var err error

	if def.ID, err = f.str("id"); err != nil {
		return nil, err
	}
	if def.Alias, err = f.str("alias"); err != nil {
		return nil, err
	}
	if def.Description, err = f.str("description"); err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.Enabled, err = f.boolean("enabled", true); err != nil {
		return nil, err
	}

	mode, err := f.str("mode")
	if err != nil {
		return nil, err
	}
	def.Mode = Mode(mode)
	switch def.Mode {
	case "":
		def.Mode = ModeSingle
	case ModeSingle, ModeRestart, ModeQueued, ModeParallel:
	default:
		return nil, invalid("unknown mode %q", mode)
	}
	if def.Max, err = f.integer("max", 0); err != nil {
		return nil, err
	}
	if def.Max < 0 {
		return nil, invalid("max must not be negative")
	}

	if v, ok := f["variables"]; ok && v != nil {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, invalid("variables must be a mapping")
		}
		def.Variables = m
	}

	triggers, err := f.list("triggers", "trigger")
	if err != nil {
		return nil, err
	}
	if len(triggers) == 0 {
		return nil, invalid("at least one trigger is required")
	}
	for i, raw := range triggers {
		t, err := decodeTrigger(raw, i)
		if err != nil {
			return nil, fmt.Errorf("trigger %d: %w", i, err)
		}
		def.Triggers = append(def.Triggers, t)
	}

	conditions, err := f.list("conditions", "condition")
	if err != nil {
		return nil, err
	}
	if def.Conditions, err = decodeConditions(conditions); err != nil {
		return nil, err
	}

	actions, err := f.list("actions", "action")
	if err != nil {
		return nil, err
	}
	if def.Actions, err = decodeActions(actions); err != nil {
		return nil, err
	}
	return def, nil
}

func invalid(format string, args ...any) error {
	return errors.Detail(errors.ErrInvalidConfig, format, args...)
}

// normalize converts map[any]any produced by some decoders into
// map[string]any, recursively.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	}
	return v
}

// fields is a decoded mapping with typed accessors.
type fields map[string]any

func (f fields) has(key string) bool {
	_, ok := f[key]
	return ok
}

func (f fields) str(key string) (string, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return "", nil
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case int, int64, float64, bool:
		return fmt.Sprint(t), nil
	}
	return "", invalid("%s must be a string", key)
}

func (f fields) boolean(key string, def bool) (bool, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, invalid("%s must be a boolean", key)
	}
	return b, nil
}

func (f fields) integer(key string, def int) (int, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return def, nil
	}
	n, ok := types.ToFloat(v)
	if !ok || n != float64(int(n)) {
		return 0, invalid("%s must be an integer", key)
	}
	return int(n), nil
}

// list returns the value under the first present key as a list; a single
// item is wrapped.
func (f fields) list(keys ...string) ([]any, error) {
	for _, key := range keys {
		v, ok := f[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case nil:
			return nil, nil
		case []any:
			return t, nil
		default:
			return []any{t}, nil
		}
	}
	return nil, nil
}

// strings returns a string or list of strings. present reports whether the
// key was set to a non-null value.
func (f fields) strings(key string) (vals []string, present bool, err error) {
	v, ok := f[key]
	if !ok || v == nil {
		return nil, false, nil
	}
	vals, err = stringList(v)
	if err != nil {
		return nil, true, invalid("%s: %v", key, err)
	}
	return vals, true, nil
}

func (f fields) entityIDs(key string) ([]types.EntityID, error) {
	vals, _, err := f.strings(key)
	if err != nil {
		return nil, err
	}
	out := make([]types.EntityID, 0, len(vals))
	for _, s := range vals {
		for _, part := range strings.Split(s, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := types.ParseEntityID(part)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out = append(out, id)
		}
	}
	return out, nil
}

func (f fields) mapping(key string) (map[string]any, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, invalid("%s must be a mapping", key)
	}
	return m, nil
}

func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, err := scalarString(e)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}
	s, err := scalarString(v)
	if err != nil {
		return nil, err
	}
	return []string{s}, nil
}

func scalarString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return fmt.Sprint(t), nil
	}
	if _, ok := types.ToFloat(v); ok {
		return fmt.Sprint(v), nil
	}
	return "", fmt.Errorf("expected a scalar, got %T", v)
}

// stringSet is a set of strings with O(1) membership.
type stringSet map[string]struct{}

func newStringSet(vals []string) stringSet {
	s := make(stringSet, len(vals))
	for _, v := range vals {
		s[v] = struct{}{}
	}
	return s
}

func (s stringSet) has(v string) bool {
	_, ok := s[v]
	return ok
}
