package automation

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ActionKind names an action step type.
type ActionKind string

// Action kinds.
const (
	ActionService   ActionKind = "service"
	ActionDelay     ActionKind = "delay"
	ActionCondition ActionKind = "condition"
	ActionChoose    ActionKind = "choose"
	ActionIf        ActionKind = "if"
	ActionEvent     ActionKind = "event"
	ActionVariables ActionKind = "variables"
	ActionStop      ActionKind = "stop"
	ActionSequence  ActionKind = "sequence"
)

// Action is one step of an action sequence. Only the fields of its Kind
// are set.
type Action struct {
	Kind    ActionKind
	Alias   string
	Enabled bool

	// service
	Domain           string
	Service          string
	Data             map[string]any
	Targets          []string
	ResponseVariable string
	// StopOnError makes a failed command call abort the run.
	StopOnError bool

	// delay; DelayTemplate is rendered at run time when set.
	Delay         time.Duration
	DelayTemplate string

	// condition
	Condition *Condition

	// choose
	Options []ChooseOption
	Default []*Action

	// if
	If   []*Condition
	Then []*Action
	Else []*Action

	// event
	EventType string
	EventData map[string]any

	// variables
	Variables map[string]any

	// stop
	StopReason string
	StopError  bool

	// sequence
	Sequence []*Action
}

// ChooseOption is one branch of a choose step.
type ChooseOption struct {
	Conditions []*Condition
	Sequence   []*Action
}

func decodeActions(items []any) ([]*Action, error) {
	out := make([]*Action, 0, len(items))
	for i, raw := range items {
		a, err := decodeAction(raw)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func decodeAction(raw any) (*Action, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, invalid("action must be a mapping")
	}
	f := fields(m)
	a := &Action{}
	var err error
	if a.Alias, err = f.str("alias"); err != nil {
		return nil, err
	}
	if a.Enabled, err = f.boolean("enabled", true); err != nil {
		return nil, err
	}

	_, actionIsString := f["action"].(string)
	switch {
	case f.has("service") || actionIsString:
		err = decodeServiceAction(a, f)
	case f.has("delay"):
		a.Kind = ActionDelay
		if s, ok := f["delay"].(string); ok && strings.Contains(s, "{{") {
			a.DelayTemplate = s
		} else if a.Delay, err = parseDuration(f["delay"]); err != nil {
			err = invalid("delay: %v", err)
		}
	case f.has("choose"):
		err = decodeChooseAction(a, f)
	case f.has("if"):
		err = decodeIfAction(a, f)
	case f.has("condition"):
		a.Kind = ActionCondition
		a.Condition, err = decodeCondition(m)
	case f.has("event"):
		a.Kind = ActionEvent
		if a.EventType, err = f.str("event"); err == nil {
			a.EventData, err = f.mapping("event_data")
		}
		if err == nil && a.EventType == "" {
			err = invalid("event action requires event")
		}
	case f.has("variables"):
		a.Kind = ActionVariables
		if a.Variables, err = f.mapping("variables"); err == nil && a.Variables == nil {
			err = invalid("variables must be a mapping")
		}
	case f.has("stop"):
		a.Kind = ActionStop
		if a.StopReason, err = f.str("stop"); err == nil {
			a.StopError, err = f.boolean("error", false)
		}
	case f.has("sequence"):
		a.Kind = ActionSequence
		var items []any
		if items, err = f.list("sequence"); err == nil {
			a.Sequence, err = decodeActions(items)
		}
	default:
		err = invalid("unrecognized action with keys %s", strings.Join(keys(m), ", "))
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func decodeServiceAction(a *Action, f fields) error {
	a.Kind = ActionService
	name, err := f.str("service")
	if err != nil {
		return err
	}
	if name == "" {
		if name, err = f.str("action"); err != nil {
			return err
		}
	}
	domain, service, ok := strings.Cut(name, ".")
	if !ok || domain == "" || service == "" {
		return invalid("service %q must be domain.name", name)
	}
	a.Domain, a.Service = domain, service

	data, err := f.mapping("data")
	if err != nil {
		return err
	}
	if data == nil {
		if data, err = f.mapping("service_data"); err != nil {
			return err
		}
	}
	a.Data = data

	if f.has("entity_id") {
		targets, _, err := f.strings("entity_id")
		if err != nil {
			return err
		}
		a.Targets = append(a.Targets, targets...)
	}
	target, err := f.mapping("target")
	if err != nil {
		return err
	}
	if target != nil {
		targets, _, err := fields(target).strings("entity_id")
		if err != nil {
			return err
		}
		a.Targets = append(a.Targets, targets...)
	}

	if a.ResponseVariable, err = f.str("response_variable"); err != nil {
		return err
	}
	if a.StopOnError, err = f.boolean("stop_on_error", false); err != nil {
		return err
	}
	continueOnError, err := f.boolean("continue_on_error", true)
	if err != nil {
		return err
	}
	if !continueOnError {
		a.StopOnError = true
	}
	return nil
}

func decodeChooseAction(a *Action, f fields) error {
	a.Kind = ActionChoose
	options, err := f.list("choose")
	if err != nil {
		return err
	}
	for i, raw := range options {
		m, ok := raw.(map[string]any)
		if !ok {
			return invalid("choose option %d must be a mapping", i)
		}
		of := fields(m)
		condItems, err := of.list("conditions", "condition")
		if err != nil {
			return err
		}
		conds, err := decodeConditions(condItems)
		if err != nil {
			return fmt.Errorf("choose option %d: %w", i, err)
		}
		seqItems, err := of.list("sequence")
		if err != nil {
			return err
		}
		seq, err := decodeActions(seqItems)
		if err != nil {
			return fmt.Errorf("choose option %d: %w", i, err)
		}
		a.Options = append(a.Options, ChooseOption{Conditions: conds, Sequence: seq})
	}
	def, err := f.list("default")
	if err != nil {
		return err
	}
	a.Default, err = decodeActions(def)
	return err
}

func decodeIfAction(a *Action, f fields) error {
	a.Kind = ActionIf
	condItems, err := f.list("if")
	if err != nil {
		return err
	}
	if a.If, err = decodeConditions(condItems); err != nil {
		return err
	}
	thenItems, err := f.list("then")
	if err != nil {
		return err
	}
	if len(thenItems) == 0 {
		return invalid("if action requires then")
	}
	if a.Then, err = decodeActions(thenItems); err != nil {
		return err
	}
	elseItems, err := f.list("else")
	if err != nil {
		return err
	}
	a.Else, err = decodeActions(elseItems)
	return err
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
