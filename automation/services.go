package automation

import (
	"context"

	"github.com/c360/homecore/command"
	"github.com/c360/homecore/errors"
)

// Domain is the command domain under which rule control commands register.
const Domain = "automation"

// Registrar is the part of the command registry RegisterServices needs.
type Registrar interface {
	Register(desc command.Descriptor) error
}

// ReloadFunc produces a fresh set of definitions for automation.reload.
type ReloadFunc func() ([]*Definition, error)

var idSchema = map[string]any{
	"type":                 "object",
	"required":             []any{"id"},
	"additionalProperties": false,
	"properties": map[string]any{
		"id": map[string]any{"type": "string", "minLength": 1},
	},
}

// RegisterServices registers trigger, turn_on, turn_off, toggle and, when
// reload is non-nil, reload.
func RegisterServices(reg Registrar, e *Engine, reload ReloadFunc) error {
	descs := []command.Descriptor{
		{
			Domain:      Domain,
			Name:        "trigger",
			Description: "Run a rule's actions now",
			Schema: map[string]any{
				"type":                 "object",
				"required":             []any{"id"},
				"additionalProperties": false,
				"properties": map[string]any{
					"id":             map[string]any{"type": "string", "minLength": 1},
					"skip_condition": map[string]any{"type": "boolean"},
					"variables":      map[string]any{"type": "object"},
				},
			},
			Response: command.ResponseOptional,
			Handler: func(ctx context.Context, call *command.Call) (map[string]any, error) {
				id, _ := call.Data["id"].(string)
				vars, _ := call.Data["variables"].(map[string]any)
				opts := []TriggerOption{WithCause(call.Context)}
				// skip_condition defaults to true, as for a manual run
				if skip, ok := call.Data["skip_condition"].(bool); !ok || skip {
					opts = append(opts, SkipCondition())
				}
				started, err := e.Trigger(ctx, id, vars, opts...)
				if err != nil {
					return nil, err
				}
				return map[string]any{"started": started}, nil
			},
		},
		{
			Domain:      Domain,
			Name:        "turn_on",
			Description: "Enable a rule",
			Schema:      idSchema,
			Handler: func(_ context.Context, call *command.Call) (map[string]any, error) {
				return nil, e.Enable(call.Data["id"].(string))
			},
		},
		{
			Domain:      Domain,
			Name:        "turn_off",
			Description: "Disable a rule and cancel its runs",
			Schema:      idSchema,
			Handler: func(_ context.Context, call *command.Call) (map[string]any, error) {
				return nil, e.Disable(call.Data["id"].(string))
			},
		},
		{
			Domain:      Domain,
			Name:        "toggle",
			Description: "Flip a rule between enabled and disabled",
			Schema:      idSchema,
			Handler: func(_ context.Context, call *command.Call) (map[string]any, error) {
				id := call.Data["id"].(string)
				st, err := e.Status(id)
				if err != nil {
					return nil, err
				}
				if st.Enabled {
					return nil, e.Disable(id)
				}
				return nil, e.Enable(id)
			},
		},
	}
	if reload != nil {
		descs = append(descs, command.Descriptor{
			Domain:      Domain,
			Name:        "reload",
			Description: "Reload every rule from configuration",
			Handler: func(_ context.Context, _ *command.Call) (map[string]any, error) {
				defs, err := reload()
				if err != nil {
					return nil, err
				}
				return nil, e.Reload(defs)
			},
		})
	}

	for _, d := range descs {
		if err := reg.Register(d); err != nil {
			return errors.Wrap(err, "automation", "RegisterServices", "register "+d.Key())
		}
	}
	return nil
}
