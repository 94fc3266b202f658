package automation

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360/homecore/errors"
	"github.com/c360/homecore/template"
	"github.com/c360/homecore/types"
)

// errHalt ends a run early without failing it: a false condition step or
// a stop step without error.
var errHalt = errors.New("run halted")

// execute runs the actions of rn and records the outcome.
func (e *Engine) execute(rn *run) {
	start := e.clock.Now()
	def := rn.rule.def
	e.publish(types.EventAutomationTriggered, types.AutomationTriggeredData{
		RuleID: def.ID,
		Name:   def.Name(),
		Source: rn.source,
	}, rn.hctx)

	err := e.runSequence(rn, def.Actions)
	elapsed := e.clock.Now().Sub(start)

	result := "success"
	switch {
	case err == nil, errors.Is(err, errHalt):
	case errors.Is(err, errors.ErrRunStopped):
		result = "cancelled"
		e.logger.Debug("Rule run cancelled", "rule", def.ID, "context_id", rn.hctx.ID)
	default:
		result = "error"
		e.logger.Warn("Rule run failed", "rule", def.ID, "context_id", rn.hctx.ID, "error", err)
	}
	e.metrics.recordRun(def.ID, result, elapsed)
}

func (e *Engine) runSequence(rn *run, steps []*Action) error {
	for _, step := range steps {
		if rn.ctx.Err() != nil {
			return errors.Detail(errors.ErrRunStopped, "rule %s", rn.rule.def.ID)
		}
		if !step.Enabled {
			continue
		}
		if err := e.runStep(rn, step); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runStep(rn *run, step *Action) error {
	switch step.Kind {
	case ActionService:
		return e.callService(rn, step)
	case ActionDelay:
		return e.delay(rn, step)
	case ActionCondition:
		ok, err := e.evaluate(rn, []*Condition{step.Condition})
		if err != nil {
			return err
		}
		if !ok {
			return errHalt
		}
		return nil
	case ActionChoose:
		for _, opt := range step.Options {
			ok, err := e.evaluate(rn, opt.Conditions)
			if err != nil {
				return err
			}
			if ok {
				return e.runSequence(rn, opt.Sequence)
			}
		}
		return e.runSequence(rn, step.Default)
	case ActionIf:
		ok, err := e.evaluate(rn, step.If)
		if err != nil {
			return err
		}
		if ok {
			return e.runSequence(rn, step.Then)
		}
		return e.runSequence(rn, step.Else)
	case ActionEvent:
		data, err := e.renderMap(rn, step.EventData)
		if err != nil {
			return err
		}
		if _, err := e.bus.Fire(step.EventType, data, types.OriginLocal, rn.hctx); err != nil {
			return errors.Wrap(err, "automation", "runStep", fmt.Sprintf("fire %s", step.EventType))
		}
		return nil
	case ActionVariables:
		for k, v := range step.Variables {
			out, err := e.renderValue(rn.ctx, v, rn.vars)
			if err != nil {
				return err
			}
			rn.vars[k] = out
		}
		return nil
	case ActionStop:
		if step.StopError {
			return errors.Detail(errors.ErrRunStopped, "stopped: %s", step.StopReason)
		}
		e.logger.Debug("Rule run stopped", "rule", rn.rule.def.ID, "reason", step.StopReason)
		return errHalt
	case ActionSequence:
		return e.runSequence(rn, step.Sequence)
	}
	return errors.Detail(errors.ErrInvalidConfig, "unknown action kind %q", step.Kind)
}

// callService invokes a command under the run's context. A failed call is
// logged and the run continues unless the step says otherwise.
func (e *Engine) callService(rn *run, step *Action) error {
	data, err := e.renderMap(rn, step.Data)
	if err != nil {
		return err
	}
	if len(step.Targets) > 0 {
		targets := make([]any, 0, len(step.Targets))
		for _, t := range step.Targets {
			out, err := template.Render(rn.ctx, e.templates, t, e.scope(rn.vars))
			if err != nil {
				return err
			}
			for _, id := range strings.Split(out, ",") {
				if id = strings.TrimSpace(id); id != "" {
					targets = append(targets, id)
				}
			}
		}
		if len(targets) == 1 {
			data["entity_id"] = targets[0]
		} else {
			data["entity_id"] = targets
		}
	}

	// The call itself is not interrupted by cancellation; cancellation
	// takes effect at the next step boundary.
	resp, err := e.commands.Call(context.WithoutCancel(rn.ctx), step.Domain, step.Service,
		data, rn.hctx, step.ResponseVariable != "")
	if err != nil {
		if step.StopOnError {
			return err
		}
		e.logger.Warn("Command call failed",
			"rule", rn.rule.def.ID,
			"command", step.Domain+"."+step.Service,
			"context_id", rn.hctx.ID,
			"error", err)
		return nil
	}
	if step.ResponseVariable != "" {
		rn.vars[step.ResponseVariable] = resp
	}
	return nil
}

func (e *Engine) delay(rn *run, step *Action) error {
	d := step.Delay
	if step.DelayTemplate != "" {
		out, err := template.Render(rn.ctx, e.templates, step.DelayTemplate, e.scope(rn.vars))
		if err != nil {
			return err
		}
		if d, err = parseDuration(out); err != nil {
			return errors.Detail(errors.ErrTemplateEvaluation, "delay %q: %v", out, err)
		}
	}
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	t := e.clock.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-rn.ctx.Done():
		t.Stop()
		return errors.Detail(errors.ErrRunStopped, "rule %s during delay", rn.rule.def.ID)
	}
}

// evaluate checks conds against a fresh snapshot.
func (e *Engine) evaluate(rn *run, conds []*Condition) (bool, error) {
	return evaluateAll(conds, e.env(rn.ctx, rn.vars))
}

func (e *Engine) renderMap(rn *run, m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		r, err := e.renderValue(rn.ctx, v, rn.vars)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

// renderValue evaluates every "{{ }}" string inside v. A template yields a
// typed value, not its string form.
func (e *Engine) renderValue(ctx context.Context, v any, vars map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		if e.templates == nil || !template.IsTemplate(t) {
			return t, nil
		}
		return e.templates.Evaluate(ctx, t, e.scope(vars))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			r, err := e.renderValue(ctx, item, vars)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			r, err := e.renderValue(ctx, item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

// scope adds the live state reader to template variables.
func (e *Engine) scope(vars map[string]any) map[string]any {
	out := copyVars(vars)
	out[template.StatesKey] = e.states
	return out
}
