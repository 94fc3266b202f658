package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/c360/homecore/bus"
	"github.com/c360/homecore/clock"
	"github.com/c360/homecore/errors"
	"github.com/c360/homecore/metric"
	"github.com/c360/homecore/statestore"
	"github.com/c360/homecore/template"
	"github.com/c360/homecore/types"
)

// EventBus is the part of the event bus the engine needs.
type EventBus interface {
	Subscribe(eventType string, handler bus.Handler) *bus.Subscription
	Fire(eventType string, data any, origin types.EventOrigin, ctx *types.Context) (*types.Event, error)
	IsExcludedFromMatchAll(eventType string) bool
}

// StateSource gives the engine live and snapshot access to entity states.
type StateSource interface {
	statestore.Reader
	Snapshot() *statestore.View
}

// CommandCaller invokes commands on behalf of rule runs.
type CommandCaller interface {
	Call(ctx context.Context, domain, name string, data map[string]any,
		callCtx *types.Context, wantResponse bool) (map[string]any, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics registers engine metrics with registrar.
func WithMetrics(registrar metric.MetricsRegistrar) Option {
	return func(e *Engine) {
		e.metrics = newEngineMetrics(registrar)
	}
}

// WithClock replaces the time source for timers, delays and schedules.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLocation sets the zone wall-clock triggers and conditions use.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithTemplates sets the evaluator for value templates.
func WithTemplates(ev template.Evaluator) Option {
	return func(e *Engine) {
		e.templates = ev
	}
}

// WithMaxContextDepth bounds the causal chain a trigger may sit at the end
// of. Zero disables the depth check.
func WithMaxContextDepth(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxDepth = n
		}
	}
}

// WithSelfRetrigger lets a rule be triggered by effects of its own runs.
func WithSelfRetrigger(allow bool) Option {
	return func(e *Engine) {
		e.allowSelf = allow
	}
}

// WithDefaultQueueMax sets the limit for queued rules that configure none.
func WithDefaultQueueMax(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueMax = n
		}
	}
}

// WithLineageSize sets how many recent contexts are remembered for loop
// detection.
func WithLineageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.lineageSize = n
		}
	}
}

// rule is a loaded Definition with its runtime state.
type rule struct {
	def    *Definition
	runner *runner

	mu            sync.Mutex
	enabled       bool
	lastTriggered time.Time
	templateTrue  map[int]bool
	armed         map[timerKey]string
}

func (r *rule) isEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// RuleStatus is a point-in-time view of one rule.
type RuleStatus struct {
	ID            string
	Alias         string
	Enabled       bool
	Mode          Mode
	Max           int
	LastTriggered time.Time
	CurrentRuns   int
	Queued        int
}

// Engine evaluates rules against bus events and runs their actions.
type Engine struct {
	bus       EventBus
	states    StateSource
	commands  CommandCaller
	templates template.Evaluator

	clock   clock.Clock
	loc     *time.Location
	logger  *slog.Logger
	metrics *engineMetrics

	maxDepth    int
	allowSelf   bool
	lineageSize int
	queueMax    int

	lineage *lineage
	timers  *timerSet

	mu      sync.RWMutex
	rules   map[string]*rule
	order   []string
	subs    []*bus.Subscription
	extra   map[string]bool
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
}

// NewEngine creates an engine. Rules are added with Load or Add and
// evaluated once Start is called.
func NewEngine(b EventBus, states StateSource, commands CommandCaller, opts ...Option) (*Engine, error) {
	if b == nil || states == nil || commands == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "automation", "NewEngine",
			"bus, states and commands are required")
	}
	e := &Engine{
		bus:         b,
		states:      states,
		commands:    commands,
		clock:       clock.Real(),
		loc:         time.Local,
		logger:      slog.Default().With("component", "automation"),
		maxDepth:    DefaultMaxContextDepth,
		lineageSize: DefaultLineageSize,
		queueMax:    DefaultQueueMax,
		rules:       make(map[string]*rule),
		extra:       make(map[string]bool),
		runCtx:      context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}

	lin, err := newLineage(e.lineageSize, e.maxDepth, e.allowSelf)
	if err != nil {
		return nil, errors.WrapInvalid(err, "automation", "NewEngine", "create lineage cache")
	}
	e.lineage = lin
	e.timers = newTimerSet(e.clock)
	return e, nil
}

func (e *Engine) newRule(def *Definition) *rule {
	r := &rule{
		def:          def,
		enabled:      def.Enabled,
		templateTrue: make(map[int]bool),
		armed:        make(map[timerKey]string),
	}
	max := def.Max
	if def.Mode == ModeQueued && max == 0 {
		max = e.queueMax
	}
	r.runner = newRunner(def.Mode, max, e.execute)
	return r
}

// Load replaces every rule with defs. Runs and timers of the previous
// rules are cancelled.
func (e *Engine) Load(defs []*Definition) error {
	rules := make(map[string]*rule, len(defs))
	order := make([]string, 0, len(defs))
	for _, def := range defs {
		if _, dup := rules[def.ID]; dup {
			return errors.WrapInvalid(errors.Detail(errors.ErrRuleExists, "duplicate rule id %q", def.ID),
				"automation", "Load", "index rules")
		}
		rules[def.ID] = e.newRule(def)
		order = append(order, def.ID)
	}

	e.mu.Lock()
	old := e.rules
	e.rules = rules
	e.order = order
	started := e.started
	e.mu.Unlock()

	for _, r := range old {
		e.retire(r)
	}
	if started {
		for _, id := range order {
			e.activate(rules[id])
		}
	}
	e.metrics.setRules(len(rules))
	e.logger.Info("Rules loaded", "count", len(rules))
	return nil
}

// Reload is Load followed by an automation_reloaded event.
func (e *Engine) Reload(defs []*Definition) error {
	if err := e.Load(defs); err != nil {
		return err
	}
	e.publish(types.EventAutomationReloaded, map[string]any{"count": len(defs)}, nil)
	return nil
}

// Add installs one rule.
func (e *Engine) Add(def *Definition) error {
	e.mu.Lock()
	if _, ok := e.rules[def.ID]; ok {
		e.mu.Unlock()
		return errors.WrapInvalid(errors.Detail(errors.ErrRuleExists, "rule %q", def.ID),
			"automation", "Add", "install rule")
	}
	r := e.newRule(def)
	e.rules[def.ID] = r
	e.order = append(e.order, def.ID)
	started := e.started
	n := len(e.rules)
	e.mu.Unlock()

	if started {
		e.activate(r)
	}
	e.metrics.setRules(n)
	return nil
}

// Remove uninstalls a rule, cancelling its runs and timers.
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	r, ok := e.rules[id]
	if !ok {
		e.mu.Unlock()
		return errors.WrapInvalid(errors.Detail(errors.ErrRuleNotFound, "rule %q", id),
			"automation", "Remove", "lookup rule")
	}
	delete(e.rules, id)
	for i, other := range e.order {
		if other == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	n := len(e.rules)
	e.mu.Unlock()

	e.retire(r)
	e.metrics.setRules(n)
	return nil
}

// Enable turns a rule on.
func (e *Engine) Enable(id string) error {
	r, err := e.lookup(id, "Enable")
	if err != nil {
		return err
	}
	r.mu.Lock()
	was := r.enabled
	r.enabled = true
	r.mu.Unlock()
	if !was && e.running() {
		e.activate(r)
	}
	return nil
}

// Disable turns a rule off, cancelling its runs and pending timers.
func (e *Engine) Disable(id string) error {
	r, err := e.lookup(id, "Disable")
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.enabled = false
	r.mu.Unlock()
	e.deactivate(r)
	return nil
}

// Rules returns the loaded definitions in load order.
func (e *Engine) Rules() []*Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Definition, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.rules[id].def)
	}
	return out
}

// Status reports the runtime state of a rule.
func (e *Engine) Status(id string) (RuleStatus, error) {
	r, err := e.lookup(id, "Status")
	if err != nil {
		return RuleStatus{}, err
	}
	active, queued := r.runner.counts()
	r.mu.Lock()
	defer r.mu.Unlock()
	return RuleStatus{
		ID:            r.def.ID,
		Alias:         r.def.Alias,
		Enabled:       r.enabled,
		Mode:          r.def.Mode,
		Max:           r.runner.max,
		LastTriggered: r.lastTriggered,
		CurrentRuns:   active,
		Queued:        queued,
	}, nil
}

// TriggerOption modifies a manual Trigger call.
type TriggerOption func(*triggerOptions)

type triggerOptions struct {
	skipCondition bool
	cause         *types.Context
}

// SkipCondition runs the actions without evaluating the rule's conditions.
func SkipCondition() TriggerOption {
	return func(o *triggerOptions) { o.skipCondition = true }
}

// WithCause makes the run a child of ctx.
func WithCause(ctx *types.Context) TriggerOption {
	return func(o *triggerOptions) { o.cause = ctx }
}

// Trigger runs a rule manually. vars are added to the run variables. It
// reports whether a run was started; a disabled rule or a false condition
// is not an error. A cause whose lineage fails the loop check is refused
// with ErrLoopDetected.
func (e *Engine) Trigger(ctx context.Context, id string, vars map[string]any, opts ...TriggerOption) (bool, error) {
	r, err := e.lookup(id, "Trigger")
	if err != nil {
		return false, err
	}
	if !e.running() {
		return false, errors.WrapInvalid(errors.ErrNotStarted, "automation", "Trigger", "check engine state")
	}
	var o triggerOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !r.isEnabled() {
		e.logger.Debug("Manual trigger of disabled rule ignored", "rule", id)
		return false, nil
	}
	if err := e.lineage.check(id, o.cause); err != nil {
		e.metrics.recordLoop(id)
		e.logger.Warn("Manual trigger refused", "rule", id, "context_id", o.cause.ID, "error", err)
		return false, errors.WrapInvalid(err, "automation", "Trigger", "check context lineage")
	}

	runVars := e.ruleVars(ctx, r, map[string]any{"platform": nil})
	for k, v := range vars {
		runVars[k] = v
	}
	if !o.skipCondition {
		ok, err := evaluateAll(r.def.Conditions, e.env(ctx, runVars))
		if err != nil {
			e.metrics.recordConditionError(id)
			return false, errors.Wrap(err, "automation", "Trigger", "evaluate conditions")
		}
		if !ok {
			return false, nil
		}
	}
	if err := e.start(r, runVars, o.cause, "manual", ""); err != nil {
		return false, err
	}
	return true, nil
}

// Start subscribes to the bus and arms scheduled triggers. Runs derive
// from ctx; cancelling it cancels them.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "automation", "Start", "check engine state")
	}
	e.started = true
	e.runCtx, e.cancel = context.WithCancel(ctx)
	e.subs = append(e.subs, e.bus.Subscribe(bus.MatchAll, e.handleEvent))
	rules := e.orderedLocked()
	e.mu.Unlock()

	for _, r := range rules {
		r.runner.resume()
		e.activate(r)
	}
	e.logger.Info("Rule engine started", "rules", len(rules))
	return nil
}

// Wait blocks until every rule's started runs have returned, without
// cancelling them, or until timeout passes. It reports whether all rules
// went idle.
func (e *Engine) Wait(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for _, r := range e.ordered() {
		if !r.runner.wait(time.Until(deadline)) {
			return false
		}
	}
	return true
}

// Stop unsubscribes from the bus, cancels timers and runs, and waits up to
// timeout for runs to return.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "automation", "Stop", "check engine state")
	}
	e.started = false
	subs := e.subs
	e.subs = nil
	e.extra = make(map[string]bool)
	cancel := e.cancel
	rules := e.orderedLocked()
	e.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	e.timers.cancelAll()
	e.metrics.setPendingTimers(0)
	cancel()

	deadline := time.Now().Add(timeout)
	var stuck []string
	for _, r := range rules {
		r.runner.stop()
		r.mu.Lock()
		clear(r.armed)
		r.mu.Unlock()
		if !r.runner.wait(time.Until(deadline)) {
			stuck = append(stuck, r.def.ID)
		}
	}
	if len(stuck) > 0 {
		return errors.WrapTransient(fmt.Errorf("%w: runs still active for %v", context.DeadlineExceeded, stuck),
			"automation", "Stop", "wait for runs")
	}
	e.logger.Info("Rule engine stopped")
	return nil
}

func (e *Engine) running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started
}

func (e *Engine) lookup(id, method string) (*rule, error) {
	e.mu.RLock()
	r, ok := e.rules[id]
	e.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(errors.Detail(errors.ErrRuleNotFound, "rule %q", id),
			"automation", method, "lookup rule")
	}
	return r, nil
}

func (e *Engine) orderedLocked() []*rule {
	out := make([]*rule, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.rules[id])
	}
	return out
}

func (e *Engine) ordered() []*rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.orderedLocked()
}

// activate subscribes to match-all excluded event types the rule listens
// for, arms its scheduled triggers and primes template triggers.
func (e *Engine) activate(r *rule) {
	for _, trig := range r.def.Triggers {
		if trig.EventType != "" && e.bus.IsExcludedFromMatchAll(trig.EventType) {
			e.subscribeExact(trig.EventType)
		}
	}
	if !r.isEnabled() {
		return
	}
	for _, trig := range r.def.Triggers {
		switch trig.Kind {
		case TriggerTime, TriggerTimePattern, TriggerSun:
			e.schedule(r, trig)
		case TriggerTemplate:
			v, err := e.evalTemplate(e.runContext(), trig.ValueTemplate, nil)
			r.mu.Lock()
			r.templateTrue[trig.Index] = err == nil && template.IsTruthy(v)
			r.mu.Unlock()
		}
	}
}

func (e *Engine) subscribeExact(eventType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.extra[eventType] {
		return
	}
	e.extra[eventType] = true
	e.subs = append(e.subs, e.bus.Subscribe(eventType, e.handleEvent))
}

// deactivate cancels the rule's timers and runs but keeps it loaded.
func (e *Engine) deactivate(r *rule) {
	e.timers.cancelRule(r.def.ID)
	e.metrics.setPendingTimers(e.timers.count())
	r.runner.cancel()
	r.mu.Lock()
	clear(r.armed)
	clear(r.templateTrue)
	r.mu.Unlock()
}

// retire stops a rule for good.
func (e *Engine) retire(r *rule) {
	r.mu.Lock()
	r.enabled = false
	r.mu.Unlock()
	e.deactivate(r)
	r.runner.stop()
}

func (e *Engine) runContext() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runCtx
}

func (e *Engine) now() time.Time {
	return e.clock.Now().In(e.loc)
}

// handleEvent dispatches one bus event to every enabled rule.
func (e *Engine) handleEvent(ctx context.Context, ev *types.Event) error {
	e.lineage.observe(ev.Context)

	var sc *types.StateChangedData
	switch d := ev.Data.(type) {
	case types.StateChangedData:
		sc = &d
	case *types.StateChangedData:
		sc = d
	}

	for _, r := range e.ordered() {
		if !r.isEnabled() {
			continue
		}
		for _, trig := range r.def.Triggers {
			switch trig.Kind {
			case TriggerState:
				if sc != nil && trig.watches(sc.EntityID) {
					e.onState(ctx, r, trig, sc, ev)
				}
			case TriggerNumericState:
				if sc != nil && trig.watches(sc.EntityID) {
					e.onNumeric(ctx, r, trig, sc, ev)
				}
			case TriggerTemplate:
				if sc != nil {
					e.onTemplate(ctx, r, trig, sc, ev)
				}
			case TriggerEvent, TriggerHomeAssistant:
				if trig.matchEvent(ev) {
					e.fire(ctx, r, trig, e.eventVars(trig, ev), ev.Context, ev.EventType, ev.EventType)
				}
			case TriggerZone:
				if sc != nil && trig.watches(sc.EntityID) && trig.matchZone(sc.OldState, sc.NewState) {
					e.fire(ctx, r, trig, e.zoneVars(trig, sc), ev.Context, sc.EntityID.String(), ev.EventType)
				}
			case TriggerTime:
				if sc != nil && trig.referencesEntity(sc.EntityID) {
					e.schedule(r, trig)
				}
			case TriggerSun:
				if sc != nil && sc.EntityID == SunEntity {
					e.schedule(r, trig)
				}
			}
		}
	}
	return nil
}

func (e *Engine) onState(ctx context.Context, r *rule, trig *Trigger, sc *types.StateChangedData, ev *types.Event) {
	key := timerKey{rule: r.def.ID, trigger: trig.Index, entity: sc.EntityID}
	switch trig.matchState(sc.OldState, sc.NewState) {
	case transitionMatch:
		vars := e.stateVars(trig, sc.EntityID, sc.OldState, sc.NewState)
		if trig.For <= 0 {
			e.fire(ctx, r, trig, vars, ev.Context, sc.EntityID.String(), ev.EventType)
			return
		}
		armedValue, _ := trig.watchedValue(sc.NewState)
		e.armFor(r, trig, key, armedValue, func() {
			if !trig.stillHolds(e.states.Get(sc.EntityID), armedValue) {
				return
			}
			e.fire(e.runContext(), r, trig, vars, ev.Context, sc.EntityID.String(), ev.EventType)
		})
	case transitionReject:
		r.mu.Lock()
		armedValue, ok := r.armed[key]
		r.mu.Unlock()
		if ok && !trig.stillHolds(sc.NewState, armedValue) {
			e.cancelFor(r, key)
		}
	}
}

func (e *Engine) onNumeric(ctx context.Context, r *rule, trig *Trigger, sc *types.StateChangedData, ev *types.Event) {
	key := timerKey{rule: r.def.ID, trigger: trig.Index, entity: sc.EntityID}
	above, below, err := resolveThresholds(trig.Above, trig.Below, e.states)
	if err != nil {
		e.logger.Debug("Numeric threshold unavailable", "rule", r.def.ID, "error", err)
		return
	}
	inside := func(st *types.State) bool {
		v, ok := e.numericOf(ctx, trig, st)
		return ok && inRange(v, above, below)
	}
	if !inside(sc.NewState) {
		e.cancelFor(r, key)
		return
	}
	if inside(sc.OldState) {
		return
	}

	vars := e.stateVars(trig, sc.EntityID, sc.OldState, sc.NewState)
	vars["above"], vars["below"] = floatOrNil(above), floatOrNil(below)
	if trig.For <= 0 {
		e.fire(ctx, r, trig, vars, ev.Context, sc.EntityID.String(), ev.EventType)
		return
	}
	e.armFor(r, trig, key, "", func() {
		if !inside(e.states.Get(sc.EntityID)) {
			return
		}
		e.fire(e.runContext(), r, trig, vars, ev.Context, sc.EntityID.String(), ev.EventType)
	})
}

// numericOf reads the compared number of st, through the value template
// when one is set.
func (e *Engine) numericOf(ctx context.Context, trig *Trigger, st *types.State) (float64, bool) {
	if st == nil {
		return 0, false
	}
	if trig.ValueTemplate == "" {
		return trig.numericValue(st)
	}
	v, err := e.evalTemplate(ctx, trig.ValueTemplate, map[string]any{"state": st.AsMap()})
	if err != nil {
		return 0, false
	}
	if n, ok := types.ToFloat(v); ok {
		return n, true
	}
	if s, ok := v.(string); ok {
		n, err := strconv.ParseFloat(s, 64)
		return n, err == nil
	}
	return 0, false
}

// onTemplate fires on the false-to-true edge of the template's result.
// Evaluation errors count as false.
func (e *Engine) onTemplate(ctx context.Context, r *rule, trig *Trigger, sc *types.StateChangedData, ev *types.Event) {
	v, err := e.evalTemplate(ctx, trig.ValueTemplate, nil)
	if err != nil {
		e.logger.Debug("Template trigger evaluation failed", "rule", r.def.ID, "error", err)
	}
	now := err == nil && template.IsTruthy(v)

	r.mu.Lock()
	was := r.templateTrue[trig.Index]
	r.templateTrue[trig.Index] = now
	r.mu.Unlock()

	key := timerKey{rule: r.def.ID, trigger: trig.Index}
	if !now {
		e.cancelFor(r, key)
		return
	}
	if was {
		return
	}
	vars := e.stateVars(trig, sc.EntityID, sc.OldState, sc.NewState)
	if trig.For <= 0 {
		e.fire(ctx, r, trig, vars, ev.Context, sc.EntityID.String(), ev.EventType)
		return
	}
	e.armFor(r, trig, key, "", func() {
		e.fire(e.runContext(), r, trig, vars, ev.Context, sc.EntityID.String(), ev.EventType)
	})
}

func (e *Engine) armFor(r *rule, trig *Trigger, key timerKey, armedValue string, f func()) {
	r.mu.Lock()
	r.armed[key] = armedValue
	r.mu.Unlock()
	e.timers.arm(key, trig.For, func() {
		r.mu.Lock()
		delete(r.armed, key)
		r.mu.Unlock()
		e.metrics.setPendingTimers(e.timers.count())
		f()
	})
	e.metrics.setPendingTimers(e.timers.count())
}

func (e *Engine) cancelFor(r *rule, key timerKey) {
	r.mu.Lock()
	delete(r.armed, key)
	r.mu.Unlock()
	if e.timers.cancel(key) {
		e.metrics.setPendingTimers(e.timers.count())
	}
}

// schedule arms the next firing of a time or time_pattern trigger.
func (e *Engine) schedule(r *rule, trig *Trigger) {
	key := timerKey{rule: r.def.ID, trigger: trig.Index}
	now := e.now()
	var next time.Time
	switch trig.Kind {
	case TriggerTime:
		next = trig.nextAt(now, e.states)
	case TriggerTimePattern:
		next = trig.nextPatternTime(now)
	case TriggerSun:
		next = trig.nextSun(now, e.states)
	}
	if next.IsZero() {
		e.timers.cancel(key)
		return
	}
	e.timers.arm(key, next.Sub(now), func() {
		vars := e.baseVars(trig)
		vars["now"] = next.Format(time.RFC3339)
		if trig.Kind == TriggerSun {
			vars["event"] = trig.SunEvent
			vars["offset"] = trig.Offset.Seconds()
		}
		e.fire(e.runContext(), r, trig, vars, nil, string(trig.Kind), "")
		if e.running() && r.isEnabled() {
			e.schedule(r, trig)
		}
	})
	e.metrics.setPendingTimers(e.timers.count())
}

// fire handles a trigger match: loop check, conditions on a fresh
// snapshot, then a run under a child of cause.
func (e *Engine) fire(ctx context.Context, r *rule, trig *Trigger, tvars map[string]any,
	cause *types.Context, source, origin string) {
	if !r.isEnabled() || !e.running() {
		return
	}
	id := r.def.ID
	if err := e.lineage.check(id, cause); err != nil {
		e.metrics.recordLoop(id)
		e.logger.Warn("Trigger refused", "rule", id, "trigger", trig.ID, "context_id", cause.ID, "error", err)
		return
	}
	e.metrics.recordTrigger(id)

	vars := e.ruleVars(ctx, r, tvars)
	ok, err := evaluateAll(r.def.Conditions, e.env(ctx, vars))
	if err != nil {
		e.metrics.recordConditionError(id)
		e.logger.Warn("Condition evaluation failed", "rule", id, "trigger", trig.ID, "error", err)
		return
	}
	if !ok {
		e.logger.Debug("Conditions not met", "rule", id, "trigger", trig.ID)
		return
	}
	if err := e.start(r, vars, cause, source, origin); err != nil && !errors.Is(err, errors.ErrShuttingDown) {
		e.logger.Warn("Run not started", "rule", id, "mode", string(r.def.Mode), "error", err)
	}
}

// start submits a run of r under a new child of cause. origin is the type
// of the triggering event; it becomes the run's origin unless the cause
// already carries one.
func (e *Engine) start(r *rule, vars map[string]any, cause *types.Context, source, origin string) error {
	hctx := types.NewContext()
	if cause != nil {
		hctx = cause.Child()
	}
	if hctx.OriginEvent == "" && origin != "" {
		hctx = hctx.WithOrigin(origin)
	}
	runCtx, cancel := context.WithCancel(e.runContext())
	rn := &run{rule: r, ctx: runCtx, cancel: cancel, hctx: hctx, vars: vars, source: source}

	e.lineage.recordRun(hctx, r.def.ID)
	if err := r.runner.submit(rn); err != nil {
		result := "overflow"
		if errors.Is(err, errAlreadyRunning) {
			result = "discarded"
		}
		e.metrics.recordRun(r.def.ID, result, 0)
		return err
	}
	r.mu.Lock()
	r.lastTriggered = e.clock.Now()
	r.mu.Unlock()
	return nil
}

// ruleVars builds run variables: the trigger data and the rule's own
// variables rendered against it.
func (e *Engine) ruleVars(ctx context.Context, r *rule, tvars map[string]any) map[string]any {
	vars := map[string]any{"trigger": tvars}
	names := make([]string, 0, len(r.def.Variables))
	for k := range r.def.Variables {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		v, err := e.renderValue(ctx, r.def.Variables[k], vars)
		if err != nil {
			e.logger.Warn("Rule variable not rendered", "rule", r.def.ID, "variable", k, "error", err)
			continue
		}
		vars[k] = v
	}
	return vars
}

func (e *Engine) env(ctx context.Context, vars map[string]any) *evalEnv {
	return &evalEnv{
		ctx:       ctx,
		states:    e.states.Snapshot(),
		now:       e.now(),
		vars:      vars,
		templates: e.templates,
	}
}

func (e *Engine) evalTemplate(ctx context.Context, expr string, vars map[string]any) (any, error) {
	if e.templates == nil {
		return nil, errors.Detail(errors.ErrTemplateEvaluation, "no template evaluator configured")
	}
	return e.templates.Evaluate(ctx, expr, e.scope(vars))
}

func (e *Engine) baseVars(trig *Trigger) map[string]any {
	return map[string]any{
		"platform": string(trig.Kind),
		"id":       trig.ID,
		"idx":      strconv.Itoa(trig.Index),
	}
}

func (e *Engine) stateVars(trig *Trigger, id types.EntityID, from, to *types.State) map[string]any {
	vars := e.baseVars(trig)
	vars["entity_id"] = id.String()
	vars["from_state"] = stateMap(from)
	vars["to_state"] = stateMap(to)
	vars["for"] = nil
	if trig.For > 0 {
		vars["for"] = trig.For.Seconds()
	}
	if trig.Attribute != "" {
		vars["attribute"] = trig.Attribute
	}
	return vars
}

func (e *Engine) zoneVars(trig *Trigger, sc *types.StateChangedData) map[string]any {
	vars := e.baseVars(trig)
	vars["entity_id"] = sc.EntityID.String()
	vars["zone"] = trig.Zone
	vars["event"] = trig.ZoneEvent
	vars["from_state"] = stateMap(sc.OldState)
	vars["to_state"] = stateMap(sc.NewState)
	return vars
}

func (e *Engine) eventVars(trig *Trigger, ev *types.Event) map[string]any {
	vars := e.baseVars(trig)
	if trig.Kind == TriggerHomeAssistant {
		vars["event"] = "start"
		if ev.EventType == types.EventCoreStop {
			vars["event"] = "shutdown"
		}
		return vars
	}
	evMap := map[string]any{
		"event_type": ev.EventType,
		"data":       ev.DataMap(),
		"origin":     string(ev.Origin),
		"time_fired": ev.TimeFired.UTC().Format(time.RFC3339Nano),
	}
	if ev.Context != nil {
		evMap["context"] = map[string]any{
			"id":        ev.Context.ID,
			"parent_id": ev.Context.ParentID,
			"user_id":   ev.Context.UserID,
		}
	}
	vars["event"] = evMap
	return vars
}

func (e *Engine) publish(eventType string, data any, ctx *types.Context) {
	if _, err := e.bus.Fire(eventType, data, types.OriginLocal, ctx); err != nil {
		e.logger.Debug("Automation event not published", "event_type", eventType, "error", err)
	}
}

func stateMap(st *types.State) any {
	if st == nil {
		return nil
	}
	return st.AsMap()
}

func floatOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
