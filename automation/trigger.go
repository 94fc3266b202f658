package automation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c360/homecore/statestore"
	"github.com/c360/homecore/types"
)

// TriggerKind names a trigger platform.
type TriggerKind string

// Trigger kinds.
const (
	TriggerState         TriggerKind = "state"
	TriggerEvent         TriggerKind = "event"
	TriggerTime          TriggerKind = "time"
	TriggerTimePattern   TriggerKind = "time_pattern"
	TriggerTemplate      TriggerKind = "template"
	TriggerNumericState  TriggerKind = "numeric_state"
	TriggerHomeAssistant TriggerKind = "homeassistant"
	TriggerZone          TriggerKind = "zone"
	TriggerSun           TriggerKind = "sun"
)

// Trigger is one decoded trigger. Only the fields of its Kind are set.
type Trigger struct {
	Kind  TriggerKind
	ID    string
	Index int

	// state, numeric_state
	EntityIDs []types.EntityID
	Attribute string
	For       time.Duration

	// state; a nil From or To matches any value.
	From, To       stringSet
	NotFrom, NotTo stringSet

	// event, homeassistant
	EventType string
	EventData map[string]any
	UserIDs   stringSet

	// time
	At []timeSpec

	// time_pattern
	Hours, Minutes, Seconds timePattern

	// template, numeric_state
	ValueTemplate string
	Above, Below  *threshold

	// zone; EntityIDs holds the trackers.
	Zone      string
	ZoneEvent string

	// sun
	SunEvent string
	Offset   time.Duration

	watched map[types.EntityID]struct{}
}

// watches reports whether id is one of the trigger's entities.
func (t *Trigger) watches(id types.EntityID) bool {
	_, ok := t.watched[id]
	return ok
}

// timeSpec is a fixed wall-clock time or an entity holding one.
type timeSpec struct {
	fixed  timeOfDay
	entity types.EntityID
}

func parseTimeSpec(s string) (timeSpec, error) {
	if tod, ok := parseTimeOfDay(s); ok {
		return timeSpec{fixed: tod}, nil
	}
	id, err := types.ParseEntityID(s)
	if err != nil {
		return timeSpec{}, invalid("%q is neither HH:MM[:SS] nor an entity id", s)
	}
	return timeSpec{entity: id}, nil
}

// threshold is a literal number or an entity whose state is a number.
type threshold struct {
	value  float64
	entity types.EntityID
}

func parseThreshold(v any) (*threshold, error) {
	if v == nil {
		return nil, nil
	}
	if n, ok := types.ToFloat(v); ok {
		return &threshold{value: n}, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, invalid("threshold must be a number or entity id")
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return &threshold{value: n}, nil
	}
	id, err := types.ParseEntityID(s)
	if err != nil {
		return nil, invalid("threshold %q is neither a number nor an entity id", s)
	}
	return &threshold{entity: id}, nil
}

// resolve returns the numeric threshold, reading entity references from r.
func (th *threshold) resolve(r statestore.Reader) (float64, error) {
	if th.entity.IsZero() {
		return th.value, nil
	}
	st := r.Get(th.entity)
	if st == nil {
		return 0, fmt.Errorf("threshold entity %s not found", th.entity)
	}
	n, err := strconv.ParseFloat(st.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("threshold entity %s state %q is not a number", th.entity, st.Value)
	}
	return n, nil
}

// timePattern matches one clock field: "*", "/n" (every n) or "n".
type timePattern struct {
	set   bool
	every int
	exact int
}

func parseTimePattern(v any, limit int) (timePattern, error) {
	if v == nil {
		return timePattern{}, nil
	}
	s, err := scalarString(v)
	if err != nil {
		return timePattern{}, invalid("time pattern: %v", err)
	}
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return timePattern{}, nil
	case s == "*":
		return timePattern{set: true, every: 1}, nil
	case strings.HasPrefix(s, "/"):
		n, err := strconv.Atoi(s[1:])
		if err != nil || n <= 0 {
			return timePattern{}, invalid("invalid time pattern divisor %q", s)
		}
		return timePattern{set: true, every: n}, nil
	default:
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n >= limit {
			return timePattern{}, invalid("invalid time pattern value %q", s)
		}
		return timePattern{set: true, exact: n}, nil
	}
}

func (p timePattern) matches(v int) bool {
	switch {
	case !p.set:
		return true
	case p.every > 0:
		return v%p.every == 0
	default:
		return v == p.exact
	}
}

func decodeTrigger(raw any, index int) (*Trigger, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, invalid("trigger must be a mapping")
	}
	f := fields(m)
	kind, err := f.str("trigger")
	if err != nil {
		return nil, err
	}
	if kind == "" {
		if kind, err = f.str("platform"); err != nil {
			return nil, err
		}
	}

	t := &Trigger{Kind: TriggerKind(kind), Index: index}
	if t.ID, err = f.str("id"); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = strconv.Itoa(index)
	}
	if t.For, err = parseDuration(f["for"]); err != nil {
		return nil, invalid("for: %v", err)
	}

	switch t.Kind {
	case TriggerState:
		err = decodeStateTrigger(t, f)
	case TriggerNumericState:
		err = decodeNumericTrigger(t, f)
	case TriggerEvent:
		err = decodeEventTrigger(t, f)
	case TriggerHomeAssistant:
		var ev string
		if ev, err = f.str("event"); err == nil {
			switch ev {
			case "start":
				t.EventType = types.EventCoreStart
			case "shutdown":
				t.EventType = types.EventCoreStop
			default:
				err = invalid("homeassistant event must be start or shutdown, got %q", ev)
			}
		}
	case TriggerTime:
		var ats []string
		ats, _, err = f.strings("at")
		if err == nil && len(ats) == 0 {
			err = invalid("time trigger requires at")
		}
		for _, s := range ats {
			spec, perr := parseTimeSpec(s)
			if perr != nil {
				err = perr
				break
			}
			t.At = append(t.At, spec)
		}
	case TriggerTimePattern:
		if t.Hours, err = parseTimePattern(f["hours"], 24); err != nil {
			break
		}
		if t.Minutes, err = parseTimePattern(f["minutes"], 60); err != nil {
			break
		}
		t.Seconds, err = parseTimePattern(f["seconds"], 60)
		if err == nil && !t.Hours.set && !t.Minutes.set && !t.Seconds.set {
			err = invalid("time_pattern requires hours, minutes or seconds")
		}
		// Smaller units left out of a pattern default to zero.
		if t.Hours.set && !t.Minutes.set {
			t.Minutes = timePattern{set: true}
		}
		if t.Minutes.set && !t.Seconds.set {
			t.Seconds = timePattern{set: true}
		}
	case TriggerTemplate:
		if t.ValueTemplate, err = f.str("value_template"); err == nil && t.ValueTemplate == "" {
			err = invalid("template trigger requires value_template")
		}
	case TriggerZone:
		err = decodeZoneTrigger(t, f)
	case TriggerSun:
		if t.SunEvent, err = f.str("event"); err != nil {
			break
		}
		if t.SunEvent != SunRise && t.SunEvent != SunSet {
			err = invalid("sun event must be sunrise or sunset, got %q", t.SunEvent)
			break
		}
		if t.Offset, err = parseOffset(f["offset"]); err != nil {
			err = invalid("offset: %v", err)
		}
	case "":
		err = invalid("trigger kind is required")
	default:
		err = invalid("unknown trigger kind %q", kind)
	}
	if err != nil {
		return nil, err
	}

	t.watched = make(map[types.EntityID]struct{}, len(t.EntityIDs))
	for _, id := range t.EntityIDs {
		t.watched[id] = struct{}{}
	}
	return t, nil
}

func decodeStateTrigger(t *Trigger, f fields) error {
	var err error
	if t.EntityIDs, err = f.entityIDs("entity_id"); err != nil {
		return err
	}
	if len(t.EntityIDs) == 0 {
		return invalid("state trigger requires entity_id")
	}
	if t.Attribute, err = f.str("attribute"); err != nil {
		return err
	}
	sets := []struct {
		key string
		dst *stringSet
	}{
		{"from", &t.From}, {"to", &t.To}, {"not_from", &t.NotFrom}, {"not_to", &t.NotTo},
	}
	for _, s := range sets {
		vals, present, err := f.strings(s.key)
		if err != nil {
			return err
		}
		if present {
			*s.dst = newStringSet(vals)
		}
	}
	if (t.From != nil && t.NotFrom != nil) || (t.To != nil && t.NotTo != nil) {
		return invalid("from/not_from and to/not_to are mutually exclusive")
	}
	return nil
}

func decodeNumericTrigger(t *Trigger, f fields) error {
	var err error
	if t.EntityIDs, err = f.entityIDs("entity_id"); err != nil {
		return err
	}
	if len(t.EntityIDs) == 0 {
		return invalid("numeric_state trigger requires entity_id")
	}
	if t.Attribute, err = f.str("attribute"); err != nil {
		return err
	}
	if t.ValueTemplate, err = f.str("value_template"); err != nil {
		return err
	}
	if t.Above, err = parseThreshold(f["above"]); err != nil {
		return err
	}
	if t.Below, err = parseThreshold(f["below"]); err != nil {
		return err
	}
	if t.Above == nil && t.Below == nil {
		return invalid("numeric_state trigger requires above or below")
	}
	return nil
}

func decodeZoneTrigger(t *Trigger, f fields) error {
	var err error
	if t.EntityIDs, err = f.entityIDs("entity_id"); err != nil {
		return err
	}
	if len(t.EntityIDs) == 0 {
		return invalid("zone trigger requires entity_id")
	}
	if t.Zone, err = f.str("zone"); err != nil {
		return err
	}
	if zoneName(t.Zone) == "" {
		return invalid("zone trigger requires zone")
	}
	if t.ZoneEvent, err = f.str("event"); err != nil {
		return err
	}
	if t.ZoneEvent != ZoneEnter && t.ZoneEvent != ZoneLeave {
		return invalid("zone event must be enter or leave, got %q", t.ZoneEvent)
	}
	return nil
}

func decodeEventTrigger(t *Trigger, f fields) error {
	var err error
	if t.EventType, err = f.str("event_type"); err != nil {
		return err
	}
	if t.EventType == "" {
		return invalid("event trigger requires event_type")
	}
	if t.EventData, err = f.mapping("event_data"); err != nil {
		return err
	}
	ctxFilter, err := f.mapping("context")
	if err != nil {
		return err
	}
	if ctxFilter != nil {
		users, present, err := fields(ctxFilter).strings("user_id")
		if err != nil {
			return err
		}
		if present {
			t.UserIDs = newStringSet(users)
		}
	}
	return nil
}

// transition classifies a state change against a state trigger.
type transition int

const (
	// transitionIgnore: the watched value did not change.
	transitionIgnore transition = iota
	transitionMatch
	transitionReject
)

// watchedValue returns the value a state or attribute trigger compares.
func (t *Trigger) watchedValue(st *types.State) (string, bool) {
	if st == nil {
		return "", false
	}
	if t.Attribute == "" {
		return st.Value, true
	}
	v, ok := st.Attribute(t.Attribute)
	if !ok {
		return "", false
	}
	return attributeString(v), true
}

func attributeString(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	}
	return fmt.Sprint(v)
}

// matchState applies the state trigger checks in order: unchanged value,
// not_from, not_to, from, to.
func (t *Trigger) matchState(old, next *types.State) transition {
	oldV, oldOK := t.watchedValue(old)
	newV, newOK := t.watchedValue(next)

	if oldOK == newOK && oldV == newV {
		return transitionIgnore
	}
	if oldOK && t.NotFrom.has(oldV) {
		return transitionReject
	}
	if newOK && t.NotTo.has(newV) {
		return transitionReject
	}
	if t.From != nil && (!oldOK || !t.From.has(oldV)) {
		return transitionReject
	}
	if t.To != nil && (!newOK || !t.To.has(newV)) {
		return transitionReject
	}
	return transitionMatch
}

// holdsTarget reports whether st still satisfies to and not_to. A pending
// for-timer survives changes that keep this true.
func (t *Trigger) holdsTarget(st *types.State) bool {
	v, ok := t.watchedValue(st)
	if !ok {
		return false
	}
	if t.NotTo.has(v) {
		return false
	}
	return t.To == nil || t.To.has(v)
}

// numericValue reads the compared number of st.
func (t *Trigger) numericValue(st *types.State) (float64, bool) {
	if st == nil {
		return 0, false
	}
	if t.Attribute != "" {
		v, ok := st.Attribute(t.Attribute)
		if !ok {
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
	n, err := strconv.ParseFloat(st.Value, 64)
	return n, err == nil
}

// inRange reports whether v satisfies above and below.
func inRange(v float64, above, below *float64) bool {
	if above != nil && !(v > *above) {
		return false
	}
	if below != nil && !(v < *below) {
		return false
	}
	return true
}

// matchEvent reports whether ev satisfies an event or homeassistant
// trigger.
func (t *Trigger) matchEvent(ev *types.Event) bool {
	if ev.EventType != t.EventType {
		return false
	}
	if len(t.EventData) > 0 && !matchSubset(ev.DataMap(), t.EventData) {
		return false
	}
	if t.UserIDs != nil {
		if ev.Context == nil || !t.UserIDs.has(ev.Context.UserID) {
			return false
		}
	}
	return true
}

// matchSubset reports whether every key of pattern is present in actual
// with a matching value. Nested maps match recursively; lists must match
// element-wise.
func matchSubset(actual, pattern any) bool {
	switch p := pattern.(type) {
	case map[string]any:
		var a map[string]any
		switch t := actual.(type) {
		case map[string]any:
			a = t
		case types.Attributes:
			a = t.Map()
		default:
			return false
		}
		for k, pv := range p {
			av, ok := a[k]
			if !ok || !matchSubset(av, pv) {
				return false
			}
		}
		return true
	case []any:
		a, ok := actual.([]any)
		if !ok || len(a) != len(p) {
			return false
		}
		for i := range p {
			if !matchSubset(a[i], p[i]) {
				return false
			}
		}
		return true
	}
	if s, ok := actual.(types.EntityID); ok {
		actual = s.String()
	}
	return types.ValuesEqual(actual, pattern)
}

// nextPatternTime returns the first whole second strictly after now that
// matches the hours, minutes and seconds patterns.
func (t *Trigger) nextPatternTime(now time.Time) time.Time {
	c := now.Truncate(time.Second).Add(time.Second)
	limit := c.Add(48 * time.Hour)
	for c.Before(limit) {
		if !t.Hours.matches(c.Hour()) {
			c = time.Date(c.Year(), c.Month(), c.Day(), c.Hour()+1, 0, 0, 0, c.Location())
			continue
		}
		if !t.Minutes.matches(c.Minute()) {
			c = time.Date(c.Year(), c.Month(), c.Day(), c.Hour(), c.Minute()+1, 0, 0, c.Location())
			continue
		}
		if !t.Seconds.matches(c.Second()) {
			c = c.Add(time.Second)
			continue
		}
		return c
	}
	return time.Time{}
}

// nextAt returns the earliest upcoming instant of the trigger's at specs
// strictly after now. Entity specs read r; an entity holding a timestamp
// fires once at that instant.
func (t *Trigger) nextAt(now time.Time, r statestore.Reader) time.Time {
	var best time.Time
	consider := func(c time.Time) {
		if c.After(now) && (best.IsZero() || c.Before(best)) {
			best = c
		}
	}
	for _, spec := range t.At {
		if spec.entity.IsZero() {
			c := spec.fixed.on(now)
			if !c.After(now) {
				c = spec.fixed.on(now.AddDate(0, 0, 1))
			}
			consider(c)
			continue
		}
		st := r.Get(spec.entity)
		if st == nil {
			continue
		}
		if tod, ok := parseTimeOfDay(st.Value); ok {
			c := tod.on(now)
			if !c.After(now) {
				c = tod.on(now.AddDate(0, 0, 1))
			}
			consider(c)
			continue
		}
		if ts, err := time.Parse(time.RFC3339, st.Value); err == nil {
			consider(ts.In(now.Location()))
		}
	}
	return best
}

// referencesEntity reports whether an at spec reads id.
func (t *Trigger) referencesEntity(id types.EntityID) bool {
	for _, spec := range t.At {
		if spec.entity == id {
			return true
		}
	}
	return false
}

// stillHolds reports whether a for-timer armed when the watched value
// became armed should keep running with st current. With to or not_to the
// target must still be satisfied; otherwise the value must not move.
func (t *Trigger) stillHolds(st *types.State, armed string) bool {
	if t.To != nil || t.NotTo != nil {
		return t.holdsTarget(st)
	}
	v, ok := t.watchedValue(st)
	return ok && v == armed
}
