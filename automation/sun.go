package automation

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/homecore/statestore"
	"github.com/c360/homecore/types"
)

// SunEntity is the entity whose next_rising and next_setting attributes
// drive sun triggers and conditions.
var SunEntity = types.MustParseEntityID("sun.sun")

// Sun events.
const (
	SunRise = "sunrise"
	SunSet  = "sunset"
)

// Zone events.
const (
	ZoneEnter = "enter"
	ZoneLeave = "leave"
)

// sunAttribute maps a sun event to the attribute holding its next time.
func sunAttribute(event string) string {
	if event == SunRise {
		return "next_rising"
	}
	return "next_setting"
}

// nextSunEvent reads the next time of event from sun.
func nextSunEvent(sun *types.State, event string) (time.Time, error) {
	if sun == nil {
		return time.Time{}, fmt.Errorf("entity %s not found", SunEntity)
	}
	attr := sunAttribute(event)
	v, ok := sun.Attribute(attr)
	if !ok {
		return time.Time{}, fmt.Errorf("%s has no %s attribute", SunEntity, attr)
	}
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		ts, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s.%s: %w", SunEntity, attr, err)
		}
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("%s.%s is %T, not a timestamp", SunEntity, attr, v)
}

// sunOn places the wall-clock time of the next event on the day of now.
// Rise and set move by a minute or two a day, so this stands in for the
// day's own event once the attribute has rolled over to tomorrow.
func sunOn(sun *types.State, event string, now time.Time) (time.Time, error) {
	next, err := nextSunEvent(sun, event)
	if err != nil {
		return time.Time{}, err
	}
	return sinceMidnight(next.In(now.Location())).on(now), nil
}

// nextSun returns the next firing of a sun trigger strictly after now, or
// the zero time when sun.sun is missing or has no usable time.
func (t *Trigger) nextSun(now time.Time, r statestore.Reader) time.Time {
	next, err := nextSunEvent(r.Get(SunEntity), t.SunEvent)
	if err != nil {
		return time.Time{}
	}
	next = next.In(now.Location())
	// The attribute may already point at tomorrow while today's offset
	// firing is still ahead.
	for _, c := range []time.Time{next.Add(-24 * time.Hour), next} {
		if c = c.Add(t.Offset); c.After(now) {
			return c
		}
	}
	return time.Time{}
}

// zoneName strips the zone. domain; a tracker's state is the bare name.
func zoneName(zone string) string {
	return strings.TrimPrefix(zone, "zone.")
}

// matchZone reports whether a tracker's change enters or leaves the zone.
func (t *Trigger) matchZone(old, next *types.State) bool {
	zone := zoneName(t.Zone)
	wasIn := old != nil && old.Value == zone
	isIn := next != nil && next.Value == zone
	if t.ZoneEvent == ZoneEnter {
		return !wasIn && isIn
	}
	return wasIn && !isIn
}
