package automation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c360/homecore/types"
)

// parseDuration accepts "HH:MM:SS", "MM:SS", "SS", Go duration strings
// ("90s", "1h30m"), plain numbers of seconds and maps with days, hours,
// minutes, seconds and milliseconds.
func parseDuration(v any) (time.Duration, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case string:
		return parseDurationString(t)
	case map[string]any:
		var total time.Duration
		units := map[string]time.Duration{
			"days":         24 * time.Hour,
			"hours":        time.Hour,
			"minutes":      time.Minute,
			"seconds":      time.Second,
			"milliseconds": time.Millisecond,
		}
		for k, raw := range t {
			unit, ok := units[k]
			if !ok {
				return 0, fmt.Errorf("unknown duration field %q", k)
			}
			n, ok := types.ToFloat(raw)
			if !ok {
				return 0, fmt.Errorf("duration field %q must be a number", k)
			}
			total += time.Duration(n * float64(unit))
		}
		return nonNegative(total)
	}
	if n, ok := types.ToFloat(v); ok {
		return nonNegative(time.Duration(n * float64(time.Second)))
	}
	return 0, fmt.Errorf("unsupported duration %v (%T)", v, v)
}

func parseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) > 3 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		var total time.Duration
		unit := time.Second
		for i := len(parts) - 1; i >= 0; i-- {
			n, err := strconv.ParseFloat(parts[i], 64)
			if err != nil || n < 0 {
				return 0, fmt.Errorf("invalid duration %q", s)
			}
			total += time.Duration(n * float64(unit))
			unit *= 60
		}
		return total, nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return nonNegative(time.Duration(n * float64(time.Second)))
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return nonNegative(d)
}

func nonNegative(d time.Duration) (time.Duration, error) {
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative")
	}
	return d, nil
}

// timeOfDay is a wall-clock time as an offset from midnight.
type timeOfDay time.Duration

// parseTimeOfDay accepts "HH:MM" and "HH:MM:SS".
func parseTimeOfDay(s string) (timeOfDay, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	limits := []int{24, 60, 60}
	var total time.Duration
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n >= limits[i] {
			return 0, false
		}
		total += time.Duration(n) * units[i]
	}
	return timeOfDay(total), true
}

// on returns the instant of t on the day of ref, in ref's location.
func (t timeOfDay) on(ref time.Time) time.Time {
	y, m, d := ref.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, ref.Location()).Add(time.Duration(t))
}

// sinceMidnight returns the wall-clock offset of ref.
func sinceMidnight(ref time.Time) timeOfDay {
	h, m, s := ref.Clock()
	return timeOfDay(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second + time.Duration(ref.Nanosecond()))
}

// parseOffset is parseDuration with an optional leading minus sign, as
// used by sun offsets ("-00:30:00" is half an hour before).
func parseOffset(v any) (time.Duration, error) {
	if n, ok := types.ToFloat(v); ok {
		return time.Duration(n * float64(time.Second)), nil
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if rest, neg := strings.CutPrefix(s, "-"); neg {
			d, err := parseDurationString(rest)
			return -d, err
		}
		return parseDurationString(strings.TrimPrefix(s, "+"))
	}
	return parseDuration(v)
}
