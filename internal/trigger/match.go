package trigger

import (
	"reflect"

	"github.com/me/pipesched/pkg/model"
)

// Match reports whether event contains pattern. Every pattern key must exist
// in the event. A list leaf matches when the event value is one of its items,
// a map leaf recurses, and any other leaf must be equal.
func Match(pattern, event map[string]any) bool {
	for key, want := range pattern {
		got, ok := event[key]
		if !ok {
			return false
		}
		switch w := want.(type) {
		case map[string]any:
			sub, ok := got.(map[string]any)
			if !ok || !Match(w, sub) {
				return false
			}
		case []any:
			if !oneOf(w, got) {
				return false
			}
		default:
			if !equal(w, got) {
				return false
			}
		}
	}
	return true
}

// MatchingSchedules returns the schedule ids of every matcher the event satisfies.
func MatchingSchedules(matchers []*model.EventMatcher, event map[string]any) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, m := range matchers {
		if !Match(m.Pattern, event) {
			continue
		}
		for _, id := range m.ScheduleIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func oneOf(items []any, v any) bool {
	for _, item := range items {
		if equal(item, v) {
			return true
		}
	}
	return false
}

// equal compares leaves, treating every numeric type as float64 so YAML ints
// and JSON numbers compare equal.
func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
