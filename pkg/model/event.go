package model

import "time"

// EventMatcher is a stored pattern matched against inbound event payloads.
// A list leaf in the pattern means "one of"; a map leaf recurses.
type EventMatcher struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Pattern     map[string]any `json:"pattern"`
	ScheduleIDs []string       `json:"pipeline_schedule_ids,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
