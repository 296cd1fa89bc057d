package model

import "time"

// ScheduleType is the kind of trigger.
type ScheduleType string

const (
	ScheduleTypeTime  ScheduleType = "time"
	ScheduleTypeEvent ScheduleType = "event"
	ScheduleTypeAPI   ScheduleType = "api"
)

// ScheduleStatus is whether a trigger participates in the tick.
type ScheduleStatus string

const (
	ScheduleStatusActive   ScheduleStatus = "active"
	ScheduleStatusInactive ScheduleStatus = "inactive"
)

// ScheduleInterval is either one of the named intervals below or a cron expression.
type ScheduleInterval string

const (
	ScheduleIntervalOnce     ScheduleInterval = "@once"
	ScheduleIntervalHourly   ScheduleInterval = "@hourly"
	ScheduleIntervalDaily    ScheduleInterval = "@daily"
	ScheduleIntervalWeekly   ScheduleInterval = "@weekly"
	ScheduleIntervalMonthly  ScheduleInterval = "@monthly"
	ScheduleIntervalAlwaysOn ScheduleInterval = "@always_on"
)

// IsNamed reports whether the interval is one of the predefined keywords.
func (i ScheduleInterval) IsNamed() bool {
	switch i {
	case ScheduleIntervalOnce, ScheduleIntervalHourly, ScheduleIntervalDaily,
		ScheduleIntervalWeekly, ScheduleIntervalMonthly, ScheduleIntervalAlwaysOn:
		return true
	}
	return false
}

// IsCron reports whether the interval must be parsed as a cron expression.
func (i ScheduleInterval) IsCron() bool {
	return i != "" && !i.IsNamed()
}

// ScheduleSettings are per-trigger knobs.
type ScheduleSettings struct {
	SkipIfPreviousRunning bool      `json:"skip_if_previous_running,omitempty" yaml:"skip_if_previous_running,omitempty"`
	AllowBlocksToFail     bool      `json:"allow_blocks_to_fail,omitempty" yaml:"allow_blocks_to_fail,omitempty"`
	LandingTimeEnabled    bool      `json:"landing_time_enabled,omitempty" yaml:"landing_time_enabled,omitempty"`
	PipelineRunLimit      int       `json:"pipeline_run_limit,omitempty" yaml:"pipeline_run_limit,omitempty"`
	Timeout               int       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	TimeoutStatus         RunStatus `json:"timeout_status,omitempty" yaml:"timeout_status,omitempty"`
}

// PipelineSchedule is a persisted trigger describing when to create PipelineRuns.
type PipelineSchedule struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	PipelineUUID     string           `json:"pipeline_uuid"`
	RepoPath         string           `json:"repo_path,omitempty"`
	ScheduleType     ScheduleType     `json:"schedule_type"`
	ScheduleInterval ScheduleInterval `json:"schedule_interval,omitempty"`
	StartTime        *time.Time       `json:"start_time,omitempty"`
	Status           ScheduleStatus   `json:"status"`
	Settings         ScheduleSettings `json:"settings"`
	Variables        map[string]any   `json:"variables,omitempty"`
	SLA              int              `json:"sla,omitempty"`
	Token            string           `json:"-"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// IsActive reports whether the trigger is ACTIVE.
func (s *PipelineSchedule) IsActive() bool {
	return s.Status == ScheduleStatusActive
}

// LandingTimeEnabled reports whether landing-time scheduling applies: only for
// TIME triggers on a recurring interval.
func (s *PipelineSchedule) LandingTimeEnabled() bool {
	if !s.Settings.LandingTimeEnabled || s.ScheduleType != ScheduleTypeTime {
		return false
	}
	switch s.ScheduleInterval {
	case ScheduleIntervalOnce, ScheduleIntervalAlwaysOn, "":
		return false
	}
	return true
}

// SLADuration returns the configured SLA, zero when unset.
func (s *PipelineSchedule) SLADuration() time.Duration {
	return time.Duration(s.SLA) * time.Second
}

// TimeoutDuration returns the configured run timeout, zero when unset.
func (s *PipelineSchedule) TimeoutDuration() time.Duration {
	return time.Duration(s.Settings.Timeout) * time.Second
}

// TimeoutStatus is the status a timed-out run moves to, FAILED by default.
func (s *PipelineSchedule) TimeoutStatus() RunStatus {
	if s.Settings.TimeoutStatus == "" {
		return RunStatusFailed
	}
	return s.Settings.TimeoutStatus
}
