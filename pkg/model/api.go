package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// RunFilter narrows PipelineRun queries. Zero values do not filter.
type RunFilter struct {
	PipelineScheduleID string
	PipelineUUID       string
	BackfillID         string
	Statuses           []RunStatus
	ExecutionDate      *time.Time
	NewestFirst        bool
	Limit              int
	Offset             int
}

// ScheduleFilter narrows PipelineSchedule queries. Zero values do not filter.
type ScheduleFilter struct {
	PipelineUUID string
	Status       ScheduleStatus
	ScheduleType ScheduleType
}

// Clamp enforces list limits (max 1000, min 1 when set).
func (f *RunFilter) Clamp() {
	if f.Limit < 0 {
		f.Limit = 0
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}
