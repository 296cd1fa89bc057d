// Package concurrency turns configured limits and current counts into
// start/wait/cancel decisions. Everything here is pure; callers read counts
// from the store and act on the result.
package concurrency

import (
	"math"

	"github.com/me/pipesched/pkg/model"
)

// Action is the fate of one pending pipeline run.
type Action string

const (
	ActionStart  Action = "start"
	ActionWait   Action = "wait"
	ActionCancel Action = "cancel"
)

// Unlimited is the slot count when no limit applies.
const Unlimited = math.MaxInt

// Limits are the run limits that apply to one schedule. Zero means unlimited.
type Limits struct {
	PipelineRunLimit            int
	PipelineRunLimitAllTriggers int
	Policy                      model.ConcurrencyPolicy
}

// Counts are the active runs the limits are checked against.
type Counts struct {
	// RunningForSchedule counts RUNNING runs of the schedule.
	RunningForSchedule int
	// RunningForPipeline counts RUNNING runs of the pipeline across all schedules.
	RunningForPipeline int
}

// LimitsFor merges pipeline concurrency config with schedule settings. A
// per-trigger run limit overrides the pipeline's.
func LimitsFor(p *model.Pipeline, s *model.PipelineSchedule) Limits {
	l := Limits{Policy: model.ConcurrencyPolicyWait}
	if p != nil {
		l.PipelineRunLimit = p.Concurrency.PipelineRunLimit
		l.PipelineRunLimitAllTriggers = p.Concurrency.PipelineRunLimitAllTriggers
		if p.Concurrency.OnPipelineRunLimitReached != "" {
			l.Policy = p.Concurrency.OnPipelineRunLimitReached
		}
	}
	if s != nil && s.Settings.PipelineRunLimit > 0 {
		l.PipelineRunLimit = s.Settings.PipelineRunLimit
	}
	return l
}

// RunSlots returns how many more runs may start.
func RunSlots(l Limits, c Counts) int {
	slots := Unlimited
	if l.PipelineRunLimit > 0 {
		slots = min(slots, remaining(l.PipelineRunLimit, c.RunningForSchedule))
	}
	if l.PipelineRunLimitAllTriggers > 0 {
		slots = min(slots, remaining(l.PipelineRunLimitAllTriggers, c.RunningForPipeline))
	}
	return slots
}

// Decide assigns an action to each of pending runs, oldest first. Runs that fit
// in the free slots start; the rest wait or are cancelled per the policy.
func Decide(l Limits, c Counts, pending int) []Action {
	slots := RunSlots(l, c)
	over := ActionWait
	if l.Policy == model.ConcurrencyPolicySkip {
		over = ActionCancel
	}
	actions := make([]Action, pending)
	for i := range actions {
		if i < slots {
			actions[i] = ActionStart
		} else {
			actions[i] = over
		}
	}
	return actions
}

// BlockSlots returns how many of eligible block runs may be dispatched given
// the run's block_run_limit and its block runs already QUEUED or RUNNING.
func BlockSlots(limit, inFlight, eligible int) int {
	if limit <= 0 {
		return eligible
	}
	return min(eligible, remaining(limit, inFlight))
}

func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}
