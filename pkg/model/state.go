package model

// RunStatus represents the lifecycle state of a PipelineRun.
type RunStatus string

const (
	RunStatusInitial   RunStatus = "initial"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// String returns the string representation of the run status.
func (s RunStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the run is in a final state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// IsActive returns true for runs that a scheduler may still advance.
func (s RunStatus) IsActive() bool {
	return s == RunStatusInitial || s == RunStatusRunning
}

// ValidRunTransitions defines the allowed state transitions for PipelineRuns.
var ValidRunTransitions = map[RunStatus][]RunStatus{
	RunStatusInitial: {RunStatusRunning, RunStatusFailed, RunStatusCancelled},
	RunStatusRunning: {RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, allowed := range ValidRunTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// BlockRunStatus represents the lifecycle state of a BlockRun.
type BlockRunStatus string

const (
	BlockRunStatusInitial         BlockRunStatus = "initial"
	BlockRunStatusQueued          BlockRunStatus = "queued"
	BlockRunStatusRunning         BlockRunStatus = "running"
	BlockRunStatusCompleted       BlockRunStatus = "completed"
	BlockRunStatusFailed          BlockRunStatus = "failed"
	BlockRunStatusCancelled       BlockRunStatus = "cancelled"
	BlockRunStatusUpstreamFailed  BlockRunStatus = "upstream_failed"
	BlockRunStatusConditionFailed BlockRunStatus = "condition_failed"
)

// String returns the string representation of the block run status.
func (s BlockRunStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the block run is in a final state.
func (s BlockRunStatus) IsTerminal() bool {
	switch s {
	case BlockRunStatusCompleted, BlockRunStatusFailed, BlockRunStatusCancelled,
		BlockRunStatusUpstreamFailed, BlockRunStatusConditionFailed:
		return true
	}
	return false
}

// IsInFlight returns true while a job for the block run may exist.
func (s BlockRunStatus) IsInFlight() bool {
	return s == BlockRunStatusQueued || s == BlockRunStatusRunning
}

// IsFailure returns true for statuses that block downstream work.
func (s BlockRunStatus) IsFailure() bool {
	switch s {
	case BlockRunStatusFailed, BlockRunStatusUpstreamFailed, BlockRunStatusConditionFailed:
		return true
	}
	return false
}

// ValidBlockRunTransitions defines the allowed state transitions for BlockRuns.
// Crash recovery resets QUEUED/RUNNING back to INITIAL.
var ValidBlockRunTransitions = map[BlockRunStatus][]BlockRunStatus{
	BlockRunStatusInitial: {
		BlockRunStatusQueued, BlockRunStatusRunning, BlockRunStatusCompleted, BlockRunStatusFailed,
		BlockRunStatusCancelled, BlockRunStatusUpstreamFailed, BlockRunStatusConditionFailed,
	},
	BlockRunStatusQueued: {
		BlockRunStatusInitial, BlockRunStatusRunning, BlockRunStatusCompleted,
		BlockRunStatusFailed, BlockRunStatusCancelled,
	},
	BlockRunStatusRunning: {
		BlockRunStatusInitial, BlockRunStatusCompleted, BlockRunStatusFailed, BlockRunStatusCancelled,
	},
	BlockRunStatusFailed: {BlockRunStatusInitial},
}

var blockRunStatuses = []BlockRunStatus{
	BlockRunStatusInitial, BlockRunStatusQueued, BlockRunStatusRunning, BlockRunStatusCompleted,
	BlockRunStatusFailed, BlockRunStatusCancelled, BlockRunStatusUpstreamFailed, BlockRunStatusConditionFailed,
}

// BlockRunSources lists the statuses a block run may move to next from, for
// use as the guard of a conditional status write.
func BlockRunSources(next BlockRunStatus) []BlockRunStatus {
	var out []BlockRunStatus
	for _, st := range blockRunStatuses {
		if st.CanTransitionTo(next) {
			out = append(out, st)
		}
	}
	return out
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s BlockRunStatus) CanTransitionTo(next BlockRunStatus) bool {
	for _, allowed := range ValidBlockRunTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// BackfillStatus represents the aggregate state of a Backfill.
type BackfillStatus string

const (
	BackfillStatusInitial   BackfillStatus = "initial"
	BackfillStatusRunning   BackfillStatus = "running"
	BackfillStatusCompleted BackfillStatus = "completed"
	BackfillStatusFailed    BackfillStatus = "failed"
	BackfillStatusCancelled BackfillStatus = "cancelled"
)

// IsTerminal returns true if the backfill is in a final state.
func (s BackfillStatus) IsTerminal() bool {
	switch s {
	case BackfillStatusCompleted, BackfillStatusFailed, BackfillStatusCancelled:
		return true
	}
	return false
}

// AggregateBackfillStatus derives a backfill status from its children:
// FAILED once any child failed and all are terminal, COMPLETED when every child
// completed, RUNNING otherwise.
func AggregateBackfillStatus(runs []*PipelineRun) BackfillStatus {
	if len(runs) == 0 {
		return BackfillStatusInitial
	}
	allTerminal, allCompleted, anyFailed := true, true, false
	for _, r := range runs {
		if !r.Status.IsTerminal() {
			allTerminal = false
		}
		if r.Status != RunStatusCompleted {
			allCompleted = false
		}
		if r.Status == RunStatusFailed {
			anyFailed = true
		}
	}
	switch {
	case allCompleted:
		return BackfillStatusCompleted
	case anyFailed && allTerminal:
		return BackfillStatusFailed
	default:
		return BackfillStatusRunning
	}
}
