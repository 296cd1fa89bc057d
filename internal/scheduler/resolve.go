package scheduler

import (
	"github.com/me/pipesched/pkg/model"
)

// BuildBlockRunsByUUID creates a lookup map from block run uuid to block run.
// A replica run is also reachable by its block's own uuid, so completing the
// replica satisfies downstream blocks that name the replicating block.
func BuildBlockRunsByUUID(blockRuns []*model.BlockRun) map[string]*model.BlockRun {
	m := make(map[string]*model.BlockRun, len(blockRuns))
	for _, br := range blockRuns {
		m[br.BlockUUID] = br
	}
	for _, br := range blockRuns {
		u := model.ParseBlockRunUUID(br.BlockUUID)
		if u.Replica == "" || u.Stream != "" || u.HasIndex() {
			continue
		}
		if _, ok := m[u.Base]; !ok {
			m[u.Base] = br
		}
	}
	return m
}

// upstreamOf returns the uuids a block run waits on: its recorded dynamic
// upstream when it has one, otherwise its block's static upstream.
func upstreamOf(p *model.Pipeline, br *model.BlockRun) (uuids []string, dynamic bool) {
	if dyn := br.DynamicUpstreamBlockUUIDs(); len(dyn) > 0 {
		return dyn, true
	}
	b := p.BlockForRun(br.BlockUUID)
	if b == nil {
		return nil, false
	}
	return b.UpstreamBlocks, false
}

// AreDependenciesSatisfied checks whether all upstream dependencies of an
// INITIAL block run allow it to start.
//
// Returns:
//   - satisfied=true: every upstream is COMPLETED, or for dynamic
//     upstreams terminal when failures are allowed.
//   - blocked=UPSTREAM_FAILED: an upstream FAILED or was itself upstream-failed.
//   - blocked=CONDITION_FAILED: an upstream's condition was false.
//   - satisfied=false, blocked="": upstreams are not finished yet.
//
// Dynamic upstreams never block when failures are allowed.
func AreDependenciesSatisfied(
	p *model.Pipeline,
	br *model.BlockRun,
	byUUID map[string]*model.BlockRun,
	allowFail bool,
) (satisfied bool, blocked model.BlockRunStatus) {
	ups, dynamic := upstreamOf(p, br)
	satisfied = true
	for _, u := range ups {
		dep, ok := byUUID[u]
		if !ok {
			satisfied = false
			continue
		}
		switch dep.Status {
		case model.BlockRunStatusCompleted:
			continue
		case model.BlockRunStatusConditionFailed:
			if !(dynamic && allowFail) {
				return false, model.BlockRunStatusConditionFailed
			}
		case model.BlockRunStatusFailed, model.BlockRunStatusUpstreamFailed:
			if !(dynamic && allowFail) {
				return false, model.BlockRunStatusUpstreamFailed
			}
		case model.BlockRunStatusCancelled:
			if !(dynamic && allowFail) {
				satisfied = false
			}
		default:
			satisfied = false
		}
	}
	return satisfied, ""
}

// PropagateFailures marks INITIAL block runs whose upstream failed or whose
// upstream condition was false, repeating until nothing changes. It updates
// the block runs in place and returns the ones it changed.
func PropagateFailures(p *model.Pipeline, blockRuns []*model.BlockRun, allowFail bool) []*model.BlockRun {
	var changed []*model.BlockRun
	for {
		byUUID := BuildBlockRunsByUUID(blockRuns)
		progressed := false
		for _, br := range blockRuns {
			if br.Status != model.BlockRunStatusInitial {
				continue
			}
			if _, blocked := AreDependenciesSatisfied(p, br, byUUID, allowFail); blocked != "" {
				br.Status = blocked
				changed = append(changed, br)
				progressed = true
			}
		}
		if !progressed {
			return changed
		}
	}
}

// EligibleBlockRuns returns the INITIAL block runs whose dependencies are
// satisfied, in the order given.
func EligibleBlockRuns(p *model.Pipeline, blockRuns []*model.BlockRun, allowFail bool) []*model.BlockRun {
	byUUID := BuildBlockRunsByUUID(blockRuns)
	var out []*model.BlockRun
	for _, br := range blockRuns {
		if br.Status != model.BlockRunStatusInitial {
			continue
		}
		if ok, _ := AreDependenciesSatisfied(p, br, byUUID, allowFail); ok {
			out = append(out, br)
		}
	}
	return out
}

// AllBlocksCompleted reports whether the run has nothing left to do. Skipped
// blocks count as done; failed ones only when failures are allowed.
func AllBlocksCompleted(blockRuns []*model.BlockRun, allowFail bool) bool {
	for _, br := range blockRuns {
		switch br.Status {
		case model.BlockRunStatusCompleted, model.BlockRunStatusConditionFailed:
		case model.BlockRunStatusFailed, model.BlockRunStatusUpstreamFailed:
			if !allowFail {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// firstFailed returns the first FAILED block run, or nil.
func firstFailed(blockRuns []*model.BlockRun) *model.BlockRun {
	for _, br := range blockRuns {
		if br.Status == model.BlockRunStatusFailed {
			return br
		}
	}
	return nil
}

func countInFlight(blockRuns []*model.BlockRun) int {
	n := 0
	for _, br := range blockRuns {
		if br.Status.IsInFlight() {
			n++
		}
	}
	return n
}

func idsOf(blockRuns []*model.BlockRun) []string {
	ids := make([]string, len(blockRuns))
	for i, br := range blockRuns {
		ids[i] = br.ID
	}
	return ids
}
