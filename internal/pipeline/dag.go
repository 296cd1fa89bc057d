package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/me/pipesched/pkg/model"
)

// Prepare validates the block graph of p and fills every block's downstream
// list from the upstream declarations. It uses Kahn's algorithm for cycle
// detection and returns the topological order of block uuids.
func Prepare(p *model.Pipeline) ([]string, error) {
	ids := make(map[string]bool, len(p.Blocks))
	for _, b := range p.Blocks {
		if b.UUID == "" {
			return nil, fmt.Errorf("%w: block without uuid", model.ErrInvalidPipeline)
		}
		if strings.Contains(b.UUID, ":") {
			return nil, fmt.Errorf("%w: block uuid %q contains ':'", model.ErrInvalidPipeline, b.UUID)
		}
		if ids[b.UUID] {
			return nil, fmt.Errorf("%w: duplicate block uuid %q", model.ErrInvalidPipeline, b.UUID)
		}
		ids[b.UUID] = true
	}

	// forward[A] = [B, C] means A must complete before B and C.
	forward := make(map[string][]string, len(p.Blocks))
	inDegree := make(map[string]int, len(p.Blocks))
	for _, b := range p.Blocks {
		inDegree[b.UUID] = 0
	}
	for _, b := range p.Blocks {
		if b.ReplicatedBlock != "" && !ids[b.ReplicatedBlock] {
			return nil, fmt.Errorf("%w: block %q replicates unknown block %q", model.ErrInvalidPipeline, b.UUID, b.ReplicatedBlock)
		}
		seen := make(map[string]bool)
		for _, up := range b.UpstreamBlocks {
			if up == b.UUID {
				return nil, fmt.Errorf("%w: pipeline contains a cycle involving blocks: %s", model.ErrInvalidPipeline, b.UUID)
			}
			if !ids[up] {
				return nil, fmt.Errorf("%w: block %q depends on unknown block %q", model.ErrInvalidPipeline, b.UUID, up)
			}
			if seen[up] {
				continue
			}
			seen[up] = true
			forward[up] = append(forward[up], b.UUID)
			inDegree[b.UUID]++
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		successors := forward[node]
		sort.Strings(successors)
		for _, succ := range successors {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sort.Strings(queue)
	}

	if len(order) != len(ids) {
		var cycleNodes []string
		for id, deg := range inDegree {
			if deg > 0 {
				cycleNodes = append(cycleNodes, id)
			}
		}
		sort.Strings(cycleNodes)
		return nil, fmt.Errorf("%w: pipeline contains a cycle involving blocks: %s",
			model.ErrInvalidPipeline, strings.Join(cycleNodes, ", "))
	}

	for i := range p.Blocks {
		p.Blocks[i].DownstreamBlocks = forward[p.Blocks[i].UUID]
	}

	descendants := p.DynamicDescendants()
	for _, b := range p.Blocks {
		if b.Dynamic && descendants[b.UUID] {
			return nil, fmt.Errorf("%w: dynamic block %q is downstream of another dynamic block", model.ErrInvalidPipeline, b.UUID)
		}
	}

	if p.IsIntegration() {
		if len(p.Streams) == 0 {
			return nil, fmt.Errorf("%w: integration pipeline %q declares no streams", model.ErrInvalidPipeline, p.UUID)
		}
		streams := make(map[string]bool, len(p.Streams))
		for _, s := range p.Streams {
			if s.ID == "" || streams[s.ID] {
				return nil, fmt.Errorf("%w: stream id %q is empty or duplicated", model.ErrInvalidPipeline, s.ID)
			}
			streams[s.ID] = true
		}
	}
	return order, nil
}
