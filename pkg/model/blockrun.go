package model

import (
	"strconv"
	"strings"
	"time"
)

// Metric keys stored on BlockRun.Metrics.
const (
	MetricDynamicUpstreamBlockUUIDs = "dynamic_upstream_block_uuids"
	MetricDynamicBlockIndex         = "dynamic_block_index"
	MetricStream                    = "stream"
	MetricPartition                 = "partition"
)

// BlockRun is one attempt of one block within a PipelineRun.
type BlockRun struct {
	ID            string         `json:"id"`
	PipelineRunID string         `json:"pipeline_run_id"`
	BlockUUID     string         `json:"block_uuid"`
	Status        BlockRunStatus `json:"status"`
	Metrics       map[string]any `json:"metrics,omitempty"`
	Output        []any          `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// DynamicUpstreamBlockUUIDs returns the fan-out parents recorded in the metrics bag.
func (br *BlockRun) DynamicUpstreamBlockUUIDs() []string {
	if br.Metrics == nil {
		return nil
	}
	switch v := br.Metrics[MetricDynamicUpstreamBlockUUIDs].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// BlockRunUUID is the parsed form of a composite block run uuid:
// base[:replica][:stream:index], or base:index for fan-out children.
type BlockRunUUID struct {
	Base    string
	Replica string
	Stream  string
	Index   int
}

// HasIndex reports whether the uuid carries a stream or fan-out index.
func (u BlockRunUUID) HasIndex() bool {
	return u.Index >= 0
}

// String composes the uuid back into its stored form.
func (u BlockRunUUID) String() string {
	parts := []string{u.Base}
	if u.Replica != "" {
		parts = append(parts, u.Replica)
	}
	if u.Stream != "" {
		parts = append(parts, u.Stream)
	}
	if u.Index >= 0 {
		parts = append(parts, strconv.Itoa(u.Index))
	}
	return strings.Join(parts, ":")
}

// ParseBlockRunUUID splits a composite block run uuid. A two-part uuid with a
// numeric suffix is a fan-out child; otherwise the suffix names a replica.
func ParseBlockRunUUID(s string) BlockRunUUID {
	parts := strings.Split(s, ":")
	u := BlockRunUUID{Base: parts[0], Index: -1}
	switch len(parts) {
	case 1:
	case 2:
		if idx, err := strconv.Atoi(parts[1]); err == nil {
			u.Index = idx
		} else {
			u.Replica = parts[1]
		}
	case 3:
		if idx, err := strconv.Atoi(parts[2]); err == nil {
			u.Stream, u.Index = parts[1], idx
		} else {
			u.Base = s
		}
	case 4:
		if idx, err := strconv.Atoi(parts[3]); err == nil {
			u.Replica, u.Stream, u.Index = parts[1], parts[2], idx
		} else {
			u.Base = s
		}
	default:
		u.Base = s
	}
	return u
}

// ReplicaBlockRunUUID is the uuid of a block that replicates another block.
func ReplicaBlockRunUUID(block *Block) string {
	if block.ReplicatedBlock == "" {
		return block.UUID
	}
	return block.UUID + ":" + block.ReplicatedBlock
}

// StreamBlockRunUUID is the uuid of one integration step for a stream partition.
func StreamBlockRunUUID(blockUUID, stream string, index int) string {
	return BlockRunUUID{Base: blockUUID, Stream: stream, Index: index}.String()
}

// FanOutBlockRunUUID is the uuid of the index-th fan-out child of a dynamic block.
func FanOutBlockRunUUID(blockUUID string, index int) string {
	return BlockRunUUID{Base: blockUUID, Index: index}.String()
}

// BlockRunSummary provides an aggregate count of block run states within a run.
type BlockRunSummary struct {
	Total           int `json:"total"`
	Initial         int `json:"initial"`
	Queued          int `json:"queued"`
	Running         int `json:"running"`
	Completed       int `json:"completed"`
	Failed          int `json:"failed"`
	Cancelled       int `json:"cancelled"`
	UpstreamFailed  int `json:"upstream_failed"`
	ConditionFailed int `json:"condition_failed"`
}

// SummarizeBlockRuns calculates the BlockRunSummary from a slice of BlockRuns.
func SummarizeBlockRuns(runs []*BlockRun) BlockRunSummary {
	s := BlockRunSummary{Total: len(runs)}
	for _, br := range runs {
		switch br.Status {
		case BlockRunStatusInitial:
			s.Initial++
		case BlockRunStatusQueued:
			s.Queued++
		case BlockRunStatusRunning:
			s.Running++
		case BlockRunStatusCompleted:
			s.Completed++
		case BlockRunStatusFailed:
			s.Failed++
		case BlockRunStatusCancelled:
			s.Cancelled++
		case BlockRunStatusUpstreamFailed:
			s.UpstreamFailed++
		case BlockRunStatusConditionFailed:
			s.ConditionFailed++
		}
	}
	return s
}
