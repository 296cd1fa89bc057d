package model

import "time"

// PipelineType selects how a pipeline's block runs are scheduled.
type PipelineType string

const (
	PipelineTypePython      PipelineType = "python"
	PipelineTypeIntegration PipelineType = "integration"
	PipelineTypeStreaming   PipelineType = "streaming"
)

// BlockType identifies the role of a Block within a pipeline.
type BlockType string

const (
	BlockTypeDataLoader   BlockType = "data_loader"
	BlockTypeTransformer  BlockType = "transformer"
	BlockTypeDataExporter BlockType = "data_exporter"
	BlockTypeSensor       BlockType = "sensor"
	BlockTypeCustom       BlockType = "custom"
)

// ConcurrencyPolicy decides what happens to runs that exceed a run limit.
type ConcurrencyPolicy string

const (
	ConcurrencyPolicyWait ConcurrencyPolicy = "wait"
	ConcurrencyPolicySkip ConcurrencyPolicy = "skip"
)

// Pipeline is an immutable-at-runtime DAG of Blocks loaded from the repository.
type Pipeline struct {
	UUID                    string            `json:"uuid" yaml:"uuid"`
	Name                    string            `json:"name" yaml:"name"`
	Type                    PipelineType      `json:"type" yaml:"type"`
	Blocks                  []Block           `json:"blocks" yaml:"blocks"`
	Streams                 []Stream          `json:"streams,omitempty" yaml:"streams,omitempty"`
	RetryConfig             *RetryConfig      `json:"retry_config,omitempty" yaml:"retry_config,omitempty"`
	Concurrency             ConcurrencyConfig `json:"concurrency_config" yaml:"concurrency_config"`
	RunPipelineInOneProcess bool              `json:"run_pipeline_in_one_process" yaml:"run_pipeline_in_one_process"`
	ExecutorCount           int               `json:"executor_count,omitempty" yaml:"executor_count,omitempty"`
	ExecutorType            string            `json:"executor_type,omitempty" yaml:"executor_type,omitempty"`
	Variables               map[string]any    `json:"variables,omitempty" yaml:"variables,omitempty"`
	RepoPath                string            `json:"repo_path,omitempty" yaml:"-"`
}

// Block is one DAG node.
type Block struct {
	UUID             string         `json:"uuid" yaml:"uuid"`
	Type             BlockType      `json:"type" yaml:"type"`
	UpstreamBlocks   []string       `json:"upstream_blocks,omitempty" yaml:"upstream_blocks,omitempty"`
	DownstreamBlocks []string       `json:"downstream_blocks,omitempty" yaml:"downstream_blocks,omitempty"`
	ReplicatedBlock  string         `json:"replicated_block,omitempty" yaml:"replicated_block,omitempty"`
	RetryConfig      *RetryConfig   `json:"retry_config,omitempty" yaml:"retry_config,omitempty"`
	Timeout          time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Dynamic          bool           `json:"dynamic,omitempty" yaml:"dynamic,omitempty"`
	Condition        string         `json:"condition,omitempty" yaml:"condition,omitempty"`
	Command          []string       `json:"command,omitempty" yaml:"command,omitempty"`
	Configuration    map[string]any `json:"configuration,omitempty" yaml:"configuration,omitempty"`
}

// RetryConfig is the retry budget of a block, a pipeline, or the repository.
type RetryConfig struct {
	Retries            int  `json:"retries" yaml:"retries"`
	Delay              int  `json:"delay,omitempty" yaml:"delay,omitempty"`
	MaxDelay           int  `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	ExponentialBackoff bool `json:"exponential_backoff,omitempty" yaml:"exponential_backoff,omitempty"`
}

// ConcurrencyConfig carries the pipeline-level concurrency limits. Zero means unlimited.
type ConcurrencyConfig struct {
	BlockRunLimit               int               `json:"block_run_limit,omitempty" yaml:"block_run_limit,omitempty"`
	PipelineRunLimit            int               `json:"pipeline_run_limit,omitempty" yaml:"pipeline_run_limit,omitempty"`
	PipelineRunLimitAllTriggers int               `json:"pipeline_run_limit_all_triggers,omitempty" yaml:"pipeline_run_limit_all_triggers,omitempty"`
	OnPipelineRunLimitReached   ConcurrencyPolicy `json:"on_pipeline_run_limit_reached,omitempty" yaml:"on_pipeline_run_limit_reached,omitempty"`
}

// Stream is one source-to-destination flow of an integration pipeline.
type Stream struct {
	ID         string `json:"id" yaml:"id"`
	Parallel   bool   `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Partitions int    `json:"partitions,omitempty" yaml:"partitions,omitempty"`
}

// PartitionCount returns the number of partitions, at least one.
func (s Stream) PartitionCount() int {
	if s.Partitions < 1 {
		return 1
	}
	return s.Partitions
}

// GetBlock returns the block with the given uuid, or nil.
func (p *Pipeline) GetBlock(uuid string) *Block {
	for i := range p.Blocks {
		if p.Blocks[i].UUID == uuid {
			return &p.Blocks[i]
		}
	}
	return nil
}

// BlockForRun resolves the block that a (possibly composite) block run uuid refers to.
func (p *Pipeline) BlockForRun(blockRunUUID string) *Block {
	if b := p.GetBlock(blockRunUUID); b != nil {
		return b
	}
	return p.GetBlock(ParseBlockRunUUID(blockRunUUID).Base)
}

// IsIntegration reports whether the pipeline is scheduled stream by stream.
func (p *Pipeline) IsIntegration() bool {
	return p.Type == PipelineTypeIntegration
}

// IsStreaming reports whether the pipeline runs as a long-lived stream.
func (p *Pipeline) IsStreaming() bool {
	return p.Type == PipelineTypeStreaming
}

// RunsInOneProcess reports whether all blocks execute inside a single job.
func (p *Pipeline) RunsInOneProcess() bool {
	return p.RunPipelineInOneProcess || p.IsStreaming()
}

// IntegrationChain returns the loader, transformers and exporter of an
// integration pipeline in execution order.
func (p *Pipeline) IntegrationChain() []*Block {
	var loaders, transformers, exporters []*Block
	for i := range p.Blocks {
		b := &p.Blocks[i]
		switch b.Type {
		case BlockTypeDataLoader:
			loaders = append(loaders, b)
		case BlockTypeDataExporter:
			exporters = append(exporters, b)
		default:
			transformers = append(transformers, b)
		}
	}
	chain := make([]*Block, 0, len(p.Blocks))
	chain = append(chain, loaders...)
	chain = append(chain, transformers...)
	return append(chain, exporters...)
}

// DynamicDescendants returns the uuids of every block downstream of a dynamic
// block. Those blocks get their block runs lazily, when the dynamic parent completes.
func (p *Pipeline) DynamicDescendants() map[string]bool {
	out := make(map[string]bool)
	var walk func(uuid string)
	walk = func(uuid string) {
		b := p.GetBlock(uuid)
		if b == nil {
			return
		}
		for _, d := range b.DownstreamBlocks {
			if !out[d] {
				out[d] = true
				walk(d)
			}
		}
	}
	for i := range p.Blocks {
		if p.Blocks[i].Dynamic {
			walk(p.Blocks[i].UUID)
		}
	}
	return out
}

// FanOutChildren returns the direct downstream uuids of a dynamic block. Each
// gets one block run per element of the dynamic block's output.
func (p *Pipeline) FanOutChildren(dynamicUUID string) []string {
	b := p.GetBlock(dynamicUUID)
	if b == nil || !b.Dynamic {
		return nil
	}
	return b.DownstreamBlocks
}
