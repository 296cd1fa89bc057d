package metrics

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/me/pipesched/pkg/model"
)

// Run metric keys written by the Calculator.
const (
	MetricBlockRuns = "block_runs"
	MetricTotals    = "totals"
)

// skipped block metric keys: bookkeeping, not counters.
var bookkeepingKeys = map[string]bool{
	model.MetricDynamicUpstreamBlockUUIDs: true,
	model.MetricDynamicBlockIndex:         true,
	model.MetricStream:                    true,
	model.MetricPartition:                 true,
}

// StreamMetrics summarises one integration stream.
type StreamMetrics struct {
	Partitions          int                `json:"partitions"`
	CompletedPartitions int                `json:"completed_partitions"`
	FailedPartitions    int                `json:"failed_partitions"`
	Counters            map[string]float64 `json:"counters,omitempty"`
}

// Calculator rolls numeric block run metrics up into the run's metrics bag.
type Calculator struct {
	logger *slog.Logger
}

// NewCalculator creates a Calculator.
func NewCalculator(logger *slog.Logger) *Calculator {
	return &Calculator{logger: logger.With("component", "metrics-calculator")}
}

// Apply recomputes the block run summary, summed counters, and per-stream
// metrics of run from its block runs. Malformed block metrics are logged and
// skipped.
func (c *Calculator) Apply(run *model.PipelineRun, blockRuns []*model.BlockRun) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("metrics calculation panicked", "pipeline_run_id", run.ID, "panic", fmt.Sprint(r))
		}
	}()

	run.SetMetric(MetricBlockRuns, model.SummarizeBlockRuns(blockRuns))
	run.SetMetric(MetricTotals, sumCounters(blockRuns, nil))

	streams := StreamMetricsFor(blockRuns)
	if len(streams) > 0 {
		run.SetMetric(model.MetricStreams, streams)
	}
}

// StreamMetricsFor groups block runs carrying a stream tag by stream and
// partition.
func StreamMetricsFor(blockRuns []*model.BlockRun) map[string]StreamMetrics {
	byStream := make(map[string]map[int][]*model.BlockRun)
	for _, br := range blockRuns {
		u := model.ParseBlockRunUUID(br.BlockUUID)
		if u.Stream == "" {
			continue
		}
		if byStream[u.Stream] == nil {
			byStream[u.Stream] = make(map[int][]*model.BlockRun)
		}
		byStream[u.Stream][u.Index] = append(byStream[u.Stream][u.Index], br)
	}

	out := make(map[string]StreamMetrics, len(byStream))
	for stream, partitions := range byStream {
		sm := StreamMetrics{Partitions: len(partitions)}
		var all []*model.BlockRun
		for _, steps := range partitions {
			all = append(all, steps...)
			completed, failed := true, false
			for _, br := range steps {
				if br.Status != model.BlockRunStatusCompleted {
					completed = false
				}
				if br.Status.IsFailure() {
					failed = true
				}
			}
			if completed {
				sm.CompletedPartitions++
			}
			if failed {
				sm.FailedPartitions++
			}
		}
		sm.Counters = sumCounters(all, nil)
		out[stream] = sm
	}
	return out
}

// StreamNames returns the stream ids present in blockRuns, sorted.
func StreamNames(blockRuns []*model.BlockRun) []string {
	seen := make(map[string]bool)
	for _, br := range blockRuns {
		if s := model.ParseBlockRunUUID(br.BlockUUID).Stream; s != "" {
			seen[s] = true
		}
	}
	names := make([]string, 0, len(seen))
	for s := range seen {
		names = append(names, s)
	}
	sort.Strings(names)
	return names
}

func sumCounters(blockRuns []*model.BlockRun, into map[string]float64) map[string]float64 {
	if into == nil {
		into = make(map[string]float64)
	}
	for _, br := range blockRuns {
		for k, v := range br.Metrics {
			if bookkeepingKeys[k] {
				continue
			}
			if n, ok := toFloat(v); ok {
				into[k] += n
			}
		}
	}
	return into
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
