package metrics

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/pipesched/pkg/model"
)

func TestCalculator_Apply(t *testing.T) {
	c := NewCalculator(slog.New(slog.NewTextHandler(io.Discard, nil)))
	run := &model.PipelineRun{ID: "run-1"}
	brs := []*model.BlockRun{
		{BlockUUID: "load:users:0", Status: model.BlockRunStatusCompleted, Metrics: map[string]any{"records": float64(10), model.MetricPartition: 0}},
		{BlockUUID: "export:users:0", Status: model.BlockRunStatusCompleted, Metrics: map[string]any{"records": float64(10)}},
		{BlockUUID: "load:users:1", Status: model.BlockRunStatusFailed, Metrics: map[string]any{"records": 4}},
		{BlockUUID: "export:users:1", Status: model.BlockRunStatusUpstreamFailed},
		{BlockUUID: "load:orders:0", Status: model.BlockRunStatusRunning},
	}

	c.Apply(run, brs)

	summary, ok := run.Metrics[MetricBlockRuns].(model.BlockRunSummary)
	require.True(t, ok)
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 2, summary.Completed)

	totals := run.Metrics[MetricTotals].(map[string]float64)
	assert.Equal(t, float64(24), totals["records"])
	assert.NotContains(t, totals, model.MetricPartition)

	streams := run.Metrics[model.MetricStreams].(map[string]StreamMetrics)
	require.Len(t, streams, 2)
	assert.Equal(t, StreamMetrics{
		Partitions:          2,
		CompletedPartitions: 1,
		FailedPartitions:    1,
		Counters:            map[string]float64{"records": 24},
	}, streams["users"])
	assert.Equal(t, 0, streams["orders"].CompletedPartitions)
	assert.Equal(t, []string{"orders", "users"}, StreamNames(brs))
}

func TestSchedulerMetrics_Record(t *testing.T) {
	m := NewSchedulerMetrics()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(m))

	m.RunCreated("time")
	m.RunCreated("time")
	m.BlocksDispatched(3)
	m.BlockRunsRecovered(2, 1)
	m.ObserveNotification("failure", errors.New("down"))
	m.ObserveTick(20 * time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.runsCreated.WithLabelValues("time")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.blocksDispatched))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.blockRunsRecovered.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.notifications.WithLabelValues("failure", "error")))
}

func TestSchedulerMetrics_NilIsNoop(t *testing.T) {
	var m *SchedulerMetrics
	m.RunCreated("api")
	m.RunTransition("completed")
	m.ObserveTick(time.Second)
}
