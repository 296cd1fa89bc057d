package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/pipesched/internal/config"
	"github.com/me/pipesched/internal/jobqueue"
	"github.com/me/pipesched/internal/lock"
)

func testConfig(t *testing.T) config.SchedulerConfig {
	cfg := config.DefaultSchedulerConfig()
	cfg.DBPath = ":memory:"
	cfg.RepoPath = t.TempDir()
	return cfg
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewMemoryBackend(t *testing.T) {
	app, err := New(context.Background(), testConfig(t), discard())
	require.NoError(t, err)

	assert.IsType(t, &jobqueue.MemoryQueue{}, app.Queue)
	assert.IsType(t, &lock.MemoryLocker{}, app.Locker)
	assert.Equal(t, []string{"local"}, app.Executors.Types())
	assert.Same(t, app.Metrics, app.Context.Metrics)

	// An empty repository ticks cleanly.
	require.NoError(t, app.Loop.Tick(context.Background()))

	families, err := app.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	require.NoError(t, app.Close())
}

func TestNewRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.QueueBackend = config.QueueRedis
	cfg.RedisAddr = mr.Addr()

	app, err := New(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer app.Close()

	assert.IsType(t, &jobqueue.RedisQueue{}, app.Queue)
	assert.IsType(t, &lock.RedisLocker{}, app.Locker)

	ok, err := app.Locker.TryAcquire(context.Background(), lock.RunKey("r1"), cfg.LockTimeout)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueueBackend = "kafka"
	_, err := New(context.Background(), cfg, discard())
	assert.Error(t, err)
}

func TestNewRedisUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(t)
	cfg.QueueBackend = config.QueueRedis
	cfg.RedisAddr = addr
	_, err = New(context.Background(), cfg, discard())
	assert.ErrorContains(t, err, "connect redis")
}

func TestNewRegistersContainerRuntimes(t *testing.T) {
	cfg := testConfig(t)
	cfg.ContainerRuntimes = []string{"docker", "apptainer"}
	app, err := New(context.Background(), cfg, discard())
	require.NoError(t, err)
	defer app.Close()

	assert.Equal(t, []string{"apptainer", "docker", "local"}, app.Executors.Types())
}
