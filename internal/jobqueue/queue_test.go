package jobqueue

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJobID(t *testing.T) {
	assert.Equal(t, "block_run_42", JobID(KindBlockRun, "42"))
	assert.Equal(t, "pipeline_run_7", JobID(KindPipelineRun, "7"))
	assert.Equal(t, "integration_stream_7_users", StreamJobID("7", "users"))
}

func TestMemoryQueueDeduplicatesActiveJobs(t *testing.T) {
	q := NewMemoryQueue(2, discardLogger())
	defer q.Close()
	ctx := context.Background()

	release := make(chan struct{})
	var calls int32
	fn := func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		<-release
		return nil
	}

	ok, err := q.Enqueue(ctx, "block_run_1", fn)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Enqueue(ctx, "block_run_1", fn)
	require.NoError(t, err)
	assert.False(t, ok, "active job must not be enqueued twice")

	alive, _ := q.HasJob(ctx, "block_run_1")
	assert.True(t, alive)

	close(release)
	require.NoError(t, q.Wait(ctx))

	alive, _ = q.HasJob(ctx, "block_run_1")
	assert.False(t, alive)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	ok, err = q.Enqueue(ctx, "block_run_1", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ok, "finished job id can be reused")
	require.NoError(t, q.Wait(ctx))
}

func TestMemoryQueueBoundsWorkers(t *testing.T) {
	q := NewMemoryQueue(1, discardLogger())
	defer q.Close()
	ctx := context.Background()

	var active, peak int32
	fn := func(context.Context) error {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	}
	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, id, fn)
		require.NoError(t, err)
	}
	require.NoError(t, q.Wait(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestMemoryQueueKillCancelsContext(t *testing.T) {
	q := NewMemoryQueue(0, discardLogger())
	defer q.Close()
	ctx := context.Background()

	started := make(chan struct{})
	_, err := q.Enqueue(ctx, "pipeline_run_1", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, q.KillJob(ctx, "pipeline_run_1"))
	require.NoError(t, q.Wait(ctx))
	alive, _ := q.HasJob(ctx, "pipeline_run_1")
	assert.False(t, alive)

	require.NoError(t, q.CleanUpJobs(ctx))
	assert.Empty(t, q.jobs)
}

func newRedisQueue(t *testing.T, ttl time.Duration) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := NewRedisQueue(rdb, 4, ttl, discardLogger())
	t.Cleanup(func() { q.Close() })
	return q, mr
}

func TestRedisQueueSharesLivenessAcrossProcesses(t *testing.T) {
	q1, mr := newRedisQueue(t, time.Minute)
	rdb2 := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb2.Close()
	q2 := NewRedisQueue(rdb2, 4, time.Minute, discardLogger())
	defer q2.Close()
	ctx := context.Background()

	release := make(chan struct{})
	ok, err := q1.Enqueue(ctx, "block_run_9", func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q2.Enqueue(ctx, "block_run_9", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.False(t, ok, "second process must see the registration")

	alive, err := q2.HasJob(ctx, "block_run_9")
	require.NoError(t, err)
	assert.True(t, alive)

	close(release)
	require.NoError(t, q1.Wait(ctx))
	alive, err = q2.HasJob(ctx, "block_run_9")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestRedisQueueRegistrationExpires(t *testing.T) {
	q, mr := newRedisQueue(t, time.Minute)
	ctx := context.Background()

	// A registration left behind by a crashed process.
	require.NoError(t, mr.Set(jobKeyPrefix+"block_run_5", "dead-owner"))
	mr.SetTTL(jobKeyPrefix+"block_run_5", time.Second)

	alive, err := q.HasJob(ctx, "block_run_5")
	require.NoError(t, err)
	assert.True(t, alive)

	mr.FastForward(2 * time.Second)
	alive, err = q.HasJob(ctx, "block_run_5")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestRedisQueueKillAndCleanUp(t *testing.T) {
	q, mr := newRedisQueue(t, time.Minute)
	ctx := context.Background()

	started := make(chan struct{})
	_, err := q.Enqueue(ctx, "pipeline_run_3", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, q.KillJob(ctx, "pipeline_run_3"))
	require.NoError(t, q.Wait(ctx))
	assert.True(t, mr.Exists(killKeyPrefix+"pipeline_run_3"))

	require.NoError(t, q.CleanUpJobs(ctx))
	assert.False(t, mr.Exists(killKeyPrefix+"pipeline_run_3"))
	assert.False(t, mr.Exists(jobKeyPrefix+"pipeline_run_3"))
}
