package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix  = "pipesched:job:"
	killKeyPrefix = "pipesched:kill:"
)

// releaseScript deletes a key only while it still holds the caller's token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisQueue executes jobs locally but registers them in Redis, so every
// scheduler process sharing the Redis instance sees the same liveness and
// de-duplication. A registration expires unless its owner keeps heartbeating,
// which is how a crashed process's jobs stop counting as alive.
type RedisQueue struct {
	rdb    *goredis.Client
	local  *MemoryQueue
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisQueue creates a queue over rdb. ttl bounds how long a job outlives
// the process that runs it.
func NewRedisQueue(rdb *goredis.Client, workers int, ttl time.Duration, logger *slog.Logger) *RedisQueue {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisQueue{
		rdb:    rdb,
		local:  NewMemoryQueue(workers, logger),
		ttl:    ttl,
		logger: logger.With("component", "jobqueue", "backend", "redis"),
	}
}

// Enqueue registers jobID in Redis and runs fn locally. It returns false when
// any process already holds the registration.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, fn Func) (bool, error) {
	token := uuid.NewString()
	ok, err := q.rdb.SetNX(ctx, jobKeyPrefix+jobID, token, q.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("register job %s: %w", jobID, err)
	}
	if !ok {
		return false, nil
	}
	q.rdb.Del(ctx, killKeyPrefix+jobID)

	wrapped := func(jobCtx context.Context) error {
		jobCtx, cancel := context.WithCancel(jobCtx)
		defer cancel()
		go q.heartbeat(jobCtx, cancel, jobID, token)
		defer func() {
			if err := releaseScript.Run(context.Background(), q.rdb, []string{jobKeyPrefix + jobID}, token).Err(); err != nil {
				q.logger.Warn("release job registration", "job_id", jobID, "error", err)
			}
		}()
		return fn(jobCtx)
	}

	started, err := q.local.Enqueue(ctx, jobID, wrapped)
	if err != nil || !started {
		releaseScript.Run(context.Background(), q.rdb, []string{jobKeyPrefix + jobID}, token)
		return false, err
	}
	return true, nil
}

// heartbeat extends the registration and watches for kill markers until the
// job context ends.
func (q *RedisQueue) heartbeat(ctx context.Context, cancel context.CancelFunc, jobID, token string) {
	ticker := time.NewTicker(q.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			killed, err := q.rdb.Exists(ctx, killKeyPrefix+jobID).Result()
			if err == nil && killed > 0 {
				q.logger.Info("job kill marker observed", "job_id", jobID)
				cancel()
				return
			}
			if err := q.rdb.PExpire(ctx, jobKeyPrefix+jobID, q.ttl).Err(); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Warn("job heartbeat", "job_id", jobID, "error", err)
			}
		}
	}
}

// HasJob reports whether any process holds a live registration for jobID.
func (q *RedisQueue) HasJob(ctx context.Context, jobID string) (bool, error) {
	n, err := q.rdb.Exists(ctx, jobKeyPrefix+jobID).Result()
	if err != nil {
		return false, fmt.Errorf("job liveness %s: %w", jobID, err)
	}
	return n > 0, nil
}

// KillJob cancels a local job immediately and leaves a kill marker for the
// owning process when the job runs elsewhere.
func (q *RedisQueue) KillJob(ctx context.Context, jobID string) error {
	if err := q.local.KillJob(ctx, jobID); err != nil {
		return err
	}
	if err := q.rdb.Set(ctx, killKeyPrefix+jobID, "1", q.ttl).Err(); err != nil {
		return fmt.Errorf("mark job %s killed: %w", jobID, err)
	}
	return nil
}

// CleanUpJobs forgets finished local jobs and drops kill markers whose job
// registration is already gone.
func (q *RedisQueue) CleanUpJobs(ctx context.Context) error {
	if err := q.local.CleanUpJobs(ctx); err != nil {
		return err
	}
	iter := q.rdb.Scan(ctx, 0, killKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		jobID := key[len(killKeyPrefix):]
		n, err := q.rdb.Exists(ctx, jobKeyPrefix+jobID).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			q.rdb.Del(ctx, key)
		}
	}
	return iter.Err()
}

// Wait blocks until every locally started job has finished.
func (q *RedisQueue) Wait(ctx context.Context) error {
	return q.local.Wait(ctx)
}

// Close cancels local jobs. The Redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	return q.local.Close()
}
