// Package lock provides short-lived named mutexes shared by scheduler
// processes. Failing to acquire a lock means another process owns the key;
// callers skip the work for this tick rather than wait.
package lock

import (
	"context"
	"sync"
	"time"
)

// Locker is a non-blocking named mutex with a lease.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RunKey is the lock key guarding start and schedule of one pipeline run.
func RunKey(pipelineRunID string) string {
	return "pipeline_run:" + pipelineRunID
}

// ScheduleKey is the lock key guarding run creation for one schedule.
func ScheduleKey(scheduleID string) string {
	return "pipeline_schedule:" + scheduleID
}

// MemoryLocker is a Locker for a single process.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

// NewMemoryLocker returns an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]time.Time), now: time.Now}
}

// TryAcquire takes key unless an unexpired lease holds it.
func (l *MemoryLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if exp, ok := l.leases[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.leases[key] = now.Add(ttl)
	return true, nil
}

// Release drops the lease on key.
func (l *MemoryLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, key)
	return nil
}
