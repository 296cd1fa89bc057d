package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/me/pipesched/pkg/model"
)

func fastPolicy() Policy {
	return Policy{Attempts: 3, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDo_SucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	want := errors.New("still locked")
	err := Do(context.Background(), fastPolicy(), func() error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	want := errors.New("row not found")
	err := Do(context.Background(), fastPolicy(), func() error {
		calls++
		return Permanent(want)
	})
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestFromRetryConfig(t *testing.T) {
	if p := FromRetryConfig(nil); p.Attempts != 1 {
		t.Errorf("nil config attempts = %d, want 1", p.Attempts)
	}
	p := FromRetryConfig(&model.RetryConfig{Retries: 2, Delay: 5, MaxDelay: 60, ExponentialBackoff: true})
	if p.Attempts != 3 || p.Delay != 5*time.Second || p.MaxDelay != time.Minute || p.Fixed {
		t.Errorf("policy = %+v", p)
	}
	if !FromRetryConfig(&model.RetryConfig{Retries: 1}).Fixed {
		t.Error("linear retries should use a fixed delay")
	}
}
