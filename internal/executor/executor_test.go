package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/me/pipesched/pkg/model"
)

type recordingCallbacks struct {
	mu        sync.Mutex
	completed map[string]Result
	failed    map[string]error
}

func newRecordingCallbacks() *recordingCallbacks {
	return &recordingCallbacks{completed: map[string]Result{}, failed: map[string]error{}}
}

func (c *recordingCallbacks) OnComplete(_ context.Context, uuid string, res Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed[uuid] = res
	return nil
}

func (c *recordingCallbacks) OnFailure(_ context.Context, uuid string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[uuid] = err
	return nil
}

func TestExecute_Completes(t *testing.T) {
	fe := NewFuncExecutor()
	fe.Handle("load", func(_ context.Context, req Request) (Result, error) {
		return Result{Output: []any{req.Input}}, nil
	})
	cb := newRecordingCallbacks()
	req := Request{BlockRunUUID: "load:0", Block: &model.Block{UUID: "load"}, Input: "a"}

	if err := Execute(context.Background(), fe, req, cb, newTestLogger()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res, ok := cb.completed["load:0"]
	if !ok {
		t.Fatal("OnComplete not called")
	}
	if len(res.Output) != 1 || res.Output[0] != "a" {
		t.Errorf("Output = %v", res.Output)
	}
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	fe := NewFuncExecutor()
	calls := 0
	fe.Handle("flaky", func(context.Context, Request) (Result, error) {
		calls++
		if calls < 3 {
			return Result{}, errors.New("transient")
		}
		return Result{}, nil
	})
	cb := newRecordingCallbacks()
	req := Request{
		BlockRunUUID: "flaky",
		Block:        &model.Block{UUID: "flaky"},
		RetryConfig:  &model.RetryConfig{Retries: 2},
	}

	if err := Execute(context.Background(), fe, req, cb, newTestLogger()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if _, ok := cb.completed["flaky"]; !ok {
		t.Error("OnComplete not called after retries")
	}
}

func TestExecute_ReportsFailure(t *testing.T) {
	fe := NewFuncExecutor()
	calls := 0
	fe.Handle("bad", func(context.Context, Request) (Result, error) {
		calls++
		return Result{}, errors.New("boom")
	})
	cb := newRecordingCallbacks()
	req := Request{BlockRunUUID: "bad", Block: &model.Block{UUID: "bad"}}

	if err := Execute(context.Background(), fe, req, cb, newTestLogger()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 without retry config", calls)
	}
	if err := cb.failed["bad"]; err == nil || err.Error() != "boom" {
		t.Errorf("failure = %v, want boom", err)
	}
}

func TestExecute_BlockTimeout(t *testing.T) {
	fe := NewFuncExecutor()
	fe.Handle("slow", func(ctx context.Context, _ Request) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	cb := newRecordingCallbacks()
	req := Request{BlockRunUUID: "slow", Block: &model.Block{UUID: "slow", Timeout: 20 * time.Millisecond}}

	if err := Execute(context.Background(), fe, req, cb, newTestLogger()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := cb.failed["slow"]; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("failure = %v, want deadline exceeded", err)
	}
}

func TestRegistry_DefaultExecutor(t *testing.T) {
	r := NewRegistry(newTestLogger())
	fe := NewFuncExecutor()
	r.Register(fe)
	r.Register(NewLocalExecutor(t.TempDir(), newTestLogger()))

	got, err := r.Get("")
	if err != nil || got.Type() != TypeFunc {
		t.Fatalf("Get(\"\") = %v, %v; want func executor", got, err)
	}
	if got, err := r.Get(TypeLocal); err != nil || got.Type() != TypeLocal {
		t.Fatalf("Get(local) = %v, %v", got, err)
	}
	if _, err := r.Get("docker"); err == nil {
		t.Fatal("expected error for unknown type")
	}
}
