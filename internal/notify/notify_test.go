package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/me/pipesched/pkg/model"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureSender struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (c *captureSender) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return c.err
}

type countObserver struct {
	calls, errs int
}

func (o *countObserver) ObserveNotification(_ string, err error) {
	o.calls++
	if err != nil {
		o.errs++
	}
}

func testRun() *model.PipelineRun {
	return &model.PipelineRun{
		ID:                 "run-1",
		PipelineUUID:       "etl",
		PipelineScheduleID: "s1",
		ExecutionDate:      time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Status:             model.RunStatusFailed,
	}
}

func TestNotifier_BuildsMessages(t *testing.T) {
	cs := &captureSender{}
	obs := &countObserver{}
	n := NewNotifier(cs, newTestLogger()).WithObserver(obs)

	n.RunFailure(context.Background(), testRun(), "block load failed")
	n.RunPassedSLA(context.Background(), testRun())

	if len(cs.msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(cs.msgs))
	}
	if cs.msgs[0].Kind != KindFailure || cs.msgs[0].Reason != "block load failed" {
		t.Errorf("first message = %+v", cs.msgs[0])
	}
	if cs.msgs[1].Kind != KindPassedSLA || cs.msgs[1].PipelineRunID != "run-1" {
		t.Errorf("second message = %+v", cs.msgs[1])
	}
	if obs.calls != 2 || obs.errs != 0 {
		t.Errorf("observer calls=%d errs=%d", obs.calls, obs.errs)
	}
}

func TestNotifier_SendErrorIsNotFatal(t *testing.T) {
	cs := &captureSender{err: errors.New("smtp down")}
	obs := &countObserver{}
	n := NewNotifier(cs, newTestLogger()).WithObserver(obs)

	n.RunSuccess(context.Background(), testRun())

	if obs.errs != 1 {
		t.Errorf("observer errs = %d, want 1", obs.errs)
	}
}

func TestMultiSender_TriesEverySender(t *testing.T) {
	a := &captureSender{err: errors.New("a failed")}
	b := &captureSender{}
	err := MultiSender{a, b}.Send(context.Background(), Message{Kind: KindSuccess})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(b.msgs) != 1 {
		t.Error("second sender was skipped")
	}
}

func TestWebhookSender_Posts(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL)
	if err := s.Send(context.Background(), Message{Kind: KindFailure, PipelineRunID: "run-9"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.PipelineRunID != "run-9" || got.Kind != KindFailure {
		t.Errorf("received %+v", got)
	}
}

func TestWebhookSender_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := NewWebhookSender(srv.URL).Send(context.Background(), Message{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}

func TestWebhookSender_ClientErrorIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	if err := NewWebhookSender(srv.URL).Send(context.Background(), Message{}); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}
