// Package notify delivers run success, failure and SLA messages. Delivery is
// fire-and-forget: a failed send is logged and never aborts scheduling.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/me/pipesched/pkg/model"
)

// Kind is the reason a message is sent.
type Kind string

const (
	KindSuccess   Kind = "success"
	KindFailure   Kind = "failure"
	KindPassedSLA Kind = "passed_sla"
)

// Message describes one notification about a pipeline run.
type Message struct {
	Kind               Kind            `json:"kind"`
	PipelineUUID       string          `json:"pipeline_uuid"`
	PipelineRunID      string          `json:"pipeline_run_id"`
	PipelineScheduleID string          `json:"pipeline_schedule_id"`
	ExecutionDate      time.Time       `json:"execution_date"`
	Status             model.RunStatus `json:"status"`
	Reason             string          `json:"reason,omitempty"`
	SentAt             time.Time       `json:"sent_at"`
}

// Sender delivers a message to one channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Observer is told about every delivery attempt. It is satisfied by
// metrics.SchedulerMetrics.
type Observer interface {
	ObserveNotification(kind string, err error)
}

// Notifier builds messages from runs and hands them to a Sender.
type Notifier struct {
	sender   Sender
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// NewNotifier wraps sender. A nil sender logs only.
func NewNotifier(sender Sender, logger *slog.Logger) *Notifier {
	if sender == nil {
		sender = NewLogSender(logger)
	}
	return &Notifier{
		sender: sender,
		logger: logger.With("component", "notify"),
		now:    time.Now,
	}
}

// WithObserver attaches an Observer and returns n.
func (n *Notifier) WithObserver(o Observer) *Notifier {
	n.observer = o
	return n
}

// RunSuccess announces a COMPLETED run.
func (n *Notifier) RunSuccess(ctx context.Context, run *model.PipelineRun) {
	n.send(ctx, n.message(KindSuccess, run, ""))
}

// RunFailure announces a run that failed, timed out, or was stopped by the
// memory breaker.
func (n *Notifier) RunFailure(ctx context.Context, run *model.PipelineRun, reason string) {
	n.send(ctx, n.message(KindFailure, run, reason))
}

// RunPassedSLA announces a run still running past its SLA.
func (n *Notifier) RunPassedSLA(ctx context.Context, run *model.PipelineRun) {
	n.send(ctx, n.message(KindPassedSLA, run, ""))
}

func (n *Notifier) message(kind Kind, run *model.PipelineRun, reason string) Message {
	return Message{
		Kind:               kind,
		PipelineUUID:       run.PipelineUUID,
		PipelineRunID:      run.ID,
		PipelineScheduleID: run.PipelineScheduleID,
		ExecutionDate:      run.ExecutionDate,
		Status:             run.Status,
		Reason:             reason,
		SentAt:             n.now().UTC(),
	}
}

func (n *Notifier) send(ctx context.Context, msg Message) {
	err := n.sender.Send(ctx, msg)
	if n.observer != nil {
		n.observer.ObserveNotification(string(msg.Kind), err)
	}
	if err != nil {
		n.logger.Error("notification failed",
			"kind", msg.Kind, "pipeline_run_id", msg.PipelineRunID, "error", err)
	}
}

// LogSender writes messages to the log.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With("component", "notify-log")}
}

// Send logs msg at Info, or Warn for failures and SLA misses.
func (s *LogSender) Send(_ context.Context, msg Message) error {
	level := slog.LevelInfo
	if msg.Kind != KindSuccess {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "pipeline run notification",
		"kind", msg.Kind,
		"pipeline_uuid", msg.PipelineUUID,
		"pipeline_run_id", msg.PipelineRunID,
		"status", msg.Status,
		"reason", msg.Reason,
	)
	return nil
}

// MultiSender fans a message out to several senders. Every sender is tried;
// the errors are joined.
type MultiSender []Sender

// Send delivers msg to every sender.
func (m MultiSender) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
