// Package reporter sends the task lifecycle events (start, success, failed)
// to the log-monitoring server, independent of the batching log uploader.
package reporter

import (
	"context"
	"log/slog"
	"time"

	"github.com/lw-agent/logwatch/internal/errs"
	"github.com/lw-agent/logwatch/internal/model"
	"github.com/lw-agent/logwatch/internal/observability"
	"github.com/lw-agent/logwatch/internal/state"
	"github.com/lw-agent/logwatch/internal/transport"
)

const (
	maxAttempts  = 3
	retrySpacing = 1 * time.Second
)

// Reporter sends one-shot lifecycle events with bounded local retry.
type Reporter struct {
	client  *transport.Client
	machine *state.Machine
	errs    *errs.Collector
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates a Reporter.
func New(client *transport.Client, machine *state.Machine, collector *errs.Collector, metrics *observability.Metrics, logger *slog.Logger) *Reporter {
	return &Reporter{
		client:  client,
		machine: machine,
		errs:    collector,
		metrics: metrics,
		logger:  logger,
	}
}

// ReportStart sends the start event once the child's exec is confirmed and
// the publish-grace window has elapsed.
func (r *Reporter) ReportStart(ctx context.Context, task model.Task) {
	r.send(ctx, model.EventRequest{
		TaskID:             task.TaskID,
		UserID:             task.UserID,
		Type:               model.EventStart,
		Name:               task.Name,
		Machine:            task.Machine,
		Command:            task.Command,
		Cwd:                task.Cwd,
		PID:                task.PID,
		RuntimeVersion:     task.RuntimeVersion,
		HeartbeatIntervalS: intPtr(task.HeartbeatSecs),
		Timestamp:          nowRFC3339(),
	})
}

// ReportSuccess sends the success event once the child exits cleanly.
func (r *Reporter) ReportSuccess(ctx context.Context, task model.Task, exitCode int) {
	r.send(ctx, model.EventRequest{
		TaskID:         task.TaskID,
		UserID:         task.UserID,
		Type:           model.EventSuccess,
		Name:           task.Name,
		Machine:        task.Machine,
		Command:        task.Command,
		Cwd:            task.Cwd,
		PID:            task.PID,
		RuntimeVersion: task.RuntimeVersion,
		ExitCode:       intPtr(exitCode),
		Timestamp:      nowRFC3339(),
	})
}

// ReportFailed sends the failed event once the child exits with a non-zero
// or signaled status.
func (r *Reporter) ReportFailed(ctx context.Context, task model.Task, exitCode int) {
	r.send(ctx, model.EventRequest{
		TaskID:         task.TaskID,
		UserID:         task.UserID,
		Type:           model.EventFailed,
		Name:           task.Name,
		Machine:        task.Machine,
		Command:        task.Command,
		Cwd:            task.Cwd,
		PID:            task.PID,
		RuntimeVersion: task.RuntimeVersion,
		ExitCode:       intPtr(exitCode),
		Timestamp:      nowRFC3339(),
	})
}

// send POSTs the event, retrying up to maxAttempts times with retrySpacing
// between attempts on a retryable classification. A task_deleted response
// stops retrying immediately. A success is recorded as an ordinary ok
// result, which also resets the machine's give-up counter; a failure here
// never counts toward give-up.
func (r *Reporter) send(ctx context.Context, ev model.EventRequest) {
	if r.machine.ShouldSkipNetwork() {
		return
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := r.client.PostJSON(ctx, "/api/event", ev, 1_000_000)
		if err != nil {
			lastErr = err
		} else {
			switch result.Class {
			case transport.ClassOK:
				r.machine.RecordResult(transport.ClassOK, false)
				return
			case transport.ClassTaskDeleted:
				r.machine.RecordResult(transport.ClassTaskDeleted, false)
				return
			case transport.ClassRetryable:
				r.machine.RecordResult(transport.ClassRetryable, false)
			}
		}

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(retrySpacing):
			}
		}
	}

	if lastErr != nil {
		r.logger.Error("event report exhausted retries", "type", ev.Type, "error", lastErr)
	} else {
		r.logger.Warn("event report exhausted retries", "type", ev.Type)
	}
	if r.errs != nil {
		r.errs.Report(errs.AgentError{
			Code:      errs.ErrEventReportFailed,
			Message:   "event report exhausted retries: " + string(ev.Type),
			Component: "reporter",
			Timestamp: time.Now().UnixMilli(),
			Err:       lastErr,
		})
	}
}

func intPtr(n int) *int {
	return &n
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
