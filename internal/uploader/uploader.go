// Package uploader runs the three network-facing workers that move a
// supervised task's captured output to the log-monitoring server: the
// batching upload loop, the heartbeat loop, and the one-shot resume probe
// that runs before either starts.
package uploader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lw-agent/logwatch/internal/config"
	"github.com/lw-agent/logwatch/internal/errs"
	"github.com/lw-agent/logwatch/internal/model"
	"github.com/lw-agent/logwatch/internal/observability"
	"github.com/lw-agent/logwatch/internal/queue"
	"github.com/lw-agent/logwatch/internal/state"
	"github.com/lw-agent/logwatch/internal/transport"
)

// Uploader owns the offset into the local log file, the durable queue, and
// the transport/state-machine collaborators it drives.
type Uploader struct {
	queue   *queue.Store
	client  *transport.Client
	machine *state.Machine
	cfg     *config.Config
	metrics *observability.Metrics
	errs    *errs.Collector
	logger  *slog.Logger
	task    model.Task
	logPath string

	mu             sync.Mutex
	offset         int64
	firstPendingAt time.Time
}

// New creates an Uploader for one supervised task. logPath is the local
// append-only file the child supervisor writes PTY bytes to.
func New(q *queue.Store, client *transport.Client, machine *state.Machine, cfg *config.Config, metrics *observability.Metrics, collector *errs.Collector, logger *slog.Logger, task model.Task, logPath string) *Uploader {
	return &Uploader{
		queue:   q,
		client:  client,
		machine: machine,
		cfg:     cfg,
		metrics: metrics,
		errs:    collector,
		logger:  logger,
		task:    task,
		logPath: logPath,
	}
}

// Resume runs the one-shot resume protocol: it asks the server for the last
// acknowledged sequence and reconciles the local queue against it. If the
// server reports the task deleted, it archives the local rows and moves the
// state machine to task_deleted. It returns an error only when the request
// cannot be built or a queue update fails.
func (u *Uploader) Resume(ctx context.Context) error {
	result, err := u.client.GetJSON(ctx, "/api/log/last-ack", url.Values{
		"task_id": {u.task.TaskID},
		"user_id": {u.task.UserID},
	})
	if err != nil {
		return fmt.Errorf("uploader: resume request: %w", err)
	}

	// A 404 on this endpoint means the server has never seen this task, not
	// a transport failure: treat it as last_ack_seq=0 before falling through
	// to the general ok/retryable/task_deleted classification, since
	// classifyStatus otherwise sorts 404 into ClassRetryable.
	if result.StatusCode == 404 {
		u.machine.RecordResult(transport.ClassOK, false)
		u.machine.SetLastAckSeq(0)
		if u.metrics != nil {
			u.metrics.ResumeTotal.WithLabelValues("ok").Inc()
		}
		if err := u.queue.ReconcileWithServerAck(ctx, u.task.TaskID, 0); err != nil {
			return fmt.Errorf("uploader: reconcile with server ack: %w", err)
		}
		return nil
	}

	switch result.Class {
	case transport.ClassOK:
		var lastAck int64
		if len(result.Body) > 0 {
			var resp model.LastAckResponse
			if err := json.Unmarshal(result.Body, &resp); err == nil {
				lastAck = resp.LastAckSeq
			}
		}
		u.machine.RecordResult(transport.ClassOK, false)
		u.machine.SetLastAckSeq(lastAck)
		if u.metrics != nil {
			u.metrics.ResumeTotal.WithLabelValues("ok").Inc()
		}
		if err := u.queue.ReconcileWithServerAck(ctx, u.task.TaskID, lastAck); err != nil {
			return fmt.Errorf("uploader: reconcile with server ack: %w", err)
		}
	case transport.ClassTaskDeleted:
		u.machine.RecordResult(transport.ClassTaskDeleted, false)
		if u.metrics != nil {
			u.metrics.ResumeTotal.WithLabelValues("task_deleted").Inc()
		}
		if err := u.queue.ArchiveTask(ctx, u.task.TaskID, "resume probe reported task deleted"); err != nil {
			return fmt.Errorf("uploader: archive on resume: %w", err)
		}
	case transport.ClassRetryable:
		if u.metrics != nil {
			u.metrics.ResumeTotal.WithLabelValues("retryable").Inc()
		}
		u.logger.Warn("resume probe failed, proceeding with local state", "task_id", u.task.TaskID)
		u.errs.Report(errs.AgentError{
			Code:      errs.ErrBackendUnreachable,
			Message:   "resume probe failed, proceeding with local state",
			Component: "uploader.resume",
			Timestamp: time.Now().UnixMilli(),
		})
		u.machine.RecordResult(transport.ClassRetryable, true)
	}

	return nil
}

// Run drives the upload loop until ctx is canceled. Before returning it runs
// drainOnShutdown, which flushes unconditionally (up to 20 attempts) while
// rows remain, so rows captured just before shutdown are not silently dropped.
func (u *Uploader) Run(ctx context.Context) error {
	tick := u.cfg.UploadInterval
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			u.drainOnShutdown(context.Background())
			return ctx.Err()
		case <-ticker.C:
			u.iterate(ctx)
		}
	}
}

// iterate runs one full pass of the uploader loop: ingest new log bytes,
// check the state machine's gates, restore failed rows, and flush if due.
func (u *Uploader) iterate(ctx context.Context) {
	if err := u.ingestNewBytes(ctx); err != nil {
		u.logger.Error("failed to ingest log bytes", "error", err)
	}

	if u.machine.ShouldSkipNetwork() {
		return
	}
	if !u.machine.ReadyToRetry() {
		return
	}

	if err := u.queue.ResetFailedToPending(ctx, u.task.TaskID); err != nil {
		u.logger.Error("failed to reset failed rows", "error", err)
		return
	}

	if !u.shouldFlush(ctx) {
		return
	}

	u.flush(ctx)
}

// ingestNewBytes reads any bytes appended to the log file since the last
// offset, decodes them as UTF-8 with replacement, and enqueues them as a
// single row.
func (u *Uploader) ingestNewBytes(ctx context.Context) error {
	u.mu.Lock()
	offset := u.offset
	u.mu.Unlock()

	f, err := os.Open(u.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() <= offset {
		return nil
	}

	if _, err := f.Seek(offset, 0); err != nil {
		return err
	}
	buf := make([]byte, info.Size()-offset)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return err
	}
	buf = buf[:n]

	content := toValidUTF8(buf)
	if content == "" {
		return nil
	}

	taskDead := u.machine.Status() == state.TaskDeleted
	seq, err := u.queue.NextSeq(ctx, u.task.TaskID, 1)
	if err != nil {
		return err
	}
	row := model.LogRow{
		TaskID:    u.task.TaskID,
		ClientSeq: seq,
		UserID:    u.task.UserID,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := u.queue.Enqueue(ctx, row, taskDead); err != nil {
		return err
	}
	if u.metrics != nil {
		u.metrics.QueueEnqueued.Inc()
	}

	u.mu.Lock()
	u.offset = offset + int64(n)
	u.mu.Unlock()
	return nil
}

// shouldFlush implements the batch-or-interval flush decision.
func (u *Uploader) shouldFlush(ctx context.Context) bool {
	count, err := u.queue.PendingCount(ctx, u.task.TaskID)
	if err != nil {
		u.logger.Error("failed to count pending rows", "error", err)
		return false
	}
	if count == 0 {
		u.mu.Lock()
		u.firstPendingAt = time.Time{}
		u.mu.Unlock()
		return false
	}
	if u.metrics != nil {
		u.metrics.QueuePendingRows.Set(float64(count))
	}
	if count >= u.cfg.BatchSize {
		return true
	}

	u.mu.Lock()
	if u.firstPendingAt.IsZero() {
		u.firstPendingAt = time.Now()
	}
	elapsed := time.Since(u.firstPendingAt)
	u.mu.Unlock()

	return elapsed >= time.Duration(u.cfg.BatchIntervalMS)*time.Millisecond
}

// flush fetches one batch of pending rows and sends it, notifying the
// state machine of the outcome.
func (u *Uploader) flush(ctx context.Context) {
	batch, err := u.queue.PendingBatch(ctx, u.task.TaskID, u.cfg.BatchSize)
	if err != nil {
		u.logger.Error("failed to fetch pending batch", "error", err)
		return
	}
	if len(batch) == 0 {
		return
	}

	req := model.BatchRequest{
		TaskID: u.task.TaskID,
		UserID: u.task.UserID,
		Logs:   make([]model.BatchLogEntry, 0, len(batch)),
	}
	seqs := make([]int64, 0, len(batch))
	for _, row := range batch {
		req.Logs = append(req.Logs, model.BatchLogEntry{
			ClientSeq: row.ClientSeq,
			Content:   row.Content,
			Timestamp: row.Timestamp,
		})
		seqs = append(seqs, row.ClientSeq)
	}

	start := time.Now()
	result, err := u.client.PostJSON(ctx, "/api/log/batch", req, 1)
	if u.metrics != nil {
		u.metrics.BatchSendDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		u.logger.Error("batch upload request failed", "error", err)
		return
	}

	lastSeq := seqs[len(seqs)-1]

	switch result.Class {
	case transport.ClassOK:
		ackSeq := lastSeq
		if len(result.Body) > 0 {
			var resp model.BatchResponse
			if err := json.Unmarshal(result.Body, &resp); err == nil && resp.AckSeq != nil {
				ackSeq = *resp.AckSeq
			}
		}
		if err := u.queue.MarkSentUpTo(ctx, u.task.TaskID, ackSeq); err != nil {
			u.logger.Error("failed to mark rows sent", "error", err)
			return
		}
		u.machine.SetLastAckSeq(ackSeq)
		u.machine.RecordResult(transport.ClassOK, false)
		if u.metrics != nil {
			u.metrics.BatchSendTotal.WithLabelValues("ok").Inc()
			u.metrics.BatchRowsSent.Add(float64(len(batch)))
		}
	case transport.ClassTaskDeleted:
		if err := u.queue.ArchiveTask(ctx, u.task.TaskID, "server purged this task (409 on batch upload)"); err != nil {
			u.logger.Error("failed to archive task", "error", err)
		} else if u.metrics != nil {
			u.metrics.QueueArchived.Add(float64(len(batch)))
		}
		u.machine.RecordResult(transport.ClassTaskDeleted, false)
		if u.metrics != nil {
			u.metrics.BatchSendTotal.WithLabelValues("task_deleted").Inc()
		}
	case transport.ClassRetryable:
		if err := u.queue.MarkFailed(ctx, u.task.TaskID, seqs, "batch upload failed"); err != nil {
			u.logger.Error("failed to mark rows failed", "error", err)
		}
		u.errs.Report(errs.AgentError{
			Code:      errs.ErrBackendUnreachable,
			Message:   fmt.Sprintf("batch upload failed for %d rows, will retry", len(seqs)),
			Component: "uploader.flush",
			Timestamp: time.Now().UnixMilli(),
		})
		u.machine.RecordResult(transport.ClassRetryable, false)
		if u.metrics != nil {
			u.metrics.BatchSendTotal.WithLabelValues("retryable").Inc()
		}
	}
}

// drainOnShutdown flushes unconditionally while rows remain, bounded so a
// dead server cannot hang process exit forever.
func (u *Uploader) drainOnShutdown(ctx context.Context) {
	const maxAttempts = 20
	if err := u.ingestNewBytes(ctx); err != nil {
		u.logger.Error("final ingest failed", "error", err)
	}
	if u.machine.ShouldSkipNetwork() {
		return
	}
	for i := 0; i < maxAttempts; i++ {
		count, err := u.queue.PendingCount(ctx, u.task.TaskID)
		if err != nil || count == 0 {
			return
		}
		if err := u.queue.ResetFailedToPending(ctx, u.task.TaskID); err != nil {
			return
		}
		u.flush(ctx)
		if u.machine.ShouldSkipNetwork() {
			return
		}
	}
}

// RunHeartbeat drives the heartbeat loop until ctx is canceled.
func (u *Uploader) RunHeartbeat(ctx context.Context) error {
	interval := u.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			u.sendHeartbeat(ctx)
		}
	}
}

func (u *Uploader) sendHeartbeat(ctx context.Context) {
	if u.machine.ShouldSkipNetwork() {
		return
	}

	req := model.HeartbeatRequest{
		TaskID:    u.task.TaskID,
		UserID:    u.task.UserID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	result, err := u.client.PostJSON(ctx, "/api/heartbeat", req, 1_000_000)
	if err != nil {
		u.logger.Error("heartbeat request failed", "error", err)
		return
	}

	switch result.Class {
	case transport.ClassOK:
		u.machine.RecordResult(transport.ClassOK, true)
		if u.metrics != nil {
			u.metrics.HeartbeatTotal.WithLabelValues("ok").Inc()
		}
	case transport.ClassTaskDeleted:
		if err := u.queue.ArchiveTask(ctx, u.task.TaskID, "server purged this task (409 on heartbeat)"); err != nil {
			u.logger.Error("failed to archive task on heartbeat 409", "error", err)
		}
		u.machine.RecordResult(transport.ClassTaskDeleted, false)
		if u.metrics != nil {
			u.metrics.HeartbeatTotal.WithLabelValues("task_deleted").Inc()
		}
	case transport.ClassRetryable:
		u.machine.RecordResult(transport.ClassRetryable, true)
		if u.metrics != nil {
			u.metrics.HeartbeatTotal.WithLabelValues("retryable").Inc()
		}
		if u.machine.Status() == state.OfflineGiveup {
			u.errs.Report(errs.AgentError{
				Code:      errs.ErrGiveUp,
				Message:   "heartbeat failures exceeded give-up threshold",
				Component: "uploader.heartbeat",
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}
}

// toValidUTF8 decodes buf as UTF-8, replacing any invalid byte sequences
// with the Unicode replacement character rather than failing.
func toValidUTF8(buf []byte) string {
	return strings.ToValidUTF8(string(buf), "�")
}
