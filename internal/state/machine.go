// Package state implements the connection state machine that mediates
// between three failure modes: transient network trouble, a permanent
// give-up after repeated liveness failures, and the server's authoritative
// deletion of the current task.
package state

import (
	"sync"
	"time"

	"github.com/lw-agent/logwatch/internal/errs"
	"github.com/lw-agent/logwatch/internal/observability"
	"github.com/lw-agent/logwatch/internal/transport"
)

// Status is one of the four connection states.
type Status string

const (
	Online        Status = "online"
	Retrying      Status = "retrying"
	OfflineGiveup Status = "offline_giveup"
	TaskDeleted   Status = "task_deleted"
)

const (
	baseBackoff = 5 * time.Second
	maxBackoff  = 60 * time.Second
)

// Machine tracks the agent's connection state and owns the backoff and
// give-up counters. It is safe for concurrent use by the uploader,
// heartbeat, and event-reporter loops.
type Machine struct {
	mu sync.RWMutex

	status Status

	backoffSeconds float64
	nextRetryAt    time.Time
	giveUpFailures int
	giveUpMax      int
	lastAckSeq     int64

	clock   errs.Clock
	metrics *observability.Metrics

	onTransition func(from, to Status, reason string)
}

// New creates a Machine starting in Online.
func New(clock errs.Clock, metrics *observability.Metrics, giveUpMax int) *Machine {
	if giveUpMax <= 0 {
		giveUpMax = 5
	}
	return &Machine{
		status:         Online,
		backoffSeconds: baseBackoff.Seconds(),
		giveUpMax:      giveUpMax,
		clock:          clock,
		metrics:        metrics,
	}
}

// OnTransition registers a callback invoked after every state change, for
// the single operator-visible log line each transition emits.
func (m *Machine) OnTransition(fn func(from, to Status, reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}

// Status returns the current connection state.
func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// LastAckSeq returns the most recently recorded server-acknowledged sequence.
func (m *Machine) LastAckSeq() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastAckSeq
}

// SetLastAckSeq records the server's acknowledged sequence number.
func (m *Machine) SetLastAckSeq(seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAckSeq = seq
}

// ShouldSkipNetwork reports whether the uploader/heartbeat loops should skip
// network work entirely: true once the task is known dead or the agent has
// given up.
func (m *Machine) ShouldSkipNetwork() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status == OfflineGiveup || m.status == TaskDeleted
}

// ReadyToRetry reports whether a retrying state's backoff window has
// elapsed. Always true outside the retrying state.
func (m *Machine) ReadyToRetry() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != Retrying {
		return true
	}
	return !m.clock.Now().Before(m.nextRetryAt)
}

// RecordResult feeds one classified transport outcome into the machine.
// countsTowardGiveUp should be true only for heartbeat and resume-probe
// failures; batch upload failures never count toward give-up.
func (m *Machine) RecordResult(class transport.Class, countsTowardGiveUp bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.status

	switch class {
	case transport.ClassTaskDeleted:
		m.transitionLocked(TaskDeleted, "server purged this task (409)")
		return
	case transport.ClassOK:
		m.giveUpFailures = 0
		m.backoffSeconds = baseBackoff.Seconds()
		if from != TaskDeleted && from != OfflineGiveup {
			m.transitionLocked(Online, "")
		}
		return
	case transport.ClassRetryable:
		if from == TaskDeleted || from == OfflineGiveup {
			return
		}
		if countsTowardGiveUp {
			m.giveUpFailures++
			if m.giveUpFailures >= m.giveUpMax {
				m.transitionLocked(OfflineGiveup, "give-up threshold reached")
				if m.metrics != nil {
					m.metrics.GiveUpCount.Inc()
				}
				return
			}
		}
		m.nextRetryAt = m.clock.Now().Add(time.Duration(m.backoffSeconds) * time.Second)
		m.backoffSeconds *= 2
		if m.backoffSeconds > maxBackoff.Seconds() {
			m.backoffSeconds = maxBackoff.Seconds()
		}
		m.transitionLocked(Retrying, "transport error, backing off")
	}
}

// transitionLocked must be called with mu held. It is a no-op if the state
// does not actually change, except that TaskDeleted and OfflineGiveup are
// absorbing and this function never moves out of them via this path.
func (m *Machine) transitionLocked(to Status, reason string) {
	from := m.status
	if from == to {
		return
	}
	if from == TaskDeleted || from == OfflineGiveup {
		// task_deleted and offline_giveup are absorbing.
		return
	}
	m.status = to
	if m.metrics != nil {
		m.metrics.ConnectionState.WithLabelValues(string(from)).Set(0)
		m.metrics.ConnectionState.WithLabelValues(string(to)).Set(1)
	}
	if m.onTransition != nil {
		m.onTransition(from, to, reason)
	}
}
