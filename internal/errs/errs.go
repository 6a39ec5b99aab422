// Package errs provides a typed error taxonomy and a TTL-based collector for
// surfacing the agent's active error conditions, plus the Clock abstraction
// used throughout the transport/state-machine layers for testability.
package errs

import (
	"sync"
	"time"
)

// Code represents a typed error code, analogous to the codes a monitoring
// dashboard would group alerts by.
type Code string

// Agent error codes.
const (
	ErrQueueOpenFailed     Code = "QUEUE_OPEN_FAILED"
	ErrQueueWriteFailed    Code = "QUEUE_WRITE_FAILED"
	ErrBackendUnreachable  Code = "BACKEND_UNREACHABLE"
	ErrAuthFailed          Code = "AUTH_FAILED"
	ErrTaskDeleted         Code = "TASK_DELETED"
	ErrGiveUp              Code = "GIVE_UP"
	ErrEventReportFailed   Code = "EVENT_REPORT_FAILED"
	ErrChildPrecheckFailed Code = "CHILD_PRECHECK_FAILED"
	ErrNotifyFailed        Code = "NOTIFY_FAILED"
)

// defaultTTL is the auto-expiry duration for errors not re-reported.
const defaultTTL = 5 * time.Minute

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock uses the system clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// AgentError is a typed agent error with code, component, and optional
// wrapped cause.
type AgentError struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Component string `json:"component"`
	Timestamp int64  `json:"timestamp"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As compatibility.
func (e *AgentError) Unwrap() error {
	return e.Err
}

type entry struct {
	err        AgentError
	lastReport time.Time
}

// Collector is a thread-safe store for active agent errors, keyed by
// Code+Component. Entries auto-expire after defaultTTL if not re-reported.
type Collector struct {
	mu      sync.Mutex
	clock   Clock
	entries map[string]entry
}

// NewCollector creates a Collector with the given clock.
func NewCollector(clock Clock) *Collector {
	return &Collector{
		clock:   clock,
		entries: make(map[string]entry),
	}
}

func key(code Code, component string) string {
	return string(code) + "|" + component
}

// Report stores or refreshes an error. The dedup key is Code+Component.
func (ec *Collector) Report(err AgentError) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	k := key(err.Code, err.Component)
	ec.entries[k] = entry{
		err:        err,
		lastReport: ec.clock.Now(),
	}
}

// GetActiveErrors returns all errors reported within the TTL window,
// pruning anything older.
func (ec *Collector) GetActiveErrors() []AgentError {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	result := make([]AgentError, 0, len(ec.entries))
	for k, e := range ec.entries {
		if now.Sub(e.lastReport) > defaultTTL {
			delete(ec.entries, k)
			continue
		}
		result = append(result, e.err)
	}
	return result
}

// GetActiveErrorCodes returns a deduplicated list of active error codes.
func (ec *Collector) GetActiveErrorCodes() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	seen := make(map[Code]struct{})
	codes := make([]string, 0)
	for k, e := range ec.entries {
		if now.Sub(e.lastReport) > defaultTTL {
			delete(ec.entries, k)
			continue
		}
		if _, ok := seen[e.err.Code]; !ok {
			seen[e.err.Code] = struct{}{}
			codes = append(codes, string(e.err.Code))
		}
	}
	return codes
}

// Clear removes all tracked errors.
func (ec *Collector) Clear() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.entries = make(map[string]entry)
}
