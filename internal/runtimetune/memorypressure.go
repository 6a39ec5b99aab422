// Package runtimetune watches the agent's own memory footprint while it
// supervises a long-running child. A runaway child can emit output faster
// than the uploader drains it; the monitor gives the agent a chance to shed
// memory before the kernel OOM-kills it mid-capture.
package runtimetune

import (
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// MemStatsProvider abstracts runtime.MemStats reading for testability.
type MemStatsProvider interface {
	ReadMemStats(m *runtime.MemStats)
}

type runtimeMemStatsProvider struct{}

func (runtimeMemStatsProvider) ReadMemStats(m *runtime.MemStats) {
	runtime.ReadMemStats(m)
}

// MemoryPressureMonitor polls runtime.MemStats at a regular interval and
// invokes onPressure when memory usage crosses a configurable fraction of
// GOMEMLIMIT. It does nothing when GOMEMLIMIT is unset.
type MemoryPressureMonitor struct {
	threshold  float64 // 0.8 = 80% of GOMEMLIMIT
	onPressure func()
	interval   time.Duration
	provider   MemStatsProvider
	logger     *slog.Logger
	stopOnce   sync.Once
	stopCh     chan struct{}
}

// NewMemoryPressureMonitor creates a monitor that calls onPressure when
// memory usage exceeds threshold * GOMEMLIMIT. If provider is nil, the real
// runtime.ReadMemStats is used; if logger is nil, slog.Default() is used.
func NewMemoryPressureMonitor(threshold float64, onPressure func(), interval time.Duration, provider MemStatsProvider, logger *slog.Logger) *MemoryPressureMonitor {
	if provider == nil {
		provider = runtimeMemStatsProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryPressureMonitor{
		threshold:  threshold,
		onPressure: onPressure,
		interval:   interval,
		provider:   provider,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the background polling goroutine.
func (m *MemoryPressureMonitor) Start() {
	go m.run()
}

func (m *MemoryPressureMonitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if usage, limit, over := m.check(); over {
				m.logger.Warn("memory pressure detected",
					"usage_bytes", usage,
					"limit_bytes", limit,
					"threshold", m.threshold,
				)
				m.onPressure()
			}
		}
	}
}

// check reads the current usage and reports whether it exceeds the
// threshold relative to GOMEMLIMIT.
func (m *MemoryPressureMonitor) check() (usage, limit uint64, over bool) {
	lim := debug.SetMemoryLimit(-1) // read current limit without changing it
	if lim <= 0 {
		return 0, 0, false
	}
	limit = uint64(lim)

	var stats runtime.MemStats
	m.provider.ReadMemStats(&stats)

	usage = stats.Sys - stats.HeapReleased
	over = float64(usage)/float64(limit) > m.threshold
	return usage, limit, over
}

// Stop halts the background polling goroutine. Safe to call multiple times.
func (m *MemoryPressureMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}
