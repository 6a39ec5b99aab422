package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetrics_NoRegistrationPanic(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
	if m.Registry == nil {
		t.Fatal("Registry is nil")
	}
}

func TestNewMetrics_CustomRegistry(t *testing.T) {
	m := NewMetrics()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	defaultFamilies, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("DefaultGatherer.Gather failed: %v", err)
	}

	customNames := make(map[string]bool)
	for _, f := range families {
		customNames[f.GetName()] = true
	}

	for _, f := range defaultFamilies {
		if customNames[f.GetName()] {
			t.Errorf("metric %q found in default registry — should only be in custom registry", f.GetName())
		}
	}
}

func TestNewMetrics_AllNamesHavePrefix(t *testing.T) {
	m := NewMetrics()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	if len(families) == 0 {
		t.Fatal("no metric families gathered")
	}

	for _, f := range families {
		name := f.GetName()
		if len(name) < len("lw_agent_") || name[:9] != "lw_agent_" {
			t.Errorf("metric %q does not start with lw_agent_ prefix", name)
		}
	}
}

func TestNewMetrics_CounterIncrement(t *testing.T) {
	m := NewMetrics()

	m.TransportRetries.Inc()

	pb := &dto.Metric{}
	if err := m.TransportRetries.Write(pb); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := pb.GetCounter().GetValue(); got != 1 {
		t.Errorf("TransportRetries = %v, want 1", got)
	}

	m.BatchSendTotal.WithLabelValues("ok").Inc()
	m.BatchSendTotal.WithLabelValues("ok").Inc()
	m.BatchSendTotal.WithLabelValues("retryable").Inc()

	pb = &dto.Metric{}
	if err := m.BatchSendTotal.WithLabelValues("ok").(prometheus.Metric).Write(pb); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := pb.GetCounter().GetValue(); got != 2 {
		t.Errorf("BatchSendTotal(ok) = %v, want 2", got)
	}
}

func TestNewMetrics_HistogramObserve(t *testing.T) {
	m := NewMetrics()

	m.BatchSendDuration.Observe(0.5)
	m.BatchSendDuration.Observe(1.5)

	pb := &dto.Metric{}
	if err := m.BatchSendDuration.Write(pb); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := pb.GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("BatchSendDuration sample count = %v, want 2", got)
	}

	m.TransportRequestDuration.WithLabelValues("/api/log/batch").Observe(0.2)
	pb = &dto.Metric{}
	if err := m.TransportRequestDuration.WithLabelValues("/api/log/batch").(prometheus.Metric).Write(pb); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := pb.GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("TransportRequestDuration sample count = %v, want 1", got)
	}
}

func TestNewMetrics_GaugeSet(t *testing.T) {
	m := NewMetrics()

	m.QueuePendingRows.Set(42)

	pb := &dto.Metric{}
	if err := m.QueuePendingRows.Write(pb); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := pb.GetGauge().GetValue(); got != 42 {
		t.Errorf("QueuePendingRows = %v, want 42", got)
	}

	m.CompressionRatio.Set(0.75)
	pb = &dto.Metric{}
	if err := m.CompressionRatio.Write(pb); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := pb.GetGauge().GetValue(); got != 0.75 {
		t.Errorf("CompressionRatio = %v, want 0.75", got)
	}
}

func TestNewMetrics_VecLabels(t *testing.T) {
	m := NewMetrics()

	m.HeartbeatTotal.WithLabelValues("ok").Inc()
	m.HeartbeatTotal.WithLabelValues("retryable").Inc()
	m.ResumeTotal.WithLabelValues("ok").Inc()

	pb := &dto.Metric{}
	if err := m.HeartbeatTotal.WithLabelValues("ok").(prometheus.Metric).Write(pb); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := pb.GetCounter().GetValue(); got != 1 {
		t.Errorf("HeartbeatTotal(ok) = %v, want 1", got)
	}

	m.ConnectionState.WithLabelValues("online").Set(1)
	m.ConnectionState.WithLabelValues("retrying").Set(0)
	pb = &dto.Metric{}
	if err := m.ConnectionState.WithLabelValues("online").(prometheus.Metric).Write(pb); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := pb.GetGauge().GetValue(); got != 1 {
		t.Errorf("ConnectionState(online) = %v, want 1", got)
	}
}

func TestNewMetrics_NoDuplicateRegistrationPanic(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("creating Metrics twice panicked: %v", r)
		}
	}()

	_ = NewMetrics()
	_ = NewMetrics()
}

func TestNewMetrics_AllFieldsNonNil(t *testing.T) {
	m := NewMetrics()

	if m.QueuePendingRows == nil {
		t.Error("QueuePendingRows is nil")
	}
	if m.QueueEnqueued == nil {
		t.Error("QueueEnqueued is nil")
	}
	if m.QueueArchived == nil {
		t.Error("QueueArchived is nil")
	}
	if m.BatchSendDuration == nil {
		t.Error("BatchSendDuration is nil")
	}
	if m.BatchSizeBytes == nil {
		t.Error("BatchSizeBytes is nil")
	}
	if m.BatchSendTotal == nil {
		t.Error("BatchSendTotal is nil")
	}
	if m.BatchRowsSent == nil {
		t.Error("BatchRowsSent is nil")
	}
	if m.HeartbeatTotal == nil {
		t.Error("HeartbeatTotal is nil")
	}
	if m.ResumeTotal == nil {
		t.Error("ResumeTotal is nil")
	}
	if m.TransportRetries == nil {
		t.Error("TransportRetries is nil")
	}
	if m.TransportRequestDuration == nil {
		t.Error("TransportRequestDuration is nil")
	}
	if m.ConnectionState == nil {
		t.Error("ConnectionState is nil")
	}
	if m.GiveUpCount == nil {
		t.Error("GiveUpCount is nil")
	}
	if m.ChildExitCode == nil {
		t.Error("ChildExitCode is nil")
	}
	if m.CompressionRatio == nil {
		t.Error("CompressionRatio is nil")
	}
	if m.CompressionDuration == nil {
		t.Error("CompressionDuration is nil")
	}
}
