package historian

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridscope/scadasim/pkg/model"
)

type fakeSink struct {
	mu      sync.Mutex
	batches []Batch
	fail    bool
	closed  bool
}

func (f *fakeSink) WriteBatch(_ context.Context, batch Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("sink down")
	}
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *fakeSink) totalRows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for i := range f.batches {
		n += f.batches[i].Len()
	}
	return n
}

func testSample(node string, seq uint64) model.TelemetrySample {
	return model.TelemetrySample{
		NodeID:      node,
		Sequence:    seq,
		Timestamp:   time.Now().UTC(),
		VoltageKV:   400,
		FrequencyHz: 50,
		Quality:     model.QualityGood,
	}
}

func TestFlushGroupsRowsByTable(t *testing.T) {
	sink := &fakeSink{}
	svc := NewService(slog.Default(), sink, nil)

	svc.RecordTelemetry(testSample("GEN-001", 1))
	svc.RecordTelemetry(testSample("GEN-001", 2))
	svc.RecordGridMetrics(model.GridSnapshot{
		Timestamp:         time.Now(),
		SystemFrequencyHz: 50,
		AlarmCounts:       map[string]int{"warning": 3, "critical": 2},
	})
	svc.RecordAlarm(model.Alarm{AlarmID: "a-1", NodeID: "GEN-001", Code: "OVERFREQUENCY", State: model.AlarmRaised})
	svc.RecordAudit(model.AuditEntry{LogID: "l-1", OperatorID: "operator", Action: "login", Result: model.AuditSuccess})
	svc.RecordSecurityEvent(model.SecurityEvent{EventID: "e-1", Type: model.EventAuthFailure})

	svc.Flush(context.Background())

	require.Len(t, sink.batches, 1)
	b := sink.batches[0]
	assert.Len(t, b.Telemetry, 2)
	require.Len(t, b.GridMetrics, 1)
	assert.Equal(t, 5, b.GridMetrics[0].ActiveAlarms)
	assert.Equal(t, 2, b.GridMetrics[0].CriticalAlarms)
	assert.Len(t, b.Alarms, 1)
	assert.Len(t, b.Audit, 1)
	assert.Len(t, b.Security, 1)
	assert.Zero(t, svc.PendingRows())
}

func TestFlushCapsBatchSize(t *testing.T) {
	sink := &fakeSink{}
	svc := NewService(slog.Default(), sink, nil)

	for i := 0; i < FlushRows+100; i++ {
		svc.RecordTelemetry(testSample("GEN-001", uint64(i)))
	}
	svc.Flush(context.Background())

	require.Len(t, sink.batches, 1)
	assert.Equal(t, FlushRows, sink.batches[0].Len())
	assert.Equal(t, 100, svc.PendingRows())
}

func TestFailedFlushRequeuesInOrder(t *testing.T) {
	sink := &fakeSink{fail: true}
	svc := NewService(slog.Default(), sink, nil)

	for i := 0; i < 10; i++ {
		svc.RecordTelemetry(testSample("GEN-001", uint64(i)))
	}
	svc.Flush(context.Background())
	assert.Equal(t, 10, svc.PendingRows())
	assert.Empty(t, sink.batches)

	sink.setFail(false)
	svc.Flush(context.Background())
	assert.Zero(t, svc.PendingRows())
	require.Len(t, sink.batches, 1)
	require.Len(t, sink.batches[0].Telemetry, 10)
	for i, row := range sink.batches[0].Telemetry {
		assert.Equal(t, uint64(i), row.Sequence)
	}
}

func TestSpillDropsOldestBeyondLimit(t *testing.T) {
	sink := &fakeSink{fail: true}
	svc := NewService(slog.Default(), sink, nil)

	for i := 0; i < SpillLimit+50; i++ {
		svc.RecordTelemetry(testSample("GEN-001", uint64(i)))
	}

	assert.Equal(t, SpillLimit, svc.PendingRows())
	assert.Equal(t, uint64(50), svc.DroppedRows())

	// The retained window is the newest rows.
	sink.setFail(false)
	svc.Flush(context.Background())
	require.NotEmpty(t, sink.batches)
	assert.Equal(t, uint64(50), sink.batches[0].Telemetry[0].Sequence)
}

func TestBreakerSkipsFlushesWhileOpen(t *testing.T) {
	sink := &fakeSink{fail: true}
	svc := NewService(slog.Default(), sink, nil)

	svc.RecordTelemetry(testSample("GEN-001", 1))

	// Three failures trip the breaker; later flushes fail fast without
	// touching the sink.
	for i := 0; i < 5; i++ {
		svc.Flush(context.Background())
	}
	sink.setFail(false)
	svc.Flush(context.Background())
	// Breaker is open, the healthy sink is not probed until cool-down.
	assert.Empty(t, sink.batches)
	assert.Equal(t, 1, svc.PendingRows())
}

func TestRunFlushesOnRowThreshold(t *testing.T) {
	sink := &fakeSink{}
	svc := NewService(slog.Default(), sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = svc.Run(ctx)
		close(done)
	}()

	for i := 0; i < FlushRows; i++ {
		svc.RecordTelemetry(testSample("GEN-001", uint64(i)))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sink.totalRows() < FlushRows {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, FlushRows, sink.totalRows())

	cancel()
	<-done
}

func TestCloseClosesSink(t *testing.T) {
	sink := &fakeSink{}
	svc := NewService(slog.Default(), sink, nil)
	require.NoError(t, svc.Close())
	assert.True(t, sink.closed)
}
