package historian

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gridscope/scadasim/internal/metrics"
	"github.com/gridscope/scadasim/pkg/circuit"
	"github.com/gridscope/scadasim/pkg/model"
)

// Flush cadence and buffer bounds.
const (
	FlushInterval = time.Second
	FlushRows     = 500
	SpillLimit    = 100_000
)

// Sink is the durable store behind the historian.
type Sink interface {
	WriteBatch(ctx context.Context, batch Batch) error
	Close() error
}

// Service accepts rows from the hot path without ever blocking it. Rows
// wait in a bounded spill buffer; when the buffer is full the oldest rows
// are dropped and counted.
type Service struct {
	logger  *slog.Logger
	sink    Sink
	met     *metrics.Metrics
	breaker *circuit.Breaker

	mu      sync.Mutex
	pending []any
	dropped uint64

	kick chan struct{}
	now  func() time.Time
}

// NewService wires the historian over a sink.
func NewService(logger *slog.Logger, sink Sink, met *metrics.Metrics) *Service {
	log := logger.With("component", "historian")
	return &Service{
		logger: log,
		sink:   sink,
		met:    met,
		breaker: circuit.New(circuit.Config{
			Name:        "historian-sink",
			MaxFailures: 3,
			CoolDown:    5 * time.Second,
			OnStateChange: func(name string, from, to circuit.State) {
				log.Warn("sink breaker state changed", "breaker", name, "from", from, "to", to)
			},
		}),
		kick: make(chan struct{}, 1),
		now:  time.Now,
	}
}

// RecordTelemetry archives one sample.
func (s *Service) RecordTelemetry(sample model.TelemetrySample) {
	s.enqueue(telemetryRow(sample))
}

// RecordGridMetrics archives one aggregator rollup.
func (s *Service) RecordGridMetrics(snap model.GridSnapshot) {
	s.enqueue(gridMetricsRow(snap))
}

// RecordAlarm archives one alarm transition.
func (s *Service) RecordAlarm(a model.Alarm) {
	s.enqueue(alarmRow(a, s.now().UTC()))
}

// RecordAudit archives one operator action.
func (s *Service) RecordAudit(e model.AuditEntry) {
	s.enqueue(auditRow(e))
}

// RecordSecurityEvent archives one security event.
func (s *Service) RecordSecurityEvent(ev model.SecurityEvent) {
	s.enqueue(securityRow(ev))
}

func (s *Service) enqueue(row any) {
	s.mu.Lock()
	s.pending = append(s.pending, row)
	if len(s.pending) > SpillLimit {
		over := len(s.pending) - SpillLimit
		s.pending = s.pending[over:]
		s.dropped += uint64(over)
		if s.met != nil {
			s.met.HistorianDropped.Add(float64(over))
		}
	}
	n := len(s.pending)
	s.mu.Unlock()

	if s.met != nil {
		s.met.HistorianSpill.Set(float64(n))
	}
	if n >= FlushRows {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// Run flushes until ctx is cancelled, then drains what it can.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return ctx.Err()
		case <-ticker.C:
		case <-s.kick:
		}
		s.Flush(ctx)
	}
}

// Flush writes one batch. Rows return to the buffer on failure.
func (s *Service) Flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	n := len(s.pending)
	if n > FlushRows {
		n = FlushRows
	}
	rows := s.pending[:n]
	s.pending = s.pending[n:]
	s.mu.Unlock()

	var batch Batch
	for _, row := range rows {
		batch.add(row)
	}

	err := s.breaker.Execute(func() error {
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return s.sink.WriteBatch(writeCtx, batch)
	})
	if err != nil {
		if s.met != nil {
			s.met.HistorianFlushErr.Inc()
		}
		s.logger.Warn("flush failed, rows requeued", "rows", len(rows), "error", err)
		s.requeue(rows)
		return
	}

	s.mu.Lock()
	remaining := len(s.pending)
	s.mu.Unlock()
	if s.met != nil {
		s.met.HistorianSpill.Set(float64(remaining))
	}
}

// requeue puts failed rows back at the front, still bounded by the spill
// limit.
func (s *Service) requeue(rows []any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(rows, s.pending...)
	if len(s.pending) > SpillLimit {
		over := len(s.pending) - SpillLimit
		s.pending = s.pending[over:]
		s.dropped += uint64(over)
		if s.met != nil {
			s.met.HistorianDropped.Add(float64(over))
		}
	}
}

// drain attempts a final synchronous flush during shutdown.
func (s *Service) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		s.mu.Lock()
		n := len(s.pending)
		s.mu.Unlock()
		if n == 0 || ctx.Err() != nil {
			return
		}
		before := n
		s.Flush(ctx)
		s.mu.Lock()
		after := len(s.pending)
		s.mu.Unlock()
		if after >= before {
			// Sink is down; abandon the rest.
			s.logger.Error("shutdown drain abandoned", "rows_lost", after)
			return
		}
	}
}

// PendingRows reports the spill buffer depth.
func (s *Service) PendingRows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// DroppedRows reports how many rows were lost to the spill bound.
func (s *Service) DroppedRows() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close closes the sink.
func (s *Service) Close() error {
	return s.sink.Close()
}
