// Package bus is the in-process fan-out plane delivering grid state to
// dashboard subscribers. Producers hold the send-only Publisher side; the
// bus owns the subscriber set.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridscope/scadasim/internal/metrics"
)

// DefaultQueueSize bounds each subscriber's outbound queue.
const DefaultQueueSize = 256

// HeartbeatInterval is the liveness frame cadence.
const HeartbeatInterval = 5 * time.Second

// Publisher is the send-only handle handed to producers.
type Publisher interface {
	Publish(msg any)
}

// Subscriber is one dashboard client's ordered message queue.
type Subscriber struct {
	ID uuid.UUID

	mu   sync.Mutex
	ch   chan any
	slow bool
	gone bool
}

// C returns the receive side of the subscriber's queue.
func (s *Subscriber) C() <-chan any { return s.ch }

// SlowConsumer reports whether the subscriber has overflowed its queue
// since the last resync.
func (s *Subscriber) SlowConsumer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slow
}

// ClearSlow resets the slow-consumer mark after the client resynced.
func (s *Subscriber) ClearSlow() {
	s.mu.Lock()
	s.slow = false
	s.mu.Unlock()
}

// Bus manages subscribers and non-blocking fan-out.
type Bus struct {
	logger    *slog.Logger
	met       *metrics.Metrics
	queueSize int

	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscriber
}

// New creates a bus with the default queue size.
func New(logger *slog.Logger, met *metrics.Metrics) *Bus {
	return NewWithQueueSize(logger, met, DefaultQueueSize)
}

// NewWithQueueSize creates a bus with an explicit per-subscriber queue bound.
func NewWithQueueSize(logger *slog.Logger, met *metrics.Metrics, size int) *Bus {
	return &Bus{
		logger:    logger.With("component", "bus"),
		met:       met,
		queueSize: size,
		subs:      make(map[uuid.UUID]*Subscriber),
	}
}

// Subscribe registers a new dashboard subscriber.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID: uuid.New(),
		ch: make(chan any, b.queueSize),
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	n := len(b.subs)
	b.mu.Unlock()

	if b.met != nil {
		b.met.SubscriberCount.Set(float64(n))
	}
	b.logger.Info("subscriber added", "subscriber_id", sub.ID, "total", n)
	return sub
}

// Unsubscribe removes a subscriber and closes its queue.
func (b *Bus) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	n := len(b.subs)
	b.mu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	sub.gone = true
	close(sub.ch)
	sub.mu.Unlock()

	if b.met != nil {
		b.met.SubscriberCount.Set(float64(n))
	}
	b.logger.Info("subscriber removed", "subscriber_id", id, "total", n)
}

// Publish delivers msg to every subscriber without blocking. A full queue
// marks the subscriber as a slow consumer: its backlog is dropped and a
// single Resync sentinel takes its place.
func (b *Bus) Publish(msg any) {
	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, msg)
	}
}

func (b *Bus) deliver(sub *Subscriber, msg any) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.gone {
		return
	}

	if b.met != nil {
		if depth := len(sub.ch); depth > 0 {
			b.met.QueueHighWater.WithLabelValues("dashboard").Set(float64(depth))
		}
	}

	select {
	case sub.ch <- msg:
		return
	default:
	}

	// Queue full: drop the backlog, keep one Resync sentinel.
	dropped := 0
	for {
		select {
		case <-sub.ch:
			dropped++
		default:
			goto drained
		}
	}
drained:
	sub.ch <- Resync{Type: TypeResync}
	if !sub.slow {
		sub.slow = true
		if b.met != nil {
			b.met.SlowConsumers.Inc()
		}
	}
	if b.met != nil {
		b.met.BusDroppedFrames.Add(float64(dropped))
	}
	b.logger.Warn("slow consumer, backlog dropped",
		"subscriber_id", sub.ID, "dropped", dropped)
}

// Run emits the periodic heartbeat frame until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			b.Publish(Heartbeat{Type: TypeHeartbeat, Timestamp: t.UTC()})
		}
	}
}

// Drain unsubscribes everyone; used during shutdown.
func (b *Bus) Drain() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uuid.UUID]*Subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		sub.gone = true
		close(sub.ch)
		sub.mu.Unlock()
	}
	if b.met != nil {
		b.met.SubscriberCount.Set(0)
	}
}
