package bus

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridscope/scadasim/internal/metrics"
)

func newTestBus(size int) *Bus {
	return NewWithQueueSize(slog.Default(), metrics.New(), size)
}

func TestPublishFIFOPerSubscriber(t *testing.T) {
	b := newTestBus(64)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub.ID)

	for i := 0; i < 10; i++ {
		b.Publish(NewNodeStateChanged(fmt.Sprintf("SUB-%03d", i), "Connecting", "Connected"))
	}

	for i := 0; i < 10; i++ {
		msg := <-sub.C()
		sc, ok := msg.(NodeStateChanged)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("SUB-%03d", i), sc.NodeID)
	}
	assert.False(t, sub.SlowConsumer())
}

func TestSlowConsumerGetsResync(t *testing.T) {
	b := newTestBus(4)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub.ID)

	// Overflow the queue without reading.
	for i := 0; i < 10; i++ {
		b.Publish(Heartbeat{Type: TypeHeartbeat})
	}
	assert.True(t, sub.SlowConsumer())

	// The backlog was replaced by a Resync sentinel. Heartbeats published
	// after the last overflow may still sit behind it; the marker published
	// now must arrive after those, in order.
	b.Publish(NewNodeStateChanged("GEN-001", "Connected", "Degraded"))

	first := <-sub.C()
	_, isResync := first.(Resync)
	assert.True(t, isResync, "first frame after overflow must be Resync, got %T", first)

	var last any
	for i := 0; i < 4; i++ {
		last = <-sub.C()
		if _, ok := last.(NodeStateChanged); ok {
			break
		}
		_, isHeartbeat := last.(Heartbeat)
		require.True(t, isHeartbeat, "unexpected frame %T behind the sentinel", last)
	}
	_, isState := last.(NodeStateChanged)
	assert.True(t, isState, "marker never arrived, last frame %T", last)

	sub.ClearSlow()
	assert.False(t, sub.SlowConsumer())
}

func TestPublishDoesNotBlock(t *testing.T) {
	b := newTestBus(1)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub.ID)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(Heartbeat{Type: TypeHeartbeat})
		}
		close(done)
	}()
	<-done // would hang forever if Publish blocked on the full queue
}

func TestUnsubscribeClosesQueue(t *testing.T) {
	b := newTestBus(4)
	sub := b.Subscribe()
	b.Unsubscribe(sub.ID)

	_, open := <-sub.C()
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	b.Publish(Heartbeat{Type: TypeHeartbeat})
}

func TestDrain(t *testing.T) {
	b := newTestBus(4)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	b.Drain()

	_, open := <-s1.C()
	assert.False(t, open)
	_, open = <-s2.C()
	assert.False(t, open)
}
