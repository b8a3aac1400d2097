package registry

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridscope/scadasim/pkg/model"
	"github.com/gridscope/scadasim/pkg/protocol"
)

type capturedTelemetry struct {
	mu      sync.Mutex
	samples []model.TelemetrySample
	events  []protocol.Event
	reports []model.ConnectionRecord
}

func (c *capturedTelemetry) HandleTelemetry(s model.TelemetrySample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
}

func (c *capturedTelemetry) HandleEvent(_ string, ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturedTelemetry) HandleConnectionReport(rec model.ConnectionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, rec)
}

func (c *capturedTelemetry) sampleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

func (c *capturedTelemetry) sampleAt(i int) model.TelemetrySample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.samples[i]
}

// fakeRTU hands server-side pipe ends to the registry dialer, one per
// connection attempt.
type fakeRTU struct {
	conns chan net.Conn
}

func newFakeRTU() *fakeRTU {
	return &fakeRTU{conns: make(chan net.Conn, 4)}
}

func (f *fakeRTU) dial(ctx context.Context, _ string) (net.Conn, error) {
	client, server := net.Pipe()
	select {
	case f.conns <- server:
		return client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeRTU) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("registry never dialed")
		return nil
	}
}

func writeTestFrame(t *testing.T, conn net.Conn, kind, nodeID, requestID string, payload any) {
	t.Helper()
	f, err := protocol.NewFrame(kind, nodeID, payload)
	require.NoError(t, err)
	f.RequestID = requestID
	require.NoError(t, protocol.WriteFrame(conn, f))
}

func sendHello(t *testing.T, conn net.Conn, nodeID string, seq uint64) {
	t.Helper()
	writeTestFrame(t, conn, protocol.KindHello, nodeID, "", protocol.Hello{
		Descriptor: model.NodeDescriptor{NodeID: nodeID},
		Sequence:   seq,
		Breakers:   map[string]model.BreakerState{"BRK-01": model.BreakerClosed},
	})
}

func sendSample(t *testing.T, conn net.Conn, nodeID string, seq uint64) {
	t.Helper()
	writeTestFrame(t, conn, protocol.KindTelemetry, nodeID, "", model.TelemetrySample{
		NodeID:      nodeID,
		Sequence:    seq,
		Timestamp:   time.Now().UTC(),
		VoltageKV:   400,
		FrequencyHz: 50,
		Quality:     model.QualityGood,
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testOptions(rtu *fakeRTU) Options {
	return Options{
		BaseBackoff:     10 * time.Millisecond,
		MaxBackoff:      50 * time.Millisecond,
		DegradedAfter:   time.Hour,
		OfflineAfter:    2 * time.Hour,
		MonitorInterval: 10 * time.Millisecond,
		Dial:            rtu.dial,
		Jitter:          func(max time.Duration) time.Duration { return max },
	}
}

func testDescriptor(id string) model.NodeDescriptor {
	return model.NodeDescriptor{NodeID: id, Kind: model.KindSubstation, NodeIP: "10.2.1.1", ControlPort: 7111}
}

func TestHandshakeAndTelemetryFlow(t *testing.T) {
	rtu := newFakeRTU()
	sink := &capturedTelemetry{}
	reg := New(slog.Default(), []model.NodeDescriptor{testDescriptor("SUB-001")}, nil, sink, nil, testOptions(rtu))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reg.Run(ctx) }()

	conn := rtu.accept(t)
	defer conn.Close()
	sendHello(t, conn, "SUB-001", 41)

	waitFor(t, func() bool {
		rec, ok := reg.Record("SUB-001")
		return ok && rec.LinkState == model.LinkConnected
	}, "link never reached Connected")

	rec, _ := reg.Record("SUB-001")
	assert.Equal(t, model.BreakerClosed, rec.Breakers["BRK-01"])

	sendSample(t, conn, "SUB-001", 42)
	sendSample(t, conn, "SUB-001", 43)
	waitFor(t, func() bool { return sink.sampleCount() == 2 }, "samples never reached the sink")

	rec, _ = reg.Record("SUB-001")
	require.NotNil(t, rec.Latest)
	assert.Equal(t, uint64(43), rec.Latest.Sequence)
}

func TestStaleSamplesDroppedWithinConnection(t *testing.T) {
	rtu := newFakeRTU()
	sink := &capturedTelemetry{}
	reg := New(slog.Default(), []model.NodeDescriptor{testDescriptor("SUB-001")}, nil, sink, nil, testOptions(rtu))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reg.Run(ctx) }()

	conn := rtu.accept(t)
	defer conn.Close()
	sendHello(t, conn, "SUB-001", 0)

	sendSample(t, conn, "SUB-001", 10)
	sendSample(t, conn, "SUB-001", 10) // duplicate
	sendSample(t, conn, "SUB-001", 9)  // stale
	sendSample(t, conn, "SUB-001", 11)

	waitFor(t, func() bool { return sink.sampleCount() == 2 }, "expected exactly two accepted samples")
	assert.Equal(t, uint64(10), sink.sampleAt(0).Sequence)
	assert.Equal(t, uint64(11), sink.sampleAt(1).Sequence)
}

func TestSequenceRebaseOnReconnect(t *testing.T) {
	rtu := newFakeRTU()
	sink := &capturedTelemetry{}
	reg := New(slog.Default(), []model.NodeDescriptor{testDescriptor("SUB-001")}, nil, sink, nil, testOptions(rtu))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reg.Run(ctx) }()

	first := rtu.accept(t)
	sendHello(t, first, "SUB-001", 100)
	sendSample(t, first, "SUB-001", 101)
	waitFor(t, func() bool { return sink.sampleCount() == 1 }, "first sample never arrived")
	_ = first.Close()

	// The RTU restarted: its counter starts over, the first sample on the
	// new link is accepted regardless.
	second := rtu.accept(t)
	defer second.Close()
	sendHello(t, second, "SUB-001", 0)
	sendSample(t, second, "SUB-001", 1)
	waitFor(t, func() bool { return sink.sampleCount() == 2 }, "rebased sample was dropped")
	assert.Equal(t, uint64(1), sink.sampleAt(1).Sequence)

	rec, _ := reg.Record("SUB-001")
	assert.GreaterOrEqual(t, rec.ReconnectNum, 1)
}

func TestCommandReplyCorrelation(t *testing.T) {
	rtu := newFakeRTU()
	sink := &capturedTelemetry{}
	reg := New(slog.Default(), []model.NodeDescriptor{testDescriptor("SUB-001")}, nil, sink, nil, testOptions(rtu))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reg.Run(ctx) }()

	conn := rtu.accept(t)
	defer conn.Close()
	sendHello(t, conn, "SUB-001", 0)
	waitFor(t, func() bool {
		rec, ok := reg.Record("SUB-001")
		return ok && rec.LinkState == model.LinkConnected
	}, "link never reached Connected")

	// Echo server: answer each command with its request id.
	go func() {
		for {
			f, err := protocol.ReadFrame(conn)
			if err != nil {
				return
			}
			if f.Kind != protocol.KindCommand {
				continue
			}
			var cmd protocol.Command
			if err := f.Decode(&cmd); err != nil {
				return
			}
			writeTestFrame(t, conn, protocol.KindReply, "SUB-001", f.RequestID, protocol.Reply{
				Result:   "ok",
				NewState: model.BreakerOpen,
			})
		}
	}()

	cmdCtx, cmdCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cmdCancel()
	reply, err := reg.Command(cmdCtx, "SUB-001", protocol.Command{
		Name:      protocol.CmdSboOperate,
		BreakerID: "BRK-01",
		Action:    model.ActionOpen,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Result)
	assert.Equal(t, model.BreakerOpen, reply.NewState)
}

func TestCommandOnDisconnectedNodeFails(t *testing.T) {
	rtu := newFakeRTU()
	reg := New(slog.Default(), []model.NodeDescriptor{testDescriptor("SUB-001")}, nil, nil, nil, testOptions(rtu))

	// No Run, no link.
	_, err := reg.Command(context.Background(), "SUB-001", protocol.Command{Name: protocol.CmdPing})
	require.Error(t, err)

	_, err = reg.Command(context.Background(), "SUB-999", protocol.Command{Name: protocol.CmdPing})
	require.Error(t, err)
}

func TestHeartbeatGapDegradesThenSevers(t *testing.T) {
	rtu := newFakeRTU()
	sink := &capturedTelemetry{}
	opts := testOptions(rtu)
	opts.DegradedAfter = 50 * time.Millisecond
	opts.OfflineAfter = 250 * time.Millisecond
	reg := New(slog.Default(), []model.NodeDescriptor{testDescriptor("SUB-001")}, nil, sink, nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reg.Run(ctx) }()

	conn := rtu.accept(t)
	sendHello(t, conn, "SUB-001", 0)
	waitFor(t, func() bool {
		rec, ok := reg.Record("SUB-001")
		return ok && rec.LinkState == model.LinkConnected
	}, "link never reached Connected")

	// Stop feeding heartbeats entirely.
	waitFor(t, func() bool {
		rec, _ := reg.Record("SUB-001")
		return rec.LinkState == model.LinkDegraded || rec.LinkState == model.LinkOffline
	}, "link never degraded")

	waitFor(t, func() bool {
		rec, _ := reg.Record("SUB-001")
		return rec.LinkState == model.LinkOffline || rec.LinkState == model.LinkConnected
	}, "link never went offline or recovered")
	_ = conn.Close()
}

func TestDefaultDialerConnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			_ = c.Close()
		}
	}()

	var opts Options
	opts.defaults()
	conn, err := opts.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	_ = conn.Close()
}

func TestUnreachableNodeGoesOffline(t *testing.T) {
	rtu := newFakeRTU()
	opts := testOptions(rtu)
	opts.OfflineAfter = 100 * time.Millisecond
	opts.Dial = func(context.Context, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
	reg := New(slog.Default(), []model.NodeDescriptor{testDescriptor("SUB-001")}, nil, nil, nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reg.Run(ctx) }()

	// A node that never answers stays Connecting until the offline deadline
	// passes, then the registry gives up on it.
	waitFor(t, func() bool {
		rec, ok := reg.Record("SUB-001")
		return ok && rec.LinkState == model.LinkOffline
	}, "unreachable node never reached Offline")
}

func TestKilledNodeGoesOffline(t *testing.T) {
	rtu := newFakeRTU()
	var killed atomic.Bool
	opts := testOptions(rtu)
	opts.OfflineAfter = 150 * time.Millisecond
	opts.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
		if killed.Load() {
			return nil, errors.New("connection refused")
		}
		return rtu.dial(ctx, addr)
	}
	reg := New(slog.Default(), []model.NodeDescriptor{testDescriptor("SUB-001")}, nil, nil, nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reg.Run(ctx) }()

	conn := rtu.accept(t)
	sendHello(t, conn, "SUB-001", 0)
	waitFor(t, func() bool {
		rec, ok := reg.Record("SUB-001")
		return ok && rec.LinkState == model.LinkConnected
	}, "link never reached Connected")

	// Kill the RTU: the pipe drops and every redial is refused.
	killed.Store(true)
	_ = conn.Close()

	waitFor(t, func() bool {
		rec, _ := reg.Record("SUB-001")
		return rec.LinkState == model.LinkOffline
	}, "killed node never reached Offline")
}

func TestHandshakeFailureKeepsBackingOff(t *testing.T) {
	rtu := newFakeRTU()
	var mu sync.Mutex
	var waits []time.Duration
	opts := testOptions(rtu)
	opts.BaseBackoff = 10 * time.Millisecond
	opts.MaxBackoff = 80 * time.Millisecond
	opts.Jitter = func(max time.Duration) time.Duration {
		mu.Lock()
		waits = append(waits, max)
		mu.Unlock()
		return time.Millisecond
	}
	reg := New(slog.Default(), []model.NodeDescriptor{testDescriptor("SUB-001")}, nil, nil, nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reg.Run(ctx) }()

	// A peer that accepts TCP but never sends hello must not reset the
	// backoff on each attempt.
	go func() {
		for {
			select {
			case c := <-rtu.conns:
				_ = c.Close()
			case <-ctx.Done():
				return
			}
		}
	}()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(waits) >= 5
	}, "registry never cycled through redials")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
		80 * time.Millisecond,
	}, waits[:5])
}

func TestHeartbeatKeepsLinkConnected(t *testing.T) {
	rtu := newFakeRTU()
	opts := testOptions(rtu)
	opts.DegradedAfter = 100 * time.Millisecond
	opts.OfflineAfter = time.Hour
	reg := New(slog.Default(), []model.NodeDescriptor{testDescriptor("SUB-001")}, nil, nil, nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reg.Run(ctx) }()

	conn := rtu.accept(t)
	defer conn.Close()
	sendHello(t, conn, "SUB-001", 0)

	for i := 0; i < 10; i++ {
		writeTestFrame(t, conn, protocol.KindHeartbeat, "SUB-001", "", nil)
		time.Sleep(30 * time.Millisecond)
	}
	rec, _ := reg.Record("SUB-001")
	assert.Equal(t, model.LinkConnected, rec.LinkState)
}
