package registry

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/gridscope/scadasim/pkg/model"
	"github.com/gridscope/scadasim/pkg/protocol"
)

// supervise runs the connect/read/backoff loop for one node.
func (r *Registry) supervise(ctx context.Context, h *nodeHandle) {
	backoff := r.opts.BaseBackoff
	lastContact := r.now()

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := r.opts.Dial(ctx, h.dialAddr(r.opts.DialHost))
		if err != nil {
			r.logger.Debug("dial failed", "node_id", h.desc.NodeID, "error", err)
			r.markUnreachable(h, lastContact)
			if !r.sleep(ctx, r.opts.Jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff, r.opts.MaxBackoff)
			continue
		}

		handshook, err := r.serveLink(ctx, h, conn)
		_ = conn.Close()

		h.mu.Lock()
		h.conn = nil
		h.reconnects++
		if !h.lastHeartbeat.IsZero() {
			lastContact = h.lastHeartbeat
		}
		h.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("control link closed", "node_id", h.desc.NodeID, "error", err)
		r.markUnreachable(h, lastContact)

		// Only a link that held long enough to handshake resets the backoff;
		// a peer that accepts and drops keeps backing off toward the cap.
		if handshook {
			backoff = r.opts.BaseBackoff
		}
		if !r.sleep(ctx, r.opts.Jitter(backoff)) {
			return
		}
		backoff = nextBackoff(backoff, r.opts.MaxBackoff)
	}
}

// markUnreachable downgrades a link the supervisor cannot re-establish.
// Once the gap since the last contact passes the offline deadline the node
// is Offline; until then an established link falls back to Reconnecting and
// a node that never handshook stays Connecting.
func (r *Registry) markUnreachable(h *nodeHandle, lastContact time.Time) {
	if r.now().Sub(lastContact) >= r.opts.OfflineAfter {
		r.setState(h, model.LinkOffline)
		return
	}
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()
	if state == model.LinkConnected || state == model.LinkDegraded {
		r.setState(h, model.LinkReconnecting)
	}
}

// serveLink performs the hello handshake then reads frames until the link
// fails or the heartbeat monitor closes it. It reports whether the handshake
// completed.
func (r *Registry) serveLink(ctx context.Context, h *nodeHandle, conn net.Conn) (bool, error) {
	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		return false, err
	}
	if frame.Kind != protocol.KindHello {
		return false, fmt.Errorf("expected hello, got %q", frame.Kind)
	}
	var hello protocol.Hello
	if err := frame.Decode(&hello); err != nil {
		return false, err
	}

	h.mu.Lock()
	h.conn = conn
	h.lastHeartbeat = r.now().UTC()
	// Sequence numbers rebase on every new connection: the first telemetry
	// frame is accepted whatever it carries, monotonicity holds after that.
	h.seqValid = false
	for id, st := range hello.Breakers {
		h.breakers[id] = st
	}
	h.mu.Unlock()
	r.setState(h, model.LinkConnected)

	linkCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.monitor(linkCtx, h, conn)

	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			return true, err
		}
		h.mu.Lock()
		h.lastHeartbeat = r.now().UTC()
		h.mu.Unlock()
		r.dispatch(h, frame)
	}
}

// monitor watches the heartbeat gap and degrades or severs the link.
func (r *Registry) monitor(ctx context.Context, h *nodeHandle, conn net.Conn) {
	ticker := time.NewTicker(r.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		h.mu.Lock()
		gap := r.now().UTC().Sub(h.lastHeartbeat)
		state := h.state
		h.mu.Unlock()

		switch {
		case gap >= r.opts.OfflineAfter:
			r.setState(h, model.LinkOffline)
			_ = conn.Close()
			return
		case gap >= r.opts.DegradedAfter:
			if state == model.LinkConnected {
				r.setState(h, model.LinkDegraded)
			}
		default:
			if state == model.LinkDegraded {
				r.setState(h, model.LinkConnected)
			}
		}
	}
}

func (r *Registry) dispatch(h *nodeHandle, frame protocol.Frame) {
	switch frame.Kind {
	case protocol.KindHeartbeat:
		// lastHeartbeat already advanced by the read loop.

	case protocol.KindTelemetry:
		var sample model.TelemetrySample
		if err := frame.Decode(&sample); err != nil {
			r.logger.Warn("bad telemetry frame", "node_id", h.desc.NodeID, "error", err)
			return
		}
		r.ingestSample(h, sample)

	case protocol.KindSnapshot:
		var snap protocol.Snapshot
		if err := frame.Decode(&snap); err != nil {
			r.logger.Warn("bad snapshot frame", "node_id", h.desc.NodeID, "error", err)
			return
		}
		h.mu.Lock()
		for id, st := range snap.Breakers {
			h.breakers[id] = st
		}
		h.mu.Unlock()
		// A node that has not sampled yet sends an empty slot.
		if !snap.Sample.Timestamp.IsZero() {
			r.ingestSample(h, snap.Sample)
		}
		if r.sink != nil {
			for _, rec := range snap.Connections {
				r.sink.HandleConnectionReport(rec)
			}
		}

	case protocol.KindEvent:
		var ev protocol.Event
		if err := frame.Decode(&ev); err != nil {
			r.logger.Warn("bad event frame", "node_id", h.desc.NodeID, "error", err)
			return
		}
		if ev.Type == protocol.EventBreakerChange && ev.BreakerID != "" {
			h.mu.Lock()
			h.breakers[ev.BreakerID] = ev.BreakerState
			h.mu.Unlock()
		}
		if r.sink != nil {
			r.sink.HandleEvent(h.desc.NodeID, ev)
		}

	case protocol.KindConnectionReport:
		var rec model.ConnectionRecord
		if err := frame.Decode(&rec); err != nil {
			r.logger.Warn("bad connection report", "node_id", h.desc.NodeID, "error", err)
			return
		}
		if r.sink != nil {
			r.sink.HandleConnectionReport(rec)
		}

	case protocol.KindReply:
		var reply protocol.Reply
		if err := frame.Decode(&reply); err != nil {
			r.logger.Warn("bad reply frame", "node_id", h.desc.NodeID, "error", err)
			return
		}
		h.mu.Lock()
		ch, ok := h.pending[frame.RequestID]
		h.mu.Unlock()
		if ok {
			select {
			case ch <- reply:
			default:
			}
		}

	default:
		r.logger.Warn("unexpected frame kind", "node_id", h.desc.NodeID, "kind", frame.Kind)
	}
}

// ingestSample enforces per-connection sequence monotonicity and forwards
// the sample.
func (r *Registry) ingestSample(h *nodeHandle, sample model.TelemetrySample) {
	if sample.NodeID == "" {
		sample.NodeID = h.desc.NodeID
	}

	h.mu.Lock()
	if h.seqValid && sample.Sequence <= h.lastSeq {
		h.mu.Unlock()
		r.logger.Debug("stale sample dropped",
			"node_id", h.desc.NodeID,
			"sequence", sample.Sequence,
			"last", h.lastSeq)
		return
	}
	h.lastSeq = sample.Sequence
	h.seqValid = true
	s := sample
	h.latest = &s
	h.mu.Unlock()

	if r.sink != nil {
		r.sink.HandleTelemetry(sample)
	}
}

// sleep waits for d or until ctx is cancelled; it reports whether to keep
// running.
func (r *Registry) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}

// fullJitter picks uniformly in (0, max], so a fleet reconnecting at once
// spreads out.
func fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max))) + 1
}
