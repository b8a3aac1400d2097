// Package registry maintains the master side of every RTU control link: one
// supervisor per node dials the RTU, tracks link health and routes frames.
package registry

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gridscope/scadasim/internal/bus"
	"github.com/gridscope/scadasim/internal/metrics"
	"github.com/gridscope/scadasim/internal/scadaerr"
	"github.com/gridscope/scadasim/pkg/model"
	"github.com/gridscope/scadasim/pkg/protocol"
)

// Link health thresholds and reconnect backoff bounds.
const (
	DefaultDegradedAfter = 15 * time.Second
	DefaultOfflineAfter  = 60 * time.Second
	DefaultBaseBackoff   = time.Second
	DefaultMaxBackoff    = 60 * time.Second

	defaultMonitorInterval = time.Second
	writeTimeout           = 5 * time.Second
)

// Sink receives everything the registry reads off the control links.
type Sink interface {
	HandleTelemetry(sample model.TelemetrySample)
	HandleEvent(nodeID string, ev protocol.Event)
	HandleConnectionReport(rec model.ConnectionRecord)
}

// Options tune the registry; zero values take the defaults above.
type Options struct {
	// DialHost overrides the descriptor node_ip when dialing, for
	// single-machine runs where every RTU listens on loopback.
	DialHost        string
	DegradedAfter   time.Duration
	OfflineAfter    time.Duration
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	MonitorInterval time.Duration
	Dial            func(ctx context.Context, addr string) (net.Conn, error)
	Jitter          func(max time.Duration) time.Duration
}

func (o *Options) defaults() {
	if o.DegradedAfter <= 0 {
		o.DegradedAfter = DefaultDegradedAfter
	}
	if o.OfflineAfter <= 0 {
		o.OfflineAfter = DefaultOfflineAfter
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultBaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = defaultMonitorInterval
	}
	if o.Dial == nil {
		d := &net.Dialer{Timeout: 5 * time.Second}
		o.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	if o.Jitter == nil {
		o.Jitter = fullJitter
	}
}

type nodeHandle struct {
	desc model.NodeDescriptor

	mu            sync.Mutex
	state         model.LinkState
	lastHeartbeat time.Time
	reconnects    int
	lastSeq       uint64
	seqValid      bool
	latest        *model.TelemetrySample
	breakers      map[string]model.BreakerState

	conn    net.Conn
	writeMu sync.Mutex
	pending map[string]chan protocol.Reply
}

// Registry owns all node handles and their supervisors.
type Registry struct {
	logger *slog.Logger
	pub    bus.Publisher
	sink   Sink
	met    *metrics.Metrics
	opts   Options

	mu    sync.RWMutex
	nodes map[string]*nodeHandle

	now func() time.Time
}

// New builds a registry over the node catalogue.
func New(logger *slog.Logger, descriptors []model.NodeDescriptor, pub bus.Publisher, sink Sink, met *metrics.Metrics, opts Options) *Registry {
	opts.defaults()
	r := &Registry{
		logger: logger.With("component", "registry"),
		pub:    pub,
		sink:   sink,
		met:    met,
		opts:   opts,
		nodes:  make(map[string]*nodeHandle, len(descriptors)),
		now:    time.Now,
	}
	for _, desc := range descriptors {
		r.nodes[desc.NodeID] = &nodeHandle{
			desc:     desc,
			state:    model.LinkConnecting,
			breakers: make(map[string]model.BreakerState),
			pending:  make(map[string]chan protocol.Reply),
		}
	}
	return r
}

// Run supervises every node link until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	r.mu.RLock()
	handles := make([]*nodeHandle, 0, len(r.nodes))
	for _, h := range r.nodes {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	for _, h := range handles {
		h := h
		g.Go(func() error {
			r.supervise(ctx, h)
			return nil
		})
	}
	return g.Wait()
}

// Record returns the runtime view of one node.
func (r *Registry) Record(nodeID string) (model.NodeRuntimeRecord, bool) {
	r.mu.RLock()
	h, ok := r.nodes[nodeID]
	r.mu.RUnlock()
	if !ok {
		return model.NodeRuntimeRecord{}, false
	}
	return h.record(), true
}

// Records returns the runtime view of every node, ordered by id.
func (r *Registry) Records() []model.NodeRuntimeRecord {
	r.mu.RLock()
	handles := make([]*nodeHandle, 0, len(r.nodes))
	for _, h := range r.nodes {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	out := make([]model.NodeRuntimeRecord, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.record())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor.NodeID < out[j].Descriptor.NodeID
	})
	return out
}

// Command sends one command to a node and waits for its reply.
func (r *Registry) Command(ctx context.Context, nodeID string, cmd protocol.Command) (protocol.Reply, error) {
	r.mu.RLock()
	h, ok := r.nodes[nodeID]
	r.mu.RUnlock()
	if !ok {
		return protocol.Reply{}, scadaerr.Newf(scadaerr.KindNotFound, "node %s not found", nodeID)
	}

	h.mu.Lock()
	conn := h.conn
	if conn == nil || (h.state != model.LinkConnected && h.state != model.LinkDegraded) {
		state := h.state
		h.mu.Unlock()
		return protocol.Reply{}, scadaerr.Newf(scadaerr.KindUnavailable, "node %s link is %s", nodeID, state)
	}
	requestID := uuid.NewString()
	replyCh := make(chan protocol.Reply, 1)
	h.pending[requestID] = replyCh
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, requestID)
		h.mu.Unlock()
	}()

	frame, err := protocol.NewFrame(protocol.KindCommand, nodeID, cmd)
	if err != nil {
		return protocol.Reply{}, scadaerr.Wrap(scadaerr.KindInternal, "encoding command", err)
	}
	frame.RequestID = requestID

	if err := h.writeFrame(conn, frame); err != nil {
		return protocol.Reply{}, scadaerr.Wrap(scadaerr.KindUnavailable, "writing command", err)
	}

	select {
	case <-ctx.Done():
		return protocol.Reply{}, scadaerr.Wrap(scadaerr.KindTimeout, "waiting for reply", ctx.Err())
	case reply := <-replyCh:
		return reply, nil
	}
}

// Broadcast sends a command to every reachable node, best effort.
func (r *Registry) Broadcast(ctx context.Context, cmd protocol.Command) {
	for _, rec := range r.Records() {
		if rec.LinkState != model.LinkConnected && rec.LinkState != model.LinkDegraded {
			continue
		}
		nodeID := rec.Descriptor.NodeID
		cmdCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if _, err := r.Command(cmdCtx, nodeID, cmd); err != nil {
			r.logger.Warn("broadcast command failed", "node_id", nodeID, "command", cmd.Name, "error", err)
		}
		cancel()
	}
}

func (h *nodeHandle) record() model.NodeRuntimeRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := model.NodeRuntimeRecord{
		Descriptor:    h.desc,
		LinkState:     h.state,
		LastHeartbeat: h.lastHeartbeat,
		ReconnectNum:  h.reconnects,
	}
	if h.latest != nil {
		s := *h.latest
		rec.Latest = &s
	}
	if len(h.breakers) > 0 {
		rec.Breakers = make(map[string]model.BreakerState, len(h.breakers))
		for id, st := range h.breakers {
			rec.Breakers[id] = st
		}
	}
	return rec
}

func (h *nodeHandle) writeFrame(conn net.Conn, f protocol.Frame) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return protocol.WriteFrame(conn, f)
}

func (h *nodeHandle) dialAddr(overrideHost string) string {
	host := h.desc.NodeIP
	if overrideHost != "" {
		host = overrideHost
	}
	return net.JoinHostPort(host, strconv.Itoa(h.desc.ControlPort))
}

// setState transitions the link state and publishes the change.
func (r *Registry) setState(h *nodeHandle, to model.LinkState) {
	h.mu.Lock()
	from := h.state
	if from == to {
		h.mu.Unlock()
		return
	}
	h.state = to
	h.mu.Unlock()

	r.logger.Info("link state changed", "node_id", h.desc.NodeID, "from", from, "to", to)
	if r.pub != nil {
		r.pub.Publish(bus.NewNodeStateChanged(h.desc.NodeID, from, to))
	}
	r.updateGauges()
}

func (r *Registry) updateGauges() {
	if r.met == nil {
		return
	}
	var online, offline, degraded float64
	for _, rec := range r.Records() {
		switch rec.LinkState {
		case model.LinkConnected:
			online++
		case model.LinkDegraded:
			online++
			degraded++
		case model.LinkOffline:
			offline++
		}
	}
	r.met.NodesOnline.Set(online)
	r.met.NodesOffline.Set(offline)
	r.met.NodesDegraded.Set(degraded)
}
