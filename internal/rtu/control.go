package rtu

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gridscope/scadasim/pkg/model"
	"github.com/gridscope/scadasim/pkg/protocol"
)

const (
	// HeartbeatInterval is the control-channel liveness cadence.
	HeartbeatInterval = 5 * time.Second

	controlWriteTimeout = 5 * time.Second
	outboundDepth       = 128
)

// ControlServer accepts the master's control channel. Exactly one channel is
// served at a time; a newer accept supersedes the older one.
type ControlServer struct {
	logger   *slog.Logger
	node     *Node
	addr     string
	interval time.Duration

	mu      sync.Mutex
	active  *controlSession
	ln      net.Listener
	started chan struct{}
}

type controlSession struct {
	conn   net.Conn
	cancel context.CancelFunc
	out    chan protocol.Frame
	done   chan struct{}
}

// NewControlServer binds the node's control endpoint. addr is usually
// ":<ControlPort>"; interval is the telemetry sampling cadence.
func NewControlServer(logger *slog.Logger, node *Node, addr string, interval time.Duration) *ControlServer {
	return &ControlServer{
		logger:   logger.With("component", "rtu-control", "node_id", node.Descriptor().NodeID),
		node:     node,
		addr:     addr,
		interval: interval,
		started:  make(chan struct{}),
	}
}

// Addr returns the bound listen address once Run has started.
func (s *ControlServer) Addr() net.Addr {
	<-s.started
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run listens for the master, runs the sampler and serves the active
// channel until ctx is cancelled.
func (s *ControlServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	close(s.started)
	s.logger.Info("control channel listening", "addr", ln.Addr().String())

	go s.sampler(ctx)
	go s.pumpStreams(ctx)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.supersede(nil)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		session := &controlSession{
			conn: conn,
			out:  make(chan protocol.Frame, outboundDepth),
			done: make(chan struct{}),
		}
		s.supersede(session)
		go s.serve(ctx, session)
	}
}

// supersede installs the new session (nil during shutdown) and closes the
// previous one.
func (s *ControlServer) supersede(next *controlSession) {
	s.mu.Lock()
	prev := s.active
	s.active = next
	s.mu.Unlock()

	if prev != nil {
		if prev.cancel != nil {
			prev.cancel()
		}
		_ = prev.conn.Close()
		s.logger.Info("control channel superseded")
	}
}

func (s *ControlServer) current() *controlSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *ControlServer) serve(ctx context.Context, session *controlSession) {
	sessionCtx, cancel := context.WithCancel(ctx)
	session.cancel = cancel
	defer func() {
		cancel()
		_ = session.conn.Close()
		close(session.done)
		s.mu.Lock()
		if s.active == session {
			s.active = nil
		}
		s.mu.Unlock()
	}()

	s.logger.Info("master connected", "remote", session.conn.RemoteAddr().String())

	go s.writer(sessionCtx, session)

	hello := protocol.Hello{
		Descriptor: s.node.Descriptor(),
		Sequence:   s.node.Sequence(),
		Breakers:   s.node.Breakers(),
	}
	if !s.enqueueFrame(session, protocol.KindHello, hello, "") {
		return
	}

	snapshot := protocol.Snapshot{
		Breakers:    s.node.Breakers(),
		Connections: s.node.Connections(),
	}
	if latest, ok := s.node.Latest(); ok {
		snapshot.Sample = latest
	}
	if !s.enqueueFrame(session, protocol.KindSnapshot, snapshot, "") {
		return
	}

	// Buffered samples first, with their original timestamps, so the master
	// sees the outage in order before live data resumes.
	for _, sample := range s.node.DrainSpill() {
		if !s.enqueueFrame(session, protocol.KindTelemetry, sample, "") {
			return
		}
	}

	go s.heartbeats(sessionCtx, session)

	for {
		frame, err := protocol.ReadFrame(session.conn)
		if err != nil {
			if sessionCtx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("control channel read failed", "err", err)
			}
			return
		}
		if frame.Kind != protocol.KindCommand {
			s.logger.Warn("unexpected frame from master", "kind", frame.Kind)
			continue
		}
		var cmd protocol.Command
		if err := frame.Decode(&cmd); err != nil {
			s.logger.Warn("bad command payload", "err", err)
			continue
		}
		reply := s.execute(cmd)
		if !s.enqueueFrame(session, protocol.KindReply, reply, frame.RequestID) {
			return
		}
	}
}

// execute runs one master command against the local state.
func (s *ControlServer) execute(cmd protocol.Command) protocol.Reply {
	start := time.Now()
	switch cmd.Name {
	case protocol.CmdSboOperate:
		state, err := s.node.Operate(cmd.BreakerID, cmd.Action)
		if err != nil {
			return protocol.Reply{
				Result:         "rejected",
				Error:          err.Error(),
				ResponseTimeMS: time.Since(start).Milliseconds(),
			}
		}
		return protocol.Reply{
			Result:         "ok",
			NewState:       state,
			ResponseTimeMS: time.Since(start).Milliseconds(),
		}
	case protocol.CmdIsolate:
		opened := s.node.Isolate()
		s.logger.Warn("isolate command executed", "breakers_opened", len(opened))
		return protocol.Reply{
			Result:         "ok",
			NewState:       model.BreakerOpen,
			ResponseTimeMS: time.Since(start).Milliseconds(),
		}
	case protocol.CmdBlock:
		s.node.BlockIP(cmd.ClientIP)
		return protocol.Reply{Result: "ok", ResponseTimeMS: time.Since(start).Milliseconds()}
	case protocol.CmdPing:
		return protocol.Reply{Result: "ok", ResponseTimeMS: time.Since(start).Milliseconds()}
	default:
		return protocol.Reply{
			Result:         "rejected",
			Error:          "unknown command " + cmd.Name,
			ResponseTimeMS: time.Since(start).Milliseconds(),
		}
	}
}

// sampler runs for the life of the process: samples go to the active channel
// when one exists, to the spill buffer otherwise.
func (s *ControlServer) sampler(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			sample := s.node.Sample(t)
			session := s.current()
			if session == nil || !s.enqueueFrame(session, protocol.KindTelemetry, sample, "") {
				s.node.Buffer(sample)
			}
		}
	}
}

// pumpStreams forwards node events and connection reports onto the active
// channel. Without a master they are consumed and dropped.
func (s *ControlServer) pumpStreams(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.node.Events():
			if session := s.current(); session != nil {
				s.enqueueFrame(session, protocol.KindEvent, ev, "")
			}
		case rec := <-s.node.Reports():
			if session := s.current(); session != nil {
				s.enqueueFrame(session, protocol.KindConnectionReport, rec, "")
			}
		}
	}
}

func (s *ControlServer) heartbeats(ctx context.Context, session *controlSession) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.enqueueFrame(session, protocol.KindHeartbeat, nil, "") {
				return
			}
		}
	}
}

// enqueueFrame builds and queues one outbound frame. Returns false once the
// session is gone.
func (s *ControlServer) enqueueFrame(session *controlSession, kind string, payload any, requestID string) bool {
	frame, err := protocol.NewFrame(kind, s.node.Descriptor().NodeID, payload)
	if err != nil {
		s.logger.Error("frame build failed", "kind", kind, "err", err)
		return true
	}
	frame.RequestID = requestID
	select {
	case session.out <- frame:
		return true
	case <-session.done:
		return false
	}
}

// writer serialises all outbound frames for one session.
func (s *ControlServer) writer(ctx context.Context, session *controlSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-session.out:
			_ = session.conn.SetWriteDeadline(time.Now().Add(controlWriteTimeout))
			if err := protocol.WriteFrame(session.conn, frame); err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("control channel write failed", "err", err)
				}
				_ = session.conn.Close()
				return
			}
		}
	}
}
