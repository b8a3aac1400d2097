// Package control implements select-before-operate breaker commands.
package control

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridscope/scadasim/internal/metrics"
	"github.com/gridscope/scadasim/internal/scadaerr"
	"github.com/gridscope/scadasim/pkg/model"
	"github.com/gridscope/scadasim/pkg/protocol"
)

const (
	// DefaultArmingWindow is how long an armed session stays valid.
	DefaultArmingWindow = 10 * time.Second
	// CommandTimeout bounds the round trip to the RTU on Operate.
	CommandTimeout = 2 * time.Second

	sweepInterval = time.Second
	historyRetain = 500
)

// NodeLink is the registry surface the coordinator needs: link state for
// arming checks and the command RPC for operate.
type NodeLink interface {
	Record(nodeID string) (model.NodeRuntimeRecord, bool)
	Command(ctx context.Context, nodeID string, cmd protocol.Command) (protocol.Reply, error)
}

// AlarmSink receives operate failures as pushed alarm events.
type AlarmSink interface {
	HandleEvent(nodeID, code string, severity model.AlarmSeverity, cleared bool, details map[string]any)
}

// AuditSink records session expiries, which happen without an operator
// request to hang them on.
type AuditSink interface {
	Record(operator, action, resourceType, resourceID string, result model.AuditResult, ip string, metadata map[string]any) model.AuditEntry
}

type sboKey struct {
	node    string
	breaker string
}

// Coordinator owns all select-before-operate sessions.
type Coordinator struct {
	logger *slog.Logger
	link   NodeLink
	alarms AlarmSink
	audit  AuditSink
	met    *metrics.Metrics
	window time.Duration

	mu      sync.Mutex
	armed   map[sboKey]*model.SBOSession
	byID    map[string]*model.SBOSession
	history []model.SBOSession

	now func() time.Time
}

// NewCoordinator wires the coordinator; window <= 0 takes the default.
func NewCoordinator(logger *slog.Logger, link NodeLink, alarms AlarmSink, audit AuditSink, met *metrics.Metrics, window time.Duration) *Coordinator {
	if window <= 0 {
		window = DefaultArmingWindow
	}
	return &Coordinator{
		logger: logger.With("component", "sbo"),
		link:   link,
		alarms: alarms,
		audit:  audit,
		met:    met,
		window: window,
		armed:  make(map[sboKey]*model.SBOSession),
		byID:   make(map[string]*model.SBOSession),
		now:    time.Now,
	}
}

// Select arms a breaker command. The node link must be fully connected and
// at most one session may be armed per (node, breaker).
func (c *Coordinator) Select(operator, nodeID, breakerID string, action model.BreakerAction, reason string) (model.SBOSession, error) {
	if action != model.ActionOpen && action != model.ActionClose {
		return model.SBOSession{}, scadaerr.Newf(scadaerr.KindValidation, "unknown breaker action %q", action)
	}

	rec, ok := c.link.Record(nodeID)
	if !ok {
		return model.SBOSession{}, scadaerr.Newf(scadaerr.KindNotFound, "node %s not found", nodeID)
	}
	if rec.LinkState != model.LinkConnected {
		return model.SBOSession{}, scadaerr.Newf(scadaerr.KindUnavailable,
			"node %s link is %s, commands require Connected", nodeID, rec.LinkState)
	}

	k := sboKey{nodeID, breakerID}
	now := c.now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, exists := c.armed[k]; exists {
		if now.Before(existing.Deadline) {
			return model.SBOSession{}, scadaerr.Newf(scadaerr.KindConflict,
				"breaker %s on %s already has an armed session", breakerID, nodeID).
				WithDetails(map[string]any{"session_id": existing.SessionID})
		}
		c.expireLocked(k, existing)
	}

	session := &model.SBOSession{
		SessionID: uuid.NewString(),
		Operator:  operator,
		NodeID:    nodeID,
		BreakerID: breakerID,
		Action:    action,
		Reason:    reason,
		State:     model.SBOArmed,
		ArmedAt:   now,
		Deadline:  now.Add(c.window),
	}
	c.armed[k] = session
	c.byID[session.SessionID] = session
	c.updateGauge()

	c.logger.Info("sbo armed",
		"session_id", session.SessionID,
		"node_id", nodeID,
		"breaker_id", breakerID,
		"action", action,
		"operator", operator)
	return *session, nil
}

// OperateOutcome reports a completed operate, including what the RTU
// answered.
type OperateOutcome struct {
	Session        model.SBOSession
	NewState       model.BreakerState
	ResponseTimeMS int64
}

// Operate executes an armed session. Only the arming operator may execute,
// exactly once, before the deadline.
func (c *Coordinator) Operate(ctx context.Context, operator, sessionID string) (OperateOutcome, error) {
	c.mu.Lock()
	session, ok := c.byID[sessionID]
	if !ok {
		c.mu.Unlock()
		return OperateOutcome{}, scadaerr.Newf(scadaerr.KindNotFound, "session %s not found", sessionID)
	}
	if session.State != model.SBOArmed {
		state := session.State
		c.mu.Unlock()
		if state == model.SBOExpired {
			return OperateOutcome{}, scadaerr.New(scadaerr.KindConflict, "session expired")
		}
		return OperateOutcome{}, scadaerr.Newf(scadaerr.KindConflict, "session is %s, not Armed", state)
	}
	now := c.now().UTC()
	if !now.Before(session.Deadline) {
		c.expireLocked(sboKey{session.NodeID, session.BreakerID}, session)
		c.mu.Unlock()
		return OperateOutcome{}, scadaerr.New(scadaerr.KindConflict, "session expired")
	}
	if session.Operator != operator {
		c.mu.Unlock()
		return OperateOutcome{}, scadaerr.New(scadaerr.KindPermissionDenied,
			"session can only be operated by the arming operator")
	}
	// Take the slot before releasing the lock so a concurrent Operate on the
	// same session sees a non-armed state.
	session.State = model.SBOOperated
	snapshot := *session
	c.mu.Unlock()

	cmdCtx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()
	reply, err := c.link.Command(cmdCtx, snapshot.NodeID, protocol.Command{
		Name:      protocol.CmdSboOperate,
		BreakerID: snapshot.BreakerID,
		Action:    snapshot.Action,
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	session.OperatedAt = &now
	if err != nil {
		session.Result = "failed: " + err.Error()
	} else if reply.Error != "" {
		session.Result = "rejected: " + reply.Error
	} else {
		session.Result = "Success"
	}
	c.retireLocked(sboKey{session.NodeID, session.BreakerID}, session)

	if session.Result != "Success" {
		c.logger.Error("sbo operate failed",
			"session_id", sessionID,
			"node_id", session.NodeID,
			"result", session.Result)
		if c.alarms != nil {
			c.alarms.HandleEvent(session.NodeID, "COMMAND_FAILED", model.SeverityWarning, false, map[string]any{
				"session_id": sessionID,
				"breaker_id": session.BreakerID,
				"action":     string(session.Action),
				"result":     session.Result,
			})
		}
		kind := scadaerr.KindUnavailable
		if err != nil && cmdCtx.Err() != nil {
			kind = scadaerr.KindTimeout
		}
		return OperateOutcome{Session: *session}, scadaerr.Newf(kind, "breaker command failed: %s", session.Result)
	}

	c.logger.Info("sbo operated",
		"session_id", sessionID,
		"node_id", session.NodeID,
		"breaker_id", session.BreakerID,
		"new_state", reply.NewState,
		"response_time_ms", reply.ResponseTimeMS)
	return OperateOutcome{
		Session:        *session,
		NewState:       reply.NewState,
		ResponseTimeMS: reply.ResponseTimeMS,
	}, nil
}

// Cancel disarms a session before it is operated.
func (c *Coordinator) Cancel(operator, sessionID string) (model.SBOSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.byID[sessionID]
	if !ok {
		return model.SBOSession{}, scadaerr.Newf(scadaerr.KindNotFound, "session %s not found", sessionID)
	}
	if session.State != model.SBOArmed {
		return model.SBOSession{}, scadaerr.Newf(scadaerr.KindConflict, "session is %s, not Armed", session.State)
	}
	if session.Operator != operator {
		return model.SBOSession{}, scadaerr.New(scadaerr.KindPermissionDenied,
			"session can only be cancelled by the arming operator")
	}

	session.State = model.SBOCancelled
	c.retireLocked(sboKey{session.NodeID, session.BreakerID}, session)
	c.logger.Info("sbo cancelled", "session_id", sessionID, "operator", operator)
	return *session, nil
}

// Get returns a session by id.
func (c *Coordinator) Get(sessionID string) (model.SBOSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byID[sessionID]
	if !ok {
		return model.SBOSession{}, false
	}
	return *s, true
}

// Sessions lists armed sessions plus recent history, newest first.
func (c *Coordinator) Sessions() []model.SBOSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]model.SBOSession, 0, len(c.armed)+len(c.history))
	for _, s := range c.armed {
		out = append(out, *s)
	}
	out = append(out, c.history...)
	sort.Slice(out, func(i, j int) bool { return out[i].ArmedAt.After(out[j].ArmedAt) })
	return out
}

// Run sweeps expired sessions until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep expires every armed session past its deadline.
func (c *Coordinator) Sweep() {
	now := c.now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, session := range c.armed {
		if !now.Before(session.Deadline) {
			c.expireLocked(k, session)
			c.logger.Info("sbo expired", "session_id", session.SessionID, "node_id", session.NodeID)
		}
	}
}

func (c *Coordinator) expireLocked(k sboKey, session *model.SBOSession) {
	session.State = model.SBOExpired
	c.retireLocked(k, session)
	if c.audit != nil {
		c.audit.Record(session.Operator, "sbo.expire", "session", session.SessionID,
			model.AuditFailure, "", map[string]any{
				"node_id":    session.NodeID,
				"breaker_id": session.BreakerID,
				"action":     string(session.Action),
			})
	}
}

// retireLocked moves a session out of the armed slot into bounded history.
// Sessions evicted from the history window leave the id index with them.
func (c *Coordinator) retireLocked(k sboKey, session *model.SBOSession) {
	if c.armed[k] == session {
		delete(c.armed, k)
	}
	c.history = append(c.history, *session)
	if n := len(c.history) - historyRetain; n > 0 {
		for _, old := range c.history[:n] {
			delete(c.byID, old.SessionID)
		}
		c.history = c.history[n:]
	}
	c.updateGauge()
}

func (c *Coordinator) updateGauge() {
	if c.met != nil {
		c.met.SBOSessionsArmed.Set(float64(len(c.armed)))
	}
}
