// Package security classifies inbound connections against the allow-list,
// tracks security events and issues IP blocks.
package security

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridscope/scadasim/internal/bus"
	"github.com/gridscope/scadasim/internal/config"
	"github.com/gridscope/scadasim/internal/metrics"
	"github.com/gridscope/scadasim/internal/scadaerr"
	"github.com/gridscope/scadasim/pkg/model"
	"github.com/gridscope/scadasim/pkg/protocol"
)

const (
	// ConnectionRetention bounds how long finished connections stay visible.
	ConnectionRetention = 24 * time.Hour
	// dedupeWindow suppresses repeat events for the same source.
	dedupeWindow = time.Minute

	eventRetain = 2000
)

// Broadcaster pushes a command to every connected RTU.
type Broadcaster interface {
	Broadcast(ctx context.Context, cmd protocol.Command)
}

// EventSink receives security events for durable storage.
type EventSink interface {
	RecordSecurityEvent(ev model.SecurityEvent)
}

// AllowList answers whether a (client_ip, protocol) pair is authorised.
// Protocol "*" in an entry covers every protocol.
type AllowList struct {
	mu      sync.RWMutex
	entries map[string]map[string]bool // ip -> protocol set
}

// NewAllowList builds the lookup from config entries.
func NewAllowList(entries []config.AllowEntry) *AllowList {
	al := &AllowList{entries: make(map[string]map[string]bool)}
	for _, e := range entries {
		if al.entries[e.IP] == nil {
			al.entries[e.IP] = make(map[string]bool)
		}
		al.entries[e.IP][e.Protocol] = true
	}
	return al
}

// Allowed reports whether ip may speak protocol.
func (al *AllowList) Allowed(ip string, protocol model.ConnProtocol) bool {
	al.mu.RLock()
	defer al.mu.RUnlock()
	protos, ok := al.entries[ip]
	if !ok {
		return false
	}
	return protos["*"] || protos[string(protocol)]
}

type connKey struct {
	node     string
	ip       string
	port     int
	protocol model.ConnProtocol
}

type dedupeKey struct {
	typ  model.SecurityEventType
	node string
	ip   string
}

// Engine is the master-side security view.
type Engine struct {
	logger    *slog.Logger
	allowList *AllowList
	pub       bus.Publisher
	sink      EventSink
	met       *metrics.Metrics
	broadcast Broadcaster

	mu       sync.Mutex
	conns    map[connKey]model.ConnectionRecord
	events   []model.SecurityEvent
	lastSeen map[dedupeKey]time.Time
	blocked  map[string]time.Time

	now func() time.Time
}

// NewEngine wires the security engine.
func NewEngine(logger *slog.Logger, allowList *AllowList, pub bus.Publisher, sink EventSink, met *metrics.Metrics) *Engine {
	return &Engine{
		logger:    logger.With("component", "security"),
		allowList: allowList,
		pub:       pub,
		sink:      sink,
		met:       met,
		conns:     make(map[connKey]model.ConnectionRecord),
		lastSeen:  make(map[dedupeKey]time.Time),
		blocked:   make(map[string]time.Time),
		now:       time.Now,
	}
}

// SetBroadcaster attaches the registry once it exists; blocks issued before
// that are kept and enforced on the master side only.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcast = b
}

// AllowList exposes the shared allow-list for the RTU side.
func (e *Engine) AllowList() *AllowList { return e.allowList }

// ReportConnection ingests a connection report pushed by an RTU. Unknown
// connections raise a deduplicated security event.
func (e *Engine) ReportConnection(rec model.ConnectionRecord) {
	k := connKey{rec.NodeID, rec.ClientIP, rec.ClientPort, rec.Protocol}

	e.mu.Lock()
	e.pruneLocked()
	e.conns[k] = rec
	e.mu.Unlock()

	if rec.Status == model.ConnUnknown {
		if e.pub != nil {
			e.pub.Publish(bus.NewUnknownConnection(rec))
		}
		e.raise(model.EventUnknownConnection, rec.NodeID, rec.ClientIP, model.SeverityWarning,
			"unauthorised "+string(rec.Protocol)+" client", map[string]any{
				"protocol":    string(rec.Protocol),
				"client_port": rec.ClientPort,
			})
	}
}

// RecordAuthFailure surfaces a failed login as a security event.
func (e *Engine) RecordAuthFailure(username, ip string) {
	e.raise(model.EventAuthFailure, "", ip, model.SeverityWarning,
		"failed login for "+username, map[string]any{"username": username})
}

// RecordPermissionDenied surfaces a forbidden call as a security event.
func (e *Engine) RecordPermissionDenied(operator, ip, permission string) {
	e.raise(model.EventPermissionDenied, "", ip, model.SeverityInfo,
		"operator "+operator+" denied "+permission, map[string]any{
			"operator":   operator,
			"permission": permission,
		})
}

// Block bars an IP across the fleet. Blocking an already blocked IP is a
// no-op success.
func (e *Engine) Block(ctx context.Context, ip, operator string) error {
	if ip == "" {
		return scadaerr.New(scadaerr.KindValidation, "ip is required")
	}

	e.mu.Lock()
	if _, already := e.blocked[ip]; already {
		e.mu.Unlock()
		return nil
	}
	e.blocked[ip] = e.now().UTC()
	b := e.broadcast
	e.mu.Unlock()

	e.logger.Warn("ip blocked", "ip", ip, "operator", operator)
	if b != nil {
		b.Broadcast(ctx, protocol.Command{Name: protocol.CmdBlock, ClientIP: ip})
	}
	e.raise(model.EventBlockIssued, "", ip, model.SeverityCritical,
		"ip blocked fleet-wide", map[string]any{"operator": operator})
	return nil
}

// Blocked reports whether an IP is currently blocked.
func (e *Engine) Blocked(ip string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.blocked[ip]
	return ok
}

// Connections returns the retained connection view, newest first.
func (e *Engine) Connections() []model.ConnectionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked()

	out := make([]model.ConnectionRecord, 0, len(e.conns))
	for _, rec := range e.conns {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.After(out[j].ConnectedAt) })
	return out
}

// Counters summarises the connection view for snapshots and the REST surface.
func (e *Engine) Counters() bus.SecurityCounters {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked()

	var c bus.SecurityCounters
	for _, rec := range e.conns {
		switch rec.Status {
		case model.ConnAuthorised:
			c.Authorised++
		case model.ConnUnknown:
			c.Unknown++
		}
	}
	c.Blocked = len(e.blocked)
	return c
}

// Events returns up to limit events, newest first.
func (e *Engine) Events(limit int) []model.SecurityEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.SecurityEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, e.events[i])
	}
	return out
}

func (e *Engine) raise(typ model.SecurityEventType, nodeID, ip string, severity model.AlarmSeverity, description string, metadata map[string]any) {
	now := e.now().UTC()
	dk := dedupeKey{typ, nodeID, ip}

	e.mu.Lock()
	if last, seen := e.lastSeen[dk]; seen && now.Sub(last) < dedupeWindow {
		e.lastSeen[dk] = now
		e.mu.Unlock()
		return
	}
	e.lastSeen[dk] = now

	ev := model.SecurityEvent{
		EventID:     uuid.NewString(),
		Type:        typ,
		Severity:    severity,
		NodeID:      nodeID,
		ClientIP:    ip,
		Description: description,
		RaisedAt:    now,
		Metadata:    metadata,
	}
	e.events = append(e.events, ev)
	if len(e.events) > eventRetain {
		e.events = e.events[len(e.events)-eventRetain:]
	}
	e.mu.Unlock()

	e.logger.Warn("security event",
		"type", typ,
		"node_id", nodeID,
		"client_ip", ip,
		"description", description)

	if e.met != nil {
		e.met.SecurityEvents.WithLabelValues(string(typ)).Inc()
	}
	if e.pub != nil {
		e.pub.Publish(bus.NewSecurityEvent(ev))
	}
	if e.sink != nil {
		e.sink.RecordSecurityEvent(ev)
	}
}

// pruneLocked drops finished connections older than the retention window.
func (e *Engine) pruneLocked() {
	cutoff := e.now().UTC().Add(-ConnectionRetention)
	for k, rec := range e.conns {
		if rec.DisconnectedAt != nil && rec.DisconnectedAt.Before(cutoff) {
			delete(e.conns, k)
		}
	}
}
