// Package rtu is the remote terminal unit runtime: local electrical state,
// the master control channel, field-protocol listeners and a read-only REST
// surface. One process hosts one node.
package rtu

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gridscope/scadasim/internal/scadaerr"
	"github.com/gridscope/scadasim/internal/security"
	"github.com/gridscope/scadasim/pkg/model"
	"github.com/gridscope/scadasim/pkg/protocol"
)

const (
	// SpillCapacity bounds the local telemetry buffer kept while the master
	// link is down: one hour at the 1 Hz default cadence.
	SpillCapacity = 3600

	connRetain  = 500
	eventBuffer = 64
)

// Node holds the runtime state of one RTU.
type Node struct {
	logger *slog.Logger
	desc   model.NodeDescriptor
	gen    Generator
	allow  *security.AllowList

	mu        sync.Mutex
	breakers  map[string]model.BreakerState
	seq       uint64
	latest    *model.TelemetrySample
	lastGood  model.TelemetrySample
	haveGood  bool
	energyMWH float64
	spill     []model.TelemetrySample
	spillDrop uint64
	conns     []model.ConnectionRecord
	blocked   map[string]bool

	events  chan protocol.Event
	reports chan model.ConnectionRecord

	now func() time.Time
}

// NewNode builds the runtime for one descriptor. Breaker layout depends on
// the node kind: plants carry two unit breakers, substations four bay
// breakers, feeders two.
func NewNode(logger *slog.Logger, desc model.NodeDescriptor, gen Generator, allow *security.AllowList) *Node {
	n := &Node{
		logger:   logger.With("component", "rtu", "node_id", desc.NodeID),
		desc:     desc,
		gen:      gen,
		allow:    allow,
		breakers: make(map[string]model.BreakerState),
		blocked:  make(map[string]bool),
		events:   make(chan protocol.Event, eventBuffer),
		reports:  make(chan model.ConnectionRecord, eventBuffer),
		now:      time.Now,
	}
	count := 2
	if desc.Kind == model.KindSubstation {
		count = 4
	}
	for i := 1; i <= count; i++ {
		n.breakers[breakerID(i)] = model.BreakerClosed
	}
	return n
}

func breakerID(i int) string {
	return fmt.Sprintf("BRK-%02d", i)
}

// Descriptor returns the static node identity.
func (n *Node) Descriptor() model.NodeDescriptor { return n.desc }

// Events is the stream of breaker-change and alarm events for the control
// channel.
func (n *Node) Events() <-chan protocol.Event { return n.events }

// Reports is the stream of connection records for the control channel.
func (n *Node) Reports() <-chan model.ConnectionRecord { return n.reports }

// Breakers returns a copy of the breaker table.
func (n *Node) Breakers() map[string]model.BreakerState {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]model.BreakerState, len(n.breakers))
	for id, st := range n.breakers {
		out[id] = st
	}
	return out
}

// Sequence returns the current telemetry sequence counter.
func (n *Node) Sequence() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seq
}

// Sample produces the next telemetry sample: it advances the sequence,
// substitutes the last good values for unsafe simulator output and
// accumulates delivered energy.
func (n *Node) Sample(t time.Time) model.TelemetrySample {
	n.mu.Lock()
	defer n.mu.Unlock()

	raw := n.gen.Generate(t, n.closedFractionLocked())

	quality := model.QualityGood
	if unsafeSample(raw) {
		if n.haveGood {
			good := n.lastGood
			good.Timestamp = t.UTC()
			raw = good
		} else {
			raw = model.TelemetrySample{Timestamp: t.UTC()}
		}
		quality = model.QualitySuspect
	}

	n.seq++
	n.energyMWH += raw.ActivePowerMW / 3600 // 1 Hz cadence

	raw.NodeID = n.desc.NodeID
	raw.Sequence = n.seq
	raw.BreakerState = n.overallBreakerLocked()
	raw.EnergyDeliveredMWH = n.energyMWH
	raw.Quality = quality

	if quality == model.QualityGood {
		n.lastGood = raw
		n.haveGood = true
	}
	n.latest = &raw
	return raw
}

// Latest returns the most recent sample, if any.
func (n *Node) Latest() (model.TelemetrySample, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.latest == nil {
		return model.TelemetrySample{}, false
	}
	return *n.latest, true
}

// Buffer stores a sample produced while the master link is down. Oldest
// samples are dropped once the spill bound is reached.
func (n *Node) Buffer(sample model.TelemetrySample) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.spill) >= SpillCapacity {
		n.spill = n.spill[1:]
		n.spillDrop++
	}
	n.spill = append(n.spill, sample)
}

// DrainSpill hands back the buffered samples in emission order and empties
// the buffer. Called once per reconnect, before live streaming resumes.
func (n *Node) DrainSpill() []model.TelemetrySample {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.spill
	n.spill = nil
	return out
}

// SpillDepth reports the buffered sample count and the drop total.
func (n *Node) SpillDepth() (int, uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.spill), n.spillDrop
}

// Operate changes one breaker and emits a breaker_change event. Closing a
// tripped breaker resets it.
func (n *Node) Operate(breakerID string, action model.BreakerAction) (model.BreakerState, error) {
	n.mu.Lock()
	current, ok := n.breakers[breakerID]
	if !ok {
		n.mu.Unlock()
		return "", scadaerr.Newf(scadaerr.KindNotFound, "breaker %s not found on %s", breakerID, n.desc.NodeID)
	}

	var next model.BreakerState
	switch action {
	case model.ActionOpen:
		next = model.BreakerOpen
	case model.ActionClose:
		next = model.BreakerClosed
	default:
		n.mu.Unlock()
		return "", scadaerr.Newf(scadaerr.KindValidation, "unknown breaker action %q", action)
	}
	n.breakers[breakerID] = next
	n.mu.Unlock()

	if next != current {
		n.emitBreakerChange(breakerID, next)
		n.logger.Info("breaker operated", "breaker_id", breakerID, "from", current, "to", next)
	}
	return next, nil
}

// Isolate opens every breaker on the node. Returns the breakers that changed.
func (n *Node) Isolate() []string {
	n.mu.Lock()
	var changed []string
	for id, st := range n.breakers {
		if st != model.BreakerOpen {
			n.breakers[id] = model.BreakerOpen
			changed = append(changed, id)
		}
	}
	n.mu.Unlock()

	for _, id := range changed {
		n.emitBreakerChange(id, model.BreakerOpen)
	}
	if len(changed) > 0 {
		n.logger.Warn("node isolated", "breakers_opened", len(changed))
	}
	return changed
}

// Trip forces a breaker into the Tripped state, as a protection relay would.
func (n *Node) Trip(breakerID string) error {
	n.mu.Lock()
	if _, ok := n.breakers[breakerID]; !ok {
		n.mu.Unlock()
		return scadaerr.Newf(scadaerr.KindNotFound, "breaker %s not found on %s", breakerID, n.desc.NodeID)
	}
	n.breakers[breakerID] = model.BreakerTripped
	n.mu.Unlock()

	n.emitBreakerChange(breakerID, model.BreakerTripped)
	return nil
}

// BlockIP adds an address to the local block set used by the field-protocol
// listeners.
func (n *Node) BlockIP(ip string) {
	n.mu.Lock()
	n.blocked[ip] = true
	n.mu.Unlock()
	n.logger.Warn("ip blocked", "client_ip", ip)
}

// ClientStatus classifies a field-protocol client.
func (n *Node) ClientStatus(ip string, proto model.ConnProtocol) model.ConnStatus {
	n.mu.Lock()
	blocked := n.blocked[ip]
	n.mu.Unlock()
	if blocked || !n.allow.Allowed(ip, proto) {
		return model.ConnUnknown
	}
	return model.ConnAuthorised
}

// RecordConnection stores a connection record and forwards it on the report
// stream for the master.
func (n *Node) RecordConnection(rec model.ConnectionRecord) {
	n.mu.Lock()
	if len(n.conns) >= connRetain {
		n.conns = n.conns[1:]
	}
	n.conns = append(n.conns, rec)
	n.mu.Unlock()

	select {
	case n.reports <- rec:
	default:
		n.logger.Debug("connection report dropped, stream full")
	}
}

// Connections returns the recorded connection table, newest first.
func (n *Node) Connections() []model.ConnectionRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]model.ConnectionRecord, len(n.conns))
	for i, rec := range n.conns {
		out[len(n.conns)-1-i] = rec
	}
	return out
}

func (n *Node) emitBreakerChange(breakerID string, state model.BreakerState) {
	ev := protocol.Event{
		Type:         protocol.EventBreakerChange,
		BreakerID:    breakerID,
		BreakerState: state,
	}
	select {
	case n.events <- ev:
	default:
		n.logger.Debug("event dropped, stream full", "breaker_id", breakerID)
	}
}

// closedFractionLocked is the share of breakers carrying load.
func (n *Node) closedFractionLocked() float64 {
	if len(n.breakers) == 0 {
		return 1
	}
	closed := 0
	for _, st := range n.breakers {
		if st == model.BreakerClosed {
			closed++
		}
	}
	return float64(closed) / float64(len(n.breakers))
}

// overallBreakerLocked folds the breaker table into the single sample field:
// any trip dominates, then any open.
func (n *Node) overallBreakerLocked() model.BreakerState {
	overall := model.BreakerClosed
	for _, st := range n.breakers {
		switch st {
		case model.BreakerTripped:
			return model.BreakerTripped
		case model.BreakerOpen:
			overall = model.BreakerOpen
		}
	}
	return overall
}

func unsafeSample(s model.TelemetrySample) bool {
	vals := []float64{
		s.VoltageKV, s.CurrentA, s.ActivePowerMW,
		s.ReactivePowerMVAR, s.PowerFactor, s.FrequencyHz,
	}
	if s.TemperatureC != nil {
		vals = append(vals, *s.TemperatureC)
	}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}
