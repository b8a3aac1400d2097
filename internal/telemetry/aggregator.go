package telemetry

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gridscope/scadasim/internal/bus"
	"github.com/gridscope/scadasim/pkg/model"
)

// Deadbands below which a rollup is considered unchanged, plus the
// keep-alive cadence so clients can still detect liveness.
const (
	FrequencyEpsilonHz = 0.005
	PowerEpsilonMW     = 0.5
	KeepAliveInterval  = 5 * time.Second

	frequencyTraceLen = 600 // 10 minutes at 1 Hz
)

// RegistryView is the read surface the aggregator needs from the registry.
type RegistryView interface {
	Records() []model.NodeRuntimeRecord
}

// AlarmCounter supplies active alarm counts by severity.
type AlarmCounter interface {
	CountsBySeverity() map[string]int
}

// Aggregator computes the grid snapshot once per tick and publishes it when
// it moved beyond the deadband.
type Aggregator struct {
	store    *Store
	registry RegistryView
	alarms   AlarmCounter
	pub      bus.Publisher
	logger   *slog.Logger
	interval time.Duration

	mu            sync.RWMutex
	latest        model.GridSnapshot
	hasSnapshot   bool
	lastPublished time.Time
	freqTrace     []model.FrequencyPoint

	now func() time.Time
}

// NewAggregator wires the aggregator; interval is normally 1 s.
func NewAggregator(store *Store, registry RegistryView, alarms AlarmCounter, pub bus.Publisher, logger *slog.Logger, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = time.Second
	}
	return &Aggregator{
		store:    store,
		registry: registry,
		alarms:   alarms,
		pub:      pub,
		logger:   logger.With("component", "aggregator"),
		interval: interval,
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Tick()
		}
	}
}

// Tick computes one rollup and publishes it if needed.
func (a *Aggregator) Tick() {
	snap := a.Compute()

	a.mu.Lock()
	changed := !a.hasSnapshot || snapshotChanged(a.latest, snap)
	keepAlive := a.now().Sub(a.lastPublished) >= KeepAliveInterval
	a.latest = snap
	a.hasSnapshot = true
	publish := changed || keepAlive
	if publish {
		a.lastPublished = a.now()
	}
	a.mu.Unlock()

	if publish && a.pub != nil {
		a.pub.Publish(bus.NewGridOverviewUpdate(snap))
	}
}

// Latest returns the last computed snapshot, computing one on demand before
// the first tick.
func (a *Aggregator) Latest() model.GridSnapshot {
	a.mu.RLock()
	if a.hasSnapshot {
		defer a.mu.RUnlock()
		return a.latest
	}
	a.mu.RUnlock()
	return a.Compute()
}

// Compute builds the rollup from the registry and the latest sample slots.
func (a *Aggregator) Compute() model.GridSnapshot {
	records := a.registry.Records()

	var (
		totalGen, totalLoad  float64
		freqWeighted, weight float64
		violations           []model.VoltageViolation
		online, offline, deg int
	)

	for _, rec := range records {
		switch rec.LinkState {
		case model.LinkConnected:
			online++
		case model.LinkDegraded:
			online++
			deg++
		case model.LinkOffline:
			offline++
		}

		sample, ok := a.store.Latest(rec.Descriptor.NodeID)
		if !ok {
			continue
		}

		switch rec.Descriptor.Kind {
		case model.KindGeneration:
			totalGen += sample.ActivePowerMW
			// Frequency is weighted by rated capacity; offline units and
			// non-generating nodes do not vote.
			if rec.LinkState != model.LinkOffline && sample.FrequencyHz > 0 {
				freqWeighted += sample.FrequencyHz * rec.Descriptor.CapacityMW
				weight += rec.Descriptor.CapacityMW
			}
		case model.KindSubstation, model.KindDistribution:
			totalLoad += math.Abs(sample.ActivePowerMW)
		}

		if nominal := rec.Descriptor.NominalVoltageKV; nominal > 0 && sample.VoltageKV > 0 {
			deviation := math.Abs(sample.VoltageKV-nominal) / nominal * 100
			if deviation > 5 {
				violations = append(violations, model.VoltageViolation{
					NodeID:       rec.Descriptor.NodeID,
					VoltageKV:    sample.VoltageKV,
					NominalKV:    nominal,
					DeviationPct: deviation,
				})
			}
		}
	}

	systemFreq := 50.0
	if weight > 0 {
		systemFreq = freqWeighted / weight
	}

	losses := totalGen - totalLoad
	if losses < 0 {
		// Sensor noise can push load above generation.
		losses = 0
	}

	now := a.now().UTC()

	a.mu.Lock()
	a.freqTrace = append(a.freqTrace, model.FrequencyPoint{Timestamp: now, ValueHz: systemFreq})
	if len(a.freqTrace) > frequencyTraceLen {
		a.freqTrace = a.freqTrace[len(a.freqTrace)-frequencyTraceLen:]
	}
	trace := make([]model.FrequencyPoint, len(a.freqTrace))
	copy(trace, a.freqTrace)
	a.mu.Unlock()

	var alarmCounts map[string]int
	if a.alarms != nil {
		alarmCounts = a.alarms.CountsBySeverity()
	}

	return model.GridSnapshot{
		Timestamp:         now,
		SystemFrequencyHz: systemFreq,
		TotalGenerationMW: totalGen,
		TotalLoadMW:       totalLoad,
		GridLossesMW:      losses,
		NodesOnline:       online,
		NodesOffline:      offline,
		NodesDegraded:     deg,
		AlarmCounts:       alarmCounts,
		VoltageViolations: violations,
		FrequencyTrace:    trace,
	}
}

func snapshotChanged(prev, next model.GridSnapshot) bool {
	if math.Abs(prev.SystemFrequencyHz-next.SystemFrequencyHz) > FrequencyEpsilonHz {
		return true
	}
	if math.Abs(prev.TotalGenerationMW-next.TotalGenerationMW) > PowerEpsilonMW {
		return true
	}
	if math.Abs(prev.TotalLoadMW-next.TotalLoadMW) > PowerEpsilonMW {
		return true
	}
	if math.Abs(prev.GridLossesMW-next.GridLossesMW) > PowerEpsilonMW {
		return true
	}
	if prev.NodesOnline != next.NodesOnline ||
		prev.NodesOffline != next.NodesOffline ||
		prev.NodesDegraded != next.NodesDegraded {
		return true
	}
	if len(prev.AlarmCounts) != len(next.AlarmCounts) {
		return true
	}
	for k, v := range next.AlarmCounts {
		if prev.AlarmCounts[k] != v {
			return true
		}
	}
	return false
}
