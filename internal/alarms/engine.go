// Package alarms raises, clears and acknowledges alarms driven by telemetry
// thresholds and RTU-pushed events.
package alarms

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridscope/scadasim/internal/bus"
	"github.com/gridscope/scadasim/internal/metrics"
	"github.com/gridscope/scadasim/internal/scadaerr"
	"github.com/gridscope/scadasim/pkg/model"
)

// Alarm codes raised by the threshold engine.
const (
	CodeOvervoltage    = "OVERVOLTAGE"
	CodeUndervoltage   = "UNDERVOLTAGE"
	CodeOverfrequency  = "OVERFREQUENCY"
	CodeUnderfrequency = "UNDERFREQUENCY"
	CodeThermalTrip    = "THERMAL_TRIP"
	CodeBreakerTripped = "BREAKER_TRIPPED"
)

// Threshold and hysteresis constants.
const (
	freqLowHz          = 49.5
	freqHighHz         = 50.5
	freqHysteresisHz   = 0.05
	voltDevPct         = 10.0
	voltHysteresisPct  = 2.0
	thermalLimitC      = 100.0
	thermalHysteresisC = 5.0

	clearStreak   = 5 // consecutive in-band samples required to clear
	clearedRetain = 1000
)

var severityByCode = map[string]model.AlarmSeverity{
	CodeOvervoltage:    model.SeverityWarning,
	CodeUndervoltage:   model.SeverityWarning,
	CodeOverfrequency:  model.SeverityWarning,
	CodeUnderfrequency: model.SeverityWarning,
	CodeThermalTrip:    model.SeverityCritical,
	CodeBreakerTripped: model.SeverityCritical,
}

// Historian receives every alarm transition for durable storage.
type Historian interface {
	RecordAlarm(alarm model.Alarm)
}

type key struct {
	node string
	code string
}

// Engine is the alarm state machine. Transitions for a given (node, code)
// pair are serialised by the engine lock.
type Engine struct {
	logger *slog.Logger
	pub    bus.Publisher
	hist   Historian
	met    *metrics.Metrics

	mu      sync.Mutex
	active  map[key]*model.Alarm // state Raised or Acknowledged
	byID    map[string]*model.Alarm
	inBand  map[key]int // consecutive in-hysteresis-band samples
	cleared []model.Alarm

	now func() time.Time
}

// NewEngine wires the alarm engine.
func NewEngine(logger *slog.Logger, pub bus.Publisher, hist Historian, met *metrics.Metrics) *Engine {
	return &Engine{
		logger: logger.With("component", "alarms"),
		pub:    pub,
		hist:   hist,
		met:    met,
		active: make(map[key]*model.Alarm),
		byID:   make(map[string]*model.Alarm),
		inBand: make(map[key]int),
		now:    time.Now,
	}
}

type condition struct {
	code    string
	crossed bool
	inBand  bool // inside the hysteresis band, counts toward clearing
	details map[string]any
}

// Evaluate applies the threshold table to one sample.
func (e *Engine) Evaluate(sample model.TelemetrySample, desc model.NodeDescriptor) {
	conds := []condition{
		{
			code:    CodeUnderfrequency,
			crossed: sample.FrequencyHz > 0 && sample.FrequencyHz < freqLowHz,
			inBand:  sample.FrequencyHz >= freqLowHz+freqHysteresisHz,
			details: map[string]any{"frequency_hz": sample.FrequencyHz},
		},
		{
			code:    CodeOverfrequency,
			crossed: sample.FrequencyHz > freqHighHz,
			inBand:  sample.FrequencyHz > 0 && sample.FrequencyHz <= freqHighHz-freqHysteresisHz,
			details: map[string]any{"frequency_hz": sample.FrequencyHz},
		},
		{
			code:    CodeBreakerTripped,
			crossed: sample.BreakerState == model.BreakerTripped,
			inBand:  sample.BreakerState != model.BreakerTripped,
			details: map[string]any{"breaker_state": string(sample.BreakerState)},
		},
	}

	if desc.NominalVoltageKV > 0 && sample.VoltageKV > 0 {
		dev := (sample.VoltageKV - desc.NominalVoltageKV) / desc.NominalVoltageKV * 100
		conds = append(conds,
			condition{
				code:    CodeOvervoltage,
				crossed: dev > voltDevPct,
				inBand:  dev <= voltDevPct-voltHysteresisPct,
				details: map[string]any{"voltage_kv": sample.VoltageKV, "deviation_pct": dev},
			},
			condition{
				code:    CodeUndervoltage,
				crossed: dev < -voltDevPct,
				inBand:  dev >= -(voltDevPct - voltHysteresisPct),
				details: map[string]any{"voltage_kv": sample.VoltageKV, "deviation_pct": dev},
			},
		)
	}

	if sample.TemperatureC != nil {
		temp := *sample.TemperatureC
		conds = append(conds, condition{
			code:    CodeThermalTrip,
			crossed: temp > thermalLimitC,
			inBand:  temp <= thermalLimitC-thermalHysteresisC,
			details: map[string]any{"temperature_c": temp},
		})
	}

	for _, c := range conds {
		e.apply(sample.NodeID, c)
	}
}

func (e *Engine) apply(nodeID string, c condition) {
	k := key{nodeID, c.code}

	e.mu.Lock()
	defer e.mu.Unlock()

	alarm, isActive := e.active[k]

	switch {
	case c.crossed && !isActive:
		e.raiseLocked(k, severityByCode[c.code], c.details)
	case c.crossed && isActive:
		e.inBand[k] = 0
		occ, _ := alarm.Details["occurrences"].(int)
		alarm.Details["occurrences"] = occ + 1
	case !c.crossed && isActive:
		if c.inBand {
			e.inBand[k]++
			if e.inBand[k] >= clearStreak {
				e.clearLocked(k)
			}
		} else {
			// Between the threshold and the hysteresis band: streak resets.
			e.inBand[k] = 0
		}
	}
}

// HandleEvent ingests an RTU-pushed alarm transition.
func (e *Engine) HandleEvent(nodeID, code string, severity model.AlarmSeverity, cleared bool, details map[string]any) {
	k := key{nodeID, code}

	e.mu.Lock()
	defer e.mu.Unlock()

	alarm, isActive := e.active[k]
	if cleared {
		if isActive {
			e.clearLocked(k)
		}
		return
	}
	if isActive {
		occ, _ := alarm.Details["occurrences"].(int)
		alarm.Details["occurrences"] = occ + 1
		return
	}
	if severity == "" {
		if s, ok := severityByCode[code]; ok {
			severity = s
		} else {
			severity = model.SeverityWarning
		}
	}
	e.raiseLocked(k, severity, details)
}

func (e *Engine) raiseLocked(k key, severity model.AlarmSeverity, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["occurrences"] = 1
	alarm := &model.Alarm{
		AlarmID:  uuid.NewString(),
		NodeID:   k.node,
		Code:     k.code,
		Severity: severity,
		State:    model.AlarmRaised,
		RaisedAt: e.now().UTC(),
		Details:  details,
	}
	e.active[k] = alarm
	e.byID[alarm.AlarmID] = alarm
	e.inBand[k] = 0

	e.logger.Warn("alarm raised", "node_id", k.node, "code", k.code, "severity", severity)
	e.emit(bus.TypeAlarmRaised, *alarm)
	e.updateGauges()
}

func (e *Engine) clearLocked(k key) {
	alarm := e.active[k]
	now := e.now().UTC()
	alarm.State = model.AlarmCleared
	alarm.ClearedAt = &now
	delete(e.active, k)
	delete(e.inBand, k)

	e.cleared = append(e.cleared, *alarm)
	if n := len(e.cleared) - clearedRetain; n > 0 {
		// Alarms evicted from the cleared window leave the id index too,
		// otherwise a flapping threshold grows byID without bound.
		for _, old := range e.cleared[:n] {
			delete(e.byID, old.AlarmID)
		}
		e.cleared = e.cleared[n:]
	}

	e.logger.Info("alarm cleared", "node_id", k.node, "code", k.code)
	e.emit(bus.TypeAlarmCleared, *alarm)
	e.updateGauges()
}

// Acknowledge flips a raised alarm to acknowledged. Acknowledging twice is
// a no-op; acknowledging a cleared alarm is a conflict.
func (e *Engine) Acknowledge(alarmID, operator, comment string) (model.Alarm, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	alarm, ok := e.byID[alarmID]
	if !ok {
		return model.Alarm{}, scadaerr.Newf(scadaerr.KindNotFound, "alarm %s not found", alarmID)
	}

	switch alarm.State {
	case model.AlarmCleared:
		return model.Alarm{}, scadaerr.New(scadaerr.KindConflict, "alarm already cleared")
	case model.AlarmAcknowledged:
		return *alarm, nil
	}

	now := e.now().UTC()
	alarm.State = model.AlarmAcknowledged
	alarm.AcknowledgedAt = &now
	alarm.AcknowledgedBy = operator
	if comment != "" {
		alarm.Details["ack_comment"] = comment
	}

	e.logger.Info("alarm acknowledged", "alarm_id", alarmID, "operator", operator)
	e.emit(bus.TypeAlarmAcknowledged, *alarm)
	return *alarm, nil
}

// Active returns alarms in state Raised or Acknowledged, newest first.
func (e *Engine) Active() []model.Alarm {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.Alarm, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RaisedAt.After(out[j].RaisedAt) })
	return out
}

// Get returns an alarm by id.
func (e *Engine) Get(alarmID string) (model.Alarm, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.byID[alarmID]
	if !ok {
		return model.Alarm{}, false
	}
	return *a, true
}

// CountsBySeverity reports active alarm counts for the aggregator.
func (e *Engine) CountsBySeverity() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	counts := map[string]int{
		string(model.SeverityInfo):     0,
		string(model.SeverityWarning):  0,
		string(model.SeverityCritical): 0,
	}
	for _, a := range e.active {
		counts[string(a.Severity)]++
	}
	return counts
}

func (e *Engine) emit(typ string, alarm model.Alarm) {
	if e.pub != nil {
		e.pub.Publish(bus.NewAlarmMessage(typ, alarm))
	}
	if e.hist != nil {
		e.hist.RecordAlarm(alarm)
	}
}

func (e *Engine) updateGauges() {
	if e.met == nil {
		return
	}
	counts := map[model.AlarmSeverity]int{}
	for _, a := range e.active {
		counts[a.Severity]++
	}
	for _, sev := range []model.AlarmSeverity{model.SeverityInfo, model.SeverityWarning, model.SeverityCritical} {
		e.met.AlarmsActive.WithLabelValues(string(sev)).Set(float64(counts[sev]))
	}
}

// VoltageDeviationPct is exposed for the RTU-side protection checks.
func VoltageDeviationPct(voltageKV, nominalKV float64) float64 {
	if nominalKV == 0 {
		return 0
	}
	return math.Abs(voltageKV-nominalKV) / nominalKV * 100
}
