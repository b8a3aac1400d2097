// Package historian batches durable rows and flushes them to the archive
// store, spilling to a bounded memory buffer when the store is down.
package historian

import (
	"encoding/json"
	"time"

	"github.com/gridscope/scadasim/pkg/model"
)

// TelemetryRow is one archived sample.
type TelemetryRow struct {
	Time               time.Time
	NodeID             string
	Sequence           uint64
	VoltageKV          float64
	CurrentA           float64
	ActivePowerMW      float64
	ReactivePowerMVAR  float64
	PowerFactor        float64
	FrequencyHz        float64
	TemperatureC       *float64
	BreakerState       string
	EnergyDeliveredMWH float64
	Quality            string
}

// GridMetricsRow is one archived aggregator rollup.
type GridMetricsRow struct {
	Time              time.Time
	SystemFrequencyHz float64
	TotalGenerationMW float64
	TotalLoadMW       float64
	GridLossesMW      float64
	NodesOnline       int
	NodesOffline      int
	ActiveAlarms      int
	CriticalAlarms    int
}

// AlarmRow is one archived alarm transition.
type AlarmRow struct {
	Time     time.Time
	AlarmID  string
	NodeID   string
	Code     string
	Severity string
	State    string
	Details  json.RawMessage
}

// AuditRow is one archived operator action.
type AuditRow struct {
	Time         time.Time
	LogID        string
	OperatorID   string
	Action       string
	ResourceType string
	ResourceID   string
	Result       string
	IP           string
	Metadata     json.RawMessage
}

// SecurityRow is one archived security event.
type SecurityRow struct {
	Time        time.Time
	EventID     string
	Type        string
	Severity    string
	NodeID      string
	ClientIP    string
	Description string
	Metadata    json.RawMessage
}

// Batch groups rows of one flush.
type Batch struct {
	Telemetry   []TelemetryRow
	GridMetrics []GridMetricsRow
	Alarms      []AlarmRow
	Audit       []AuditRow
	Security    []SecurityRow
}

// Len counts rows across all tables.
func (b *Batch) Len() int {
	return len(b.Telemetry) + len(b.GridMetrics) + len(b.Alarms) + len(b.Audit) + len(b.Security)
}

func (b *Batch) add(row any) {
	switch r := row.(type) {
	case TelemetryRow:
		b.Telemetry = append(b.Telemetry, r)
	case GridMetricsRow:
		b.GridMetrics = append(b.GridMetrics, r)
	case AlarmRow:
		b.Alarms = append(b.Alarms, r)
	case AuditRow:
		b.Audit = append(b.Audit, r)
	case SecurityRow:
		b.Security = append(b.Security, r)
	}
}

func telemetryRow(s model.TelemetrySample) TelemetryRow {
	return TelemetryRow{
		Time:               s.Timestamp,
		NodeID:             s.NodeID,
		Sequence:           s.Sequence,
		VoltageKV:          s.VoltageKV,
		CurrentA:           s.CurrentA,
		ActivePowerMW:      s.ActivePowerMW,
		ReactivePowerMVAR:  s.ReactivePowerMVAR,
		PowerFactor:        s.PowerFactor,
		FrequencyHz:        s.FrequencyHz,
		TemperatureC:       s.TemperatureC,
		BreakerState:       string(s.BreakerState),
		EnergyDeliveredMWH: s.EnergyDeliveredMWH,
		Quality:            string(s.Quality),
	}
}

func gridMetricsRow(s model.GridSnapshot) GridMetricsRow {
	active := 0
	for _, n := range s.AlarmCounts {
		active += n
	}
	return GridMetricsRow{
		Time:              s.Timestamp,
		SystemFrequencyHz: s.SystemFrequencyHz,
		TotalGenerationMW: s.TotalGenerationMW,
		TotalLoadMW:       s.TotalLoadMW,
		GridLossesMW:      s.GridLossesMW,
		NodesOnline:       s.NodesOnline,
		NodesOffline:      s.NodesOffline,
		ActiveAlarms:      active,
		CriticalAlarms:    s.AlarmCounts[string(model.SeverityCritical)],
	}
}

func alarmRow(a model.Alarm, at time.Time) AlarmRow {
	details, _ := json.Marshal(a.Details)
	return AlarmRow{
		Time:     at,
		AlarmID:  a.AlarmID,
		NodeID:   a.NodeID,
		Code:     a.Code,
		Severity: string(a.Severity),
		State:    string(a.State),
		Details:  details,
	}
}

func auditRow(e model.AuditEntry) AuditRow {
	metadata, _ := json.Marshal(e.Metadata)
	return AuditRow{
		Time:         e.Timestamp,
		LogID:        e.LogID,
		OperatorID:   e.OperatorID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Result:       string(e.Result),
		IP:           e.IP,
		Metadata:     metadata,
	}
}

func securityRow(ev model.SecurityEvent) SecurityRow {
	metadata, _ := json.Marshal(ev.Metadata)
	return SecurityRow{
		Time:        ev.RaisedAt,
		EventID:     ev.EventID,
		Type:        string(ev.Type),
		Severity:    string(ev.Severity),
		NodeID:      ev.NodeID,
		ClientIP:    ev.ClientIP,
		Description: ev.Description,
		Metadata:    metadata,
	}
}
