package model

import (
	"time"
)

// NodeKind classifies a grid node.
type NodeKind string

const (
	KindGeneration   NodeKind = "generation"
	KindSubstation   NodeKind = "substation"
	KindDistribution NodeKind = "distribution"
)

// BreakerState is the position of a circuit breaker.
type BreakerState string

const (
	BreakerOpen    BreakerState = "Open"
	BreakerClosed  BreakerState = "Closed"
	BreakerTripped BreakerState = "Tripped"
)

// LinkState is the master-side state of a node control channel.
type LinkState string

const (
	LinkConnecting   LinkState = "Connecting"
	LinkConnected    LinkState = "Connected"
	LinkReconnecting LinkState = "Reconnecting"
	LinkDegraded     LinkState = "Degraded"
	LinkOffline      LinkState = "Offline"
)

// SampleQuality flags telemetry values that were substituted after a
// simulator fault.
type SampleQuality string

const (
	QualityGood    SampleQuality = "Good"
	QualitySuspect SampleQuality = "Suspect"
)

// NodeDescriptor is the static declaration of one RTU.
type NodeDescriptor struct {
	NodeID           string   `json:"node_id" yaml:"node_id"`
	Kind             NodeKind `json:"kind" yaml:"kind"`
	Location         string   `json:"location" yaml:"location"`
	CapacityMW       float64  `json:"capacity_mw" yaml:"capacity_mw"`
	NominalVoltageKV float64  `json:"nominal_voltage_kv" yaml:"nominal_voltage_kv"`
	NodeIP           string   `json:"node_ip" yaml:"node_ip"`
	RestPort         int      `json:"rest_port" yaml:"rest_port"`
	ControlPort      int      `json:"control_port" yaml:"control_port"`
	ModbusPort       int      `json:"modbus_port" yaml:"modbus_port"`
	IEC104Port       int      `json:"iec104_port" yaml:"iec104_port"`
}

// TelemetrySample is one reading of a node's electrical state. Optional
// fields are pointers so absence survives serialization (distribution
// feeders carry no temperature sensor).
type TelemetrySample struct {
	NodeID             string        `json:"node_id"`
	Sequence           uint64        `json:"sequence"`
	Timestamp          time.Time     `json:"timestamp"`
	VoltageKV          float64       `json:"voltage_kv"`
	CurrentA           float64       `json:"current_a"`
	ActivePowerMW      float64       `json:"active_power_mw"`
	ReactivePowerMVAR  float64       `json:"reactive_power_mvar"`
	PowerFactor        float64       `json:"power_factor"`
	FrequencyHz        float64       `json:"frequency_hz"`
	TemperatureC       *float64      `json:"temperature_c,omitempty"`
	BreakerState       BreakerState  `json:"breaker_state"`
	EnergyDeliveredMWH float64       `json:"energy_delivered_mwh"`
	Quality            SampleQuality `json:"quality"`
}

// NodeRuntimeRecord is the master's live view of one node. The telemetry
// ring buffer is kept separately in the store.
type NodeRuntimeRecord struct {
	Descriptor    NodeDescriptor           `json:"descriptor"`
	LinkState     LinkState                `json:"link_state"`
	LastHeartbeat time.Time                `json:"last_heartbeat"`
	ReconnectNum  int                      `json:"reconnect_count"`
	Latest        *TelemetrySample         `json:"latest,omitempty"`
	Breakers      map[string]BreakerState  `json:"breakers,omitempty"`
}

// AlarmSeverity ranks alarms.
type AlarmSeverity string

const (
	SeverityInfo     AlarmSeverity = "info"
	SeverityWarning  AlarmSeverity = "warning"
	SeverityCritical AlarmSeverity = "critical"
)

// AlarmState is the lifecycle position of an alarm.
type AlarmState string

const (
	AlarmRaised       AlarmState = "Raised"
	AlarmAcknowledged AlarmState = "Acknowledged"
	AlarmCleared      AlarmState = "Cleared"
)

// Alarm is a single raised condition on a node.
type Alarm struct {
	AlarmID        string         `json:"alarm_id"`
	NodeID         string         `json:"node_id"`
	Code           string         `json:"code"`
	Severity       AlarmSeverity  `json:"severity"`
	State          AlarmState     `json:"state"`
	RaisedAt       time.Time      `json:"raised_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	ClearedAt      *time.Time     `json:"cleared_at,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

// SBOState is the lifecycle position of a select-before-operate session.
type SBOState string

const (
	SBOArmed     SBOState = "Armed"
	SBOOperated  SBOState = "Operated"
	SBOCancelled SBOState = "Cancelled"
	SBOExpired   SBOState = "Expired"
)

// BreakerAction is a requested breaker operation.
type BreakerAction string

const (
	ActionOpen  BreakerAction = "open"
	ActionClose BreakerAction = "close"
)

// SBOSession is one armed breaker command.
type SBOSession struct {
	SessionID  string        `json:"session_id"`
	Operator   string        `json:"operator_id"`
	NodeID     string        `json:"node_id"`
	BreakerID  string        `json:"breaker_id"`
	Action     BreakerAction `json:"action"`
	Reason     string        `json:"reason"`
	State      SBOState      `json:"state"`
	ArmedAt    time.Time     `json:"armed_at"`
	Deadline   time.Time     `json:"expires_at"`
	OperatedAt *time.Time    `json:"operated_at,omitempty"`
	Result     string        `json:"result,omitempty"`
}

// ConnProtocol identifies the protocol of an inbound RTU client.
type ConnProtocol string

const (
	ProtoREST      ConnProtocol = "REST"
	ProtoWebSocket ConnProtocol = "WebSocket"
	ProtoModbus    ConnProtocol = "Modbus"
	ProtoIEC104    ConnProtocol = "IEC104"
)

// ConnStatus is the security classification of a connection.
type ConnStatus string

const (
	ConnAuthorised ConnStatus = "Authorised"
	ConnUnknown    ConnStatus = "Unknown"
)

// ConnectionRecord describes one inbound client connection observed by an
// RTU. Classification happens at accept time against the shared allow-list.
type ConnectionRecord struct {
	NodeID         string       `json:"node_id"`
	ClientIP       string       `json:"client_ip"`
	ClientPort     int          `json:"client_port"`
	Protocol       ConnProtocol `json:"protocol"`
	Status         ConnStatus   `json:"status"`
	ConnectedAt    time.Time    `json:"connected_at"`
	DisconnectedAt *time.Time   `json:"disconnected_at,omitempty"`
	RequestsCount  int64        `json:"requests_count"`
	BytesIn        int64        `json:"bytes_in"`
	BytesOut       int64        `json:"bytes_out"`
}

// SecurityEventType enumerates security engine events.
type SecurityEventType string

const (
	EventUnknownConnection SecurityEventType = "UnknownConnection"
	EventAuthFailure       SecurityEventType = "AuthFailure"
	EventPermissionDenied  SecurityEventType = "PermissionDenied"
	EventRateLimited       SecurityEventType = "RateLimited"
	EventBlockIssued       SecurityEventType = "BlockIssued"
)

// SecurityEvent is one security occurrence surfaced to operators.
type SecurityEvent struct {
	EventID     string            `json:"event_id"`
	Type        SecurityEventType `json:"type"`
	Severity    AlarmSeverity     `json:"severity"`
	NodeID      string            `json:"node_id,omitempty"`
	ClientIP    string            `json:"client_ip,omitempty"`
	Description string            `json:"description"`
	RaisedAt    time.Time         `json:"raised_at"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// FrequencyPoint is one point of the grid frequency trace.
type FrequencyPoint struct {
	Timestamp time.Time `json:"timestamp"`
	ValueHz   float64   `json:"value_hz"`
}

// GridSnapshot is the aggregator rollup of the whole grid.
type GridSnapshot struct {
	Timestamp         time.Time          `json:"timestamp"`
	SystemFrequencyHz float64            `json:"system_frequency_hz"`
	TotalGenerationMW float64            `json:"total_generation_mw"`
	TotalLoadMW       float64            `json:"total_load_mw"`
	GridLossesMW      float64            `json:"grid_losses_mw"`
	NodesOnline       int                `json:"nodes_online"`
	NodesOffline      int                `json:"nodes_offline"`
	NodesDegraded     int                `json:"nodes_degraded"`
	AlarmCounts       map[string]int     `json:"alarm_counts"`
	VoltageViolations []VoltageViolation `json:"voltage_violations,omitempty"`
	FrequencyTrace    []FrequencyPoint   `json:"frequency_trace,omitempty"`
}

// VoltageViolation flags a node whose bus voltage strays from nominal.
type VoltageViolation struct {
	NodeID       string  `json:"node_id"`
	VoltageKV    float64 `json:"voltage_kv"`
	NominalKV    float64 `json:"nominal_kv"`
	DeviationPct float64 `json:"deviation_pct"`
}

// AuditResult is the outcome recorded in an audit entry.
type AuditResult string

const (
	AuditSuccess AuditResult = "Success"
	AuditFailure AuditResult = "Failure"
	AuditDenied  AuditResult = "Denied"
)

// AuditEntry is one immutable audit row.
type AuditEntry struct {
	LogID        string         `json:"log_id"`
	OperatorID   string         `json:"operator_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Result       AuditResult    `json:"result"`
	IP           string         `json:"ip"`
	Timestamp    time.Time      `json:"timestamp"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
