package bus

import (
	"time"

	"github.com/gridscope/scadasim/pkg/model"
)

// Message type tags. Every frame delivered to a dashboard is a JSON object
// whose "type" field carries one of these.
const (
	TypeFullStateSnapshot  = "FullStateSnapshot"
	TypeGridOverviewUpdate = "GridOverviewUpdate"
	TypeTelemetryUpdate    = "TelemetryUpdate"
	TypeAlarmRaised        = "AlarmRaised"
	TypeAlarmCleared       = "AlarmCleared"
	TypeAlarmAcknowledged  = "AlarmAcknowledged"
	TypeUnknownConnection  = "UnknownConnection"
	TypeSecurityEvent      = "SecurityEvent"
	TypeNodeStateChanged   = "NodeStateChanged"
	TypeHeartbeat          = "Heartbeat"
	TypeResync             = "Resync"
)

// FullStateSnapshot is the first frame a subscriber receives.
type FullStateSnapshot struct {
	Type       string                    `json:"type"`
	Grid       model.GridSnapshot        `json:"grid"`
	Nodes      []model.NodeRuntimeRecord `json:"nodes"`
	OpenAlarms []model.Alarm             `json:"open_alarms"`
	Security   SecurityCounters          `json:"security"`
	Timestamp  time.Time                 `json:"timestamp"`
}

// SecurityCounters summarises the connections view for the snapshot.
type SecurityCounters struct {
	Authorised int `json:"authorised"`
	Unknown    int `json:"unknown"`
	Blocked    int `json:"blocked"`
}

// GridOverviewUpdate carries a new aggregator rollup.
type GridOverviewUpdate struct {
	Type string             `json:"type"`
	Grid model.GridSnapshot `json:"grid"`
}

// TelemetryUpdate carries one node sample.
type TelemetryUpdate struct {
	Type   string                `json:"type"`
	NodeID string                `json:"node_id"`
	Sample model.TelemetrySample `json:"sample"`
}

// AlarmMessage carries an alarm transition; Type distinguishes raised,
// cleared and acknowledged.
type AlarmMessage struct {
	Type  string      `json:"type"`
	Alarm model.Alarm `json:"alarm"`
}

// UnknownConnectionMessage flags an unauthorised client on an RTU.
type UnknownConnectionMessage struct {
	Type       string                 `json:"type"`
	Connection model.ConnectionRecord `json:"connection"`
}

// SecurityEventMessage carries any other security event.
type SecurityEventMessage struct {
	Type  string              `json:"type"`
	Event model.SecurityEvent `json:"event"`
}

// NodeStateChanged reports a link state transition.
type NodeStateChanged struct {
	Type   string          `json:"type"`
	NodeID string          `json:"node_id"`
	From   model.LinkState `json:"from"`
	To     model.LinkState `json:"to"`
}

// Heartbeat is the 5 s liveness frame.
type Heartbeat struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Resync tells a slow subscriber its stream has a gap and it must request a
// fresh snapshot.
type Resync struct {
	Type string `json:"type"`
}

func NewGridOverviewUpdate(s model.GridSnapshot) GridOverviewUpdate {
	return GridOverviewUpdate{Type: TypeGridOverviewUpdate, Grid: s}
}

func NewTelemetryUpdate(nodeID string, s model.TelemetrySample) TelemetryUpdate {
	return TelemetryUpdate{Type: TypeTelemetryUpdate, NodeID: nodeID, Sample: s}
}

func NewAlarmMessage(typ string, a model.Alarm) AlarmMessage {
	return AlarmMessage{Type: typ, Alarm: a}
}

func NewUnknownConnection(rec model.ConnectionRecord) UnknownConnectionMessage {
	return UnknownConnectionMessage{Type: TypeUnknownConnection, Connection: rec}
}

func NewSecurityEvent(ev model.SecurityEvent) SecurityEventMessage {
	return SecurityEventMessage{Type: TypeSecurityEvent, Event: ev}
}

func NewNodeStateChanged(nodeID string, from, to model.LinkState) NodeStateChanged {
	return NodeStateChanged{Type: TypeNodeStateChanged, NodeID: nodeID, From: from, To: to}
}
