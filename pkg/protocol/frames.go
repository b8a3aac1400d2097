// Package protocol implements the master/RTU control-channel framing:
// length-prefixed JSON frames over a persistent TCP link.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gridscope/scadasim/pkg/model"
)

// Frame kinds.
const (
	KindHello            = "hello"
	KindSnapshot         = "snapshot"
	KindTelemetry        = "telemetry"
	KindEvent            = "event"
	KindConnectionReport = "connection_report"
	KindCommand          = "command"
	KindReply            = "reply"
	KindHeartbeat        = "heartbeat"
)

// Command names carried in a command frame.
const (
	CmdSboOperate = "sbo_operate"
	CmdIsolate    = "isolate"
	CmdBlock      = "block"
	CmdPing       = "ping"
)

// Event types carried in an event frame.
const (
	EventBreakerChange = "breaker_change"
	EventAlarmRaised   = "alarm_raised"
	EventAlarmCleared  = "alarm_cleared"
)

// MaxFrameSize bounds a single frame on the wire.
const MaxFrameSize = 1 << 20

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrUnknownKind   = errors.New("unknown frame kind")
)

var knownKinds = map[string]bool{
	KindHello:            true,
	KindSnapshot:         true,
	KindTelemetry:        true,
	KindEvent:            true,
	KindConnectionReport: true,
	KindCommand:          true,
	KindReply:            true,
	KindHeartbeat:        true,
}

// Frame is the envelope for every control-channel message.
type Frame struct {
	Kind      string          `json:"kind"`
	NodeID    string          `json:"node_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Hello is sent by the RTU immediately after the master connects.
type Hello struct {
	Descriptor model.NodeDescriptor          `json:"descriptor"`
	Sequence   uint64                        `json:"sequence"`
	Breakers   map[string]model.BreakerState `json:"breakers"`
}

// Snapshot is the RTU's full current state, sent after Hello and on request.
type Snapshot struct {
	Sample      model.TelemetrySample         `json:"sample"`
	Breakers    map[string]model.BreakerState `json:"breakers"`
	Connections []model.ConnectionRecord      `json:"connections"`
}

// Event reports a state change that happened on the RTU.
type Event struct {
	Type         string             `json:"type"`
	BreakerID    string             `json:"breaker_id,omitempty"`
	BreakerState model.BreakerState `json:"breaker_state,omitempty"`
	AlarmCode    string             `json:"alarm_code,omitempty"`
	Severity     string             `json:"severity,omitempty"`
	Details      map[string]any     `json:"details,omitempty"`
}

// Command is a master-to-RTU instruction.
type Command struct {
	Name      string              `json:"name"`
	BreakerID string              `json:"breaker_id,omitempty"`
	Action    model.BreakerAction `json:"action,omitempty"`
	ClientIP  string              `json:"client_ip,omitempty"`
}

// Reply answers a command, correlated by the frame's request id.
type Reply struct {
	Result         string             `json:"result"`
	NewState       model.BreakerState `json:"new_state,omitempty"`
	ResponseTimeMS int64              `json:"response_time_ms"`
	Error          string             `json:"error,omitempty"`
}

// NewFrame wraps a payload into a frame envelope.
func NewFrame(kind, nodeID string, payload any) (Frame, error) {
	f := Frame{Kind: kind, NodeID: nodeID, Timestamp: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// Decode unmarshals the frame payload into out.
func (f Frame) Decode(out any) error {
	if err := json.Unmarshal(f.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Kind, err)
	}
	return nil
}

// WriteFrame writes one frame with a big-endian uint32 length prefix.
func WriteFrame(w io.Writer, f Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame. Unknown kinds are rejected at
// the boundary.
func ReadFrame(r io.Reader) (Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	if !knownKinds[f.Kind] {
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownKind, f.Kind)
	}
	return f, nil
}
