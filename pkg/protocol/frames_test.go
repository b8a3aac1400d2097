package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridscope/scadasim/pkg/model"
)

func TestFrameRoundTrip(t *testing.T) {
	temp := 74.2
	sample := model.TelemetrySample{
		NodeID:        "SUB-001",
		Sequence:      42,
		Timestamp:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		VoltageKV:     398.5,
		CurrentA:      210.4,
		ActivePowerMW: 145.0,
		FrequencyHz:   49.98,
		TemperatureC:  &temp,
		BreakerState:  model.BreakerClosed,
		Quality:       model.QualityGood,
	}

	frame, err := NewFrame(KindTelemetry, "SUB-001", sample)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, frame))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindTelemetry, got.Kind)
	assert.Equal(t, "SUB-001", got.NodeID)

	var decoded model.TelemetrySample
	require.NoError(t, got.Decode(&decoded))
	assert.Equal(t, sample, decoded)
}

func TestFrameStreamOrder(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 5; i++ {
		f, err := NewFrame(KindHeartbeat, "GEN-001", nil)
		require.NoError(t, err)
		f.RequestID = string(rune('a' + i))
		require.NoError(t, WriteFrame(&buf, f))
	}
	for i := 0; i < 5; i++ {
		f, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, string(rune('a'+i)), f.RequestID)
	}
}

func TestReadFrameRejectsUnknownKind(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{"kind":"mystery","timestamp":"2025-03-01T12:00:00Z"}`)
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	buf.Write(prefix[:])
	buf.Write(body)

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
	buf.Write(prefix[:])

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestCommandReplyCorrelation(t *testing.T) {
	cmd := Command{Name: CmdSboOperate, BreakerID: "BRK-01", Action: model.ActionOpen}
	frame, err := NewFrame(KindCommand, "SUB-001", cmd)
	require.NoError(t, err)
	frame.RequestID = "req-123"

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, frame))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)

	var decoded Command
	require.NoError(t, got.Decode(&decoded))
	assert.Equal(t, "req-123", got.RequestID)
	assert.Equal(t, CmdSboOperate, decoded.Name)
	assert.Equal(t, model.ActionOpen, decoded.Action)
}
