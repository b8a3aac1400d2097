// Package master assembles the central runtime: it wires the registry,
// stores, engines and external surfaces together and supervises them.
package master

import (
	"log/slog"

	"github.com/gridscope/scadasim/internal/alarms"
	"github.com/gridscope/scadasim/internal/bus"
	"github.com/gridscope/scadasim/internal/historian"
	"github.com/gridscope/scadasim/internal/security"
	"github.com/gridscope/scadasim/internal/telemetry"
	"github.com/gridscope/scadasim/pkg/model"
	"github.com/gridscope/scadasim/pkg/protocol"
)

// ingest fans every control-channel observation out to the store, the alarm
// engine, the security engine, the dashboard bus and the historian. It is
// the registry's downstream sink; per-node ordering is preserved because the
// registry calls it from one reader goroutine per node.
type ingest struct {
	logger      *slog.Logger
	store       *telemetry.Store
	alarms      *alarms.Engine
	security    *security.Engine
	pub         bus.Publisher
	hist        *historian.Service
	descriptors map[string]model.NodeDescriptor
}

func newIngest(
	logger *slog.Logger,
	store *telemetry.Store,
	alarmEngine *alarms.Engine,
	securityEngine *security.Engine,
	pub bus.Publisher,
	hist *historian.Service,
	descriptors []model.NodeDescriptor,
) *ingest {
	byID := make(map[string]model.NodeDescriptor, len(descriptors))
	for _, d := range descriptors {
		byID[d.NodeID] = d
	}
	return &ingest{
		logger:      logger.With("component", "ingest"),
		store:       store,
		alarms:      alarmEngine,
		security:    securityEngine,
		pub:         pub,
		hist:        hist,
		descriptors: byID,
	}
}

func (in *ingest) HandleTelemetry(sample model.TelemetrySample) {
	in.store.Append(sample)
	if desc, ok := in.descriptors[sample.NodeID]; ok {
		in.alarms.Evaluate(sample, desc)
	}
	in.pub.Publish(bus.NewTelemetryUpdate(sample.NodeID, sample))
	in.hist.RecordTelemetry(sample)
}

func (in *ingest) HandleEvent(nodeID string, ev protocol.Event) {
	switch ev.Type {
	case protocol.EventAlarmRaised:
		in.alarms.HandleEvent(nodeID, ev.AlarmCode, eventSeverity(ev.Severity), false, ev.Details)
	case protocol.EventAlarmCleared:
		in.alarms.HandleEvent(nodeID, ev.AlarmCode, eventSeverity(ev.Severity), true, ev.Details)
	case protocol.EventBreakerChange:
		// Breaker tables are maintained by the registry; a trip surfaces as
		// an alarm on the next telemetry sample.
		in.logger.Info("breaker change reported",
			"node_id", nodeID, "breaker_id", ev.BreakerID, "state", string(ev.BreakerState))
	default:
		in.logger.Warn("unknown rtu event", "node_id", nodeID, "type", ev.Type)
	}
}

func (in *ingest) HandleConnectionReport(rec model.ConnectionRecord) {
	in.security.ReportConnection(rec)
}

func eventSeverity(s string) model.AlarmSeverity {
	switch model.AlarmSeverity(s) {
	case model.SeverityInfo, model.SeverityWarning, model.SeverityCritical:
		return model.AlarmSeverity(s)
	default:
		return model.SeverityWarning
	}
}

// gridRecorder tees aggregator rollups into the historian on their way to
// the dashboard bus.
type gridRecorder struct {
	pub  bus.Publisher
	hist *historian.Service
}

func (g gridRecorder) Publish(msg any) {
	if update, ok := msg.(bus.GridOverviewUpdate); ok {
		g.hist.RecordGridMetrics(update.Grid)
	}
	g.pub.Publish(msg)
}
