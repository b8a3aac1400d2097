package historian

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/gridscope/scadasim/internal/config"
)

// InfluxSink mirrors telemetry and grid metrics into InfluxDB for dashboard
// queries. Alarms, audit and security rows stay in the relational archive
// only.
type InfluxSink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// NewInfluxSink connects using the configured URL and token.
func NewInfluxSink(cfg config.InfluxConfig) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

// WriteBatch writes the time-series tables of the batch.
func (s *InfluxSink) WriteBatch(ctx context.Context, batch Batch) error {
	for _, r := range batch.Telemetry {
		fields := map[string]any{
			"voltage_kv":           r.VoltageKV,
			"current_a":            r.CurrentA,
			"active_power_mw":      r.ActivePowerMW,
			"reactive_power_mvar":  r.ReactivePowerMVAR,
			"power_factor":         r.PowerFactor,
			"frequency_hz":         r.FrequencyHz,
			"energy_delivered_mwh": r.EnergyDeliveredMWH,
			"sequence":             int64(r.Sequence),
		}
		if r.TemperatureC != nil {
			fields["temperature_c"] = *r.TemperatureC
		}
		point := influxdb2.NewPoint("telemetry",
			map[string]string{
				"node_id":       r.NodeID,
				"breaker_state": r.BreakerState,
				"quality":       r.Quality,
			},
			fields, r.Time)
		if err := s.write.WritePoint(ctx, point); err != nil {
			return fmt.Errorf("influx telemetry write: %w", err)
		}
	}

	for _, r := range batch.GridMetrics {
		point := influxdb2.NewPoint("grid_metrics",
			map[string]string{},
			map[string]any{
				"system_frequency_hz": r.SystemFrequencyHz,
				"total_generation_mw": r.TotalGenerationMW,
				"total_load_mw":       r.TotalLoadMW,
				"grid_losses_mw":      r.GridLossesMW,
				"nodes_online":        r.NodesOnline,
				"nodes_offline":       r.NodesOffline,
				"active_alarms":       r.ActiveAlarms,
				"critical_alarms":     r.CriticalAlarms,
			}, r.Time)
		if err := s.write.WritePoint(ctx, point); err != nil {
			return fmt.Errorf("influx grid metrics write: %w", err)
		}
	}
	return nil
}

// Close shuts the client down.
func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}

// TeeSink fans a batch out to several sinks; the first error wins but all
// sinks see the batch.
type TeeSink struct {
	sinks []Sink
}

// NewTeeSink combines sinks; nil entries are skipped.
func NewTeeSink(sinks ...Sink) *TeeSink {
	t := &TeeSink{}
	for _, s := range sinks {
		if s != nil {
			t.sinks = append(t.sinks, s)
		}
	}
	return t
}

func (t *TeeSink) WriteBatch(ctx context.Context, batch Batch) error {
	var firstErr error
	for _, s := range t.sinks {
		if err := s.WriteBatch(ctx, batch); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *TeeSink) Close() error {
	var firstErr error
	for _, s := range t.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
