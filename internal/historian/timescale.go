package historian

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// schema mirrors the archive layout: hypertables for the high-volume
// tables, plain tables for the low-volume ones. Statements are idempotent
// so startup can always run them.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS telemetry (
		time TIMESTAMPTZ NOT NULL,
		node_id TEXT NOT NULL,
		sequence BIGINT NOT NULL,
		voltage_kv DOUBLE PRECISION,
		current_a DOUBLE PRECISION,
		active_power_mw DOUBLE PRECISION,
		reactive_power_mvar DOUBLE PRECISION,
		power_factor DOUBLE PRECISION,
		frequency_hz DOUBLE PRECISION,
		temperature_c DOUBLE PRECISION,
		breaker_state TEXT,
		energy_delivered_mwh DOUBLE PRECISION,
		quality TEXT
	)`,
	`SELECT create_hypertable('telemetry', 'time', if_not_exists => TRUE)`,
	`SELECT add_retention_policy('telemetry', INTERVAL '30 days', if_not_exists => TRUE)`,
	`CREATE MATERIALIZED VIEW IF NOT EXISTS telemetry_hourly
		WITH (timescaledb.continuous) AS
		SELECT time_bucket('1 hour', time) AS bucket,
			node_id,
			avg(frequency_hz) AS avg_frequency_hz,
			avg(voltage_kv) AS avg_voltage_kv,
			avg(active_power_mw) AS avg_active_power_mw,
			max(active_power_mw) AS max_active_power_mw,
			max(energy_delivered_mwh) AS energy_delivered_mwh
		FROM telemetry
		GROUP BY bucket, node_id
		WITH NO DATA`,

	`CREATE TABLE IF NOT EXISTS grid_metrics (
		time TIMESTAMPTZ NOT NULL,
		system_frequency_hz DOUBLE PRECISION,
		total_generation_mw DOUBLE PRECISION,
		total_load_mw DOUBLE PRECISION,
		grid_losses_mw DOUBLE PRECISION,
		nodes_online INT,
		nodes_offline INT,
		active_alarms INT,
		critical_alarms INT
	)`,
	`SELECT create_hypertable('grid_metrics', 'time', if_not_exists => TRUE)`,
	`SELECT add_retention_policy('grid_metrics', INTERVAL '7 days', if_not_exists => TRUE)`,

	`CREATE TABLE IF NOT EXISTS alarms (
		time TIMESTAMPTZ NOT NULL,
		alarm_id UUID NOT NULL,
		node_id TEXT NOT NULL,
		code TEXT NOT NULL,
		severity TEXT NOT NULL,
		state TEXT NOT NULL,
		details JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS alarms_node_time_idx ON alarms (node_id, time DESC)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		time TIMESTAMPTZ NOT NULL,
		log_id UUID NOT NULL,
		operator_id TEXT NOT NULL,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT,
		result TEXT NOT NULL,
		ip TEXT,
		metadata JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS audit_operator_time_idx ON audit_log (operator_id, time DESC)`,

	`CREATE TABLE IF NOT EXISTS security_events (
		time TIMESTAMPTZ NOT NULL,
		event_id UUID NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		node_id TEXT,
		client_ip TEXT,
		description TEXT,
		metadata JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS security_time_idx ON security_events (time DESC)`,
}

// TimescaleSink writes batches into TimescaleDB using COPY.
type TimescaleSink struct {
	db *sql.DB
}

// NewTimescaleSink opens the archive database and ensures the schema.
func NewTimescaleSink(ctx context.Context, dsn string) (*TimescaleSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping archive db: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	return &TimescaleSink{db: db}, nil
}

// WriteBatch copies every table of the batch inside one transaction.
func (t *TimescaleSink) WriteBatch(ctx context.Context, batch Batch) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := copyTelemetry(tx, batch.Telemetry); err != nil {
		return err
	}
	if err := copyGridMetrics(tx, batch.GridMetrics); err != nil {
		return err
	}
	if err := copyAlarms(tx, batch.Alarms); err != nil {
		return err
	}
	if err := copyAudit(tx, batch.Audit); err != nil {
		return err
	}
	if err := copySecurity(tx, batch.Security); err != nil {
		return err
	}
	return tx.Commit()
}

func (t *TimescaleSink) Close() error { return t.db.Close() }

func copyRows(tx *sql.Tx, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(pq.CopyIn(table, columns...))
	if err != nil {
		return fmt.Errorf("prepare copy %s: %w", table, err)
	}
	for _, row := range rows {
		if _, err := stmt.Exec(row...); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("copy %s: %w", table, err)
		}
	}
	if _, err := stmt.Exec(); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("finish copy %s: %w", table, err)
	}
	return stmt.Close()
}

func copyTelemetry(tx *sql.Tx, rows []TelemetryRow) error {
	out := make([][]any, len(rows))
	for i, r := range rows {
		var temp any
		if r.TemperatureC != nil {
			temp = *r.TemperatureC
		}
		out[i] = []any{r.Time, r.NodeID, int64(r.Sequence), r.VoltageKV, r.CurrentA,
			r.ActivePowerMW, r.ReactivePowerMVAR, r.PowerFactor, r.FrequencyHz,
			temp, r.BreakerState, r.EnergyDeliveredMWH, r.Quality}
	}
	return copyRows(tx, "telemetry", []string{"time", "node_id", "sequence", "voltage_kv",
		"current_a", "active_power_mw", "reactive_power_mvar", "power_factor",
		"frequency_hz", "temperature_c", "breaker_state", "energy_delivered_mwh", "quality"}, out)
}

func copyGridMetrics(tx *sql.Tx, rows []GridMetricsRow) error {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = []any{r.Time, r.SystemFrequencyHz, r.TotalGenerationMW, r.TotalLoadMW,
			r.GridLossesMW, r.NodesOnline, r.NodesOffline, r.ActiveAlarms, r.CriticalAlarms}
	}
	return copyRows(tx, "grid_metrics", []string{"time", "system_frequency_hz",
		"total_generation_mw", "total_load_mw", "grid_losses_mw", "nodes_online",
		"nodes_offline", "active_alarms", "critical_alarms"}, out)
}

func copyAlarms(tx *sql.Tx, rows []AlarmRow) error {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = []any{r.Time, r.AlarmID, r.NodeID, r.Code, r.Severity, r.State, string(r.Details)}
	}
	return copyRows(tx, "alarms", []string{"time", "alarm_id", "node_id", "code",
		"severity", "state", "details"}, out)
}

func copyAudit(tx *sql.Tx, rows []AuditRow) error {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = []any{r.Time, r.LogID, r.OperatorID, r.Action, r.ResourceType,
			r.ResourceID, r.Result, r.IP, string(r.Metadata)}
	}
	return copyRows(tx, "audit_log", []string{"time", "log_id", "operator_id", "action",
		"resource_type", "resource_id", "result", "ip", "metadata"}, out)
}

func copySecurity(tx *sql.Tx, rows []SecurityRow) error {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = []any{r.Time, r.EventID, r.Type, r.Severity, r.NodeID, r.ClientIP,
			r.Description, string(r.Metadata)}
	}
	return copyRows(tx, "security_events", []string{"time", "event_id", "type", "severity",
		"node_id", "client_ip", "description", "metadata"}, out)
}
