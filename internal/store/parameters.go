package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// LoadParameterView queries component_parameters_full once, in full —
// the registry (§4.C) is expected to call this exactly once at startup
// and hold the result immutably for the life of the process.
func (s *Store) LoadParameterView(ctx context.Context) ([]ParameterRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, parameter_name, component_name,
		       read_modbus_address, write_modbus_address,
		       read_modbus_type, write_modbus_type, data_type,
		       min_value, max_value, is_writable, unit,
		       scaling_v_min, scaling_v_max, scaling_eu_min, scaling_eu_max
		FROM component_parameters_full
	`)
	if err != nil {
		return nil, fmt.Errorf("store: load parameter view: %w", err)
	}
	defer rows.Close()

	var out []ParameterRow
	for rows.Next() {
		var p ParameterRow
		if err := rows.Scan(
			&p.ID, &p.ParameterName, &p.ComponentName,
			&p.ReadAddress, &p.WriteAddress,
			&p.ReadModbusType, &p.WriteModbusType, &p.DataType,
			&p.MinValue, &p.MaxValue, &p.IsWritable, &p.Unit,
			&p.ScalingVMin, &p.ScalingVMax, &p.ScalingEUMin, &p.ScalingEUMax,
		); err != nil {
			return nil, fmt.Errorf("store: scan parameter row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: parameter view rows: %w", err)
	}
	return out, nil
}

// InsertParameterHistoryBatch appends a batch of 1 Hz samples (§4.D/§4.E).
// Appended unconditionally whenever the machine is reachable, regardless
// of machine mode.
func (s *Store) InsertParameterHistoryBatch(ctx context.Context, rows []ParameterHistorySample) error {
	if len(rows) == 0 {
		return nil
	}
	bctx, cancel := s.batchCtx(ctx)
	defer cancel()

	batch := make([][]any, len(rows))
	for i, r := range rows {
		batch[i] = []any{r.ParameterID, r.Value, r.Timestamp, r.MachineID}
	}
	_, err := s.pool.CopyFrom(bctx,
		pgx.Identifier{"parameter_value_history"},
		[]string{"parameter_id", "value", "timestamp", "machine_id"},
		pgx.CopyFromRows(batch),
	)
	if err != nil {
		return fmt.Errorf("store: insert parameter_value_history batch: %w", err)
	}
	return nil
}

// InsertProcessDataPointsBatch appends a batch of process-tagged samples
// (§4.E). Callers MUST NOT pass a row with an empty ProcessID; this is
// enforced upstream by the Continuous Logger's processing check and
// audit.Writer.AppendDataPoints, not here.
func (s *Store) InsertProcessDataPointsBatch(ctx context.Context, rows []ProcessDataPoint) error {
	if len(rows) == 0 {
		return nil
	}
	bctx, cancel := s.batchCtx(ctx)
	defer cancel()

	batch := make([][]any, len(rows))
	for i, r := range rows {
		batch[i] = []any{r.ProcessID, r.ParameterID, r.Value, r.SetPoint, r.Timestamp}
	}
	_, err := s.pool.CopyFrom(bctx,
		pgx.Identifier{"process_data_points"},
		[]string{"process_id", "parameter_id", "value", "set_point", "timestamp"},
		pgx.CopyFromRows(batch),
	)
	if err != nil {
		return fmt.Errorf("store: insert process_data_points batch: %w", err)
	}
	return nil
}
