package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PollRecipeCommands returns unclaimed recipe_commands addressed to
// machineID or to no machine in particular (§4.H), oldest first.
func (s *Store) PollRecipeCommands(ctx context.Context, machineID string) ([]RecipeCommandRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, status, machine_id, parameters, created_at, executed_at, completed_at
		FROM recipe_commands
		WHERE executed_at IS NULL AND (machine_id = $1 OR machine_id IS NULL)
		ORDER BY created_at ASC
	`, machineID)
	if err != nil {
		return nil, fmt.Errorf("store: poll recipe commands: %w", err)
	}
	defer rows.Close()

	var out []RecipeCommandRow
	for rows.Next() {
		var c RecipeCommandRow
		if err := rows.Scan(&c.ID, &c.Type, &c.Status, &c.MachineID, &c.Parameters, &c.CreatedAt, &c.ExecutedAt, &c.CompletedAt); err != nil {
			return nil, fmt.Errorf("store: scan recipe command: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimRecipeCommand atomically marks a row claimed via a conditional
// update (§4.H/R2). Returns false if another claimant won the race.
func (s *Store) ClaimRecipeCommand(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recipe_commands SET executed_at = $2
		WHERE id = $1 AND executed_at IS NULL
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("store: claim recipe command: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteRecipeCommand closes out a recipe command with a terminal
// status and optional error.
func (s *Store) CompleteRecipeCommand(ctx context.Context, id string, status string, errMsg *string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE recipe_commands SET status = $2, completed_at = $3, error_message = $4
		WHERE id = $1
	`, id, status, at, errMsg)
	if err != nil {
		return fmt.Errorf("store: complete recipe command: %w", err)
	}
	return nil
}

// PollParameterControlCommands returns unclaimed parameter_control_commands
// addressed to machineID or global (§4.G), oldest first.
func (s *Store) PollParameterControlCommands(ctx context.Context, machineID string) ([]ParameterControlCommandRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, machine_id, parameter_name, component_parameter_id,
		       raw_modbus_address, data_type, target_value,
		       created_at, executed_at, completed_at, error_message
		FROM parameter_control_commands
		WHERE executed_at IS NULL AND (machine_id = $1 OR machine_id IS NULL)
		ORDER BY created_at ASC
	`, machineID)
	if err != nil {
		return nil, fmt.Errorf("store: poll parameter control commands: %w", err)
	}
	defer rows.Close()

	var out []ParameterControlCommandRow
	for rows.Next() {
		var c ParameterControlCommandRow
		if err := rows.Scan(&c.ID, &c.MachineID, &c.ParameterName, &c.ComponentParameterID,
			&c.RawModbusAddress, &c.DataType, &c.TargetValue,
			&c.CreatedAt, &c.ExecutedAt, &c.CompletedAt, &c.ErrorMessage); err != nil {
			return nil, fmt.Errorf("store: scan parameter control command: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimParameterControlCommand atomically sets executed_at via the same
// conditional-update idiom as ClaimRecipeCommand.
func (s *Store) ClaimParameterControlCommand(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE parameter_control_commands SET executed_at = $2
		WHERE id = $1 AND executed_at IS NULL
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("store: claim parameter control command: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteParameterControlCommand sets completed_at and, on failure, an
// error_message (§4.G step 6 — the row is its own audit record, so there
// is no separate audit insert here).
func (s *Store) CompleteParameterControlCommand(ctx context.Context, id string, errMsg *string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE parameter_control_commands SET completed_at = $2, error_message = $3
		WHERE id = $1
	`, id, at, errMsg)
	if err != nil {
		return fmt.Errorf("store: complete parameter control command: %w", err)
	}
	return nil
}

// InsertValveAuditBatch writes the Recipe Executor's per-effect audit
// rows into parameter_control_commands (§4.F: "emit one audit row per
// observable effect") as a single batch, the same
// buffered/retried/DLQ-backed path the other two audit streams go
// through (§4.D) rather than a lone unretried INSERT. Rows are
// pre-completed since the executor performs the write and verification
// synchronously and records the outcome in one insert.
func (s *Store) InsertValveAuditBatch(ctx context.Context, rows []ValveAuditRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := make([][]any, len(rows))
	for i, r := range rows {
		batch[i] = []any{r.MachineID, r.ParameterName, r.TargetValue, r.ExecutedAt, r.CompletedAt, r.ErrorMessage}
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"parameter_control_commands"},
		[]string{"machine_id", "parameter_name", "target_value", "executed_at", "completed_at", "error_message"},
		pgx.CopyFromRows(batch),
	)
	if err != nil {
		return fmt.Errorf("store: insert valve audit batch: %w", err)
	}
	return nil
}

// ReclaimStaleParameterControlCommands resets rows whose executed_at was
// set more than claimTimeout ago but never completed (§7: "MAY be
// re-claimed by a recovery task, which writes an error and resets the
// row"). Returns the number of rows reclaimed.
func (s *Store) ReclaimStaleParameterControlCommands(ctx context.Context, claimTimeout time.Duration, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE parameter_control_commands
		SET executed_at = NULL, error_message = 'reclaimed: exceeded claim timeout'
		WHERE executed_at IS NOT NULL
		  AND completed_at IS NULL
		  AND executed_at < $1
	`, now.Add(-claimTimeout))
	if err != nil {
		return 0, fmt.Errorf("store: reclaim stale parameter control commands: %w", err)
	}
	return tag.RowsAffected(), nil
}
