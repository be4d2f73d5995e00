package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetMachine reads the single machine-state row (§3 Machine state). The
// Continuous Logger caches this for at most LoggerConfig.StateCacheTTL
// rather than calling it once per cycle.
func (s *Store) GetMachine(ctx context.Context, machineID string) (MachineRow, error) {
	var m MachineRow
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, current_process_id, last_heartbeat
		FROM machines WHERE id = $1
	`, machineID).Scan(&m.ID, &m.Status, &m.CurrentProcessID, &m.LastHeartbeat)
	if err != nil {
		if err == pgx.ErrNoRows {
			return MachineRow{}, fmt.Errorf("store: machine %s not found: %w", machineID, err)
		}
		return MachineRow{}, fmt.Errorf("store: get machine: %w", err)
	}
	return m, nil
}

// SetMachineProcessing transitions the machine into the processing mode
// for the given process. Called by the Recipe Executor on recipe start.
func (s *Store) SetMachineProcessing(ctx context.Context, machineID, processID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE machines SET status = 'processing', current_process_id = $2
		WHERE id = $1
	`, machineID, processID)
	if err != nil {
		return fmt.Errorf("store: set machine processing: %w", err)
	}
	return nil
}

// SetMachineIdle clears current_process_id and returns the machine to
// idle. Called by the Recipe Executor on completion, abort, or failure.
func (s *Store) SetMachineIdle(ctx context.Context, machineID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE machines SET status = 'idle', current_process_id = NULL
		WHERE id = $1
	`, machineID)
	if err != nil {
		return fmt.Errorf("store: set machine idle: %w", err)
	}
	return nil
}

// SetMachineEmergency latches the machine into the emergency status
// (§4.I). Any terminal observing an emergency signal calls this.
func (s *Store) SetMachineEmergency(ctx context.Context, machineID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE machines SET status = 'emergency' WHERE id = $1
	`, machineID)
	if err != nil {
		return fmt.Errorf("store: set machine emergency: %w", err)
	}
	return nil
}

// Heartbeat updates last_heartbeat for the graceful-degradation check
// (§4.I: a terminal with no heartbeat in 3x period is logically evicted).
func (s *Store) Heartbeat(ctx context.Context, machineID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE machines SET last_heartbeat = $2 WHERE id = $1
	`, machineID, at)
	if err != nil {
		return fmt.Errorf("store: heartbeat: %w", err)
	}
	return nil
}
