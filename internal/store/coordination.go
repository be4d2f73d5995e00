package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ClaimPLCLease attempts to acquire or renew the single 'plc' resource
// lease row (§4.I). Succeeds if no row exists, the row is already held
// by holder, or the existing row has expired.
func (s *Store) ClaimPLCLease(ctx context.Context, holder string, ttl time.Duration, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO plc_lease (resource, holder, expires_at)
		VALUES ('plc', $1, $2)
		ON CONFLICT (resource) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE plc_lease.holder = EXCLUDED.holder OR plc_lease.expires_at < $3
	`, holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("store: claim plc lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetPLCLease reads the current lease holder (§4.I). No write path
// consults it.
func (s *Store) GetPLCLease(ctx context.Context) (PLCLeaseRow, error) {
	var l PLCLeaseRow
	err := s.pool.QueryRow(ctx, `
		SELECT resource, holder, expires_at FROM plc_lease WHERE resource = 'plc'
	`).Scan(&l.Resource, &l.Holder, &l.ExpiresAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return PLCLeaseRow{}, nil
		}
		return PLCLeaseRow{}, fmt.Errorf("store: get plc lease: %w", err)
	}
	return l, nil
}

// ReleasePLCLease drops the lease row, e.g. on graceful Terminal 1 shutdown.
func (s *Store) ReleasePLCLease(ctx context.Context, holder string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM plc_lease WHERE resource = 'plc' AND holder = $1
	`, holder)
	if err != nil {
		return fmt.Errorf("store: release plc lease: %w", err)
	}
	return nil
}

// ClaimValveLock grants a short-lived per-valve lock only if no
// unexpired row exists for that valve (§4.I). Returns false (BLOCKED) if
// another operation currently holds it.
func (s *Store) ClaimValveLock(ctx context.Context, valveNumber int, holder, operationID string, expiresAt, now time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("store: begin valve lock claim: %w", err)
	}
	defer tx.Rollback(ctx)

	var existingExpiry time.Time
	err = tx.QueryRow(ctx, `
		SELECT expires_at FROM valve_locks WHERE valve_number = $1
	`, valveNumber).Scan(&existingExpiry)
	switch {
	case err == nil:
		if existingExpiry.After(now) {
			return false, nil
		}
	case err == pgx.ErrNoRows:
		// no existing lock, fall through to insert
	default:
		return false, fmt.Errorf("store: read valve lock: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO valve_locks (valve_number, holder, operation_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (valve_number) DO UPDATE
		SET holder = EXCLUDED.holder, operation_id = EXCLUDED.operation_id, expires_at = EXCLUDED.expires_at
	`, valveNumber, holder, operationID, expiresAt)
	if err != nil {
		return false, fmt.Errorf("store: claim valve lock: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("store: commit valve lock claim: %w", err)
	}
	return true, nil
}

// ReleaseValveLock drops a valve lock early, e.g. once a valve step
// completes well before its natural expiry.
func (s *Store) ReleaseValveLock(ctx context.Context, valveNumber int, operationID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM valve_locks WHERE valve_number = $1 AND operation_id = $2
	`, valveNumber, operationID)
	if err != nil {
		return fmt.Errorf("store: release valve lock: %w", err)
	}
	return nil
}

// InsertEmergencySignal appends a row to the emergency_signal stream
// (§4.I). Any terminal may call this.
func (s *Store) InsertEmergencySignal(ctx context.Context, source, reason, severity string, at time.Time) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO emergency_signal (source, reason, severity, created_at)
		VALUES ($1, $2, $3, $4) RETURNING id
	`, source, reason, severity, at).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert emergency signal: %w", err)
	}
	return id, nil
}

// PollEmergencySignalsSince returns all emergency_signal rows created
// after sinceID, for the ≤100ms emergency poll (§4.I/T3).
func (s *Store) PollEmergencySignalsSince(ctx context.Context, sinceID int64) ([]EmergencySignalRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source, reason, severity, created_at
		FROM emergency_signal WHERE id > $1 ORDER BY id ASC
	`, sinceID)
	if err != nil {
		return nil, fmt.Errorf("store: poll emergency signals: %w", err)
	}
	defer rows.Close()

	var out []EmergencySignalRow
	for rows.Next() {
		var e EmergencySignalRow
		if err := rows.Scan(&e.ID, &e.Source, &e.Reason, &e.Severity, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan emergency signal: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
