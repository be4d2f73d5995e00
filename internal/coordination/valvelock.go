package coordination

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/ctlerr"
	"github.com/ald-control/ald-control-plane/internal/observability"
)

// valveLockStore is the slice of *store.Store the valve lock needs.
type valveLockStore interface {
	ClaimValveLock(ctx context.Context, valveNumber int, holder, operationID string, expiresAt, now time.Time) (bool, error)
	ReleaseValveLock(ctx context.Context, valveNumber int, operationID string) error
}

// ValveLocks implements §4.I's valve serialization mechanism: the Recipe
// Executor acquires this lock around each valve step. The Parameter
// Controller does not take valve locks. The lock
// duration matches the caller's intended operation length plus a safety
// margin, so a crashed holder's lock self-expires rather than wedging
// the valve forever.
type ValveLocks struct {
	st     valveLockStore
	log    *zap.Logger
	metric *observability.Metrics
	holder string
	margin time.Duration
}

// NewValveLocks constructs a lock manager for the given holder identity.
func NewValveLocks(st valveLockStore, log *zap.Logger, metric *observability.Metrics, holder string, margin time.Duration) *ValveLocks {
	if margin <= 0 {
		margin = 2 * time.Second
	}
	return &ValveLocks{st: st, log: log, metric: metric, holder: holder, margin: margin}
}

// Acquire grants the lock for valveNumber if no unexpired row exists,
// sized to cover intendedDuration plus the configured safety margin.
// Returns a ctlerr.StoreUnavailable error only on store failure; a
// clean BLOCKED outcome is reported via the ok return, not an error, so
// callers can retry or fail the step without treating contention as a
// hard fault.
func (v *ValveLocks) Acquire(ctx context.Context, valveNumber int, operationID string, intendedDuration time.Duration) (ok bool, err error) {
	expiresAt := time.Now().Add(intendedDuration + v.margin)
	granted, err := v.st.ClaimValveLock(ctx, valveNumber, v.holder, operationID, expiresAt, time.Now())
	if err != nil {
		return false, ctlerr.New(ctlerr.StoreUnavailable, "coordination.valve_lock", err)
	}
	if granted && v.metric != nil {
		v.metric.ValveLocksHeld.Inc()
	}
	return granted, nil
}

// Release drops the lock early, e.g. immediately after a valve step
// completes well before its natural expiry.
func (v *ValveLocks) Release(ctx context.Context, valveNumber int, operationID string) error {
	if err := v.st.ReleaseValveLock(ctx, valveNumber, operationID); err != nil {
		v.log.Error("coordination: valve lock release failed", zap.Error(err),
			zap.Int("valve_number", valveNumber))
		return err
	}
	if v.metric != nil {
		v.metric.ValveLocksHeld.Dec()
	}
	return nil
}
