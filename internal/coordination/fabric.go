package coordination

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/config"
	"github.com/ald-control/ald-control-plane/internal/machinestate"
	"github.com/ald-control/ald-control-plane/internal/observability"
	"github.com/ald-control/ald-control-plane/internal/registry"
	"github.com/ald-control/ald-control-plane/internal/store"
)

// heartbeatStore is the slice of *store.Store the degradation check needs.
type heartbeatStore interface {
	Heartbeat(ctx context.Context, machineID string, at time.Time) error
	GetMachine(ctx context.Context, machineID string) (store.MachineRow, error)
}

// fabricStore is the full store surface the coordination fabric depends
// on, satisfied structurally by *store.Store. Exists so tests can
// inject a single fake in place of a live store.
type fabricStore interface {
	leaseStore
	valveLockStore
	emergencyStore
	heartbeatStore
}

// valveCoilWriter is the slice of *plc.Communicator the safe-state
// routine needs.
type valveCoilWriter interface {
	WriteCoil(ctx context.Context, addr uint16, on bool) error
}

// PLCOutputSafer drives every owned output to a safe state: all
// numbered valves closed, purge off. New constructs one only for
// Terminal 1 (isPlcOwner), although every terminal has its own PLC
// connection.
type PLCOutputSafer struct {
	plc valveCoilWriter
	reg *registry.Registry
	log *zap.Logger
}

// NewPLCOutputSafer constructs a safe-stater over the registry's
// numbered valves and purge trigger.
func NewPLCOutputSafer(plcClient valveCoilWriter, reg *registry.Registry, log *zap.Logger) *PLCOutputSafer {
	return &PLCOutputSafer{plc: plcClient, reg: reg, log: log}
}

// DriveSafeState closes every numbered valve and the purge trigger,
// logging (not aborting) any individual write failure so one stuck
// valve doesn't stop the rest from being commanded closed.
func (p *PLCOutputSafer) DriveSafeState(ctx context.Context) error {
	var firstErr error
	for _, v := range p.reg.AllValves() {
		if v.WriteAddress == nil {
			continue
		}
		if err := p.plc.WriteCoil(ctx, *v.WriteAddress, false); err != nil {
			p.log.Error("coordination: failed to close valve during emergency safe state",
				zap.String("parameter_id", v.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if trigger, err := p.reg.PurgeTrigger(); err == nil && trigger.WriteAddress != nil {
		if err := p.plc.WriteCoil(ctx, *trigger.WriteAddress, false); err != nil {
			p.log.Error("coordination: failed to disable purge during emergency safe state", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Fabric bundles the three coordination sub-mechanisms (§4.I) plus the
// heartbeat loop that feeds graceful degradation. Lease is nil for
// Terminal 2/3 processes; they still reach the PLC through their own
// Communicator.
type Fabric struct {
	Lease      *PLCLease // nil unless this terminal owns the PLC
	ValveLocks *ValveLocks
	Emergency  *EmergencyMonitor

	st        heartbeatStore
	log       *zap.Logger
	metric    *observability.Metrics
	machineID string
	period    time.Duration
	missed    int

	stopCh chan struct{}
	done   chan struct{}
}

// New constructs the full coordination fabric for one terminal process.
// lease and safe may be nil (Terminal 2/3 has no PLC lease and nothing
// of its own to drive safe).
func New(st fabricStore, reg *registry.Registry, plcClient valveCoilWriter, state *machinestate.State, log *zap.Logger, metric *observability.Metrics, machineID, holder string, isPlcOwner bool, cfg config.CoordinationConfig) *Fabric {
	var lease *PLCLease
	if isPlcOwner {
		lease = NewPLCLease(st, log, metric, holder, cfg.LeaseTTL, cfg.LeaseHeartbeat)
	}

	var safe SafeStater
	if isPlcOwner && plcClient != nil {
		safe = NewPLCOutputSafer(plcClient, reg, log)
	}

	return &Fabric{
		Lease:      lease,
		ValveLocks: NewValveLocks(st, log, metric, holder, cfg.ValveLockMargin),
		Emergency:  NewEmergencyMonitor(st, state, safe, log, metric, machineID, holder, cfg.EmergencyPoll),
		st:         st, log: log, metric: metric, machineID: machineID,
		period: cfg.HeartbeatPeriod, missed: cfg.MissedBeats,
		stopCh: make(chan struct{}), done: make(chan struct{}),
	}
}

// Start launches the lease renewal loop (if this terminal owns the
// PLC), the emergency poller, and this terminal's own heartbeat loop.
func (f *Fabric) Start(ctx context.Context) {
	if f.Lease != nil {
		f.Lease.Start(ctx)
	}
	f.Emergency.Start(ctx)
	go f.heartbeatLoop(ctx)
}

// Stop tears every sub-mechanism down, releasing the lease last so any
// in-flight renewal has already stopped.
func (f *Fabric) Stop(ctx context.Context) {
	close(f.stopCh)
	<-f.done
	f.Emergency.Stop()
	if f.Lease != nil {
		f.Lease.Stop(ctx)
	}
}

func (f *Fabric) heartbeatLoop(ctx context.Context) {
	defer close(f.done)
	period := f.period
	if period <= 0 {
		period = 5 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case <-ticker.C:
			if err := f.st.Heartbeat(ctx, f.machineID, time.Now()); err != nil {
				f.log.Error("coordination: heartbeat failed", zap.Error(err))
			}
		}
	}
}

// Degraded reports whether the machine's last recorded heartbeat is
// older than MissedBeats * HeartbeatPeriod, i.e. whatever terminal was
// supposed to keep it fresh is logically evicted (§4.I graceful
// degradation). The store's machines row carries one heartbeat shared
// by whichever terminal last wrote it; this is a coarser signal than a
// genuinely per-terminal heartbeat table, adequate for a single-machine
// deployment of three cooperating terminals.
func (f *Fabric) Degraded(ctx context.Context) (bool, error) {
	m, err := f.st.GetMachine(ctx, f.machineID)
	if err != nil {
		return false, fmt.Errorf("coordination: degradation check: %w", err)
	}
	missed := f.missed
	if missed <= 0 {
		missed = 3
	}
	period := f.period
	if period <= 0 {
		period = 5 * time.Second
	}
	return time.Since(m.LastHeartbeat) > time.Duration(missed)*period, nil
}
