package coordination

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/machinestate"
	"github.com/ald-control/ald-control-plane/internal/observability"
	"github.com/ald-control/ald-control-plane/internal/store"
)

// emergencyStore is the slice of *store.Store the emergency monitor needs.
type emergencyStore interface {
	InsertEmergencySignal(ctx context.Context, source, reason, severity string, at time.Time) (int64, error)
	PollEmergencySignalsSince(ctx context.Context, sinceID int64) ([]store.EmergencySignalRow, error)
	SetMachineEmergency(ctx context.Context, machineID string) error
}

// SafeStater drives every owned output (valves, purge) to a safe state.
// Only Terminal 1 has a non-nil one of these; Terminals 2 and 3 still
// latch their local emergency state but drive no outputs safe. The
// command pollers (cmdsource, paramctl) do not consult the latch, so no
// terminal refuses new commands while it is set.
type SafeStater interface {
	DriveSafeState(ctx context.Context) error
}

// EmergencyMonitor implements §4.I's emergency propagation: polls the
// emergency_signal stream at a tight interval (default 100ms) and, on
// seeing a new row, latches the local emergency state, marks the
// machine row emergency, and (if this terminal owns outputs) drives
// them safe. A row with severity "reset" clears the latch.
type EmergencyMonitor struct {
	st        emergencyStore
	state     *machinestate.State
	safe      SafeStater
	log       *zap.Logger
	metric    *observability.Metrics
	machineID string
	source    string
	interval  time.Duration

	sinceID int64

	stopCh chan struct{}
	done   chan struct{}
}

// NewEmergencyMonitor constructs a monitor. safe may be nil for
// terminals that own no outputs.
func NewEmergencyMonitor(st emergencyStore, state *machinestate.State, safe SafeStater, log *zap.Logger, metric *observability.Metrics, machineID, source string, interval time.Duration) *EmergencyMonitor {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &EmergencyMonitor{
		st: st, state: state, safe: safe, log: log, metric: metric,
		machineID: machineID, source: source, interval: interval,
		stopCh: make(chan struct{}), done: make(chan struct{}),
	}
}

// Start launches the poll loop.
func (m *EmergencyMonitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop cancels the poll loop cooperatively.
func (m *EmergencyMonitor) Stop() {
	close(m.stopCh)
	<-m.done
}

func (m *EmergencyMonitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *EmergencyMonitor) pollOnce(ctx context.Context) {
	rows, err := m.st.PollEmergencySignalsSince(ctx, m.sinceID)
	if err != nil {
		m.log.Error("coordination: emergency poll failed", zap.Error(err))
		return
	}
	for _, row := range rows {
		m.sinceID = row.ID
		m.handle(ctx, row)
	}
}

func (m *EmergencyMonitor) handle(ctx context.Context, row store.EmergencySignalRow) {
	if row.Severity == "reset" {
		m.state.Reset()
		m.log.Info("coordination: emergency reset observed", zap.Int64("signal_id", row.ID))
		return
	}

	if m.metric != nil {
		m.metric.EmergencySignalsTotal.Inc()
		m.metric.EmergencyPropagationLatency.Observe(time.Since(row.CreatedAt).Seconds())
	}

	if !m.state.EnterEmergency() {
		return // already latched; nothing new to do
	}

	m.log.Warn("coordination: emergency latched",
		zap.String("source", row.Source), zap.String("reason", row.Reason), zap.String("severity", row.Severity))

	if err := m.st.SetMachineEmergency(ctx, m.machineID); err != nil {
		m.log.Error("coordination: failed to mark machine emergency", zap.Error(err))
	}
	if m.safe != nil {
		if err := m.safe.DriveSafeState(ctx); err != nil {
			m.log.Error("coordination: failed to drive outputs to a safe state", zap.Error(err))
		}
	}
}

// Raise inserts a new emergency_signal row. Any terminal may call this
// (§4.I: "any terminal can insert a row").
func (m *EmergencyMonitor) Raise(ctx context.Context, reason, severity string) error {
	_, err := m.st.InsertEmergencySignal(ctx, m.source, reason, severity, time.Now())
	return err
}

// IsInEmergency reports the local latch, cheap enough to call on every
// command dispatch to refuse new work per §4.I.
func (m *EmergencyMonitor) IsInEmergency() bool {
	return m.state.InEmergency()
}
