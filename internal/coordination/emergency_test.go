package coordination

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/machinestate"
	"github.com/ald-control/ald-control-plane/internal/observability"
	"github.com/ald-control/ald-control-plane/internal/store"
)

type fakeEmergencyStore struct {
	mu          sync.Mutex
	rows        []store.EmergencySignalRow
	markedEmerg bool
	nextID      int64
}

func (f *fakeEmergencyStore) InsertEmergencySignal(ctx context.Context, source, reason, severity string, at time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.rows = append(f.rows, store.EmergencySignalRow{ID: f.nextID, Source: source, Reason: reason, Severity: severity, CreatedAt: at})
	return f.nextID, nil
}

func (f *fakeEmergencyStore) PollEmergencySignalsSince(ctx context.Context, sinceID int64) ([]store.EmergencySignalRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.EmergencySignalRow
	for _, r := range f.rows {
		if r.ID > sinceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeEmergencyStore) SetMachineEmergency(ctx context.Context, machineID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedEmerg = true
	return nil
}

type fakeSafeStater struct {
	mu     sync.Mutex
	driven int
}

func (f *fakeSafeStater) DriveSafeState(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.driven++
	return nil
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEmergencyMonitorLatchesAndDrivesSafeState(t *testing.T) {
	st := &fakeEmergencyStore{}
	state := machinestate.New()
	safe := &fakeSafeStater{}
	mon := NewEmergencyMonitor(st, state, safe, zap.NewNop(), observability.NewMetrics(), "m1", "terminal_2", 5*time.Millisecond)

	mon.Start(context.Background())
	defer mon.Stop()

	if err := mon.Raise(context.Background(), "overpressure", "critical"); err != nil {
		t.Fatalf("Raise: %v", err)
	}

	waitUntil(t, mon.IsInEmergency)

	st.mu.Lock()
	marked := st.markedEmerg
	st.mu.Unlock()
	if !marked {
		t.Error("expected machine to be marked emergency in the store")
	}
	safe.mu.Lock()
	driven := safe.driven
	safe.mu.Unlock()
	if driven != 1 {
		t.Errorf("expected safe state driven exactly once, got %d", driven)
	}
}

func TestEmergencyMonitorResetClearsLatch(t *testing.T) {
	st := &fakeEmergencyStore{}
	state := machinestate.New()
	mon := NewEmergencyMonitor(st, state, nil, zap.NewNop(), observability.NewMetrics(), "m1", "terminal_2", 5*time.Millisecond)

	mon.Start(context.Background())
	defer mon.Stop()

	mon.Raise(context.Background(), "test", "critical")
	waitUntil(t, mon.IsInEmergency)

	mon.Raise(context.Background(), "cleared", "reset")
	waitUntil(t, func() bool { return !mon.IsInEmergency() })
}

func TestEmergencyMonitorSecondSignalDoesNotRedriveSafeState(t *testing.T) {
	st := &fakeEmergencyStore{}
	state := machinestate.New()
	safe := &fakeSafeStater{}
	mon := NewEmergencyMonitor(st, state, safe, zap.NewNop(), observability.NewMetrics(), "m1", "terminal_2", 5*time.Millisecond)

	mon.Start(context.Background())
	defer mon.Stop()

	mon.Raise(context.Background(), "first", "critical")
	waitUntil(t, mon.IsInEmergency)
	mon.Raise(context.Background(), "second", "critical")
	time.Sleep(30 * time.Millisecond)

	safe.mu.Lock()
	defer safe.mu.Unlock()
	if safe.driven != 1 {
		t.Errorf("expected safe state driven exactly once across two signals while already latched, got %d", safe.driven)
	}
}
