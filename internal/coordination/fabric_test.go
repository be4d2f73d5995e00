package coordination

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/config"
	"github.com/ald-control/ald-control-plane/internal/machinestate"
	"github.com/ald-control/ald-control-plane/internal/observability"
	"github.com/ald-control/ald-control-plane/internal/registry"
	"github.com/ald-control/ald-control-plane/internal/store"
)

// fakeFullStore satisfies fabricStore for Fabric-level tests.
type fakeFullStore struct {
	fakeLeaseStore
	*fakeValveLockStore
	*fakeEmergencyStore

	mu            sync.Mutex
	lastHeartbeat time.Time
}

func newFakeFullStore() *fakeFullStore {
	return &fakeFullStore{
		fakeValveLockStore: newFakeValveLockStore(),
		fakeEmergencyStore: &fakeEmergencyStore{},
		lastHeartbeat:      time.Now().Add(-time.Hour),
	}
}

func (f *fakeFullStore) Heartbeat(ctx context.Context, machineID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastHeartbeat = at
	return nil
}

func (f *fakeFullStore) GetMachine(ctx context.Context, machineID string) (store.MachineRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return store.MachineRow{ID: machineID, Status: "idle", LastHeartbeat: f.lastHeartbeat}, nil
}

func TestFabricHeartbeatLoopKeepsMachineFresh(t *testing.T) {
	st := newFakeFullStore()
	reg := registry.New(zap.NewNop())
	state := machinestate.New()
	cfg := config.CoordinationConfig{HeartbeatPeriod: 5 * time.Millisecond, MissedBeats: 3}
	f := New(st, reg, nil, state, zap.NewNop(), observability.NewMetrics(), "m1", "terminal_2", false, cfg)

	f.Start(context.Background())
	defer f.Stop(context.Background())

	waitUntil(t, func() bool {
		degraded, err := f.Degraded(context.Background())
		return err == nil && !degraded
	})
}

func TestFabricDegradedWhenHeartbeatStale(t *testing.T) {
	st := newFakeFullStore()
	reg := registry.New(zap.NewNop())
	state := machinestate.New()
	cfg := config.CoordinationConfig{HeartbeatPeriod: time.Second, MissedBeats: 3}
	f := New(st, reg, nil, state, zap.NewNop(), observability.NewMetrics(), "m1", "terminal_2", false, cfg)

	degraded, err := f.Degraded(context.Background())
	if err != nil {
		t.Fatalf("Degraded: %v", err)
	}
	if !degraded {
		t.Error("expected a stale last_heartbeat to report degraded")
	}
}

func TestFabricNonOwnerHasNoLease(t *testing.T) {
	st := newFakeFullStore()
	reg := registry.New(zap.NewNop())
	state := machinestate.New()
	f := New(st, reg, nil, state, zap.NewNop(), observability.NewMetrics(), "m1", "terminal_2", false, config.CoordinationConfig{})
	if f.Lease != nil {
		t.Error("expected a non-PLC-owning terminal to have no lease manager")
	}
}
