package paramctl

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/config"
	"github.com/ald-control/ald-control-plane/internal/observability"
	"github.com/ald-control/ald-control-plane/internal/registry"
	"github.com/ald-control/ald-control-plane/internal/store"
)

type fakePLC struct {
	mu      sync.Mutex
	floats  map[uint16]float32
	coils   map[uint16]bool
	writeErr error
	readErr  error
}

func newFakePLC() *fakePLC {
	return &fakePLC{floats: map[uint16]float32{}, coils: map[uint16]bool{}}
}

func (f *fakePLC) WriteFloat(ctx context.Context, addr uint16, v float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.floats[addr] = v
	return nil
}

func (f *fakePLC) WriteRegister(ctx context.Context, addr uint16, v uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.floats[addr] = float32(v)
	return nil
}

func (f *fakePLC) WriteCoil(ctx context.Context, addr uint16, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.coils[addr] = on
	return nil
}

func (f *fakePLC) ReadFloat(ctx context.Context, addr uint16) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	return float64(f.floats[addr]), nil
}

type fakeStore struct {
	mu        sync.Mutex
	rows      []store.ParameterControlCommandRow
	claimed   map[string]bool
	completed map[string]*string
}

func newFakeStore(rows ...store.ParameterControlCommandRow) *fakeStore {
	return &fakeStore{rows: rows, claimed: map[string]bool{}, completed: map[string]*string{}}
}

func (f *fakeStore) PollParameterControlCommands(ctx context.Context, machineID string) ([]store.ParameterControlCommandRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ParameterControlCommandRow
	for _, r := range f.rows {
		if !f.claimed[r.ID] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) ClaimParameterControlCommand(ctx context.Context, id string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed[id] {
		return false, nil
	}
	f.claimed[id] = true
	return true, nil
}

func (f *fakeStore) CompleteParameterControlCommand(ctx context.Context, id string, errMsg *string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[id] = errMsg
	return nil
}

func (f *fakeStore) ReclaimStaleParameterControlCommands(ctx context.Context, claimTimeout time.Duration, now time.Time) (int64, error) {
	return 0, nil
}

func f64(v float64) *float64 { return &v }
func u16(v uint16) *uint16   { return &v }
func s(v string) *string     { return &v }

func loadTestRegistry() *registry.Registry {
	reg := registry.New(zap.NewNop())
	rows := []store.ParameterRow{
		{ID: "flow", ParameterName: "flow_set", ComponentName: "MFC 1", ReadAddress: u16(100), WriteAddress: u16(100),
			DataType: "float32", IsWritable: true, MinValue: f64(0), MaxValue: f64(500)},
		{ID: "scaled", ParameterName: "flow_read", ComponentName: "MFC 2", ReadAddress: u16(110), WriteAddress: u16(110),
			DataType: "float32", IsWritable: true, MinValue: f64(0), MaxValue: f64(200),
			ScalingVMin: f64(0), ScalingVMax: f64(10), ScalingEUMin: f64(0), ScalingEUMax: f64(200)},
	}
	reg.LoadFromRows(rows, false)
	return reg
}

func newTestController(plcClient *fakePLC, st *fakeStore, reg *registry.Registry) *Controller {
	cfg := config.ParamCtlConfig{VerifyWindow: time.Millisecond, ToleranceFraction: 0.01, ToleranceMin: 0.01}
	return New(plcClient, reg, st, nil, zap.NewNop(), observability.NewMetrics(), "m1", cfg)
}

func TestProcessOneSucceedsWithinTolerance(t *testing.T) {
	reg := loadTestRegistry()
	plcClient := newFakePLC()
	st := newFakeStore(store.ParameterControlCommandRow{ID: "cmd1", ParameterName: s("flow_set"), TargetValue: 100})
	c := newTestController(plcClient, st, reg)

	c.pollOnce(context.Background())

	if errMsg, ok := st.completed["cmd1"]; !ok {
		t.Fatal("expected command to be completed")
	} else if errMsg != nil {
		t.Errorf("expected success, got error %q", *errMsg)
	}
	if got := plcClient.floats[100]; got != 100 {
		t.Errorf("expected write of 100 at addr 100, got %v", got)
	}
}

func TestProcessOneOutOfRangeFails(t *testing.T) {
	reg := loadTestRegistry()
	plcClient := newFakePLC()
	st := newFakeStore(store.ParameterControlCommandRow{ID: "cmd1", ParameterName: s("flow_set"), TargetValue: 9999})
	c := newTestController(plcClient, st, reg)

	c.pollOnce(context.Background())

	errMsg, ok := st.completed["cmd1"]
	if !ok || errMsg == nil {
		t.Fatal("expected command to be completed with an error message")
	}
}

func TestProcessOneAppliesScalingRoundTrip(t *testing.T) {
	reg := loadTestRegistry()
	plcClient := newFakePLC()
	st := newFakeStore(store.ParameterControlCommandRow{ID: "cmd1", ParameterName: s("flow_read"), TargetValue: 100})
	c := newTestController(plcClient, st, reg)

	c.pollOnce(context.Background())

	if got := plcClient.floats[110]; got != 5 {
		t.Errorf("expected inverse-scaled write of 5V for 100 EU, got %v", got)
	}
	if errMsg := st.completed["cmd1"]; errMsg != nil {
		t.Errorf("expected success, got error %q", *errMsg)
	}
}

func TestProcessOneUnknownParameterFails(t *testing.T) {
	reg := loadTestRegistry()
	plcClient := newFakePLC()
	st := newFakeStore(store.ParameterControlCommandRow{ID: "cmd1", ParameterName: s("nonexistent"), TargetValue: 1})
	c := newTestController(plcClient, st, reg)

	c.pollOnce(context.Background())

	errMsg, ok := st.completed["cmd1"]
	if !ok || errMsg == nil {
		t.Fatal("expected command to fail for an unresolvable parameter")
	}
}

func TestProcessOneResolvesRawModbusAddressDirectly(t *testing.T) {
	reg := loadTestRegistry()
	plcClient := newFakePLC()
	dt := "float32"
	st := newFakeStore(store.ParameterControlCommandRow{ID: "cmd1", RawModbusAddress: u16(250), DataType: &dt, TargetValue: 42})
	c := newTestController(plcClient, st, reg)

	c.pollOnce(context.Background())

	if got := plcClient.floats[250]; got != 42 {
		t.Errorf("expected direct write of 42 at raw address 250, got %v", got)
	}
	if errMsg := st.completed["cmd1"]; errMsg != nil {
		t.Errorf("expected success with no registry entry involved, got error %q", *errMsg)
	}
}

func TestProcessOneSkipsAlreadyClaimed(t *testing.T) {
	reg := loadTestRegistry()
	plcClient := newFakePLC()
	st := newFakeStore(store.ParameterControlCommandRow{ID: "cmd1", ParameterName: s("flow_set"), TargetValue: 50})
	st.claimed["cmd1"] = true
	c := newTestController(plcClient, st, reg)

	c.pollOnce(context.Background())

	if _, ok := st.completed["cmd1"]; ok {
		t.Fatal("expected an already-claimed command to be skipped, not completed")
	}
}
