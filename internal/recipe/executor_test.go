package recipe

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/config"
	"github.com/ald-control/ald-control-plane/internal/registry"
	"github.com/ald-control/ald-control-plane/internal/store"
)

type fakePLC struct {
	mu        sync.Mutex
	coils     map[uint16]bool
	floats    map[uint16]float32
	writeErr  error
	readErr   error
	coilCalls []uint16
}

func newFakePLC() *fakePLC {
	return &fakePLC{coils: map[uint16]bool{}, floats: map[uint16]float32{}}
}

func (f *fakePLC) WriteCoil(ctx context.Context, addr uint16, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coilCalls = append(f.coilCalls, addr)
	if f.writeErr != nil {
		return f.writeErr
	}
	f.coils[addr] = on
	return nil
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

func (f *fakePLC) ReadFloat(ctx context.Context, addr uint16) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	return float64(f.floats[addr]), nil
}

type auditRow struct {
	parameterName string
	target        float64
	errMsg        *string
}

type fakeAuditStore struct {
	mu      sync.Mutex
	rows    []auditRow
	status  string
	idle    bool
	machine string
}

func (f *fakeAuditStore) AppendValveAudit(ctx context.Context, row store.ValveAuditRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, auditRow{parameterName: row.ParameterName, target: row.TargetValue, errMsg: row.ErrorMessage})
}

func (f *fakeAuditStore) CompleteProcessExecution(ctx context.Context, id, status string, end time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	return nil
}

func (f *fakeAuditStore) SetMachineProcessing(ctx context.Context, machineID, processID string) error {
	return nil
}

func (f *fakeAuditStore) SetMachineIdle(ctx context.Context, machineID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idle = true
	return nil
}

func u16(v uint16) *uint16 { return &v }
func f64(v float64) *float64 { return &v }

func loadTestRegistry() *registry.Registry {
	reg := registry.New(zap.NewNop())
	rows := []store.ParameterRow{
		{ID: "valve1", ParameterName: "state", ComponentName: "Valve 1", WriteAddress: u16(10), DataType: "binary", IsWritable: true},
		{ID: "purge", ParameterName: "purge_trigger", ComponentName: "Gas Panel", WriteAddress: u16(20), DataType: "binary", IsWritable: true},
		{ID: "flow", ParameterName: "flow_set", ComponentName: "MFC 1", ReadAddress: u16(100), WriteAddress: u16(100), DataType: "float32",
			IsWritable: true, MinValue: f64(0), MaxValue: f64(500)},
	}
	reg.LoadFromRows(rows, false)
	return reg
}

func TestRunSimpleValvePurgeValveRecipe(t *testing.T) {
	reg := loadTestRegistry()
	plcClient := newFakePLC()
	as := &fakeAuditStore{}
	cfg := config.RecipeConfig{VerifyWindow: 10 * time.Millisecond, ToleranceFraction: 0.01, ToleranceMin: 0.01}
	exec := New(plcClient, reg, as, as, nil, zap.NewNop(), "m1", cfg)

	steps := []store.RecipeStepRow{
		{ID: "s1", SequenceNumber: 1, Type: "valve", Parameters: map[string]any{"valve_number": 1, "state": "open", "duration_ms": 20.0}},
		{ID: "s2", SequenceNumber: 2, Type: "purge", Parameters: map[string]any{"duration_ms": 20.0}},
		{ID: "s3", SequenceNumber: 3, Type: "valve", Parameters: map[string]any{"valve_number": 1, "state": "close", "duration_ms": 0.0}},
	}

	status := exec.Run(context.Background(), "proc-1", steps)
	if status != "completed" {
		t.Fatalf("expected completed, got %s", status)
	}
	if !as.idle {
		t.Error("expected machine returned to idle")
	}
	if as.status != "completed" {
		t.Errorf("expected process execution closed as completed, got %s", as.status)
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	last := as.rows[len(as.rows)-1]
	if last.target != 0.0 {
		t.Errorf("expected last audit row target_value=0.0, got %v", last.target)
	}
}

func TestSetParameterOutOfRangeAborts(t *testing.T) {
	reg := loadTestRegistry()
	plcClient := newFakePLC()
	as := &fakeAuditStore{}
	exec := New(plcClient, reg, as, as, nil, zap.NewNop(), "m1", config.RecipeConfig{})

	steps := []store.RecipeStepRow{
		{ID: "s1", SequenceNumber: 1, Type: "set_parameter", Parameters: map[string]any{"parameter_name": "flow_set", "value": 9999.0}},
	}
	status := exec.Run(context.Background(), "proc-1", steps)
	if status != "failed" {
		t.Fatalf("expected failed for out-of-range value, got %s", status)
	}
}

func TestLoopExecutesChildrenCountTimes(t *testing.T) {
	reg := loadTestRegistry()
	plcClient := newFakePLC()
	as := &fakeAuditStore{}
	exec := New(plcClient, reg, as, as, nil, zap.NewNop(), "m1", config.RecipeConfig{})

	parent := "loop1"
	steps := []store.RecipeStepRow{
		{ID: parent, SequenceNumber: 1, Type: "loop", Parameters: map[string]any{"count": 3}},
		{ID: "c1", SequenceNumber: 2, ParentStepID: &parent, Type: "valve", Parameters: map[string]any{"valve_number": 1, "state": "open", "duration_ms": 0.0}},
	}
	status := exec.Run(context.Background(), "proc-1", steps)
	if status != "completed" {
		t.Fatalf("expected completed, got %s", status)
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if len(as.rows) != 3 {
		t.Fatalf("expected 3 audit rows (one per loop iteration), got %d", len(as.rows))
	}
}

func TestLoopCountZeroSkips(t *testing.T) {
	reg := loadTestRegistry()
	plcClient := newFakePLC()
	as := &fakeAuditStore{}
	exec := New(plcClient, reg, as, as, nil, zap.NewNop(), "m1", config.RecipeConfig{})

	parent := "loop1"
	steps := []store.RecipeStepRow{
		{ID: parent, SequenceNumber: 1, Type: "loop", Parameters: map[string]any{"count": 0}},
		{ID: "c1", SequenceNumber: 2, ParentStepID: &parent, Type: "valve", Parameters: map[string]any{"valve_number": 1, "state": "open", "duration_ms": 0.0}},
	}
	status := exec.Run(context.Background(), "proc-1", steps)
	if status != "completed" {
		t.Fatalf("expected completed, got %s", status)
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if len(as.rows) != 0 {
		t.Fatalf("expected count=0 to skip the loop body entirely, got %d audit rows", len(as.rows))
	}
}
