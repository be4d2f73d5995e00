package logger

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/audit"
	"github.com/ald-control/ald-control-plane/internal/config"
	"github.com/ald-control/ald-control-plane/internal/plc"
	"github.com/ald-control/ald-control-plane/internal/registry"
	"github.com/ald-control/ald-control-plane/internal/store"
)

type fakePLC struct {
	values map[string]float64
}

func (f *fakePLC) ReadAll(ctx context.Context, specs []plc.ReadSpec) (map[string]float64, error) {
	out := make(map[string]float64, len(specs))
	for _, s := range specs {
		if v, ok := f.values[s.ID]; ok {
			out[s.ID] = v
		}
	}
	return out, nil
}

type fakeMachines struct {
	mu  sync.Mutex
	row store.MachineRow
}

func (f *fakeMachines) GetMachine(ctx context.Context, machineID string) (store.MachineRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.row, nil
}

type fakeBatchStore struct {
	mu        sync.Mutex
	history   []store.ParameterHistorySample
	points    []store.ProcessDataPoint
}

func (f *fakeBatchStore) InsertParameterHistoryBatch(ctx context.Context, rows []store.ParameterHistorySample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, rows...)
	return nil
}

func (f *fakeBatchStore) InsertProcessDataPointsBatch(ctx context.Context, rows []store.ProcessDataPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, rows...)
	return nil
}

func (f *fakeBatchStore) InsertValveAuditBatch(ctx context.Context, rows []store.ValveAuditRow) error {
	return nil
}

// Scaling and coalescing are exercised against populated registries in
// internal/registry's own tests and internal/plc's ReadAll tests;
// dual-mode attribution has no test. Here we cover the writer hand-off
// and the scheduler, the latter against an empty registry.

func TestFlushHistoryWritesBufferedRow(t *testing.T) {
	bs := &fakeBatchStore{}
	writer := audit.New(bs, zap.NewNop(), nil, config.DLQConfig{
		Dir: t.TempDir(), MaxRowsPerBatch: 1000, MaxBatchAge: time.Hour, ReplayInterval: time.Hour,
	})

	writer.AppendHistory(context.Background(), store.ParameterHistorySample{ParameterID: "p1", Value: 1, MachineID: "m1"})
	writer.FlushHistory(context.Background())

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if len(bs.history) != 1 {
		t.Fatalf("expected 1 history row written, got %d", len(bs.history))
	}
}

func TestRunRespectsNominalInterval(t *testing.T) {
	fp := &fakePLC{values: map[string]float64{}}
	fm := &fakeMachines{row: store.MachineRow{ID: "m1", Status: "idle"}}
	bs := &fakeBatchStore{}
	writer := audit.New(bs, zap.NewNop(), nil, config.DLQConfig{
		Dir: t.TempDir(), MaxRowsPerBatch: 1000, MaxBatchAge: time.Hour, ReplayInterval: time.Hour,
	})
	reg := registry.New(zap.NewNop())

	l := New(fp, reg, fm, writer, zap.NewNop(), nil, "m1", config.LoggerConfig{
		Interval: 20 * time.Millisecond, StateCacheTTL: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)
	time.Sleep(90 * time.Millisecond)
	cancel()
	l.Stop()

	n := l.cyclesTotal.Load()
	if n < 2 {
		t.Fatalf("expected at least 2 cycles to have run in ~90ms at 20ms interval, got %d", n)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	fp := &fakePLC{}
	fm := &fakeMachines{row: store.MachineRow{ID: "m1", Status: "idle"}}
	bs := &fakeBatchStore{}
	writer := audit.New(bs, zap.NewNop(), nil, config.DLQConfig{
		Dir: t.TempDir(), MaxRowsPerBatch: 1000, MaxBatchAge: time.Hour, ReplayInterval: time.Hour,
	})
	reg := registry.New(zap.NewNop())
	l := New(fp, reg, fm, writer, zap.NewNop(), nil, "m1", config.LoggerConfig{Interval: time.Hour})

	ctx := context.Background()
	l.Start(ctx)
	l.Stop()
	l.Stop() // must not panic or block
}
