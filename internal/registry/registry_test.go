package registry

import (
	"testing"

	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/ctlerr"
	"github.com/ald-control/ald-control-plane/internal/store"
)

func f(v float64) *float64 { return &v }
func u(v uint16) *uint16   { return &v }

func testRows() []store.ParameterRow {
	return []store.ParameterRow{
		{
			ID: "p1", ParameterName: "flow_read", ComponentName: "MFC 1",
			ReadAddress: u(100), DataType: "float32",
			ScalingVMin: f(0), ScalingVMax: f(10), ScalingEUMin: f(0), ScalingEUMax: f(200),
		},
		{
			ID: "p2", ParameterName: "flow_set", ComponentName: "MFC 1",
			WriteAddress: u(102), DataType: "float32", IsWritable: true,
			ScalingVMin: f(5), ScalingVMax: f(5), ScalingEUMin: f(0), ScalingEUMax: f(200), // degenerate
		},
		{
			ID: "p3", ParameterName: "state", ComponentName: "Valve 1",
			WriteAddress: u(10), DataType: "binary", IsWritable: true,
		},
		{
			ID: "p4", ParameterName: "purge_trigger", ComponentName: "Gas Panel",
			WriteAddress: u(20), DataType: "binary", IsWritable: true,
		},
		{
			ID: "p5", ParameterName: "chamber_color", ComponentName: "Chamber",
			ReadAddress: u(200), DataType: "int16",
		},
	}
}

func buildFromRows(t *testing.T, rows []store.ParameterRow, essentialsOnly bool) *Registry {
	t.Helper()
	r := New(zap.NewNop())
	r.LoadFromRows(rows, essentialsOnly)
	return r
}

func TestScalingForwardAndInverse(t *testing.T) {
	r := buildFromRows(t, testRows(), false)
	p, err := r.ByID("p1")
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	if p.Scaling == nil {
		t.Fatal("expected flow_read to resolve a scaling record")
	}
	if got := p.Scaling.Forward(5); got != 100 {
		t.Errorf("Forward(5) = %v, want 100", got)
	}
	if got := p.Scaling.Inverse(100); got != 5 {
		t.Errorf("Inverse(100) = %v, want 5", got)
	}
}

func TestDegenerateScalingTreatedAsUnscaled(t *testing.T) {
	r := buildFromRows(t, testRows(), false)
	p, err := r.ByID("p2")
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	if p.Scaling != nil {
		t.Error("expected degenerate scaling record (v_min==v_max) to be dropped, not applied")
	}
}

func TestValveAndPurgeResolution(t *testing.T) {
	r := buildFromRows(t, testRows(), false)
	v, err := r.Valve(1)
	if err != nil {
		t.Fatalf("Valve(1): %v", err)
	}
	if v.ID != "p3" {
		t.Errorf("expected valve 1 to resolve to p3, got %s", v.ID)
	}
	pg, err := r.PurgeTrigger()
	if err != nil {
		t.Fatalf("PurgeTrigger: %v", err)
	}
	if pg.ID != "p4" {
		t.Errorf("expected purge trigger p4, got %s", pg.ID)
	}
}

func TestEssentialsOnlyFiltersUnlisted(t *testing.T) {
	r := buildFromRows(t, testRows(), true)
	if _, err := r.ByID("p5"); !ctlerr.Is(err, ctlerr.NotConfigured) {
		t.Error("expected chamber_color to be excluded under essentials-only")
	}
	if _, err := r.ByID("p1"); err != nil {
		t.Errorf("expected flow_read to survive essentials-only filtering, got %v", err)
	}
	if _, err := r.Valve(1); err != nil {
		t.Errorf("expected numbered valves to survive essentials-only filtering, got %v", err)
	}
}

func TestUnknownLookupsReturnNotConfigured(t *testing.T) {
	r := New(zap.NewNop())
	if _, err := r.ByID("missing"); !ctlerr.Is(err, ctlerr.NotConfigured) {
		t.Errorf("expected NotConfigured, got %v", err)
	}
	if _, err := r.ByName("missing"); !ctlerr.Is(err, ctlerr.NotConfigured) {
		t.Errorf("expected NotConfigured, got %v", err)
	}
	if _, err := r.Valve(99); !ctlerr.Is(err, ctlerr.NotConfigured) {
		t.Errorf("expected NotConfigured, got %v", err)
	}
	if _, err := r.PurgeTrigger(); !ctlerr.Is(err, ctlerr.NotConfigured) {
		t.Errorf("expected NotConfigured, got %v", err)
	}
}
