// Package registry holds the Parameter/Valve Registry (spec §4.C): the
// terminal's one-shot, immutable-for-the-run view of every parameter and
// valve the store knows about, plus the scaling math MFCs and pressure
// gauges need on the way in and out of the wire.
//
// Grounded on the teacher's storage layer (internal/storage/bolt.go) for
// the "load once, hold typed in-memory maps, log-don't-abort on a
// malformed record" shape, and on internal/governance/constitutional.go
// for the bounds-check idiom — both trimmed from their original domain
// (process baselines, escalation policy) to parameters and valves.
package registry

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/ctlerr"
	"github.com/ald-control/ald-control-plane/internal/store"
)

// Parameter is the registry's resolved view of one component_parameters_full
// row, with addresses and data type ready for internal/plc and a
// resolved scaling record if one applies.
type Parameter struct {
	ID            string
	Name          string
	Component     string
	ReadAddress   *uint16
	WriteAddress  *uint16
	DataType      string
	MinValue      *float64
	MaxValue      *float64
	IsWritable    bool
	Unit          string
	Scaling       *Scaling
	// ValveNumber is set when this parameter is a numbered valve's
	// write coil (component "Valve N"), letting a caller that resolved
	// the parameter by id (valve_param_id) recover the number the
	// coordination fabric's valve locks are keyed on.
	ValveNumber *int
}

// Scaling is a linear voltage<->engineering-units map (spec §3). Forward
// applies on read (raw->EU); Inverse applies on write (EU->raw).
type Scaling struct {
	VMin, VMax   float64
	EUMin, EUMax float64
}

// Forward converts a raw reading into engineering units.
func (s *Scaling) Forward(raw float64) float64 {
	return s.EUMin + (raw-s.VMin)*(s.EUMax-s.EUMin)/(s.VMax-s.VMin)
}

// Inverse converts an engineering-units target into the raw value to write.
func (s *Scaling) Inverse(eu float64) float64 {
	return s.VMin + (eu-s.EUMin)*(s.VMax-s.VMin)/(s.EUMax-s.EUMin)
}

// essentialAllowlist restricts the loaded set on bandwidth-constrained
// machines (spec §4.C). Matched against the parameter name's prefix
// case-insensitively; numbered valves are matched separately by the
// "Valve " component prefix.
var essentialAllowlist = []string{"flow", "pressure", "power", "temperature"}

// Registry is the immutable-for-the-run, in-memory parameter and valve
// catalog. Safe for concurrent read-only use after Load.
type Registry struct {
	log *zap.Logger

	byID        map[string]*Parameter
	valves      map[int]*Parameter // component "Valve N" -> write-coil parameter
	purgeParam  *Parameter
}

// New constructs an empty registry; call Load before using it.
func New(log *zap.Logger) *Registry {
	return &Registry{
		log:    log,
		byID:   make(map[string]*Parameter),
		valves: make(map[int]*Parameter),
	}
}

// Load queries the store's denormalized parameter view once and builds
// the in-memory maps. Missing addresses are logged, not fatal; such
// parameters fail at call time with NotConfigured (§4.C).
func (r *Registry) Load(ctx context.Context, st *store.Store, essentialsOnly bool) error {
	rows, err := st.LoadParameterView(ctx)
	if err != nil {
		return fmt.Errorf("registry: load: %w", err)
	}
	r.build(rows, essentialsOnly)
	return nil
}

// LoadFromRows builds the registry's maps directly from an already-fetched
// row set, bypassing the store call. Used by tests and by any caller
// that already has a parameter view in hand.
func (r *Registry) LoadFromRows(rows []store.ParameterRow, essentialsOnly bool) {
	r.build(rows, essentialsOnly)
}

func (r *Registry) build(rows []store.ParameterRow, essentialsOnly bool) {
	for _, row := range rows {
		if essentialsOnly && !isEssential(row) {
			continue
		}

		p := &Parameter{
			ID:           row.ID,
			Name:         row.ParameterName,
			Component:    row.ComponentName,
			ReadAddress:  row.ReadAddress,
			WriteAddress: row.WriteAddress,
			DataType:     row.DataType,
			MinValue:     row.MinValue,
			MaxValue:     row.MaxValue,
			IsWritable:   row.IsWritable,
			Unit:         row.Unit,
		}

		if row.ReadAddress == nil && row.WriteAddress == nil {
			r.log.Warn("parameter has neither read nor write address; operations will fail at call time",
				zap.String("parameter_id", row.ID), zap.String("name", row.ParameterName))
		}

		if scaling, ok := buildScaling(row); ok {
			p.Scaling = scaling
		}

		r.byID[p.ID] = p

		if num, ok := valveNumber(row.ComponentName); ok && row.WriteAddress != nil {
			n := num
			p.ValveNumber = &n
			r.valves[num] = p
		}
		if r.purgeParam == nil && strings.Contains(strings.ToLower(row.ParameterName), "purge") {
			r.purgeParam = p
		}
	}

	r.log.Info("registry loaded", zap.Int("parameter_count", len(r.byID)),
		zap.Int("valve_count", len(r.valves)), zap.Bool("essentials_only", essentialsOnly),
		zap.Bool("purge_trigger_found", r.purgeParam != nil))
}

// ByID resolves a parameter by its component_parameter_id.
func (r *Registry) ByID(id string) (*Parameter, error) {
	p, ok := r.byID[id]
	if !ok {
		return nil, ctlerr.New(ctlerr.NotConfigured, "registry.by_id", fmt.Errorf("unknown parameter id %q", id))
	}
	return p, nil
}

// ByName resolves a parameter by its human name. The first match wins;
// names are expected unique within a component's parameter set.
func (r *Registry) ByName(name string) (*Parameter, error) {
	for _, p := range r.byID {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, ctlerr.New(ctlerr.NotConfigured, "registry.by_name", fmt.Errorf("unknown parameter name %q", name))
}

// Valve resolves a valve by its number (component "Valve N").
func (r *Registry) Valve(number int) (*Parameter, error) {
	p, ok := r.valves[number]
	if !ok {
		return nil, ctlerr.New(ctlerr.NotConfigured, "registry.valve", fmt.Errorf("unknown valve number %d", number))
	}
	return p, nil
}

// PurgeTrigger returns the distinguished purge coil parameter, if the
// loaded set contains one.
func (r *Registry) PurgeTrigger() (*Parameter, error) {
	if r.purgeParam == nil {
		return nil, ctlerr.New(ctlerr.NotConfigured, "registry.purge_trigger", fmt.Errorf("no purge trigger loaded"))
	}
	return r.purgeParam, nil
}

// AllValves returns every loaded numbered valve, for the emergency
// safe-state routine that closes all of them at once (§4.I).
func (r *Registry) AllValves() []*Parameter {
	out := make([]*Parameter, 0, len(r.valves))
	for _, p := range r.valves {
		out = append(out, p)
	}
	return out
}

// All returns every loaded parameter, for the Continuous Logger's
// read_all bulk snapshot.
func (r *Registry) All() []*Parameter {
	out := make([]*Parameter, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	return out
}

func isEssential(row store.ParameterRow) bool {
	lname := strings.ToLower(row.ParameterName)
	for _, prefix := range essentialAllowlist {
		if strings.HasPrefix(lname, prefix) {
			return true
		}
	}
	if _, ok := valveNumber(row.ComponentName); ok {
		return true
	}
	return false
}

// valveNumber parses a "Valve N" component name into its numeric suffix.
func valveNumber(component string) (int, bool) {
	const prefix = "Valve "
	if !strings.HasPrefix(component, prefix) {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(component[len(prefix):], "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// buildScaling resolves a parameter's scaling record for MFC flow and
// pressure-gauge components (spec §4.C). A record with v_min==v_max or
// eu_min==eu_max is degenerate (the linear map is undefined); such a
// record is logged and the parameter is treated as unscaled rather than
// aborting the load.
func buildScaling(row store.ParameterRow) (*Scaling, bool) {
	isMFC := strings.HasPrefix(row.ComponentName, "MFC ") &&
		(row.ParameterName == "flow_read" || row.ParameterName == "flow_set")
	isGauge := strings.HasPrefix(row.ComponentName, "Pressure Gauge ") &&
		(row.ParameterName == "pressure_read" || row.ParameterName == "pressure_set")
	if !isMFC && !isGauge {
		return nil, false
	}
	if row.ScalingVMin == nil || row.ScalingVMax == nil || row.ScalingEUMin == nil || row.ScalingEUMax == nil {
		return nil, false
	}
	if *row.ScalingVMin == *row.ScalingVMax || *row.ScalingEUMin == *row.ScalingEUMax {
		return nil, false
	}
	return &Scaling{
		VMin: *row.ScalingVMin, VMax: *row.ScalingVMax,
		EUMin: *row.ScalingEUMin, EUMax: *row.ScalingEUMax,
	}, true
}
