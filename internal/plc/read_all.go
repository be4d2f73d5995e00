package plc

import (
	"context"
	"sort"

	"github.com/simonvetter/modbus"

	"github.com/ald-control/ald-control-plane/internal/modbuscodec"
)

// DataType selects how a ReadSpec's register(s) are decoded.
type DataType int

const (
	DataTypeFloat32 DataType = iota
	DataTypeInt32
	DataTypeInt16
	DataTypeUint16
	DataTypeCoil
)

// width returns the number of 16-bit registers the data type occupies.
// Coils are not register-backed and are handled separately.
func (d DataType) width() uint16 {
	switch d {
	case DataTypeFloat32, DataTypeInt32:
		return 2
	default:
		return 1
	}
}

// ReadSpec describes one parameter's read address for a bulk ReadAll call.
// ID is an opaque key (the registry's component_parameter_id) the caller
// uses to correlate results — the communicator has no notion of
// parameters, only addresses and data types.
type ReadSpec struct {
	ID       string
	Address  uint16
	DataType DataType
}

// ReadAll reads every spec's current value in as few Modbus requests as
// possible (spec §4.B: "implementations SHOULD coalesce contiguous
// address ranges into single Modbus requests"). Register-backed specs
// are grouped by contiguous address runs and fetched with one
// ReadRegisters call per run; coil specs are grouped the same way with
// ReadCoils. A failure on any one run fails only the specs in that run;
// the rest of the batch still returns results, since spec §4.E expects
// "no data for this cycle" at the level of PLC.read_all failing outright,
// but a partial hardware hiccup on one address range should not blank out
// unrelated parameters the instant before a terminal-wide error is raised.
func (c *Communicator) ReadAll(ctx context.Context, specs []ReadSpec) (map[string]float64, error) {
	out := make(map[string]float64, len(specs))

	var coils, regs []ReadSpec
	for _, s := range specs {
		if s.DataType == DataTypeCoil {
			coils = append(coils, s)
		} else {
			regs = append(regs, s)
		}
	}

	var firstErr error
	for _, run := range coalesceCoils(coils) {
		if err := c.readCoilRun(ctx, run, out); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, run := range coalesceRegisters(regs) {
		if err := c.readRegisterRun(ctx, run, out); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return out, firstErr
}

// run is a contiguous address range covering one or more ReadSpecs.
type run struct {
	start uint16
	count uint16
	specs []ReadSpec
}

func coalesceCoils(specs []ReadSpec) []run {
	if len(specs) == 0 {
		return nil
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Address < specs[j].Address })

	var runs []run
	cur := run{start: specs[0].Address, count: 1, specs: []ReadSpec{specs[0]}}
	for _, s := range specs[1:] {
		if s.Address == cur.start+cur.count {
			cur.count++
			cur.specs = append(cur.specs, s)
			continue
		}
		runs = append(runs, cur)
		cur = run{start: s.Address, count: 1, specs: []ReadSpec{s}}
	}
	runs = append(runs, cur)
	return runs
}

func coalesceRegisters(specs []ReadSpec) []run {
	if len(specs) == 0 {
		return nil
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Address < specs[j].Address })

	var runs []run
	first := specs[0]
	cur := run{start: first.Address, count: first.DataType.width(), specs: []ReadSpec{first}}
	for _, s := range specs[1:] {
		if s.Address == cur.start+cur.count {
			cur.count += s.DataType.width()
			cur.specs = append(cur.specs, s)
			continue
		}
		runs = append(runs, cur)
		cur = run{start: s.Address, count: s.DataType.width(), specs: []ReadSpec{s}}
	}
	runs = append(runs, cur)
	return runs
}

func (c *Communicator) readCoilRun(ctx context.Context, r run, out map[string]float64) error {
	var vals []bool
	err := c.executeWithRetry(ctx, "read_coils", func(mc *modbus.ModbusClient) error {
		v, err := mc.ReadCoils(r.start, r.count)
		vals = v
		return err
	})
	if err != nil {
		return err
	}
	for _, s := range r.specs {
		out[s.ID] = modbuscodec.CoilToFloat(vals[s.Address-r.start])
	}
	return nil
}

func (c *Communicator) readRegisterRun(ctx context.Context, r run, out map[string]float64) error {
	var regs []uint16
	err := c.executeWithRetry(ctx, "read_holding", func(mc *modbus.ModbusClient) error {
		v, err := mc.ReadRegisters(r.start, r.count, modbus.HOLDING_REGISTER)
		regs = v
		return err
	})
	if err != nil {
		return err
	}
	for _, s := range r.specs {
		off := s.Address - r.start
		switch s.DataType {
		case DataTypeFloat32:
			v, decErr := modbuscodec.DecodeFloat32(c.cfg.ByteOrder, regs[off], regs[off+1])
			if decErr != nil {
				return decErr
			}
			out[s.ID] = float64(v)
		case DataTypeInt32:
			v, decErr := modbuscodec.DecodeInt32(c.cfg.ByteOrder, regs[off], regs[off+1])
			if decErr != nil {
				return decErr
			}
			out[s.ID] = float64(v)
		case DataTypeInt16:
			out[s.ID] = float64(modbuscodec.DecodeInt16(regs[off]))
		case DataTypeUint16:
			out[s.ID] = float64(regs[off])
		}
	}
	return nil
}
