// Package paramctl implements the Parameter Controller (spec §4.G):
// polls parameter_control_commands for unclaimed rows addressed to this
// machine (or global), resolves the target, validates bounds, writes,
// verifies the read-back, and closes the row out. The row itself is the
// audit record — no separate audit insert.
//
// Grounded on the teacher's poll-claim-execute idiom (the same shape
// internal/plc's executeWithRetry uses for a bounded number of attempts,
// here applied to a conditional-update claim instead of a socket retry).
package paramctl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/config"
	"github.com/ald-control/ald-control-plane/internal/ctlerr"
	"github.com/ald-control/ald-control-plane/internal/observability"
	"github.com/ald-control/ald-control-plane/internal/plc"
	"github.com/ald-control/ald-control-plane/internal/registry"
	"github.com/ald-control/ald-control-plane/internal/store"
)

// plcAccess is the slice of *plc.Communicator the controller needs.
type plcAccess interface {
	WriteFloat(ctx context.Context, addr uint16, v float32) error
	WriteRegister(ctx context.Context, addr uint16, v uint16) error
	WriteCoil(ctx context.Context, addr uint16, on bool) error
	ReadFloat(ctx context.Context, addr uint16) (float64, error)
}

// commandStore is the slice of *store.Store the controller needs.
type commandStore interface {
	PollParameterControlCommands(ctx context.Context, machineID string) ([]store.ParameterControlCommandRow, error)
	ClaimParameterControlCommand(ctx context.Context, id string, at time.Time) (bool, error)
	CompleteParameterControlCommand(ctx context.Context, id string, errMsg *string, at time.Time) error
	ReclaimStaleParameterControlCommands(ctx context.Context, claimTimeout time.Duration, now time.Time) (int64, error)
}

// noiseControl is implemented by internal/plcsim.Server; real hardware
// has no equivalent, so the controller treats a nil noiseControl as "no
// skip_noise support available" (spec glossary: "real hardware ignores
// this").
type noiseControl interface {
	SetNoiseEnabled(enabled bool)
}

// Controller drives the poll-claim-validate-write-verify loop.
type Controller struct {
	plc       plcAccess
	reg       *registry.Registry
	st        commandStore
	sim       noiseControl
	log       *zap.Logger
	metric    *observability.Metrics
	machineID string
	cfg       config.ParamCtlConfig

	stopCh chan struct{}
	done   chan struct{}
}

// New constructs a Controller. sim may be nil when running against real
// hardware.
func New(plcClient plcAccess, reg *registry.Registry, st commandStore, sim noiseControl, log *zap.Logger, metric *observability.Metrics, machineID string, cfg config.ParamCtlConfig) *Controller {
	return &Controller{
		plc: plcClient, reg: reg, st: st, sim: sim, log: log, metric: metric,
		machineID: machineID, cfg: cfg,
		stopCh: make(chan struct{}), done: make(chan struct{}),
	}
}

// Start launches the poll loop in a background goroutine.
func (c *Controller) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop cancels the poll loop cooperatively and waits for it to exit.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.done
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	reclaimTicker := time.NewTicker(5 * interval)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		case <-reclaimTicker.C:
			c.reclaimStaleOnce(ctx)
		}
	}
}

// pollOnce fetches unclaimed rows and processes each in arrival order
// (spec §4.H FIFO delivery).
func (c *Controller) pollOnce(ctx context.Context) {
	rows, err := c.st.PollParameterControlCommands(ctx, c.machineID)
	if err != nil {
		c.log.Error("parameter controller: poll failed", zap.Error(err))
		return
	}
	for _, row := range rows {
		c.processOne(ctx, row)
	}
}

// reclaimStaleOnce resets rows whose claim exceeded the timeout without
// completing (spec §7: "MAY be re-claimed by a recovery task").
func (c *Controller) reclaimStaleOnce(ctx context.Context) {
	timeout := c.cfg.ClaimTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	n, err := c.st.ReclaimStaleParameterControlCommands(ctx, timeout, time.Now())
	if err != nil {
		c.log.Error("parameter controller: reclaim sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		c.log.Warn("parameter controller: reclaimed stale commands", zap.Int64("count", n))
	}
}

// processOne claims, validates, writes, verifies, and closes a single
// command row (spec §4.G steps 1-6).
func (c *Controller) processOne(ctx context.Context, row store.ParameterControlCommandRow) {
	now := time.Now()
	claimed, err := c.st.ClaimParameterControlCommand(ctx, row.ID, now)
	if err != nil {
		c.log.Error("parameter controller: claim failed", zap.Error(err))
		return
	}
	if !claimed {
		// someone else claimed it first (R2); skip silently
		return
	}

	writeAddr, readAddr, dataType, scaling, resolveErr := c.resolveTarget(row)
	if resolveErr != nil {
		c.fail(ctx, row.ID, resolveErr)
		return
	}

	min, max := c.boundsFor(row)
	if min != nil && row.TargetValue < *min || max != nil && row.TargetValue > *max {
		c.fail(ctx, row.ID, ctlerr.New(ctlerr.OutOfRange, "paramctl.validate",
			fmt.Errorf("%v outside [%v, %v]", row.TargetValue, min, max)))
		return
	}

	raw := row.TargetValue
	if scaling != nil {
		raw = scaling.Inverse(row.TargetValue)
	}

	if err := c.writeRaw(ctx, writeAddr, dataType, raw); err != nil {
		c.fail(ctx, row.ID, err)
		return
	}

	if c.sim != nil {
		c.sim.SetNoiseEnabled(false)
		defer c.sim.SetNoiseEnabled(true)
	}

	window := c.cfg.VerifyWindow
	if window <= 0 {
		window = 200 * time.Millisecond
	}
	select {
	case <-time.After(window):
	case <-ctx.Done():
		c.fail(ctx, row.ID, ctlerr.New(ctlerr.Cancelled, "paramctl.verify", ctx.Err()))
		return
	}

	readRaw, err := c.plc.ReadFloat(ctx, readAddr)
	if err != nil {
		c.fail(ctx, row.ID, err)
		return
	}
	readEU := readRaw
	if scaling != nil {
		readEU = scaling.Forward(readRaw)
	}
	if !withinTolerance(readEU, row.TargetValue, min, max, c.cfg.ToleranceFraction, c.cfg.ToleranceMin) {
		c.fail(ctx, row.ID, ctlerr.New(ctlerr.VerifyFailed, "paramctl.verify",
			fmt.Errorf("read-back %v does not match target %v", readEU, row.TargetValue)))
		return
	}

	c.succeed(ctx, row.ID)
}

// resolveTarget implements §4.G step 1: component_parameter_id |
// parameter_name | raw_modbus_address, in that priority order. The raw
// address path has no registry entry behind it by definition, so it
// skips bounds/scaling validation entirely and writes/reads the
// specified address directly using the command's own data_type.
func (c *Controller) resolveTarget(row store.ParameterControlCommandRow) (writeAddr, readAddr uint16, dataType string, scaling *registry.Scaling, err error) {
	switch {
	case row.ComponentParameterID != nil:
		p, perr := c.reg.ByID(*row.ComponentParameterID)
		if perr != nil {
			return 0, 0, "", nil, perr
		}
		return resolveFromParameter(p)
	case row.ParameterName != nil:
		p, perr := c.reg.ByName(*row.ParameterName)
		if perr != nil {
			return 0, 0, "", nil, perr
		}
		return resolveFromParameter(p)
	case row.RawModbusAddress != nil:
		dt := "float32"
		if row.DataType != nil && *row.DataType != "" {
			dt = *row.DataType
		}
		return *row.RawModbusAddress, *row.RawModbusAddress, dt, nil, nil
	default:
		return 0, 0, "", nil, ctlerr.New(ctlerr.NotConfigured, "paramctl.resolve",
			errors.New("no component_parameter_id, parameter_name, or raw_modbus_address on command"))
	}
}

func resolveFromParameter(p *registry.Parameter) (writeAddr, readAddr uint16, dataType string, scaling *registry.Scaling, err error) {
	if p.WriteAddress == nil {
		return 0, 0, "", nil, ctlerr.New(ctlerr.NotConfigured, "paramctl.resolve", fmt.Errorf("parameter %q has no write address", p.Name))
	}
	ra := p.WriteAddress
	if p.ReadAddress != nil {
		ra = p.ReadAddress
	}
	return *p.WriteAddress, *ra, p.DataType, p.Scaling, nil
}

func (c *Controller) boundsFor(row store.ParameterControlCommandRow) (*float64, *float64) {
	var p *registry.Parameter
	var err error
	if row.ComponentParameterID != nil {
		p, err = c.reg.ByID(*row.ComponentParameterID)
	} else if row.ParameterName != nil {
		p, err = c.reg.ByName(*row.ParameterName)
	}
	if err != nil || p == nil {
		return nil, nil
	}
	return p.MinValue, p.MaxValue
}

func (c *Controller) writeRaw(ctx context.Context, addr uint16, dataType string, v float64) error {
	switch dataType {
	case "float32", "":
		return c.plc.WriteFloat(ctx, addr, float32(v))
	case "binary":
		return c.plc.WriteCoil(ctx, addr, v > 0)
	default:
		return c.plc.WriteRegister(ctx, addr, uint16(v))
	}
}

func (c *Controller) fail(ctx context.Context, id string, err error) {
	msg := err.Error()
	if compErr := c.st.CompleteParameterControlCommand(ctx, id, &msg, time.Now()); compErr != nil {
		c.log.Error("parameter controller: failed to close command row", zap.Error(compErr))
	}
	if c.metric != nil {
		c.metric.ParamCmdsTotal.WithLabelValues("error").Inc()
	}
}

func (c *Controller) succeed(ctx context.Context, id string) {
	if err := c.st.CompleteParameterControlCommand(ctx, id, nil, time.Now()); err != nil {
		c.log.Error("parameter controller: failed to close command row", zap.Error(err))
	}
	if c.metric != nil {
		c.metric.ParamCmdsTotal.WithLabelValues("success").Inc()
	}
}

func withinTolerance(got, want float64, min, max *float64, fraction, minTol float64) bool {
	if fraction <= 0 {
		fraction = 0.01
	}
	if minTol <= 0 {
		minTol = 0.01
	}
	tol := minTol
	if min != nil && max != nil {
		if t := fraction * (*max - *min); t > tol {
			tol = t
		}
	}
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	return diff <= tol
}

// ensure plc.Communicator satisfies the PLC interface this package
// depends on; a compile-time assertion rather than a runtime one.
var (
	_ plcAccess = (*plc.Communicator)(nil)
)
