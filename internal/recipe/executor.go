// Package recipe implements the Recipe Executor (spec §4.F): given a
// process execution and recipe id, walks the recipe's steps in
// sequence_number order and drives valve, purge, set_parameter, and loop
// steps against the PLC, emitting one audit row per observable effect.
//
// Grounded on the teacher's cancellation-token idiom used throughout
// octoreflex's long-running loops (a context.Context checked between
// steps and inside sleeps) and on internal/governance/constitutional.go's
// bounds-check-then-reject shape for the set_parameter validation path.
package recipe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/config"
	"github.com/ald-control/ald-control-plane/internal/ctlerr"
	"github.com/ald-control/ald-control-plane/internal/machinestate"
	"github.com/ald-control/ald-control-plane/internal/registry"
	"github.com/ald-control/ald-control-plane/internal/store"
)

// plcWriter is the slice of *plc.Communicator the executor needs.
type plcWriter interface {
	WriteCoil(ctx context.Context, addr uint16, on bool) error
	WriteFloat(ctx context.Context, addr uint16, v float32) error
	ReadFloat(ctx context.Context, addr uint16) (float64, error)
}

// auditStore is the slice of *store.Store the executor writes to.
type auditStore interface {
	CompleteProcessExecution(ctx context.Context, id, status string, end time.Time) error
	SetMachineProcessing(ctx context.Context, machineID, processID string) error
	SetMachineIdle(ctx context.Context, machineID string) error
}

// valveAuditWriter is the slice of *audit.Writer the executor routes its
// per-effect audit rows through (§4.D, §4.F) — the same
// buffered/retried/DLQ-backed path the Continuous Logger's two streams
// use, rather than a separate unretried insert.
type valveAuditWriter interface {
	AppendValveAudit(ctx context.Context, row store.ValveAuditRow)
}

// valveLocker is the slice of *coordination.ValveLocks the executor
// needs to serialize valve_number access with other terminals (§4.I).
// Left nil, the executor writes valve coils without coordination —
// correct for a single-terminal deployment or in tests.
type valveLocker interface {
	Acquire(ctx context.Context, valveNumber int, operationID string, intendedDuration time.Duration) (bool, error)
	Release(ctx context.Context, valveNumber int, operationID string) error
}

// Executor runs one recipe against the PLC, one process execution at a time.
type Executor struct {
	plc       plcWriter
	reg       *registry.Registry
	st        auditStore
	auditWriter    valveAuditWriter
	state     *machinestate.State
	locks     valveLocker
	log       *zap.Logger
	machineID string
	cfg       config.RecipeConfig
}

// New constructs an Executor. state may be nil (e.g. in tests exercising
// step logic in isolation); when set, Run keeps it in sync with the same
// transitions it writes to the store so the admin socket's status
// command reflects an in-progress recipe on this terminal.
func New(plcClient plcWriter, reg *registry.Registry, st auditStore, auditWriter valveAuditWriter, state *machinestate.State, log *zap.Logger, machineID string, cfg config.RecipeConfig) *Executor {
	return &Executor{plc: plcClient, reg: reg, st: st, auditWriter: auditWriter, state: state, log: log, machineID: machineID, cfg: cfg}
}

// SetValveLocks wires in the coordination fabric's valve-serialization
// mechanism. Optional: a terminal running without a coordination fabric
// (e.g. a standalone single-terminal deployment) leaves this unset.
func (e *Executor) SetValveLocks(locks valveLocker) {
	e.locks = locks
}

// Run walks steps in sequence order, executing each by type, until
// completion, a validation/protocol failure, or ctx cancellation.
// Returns the terminal status: "completed", "failed", or "aborted".
func (e *Executor) Run(ctx context.Context, processID string, steps []store.RecipeStepRow) string {
	if err := e.st.SetMachineProcessing(ctx, e.machineID, processID); err != nil {
		e.log.Error("recipe: failed to mark machine processing", zap.Error(err))
	}
	if e.state != nil {
		e.state.SetProcessing(processID)
	}

	status := e.runSteps(ctx, topLevel(steps), childrenByParent(steps))

	if err := e.st.SetMachineIdle(ctx, e.machineID); err != nil {
		e.log.Error("recipe: failed to return machine to idle", zap.Error(err))
	}
	if e.state != nil {
		e.state.SetIdle()
	}
	if err := e.st.CompleteProcessExecution(ctx, processID, status, time.Now()); err != nil {
		e.log.Error("recipe: failed to close process execution", zap.Error(err))
	}
	return status
}

// topLevel returns the steps with no parent_step_id, the ones the outer
// traversal visits directly; a loop step's children are visited only
// through that loop's own execution (§4.F traversal).
func topLevel(steps []store.RecipeStepRow) []store.RecipeStepRow {
	var out []store.RecipeStepRow
	for _, s := range steps {
		if s.ParentStepID == nil {
			out = append(out, s)
		}
	}
	return out
}

func childrenByParent(steps []store.RecipeStepRow) map[string][]store.RecipeStepRow {
	m := make(map[string][]store.RecipeStepRow)
	for _, s := range steps {
		if s.ParentStepID != nil {
			m[*s.ParentStepID] = append(m[*s.ParentStepID], s)
		}
	}
	return m
}

// runSteps executes steps in order, returning "completed", "failed", or
// "aborted" the moment one step fails or ctx is cancelled.
func (e *Executor) runSteps(ctx context.Context, steps []store.RecipeStepRow, children map[string][]store.RecipeStepRow) string {
	for _, step := range steps {
		select {
		case <-ctx.Done():
			return "aborted"
		default:
		}

		err := e.runStep(ctx, step, children)
		if err != nil {
			if ctlerr.Is(err, ctlerr.Cancelled) {
				return "aborted"
			}
			e.log.Error("recipe: step failed, aborting recipe",
				zap.String("step_id", step.ID), zap.String("step_type", step.Type), zap.Error(err))
			return "failed"
		}
	}
	return "completed"
}

func (e *Executor) runStep(ctx context.Context, step store.RecipeStepRow, children map[string][]store.RecipeStepRow) error {
	switch step.Type {
	case "valve":
		return e.runValve(ctx, step)
	case "purge":
		return e.runPurge(ctx, step)
	case "set_parameter":
		return e.runSetParameter(ctx, step)
	case "loop":
		return e.runLoop(ctx, step, children)
	default:
		return ctlerr.New(ctlerr.Fatal, "recipe.step", fmt.Errorf("unknown step type %q", step.Type))
	}
}

// runValve resolves a valve (by valve_number or valve_param_id), writes
// its coil, audits the effect, and schedules a delayed close for
// open/pulse with a positive duration (§4.F valve step).
func (e *Executor) runValve(ctx context.Context, step store.RecipeStepRow) error {
	v, valveNumber, err := e.resolveValve(step.Parameters)
	if err != nil {
		return err
	}
	state, _ := step.Parameters["state"].(string)
	durationMs, _ := floatParam(step.Parameters, "duration_ms")

	if v.WriteAddress == nil {
		return ctlerr.New(ctlerr.NotConfigured, "recipe.valve", fmt.Errorf("valve %d has no write address", valveNumber))
	}

	on := state == "open" || state == "pulse"
	target := 0.0
	if on {
		target = 1.0
	}

	holdFor := time.Duration(durationMs) * time.Millisecond
	if e.locks != nil {
		granted, err := e.locks.Acquire(ctx, valveNumber, step.ID, holdFor)
		if err != nil {
			return err
		}
		if !granted {
			return ctlerr.New(ctlerr.Blocked, "recipe.valve", fmt.Errorf("valve %d locked by another operation", valveNumber))
		}
		defer func() {
			if err := e.locks.Release(context.Background(), valveNumber, step.ID); err != nil {
				e.log.Error("recipe: valve lock release failed", zap.Error(err), zap.Int("valve_number", valveNumber))
			}
		}()
	}

	executedAt := time.Now()
	writeErr := e.plc.WriteCoil(ctx, *v.WriteAddress, on)
	completedAt := time.Now()
	e.audit(ctx, v.Name, target, executedAt, completedAt, writeErr)
	if writeErr != nil {
		return writeErr
	}

	if on && durationMs > 0 {
		select {
		case <-time.After(time.Duration(durationMs) * time.Millisecond):
		case <-ctx.Done():
			// cancellation during the scheduled window still attempts
			// the close before propagating (§4.F: in-flight valve left
			// open SHOULD be closed on cancellation).
		}
		closedAt := time.Now()
		closeErr := e.plc.WriteCoil(context.Background(), *v.WriteAddress, false)
		e.audit(ctx, v.Name, 0.0, closedAt, time.Now(), closeErr)
		if ctx.Err() != nil {
			return ctlerr.New(ctlerr.Cancelled, "recipe.valve", ctx.Err())
		}
		if closeErr != nil {
			return closeErr
		}
	}
	return nil
}

// resolveValve implements §4.F's alternate valve-identification keys:
// valve_number | valve_param_id, in that priority order (mirrors
// paramctl.Controller.resolveTarget's component_parameter_id |
// parameter_name priority for the same reason — either key is spec-legal
// and a recipe step may carry either one).
func (e *Executor) resolveValve(params map[string]any) (*registry.Parameter, int, error) {
	if _, ok := params["valve_number"]; ok {
		valveNumber, err := intParam(params, "valve_number")
		if err != nil {
			return nil, 0, ctlerr.New(ctlerr.NotConfigured, "recipe.valve", err)
		}
		p, err := e.reg.Valve(valveNumber)
		if err != nil {
			return nil, 0, err
		}
		return p, valveNumber, nil
	}
	id, ok := params["valve_param_id"].(string)
	if !ok || id == "" {
		return nil, 0, ctlerr.New(ctlerr.NotConfigured, "recipe.valve",
			fmt.Errorf("missing valve_number or valve_param_id"))
	}
	p, err := e.reg.ByID(id)
	if err != nil {
		return nil, 0, err
	}
	if p.ValveNumber == nil {
		return nil, 0, ctlerr.New(ctlerr.NotConfigured, "recipe.valve",
			fmt.Errorf("parameter %q (%s) is not a valve", id, p.Name))
	}
	return p, *p.ValveNumber, nil
}

// runPurge sets the purge coil, sleeps duration_ms (shortened by
// cancellation), then clears it. Emits two audit rows: begin and end
// (§4.F purge step — implementations choose one convention and document
// it; this one documents begin/end as separate rows so a partial purge
// left incomplete by a crash still shows a begin with no matching end).
func (e *Executor) runPurge(ctx context.Context, step store.RecipeStepRow) error {
	trigger, err := e.reg.PurgeTrigger()
	if err != nil {
		return err
	}
	if trigger.WriteAddress == nil {
		return ctlerr.New(ctlerr.NotConfigured, "recipe.purge", fmt.Errorf("purge trigger has no write address"))
	}
	durationMs, err := floatParam(step.Parameters, "duration_ms")
	if err != nil {
		return ctlerr.New(ctlerr.NotConfigured, "recipe.purge", err)
	}

	beginAt := time.Now()
	startErr := e.plc.WriteCoil(ctx, *trigger.WriteAddress, true)
	e.audit(ctx, trigger.Name, 1.0, beginAt, time.Now(), startErr)
	if startErr != nil {
		return startErr
	}

	cancelled := false
	select {
	case <-time.After(time.Duration(durationMs) * time.Millisecond):
	case <-ctx.Done():
		cancelled = true
	}

	endAt := time.Now()
	stopErr := e.plc.WriteCoil(context.Background(), *trigger.WriteAddress, false)
	e.audit(ctx, trigger.Name, 0.0, endAt, time.Now(), stopErr)
	if stopErr != nil {
		return stopErr
	}
	if cancelled {
		return ctlerr.New(ctlerr.Cancelled, "recipe.purge", ctx.Err())
	}
	return nil
}

// runSetParameter validates bounds, writes, and verifies the read-back
// within a tolerance window (§4.F set_parameter step).
func (e *Executor) runSetParameter(ctx context.Context, step store.RecipeStepRow) error {
	value, err := floatParam(step.Parameters, "value")
	if err != nil {
		return ctlerr.New(ctlerr.NotConfigured, "recipe.set_parameter", err)
	}

	p, err := e.resolveSetParameterTarget(step.Parameters)
	if err != nil {
		return err
	}
	name := p.Name
	if p.WriteAddress == nil {
		return ctlerr.New(ctlerr.NotConfigured, "recipe.set_parameter", fmt.Errorf("parameter %q has no write address", name))
	}
	if p.MinValue != nil && value < *p.MinValue || p.MaxValue != nil && value > *p.MaxValue {
		return ctlerr.New(ctlerr.OutOfRange, "recipe.set_parameter", fmt.Errorf("%v outside [%v, %v]", value, p.MinValue, p.MaxValue))
	}

	raw := value
	if p.Scaling != nil {
		raw = p.Scaling.Inverse(value)
	}

	executedAt := time.Now()
	writeErr := e.plc.WriteFloat(ctx, *p.WriteAddress, float32(raw))
	if writeErr != nil {
		e.audit(ctx, name, value, executedAt, time.Now(), writeErr)
		return writeErr
	}

	window := e.cfg.VerifyWindow
	if window <= 0 {
		window = 200 * time.Millisecond
	}
	select {
	case <-time.After(window):
	case <-ctx.Done():
		e.audit(ctx, name, value, executedAt, time.Now(), ctx.Err())
		return ctlerr.New(ctlerr.Cancelled, "recipe.set_parameter", ctx.Err())
	}

	readAddr := p.WriteAddress
	if p.ReadAddress != nil {
		readAddr = p.ReadAddress
	}
	readRaw, readErr := e.plc.ReadFloat(ctx, *readAddr)
	completedAt := time.Now()
	if readErr != nil {
		e.audit(ctx, name, value, executedAt, completedAt, readErr)
		return readErr
	}

	readEU := readRaw
	if p.Scaling != nil {
		readEU = p.Scaling.Forward(readRaw)
	}
	if !withinTolerance(readEU, value, p.MinValue, p.MaxValue, e.cfg.ToleranceFraction, e.cfg.ToleranceMin) {
		verr := ctlerr.New(ctlerr.VerifyFailed, "recipe.set_parameter",
			fmt.Errorf("read-back %v does not match target %v within tolerance", readEU, value))
		e.audit(ctx, name, value, executedAt, completedAt, verr)
		return verr
	}

	e.audit(ctx, name, value, executedAt, completedAt, nil)
	return nil
}

// resolveSetParameterTarget implements §4.F's alternate set_parameter
// identification keys: parameter_name | component_parameter_id, in that
// priority order (same alternate-key pattern as resolveValve and
// paramctl.Controller.resolveTarget).
func (e *Executor) resolveSetParameterTarget(params map[string]any) (*registry.Parameter, error) {
	if name, ok := params["parameter_name"].(string); ok && name != "" {
		return e.reg.ByName(name)
	}
	if id, ok := params["component_parameter_id"].(string); ok && id != "" {
		return e.reg.ByID(id)
	}
	return nil, ctlerr.New(ctlerr.NotConfigured, "recipe.set_parameter",
		fmt.Errorf("missing parameter_name or component_parameter_id"))
}

// runLoop executes the step's contiguous child range count times in
// sequence. count = 0 is legal and skips; nested loops are out of scope.
func (e *Executor) runLoop(ctx context.Context, step store.RecipeStepRow, children map[string][]store.RecipeStepRow) error {
	count, err := intParam(step.Parameters, "count")
	if err != nil {
		return ctlerr.New(ctlerr.NotConfigured, "recipe.loop", err)
	}
	kids := children[step.ID]
	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return ctlerr.New(ctlerr.Cancelled, "recipe.loop", ctx.Err())
		default:
		}
		status := e.runSteps(ctx, kids, children)
		if status != "completed" {
			return ctlerr.New(ctlerr.Fatal, "recipe.loop", fmt.Errorf("loop iteration %d/%d ended with status %s", i+1, count, status))
		}
	}
	return nil
}

// audit writes one parameter_control_commands row per observable effect
// (§4.F: "emit one audit row per observable effect").
func (e *Executor) audit(ctx context.Context, parameterName string, target float64, executedAt, completedAt time.Time, effectErr error) {
	var msg *string
	if effectErr != nil {
		if ctlerr.Is(effectErr, ctlerr.Cancelled) || errors.Is(effectErr, context.Canceled) || errors.Is(effectErr, context.DeadlineExceeded) {
			s := "cancelled"
			msg = &s
		} else {
			s := effectErr.Error()
			msg = &s
		}
	}
	e.auditWriter.AppendValveAudit(ctx, store.ValveAuditRow{
		MachineID:     e.machineID,
		ParameterName: parameterName,
		TargetValue:   target,
		ExecutedAt:    executedAt,
		CompletedAt:   completedAt,
		ErrorMessage:  msg,
	})
}

func intParam(params map[string]any, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing %q", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("%q has unexpected type %T", key, v)
	}
}

func floatParam(params map[string]any, key string) (float64, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%q has unexpected type %T", key, v)
	}
}

// withinTolerance implements the §4.F tolerance rule: the greater of
// tolerance_fraction * (max-min) and tolerance_min, or just tolerance_min
// when bounds are unknown.
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
	return math.Abs(got-want) <= tol
}
