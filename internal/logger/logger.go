// Package logger implements the Continuous Logger (spec §4.E): the
// steady 1Hz loop that snapshots every known parameter and routes the
// samples into the Audit & History Writer, picking parameter_value_history-only
// or dual-mode (history + process_data_points) based on machine state.
//
// Grounded on the teacher's monotonic-deadline scheduling idiom (the
// escalation and gossip packages both drive fixed-period loops off
// time.Timer re-arms rather than a naive ticker, to avoid drift and
// back-to-back catch-up cycles when work overruns).
package logger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/audit"
	"github.com/ald-control/ald-control-plane/internal/config"
	"github.com/ald-control/ald-control-plane/internal/observability"
	"github.com/ald-control/ald-control-plane/internal/plc"
	"github.com/ald-control/ald-control-plane/internal/registry"
	"github.com/ald-control/ald-control-plane/internal/store"
)

// machineReader is the slice of *store.Store the logger needs for its
// cached state read (§4.E step 1).
type machineReader interface {
	GetMachine(ctx context.Context, machineID string) (store.MachineRow, error)
}

// plcReader is the slice of *plc.Communicator the logger needs for its
// bulk snapshot (§4.E step 2).
type plcReader interface {
	ReadAll(ctx context.Context, specs []plc.ReadSpec) (map[string]float64, error)
}

// Logger drives the 1Hz read-all-and-route loop.
type Logger struct {
	comm      plcReader
	reg       *registry.Registry
	machines  machineReader
	writer    *audit.Writer
	log       *zap.Logger
	metric    *observability.Metrics
	machineID string
	interval  time.Duration
	stateTTL  time.Duration

	mu          sync.Mutex
	cachedState store.MachineRow
	cachedAt    time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup

	started atomic.Bool // set by the first Start; later calls return

	cyclesTotal   atomic.Uint64
	overrunsTotal atomic.Uint64
}

// New constructs a Logger. Call Start to begin the 1Hz loop.
func New(comm plcReader, reg *registry.Registry, machines machineReader, writer *audit.Writer, log *zap.Logger, metric *observability.Metrics, machineID string, cfg config.LoggerConfig) *Logger {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ttl := cfg.StateCacheTTL
	if ttl <= 0 {
		ttl = time.Second
	}
	return &Logger{
		comm:      comm,
		reg:       reg,
		machines:  machines,
		writer:    writer,
		log:       log,
		metric:    metric,
		machineID: machineID,
		interval:  interval,
		stateTTL:  ttl,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the scheduling loop. Idempotent: a second call while
// already running is a no-op (spec §4.E lifecycle).
func (l *Logger) Start(ctx context.Context) {
	select {
	case <-l.stopCh:
		// previously stopped; a fresh Logger is required to restart
		return
	default:
	}
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop cancels the loop cooperatively and waits for the in-flight cycle.
func (l *Logger) Stop() {
	select {
	case <-l.stopCh:
		// already stopped
	default:
		close(l.stopCh)
	}
	l.wg.Wait()
}

// run is the monotonic-deadline scheduler. Each cycle's nominal deadline
// is anchored off the previous deadline, not off "when the last cycle
// finished" — a cycle that overruns re-anchors to the next future
// deadline instead of running back-to-back to catch up (spec §4.E).
func (l *Logger) run(ctx context.Context) {
	defer l.wg.Done()

	deadline := time.Now().Add(l.interval)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-timer.C:
			cycleStart := time.Now()
			mode := l.cycle(ctx)
			l.cyclesTotal.Add(1)
			if l.metric != nil {
				l.metric.LoggerCyclesTotal.WithLabelValues(mode).Inc()
				l.metric.LoggerCycleDuration.Observe(time.Since(cycleStart).Seconds())
			}

			deadline = deadline.Add(l.interval)
			next := time.Until(deadline)
			if next <= 0 {
				// overran past the next deadline too; drop the backlog
				// and re-anchor rather than firing back-to-back.
				l.overrunsTotal.Add(1)
				if l.metric != nil {
					l.metric.LoggerCycleOverrunsTotal.Inc()
				}
				deadline = time.Now().Add(l.interval)
				next = l.interval
			}
			timer.Reset(next)
		}
	}
}

// cycle runs one snapshot-and-route pass (§4.E cycle body, steps 1-4),
// returning the machine mode observed for metric labeling.
func (l *Logger) cycle(ctx context.Context) string {
	state, err := l.readCachedState(ctx)
	if err != nil {
		l.log.Error("continuous logger: machine state read failed", zap.Error(err))
		return "unknown"
	}

	specs := l.readSpecs()
	if len(specs) == 0 {
		return state.Status
	}

	raw, err := l.comm.ReadAll(ctx, specs)
	if err != nil {
		l.log.Error("continuous logger: read_all failed", zap.Error(err))
		// still route whatever values came back from runs that succeeded
	}
	if len(raw) == 0 {
		return state.Status
	}
	values := l.applyScaling(raw)

	now := time.Now()
	history := make([]store.ParameterHistorySample, 0, len(values))
	for id, v := range values {
		history = append(history, store.ParameterHistorySample{
			ParameterID: id, Value: v, Timestamp: now, MachineID: l.machineID,
		})
	}
	for _, h := range history {
		l.writer.AppendHistory(ctx, h)
	}

	// Mode-transition race (§4.E): current_process_id may flip between
	// the state read above and this point. At most one cycle of
	// over/under-attribution is accepted; process_data_points is never
	// written with an empty process_id.
	if state.Status == "processing" && state.CurrentProcessID != nil && *state.CurrentProcessID != "" {
		points := make([]store.ProcessDataPoint, 0, len(values))
		for id, v := range values {
			points = append(points, store.ProcessDataPoint{
				ProcessID: *state.CurrentProcessID, ParameterID: id, Value: v, Timestamp: now,
			})
		}
		l.writer.AppendDataPoints(ctx, points)
	}

	l.writer.FlushIfDue(ctx)
	return state.Status
}

// readCachedState serves the last machine-state read if it is within
// StateCacheTTL, otherwise re-queries the store.
func (l *Logger) readCachedState(ctx context.Context) (store.MachineRow, error) {
	l.mu.Lock()
	if time.Since(l.cachedAt) < l.stateTTL {
		s := l.cachedState
		l.mu.Unlock()
		return s, nil
	}
	l.mu.Unlock()

	s, err := l.machines.GetMachine(ctx, l.machineID)
	if err != nil {
		return store.MachineRow{}, err
	}
	l.mu.Lock()
	l.cachedState = s
	l.cachedAt = time.Now()
	l.mu.Unlock()
	return s, nil
}

// readSpecs converts the registry's loaded parameters into PLC read specs.
func (l *Logger) readSpecs() []plc.ReadSpec {
	params := l.reg.All()
	specs := make([]plc.ReadSpec, 0, len(params))
	for _, p := range params {
		if p.ReadAddress == nil {
			continue
		}
		dt, ok := dataType(p.DataType)
		if !ok {
			continue
		}
		specs = append(specs, plc.ReadSpec{ID: p.ID, Address: *p.ReadAddress, DataType: dt})
	}
	return specs
}

// applyScaling converts raw read_all results into engineering units for
// any parameter carrying a scaling record (spec §4.C: "reads apply the
// forward linear map"). Parameters with no scaling record pass through
// unchanged.
func (l *Logger) applyScaling(raw map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(raw))
	for id, v := range raw {
		p, err := l.reg.ByID(id)
		if err == nil && p.Scaling != nil {
			out[id] = p.Scaling.Forward(v)
			continue
		}
		out[id] = v
	}
	return out
}

func dataType(s string) (plc.DataType, bool) {
	switch s {
	case "float32":
		return plc.DataTypeFloat32, true
	case "int32":
		return plc.DataTypeInt32, true
	case "int16":
		return plc.DataTypeInt16, true
	case "binary":
		return plc.DataTypeCoil, true
	default:
		return 0, false
	}
}
