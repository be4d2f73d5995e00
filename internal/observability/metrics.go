// Package observability — metrics.go
//
// Prometheus metrics for an ALD control plane terminal.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: aldctl_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Labels are op, outcome, machine mode, recipe step kind, and audit
//     stream (all small, fixed sets).
//   - component_parameter_id is NOT used as a label (unbounded cardinality
//     on some machines) — per-parameter detail belongs in the store, not in
//     Prometheus.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for a terminal process.
type Metrics struct {
	registry *prometheus.Registry

	// ─── PLC Communicator (§4.B) ──────────────────────────────────────────────

	// PlcOpsTotal counts Modbus operations attempted, by op and outcome.
	// Labels: op (read_coils, read_holding, write_coil, write_register, ...),
	// outcome (ok, retry, failed).
	PlcOpsTotal *prometheus.CounterVec

	// PlcOpLatency records per-operation latency, including internal retries.
	PlcOpLatency *prometheus.HistogramVec

	// PlcReconnectsTotal counts reconnect cycles triggered by a broken
	// connection.
	PlcReconnectsTotal prometheus.Counter

	// PlcConnected reports whether the communicator currently holds a live
	// connection (1) or not (0).
	PlcConnected prometheus.Gauge

	// PlcHealthProbeFailuresTotal counts all health-probe failures; it is
	// not reset by a successful probe.
	PlcHealthProbeFailuresTotal prometheus.Counter

	// ─── Continuous Logger (§4.E) ─────────────────────────────────────────────

	// LoggerCyclesTotal counts completed logging cycles, by machine mode
	// (idle, processing).
	LoggerCyclesTotal *prometheus.CounterVec

	// LoggerCycleDuration records wall-clock duration of a logging cycle.
	LoggerCycleDuration prometheus.Histogram

	// LoggerCycleOverrunsTotal counts cycles whose duration exceeded the
	// nominal interval (deadline was re-anchored forward, not caught up).
	LoggerCycleOverrunsTotal prometheus.Counter

	// ─── Recipe Executor (§4.F) ───────────────────────────────────────────────

	// RecipeStepsExecutedTotal counts recipe steps executed, by step kind
	// (valve, purge, loop, set_parameter) and outcome.
	RecipeStepsExecutedTotal *prometheus.CounterVec

	// RecipeRunsActive is the current number of in-flight recipe executions.
	RecipeRunsActive prometheus.Gauge

	// RecipeRunDuration records total wall-clock duration of a recipe run.
	RecipeRunDuration prometheus.Histogram

	// ─── Parameter Controller (§4.G) ──────────────────────────────────────────

	// ParamCmdsTotal counts parameter_control_commands processed, by outcome
	// (success, error).
	ParamCmdsTotal *prometheus.CounterVec

	// ParamCmdLatency records end-to-end latency from claim to completion.
	ParamCmdLatency prometheus.Histogram

	// ─── Command Source (§4.H) ────────────────────────────────────────────────

	// CmdsClaimedTotal counts commands successfully claimed.
	CmdsClaimedTotal prometheus.Counter

	// CmdsReclaimedTotal counts commands reclaimed after a claim timeout.
	CmdsReclaimedTotal prometheus.Counter

	// ─── Coordination Fabric (§4.I) ───────────────────────────────────────────

	// PlcLeaseHeld reports whether this process currently holds the PLC
	// lease (1) or not (0).
	PlcLeaseHeld prometheus.Gauge

	// ValveLocksHeld is the current number of valve locks held by this
	// process.
	ValveLocksHeld prometheus.Gauge

	// EmergencyPropagationLatency records the delay between an emergency
	// signal being raised and this process observing it.
	EmergencyPropagationLatency prometheus.Histogram

	// EmergencySignalsTotal counts emergency signals observed.
	EmergencySignalsTotal prometheus.Counter

	// ─── Audit & History Writer (§4.D) ────────────────────────────────────────

	// AuditRowsWrittenTotal counts audit/history rows successfully written
	// to the store, by stream (process_data_points, parameter_value_history,
	// parameter_control_commands). Batches spilled to the DLQ are not
	// counted.
	AuditRowsWrittenTotal *prometheus.CounterVec

	// AuditBatchLatency records store batch-write latency.
	AuditBatchLatency prometheus.Histogram

	// DlqRowsWrittenTotal counts rows spilled to the on-disk dead-letter
	// queue after the store rejected a batch.
	DlqRowsWrittenTotal *prometheus.CounterVec

	// DlqRowsReplayedTotal counts rows successfully replayed from the DLQ
	// back into the store.
	DlqRowsReplayedTotal prometheus.Counter

	// DlqBacklog is the current number of rows sitting in the DLQ.
	DlqBacklog prometheus.Gauge

	// ─── Terminal ──────────────────────────────────────────────────────────────

	// TerminalUptimeSeconds is the number of seconds since this terminal
	// process started.
	TerminalUptimeSeconds prometheus.Gauge

	// startTime records when the terminal started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all ALD control plane Prometheus metrics
// for one terminal process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		PlcOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aldctl",
			Subsystem: "plc",
			Name:      "ops_total",
			Help:      "Total Modbus operations attempted, by op and outcome.",
		}, []string{"op", "outcome"}),

		PlcOpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aldctl",
			Subsystem: "plc",
			Name:      "op_latency_seconds",
			Help:      "Modbus operation latency, including internal retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),

		PlcReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aldctl",
			Subsystem: "plc",
			Name:      "reconnects_total",
			Help:      "Total reconnect cycles triggered by a broken connection.",
		}),

		PlcConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aldctl",
			Subsystem: "plc",
			Name:      "connected",
			Help:      "1 if the communicator currently holds a live Modbus connection, else 0.",
		}),

		PlcHealthProbeFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aldctl",
			Subsystem: "plc",
			Name:      "health_probe_failures_total",
			Help:      "Total health-probe failures.",
		}),

		LoggerCyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aldctl",
			Subsystem: "logger",
			Name:      "cycles_total",
			Help:      "Total continuous logger cycles completed, by machine mode.",
		}, []string{"mode"}),

		LoggerCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aldctl",
			Subsystem: "logger",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of a continuous logger cycle.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, .75, 1, 1.5},
		}),

		LoggerCycleOverrunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aldctl",
			Subsystem: "logger",
			Name:      "cycle_overruns_total",
			Help:      "Total cycles whose duration exceeded the nominal interval.",
		}),

		RecipeStepsExecutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aldctl",
			Subsystem: "recipe",
			Name:      "steps_executed_total",
			Help:      "Total recipe steps executed, by step kind and outcome.",
		}, []string{"kind", "outcome"}),

		RecipeRunsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aldctl",
			Subsystem: "recipe",
			Name:      "runs_active",
			Help:      "Current number of in-flight recipe executions.",
		}),

		RecipeRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aldctl",
			Subsystem: "recipe",
			Name:      "run_duration_seconds",
			Help:      "Total wall-clock duration of a recipe run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),

		ParamCmdsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aldctl",
			Subsystem: "paramctl",
			Name:      "commands_total",
			Help:      "Total parameter_control_commands processed, by outcome.",
		}, []string{"outcome"}),

		ParamCmdLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aldctl",
			Subsystem: "paramctl",
			Name:      "command_latency_seconds",
			Help:      "End-to-end latency from command claim to completion.",
			Buckets:   prometheus.DefBuckets,
		}),

		CmdsClaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aldctl",
			Subsystem: "cmdsource",
			Name:      "claimed_total",
			Help:      "Total commands successfully claimed.",
		}),

		CmdsReclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aldctl",
			Subsystem: "cmdsource",
			Name:      "reclaimed_total",
			Help:      "Total commands reclaimed after a claim timeout.",
		}),

		PlcLeaseHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aldctl",
			Subsystem: "coordination",
			Name:      "plc_lease_held",
			Help:      "1 if this process currently holds the PLC lease, else 0.",
		}),

		ValveLocksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aldctl",
			Subsystem: "coordination",
			Name:      "valve_locks_held",
			Help:      "Current number of valve locks held by this process.",
		}),

		EmergencyPropagationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aldctl",
			Subsystem: "coordination",
			Name:      "emergency_propagation_seconds",
			Help:      "Delay between an emergency signal being raised and observed.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, .75, 1, 2},
		}),

		EmergencySignalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aldctl",
			Subsystem: "coordination",
			Name:      "emergency_signals_total",
			Help:      "Total emergency signals observed.",
		}),

		AuditRowsWrittenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aldctl",
			Subsystem: "audit",
			Name:      "rows_written_total",
			Help:      "Total rows written to the store, by stream.",
		}, []string{"stream"}),

		AuditBatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aldctl",
			Subsystem: "audit",
			Name:      "batch_latency_seconds",
			Help:      "Store batch-write latency.",
			Buckets:   prometheus.DefBuckets,
		}),

		DlqRowsWrittenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aldctl",
			Subsystem: "dlq",
			Name:      "rows_written_total",
			Help:      "Total rows spilled to the on-disk dead-letter queue, by stream.",
		}, []string{"stream"}),

		DlqRowsReplayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aldctl",
			Subsystem: "dlq",
			Name:      "rows_replayed_total",
			Help:      "Total rows successfully replayed from the DLQ into the store.",
		}),

		DlqBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aldctl",
			Subsystem: "dlq",
			Name:      "backlog",
			Help:      "Current number of rows sitting in the DLQ awaiting replay.",
		}),

		TerminalUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aldctl",
			Subsystem: "terminal",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since this terminal process started.",
		}),
	}

	reg.MustRegister(
		m.PlcOpsTotal,
		m.PlcOpLatency,
		m.PlcReconnectsTotal,
		m.PlcConnected,
		m.PlcHealthProbeFailuresTotal,
		m.LoggerCyclesTotal,
		m.LoggerCycleDuration,
		m.LoggerCycleOverrunsTotal,
		m.RecipeStepsExecutedTotal,
		m.RecipeRunsActive,
		m.RecipeRunDuration,
		m.ParamCmdsTotal,
		m.ParamCmdLatency,
		m.CmdsClaimedTotal,
		m.CmdsReclaimedTotal,
		m.PlcLeaseHeld,
		m.ValveLocksHeld,
		m.EmergencyPropagationLatency,
		m.EmergencySignalsTotal,
		m.AuditRowsWrittenTotal,
		m.AuditBatchLatency,
		m.DlqRowsWrittenTotal,
		m.DlqRowsReplayedTotal,
		m.DlqBacklog,
		m.TerminalUptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics.
// Returns an error only if the server fails to start or encounters a fatal
// error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the TerminalUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.TerminalUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
