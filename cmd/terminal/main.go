// Package main — cmd/terminal/main.go
//
// ALD control plane terminal entrypoint. One binary plays one of three
// roles selected by --terminal or config.yaml's terminal field:
//
//	1  PLC Data Collector   (registry + communicator + continuous logger + audit writer)
//	2  Recipe Executor      (registry + recipe executor + command source + audit writer)
//	3  Parameter Controller (registry + parameter controller + audit writer)
//
// Startup sequence, mirrored from the teacher's cmd/octoreflex/main.go:
//  1. Parse flags, load and validate config.
//  2. Build the structured logger.
//  3. Connect to the store.
//  4. Load the parameter/valve registry.
//  5. Start the audit writer (and its DLQ replay loop).
//  6. Connect the PLC communicator (real hardware or loopback simulator).
//  7. Start the coordination fabric (lease, valve locks, emergency monitor, heartbeat).
//  8. Start the role-specific component(s).
//  9. Start the metrics server and, if enabled, the admin socket.
// 10. Block until a shutdown signal arrives.
//
// Shutdown reverses that order: role component(s), fabric, PLC, audit
// writer (final flush), store, logger sync.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ald-control/ald-control-plane/internal/audit"
	"github.com/ald-control/ald-control-plane/internal/cmdsource"
	"github.com/ald-control/ald-control-plane/internal/config"
	"github.com/ald-control/ald-control-plane/internal/coordination"
	"github.com/ald-control/ald-control-plane/internal/logger"
	"github.com/ald-control/ald-control-plane/internal/machinestate"
	"github.com/ald-control/ald-control-plane/internal/observability"
	"github.com/ald-control/ald-control-plane/internal/paramctl"
	"github.com/ald-control/ald-control-plane/internal/plc"
	"github.com/ald-control/ald-control-plane/internal/plcsim"
	"github.com/ald-control/ald-control-plane/internal/recipe"
	"github.com/ald-control/ald-control-plane/internal/registry"
	"github.com/ald-control/ald-control-plane/internal/store"
	"github.com/ald-control/ald-control-plane/internal/supervisor"
)

func main() {
	os.Exit(run())
}

// run holds everything main used to do directly. Kept separate from
// main so that deferred cleanup (log.Sync, the role lock release inside
// Supervisor.Run) actually executes — os.Exit does not run defers, so
// main must only ever call it with run's already-settled return value.
func run() int {
	configPath := flag.String("config", "/etc/ald-control/config.yaml", "Path to config.yaml")
	terminalFlag := flag.Int("terminal", 0, "Terminal role override: 1, 2, or 3 (0 = use config)")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("ald-control-terminal %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		return 1
	}

	if *terminalFlag != 0 {
		cfg.Terminal = config.Terminal(*terminalFlag)
		if err := config.Validate(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: --terminal %d produced an invalid config: %v\n", *terminalFlag, err)
			return 1
		}
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	log.Info("ald-control terminal starting",
		zap.String("version", config.Version),
		zap.String("terminal", cfg.Terminal.String()),
		zap.String("machine_id", cfg.MachineID),
		zap.String("config", *configPath),
	)

	state := machinestate.New()
	sup, err := supervisor.New(cfg.Terminal, state, log, cfg.Supervisor)
	if err != nil {
		log.Error("supervisor: failed to acquire role lock", zap.Error(err))
		return 1
	}

	term := &terminal{cfg: cfg, log: log, state: state}
	return sup.Run(term)
}

// terminal wires every component a given role needs and satisfies
// supervisor.Terminal. Construction is deferred to Run so that the
// supervisor's signal handling and file lock are in place before any
// network connection is attempted.
type terminal struct {
	cfg   *config.Config
	log   *zap.Logger
	state *machinestate.State

	st     *store.Store
	reg    *registry.Registry
	comm   *plc.Communicator
	sim    *plcsim.Server
	writer *audit.Writer
	fabric *coordination.Fabric
	metric *observability.Metrics
	admin  *supervisor.AdminServer

	contLogger *logger.Logger
	executor   *recipe.Executor
	cmdSource  *cmdsource.Source
	paramCtl   *paramctl.Controller
}

func holderName(t config.Terminal) string {
	return "terminal_" + strconv.Itoa(int(t))
}

// Run performs startup (store connect, registry load, PLC connect,
// coordination fabric, role component(s), metrics/admin server) then
// blocks until ctx is cancelled.
func (t *terminal) Run(ctx context.Context) error {
	t.metric = observability.NewMetrics()

	st, err := store.New(ctx, t.cfg.Store, t.log)
	if err != nil {
		return fmt.Errorf("terminal: store connect: %w", err)
	}
	t.st = st

	t.reg = registry.New(t.log)
	if err := t.reg.Load(ctx, t.st, t.cfg.EssentialsOnly); err != nil {
		return fmt.Errorf("terminal: registry load: %w", err)
	}
	t.log.Info("registry loaded", zap.Int("parameters", len(t.reg.All())))

	t.writer = audit.New(t.st, t.log, t.metric, t.cfg.DLQ)
	t.writer.Start(ctx)

	isPlcOwner := t.cfg.Terminal == config.TerminalCollector
	if t.cfg.PLC.Mode == config.PlcModeSimulation && isPlcOwner {
		t.sim = plcsim.New(t.cfg.PLC.ByteOrder)
		addr := fmt.Sprintf("tcp://%s:%d", firstNonEmpty(t.cfg.PLC.IP, "127.0.0.1"), t.cfg.PLC.Port)
		if err := t.sim.Start(addr); err != nil {
			return fmt.Errorf("terminal: start in-process PLC simulator: %w", err)
		}
		t.log.Info("in-process PLC simulator listening", zap.String("addr", addr))
	}

	t.comm = plc.New(t.cfg.PLC, t.log, t.metric)
	if err := t.comm.Connect(ctx); err != nil {
		return fmt.Errorf("terminal: plc connect: %w", err)
	}

	t.fabric = coordination.New(t.st, t.reg, t.comm, t.state, t.log, t.metric, t.cfg.MachineID, holderName(t.cfg.Terminal), isPlcOwner, t.cfg.Coordination)
	t.fabric.Start(ctx)

	switch t.cfg.Terminal {
	case config.TerminalCollector:
		t.contLogger = logger.New(t.comm, t.reg, t.st, t.writer, t.log, t.metric, t.cfg.MachineID, t.cfg.Logger)
		t.contLogger.Start(ctx)

	case config.TerminalExecutor:
		t.executor = recipe.New(t.comm, t.reg, t.st, t.writer, t.state, t.log, t.cfg.MachineID, t.cfg.Recipe)
		t.executor.SetValveLocks(t.fabric.ValveLocks)
		t.cmdSource = cmdsource.New(t.st, t.executor, t.log, t.metric, t.cfg.MachineID, t.cfg.CmdSource)
		t.cmdSource.Start(ctx)

	case config.TerminalController:
		t.paramCtl = paramctl.New(t.comm, t.reg, t.st, nil, t.log, t.metric, t.cfg.MachineID, t.cfg.ParamCtl)
		t.paramCtl.Start(ctx)
	}

	go func() {
		if err := t.metric.ServeMetrics(ctx, t.cfg.Observability.MetricsAddr); err != nil {
			t.log.Error("metrics server error", zap.Error(err))
		}
	}()

	if t.cfg.Supervisor.AdminSocketEnabled {
		t.admin = supervisor.NewAdminServer(t.cfg.Supervisor.AdminSocketPath, t.state, t.fabric.Emergency, t.log)
		go func() {
			if err := t.admin.ListenAndServe(ctx); err != nil {
				t.log.Error("admin socket server error", zap.Error(err))
			}
		}()
	}

	t.log.Info("terminal ready", zap.String("terminal", t.cfg.Terminal.String()))

	<-ctx.Done()
	return nil
}

// Shutdown tears every started component down in reverse order. Safe to
// call even if Run returned early, since each component is nil-checked.
func (t *terminal) Shutdown(ctx context.Context) {
	if t.contLogger != nil {
		t.contLogger.Stop()
	}
	if t.cmdSource != nil {
		t.cmdSource.Stop()
	}
	if t.paramCtl != nil {
		t.paramCtl.Stop()
	}
	if t.fabric != nil {
		t.fabric.Stop(ctx)
	}
	if t.comm != nil {
		if err := t.comm.Close(); err != nil {
			t.log.Warn("terminal: plc close failed", zap.Error(err))
		}
	}
	if t.sim != nil {
		if err := t.sim.Stop(); err != nil {
			t.log.Warn("terminal: simulator stop failed", zap.Error(err))
		}
	}
	if t.writer != nil {
		t.writer.FlushHistory(ctx)
		t.writer.FlushDataPoints(ctx)
		t.writer.Stop()
	}
	if t.st != nil {
		t.st.Close()
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
