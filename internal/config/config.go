// Package config provides configuration loading and validation for the
// ALD control plane terminals.
//
// Configuration file: /etc/ald-control/config.yaml (default).
// Schema version: 1.
//
// Reloading: config is loaded and validated once at startup. There is no
// hot-reload; SIGHUP is not handled, so any change takes a restart.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (byte order in the supported set, timeouts
//     positive, etc).
//   - Invalid config on startup: terminal refuses to start (fatal error).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ald-control/ald-control-plane/internal/modbuscodec"
)

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Terminal identifies which of the three roles a process plays.
type Terminal int

const (
	TerminalUnset      Terminal = 0
	TerminalCollector  Terminal = 1 // PLC Data Collector
	TerminalExecutor   Terminal = 2 // Recipe Executor
	TerminalController Terminal = 3 // Parameter Controller
)

func (t Terminal) String() string {
	switch t {
	case TerminalCollector:
		return "collector"
	case TerminalExecutor:
		return "executor"
	case TerminalController:
		return "controller"
	default:
		return fmt.Sprintf("unset(%d)", int(t))
	}
}

// PlcMode selects whether the communicator talks to real hardware or an
// in-process simulator.
type PlcMode string

const (
	PlcModeReal       PlcMode = "real"
	PlcModeSimulation PlcMode = "simulation"
)

// Config is the root configuration structure for an ALD control plane
// terminal. All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// MachineID identifies the physical ALD tool this process controls.
	MachineID string `yaml:"machine_id"`

	// Terminal selects which of the three terminal roles this process runs.
	// Overridable by the --terminal command-line flag.
	Terminal Terminal `yaml:"terminal"`

	// EssentialsOnly restricts the registry to a fixed allowlist of
	// parameters (flow, pressure, power, temperature, numbered valves) on
	// bandwidth-constrained machines.
	EssentialsOnly bool `yaml:"essentials_only"`

	PLC           PLCConfig           `yaml:"plc"`
	Store         StoreConfig         `yaml:"store"`
	DLQ           DLQConfig           `yaml:"dlq"`
	Logger        LoggerConfig        `yaml:"continuous_logger"`
	Recipe        RecipeConfig        `yaml:"recipe"`
	ParamCtl      ParamCtlConfig      `yaml:"parameter_controller"`
	CmdSource     CmdSourceConfig     `yaml:"command_source"`
	Coordination  CoordinationConfig  `yaml:"coordination"`
	Observability ObservabilityConfig `yaml:"observability"`
	Supervisor    SupervisorConfig    `yaml:"supervisor"`
}

// PLCConfig configures the Modbus/TCP link (§4.B, §6).
type PLCConfig struct {
	Mode PlcMode `yaml:"mode"`

	// Hostname is tried first for mDNS/DNS resolution.
	Hostname string `yaml:"hostname"`

	// IP is the configured static fallback address.
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`

	// AutoDiscover enables a subnet sweep for the configured port, tried
	// after hostname resolution and before the static IP; a still-valid
	// cached discovery result is used in place of the sweep.
	AutoDiscover bool `yaml:"auto_discover"`

	// ByteOrder selects the 32-bit register composition rule.
	ByteOrder modbuscodec.ByteOrder `yaml:"byte_order"`

	// SlaveID is the Modbus unit identifier.
	SlaveID uint8 `yaml:"slave_id"`

	// ConnectAttempts is the number of tries per candidate endpoint.
	ConnectAttempts int `yaml:"connect_attempts"`

	// ConnectRetryGap is the fixed delay between connect attempts.
	ConnectRetryGap time.Duration `yaml:"connect_retry_gap"`

	// ConnectTimeout bounds a single connect() call.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// OpTimeout bounds a single Modbus operation.
	OpTimeout time.Duration `yaml:"op_timeout"`

	// OpRetries is the per-operation retry ceiling.
	OpRetries int `yaml:"op_retries"`

	// OpRetryBase is the exponential backoff base (base * 2^(attempt-1)).
	OpRetryBase time.Duration `yaml:"op_retry_base"`

	// HealthProbeAddr is the coil address read by the throttled health
	// probe. Defaults() leaves it unset, so coil 0 is probed unless it is
	// configured.
	HealthProbeAddr uint16 `yaml:"health_probe_addr"`

	// HealthProbeInterval throttles the health probe to at most once per
	// this duration.
	HealthProbeInterval time.Duration `yaml:"health_probe_interval"`

	// DiscoveryCachePath is where discovered endpoints are cached.
	DiscoveryCachePath string `yaml:"discovery_cache_path"`

	// DiscoveryCacheTTL bounds how long a cached discovery is trusted.
	DiscoveryCacheTTL time.Duration `yaml:"discovery_cache_ttl"`
}

// StoreConfig configures the cloud-hosted relational store connection.
type StoreConfig struct {
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`

	// MaxConns bounds the pgx pool size.
	MaxConns int32 `yaml:"max_conns"`

	// BatchTimeout bounds a single batch submission (§5 store per-batch 10s).
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// DLQConfig configures the on-disk dead-letter queue (§4.D).
type DLQConfig struct {
	Dir             string        `yaml:"dir"`
	ReplayInterval  time.Duration `yaml:"replay_interval"`
	MaxRowsPerBatch int           `yaml:"max_rows_per_batch"`
	MaxBatchAge     time.Duration `yaml:"max_batch_age"`
}

// LoggerConfig configures the Continuous Logger (§4.E).
type LoggerConfig struct {
	// Interval is the nominal cycle period. Default 1s.
	Interval time.Duration `yaml:"interval"`

	// StateCacheTTL bounds how long a machine-state read is reused across
	// cycles before re-querying the store.
	StateCacheTTL time.Duration `yaml:"state_cache_ttl"`
}

// RecipeConfig configures the Recipe Executor (§4.F).
type RecipeConfig struct {
	// VerifyWindow bounds the read-back delay after a set-parameter write.
	VerifyWindow time.Duration `yaml:"verify_window"`

	// ToleranceFraction is the fraction of (max-min) treated as acceptable
	// read-back error. Minimum absolute tolerance is ToleranceMin.
	ToleranceFraction float64 `yaml:"tolerance_fraction"`
	ToleranceMin      float64 `yaml:"tolerance_min"`
}

// ParamCtlConfig configures the Parameter Controller (§4.G).
type ParamCtlConfig struct {
	VerifyWindow      time.Duration `yaml:"verify_window"`
	ToleranceFraction float64       `yaml:"tolerance_fraction"`
	ToleranceMin      float64       `yaml:"tolerance_min"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ClaimTimeout      time.Duration `yaml:"claim_timeout"`
}

// CmdSourceConfig configures the Command Source pollers (§4.H).
type CmdSourceConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// CoordinationConfig configures the coordination fabric (§4.I).
type CoordinationConfig struct {
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
	LeaseHeartbeat  time.Duration `yaml:"lease_heartbeat"`
	ValveLockMargin time.Duration `yaml:"valve_lock_margin"`
	EmergencyPoll   time.Duration `yaml:"emergency_poll"`
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
	MissedBeats     int           `yaml:"missed_beats_before_evicted"`
}

// ObservabilityConfig configures metrics and logging.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// SupervisorConfig configures process lifecycle management (§4.J).
type SupervisorConfig struct {
	LockDir              string        `yaml:"lock_dir"`
	ShutdownDrainTimeout time.Duration `yaml:"shutdown_drain_timeout"`
	AdminSocketPath      string        `yaml:"admin_socket_path"`
	AdminSocketEnabled   bool          `yaml:"admin_socket_enabled"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		PLC: PLCConfig{
			Mode:                PlcModeReal,
			Port:                502,
			ByteOrder:           modbuscodec.BADC,
			SlaveID:             1,
			ConnectAttempts:     3,
			ConnectRetryGap:     1 * time.Second,
			ConnectTimeout:      10 * time.Second,
			OpTimeout:           3 * time.Second,
			OpRetries:           3,
			OpRetryBase:         500 * time.Millisecond,
			HealthProbeInterval: 1 * time.Second,
			DiscoveryCachePath:  "/var/lib/ald-control/plc_discovery_cache.json",
			DiscoveryCacheTTL:   5 * time.Minute,
		},
		Store: StoreConfig{
			MaxConns:     8,
			BatchTimeout: 10 * time.Second,
		},
		DLQ: DLQConfig{
			Dir:             "/var/lib/ald-control/deadletter",
			ReplayInterval:  60 * time.Second,
			MaxRowsPerBatch: 100,
			MaxBatchAge:     500 * time.Millisecond,
		},
		Logger: LoggerConfig{
			Interval:      1 * time.Second,
			StateCacheTTL: 1 * time.Second,
		},
		Recipe: RecipeConfig{
			VerifyWindow:      200 * time.Millisecond,
			ToleranceFraction: 0.01,
			ToleranceMin:      0.01,
		},
		ParamCtl: ParamCtlConfig{
			VerifyWindow:      200 * time.Millisecond,
			ToleranceFraction: 0.01,
			ToleranceMin:      0.01,
			PollInterval:      500 * time.Millisecond,
			ClaimTimeout:      30 * time.Second,
		},
		CmdSource: CmdSourceConfig{
			PollInterval: 500 * time.Millisecond,
		},
		Coordination: CoordinationConfig{
			LeaseTTL:        15 * time.Second,
			LeaseHeartbeat:  5 * time.Second,
			ValveLockMargin: 2 * time.Second,
			EmergencyPoll:   100 * time.Millisecond,
			HeartbeatPeriod: 5 * time.Second,
			MissedBeats:     3,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Supervisor: SupervisorConfig{
			LockDir:              "/tmp",
			ShutdownDrainTimeout: 5 * time.Second,
			AdminSocketPath:      "/run/ald-control/admin.sock",
			AdminSocketEnabled:   true,
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness, collecting every
// violation into a single descriptive error.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.MachineID == "" {
		errs = append(errs, "machine_id must not be empty")
	}
	if cfg.Terminal != TerminalCollector && cfg.Terminal != TerminalExecutor && cfg.Terminal != TerminalController {
		errs = append(errs, fmt.Sprintf("terminal must be 1, 2, or 3, got %d", cfg.Terminal))
	}
	if cfg.PLC.Mode != PlcModeReal && cfg.PLC.Mode != PlcModeSimulation {
		errs = append(errs, fmt.Sprintf("plc.mode must be %q or %q, got %q", PlcModeReal, PlcModeSimulation, cfg.PLC.Mode))
	}
	if !cfg.PLC.ByteOrder.Valid() {
		errs = append(errs, fmt.Sprintf("plc.byte_order must be one of abcd/badc/cdab/dcba, got %q", cfg.PLC.ByteOrder))
	}
	if cfg.PLC.Port <= 0 || cfg.PLC.Port > 65535 {
		errs = append(errs, fmt.Sprintf("plc.port must be in (0, 65535], got %d", cfg.PLC.Port))
	}
	if cfg.PLC.ConnectAttempts < 1 {
		errs = append(errs, "plc.connect_attempts must be >= 1")
	}
	if cfg.PLC.OpRetries < 1 {
		errs = append(errs, "plc.op_retries must be >= 1")
	}
	if cfg.PLC.Mode == PlcModeReal && cfg.PLC.Hostname == "" && cfg.PLC.IP == "" && !cfg.PLC.AutoDiscover {
		errs = append(errs, "plc.mode=real requires at least one of hostname, ip, or auto_discover")
	}
	if cfg.Store.DSN == "" && cfg.PLC.Mode == PlcModeReal {
		errs = append(errs, "store.dsn must not be empty")
	}
	if cfg.Store.MaxConns < 1 {
		errs = append(errs, "store.max_conns must be >= 1")
	}
	if cfg.DLQ.Dir == "" {
		errs = append(errs, "dlq.dir must not be empty")
	}
	if cfg.DLQ.MaxRowsPerBatch < 1 {
		errs = append(errs, "dlq.max_rows_per_batch must be >= 1")
	}
	if cfg.Logger.Interval <= 0 {
		errs = append(errs, "continuous_logger.interval must be > 0")
	}
	if cfg.Recipe.ToleranceFraction < 0 || cfg.Recipe.ToleranceFraction > 1 {
		errs = append(errs, "recipe.tolerance_fraction must be in [0, 1]")
	}
	if cfg.ParamCtl.ToleranceFraction < 0 || cfg.ParamCtl.ToleranceFraction > 1 {
		errs = append(errs, "parameter_controller.tolerance_fraction must be in [0, 1]")
	}
	if cfg.Coordination.LeaseTTL <= cfg.Coordination.LeaseHeartbeat {
		errs = append(errs, "coordination.lease_ttl must be greater than coordination.lease_heartbeat")
	}
	if cfg.Coordination.MissedBeats < 1 {
		errs = append(errs, "coordination.missed_beats_before_evicted must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
