package store

import "time"

// ParameterRow is one row of the denormalized component_parameters_full
// view (spec §3, §6). The registry builds its in-memory maps from a
// one-shot load of these.
type ParameterRow struct {
	ID                string
	ParameterName     string
	ComponentName     string
	ReadAddress       *uint16
	WriteAddress      *uint16
	ReadModbusType    string
	WriteModbusType   string
	DataType          string // float32 | int32 | int16 | binary
	MinValue          *float64
	MaxValue          *float64
	IsWritable        bool
	Unit              string
	ScalingVMin       *float64
	ScalingVMax       *float64
	ScalingEUMin      *float64
	ScalingEUMax      *float64
}

// MachineRow is the single authoritative machine-state row a terminal's
// id resolves to.
type MachineRow struct {
	ID               string
	Status           string // idle | processing | emergency
	CurrentProcessID *string
	LastHeartbeat    time.Time
}

// ProcessExecutionRow tracks one recipe run.
type ProcessExecutionRow struct {
	ID                    string
	MachineID             string
	RecipeID              string
	RecipeVersionSnapshot int
	StartTime             time.Time
	EndTime               *time.Time
	Status                string // running | completed | failed | aborted
}

// RecipeRow and RecipeStepRow are read-only recipe definitions.
type RecipeRow struct {
	ID      string
	Name    string
	Version int
}

type RecipeStepRow struct {
	ID             string
	RecipeID       string
	SequenceNumber int
	ParentStepID   *string
	Type           string // valve | purge | loop | set_parameter
	Parameters     map[string]any
}

// RecipeCommandRow is a row in recipe_commands (start_recipe, stop_recipe, ...).
type RecipeCommandRow struct {
	ID          string
	Type        string
	Status      string
	MachineID   *string
	Parameters  map[string]any
	CreatedAt   time.Time
	ExecutedAt  *time.Time
	CompletedAt *time.Time
}

// ParameterControlCommandRow is both the command and its own audit
// record (spec §4.G: "the row itself is the audit record"). Resolution
// follows component_parameter_id | parameter_name | raw_modbus_address,
// in that priority order (§4.G step 1); RawModbusAddress/DataType are
// only consulted when neither id nor name is set, and the write bypasses
// registry validation entirely in that case.
type ParameterControlCommandRow struct {
	ID                  string
	MachineID           *string
	ParameterName        *string
	ComponentParameterID *string
	RawModbusAddress     *uint16
	DataType             *string
	TargetValue          float64
	CreatedAt            time.Time
	ExecutedAt           *time.Time
	CompletedAt          *time.Time
	ErrorMessage         *string
}

// ValveAuditRow is one Recipe Executor audit effect, routed through the
// Audit & History Writer's buffered/retried/DLQ-backed submission path
// the same as the other two streams (§4.D, §4.F).
type ValveAuditRow struct {
	MachineID     string
	ParameterName string
	TargetValue   float64
	ExecutedAt    time.Time
	CompletedAt   time.Time
	ErrorMessage  *string
}

// ParameterHistorySample is one parameter_value_history row.
type ParameterHistorySample struct {
	ParameterID string
	Value       float64
	Timestamp   time.Time
	MachineID   string
}

// ProcessDataPoint is one process_data_points row. ProcessID must never
// be empty (spec §4.E invariant).
type ProcessDataPoint struct {
	ProcessID   string
	ParameterID string
	Value       float64
	SetPoint    *float64
	Timestamp   time.Time
}

// EmergencySignalRow is one emergency_signal stream entry.
type EmergencySignalRow struct {
	ID        int64
	Source    string
	Reason    string
	Severity  string
	CreatedAt time.Time
}

// PLCLeaseRow is the single plc resource lease row.
type PLCLeaseRow struct {
	Resource  string
	Holder    string
	ExpiresAt time.Time
}

// ValveLockRow is a short-lived per-valve serialization lock.
type ValveLockRow struct {
	ValveNumber int
	Holder      string
	OperationID string
	ExpiresAt   time.Time
}
