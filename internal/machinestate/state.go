// Package machinestate tracks a single ALD tool's run mode and emergency
// overlay, mirroring the `machines` table's {status, current_process_id}
// pair plus the emergency latch described in spec §4.I.
//
// Mode (idle/processing) and the emergency latch are independent: a
// machine can be idle-and-emergency or processing-and-emergency. Entering
// emergency is a one-way transition until an explicit Reset; mode changes
// remain free-running underneath it, so Current reports the up-to-date
// mode once the reset happens.
package machinestate

import (
	"sync"
	"time"
)

// Mode is the machine's run mode, independent of emergency status.
type Mode uint8

const (
	Idle Mode = iota
	Processing
)

func (m Mode) String() string {
	if m == Processing {
		return "processing"
	}
	return "idle"
}

// Snapshot is an immutable read of the machine state at one instant.
type Snapshot struct {
	Mode        Mode
	ProcessID   string // empty unless Mode == Processing
	Emergency   bool
	EnteredAt   time.Time // when Mode was last set
	EmergencyAt time.Time // when Emergency last transitioned true, zero otherwise
}

// State is a mutex-protected machine state. All mutating methods are
// atomic under a single lock; Current() is a cheap snapshot read used by
// the admin socket's status command.
type State struct {
	mu        sync.Mutex
	mode      Mode
	processID string
	emergency bool

	enteredAt   time.Time
	emergencyAt time.Time
}

// New returns a State starting idle, no emergency.
func New() *State {
	return &State{mode: Idle, enteredAt: time.Now()}
}

// SetIdle transitions to idle. No-op on the emergency latch.
func (s *State) SetIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = Idle
	s.processID = ""
	s.enteredAt = time.Now()
}

// SetProcessing transitions to processing with the given process id.
// processID must be non-empty; callers must never write process_data_points
// against an empty process id (spec §4.E).
func (s *State) SetProcessing(processID string) {
	if processID == "" {
		panic("machinestate: SetProcessing requires a non-empty processID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = Processing
	s.processID = processID
	s.enteredAt = time.Now()
}

// EnterEmergency latches the emergency flag. Idempotent: a second call
// while already in emergency does not reset EmergencyAt.
// Returns true if this call caused the transition (false → true).
func (s *State) EnterEmergency() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emergency {
		return false
	}
	s.emergency = true
	s.emergencyAt = time.Now()
	return true
}

// Reset clears the emergency latch. Does not touch mode/processID.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emergency = false
	s.emergencyAt = time.Time{}
}

// InEmergency reports the current emergency latch value.
func (s *State) InEmergency() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emergency
}

// Current returns a Snapshot of the full state.
func (s *State) Current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Mode:        s.mode,
		ProcessID:   s.processID,
		Emergency:   s.emergency,
		EnteredAt:   s.enteredAt,
		EmergencyAt: s.emergencyAt,
	}
}
