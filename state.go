package chanpump

import (
	"sync/atomic"
)

// State represents the lifecycle state of a Pump.
//
// State Machine:
//
//	StateConstructed → StateRunning       [Run]
//	StateConstructed → StateTerminated    [Shutdown before Run]
//	StateRunning → StateShuttingDown      [Shutdown, ctx cancellation]
//	StateShuttingDown → StateTerminated   [both loops exited]
//	StateTerminated → (terminal)
//
// Transitions into temporary states use CAS (TryTransition); the terminal
// state is stored unconditionally once both loops have exited.
type State uint32

const (
	// StateConstructed indicates the pump has been created but not started.
	StateConstructed State = iota
	// StateRunning indicates both loops are running.
	StateRunning
	// StateShuttingDown indicates shutdown has been requested but the loops
	// have not yet exited.
	StateShuttingDown
	// StateTerminated indicates the pump is fully stopped and all resources
	// have been released. No operation is valid on a terminated pump.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateConstructed:
		return "Constructed"
	case StateRunning:
		return "Running"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state machine with cache-line padding to prevent
// false sharing between cores.
type fastState struct {
	_ [64]byte // Cache line padding //nolint:unused
	v atomic.Uint32
	_ [60]byte // Pad to complete cache line //nolint:unused
}

func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint32(StateConstructed))
	return s
}

// Load returns the current state atomically.
func (s *fastState) Load() State {
	return State(s.v.Load())
}

// Store atomically stores a new state. Reserved for irreversible states;
// storing a temporary state would break the CAS logic.
func (s *fastState) Store(state State) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to another.
// Returns true if the transition was successful.
func (s *fastState) TryTransition(from, to State) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
