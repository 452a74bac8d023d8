// Package session implements the recorder's five-state session
// machine (§4.5): Idle, Recording, Paused, Stopping, plus the terminal
// Finalized event that drains Stopping back to Idle.
package session

import (
	"fmt"
	"sync"
)

// State is one of the session's five lifecycle states.
type State int

const (
	Idle State = iota
	Recording
	Paused
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Event is one of the five events the machine accepts.
type Event int

const (
	Start Event = iota
	Pause
	Resume
	Stop
	Finalized
)

func (e Event) String() string {
	switch e {
	case Start:
		return "start"
	case Pause:
		return "pause"
	case Resume:
		return "resume"
	case Stop:
		return "stop"
	case Finalized:
		return "finalized"
	default:
		return fmt.Sprintf("unknown(%d)", int(e))
	}
}

// OnChange is invoked exactly once per accepted transition, never for
// a rejected one.
type OnChange func(old, new State)

// Machine is the session state machine. The zero value starts in
// Idle with no callback registered.
type Machine struct {
	mu       sync.Mutex
	state    State
	onChange OnChange
}

// New constructs a Machine in the Idle state.
func New() *Machine {
	return &Machine{state: Idle}
}

// SetOnChange registers the change callback, replacing any previous
// one. Not safe to call concurrently with Transition.
func (m *Machine) SetOnChange(cb OnChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = cb
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transitionTable[from][event] = (to, ok). Built once; mirrors the
// table in §4.5 exactly — Stopping only ever yields to Finalized, and
// only Finalized may fire from Stopping.
var transitionTable = map[State]map[Event]State{
	Idle: {
		Start: Recording,
	},
	Recording: {
		Pause: Paused,
		Stop:  Stopping,
	},
	Paused: {
		Resume: Recording,
		Stop:   Stopping,
	},
	Stopping: {
		Finalized: Idle,
	},
}

// Transition attempts the given event against the current state.
// Returns true iff the transition is in the table; on success the
// state is updated and on_change(old, new) fires exactly once before
// Transition returns. Rejected transitions leave the state unchanged
// and invoke nothing.
func (m *Machine) Transition(event Event) bool {
	m.mu.Lock()

	to, ok := transitionTable[m.state][event]
	if !ok {
		m.mu.Unlock()
		return false
	}

	old := m.state
	m.state = to
	cb := m.onChange
	m.mu.Unlock()

	if cb != nil {
		cb(old, to)
	}
	return true
}
