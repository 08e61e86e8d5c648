package extractor

import (
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle state of an extraction.
type State int32

const (
	StateRunning State = iota
	StatePaused
	StateStopped
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateCompleted || s == StateFailed
}

// ErrInvalidTransition is returned for a state change the lifecycle does not
// allow, including control commands that do not apply to the current state.
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State][]State{
	StateRunning: {StatePaused, StateStopped, StateCompleted, StateFailed},
	StatePaused:  {StateRunning, StateStopped},
}

// machine holds the current state; every change goes through transition.
type machine struct {
	mu    sync.Mutex
	state State
}

func (m *machine) get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ok := range transitions[m.state] {
		if ok == to {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, m.state, to)
}
