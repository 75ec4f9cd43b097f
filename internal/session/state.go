package session

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when an intent or event would move a
// session along an edge the lifecycle does not have.
var ErrInvalidTransition = errors.New("invalid session transition")

// State is a session lifecycle state.
type State string

const (
	StateDetected   State = "detected"
	StatePresented  State = "presented"
	StateStaged     State = "staged"
	StateExecuting  State = "executing"
	StateConfirming State = "confirming"
	StateResolved   State = "resolved"
	StateUnresolved State = "unresolved"
	StateAbandoned  State = "abandoned"
	StateTimedOut   State = "timed_out"
)

// Terminal reports whether s ends the session.
func (s State) Terminal() bool {
	switch s {
	case StateResolved, StateUnresolved, StateAbandoned, StateTimedOut:
		return true
	}
	return false
}

var allowedTransitions = map[State]map[State]struct{}{
	StateDetected: {
		StatePresented: {},
		StateAbandoned: {},
	},
	StatePresented: {
		StateStaged:    {},
		StateAbandoned: {},
	},
	StateStaged: {
		StateExecuting: {},
		StateAbandoned: {},
	},
	StateExecuting: {
		StateConfirming: {},
	},
	StateConfirming: {
		StateResolved:   {},
		StateUnresolved: {},
		StateTimedOut:   {},
	},
	StateResolved:   {},
	StateUnresolved: {},
	StateAbandoned:  {},
	StateTimedOut:   {},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to State) bool {
	return validateTransition(from, to) == nil
}

func validateTransition(from, to State) error {
	allowed, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source state %q", ErrInvalidTransition, from)
	}
	if _, ok := allowed[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// statusText is the plain message shown to the user for a state.
func statusText(s State) string {
	switch s {
	case StateDetected:
		return "Looking into a problem"
	case StatePresented:
		return "Problem found"
	case StateStaged:
		return "Fix ready to run"
	case StateExecuting:
		return "Running the fix"
	case StateConfirming:
		return "Checking whether the fix worked"
	case StateResolved:
		return "Fixed"
	case StateUnresolved:
		return "The problem came back after the fix"
	case StateAbandoned:
		return "Dismissed"
	case StateTimedOut:
		return "Could not confirm the fix worked"
	}
	return string(s)
}
