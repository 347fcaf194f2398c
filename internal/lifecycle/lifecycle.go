// Package lifecycle defines the form lifecycle state machine. The machine is
// pure: given a current state and an event it returns the next state or an
// error, and performs no I/O, so the transition decision can run inside the
// version store's atomic update.
package lifecycle

import "fmt"

// State is a form version's lifecycle state.
type State string

const (
	// StateDraft is the initial state of every new version.
	StateDraft State = "DRAFT"
	// StateSubmitted marks a version whose content is frozen.
	StateSubmitted State = "SUBMITTED"
	// StateUnsubmitted is the terminal logical-deletion state. Records are
	// retained for history; no further transitions are permitted.
	StateUnsubmitted State = "UNSUBMITTED"
)

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StateDraft, StateSubmitted, StateUnsubmitted:
		return true
	}
	return false
}

// Event is a requested lifecycle transition.
type Event string

const (
	// EventSubmit submits a draft for downstream processing.
	EventSubmit Event = "submit"
	// EventDiscard abandons a draft without submitting it.
	EventDiscard Event = "discard"
	// EventWithdraw retracts a previously submitted version.
	EventWithdraw Event = "withdraw"
)

// Valid reports whether e is a known lifecycle event.
func (e Event) Valid() bool {
	switch e {
	case EventSubmit, EventDiscard, EventWithdraw:
		return true
	}
	return false
}

// InvalidTransitionError reports a transition not present in the table. It is
// surfaced to the caller unmodified and never retried.
type InvalidTransitionError struct {
	From  State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("lifecycle event %q is not valid in state %q", e.Event, e.From)
}

// transitions is the full table of permitted state changes.
var transitions = map[State]map[Event]State{
	StateDraft: {
		EventSubmit:  StateSubmitted,
		EventDiscard: StateUnsubmitted,
	},
	StateSubmitted: {
		EventWithdraw: StateUnsubmitted,
	},
	// StateUnsubmitted is terminal.
}

// Transition returns the state that applying event in state from yields, or
// an *InvalidTransitionError if the table does not permit it.
func Transition(from State, event Event) (State, error) {
	if next, ok := transitions[from][event]; ok {
		return next, nil
	}
	return "", &InvalidTransitionError{From: from, Event: event}
}
