package model

import (
	"fmt"
	"time"

	"github.com/felixgeelhaar/statekit"
)

type State string

// Values double as statekit state ids.
const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateSkipped    State = "skipped"
	StateFailed     State = "failed"
)

const (
	eventStart    = "start"
	eventComplete = "complete"
	eventSkip     = "skip"
	eventFail     = "fail"
	eventReset    = "reset"
)

func IsKnownState(s State) bool {
	switch s {
	case StatePending, StateInProgress, StateCompleted, StateSkipped, StateFailed:
		return true
	}
	return false
}

// IsTerminal reports whether an entry in state s is never revisited.
func IsTerminal(s State) bool {
	return s == StateCompleted || s == StateSkipped
}

type TransitionError struct {
	Key   Key
	From  State
	To    State
	Event string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid ledger transition: %q -> %q via %q (%s)", e.From, e.To, e.Event, e.Key)
}

type entryContext struct {
	Key Key
}

func eventFor(to State) string {
	switch to {
	case StateInProgress:
		return eventStart
	case StateCompleted:
		return eventComplete
	case StateSkipped:
		return eventSkip
	case StateFailed:
		return eventFail
	case StatePending:
		return eventReset
	}
	return ""
}

func newEntryInterpreter(from State, key Key) (*statekit.Interpreter[entryContext], error) {
	builder := statekit.NewMachine[entryContext]("ledger-entry").
		WithInitial(statekit.StateID(from)).
		WithContext(entryContext{Key: key})

	builder.State(statekit.StateID(StatePending)).
		On(eventStart).Target(statekit.StateID(StateInProgress)).
		On(eventSkip).Target(statekit.StateID(StateSkipped)).
		On(eventFail).Target(statekit.StateID(StateFailed)).
		Done()

	// in_progress -> skipped covers an unfinished attempt whose activity a
	// changed rule now skips.
	builder.State(statekit.StateID(StateInProgress)).
		On(eventComplete).Target(statekit.StateID(StateCompleted)).
		On(eventSkip).Target(statekit.StateID(StateSkipped)).
		On(eventFail).Target(statekit.StateID(StateFailed)).
		Done()

	builder.State(statekit.StateID(StateFailed)).
		On(eventReset).Target(statekit.StateID(StatePending)).
		Done()

	builder.State(statekit.StateID(StateCompleted)).Done()
	builder.State(statekit.StateID(StateSkipped)).Done()

	machine, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build ledger state machine: %w", err)
	}
	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return interp, nil
}

// CanTransition reports whether an entry may move from -> to. An absent
// entry ("") behaves like pending. Staying in place is always allowed, which
// is what lets an unfinished in_progress entry be attempted again.
func CanTransition(from, to State) bool {
	if from == "" {
		from = StatePending
	}
	if !IsKnownState(from) || !IsKnownState(to) {
		return false
	}
	if from == to {
		return true
	}
	interp, err := newEntryInterpreter(from, Key{})
	if err != nil {
		return false
	}
	interp.Send(statekit.Event{Type: statekit.EventType(eventFor(to))})
	return State(interp.State().Value) == to
}

// Advance moves entry to the given state, recording reason and the time.
func Advance(entry *LedgerEntry, to State, reason string, now time.Time) error {
	from := entry.State
	if !CanTransition(from, to) {
		return &TransitionError{Key: entry.Key(), From: from, To: to, Event: eventFor(to)}
	}
	entry.State = to
	entry.Reason = reason
	entry.UpdatedAt = now.UTC()
	return nil
}
