package lifecycle

import (
	"errors"
	"fmt"
)

// InvalidTransitionError reports an event with no table entry from the
// entity's current state.
type InvalidTransitionError struct {
	Workflow string
	EntityID string
	State    State
	Event    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("INVALID_TRANSITION: %s %s has no %q transition from %s", e.Workflow, e.EntityID, e.Event, e.State)
}

// TerminalStateError reports an event proposed for an entity in a terminal state.
type TerminalStateError struct {
	Workflow string
	EntityID string
	State    State
	Event    string
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("TERMINAL_STATE: %s %s is %s, which is terminal (event %q)", e.Workflow, e.EntityID, e.State, e.Event)
}

// ProjectionError reports receipts whose recorded from_state does not follow
// the fold so far, or a cached projection that disagrees with replay.
type ProjectionError struct {
	EntityID  string
	ReceiptID int64
	Expected  State
	Actual    State
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("PROJECTION: %s at receipt %d expected %s, found %s", e.EntityID, e.ReceiptID, e.Expected, e.Actual)
}

// IsInvalidTransitionError returns true if err wraps an *InvalidTransitionError.
func IsInvalidTransitionError(err error) bool {
	var e *InvalidTransitionError
	return errors.As(err, &e)
}

// IsTerminalStateError returns true if err wraps a *TerminalStateError.
func IsTerminalStateError(err error) bool {
	var e *TerminalStateError
	return errors.As(err, &e)
}

// IsProjectionError returns true if err wraps a *ProjectionError.
func IsProjectionError(err error) bool {
	var e *ProjectionError
	return errors.As(err, &e)
}
