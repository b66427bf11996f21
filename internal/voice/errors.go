package voice

import (
	"errors"
	"fmt"
)

var (
	// ErrStateViolation marks an event that is not valid in the current state.
	ErrStateViolation = errors.New("event not valid in current state")
	// ErrSessionClosed is returned once the orchestrator has stopped.
	ErrSessionClosed = errors.New("session closed")
)

// FatalInternalFault forces a session into ERROR and is reported to operators.
type FatalInternalFault struct {
	SessionID    string
	LastState    State
	LastSequence int64
	Cause        error
}

func (f *FatalInternalFault) Error() string {
	return fmt.Sprintf("fatal internal fault session=%s state=%s last_sequence=%d: %v", f.SessionID, f.LastState, f.LastSequence, f.Cause)
}

func (f *FatalInternalFault) Unwrap() error { return f.Cause }
