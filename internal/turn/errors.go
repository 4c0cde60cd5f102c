package turn

import (
	"errors"
	"fmt"
)

var (
	ErrTurnInProgress = errors.New("a turn is already in progress for this notebook")
	ErrEmptyQuery     = errors.New("query is empty")
)

// ProviderError is a failure to open or read the model stream. It is the only
// error that sends a turn down the cache fallback path.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string { return fmt.Sprintf("model %s: %v", e.Op, e.Err) }
func (e *ProviderError) Unwrap() error { return e.Err }

// ToolExecutionError ends up in the tool-result event; the turn goes on.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string { return fmt.Sprintf("%s: %v", e.Tool, e.Err) }
func (e *ToolExecutionError) Unwrap() error { return e.Err }

// PersistenceError marks a turn degraded: what the caller got back is
// correct, but it may not all be stored.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persist %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// PolicyViolation is a call to a tool the user has hidden.
type PolicyViolation struct {
	Tool string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("tool %s is disabled and was not run", e.Tool)
}

var (
	errRejected = errors.New("rejected by user")
	errExpired  = errors.New("approval expired")
)
