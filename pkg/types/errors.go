package types

import "fmt"

// ValidationError marks malformed input that must never reach a venue or
// mutate position state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// ConfigurationError marks a missing or invalid required configuration field,
// raised at construction before any order can be generated.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Reason)
}

// ExecutionError marks a venue rejection or timeout. Transient errors are
// eligible for bounded retry, non-transient ones fail immediately.
type ExecutionError struct {
	OrderID   string
	Code      string
	Transient bool
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed for order %s (%s): %v", e.OrderID, e.Code, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ReconciliationError marks actual deltas diverging from expected beyond
// tolerance, or a partially executed atomic group.
type ReconciliationError struct {
	Key      PositionKey
	GroupID  string
	Expected string
	Actual   string
	Reason   string
}

func (e *ReconciliationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("reconciliation failed on %s: expected %s, actual %s: %s",
			e.Key, e.Expected, e.Actual, e.Reason)
	}
	return fmt.Sprintf("reconciliation failed (group %s): %s", e.GroupID, e.Reason)
}

// SystemFailure marks an unrecoverable state inconsistency. It propagates out
// of the tight loop; in live mode the process exits for supervised restart.
type SystemFailure struct {
	Tick   string
	Reason string
	Err    error
}

func (e *SystemFailure) Error() string {
	return fmt.Sprintf("system failure at %s: %s: %v", e.Tick, e.Reason, e.Err)
}

func (e *SystemFailure) Unwrap() error { return e.Err }

// Common execution error codes surfaced on FAILED handshakes.
const (
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeNetwork             = "NETWORK"
	ErrCodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	ErrCodeInvalidInstrument   = "INVALID_INSTRUMENT"
	ErrCodeUnsupportedVenue    = "UNSUPPORTED_VENUE"
	ErrCodeGroupAborted        = "GROUP_ABORTED"
	ErrCodeValidation          = "VALIDATION"
)
