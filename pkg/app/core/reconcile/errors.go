package reconcile

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/tradeledger/pkg/app/core/validator"
)

var (
	// ErrTransient marks failures that leave the ledger unchanged and are
	// safe to retry with the same id.
	ErrTransient = errors.New("transient failure")

	// ErrInvariantViolation marks a commit aborted because applying an
	// accepted order would have produced negative cash or quantity.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrInvalidRequest marks malformed input (empty ids, bad user id).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrIDReused is returned when an idempotency key already recorded for
	// one kind of operation is presented for another.
	ErrIDReused = errors.New("id already used for a different operation")

	// ErrUnknownUser is returned by reads for users with no ledger.
	ErrUnknownUser = errors.New("unknown user")

	ErrClosed = errors.New("engine closed")
)

// RejectionError reports a validation failure. Not retried automatically.
type RejectionError struct {
	Reason validator.Reason
	Cause  validator.Reason // set when Reason is Superseded
}

func (e *RejectionError) Error() string {
	if e.Cause != "" {
		return fmt.Sprintf("rejected: %s (%s)", e.Reason, e.Cause)
	}
	return "rejected: " + string(e.Reason)
}

// TransientError reports a persistence failure or timeout.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }
func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

// InvariantError reports a defect: validation passed but the arithmetic
// would break a ledger invariant. Nothing was committed.
type InvariantError struct {
	UserID string
	ID     string
	Err    error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation on %s/%s: %v", e.UserID, e.ID, e.Err)
}
func (e *InvariantError) Unwrap() error { return e.Err }
func (e *InvariantError) Is(target error) bool {
	return target == ErrInvariantViolation
}

// Retryable reports whether err is safe to retry with the same id.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
