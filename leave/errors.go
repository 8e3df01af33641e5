/*
errors.go - Centralized error types for the leave engine

ERROR CATEGORIES:
  1. Input errors - missing fields, bad dates, unknown leave type
  2. Business rule errors - insufficient balance, already processed,
     not authorized, not found, not cancellable
  3. Infrastructure errors - storage failure, concurrent modification

All business-rule errors are deterministic for the same inputs and state
and must not be retried. Infrastructure errors are retryable; the
coordinator itself never retries.

USAGE:
  if errors.Is(err, leave.ErrAlreadyProcessed) { ... }

  var ib *leave.InsufficientBalanceError
  if errors.As(err, &ib) { fmt.Println(ib.Available) }
*/
package leave

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrMissingField     = errors.New("missing field")
	ErrInvalidDate      = errors.New("invalid date")
	ErrInvalidRange     = errors.New("end date must not be before start date")
	ErrInvalidDuration  = errors.New("leave must cover at least one day")
	ErrInvalidLeaveType = errors.New("invalid leave type")

	// ErrInsufficientBalance is returned when the ledger cannot cover the
	// requested days, at application or at approval time.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAlreadyProcessed is returned for any transition attempted from a
	// non-Pending state. It doubles as the guard against double debit.
	ErrAlreadyProcessed = errors.New("leave application already processed")

	ErrNotAuthorized  = errors.New("not authorized")
	ErrNotFound       = errors.New("not found")
	ErrNotCancellable = errors.New("only pending applications can be cancelled")

	ErrInvalidBalance   = errors.New("balance values must be non-negative")
	ErrInvalidPrincipal = errors.New("invalid principal")

	// ErrDuplicateIdempotencyKey is returned by stores when a journal entry
	// with the same idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned when a compare-and-swap on a
	// ledger or application record loses a race.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrStorageFailure = errors.New("storage failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string { return fmt.Sprintf("missing field: %s", e.Field) }
func (e *MissingFieldError) Unwrap() error { return ErrMissingField }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	OwnerID   string
	LeaveType LeaveType
	Available int
	Requested int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: available %d, requested %d",
		e.LeaveType, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// StorageError wraps an infrastructure failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() []error { return []error{ErrStorageFailure, e.Err} }

// storageErr wraps err unless it already carries a domain meaning.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func isDomainError(err error) bool {
	return IsClientError(err) || IsNotFound(err) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrAlreadyProcessed) ||
		errors.Is(err, ErrNotCancellable) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrStorageFailure)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrStorageFailure)
}

// IsClientError returns true if the error is due to invalid client input
// or a business rule the client can observe.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidDate) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrInvalidDuration) ||
		errors.Is(err, ErrInvalidLeaveType) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidBalance) ||
		errors.Is(err, ErrInvalidPrincipal)
}

// IsNotFound returns true if the error indicates a missing (or invisible) resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
