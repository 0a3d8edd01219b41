/*
errors.go - Error taxonomy for the wallet ledger

ERROR CATEGORIES:
  1. Client errors - ValidationError, InsufficientBalanceError
  2. Storage errors - PersistenceError, ErrConcurrencyConflict
  3. Lookup errors - ErrNotFound

  Duplicate credits are NOT errors. The guard turns them into a successful
  result flagged Duplicate=true. ErrDuplicateReference only travels between
  a Store and the guard.

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) {
      var ib *ledger.InsufficientBalanceError
      errors.As(err, &ib)
  }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is wrapped by every ValidationError.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientBalance is returned when a debit would overdraw the wallet.
	// Callers must not retry blindly.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateReference is returned by a Store when a guarded credit
	// violates the (user, reference type, reason, reference) uniqueness rule.
	ErrDuplicateReference = errors.New("duplicate credit reference")

	// ErrConcurrencyConflict is returned when a storage transaction lost a race
	// (serialization failure, deadlock). The whole operation can be retried.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrPersistence is wrapped by every PersistenceError.
	ErrPersistence = errors.New("persistence failure")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError rejects a request before anything is written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Currency  Currency
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s %s, requested %s, shortfall %s",
		e.Available, e.Currency, e.Requested, e.Shortfall())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// PersistenceError wraps a storage failure that is not a known duplicate.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the cause, so errors.Is matches
// ErrPersistence as well as e.g. context.DeadlineExceeded.
func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// Persistence wraps err as a PersistenceError unless it already carries a
// more specific ledger classification.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) ||
		errors.Is(err, ErrDuplicateReference) ||
		errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrNotFound) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrPersistence)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrInsufficientBalance)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
