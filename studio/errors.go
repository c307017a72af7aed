/*
errors.go - Centralized error types for the commerce core

ERROR CATEGORIES:
  1. Precondition errors - occurrence/registration not found (abort before side effects)
  2. Availability errors - capacity, closed occurrences, duplicate bookings
  3. Payment instrument errors - insufficient wallet funds or pass credits
  4. Store errors - idempotency conflicts, concurrent modification (retryable)

Wrap with fmt.Errorf("...: %w", err) and test with errors.Is / errors.As.
*/
package studio

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	ErrOccurrenceNotFound   = errors.New("occurrence not found")
	ErrRegistrationNotFound = errors.New("registration not found")
	ErrPassNotFound         = errors.New("pass not found")
	ErrWalletNotFound       = errors.New("wallet not found")
)

var (
	// ErrCapacityExceeded is returned only when both the class and its
	// waitlist are full. A full class with room on the waitlist waitlists.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrOccurrenceNotBookable covers cancelled, completed and started classes.
	ErrOccurrenceNotBookable = errors.New("occurrence is not open for booking")

	ErrAlreadyBooked = errors.New("customer already has a registration for this occurrence")

	// ErrAlreadyCancelled marks a retried cancellation. Callers treat it as a no-op.
	ErrAlreadyCancelled = errors.New("registration already cancelled")

	ErrPaymentInstrumentInsufficient = errors.New("payment instrument insufficient")

	ErrPassAlreadyUsed     = errors.New("pass credit already used for this occurrence")
	ErrPassNotUsed         = errors.New("pass credit was not used for this occurrence")
	ErrPassAlreadyRefunded = errors.New("pass credit already refunded for this occurrence")
)

var (
	// ErrDuplicateIdempotencyKey is returned when a ledger write with the same
	// key already exists. Expected for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrCurrencyMismatch = errors.New("currency mismatch")

	ErrValidation = errors.New("validation error")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientFundsError details a wallet or pass shortfall.
type InsufficientFundsError struct {
	CustomerID CustomerID
	OrgID      OrgID
	Method     PaymentMethod
	Available  string
	Requested  string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s: available %s, requested %s", e.Method, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrPaymentInstrumentInsufficient }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
// Money-moving retries must reuse the same registration id.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is caused by the caller's input or
// by state the caller must react to (pick another instrument, join later).
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrOccurrenceNotBookable) ||
		errors.Is(err, ErrAlreadyBooked) ||
		errors.Is(err, ErrPaymentInstrumentInsufficient) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrCurrencyMismatch)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrOccurrenceNotFound) ||
		errors.Is(err, ErrRegistrationNotFound) ||
		errors.Is(err, ErrPassNotFound) ||
		errors.Is(err, ErrWalletNotFound)
}
