/*
errors.go - Centralized error taxonomy for the booking engine

PURPOSE:
  All error types in one place. Every rejected operation returns an error
  that errors.Is() matches to exactly one sentinel below, so the transport
  layer can map it to a status code and the client can tell which
  precondition failed.

ERROR CATEGORIES:
  1. Validation - InvalidSlot, InvalidTime, MentorRequired, ServiceUnavailable,
                  InvalidAmount, InvalidRequest
  2. Contention  - SlotUnavailable, InsufficientCredits (may reflect a lost race)
  3. State       - InvalidTransition, NotFound, Forbidden
  4. Transient   - ConcurrencyConflict (retried internally, see Retry)
  5. Fatal       - IntegrityViolation (ledger replay mismatch, operator action)

USAGE:
    var ice *engine.InsufficientCreditsError
    if errors.As(err, &ice) {
        fmt.Println(ice.Required, ice.Available)
    }

SEE ALSO:
  - retry.go: bounded retry of ErrConcurrencyConflict
  - api/errors.go: HTTP mapping
*/
package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidSlot         = errors.New("invalid slot")
	ErrServiceUnavailable  = errors.New("service unavailable")
	ErrMentorRequired      = errors.New("mentor required")
	ErrSlotUnavailable     = errors.New("slot unavailable")
	ErrInvalidTime         = errors.New("invalid time")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidRequest      = errors.New("invalid request")

	// ErrConcurrencyConflict is returned by conditional writes whose
	// precondition no longer holds. Safe to retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrIntegrityViolation means the ledger replay disagrees with the cached
	// balance. Never corrected automatically.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrDuplicateIdempotencyKey is returned when a ledger row with the same
	// idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type InsufficientCreditsError struct {
	UserID    UserID
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %s, available %s", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// SlotUnavailableError says why a requested window cannot be booked.
type SlotUnavailableError struct {
	MentorID UserID
	Window   Window
	Reason   string
}

func (e *SlotUnavailableError) Error() string {
	return fmt.Sprintf("slot unavailable: %s (%s - %s)", e.Reason,
		e.Window.Start.Format("2006-01-02 15:04"), e.Window.End.Format("15:04"))
}

func (e *SlotUnavailableError) Unwrap() error { return ErrSlotUnavailable }

// InvalidSlotError points at the offending configured time range.
type InvalidSlotError struct {
	Where  string // e.g. "monday" or "exception 2025-03-10"
	Index  int
	Reason string
}

func (e *InvalidSlotError) Error() string {
	return fmt.Sprintf("invalid slot %s[%d]: %s", e.Where, e.Index, e.Reason)
}

func (e *InvalidSlotError) Unwrap() error { return ErrInvalidSlot }

// IntegrityError reports a ledger whose history does not explain its cached balance.
type IntegrityError struct {
	UserID   UserID
	Seq      int64 // first offending transaction, 0 for the cache itself
	Expected decimal.Decimal
	Actual   decimal.Decimal
	Detail   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation for %s at seq %d: %s (expected %s, got %s)",
		e.UserID, e.Seq, e.Detail, e.Expected, e.Actual)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrityViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to the request, not the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidSlot) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrMentorRequired) ||
		errors.Is(err, ErrSlotUnavailable) ||
		errors.Is(err, ErrInvalidTime) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrForbidden)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Code returns the taxonomy name of err, or "internal".
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSlot):
		return "invalid_slot"
	case errors.Is(err, ErrServiceUnavailable):
		return "service_unavailable"
	case errors.Is(err, ErrMentorRequired):
		return "mentor_required"
	case errors.Is(err, ErrSlotUnavailable):
		return "slot_unavailable"
	case errors.Is(err, ErrInvalidTime):
		return "invalid_time"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, ErrIntegrityViolation):
		return "integrity_violation"
	default:
		return "internal"
	}
}
