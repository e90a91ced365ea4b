package services

import "errors"

// Typed wallet errors. All are returned to the immediate caller; none are
// swallowed. Idempotent replay of an already-applied operation returns the
// original result instead of an error.
var (
	// ErrInsufficientFunds: requested amount exceeds the available real
	// balance. Recoverable by the caller.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrReservationMismatch: commit/rollback arguments disagree with the
	// original reservation (or with a previously seen idempotency key).
	// Signals a caller bug or tampering; never coerced.
	ErrReservationMismatch = errors.New("reservation mismatch")

	// ErrAlreadyResolved: a terminal reservation was targeted again under a
	// new idempotency key.
	ErrAlreadyResolved = errors.New("reservation already resolved")

	// ErrConflictRetry: transient contention on an account row. Retried
	// internally up to a bounded attempt count before surfacing.
	ErrConflictRetry = errors.New("account conflict, retry")

	// ErrIntegrityViolation: replayed balances disagree with live balances.
	// Fatal to the audit run; must never be auto-corrected.
	ErrIntegrityViolation = errors.New("ledger integrity violation")

	// ErrReservationNotFound: no reservation row for the given id.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrVelocityExceeded: too many deposits/withdrawals from one device or
	// IP inside the configured window.
	ErrVelocityExceeded = errors.New("velocity limit exceeded")
)
