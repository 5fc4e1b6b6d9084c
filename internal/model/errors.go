package model

import (
	"errors"
	"fmt"
)

// Error kinds. Package errors wrap one of these so callers can classify
// failures with errors.Is.
var (
	// ErrTransientChain covers RPC failures and timeouts while waiting for
	// a transaction to confirm.
	ErrTransientChain = errors.New("transient chain error")

	// ErrInsufficientFunds means the wallet cannot fund the operation. The
	// operation is skipped for this cycle.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvariantViolation is a hard failure that must never be corrected
	// automatically.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrStaleData means persisted state refers to something no longer on
	// chain. It is reconciled, not reported.
	ErrStaleData = errors.New("stale data")

	// ErrRoutingFailure means no fee tier produced a usable quote.
	ErrRoutingFailure = errors.New("routing failure")

	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConfirmationTimeout is returned when a submitted transaction could
	// not be confirmed within the bounded wait. On-chain state is ambiguous
	// afterwards, so the process must stop.
	ErrConfirmationTimeout = fmt.Errorf("transaction confirmation wait exhausted: %w", ErrTransientChain)
)

// IsFatal reports whether err must terminate the process.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfirmationTimeout) || errors.Is(err, ErrInvariantViolation)
}
