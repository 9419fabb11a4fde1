/*
errors.go - Centralized error types for the coupon ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Store implementations and the HTTP layer map onto these.

ERROR CATEGORIES:
  1. Lookup errors - coupon or counter absent
  2. Validation errors - deterministic given current state (expired,
     insufficient balance, invalid or not-allowed amount, reused
     idempotency key)
  3. Concurrency errors - version conflict (internal, retried) and
     contention (retries exhausted, surfaced to the caller)

USAGE:
  receipt, err := engine.Redeem(ctx, req)
  var short *coupon.InsufficientBalanceError
  if errors.As(err, &short) {
      fmt.Printf("available: %s\n", short.Available)
  }
*/
package coupon

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrCouponNotFound  = errors.New("coupon not found")
	ErrCounterNotFound = errors.New("counter not found")

	// ErrExpired is returned for any redemption against an expired coupon,
	// regardless of its balance.
	ErrExpired = errors.New("coupon expired")

	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount covers non-positive deductions, negative balances and
	// amounts that do not parse.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrAmountNotAllowed is returned when a counter tries to deduct an
	// amount outside its permitted set.
	ErrAmountNotAllowed = errors.New("amount not allowed for counter")

	// ErrVersionConflict is returned by a store commit when the record
	// changed since it was read. Services retry it transparently.
	ErrVersionConflict = errors.New("version conflict")

	// ErrContention is returned when retries on version conflicts run out.
	// It is the only error a caller should retry.
	ErrContention = errors.New("too much contention, retry later")

	ErrAlreadyExists = errors.New("record already exists")

	// ErrIdempotencyMismatch is returned when a counter reuses an
	// idempotency key on a coupon with a different amount.
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different amount")

	// ErrHistoryRewrite is returned by a store when a commit would drop or
	// change existing redemption entries.
	ErrHistoryRewrite = errors.New("redemption history is append-only")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError carries the available balance so the caller can
// display it.
type InsufficientBalanceError struct {
	CouponID  CouponID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on coupon %s: available %s, requested %s",
		e.CouponID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

type AmountNotAllowedError struct {
	CounterID CounterID
	Amount    decimal.Decimal
	Allowed   []decimal.Decimal
}

func (e *AmountNotAllowedError) Error() string {
	return fmt.Sprintf("amount %s not allowed for counter %s (allowed: %s)",
		e.Amount, e.CounterID, FormatAllowedAmounts(e.Allowed))
}

func (e *AmountNotAllowedError) Unwrap() error {
	return ErrAmountNotAllowed
}

type IdempotencyMismatchError struct {
	CouponID  CouponID
	Key       string
	Original  decimal.Decimal
	Requested decimal.Decimal
}

func (e *IdempotencyMismatchError) Error() string {
	return fmt.Sprintf("coupon %s: key %q already redeemed %s, request asks for %s",
		e.CouponID, e.Key, e.Original, e.Requested)
}

func (e *IdempotencyMismatchError) Unwrap() error {
	return ErrIdempotencyMismatch
}

type ContentionError struct {
	CouponID CouponID
	Attempts int
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("coupon %s: gave up after %d conflicting attempts", e.CouponID, e.Attempts)
}

func (e *ContentionError) Unwrap() error {
	return ErrContention
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the caller may retry the whole operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention)
}

// IsClientError returns true if the error is deterministic given the
// request and current state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrAmountNotAllowed) ||
		errors.Is(err, ErrIdempotencyMismatch) ||
		errors.Is(err, ErrAlreadyExists)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrCouponNotFound) ||
		errors.Is(err, ErrCounterNotFound)
}
