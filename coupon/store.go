/*
store.go - Persistence contract for coupons, counters and the audit log

PURPOSE:
  Defines the interface between the ledger logic and durable storage.
  Every read returns a Version; every write supplies the version it read.
  A store rejects a write with ErrVersionConflict when the stored version
  has moved on. This compare-and-set is the only thing that prevents two
  counters from both deducting from the same stale balance.

KEY INTERFACES:
  CouponStore:  get / commit / create / list coupons
  CounterStore: get / commit / admin save / delete / list counters
  AuditLog:     append-only log of administrative corrections
  Store:        all of the above plus Close

APPEND-ONLY HISTORY:
  CommitCoupon must reject a next state whose history does not extend the
  stored history (ErrHistoryRewrite). Redemptions are never edited.

IMPLEMENTATIONS:
  - coupon/store/memory.go: in-memory, for tests and development
  - store/sqlite: SQLite (default durable backend)
  - store/postgres: PostgreSQL
  - store/redis: Redis with WATCH/MULTI

Every implementation must pass coupon/storetest.
*/
package coupon

import (
	"context"
	"fmt"
)

// =============================================================================
// COUPON STORE
// =============================================================================

type CouponStore interface {
	// GetCoupon returns the coupon and the version it was read at.
	// Returns ErrCouponNotFound if absent.
	GetCoupon(ctx context.Context, id CouponID) (Coupon, Version, error)

	// CommitCoupon replaces the coupon if its stored version equals expected.
	// Returns ErrVersionConflict, ErrCouponNotFound or ErrHistoryRewrite.
	CommitCoupon(ctx context.Context, id CouponID, expected Version, next Coupon) error

	// CreateCoupon stores a new coupon at version 1.
	// Returns ErrAlreadyExists if the id is taken.
	CreateCoupon(ctx context.Context, c Coupon) error

	// ListCoupons returns all coupons, newest first.
	ListCoupons(ctx context.Context) ([]Coupon, error)
}

// =============================================================================
// COUNTER STORE
// =============================================================================

type CounterStore interface {
	// GetCounter returns ErrCounterNotFound if absent.
	GetCounter(ctx context.Context, id CounterID) (Counter, Version, error)

	// CommitCounter is the versioned write used by the sales aggregator.
	CommitCounter(ctx context.Context, id CounterID, expected Version, next Counter) error

	// SaveCounter creates a counter or updates its profile. It never
	// overwrites TotalSales of an existing counter, and it bumps the version
	// so in-flight aggregator writes re-read.
	SaveCounter(ctx context.Context, c Counter) error

	DeleteCounter(ctx context.Context, id CounterID) error

	// ListCounters returns all counters ordered by id.
	ListCounters(ctx context.Context) ([]Counter, error)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// AuditLog stores administrative corrections. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, e AuditEntry) error

	// ListAudit returns entries for a coupon, oldest first.
	ListAudit(ctx context.Context, couponID CouponID) ([]AuditEntry, error)
}

type Store interface {
	CouponStore
	CounterStore
	AuditLog
	Close() error
}

// =============================================================================
// HELPERS FOR IMPLEMENTATIONS
// =============================================================================

// CheckAppendOnly verifies that next extends stored without changing any
// existing entry.
func CheckAppendOnly(stored, next []Redemption) error {
	if len(next) < len(stored) {
		return fmt.Errorf("%w: %d entries stored, %d in commit", ErrHistoryRewrite, len(stored), len(next))
	}
	for i := range stored {
		a, b := stored[i], next[i]
		if a.CounterID != b.CounterID || !a.Amount.Equal(b.Amount) ||
			!a.At.Equal(b.At) || a.IdempotencyKey != b.IdempotencyKey {
			return fmt.Errorf("%w: entry %d differs", ErrHistoryRewrite, i)
		}
	}
	return nil
}
