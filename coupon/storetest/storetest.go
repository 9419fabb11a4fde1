/*
Package storetest is the conformance suite every coupon.Store must pass.

USAGE:
  func TestConformance(t *testing.T) {
      storetest.Run(t, func(t *testing.T) coupon.Store {
          s, err := sqlite.New(":memory:")
          require.NoError(t, err)
          t.Cleanup(func() { s.Close() })
          return s
      })
  }

Each subtest gets a fresh store from the factory.
*/
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coupon-ledger/coupon"
)

// Factory returns an empty store. It should register its own cleanup.
type Factory func(t *testing.T) coupon.Store

func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s coupon.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateDuplicate", testCreateDuplicate},
		{"GetMissing", testGetMissing},
		{"CommitBumpsVersion", testCommitBumpsVersion},
		{"CommitStaleVersion", testCommitStaleVersion},
		{"CommitMissing", testCommitMissing},
		{"CommitRejectsHistoryRewrite", testCommitRejectsHistoryRewrite},
		{"ConcurrentCommitsOneWins", testConcurrentCommitsOneWins},
		{"ListCouponsNewestFirst", testListCouponsNewestFirst},
		{"CounterLifecycle", testCounterLifecycle},
		{"SaveCounterKeepsTotalSales", testSaveCounterKeepsTotalSales},
		{"CommitCounterStaleVersion", testCommitCounterStaleVersion},
		{"ListCountersByID", testListCountersByID},
		{"AuditAppendAndList", testAuditAppendAndList},
		{"Reset", testReset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// =============================================================================
// FIXTURES
// =============================================================================

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newCoupon(id string, balance int64, created time.Time) coupon.Coupon {
	return coupon.Coupon{
		ID:        coupon.CouponID(id),
		Balance:   decimal.NewFromInt(balance),
		Issued:    decimal.NewFromInt(balance),
		Status:    coupon.StatusActive,
		RollNo:    "21CS042",
		Phone:     "9999900000",
		Email:     "holder@example.com",
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func newCounter(id string) coupon.Counter {
	return coupon.Counter{
		ID:              coupon.CounterID(id),
		Name:            "Counter " + id,
		CoordinatorName: "Coordinator",
		Email:           id + "@example.com",
		Phone:           "12345",
		PasswordHash:    "$2a$10$hash",
		DefaultAmount:   decimal.NewFromInt(10),
		AllowedAmounts:  []decimal.Decimal{decimal.NewFromInt(10), decimal.NewFromInt(20)},
		TotalSales:      decimal.Zero,
		CreatedAt:       base,
		UpdatedAt:       base,
	}
}

func redeem(t *testing.T, c coupon.Coupon, amount int64, counter string, at time.Time) coupon.Coupon {
	t.Helper()
	next, _, err := coupon.AttemptRedeem(&c, decimal.NewFromInt(amount), coupon.CounterID(counter), at)
	require.NoError(t, err)
	return next
}

// =============================================================================
// COUPONS
// =============================================================================

func testCreateAndGet(t *testing.T, s coupon.Store) {
	ctx := context.Background()
	c := newCoupon("c-1", 100, base)
	require.NoError(t, s.CreateCoupon(ctx, c))

	got, version, err := s.GetCoupon(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, coupon.Version(1), version)
	assert.Equal(t, c.ID, got.ID)
	assert.True(t, c.Balance.Equal(got.Balance))
	assert.True(t, c.Issued.Equal(got.Issued))
	assert.Equal(t, coupon.StatusActive, got.Status)
	assert.Equal(t, "21CS042", got.RollNo)
	assert.Equal(t, "holder@example.com", got.Email)
	assert.Empty(t, got.History)
	assert.True(t, c.CreatedAt.Equal(got.CreatedAt))
}

func testCreateDuplicate(t *testing.T, s coupon.Store) {
	ctx := context.Background()
	c := newCoupon("c-1", 100, base)
	require.NoError(t, s.CreateCoupon(ctx, c))
	assert.ErrorIs(t, s.CreateCoupon(ctx, c), coupon.ErrAlreadyExists)
}

func testGetMissing(t *testing.T, s coupon.Store) {
	_, _, err := s.GetCoupon(context.Background(), "nope")
	assert.ErrorIs(t, err, coupon.ErrCouponNotFound)
}

func testCommitBumpsVersion(t *testing.T, s coupon.Store) {
	ctx := context.Background()
	c := newCoupon("c-1", 100, base)
	require.NoError(t, s.CreateCoupon(ctx, c))

	next := redeem(t, c, 30, "canteen", base.Add(time.Minute))
	next.History[0].IdempotencyKey = "k-1"
	require.NoError(t, s.CommitCoupon(ctx, c.ID, 1, next))

	got, version, err := s.GetCoupon(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, coupon.Version(2), version)
	assert.Equal(t, "70", got.Balance.String())
	require.Len(t, got.History, 1)
	assert.Equal(t, coupon.CounterID("canteen"), got.History[0].CounterID)
	assert.Equal(t, "30", got.History[0].Amount.String())
	assert.Equal(t, "k-1", got.History[0].IdempotencyKey)
	assert.True(t, base.Add(time.Minute).Equal(got.History[0].At))
	assert.NoError(t, got.CheckInvariants())

	// Second redemption extends the stored history.
	next = redeem(t, got, 70, "books", base.Add(2*time.Minute))
	require.NoError(t, s.CommitCoupon(ctx, c.ID, version, next))

	got, version, err = s.GetCoupon(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, coupon.Version(3), version)
	assert.Equal(t, coupon.StatusUsed, got.Status)
	assert.True(t, got.Balance.IsZero())
	require.Len(t, got.History, 2)
	assert.Equal(t, coupon.CounterID("books"), got.History[1].CounterID)
}

func testCommitStaleVersion(t *testing.T, s coupon.Store) {
	ctx := context.Background()
	c := newCoupon("c-1", 100, base)
	require.NoError(t, s.CreateCoupon(ctx, c))

	first := redeem(t, c, 10, "canteen", base)
	require.NoError(t, s.CommitCoupon(ctx, c.ID, 1, first))

	// Computed from the version-1 read, now stale.
	stale := redeem(t, c, 20, "books", base)
	err := s.CommitCoupon(ctx, c.ID, 1, stale)
	assert.ErrorIs(t, err, coupon.ErrVersionConflict)

	got, version, err := s.GetCoupon(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, coupon.Version(2), version)
	assert.Equal(t, "90", got.Balance.String())
	assert.Len(t, got.History, 1)
}

func testCommitMissing(t *testing.T, s coupon.Store) {
	c := newCoupon("ghost", 100, base)
	err := s.CommitCoupon(context.Background(), c.ID, 1, c)
	assert.ErrorIs(t, err, coupon.ErrCouponNotFound)
}

func testCommitRejectsHistoryRewrite(t *testing.T, s coupon.Store) {
	ctx := context.Background()
	c := newCoupon("c-1", 100, base)
	require.NoError(t, s.CreateCoupon(ctx, c))
	next := redeem(t, c, 10, "canteen", base)
	require.NoError(t, s.CommitCoupon(ctx, c.ID, 1, next))

	rewritten := next.Clone()
	rewritten.History = nil
	rewritten.Balance = decimal.NewFromInt(100)
	err := s.CommitCoupon(ctx, c.ID, 2, rewritten)
	assert.ErrorIs(t, err, coupon.ErrHistoryRewrite)

	got, version, err := s.GetCoupon(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, coupon.Version(2), version)
	assert.Len(t, got.History, 1)
}

func testConcurrentCommitsOneWins(t *testing.T, s coupon.Store) {
	ctx := context.Background()
	c := newCoupon("c-1", 100, base)
	require.NoError(t, s.CreateCoupon(ctx, c))

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	next := redeem(t, c, 100, "canteen", base)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.CommitCoupon(ctx, c.ID, 1, next)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if assert.ErrorIs(t, err, coupon.ErrVersionConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)

	got, _, err := s.GetCoupon(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 1)
	assert.True(t, got.Balance.IsZero())
}

func testListCouponsNewestFirst(t *testing.T, s coupon.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateCoupon(ctx, newCoupon("old", 10, base)))
	require.NoError(t, s.CreateCoupon(ctx, newCoupon("new", 10, base.Add(2*time.Hour))))
	require.NoError(t, s.CreateCoupon(ctx, newCoupon("mid", 10, base.Add(time.Hour))))

	all, err := s.ListCoupons(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, coupon.CouponID("new"), all[0].ID)
	assert.Equal(t, coupon.CouponID("mid"), all[1].ID)
	assert.Equal(t, coupon.CouponID("old"), all[2].ID)
}

// =============================================================================
// COUNTERS
// =============================================================================

func testCounterLifecycle(t *testing.T, s coupon.Store) {
	ctx := context.Background()
	_, _, err := s.GetCounter(ctx, "canteen")
	assert.ErrorIs(t, err, coupon.ErrCounterNotFound)

	require.NoError(t, s.SaveCounter(ctx, newCounter("canteen")))
	got, version, err := s.GetCounter(ctx, "canteen")
	require.NoError(t, err)
	assert.Equal(t, coupon.Version(1), version)
	assert.Equal(t, "Counter canteen", got.Name)
	assert.Equal(t, "$2a$10$hash", got.PasswordHash)
	assert.Equal(t, "10", got.DefaultAmount.String())
	assert.Equal(t, "10,20", coupon.FormatAllowedAmounts(got.AllowedAmounts))

	next := got
	next.TotalSales = decimal.NewFromInt(20)
	require.NoError(t, s.CommitCounter(ctx, "canteen", version, next))
	got, version, err = s.GetCounter(ctx, "canteen")
	require.NoError(t, err)
	assert.Equal(t, coupon.Version(2), version)
	assert.Equal(t, "20", got.TotalSales.String())

	require.NoError(t, s.DeleteCounter(ctx, "canteen"))
	_, _, err = s.GetCounter(ctx, "canteen")
	assert.ErrorIs(t, err, coupon.ErrCounterNotFound)
	assert.ErrorIs(t, s.DeleteCounter(ctx, "canteen"), coupon.ErrCounterNotFound)
}

func testSaveCounterKeepsTotalSales(t *testing.T, s coupon.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveCounter(ctx, newCounter("canteen")))
	got, version, err := s.GetCounter(ctx, "canteen")
	require.NoError(t, err)
	got.TotalSales = decimal.NewFromInt(50)
	require.NoError(t, s.CommitCounter(ctx, "canteen", version, got))

	profile := newCounter("canteen")
	profile.Name = "Main Canteen"
	profile.AllowedAmounts = []decimal.Decimal{decimal.NewFromInt(5)}
	profile.TotalSales = decimal.Zero
	require.NoError(t, s.SaveCounter(ctx, profile))

	got, version, err = s.GetCounter(ctx, "canteen")
	require.NoError(t, err)
	assert.Equal(t, coupon.Version(3), version)
	assert.Equal(t, "Main Canteen", got.Name)
	assert.Equal(t, "5", coupon.FormatAllowedAmounts(got.AllowedAmounts))
	assert.Equal(t, "50", got.TotalSales.String())
}

func testCommitCounterStaleVersion(t *testing.T, s coupon.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveCounter(ctx, newCounter("canteen")))
	got, version, err := s.GetCounter(ctx, "canteen")
	require.NoError(t, err)

	// An admin edit bumps the version under the aggregator's feet.
	require.NoError(t, s.SaveCounter(ctx, newCounter("canteen")))

	got.TotalSales = decimal.NewFromInt(10)
	err = s.CommitCounter(ctx, "canteen", version, got)
	assert.ErrorIs(t, err, coupon.ErrVersionConflict)

	err = s.CommitCounter(ctx, "missing", 1, newCounter("missing"))
	assert.ErrorIs(t, err, coupon.ErrCounterNotFound)
}

func testListCountersByID(t *testing.T, s coupon.Store) {
	ctx := context.Background()
	for _, id := range []string{"stationery", "canteen", "library"} {
		require.NoError(t, s.SaveCounter(ctx, newCounter(id)))
	}
	all, err := s.ListCounters(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, coupon.CounterID("canteen"), all[0].ID)
	assert.Equal(t, coupon.CounterID("library"), all[1].ID)
	assert.Equal(t, coupon.CounterID("stationery"), all[2].ID)
}

// =============================================================================
// AUDIT
// =============================================================================

func testAuditAppendAndList(t *testing.T, s coupon.Store) {
	ctx := context.Background()
	entries := []coupon.AuditEntry{
		{
			ID: "a-1", CouponID: "c-1", Action: coupon.AuditCouponIssued, Actor: "admin",
			OldBalance: decimal.Zero, NewBalance: decimal.NewFromInt(100),
			NewStatus: coupon.StatusActive, At: base,
		},
		{
			ID: "a-2", CouponID: "c-1", Action: coupon.AuditBalanceAdjusted, Actor: "admin",
			OldBalance: decimal.NewFromInt(100), NewBalance: decimal.NewFromInt(50),
			OldStatus: coupon.StatusActive, NewStatus: coupon.StatusActive, At: base.Add(time.Hour),
		},
		{
			ID: "a-3", CouponID: "c-2", Action: coupon.AuditCouponExpired, Actor: "admin",
			OldStatus: coupon.StatusActive, NewStatus: coupon.StatusExpired, At: base,
		},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendAudit(ctx, e))
	}

	got, err := s.ListAudit(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a-1", got[0].ID)
	assert.Equal(t, coupon.AuditCouponIssued, got[0].Action)
	assert.Equal(t, "a-2", got[1].ID)
	assert.Equal(t, "50", got[1].NewBalance.String())
	assert.Equal(t, "100", got[1].OldBalance.String())

	none, err := s.ListAudit(ctx, "c-404")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// =============================================================================
// RESET
// =============================================================================

type resetter interface {
	Reset(ctx context.Context) error
}

func testReset(t *testing.T, s coupon.Store) {
	r, ok := s.(resetter)
	if !ok {
		t.Skip("store cannot be reset")
	}
	ctx := context.Background()
	require.NoError(t, s.CreateCoupon(ctx, newCoupon("c-1", 100, base)))
	require.NoError(t, s.SaveCounter(ctx, newCounter("canteen")))
	require.NoError(t, s.AppendAudit(ctx, coupon.AuditEntry{
		ID: "a-1", CouponID: "c-1", Action: coupon.AuditCouponIssued, Actor: "admin",
		NewBalance: decimal.NewFromInt(100), NewStatus: coupon.StatusActive, At: base,
	}))

	require.NoError(t, r.Reset(ctx))

	_, _, err := s.GetCoupon(ctx, "c-1")
	assert.ErrorIs(t, err, coupon.ErrCouponNotFound)
	counters, err := s.ListCounters(ctx)
	require.NoError(t, err)
	assert.Empty(t, counters)
	audit, err := s.ListAudit(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, audit)

	// The store stays usable and ids can be reused.
	require.NoError(t, s.CreateCoupon(ctx, newCoupon("c-1", 40, base)))
	got, version, err := s.GetCoupon(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, coupon.Version(1), version)
	assert.Equal(t, "40", got.Balance.String())
}
