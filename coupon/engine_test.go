package coupon_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coupon-ledger/coupon"
	"github.com/warp/coupon-ledger/coupon/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func seedCoupon(t *testing.T, s coupon.CouponStore, id string, balance int64) {
	t.Helper()
	require.NoError(t, s.CreateCoupon(context.Background(), activeCoupon(id, balance)))
}

func fixedCounter(id string, amount int64, allowed ...int64) coupon.Counter {
	c := coupon.Counter{ID: coupon.CounterID(id), Name: id, DefaultAmount: dec(amount)}
	for _, a := range allowed {
		c.AllowedAmounts = append(c.AllowedAmounts, dec(a))
	}
	return c
}

// recordingSink collects enqueued sales.
type recordingSink struct {
	mu     sync.Mutex
	events []coupon.SaleEvent
}

func (r *recordingSink) Enqueue(ev coupon.SaleEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return true
}

func (r *recordingSink) Events() []coupon.SaleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]coupon.SaleEvent(nil), r.events...)
}

// conflictingStore loses every commit race.
type conflictingStore struct {
	*store.Memory
	commits int
}

func (c *conflictingStore) CommitCoupon(context.Context, coupon.CouponID, coupon.Version, coupon.Coupon) error {
	c.commits++
	return coupon.ErrVersionConflict
}

func newTestEngine(s coupon.CouponStore, sales coupon.SaleSink) *coupon.Engine {
	e := coupon.NewEngine(s, sales, quietLogger())
	e.Now = func() time.Time { return t0 }
	return e
}

func redeemReq(counter coupon.Counter, id string, amount int64) coupon.RedeemRequest {
	return coupon.RedeemRequest{Counter: counter, CouponID: id, Amount: dec(amount)}
}

// =============================================================================
// REDEMPTION
// =============================================================================

func TestEngine_Redeem_SpendsDown(t *testing.T) {
	// GIVEN: a coupon with balance 100 and a counter allowed to take 50 or 10
	// WHEN: redeeming 50, 50, then 10
	// THEN: the balance goes 50, 0 and the third attempt reports 0 available

	ctx := context.Background()
	mem := store.NewMemory()
	seedCoupon(t, mem, "c-1", 100)
	sink := &recordingSink{}
	e := newTestEngine(mem, sink)
	canteen := fixedCounter("canteen", 50, 50, 10)

	r1, err := e.Redeem(ctx, redeemReq(canteen, "c-1", 50))
	require.NoError(t, err)
	assert.Equal(t, "50", r1.RemainingBalance.String())

	r2, err := e.Redeem(ctx, redeemReq(canteen, "c-1", 50))
	require.NoError(t, err)
	assert.True(t, r2.RemainingBalance.IsZero())

	_, err = e.Redeem(ctx, redeemReq(canteen, "c-1", 10))
	var short *coupon.InsufficientBalanceError
	require.ErrorAs(t, err, &short)
	assert.True(t, short.Available.IsZero())

	c, version, err := mem.GetCoupon(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, coupon.StatusUsed, c.Status)
	assert.Equal(t, coupon.Version(3), version)
	assert.Len(t, c.History, 2)
	assert.NoError(t, c.CheckInvariants())

	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, coupon.CounterID("canteen"), events[0].CounterID)
	assert.Equal(t, "50", events[1].Amount.String())
}

func TestEngine_Redeem_Rejections(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedCoupon(t, mem, "c-1", 100)
	seedCoupon(t, mem, "c-exp", 100)
	_, err := coupon.NewAdjuster(mem, nil, quietLogger()).Expire(ctx, "admin", "c-exp")
	require.NoError(t, err)

	sink := &recordingSink{}
	e := newTestEngine(mem, sink)
	canteen := fixedCounter("canteen", 10, 10, 20)

	tests := []struct {
		name   string
		id     string
		amount int64
		want   error
	}{
		{"unknown coupon", "c-404", 10, coupon.ErrCouponNotFound},
		{"blank scan", "   ", 10, coupon.ErrCouponNotFound},
		{"expired coupon", "c-exp", 10, coupon.ErrExpired},
		{"zero amount", "c-1", 0, coupon.ErrInvalidAmount},
		{"amount outside menu", "c-1", 15, coupon.ErrAmountNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Redeem(ctx, redeemReq(canteen, tt.id, tt.amount))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Empty(t, sink.Events())
	c, version, err := mem.GetCoupon(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "100", c.Balance.String())
	assert.Equal(t, coupon.Version(1), version)
}

func TestEngine_Redeem_AmountNotAllowedListsMenu(t *testing.T) {
	mem := store.NewMemory()
	seedCoupon(t, mem, "c-1", 100)
	e := newTestEngine(mem, nil)

	_, err := e.Redeem(context.Background(), redeemReq(fixedCounter("games", 5, 5, 10), "c-1", 20))

	var notAllowed *coupon.AmountNotAllowedError
	require.ErrorAs(t, err, &notAllowed)
	assert.Equal(t, coupon.CounterID("games"), notAllowed.CounterID)
	assert.Equal(t, "5,10", coupon.FormatAllowedAmounts(notAllowed.Allowed))
}

func TestEngine_Redeem_TrimsScannedID(t *testing.T) {
	mem := store.NewMemory()
	seedCoupon(t, mem, "c-1", 100)
	e := newTestEngine(mem, nil)

	receipt, err := e.Redeem(context.Background(), redeemReq(fixedCounter("canteen", 10), " c-1\n", 10))
	require.NoError(t, err)
	assert.Equal(t, coupon.CouponID("c-1"), receipt.CouponID)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestEngine_Redeem_IdempotentReplay(t *testing.T) {
	// GIVEN: a redemption made with idempotency key k-1
	// WHEN: the same counter sends k-1 again
	// THEN: the original receipt comes back and nothing more is deducted

	ctx := context.Background()
	mem := store.NewMemory()
	seedCoupon(t, mem, "c-1", 100)
	sink := &recordingSink{}
	e := newTestEngine(mem, sink)
	canteen := fixedCounter("canteen", 20)

	req := redeemReq(canteen, "c-1", 20)
	req.IdempotencyKey = "k-1"

	first, err := e.Redeem(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := e.Redeem(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, "20", again.Amount.String())
	assert.Equal(t, "80", again.RemainingBalance.String())
	assert.True(t, first.At.Equal(again.At))

	// Keys are scoped to the counter.
	other := redeemReq(fixedCounter("bookstall", 20), "c-1", 20)
	other.IdempotencyKey = "k-1"
	third, err := e.Redeem(ctx, other)
	require.NoError(t, err)
	assert.False(t, third.Replayed)
	assert.Equal(t, "60", third.RemainingBalance.String())

	c, _, err := mem.GetCoupon(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, c.History, 2)
	assert.Len(t, sink.Events(), 2)
}

func TestEngine_Redeem_ReusedKeyWithOtherAmount(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedCoupon(t, mem, "c-1", 100)
	sink := &recordingSink{}
	e := newTestEngine(mem, sink)
	canteen := fixedCounter("canteen", 10, 10, 20)

	req := redeemReq(canteen, "c-1", 10)
	req.IdempotencyKey = "x"
	_, err := e.Redeem(ctx, req)
	require.NoError(t, err)

	req.Amount = dec(20)
	_, err = e.Redeem(ctx, req)

	var mismatch *coupon.IdempotencyMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "10", mismatch.Original.String())
	assert.Equal(t, "20", mismatch.Requested.String())
	assert.True(t, coupon.IsClientError(err))

	c, _, err := mem.GetCoupon(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "90", c.Balance.String())
	assert.Len(t, sink.Events(), 1)
}

func TestEngine_Redeem_ReplayOnExpiredCoupon(t *testing.T) {
	// GIVEN: a redemption with key x, after which the coupon is expired
	// WHEN: the counter sends key x again, with the same or another amount
	// THEN: both fail with ErrExpired

	ctx := context.Background()
	mem := store.NewMemory()
	seedCoupon(t, mem, "c-1", 100)
	e := newTestEngine(mem, nil)
	canteen := fixedCounter("canteen", 10, 10, 20)

	req := redeemReq(canteen, "c-1", 10)
	req.IdempotencyKey = "x"
	_, err := e.Redeem(ctx, req)
	require.NoError(t, err)

	_, err = coupon.NewAdjuster(mem, nil, quietLogger()).Expire(ctx, "admin", "c-1")
	require.NoError(t, err)

	receipt, err := e.Redeem(ctx, req)
	assert.ErrorIs(t, err, coupon.ErrExpired)
	assert.False(t, receipt.Replayed)

	req.Amount = dec(20)
	_, err = e.Redeem(ctx, req)
	assert.ErrorIs(t, err, coupon.ErrExpired)
}

func TestEngine_Redeem_NoKeyIsNeverDeduplicated(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedCoupon(t, mem, "c-1", 100)
	e := newTestEngine(mem, nil)
	canteen := fixedCounter("canteen", 10)

	for i := 0; i < 3; i++ {
		_, err := e.Redeem(ctx, redeemReq(canteen, "c-1", 10))
		require.NoError(t, err)
	}
	c, _, err := mem.GetCoupon(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "70", c.Balance.String())
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestEngine_Redeem_ConcurrentDoubleSpend(t *testing.T) {
	// GIVEN: a coupon with balance 50
	// WHEN: two counters both try to deduct 50 at the same moment
	// THEN: exactly one succeeds and the other sees 0 available

	ctx := context.Background()
	mem := store.NewMemory()
	seedCoupon(t, mem, "c-1", 50)
	e := newTestEngine(mem, nil)

	counters := []coupon.Counter{fixedCounter("canteen", 50), fixedCounter("bookstall", 50)}
	errs := make([]error, len(counters))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, counter := range counters {
		wg.Add(1)
		go func(i int, counter coupon.Counter) {
			defer wg.Done()
			<-start
			_, errs[i] = e.Redeem(ctx, redeemReq(counter, "c-1", 50))
		}(i, counter)
	}
	close(start)
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		var short *coupon.InsufficientBalanceError
		require.ErrorAs(t, err, &short)
		assert.True(t, short.Available.IsZero())
	}
	assert.Equal(t, 1, successes)

	c, _, err := mem.GetCoupon(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, c.Balance.IsZero())
	assert.Len(t, c.History, 1)
}

func TestEngine_Redeem_ManyCountersNeverOverspend(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedCoupon(t, mem, "c-1", 50)
	e := newTestEngine(mem, nil)
	// At most five commits can land, so no request sees more than five conflicts.
	e.Retry.MaxAttempts = 10

	const workers = 10
	errs := make([]error, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = e.Redeem(ctx, redeemReq(fixedCounter("stall", 10), "c-1", 10))
		}(i)
	}
	close(start)
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, coupon.ErrInsufficientBalance)
		}
	}
	assert.Equal(t, 5, successes)

	c, _, err := mem.GetCoupon(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, c.Balance.IsZero())
	assert.Len(t, c.History, 5)
	assert.NoError(t, c.CheckInvariants())
}

func TestEngine_Redeem_ContentionAfterRetries(t *testing.T) {
	// GIVEN: a store where every commit loses the race
	// WHEN: redeeming with a three-attempt bound
	// THEN: the caller gets a retryable contention error after three tries

	cs := &conflictingStore{Memory: store.NewMemory()}
	seedCoupon(t, cs, "c-1", 100)
	sink := &recordingSink{}
	e := newTestEngine(cs, sink)
	e.Retry = coupon.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	_, err := e.Redeem(context.Background(), redeemReq(fixedCounter("canteen", 10), "c-1", 10))

	var contention *coupon.ContentionError
	require.ErrorAs(t, err, &contention)
	assert.Equal(t, 3, contention.Attempts)
	assert.Equal(t, coupon.CouponID("c-1"), contention.CouponID)
	assert.True(t, coupon.IsRetryable(err))
	assert.False(t, errors.Is(err, coupon.ErrVersionConflict))
	assert.Equal(t, 3, cs.commits)
	assert.Empty(t, sink.Events())
}

func TestEngine_Redeem_CancelledContext(t *testing.T) {
	cs := &conflictingStore{Memory: store.NewMemory()}
	seedCoupon(t, cs, "c-1", 100)
	e := newTestEngine(cs, nil)
	e.Retry = coupon.RetryConfig{MaxAttempts: 50, BaseDelay: 20 * time.Millisecond, MaxDelay: 20 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := e.Redeem(ctx, redeemReq(fixedCounter("canteen", 10), "c-1", 10))
	require.Error(t, err)
	assert.False(t, coupon.IsClientError(err))

	c, _, err := cs.GetCoupon(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, "100", c.Balance.String())
}

// fullSink refuses every event.
type fullSink struct{}

func (fullSink) Enqueue(coupon.SaleEvent) bool { return false }

func TestEngine_Redeem_DroppedSaleStillSucceeds(t *testing.T) {
	mem := store.NewMemory()
	seedCoupon(t, mem, "c-1", 100)
	e := newTestEngine(mem, fullSink{})

	receipt, err := e.Redeem(context.Background(), redeemReq(fixedCounter("canteen", 10), "c-1", 10))
	require.NoError(t, err)
	assert.Equal(t, "90", receipt.RemainingBalance.String())
}

func TestEngine_Redeem_FractionalAmounts(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.CreateCoupon(context.Background(), coupon.Coupon{
		ID: "c-1", Balance: decimal.RequireFromString("0.3"), Issued: decimal.RequireFromString("0.3"),
		Status: coupon.StatusActive, CreatedAt: t0, UpdatedAt: t0,
	}))
	e := newTestEngine(mem, nil)
	tenth := coupon.Counter{ID: "canteen", DefaultAmount: decimal.RequireFromString("0.1")}

	for i := 0; i < 3; i++ {
		_, err := e.Redeem(context.Background(), coupon.RedeemRequest{
			Counter: tenth, CouponID: "c-1", Amount: decimal.RequireFromString("0.1"),
		})
		require.NoError(t, err)
	}
	c, _, err := mem.GetCoupon(context.Background(), "c-1")
	require.NoError(t, err)
	assert.True(t, c.Balance.IsZero())
	assert.Equal(t, coupon.StatusUsed, c.Status)
}
