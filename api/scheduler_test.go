package api

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coupon-ledger/coupon"
	"github.com/warp/coupon-ledger/coupon/store"
)

// driftedStore has one counter whose total misses a 25 sale.
func driftedStore(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Now().UTC()

	require.NoError(t, mem.SaveCounter(ctx, coupon.Counter{ID: "canteen", Name: "Canteen", DefaultAmount: decimal.NewFromInt(25)}))
	c := coupon.Coupon{
		ID: "c-1", Balance: decimal.NewFromInt(100), Issued: decimal.NewFromInt(100),
		Status: coupon.StatusActive, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, mem.CreateCoupon(ctx, c))
	next, _, err := coupon.AttemptRedeem(&c, decimal.NewFromInt(25), "canteen", now)
	require.NoError(t, err)
	require.NoError(t, mem.CommitCoupon(ctx, "c-1", 1, next))
	return mem
}

func TestScheduler_RunNowCorrectsDrift(t *testing.T) {
	mem := driftedStore(t)
	rs := NewReconciliationScheduler(coupon.NewReconciler(mem, mem, quietLogger()), quietLogger())

	drifts, err := rs.RunNow()
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.Equal(t, "25", drifts[0].Actual.String())

	counter, _, err := mem.GetCounter(context.Background(), "canteen")
	require.NoError(t, err)
	assert.Equal(t, "25", counter.TotalSales.String())

	at, last, err := rs.LastRun()
	assert.NoError(t, err)
	assert.False(t, at.IsZero())
	assert.Len(t, last, 1)
}

func TestScheduler_RunsOnStartAndStops(t *testing.T) {
	mem := driftedStore(t)
	rs := NewReconciliationScheduler(coupon.NewReconciler(mem, mem, quietLogger()), quietLogger())
	rs.CheckInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rs.Run(ctx) }()

	assert.Eventually(t, func() bool {
		at, _, _ := rs.LastRun()
		return !at.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	counter, _, err := mem.GetCounter(context.Background(), "canteen")
	require.NoError(t, err)
	assert.Equal(t, "25", counter.TotalSales.String())
}

func TestScheduler_DisabledDoesNothing(t *testing.T) {
	mem := driftedStore(t)
	rs := NewReconciliationScheduler(coupon.NewReconciler(mem, mem, quietLogger()), quietLogger())
	rs.CheckInterval = 0

	rs.Start()
	rs.Stop()

	at, _, _ := rs.LastRun()
	assert.True(t, at.IsZero())
}
