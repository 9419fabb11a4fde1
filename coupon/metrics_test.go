package coupon_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coupon-ledger/coupon"
	"github.com/warp/coupon-ledger/coupon/store"
)

// counterValue returns the value of the series name{label=value}, or 0.
func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if matchesLabel(m, label, value) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchesLabel(m *dto.Metric, label, value string) bool {
	if label == "" {
		return true
	}
	for _, lp := range m.GetLabel() {
		if lp.GetName() == label && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func TestMetrics_RedemptionOutcomes(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := coupon.NewMetrics(reg)

	mem := store.NewMemory()
	seedCoupon(t, mem, "c-1", 20)
	e := newTestEngine(mem, nil)
	e.Metrics = metrics
	canteen := fixedCounter("canteen", 10)

	_, _ = e.Redeem(ctx, redeemReq(canteen, "c-1", 10))
	_, _ = e.Redeem(ctx, redeemReq(canteen, "c-1", 10))
	_, _ = e.Redeem(ctx, redeemReq(canteen, "c-1", 10))
	_, _ = e.Redeem(ctx, redeemReq(canteen, "c-404", 10))

	assert.Equal(t, 2.0, counterValue(t, reg, "coupon_redemptions_total", "outcome", "success"))
	assert.Equal(t, 1.0, counterValue(t, reg, "coupon_redemptions_total", "outcome", "rejected"))
	assert.Equal(t, 1.0, counterValue(t, reg, "coupon_redemptions_total", "outcome", "not_found"))
}

func TestMetrics_ConflictsAndContention(t *testing.T) {
	reg := prometheus.NewRegistry()
	cs := &conflictingStore{Memory: store.NewMemory()}
	seedCoupon(t, cs, "c-1", 20)
	e := newTestEngine(cs, nil)
	e.Metrics = coupon.NewMetrics(reg)
	e.Retry = coupon.RetryConfig{MaxAttempts: 3}

	_, err := e.Redeem(context.Background(), redeemReq(fixedCounter("canteen", 10), "c-1", 10))
	require.Error(t, err)

	assert.Equal(t, 3.0, counterValue(t, reg, "coupon_commit_conflicts_total", "", ""))
	assert.Equal(t, 1.0, counterValue(t, reg, "coupon_redemptions_total", "outcome", "contention"))
}

func TestMetrics_AdjustmentsAndAggregation(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := coupon.NewMetrics(reg)
	mem := store.NewMemory()
	seedCoupon(t, mem, "c-1", 20)
	seedCounter(t, mem, "canteen")

	adj := newTestAdjuster(mem)
	adj.Metrics = metrics
	_, err := adj.AdjustBalance(ctx, "admin", "c-1", dec(30))
	require.NoError(t, err)
	_, err = adj.Expire(ctx, "admin", "c-1")
	require.NoError(t, err)

	agg := coupon.NewSalesAggregator(mem, quietLogger(), 4, 1)
	agg.Metrics = metrics
	agg.Start()
	require.True(t, agg.Enqueue(coupon.SaleEvent{CounterID: "canteen", Amount: dec(10)}))
	require.True(t, agg.Enqueue(coupon.SaleEvent{CounterID: "ghost", Amount: dec(10)}))
	agg.Stop()
	assert.False(t, agg.Enqueue(coupon.SaleEvent{CounterID: "canteen", Amount: dec(10)}))

	assert.Equal(t, 1.0, counterValue(t, reg, "coupon_balance_adjustments_total", "action", "balance_adjusted"))
	assert.Equal(t, 1.0, counterValue(t, reg, "coupon_balance_adjustments_total", "action", "coupon_expired"))
	assert.Equal(t, 1.0, counterValue(t, reg, "coupon_sales_aggregation_total", "outcome", "recorded"))
	assert.Equal(t, 1.0, counterValue(t, reg, "coupon_sales_aggregation_total", "outcome", "failed"))
	assert.Equal(t, 1.0, counterValue(t, reg, "coupon_sales_aggregation_total", "outcome", "dropped"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	mem := store.NewMemory()
	seedCoupon(t, mem, "c-1", 20)
	e := newTestEngine(mem, nil)
	e.Metrics = nil

	_, err := e.Redeem(context.Background(), redeemReq(fixedCounter("canteen", 10), "c-1", 10))
	assert.NoError(t, err)
}
