package coupon_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coupon-ledger/coupon"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func dec(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func activeCoupon(id string, balance int64) coupon.Coupon {
	return coupon.Coupon{
		ID:        coupon.CouponID(id),
		Balance:   dec(balance),
		Issued:    dec(balance),
		Status:    coupon.StatusActive,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

// =============================================================================
// ATTEMPT REDEEM
// =============================================================================

func TestAttemptRedeem_SpendsDownToUsed(t *testing.T) {
	// GIVEN: a coupon with balance 100
	// WHEN: deducting 50, then 50, then 10
	// THEN: 50 active, 0 used, then insufficient balance with 0 available

	c := activeCoupon("c-1", 100)

	first, receipt, err := coupon.AttemptRedeem(&c, dec(50), "canteen", t0)
	require.NoError(t, err)
	assert.Equal(t, "50", first.Balance.String())
	assert.Equal(t, coupon.StatusActive, first.Status)
	assert.Equal(t, "50", receipt.RemainingBalance.String())
	assert.Equal(t, coupon.CounterID("canteen"), receipt.CounterID)

	second, _, err := coupon.AttemptRedeem(&first, dec(50), "bookstall", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, second.Balance.IsZero())
	assert.Equal(t, coupon.StatusUsed, second.Status)
	require.Len(t, second.History, 2)
	assert.Equal(t, coupon.CounterID("bookstall"), second.History[1].CounterID)
	assert.NoError(t, second.CheckInvariants())

	_, _, err = coupon.AttemptRedeem(&second, dec(10), "canteen", t0)
	var short *coupon.InsufficientBalanceError
	require.ErrorAs(t, err, &short)
	assert.True(t, short.Available.IsZero())
	assert.Equal(t, "10", short.Shortfall().String())
}

func TestAttemptRedeem_DoesNotMutateInput(t *testing.T) {
	c := activeCoupon("c-1", 100)
	c.History = make([]coupon.Redemption, 0, 4)

	next, _, err := coupon.AttemptRedeem(&c, dec(30), "canteen", t0)
	require.NoError(t, err)

	assert.Equal(t, "100", c.Balance.String())
	assert.Empty(t, c.History)
	assert.Len(t, next.History, 1)
}

func TestAttemptRedeem_Rejections(t *testing.T) {
	expired := activeCoupon("c-exp", 80)
	expired.Status = coupon.StatusExpired
	small := activeCoupon("c-small", 30)

	tests := []struct {
		name   string
		coupon *coupon.Coupon
		amount int64
		want   error
	}{
		{"missing", nil, 10, coupon.ErrCouponNotFound},
		{"expired with balance", &expired, 10, coupon.ErrExpired},
		{"zero amount", &small, 0, coupon.ErrInvalidAmount},
		{"negative amount", &small, -5, coupon.ErrInvalidAmount},
		{"above balance", &small, 40, coupon.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := coupon.AttemptRedeem(tt.coupon, dec(tt.amount), "canteen", t0)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAttemptRedeem_ReportsAvailableBalance(t *testing.T) {
	c := activeCoupon("c-1", 30)

	_, _, err := coupon.AttemptRedeem(&c, dec(40), "canteen", t0)

	var short *coupon.InsufficientBalanceError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, "30", short.Available.String())
	assert.Equal(t, "40", short.Requested.String())
	assert.True(t, coupon.IsClientError(err))
	assert.False(t, coupon.IsRetryable(err))
}

// =============================================================================
// ADMINISTRATIVE TRANSITIONS
// =============================================================================

func TestSetBalance_ReactivatesUsedCoupon(t *testing.T) {
	c := activeCoupon("c-1", 100)
	used, _, err := coupon.AttemptRedeem(&c, dec(100), "canteen", t0)
	require.NoError(t, err)
	require.Equal(t, coupon.StatusUsed, used.Status)

	next, err := coupon.SetBalance(used, dec(50), t0.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, coupon.StatusActive, next.Status)
	assert.Equal(t, "50", next.Balance.String())
	assert.Equal(t, "150", next.Issued.String())
	assert.Equal(t, used.History, next.History)
	assert.NoError(t, next.CheckInvariants())
}

func TestSetBalance_ExpiredStaysExpired(t *testing.T) {
	c := coupon.Expire(activeCoupon("c-1", 40), t0)

	next, err := coupon.SetBalance(c, decimal.Zero, t0)
	require.NoError(t, err)
	assert.Equal(t, coupon.StatusExpired, next.Status)
	assert.True(t, next.Balance.IsZero())

	raised, err := coupon.SetBalance(c, dec(60), t0)
	require.NoError(t, err)
	assert.Equal(t, coupon.StatusExpired, raised.Status)
}

func TestSetBalance_RejectsNegative(t *testing.T) {
	_, err := coupon.SetBalance(activeCoupon("c-1", 10), dec(-1), t0)
	assert.ErrorIs(t, err, coupon.ErrInvalidAmount)
}

func TestSetBalance_ZeroKeepsActiveCouponActive(t *testing.T) {
	next, err := coupon.SetBalance(activeCoupon("c-1", 10), decimal.Zero, t0)
	require.NoError(t, err)
	assert.Equal(t, coupon.StatusActive, next.Status)
	assert.NoError(t, next.CheckInvariants())
}

// =============================================================================
// COUNTERS & PARSING
// =============================================================================

func TestCounter_PermittedAmounts(t *testing.T) {
	fixed := coupon.Counter{ID: "games", DefaultAmount: dec(5)}
	assert.True(t, fixed.Permits(dec(5)))
	assert.False(t, fixed.Permits(dec(10)))

	menu := coupon.Counter{ID: "canteen", DefaultAmount: dec(10), AllowedAmounts: []decimal.Decimal{dec(10), dec(20)}}
	assert.True(t, menu.Permits(dec(20)))
	assert.False(t, menu.Permits(dec(15)))

	assert.Empty(t, coupon.Counter{ID: "empty"}.PermittedAmounts())
}

func TestParseAllowedAmounts(t *testing.T) {
	got, err := coupon.ParseAllowedAmounts(" 10, 20,50,10, ,2.5")
	require.NoError(t, err)
	assert.Equal(t, "10,20,50,2.5", coupon.FormatAllowedAmounts(got))

	empty, err := coupon.ParseAllowedAmounts("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = coupon.ParseAllowedAmounts("10,abc")
	assert.ErrorIs(t, err, coupon.ErrInvalidAmount)

	_, err = coupon.ParseAllowedAmounts("10,0")
	assert.ErrorIs(t, err, coupon.ErrInvalidAmount)
}

func TestNormalizeCouponID(t *testing.T) {
	assert.Equal(t, coupon.CouponID("FEST-0001"), coupon.NormalizeCouponID("  FEST-0001\r\n"))
	assert.Equal(t, coupon.CouponID(""), coupon.NormalizeCouponID("   "))
}

// =============================================================================
// INVARIANTS
// =============================================================================

func TestCheckInvariants(t *testing.T) {
	ok := activeCoupon("c-1", 10)
	assert.NoError(t, ok.CheckInvariants())

	drifted := ok
	drifted.Balance = dec(7)
	assert.Error(t, drifted.CheckInvariants())

	usedWithoutHistory := ok
	usedWithoutHistory.Balance = decimal.Zero
	usedWithoutHistory.Issued = decimal.Zero
	usedWithoutHistory.Status = coupon.StatusUsed
	assert.Error(t, usedWithoutHistory.CheckInvariants())

	unknown := ok
	unknown.Status = "void"
	assert.Error(t, unknown.CheckInvariants())
}

func TestCheckAppendOnly(t *testing.T) {
	stored := []coupon.Redemption{{CounterID: "canteen", Amount: dec(10), At: t0}}
	extended := append(append([]coupon.Redemption{}, stored...),
		coupon.Redemption{CounterID: "games", Amount: dec(5), At: t0})

	assert.NoError(t, coupon.CheckAppendOnly(stored, extended))
	assert.NoError(t, coupon.CheckAppendOnly(stored, stored))
	assert.ErrorIs(t, coupon.CheckAppendOnly(extended, stored), coupon.ErrHistoryRewrite)

	edited := []coupon.Redemption{{CounterID: "canteen", Amount: dec(1), At: t0}}
	assert.ErrorIs(t, coupon.CheckAppendOnly(stored, edited), coupon.ErrHistoryRewrite)
}
