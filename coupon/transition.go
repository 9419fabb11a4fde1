package coupon

import (
	"time"

	"github.com/shopspring/decimal"
)

// AttemptRedeem computes the state after deducting amount at counterID.
// A nil coupon means the lookup found nothing. The input is never mutated.
//
// Rules, in order: missing, expired, non-positive amount, amount above
// balance. On success the history gains one entry and the status becomes
// used when the balance reaches zero.
func AttemptRedeem(c *Coupon, amount decimal.Decimal, counterID CounterID, now time.Time) (Coupon, Receipt, error) {
	if c == nil {
		return Coupon{}, Receipt{}, ErrCouponNotFound
	}
	if c.Status == StatusExpired {
		return Coupon{}, Receipt{}, ErrExpired
	}
	if !amount.IsPositive() {
		return Coupon{}, Receipt{}, ErrInvalidAmount
	}
	if amount.GreaterThan(c.Balance) {
		return Coupon{}, Receipt{}, &InsufficientBalanceError{
			CouponID:  c.ID,
			Available: c.Balance,
			Requested: amount,
		}
	}

	next := c.Clone()
	next.Balance = c.Balance.Sub(amount)
	if next.Balance.IsZero() {
		next.Status = StatusUsed
	} else {
		next.Status = StatusActive
	}
	next.History = append(next.History, Redemption{
		CounterID: counterID,
		Amount:    amount,
		At:        now,
	})
	next.UpdatedAt = now

	return next, Receipt{
		CouponID:         c.ID,
		CounterID:        counterID,
		Amount:           amount,
		RemainingBalance: next.Balance,
		At:               now,
	}, nil
}

// SetBalance is the administrative correction. It never appends history and
// never moves a coupon into used or expired. A used coupon given a positive
// balance becomes active again; an expired coupon stays expired.
func SetBalance(c Coupon, newBalance decimal.Decimal, now time.Time) (Coupon, error) {
	if newBalance.IsNegative() {
		return Coupon{}, ErrInvalidAmount
	}
	next := c.Clone()
	next.Issued = c.Issued.Add(newBalance.Sub(c.Balance))
	next.Balance = newBalance
	if newBalance.IsPositive() && c.Status == StatusUsed {
		next.Status = StatusActive
	}
	next.UpdatedAt = now
	return next, nil
}

// Expire moves a coupon into the terminal expired state.
func Expire(c Coupon, now time.Time) Coupon {
	next := c.Clone()
	next.Status = StatusExpired
	next.UpdatedAt = now
	return next
}
