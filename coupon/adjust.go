package coupon

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Adjuster applies administrative corrections (balance overrides and
// expiry) under the same versioned read-modify-write as redemptions.
// Corrections are not sales: they never touch history and are written to
// the audit log instead.
type Adjuster struct {
	Coupons CouponStore
	Audit   AuditLog
	Logger  logrus.FieldLogger
	Metrics *Metrics
	Retry   RetryConfig
	Now     func() time.Time
}

// NewAdjuster creates an adjuster. audit may be nil.
func NewAdjuster(coupons CouponStore, audit AuditLog, logger logrus.FieldLogger) *Adjuster {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Adjuster{
		Coupons: coupons,
		Audit:   audit,
		Logger:  logger,
		Retry:   DefaultRedeemRetry(),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// AdjustBalance overrides the coupon balance. No allowed-amount check
// applies; negative balances are rejected.
func (a *Adjuster) AdjustBalance(ctx context.Context, actor string, rawID string, newBalance decimal.Decimal) (Coupon, error) {
	if newBalance.IsNegative() {
		return Coupon{}, ErrInvalidAmount
	}
	return a.apply(ctx, actor, NormalizeCouponID(rawID), AuditBalanceAdjusted, func(c Coupon, now time.Time) (Coupon, error) {
		return SetBalance(c, newBalance, now)
	})
}

// Expire moves the coupon into the terminal expired state.
func (a *Adjuster) Expire(ctx context.Context, actor string, rawID string) (Coupon, error) {
	return a.apply(ctx, actor, NormalizeCouponID(rawID), AuditCouponExpired, func(c Coupon, now time.Time) (Coupon, error) {
		return Expire(c, now), nil
	})
}

type correction func(c Coupon, now time.Time) (Coupon, error)

func (a *Adjuster) apply(ctx context.Context, actor string, id CouponID, action AuditAction, fn correction) (Coupon, error) {
	if id == "" {
		return Coupon{}, ErrCouponNotFound
	}

	type outcome struct {
		before, after Coupon
	}
	attempts := 0
	res, err := failsafe.With(newConflictPolicy[outcome](a.Retry)).
		WithContext(ctx).
		Get(func() (outcome, error) {
			attempts++
			current, version, err := a.Coupons.GetCoupon(ctx, id)
			if err != nil {
				return outcome{}, err
			}
			next, err := fn(current, a.now())
			if err != nil {
				return outcome{}, err
			}
			if err := a.Coupons.CommitCoupon(ctx, id, version, next); err != nil {
				if errors.Is(err, ErrVersionConflict) {
					a.Metrics.conflict()
				}
				return outcome{}, err
			}
			return outcome{before: current, after: next}, nil
		})
	if errors.Is(err, ErrVersionConflict) {
		return Coupon{}, &ContentionError{CouponID: id, Attempts: attempts}
	}
	if err != nil {
		return Coupon{}, err
	}

	a.Metrics.adjustment(action)
	entry := AuditEntry{
		ID:         uuid.NewString(),
		CouponID:   id,
		Action:     action,
		Actor:      actor,
		OldBalance: res.before.Balance,
		NewBalance: res.after.Balance,
		OldStatus:  res.before.Status,
		NewStatus:  res.after.Status,
		At:         res.after.UpdatedAt,
	}
	log := a.Logger.WithFields(logrus.Fields{
		"coupon_id":   id,
		"action":      action,
		"actor":       actor,
		"old_balance": entry.OldBalance.String(),
		"new_balance": entry.NewBalance.String(),
		"old_status":  entry.OldStatus,
		"new_status":  entry.NewStatus,
	})
	log.Info("coupon corrected")

	// The correction is committed; a lost audit row is logged, not returned.
	if a.Audit != nil {
		if err := a.Audit.AppendAudit(ctx, entry); err != nil {
			log.WithError(err).Error("failed to write audit entry")
		}
	}
	return res.after, nil
}

func (a *Adjuster) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}
