/*
engine.go - Redemption engine

PURPOSE:
  Turns a (counter, coupon id, amount) request into a committed deduction.
  The engine holds no state between calls: every redemption is computed
  from the coupon as currently stored and committed with the version it
  was read at.

ALGORITHM:
  1. Normalize the scanned id, reject non-positive amounts
  2. Reject amounts outside the counter's permitted set
  3. Loop (bounded): get -> AttemptRedeem -> CommitCoupon(expected version)
     A version conflict re-reads and re-validates from scratch, so a
     retry can still fail with ErrInsufficientBalance or ErrExpired.
  4. Hand the sale to the aggregator (non-blocking) and return the receipt

IDEMPOTENCY:
  A request carrying an IdempotencyKey that this counter already used on
  this coupon returns the original receipt with Replayed set, and deducts
  nothing. Reusing a key with a different amount is an
  IdempotencyMismatchError. An expired coupon fails with ErrExpired even
  for a replay. Requests without a key are never deduplicated.

SEE ALSO:
  - transition.go: AttemptRedeem
  - aggregator.go: SaleSink implementation
*/
package coupon

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// RedeemRequest is one deduction request from an authenticated counter.
type RedeemRequest struct {
	// Counter is supplied by the authentication collaborator and trusted.
	Counter Counter

	// CouponID is untrusted scanner or keyboard input.
	CouponID string

	Amount         decimal.Decimal
	IdempotencyKey string
}

type Engine struct {
	Coupons CouponStore
	Sales   SaleSink
	Logger  logrus.FieldLogger
	Metrics *Metrics
	Retry   RetryConfig
	Now     func() time.Time
}

// NewEngine creates an engine with the default retry bound. sales may be nil.
func NewEngine(coupons CouponStore, sales SaleSink, logger logrus.FieldLogger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		Coupons: coupons,
		Sales:   sales,
		Logger:  logger,
		Retry:   DefaultRedeemRetry(),
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Redeem deducts req.Amount from the coupon and returns a receipt.
func (e *Engine) Redeem(ctx context.Context, req RedeemRequest) (Receipt, error) {
	receipt, err := e.redeem(ctx, req)
	e.Metrics.redemption(outcomeOf(err))

	fields := logrus.Fields{
		"coupon_id":  NormalizeCouponID(req.CouponID),
		"counter_id": req.Counter.ID,
		"amount":     req.Amount.String(),
	}
	switch {
	case err == nil:
		fields["remaining"] = receipt.RemainingBalance.String()
		fields["replayed"] = receipt.Replayed
		e.Logger.WithFields(fields).Info("coupon redeemed")
	case IsClientError(err) || IsNotFound(err):
		e.Logger.WithFields(fields).WithError(err).Info("redemption rejected")
	default:
		e.Logger.WithFields(fields).WithError(err).Warn("redemption failed")
	}
	return receipt, err
}

func (e *Engine) redeem(ctx context.Context, req RedeemRequest) (Receipt, error) {
	id := NormalizeCouponID(req.CouponID)
	if id == "" {
		return Receipt{}, ErrCouponNotFound
	}
	if !req.Amount.IsPositive() {
		return Receipt{}, ErrInvalidAmount
	}
	if !req.Counter.Permits(req.Amount) {
		return Receipt{}, &AmountNotAllowedError{
			CounterID: req.Counter.ID,
			Amount:    req.Amount,
			Allowed:   req.Counter.PermittedAmounts(),
		}
	}

	attempts := 0
	receipt, err := failsafe.With(newConflictPolicy[Receipt](e.Retry)).
		WithContext(ctx).
		Get(func() (Receipt, error) {
			attempts++
			return e.attempt(ctx, id, req)
		})
	if errors.Is(err, ErrVersionConflict) {
		return Receipt{}, &ContentionError{CouponID: id, Attempts: attempts}
	}
	if err != nil {
		return Receipt{}, err
	}

	if !receipt.Replayed && e.Sales != nil {
		ok := e.Sales.Enqueue(SaleEvent{
			CounterID: receipt.CounterID,
			CouponID:  receipt.CouponID,
			Amount:    receipt.Amount,
			At:        receipt.At,
		})
		if !ok {
			e.Logger.WithFields(logrus.Fields{
				"coupon_id":  id,
				"counter_id": receipt.CounterID,
				"amount":     receipt.Amount.String(),
			}).Warn("sale not queued for aggregation, counter total will drift")
		}
	}
	return receipt, nil
}

// attempt is one read-validate-commit pass.
func (e *Engine) attempt(ctx context.Context, id CouponID, req RedeemRequest) (Receipt, error) {
	current, version, err := e.Coupons.GetCoupon(ctx, id)
	if err != nil {
		return Receipt{}, err
	}

	if current.Status == StatusExpired {
		return Receipt{}, ErrExpired
	}
	if prior, ok := current.FindRedemption(req.Counter.ID, req.IdempotencyKey); ok {
		if !prior.Amount.Equal(req.Amount) {
			return Receipt{}, &IdempotencyMismatchError{
				CouponID:  id,
				Key:       req.IdempotencyKey,
				Original:  prior.Amount,
				Requested: req.Amount,
			}
		}
		return Receipt{
			CouponID:         id,
			CounterID:        prior.CounterID,
			Amount:           prior.Amount,
			RemainingBalance: current.Balance,
			At:               prior.At,
			Replayed:         true,
		}, nil
	}

	next, receipt, err := AttemptRedeem(&current, req.Amount, req.Counter.ID, e.now())
	if err != nil {
		return Receipt{}, err
	}
	next.History[len(next.History)-1].IdempotencyKey = req.IdempotencyKey

	if err := e.Coupons.CommitCoupon(ctx, id, version, next); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			e.Metrics.conflict()
		}
		return Receipt{}, err
	}
	return receipt, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}
