package coupon

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type IssueRequest struct {
	Balance decimal.Decimal
	RollNo  string
	Phone   string
	Email   string
}

// Issuer creates new coupons.
type Issuer struct {
	Coupons CouponStore
	Audit   AuditLog
	Logger  logrus.FieldLogger
	Now     func() time.Time

	// NewID defaults to a random UUID.
	NewID func() CouponID
}

func NewIssuer(coupons CouponStore, audit AuditLog, logger logrus.FieldLogger) *Issuer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Issuer{
		Coupons: coupons,
		Audit:   audit,
		Logger:  logger,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   func() CouponID { return CouponID(uuid.NewString()) },
	}
}

// Issue stores a fresh active coupon with an empty history.
func (i *Issuer) Issue(ctx context.Context, actor string, req IssueRequest) (Coupon, error) {
	if req.Balance.IsNegative() {
		return Coupon{}, ErrInvalidAmount
	}
	now := i.Now()
	c := Coupon{
		ID:        i.NewID(),
		Balance:   req.Balance,
		Issued:    req.Balance,
		Status:    StatusActive,
		RollNo:    req.RollNo,
		Phone:     req.Phone,
		Email:     req.Email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := i.Coupons.CreateCoupon(ctx, c); err != nil {
		return Coupon{}, err
	}

	log := i.Logger.WithFields(logrus.Fields{
		"coupon_id": c.ID,
		"balance":   c.Balance.String(),
		"actor":     actor,
	})
	log.Info("coupon issued")
	if i.Audit != nil {
		err := i.Audit.AppendAudit(ctx, AuditEntry{
			ID:         uuid.NewString(),
			CouponID:   c.ID,
			Action:     AuditCouponIssued,
			Actor:      actor,
			OldBalance: decimal.Zero,
			NewBalance: c.Balance,
			NewStatus:  c.Status,
			At:         now,
		})
		if err != nil {
			log.WithError(err).Error("failed to write audit entry")
		}
	}
	return c, nil
}
