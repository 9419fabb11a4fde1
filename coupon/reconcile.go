package coupon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Drift describes a counter whose running total disagreed with history.
type Drift struct {
	CounterID CounterID
	Recorded  decimal.Decimal
	Actual    decimal.Decimal
}

func (d Drift) Delta() decimal.Decimal { return d.Actual.Sub(d.Recorded) }

// SalesQuiescer holds asynchronous sale processing still while fn runs.
// *SalesAggregator implements it.
type SalesQuiescer interface {
	Quiesce(ctx context.Context, fn func(ctx context.Context) error) error
}

// Reconciler rebuilds counter totals from coupon histories, which are the
// ledger of record. Without Sales set, sales still queued in an aggregator
// when it runs are counted twice once they land.
type Reconciler struct {
	Coupons  CouponStore
	Counters CounterStore
	Logger   logrus.FieldLogger
	Retry    RetryConfig

	// Sales, when set, is drained and held for the whole pass.
	Sales SalesQuiescer
}

func NewReconciler(coupons CouponStore, counters CounterStore, logger logrus.FieldLogger) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reconciler{
		Coupons:  coupons,
		Counters: counters,
		Logger:   logger,
		Retry:    DefaultSalesRetry(),
	}
}

// SalesByCounter sums history amounts per counter across coupons.
func SalesByCounter(coupons []Coupon) map[CounterID]decimal.Decimal {
	sums := make(map[CounterID]decimal.Decimal)
	for _, c := range coupons {
		for _, r := range c.History {
			sums[r.CounterID] = sums[r.CounterID].Add(r.Amount)
		}
	}
	return sums
}

// Reconcile corrects every counter whose total differs from history and
// returns the corrections made. Counters that could not be written are
// reported in the joined error; the others are still corrected.
func (r *Reconciler) Reconcile(ctx context.Context) ([]Drift, error) {
	if r.Sales == nil {
		return r.reconcile(ctx)
	}
	var drifts []Drift
	err := r.Sales.Quiesce(ctx, func(ctx context.Context) error {
		var err error
		drifts, err = r.reconcile(ctx)
		return err
	})
	return drifts, err
}

func (r *Reconciler) reconcile(ctx context.Context) ([]Drift, error) {
	coupons, err := r.Coupons.ListCoupons(ctx)
	if err != nil {
		return nil, fmt.Errorf("list coupons: %w", err)
	}
	counters, err := r.Counters.ListCounters(ctx)
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	sums := SalesByCounter(coupons)

	var (
		drifts []Drift
		errs   []error
	)
	for _, c := range counters {
		actual := sums[c.ID]
		if c.TotalSales.Equal(actual) {
			continue
		}
		drift, err := r.correct(ctx, c.ID, actual)
		if err != nil {
			errs = append(errs, fmt.Errorf("counter %s: %w", c.ID, err))
			continue
		}
		if drift != nil {
			drifts = append(drifts, *drift)
			r.Logger.WithFields(logrus.Fields{
				"counter_id": drift.CounterID,
				"recorded":   drift.Recorded.String(),
				"actual":     drift.Actual.String(),
			}).Warn("counter total corrected from history")
		}
	}
	return drifts, errors.Join(errs...)
}

func (r *Reconciler) correct(ctx context.Context, id CounterID, actual decimal.Decimal) (*Drift, error) {
	return failsafe.With(newConflictPolicy[*Drift](r.Retry)).
		WithContext(ctx).
		Get(func() (*Drift, error) {
			current, version, err := r.Counters.GetCounter(ctx, id)
			if err != nil {
				return nil, err
			}
			if current.TotalSales.Equal(actual) {
				return nil, nil
			}
			next := current
			next.TotalSales = actual
			next.UpdatedAt = time.Now().UTC()
			if err := r.Counters.CommitCounter(ctx, id, version, next); err != nil {
				return nil, err
			}
			return &Drift{CounterID: id, Recorded: current.TotalSales, Actual: actual}, nil
		})
}
