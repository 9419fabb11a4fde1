/*
aggregator.go - Best-effort per-counter sales totals

PURPOSE:
  Keeps Counter.TotalSales roughly in step with redemptions without ever
  sitting on the redemption path. The engine hands each committed sale to
  Enqueue, which never blocks; worker goroutines apply it with the same
  versioned read-modify-write the engine uses, retrying a few times and
  then giving up with a log line.

ACCEPTED DRIFT:
  A full queue, a store outage or a process exit before the queue drains
  all leave TotalSales short. Coupon histories stay the ledger of record;
  reconcile.go rebuilds totals from them.

RECONCILIATION:
  Quiesce holds the workers, applies everything already queued and then
  runs the reconciliation pass. Sales queued during the pass are applied
  after it, so only a sale committed in the instant between the drain and
  the pass reading histories can still be counted twice. The next pass
  corrects it.

LIFECYCLE:
  agg := coupon.NewSalesAggregator(store, logger, 1024, 4)
  agg.Start()
  defer agg.Stop() // drains what is already queued
*/
package coupon

import (
	"context"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type SalesAggregator struct {
	Counters CounterStore
	Logger   logrus.FieldLogger
	Metrics  *Metrics
	Retry    RetryConfig

	// Timeout bounds a single RecordSale issued by a worker.
	Timeout time.Duration

	workers int
	queue   chan SaleEvent

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup

	// gate is held shared by a worker for each wait-and-apply step and
	// exclusively by Quiesce. pause is closed to wake idle workers so the
	// exclusive lock can be taken.
	gate    sync.RWMutex
	passMu  sync.Mutex
	pauseMu sync.Mutex
	pause   chan struct{}
}

// NewSalesAggregator creates an aggregator with a bounded queue.
func NewSalesAggregator(counters CounterStore, logger logrus.FieldLogger, queueSize, workers int) *SalesAggregator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &SalesAggregator{
		Counters: counters,
		Logger:   logger,
		Retry:    DefaultSalesRetry(),
		Timeout:  5 * time.Second,
		workers:  workers,
		queue:    make(chan SaleEvent, queueSize),
		pause:    make(chan struct{}),
	}
}

// Enqueue implements SaleSink. It returns false when the event was dropped
// because the queue is full or the aggregator is stopped.
func (a *SalesAggregator) Enqueue(ev SaleEvent) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.Metrics.aggregation("dropped")
		return false
	}
	select {
	case a.queue <- ev:
		a.Metrics.setQueueDepth(len(a.queue))
		return true
	default:
		a.Metrics.aggregation("dropped")
		a.Logger.WithFields(logrus.Fields{
			"counter_id": ev.CounterID,
			"coupon_id":  ev.CouponID,
			"amount":     ev.Amount.String(),
		}).Warn("sales queue full, dropping event")
		return false
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (a *SalesAggregator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started || a.closed {
		return
	}
	a.started = true
	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go a.work()
	}
	a.Logger.WithField("workers", a.workers).Info("sales aggregator started")
}

// Stop rejects new events, lets the workers drain the queue and waits.
func (a *SalesAggregator) Stop() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	a.wg.Wait()
	a.Logger.Info("sales aggregator stopped")
}

// Run starts the aggregator and stops it when ctx is done.
func (a *SalesAggregator) Run(ctx context.Context) error {
	a.Start()
	<-ctx.Done()
	a.Stop()
	return nil
}

func (a *SalesAggregator) work() {
	defer a.wg.Done()
	for {
		a.gate.RLock()
		pause := a.pauseSignal()
		select {
		case ev, ok := <-a.queue:
			if !ok {
				a.gate.RUnlock()
				return
			}
			a.Metrics.setQueueDepth(len(a.queue))
			a.process(ev)
		case <-pause:
		}
		a.gate.RUnlock()
	}
}

func (a *SalesAggregator) pauseSignal() chan struct{} {
	a.pauseMu.Lock()
	defer a.pauseMu.Unlock()
	return a.pause
}

// Quiesce stops the workers, applies every queued sale and runs fn while
// the workers stay stopped. Sales enqueued meanwhile wait in the queue.
func (a *SalesAggregator) Quiesce(ctx context.Context, fn func(ctx context.Context) error) error {
	a.passMu.Lock()
	defer a.passMu.Unlock()

	a.pauseMu.Lock()
	close(a.pause)
	a.pauseMu.Unlock()

	a.gate.Lock()
	defer a.gate.Unlock()

	a.pauseMu.Lock()
	a.pause = make(chan struct{})
	a.pauseMu.Unlock()

	drained := a.drain()
	if drained > 0 {
		a.Logger.WithField("events", drained).Debug("sales queue drained before reconciliation")
	}
	return fn(ctx)
}

// drain applies queued events on the calling goroutine until the queue is
// empty or closed.
func (a *SalesAggregator) drain() int {
	n := 0
	for {
		select {
		case ev, ok := <-a.queue:
			if !ok {
				return n
			}
			a.Metrics.setQueueDepth(len(a.queue))
			a.process(ev)
			n++
		default:
			return n
		}
	}
}

func (a *SalesAggregator) process(ev SaleEvent) {
	// Workers outlive request contexts on purpose: the sale is already final.
	ctx, cancel := context.WithTimeout(context.Background(), a.Timeout)
	defer cancel()

	if err := a.RecordSale(ctx, ev.CounterID, ev.Amount); err != nil {
		a.Metrics.aggregation("failed")
		a.Logger.WithFields(logrus.Fields{
			"counter_id": ev.CounterID,
			"coupon_id":  ev.CouponID,
			"amount":     ev.Amount.String(),
			"sold_at":    ev.At,
		}).WithError(err).Warn("counter total not updated, total_sales now short of history")
		return
	}
	a.Metrics.aggregation("recorded")
}

// RecordSale adds amount to the counter's running total.
func (a *SalesAggregator) RecordSale(ctx context.Context, counterID CounterID, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return failsafe.With(newConflictPolicy[any](a.Retry)).
		WithContext(ctx).
		Run(func() error {
			current, version, err := a.Counters.GetCounter(ctx, counterID)
			if err != nil {
				return err
			}
			next := current
			next.TotalSales = current.TotalSales.Add(amount)
			next.UpdatedAt = time.Now().UTC()
			return a.Counters.CommitCounter(ctx, counterID, version, next)
		})
}
