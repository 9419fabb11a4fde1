/*
scheduler.go - Periodic counter total reconciliation

PURPOSE:
  Counter totals are maintained best-effort by the sales aggregator and
  can fall short of coupon histories. The scheduler runs the Reconciler
  on an interval so the drift never lives long.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Each pass is bounded by PassTimeout
  - Corrections and failures are logged; the last pass is kept for RunNow
    callers and tests

CONFIGURATION:
  - CheckInterval: How often to run (RECONCILE_INTERVAL, default 1 hour)
  - Enabled: Whether scheduler is active (0 interval disables it)

USAGE:
  scheduler := NewReconciliationScheduler(reconciler, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual reconciliation)
  - coupon/reconcile.go: Reconciler
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/coupon-ledger/coupon"
)

// ReconciliationScheduler runs counter reconciliation on a timer.
type ReconciliationScheduler struct {
	Reconciler    *coupon.Reconciler
	Logger        logrus.FieldLogger
	CheckInterval time.Duration
	PassTimeout   time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu  sync.Mutex
	lastRun time.Time
	lastFix []coupon.Drift
	lastErr error
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(reconciler *coupon.Reconciler, logger logrus.FieldLogger) *ReconciliationScheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ReconciliationScheduler{
		Reconciler:    reconciler,
		Logger:        logger.WithField("component", "reconciliation_scheduler"),
		CheckInterval: 1 * time.Hour,
		PassTimeout:   5 * time.Minute,
		Enabled:       true,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.Logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run()

	rs.Logger.WithField("interval", rs.CheckInterval.String()).Info("scheduler started")
}

// Stop stops the scheduler and waits for a running pass to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.stop = make(chan struct{})
		rs.Logger.Info("scheduler stopped")
	}
}

// Run starts the scheduler and stops it when ctx is done.
func (rs *ReconciliationScheduler) Run(ctx context.Context) error {
	rs.Start()
	<-ctx.Done()
	rs.Stop()
	return nil
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.RunNow()

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow()
		case <-rs.stop:
			return
		}
	}
}

// RunNow performs one reconciliation pass and returns its corrections.
func (rs *ReconciliationScheduler) RunNow() ([]coupon.Drift, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rs.PassTimeout)
	defer cancel()

	started := time.Now()
	drifts, err := rs.Reconciler.Reconcile(ctx)

	log := rs.Logger.WithFields(logrus.Fields{
		"corrections": len(drifts),
		"duration":    time.Since(started).String(),
	})
	if err != nil {
		log.WithError(err).Warn("reconciliation pass finished with errors")
	} else if len(drifts) > 0 {
		log.Info("reconciliation pass corrected counter totals")
	} else {
		log.Debug("reconciliation pass found no drift")
	}

	rs.lastMu.Lock()
	rs.lastRun, rs.lastFix, rs.lastErr = started, drifts, err
	rs.lastMu.Unlock()
	return drifts, err
}

// LastRun reports when the last pass started and what it did.
func (rs *ReconciliationScheduler) LastRun() (time.Time, []coupon.Drift, error) {
	rs.lastMu.Lock()
	defer rs.lastMu.Unlock()
	return rs.lastRun, rs.lastFix, rs.lastErr
}

// GetNextRunTime returns when the next scheduled check will occur.
func (rs *ReconciliationScheduler) GetNextRunTime() time.Time {
	rs.lastMu.Lock()
	defer rs.lastMu.Unlock()
	if rs.lastRun.IsZero() {
		return time.Now()
	}
	return rs.lastRun.Add(rs.CheckInterval)
}
