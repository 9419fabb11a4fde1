/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the store with realistic
  data for demos. Every scenario goes through the same services the API
  uses (Issuer, Engine, Adjuster, Reconciler), so loaded data always
  satisfies the ledger invariants.

AVAILABLE SCENARIOS:
  fest-day:          Three counters, a handful of coupons mid-event
  spent-and-expired: Used and expired coupons with an audit trail
  rush-hour:         One coupon, five counters, for concurrency demos

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Create counters (demo password "counter123")
 3. Issue coupons with fixed ids
 4. Redeem and correct through the services
 5. Reconcile so counter totals match history

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "fest-day"}

NOTE:
  Scenarios reset the store. Only use in development/demo environments.
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/coupon-ledger/coupon"
)

// DemoCounterPassword is the secret of every counter a scenario creates.
const DemoCounterPassword = "counter123"

const scenarioActor = "scenario"

var errResetUnsupported = errors.New("store does not support reset")

// resetter is implemented by every bundled store.
type resetter interface {
	Reset(ctx context.Context) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "fest-day",
		Name:        "Fest Day",
		Description: "Canteen, bookstall and games counters with coupons part-way spent",
	},
	{
		ID:          "spent-and-expired",
		Name:        "Spent and Expired",
		Description: "Fully used coupons, an expired coupon and a corrected balance",
	},
	{
		ID:          "rush-hour",
		Name:        "Rush Hour",
		Description: "One coupon and five counters that all deduct 20",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var loader func(context.Context) error
	switch req.ScenarioID {
	case "fest-day":
		loader = h.loadFestDayScenario
	case "spent-and-expired":
		loader = h.loadSpentAndExpiredScenario
	case "rush-hour":
		loader = h.loadRushHourScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	if err := loader(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}
	h.currentScenario = req.ScenarioID

	h.Logger.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetData clears the store.
func (h *Handler) ResetData(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""
	h.Logger.Warn("store reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) reset(ctx context.Context) error {
	rs, ok := h.Store.(resetter)
	if !ok {
		return errResetUnsupported
	}
	return rs.Reset(ctx)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadFestDayScenario(ctx context.Context) error {
	counters := []coupon.Counter{
		demoCounter("canteen", "Canteen", "Ravi Kumar", "10", "10,20,50"),
		demoCounter("bookstall", "Book Stall", "Anita Rao", "20", ""),
		demoCounter("games", "Games Arena", "Sam Joseph", "5", "5,10"),
	}
	if err := h.saveCounters(ctx, counters); err != nil {
		return err
	}

	ids, err := h.issueCoupons(ctx, "FEST", []coupon.IssueRequest{
		{Balance: decimal.NewFromInt(100), RollNo: "21CS001", Email: "asha@example.edu"},
		{Balance: decimal.NewFromInt(50), RollNo: "21CS002"},
		{Balance: decimal.NewFromInt(30), RollNo: "21ME014", Phone: "+91 98450 00000"},
		{Balance: decimal.NewFromInt(200), RollNo: "22EC101"},
	})
	if err != nil {
		return err
	}

	canteen, books, games := counters[0], counters[1], counters[2]
	sales := []struct {
		counter coupon.Counter
		coupon  coupon.CouponID
		amount  int64
	}{
		{canteen, ids[0], 20},
		{books, ids[0], 20},
		{games, ids[0], 10},
		{canteen, ids[1], 50},
		{canteen, ids[3], 10},
		{games, ids[3], 5},
	}
	for _, s := range sales {
		if err := h.demoRedeem(ctx, s.counter, s.coupon, decimal.NewFromInt(s.amount)); err != nil {
			return err
		}
	}
	return h.reconcileDemo(ctx)
}

func (h *Handler) loadSpentAndExpiredScenario(ctx context.Context) error {
	canteen := demoCounter("canteen", "Canteen", "Ravi Kumar", "10", "10,20,50")
	if err := h.saveCounters(ctx, []coupon.Counter{canteen}); err != nil {
		return err
	}

	ids, err := h.issueCoupons(ctx, "SPENT", []coupon.IssueRequest{
		{Balance: decimal.NewFromInt(50), RollNo: "20CS010"},
		{Balance: decimal.NewFromInt(20), RollNo: "20CS011"},
		{Balance: decimal.NewFromInt(40), RollNo: "20CS012"},
	})
	if err != nil {
		return err
	}

	// ids[0]: used up, then topped back up to 50 by an admin.
	if err := h.demoRedeem(ctx, canteen, ids[0], decimal.NewFromInt(50)); err != nil {
		return err
	}
	if _, err := h.Adjuster.AdjustBalance(ctx, scenarioActor, string(ids[0]), decimal.NewFromInt(50)); err != nil {
		return fmt.Errorf("adjust %s: %w", ids[0], err)
	}

	// ids[1]: used up.
	if err := h.demoRedeem(ctx, canteen, ids[1], decimal.NewFromInt(20)); err != nil {
		return err
	}

	// ids[2]: partly spent, then expired.
	if err := h.demoRedeem(ctx, canteen, ids[2], decimal.NewFromInt(10)); err != nil {
		return err
	}
	if _, err := h.Adjuster.Expire(ctx, scenarioActor, string(ids[2])); err != nil {
		return fmt.Errorf("expire %s: %w", ids[2], err)
	}
	return h.reconcileDemo(ctx)
}

func (h *Handler) loadRushHourScenario(ctx context.Context) error {
	counters := make([]coupon.Counter, 5)
	for i := range counters {
		id := fmt.Sprintf("stall-%d", i+1)
		counters[i] = demoCounter(id, fmt.Sprintf("Stall %d", i+1), "", "20", "")
	}
	if err := h.saveCounters(ctx, counters); err != nil {
		return err
	}
	_, err := h.issueCoupons(ctx, "RUSH", []coupon.IssueRequest{
		{Balance: decimal.NewFromInt(100), RollNo: "23CS500"},
	})
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func demoCounter(id, name, coordinator, defaultAmount, allowed string) coupon.Counter {
	amounts, err := coupon.ParseAllowedAmounts(allowed)
	if err != nil {
		panic(fmt.Sprintf("demo counter %s: %v", id, err))
	}
	return coupon.Counter{
		ID:              coupon.CounterID(id),
		Name:            name,
		CoordinatorName: coordinator,
		DefaultAmount:   decimal.RequireFromString(defaultAmount),
		AllowedAmounts:  amounts,
	}
}

func (h *Handler) saveCounters(ctx context.Context, counters []coupon.Counter) error {
	hash, err := HashPassword(DemoCounterPassword)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, c := range counters {
		c.PasswordHash = hash
		c.CreatedAt, c.UpdatedAt = now, now
		if err := h.Store.SaveCounter(ctx, c); err != nil {
			return fmt.Errorf("save counter %s: %w", c.ID, err)
		}
	}
	return nil
}

// issueCoupons issues coupons with ids PREFIX-0001, PREFIX-0002, ...
func (h *Handler) issueCoupons(ctx context.Context, prefix string, reqs []coupon.IssueRequest) ([]coupon.CouponID, error) {
	issuer := *h.Issuer
	n := 0
	issuer.NewID = func() coupon.CouponID {
		n++
		return coupon.CouponID(fmt.Sprintf("%s-%04d", prefix, n))
	}

	ids := make([]coupon.CouponID, 0, len(reqs))
	for _, req := range reqs {
		c, err := issuer.Issue(ctx, scenarioActor, req)
		if err != nil {
			return nil, fmt.Errorf("issue coupon: %w", err)
		}
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// demoRedeem bypasses the sales queue; reconcileDemo settles the totals.
func (h *Handler) demoRedeem(ctx context.Context, counter coupon.Counter, id coupon.CouponID, amount decimal.Decimal) error {
	engine := *h.Engine
	engine.Sales = nil
	_, err := engine.Redeem(ctx, coupon.RedeemRequest{
		Counter:  counter,
		CouponID: string(id),
		Amount:   amount,
	})
	if err != nil {
		return fmt.Errorf("redeem %s at %s: %w", id, counter.ID, err)
	}
	return nil
}

func (h *Handler) reconcileDemo(ctx context.Context) error {
	_, err := h.Reconciler.Reconcile(ctx)
	return err
}
