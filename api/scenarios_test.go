package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/coupon-ledger/coupon"
	"github.com/warp/coupon-ledger/coupon/store"
)

func loadScenario(t *testing.T, env *testEnv, id string) {
	t.Helper()
	rec := env.do(http.MethodPost, "/api/scenarios/load", env.admin(), LoadScenarioRequest{ScenarioID: id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestScenario_FestDay(t *testing.T) {
	// GIVEN: an empty store
	// WHEN: loading the fest-day scenario
	// THEN: counters, coupons and reconciled totals match the scripted sales

	env := newTestEnv(t)
	ctx := context.Background()
	loadScenario(t, env, "fest-day")

	coupons, err := env.store.ListCoupons(ctx)
	require.NoError(t, err)
	assert.Len(t, coupons, 4)
	for _, c := range coupons {
		assert.NoError(t, c.CheckInvariants())
	}

	first, _, err := env.store.GetCoupon(ctx, "FEST-0001")
	require.NoError(t, err)
	assert.Equal(t, "50", first.Balance.String())
	assert.Len(t, first.History, 3)

	second, _, err := env.store.GetCoupon(ctx, "FEST-0002")
	require.NoError(t, err)
	assert.Equal(t, coupon.StatusUsed, second.Status)

	totals := map[coupon.CounterID]string{"canteen": "80", "bookstall": "20", "games": "15"}
	for id, want := range totals {
		c, _, err := env.store.GetCounter(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, c.TotalSales.String(), "counter %s", id)
	}

	login := env.do(http.MethodPost, "/api/auth/counter", "",
		CounterLoginRequest{CounterID: "canteen", Password: DemoCounterPassword})
	assert.Equal(t, http.StatusOK, login.Code)
}

func TestScenario_SpentAndExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	loadScenario(t, env, "spent-and-expired")

	restored, _, err := env.store.GetCoupon(ctx, "SPENT-0001")
	require.NoError(t, err)
	assert.Equal(t, coupon.StatusActive, restored.Status)
	assert.Equal(t, "50", restored.Balance.String())
	assert.Len(t, restored.History, 1)
	assert.NoError(t, restored.CheckInvariants())

	used, _, err := env.store.GetCoupon(ctx, "SPENT-0002")
	require.NoError(t, err)
	assert.Equal(t, coupon.StatusUsed, used.Status)

	expired, _, err := env.store.GetCoupon(ctx, "SPENT-0003")
	require.NoError(t, err)
	assert.Equal(t, coupon.StatusExpired, expired.Status)
	assert.Equal(t, "30", expired.Balance.String())

	audit, err := env.store.ListAudit(ctx, "SPENT-0001")
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, coupon.AuditBalanceAdjusted, audit[1].Action)
}

// GIVEN: the rush-hour scenario (balance 100, five counters deducting 20)
// WHEN: all five counters redeem at the same moment
// THEN: every redemption succeeds and the coupon ends used at zero
func TestScenario_RushHourConcurrentRedemptions(t *testing.T) {
	env := newTestEnv(t)
	loadScenario(t, env, "rush-hour")

	codes := make([]int, 5)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range codes {
		token := env.token(RoleCounter, fmt.Sprintf("stall-%d", i+1))
		wg.Add(1)
		go func(i int, token string) {
			defer wg.Done()
			<-start
			codes[i] = env.do(http.MethodPost, "/api/counter/redemptions", token,
				map[string]any{"coupon_id": "RUSH-0001"}).Code
		}(i, token)
	}
	close(start)
	wg.Wait()

	for i, code := range codes {
		assert.Equal(t, http.StatusCreated, code, "stall-%d", i+1)
	}
	c, _, err := env.store.GetCoupon(context.Background(), "RUSH-0001")
	require.NoError(t, err)
	assert.True(t, c.Balance.IsZero())
	assert.Equal(t, coupon.StatusUsed, c.Status)
	assert.Len(t, c.History, 5)
}

func TestScenario_LoadReplacesPreviousData(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	loadScenario(t, env, "fest-day")
	loadScenario(t, env, "rush-hour")

	coupons, err := env.store.ListCoupons(ctx)
	require.NoError(t, err)
	require.Len(t, coupons, 1)
	assert.Equal(t, coupon.CouponID("RUSH-0001"), coupons[0].ID)

	current := env.do(http.MethodGet, "/api/scenarios/current", env.admin(), nil)
	require.Equal(t, http.StatusOK, current.Code)
	assert.Equal(t, "rush-hour", decodeBody[ScenarioDTO](t, current).ID)
}

func TestScenario_UnknownAndReset(t *testing.T) {
	env := newTestEnv(t)
	admin := env.admin()

	list := decodeBody[[]ScenarioDTO](t, env.do(http.MethodGet, "/api/scenarios", admin, nil))
	assert.Len(t, list, len(scenarios))

	unknown := env.do(http.MethodPost, "/api/scenarios/load", admin, LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, unknown.Code)

	loadScenario(t, env, "fest-day")
	reset := env.do(http.MethodPost, "/api/scenarios/reset", admin, nil)
	require.Equal(t, http.StatusOK, reset.Code)

	counters, err := env.store.ListCounters(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counters)
	assert.Equal(t, "null\n", env.do(http.MethodGet, "/api/scenarios/current", admin, nil).Body.String())
}

func TestScenario_RequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	env.addCounter("canteen", "10", "")

	rec := env.do(http.MethodPost, "/api/scenarios/load", env.token(RoleCounter, "canteen"),
		LoadScenarioRequest{ScenarioID: "fest-day"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestScenario_RoutesCanBeDisabled(t *testing.T) {
	env := newTestEnvWith(t, store.NewMemory(), nil, RouterOptions{DisableScenarios: true})

	rec := env.do(http.MethodGet, "/api/scenarios", env.admin(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
