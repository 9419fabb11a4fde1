// Package store provides an in-memory coupon.Store.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/warp/coupon-ledger/coupon"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	coupons  map[coupon.CouponID]couponRow
	counters map[coupon.CounterID]counterRow
	audit    map[coupon.CouponID][]coupon.AuditEntry
	closed   bool
}

type couponRow struct {
	coupon  coupon.Coupon
	version coupon.Version
}

type counterRow struct {
	counter coupon.Counter
	version coupon.Version
}

var _ coupon.Store = (*Memory)(nil)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("memory store closed")

func NewMemory() *Memory {
	return &Memory{
		coupons:  make(map[coupon.CouponID]couponRow),
		counters: make(map[coupon.CounterID]counterRow),
		audit:    make(map[coupon.CouponID][]coupon.AuditEntry),
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// =============================================================================
// COUPONS
// =============================================================================

func (m *Memory) GetCoupon(_ context.Context, id coupon.CouponID) (coupon.Coupon, coupon.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return coupon.Coupon{}, 0, ErrClosed
	}

	row, ok := m.coupons[id]
	if !ok {
		return coupon.Coupon{}, 0, coupon.ErrCouponNotFound
	}
	return row.coupon.Clone(), row.version, nil
}

// CommitCoupon is a compare-and-set on the stored version.
func (m *Memory) CommitCoupon(_ context.Context, id coupon.CouponID, expected coupon.Version, next coupon.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	row, ok := m.coupons[id]
	if !ok {
		return coupon.ErrCouponNotFound
	}
	if row.version != expected {
		return coupon.ErrVersionConflict
	}
	if err := coupon.CheckAppendOnly(row.coupon.History, next.History); err != nil {
		return err
	}
	next = next.Clone()
	next.ID = id
	next.CreatedAt = row.coupon.CreatedAt
	m.coupons[id] = couponRow{coupon: next, version: row.version + 1}
	return nil
}

func (m *Memory) CreateCoupon(_ context.Context, c coupon.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if _, ok := m.coupons[c.ID]; ok {
		return coupon.ErrAlreadyExists
	}
	m.coupons[c.ID] = couponRow{coupon: c.Clone(), version: 1}
	return nil
}

func (m *Memory) ListCoupons(_ context.Context) ([]coupon.Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	result := make([]coupon.Coupon, 0, len(m.coupons))
	for _, row := range m.coupons {
		result = append(result, row.coupon.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// =============================================================================
// COUNTERS
// =============================================================================

func (m *Memory) GetCounter(_ context.Context, id coupon.CounterID) (coupon.Counter, coupon.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return coupon.Counter{}, 0, ErrClosed
	}

	row, ok := m.counters[id]
	if !ok {
		return coupon.Counter{}, 0, coupon.ErrCounterNotFound
	}
	return cloneCounter(row.counter), row.version, nil
}

func (m *Memory) CommitCounter(_ context.Context, id coupon.CounterID, expected coupon.Version, next coupon.Counter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	row, ok := m.counters[id]
	if !ok {
		return coupon.ErrCounterNotFound
	}
	if row.version != expected {
		return coupon.ErrVersionConflict
	}
	next = cloneCounter(next)
	next.ID = id
	next.CreatedAt = row.counter.CreatedAt
	m.counters[id] = counterRow{counter: next, version: row.version + 1}
	return nil
}

func (m *Memory) SaveCounter(_ context.Context, c coupon.Counter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	c = cloneCounter(c)
	row, ok := m.counters[c.ID]
	if !ok {
		m.counters[c.ID] = counterRow{counter: c, version: 1}
		return nil
	}
	c.TotalSales = row.counter.TotalSales
	c.CreatedAt = row.counter.CreatedAt
	if c.PasswordHash == "" {
		c.PasswordHash = row.counter.PasswordHash
	}
	m.counters[c.ID] = counterRow{counter: c, version: row.version + 1}
	return nil
}

func (m *Memory) DeleteCounter(_ context.Context, id coupon.CounterID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if _, ok := m.counters[id]; !ok {
		return coupon.ErrCounterNotFound
	}
	delete(m.counters, id)
	return nil
}

func (m *Memory) ListCounters(_ context.Context) ([]coupon.Counter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	result := make([]coupon.Counter, 0, len(m.counters))
	for _, row := range m.counters {
		result = append(result, cloneCounter(row.counter))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func cloneCounter(c coupon.Counter) coupon.Counter {
	if c.AllowedAmounts != nil {
		c.AllowedAmounts = append(c.AllowedAmounts[:0:0], c.AllowedAmounts...)
	}
	return c
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, e coupon.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.audit[e.CouponID] = append(m.audit[e.CouponID], e)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, couponID coupon.CouponID) ([]coupon.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	result := make([]coupon.AuditEntry, len(m.audit[couponID]))
	copy(result, m.audit[couponID])
	return result, nil
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.coupons = make(map[coupon.CouponID]couponRow)
	m.counters = make(map[coupon.CounterID]counterRow)
	m.audit = make(map[coupon.CouponID][]coupon.AuditEntry)
	return nil
}
