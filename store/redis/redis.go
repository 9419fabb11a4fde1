/*
Package redis provides a Redis-backed implementation of coupon.Store.

PURPOSE:
  For deployments that already run Redis and want the ledger next to it.
  Each coupon and counter is one JSON document carrying its own version.
  Commits WATCH the document key, check the version, and write inside
  MULTI/EXEC. If another client touched the key in between, EXEC aborts
  (redis.TxFailedErr) and the commit reports coupon.ErrVersionConflict.

KEY LAYOUT (prefix defaults to "coupon-ledger:"):
  coupon:{id}        JSON couponDoc
  coupons:created    ZSET of coupon ids scored by creation time
  counter:{id}       JSON counterDoc
  counters           SET of counter ids
  audit:{couponID}   LIST of JSON audit entries, oldest first

TOPOLOGY:
  Single node or Sentinel. The multi-key transactions assume all keys live
  on one node.
*/
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/warp/coupon-ledger/coupon"
)

const defaultPrefix = "coupon-ledger:"

// saveRetries bounds SaveCounter's internal WATCH loop.
const saveRetries = 10

type Store struct {
	client goredis.UniversalClient
	prefix string
}

var _ coupon.Store = (*Store)(nil)

// New wraps client. An empty prefix selects the default.
func New(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Connect parses a redis:// URL, pings the server and returns a store.
func Connect(ctx context.Context, redisURL, prefix string) (*Store, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, prefix), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) couponKey(id coupon.CouponID) string   { return s.prefix + "coupon:" + string(id) }
func (s *Store) counterKey(id coupon.CounterID) string { return s.prefix + "counter:" + string(id) }
func (s *Store) auditKey(id coupon.CouponID) string    { return s.prefix + "audit:" + string(id) }
func (s *Store) couponIndex() string                   { return s.prefix + "coupons:created" }
func (s *Store) counterIndex() string                  { return s.prefix + "counters" }

// =============================================================================
// DOCUMENTS
// =============================================================================

type couponDoc struct {
	Version coupon.Version `json:"version"`

	ID        coupon.CouponID `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	Issued    decimal.Decimal `json:"issued"`
	Status    coupon.Status   `json:"status"`
	RollNo    string          `json:"roll_no,omitempty"`
	Phone     string          `json:"phone,omitempty"`
	Email     string          `json:"email,omitempty"`
	History   []redemptionDoc `json:"history"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type redemptionDoc struct {
	CounterID      coupon.CounterID `json:"counter_id"`
	Amount         decimal.Decimal  `json:"amount"`
	At             time.Time        `json:"at"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

func toCouponDoc(c coupon.Coupon, version coupon.Version) couponDoc {
	doc := couponDoc{
		Version:   version,
		ID:        c.ID,
		Balance:   c.Balance,
		Issued:    c.Issued,
		Status:    c.Status,
		RollNo:    c.RollNo,
		Phone:     c.Phone,
		Email:     c.Email,
		History:   make([]redemptionDoc, len(c.History)),
		CreatedAt: c.CreatedAt.UTC(),
		UpdatedAt: c.UpdatedAt.UTC(),
	}
	for i, r := range c.History {
		doc.History[i] = redemptionDoc{
			CounterID:      r.CounterID,
			Amount:         r.Amount,
			At:             r.At.UTC(),
			IdempotencyKey: r.IdempotencyKey,
		}
	}
	return doc
}

func (d couponDoc) coupon() coupon.Coupon {
	c := coupon.Coupon{
		ID:        d.ID,
		Balance:   d.Balance,
		Issued:    d.Issued,
		Status:    d.Status,
		RollNo:    d.RollNo,
		Phone:     d.Phone,
		Email:     d.Email,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if len(d.History) > 0 {
		c.History = make([]coupon.Redemption, len(d.History))
		for i, r := range d.History {
			c.History[i] = coupon.Redemption{
				CounterID:      r.CounterID,
				Amount:         r.Amount,
				At:             r.At,
				IdempotencyKey: r.IdempotencyKey,
			}
		}
	}
	return c
}

type counterDoc struct {
	Version coupon.Version `json:"version"`

	ID              coupon.CounterID  `json:"id"`
	Name            string            `json:"name"`
	CoordinatorName string            `json:"coordinator_name,omitempty"`
	Email           string            `json:"email,omitempty"`
	Phone           string            `json:"phone,omitempty"`
	PasswordHash    string            `json:"password_hash,omitempty"`
	DefaultAmount   decimal.Decimal   `json:"default_amount"`
	AllowedAmounts  []decimal.Decimal `json:"allowed_amounts,omitempty"`
	TotalSales      decimal.Decimal   `json:"total_sales"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func toCounterDoc(c coupon.Counter, version coupon.Version) counterDoc {
	return counterDoc{
		Version:         version,
		ID:              c.ID,
		Name:            c.Name,
		CoordinatorName: c.CoordinatorName,
		Email:           c.Email,
		Phone:           c.Phone,
		PasswordHash:    c.PasswordHash,
		DefaultAmount:   c.DefaultAmount,
		AllowedAmounts:  c.AllowedAmounts,
		TotalSales:      c.TotalSales,
		CreatedAt:       c.CreatedAt.UTC(),
		UpdatedAt:       c.UpdatedAt.UTC(),
	}
}

func (d counterDoc) counter() coupon.Counter {
	return coupon.Counter{
		ID:              d.ID,
		Name:            d.Name,
		CoordinatorName: d.CoordinatorName,
		Email:           d.Email,
		Phone:           d.Phone,
		PasswordHash:    d.PasswordHash,
		DefaultAmount:   d.DefaultAmount,
		AllowedAmounts:  d.AllowedAmounts,
		TotalSales:      d.TotalSales,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func readCoupon(ctx context.Context, g getter, key string) (couponDoc, error) {
	var doc couponDoc
	raw, err := g.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return doc, coupon.ErrCouponNotFound
	}
	if err != nil {
		return doc, fmt.Errorf("get coupon: %w", err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("decode coupon: %w", err)
	}
	return doc, nil
}

func readCounter(ctx context.Context, g getter, key string) (counterDoc, error) {
	var doc counterDoc
	raw, err := g.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return doc, coupon.ErrCounterNotFound
	}
	if err != nil {
		return doc, fmt.Errorf("get counter: %w", err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("decode counter: %w", err)
	}
	return doc, nil
}

// =============================================================================
// COUPON STORE
// =============================================================================

func (s *Store) GetCoupon(ctx context.Context, id coupon.CouponID) (coupon.Coupon, coupon.Version, error) {
	doc, err := readCoupon(ctx, s.client, s.couponKey(id))
	if err != nil {
		return coupon.Coupon{}, 0, err
	}
	return doc.coupon(), doc.Version, nil
}

func (s *Store) CommitCoupon(ctx context.Context, id coupon.CouponID, expected coupon.Version, next coupon.Coupon) error {
	key := s.couponKey(id)
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := readCoupon(ctx, tx, key)
		if err != nil {
			return err
		}
		if current.Version != expected {
			return coupon.ErrVersionConflict
		}
		if err := coupon.CheckAppendOnly(current.coupon().History, next.History); err != nil {
			return err
		}

		next.ID = id
		next.CreatedAt = current.CreatedAt
		raw, err := json.Marshal(toCouponDoc(next, expected+1))
		if err != nil {
			return fmt.Errorf("encode coupon: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return coupon.ErrVersionConflict
	}
	return err
}

func (s *Store) CreateCoupon(ctx context.Context, c coupon.Coupon) error {
	key := s.couponKey(c.ID)
	raw, err := json.Marshal(toCouponDoc(c, 1))
	if err != nil {
		return fmt.Errorf("encode coupon: %w", err)
	}
	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("check coupon: %w", err)
		}
		if n > 0 {
			return coupon.ErrAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			pipe.ZAdd(ctx, s.couponIndex(), goredis.Z{
				Score:  float64(c.CreatedAt.UnixMilli()),
				Member: string(c.ID),
			})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return coupon.ErrAlreadyExists
	}
	return err
}

// ListCoupons returns all coupons newest first.
func (s *Store) ListCoupons(ctx context.Context) ([]coupon.Coupon, error) {
	ids, err := s.client.ZRange(ctx, s.couponIndex(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list coupon ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.couponKey(coupon.CouponID(id))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load coupons: %w", err)
	}

	coupons := make([]coupon.Coupon, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var doc couponDoc
		if err := json.Unmarshal([]byte(str), &doc); err != nil {
			return nil, fmt.Errorf("decode coupon: %w", err)
		}
		coupons = append(coupons, doc.coupon())
	}
	sort.SliceStable(coupons, func(i, j int) bool {
		if coupons[i].CreatedAt.Equal(coupons[j].CreatedAt) {
			return coupons[i].ID < coupons[j].ID
		}
		return coupons[i].CreatedAt.After(coupons[j].CreatedAt)
	})
	return coupons, nil
}

// =============================================================================
// COUNTER STORE
// =============================================================================

func (s *Store) GetCounter(ctx context.Context, id coupon.CounterID) (coupon.Counter, coupon.Version, error) {
	doc, err := readCounter(ctx, s.client, s.counterKey(id))
	if err != nil {
		return coupon.Counter{}, 0, err
	}
	return doc.counter(), doc.Version, nil
}

func (s *Store) CommitCounter(ctx context.Context, id coupon.CounterID, expected coupon.Version, next coupon.Counter) error {
	key := s.counterKey(id)
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := readCounter(ctx, tx, key)
		if err != nil {
			return err
		}
		if current.Version != expected {
			return coupon.ErrVersionConflict
		}
		next.ID = id
		next.CreatedAt = current.CreatedAt
		raw, err := json.Marshal(toCounterDoc(next, expected+1))
		if err != nil {
			return fmt.Errorf("encode counter: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return coupon.ErrVersionConflict
	}
	return err
}

// SaveCounter upserts the profile, keeping TotalSales and, when c has
// none, the stored password hash.
func (s *Store) SaveCounter(ctx context.Context, c coupon.Counter) error {
	key := s.counterKey(c.ID)
	save := func(tx *goredis.Tx) error {
		version := coupon.Version(1)
		current, err := readCounter(ctx, tx, key)
		switch {
		case err == nil:
			version = current.Version + 1
			c.TotalSales = current.TotalSales
			c.CreatedAt = current.CreatedAt
			if c.PasswordHash == "" {
				c.PasswordHash = current.PasswordHash
			}
		case errors.Is(err, coupon.ErrCounterNotFound):
			if c.CreatedAt.IsZero() {
				c.CreatedAt = time.Now().UTC()
			}
		default:
			return err
		}
		raw, err := json.Marshal(toCounterDoc(c, version))
		if err != nil {
			return fmt.Errorf("encode counter: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			pipe.SAdd(ctx, s.counterIndex(), string(c.ID))
			return nil
		})
		return err
	}

	for i := 0; i < saveRetries; i++ {
		err := s.client.Watch(ctx, save, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return coupon.ErrVersionConflict
}

func (s *Store) DeleteCounter(ctx context.Context, id coupon.CounterID) error {
	var deleted *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		deleted = pipe.Del(ctx, s.counterKey(id))
		pipe.SRem(ctx, s.counterIndex(), string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete counter: %w", err)
	}
	if deleted.Val() == 0 {
		return coupon.ErrCounterNotFound
	}
	return nil
}

func (s *Store) ListCounters(ctx context.Context) ([]coupon.Counter, error) {
	ids, err := s.client.SMembers(ctx, s.counterIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("list counter ids: %w", err)
	}
	sort.Strings(ids)

	counters := make([]coupon.Counter, 0, len(ids))
	for _, id := range ids {
		doc, err := readCounter(ctx, s.client, s.counterKey(coupon.CounterID(id)))
		if errors.Is(err, coupon.ErrCounterNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		counters = append(counters, doc.counter())
	}
	return counters, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type auditDoc struct {
	ID         string             `json:"id"`
	CouponID   coupon.CouponID    `json:"coupon_id"`
	Action     coupon.AuditAction `json:"action"`
	Actor      string             `json:"actor"`
	OldBalance decimal.Decimal    `json:"old_balance"`
	NewBalance decimal.Decimal    `json:"new_balance"`
	OldStatus  coupon.Status      `json:"old_status,omitempty"`
	NewStatus  coupon.Status      `json:"new_status,omitempty"`
	At         time.Time          `json:"at"`
}

func (s *Store) AppendAudit(ctx context.Context, e coupon.AuditEntry) error {
	raw, err := json.Marshal(auditDoc(e))
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	if err := s.client.RPush(ctx, s.auditKey(e.CouponID), raw).Err(); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, couponID coupon.CouponID) ([]coupon.AuditEntry, error) {
	values, err := s.client.LRange(ctx, s.auditKey(couponID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	entries := make([]coupon.AuditEntry, 0, len(values))
	for _, v := range values {
		var doc auditDoc
		if err := json.Unmarshal([]byte(v), &doc); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		entries = append(entries, coupon.AuditEntry(doc))
	}
	return entries, nil
}

// Reset deletes every key under the store prefix.
func (s *Store) Reset(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete keys: %w", err)
	}
	return nil
}
