/*
Package postgres provides a PostgreSQL-backed implementation of coupon.Store.

PURPOSE:
  Same tables and semantics as store/sqlite, for deployments where many
  server processes share one database. The version compare-and-set runs
  inside a transaction that locks the coupon row (SELECT ... FOR UPDATE),
  so a concurrent commit either waits and then sees the bumped version, or
  has already lost.

USAGE:
  s, err := postgres.Connect(ctx, postgres.DefaultConfig(url), logger)
  if err != nil {
      log.Fatal(err)
  }
  defer s.Close()

SEE ALSO:
  - store/sqlite: the reference SQL layout
  - coupon/store.go: interface definitions
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/warp/coupon-ledger/coupon"
)

// Config holds database configuration.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns pool defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Store implements coupon.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ coupon.Store = (*Store)(nil)

// Connect opens the pool, pings it and migrates the schema.
func Connect(ctx context.Context, cfg Config, logger logrus.FieldLogger) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"max_open_conns":    cfg.MaxOpenConns,
		"max_idle_conns":    cfg.MaxIdleConns,
		"conn_max_lifetime": cfg.ConnMaxLifetime,
	}).Info("Database connected")

	return s, nil
}

// New wraps an existing pool. The schema is not touched.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS coupons (
		id TEXT PRIMARY KEY,
		balance NUMERIC NOT NULL CHECK (balance >= 0),
		issued NUMERIC NOT NULL,
		status TEXT NOT NULL,
		roll_no TEXT,
		phone TEXT,
		email TEXT,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_coupons_created_at ON coupons(created_at DESC);

	CREATE TABLE IF NOT EXISTS redemptions (
		coupon_id TEXT NOT NULL REFERENCES coupons(id),
		seq INTEGER NOT NULL,
		counter_id TEXT NOT NULL,
		amount NUMERIC NOT NULL CHECK (amount > 0),
		redeemed_at TIMESTAMPTZ NOT NULL,
		idempotency_key TEXT,
		PRIMARY KEY (coupon_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_redemptions_counter ON redemptions(counter_id);

	CREATE TABLE IF NOT EXISTS counters (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		coordinator_name TEXT,
		email TEXT,
		phone TEXT,
		password_hash TEXT,
		default_amount NUMERIC NOT NULL,
		allowed_amounts TEXT NOT NULL DEFAULT '',
		total_sales NUMERIC NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT UNIQUE NOT NULL,
		coupon_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT NOT NULL,
		old_balance NUMERIC NOT NULL,
		new_balance NUMERIC NOT NULL,
		old_status TEXT,
		new_status TEXT,
		at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_coupon ON audit_log(coupon_id, at);
	`)
	return err
}

// =============================================================================
// COUPON STORE
// =============================================================================

const couponColumns = `id, balance, issued, status, roll_no, phone, email, version, created_at, updated_at`

const historyQuery = `
	SELECT coupon_id, counter_id, amount, redeemed_at, idempotency_key
	FROM redemptions
	WHERE coupon_id = $1
	ORDER BY seq ASC`

func (s *Store) GetCoupon(ctx context.Context, id coupon.CouponID) (coupon.Coupon, coupon.Version, error) {
	c, version, err := scanCoupon(s.db.QueryRowContext(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return coupon.Coupon{}, 0, coupon.ErrCouponNotFound
	}
	if err != nil {
		return coupon.Coupon{}, 0, err
	}
	c.History, err = queryHistory(ctx, s.db, id)
	if err != nil {
		return coupon.Coupon{}, 0, err
	}
	return c, version, nil
}

func (s *Store) CommitCoupon(ctx context.Context, id coupon.CouponID, expected coupon.Version, next coupon.Coupon) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current coupon.Version
	err = tx.QueryRowContext(ctx, `SELECT version FROM coupons WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return coupon.ErrCouponNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock coupon: %w", err)
	}
	if current != expected {
		return coupon.ErrVersionConflict
	}

	stored, err := queryHistory(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := coupon.CheckAppendOnly(stored, next.History); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE coupons
		SET balance = $1, issued = $2, status = $3, version = version + 1, updated_at = $4
		WHERE id = $5 AND version = $6`,
		next.Balance, next.Issued, string(next.Status), next.UpdatedAt.UTC(), id, expected)
	if err != nil {
		return fmt.Errorf("failed to update coupon: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coupon.ErrVersionConflict
	}

	for i := len(stored); i < len(next.History); i++ {
		if err := insertRedemption(ctx, tx, id, i, next.History[i]); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) CreateCoupon(ctx context.Context, c coupon.Coupon) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO coupons (`+couponColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)`,
		c.ID, c.Balance, c.Issued, string(c.Status),
		nullString(c.RollNo), nullString(c.Phone), nullString(c.Email),
		c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return coupon.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create coupon: %w", err)
	}
	for i, r := range c.History {
		if err := insertRedemption(ctx, tx, c.ID, i, r); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListCoupons(ctx context.Context) ([]coupon.Coupon, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+couponColumns+` FROM coupons ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query coupons: %w", err)
	}
	defer rows.Close()

	var coupons []coupon.Coupon
	index := make(map[coupon.CouponID]int)
	for rows.Next() {
		c, _, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		index[c.ID] = len(coupons)
		coupons = append(coupons, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hrows, err := s.db.QueryContext(ctx, `
		SELECT coupon_id, counter_id, amount, redeemed_at, idempotency_key
		FROM redemptions
		ORDER BY coupon_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query redemptions: %w", err)
	}
	defer hrows.Close()

	for hrows.Next() {
		var couponID coupon.CouponID
		r, err := scanRedemption(hrows, &couponID)
		if err != nil {
			return nil, err
		}
		if i, ok := index[couponID]; ok {
			coupons[i].History = append(coupons[i].History, r)
		}
	}
	return coupons, hrows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryHistory(ctx context.Context, q querier, id coupon.CouponID) ([]coupon.Redemption, error) {
	rows, err := q.QueryContext(ctx, historyQuery, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query redemptions: %w", err)
	}
	defer rows.Close()

	var history []coupon.Redemption
	for rows.Next() {
		var couponID coupon.CouponID
		r, err := scanRedemption(rows, &couponID)
		if err != nil {
			return nil, err
		}
		history = append(history, r)
	}
	return history, rows.Err()
}

func insertRedemption(ctx context.Context, tx *sql.Tx, id coupon.CouponID, seq int, r coupon.Redemption) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO redemptions (coupon_id, seq, counter_id, amount, redeemed_at, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, seq, r.CounterID, r.Amount, r.At.UTC(), nullString(r.IdempotencyKey))
	if err != nil {
		if isUniqueViolation(err) {
			return coupon.ErrVersionConflict
		}
		return fmt.Errorf("failed to append redemption: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCoupon(row scanner) (coupon.Coupon, coupon.Version, error) {
	var (
		c                    coupon.Coupon
		version              int64
		status               string
		rollNo, phone, email sql.NullString
	)
	err := row.Scan(&c.ID, &c.Balance, &c.Issued, &status, &rollNo, &phone, &email,
		&version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, 0, err
		}
		return c, 0, fmt.Errorf("failed to scan coupon: %w", err)
	}
	c.Status = coupon.Status(status)
	c.RollNo = rollNo.String
	c.Phone = phone.String
	c.Email = email.String
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, coupon.Version(version), nil
}

func scanRedemption(row scanner, couponID *coupon.CouponID) (coupon.Redemption, error) {
	var (
		r   coupon.Redemption
		key sql.NullString
	)
	if err := row.Scan(couponID, &r.CounterID, &r.Amount, &r.At, &key); err != nil {
		return r, fmt.Errorf("failed to scan redemption: %w", err)
	}
	r.At = r.At.UTC()
	r.IdempotencyKey = key.String
	return r, nil
}

// =============================================================================
// COUNTER STORE
// =============================================================================

const counterColumns = `id, name, coordinator_name, email, phone, password_hash,
	default_amount, allowed_amounts, total_sales, version, created_at, updated_at`

func (s *Store) GetCounter(ctx context.Context, id coupon.CounterID) (coupon.Counter, coupon.Version, error) {
	c, version, err := scanCounter(s.db.QueryRowContext(ctx,
		`SELECT `+counterColumns+` FROM counters WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return coupon.Counter{}, 0, coupon.ErrCounterNotFound
	}
	return c, version, err
}

func (s *Store) CommitCounter(ctx context.Context, id coupon.CounterID, expected coupon.Version, next coupon.Counter) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE counters
		SET name = $1, coordinator_name = $2, email = $3, phone = $4, password_hash = $5,
		    default_amount = $6, allowed_amounts = $7, total_sales = $8,
		    version = version + 1, updated_at = $9
		WHERE id = $10 AND version = $11`,
		next.Name, nullString(next.CoordinatorName), nullString(next.Email), nullString(next.Phone),
		nullString(next.PasswordHash), next.DefaultAmount, coupon.FormatAllowedAmounts(next.AllowedAmounts),
		next.TotalSales, next.UpdatedAt.UTC(), id, expected)
	if err != nil {
		return fmt.Errorf("failed to update counter: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM counters WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check counter: %w", err)
	}
	if !exists {
		return coupon.ErrCounterNotFound
	}
	return coupon.ErrVersionConflict
}

func (s *Store) SaveCounter(ctx context.Context, c coupon.Counter) error {
	created, updated := c.CreatedAt, c.UpdatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	if updated.IsZero() {
		updated = created
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (`+counterColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			coordinator_name = EXCLUDED.coordinator_name,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			password_hash = COALESCE(EXCLUDED.password_hash, counters.password_hash),
			default_amount = EXCLUDED.default_amount,
			allowed_amounts = EXCLUDED.allowed_amounts,
			version = counters.version + 1,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.Name, nullString(c.CoordinatorName), nullString(c.Email), nullString(c.Phone),
		nullString(c.PasswordHash), c.DefaultAmount, coupon.FormatAllowedAmounts(c.AllowedAmounts),
		c.TotalSales, created.UTC(), updated.UTC())
	if err != nil {
		return fmt.Errorf("failed to save counter: %w", err)
	}
	return nil
}

func (s *Store) DeleteCounter(ctx context.Context, id coupon.CounterID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM counters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete counter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coupon.ErrCounterNotFound
	}
	return nil
}

func (s *Store) ListCounters(ctx context.Context) ([]coupon.Counter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+counterColumns+` FROM counters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query counters: %w", err)
	}
	defer rows.Close()

	var counters []coupon.Counter
	for rows.Next() {
		c, _, err := scanCounter(rows)
		if err != nil {
			return nil, err
		}
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

func scanCounter(row scanner) (coupon.Counter, coupon.Version, error) {
	var (
		c                         coupon.Counter
		version                   int64
		coordinator, email, phone sql.NullString
		passwordHash              sql.NullString
		allowed                   string
	)
	err := row.Scan(&c.ID, &c.Name, &coordinator, &email, &phone, &passwordHash,
		&c.DefaultAmount, &allowed, &c.TotalSales, &version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, 0, err
		}
		return c, 0, fmt.Errorf("failed to scan counter: %w", err)
	}
	c.CoordinatorName = coordinator.String
	c.Email = email.String
	c.Phone = phone.String
	c.PasswordHash = passwordHash.String
	c.AllowedAmounts, err = coupon.ParseAllowedAmounts(allowed)
	if err != nil {
		return c, 0, fmt.Errorf("counter %s: %w", c.ID, err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, coupon.Version(version), nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e coupon.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, coupon_id, action, actor, old_balance, new_balance, old_status, new_status, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.CouponID, string(e.Action), e.Actor, e.OldBalance, e.NewBalance,
		nullString(string(e.OldStatus)), nullString(string(e.NewStatus)), e.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, couponID coupon.CouponID) ([]coupon.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, coupon_id, action, actor, old_balance, new_balance, old_status, new_status, at
		FROM audit_log
		WHERE coupon_id = $1
		ORDER BY at ASC, seq ASC`, couponID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	entries := []coupon.AuditEntry{}
	for rows.Next() {
		var (
			e                    coupon.AuditEntry
			action               string
			oldStatus, newStatus sql.NullString
		)
		err := rows.Scan(&e.ID, &e.CouponID, &action, &e.Actor, &e.OldBalance, &e.NewBalance,
			&oldStatus, &newStatus, &e.At)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = coupon.AuditAction(action)
		e.OldStatus = coupon.Status(oldStatus.String)
		e.NewStatus = coupon.Status(newStatus.String)
		e.At = e.At.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueViolation reports SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Reset clears all data. Used by the demo scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE redemptions, audit_log, coupons, counters`); err != nil {
		return fmt.Errorf("failed to truncate tables: %w", err)
	}
	return nil
}
