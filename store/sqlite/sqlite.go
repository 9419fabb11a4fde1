/*
Package sqlite provides a SQLite-backed implementation of coupon.Store.

PURPOSE:
  Default durable backend. Every coupon and counter row carries a version
  column; commits are compare-and-set on it, which is what lets many
  counters redeem against the same coupon without double-spending.

KEY TABLES:
  coupons:      one row per coupon, current balance and status
  redemptions:  append-only history, (coupon_id, seq) primary key
  counters:     sale points, allowed amounts, best-effort total_sales
  audit_log:    administrative corrections

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on redemptions
  - A commit only ever inserts the entries past the stored history
  - A commit that would drop or alter stored entries is rejected

CONCURRENCY:
  No process-level locks. Transactions are opened with BEGIN IMMEDIATE
  (_txlock=immediate) so two commits on the same file serialize in SQLite
  and the loser sees the bumped version. ":memory:" databases are pinned
  to a single connection because each connection would get its own
  database otherwise.

USAGE:
  store, err := sqlite.New("./data/coupons.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := coupon.NewEngine(store, aggregator, logger)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - coupon/store.go: interface definitions
  - coupon/storetest: conformance suite
  - store/postgres: same schema for PostgreSQL
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/coupon-ledger/coupon"
)

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements coupon.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ coupon.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS coupons (
		id TEXT PRIMARY KEY,
		balance TEXT NOT NULL,
		issued TEXT NOT NULL,
		status TEXT NOT NULL,
		roll_no TEXT,
		phone TEXT,
		email TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_coupons_created_at
		ON coupons(created_at DESC);

	-- Redemption history (append-only ledger)
	CREATE TABLE IF NOT EXISTS redemptions (
		coupon_id TEXT NOT NULL REFERENCES coupons(id),
		seq INTEGER NOT NULL,
		counter_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		redeemed_at TEXT NOT NULL,
		idempotency_key TEXT,
		PRIMARY KEY (coupon_id, seq)
	);

	-- For reconciliation and per-counter reporting
	CREATE INDEX IF NOT EXISTS idx_redemptions_counter
		ON redemptions(counter_id);

	CREATE TABLE IF NOT EXISTS counters (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		coordinator_name TEXT,
		email TEXT,
		phone TEXT,
		password_hash TEXT,
		default_amount TEXT NOT NULL,
		allowed_amounts TEXT NOT NULL DEFAULT '',
		total_sales TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		coupon_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT NOT NULL,
		old_balance TEXT NOT NULL,
		new_balance TEXT NOT NULL,
		old_status TEXT,
		new_status TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_coupon
		ON audit_log(coupon_id, at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// COUPON STORE
// =============================================================================

const couponColumns = `id, balance, issued, status, roll_no, phone, email, version, created_at, updated_at`

// GetCoupon returns the coupon with its full history.
func (s *Store) GetCoupon(ctx context.Context, id coupon.CouponID) (coupon.Coupon, coupon.Version, error) {
	c, version, err := scanCoupon(s.db.QueryRowContext(ctx,
		"SELECT "+couponColumns+" FROM coupons WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return coupon.Coupon{}, 0, coupon.ErrCouponNotFound
	}
	if err != nil {
		return coupon.Coupon{}, 0, err
	}

	c.History, err = loadHistory(ctx, s.db, id)
	if err != nil {
		return coupon.Coupon{}, 0, err
	}
	return c, version, nil
}

// CommitCoupon writes next if the stored version still equals expected.
func (s *Store) CommitCoupon(ctx context.Context, id coupon.CouponID, expected coupon.Version, next coupon.Coupon) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var current coupon.Version
	err = sqlTx.QueryRowContext(ctx, "SELECT version FROM coupons WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return coupon.ErrCouponNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read coupon version: %w", err)
	}
	if current != expected {
		return coupon.ErrVersionConflict
	}

	stored, err := loadHistory(ctx, sqlTx, id)
	if err != nil {
		return err
	}
	if err := coupon.CheckAppendOnly(stored, next.History); err != nil {
		return err
	}

	res, err := sqlTx.ExecContext(ctx, `
		UPDATE coupons
		SET balance = ?, issued = ?, status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, next.Balance, next.Issued, string(next.Status), formatTime(next.UpdatedAt), id, expected)
	if err != nil {
		return fmt.Errorf("failed to update coupon: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coupon.ErrVersionConflict
	}

	for i := len(stored); i < len(next.History); i++ {
		r := next.History[i]
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO redemptions (coupon_id, seq, counter_id, amount, redeemed_at, idempotency_key)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, i, r.CounterID, r.Amount, formatTime(r.At), nullString(r.IdempotencyKey))
		if err != nil {
			if isUniqueConstraintError(err) {
				return coupon.ErrVersionConflict
			}
			return fmt.Errorf("failed to append redemption: %w", err)
		}
	}

	return sqlTx.Commit()
}

// CreateCoupon inserts a coupon at version 1. Any history on c is stored too.
func (s *Store) CreateCoupon(ctx context.Context, c coupon.Coupon) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO coupons (`+couponColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, c.ID, c.Balance, c.Issued, string(c.Status),
		nullString(c.RollNo), nullString(c.Phone), nullString(c.Email),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return coupon.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create coupon: %w", err)
	}

	for i, r := range c.History {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO redemptions (coupon_id, seq, counter_id, amount, redeemed_at, idempotency_key)
			VALUES (?, ?, ?, ?, ?, ?)
		`, c.ID, i, r.CounterID, r.Amount, formatTime(r.At), nullString(r.IdempotencyKey))
		if err != nil {
			return fmt.Errorf("failed to append redemption: %w", err)
		}
	}

	return sqlTx.Commit()
}

// ListCoupons returns all coupons newest first, with histories.
func (s *Store) ListCoupons(ctx context.Context) ([]coupon.Coupon, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+couponColumns+" FROM coupons ORDER BY created_at DESC, id ASC")
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
		ORDER BY coupon_id, seq
	`)
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

func loadHistory(ctx context.Context, q querier, id coupon.CouponID) ([]coupon.Redemption, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT coupon_id, counter_id, amount, redeemed_at, idempotency_key
		FROM redemptions
		WHERE coupon_id = ?
		ORDER BY seq ASC
	`, id)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanCoupon(row scanner) (coupon.Coupon, coupon.Version, error) {
	var (
		c                    coupon.Coupon
		version              coupon.Version
		status               string
		rollNo, phone, email sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&c.ID, &c.Balance, &c.Issued, &status, &rollNo, &phone, &email,
		&version, &createdAt, &updatedAt)
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
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, version, nil
}

func scanRedemption(row scanner, couponID *coupon.CouponID) (coupon.Redemption, error) {
	var (
		r   coupon.Redemption
		at  string
		key sql.NullString
	)
	if err := row.Scan(couponID, &r.CounterID, &r.Amount, &at, &key); err != nil {
		return r, fmt.Errorf("failed to scan redemption: %w", err)
	}
	r.At = parseTime(at)
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
		"SELECT "+counterColumns+" FROM counters WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return coupon.Counter{}, 0, coupon.ErrCounterNotFound
	}
	return c, version, err
}

// CommitCounter replaces the counter row if its version equals expected.
func (s *Store) CommitCounter(ctx context.Context, id coupon.CounterID, expected coupon.Version, next coupon.Counter) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE counters
		SET name = ?, coordinator_name = ?, email = ?, phone = ?, password_hash = ?,
		    default_amount = ?, allowed_amounts = ?, total_sales = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, next.Name, nullString(next.CoordinatorName), nullString(next.Email), nullString(next.Phone),
		nullString(next.PasswordHash), next.DefaultAmount, coupon.FormatAllowedAmounts(next.AllowedAmounts),
		next.TotalSales, formatTime(next.UpdatedAt), id, expected)
	if err != nil {
		return fmt.Errorf("failed to update counter: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM counters WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check counter: %w", err)
	}
	if exists == 0 {
		return coupon.ErrCounterNotFound
	}
	return coupon.ErrVersionConflict
}

// SaveCounter upserts the counter profile. total_sales of an existing row
// is left alone and an empty password hash keeps the stored one.
func (s *Store) SaveCounter(ctx context.Context, c coupon.Counter) error {
	query := `
		INSERT INTO counters (` + counterColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			coordinator_name = excluded.coordinator_name,
			email = excluded.email,
			phone = excluded.phone,
			password_hash = COALESCE(excluded.password_hash, counters.password_hash),
			default_amount = excluded.default_amount,
			allowed_amounts = excluded.allowed_amounts,
			version = counters.version + 1,
			updated_at = excluded.updated_at
	`

	created, updated := c.CreatedAt, c.UpdatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	if updated.IsZero() {
		updated = created
	}
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.Name, nullString(c.CoordinatorName), nullString(c.Email), nullString(c.Phone),
		nullString(c.PasswordHash), c.DefaultAmount, coupon.FormatAllowedAmounts(c.AllowedAmounts),
		c.TotalSales, formatTime(created), formatTime(updated),
	)
	if err != nil {
		return fmt.Errorf("failed to save counter: %w", err)
	}
	return nil
}

func (s *Store) DeleteCounter(ctx context.Context, id coupon.CounterID) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM counters WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete counter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coupon.ErrCounterNotFound
	}
	return nil
}

func (s *Store) ListCounters(ctx context.Context) ([]coupon.Counter, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+counterColumns+" FROM counters ORDER BY id")
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
		c                             coupon.Counter
		version                       coupon.Version
		coordinator, email, phone     sql.NullString
		passwordHash                  sql.NullString
		allowed, createdAt, updatedAt string
	)
	err := row.Scan(&c.ID, &c.Name, &coordinator, &email, &phone, &passwordHash,
		&c.DefaultAmount, &allowed, &c.TotalSales, &version, &createdAt, &updatedAt)
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
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, version, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e coupon.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, coupon_id, action, actor, old_balance, new_balance, old_status, new_status, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.CouponID, string(e.Action), e.Actor, e.OldBalance, e.NewBalance,
		nullString(string(e.OldStatus)), nullString(string(e.NewStatus)), formatTime(e.At))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, couponID coupon.CouponID) ([]coupon.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, coupon_id, action, actor, old_balance, new_balance, old_status, new_status, at
		FROM audit_log
		WHERE coupon_id = ?
		ORDER BY at ASC, rowid ASC
	`, couponID)
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
			at                   string
		)
		err := rows.Scan(&e.ID, &e.CouponID, &action, &e.Actor, &e.OldBalance, &e.NewBalance,
			&oldStatus, &newStatus, &at)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = coupon.AuditAction(action)
		e.OldStatus = coupon.Status(oldStatus.String)
		e.NewStatus = coupon.Status(newStatus.String)
		e.At = parseTime(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// UTILITY
// =============================================================================

// Reset clears all data. Used by the demo scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"redemptions", "audit_log", "coupons", "counters"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
