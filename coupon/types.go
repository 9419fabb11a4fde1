/*
Package coupon provides the coupon balance ledger and redemption engine.

PURPOSE:
  Prepaid stored-value coupons are redeemed at many independent sale
  counters at the same time. This package holds the value objects, their
  state transitions, the persistence contract and the services that move a
  coupon from one state to the next without double-spending.

KEY CONCEPTS IN THIS FILE (types.go):
  - Coupon: a stored-value token with a balance and an append-only history
  - Counter: a sale point with a permitted set of deduction amounts
  - Redemption: one history entry (who deducted how much, when)
  - Receipt: what the caller gets back after a successful redemption
  - Version: the optimistic concurrency token returned by every read

DESIGN PRINCIPLES:
  1. Precision: amounts are decimal.Decimal, never float64
  2. Explicit identity: the counter is always passed in, never looked up
     from ambient state
  3. Pure transitions: transition.go computes next states without I/O
  4. Auditability: history is append-only, corrections are logged apart

SEE ALSO:
  - transition.go: AttemptRedeem, SetBalance, Expire
  - store.go: persistence contract with version checks
  - engine.go: the redemption loop
*/
package coupon

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CouponID string
type CounterID string

// Version is the optimistic concurrency token. A freshly created record has
// version 1 and every successful commit increments it.
type Version uint64

// NormalizeCouponID trims the whitespace scanners and keyboards tend to add.
func NormalizeCouponID(raw string) CouponID {
	return CouponID(strings.TrimSpace(raw))
}

// =============================================================================
// COUPON
// =============================================================================

type Status string

const (
	StatusActive  Status = "active"
	StatusUsed    Status = "used"
	StatusExpired Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusUsed, StatusExpired:
		return true
	}
	return false
}

// Redemption is a single history entry. Entries are never edited or removed.
type Redemption struct {
	CounterID      CounterID
	Amount         decimal.Decimal
	At             time.Time
	IdempotencyKey string
}

type Coupon struct {
	ID      CouponID
	Balance decimal.Decimal

	// Issued is the issued amount plus net administrative corrections.
	// Balance == Issued - sum(History.Amount) holds at all times.
	Issued decimal.Decimal

	Status Status

	// Holder metadata, fixed at issuance.
	RollNo string
	Phone  string
	Email  string

	History []Redemption

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Redeemed returns the sum of all history amounts.
func (c Coupon) Redeemed() decimal.Decimal {
	total := decimal.Zero
	for _, r := range c.History {
		total = total.Add(r.Amount)
	}
	return total
}

// Clone returns a copy whose history slice does not alias the receiver's.
func (c Coupon) Clone() Coupon {
	out := c
	if c.History != nil {
		out.History = make([]Redemption, len(c.History))
		copy(out.History, c.History)
	}
	return out
}

// FindRedemption returns the history entry recorded by counterID under key.
func (c Coupon) FindRedemption(counterID CounterID, key string) (Redemption, bool) {
	if key == "" {
		return Redemption{}, false
	}
	for _, r := range c.History {
		if r.IdempotencyKey == key && r.CounterID == counterID {
			return r, true
		}
	}
	return Redemption{}, false
}

// CheckInvariants reports the first violated ledger invariant, if any.
func (c Coupon) CheckInvariants() error {
	if c.Balance.IsNegative() {
		return fmt.Errorf("coupon %s: negative balance %s", c.ID, c.Balance)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("coupon %s: unknown status %q", c.ID, c.Status)
	}
	if want := c.Issued.Sub(c.Redeemed()); !c.Balance.Equal(want) {
		return fmt.Errorf("coupon %s: balance %s does not match issued %s minus redeemed %s",
			c.ID, c.Balance, c.Issued, c.Redeemed())
	}
	if c.Status == StatusUsed && (!c.Balance.IsZero() || len(c.History) == 0) {
		return fmt.Errorf("coupon %s: used with balance %s and %d redemptions",
			c.ID, c.Balance, len(c.History))
	}
	return nil
}

// =============================================================================
// COUNTER
// =============================================================================

type Counter struct {
	ID              CounterID
	Name            string
	CoordinatorName string
	Email           string
	Phone           string

	// PasswordHash is a bcrypt hash. The core never inspects it.
	PasswordHash string

	DefaultAmount  decimal.Decimal
	AllowedAmounts []decimal.Decimal

	// TotalSales is a reporting aid maintained on a best-effort basis.
	TotalSales decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PermittedAmounts returns the amounts this counter may deduct, in order.
// An empty allowed set means only the default amount.
func (c Counter) PermittedAmounts() []decimal.Decimal {
	if len(c.AllowedAmounts) > 0 {
		return c.AllowedAmounts
	}
	if c.DefaultAmount.IsPositive() {
		return []decimal.Decimal{c.DefaultAmount}
	}
	return nil
}

func (c Counter) Permits(amount decimal.Decimal) bool {
	for _, a := range c.PermittedAmounts() {
		if a.Equal(amount) {
			return true
		}
	}
	return false
}

// ParseAllowedAmounts parses the comma-separated form used by the admin
// screens ("10, 20,50"). Blank items are skipped; duplicates are dropped
// keeping the first occurrence.
func ParseAllowedAmounts(s string) ([]decimal.Decimal, error) {
	var out []decimal.Decimal
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := ParseAmount(part)
		if err != nil {
			return nil, err
		}
		if !d.IsPositive() {
			return nil, fmt.Errorf("%w: allowed amount %s must be positive", ErrInvalidAmount, part)
		}
		dup := false
		for _, seen := range out {
			if seen.Equal(d) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, d)
		}
	}
	return out, nil
}

// FormatAllowedAmounts is the inverse of ParseAllowedAmounts.
func FormatAllowedAmounts(amounts []decimal.Decimal) string {
	parts := make([]string, len(amounts))
	for i, a := range amounts {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}

// ParseAmount parses a decimal amount, mapping syntax errors to ErrInvalidAmount.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d, nil
}

// MustParseDecimal parses s and returns zero when it is not a number.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// RECEIPT & SALE EVENTS
// =============================================================================

type Receipt struct {
	CouponID         CouponID
	CounterID        CounterID
	Amount           decimal.Decimal
	RemainingBalance decimal.Decimal
	At               time.Time

	// Replayed is set when the request matched an earlier redemption by
	// idempotency key and nothing was deducted this time.
	Replayed bool
}

// SaleEvent is handed to the sales aggregator after a committed redemption.
type SaleEvent struct {
	CounterID CounterID
	CouponID  CouponID
	Amount    decimal.Decimal
	At        time.Time
}

// SaleSink receives committed sales. Enqueue must not block the caller.
type SaleSink interface {
	Enqueue(ev SaleEvent) bool
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditAction string

const (
	AuditCouponIssued    AuditAction = "coupon_issued"
	AuditBalanceAdjusted AuditAction = "balance_adjusted"
	AuditCouponExpired   AuditAction = "coupon_expired"
)

// AuditEntry records an administrative change that is not a sale.
type AuditEntry struct {
	ID         string
	CouponID   CouponID
	Action     AuditAction
	Actor      string
	OldBalance decimal.Decimal
	NewBalance decimal.Decimal
	OldStatus  Status
	NewStatus  Status
	At         time.Time
}
