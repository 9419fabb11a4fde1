/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Amounts travel as
  decimal strings ("12.50") so clients never round through floats.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Auth:       CounterLoginRequest, AdminLoginRequest, TokenResponse
  Coupons:    CouponDTO, RedemptionDTO, IssueCouponRequest,
              AdjustBalanceRequest, AuditEntryDTO
  Redemption: RedeemRequest, ReceiptDTO
  Counters:   CounterDTO, CounterRequest
  Admin:      DriftDTO, ReconcileResponse
  Scenarios:  ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers and the coupon package, not in DTOs.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/coupon-ledger/coupon"
)

// =============================================================================
// AUTH
// =============================================================================

type CounterLoginRequest struct {
	CounterID string `json:"counter_id"`
	Password  string `json:"password"`
}

type AdminLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	Role      Role      `json:"role"`
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
}

// =============================================================================
// COUPONS
// =============================================================================

// CouponDTO represents a coupon in API responses.
type CouponDTO struct {
	ID        string          `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	Issued    decimal.Decimal `json:"issued"`
	Redeemed  decimal.Decimal `json:"redeemed"`
	Status    coupon.Status   `json:"status"`
	RollNo    string          `json:"roll_no,omitempty"`
	Phone     string          `json:"phone,omitempty"`
	Email     string          `json:"email,omitempty"`
	History   []RedemptionDTO `json:"history"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type RedemptionDTO struct {
	CounterID      string          `json:"counter_id"`
	Amount         decimal.Decimal `json:"amount"`
	At             time.Time       `json:"at"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// IssueCouponRequest is the body for POST /api/admin/coupons.
type IssueCouponRequest struct {
	Balance decimal.Decimal `json:"balance"`
	RollNo  string          `json:"roll_no"`
	Phone   string          `json:"phone"`
	Email   string          `json:"email"`
}

// AdjustBalanceRequest is the body for PUT /api/admin/coupons/{id}/balance.
type AdjustBalanceRequest struct {
	Balance *decimal.Decimal `json:"balance"`
}

type AuditEntryDTO struct {
	ID         string             `json:"id"`
	CouponID   string             `json:"coupon_id"`
	Action     coupon.AuditAction `json:"action"`
	Actor      string             `json:"actor"`
	OldBalance decimal.Decimal    `json:"old_balance"`
	NewBalance decimal.Decimal    `json:"new_balance"`
	OldStatus  coupon.Status      `json:"old_status,omitempty"`
	NewStatus  coupon.Status      `json:"new_status"`
	At         time.Time          `json:"at"`
}

// =============================================================================
// REDEMPTION
// =============================================================================

// RedeemRequest is the body for POST /api/counter/redemptions. A missing
// amount means the counter's default amount.
type RedeemRequest struct {
	CouponID       string           `json:"coupon_id"`
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

type ReceiptDTO struct {
	CouponID         string          `json:"coupon_id"`
	CounterID        string          `json:"counter_id"`
	Amount           decimal.Decimal `json:"amount"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	At               time.Time       `json:"at"`
	Replayed         bool            `json:"replayed"`
}

// =============================================================================
// COUNTERS
// =============================================================================

// CounterDTO never carries the password hash.
type CounterDTO struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	CoordinatorName  string            `json:"coordinator_name,omitempty"`
	Email            string            `json:"email,omitempty"`
	Phone            string            `json:"phone,omitempty"`
	DefaultAmount    decimal.Decimal   `json:"default_amount"`
	AllowedAmounts   []decimal.Decimal `json:"allowed_amounts"`
	PermittedAmounts []decimal.Decimal `json:"permitted_amounts"`
	TotalSales       decimal.Decimal   `json:"total_sales"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// CounterRequest is the body for counter create and update. AllowedAmounts
// uses the comma-separated form of the admin screens ("10,20,50"). On
// update an empty Password keeps the current secret.
type CounterRequest struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	CoordinatorName string          `json:"coordinator_name"`
	Email           string          `json:"email"`
	Phone           string          `json:"phone"`
	Password        string          `json:"password"`
	DefaultAmount   decimal.Decimal `json:"default_amount"`
	AllowedAmounts  string          `json:"allowed_amounts"`
}

// =============================================================================
// ADMIN
// =============================================================================

type DriftDTO struct {
	CounterID string          `json:"counter_id"`
	Recorded  decimal.Decimal `json:"recorded"`
	Actual    decimal.Decimal `json:"actual"`
	Delta     decimal.Decimal `json:"delta"`
}

type ReconcileResponse struct {
	Corrections []DriftDTO `json:"corrections"`
	Errors      string     `json:"errors,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response. Code is a stable
// machine-readable reason; Details carries extra context such as the
// available balance.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toCouponDTO(c coupon.Coupon) CouponDTO {
	history := make([]RedemptionDTO, len(c.History))
	for i, r := range c.History {
		history[i] = RedemptionDTO{
			CounterID:      string(r.CounterID),
			Amount:         r.Amount,
			At:             r.At,
			IdempotencyKey: r.IdempotencyKey,
		}
	}
	return CouponDTO{
		ID:        string(c.ID),
		Balance:   c.Balance,
		Issued:    c.Issued,
		Redeemed:  c.Redeemed(),
		Status:    c.Status,
		RollNo:    c.RollNo,
		Phone:     c.Phone,
		Email:     c.Email,
		History:   history,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func toCounterDTO(c coupon.Counter) CounterDTO {
	allowed := c.AllowedAmounts
	if allowed == nil {
		allowed = []decimal.Decimal{}
	}
	permitted := c.PermittedAmounts()
	if permitted == nil {
		permitted = []decimal.Decimal{}
	}
	return CounterDTO{
		ID:               string(c.ID),
		Name:             c.Name,
		CoordinatorName:  c.CoordinatorName,
		Email:            c.Email,
		Phone:            c.Phone,
		DefaultAmount:    c.DefaultAmount,
		AllowedAmounts:   allowed,
		PermittedAmounts: permitted,
		TotalSales:       c.TotalSales,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func toReceiptDTO(r coupon.Receipt) ReceiptDTO {
	return ReceiptDTO{
		CouponID:         string(r.CouponID),
		CounterID:        string(r.CounterID),
		Amount:           r.Amount,
		RemainingBalance: r.RemainingBalance,
		At:               r.At,
		Replayed:         r.Replayed,
	}
}

func toAuditEntryDTO(e coupon.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:         e.ID,
		CouponID:   string(e.CouponID),
		Action:     e.Action,
		Actor:      e.Actor,
		OldBalance: e.OldBalance,
		NewBalance: e.NewBalance,
		OldStatus:  e.OldStatus,
		NewStatus:  e.NewStatus,
		At:         e.At,
	}
}

func toDriftDTO(d coupon.Drift) DriftDTO {
	return DriftDTO{
		CounterID: string(d.CounterID),
		Recorded:  d.Recorded,
		Actual:    d.Actual,
		Delta:     d.Delta(),
	}
}
