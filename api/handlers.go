/*
handlers.go - HTTP API handlers for the coupon ledger

PURPOSE:
  Exposes the redemption engine and the admin services via REST API.
  Handles HTTP request/response and JSON, and delegates everything else to
  the coupon package.

ENDPOINTS:
  Auth:
    POST   /api/auth/counter                Counter login
    POST   /api/auth/admin                  Admin login

  Counter:
    GET    /api/counter/me                  Own profile and permitted amounts
    POST   /api/counter/redemptions         Redeem a coupon

  Coupons (counter or admin):
    GET    /api/coupons/{id}                Coupon lookup

  Admin:
    GET    /api/admin/coupons               List coupons (?status=)
    POST   /api/admin/coupons               Issue a coupon
    PUT    /api/admin/coupons/{id}/balance  Override balance
    POST   /api/admin/coupons/{id}/expire   Expire
    GET    /api/admin/coupons/{id}/audit    Audit trail
    GET    /api/admin/counters              List counters
    POST   /api/admin/counters              Create counter
    PUT    /api/admin/counters/{id}         Update counter
    DELETE /api/admin/counters/{id}         Delete counter
    POST   /api/admin/reconcile             Rebuild counter totals

REQUEST FLOW:
  1. Parse HTTP request
  2. Read the caller's Identity (set by RequireRole)
  3. Call the coupon package with the identity passed explicitly
  4. Serialize response, or map the error with writeLedgerError

ERROR HANDLING:
  - 400: malformed body or missing fields
  - 401/403: missing or wrong credentials (auth.go)
  - 404: coupon or counter not found
  - 409: duplicate id
  - 422: expired, insufficient balance, invalid or not-allowed amount
  - 503: contention, with Retry-After
  - 500: store failures

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Tokens and role middleware
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/coupon-ledger/coupon"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      coupon.Store
	Engine     *coupon.Engine
	Adjuster   *coupon.Adjuster
	Issuer     *coupon.Issuer
	Reconciler *coupon.Reconciler
	Auth       *Authenticator
	Logger     logrus.FieldLogger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the coupon services over store. sales may be nil, in
// which case counter totals are only rebuilt by reconciliation. When sales
// can be quiesced, reconciliation passes hold it still.
func NewHandler(store coupon.Store, sales coupon.SaleSink, auth *Authenticator, logger logrus.FieldLogger, metrics *coupon.Metrics) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	engine := coupon.NewEngine(store, sales, logger)
	engine.Metrics = metrics
	adjuster := coupon.NewAdjuster(store, store, logger)
	adjuster.Metrics = metrics
	reconciler := coupon.NewReconciler(store, store, logger)
	if q, ok := sales.(coupon.SalesQuiescer); ok {
		reconciler.Sales = q
	}

	return &Handler{
		Store:      store,
		Engine:     engine,
		Adjuster:   adjuster,
		Issuer:     coupon.NewIssuer(store, store, logger),
		Reconciler: reconciler,
		Auth:       auth,
		Logger:     logger,
	}
}

// =============================================================================
// AUTH HANDLERS
// =============================================================================

// CounterLogin exchanges a counter id and secret for a token.
func (h *Handler) CounterLogin(w http.ResponseWriter, r *http.Request) {
	var req CounterLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	counter, _, err := h.Store.GetCounter(r.Context(), coupon.CounterID(strings.TrimSpace(req.CounterID)))
	if err != nil && !errors.Is(err, coupon.ErrCounterNotFound) {
		writeLedgerError(w, err)
		return
	}
	if err != nil || counter.PasswordHash == "" || !CheckPassword(counter.PasswordHash, req.Password) {
		h.Logger.WithField("counter_id", req.CounterID).Info("counter login rejected")
		writeError(w, http.StatusUnauthorized, "Invalid credentials", nil)
		return
	}

	h.issueToken(w, RoleCounter, string(counter.ID))
}

// AdminLogin checks the configured admin credentials.
func (h *Handler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var req AdminLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !h.Auth.CheckAdmin(req.Username, req.Password) {
		h.Logger.WithField("username", req.Username).Warn("admin login rejected")
		writeError(w, http.StatusUnauthorized, "Invalid credentials", nil)
		return
	}
	h.issueToken(w, RoleAdmin, req.Username)
}

func (h *Handler) issueToken(w http.ResponseWriter, role Role, subject string) {
	token, expires, err := h.Auth.IssueToken(role, subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token", err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{
		Token:     token,
		Role:      role,
		Subject:   subject,
		ExpiresAt: expires,
	})
}

// =============================================================================
// COUNTER HANDLERS
// =============================================================================

// Me returns the authenticated counter's profile.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	counter, ok := h.currentCounter(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toCounterDTO(counter))
}

// Redeem deducts an amount from a coupon on behalf of the authenticated
// counter. A fresh deduction answers 201, a replayed one 200.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	counter, ok := h.currentCounter(w, r)
	if !ok {
		return
	}

	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount := counter.DefaultAmount
	if req.Amount != nil {
		amount = *req.Amount
	}

	receipt, err := h.Engine.Redeem(r.Context(), coupon.RedeemRequest{
		Counter:        counter,
		CouponID:       req.CouponID,
		Amount:         amount,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	status := http.StatusCreated
	if receipt.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toReceiptDTO(receipt))
}

// currentCounter loads the counter named by the token. A token for a
// deleted counter is treated as invalid.
func (h *Handler) currentCounter(w http.ResponseWriter, r *http.Request) (coupon.Counter, bool) {
	id, ok := IdentityFrom(r.Context())
	if !ok || id.Role != RoleCounter {
		writeError(w, http.StatusForbidden, "Counter credentials required", nil)
		return coupon.Counter{}, false
	}
	counter, _, err := h.Store.GetCounter(r.Context(), coupon.CounterID(id.Subject))
	if errors.Is(err, coupon.ErrCounterNotFound) {
		writeError(w, http.StatusUnauthorized, "Counter no longer exists", nil)
		return coupon.Counter{}, false
	}
	if err != nil {
		writeLedgerError(w, err)
		return coupon.Counter{}, false
	}
	return counter, true
}

// =============================================================================
// COUPON HANDLERS
// =============================================================================

// GetCoupon returns a coupon by id.
func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	id := coupon.NormalizeCouponID(chi.URLParam(r, "id"))
	c, _, err := h.Store.GetCoupon(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCouponDTO(c))
}

// ListCoupons returns all coupons, newest first, optionally filtered by
// ?status=.
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	status := coupon.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown status", nil)
		return
	}

	coupons, err := h.Store.ListCoupons(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list coupons", err)
		return
	}

	dtos := make([]CouponDTO, 0, len(coupons))
	for _, c := range coupons {
		if status != "" && c.Status != status {
			continue
		}
		dtos = append(dtos, toCouponDTO(c))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// IssueCoupon creates a new active coupon.
func (h *Handler) IssueCoupon(w http.ResponseWriter, r *http.Request) {
	var req IssueCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	c, err := h.Issuer.Issue(r.Context(), actorOf(r), coupon.IssueRequest{
		Balance: req.Balance,
		RollNo:  strings.TrimSpace(req.RollNo),
		Phone:   strings.TrimSpace(req.Phone),
		Email:   strings.TrimSpace(req.Email),
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCouponDTO(c))
}

// AdjustBalance overrides a coupon's balance.
func (h *Handler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req AdjustBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Balance == nil {
		writeError(w, http.StatusBadRequest, "balance is required", nil)
		return
	}

	c, err := h.Adjuster.AdjustBalance(r.Context(), actorOf(r), chi.URLParam(r, "id"), *req.Balance)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCouponDTO(c))
}

// ExpireCoupon moves a coupon to the terminal expired state.
func (h *Handler) ExpireCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.Adjuster.Expire(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCouponDTO(c))
}

// ListAudit returns the administrative audit trail of a coupon.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	id := coupon.NormalizeCouponID(chi.URLParam(r, "id"))
	if _, _, err := h.Store.GetCoupon(r.Context(), id); err != nil {
		writeLedgerError(w, err)
		return
	}

	entries, err := h.Store.ListAudit(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list audit entries", err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// COUNTER ADMIN HANDLERS
// =============================================================================

func (h *Handler) ListCounters(w http.ResponseWriter, r *http.Request) {
	counters, err := h.Store.ListCounters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list counters", err)
		return
	}
	dtos := make([]CounterDTO, len(counters))
	for i, c := range counters {
		dtos[i] = toCounterDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCounter registers a new sale counter. A password is required.
func (h *Handler) CreateCounter(w http.ResponseWriter, r *http.Request) {
	var req CounterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required", nil)
		return
	}

	_, _, err := h.Store.GetCounter(r.Context(), coupon.CounterID(req.ID))
	if err == nil {
		writeLedgerError(w, coupon.ErrAlreadyExists)
		return
	}
	if !errors.Is(err, coupon.ErrCounterNotFound) {
		writeLedgerError(w, err)
		return
	}

	h.saveCounter(w, r, req, http.StatusCreated)
}

// UpdateCounter changes a counter's profile. TotalSales is never touched.
func (h *Handler) UpdateCounter(w http.ResponseWriter, r *http.Request) {
	var req CounterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.ID = chi.URLParam(r, "id")

	if _, _, err := h.Store.GetCounter(r.Context(), coupon.CounterID(req.ID)); err != nil {
		writeLedgerError(w, err)
		return
	}
	h.saveCounter(w, r, req, http.StatusOK)
}

func (h *Handler) saveCounter(w http.ResponseWriter, r *http.Request, req CounterRequest, status int) {
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	allowed, err := coupon.ParseAllowedAmounts(req.AllowedAmounts)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if req.DefaultAmount.IsNegative() {
		writeLedgerError(w, coupon.ErrInvalidAmount)
		return
	}
	if !req.DefaultAmount.IsPositive() && len(allowed) == 0 {
		writeError(w, http.StatusBadRequest, "default_amount or allowed_amounts is required", nil)
		return
	}

	now := time.Now().UTC()
	counter := coupon.Counter{
		ID:              coupon.CounterID(req.ID),
		Name:            strings.TrimSpace(req.Name),
		CoordinatorName: strings.TrimSpace(req.CoordinatorName),
		Email:           strings.TrimSpace(req.Email),
		Phone:           strings.TrimSpace(req.Phone),
		DefaultAmount:   req.DefaultAmount,
		AllowedAmounts:  allowed,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.Password != "" {
		hash, err := HashPassword(req.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to hash password", err)
			return
		}
		counter.PasswordHash = hash
	}

	if err := h.Store.SaveCounter(r.Context(), counter); err != nil {
		writeLedgerError(w, err)
		return
	}
	saved, _, err := h.Store.GetCounter(r.Context(), counter.ID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	h.Logger.WithFields(logrus.Fields{
		"counter_id": saved.ID,
		"actor":      actorOf(r),
		"allowed":    coupon.FormatAllowedAmounts(saved.AllowedAmounts),
	}).Info("counter saved")
	writeJSON(w, status, toCounterDTO(saved))
}

func (h *Handler) DeleteCounter(w http.ResponseWriter, r *http.Request) {
	id := coupon.CounterID(chi.URLParam(r, "id"))
	if err := h.Store.DeleteCounter(r.Context(), id); err != nil {
		writeLedgerError(w, err)
		return
	}
	h.Logger.WithFields(logrus.Fields{"counter_id": id, "actor": actorOf(r)}).Info("counter deleted")
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconcile rebuilds counter totals from coupon histories.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	drifts, err := h.Reconciler.Reconcile(r.Context())
	if err != nil && len(drifts) == 0 {
		writeError(w, http.StatusInternalServerError, "Reconciliation failed", err)
		return
	}

	resp := ReconcileResponse{Corrections: make([]DriftDTO, len(drifts))}
	for i, d := range drifts {
		resp.Corrections[i] = toDriftDTO(d)
	}
	if err != nil {
		resp.Errors = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeCodedError(w http.ResponseWriter, status int, message, code string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// writeLedgerError maps coupon package errors onto HTTP responses.
func writeLedgerError(w http.ResponseWriter, err error) {
	var (
		short      *coupon.InsufficientBalanceError
		notAllowed *coupon.AmountNotAllowedError
		mismatch   *coupon.IdempotencyMismatchError
	)
	switch {
	case errors.Is(err, coupon.ErrCouponNotFound):
		writeCodedError(w, http.StatusNotFound, "Coupon not found", "coupon_not_found", nil)
	case errors.Is(err, coupon.ErrCounterNotFound):
		writeCodedError(w, http.StatusNotFound, "Counter not found", "counter_not_found", nil)
	case errors.As(err, &short):
		writeCodedError(w, http.StatusUnprocessableEntity, "Insufficient balance", "insufficient_balance",
			map[string]any{"available": short.Available, "requested": short.Requested})
	case errors.Is(err, coupon.ErrExpired):
		writeCodedError(w, http.StatusUnprocessableEntity, "Coupon expired", "coupon_expired", nil)
	case errors.As(err, &notAllowed):
		writeCodedError(w, http.StatusUnprocessableEntity, "Amount not allowed for this counter", "amount_not_allowed",
			map[string]any{"allowed": notAllowed.Allowed})
	case errors.Is(err, coupon.ErrInvalidAmount):
		writeCodedError(w, http.StatusUnprocessableEntity, "Invalid amount", "invalid_amount", err.Error())
	case errors.As(err, &mismatch):
		writeCodedError(w, http.StatusConflict, "Idempotency key already used for another amount", "idempotency_mismatch",
			map[string]any{"original": mismatch.Original, "requested": mismatch.Requested})
	case errors.Is(err, coupon.ErrAlreadyExists):
		writeCodedError(w, http.StatusConflict, "Already exists", "already_exists", nil)
	case errors.Is(err, coupon.ErrContention):
		w.Header().Set("Retry-After", "1")
		writeCodedError(w, http.StatusServiceUnavailable, "Coupon is busy, retry", "contention", nil)
	default:
		writeCodedError(w, http.StatusInternalServerError, "Internal error", "internal_error", err.Error())
	}
}

// actorOf names the caller in audit entries and logs.
func actorOf(r *http.Request) string {
	if id, ok := IdentityFrom(r.Context()); ok {
		return string(id.Role) + ":" + id.Subject
	}
	return "system"
}
