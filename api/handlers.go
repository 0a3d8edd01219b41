/*
handlers.go - HTTP API handlers for the wallet and referral engine

PURPOSE:
  Exposes the ledger and referral engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Wallet:
    GET    /api/users/{id}/balance       Derived balance per currency
    GET    /api/users/{id}/transactions  History (?reason=&kind=&limit=)
    POST   /api/users/{id}/credits       Add credits
    POST   /api/users/{id}/debits        Deduct credits
    POST   /api/payments/confirmed       Payment-gateway confirmation

  Referrals:
    POST   /api/referrals                Create referral (signup flow)
    GET    /api/referrals/{id}           Referral and its pending reward
    POST   /api/activities               Record a finished call (evidence only)
    POST   /api/activities/completed     Qualifying activity finished

  Admin:
    POST   /api/admin/settlement/run           Run settlement now
    POST   /api/admin/referrals/reconcile      Run reconciliation now
    GET    /api/admin/referral-program         Read program settings
    PUT    /api/admin/referral-program         Write program settings
    GET    /api/admin/scenarios                List demo scenarios
    POST   /api/admin/scenarios/load           Load a demo scenario

REQUEST FLOW:
  1. Parse HTTP request
  2. Call domain logic (ledger, referral engine)
  3. Serialize response
  4. Map errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, self-referral, malformed body
  - 404: Referral not found
  - 409: Concurrency conflict, referral already exists
  - 422: Insufficient balance
  - 503: Storage unavailable or timed out (retry with backoff)
  - 500: Anything else

  A duplicate credit is a success: 200 with duplicate=true instead of 201.

SECURITY NOTE:
  No authentication middleware. All endpoints are public; put the service
  behind a gateway that authenticates callers.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/referral"
	"github.com/warp/wallet-ledger/settings"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Wallet is the ledger surface the handlers use.
type Wallet interface {
	GetBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error)
	GetTransactions(ctx context.Context, userID ledger.UserID, filter ledger.Filter) ([]ledger.Transaction, error)
	AddCredits(ctx context.Context, req ledger.CreditRequest) (ledger.CreditResult, error)
	DeductCredits(ctx context.Context, req ledger.DebitRequest) (ledger.DebitResult, error)
	OnPaymentConfirmed(ctx context.Context, userID ledger.UserID, amount decimal.Decimal, currency ledger.Currency, orderID string) (ledger.CreditResult, error)
}

// Referrals is the referral engine surface the handlers use.
type Referrals interface {
	CreateReferral(ctx context.Context, referrerID, referredID ledger.UserID) (referral.Referral, error)
	GetReferral(ctx context.Context, id string) (referral.Referral, *referral.PendingReward, error)
	RecordActivity(ctx context.Context, userID ledger.UserID, activityID string, completedAt time.Time) error
	NotifyActivityCompleted(ctx context.Context, userID ledger.UserID, activityID string, completedAt time.Time) (referral.Outcome, error)
	RunSettlement(ctx context.Context) referral.SettlementSummary
	ReconcileReferrals(ctx context.Context) referral.ReconcileSummary
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Wallet    Wallet
	Referrals Referrals
	Program   settings.Store
	Logger    *zap.Logger
	Clock     ledger.Clock // Used by demo scenarios to backdate activity
}

func NewHandler(wallet Wallet, referrals Referrals, program settings.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Wallet:    wallet,
		Referrals: referrals,
		Program:   program,
		Logger:    logger.Named("api"),
		Clock:     ledger.SystemClock(),
	}
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// GetBalance returns the user's balance per currency.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	balance, err := h.Wallet.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(balance))
}

// GetTransactions returns the user's history, newest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))
	q := r.URL.Query()

	filter := ledger.Filter{
		Reason: ledger.Reason(q.Get("reason")),
		Kind:   ledger.Kind(q.Get("kind")),
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = limit
	}

	txs, err := h.Wallet.GetTransactions(r.Context(), userID, filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// AddCredits appends a credit. 201 for a new transaction, 200 for a
// duplicate of an earlier one.
func (h *Handler) AddCredits(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	currency, err := ledger.ParseCurrency(req.Currency)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	result, err := h.Wallet.AddCredits(r.Context(), ledger.CreditRequest{
		UserID:        ledger.UserID(chi.URLParam(r, "id")),
		Amount:        req.Amount,
		Currency:      currency,
		Reason:        ledger.Reason(req.Reason),
		ReferenceID:   req.ReferenceID,
		ReferenceType: req.ReferenceType,
		Description:   req.Description,
		Metadata:      req.Metadata,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeCreditResult(w, result)
}

// DeductCredits appends a debit, or refuses with 422.
func (h *Handler) DeductCredits(w http.ResponseWriter, r *http.Request) {
	var req DebitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	currency, err := ledger.ParseCurrency(req.Currency)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	result, err := h.Wallet.DeductCredits(r.Context(), ledger.DebitRequest{
		UserID:        ledger.UserID(chi.URLParam(r, "id")),
		Amount:        req.Amount,
		Currency:      currency,
		Reason:        ledger.Reason(req.Reason),
		ReferenceID:   req.ReferenceID,
		ReferenceType: req.ReferenceType,
		Description:   req.Description,
		Metadata:      req.Metadata,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, DebitResponse{
		Transaction: toTransactionDTO(result.Transaction),
		NewBalance:  result.NewBalance,
	})
}

// PaymentConfirmed credits a wallet top-up once per order.
func (h *Handler) PaymentConfirmed(w http.ResponseWriter, r *http.Request) {
	var req PaymentConfirmedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	currency, err := ledger.ParseCurrency(req.Currency)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	result, err := h.Wallet.OnPaymentConfirmed(r.Context(), ledger.UserID(req.UserID), req.Amount, currency, req.OrderID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeCreditResult(w, result)
}

func writeCreditResult(w http.ResponseWriter, result ledger.CreditResult) {
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, CreditResponse{
		Transaction: toTransactionDTO(result.Transaction),
		NewBalance:  result.NewBalance,
		Duplicate:   result.Duplicate,
	})
}

// =============================================================================
// REFERRAL HANDLERS
// =============================================================================

func (h *Handler) CreateReferral(w http.ResponseWriter, r *http.Request) {
	var req CreateReferralRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ref, err := h.Referrals.CreateReferral(r.Context(), ledger.UserID(req.ReferrerID), ledger.UserID(req.ReferredID))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReferralDTO(ref, nil))
}

func (h *Handler) GetReferral(w http.ResponseWriter, r *http.Request) {
	ref, reward, err := h.Referrals.GetReferral(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReferralDTO(ref, reward))
}

// RecordActivity stores a finished call as reconciliation evidence. The call
// service reports here independently of the completion trigger.
func (h *Handler) RecordActivity(w http.ResponseWriter, r *http.Request) {
	var req ActivityCompletedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	var completedAt time.Time
	if req.CompletedAt != nil {
		completedAt = *req.CompletedAt
	}

	if err := h.Referrals.RecordActivity(r.Context(), ledger.UserID(req.UserID), req.ActivityID, completedAt); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ActivityCompleted is the HTTP twin of the Kafka consumer.
func (h *Handler) ActivityCompleted(w http.ResponseWriter, r *http.Request) {
	var req ActivityCompletedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	var completedAt time.Time
	if req.CompletedAt != nil {
		completedAt = *req.CompletedAt
	}

	outcome, err := h.Referrals.NotifyActivityCompleted(r.Context(), ledger.UserID(req.UserID), req.ActivityID, completedAt)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ActivityCompletedResponse{Outcome: string(outcome)})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunSettlement settles due rewards now. Item failures are counted, never
// returned.
func (h *Handler) RunSettlement(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Referrals.RunSettlement(r.Context()))
}

func (h *Handler) ReconcileReferrals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Referrals.ReconcileReferrals(r.Context()))
}

func (h *Handler) GetProgram(w http.ResponseWriter, r *http.Request) {
	p, err := h.Program.Program(r.Context())
	if err != nil {
		h.writeDomainError(w, r, ledger.Persistence("read referral program", err))
		return
	}
	writeJSON(w, http.StatusOK, toProgramDTO(p))
}

func (h *Handler) UpdateProgram(w http.ResponseWriter, r *http.Request) {
	var req ProgramDTO
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	currency, err := ledger.ParseCurrency(req.RewardCurrency)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	p := settings.Program{Active: req.Active, RewardAmount: req.RewardAmount, RewardCurrency: currency}
	if err := h.Program.SetProgram(r.Context(), p); err != nil {
		if !ledger.IsClientError(err) {
			err = ledger.Persistence("write referral program", err)
		}
		h.writeDomainError(w, r, err)
		return
	}

	h.Logger.Info("referral program updated",
		zap.Bool("active", p.Active),
		zap.String("reward_amount", p.RewardAmount.String()),
		zap.String("reward_currency", string(p.RewardCurrency)))
	writeJSON(w, http.StatusOK, toProgramDTO(p))
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

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

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput), errors.Is(err, referral.ErrSelfReferral):
		return http.StatusBadRequest, "Invalid input"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "Insufficient balance"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, referral.ErrReferralExists):
		return http.StatusConflict, "Referral already exists"
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		return http.StatusConflict, "Concurrent update, retry"
	case errors.Is(err, ledger.ErrPersistence):
		return http.StatusServiceUnavailable, "Storage unavailable"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeError(w, status, message, err)
}
