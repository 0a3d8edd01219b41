/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Populates the wallet with realistic data through the same service calls
  real traffic uses. Every run creates fresh users (suffixed with a short
  random id), so scenarios never collide and nothing is reset: the ledger
  is append-only.

AVAILABLE SCENARIOS:
  first-purchase:   Top-up, replayed payment webhook, booking
  expert-no-show:   Booking refunded as expert_no_show compensation
  overdraft:        Debit refused for insufficient balance
  referral-reward:  Referral completed by a past call, then settled

USAGE VIA API:
  GET  /api/admin/scenarios
  POST /api/admin/scenarios/load
  {"scenario_id": "referral-reward"}

ADDING NEW SCENARIOS:
  1. Add to 'scenarios' slice with ID, name, description
  2. Create loader function: loadXxxScenario(ctx, suffix, result)
  3. Add case to LoadScenario

NOTE:
  Scenario users write real rows. Do not load them into production.

SEE ALSO:
  - server.go: route registration
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/referral"
)

// scenarioCallAge backdates the referral scenario's call so its reward is
// already past any realistic settlement delay.
const scenarioCallAge = 30 * 24 * time.Hour

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "first-purchase",
		Name:        "First Purchase",
		Description: "Top-up of 100, the payment webhook delivered twice, then a 60 booking",
		Category:    "wallet",
	},
	{
		ID:          "expert-no-show",
		Name:        "Expert No-Show",
		Description: "A 50 booking compensated with an expert_no_show credit",
		Category:    "wallet",
	},
	{
		ID:          "overdraft",
		Name:        "Overdraft Refused",
		Description: "A 40 debit against a 25 balance is refused",
		Category:    "wallet",
	},
	{
		ID:          "referral-reward",
		Name:        "Referral Reward",
		Description: "Referred user finished a call a month ago; settlement pays the referrer",
		Category:    "referral",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario runs one scenario and reports the users it created.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	result := ScenarioResultDTO{ScenarioID: req.ScenarioID}
	suffix := uuid.NewString()[:8]

	var err error
	switch req.ScenarioID {
	case "first-purchase":
		err = h.loadFirstPurchaseScenario(ctx, suffix, &result)
	case "expert-no-show":
		err = h.loadExpertNoShowScenario(ctx, suffix, &result)
	case "overdraft":
		err = h.loadOverdraftScenario(ctx, suffix, &result)
	case "referral-reward":
		err = h.loadReferralRewardScenario(ctx, suffix, &result)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err != nil {
		h.writeDomainError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadFirstPurchaseScenario(ctx context.Context, suffix string, result *ScenarioResultDTO) error {
	user := ledger.UserID("buyer-" + suffix)
	result.Users = append(result.Users, string(user))
	orderID := "order-" + suffix

	if _, err := h.Wallet.OnPaymentConfirmed(ctx, user, decimal.NewFromInt(100), ledger.CurrencyPrimary, orderID); err != nil {
		return err
	}
	// Same webhook again
	replay, err := h.Wallet.OnPaymentConfirmed(ctx, user, decimal.NewFromInt(100), ledger.CurrencyPrimary, orderID)
	if err != nil {
		return err
	}
	result.Notes = append(result.Notes, fmt.Sprintf("replayed payment duplicate=%t", replay.Duplicate))

	debit, err := h.Wallet.DeductCredits(ctx, ledger.DebitRequest{
		UserID:      user,
		Amount:      decimal.NewFromInt(60),
		Currency:    ledger.CurrencyPrimary,
		Reason:      ledger.ReasonBooking,
		Description: "Session booking",
	})
	if err != nil {
		return err
	}
	result.Notes = append(result.Notes, "balance after booking "+debit.NewBalance.String())
	return nil
}

func (h *Handler) loadExpertNoShowScenario(ctx context.Context, suffix string, result *ScenarioResultDTO) error {
	user := ledger.UserID("client-" + suffix)
	result.Users = append(result.Users, string(user))

	if _, err := h.Wallet.OnPaymentConfirmed(ctx, user, decimal.NewFromInt(50), ledger.CurrencyPrimary, "order-"+suffix); err != nil {
		return err
	}
	bookingID := uuid.NewString()
	if _, err := h.Wallet.DeductCredits(ctx, ledger.DebitRequest{
		UserID:        user,
		Amount:        decimal.NewFromInt(50),
		Currency:      ledger.CurrencyPrimary,
		Reason:        ledger.ReasonBooking,
		ReferenceID:   bookingID,
		ReferenceType: "booking",
	}); err != nil {
		return err
	}
	credit, err := h.Wallet.AddCredits(ctx, ledger.CreditRequest{
		UserID:        user,
		Amount:        decimal.NewFromInt(50),
		Currency:      ledger.CurrencyPrimary,
		Reason:        ledger.ReasonExpertNoShow,
		ReferenceID:   bookingID,
		ReferenceType: "booking",
		Description:   "Expert did not join the call",
	})
	if err != nil {
		return err
	}
	result.Notes = append(result.Notes, "balance after compensation "+credit.NewBalance.String())
	return nil
}

func (h *Handler) loadOverdraftScenario(ctx context.Context, suffix string, result *ScenarioResultDTO) error {
	user := ledger.UserID("spender-" + suffix)
	result.Users = append(result.Users, string(user))

	if _, err := h.Wallet.OnPaymentConfirmed(ctx, user, decimal.NewFromInt(25), ledger.CurrencyPrimary, "order-"+suffix); err != nil {
		return err
	}
	_, err := h.Wallet.DeductCredits(ctx, ledger.DebitRequest{
		UserID:   user,
		Amount:   decimal.NewFromInt(40),
		Currency: ledger.CurrencyPrimary,
		Reason:   ledger.ReasonBooking,
	})
	if !ledger.IsClientError(err) {
		return fmt.Errorf("expected the debit to be refused, got %v", err)
	}
	result.Notes = append(result.Notes, "debit refused: "+err.Error())
	return nil
}

func (h *Handler) loadReferralRewardScenario(ctx context.Context, suffix string, result *ScenarioResultDTO) error {
	referrer := ledger.UserID("referrer-" + suffix)
	referred := ledger.UserID("referred-" + suffix)
	result.Users = append(result.Users, string(referrer), string(referred))

	if _, err := h.Referrals.CreateReferral(ctx, referrer, referred); err != nil {
		return err
	}
	outcome, err := h.Referrals.NotifyActivityCompleted(ctx, referred, "call-"+suffix, h.Clock.Now().Add(-scenarioCallAge))
	if err != nil {
		return err
	}
	result.Notes = append(result.Notes, "activity outcome "+string(outcome))
	if outcome != referral.OutcomeCompleted {
		return nil
	}

	summary := h.Referrals.RunSettlement(ctx)
	result.Notes = append(result.Notes, fmt.Sprintf("settlement processed=%d failed=%d", summary.Processed, summary.Failed))
	return nil
}
