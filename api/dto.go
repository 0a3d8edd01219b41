/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger and referral types from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  Amounts are decimal.Decimal. They are written as JSON strings ("50.25")
  and accepted as either strings or numbers.

TIMES:
  RFC 3339 in UTC.

VALIDATION:
  Validation is done by the ledger and referral packages, not in DTOs.
  DTOs are pure data carriers.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/referral"
	"github.com/warp/wallet-ledger/settings"
)

// =============================================================================
// WALLET
// =============================================================================

type BalanceDTO struct {
	UserID   string                     `json:"user_id"`
	Balances map[string]decimal.Decimal `json:"balances"` // By currency
	AsOf     string                     `json:"as_of"`
}

type TransactionDTO struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	Kind          string            `json:"kind"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	Reason        string            `json:"reason"`
	ReferenceID   *string           `json:"reference_id,omitempty"`
	ReferenceType string            `json:"reference_type,omitempty"`
	Description   string            `json:"description,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ExpiresAt     *string           `json:"expires_at,omitempty"`
	CreatedAt     string            `json:"created_at"`
}

// CreditRequest is the body of POST /api/users/{id}/credits.
type CreditRequest struct {
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	Reason        string            `json:"reason"`
	ReferenceID   string            `json:"reference_id"`
	ReferenceType string            `json:"reference_type"`
	Description   string            `json:"description"`
	Metadata      map[string]string `json:"metadata"`
}

// DebitRequest is the body of POST /api/users/{id}/debits.
type DebitRequest struct {
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	Reason        string            `json:"reason"`
	ReferenceID   string            `json:"reference_id"`
	ReferenceType string            `json:"reference_type"`
	Description   string            `json:"description"`
	Metadata      map[string]string `json:"metadata"`
}

type CreditResponse struct {
	Transaction TransactionDTO  `json:"transaction"`
	NewBalance  decimal.Decimal `json:"new_balance"`
	Duplicate   bool            `json:"duplicate"`
}

type DebitResponse struct {
	Transaction TransactionDTO  `json:"transaction"`
	NewBalance  decimal.Decimal `json:"new_balance"`
}

// PaymentConfirmedRequest is sent by the payment collaborator once the
// gateway charge succeeded.
type PaymentConfirmedRequest struct {
	UserID   string          `json:"user_id"`
	OrderID  string          `json:"order_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// =============================================================================
// REFERRALS
// =============================================================================

type CreateReferralRequest struct {
	ReferrerID string `json:"referrer_id"`
	ReferredID string `json:"referred_id"`
}

type ReferralDTO struct {
	ID          string            `json:"id"`
	ReferrerID  string            `json:"referrer_id"`
	ReferredID  string            `json:"referred_id"`
	Status      string            `json:"status"`
	CreatedAt   string            `json:"created_at"`
	CompletedAt *string           `json:"completed_at,omitempty"`
	Reward      *PendingRewardDTO `json:"pending_reward,omitempty"`
}

type PendingRewardDTO struct {
	ID            string          `json:"id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CallSessionID string          `json:"call_session_id"`
	CallEndTime   string          `json:"call_end_time"`
	ScheduledAt   string          `json:"scheduled_at"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	SettledAt     *string         `json:"settled_at,omitempty"`
}

type ActivityCompletedRequest struct {
	UserID      string     `json:"user_id"`
	ActivityID  string     `json:"activity_id"`
	CompletedAt *time.Time `json:"completed_at"`
}

type ActivityCompletedResponse struct {
	Outcome string `json:"outcome"`
}

// ProgramDTO is both the response and the PUT body of
// /api/admin/referral-program.
type ProgramDTO struct {
	Active         bool            `json:"active"`
	RewardAmount   decimal.Decimal `json:"reward_amount"`
	RewardCurrency string          `json:"reward_currency"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScenarioResultDTO lists the users a scenario created.
type ScenarioResultDTO struct {
	ScenarioID string   `json:"scenario_id"`
	Users      []string `json:"users"`
	Notes      []string `json:"notes,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	dto := BalanceDTO{
		UserID:   string(b.UserID),
		Balances: make(map[string]decimal.Decimal, len(b.Amounts)),
		AsOf:     formatTime(b.AsOf),
	}
	for c, amount := range b.Amounts {
		dto.Balances[string(c)] = amount
	}
	return dto
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:            string(tx.ID),
		UserID:        string(tx.UserID),
		Kind:          string(tx.Kind),
		Amount:        tx.Amount,
		Currency:      string(tx.Currency),
		Reason:        string(tx.Reason),
		ReferenceType: tx.ReferenceType,
		Description:   tx.Description,
		Metadata:      tx.Metadata,
		ExpiresAt:     formatTimePtr(tx.ExpiresAt),
		CreatedAt:     formatTime(tx.CreatedAt),
	}
	if tx.ReferenceID.Valid {
		ref := tx.ReferenceID.UUID.String()
		dto.ReferenceID = &ref
	}
	return dto
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toReferralDTO(r referral.Referral, reward *referral.PendingReward) ReferralDTO {
	dto := ReferralDTO{
		ID:          r.ID,
		ReferrerID:  string(r.ReferrerID),
		ReferredID:  string(r.ReferredID),
		Status:      string(r.Status),
		CreatedAt:   formatTime(r.CreatedAt),
		CompletedAt: formatTimePtr(r.CompletedAt),
	}
	if reward != nil {
		dto.Reward = &PendingRewardDTO{
			ID:            reward.ID,
			Amount:        reward.Amount,
			Currency:      string(reward.Currency),
			CallSessionID: reward.CallSessionID,
			CallEndTime:   formatTime(reward.CallEndTime),
			ScheduledAt:   formatTime(reward.ScheduledAt),
			Status:        string(reward.Status),
			Attempts:      reward.Attempts,
			LastError:     reward.LastError,
			TransactionID: string(reward.TransactionID),
			SettledAt:     formatTimePtr(reward.SettledAt),
		}
	}
	return dto
}

func toProgramDTO(p settings.Program) ProgramDTO {
	return ProgramDTO{
		Active:         p.Active,
		RewardAmount:   p.RewardAmount,
		RewardCurrency: string(p.RewardCurrency),
	}
}
