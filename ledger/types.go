/*
Package ledger provides the wallet credit ledger.

PURPOSE:
  The ledger is the system of record for every wallet credit and debit on the
  platform. Balances are never stored: they are derived from the transaction
  log each time they are read, so there is nothing to drift out of sync.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: An immutable credit or debit entry
  - Kind / Currency / Reason: Closed enums, validated on every write
  - Draft: What callers hand to Append (no id, no created_at)
  - Filter: Query options for transaction history

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never updated or deleted
  2. Precision: decimal.Decimal for every amount
  3. Type Safety: UserID / TransactionID are distinct types
  4. Idempotency: Externally triggered credits carry a reference key that
     storage refuses to accept twice

USAGE:
  res, err := l.AddCredits(ctx, ledger.CreditRequest{
      UserID:        "user-1",
      Amount:        decimal.NewFromInt(100),
      Currency:      ledger.CurrencyPrimary,
      Reason:        ledger.ReasonRefund,
      ReferenceID:   "order-9",
      ReferenceType: "order",
  })

SEE ALSO:
  - ledger.go: AddCredits / DeductCredits
  - balance.go: Balance derivation
  - idempotency.go: Duplicate credit detection
  - store.go: Persistence interface
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TransactionID string

// =============================================================================
// ENUMS
// =============================================================================

type Kind string

const (
	KindCredit Kind = "credit"
	KindDebit  Kind = "debit"
)

func (k Kind) Valid() bool { return k == KindCredit || k == KindDebit }

// Currency is one of the two wallet currencies the platform supports.
type Currency string

const (
	CurrencyPrimary   Currency = "primary"
	CurrencySecondary Currency = "secondary"
)

// Currencies lists every supported currency in display order.
var Currencies = []Currency{CurrencyPrimary, CurrencySecondary}

func (c Currency) Valid() bool { return c == CurrencyPrimary || c == CurrencySecondary }

// ParseCurrency validates a currency code. Empty means primary.
func ParseCurrency(s string) (Currency, error) {
	if s == "" {
		return CurrencyPrimary, nil
	}
	c := Currency(s)
	if !c.Valid() {
		return "", &ValidationError{Field: "currency", Message: fmt.Sprintf("unsupported currency %q", s)}
	}
	return c, nil
}

type Reason string

const (
	ReasonPurchase       Reason = "purchase"        // Wallet top-up after a confirmed payment
	ReasonBooking        Reason = "booking"         // Session reserved with wallet credit
	ReasonRefund         Reason = "refund"          // Booking refunded back to the wallet
	ReasonExpertNoShow   Reason = "expert_no_show"  // Compensation when the expert missed the call
	ReasonReferralReward Reason = "referral_reward" // Matured referral payout
	ReasonAdjustment     Reason = "adjustment"      // Manual admin correction
)

var reasons = map[Reason]bool{
	ReasonPurchase:       true,
	ReasonBooking:        true,
	ReasonRefund:         true,
	ReasonExpertNoShow:   true,
	ReasonReferralReward: true,
	ReasonAdjustment:     true,
}

func (r Reason) Valid() bool { return reasons[r] }

// Guarded reports whether credits with this reason go through the
// idempotency guard. These are the reasons triggered by external events
// that may be delivered more than once.
func (r Reason) Guarded() bool {
	switch r {
	case ReasonPurchase, ReasonRefund, ReasonExpertNoShow, ReasonReferralReward:
		return true
	}
	return false
}

// MetadataReferenceID is the metadata key holding a reference that is not a
// well-formed UUID.
const MetadataReferenceID = "reference_id"

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type Transaction struct {
	ID       TransactionID
	UserID   UserID
	Kind     Kind
	Amount   decimal.Decimal // Always positive; Kind carries the sign
	Currency Currency
	Reason   Reason

	// ReferenceID is set only when the caller's reference parses as a UUID.
	// ReferenceKey always holds the raw reference and is the idempotency key.
	ReferenceID   uuid.NullUUID
	ReferenceKey  string
	ReferenceType string

	Description string
	Metadata    map[string]string

	ExpiresAt *time.Time // Credits only; nil never expires
	CreatedAt time.Time
}

// Signed returns the amount with the sign applied by Kind.
func (t Transaction) Signed() decimal.Decimal {
	if t.Kind == KindDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// ExpiredAt reports whether a credit no longer counts toward the balance.
func (t Transaction) ExpiredAt(at time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(at)
}

// IdempotencyKey returns the guard key, or false when the transaction is not
// subject to the guard.
func (t Transaction) IdempotencyKey() (IdempotencyKey, bool) {
	if t.Kind != KindCredit || !t.Reason.Guarded() || t.ReferenceKey == "" {
		return IdempotencyKey{}, false
	}
	return IdempotencyKey{
		UserID:        t.UserID,
		ReferenceType: t.ReferenceType,
		Reason:        t.Reason,
		ReferenceKey:  t.ReferenceKey,
	}, true
}

// IdempotencyKey is the tuple the storage layer keeps unique for guarded
// credits.
type IdempotencyKey struct {
	UserID        UserID
	ReferenceType string
	Reason        Reason
	ReferenceKey  string
}

// =============================================================================
// DRAFT - Input to Append
// =============================================================================

// Draft is a transaction before the ledger assigns its id and timestamp.
type Draft struct {
	UserID        UserID
	Kind          Kind
	Amount        decimal.Decimal
	Currency      Currency
	Reason        Reason
	Reference     string // Raw external reference, any format
	ReferenceType string
	Description   string
	Metadata      map[string]string
	ExpiresAt     *time.Time
}

// AmountScale is the number of decimal places every store keeps. Amounts
// with more precision are rejected rather than rounded.
const AmountScale = 4

// HasValidScale reports whether amount fits in AmountScale decimal places.
func HasValidScale(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(AmountScale))
}

// Validate checks the draft against the ledger's write rules.
func (d Draft) Validate() error {
	if d.UserID == "" {
		return &ValidationError{Field: "user_id", Message: "required"}
	}
	if !d.Kind.Valid() {
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", d.Kind)}
	}
	if !d.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	if !HasValidScale(d.Amount) {
		return &ValidationError{Field: "amount", Message: fmt.Sprintf("at most %d decimal places", AmountScale)}
	}
	if !d.Currency.Valid() {
		return &ValidationError{Field: "currency", Message: fmt.Sprintf("unsupported currency %q", d.Currency)}
	}
	if !d.Reason.Valid() {
		return &ValidationError{Field: "reason", Message: fmt.Sprintf("unknown reason %q", d.Reason)}
	}
	if d.Kind == KindDebit && d.ExpiresAt != nil {
		return &ValidationError{Field: "expires_at", Message: "only credits expire"}
	}
	return nil
}

// toTransaction materializes a validated draft. Well-formed references land
// in the typed field; anything else is preserved in metadata.
func (d Draft) toTransaction(id TransactionID, now time.Time) Transaction {
	tx := Transaction{
		ID:            id,
		UserID:        d.UserID,
		Kind:          d.Kind,
		Amount:        d.Amount,
		Currency:      d.Currency,
		Reason:        d.Reason,
		ReferenceKey:  d.Reference,
		ReferenceType: d.ReferenceType,
		Description:   d.Description,
		ExpiresAt:     d.ExpiresAt,
		CreatedAt:     now,
	}
	if len(d.Metadata) > 0 {
		tx.Metadata = make(map[string]string, len(d.Metadata)+1)
		for k, v := range d.Metadata {
			tx.Metadata[k] = v
		}
	}
	if d.Reference != "" {
		if ref, err := uuid.Parse(d.Reference); err == nil {
			tx.ReferenceID = uuid.NullUUID{UUID: ref, Valid: true}
		} else {
			if tx.Metadata == nil {
				tx.Metadata = make(map[string]string, 1)
			}
			tx.Metadata[MetadataReferenceID] = d.Reference
		}
	}
	return tx
}

// =============================================================================
// FILTER - Transaction history queries
// =============================================================================

// Filter narrows a transaction history query. Zero values match everything.
type Filter struct {
	Reason Reason
	Kind   Kind
	Limit  int // 0 = no limit
}

// Matches reports whether tx passes the filter (ignoring Limit).
func (f Filter) Matches(tx Transaction) bool {
	if f.Reason != "" && tx.Reason != f.Reason {
		return false
	}
	if f.Kind != "" && tx.Kind != f.Kind {
		return false
	}
	return true
}
