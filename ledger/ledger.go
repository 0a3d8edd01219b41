/*
ledger.go - Wallet credit and debit operations

PURPOSE:
  Ledger is the service object every collaborator talks to. It carries its
  storage handle, clock, logger and event publisher explicitly; nothing is
  read from process-wide state.

OPERATIONS:
  GetBalance       Derived balance per currency
  GetTransactions  History, newest first
  AddCredits       Validate → guard → append → recompute balance
  DeductCredits    Lock user → compute balance → refuse or append
  OnPaymentConfirmed  Payment-gateway boundary, maps to AddCredits

CRITICAL INVARIANTS:
  1. A debit is never partially applied and never drives a currency balance
     below zero. The balance read and the append happen under one per-user
     lock in one storage transaction.
  2. A guarded credit lands at most once per idempotency key, even when two
     callers race (see idempotency.go).
  3. Every storage call is bounded by StorageTimeout. A timeout fails the
     operation; nothing is left half-written because every mutation is a
     single append inside a storage transaction.

EXAMPLE FLOW:
  1. Payment succeeds:   AddCredits(+100, purchase, ref=order-1)  → balance 100
  2. Webhook retried:    AddCredits(+100, purchase, ref=order-1)  → duplicate, 100
  3. Session booked:     DeductCredits(60, booking)               → balance 40
  4. Second booking:     DeductCredits(60, booking)               → InsufficientBalance
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/wallet-ledger/events"
	"github.com/warp/wallet-ledger/metrics"
)

const (
	DefaultCreditValidityMonths = 12
	DefaultStorageTimeout       = 5 * time.Second

	// ReferenceTypeOrder groups credits created from confirmed payments.
	ReferenceTypeOrder = "order"
)

// =============================================================================
// REQUEST / RESULT TYPES
// =============================================================================

type CreditRequest struct {
	UserID        UserID
	Amount        decimal.Decimal
	Currency      Currency
	Reason        Reason
	ReferenceID   string
	ReferenceType string
	Description   string
	Metadata      map[string]string
}

type CreditResult struct {
	Transaction Transaction
	NewBalance  decimal.Decimal // Balance in the transaction's currency
	Duplicate   bool            // True when an earlier credit was returned instead
}

type DebitRequest struct {
	UserID        UserID
	Amount        decimal.Decimal
	Currency      Currency
	Reason        Reason
	ReferenceID   string
	ReferenceType string
	Description   string
	Metadata      map[string]string
}

type DebitResult struct {
	Transaction Transaction
	NewBalance  decimal.Decimal
}

// =============================================================================
// LEDGER SERVICE
// =============================================================================

type Options struct {
	Clock     Clock
	Logger    *zap.Logger
	Publisher events.Publisher
	Metrics   *metrics.Metrics

	// CreditValidityMonths sets expires_at on new credits. Zero uses the
	// default; negative disables expiry.
	CreditValidityMonths int
	StorageTimeout       time.Duration
}

type Ledger struct {
	store     TxStore
	clock     Clock
	ids       *IDGenerator
	guard     *IdempotencyGuard
	balances  *BalanceCalculator
	logger    *zap.Logger
	publisher events.Publisher
	metrics   *metrics.Metrics

	creditValidityMonths int
	storageTimeout       time.Duration
}

func New(store TxStore, opts Options) *Ledger {
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.CreditValidityMonths == 0 {
		opts.CreditValidityMonths = DefaultCreditValidityMonths
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = DefaultStorageTimeout
	}

	return &Ledger{
		store:                store,
		clock:                opts.Clock,
		ids:                  NewIDGenerator(),
		guard:                &IdempotencyGuard{Store: store},
		balances:             &BalanceCalculator{Store: store, Clock: opts.Clock},
		logger:               opts.Logger.Named("ledger"),
		publisher:            opts.Publisher,
		metrics:              opts.Metrics,
		creditValidityMonths: opts.CreditValidityMonths,
		storageTimeout:       opts.StorageTimeout,
	}
}

func (l *Ledger) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.storageTimeout)
}

// =============================================================================
// READS
// =============================================================================

// GetBalance derives the user's balance from the ledger as it is right now.
func (l *Ledger) GetBalance(ctx context.Context, userID UserID) (Balance, error) {
	if userID == "" {
		return Balance{}, &ValidationError{Field: "user_id", Message: "required"}
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	return l.balances.Calculate(ctx, nil, userID)
}

// GetTransactions returns the user's history newest first.
func (l *Ledger) GetTransactions(ctx context.Context, userID UserID, filter Filter) ([]Transaction, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Message: "required"}
	}
	if filter.Reason != "" && !filter.Reason.Valid() {
		return nil, &ValidationError{Field: "reason", Message: "unknown reason " + string(filter.Reason)}
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, &ValidationError{Field: "kind", Message: "unknown kind " + string(filter.Kind)}
	}
	if filter.Limit < 0 {
		return nil, &ValidationError{Field: "limit", Message: "must not be negative"}
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	txs, err := l.store.Transactions(ctx, userID, filter)
	if err != nil {
		return nil, Persistence("load transactions", err)
	}
	return txs, nil
}

// =============================================================================
// CREDITS
// =============================================================================

// AddCredits appends a credit and returns the new balance in its currency.
// Guarded reasons with a reference are idempotent: a repeat returns the
// original transaction with Duplicate=true.
func (l *Ledger) AddCredits(ctx context.Context, req CreditRequest) (CreditResult, error) {
	now := l.clock.Now()
	draft := Draft{
		UserID:        req.UserID,
		Kind:          KindCredit,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Reason:        req.Reason,
		Reference:     req.ReferenceID,
		ReferenceType: req.ReferenceType,
		Description:   req.Description,
		Metadata:      req.Metadata,
	}
	if l.creditValidityMonths > 0 {
		expires := now.AddDate(0, l.creditValidityMonths, 0)
		draft.ExpiresAt = &expires
	}
	if err := draft.Validate(); err != nil {
		return CreditResult{}, err
	}
	tx := draft.toTransaction(l.ids.Next(now), now)

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	var result CreditResult
	err := l.store.WithUserLock(ctx, tx.UserID, func(s Store) error {
		existing, err := l.guard.Existing(ctx, s, tx)
		if err != nil {
			return err
		}
		if existing != nil {
			result = CreditResult{Transaction: *existing, Duplicate: true}
		} else {
			if err := s.Append(ctx, tx); err != nil {
				return err
			}
			result = CreditResult{Transaction: tx}
		}

		balance, err := l.balances.Calculate(ctx, s, tx.UserID)
		if err != nil {
			return err
		}
		result.NewBalance = balance.Of(result.Transaction.Currency)
		return nil
	})
	if err != nil {
		winner, rerr := l.guard.Resolve(ctx, tx, err)
		if rerr != nil {
			return CreditResult{}, Persistence("add credits", rerr)
		}
		balance, berr := l.balances.Calculate(ctx, nil, tx.UserID)
		if berr != nil {
			return CreditResult{}, berr
		}
		result = CreditResult{Transaction: *winner, Duplicate: true, NewBalance: balance.Of(winner.Currency)}
	}

	if result.Duplicate {
		l.metrics.DuplicateCredit(string(tx.Reason))
		l.logger.Info("duplicate credit ignored",
			zap.String("user_id", string(tx.UserID)),
			zap.String("reason", string(tx.Reason)),
			zap.String("reference", tx.ReferenceKey),
			zap.String("existing_tx", string(result.Transaction.ID)))
		return result, nil
	}

	l.metrics.CreditAppended(string(tx.Reason))
	l.logger.Info("credit appended",
		zap.String("user_id", string(tx.UserID)),
		zap.String("tx_id", string(tx.ID)),
		zap.String("amount", tx.Amount.String()),
		zap.String("currency", string(tx.Currency)),
		zap.String("reason", string(tx.Reason)))
	l.publish(ctx, events.TypeCreditAdded, result.Transaction, result.NewBalance)
	return result, nil
}

// OnPaymentConfirmed is the payment-gateway boundary. The order id is the
// idempotency reference, so a retried confirmation credits once.
func (l *Ledger) OnPaymentConfirmed(ctx context.Context, userID UserID, amount decimal.Decimal, currency Currency, orderID string) (CreditResult, error) {
	if orderID == "" {
		return CreditResult{}, &ValidationError{Field: "order_id", Message: "required"}
	}
	return l.AddCredits(ctx, CreditRequest{
		UserID:        userID,
		Amount:        amount,
		Currency:      currency,
		Reason:        ReasonPurchase,
		ReferenceID:   orderID,
		ReferenceType: ReferenceTypeOrder,
		Description:   "Wallet top-up",
	})
}

// =============================================================================
// DEBITS
// =============================================================================

// DeductCredits appends a debit if the user's balance in that currency
// covers it. Otherwise it returns *InsufficientBalanceError and writes
// nothing.
func (l *Ledger) DeductCredits(ctx context.Context, req DebitRequest) (DebitResult, error) {
	now := l.clock.Now()
	draft := Draft{
		UserID:        req.UserID,
		Kind:          KindDebit,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Reason:        req.Reason,
		Reference:     req.ReferenceID,
		ReferenceType: req.ReferenceType,
		Description:   req.Description,
		Metadata:      req.Metadata,
	}
	if err := draft.Validate(); err != nil {
		return DebitResult{}, err
	}
	tx := draft.toTransaction(l.ids.Next(now), now)

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	var result DebitResult
	err := l.store.WithUserLock(ctx, tx.UserID, func(s Store) error {
		balance, err := l.balances.Calculate(ctx, s, tx.UserID)
		if err != nil {
			return err
		}
		available := balance.Of(tx.Currency)
		if available.LessThan(tx.Amount) {
			return &InsufficientBalanceError{
				UserID:    tx.UserID,
				Currency:  tx.Currency,
				Available: available,
				Requested: tx.Amount,
			}
		}
		if err := s.Append(ctx, tx); err != nil {
			return err
		}
		result = DebitResult{Transaction: tx, NewBalance: available.Sub(tx.Amount)}
		return nil
	})
	if err != nil {
		if IsClientError(err) {
			l.metrics.InsufficientBalance()
			l.logger.Info("debit refused",
				zap.String("user_id", string(tx.UserID)),
				zap.String("amount", tx.Amount.String()),
				zap.Error(err))
			return DebitResult{}, err
		}
		return DebitResult{}, Persistence("deduct credits", err)
	}

	l.metrics.DebitAppended(string(tx.Reason))
	l.logger.Info("debit appended",
		zap.String("user_id", string(tx.UserID)),
		zap.String("tx_id", string(tx.ID)),
		zap.String("amount", tx.Amount.String()),
		zap.String("currency", string(tx.Currency)),
		zap.String("reason", string(tx.Reason)))
	l.publish(ctx, events.TypeDebitApplied, result.Transaction, result.NewBalance)
	return result, nil
}

// =============================================================================
// EVENTS
// =============================================================================

func (l *Ledger) publish(ctx context.Context, eventType string, tx Transaction, balance decimal.Decimal) {
	err := l.publisher.Publish(ctx, events.Event{
		Type:          eventType,
		UserID:        string(tx.UserID),
		TransactionID: string(tx.ID),
		Reason:        string(tx.Reason),
		Amount:        tx.Amount.String(),
		Currency:      string(tx.Currency),
		BalanceAfter:  balance.String(),
		Timestamp:     tx.CreatedAt,
	})
	if err != nil {
		l.logger.Warn("event publish failed", zap.String("event", eventType), zap.String("tx_id", string(tx.ID)), zap.Error(err))
	}
}
