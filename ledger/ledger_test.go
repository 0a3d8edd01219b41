package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) (*ledger.Ledger, *memory.Store, *ledger.ManualClock) {
	store := memory.New()
	clock := ledger.NewManualClock(t0)
	l := ledger.New(store, ledger.Options{
		Clock:  clock,
		Logger: zaptest.NewLogger(t),
	})
	return l, store, clock
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func credit(user string, amount string, reason ledger.Reason, ref string) ledger.CreditRequest {
	return ledger.CreditRequest{
		UserID:        ledger.UserID(user),
		Amount:        dec(amount),
		Currency:      ledger.CurrencyPrimary,
		Reason:        reason,
		ReferenceID:   ref,
		ReferenceType: "order",
	}
}

func debit(user string, amount string) ledger.DebitRequest {
	return ledger.DebitRequest{
		UserID:   ledger.UserID(user),
		Amount:   dec(amount),
		Currency: ledger.CurrencyPrimary,
		Reason:   ledger.ReasonBooking,
	}
}

// =============================================================================
// BALANCE TESTS
// =============================================================================

func TestLedger_Balance_EmptyWalletIsZero(t *testing.T) {
	l, _, _ := newTestLedger(t)

	balance, err := l.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)

	assert.True(t, balance.Of(ledger.CurrencyPrimary).IsZero())
	assert.True(t, balance.Of(ledger.CurrencySecondary).IsZero())
}

func TestLedger_Balance_CreditsMinusDebits(t *testing.T) {
	// GIVEN: +100, +25.5, -60
	// THEN: balance is 65.5
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.AddCredits(ctx, credit("user-1", "100", ledger.ReasonPurchase, "order-1"))
	require.NoError(t, err)
	_, err = l.AddCredits(ctx, credit("user-1", "25.5", ledger.ReasonAdjustment, ""))
	require.NoError(t, err)
	res, err := l.DeductCredits(ctx, debit("user-1", "60"))
	require.NoError(t, err)

	assert.True(t, dec("65.5").Equal(res.NewBalance), "got %s", res.NewBalance)

	balance, err := l.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, dec("65.5").Equal(balance.Of(ledger.CurrencyPrimary)))
}

func TestLedger_Balance_CurrenciesAreIndependent(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	req := credit("user-1", "40", ledger.ReasonAdjustment, "")
	req.Currency = ledger.CurrencySecondary
	_, err := l.AddCredits(ctx, req)
	require.NoError(t, err)

	// Secondary credit does not fund a primary debit
	_, err = l.DeductCredits(ctx, debit("user-1", "10"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	balance, err := l.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.Of(ledger.CurrencyPrimary).IsZero())
	assert.True(t, dec("40").Equal(balance.Of(ledger.CurrencySecondary)))
}

func TestLedger_Balance_ExpiredCreditsDropOut(t *testing.T) {
	// GIVEN: A credit granted on t0 (valid 12 months)
	// WHEN: The clock moves past its expiry
	// THEN: It no longer counts toward the balance
	l, _, clock := newTestLedger(t)
	ctx := context.Background()

	res, err := l.AddCredits(ctx, credit("user-1", "30", ledger.ReasonPurchase, "order-1"))
	require.NoError(t, err)
	require.NotNil(t, res.Transaction.ExpiresAt)
	assert.Equal(t, t0.AddDate(1, 0, 0), *res.Transaction.ExpiresAt)

	clock.Set(t0.AddDate(1, 0, 0).Add(-time.Second))
	balance, err := l.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, dec("30").Equal(balance.Of(ledger.CurrencyPrimary)))

	clock.Set(t0.AddDate(1, 0, 0))
	balance, err = l.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.Of(ledger.CurrencyPrimary).IsZero())
}

func TestCalculateBalance_OrderDoesNotMatter(t *testing.T) {
	expires := t0.Add(time.Hour)
	txs := []ledger.Transaction{
		{Kind: ledger.KindDebit, Amount: dec("5"), Currency: ledger.CurrencyPrimary},
		{Kind: ledger.KindCredit, Amount: dec("10"), Currency: ledger.CurrencyPrimary},
		{Kind: ledger.KindCredit, Amount: dec("3"), Currency: ledger.CurrencyPrimary, ExpiresAt: &expires},
	}

	a := ledger.CalculateBalance("u", txs, t0)
	b := ledger.CalculateBalance("u", []ledger.Transaction{txs[2], txs[1], txs[0]}, t0)

	assert.True(t, dec("8").Equal(a.Of(ledger.CurrencyPrimary)))
	assert.True(t, a.Of(ledger.CurrencyPrimary).Equal(b.Of(ledger.CurrencyPrimary)))
}

// =============================================================================
// CREDIT TESTS
// =============================================================================

func TestLedger_AddCredits_Validation(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		mut   func(*ledger.CreditRequest)
		field string
	}{
		{"zero amount", func(r *ledger.CreditRequest) { r.Amount = decimal.Zero }, "amount"},
		{"negative amount", func(r *ledger.CreditRequest) { r.Amount = dec("-1") }, "amount"},
		{"missing user", func(r *ledger.CreditRequest) { r.UserID = "" }, "user_id"},
		{"unknown reason", func(r *ledger.CreditRequest) { r.Reason = "gift" }, "reason"},
		{"unknown currency", func(r *ledger.CreditRequest) { r.Currency = "gold" }, "currency"},
		{"too many decimals", func(r *ledger.CreditRequest) { r.Amount = dec("1.00005") }, "amount"},
		{"below smallest unit", func(r *ledger.CreditRequest) { r.Amount = dec("0.00001") }, "amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := credit("user-1", "10", ledger.ReasonPurchase, "order-1")
			tt.mut(&req)

			_, err := l.AddCredits(ctx, req)

			var verr *ledger.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.True(t, ledger.IsClientError(err))
		})
	}

	txs, err := l.GetTransactions(ctx, "user-1", ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, txs, "nothing is written on validation failure")
}

func TestLedger_AddCredits_DuplicateReferenceReturnsOriginal(t *testing.T) {
	// GIVEN: A purchase credit for order-1
	// WHEN: The same confirmation is delivered again
	// THEN: The original transaction is returned and the balance is unchanged
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := l.AddCredits(ctx, credit("user-1", "100", ledger.ReasonPurchase, "order-1"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := l.AddCredits(ctx, credit("user-1", "100", ledger.ReasonPurchase, "order-1"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.True(t, dec("100").Equal(second.NewBalance))

	txs, err := l.GetTransactions(ctx, "user-1", ledger.Filter{})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestLedger_AddCredits_GuardScope(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	// Same reference, different reason: both land
	_, err := l.AddCredits(ctx, credit("user-1", "10", ledger.ReasonPurchase, "ref-1"))
	require.NoError(t, err)
	res, err := l.AddCredits(ctx, credit("user-1", "10", ledger.ReasonRefund, "ref-1"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	// Same reference, different user: both land
	res, err = l.AddCredits(ctx, credit("user-2", "10", ledger.ReasonPurchase, "ref-1"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	// Unguarded reason: repeats land
	res, err = l.AddCredits(ctx, credit("user-1", "1", ledger.ReasonAdjustment, "adj-1"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	res, err = l.AddCredits(ctx, credit("user-1", "1", ledger.ReasonAdjustment, "adj-1"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	// Guarded reason without a reference: not guarded
	_, err = l.AddCredits(ctx, credit("user-1", "1", ledger.ReasonPurchase, ""))
	require.NoError(t, err)
	res, err = l.AddCredits(ctx, credit("user-1", "1", ledger.ReasonPurchase, ""))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	balance, err := l.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, dec("24").Equal(balance.Of(ledger.CurrencyPrimary)), "got %s", balance.Of(ledger.CurrencyPrimary))
}

func TestLedger_AddCredits_ConcurrentDuplicatesLandOnce(t *testing.T) {
	// GIVEN: 20 goroutines crediting the same refund at once
	// THEN: Exactly one transaction exists and exactly one caller saw a new credit
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	const callers = 20
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
		ids   = map[ledger.TransactionID]bool{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.AddCredits(ctx, credit("user-1", "15", ledger.ReasonRefund, "booking-9"))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[res.Transaction.ID] = true
			if !res.Duplicate {
				fresh++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
	assert.Len(t, ids, 1)

	txs, err := l.GetTransactions(ctx, "user-1", ledger.Filter{})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestLedger_AddCredits_ReferenceFormats(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	id := uuid.New()
	res, err := l.AddCredits(ctx, credit("user-1", "5", ledger.ReasonPurchase, id.String()))
	require.NoError(t, err)
	assert.True(t, res.Transaction.ReferenceID.Valid)
	assert.Equal(t, id, res.Transaction.ReferenceID.UUID)
	assert.NotContains(t, res.Transaction.Metadata, ledger.MetadataReferenceID)

	// Malformed reference is kept in metadata and still guards
	res, err = l.AddCredits(ctx, credit("user-1", "5", ledger.ReasonPurchase, "order#42"))
	require.NoError(t, err)
	assert.False(t, res.Transaction.ReferenceID.Valid)
	assert.Equal(t, "order#42", res.Transaction.Metadata[ledger.MetadataReferenceID])

	res, err = l.AddCredits(ctx, credit("user-1", "5", ledger.ReasonPurchase, "order#42"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestLedger_OnPaymentConfirmed(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	res, err := l.OnPaymentConfirmed(ctx, "user-1", dec("49.99"), ledger.CurrencyPrimary, "order-7")
	require.NoError(t, err)
	assert.Equal(t, ledger.ReasonPurchase, res.Transaction.Reason)
	assert.Equal(t, ledger.ReferenceTypeOrder, res.Transaction.ReferenceType)

	res, err = l.OnPaymentConfirmed(ctx, "user-1", dec("49.99"), ledger.CurrencyPrimary, "order-7")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.True(t, dec("49.99").Equal(res.NewBalance))

	_, err = l.OnPaymentConfirmed(ctx, "user-1", dec("1"), ledger.CurrencyPrimary, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

// =============================================================================
// DEBIT TESTS
// =============================================================================

func TestLedger_DeductCredits_InsufficientBalance(t *testing.T) {
	// GIVEN: Balance of 50
	// WHEN: Deducting 80
	// THEN: Refused with the shortfall and nothing written
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.AddCredits(ctx, credit("user-1", "50", ledger.ReasonPurchase, "order-1"))
	require.NoError(t, err)

	_, err = l.DeductCredits(ctx, debit("user-1", "80"))
	require.Error(t, err)

	var ib *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assert.True(t, dec("50").Equal(ib.Available))
	assert.True(t, dec("30").Equal(ib.Shortfall()))

	txs, err := l.GetTransactions(ctx, "user-1", ledger.Filter{Kind: ledger.KindDebit})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestLedger_DeductCredits_ExactBalanceAllowed(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.AddCredits(ctx, credit("user-1", "20", ledger.ReasonPurchase, "order-1"))
	require.NoError(t, err)

	res, err := l.DeductCredits(ctx, debit("user-1", "20"))
	require.NoError(t, err)
	assert.True(t, res.NewBalance.IsZero())
}

func TestLedger_AmountScale(t *testing.T) {
	// GIVEN: A wallet holding 10.5
	// WHEN: Amounts finer than the ledger scale are credited or debited
	// THEN: They are rejected, while trailing zeros are accepted
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.AddCredits(ctx, credit("user-1", "10.50000", ledger.ReasonPurchase, "order-1"))
	require.NoError(t, err)

	_, err = l.DeductCredits(ctx, debit("user-1", "0.00005"))
	var verr *ledger.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)

	res, err := l.DeductCredits(ctx, debit("user-1", "0.0001"))
	require.NoError(t, err)
	assert.True(t, dec("10.4999").Equal(res.NewBalance))
}

func TestLedger_DeductCredits_ConcurrentNeverOverdraws(t *testing.T) {
	// GIVEN: Balance of 100
	// WHEN: 10 concurrent debits of 30
	// THEN: Exactly 3 succeed and the balance ends at 10
	l, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.AddCredits(ctx, credit("user-1", "100", ledger.ReasonPurchase, "order-1"))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		refused int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.DeductCredits(ctx, debit("user-1", "30"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ledger.ErrInsufficientBalance):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, 7, refused)

	balance, err := l.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, dec("10").Equal(balance.Of(ledger.CurrencyPrimary)))
}

// =============================================================================
// HISTORY TESTS
// =============================================================================

func TestLedger_GetTransactions_Filters(t *testing.T) {
	l, _, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := l.AddCredits(ctx, credit("user-1", "100", ledger.ReasonPurchase, "order-1"))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = l.DeductCredits(ctx, debit("user-1", "10"))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = l.AddCredits(ctx, credit("user-1", "5", ledger.ReasonRefund, "booking-1"))
	require.NoError(t, err)

	all, err := l.GetTransactions(ctx, "user-1", ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ledger.ReasonRefund, all[0].Reason, "newest first")
	assert.Equal(t, ledger.ReasonPurchase, all[2].Reason)

	credits, err := l.GetTransactions(ctx, "user-1", ledger.Filter{Kind: ledger.KindCredit})
	require.NoError(t, err)
	assert.Len(t, credits, 2)

	refunds, err := l.GetTransactions(ctx, "user-1", ledger.Filter{Reason: ledger.ReasonRefund})
	require.NoError(t, err)
	assert.Len(t, refunds, 1)

	limited, err := l.GetTransactions(ctx, "user-1", ledger.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = l.GetTransactions(ctx, "user-1", ledger.Filter{Reason: "gift"})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}
