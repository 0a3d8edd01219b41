/*
balance.go - Balance derivation from the transaction log

DEFINITION:
  For each currency:
    balance = sum(credits where expires_at is null or after asOf)
            - sum(debits)

  Expired credits drop out entirely, even if part of them was already
  spent. The balance can therefore go below zero after an expiry; debits
  are refused from that point on until new credit arrives.

CURRENCIES:
  Balances are kept per currency. Primary and secondary amounts are never
  summed together.
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Balance is a user's spendable amount per currency at a point in time.
type Balance struct {
	UserID  UserID
	AsOf    time.Time
	Amounts map[Currency]decimal.Decimal
}

// Of returns the balance in one currency (zero when absent).
func (b Balance) Of(c Currency) decimal.Decimal {
	if v, ok := b.Amounts[c]; ok {
		return v
	}
	return decimal.Zero
}

// CalculateBalance replays txs into a Balance as of asOf. Order does not
// matter.
func CalculateBalance(userID UserID, txs []Transaction, asOf time.Time) Balance {
	amounts := make(map[Currency]decimal.Decimal, len(Currencies))
	for _, c := range Currencies {
		amounts[c] = decimal.Zero
	}

	for _, tx := range txs {
		switch tx.Kind {
		case KindCredit:
			if tx.ExpiredAt(asOf) {
				continue
			}
			amounts[tx.Currency] = amounts[tx.Currency].Add(tx.Amount)
		case KindDebit:
			amounts[tx.Currency] = amounts[tx.Currency].Sub(tx.Amount)
		}
	}

	return Balance{UserID: userID, AsOf: asOf, Amounts: amounts}
}

// BalanceCalculator computes balances straight from a Store. There is no
// cache: every call reflects the ledger as it is now.
type BalanceCalculator struct {
	Store Store
	Clock Clock
}

// Calculate reads the full history for userID through store and derives the
// balance. Pass the Store handed to a WithUserLock callback to evaluate
// inside that snapshot.
func (bc *BalanceCalculator) Calculate(ctx context.Context, store Store, userID UserID) (Balance, error) {
	if store == nil {
		store = bc.Store
	}
	txs, err := store.Transactions(ctx, userID, Filter{})
	if err != nil {
		return Balance{}, Persistence("load transactions", err)
	}
	return CalculateBalance(userID, txs, bc.Clock.Now()), nil
}
