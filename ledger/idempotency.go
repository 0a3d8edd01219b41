/*
idempotency.go - Duplicate credit detection

PROBLEM:
  "Add credit for event X" can arrive twice: a retried payment webhook, a
  refund replayed by an operator, a reward settled by two scheduler
  instances at once. Each must land in the ledger exactly once.

TWO LAYERS:
  1. Pre-query (fast path): look for a stored credit with the same
     (user_id, reference_type, reason, reference_key). Found → return it.
  2. Storage constraint (source of truth): the Store refuses the insert with
     ErrDuplicateReference when a racing caller got there first. The guard
     catches that, re-reads the winner, and returns it.

  Both paths produce a successful result with Duplicate=true. From the
  caller's side the operation is idempotent even when two callers race.

NOT GUARDED:
  Debits, unguarded reasons (booking, adjustment), and credits without a
  reference. With no reference there is nothing to be idempotent on.
*/
package ledger

import (
	"context"
	"errors"
)

// IdempotencyGuard resolves guarded credits against existing transactions.
type IdempotencyGuard struct {
	Store Store
}

// Existing returns the stored credit that makes tx a duplicate, or nil.
func (g *IdempotencyGuard) Existing(ctx context.Context, store Store, tx Transaction) (*Transaction, error) {
	key, ok := tx.IdempotencyKey()
	if !ok {
		return nil, nil
	}
	if store == nil {
		store = g.Store
	}
	existing, err := store.FindCredit(ctx, key)
	if err != nil {
		return nil, Persistence("find credit", err)
	}
	return existing, nil
}

// Resolve is called after an insert failed. When the failure is the
// uniqueness constraint it returns the winning row; any other error is passed
// through.
func (g *IdempotencyGuard) Resolve(ctx context.Context, tx Transaction, insertErr error) (*Transaction, error) {
	if !errors.Is(insertErr, ErrDuplicateReference) {
		return nil, insertErr
	}
	key, ok := tx.IdempotencyKey()
	if !ok {
		// A constraint fired on a transaction the guard does not cover.
		return nil, Persistence("append", insertErr)
	}
	winner, err := g.Store.FindCredit(ctx, key)
	if err != nil {
		return nil, Persistence("re-read duplicate credit", err)
	}
	if winner == nil {
		// The constraint fired but the row is not visible yet; the caller
		// should retry the whole operation.
		return nil, ErrConcurrencyConflict
	}
	return winner, nil
}
