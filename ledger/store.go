/*
store.go - Persistence interface for ledger transactions

APPEND-ONLY CONTRACT:
  Append is the ONLY write. There is no Update and no Delete.

UNIQUENESS:
  Every Store must refuse a second guarded credit with the same
  IdempotencyKey and report it as ErrDuplicateReference. This is the
  authoritative duplicate guard; the pre-query in idempotency.go is only a
  fast path.

LOCKING:
  WithUserLock runs fn inside one storage transaction holding an exclusive
  per-user lock. Reads made through the Store passed to fn see a consistent
  snapshot, and nothing fn writes becomes visible unless fn returns nil.

IMPLEMENTATIONS:
  - store/memory:   In-memory, for tests and local dev
  - store/sqlite:   Embedded SQLite
  - store/postgres: PostgreSQL via pgx
*/
package ledger

import "context"

// Store handles persistence of transactions.
type Store interface {
	// Append persists a transaction. Returns ErrDuplicateReference when a
	// guarded credit with the same idempotency key already exists.
	Append(ctx context.Context, tx Transaction) error

	// Transactions returns a user's transactions newest first, narrowed by
	// filter.
	Transactions(ctx context.Context, userID UserID, filter Filter) ([]Transaction, error)

	// FindCredit returns the guarded credit stored under key, or nil.
	FindCredit(ctx context.Context, key IdempotencyKey) (*Transaction, error)
}

// TxStore wraps Store with per-user atomic sections.
type TxStore interface {
	Store

	// WithUserLock executes fn within a storage transaction that holds the
	// user's lock. If fn returns an error the transaction is rolled back.
	WithUserLock(ctx context.Context, userID UserID, fn func(Store) error) error
}
