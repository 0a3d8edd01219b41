/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface (ledger.TxStore, referral.Store,
  settings.KV) on one SQLite database. The PostgreSQL store follows the same
  schema with dialect differences only.

INTERFACES IMPLEMENTED:
  ledger.TxStore:  Append-only transaction ledger
  referral.Store:  Referrals, pending rewards, activity evidence
  settings.KV:     system_settings key/value rows

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the transactions table
  - Triggers abort any attempt to do so from outside this package
  - Corrections are new transactions (an adjustment credit or debit)

KEY TABLES:
  transactions:     Immutable ledger of all balance changes
  referrals:        One row per referred user
  pending_rewards:  One row per completed referral
  activities:       Completed call sessions (reconciliation evidence)
  system_settings:  Referral program switch and reward

INDEXES:
  - idx_transactions_user: Balance and history reads (hot path)
  - idx_transactions_guarded_reference: Enforces one guarded credit per
    (user_id, reference_type, reason, reference_key)
  - idx_pending_rewards_due: Settlement claim scan

CONCURRENCY:
  One connection (MaxOpenConns=1) plus a writer mutex. Every write section
  runs in a single SQL transaction, so per-user locking reduces to "one
  writer at a time". Queries inside a section go through that transaction
  only; going back to the pool would wait for the very connection the
  section holds.

TIME FORMAT:
  Timestamps are stored as fixed-width UTC text so that string comparison in
  SQL orders them chronologically.

USAGE:
  store, err := sqlite.New("./data/wallet.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store, ledger.Options{})
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/referral"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex // Serializes write sections
}

var (
	_ ledger.TxStore = (*Store)(nil)
	_ referral.Store = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and makes the
	// writer lock the only lock.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('credit', 'debit')),
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		reason TEXT NOT NULL,
		reference_id TEXT,
		reference_key TEXT,
		reference_type TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		metadata_json TEXT,
		expires_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user
		ON transactions(user_id, seq DESC);

	-- CRITICAL: one guarded credit per external event.
	-- The reason list must match ledger.Reason.Guarded.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_guarded_reference
		ON transactions(user_id, reference_type, reason, reference_key)
		WHERE kind = 'credit'
		  AND reason IN ('purchase', 'refund', 'expert_no_show', 'referral_reward')
		  AND reference_key IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS trg_transactions_no_update
		BEFORE UPDATE ON transactions
	BEGIN
		SELECT RAISE(ABORT, 'transactions are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_transactions_no_delete
		BEFORE DELETE ON transactions
	BEGIN
		SELECT RAISE(ABORT, 'transactions are append-only');
	END;

	-- Referrals
	CREATE TABLE IF NOT EXISTS referrals (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		referred_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_referrals_status
		ON referrals(status, id);

	-- Pending rewards (at most one per referral)
	CREATE TABLE IF NOT EXISTS pending_rewards (
		id TEXT PRIMARY KEY,
		referral_id TEXT NOT NULL UNIQUE REFERENCES referrals(id),
		referrer_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		call_session_id TEXT NOT NULL,
		call_end_time TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'scheduled',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		transaction_id TEXT,
		claimed_at TEXT,
		created_at TEXT NOT NULL,
		settled_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_pending_rewards_due
		ON pending_rewards(status, scheduled_at);

	-- Completed activities (reconciliation evidence)
	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		completed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_activities_user
		ON activities(user_id, completed_at DESC);

	-- Admin-owned settings
	CREATE TABLE IF NOT EXISTS system_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// inTx runs fn in one SQL transaction while holding the writer lock.
func (s *Store) inTx(ctx context.Context, fn func(q querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// TRANSACTION STORE (ledger.Store interface)
// =============================================================================

const transactionColumns = `id, user_id, kind, amount, currency, reason, reference_id, reference_key,
	reference_type, description, metadata_json, expires_at, created_at`

// Append adds a transaction to the ledger.
func (s *Store) Append(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return appendTx(ctx, s.db, tx)
}

func appendTx(ctx context.Context, q querier, tx ledger.Transaction) error {
	var metadataJSON sql.NullString
	if len(tx.Metadata) > 0 {
		b, err := json.Marshal(tx.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}

	var referenceID sql.NullString
	if tx.ReferenceID.Valid {
		referenceID = sql.NullString{String: tx.ReferenceID.UUID.String(), Valid: true}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID),
		string(tx.UserID),
		string(tx.Kind),
		tx.Amount.String(),
		string(tx.Currency),
		string(tx.Reason),
		referenceID,
		nullString(tx.ReferenceKey),
		tx.ReferenceType,
		tx.Description,
		metadataJSON,
		nullTime(tx.ExpiresAt),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateReference
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// Transactions returns the user's transactions newest first.
func (s *Store) Transactions(ctx context.Context, userID ledger.UserID, filter ledger.Filter) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, s.db, userID, filter)
}

func queryTransactions(ctx context.Context, q querier, userID ledger.UserID, filter ledger.Filter) ([]ledger.Transaction, error) {
	var (
		where = []string{"user_id = ?"}
		args  = []any{string(userID)}
	)
	if filter.Reason != "" {
		where = append(where, "reason = ?")
		args = append(args, string(filter.Reason))
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// FindCredit returns the guarded credit stored under key, or nil.
func (s *Store) FindCredit(ctx context.Context, key ledger.IdempotencyKey) (*ledger.Transaction, error) {
	return findCredit(ctx, s.db, key)
}

func findCredit(ctx context.Context, q querier, key ledger.IdempotencyKey) (*ledger.Transaction, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE kind = 'credit' AND user_id = ? AND reference_type = ? AND reason = ? AND reference_key = ?
		ORDER BY seq ASC
		LIMIT 1`,
		string(key.UserID), key.ReferenceType, string(key.Reason), key.ReferenceKey)

	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		tx           ledger.Transaction
		id, userID   string
		kind, reason string
		currency     string
		amount       string
		referenceID  sql.NullString
		referenceKey sql.NullString
		metadataJSON sql.NullString
		expiresAt    sql.NullString
		createdAt    string
	)

	err := row.Scan(
		&id, &userID, &kind, &amount, &currency, &reason, &referenceID, &referenceKey,
		&tx.ReferenceType, &tx.Description, &metadataJSON, &expiresAt, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tx, err
		}
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.ID = ledger.TransactionID(id)
	tx.UserID = ledger.UserID(userID)
	tx.Kind = ledger.Kind(kind)
	tx.Currency = ledger.Currency(currency)
	tx.Reason = ledger.Reason(reason)
	tx.ReferenceKey = referenceKey.String

	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return tx, fmt.Errorf("transaction %s: bad amount %q: %w", id, amount, err)
	}
	if referenceID.Valid {
		ref, err := uuid.Parse(referenceID.String)
		if err != nil {
			return tx, fmt.Errorf("transaction %s: bad reference_id: %w", id, err)
		}
		tx.ReferenceID = uuid.NullUUID{UUID: ref, Valid: true}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata); err != nil {
			return tx, fmt.Errorf("transaction %s: bad metadata: %w", id, err)
		}
	}
	if tx.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return tx, err
	}
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return tx, err
	}
	return tx, nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithUserLock executes fn within a database transaction. SQLite has a
// single writer, so the lock covers every user at once.
func (s *Store) WithUserLock(ctx context.Context, _ ledger.UserID, fn func(ledger.Store) error) error {
	return s.inTx(ctx, func(q querier) error {
		return fn(&txStore{q: q})
	})
}

type txStore struct {
	q querier
}

func (ts *txStore) Append(ctx context.Context, tx ledger.Transaction) error {
	return appendTx(ctx, ts.q, tx)
}

func (ts *txStore) Transactions(ctx context.Context, userID ledger.UserID, filter ledger.Filter) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, ts.q, userID, filter)
}

func (ts *txStore) FindCredit(ctx context.Context, key ledger.IdempotencyKey) (*ledger.Transaction, error) {
	return findCredit(ctx, ts.q, key)
}

// =============================================================================
// REFERRAL STORE
// =============================================================================

const referralColumns = `id, referrer_id, referred_id, status, created_at, completed_at`

func (s *Store) CreateReferral(ctx context.Context, r referral.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO referrals (`+referralColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.ReferrerID), string(r.ReferredID), string(r.Status),
		formatTime(r.CreatedAt), nullTime(r.CompletedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return referral.ErrReferralExists
		}
		return fmt.Errorf("failed to insert referral: %w", err)
	}
	return nil
}

func (s *Store) GetReferral(ctx context.Context, id string) (*referral.Referral, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+referralColumns+` FROM referrals WHERE id = ?`, id)
	r, err := scanReferral(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) PendingReferralFor(ctx context.Context, referredID ledger.UserID) (*referral.Referral, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+referralColumns+` FROM referrals
		WHERE referred_id = ? AND status = 'pending'`, string(referredID))
	r, err := scanReferral(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) PendingReferrals(ctx context.Context, afterID string, limit int) ([]referral.Referral, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+referralColumns+` FROM referrals
		WHERE status = 'pending' AND id > ?
		ORDER BY id ASC
		LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query referrals: %w", err)
	}
	defer rows.Close()

	var result []referral.Referral
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanReferral(row scanner) (referral.Referral, error) {
	var (
		r                      referral.Referral
		referrerID, referredID string
		status, createdAt      string
		completedAt            sql.NullString
	)
	if err := row.Scan(&r.ID, &referrerID, &referredID, &status, &createdAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan referral: %w", err)
	}
	r.ReferrerID = ledger.UserID(referrerID)
	r.ReferredID = ledger.UserID(referredID)
	r.Status = referral.Status(status)

	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return r, err
	}
	if r.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return r, err
	}
	return r, nil
}

// CompleteReferral flips pending → completed and inserts the reward in one
// transaction.
func (s *Store) CompleteReferral(ctx context.Context, referralID string, completedAt time.Time, reward referral.PendingReward) (bool, error) {
	var won bool
	err := s.inTx(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `
			UPDATE referrals SET status = 'completed', completed_at = ?
			WHERE id = ? AND status = 'pending'`,
			formatTime(completedAt), referralID)
		if err != nil {
			return fmt.Errorf("failed to complete referral: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			err := q.QueryRowContext(ctx, `SELECT 1 FROM referrals WHERE id = ?`, referralID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return ledger.ErrNotFound
			}
			return err
		}

		if _, err := q.ExecContext(ctx, `
			INSERT INTO pending_rewards (`+rewardColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(referral_id) DO NOTHING`,
			rewardArgs(reward)...); err != nil {
			return fmt.Errorf("failed to insert pending reward: %w", err)
		}
		won = true
		return nil
	})
	return won, err
}

// =============================================================================
// PENDING REWARDS
// =============================================================================

const rewardColumns = `id, referral_id, referrer_id, amount, currency, call_session_id, call_end_time,
	scheduled_at, status, attempts, last_error, transaction_id, claimed_at, created_at, settled_at`

func rewardArgs(r referral.PendingReward) []any {
	return []any{
		r.ID, r.ReferralID, string(r.ReferrerID), r.Amount.String(), string(r.Currency),
		r.CallSessionID, formatTime(r.CallEndTime), formatTime(r.ScheduledAt),
		string(r.Status), r.Attempts, nullString(r.LastError), nullString(string(r.TransactionID)),
		nullTime(r.ClaimedAt), formatTime(r.CreatedAt), nullTime(r.SettledAt),
	}
}

func (s *Store) RewardForReferral(ctx context.Context, referralID string) (*referral.PendingReward, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rewardColumns+` FROM pending_rewards WHERE referral_id = ?`, referralID)
	r, err := scanReward(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ClaimDueRewards selects due rewards and claims each with a conditional
// update. The writer lock already excludes other claimers on this database;
// the condition keeps the update correct on its own.
func (s *Store) ClaimDueRewards(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]referral.PendingReward, error) {
	nowText := formatTime(now)
	staleText := formatTime(now.Add(-lease))

	var claimed []referral.PendingReward
	err := s.inTx(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, `
			SELECT `+rewardColumns+` FROM pending_rewards
			WHERE (status = 'scheduled' AND scheduled_at <= ?)
			   OR (status = 'in_progress' AND (claimed_at IS NULL OR claimed_at <= ?))
			ORDER BY scheduled_at ASC, id ASC
			LIMIT ?`, nowText, staleText, limit)
		if err != nil {
			return fmt.Errorf("failed to query due rewards: %w", err)
		}
		var due []referral.PendingReward
		for rows.Next() {
			r, err := scanReward(rows)
			if err != nil {
				rows.Close()
				return err
			}
			due = append(due, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range due {
			res, err := q.ExecContext(ctx, `
				UPDATE pending_rewards SET status = 'in_progress', claimed_at = ?
				WHERE id = ?
				  AND ((status = 'scheduled' AND scheduled_at <= ?)
				    OR (status = 'in_progress' AND (claimed_at IS NULL OR claimed_at <= ?)))`,
				nowText, r.ID, nowText, staleText)
			if err != nil {
				return fmt.Errorf("failed to claim reward %s: %w", r.ID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			claimedAt := now
			r.Status = referral.RewardInProgress
			r.ClaimedAt = &claimedAt
			claimed = append(claimed, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) MarkRewardSettled(ctx context.Context, rewardID string, txID ledger.TransactionID, at time.Time) error {
	return s.inTx(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `
			UPDATE pending_rewards
			SET status = 'settled', transaction_id = ?, settled_at = ?, claimed_at = NULL
			WHERE id = ? AND status != 'settled'`,
			string(txID), formatTime(at), rewardID)
		if err != nil {
			return fmt.Errorf("failed to settle reward: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		var exists int
		err = q.QueryRowContext(ctx, `SELECT 1 FROM pending_rewards WHERE id = ?`, rewardID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrNotFound
		}
		return err
	})
}

func (s *Store) MarkRewardFailed(ctx context.Context, rewardID string, claimedAt time.Time, cause string, maxAttempts int) (referral.RewardStatus, error) {
	var status referral.RewardStatus
	err := s.inTx(ctx, func(q querier) error {
		var (
			current  string
			attempts int
			claim    sql.NullString
		)
		err := q.QueryRowContext(ctx, `SELECT status, attempts, claimed_at FROM pending_rewards WHERE id = ?`, rewardID).
			Scan(&current, &attempts, &claim)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrNotFound
		}
		if err != nil {
			return err
		}
		status = referral.RewardStatus(current)
		if status == referral.RewardSettled {
			return nil
		}
		if status != referral.RewardInProgress || !claim.Valid || claim.String != formatTime(claimedAt) {
			return referral.ErrClaimLost
		}

		attempts++
		status = referral.RewardScheduled
		if attempts >= maxAttempts {
			status = referral.RewardFailed
		}
		_, err = q.ExecContext(ctx, `
			UPDATE pending_rewards
			SET status = ?, attempts = ?, last_error = ?, claimed_at = NULL
			WHERE id = ?`,
			string(status), attempts, cause, rewardID)
		return err
	})
	return status, err
}

func scanReward(row scanner) (referral.PendingReward, error) {
	var (
		r                                    referral.PendingReward
		referrerID, amount, currency, status string
		callEndTime, scheduledAt, createdAt  string
		lastError, transactionID             sql.NullString
		claimedAt, settledAt                 sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.ReferralID, &referrerID, &amount, &currency, &r.CallSessionID, &callEndTime,
		&scheduledAt, &status, &r.Attempts, &lastError, &transactionID, &claimedAt, &createdAt, &settledAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan pending reward: %w", err)
	}

	r.ReferrerID = ledger.UserID(referrerID)
	r.Currency = ledger.Currency(currency)
	r.Status = referral.RewardStatus(status)
	r.LastError = lastError.String
	r.TransactionID = ledger.TransactionID(transactionID.String)

	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return r, fmt.Errorf("pending reward %s: bad amount %q: %w", r.ID, amount, err)
	}
	if r.CallEndTime, err = parseTime(callEndTime); err != nil {
		return r, err
	}
	if r.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return r, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return r, err
	}
	if r.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return r, err
	}
	if r.SettledAt, err = parseNullTime(settledAt); err != nil {
		return r, err
	}
	return r, nil
}

// =============================================================================
// ACTIVITIES
// =============================================================================

func (s *Store) RecordActivity(ctx context.Context, a referral.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (id, user_id, completed_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		a.ID, string(a.UserID), formatTime(a.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

func (s *Store) LatestActivity(ctx context.Context, userID ledger.UserID) (*referral.Activity, error) {
	var (
		a           referral.Activity
		user        string
		completedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, completed_at FROM activities
		WHERE user_id = ?
		ORDER BY completed_at DESC
		LIMIT 1`, string(userID)).Scan(&a.ID, &user, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	a.UserID = ledger.UserID(user)
	if a.CompletedAt, err = parseTime(completedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// =============================================================================
// SETTINGS (settings.KV)
// =============================================================================

func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) PutSettings(ctx context.Context, values map[string]string) error {
	now := formatTime(time.Now())
	return s.inTx(ctx, func(q querier) error {
		for k, v := range values {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO system_settings (key, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				k, v, now); err != nil {
				return fmt.Errorf("failed to write setting %s: %w", k, err)
			}
		}
		return nil
	})
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
