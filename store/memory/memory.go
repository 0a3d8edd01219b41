// Package memory provides an in-memory implementation of every storage
// interface (for testing/dev).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/referral"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Store keeps everything in maps behind one mutex. WithUserLock holds the
// mutex for the whole callback, which serializes writers across all users.
type Store struct {
	mu sync.Mutex

	transactions []ledger.Transaction // Insertion order
	credits      map[ledger.IdempotencyKey]int

	referrals  map[string]referral.Referral
	byReferred map[ledger.UserID]string
	rewards    map[string]referral.PendingReward
	byReferral map[string]string
	activities map[string]referral.Activity
	settings   map[string]string
}

var (
	_ ledger.TxStore = (*Store)(nil)
	_ referral.Store = (*Store)(nil)
)

func New() *Store {
	return &Store{
		credits:    make(map[ledger.IdempotencyKey]int),
		referrals:  make(map[string]referral.Referral),
		byReferred: make(map[ledger.UserID]string),
		rewards:    make(map[string]referral.PendingReward),
		byReferral: make(map[string]string),
		activities: make(map[string]referral.Activity),
		settings:   make(map[string]string),
	}
}

// =============================================================================
// LEDGER
// =============================================================================

func (m *Store) Append(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *Store) appendLocked(tx ledger.Transaction) error {
	if key, ok := tx.IdempotencyKey(); ok {
		if _, exists := m.credits[key]; exists {
			return ledger.ErrDuplicateReference
		}
		m.credits[key] = len(m.transactions)
	}
	m.transactions = append(m.transactions, copyTx(tx))
	return nil
}

func (m *Store) Transactions(_ context.Context, userID ledger.UserID, filter ledger.Filter) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transactionsLocked(userID, filter), nil
}

func (m *Store) transactionsLocked(userID ledger.UserID, filter ledger.Filter) []ledger.Transaction {
	var result []ledger.Transaction
	for i := len(m.transactions) - 1; i >= 0; i-- {
		tx := m.transactions[i]
		if tx.UserID != userID || !filter.Matches(tx) {
			continue
		}
		result = append(result, copyTx(tx))
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result
}

func (m *Store) FindCredit(_ context.Context, key ledger.IdempotencyKey) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findCreditLocked(key), nil
}

func (m *Store) findCreditLocked(key ledger.IdempotencyKey) *ledger.Transaction {
	i, ok := m.credits[key]
	if !ok {
		return nil
	}
	tx := copyTx(m.transactions[i])
	return &tx
}

// WithUserLock executes fn with the store locked.
// Simulated with a rollback on error: the ledger is append-only, so undoing
// fn means truncating what it appended.
func (m *Store) WithUserLock(_ context.Context, _ ledger.UserID, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mark := len(m.transactions)
	if err := fn(&lockedView{parent: m}); err != nil {
		m.rollbackTo(mark)
		return err
	}
	return nil
}

func (m *Store) rollbackTo(mark int) {
	for _, tx := range m.transactions[mark:] {
		if key, ok := tx.IdempotencyKey(); ok {
			delete(m.credits, key)
		}
	}
	m.transactions = m.transactions[:mark]
}

type lockedView struct {
	parent *Store
}

func (v *lockedView) Append(_ context.Context, tx ledger.Transaction) error {
	return v.parent.appendLocked(tx)
}

func (v *lockedView) Transactions(_ context.Context, userID ledger.UserID, filter ledger.Filter) ([]ledger.Transaction, error) {
	return v.parent.transactionsLocked(userID, filter), nil
}

func (v *lockedView) FindCredit(_ context.Context, key ledger.IdempotencyKey) (*ledger.Transaction, error) {
	return v.parent.findCreditLocked(key), nil
}

// =============================================================================
// REFERRALS
// =============================================================================

func (m *Store) CreateReferral(_ context.Context, r referral.Referral) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byReferred[r.ReferredID]; exists {
		return referral.ErrReferralExists
	}
	m.referrals[r.ID] = r
	m.byReferred[r.ReferredID] = r.ID
	return nil
}

func (m *Store) GetReferral(_ context.Context, id string) (*referral.Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.referrals[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &r, nil
}

func (m *Store) PendingReferralFor(_ context.Context, referredID ledger.UserID) (*referral.Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byReferred[referredID]
	if !ok {
		return nil, nil
	}
	r := m.referrals[id]
	if r.Status != referral.StatusPending {
		return nil, nil
	}
	return &r, nil
}

func (m *Store) PendingReferrals(_ context.Context, afterID string, limit int) ([]referral.Referral, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []referral.Referral
	for _, r := range m.referrals {
		if r.Status == referral.StatusPending && r.ID > afterID {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Store) CompleteReferral(_ context.Context, referralID string, completedAt time.Time, reward referral.PendingReward) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.referrals[referralID]
	if !ok {
		return false, ledger.ErrNotFound
	}
	if r.Status != referral.StatusPending {
		return false, nil
	}
	r.Status = referral.StatusCompleted
	r.CompletedAt = &completedAt
	m.referrals[referralID] = r

	if _, exists := m.byReferral[referralID]; !exists {
		m.rewards[reward.ID] = reward
		m.byReferral[referralID] = reward.ID
	}
	return true, nil
}

func (m *Store) RewardForReferral(_ context.Context, referralID string) (*referral.PendingReward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byReferral[referralID]
	if !ok {
		return nil, nil
	}
	reward := m.rewards[id]
	return &reward, nil
}

// =============================================================================
// PENDING REWARDS
// =============================================================================

func (m *Store) ClaimDueRewards(_ context.Context, now time.Time, lease time.Duration, limit int) ([]referral.PendingReward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []referral.PendingReward
	for _, r := range m.rewards {
		if claimable(r, now, lease) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	for i := range due {
		claimedAt := now
		due[i].Status = referral.RewardInProgress
		due[i].ClaimedAt = &claimedAt
		m.rewards[due[i].ID] = due[i]
	}
	return due, nil
}

func claimable(r referral.PendingReward, now time.Time, lease time.Duration) bool {
	switch r.Status {
	case referral.RewardScheduled:
		return !r.ScheduledAt.After(now)
	case referral.RewardInProgress:
		return r.ClaimedAt == nil || !r.ClaimedAt.Add(lease).After(now)
	}
	return false
}

func (m *Store) MarkRewardSettled(_ context.Context, rewardID string, txID ledger.TransactionID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rewards[rewardID]
	if !ok {
		return ledger.ErrNotFound
	}
	if r.Status == referral.RewardSettled {
		return nil
	}
	r.Status = referral.RewardSettled
	r.TransactionID = txID
	r.SettledAt = &at
	r.ClaimedAt = nil
	m.rewards[rewardID] = r
	return nil
}

func (m *Store) MarkRewardFailed(_ context.Context, rewardID string, claimedAt time.Time, cause string, maxAttempts int) (referral.RewardStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rewards[rewardID]
	if !ok {
		return "", ledger.ErrNotFound
	}
	if r.Status == referral.RewardSettled {
		return r.Status, nil
	}
	if r.Status != referral.RewardInProgress || r.ClaimedAt == nil || !r.ClaimedAt.Equal(claimedAt) {
		return r.Status, referral.ErrClaimLost
	}
	r.Attempts++
	r.LastError = cause
	r.ClaimedAt = nil
	r.Status = referral.RewardScheduled
	if r.Attempts >= maxAttempts {
		r.Status = referral.RewardFailed
	}
	m.rewards[rewardID] = r
	return r.Status, nil
}

// =============================================================================
// ACTIVITIES
// =============================================================================

func (m *Store) RecordActivity(_ context.Context, a referral.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.activities[a.ID]; !exists {
		m.activities[a.ID] = a
	}
	return nil
}

func (m *Store) LatestActivity(_ context.Context, userID ledger.UserID) (*referral.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *referral.Activity
	for _, a := range m.activities {
		if a.UserID != userID {
			continue
		}
		if latest == nil || a.CompletedAt.After(latest.CompletedAt) {
			a := a
			latest = &a
		}
	}
	return latest, nil
}

// =============================================================================
// SETTINGS (settings.KV)
// =============================================================================

func (m *Store) GetSetting(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	return v, ok, nil
}

func (m *Store) PutSettings(_ context.Context, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.settings[k] = v
	}
	return nil
}

func copyTx(tx ledger.Transaction) ledger.Transaction {
	if tx.Metadata != nil {
		md := make(map[string]string, len(tx.Metadata))
		for k, v := range tx.Metadata {
			md[k] = v
		}
		tx.Metadata = md
	}
	return tx
}
