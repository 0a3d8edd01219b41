/*
Package referral tracks referrals from signup to a matured wallet reward.

LIFECYCLE:
  1. Signup collaborator creates a Referral (pending), one per referred user
  2. Referred user finishes a qualifying activity (a completed call)
  3. Engine moves the Referral pending → completed and, in the same storage
     transaction, schedules exactly one PendingReward
  4. After the settlement delay the scheduler credits the referrer through
     ledger.AddCredits and marks the PendingReward settled

STATES:
  Referral:       pending → completed (terminal)
  PendingReward:  scheduled → in_progress → settled
                                          ↘ scheduled (retry) → ... → failed

PROGRAM SWITCH:
  When the referral program is inactive the whole transition is skipped.
  The referral stays pending; nothing is silently marked completed.

SEE ALSO:
  - engine.go: CreateReferral / NotifyActivityCompleted
  - settlement.go: RunSettlement
  - reconcile.go: ReconcileReferrals
*/
package referral

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/ledger"
)

// =============================================================================
// REFERRAL
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

type Referral struct {
	ID          string
	ReferrerID  ledger.UserID
	ReferredID  ledger.UserID
	Status      Status
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// =============================================================================
// PENDING REWARD
// =============================================================================

type RewardStatus string

const (
	RewardScheduled  RewardStatus = "scheduled"
	RewardInProgress RewardStatus = "in_progress" // Claimed by a settlement worker
	RewardSettled    RewardStatus = "settled"
	RewardFailed     RewardStatus = "failed"
)

// ReferenceTypePendingReward is the reference type on referral_reward credits.
const ReferenceTypePendingReward = "pending_reward"

type PendingReward struct {
	ID         string
	ReferralID string
	ReferrerID ledger.UserID

	// Amount and currency are captured from the program settings at the
	// moment the referral completed.
	Amount   decimal.Decimal
	Currency ledger.Currency

	CallSessionID string
	CallEndTime   time.Time
	ScheduledAt   time.Time // CallEndTime + settlement delay

	Status        RewardStatus
	Attempts      int
	LastError     string
	TransactionID ledger.TransactionID
	ClaimedAt     *time.Time
	CreatedAt     time.Time
	SettledAt     *time.Time
}

// Due reports whether the reward can be settled at now.
func (r PendingReward) Due(now time.Time) bool {
	return r.Status == RewardScheduled && !r.ScheduledAt.After(now)
}

// =============================================================================
// ACTIVITY
// =============================================================================

// Activity is a completed qualifying activity (a finished call session). It
// is the evidence the reconciliation job checks against pending referrals.
type Activity struct {
	ID          string
	UserID      ledger.UserID
	CompletedAt time.Time
}

// =============================================================================
// OUTCOMES & SUMMARIES
// =============================================================================

// Outcome reports what NotifyActivityCompleted did. None of these are errors.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"         // Referral completed, reward scheduled
	OutcomeNoReferral       Outcome = "no_referral"       // User has no pending referral
	OutcomeAlreadyCompleted Outcome = "already_completed" // Another delivery won the transition
	OutcomeProgramInactive  Outcome = "program_inactive"  // Program switched off; referral left pending
	OutcomeRewardUnset      Outcome = "reward_unset"      // Reward amount is zero; referral left pending
)

type SettlementSummary struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

type ReconcileSummary struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
	Errors  int `json:"errors"`
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrReferralExists is returned when the referred user already has a referral.
	ErrReferralExists = errors.New("referral already exists for referred user")

	// ErrSelfReferral is returned when referrer and referred are the same user.
	ErrSelfReferral = errors.New("user cannot refer themselves")

	// ErrClaimLost is returned when a worker reports on a reward whose claim
	// has since expired and been taken by another worker.
	ErrClaimLost = errors.New("reward claim no longer held")
)
