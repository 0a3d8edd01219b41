package referral

import (
	"context"
	"time"

	"github.com/warp/wallet-ledger/ledger"
)

// Store persists referrals, pending rewards and activity evidence.
//
// Every state change is a compare-and-swap: a write that finds the row in an
// unexpected state changes nothing and says so, instead of overwriting.
type Store interface {
	ActivityStore

	// CreateReferral inserts a pending referral. ErrReferralExists when the
	// referred user already has one.
	CreateReferral(ctx context.Context, r Referral) error

	// GetReferral returns ledger.ErrNotFound when id is unknown.
	GetReferral(ctx context.Context, id string) (*Referral, error)

	// PendingReferralFor returns the user's pending referral, or nil.
	PendingReferralFor(ctx context.Context, referredID ledger.UserID) (*Referral, error)

	// PendingReferrals pages through pending referrals ordered by id,
	// starting after the given id ("" for the first page).
	PendingReferrals(ctx context.Context, afterID string, limit int) ([]Referral, error)

	// CompleteReferral moves the referral pending → completed and inserts
	// reward in one storage transaction. Returns false, and writes nothing,
	// when the referral was no longer pending. A reward for the same
	// referral is never inserted twice.
	CompleteReferral(ctx context.Context, referralID string, completedAt time.Time, reward PendingReward) (bool, error)

	// RewardForReferral returns the referral's pending reward, or nil.
	RewardForReferral(ctx context.Context, referralID string) (*PendingReward, error)

	// ClaimDueRewards moves up to limit due rewards to in_progress and
	// returns them. Due means scheduled with scheduled_at <= now, or
	// in_progress with a claim older than lease (a worker died mid-flight).
	// Two concurrent callers never receive the same reward.
	ClaimDueRewards(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]PendingReward, error)

	// MarkRewardSettled records the credit that paid the reward. Settling an
	// already settled reward is a no-op.
	MarkRewardSettled(ctx context.Context, rewardID string, txID ledger.TransactionID, at time.Time) error

	// MarkRewardFailed records a failed attempt by the worker holding the
	// claim taken at claimedAt. The reward goes back to scheduled until
	// maxAttempts is reached, then to failed. Returns the resulting status.
	// A settled reward is left alone. A reward no longer held under that
	// claim returns ErrClaimLost and is not changed.
	MarkRewardFailed(ctx context.Context, rewardID string, claimedAt time.Time, cause string, maxAttempts int) (RewardStatus, error)
}

// ActivityStore keeps the completed-activity evidence.
type ActivityStore interface {
	// RecordActivity stores an activity. Recording the same id twice is a
	// no-op.
	RecordActivity(ctx context.Context, a Activity) error

	// LatestActivity returns the user's most recent completed activity, or nil.
	LatestActivity(ctx context.Context, userID ledger.UserID) (*Activity, error)
}
