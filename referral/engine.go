/*
engine.go - Referral state machine

PURPOSE:
  Engine owns every referral transition. Both triggers (a delivered
  "activity completed" event and the reconciliation job) go through the same
  complete() path, so the rules below hold no matter which one fires first.

TRANSITION RULES:
  1. No pending referral for the user        → no-op
  2. Program inactive                        → no-op, referral stays pending
  3. Reward amount not configured            → no-op, referral stays pending
  4. Otherwise CAS pending → completed and schedule one PendingReward in the
     same storage transaction. Losing the CAS is not an error.

EVIDENCE:
  Completed activities are stored by RecordActivity, which the call service
  invokes on its own path, and by NotifyActivityCompleted. Reconciliation
  reads this evidence, so a trigger that never arrives is still repaired.

REWARD SNAPSHOT:
  Amount and currency are read from the program settings when the referral
  completes and stored on the PendingReward. Changing the reward later does
  not alter rewards already scheduled.
*/
package referral

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/wallet-ledger/events"
	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/metrics"
	"github.com/warp/wallet-ledger/settings"
)

const (
	DefaultSettlementDelay    = 24 * time.Hour
	DefaultSettlementBatch    = 100
	DefaultClaimLease         = 10 * time.Minute
	DefaultMaxAttempts        = 5
	DefaultReconcileBatchSize = 200

	triggerEvent     = "event"
	triggerReconcile = "reconcile"
)

// Crediter is the slice of the ledger the engine pays rewards through.
type Crediter interface {
	AddCredits(ctx context.Context, req ledger.CreditRequest) (ledger.CreditResult, error)
}

type Config struct {
	// SettlementDelay separates a completed call from the reward credit.
	SettlementDelay time.Duration

	// BatchSize caps the rewards claimed by one settlement run.
	BatchSize int

	// ClaimLease is how long an in_progress claim is honoured before another
	// worker may take the reward over.
	ClaimLease time.Duration

	// MaxAttempts is the number of failed settlements before a reward is
	// marked failed.
	MaxAttempts int

	ReconcileBatchSize int

	// StorageTimeout bounds each storage round of an operation.
	StorageTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		SettlementDelay:    DefaultSettlementDelay,
		BatchSize:          DefaultSettlementBatch,
		ClaimLease:         DefaultClaimLease,
		MaxAttempts:        DefaultMaxAttempts,
		ReconcileBatchSize: DefaultReconcileBatchSize,
		StorageTimeout:     ledger.DefaultStorageTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SettlementDelay < 0 {
		c.SettlementDelay = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = d.ClaimLease
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.ReconcileBatchSize <= 0 {
		c.ReconcileBatchSize = d.ReconcileBatchSize
	}
	if c.StorageTimeout <= 0 {
		c.StorageTimeout = d.StorageTimeout
	}
	return c
}

type Options struct {
	Config    Config
	Clock     ledger.Clock
	Logger    *zap.Logger
	Publisher events.Publisher
	Metrics   *metrics.Metrics
}

type Engine struct {
	store     Store
	wallet    Crediter
	program   settings.Source
	clock     ledger.Clock
	logger    *zap.Logger
	publisher events.Publisher
	metrics   *metrics.Metrics
	cfg       Config
}

func NewEngine(store Store, wallet Crediter, program settings.Source, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = ledger.SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	return &Engine{
		store:     store,
		wallet:    wallet,
		program:   program,
		clock:     opts.Clock,
		logger:    opts.Logger.Named("referral"),
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		cfg:       opts.Config.withDefaults(),
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.StorageTimeout)
}

// =============================================================================
// SIGNUP
// =============================================================================

// CreateReferral records that referrerID brought in referredID.
func (e *Engine) CreateReferral(ctx context.Context, referrerID, referredID ledger.UserID) (Referral, error) {
	if referrerID == "" {
		return Referral{}, &ledger.ValidationError{Field: "referrer_id", Message: "required"}
	}
	if referredID == "" {
		return Referral{}, &ledger.ValidationError{Field: "referred_id", Message: "required"}
	}
	if referrerID == referredID {
		return Referral{}, ErrSelfReferral
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	r := Referral{
		ID:         uuid.NewString(),
		ReferrerID: referrerID,
		ReferredID: referredID,
		Status:     StatusPending,
		CreatedAt:  e.clock.Now(),
	}
	if err := e.store.CreateReferral(ctx, r); err != nil {
		if errors.Is(err, ErrReferralExists) {
			return Referral{}, err
		}
		return Referral{}, ledger.Persistence("create referral", err)
	}

	e.logger.Info("referral created",
		zap.String("referral_id", r.ID),
		zap.String("referrer_id", string(r.ReferrerID)),
		zap.String("referred_id", string(r.ReferredID)))
	return r, nil
}

// GetReferral returns the referral and its pending reward (nil while the
// referral is still pending).
func (e *Engine) GetReferral(ctx context.Context, id string) (Referral, *PendingReward, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	r, err := e.store.GetReferral(ctx, id)
	if err != nil {
		if ledger.IsNotFound(err) {
			return Referral{}, nil, err
		}
		return Referral{}, nil, ledger.Persistence("get referral", err)
	}
	reward, err := e.store.RewardForReferral(ctx, id)
	if err != nil {
		return Referral{}, nil, ledger.Persistence("get pending reward", err)
	}
	return *r, reward, nil
}

// =============================================================================
// ACTIVITY TRIGGER
// =============================================================================

func (e *Engine) activity(userID ledger.UserID, activityID string, completedAt time.Time) (Activity, error) {
	if userID == "" {
		return Activity{}, &ledger.ValidationError{Field: "user_id", Message: "required"}
	}
	if activityID == "" {
		return Activity{}, &ledger.ValidationError{Field: "activity_id", Message: "required"}
	}
	if completedAt.IsZero() {
		completedAt = e.clock.Now()
	}
	return Activity{ID: activityID, UserID: userID, CompletedAt: completedAt.UTC()}, nil
}

// RecordActivity stores evidence of a completed activity without attempting
// the referral transition. The call-session service reports every finished
// call here, so reconciliation can complete referrals whose trigger never
// arrived. Recording the same activity twice is a no-op.
func (e *Engine) RecordActivity(ctx context.Context, userID ledger.UserID, activityID string, completedAt time.Time) error {
	activity, err := e.activity(userID, activityID, completedAt)
	if err != nil {
		return err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	if err := e.store.RecordActivity(ctx, activity); err != nil {
		return ledger.Persistence("record activity", err)
	}
	e.logger.Debug("activity recorded",
		zap.String("user_id", string(userID)),
		zap.String("activity_id", activityID))
	return nil
}

// NotifyActivityCompleted handles a qualifying activity of userID. It is safe
// to call any number of times for the same activity.
func (e *Engine) NotifyActivityCompleted(ctx context.Context, userID ledger.UserID, activityID string, completedAt time.Time) (Outcome, error) {
	activity, err := e.activity(userID, activityID, completedAt)
	if err != nil {
		return "", err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	// Evidence lets reconciliation act once the program is switched on. A
	// failed write does not block the transition itself.
	if err := e.store.RecordActivity(ctx, activity); err != nil {
		e.logger.Warn("record activity failed",
			zap.String("user_id", string(userID)),
			zap.String("activity_id", activityID),
			zap.Error(err))
	}

	ref, err := e.store.PendingReferralFor(ctx, userID)
	if err != nil {
		return "", ledger.Persistence("find pending referral", err)
	}
	if ref == nil {
		e.logger.Debug("no pending referral", zap.String("user_id", string(userID)))
		return OutcomeNoReferral, nil
	}

	return e.complete(ctx, *ref, activity, triggerEvent)
}

func (e *Engine) complete(ctx context.Context, ref Referral, activity Activity, trigger string) (Outcome, error) {
	program, err := e.program.Program(ctx)
	if err != nil {
		return "", ledger.Persistence("read referral program", err)
	}
	if !program.Active {
		e.logger.Info("referral program inactive, transition skipped",
			zap.String("referral_id", ref.ID),
			zap.String("trigger", trigger))
		return OutcomeProgramInactive, nil
	}
	if !program.RewardAmount.IsPositive() {
		e.logger.Warn("referral reward amount not configured, transition skipped",
			zap.String("referral_id", ref.ID))
		return OutcomeRewardUnset, nil
	}

	now := e.clock.Now()
	reward := PendingReward{
		ID:            uuid.NewString(),
		ReferralID:    ref.ID,
		ReferrerID:    ref.ReferrerID,
		Amount:        program.RewardAmount,
		Currency:      program.RewardCurrency,
		CallSessionID: activity.ID,
		CallEndTime:   activity.CompletedAt,
		ScheduledAt:   activity.CompletedAt.Add(e.cfg.SettlementDelay),
		Status:        RewardScheduled,
		CreatedAt:     now,
	}

	won, err := e.store.CompleteReferral(ctx, ref.ID, now, reward)
	if err != nil {
		return "", ledger.Persistence("complete referral", err)
	}
	if !won {
		e.logger.Debug("referral already completed", zap.String("referral_id", ref.ID))
		return OutcomeAlreadyCompleted, nil
	}

	e.metrics.ReferralCompleted(trigger)
	e.logger.Info("referral completed",
		zap.String("referral_id", ref.ID),
		zap.String("referrer_id", string(ref.ReferrerID)),
		zap.String("call_session_id", activity.ID),
		zap.Time("scheduled_at", reward.ScheduledAt),
		zap.String("trigger", trigger))

	if err := e.publisher.Publish(ctx, events.Event{
		Type:       events.TypeReferralDone,
		UserID:     string(ref.ReferrerID),
		ReferralID: ref.ID,
		Amount:     reward.Amount.String(),
		Currency:   string(reward.Currency),
		Metadata:   map[string]string{"referred_id": string(ref.ReferredID), "pending_reward_id": reward.ID},
		Timestamp:  now,
	}); err != nil {
		e.logger.Warn("event publish failed", zap.String("event", events.TypeReferralDone), zap.Error(err))
	}
	return OutcomeCompleted, nil
}
