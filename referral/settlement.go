/*
settlement.go - Maturing pending rewards into ledger credits

FLOW (one run):
  1. Claim up to BatchSize due rewards (scheduled → in_progress)
  2. For each claimed reward, independently:
       AddCredits(referrer, amount, referral_reward, ref=reward.id)
       → MarkRewardSettled(reward, tx.id)
     On error → MarkRewardFailed (retry later, or failed after MaxAttempts)
  3. Report {processed, failed}

WHY TWO INSTANCES CANNOT DOUBLE-CREDIT:
  - The claim hands a reward to one worker only.
  - If a worker dies after crediting but before marking settled, the lease
    expires and another worker re-claims it. Its AddCredits hits the
    idempotency guard (reason referral_reward, reference = reward id) and
    gets the original transaction back as a duplicate, then marks settled.
*/
package referral

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/warp/wallet-ledger/events"
	"github.com/warp/wallet-ledger/ledger"
)

// RunSettlement settles every due reward it can claim. It never returns an
// item error; per-reward failures are counted in the summary.
func (e *Engine) RunSettlement(ctx context.Context) SettlementSummary {
	started := time.Now()
	log := e.logger.Named("settlement")
	now := e.clock.Now()

	var summary SettlementSummary
	claimCtx, cancel := e.withTimeout(ctx)
	claimed, err := e.store.ClaimDueRewards(claimCtx, now, e.cfg.ClaimLease, e.cfg.BatchSize)
	cancel()
	if err != nil {
		log.Error("claim due rewards failed", zap.Error(err))
		summary.Failed++
		e.metrics.SettlementRun(0, summary.Failed, time.Since(started).Seconds())
		return summary
	}

	for _, reward := range claimed {
		if ctx.Err() != nil {
			// Unprocessed claims are picked up again once their lease expires.
			log.Warn("settlement interrupted", zap.Error(ctx.Err()))
			break
		}
		if err := e.settle(ctx, log, reward); err != nil {
			summary.Failed++
			continue
		}
		summary.Processed++
	}

	e.metrics.SettlementRun(summary.Processed, summary.Failed, time.Since(started).Seconds())
	if len(claimed) > 0 {
		log.Info("settlement run finished",
			zap.Int("claimed", len(claimed)),
			zap.Int("processed", summary.Processed),
			zap.Int("failed", summary.Failed))
	}
	return summary
}

func (e *Engine) settle(ctx context.Context, log *zap.Logger, reward PendingReward) error {
	res, err := e.wallet.AddCredits(ctx, ledger.CreditRequest{
		UserID:        reward.ReferrerID,
		Amount:        reward.Amount,
		Currency:      reward.Currency,
		Reason:        ledger.ReasonReferralReward,
		ReferenceID:   reward.ID,
		ReferenceType: ReferenceTypePendingReward,
		Description:   "Referral reward",
		Metadata: map[string]string{
			"referral_id":     reward.ReferralID,
			"call_session_id": reward.CallSessionID,
		},
	})
	if err != nil {
		e.fail(ctx, log, reward, err)
		return err
	}

	markCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	if err := e.store.MarkRewardSettled(markCtx, reward.ID, res.Transaction.ID, e.clock.Now()); err != nil {
		// The credit exists; the next attempt finds it through the guard.
		e.fail(ctx, log, reward, err)
		return err
	}

	log.Info("reward settled",
		zap.String("pending_reward_id", reward.ID),
		zap.String("referrer_id", string(reward.ReferrerID)),
		zap.String("tx_id", string(res.Transaction.ID)),
		zap.Bool("duplicate", res.Duplicate))

	if !res.Duplicate {
		e.publishReward(ctx, log, events.TypeRewardSettled, reward, res.Transaction.ID, "")
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, log *zap.Logger, reward PendingReward, cause error) {
	markCtx, cancel := e.withTimeout(ctx)
	defer cancel()

	var claimedAt time.Time
	if reward.ClaimedAt != nil {
		claimedAt = *reward.ClaimedAt
	}
	status, err := e.store.MarkRewardFailed(markCtx, reward.ID, claimedAt, cause.Error(), e.cfg.MaxAttempts)
	if errors.Is(err, ErrClaimLost) {
		log.Warn("reward claim expired before failure was recorded",
			zap.String("pending_reward_id", reward.ID),
			zap.String("status", string(status)),
			zap.NamedError("cause", cause))
		return
	}
	if err != nil {
		// Left in_progress; the claim lease brings it back.
		log.Error("mark reward failed",
			zap.String("pending_reward_id", reward.ID),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}

	fields := []zap.Field{
		zap.String("pending_reward_id", reward.ID),
		zap.Int("attempt", reward.Attempts+1),
		zap.String("status", string(status)),
		zap.Error(cause),
	}
	if status == RewardFailed {
		log.Error("reward settlement abandoned", fields...)
		e.publishReward(ctx, log, events.TypeRewardFailed, reward, "", cause.Error())
		return
	}
	log.Warn("reward settlement failed, will retry", fields...)
}

func (e *Engine) publishReward(ctx context.Context, log *zap.Logger, eventType string, reward PendingReward, txID ledger.TransactionID, cause string) {
	ev := events.Event{
		Type:          eventType,
		UserID:        string(reward.ReferrerID),
		TransactionID: string(txID),
		ReferralID:    reward.ReferralID,
		Reason:        string(ledger.ReasonReferralReward),
		Amount:        reward.Amount.String(),
		Currency:      string(reward.Currency),
		Timestamp:     e.clock.Now(),
	}
	if cause != "" {
		ev.Metadata = map[string]string{"error": cause}
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		log.Warn("event publish failed", zap.String("event", eventType), zap.Error(err))
	}
}
