package referral

import (
	"context"

	"go.uber.org/zap"
)

// ReconcileReferrals repairs referrals whose completion event was lost. It
// pages through pending referrals and, for each one whose referred user has
// a recorded completed activity, drives the normal completion transition.
//
// Nothing is changed while the program is inactive.
func (e *Engine) ReconcileReferrals(ctx context.Context) ReconcileSummary {
	log := e.logger.Named("reconcile")
	var summary ReconcileSummary

	programCtx, cancel := e.withTimeout(ctx)
	program, err := e.program.Program(programCtx)
	cancel()
	if err != nil {
		log.Error("read referral program failed", zap.Error(err))
		summary.Errors++
		return summary
	}
	if !program.Active {
		log.Info("referral program inactive, reconciliation skipped")
		return summary
	}

	after := ""
	for ctx.Err() == nil {
		pageCtx, cancel := e.withTimeout(ctx)
		page, err := e.store.PendingReferrals(pageCtx, after, e.cfg.ReconcileBatchSize)
		cancel()
		if err != nil {
			log.Error("list pending referrals failed", zap.String("after", after), zap.Error(err))
			summary.Errors++
			break
		}
		if len(page) == 0 {
			break
		}
		after = page[len(page)-1].ID

		for _, ref := range page {
			summary.Scanned++
			updated, err := e.reconcileOne(ctx, ref)
			if err != nil {
				summary.Errors++
				log.Warn("reconcile referral failed", zap.String("referral_id", ref.ID), zap.Error(err))
				continue
			}
			if updated {
				summary.Updated++
			}
		}

		if len(page) < e.cfg.ReconcileBatchSize {
			break
		}
	}

	log.Info("reconciliation finished",
		zap.Int("scanned", summary.Scanned),
		zap.Int("updated", summary.Updated),
		zap.Int("errors", summary.Errors))
	return summary
}

func (e *Engine) reconcileOne(ctx context.Context, ref Referral) (bool, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	activity, err := e.store.LatestActivity(ctx, ref.ReferredID)
	if err != nil {
		return false, err
	}
	if activity == nil {
		return false, nil
	}

	outcome, err := e.complete(ctx, ref, *activity, triggerReconcile)
	if err != nil {
		return false, err
	}
	return outcome == OutcomeCompleted, nil
}
