/*
scheduler.go - Settlement and reconciliation scheduler

PURPOSE:
  Runs the two background jobs of the referral engine on fixed intervals:
    settlement      every SettlementInterval (default 1 minute)
    reconciliation  every ReconcileInterval  (default 1 hour)

DESIGN:
  - One goroutine per job, each with its own ticker
  - Each job runs once immediately on start
  - A job run never overlaps itself within one process; concurrent runs
    across processes are safe because rewards are claimed
  - Stop cancels the context handed to the jobs and waits for them

USAGE:
  scheduler := NewScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - referral/settlement.go: RunSettlement
  - referral/reconcile.go: ReconcileReferrals
  - handlers.go: manual triggers under /api/admin
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/wallet-ledger/referral"
)

// Jobs is what the scheduler runs.
type Jobs interface {
	RunSettlement(ctx context.Context) referral.SettlementSummary
	ReconcileReferrals(ctx context.Context) referral.ReconcileSummary
}

// Scheduler handles periodic settlement and reconciliation.
type Scheduler struct {
	Jobs               Jobs
	SettlementInterval time.Duration
	ReconcileInterval  time.Duration
	Enabled            bool

	logger *zap.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	settleMu    sync.Mutex
	reconcileMu sync.Mutex
}

// NewScheduler creates a new scheduler.
func NewScheduler(jobs Jobs, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		Jobs:               jobs,
		SettlementInterval: time.Minute,
		ReconcileInterval:  time.Hour,
		Enabled:            true,
		logger:             logger.Named("scheduler"),
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("disabled, not starting")
		return
	}
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.loop(ctx, s.SettlementInterval, s.settle)
	go s.loop(ctx, s.ReconcileInterval, s.reconcile)

	s.logger.Info("started",
		zap.Duration("settlement_interval", s.SettlementInterval),
		zap.Duration("reconcile_interval", s.ReconcileInterval))
}

// Stop stops the scheduler and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
		s.cancel = nil
		s.logger.Info("stopped")
	}
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, job func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on start
	job(ctx)

	for {
		select {
		case <-ticker.C:
			job(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) settle(ctx context.Context) {
	s.settleMu.Lock()
	defer s.settleMu.Unlock()

	summary := s.Jobs.RunSettlement(ctx)
	if summary.Processed > 0 || summary.Failed > 0 {
		s.logger.Info("settlement completed",
			zap.Int("processed", summary.Processed),
			zap.Int("failed", summary.Failed))
	}
}

func (s *Scheduler) reconcile(ctx context.Context) {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	summary := s.Jobs.ReconcileReferrals(ctx)
	if summary.Updated > 0 || summary.Errors > 0 {
		s.logger.Info("reconciliation completed",
			zap.Int("updated", summary.Updated),
			zap.Int("errors", summary.Errors))
	}
}

// RunNow triggers an immediate settlement run (for testing/admin).
func (s *Scheduler) RunNow(ctx context.Context) {
	s.settle(ctx)
}
