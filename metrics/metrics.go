// Package metrics holds the Prometheus collectors for the wallet engine.
//
// Collectors are registered on a caller-supplied registry rather than the
// global default one, so tests can build as many engines as they like. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wallet"

type Metrics struct {
	credits             *prometheus.CounterVec
	duplicateCredits    *prometheus.CounterVec
	debits              *prometheus.CounterVec
	insufficientBalance prometheus.Counter
	rewardsSettled      prometheus.Counter
	rewardsFailed       prometheus.Counter
	settlementDuration  prometheus.Histogram
	referralsCompleted  *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		credits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_total",
			Help:      "Credit transactions appended, by reason.",
		}, []string{"reason"}),
		duplicateCredits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_credits_total",
			Help:      "Guarded credits answered with an existing transaction, by reason.",
		}, []string{"reason"}),
		debits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debits_total",
			Help:      "Debit transactions appended, by reason.",
		}, []string{"reason"}),
		insufficientBalance: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insufficient_balance_total",
			Help:      "Debits refused for insufficient balance.",
		}),
		rewardsSettled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "rewards_settled_total",
			Help:      "Pending rewards turned into ledger credits.",
		}),
		rewardsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "rewards_failed_total",
			Help:      "Pending reward settlement attempts that failed.",
		}),
		settlementDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "run_duration_seconds",
			Help:      "Duration of one settlement run.",
			Buckets:   prometheus.DefBuckets,
		}),
		referralsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "referral",
			Name:      "completed_total",
			Help:      "Referrals moved to completed, by trigger (event or reconcile).",
		}, []string{"trigger"}),
	}
}

func (m *Metrics) CreditAppended(reason string) {
	if m != nil {
		m.credits.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) DuplicateCredit(reason string) {
	if m != nil {
		m.duplicateCredits.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) DebitAppended(reason string) {
	if m != nil {
		m.debits.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) InsufficientBalance() {
	if m != nil {
		m.insufficientBalance.Inc()
	}
}

func (m *Metrics) SettlementRun(settled, failed int, seconds float64) {
	if m == nil {
		return
	}
	m.rewardsSettled.Add(float64(settled))
	m.rewardsFailed.Add(float64(failed))
	m.settlementDuration.Observe(seconds)
}

func (m *Metrics) ReferralCompleted(trigger string) {
	if m != nil {
		m.referralsCompleted.WithLabelValues(trigger).Inc()
	}
}
