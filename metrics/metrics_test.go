package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CreditAppended("purchase")
	m.CreditAppended("purchase")
	m.DuplicateCredit("purchase")
	m.DebitAppended("booking")
	m.InsufficientBalance()
	m.SettlementRun(3, 1, 0.2)
	m.ReferralCompleted("reconcile")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.credits.WithLabelValues("purchase")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.duplicateCredits.WithLabelValues("purchase")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.debits.WithLabelValues("booking")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.insufficientBalance))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.rewardsSettled))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rewardsFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.referralsCompleted.WithLabelValues("reconcile")))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CreditAppended("purchase")
		m.DuplicateCredit("purchase")
		m.DebitAppended("booking")
		m.InsufficientBalance()
		m.SettlementRun(1, 0, 0.1)
		m.ReferralCompleted("event")
	})
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
