/*
handlers_test.go - HTTP tests for the wallet and referral API

Tests for:
- Status codes for every error category
- Duplicate credits (200 vs 201)
- Referral flow end to end over HTTP
- Program settings round trip
- Demo scenarios
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/wallet-ledger/ledger"
	"github.com/warp/wallet-ledger/referral"
	"github.com/warp/wallet-ledger/settings"
	"github.com/warp/wallet-ledger/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.May, 5, 10, 0, 0, 0, time.UTC)

type testServer struct {
	*httptest.Server
	clock *ledger.ManualClock
}

func newTestServer(t *testing.T) *testServer {
	store := memory.New()
	clock := ledger.NewManualClock(t0)
	logger := zaptest.NewLogger(t)

	wallet := ledger.New(store, ledger.Options{Clock: clock, Logger: logger})
	program := settings.NewKVStore(store, settings.Program{
		Active:         true,
		RewardAmount:   decimal.NewFromInt(50),
		RewardCurrency: ledger.CurrencyPrimary,
	})
	engine := referral.NewEngine(store, wallet, program, referral.Options{
		Config: referral.Config{SettlementDelay: 24 * time.Hour},
		Clock:  clock,
		Logger: logger,
	})

	handler := NewHandler(wallet, engine, program, logger)
	handler.Clock = clock
	srv := httptest.NewServer(NewRouter(handler, nil))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, clock: clock}
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) balance(t *testing.T, user string) decimal.Decimal {
	t.Helper()
	var dto BalanceDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/users/"+user+"/balance", nil, &dto))
	return dto.Balances[string(ledger.CurrencyPrimary)]
}

// =============================================================================
// WALLET TESTS
// =============================================================================

func TestAPI_Credits_NewThenDuplicate(t *testing.T) {
	s := newTestServer(t)
	body := map[string]any{"amount": "100", "reason": "purchase", "reference_id": "order-1", "reference_type": "order"}

	var first CreditResponse
	assert.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/users/alice/credits", body, &first))
	assert.False(t, first.Duplicate)
	assert.True(t, decimal.NewFromInt(100).Equal(first.NewBalance))

	var second CreditResponse
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/users/alice/credits", body, &second))
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	assert.True(t, decimal.NewFromInt(100).Equal(s.balance(t, "alice")))
}

func TestAPI_Debits(t *testing.T) {
	s := newTestServer(t)

	credit := map[string]any{"amount": 30, "reason": "purchase", "reference_id": "order-1"}
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/users/alice/credits", credit, nil))

	var debit DebitResponse
	assert.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/users/alice/debits",
		map[string]any{"amount": "20", "reason": "booking"}, &debit))
	assert.True(t, decimal.NewFromInt(10).Equal(debit.NewBalance))

	var errResp ErrorResponse
	assert.Equal(t, http.StatusUnprocessableEntity, s.do(t, http.MethodPost, "/api/users/alice/debits",
		map[string]any{"amount": "20", "reason": "booking"}, &errResp))
	assert.Equal(t, "Insufficient balance", errResp.Error)

	assert.True(t, decimal.NewFromInt(10).Equal(s.balance(t, "alice")))
}

func TestAPI_ValidationErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		path string
		body any
	}{
		{"zero amount", "/api/users/alice/credits", map[string]any{"amount": "0", "reason": "purchase"}},
		{"unknown reason", "/api/users/alice/credits", map[string]any{"amount": "1", "reason": "gift"}},
		{"unknown currency", "/api/users/alice/credits", map[string]any{"amount": "1", "reason": "purchase", "currency": "gold"}},
		{"unknown field", "/api/users/alice/credits", map[string]any{"amount": "1", "reason": "purchase", "bonus": true}},
		{"malformed json", "/api/users/alice/debits", `{"amount":`},
		{"negative debit", "/api/users/alice/debits", map[string]any{"amount": "-5", "reason": "booking"}},
		{"payment without order", "/api/payments/confirmed", map[string]any{"user_id": "alice", "amount": "5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, tt.path, tt.body, nil))
		})
	}

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/users/alice/transactions?limit=abc", nil, nil))
}

func TestAPI_PaymentConfirmed_Idempotent(t *testing.T) {
	s := newTestServer(t)
	body := PaymentConfirmedRequest{UserID: "alice", OrderID: "order-9", Amount: decimal.RequireFromString("19.99")}

	assert.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/payments/confirmed", body, nil))
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/payments/confirmed", body, nil))

	var txs []TransactionDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/users/alice/transactions?reason=purchase", nil, &txs))
	require.Len(t, txs, 1)
	assert.Equal(t, "order-9", txs[0].Metadata[ledger.MetadataReferenceID])
	assert.Nil(t, txs[0].ReferenceID)
}

// =============================================================================
// REFERRAL TESTS
// =============================================================================

func TestAPI_ReferralFlow(t *testing.T) {
	// GIVEN: alice refers bob, program reward 50
	// WHEN: bob finishes a call and settlement runs after the delay
	// THEN: alice's balance is 50
	s := newTestServer(t)

	var ref ReferralDTO
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/referrals/",
		CreateReferralRequest{ReferrerID: "alice", ReferredID: "bob"}, &ref))
	assert.Equal(t, "pending", ref.Status)

	completedAt := t0
	var outcome ActivityCompletedResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/activities/completed",
		ActivityCompletedRequest{UserID: "bob", ActivityID: "call-1", CompletedAt: &completedAt}, &outcome))
	assert.Equal(t, string(referral.OutcomeCompleted), outcome.Outcome)

	var got ReferralDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/referrals/"+ref.ID, nil, &got))
	assert.Equal(t, "completed", got.Status)
	require.NotNil(t, got.Reward)
	assert.Equal(t, "scheduled", got.Reward.Status)

	s.clock.Set(t0.Add(24*time.Hour + time.Second))
	var summary referral.SettlementSummary
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/admin/settlement/run", nil, &summary))
	assert.Equal(t, referral.SettlementSummary{Processed: 1}, summary)

	assert.True(t, decimal.NewFromInt(50).Equal(s.balance(t, "alice")))
}

func TestAPI_RecordedActivityRepairsLostTrigger(t *testing.T) {
	// GIVEN: the call service reported bob's call, but the completion
	//        trigger never arrived
	// WHEN: reconciliation runs
	// THEN: the referral completes from the recorded call
	s := newTestServer(t)

	var ref ReferralDTO
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/referrals/",
		CreateReferralRequest{ReferrerID: "alice", ReferredID: "bob"}, &ref))

	completedAt := t0
	require.Equal(t, http.StatusAccepted, s.do(t, http.MethodPost, "/api/activities/",
		ActivityCompletedRequest{UserID: "bob", ActivityID: "call-1", CompletedAt: &completedAt}, nil))

	var got ReferralDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/referrals/"+ref.ID, nil, &got))
	assert.Equal(t, "pending", got.Status)

	var summary referral.ReconcileSummary
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/admin/referrals/reconcile", nil, &summary))
	assert.Equal(t, referral.ReconcileSummary{Scanned: 1, Updated: 1}, summary)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/referrals/"+ref.ID, nil, &got))
	assert.Equal(t, "completed", got.Status)

	// Missing activity id
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/activities/",
		ActivityCompletedRequest{UserID: "bob"}, nil))
}

func TestAPI_ReferralErrors(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/referrals/",
		CreateReferralRequest{ReferrerID: "alice", ReferredID: "alice"}, nil))

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/referrals/",
		CreateReferralRequest{ReferrerID: "alice", ReferredID: "bob"}, nil))
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/referrals/",
		CreateReferralRequest{ReferrerID: "carol", ReferredID: "bob"}, nil))

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/referrals/does-not-exist", nil, nil))
}

// =============================================================================
// ADMIN TESTS
// =============================================================================

func TestAPI_ProgramSettings(t *testing.T) {
	s := newTestServer(t)

	var p ProgramDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/admin/referral-program", nil, &p))
	assert.True(t, p.Active)
	assert.True(t, decimal.NewFromInt(50).Equal(p.RewardAmount))

	update := ProgramDTO{Active: false, RewardAmount: decimal.NewFromInt(25), RewardCurrency: "secondary"}
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, "/api/admin/referral-program", update, nil))

	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/admin/referral-program", nil, &p))
	assert.False(t, p.Active)
	assert.True(t, decimal.NewFromInt(25).Equal(p.RewardAmount))
	assert.Equal(t, "secondary", p.RewardCurrency)

	bad := ProgramDTO{Active: true, RewardAmount: decimal.NewFromInt(-1)}
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPut, "/api/admin/referral-program", bad, nil))
}

func TestAPI_Reconcile(t *testing.T) {
	s := newTestServer(t)

	var summary referral.ReconcileSummary
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/admin/referrals/reconcile", nil, &summary))
	assert.Equal(t, referral.ReconcileSummary{}, summary)
}

// =============================================================================
// SCENARIO TESTS
// =============================================================================

func TestAPI_Scenarios_List(t *testing.T) {
	s := newTestServer(t)

	var list []ScenarioDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/admin/scenarios", nil, &list))
	require.Len(t, list, len(scenarios))
	assert.Equal(t, "first-purchase", list[0].ID)
}

func TestAPI_Scenarios_Load(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: first-purchase loaded
	var res ScenarioResultDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/admin/scenarios/load",
		LoadScenarioRequest{ScenarioID: "first-purchase"}, &res))
	require.Len(t, res.Users, 1)

	// THEN: the replayed webhook was a duplicate and 100 - 60 remains
	assert.Contains(t, res.Notes, "replayed payment duplicate=true")
	assert.True(t, decimal.NewFromInt(40).Equal(s.balance(t, res.Users[0])))

	// WHEN: loaded again
	var again ScenarioResultDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/admin/scenarios/load",
		LoadScenarioRequest{ScenarioID: "first-purchase"}, &again))

	// THEN: fresh users, nothing shared
	assert.NotEqual(t, res.Users[0], again.Users[0])
}

func TestAPI_Scenarios_ReferralReward(t *testing.T) {
	s := newTestServer(t)

	var res ScenarioResultDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/admin/scenarios/load",
		LoadScenarioRequest{ScenarioID: "referral-reward"}, &res))
	require.Len(t, res.Users, 2)

	assert.Contains(t, res.Notes, "settlement processed=1 failed=0")
	assert.True(t, decimal.NewFromInt(50).Equal(s.balance(t, res.Users[0])))
	assert.True(t, s.balance(t, res.Users[1]).IsZero())
}

func TestAPI_Scenarios_OverdraftAndNoShow(t *testing.T) {
	s := newTestServer(t)

	var overdraft ScenarioResultDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/admin/scenarios/load",
		LoadScenarioRequest{ScenarioID: "overdraft"}, &overdraft))
	assert.True(t, decimal.NewFromInt(25).Equal(s.balance(t, overdraft.Users[0])))

	var noShow ScenarioResultDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/admin/scenarios/load",
		LoadScenarioRequest{ScenarioID: "expert-no-show"}, &noShow))
	assert.True(t, decimal.NewFromInt(50).Equal(s.balance(t, noShow.Users[0])))
}

func TestAPI_Scenarios_Unknown(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/admin/scenarios/load",
		LoadScenarioRequest{ScenarioID: "nope"}, nil))
}

func TestAPI_Healthz(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", nil, nil))
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&ledger.ValidationError{Field: "amount", Message: "must be greater than zero"}, http.StatusBadRequest},
		{referral.ErrSelfReferral, http.StatusBadRequest},
		{&ledger.InsufficientBalanceError{}, http.StatusUnprocessableEntity},
		{ledger.ErrNotFound, http.StatusNotFound},
		{referral.ErrReferralExists, http.StatusConflict},
		{ledger.Persistence("add credits", ledger.ErrConcurrencyConflict), http.StatusConflict},
		{ledger.Persistence("add credits", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%v", tt.status, tt.err), func(t *testing.T) {
			status, _ := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
		})
	}
}
