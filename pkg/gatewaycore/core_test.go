package gatewaycore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/approvalstore"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/authz"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/guardianport"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/hashintegrity"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/marketdata"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/notify"
)

// stubGuardianPort satisfies guardianport.Port without the HTTP machinery.
type stubGuardianPort struct{ locked bool }

func (s *stubGuardianPort) IsLocked(ctx context.Context) (bool, error) { return s.locked, nil }
func (s *stubGuardianPort) GetStatus(ctx context.Context) (guardianport.Status, error) {
	state := "UNLOCKED"
	if s.locked {
		state = "LOCKED"
	}
	return guardianport.Status{State: state}, nil
}
func (s *stubGuardianPort) Subscribe(handler func(guardianport.LockEvent)) {}

type fakeMarket struct {
	quote marketdata.Quote
	err   error
}

func (f *fakeMarket) Quote(ctx context.Context, instrument string) (marketdata.Quote, error) {
	return f.quote, f.err
}

func newTestCore(t *testing.T, locked bool, maxSlippage contracts.Money) (*Core, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("unexpected error opening stub db: %s", err)
	}
	store := approvalstore.New(db)
	gate := authz.NewGate([]string{"op-1"})
	hub := notify.NewHub(nil, nil, nil)
	market := &fakeMarket{quote: marketdata.Quote{
		Bid: contracts.Money{Units: 109240, Scale: 5},
		Ask: contracts.Money{Units: 109260, Scale: 5},
		Mid: contracts.Money{Units: 109250, Scale: 5},
	}}

	core := New(store, &stubGuardianPort{locked: locked}, market, gate, hub, Config{
		Enabled:        true,
		TimeoutSeconds: 300,
		SlippageMaxPct: maxSlippage,
	})
	return core, mock
}

func TestCore_CreateApproval_HITLDisabled_AutoApproves(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("unexpected error opening stub db: %s", err)
	}
	store := approvalstore.New(db)
	gate := authz.NewGate([]string{"op-1"})
	hub := notify.NewHub(nil, nil, nil)
	core := New(store, &stubGuardianPort{}, &fakeMarket{}, gate, hub, Config{Enabled: false})

	sig := contracts.Signal{TradeID: "trade-1", Instrument: "EURUSD", CorrelationID: "corr-1"}
	req, decision, err := core.CreateApproval(context.Background(), sig)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if req != nil {
		t.Error("expected nil ApprovalRequest when HITL disabled")
	}
	if decision == nil || decision.Reason != contracts.ReasonHITLDisabled {
		t.Fatalf("expected HITL_DISABLED decision, got %+v", decision)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expected no DB interaction, got: %s", err)
	}
}

func TestCore_CreateApproval_GuardianLocked_Blocks(t *testing.T) {
	core, _ := newTestCore(t, true, contracts.Money{Units: 50, Scale: 2})

	sig := contracts.Signal{
		TradeID: "trade-2", Instrument: "EURUSD", CorrelationID: "corr-2",
		RequestPrice: contracts.Money{Units: 109250, Scale: 5},
	}
	_, _, err := core.CreateApproval(context.Background(), sig)
	gwErr, ok := err.(*contracts.GatewayError)
	if !ok || gwErr.Code != contracts.SecGuardianLocked {
		t.Fatalf("expected SEC-020, got %v", err)
	}
}

// create() has no slippage step at all (spec.md §4.6) — the check lives in
// decide(), exercised below by TestCore_Decide_SlippageExceeded_RejectsApprove.
func TestCore_CreateApproval_PersistsAwaitingApproval(t *testing.T) {
	core, mock := newTestCore(t, false, contracts.Money{Units: 1000, Scale: 2})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO approval_requests").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO audit_entries").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	sig := contracts.Signal{
		TradeID: "trade-3", Instrument: "EURUSD", CorrelationID: "corr-3",
		RequestPrice: contracts.Money{Units: 200000, Scale: 5},
	}
	req, decision, err := core.CreateApproval(context.Background(), sig)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if decision != nil {
		t.Errorf("expected no immediate decision, got %+v", decision)
	}
	if req == nil || req.Status != contracts.StatusAwaitingApproval {
		t.Fatalf("expected an AWAITING_APPROVAL request, got %+v", req)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %s", err)
	}
}

func TestCore_Decide_UnauthorizedOperator_Denied(t *testing.T) {
	core, mock := newTestCore(t, false, contracts.Money{Units: 1000, Scale: 2})
	mock.ExpectExec("INSERT INTO audit_entries").WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := core.Decide(context.Background(), "trade-4", "not-an-operator",
		contracts.DecisionApprove, contracts.ChannelWeb, "", "corr-4")
	gwErr, ok := err.(*contracts.GatewayError)
	if !ok || gwErr.Code != contracts.SecUnauthorized {
		t.Fatalf("expected SEC-090, got %v", err)
	}
}

// A guardian lock that lands after create but before decide must still
// block the decision (Testable Property 2, guardian supremacy for every
// operation, not just create).
func TestCore_Decide_GuardianLockedAfterCreate_Blocks(t *testing.T) {
	core, mock := newTestCore(t, true, contracts.Money{Units: 1000, Scale: 2})
	mock.ExpectExec("INSERT INTO audit_entries").WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := core.Decide(context.Background(), "trade-5", "op-1",
		contracts.DecisionApprove, contracts.ChannelWeb, "", "corr-5")
	gwErr, ok := err.(*contracts.GatewayError)
	if !ok || gwErr.Code != contracts.SecGuardianLocked {
		t.Fatalf("expected SEC-020, got %v", err)
	}
}

func requestRows(req *contracts.ApprovalRequest) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "trade_id", "instrument", "side",
		"risk_pct_units", "risk_pct_scale", "confidence_units", "confidence_scale",
		"request_price_units", "request_price_scale",
		"reasoning_summary", "correlation_id", "status",
		"requested_at", "expires_at", "decided_at", "decided_by", "decision_channel", "decision_reason", "row_hash",
	}).AddRow(
		req.ID, req.TradeID, req.Instrument, string(req.Side),
		req.RiskPct.Units, req.RiskPct.Scale, req.Confidence.Units, req.Confidence.Scale,
		req.RequestPrice.Units, req.RequestPrice.Scale,
		[]byte(`{"trend":"BULLISH","volatility":"LOW","signal_confluence":[]}`), req.CorrelationID, string(req.Status),
		req.RequestedAt, req.ExpiresAt, nil, nil, nil, nil, req.RowHash,
	)
}

func awaitingRequest(tradeID string, now time.Time) *contracts.ApprovalRequest {
	req := &contracts.ApprovalRequest{
		ID:            "appr-" + tradeID,
		TradeID:       tradeID,
		Instrument:    "EURUSD",
		Side:          contracts.SideBuy,
		RiskPct:       contracts.Money{Units: 150, Scale: 2},
		Confidence:    contracts.Money{Units: 8700, Scale: 2},
		RequestPrice:  contracts.Money{Units: 109250, Scale: 5},
		ReasoningSummary: contracts.ReasoningSummary{
			Trend: "BULLISH", Volatility: "LOW", SignalConfluence: []string{},
		},
		CorrelationID: "corr-" + tradeID,
		Status:        contracts.StatusAwaitingApproval,
		RequestedAt:   now,
		ExpiresAt:     now.Add(5 * time.Minute),
	}
	hash, err := hashintegrity.Compute(req)
	if err != nil {
		panic(err)
	}
	req.RowHash = hash
	return req
}

func mustHash(req *contracts.ApprovalRequest) string {
	hash, err := hashintegrity.Compute(req)
	if err != nil {
		panic(err)
	}
	return hash
}

// A row whose hash no longer matches its contents must halt the decision
// (SEC-080) and alert rather than be trusted (spec.md §4.6 decide step 3).
func TestCore_Decide_HashMismatchOnLoad_Halts(t *testing.T) {
	core, mock := newTestCore(t, false, contracts.Money{Units: 1000, Scale: 2})
	now := time.Now().UTC()
	req := awaitingRequest("trade-6", now)
	req.Instrument = "GBPUSD" // tamper after hashing

	mock.ExpectQuery("SELECT id, trade_id, instrument, side").WillReturnRows(requestRows(req))
	mock.ExpectExec("INSERT INTO audit_entries").WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := core.Decide(context.Background(), "trade-6", "op-1",
		contracts.DecisionApprove, contracts.ChannelWeb, "", "corr-6")
	gwErr, ok := err.(*contracts.GatewayError)
	if !ok || gwErr.Code != contracts.SecHashMismatch {
		t.Fatalf("expected SEC-080, got %v", err)
	}
}

// A decision arriving after a quote has moved beyond the configured
// slippage band rejects an APPROVE outcome (Scenario S2, spec.md §8),
// which the old signature (no price/quote capability inside Decide) could
// not express.
func TestCore_Decide_SlippageExceeded_RejectsApprove(t *testing.T) {
	core, mock := newTestCore(t, false, contracts.Money{Units: 1, Scale: 4}) // 0.0001% max
	now := time.Now().UTC()
	req := awaitingRequest("trade-7", now)
	req.RequestPrice = contracts.Money{Units: 200000, Scale: 5} // far from the 1.0925 quote mid
	req.RowHash = mustHash(req)
	rejected := *req
	rejected.Status = contracts.StatusRejected

	mock.ExpectQuery("SELECT id, trade_id, instrument, side").WillReturnRows(requestRows(req))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE approval_requests").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, trade_id, instrument, side").WillReturnRows(requestRows(&rejected))
	mock.ExpectExec("UPDATE approval_requests SET row_hash").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO post_trade_snapshots").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO audit_entries").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	decided, err := core.Decide(context.Background(), "trade-7", "op-1",
		contracts.DecisionApprove, contracts.ChannelWeb, "", "corr-7")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if decided.Status != contracts.StatusRejected {
		t.Fatalf("expected a slippage breach to force REJECTED, got %s", decided.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %s", err)
	}
}

// A late decision loses to the clock and is auto-rejected with
// HITL_TIMEOUT, the same outcome the Expiry Worker would have produced.
func TestCore_Decide_PastExpiry_AutoRejectsAsTimeout(t *testing.T) {
	core, mock := newTestCore(t, false, contracts.Money{Units: 1000, Scale: 2})
	past := time.Now().UTC().Add(-time.Hour)
	req := awaitingRequest("trade-8", past)
	rejected := *req
	rejected.Status = contracts.StatusRejected

	mock.ExpectQuery("SELECT id, trade_id, instrument, side").WillReturnRows(requestRows(req))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE approval_requests").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, trade_id, instrument, side").WillReturnRows(requestRows(&rejected))
	mock.ExpectExec("UPDATE approval_requests SET row_hash").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_entries").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	decided, err := core.Decide(context.Background(), "trade-8", "op-1",
		contracts.DecisionApprove, contracts.ChannelWeb, "", "corr-8")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if decided.Status != contracts.StatusRejected {
		t.Fatalf("expected a past-expiry decide to be REJECTED, got %s", decided.Status)
	}
}

// RecoverOnStartup must auto-reject a tampered row as HASH_MISMATCH and
// alert without re-announcing it (Scenario S5), and must re-emit
// hitl.created only for the true survivors.
func TestCore_RecoverOnStartup_RejectsTamperedRow(t *testing.T) {
	core, mock := newTestCore(t, false, contracts.Money{Units: 1000, Scale: 2})
	now := time.Now().UTC()
	good := awaitingRequest("trade-9", now)
	tampered := awaitingRequest("trade-10", now)
	tampered.Instrument = "GBPUSD"

	rows := sqlmock.NewRows([]string{
		"id", "trade_id", "instrument", "side",
		"risk_pct_units", "risk_pct_scale", "confidence_units", "confidence_scale",
		"request_price_units", "request_price_scale",
		"reasoning_summary", "correlation_id", "status",
		"requested_at", "expires_at", "decided_at", "decided_by", "decision_channel", "decision_reason", "row_hash",
	})
	for _, req := range []*contracts.ApprovalRequest{good, tampered} {
		rows.AddRow(
			req.ID, req.TradeID, req.Instrument, string(req.Side),
			req.RiskPct.Units, req.RiskPct.Scale, req.Confidence.Units, req.Confidence.Scale,
			req.RequestPrice.Units, req.RequestPrice.Scale,
			[]byte(`{"trend":"BULLISH","volatility":"LOW","signal_confluence":[]}`), req.CorrelationID, string(req.Status),
			req.RequestedAt, req.ExpiresAt, nil, nil, nil, nil, req.RowHash,
		)
	}
	mock.ExpectQuery("SELECT id, trade_id, instrument, side").WillReturnRows(rows)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE approval_requests").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, trade_id, instrument, side").WillReturnRows(requestRows(tampered))
	mock.ExpectExec("UPDATE approval_requests SET row_hash").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_entries").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	survivors, err := core.RecoverOnStartup(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(survivors) != 1 || survivors[0].TradeID != "trade-9" {
		t.Fatalf("expected only the untampered row to survive, got %+v", survivors)
	}
}
