package expiryworker

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/approvalstore"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/hashintegrity"
)

var pendingColumns = []string{
	"id", "trade_id", "instrument", "side",
	"risk_pct_units", "risk_pct_scale", "confidence_units", "confidence_scale",
	"request_price_units", "request_price_scale",
	"reasoning_summary", "correlation_id", "status",
	"requested_at", "expires_at", "decided_at", "decided_by", "decision_channel", "decision_reason", "row_hash",
}

func rowFor(req *contracts.ApprovalRequest) []driverValue {
	return []driverValue{
		req.ID, req.TradeID, req.Instrument, string(req.Side),
		req.RiskPct.Units, req.RiskPct.Scale, req.Confidence.Units, req.Confidence.Scale,
		req.RequestPrice.Units, req.RequestPrice.Scale,
		[]byte(`{"trend":"BULLISH","volatility":"LOW","signal_confluence":["ma_cross"]}`), req.CorrelationID, string(req.Status),
		req.RequestedAt, req.ExpiresAt, nil, nil, nil, nil, req.RowHash,
	}
}

type driverValue = any

func TestWorker_Sweep_ExpiresPastDeadlineRequests(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("unexpected error opening stub db: %s", err)
	}
	defer func() { _ = db.Close() }()

	store := approvalstore.New(db)
	worker := New(store, time.Hour)

	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	pending := &contracts.ApprovalRequest{
		ID: "appr-1", TradeID: "trade-1", Instrument: "EURUSD", Side: contracts.SideBuy,
		RiskPct: contracts.Money{Units: 150, Scale: 2}, Confidence: contracts.Money{Units: 8700, Scale: 2},
		RequestPrice:     contracts.Money{Units: 109250, Scale: 5},
		ReasoningSummary: contracts.ReasoningSummary{Trend: "BULLISH", Volatility: "LOW", SignalConfluence: []string{"ma_cross"}},
		CorrelationID:    "corr-1", Status: contracts.StatusAwaitingApproval,
		RequestedAt: past.Add(-time.Hour), ExpiresAt: past,
	}
	pending.RowHash, err = hashintegrity.Compute(pending)
	if err != nil {
		t.Fatalf("unexpected error computing hash: %s", err)
	}

	decided := *pending
	decided.Status = contracts.StatusRejected
	decidedAt := now
	decidedBy := "system"
	channel := contracts.ChannelSystem
	reason := contracts.ReasonHITLTimeout
	decided.DecidedAt = &decidedAt
	decided.DecidedBy = &decidedBy
	decided.DecisionChannel = &channel
	decided.DecisionReason = &reason
	decided.RowHash, err = hashintegrity.Compute(&decided)
	if err != nil {
		t.Fatalf("unexpected error computing decided hash: %s", err)
	}

	mock.ExpectQuery("SELECT (.+) FROM approval_requests WHERE status").
		WillReturnRows(sqlmock.NewRows(pendingColumns).AddRow(rowFor(pending)...))
	mock.ExpectQuery("SELECT hash FROM audit_entries").WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE approval_requests SET status").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT (.+) FROM approval_requests WHERE trade_id").
		WillReturnRows(sqlmock.NewRows(pendingColumns).AddRow(
			decided.ID, decided.TradeID, decided.Instrument, string(decided.Side),
			decided.RiskPct.Units, decided.RiskPct.Scale, decided.Confidence.Units, decided.Confidence.Scale,
			decided.RequestPrice.Units, decided.RequestPrice.Scale,
			[]byte(`{"trend":"BULLISH","volatility":"LOW","signal_confluence":["ma_cross"]}`), decided.CorrelationID, string(decided.Status),
			decided.RequestedAt, decided.ExpiresAt, decidedAt, decidedBy, string(channel), reason, decided.RowHash,
		))
	mock.ExpectExec("UPDATE approval_requests SET row_hash").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO audit_entries").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	var expiredTradeIDs []string
	worker.OnExpire(func(ctx context.Context, req *contracts.ApprovalRequest) {
		expiredTradeIDs = append(expiredTradeIDs, req.TradeID)
	})

	worker.sweep(context.Background())

	if len(expiredTradeIDs) != 1 || expiredTradeIDs[0] != "trade-1" {
		t.Fatalf("expected trade-1 to be expired, got %v", expiredTradeIDs)
	}
}
