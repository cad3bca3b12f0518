// Package approvalstore implements C5: the Approval Store, the single
// durable source of truth for approval requests, audit entries and
// deep-link tokens. It is grounded on the teacher's
// pkg/store/ledger.SQLLedger (conditional UPDATE ... WHERE state = 'X' as
// the optimistic-concurrency primitive) and pkg/store.PostgresReceiptStore
// (ON CONFLICT DO NOTHING idempotent insert), generalized from a single
// obligations table to the approval/audit/token schema this gateway needs.
package approvalstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/hashintegrity"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("approvalstore: not found")

// ErrStaleTransition is returned when a conditional UPDATE affects zero
// rows: another writer already moved the row out of the expected state.
var ErrStaleTransition = errors.New("approvalstore: stale transition, row already moved")

// ErrDuplicateTrade is returned when Create collides with an existing
// trade_id under the unique constraint (SEC-010).
var ErrDuplicateTrade = errors.New("approvalstore: duplicate trade_id")

const schema = `
CREATE TABLE IF NOT EXISTS approval_requests (
	id TEXT PRIMARY KEY,
	trade_id TEXT UNIQUE NOT NULL,
	instrument TEXT NOT NULL,
	side TEXT NOT NULL,
	risk_pct_units BIGINT NOT NULL,
	risk_pct_scale SMALLINT NOT NULL,
	confidence_units BIGINT NOT NULL,
	confidence_scale SMALLINT NOT NULL,
	request_price_units BIGINT NOT NULL,
	request_price_scale SMALLINT NOT NULL,
	reasoning_summary JSONB NOT NULL,
	correlation_id TEXT NOT NULL,
	status TEXT NOT NULL,
	requested_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	decided_at TIMESTAMPTZ,
	decided_by TEXT,
	decision_channel TEXT,
	decision_reason TEXT,
	row_hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status);

CREATE TABLE IF NOT EXISTS audit_entries (
	id TEXT PRIMARY KEY,
	actor_id TEXT NOT NULL,
	action TEXT NOT NULL,
	target_type TEXT NOT NULL,
	target_id TEXT NOT NULL,
	previous_state BYTEA,
	new_state BYTEA,
	payload BYTEA,
	correlation_id TEXT NOT NULL,
	error_code TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	prev_hash TEXT,
	hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS deep_link_tokens (
	token TEXT PRIMARY KEY,
	trade_id TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	used_at TIMESTAMPTZ,
	correlation_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS post_trade_snapshots (
	approval_id TEXT PRIMARY KEY,
	bid_units BIGINT NOT NULL,
	bid_scale SMALLINT NOT NULL,
	ask_units BIGINT NOT NULL,
	ask_scale SMALLINT NOT NULL,
	spread_units BIGINT NOT NULL,
	spread_scale SMALLINT NOT NULL,
	mid_units BIGINT NOT NULL,
	mid_scale SMALLINT NOT NULL,
	response_latency_ms BIGINT NOT NULL,
	price_deviation_pct_units BIGINT NOT NULL,
	price_deviation_pct_scale SMALLINT NOT NULL,
	correlation_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// Store is the Postgres-backed Approval Store.
type Store struct {
	db *sql.DB
}

// New wraps an already-open *sql.DB (driver "postgres" via lib/pq; the
// tests pass a go-sqlmock *sql.DB).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the schema if it does not already exist. Idempotent; safe
// to call on every process start.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Create inserts a new approval request in AWAITING_APPROVAL, computing and
// storing its row hash, and writes entry in the same transaction (spec.md
// §4.5: insert + CREATE audit entry are one atomic unit). Returns
// ErrDuplicateTrade if trade_id already exists (SEC-010: at-most-once
// submission per trade); entry is not written in that case.
func (s *Store) Create(ctx context.Context, req *contracts.ApprovalRequest, entry *contracts.AuditEntry) error {
	req.Status = contracts.StatusAwaitingApproval
	hash, err := hashintegrity.Compute(req)
	if err != nil {
		return fmt.Errorf("approvalstore: compute row hash: %w", err)
	}
	req.RowHash = hash

	reasoningJSON, err := marshalReasoning(req.ReasoningSummary)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("approvalstore: begin create tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
		INSERT INTO approval_requests (
			id, trade_id, instrument, side,
			risk_pct_units, risk_pct_scale, confidence_units, confidence_scale,
			request_price_units, request_price_scale,
			reasoning_summary, correlation_id, status,
			requested_at, expires_at, row_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`
	_, err = tx.ExecContext(ctx, q,
		req.ID, req.TradeID, req.Instrument, string(req.Side),
		req.RiskPct.Units, req.RiskPct.Scale, req.Confidence.Units, req.Confidence.Scale,
		req.RequestPrice.Units, req.RequestPrice.Scale,
		reasoningJSON, req.CorrelationID, string(req.Status),
		req.RequestedAt.UTC(), req.ExpiresAt.UTC(), req.RowHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTrade
		}
		return fmt.Errorf("approvalstore: insert: %w", err)
	}

	if entry != nil {
		if err := insertAudit(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("approvalstore: commit create tx: %w", err)
	}
	return nil
}

// Decide applies an APPROVE/REJECT/EXPIRE transition via a conditional
// UPDATE ... WHERE status = 'AWAITING_APPROVAL', the same optimistic-lock
// pattern as the teacher's SQLLedger.AcquireLease/UpdateState. The row-hash
// recompute, the PostTradeSnapshot (nil for system-originated transitions
// that never captured market context, e.g. Expire) and the AuditEntry are
// all written in the same transaction as the status change (spec.md §4.5).
// Zero rows affected means someone else already decided or expired it
// first: ErrStaleTransition, never a silent no-op.
func (s *Store) Decide(ctx context.Context, tradeID string, outcome contracts.Status, decidedBy string, channel contracts.DecisionChannel, reason string, now time.Time, snapshot *contracts.PostTradeSnapshot, entry *contracts.AuditEntry) (*contracts.ApprovalRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("approvalstore: begin decide tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
		UPDATE approval_requests
		SET status = $1, decided_at = $2, decided_by = $3, decision_channel = $4, decision_reason = $5
		WHERE trade_id = $6 AND status = $7
	`
	res, err := tx.ExecContext(ctx, q, string(outcome), now.UTC(), decidedBy, string(channel), reason,
		tradeID, string(contracts.StatusAwaitingApproval))
	if err != nil {
		return nil, fmt.Errorf("approvalstore: update: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("approvalstore: rows affected: %w", err)
	}
	if rows == 0 {
		return nil, ErrStaleTransition
	}

	req, err := fetchByTradeIDTx(ctx, tx, tradeID)
	if err != nil {
		return nil, err
	}

	hash, err := hashintegrity.Compute(req)
	if err != nil {
		return nil, fmt.Errorf("approvalstore: recompute row hash: %w", err)
	}
	req.RowHash = hash
	if _, err := tx.ExecContext(ctx, `UPDATE approval_requests SET row_hash = $1 WHERE trade_id = $2`, hash, tradeID); err != nil {
		return nil, fmt.Errorf("approvalstore: persist row hash: %w", err)
	}

	if snapshot != nil {
		if err := insertSnapshot(ctx, tx, snapshot); err != nil {
			return nil, err
		}
	}
	if entry != nil {
		if err := insertAudit(ctx, tx, entry); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("approvalstore: commit decide tx: %w", err)
	}
	return req, nil
}

// Expire transitions a single AWAITING_APPROVAL row to REJECTED with
// decision_channel=SYSTEM and decision_reason=HITL_TIMEOUT, the same
// conditional UPDATE as Decide so a racing human decision always wins. No
// market context was captured for a timeout, so no snapshot is written.
func (s *Store) Expire(ctx context.Context, tradeID string, now time.Time, entry *contracts.AuditEntry) (*contracts.ApprovalRequest, error) {
	return s.Decide(ctx, tradeID, contracts.StatusRejected, "system", contracts.ChannelSystem, contracts.ReasonHITLTimeout, now, nil, entry)
}

func insertSnapshot(ctx context.Context, tx *sql.Tx, snap *contracts.PostTradeSnapshot) error {
	const q = `
		INSERT INTO post_trade_snapshots (
			approval_id, bid_units, bid_scale, ask_units, ask_scale,
			spread_units, spread_scale, mid_units, mid_scale,
			response_latency_ms, price_deviation_pct_units, price_deviation_pct_scale,
			correlation_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`
	_, err := tx.ExecContext(ctx, q,
		snap.ApprovalID, snap.Bid.Units, snap.Bid.Scale, snap.Ask.Units, snap.Ask.Scale,
		snap.Spread.Units, snap.Spread.Scale, snap.MidPrice.Units, snap.MidPrice.Scale,
		snap.ResponseLatencyMs, snap.PriceDeviationPct.Units, snap.PriceDeviationPct.Scale,
		snap.CorrelationID, snap.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("approvalstore: insert snapshot: %w", err)
	}
	return nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, entry *contracts.AuditEntry) error {
	const q = `
		INSERT INTO audit_entries (
			id, actor_id, action, target_type, target_id,
			previous_state, new_state, payload, correlation_id, error_code,
			created_at, prev_hash, hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`
	_, err := tx.ExecContext(ctx, q,
		entry.ID, entry.ActorID, string(entry.Action), entry.TargetType, entry.TargetID,
		entry.PreviousState, entry.NewState, entry.Payload, entry.CorrelationID, entry.ErrorCode,
		entry.CreatedAt.UTC(), entry.PrevHash, entry.Hash,
	)
	if err != nil {
		return fmt.Errorf("approvalstore: append audit: %w", err)
	}
	return nil
}

// FetchPending lists every row in AWAITING_APPROVAL, ordered by expires_at
// ascending, hash-verifying each on read (spec.md §4.5: reads are never
// trusted blind). A row that fails verification is excluded from the
// returned list rather than aborting the whole call — one tampered row
// must never blind the caller to every other legitimately pending
// approval — and its trade_id is returned separately so the caller can
// raise SEC-080 and react (gatewaycore auto-rejects it on recovery).
func (s *Store) FetchPending(ctx context.Context) ([]*contracts.ApprovalRequest, []string, error) {
	const q = `
		SELECT id, trade_id, instrument, side,
			risk_pct_units, risk_pct_scale, confidence_units, confidence_scale,
			request_price_units, request_price_scale,
			reasoning_summary, correlation_id, status,
			requested_at, expires_at, decided_at, decided_by, decision_channel, decision_reason, row_hash
		FROM approval_requests WHERE status = $1 ORDER BY expires_at ASC
	`
	rows, err := s.db.QueryContext(ctx, q, string(contracts.StatusAwaitingApproval))
	if err != nil {
		return nil, nil, fmt.Errorf("approvalstore: query pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ApprovalRequest
	var excluded []string
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, nil, err
		}
		if err := verifyHash(req); err != nil {
			excluded = append(excluded, req.TradeID)
			continue
		}
		out = append(out, req)
	}
	return out, excluded, rows.Err()
}

// FetchByTradeID loads a single request by its trade_id.
func (s *Store) FetchByTradeID(ctx context.Context, tradeID string) (*contracts.ApprovalRequest, error) {
	const q = `
		SELECT id, trade_id, instrument, side,
			risk_pct_units, risk_pct_scale, confidence_units, confidence_scale,
			request_price_units, request_price_scale,
			reasoning_summary, correlation_id, status,
			requested_at, expires_at, decided_at, decided_by, decision_channel, decision_reason, row_hash
		FROM approval_requests WHERE trade_id = $1
	`
	row := s.db.QueryRowContext(ctx, q, tradeID)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return req, nil
}

// fetchByTradeIDTx is FetchByTradeID scoped to an in-flight transaction, so
// Decide observes its own just-written UPDATE rather than racing a
// concurrent writer between the UPDATE and the re-read.
func fetchByTradeIDTx(ctx context.Context, tx *sql.Tx, tradeID string) (*contracts.ApprovalRequest, error) {
	const q = `
		SELECT id, trade_id, instrument, side,
			risk_pct_units, risk_pct_scale, confidence_units, confidence_scale,
			request_price_units, request_price_scale,
			reasoning_summary, correlation_id, status,
			requested_at, expires_at, decided_at, decided_by, decision_channel, decision_reason, row_hash
		FROM approval_requests WHERE trade_id = $1
	`
	row := tx.QueryRowContext(ctx, q, tradeID)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return req, nil
}

// AppendAudit inserts an audit entry. Audit rows are insert-only: no
// UPDATE/DELETE path exists on this table, matching the tamper-evidence
// invariant in spec.md §4 (immutability enforced additionally via a
// database trigger provisioned out-of-band, not by Go code).
func (s *Store) AppendAudit(ctx context.Context, entry *contracts.AuditEntry) error {
	const q = `
		INSERT INTO audit_entries (
			id, actor_id, action, target_type, target_id,
			previous_state, new_state, payload, correlation_id, error_code,
			created_at, prev_hash, hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`
	_, err := s.db.ExecContext(ctx, q,
		entry.ID, entry.ActorID, string(entry.Action), entry.TargetType, entry.TargetID,
		entry.PreviousState, entry.NewState, entry.Payload, entry.CorrelationID, entry.ErrorCode,
		entry.CreatedAt.UTC(), entry.PrevHash, entry.Hash,
	)
	if err != nil {
		return fmt.Errorf("approvalstore: append audit: %w", err)
	}
	return nil
}

// LastAuditHash returns the hash of the most recently written audit entry,
// the seed for the next entry's PrevHash in the hash chain. Returns "" if
// the audit log is empty (genesis entry).
func (s *Store) LastAuditHash(ctx context.Context) (string, error) {
	const q = `SELECT hash FROM audit_entries ORDER BY created_at DESC LIMIT 1`
	var hash string
	err := s.db.QueryRowContext(ctx, q).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("approvalstore: last audit hash: %w", err)
	}
	return hash, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*contracts.ApprovalRequest, error) {
	var req contracts.ApprovalRequest
	var side, status string
	var reasoningJSON []byte
	var decidedBy, decisionChannel, decisionReason sql.NullString
	var decidedAt sql.NullTime

	err := row.Scan(
		&req.ID, &req.TradeID, &req.Instrument, &side,
		&req.RiskPct.Units, &req.RiskPct.Scale, &req.Confidence.Units, &req.Confidence.Scale,
		&req.RequestPrice.Units, &req.RequestPrice.Scale,
		&reasoningJSON, &req.CorrelationID, &status,
		&req.RequestedAt, &req.ExpiresAt, &decidedAt, &decidedBy, &decisionChannel, &decisionReason, &req.RowHash,
	)
	if err != nil {
		return nil, err
	}

	req.Side = contracts.Side(side)
	req.Status = contracts.Status(status)
	if err := unmarshalReasoning(reasoningJSON, &req.ReasoningSummary); err != nil {
		return nil, err
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		req.DecidedAt = &t
	}
	if decidedBy.Valid {
		req.DecidedBy = &decidedBy.String
	}
	if decisionChannel.Valid {
		c := contracts.DecisionChannel(decisionChannel.String)
		req.DecisionChannel = &c
	}
	if decisionReason.Valid {
		req.DecisionReason = &decisionReason.String
	}
	return &req, nil
}

func verifyHash(req *contracts.ApprovalRequest) error {
	ok, err := hashintegrity.Verify(req)
	if err != nil {
		return fmt.Errorf("approvalstore: verify hash: %w", err)
	}
	if !ok {
		return contracts.NewGatewayError(contracts.SecHashMismatch, req.CorrelationID,
			"row hash mismatch for trade_id %s", req.TradeID)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// lib/pq reports unique_violation as SQLSTATE 23505; avoid importing
	// the pq.Error type directly so this also matches a sqlite-style
	// driver message containing "UNIQUE constraint".
	msg := err.Error()
	return contains(msg, "23505") || contains(msg, "UNIQUE constraint") || contains(msg, "duplicate key")
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	n, m := len(s), len(substr)
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == substr {
			return i
		}
	}
	return -1
}
