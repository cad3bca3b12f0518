// Package gatewaycore implements C6: the Gateway Core, the orchestrator
// that sits between the trading engine and the Approval Store. Its shape —
// evaluate-then-persist on create, reauthorize-recheck-reverify on decide,
// fail-closed default verdict — is grounded on the teacher's
// pkg/guardian.Guardian.EvaluateDecision (default-deny DecisionRequest ->
// DecisionRecord evaluation) and pkg/escalation.Manager (CreateIntent /
// Approve / Deny / CheckTimeouts human-approval lifecycle), generalized
// from a generic "intent" to a trade approval.
package gatewaycore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/approvalstore"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/authz"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/guardianport"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/hashintegrity"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/lifecycle"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/marketdata"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/notify"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/slippage"
)

// Clock is injected so tests can control "now" the way the teacher's
// escalation.Manager.WithClock does.
type Clock func() time.Time

// Config carries the operator-tunable policy knobs (spec.md §2/§6).
type Config struct {
	Enabled        bool
	TimeoutSeconds int64
	SlippageMaxPct contracts.Money
}

// Core is the Gateway Core.
type Core struct {
	store    *approvalstore.Store
	guardian guardianport.Port
	market   marketdata.Port
	authz    *authz.Gate
	notifier *notify.Hub
	cfg      Config
	clock    Clock
	logger   *slog.Logger
}

// New constructs a Core. All collaborators are required; there is no
// degraded mode that skips the Guardian Port or the Approval Store.
func New(store *approvalstore.Store, guardian guardianport.Port, market marketdata.Port, gate *authz.Gate, notifier *notify.Hub, cfg Config) *Core {
	return &Core{
		store:    store,
		guardian: guardian,
		market:   market,
		authz:    gate,
		notifier: notifier,
		cfg:      cfg,
		clock:    time.Now,
		logger:   slog.Default().With("component", "gatewaycore"),
	}
}

// WithClock overrides the time source, mirroring escalation.Manager's test seam.
func (c *Core) WithClock(clock Clock) *Core {
	c.clock = clock
	return c
}

// CreateApproval evaluates a trade Signal and, if HITL applies, persists an
// AWAITING_APPROVAL request. If HITL is disabled, it returns an immediate
// auto-approve decision (HITL_DISABLED) without ever touching the store -
// spec.md's explicit bypass path, not a degraded one.
func (c *Core) CreateApproval(ctx context.Context, sig contracts.Signal) (*contracts.ApprovalRequest, *contracts.Decision, error) {
	if !c.cfg.Enabled {
		return nil, &contracts.Decision{
			TradeID:       sig.TradeID,
			Outcome:       contracts.DecisionApprove,
			Channel:       contracts.ChannelSystem,
			Reason:        contracts.ReasonHITLDisabled,
			CorrelationID: sig.CorrelationID,
		}, nil
	}

	locked, err := c.guardian.IsLocked(ctx)
	if err != nil || locked {
		c.auditTrade(ctx, sig.TradeID, "system", contracts.ActionCreateBlocked, sig.CorrelationID, string(contracts.SecGuardianLocked))
		return nil, nil, contracts.NewGatewayError(contracts.SecGuardianLocked, sig.CorrelationID,
			"guardian lock active, refusing to open approval for trade %s", sig.TradeID)
	}

	now := c.clock().UTC()
	req := &contracts.ApprovalRequest{
		ID:               uuid.NewString(),
		TradeID:          sig.TradeID,
		Instrument:       sig.Instrument,
		Side:             sig.Side,
		RiskPct:          sig.RiskPct,
		Confidence:       sig.Confidence,
		RequestPrice:     sig.RequestPrice,
		ReasoningSummary: sig.ReasoningSummary,
		CorrelationID:    sig.CorrelationID,
		RequestedAt:      now,
		ExpiresAt:        now.Add(time.Duration(c.cfg.TimeoutSeconds) * time.Second),
	}
	if check := lifecycle.Check("", contracts.StatusAwaitingApproval, sig.CorrelationID); check != nil {
		return nil, nil, check
	}

	entry := c.buildAuditEntry(ctx, req.TradeID, "system", contracts.ActionCreate, sig.CorrelationID, "")
	if err := c.store.Create(ctx, req, entry); err != nil {
		if err == approvalstore.ErrDuplicateTrade {
			return nil, nil, contracts.NewGatewayError(contracts.SecDuplicateTrade, sig.CorrelationID,
				"trade %s already has an approval request", sig.TradeID)
		}
		return nil, nil, fmt.Errorf("gatewaycore: persist approval: %w", err)
	}

	c.notifier.NotifyCreated(ctx, req)
	return req, nil, nil
}

// Decide applies an operator's APPROVE/REJECT and returns the updated
// request, implementing spec.md §4.6's ten-step decide() contract:
// authorize, guardian-recheck, hash-verify-on-load, status-check,
// expiry-wins, capture-market-context, slippage-recheck, transition,
// observe, emit. Every gate fails closed and every rejection is audited
// before the caller ever sees the request body it tried to decide.
func (c *Core) Decide(ctx context.Context, tradeID, operatorID string, outcome contracts.DecisionOutcome, channel contracts.DecisionChannel, reason, correlationID string) (*contracts.ApprovalRequest, error) {
	// 1. Authorization. Unauthorized callers learn nothing else: no
	// guardian, expiry, or slippage checks are performed for them.
	if !c.authz.IsAuthorized(ctx, operatorID) {
		c.auditTrade(ctx, tradeID, operatorID, contracts.ActionUnauthorizedAttempt, correlationID, string(contracts.SecUnauthorized))
		return nil, contracts.NewGatewayError(contracts.SecUnauthorized, correlationID,
			"operator %s is not authorized to decide approvals", operatorID)
	}

	// 2. Guardian recheck: a lock that lands after create but before decide
	// must still block the decision (Testable Property 2, "for every
	// operation evaluated while locked").
	locked, err := c.guardian.IsLocked(ctx)
	if err != nil || locked {
		c.auditTrade(ctx, tradeID, operatorID, contracts.ActionCreateBlocked, correlationID, string(contracts.SecGuardianLocked))
		return nil, contracts.NewGatewayError(contracts.SecGuardianLocked, correlationID,
			"guardian lock active, refusing to decide trade %s", tradeID)
	}

	// 3. Load the current record and verify its hash before trusting
	// anything else on it.
	req, err := c.store.FetchByTradeID(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("gatewaycore: load approval: %w", err)
	}
	if ok, err := hashintegrity.Verify(req); err != nil || !ok {
		c.auditTrade(ctx, tradeID, "system", contracts.ActionHashMismatch, correlationID, string(contracts.SecHashMismatch))
		c.notifier.NotifyAlert(ctx, contracts.SecHashMismatch, correlationID,
			fmt.Sprintf("row hash mismatch for trade %s, halting decide", tradeID))
		return nil, contracts.NewGatewayError(contracts.SecHashMismatch, correlationID,
			"row hash mismatch for trade %s, halting", tradeID)
	}

	// 4. Must still be awaiting a decision.
	if req.Status != contracts.StatusAwaitingApproval {
		return nil, contracts.NewGatewayError(contracts.SecInvalidTransition, correlationID,
			"trade %s was already decided or expired", tradeID)
	}

	now := c.clock().UTC()

	// 5. A late decision loses to the clock: auto-reject with the same
	// outcome the Expiry Worker would have produced, idempotent with it.
	if !now.Before(req.ExpiresAt) {
		entry := c.buildAuditEntry(ctx, tradeID, "system", contracts.ActionExpire, correlationID, "")
		return c.applyDecision(ctx, req, contracts.StatusRejected, "system", contracts.ChannelSystem,
			contracts.ReasonHITLTimeout, now, nil, entry)
	}

	// 6. Capture post-trade market context; fail closed if unavailable.
	quote, err := c.market.Quote(ctx, req.Instrument)
	if err != nil {
		c.auditTrade(ctx, tradeID, operatorID, contracts.ActionCreateBlocked, correlationID, string(contracts.SecSlippageBreach))
		return nil, contracts.NewGatewayError(contracts.SecSlippageBreach, correlationID,
			"market-data unavailable for trade %s", tradeID)
	}

	valid, deviation, err := slippage.Validate(req.RequestPrice, quote.Mid, c.cfg.SlippageMaxPct)
	if err != nil {
		return nil, contracts.NewGatewayError(contracts.SecSlippageBreach, correlationID, "%s", err.Error())
	}

	snapshot := &contracts.PostTradeSnapshot{
		ApprovalID:        req.ID,
		Bid:               quote.Bid,
		Ask:               quote.Ask,
		Spread:            moneySub(quote.Ask, quote.Bid),
		MidPrice:          quote.Mid,
		ResponseLatencyMs: now.Sub(req.RequestedAt).Milliseconds(),
		PriceDeviationPct: deviation,
		CorrelationID:     correlationID,
		CreatedAt:         now,
	}

	// 7. Slippage guard only blocks an APPROVE; a REJECT always proceeds
	// regardless of market movement.
	if outcome == contracts.DecisionApprove && !valid {
		entry := c.buildAuditEntry(ctx, tradeID, operatorID, contracts.ActionReject, correlationID, string(contracts.SecSlippageBreach))
		return c.applyDecision(ctx, req, contracts.StatusRejected, operatorID, channel,
			contracts.ReasonSlippageExceeded, now, snapshot, entry)
	}

	// 8-10. Apply the transition, observe, emit.
	status := contracts.StatusRejected
	action := contracts.ActionReject
	if outcome == contracts.DecisionApprove {
		status = contracts.StatusAccepted
		action = contracts.ActionApprove
	}
	entry := c.buildAuditEntry(ctx, tradeID, operatorID, action, correlationID, "")
	return c.applyDecision(ctx, req, status, operatorID, channel, reason, now, snapshot, entry)
}

// applyDecision validates the transition, persists it transactionally with
// its snapshot and audit entry, and fans out the resulting event.
func (c *Core) applyDecision(ctx context.Context, req *contracts.ApprovalRequest, status contracts.Status, decidedBy string, channel contracts.DecisionChannel, reason string, now time.Time, snapshot *contracts.PostTradeSnapshot, entry *contracts.AuditEntry) (*contracts.ApprovalRequest, error) {
	if check := lifecycle.Check(contracts.StatusAwaitingApproval, status, entry.CorrelationID); check != nil {
		return nil, check
	}

	decided, err := c.store.Decide(ctx, req.TradeID, status, decidedBy, channel, reason, now, snapshot, entry)
	if err != nil {
		if err == approvalstore.ErrStaleTransition {
			return nil, contracts.NewGatewayError(contracts.SecInvalidTransition, entry.CorrelationID,
				"trade %s was already decided or expired", req.TradeID)
		}
		return nil, fmt.Errorf("gatewaycore: decide: %w", err)
	}

	c.notifier.NotifyDecided(ctx, decided)
	return decided, nil
}

// ListPending returns every open approval request, each hash-verified on
// read by the Approval Store. A row that fails verification is excluded
// from the list and raised as a SEC-080 alert rather than silently
// dropped or left to blind the whole call.
func (c *Core) ListPending(ctx context.Context) ([]*contracts.ApprovalRequest, error) {
	pending, excluded, err := c.store.FetchPending(ctx)
	if err != nil {
		return nil, err
	}
	for _, tradeID := range excluded {
		c.notifier.NotifyAlert(ctx, contracts.SecHashMismatch, "",
			fmt.Sprintf("row hash mismatch for trade %s, excluded from pending list", tradeID))
	}
	return pending, nil
}

// RecoverOnStartup re-hydrates in-flight approvals after a process
// restart, implementing spec.md §4.6's four recovery steps: load every
// AWAITING_APPROVAL row; auto-reject (HASH_MISMATCH, alerted) any row the
// Approval Store already excluded for a failed hash verification; treat
// anything past its expiry as expired without re-announcing it; and
// re-emit hitl.created for the survivors so the UI resynchronizes.
func (c *Core) RecoverOnStartup(ctx context.Context) ([]*contracts.ApprovalRequest, error) {
	pending, excluded, err := c.store.FetchPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("gatewaycore: recover: fetch pending: %w", err)
	}

	now := c.clock().UTC()

	for _, tradeID := range excluded {
		entry := c.buildAuditEntry(ctx, tradeID, "system", contracts.ActionHashMismatch, "", string(contracts.SecHashMismatch))
		if decided, err := c.store.Decide(ctx, tradeID, contracts.StatusRejected, "system",
			contracts.ChannelSystem, contracts.ReasonHashMismatch, now, nil, entry); err != nil {
			c.logger.ErrorContext(ctx, "recover: reject hash-mismatch row failed", "trade_id", tradeID, "error", err)
		} else {
			c.notifier.NotifyDecided(ctx, decided)
		}
		c.notifier.NotifyAlert(ctx, contracts.SecHashMismatch, "",
			fmt.Sprintf("row hash mismatch for trade %s detected at recovery", tradeID))
	}

	survivors := make([]*contracts.ApprovalRequest, 0, len(pending))
	for _, req := range pending {
		if !now.Before(req.ExpiresAt) {
			entry := c.buildAuditEntry(ctx, req.TradeID, "system", contracts.ActionExpire, req.CorrelationID, "")
			expired, err := c.store.Expire(ctx, req.TradeID, now, entry)
			if err != nil {
				if err != approvalstore.ErrStaleTransition {
					c.logger.ErrorContext(ctx, "recover: expire stale row failed", "trade_id", req.TradeID, "error", err)
				}
				continue
			}
			c.notifier.NotifyDecided(ctx, expired)
			continue
		}
		survivors = append(survivors, req)
		c.notifier.NotifyCreated(ctx, req)
	}
	return survivors, nil
}

// CascadeRejectOnGuardianLock is invoked by the Lock-Cascade Handler (C8)
// when Guardian transitions to LOCKED: every open approval is rejected
// with GUARDIAN_LOCK, mirroring Guardian.EvaluateDecision's default-deny
// stance extended across the whole pending set. Rows excluded by
// FetchPending for a hash mismatch are alerted, not cascaded — they are
// not trustworthy enough to apply a blanket transition to.
func (c *Core) CascadeRejectOnGuardianLock(ctx context.Context, correlationID string) (int, error) {
	pending, excluded, err := c.store.FetchPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("gatewaycore: fetch pending for cascade: %w", err)
	}
	for _, tradeID := range excluded {
		c.notifier.NotifyAlert(ctx, contracts.SecHashMismatch, correlationID,
			fmt.Sprintf("row hash mismatch for trade %s, excluded from guardian cascade", tradeID))
	}

	count := 0
	now := c.clock().UTC()
	for _, req := range pending {
		entry := c.buildAuditEntry(ctx, req.TradeID, "system", contracts.ActionGuardianCascadeReject, correlationID, "")
		decided, err := c.store.Decide(ctx, req.TradeID, contracts.StatusRejected, "system",
			contracts.ChannelSystem, contracts.ReasonGuardianLock, now, nil, entry)
		if err != nil {
			continue
		}
		c.notifier.NotifyDecided(ctx, decided)
		count++
	}
	return count, nil
}

// auditTrade writes a standalone, hash-chained audit entry outside of any
// Decide/Create transaction — for gates that reject before a state
// transition is ever attempted (unauthorized, guardian-blocked,
// hash-mismatch-on-load). Failures are logged, not propagated: an audit
// write must never be the reason a fail-closed gate looks like it failed
// open to the caller.
func (c *Core) auditTrade(ctx context.Context, tradeID, actorID string, action contracts.AuditAction, correlationID, errorCode string) {
	entry := c.buildAuditEntry(ctx, tradeID, actorID, action, correlationID, errorCode)
	if err := c.store.AppendAudit(ctx, entry); err != nil {
		c.logger.ErrorContext(ctx, "append audit failed", "trade_id", tradeID, "action", action, "error", err)
	}
}

// buildAuditEntry constructs a hash-chained AuditEntry without persisting
// it, so callers on the Decide/Create transactional path can hand it to
// the Store to be written atomically with the state change it describes.
func (c *Core) buildAuditEntry(ctx context.Context, tradeID, actorID string, action contracts.AuditAction, correlationID, errorCode string) *contracts.AuditEntry {
	entry := &contracts.AuditEntry{
		ID:            uuid.NewString(),
		ActorID:       actorID,
		Action:        action,
		TargetType:    "approval_request",
		TargetID:      tradeID,
		CorrelationID: correlationID,
		ErrorCode:     errorCode,
		CreatedAt:     c.clock().UTC(),
	}
	if prevHash, err := c.store.LastAuditHash(ctx); err == nil {
		entry.PrevHash = prevHash
	}
	if hash, err := hashintegrity.ComputeAuditHash(entry); err == nil {
		entry.Hash = hash
	}
	return entry
}

func moneySub(a, b contracts.Money) contracts.Money {
	if a.Scale != b.Scale {
		return contracts.Money{Units: a.Units, Scale: a.Scale}
	}
	return contracts.Money{Units: a.Units - b.Units, Scale: a.Scale}
}
