// Package expiryworker implements C7: a ticker loop that expires
// AWAITING_APPROVAL requests once their deadline passes, generalizing the
// teacher's pkg/escalation.Manager.CheckTimeouts (an in-memory scan over
// pending intents) to a persistent, conditional-UPDATE scan over the
// Approval Store so expiry survives process restarts.
package expiryworker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/approvalstore"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/hashintegrity"
)

// defaultInterval matches spec.md §6's default expiry sweep cadence.
const defaultInterval = 30 * time.Second

// Worker periodically rejects approval requests past their expires_at.
type Worker struct {
	store    *approvalstore.Store
	interval time.Duration
	clock    func() time.Time
	logger   *slog.Logger
	onExpire func(ctx context.Context, req *contracts.ApprovalRequest)
}

// New builds a Worker. interval <= 0 falls back to defaultInterval.
func New(store *approvalstore.Store, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Worker{
		store:    store,
		interval: interval,
		clock:    time.Now,
		logger:   slog.Default().With("component", "expiryworker"),
	}
}

// OnExpire registers a callback invoked for every request the worker
// expires, e.g. to drive notify.Hub.NotifyDecided from the caller.
func (w *Worker) OnExpire(fn func(ctx context.Context, req *contracts.ApprovalRequest)) {
	w.onExpire = fn
}

// Run sweeps expired requests on a ticker until ctx is cancelled. A single
// sweep failure is logged and retried on the next tick rather than
// crashing the process — the Approval Store, not this loop, is the
// source of truth.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	pending, excluded, err := w.store.FetchPending(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "fetch pending for expiry sweep failed", "error", err)
		return
	}
	for _, tradeID := range excluded {
		// A tampered row is gatewaycore.RecoverOnStartup's and the Decide
		// path's responsibility to reject and alert; the sweep just skips
		// it rather than silently losing the whole pending list.
		w.logger.WarnContext(ctx, "row hash mismatch, excluded from expiry sweep", "trade_id", tradeID)
	}

	now := w.clock()
	for _, req := range pending {
		if now.Before(req.ExpiresAt) {
			continue
		}
		entry := w.buildAuditEntry(ctx, req.TradeID, req.CorrelationID)
		expired, err := w.store.Expire(ctx, req.TradeID, now, entry)
		if err != nil {
			if err == approvalstore.ErrStaleTransition {
				// Already decided by a human between fetch and expire: not an error.
				continue
			}
			w.logger.ErrorContext(ctx, "expire approval failed", "trade_id", req.TradeID, "error", err)
			continue
		}
		w.logger.InfoContext(ctx, "approval expired", "trade_id", expired.TradeID, "correlation_id", expired.CorrelationID)
		if w.onExpire != nil {
			w.onExpire(ctx, expired)
		}
	}
}

// buildAuditEntry constructs a hash-chained EXPIRE audit entry, mirroring
// gatewaycore.Core.buildAuditEntry: the Approval Store's audit log is
// append-only and every writer into it — not just the Gateway Core —
// chains its own entries off LastAuditHash.
func (w *Worker) buildAuditEntry(ctx context.Context, tradeID, correlationID string) *contracts.AuditEntry {
	entry := &contracts.AuditEntry{
		ID:            uuid.NewString(),
		ActorID:       "system",
		Action:        contracts.ActionExpire,
		TargetType:    "approval_request",
		TargetID:      tradeID,
		CorrelationID: correlationID,
		CreatedAt:     w.clock().UTC(),
	}
	if prevHash, err := w.store.LastAuditHash(ctx); err == nil {
		entry.PrevHash = prevHash
	}
	if hash, err := hashintegrity.ComputeAuditHash(entry); err == nil {
		entry.Hash = hash
	}
	return entry
}
