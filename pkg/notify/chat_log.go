package notify

import (
	"context"
	"log/slog"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"
)

// LogChat is the default Chat adapter: it logs rather than actually
// messaging a channel. Real chat delivery is out of scope (spec.md
// Non-goals), but every created/decided event still needs a record in the
// structured log stream the rest of the gateway writes to.
type LogChat struct {
	logger *slog.Logger
}

// NewLogChat builds a LogChat over the given logger, or slog.Default() if nil.
func NewLogChat(logger *slog.Logger) *LogChat {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChat{logger: logger.With("component", "notify.chat")}
}

func (c *LogChat) NotifyAwaitingApproval(ctx context.Context, req *contracts.ApprovalRequest, approveURL, rejectURL string) {
	c.logger.InfoContext(ctx, "approval awaiting decision",
		"trade_id", req.TradeID,
		"instrument", req.Instrument,
		"expires_at", req.ExpiresAt,
		"approve_url", approveURL,
		"reject_url", rejectURL,
		"correlation_id", req.CorrelationID,
	)
}

func (c *LogChat) NotifyDecided(ctx context.Context, req *contracts.ApprovalRequest) {
	reason := ""
	if req.DecisionReason != nil {
		reason = *req.DecisionReason
	}
	c.logger.InfoContext(ctx, "approval decided",
		"trade_id", req.TradeID,
		"status", req.Status,
		"decided_by", req.DecidedBy,
		"reason", reason,
		"correlation_id", req.CorrelationID,
	)
}
