// Package notify implements C9: the Notification Ports (Chat, EventBus,
// Metrics) fanned out behind a single Hub the Gateway Core calls into.
// The EventBus adapter is grounded on the teacher's
// pkg/kernel.RedisLimiterStore (github.com/redis/go-redis/v9 client
// usage), generalized from a rate-limit script to Pub/Sub fan-out. The
// Metrics adapter is grounded on pkg/observability.Provider's RED-metrics
// pattern, narrowed to the three counters/histogram this gateway needs.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"
)

// Chat sends human-facing notifications (e.g. a Discord/Slack message with
// an approve/reject deep link). The default adapter only logs; a real chat
// integration is out of scope per spec.md Non-goals, but the port exists
// so one can be wired in without touching the Gateway Core.
type Chat interface {
	NotifyAwaitingApproval(ctx context.Context, req *contracts.ApprovalRequest, approveURL, rejectURL string)
	NotifyDecided(ctx context.Context, req *contracts.ApprovalRequest)
}

// EventBus publishes lifecycle events for downstream consumers (e.g. a
// dashboard or the trading engine itself) that don't need an HTTP poll
// loop against GET /api/hitl/pending.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Metrics records RED-style counters/durations for the approval pipeline.
type Metrics interface {
	RecordCreated(ctx context.Context, instrument string)
	RecordDecided(ctx context.Context, outcome contracts.DecisionOutcome, reason string, latency time.Duration)
	RecordError(ctx context.Context, code contracts.SecCode)
}

// Hub fans out a single gateway event to all three notification ports. A
// nil port is treated as absent (no-op), so tests can wire only what they
// need.
type Hub struct {
	Chat    Chat
	Bus     EventBus
	Metrics Metrics
	logger  *slog.Logger
}

// NewHub constructs a Hub. Any of chat/bus/metrics may be nil.
func NewHub(chat Chat, bus EventBus, metrics Metrics) *Hub {
	return &Hub{Chat: chat, Bus: bus, Metrics: metrics, logger: slog.Default().With("component", "notify")}
}

const (
	topicCreated = "hitl.created"
	topicDecided = "hitl.decided"
	topicAlert   = "hitl.alert"
)

// alertPayload is the wire shape published to topicAlert and recorded as a
// metrics error. It is deliberately not routed through Chat: alerts are an
// ops concern (SEC-040 config-missing, SEC-080 hash-mismatch per spec.md
// §4), not a trader-facing message.
type alertPayload struct {
	Code          contracts.SecCode `json:"code"`
	CorrelationID string            `json:"correlation_id"`
	Message       string            `json:"message"`
}

// NotifyCreated fans out an AWAITING_APPROVAL event.
func (h *Hub) NotifyCreated(ctx context.Context, req *contracts.ApprovalRequest) {
	if h.Metrics != nil {
		h.Metrics.RecordCreated(ctx, req.Instrument)
	}
	if h.Bus != nil {
		h.publish(ctx, topicCreated, req)
	}
	if h.Chat != nil {
		h.Chat.NotifyAwaitingApproval(ctx, req, "", "")
	}
}

// NotifyDecided fans out an ACCEPTED/REJECTED event.
func (h *Hub) NotifyDecided(ctx context.Context, req *contracts.ApprovalRequest) {
	reason := ""
	if req.DecisionReason != nil {
		reason = *req.DecisionReason
	}
	outcome := contracts.DecisionReject
	if req.Status == contracts.StatusAccepted {
		outcome = contracts.DecisionApprove
	}
	var latency time.Duration
	if req.DecidedAt != nil {
		latency = req.DecidedAt.Sub(req.RequestedAt)
	}
	if h.Metrics != nil {
		h.Metrics.RecordDecided(ctx, outcome, reason, latency)
	}
	if h.Bus != nil {
		h.publish(ctx, topicDecided, req)
	}
	if h.Chat != nil {
		h.Chat.NotifyDecided(ctx, req)
	}
}

// NotifyAlert raises a system-level alert (spec.md §4: only SEC-040
// config-missing and SEC-080 hash-mismatch reach this level, as opposed to
// the per-request errors returned directly to a caller). It records an
// error metric and publishes to a dedicated topic so an ops consumer can
// page on it independently of the approval event stream.
func (h *Hub) NotifyAlert(ctx context.Context, code contracts.SecCode, correlationID, message string) {
	if h.Metrics != nil {
		h.Metrics.RecordError(ctx, code)
	}
	if h.Bus == nil {
		return
	}
	payload, err := json.Marshal(alertPayload{Code: code, CorrelationID: correlationID, Message: message})
	if err != nil {
		h.logger.ErrorContext(ctx, "marshal alert payload failed", "error", err)
		return
	}
	if err := h.Bus.Publish(ctx, topicAlert, payload); err != nil {
		h.logger.WarnContext(ctx, "publish alert failed", "error", err)
	}
}

func (h *Hub) publish(ctx context.Context, topic string, req *contracts.ApprovalRequest) {
	payload, err := json.Marshal(req)
	if err != nil {
		h.logger.ErrorContext(ctx, "marshal event payload failed", "error", err, "topic", topic)
		return
	}
	if err := h.Bus.Publish(ctx, topic, payload); err != nil {
		h.logger.WarnContext(ctx, "publish event failed", "error", err, "topic", topic)
	}
}
