// Handlers for the HITL Approval Gateway HTTP surface:
//   GET  /api/hitl/pending
//   POST /api/hitl/{trade_id}/approve
//   POST /api/hitl/{trade_id}/reject
// Grounded on the teacher's pkg/api.ApproveHandler shape (register then
// decide), generalized from an in-memory pending map + Ed25519 signature
// check to the persistent Approval Store + operator-authorization Gate.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/gatewaycore"
)

// GatewayHandler serves the HITL Approval Gateway's HTTP API.
type GatewayHandler struct {
	core    *gatewaycore.Core
	limiter *OperatorTradeRateLimiter
}

// NewGatewayHandler builds a GatewayHandler over core.
func NewGatewayHandler(core *gatewaycore.Core, limiter *OperatorTradeRateLimiter) *GatewayHandler {
	return &GatewayHandler{core: core, limiter: limiter}
}

// decideRequestBody is the shared request shape for approve/reject.
type decideRequestBody struct {
	OperatorID string                    `json:"operator_id"`
	Channel    contracts.DecisionChannel `json:"channel"`
	Reason     string                    `json:"reason"`
}

// HandlePending serves GET /api/hitl/pending.
func (h *GatewayHandler) HandlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	pending, err := h.core.ListPending(r.Context())
	if err != nil {
		var gwErr *contracts.GatewayError
		if errors.As(err, &gwErr) {
			writeGatewayError(w, r, gwErr)
			return
		}
		WriteInternal(w, err)
		return
	}
	type pendingItem struct {
		*contracts.ApprovalRequest
		SecondsRemaining int64 `json:"seconds_remaining"`
	}
	now := time.Now()
	items := make([]pendingItem, 0, len(pending))
	for _, p := range pending {
		items = append(items, pendingItem{ApprovalRequest: p, SecondsRemaining: p.SecondsRemaining(now)})
	}
	writeJSON(w, http.StatusOK, items)
}

// HandleApprove serves POST /api/hitl/{trade_id}/approve.
func (h *GatewayHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.handleDecide(w, r, contracts.DecisionApprove)
}

// HandleReject serves POST /api/hitl/{trade_id}/reject.
func (h *GatewayHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.handleDecide(w, r, contracts.DecisionReject)
}

func (h *GatewayHandler) handleDecide(w http.ResponseWriter, r *http.Request, outcome contracts.DecisionOutcome) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	tradeID := extractTradeID(r.URL.Path)
	if tradeID == "" {
		WriteBadRequest(w, "trade_id is required in the request path")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	var body decideRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "malformed JSON body")
		return
	}
	if body.OperatorID == "" {
		WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", "operator_id is required")
		return
	}
	if body.Channel == "" {
		body.Channel = contracts.ChannelWeb
	}

	if h.limiter != nil && !h.limiter.Allow(body.OperatorID, tradeID) {
		WriteTooManyRequests(w, 2)
		return
	}

	correlationID := r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	req, err := h.core.Decide(r.Context(), tradeID, body.OperatorID, outcome, body.Channel, body.Reason, correlationID)
	if err != nil {
		var gwErr *contracts.GatewayError
		if errors.As(err, &gwErr) {
			writeGatewayError(w, r, gwErr)
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func extractTradeID(path string) string {
	// path shape: /api/hitl/{trade_id}/approve|reject
	trimmed := strings.TrimPrefix(path, "/api/hitl/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return ""
	}
	return parts[0]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeGatewayError maps a SEC-0xx GatewayError to an HTTP status per
// spec.md §7's error taxonomy.
func writeGatewayError(w http.ResponseWriter, r *http.Request, err *contracts.GatewayError) {
	status := http.StatusInternalServerError
	switch err.Code {
	case contracts.SecMissingAuth, contracts.SecUnauthorized:
		status = http.StatusUnauthorized
	case contracts.SecDuplicateTrade, contracts.SecInvalidTransition:
		status = http.StatusConflict
	case contracts.SecGuardianLocked, contracts.SecSlippageBreach, contracts.SecExpiryReached:
		status = http.StatusForbidden
	case contracts.SecMissingConfig:
		status = http.StatusInternalServerError
	case contracts.SecHashMismatch:
		status = http.StatusConflict
	}
	WriteErrorR(w, r, status, string(err.Code), err.Message)
}
