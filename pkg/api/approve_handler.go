package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/approvalstore"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/deeplink"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/gatewaycore"
)

// DeepLinkHandler handles GET /api/hitl/deeplink/{token}?action=approve|reject,
// the backend half of the chat-notification approve/reject links (C10).
// Generalized from the teacher's ApproveHandler (which verified an Ed25519
// signature over an intent_hash against an in-memory pending map): here
// the bearer token itself, once redeemed exactly once against the
// Approval Store, is the credential.
type DeepLinkHandler struct {
	tokens *deeplink.Service
	core   *gatewaycore.Core
}

// NewDeepLinkHandler builds a DeepLinkHandler.
func NewDeepLinkHandler(tokens *deeplink.Service, core *gatewaycore.Core) *DeepLinkHandler {
	return &DeepLinkHandler{tokens: tokens, core: core}
}

// HandleRedeem processes a deep-link click: redeems the token, then
// applies the requested decision as the operator named by the operator_id
// query parameter (or "deeplink" when it is absent) over the DISCORD channel (the deep link is only ever embedded in a chat
// notification).
func (h *DeepLinkHandler) HandleRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	token := extractDeepLinkToken(r.URL.Path)
	if token == "" {
		WriteBadRequest(w, "token is required in the request path")
		return
	}
	action := r.URL.Query().Get("action")
	var outcome contracts.DecisionOutcome
	switch action {
	case "approve":
		outcome = contracts.DecisionApprove
	case "reject":
		outcome = contracts.DecisionReject
	default:
		WriteBadRequest(w, "action must be approve or reject")
		return
	}

	tradeID, err := h.tokens.Redeem(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, approvalstore.ErrTokenNotFound):
			WriteNotFound(w, "deep link not found")
		case errors.Is(err, approvalstore.ErrTokenAlreadyUsed):
			WriteConflict(w, "deep link already used")
		case errors.Is(err, approvalstore.ErrTokenExpired):
			WriteErrorR(w, r, http.StatusGone, "Gone", "deep link has expired")
		default:
			WriteInternal(w, err)
		}
		return
	}

	operatorID := r.URL.Query().Get("operator_id")
	if operatorID == "" {
		operatorID = "deeplink"
	}

	req, err := h.core.Decide(r.Context(), tradeID, operatorID, outcome, contracts.ChannelDiscord, "deep_link_redeemed", token)
	if err != nil {
		var gwErr *contracts.GatewayError
		if errors.As(err, &gwErr) {
			writeGatewayError(w, r, gwErr)
			return
		}
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(req)
}

func extractDeepLinkToken(path string) string {
	trimmed := strings.TrimPrefix(path, "/api/hitl/deeplink/")
	if trimmed == path {
		return ""
	}
	return trimmed
}
