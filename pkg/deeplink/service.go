// Package deeplink implements C10: the Deep-Link Token Service. It mints
// single-use, expiring tokens embedded in chat notification links so an
// operator can approve/reject from a Discord/Slack message without
// re-authenticating through the full API, and redeems them exactly once.
// Grounded on the teacher's pkg/api.ApproveHandler, which held pending
// approvals in an in-memory map keyed by a request ID checked against an
// Ed25519 signature; here the token itself is the bearer credential and
// persistence moves to the Approval Store so a token survives a restart.
package deeplink

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/approvalstore"
	"github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"
)

const tokenBytes = 32

// defaultTTL bounds how long a deep-link stays valid; shorter than the
// surrounding approval window is typical but not required.
const defaultTTL = 15 * time.Minute

// Service mints and redeems deep-link tokens against the Approval Store.
type Service struct {
	store *approvalstore.Store
	ttl   time.Duration
	clock func() time.Time
}

// New builds a Service. ttl <= 0 falls back to defaultTTL.
func New(store *approvalstore.Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Service{store: store, ttl: ttl, clock: time.Now}
}

// Mint generates a new token for tradeID and persists it.
func (s *Service) Mint(ctx context.Context, tradeID, correlationID string) (*contracts.DeepLinkToken, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("deeplink: generate token: %w", err)
	}
	now := s.clock().UTC()
	tok := &contracts.DeepLinkToken{
		Token:         hex.EncodeToString(raw),
		TradeID:       tradeID,
		ExpiresAt:     now.Add(s.ttl),
		CorrelationID: correlationID,
		CreatedAt:     now,
	}
	if err := s.store.MintToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("deeplink: persist token: %w", err)
	}
	return tok, nil
}

// Redeem marks token used and returns the trade_id it was minted for.
// Redemption is single-use and atomic: a second call for the same token
// (e.g. a double-click on the chat link) returns
// approvalstore.ErrTokenAlreadyUsed rather than silently succeeding twice.
func (s *Service) Redeem(ctx context.Context, token string) (string, error) {
	tok, err := s.store.RedeemToken(ctx, token, s.clock().UTC())
	if err != nil {
		return "", err
	}
	return tok.TradeID, nil
}
