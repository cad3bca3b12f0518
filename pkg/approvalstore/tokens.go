package approvalstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"
)

// ErrTokenNotFound is returned when a deep-link token has never been minted.
var ErrTokenNotFound = errors.New("approvalstore: token not found")

// ErrTokenAlreadyUsed is returned on a second redemption attempt.
var ErrTokenAlreadyUsed = errors.New("approvalstore: token already used")

// ErrTokenExpired is returned when redeeming a token past its expiry.
var ErrTokenExpired = errors.New("approvalstore: token expired")

// MintToken persists a freshly generated deep-link token (C10 mints the
// random value; the store only owns durability and single-use semantics).
func (s *Store) MintToken(ctx context.Context, tok *contracts.DeepLinkToken) error {
	const q = `
		INSERT INTO deep_link_tokens (token, trade_id, expires_at, correlation_id, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`
	_, err := s.db.ExecContext(ctx, q, tok.Token, tok.TradeID, tok.ExpiresAt.UTC(), tok.CorrelationID, tok.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("approvalstore: mint token: %w", err)
	}
	return nil
}

// RedeemToken atomically marks a token used via the same conditional-UPDATE
// pattern as Decide: UPDATE ... WHERE used_at IS NULL guarantees a token can
// be consumed at most once even under concurrent clicks on the same link.
func (s *Store) RedeemToken(ctx context.Context, token string, now time.Time) (*contracts.DeepLinkToken, error) {
	tok, err := s.fetchToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if tok.UsedAt != nil {
		return nil, ErrTokenAlreadyUsed
	}
	if now.After(tok.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	const q = `UPDATE deep_link_tokens SET used_at = $1 WHERE token = $2 AND used_at IS NULL`
	res, err := s.db.ExecContext(ctx, q, now.UTC(), token)
	if err != nil {
		return nil, fmt.Errorf("approvalstore: redeem token: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("approvalstore: redeem rows affected: %w", err)
	}
	if rows == 0 {
		return nil, ErrTokenAlreadyUsed
	}
	tok.UsedAt = &now
	return tok, nil
}

func (s *Store) fetchToken(ctx context.Context, token string) (*contracts.DeepLinkToken, error) {
	const q = `SELECT token, trade_id, expires_at, used_at, correlation_id, created_at FROM deep_link_tokens WHERE token = $1`
	var tok contracts.DeepLinkToken
	var usedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, q, token).Scan(
		&tok.Token, &tok.TradeID, &tok.ExpiresAt, &usedAt, &tok.CorrelationID, &tok.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("approvalstore: fetch token: %w", err)
	}
	if usedAt.Valid {
		tok.UsedAt = &usedAt.Time
	}
	return &tok, nil
}
