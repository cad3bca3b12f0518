package api

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"time"
)

const idempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key         TEXT PRIMARY KEY,
	status_code INTEGER NOT NULL,
	headers     JSONB NOT NULL DEFAULT '{}',
	body        BYTEA NOT NULL,
	cached_at   TIMESTAMPTZ NOT NULL
);
`

// PostgresIdempotencyStore provides durable idempotency enforcement backed by PostgreSQL.
// Replaces the volatile MemoryIdempotencyStore to survive process restarts.
type PostgresIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresIdempotencyStore creates a new PostgreSQL-backed idempotency store.
func NewPostgresIdempotencyStore(db *sql.DB, ttl time.Duration) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db, ttl: ttl}
}

// EnsureSchema creates the idempotency_keys table if it does not already
// exist. Safe to call on every startup alongside approvalstore.Store.Init.
func (s *PostgresIdempotencyStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, idempotencySchema)
	return err
}

// Check returns a cached response if the idempotency key was seen before and is within TTL.
func (s *PostgresIdempotencyStore) Check(key string) (*cachedResponse, bool) {
	var statusCode int
	var headers []byte
	var body []byte
	var cachedAt time.Time

	err := s.db.QueryRow(
		`SELECT status_code, headers, body, cached_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&statusCode, &headers, &body, &cachedAt)
	if err != nil {
		return nil, false
	}

	// Check TTL
	if time.Since(cachedAt) > s.ttl {
		// Expired — delete and return miss
		_, _ = s.db.Exec(`DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false
	}

	// Reconstruct headers
	hdr := make(http.Header)
	// Headers are not persisted (Set writes "{}"); Content-Type is restored as JSON
	hdr.Set("Content-Type", "application/json")

	return &cachedResponse{
		StatusCode: statusCode,
		Headers:    hdr,
		Body:       body,
	}, true
}

// Set stores an idempotency key and its response.
func (s *PostgresIdempotencyStore) Set(key string, statusCode int, headers http.Header, body []byte) {
	_, err := s.db.Exec(
		`INSERT INTO idempotency_keys (key, status_code, headers, body, cached_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (key) DO UPDATE SET status_code = $2, headers = $3, body = $4, cached_at = NOW()`,
		key, statusCode, []byte("{}"), body,
	)
	if err != nil {
		// Log but don't fail — idempotency is best-effort enrichment
		log.Printf("idempotency: failed to set key %s: %v", key, err)
	}
}

// Cleanup removes expired idempotency keys older than the TTL.
func (s *PostgresIdempotencyStore) Cleanup() {
	_, _ = s.db.Exec(
		`DELETE FROM idempotency_keys WHERE cached_at < $1`,
		time.Now().Add(-s.ttl),
	)
}
