package hashintegrity

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"
)

// ComputeAuditHash returns the SHA-256 digest chaining entry to the prior
// audit entry's hash (entry.PrevHash), the same hash-chain construction as
// the teacher's pkg/merkle tree leaves, applied linearly rather than as a
// tree: each entry's hash covers its own fields plus the previous entry's
// hash, so altering any historical entry invalidates every hash after it.
func ComputeAuditHash(entry *contracts.AuditEntry) (string, error) {
	var b []byte
	b = append(b, []byte(entry.ID)...)
	b = append(b, '|')
	b = append(b, []byte(entry.ActorID)...)
	b = append(b, '|')
	b = append(b, []byte(entry.Action)...)
	b = append(b, '|')
	b = append(b, []byte(entry.TargetType)...)
	b = append(b, '|')
	b = append(b, []byte(entry.TargetID)...)
	b = append(b, '|')
	b = append(b, entry.PreviousState...)
	b = append(b, '|')
	b = append(b, entry.NewState...)
	b = append(b, '|')
	b = append(b, entry.Payload...)
	b = append(b, '|')
	b = append(b, []byte(entry.CorrelationID)...)
	b = append(b, '|')
	b = append(b, []byte(entry.ErrorCode)...)
	b = append(b, '|')
	b = append(b, []byte(entry.CreatedAt.UTC().Format(timestampLayout))...)
	b = append(b, '|')
	b = append(b, []byte(entry.PrevHash)...)

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
