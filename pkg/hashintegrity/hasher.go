// Package hashintegrity implements C1: the Integrity Hasher. It computes a
// SHA-256 digest over a canonical, fixed-order serialization of an
// ApprovalRequest's fields, and verifies a stored hash against a
// recomputed one. Any single-byte change to a covered field changes the
// digest; this is the tamper-evidence primitive the rest of the gateway
// (Approval Store reads, restart recovery, Lock-Cascade) all rely on.
package hashintegrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"
)

const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Compute returns the 64-char hex SHA-256 digest of record's covered fields,
// joined with '|' in the fixed order written out below (id, trade_id, ...,
// decision_reason), which is not lexicographic by field name. The order is
// independent of struct field order or Go version — determinism across
// processes and restarts is the whole point.
func Compute(record *contracts.ApprovalRequest) (string, error) {
	reasoningBytes, err := canonicalizeJSON(record.ReasoningSummary)
	if err != nil {
		return "", fmt.Errorf("hashintegrity: canonicalize reasoning_summary: %w", err)
	}

	var b strings.Builder
	writeField(&b, record.ID)
	writeField(&b, record.TradeID)
	writeField(&b, record.Instrument)
	writeField(&b, string(record.Side))
	writeField(&b, formatMoney(record.RiskPct))
	writeField(&b, formatMoney(record.Confidence))
	writeField(&b, formatMoney(record.RequestPrice))
	writeField(&b, string(reasoningBytes))
	writeField(&b, record.CorrelationID)
	writeField(&b, string(record.Status))
	writeField(&b, record.RequestedAt.UTC().Format(timestampLayout))
	writeField(&b, record.ExpiresAt.UTC().Format(timestampLayout))
	writeField(&b, formatOptionalTime(record.DecidedAt))
	writeField(&b, formatOptionalString(record.DecidedBy))
	writeField(&b, formatOptionalChannel(record.DecisionChannel))
	writeField(&b, formatOptionalString(record.DecisionReason))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

// Verify reports whether record.RowHash matches the digest recomputed over
// record's current field values.
func Verify(record *contracts.ApprovalRequest) (bool, error) {
	computed, err := Compute(record)
	if err != nil {
		return false, err
	}
	return computed == record.RowHash, nil
}

func writeField(b *strings.Builder, v string) {
	if b.Len() > 0 {
		b.WriteByte('|')
	}
	b.WriteString(v)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(timestampLayout)
}

func formatOptionalString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatOptionalChannel(c *contracts.DecisionChannel) string {
	if c == nil {
		return ""
	}
	return string(*c)
}

// formatMoney renders a fixed-point Money value to its full declared
// precision, e.g. scale=8 -> "1500000.00000000". Integer minor-units avoid
// the float64 rounding drift that would otherwise break Testable Property 7
// (byte-for-byte decimal round-trip).
func formatMoney(m contracts.Money) string {
	neg := m.Units < 0
	units := m.Units
	if neg {
		units = -units
	}
	scale := int64(1)
	for i := uint8(0); i < m.Scale; i++ {
		scale *= 10
	}
	whole := units / scale
	frac := units % scale
	sign := ""
	if neg {
		sign = "-"
	}
	if m.Scale == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	return fmt.Sprintf("%s%d.%0*d", sign, whole, m.Scale, frac)
}

// canonicalizeJSON renders v as RFC 8785 (JSON Canonicalization Scheme)
// bytes via the vendored gowebpki/jcs transform: sorted keys, no
// insignificant whitespace, deterministic number formatting. A zero-value
// ReasoningSummary still canonicalizes to a stable form, with every key
// present and empty or null values.
func canonicalizeJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, err
	}
	return canonical, nil
}

// sortedKeys returns m's keys in sorted order, a deterministic key order
// without a full JCS pass. Nothing in the module calls it at present.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
