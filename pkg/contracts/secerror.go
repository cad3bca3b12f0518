package contracts

import "fmt"

// SecCode is one of the gateway's SEC-0xx error kinds (spec.md §7).
type SecCode string

const (
	SecMissingAuth       SecCode = "SEC-001"
	SecDuplicateTrade    SecCode = "SEC-010"
	SecGuardianLocked    SecCode = "SEC-020"
	SecInvalidTransition SecCode = "SEC-030"
	SecMissingConfig     SecCode = "SEC-040"
	SecSlippageBreach    SecCode = "SEC-050"
	SecExpiryReached     SecCode = "SEC-060"
	SecHashMismatch      SecCode = "SEC-080"
	SecUnauthorized      SecCode = "SEC-090"
)

// GatewayError is the canonical error type raised by every gate in the
// approval lifecycle. It carries enough context to become either an audit
// entry (pkg/contracts.AuditEntry.ErrorCode) or an RFC 7807 ProblemDetail
// at the HTTP boundary (pkg/api).
type GatewayError struct {
	Code          SecCode
	Message       string
	CorrelationID string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewGatewayError constructs a GatewayError.
func NewGatewayError(code SecCode, correlationID, format string, args ...any) *GatewayError {
	return &GatewayError{
		Code:          code,
		Message:       fmt.Sprintf(format, args...),
		CorrelationID: correlationID,
	}
}
