// Package lifecycle implements C3: the State Machine — a pure validator
// over the ApprovalRequest lifecycle. It enforces only the HITL segment;
// later segments such as ACCEPTED -> FILLED belong to downstream systems.
package lifecycle

import "github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"

// legalTransitions enumerates every allowed (from, to) pair.
var legalTransitions = map[contracts.Status]map[contracts.Status]bool{
	"": { // PENDING, the pre-persistence state, has no Status value yet
		contracts.StatusAwaitingApproval: true,
	},
	contracts.StatusAwaitingApproval: {
		contracts.StatusAccepted: true,
		contracts.StatusRejected: true,
	},
}

// Validate reports whether the transition from -> to is legal. Callers
// persist the transition (Approval Store, §4.5); this function only
// decides whether the attempt is sound.
func Validate(from, to contracts.Status) bool {
	allowed, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// Check validates the transition and returns a SEC-030 GatewayError when
// it is illegal, leaving the caller free to abort before touching storage.
func Check(from, to contracts.Status, correlationID string) *contracts.GatewayError {
	if Validate(from, to) {
		return nil
	}
	return contracts.NewGatewayError(contracts.SecInvalidTransition, correlationID,
		"illegal transition %q -> %q", from, to)
}
