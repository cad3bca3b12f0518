// Package lockcascade implements C8: the Lock-Cascade Handler, a serial
// consumer of Guardian Port lock events that rejects every open approval
// the instant Guardian locks. It is a callback registered with the Guardian
// Port, which invokes it synchronously from its single poller goroutine in
// arrival order, so cascades never interleave; there is no channel or
// goroutine of its own.
package lockcascade

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/guardianport"
)

// Rejector is satisfied by gatewaycore.Core; declared narrowly here so
// this package doesn't import gatewaycore and create a cycle.
type Rejector interface {
	CascadeRejectOnGuardianLock(ctx context.Context, correlationID string) (int, error)
}

// Handler drains a Guardian Port's lock events one at a time and cascades
// a reject across every pending approval.
type Handler struct {
	port     guardianport.Port
	rejector Rejector
	logger   *slog.Logger
}

// New wires a Handler between port and rejector and subscribes it to port
// itself; build it before the Port's background poller starts (see
// guardianport.HTTPPort.Run) so no lock event is missed.
func New(port guardianport.Port, rejector Rejector) *Handler {
	h := &Handler{port: port, rejector: rejector, logger: slog.Default().With("component", "lockcascade")}
	port.Subscribe(h.handle)
	return h
}

// handle is invoked serially by the Guardian Port for each LockEvent; the
// Port guarantees single-goroutine delivery, so no further
// synchronization is needed here.
func (h *Handler) handle(event guardianport.LockEvent) {
	ctx := context.Background()
	correlationID := uuid.NewString()
	count, err := h.rejector.CascadeRejectOnGuardianLock(ctx, correlationID)
	if err != nil {
		h.logger.ErrorContext(ctx, "cascade reject failed", "error", err, "reason", event.Reason)
		return
	}
	h.logger.WarnContext(ctx, "guardian locked, cascaded rejects",
		"reason", event.Reason, "locked_at", event.LockedAt, "rejected_count", count,
		"correlation_id", correlationID,
	)
}
