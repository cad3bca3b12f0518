// Package marketdata defines the gateway's boundary with the external
// market-data feed. Per spec.md §1 Non-goals, the feed itself is out of
// scope — this package is only the contract the Gateway Core needs
// satisfied to feed the Slippage Guard (C2) a current price, mirroring the teacher's style of small Port interfaces at
// every external boundary (e.g. pkg/guardianport.Port for Guardian).
package marketdata

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"
)

// Quote is a point-in-time bid/ask/mid snapshot for an instrument.
type Quote struct {
	Instrument string
	Bid        contracts.Money
	Ask        contracts.Money
	Mid        contracts.Money
	AsOf       time.Time
}

// Port is the market-data collaborator the Gateway Core consults for the
// current price when validating slippage and when building the
// post-trade snapshot (spec.md §3 PostTradeSnapshot).
type Port interface {
	Quote(ctx context.Context, instrument string) (Quote, error)
}
