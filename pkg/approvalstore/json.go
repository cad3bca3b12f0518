package approvalstore

import (
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/hitl-gateway/pkg/contracts"
)

func marshalReasoning(r contracts.ReasoningSummary) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("approvalstore: marshal reasoning_summary: %w", err)
	}
	return b, nil
}

func unmarshalReasoning(raw []byte, out *contracts.ReasoningSummary) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("approvalstore: unmarshal reasoning_summary: %w", err)
	}
	return nil
}
