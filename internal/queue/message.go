package queue

import (
	"fmt"
	"strings"
)

// ClosureMessage asks the manifest worker to deliver the manifest of a closed batch.
type ClosureMessage struct {
	BatchID       string `json:"batchId"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (m ClosureMessage) Validate() error {
	if strings.TrimSpace(m.BatchID) == "" {
		return fmt.Errorf("batchId is required")
	}
	return nil
}
