package stream

import (
	"encoding/json"
	"time"
)

// StreamContext is the per-query bookkeeping record. One instance exists
// per execution, owned exclusively by the producer goroutine running the
// query; it is never shared and never persisted.
type StreamContext struct {
	SessionID        string
	Model            string
	StartedAt        time.Time
	Turns            int
	IsError          bool
	CostUSD          float64
	Usage            Usage
	StructuredOutput json.RawMessage
	ModifiedFiles    []string
	PartialActive    bool
	ResultText       string
}

func newStreamContext(sessionID, model string) *StreamContext {
	return &StreamContext{
		SessionID: sessionID,
		Model:     model,
		StartedAt: time.Now(),
	}
}
