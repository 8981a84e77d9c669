// Package runtime defines the Agent Runtime collaborator: the component
// that turns a prompt into a stream of role-tagged events. The streaming
// subsystem classifies event kinds and extracts usage, cost, and error
// fields but does not interpret runtime semantics further.
package runtime

import (
	"context"
	"encoding/json"
	"io"
)

// EventType classifies a runtime event.
type EventType string

const (
	// EventInit carries session metadata ahead of any content.
	EventInit EventType = "init"
	// EventMessage is a complete role-tagged message.
	EventMessage EventType = "message"
	// EventPartial is an incremental content delta.
	EventPartial EventType = "partial"
	// EventQuestion asks the caller for input.
	EventQuestion EventType = "question"
	// EventResult carries usage/cost accounting for a finished turn.
	EventResult EventType = "result"
)

// Usage counts tokens for one turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Event is one runtime emission. Unknown or unparsable events keep their
// Raw bytes so the caller can log a bounded excerpt before skipping them.
type Event struct {
	Type             EventType       `json:"type"`
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	Model            string          `json:"model,omitempty"`
	SessionID        string          `json:"session_id,omitempty"`
	Usage            *Usage          `json:"usage,omitempty"`
	CostUSD          float64         `json:"cost_usd,omitempty"`
	IsError          bool            `json:"is_error,omitempty"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
	Raw              json.RawMessage `json:"-"`
}

// Query is one execution request.
type Query struct {
	Prompt       string
	SessionID    string
	Model        string
	SystemPrompt string
	MaxTokens    int
}

// EventSource yields runtime events for one query. Next returns io.EOF at
// exhaustion. Close releases the underlying stream; calling it more than
// once is allowed.
type EventSource interface {
	Next(ctx context.Context) (*Event, error)
	Close() error
}

// Runtime is the external agent runtime collaborator.
type Runtime interface {
	// Execute starts a query and returns its event source.
	Execute(ctx context.Context, q Query) (EventSource, error)
	// Stop asks the runtime to halt a running query. Best-effort; the
	// return value reports whether the runtime acknowledged it.
	Stop(ctx context.Context, sessionID string) bool
}

// sliceSource adapts a fixed slice of events; used by tests and by
// adapters that buffer a terminal batch.
type sliceSource struct {
	events []*Event
	pos    int
}

// NewSliceSource returns an EventSource over a fixed set of events.
func NewSliceSource(events []*Event) EventSource {
	return &sliceSource{events: events}
}

func (s *sliceSource) Next(ctx context.Context) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *sliceSource) Close() error { return nil }
