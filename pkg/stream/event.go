// Package stream turns one query into a live, ordered event stream. A
// producer pulls events from the agent runtime and a bounded channel
// decouples it from the consumer: when the consumer is slow the producer
// blocks instead of buffering without bound.
package stream

import "encoding/json"

// Kind classifies an event on the wire.
type Kind string

const (
	KindInit     Kind = "init"
	KindMessage  Kind = "message"
	KindPartial  Kind = "partial"
	KindQuestion Kind = "question"
	KindResult   Kind = "result"
	KindError    Kind = "error"
	KindDone     Kind = "done"
)

// Event is an immutable kind/payload pair. Each query's stream carries
// exactly one init, one result, and one done event; done is always last.
type Event struct {
	Kind    Kind        `json:"kind"`
	Payload interface{} `json:"payload,omitempty"`
}

// Usage counts tokens consumed by the runtime.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add merges another usage block field-wise.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Manifest lists the capabilities announced in the init event.
type Manifest struct {
	Tools    []string `json:"tools,omitempty"`
	Commands []string `json:"commands,omitempty"`
	Plugins  []string `json:"plugins,omitempty"`
}

// InitPayload opens every stream, before any runtime event.
type InitPayload struct {
	SessionID string   `json:"session_id"`
	Model     string   `json:"model"`
	Tools     []string `json:"tools,omitempty"`
	Commands  []string `json:"commands,omitempty"`
	Plugins   []string `json:"plugins,omitempty"`
}

// MessagePayload carries one role-tagged message or partial chunk.
type MessagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// QuestionPayload asks the consumer for input mid-stream.
type QuestionPayload struct {
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
}

// ResultPayload aggregates the whole query: usage, cost, structured
// output, error flag. Singular per stream.
type ResultPayload struct {
	SessionID        string          `json:"session_id"`
	Usage            Usage           `json:"usage"`
	CostUSD          float64         `json:"cost_usd"`
	DurationMS       int64           `json:"duration_ms"`
	Turns            int             `json:"turns"`
	IsError          bool            `json:"is_error"`
	ResultText       string          `json:"result,omitempty"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
	ModifiedFiles    []string        `json:"modified_files,omitempty"`
}

// ErrorPayload is the sanitized failure surface. Raw exception detail
// never crosses the transport; StreamID lets an operator find the full
// log line.
type ErrorPayload struct {
	Message  string `json:"message"`
	StreamID string `json:"stream_id"`
}

// DoneReason explains why the stream terminated.
type DoneReason string

const (
	ReasonCompleted   DoneReason = "completed"
	ReasonInterrupted DoneReason = "interrupted"
	ReasonError       DoneReason = "error"
)

// DonePayload closes every stream.
type DonePayload struct {
	SessionID string     `json:"session_id"`
	Reason    DoneReason `json:"reason"`
}
