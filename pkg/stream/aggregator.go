package stream

import "encoding/json"

// QueryResult is a complete, non-streaming view of one query: the folded
// assistant content plus the accounting from the result event.
type QueryResult struct {
	SessionID        string          `json:"session_id"`
	Model            string          `json:"model,omitempty"`
	Content          string          `json:"content"`
	IsError          bool            `json:"is_error"`
	DurationMS       int64           `json:"duration_ms"`
	Turns            int             `json:"turns"`
	CostUSD          float64         `json:"cost_usd"`
	Usage            Usage           `json:"usage"`
	ResultText       string          `json:"result,omitempty"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
}

// Collect drains a stream to completion and folds it into one QueryResult.
// Partial chunks are dropped in favor of the complete messages that follow
// them; an error event wipes the accumulated content so callers never see
// half a failed answer.
func Collect(events <-chan Event) QueryResult {
	var out QueryResult
	content := ""

	for ev := range events {
		switch ev.Kind {
		case KindInit:
			if p, ok := ev.Payload.(InitPayload); ok {
				out.SessionID = p.SessionID
				out.Model = p.Model
			}

		case KindMessage:
			if p, ok := ev.Payload.(MessagePayload); ok && p.Role == "assistant" {
				if content != "" {
					content += "\n"
				}
				content += p.Content
			}

		case KindResult:
			if p, ok := ev.Payload.(ResultPayload); ok {
				out.Usage.Add(p.Usage)
				out.CostUSD += p.CostUSD
				out.DurationMS = p.DurationMS
				out.Turns = p.Turns
				out.ResultText = p.ResultText
				out.StructuredOutput = p.StructuredOutput
				if p.IsError {
					out.IsError = true
				}
			}

		case KindError:
			out.IsError = true
			if p, ok := ev.Payload.(ErrorPayload); ok {
				content = p.Message
			} else {
				content = "internal stream error"
			}
		}
	}

	out.Content = content
	return out
}
