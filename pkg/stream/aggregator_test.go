package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func feed(events ...Event) <-chan Event {
	ch := make(chan Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestCollect_FoldsAssistantMessages(t *testing.T) {
	result := Collect(feed(
		Event{Kind: KindInit, Payload: InitPayload{SessionID: "s1", Model: "m"}},
		Event{Kind: KindMessage, Payload: MessagePayload{Role: "assistant", Content: "first"}},
		Event{Kind: KindMessage, Payload: MessagePayload{Role: "user", Content: "ignored"}},
		Event{Kind: KindMessage, Payload: MessagePayload{Role: "assistant", Content: "second"}},
		Event{Kind: KindResult, Payload: ResultPayload{
			SessionID:  "s1",
			Usage:      Usage{InputTokens: 12, OutputTokens: 8},
			CostUSD:    0.05,
			DurationMS: 900,
			Turns:      2,
			ResultText: "second",
		}},
		Event{Kind: KindDone, Payload: DonePayload{SessionID: "s1", Reason: ReasonCompleted}},
	))

	assert.Equal(t, "s1", result.SessionID)
	assert.Equal(t, "first\nsecond", result.Content)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 8}, result.Usage)
	assert.InDelta(t, 0.05, result.CostUSD, 1e-9)
	assert.Equal(t, int64(900), result.DurationMS)
	assert.Equal(t, 2, result.Turns)
	assert.False(t, result.IsError)
}

func TestCollect_DropsPartialChunks(t *testing.T) {
	result := Collect(feed(
		Event{Kind: KindPartial, Payload: MessagePayload{Role: "assistant", Content: "he"}},
		Event{Kind: KindPartial, Payload: MessagePayload{Role: "assistant", Content: "hell"}},
		Event{Kind: KindMessage, Payload: MessagePayload{Role: "assistant", Content: "hello"}},
		Event{Kind: KindDone, Payload: DonePayload{Reason: ReasonCompleted}},
	))

	assert.Equal(t, "hello", result.Content)
}

func TestCollect_ErrorWipesContent(t *testing.T) {
	result := Collect(feed(
		Event{Kind: KindMessage, Payload: MessagePayload{Role: "assistant", Content: "half an answer"}},
		Event{Kind: KindError, Payload: ErrorPayload{Message: "internal stream error", StreamID: "abc123"}},
		Event{Kind: KindResult, Payload: ResultPayload{IsError: true}},
		Event{Kind: KindDone, Payload: DonePayload{Reason: ReasonError}},
	))

	assert.True(t, result.IsError)
	assert.Equal(t, "internal stream error", result.Content)
	assert.NotContains(t, result.Content, "half an answer")
}

func TestCollect_CarriesStructuredOutput(t *testing.T) {
	result := Collect(feed(
		Event{Kind: KindResult, Payload: ResultPayload{StructuredOutput: json.RawMessage(`{"ok":true}`)}},
		Event{Kind: KindDone, Payload: DonePayload{Reason: ReasonCompleted}},
	))

	assert.JSONEq(t, `{"ok":true}`, string(result.StructuredOutput))
}
