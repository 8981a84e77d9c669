package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/rs/zerolog"
)

// AnthropicRuntime adapts the Anthropic Messages streaming API to the
// Runtime contract.
type AnthropicRuntime struct {
	client anthropic.Client
	logger zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewAnthropicRuntime creates the adapter.
func NewAnthropicRuntime(apiKey string, logger zerolog.Logger) *AnthropicRuntime {
	return &AnthropicRuntime{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		logger:  logger.With().Str("component", "runtime.anthropic").Logger(),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Execute implements Runtime.
func (r *AnthropicRuntime) Execute(ctx context.Context, q Query) (EventSource, error) {
	if q.Prompt == "" {
		return nil, fmt.Errorf("runtime: prompt is required")
	}
	maxTokens := q.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(q.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(q.Prompt)),
		},
	}
	if q.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: q.SystemPrompt}}
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels[q.SessionID] = cancel
	r.mu.Unlock()

	stream := r.client.Messages.NewStreaming(runCtx, params)

	return &anthropicSource{
		runtime:   r,
		sessionID: q.SessionID,
		model:     q.Model,
		stream:    stream,
		cancel:    cancel,
	}, nil
}

// Stop implements Runtime. Cancelling the stream context aborts the
// in-flight HTTP request; the API bills only what was generated.
func (r *AnthropicRuntime) Stop(_ context.Context, sessionID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[sessionID]
	delete(r.cancels, sessionID)
	r.mu.Unlock()

	if !ok {
		return false
	}
	cancel()
	r.logger.Debug().Str("session_id", sessionID).Msg("Runtime stream cancelled")
	return true
}

func (r *AnthropicRuntime) forget(sessionID string) {
	r.mu.Lock()
	delete(r.cancels, sessionID)
	r.mu.Unlock()
}

type anthropicSource struct {
	runtime   *AnthropicRuntime
	sessionID string
	model     string
	stream    *ssestream.Stream[anthropic.MessageStreamEventUnion]
	cancel    context.CancelFunc
	message   anthropic.Message
	pending   []*Event
	done      bool
}

// Next implements EventSource. Text deltas surface as partial events; the
// accumulated message plus a usage/cost result event are queued when the
// upstream stream ends.
func (s *anthropicSource) Next(ctx context.Context) (*Event, error) {
	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		return ev, nil
	}
	if s.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for s.stream.Next() {
		event := s.stream.Current()
		if err := s.message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("runtime: accumulate: %w", err)
		}

		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if deltaVariant, ok := eventVariant.Delta.AsAny().(anthropic.TextDelta); ok && deltaVariant.Text != "" {
				return &Event{
					Type:      EventPartial,
					Role:      "assistant",
					Content:   deltaVariant.Text,
					Model:     s.model,
					SessionID: s.sessionID,
				}, nil
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		return nil, fmt.Errorf("runtime: stream: %w", err)
	}

	s.done = true
	s.runtime.forget(s.sessionID)
	s.queueFinal()

	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		return ev, nil
	}
	return nil, io.EOF
}

func (s *anthropicSource) queueFinal() {
	content := ""
	for _, block := range s.message.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += text.Text
		}
	}

	usage := Usage{
		InputTokens:  int(s.message.Usage.InputTokens),
		OutputTokens: int(s.message.Usage.OutputTokens),
	}

	if content != "" {
		s.pending = append(s.pending, &Event{
			Type:      EventMessage,
			Role:      "assistant",
			Content:   content,
			Model:     s.model,
			SessionID: s.sessionID,
		})
	}
	s.pending = append(s.pending, &Event{
		Type:      EventResult,
		Model:     s.model,
		SessionID: s.sessionID,
		Usage:     &usage,
		CostUSD:   estimateCost(s.model, usage),
	})
}

// Close implements EventSource.
func (s *anthropicSource) Close() error {
	s.cancel()
	s.runtime.forget(s.sessionID)
	return nil
}
