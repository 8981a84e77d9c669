package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/rs/zerolog"
)

// OpenAIRuntime adapts the OpenAI chat-completions streaming API to the
// Runtime contract.
type OpenAIRuntime struct {
	client openai.Client
	logger zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewOpenAIRuntime creates the adapter.
func NewOpenAIRuntime(apiKey string, logger zerolog.Logger) *OpenAIRuntime {
	return &OpenAIRuntime{
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		logger:  logger.With().Str("component", "runtime.openai").Logger(),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Execute implements Runtime.
func (r *OpenAIRuntime) Execute(ctx context.Context, q Query) (EventSource, error) {
	if q.Prompt == "" {
		return nil, fmt.Errorf("runtime: prompt is required")
	}

	messages := []openai.ChatCompletionMessageParamUnion{}
	if q.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(q.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(q.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(q.Model),
		Messages: messages,
	}
	if q.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(q.MaxTokens))
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancels[q.SessionID] = cancel
	r.mu.Unlock()

	stream := r.client.Chat.Completions.NewStreaming(runCtx, params)

	return &openaiSource{
		runtime:   r,
		sessionID: q.SessionID,
		model:     q.Model,
		stream:    stream,
		cancel:    cancel,
	}, nil
}

// Stop implements Runtime.
func (r *OpenAIRuntime) Stop(_ context.Context, sessionID string) bool {
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

func (r *OpenAIRuntime) forget(sessionID string) {
	r.mu.Lock()
	delete(r.cancels, sessionID)
	r.mu.Unlock()
}

type openaiSource struct {
	runtime   *OpenAIRuntime
	sessionID string
	model     string
	stream    *ssestream.Stream[openai.ChatCompletionChunk]
	cancel    context.CancelFunc
	acc       openai.ChatCompletionAccumulator
	pending   []*Event
	done      bool
}

// Next implements EventSource.
func (s *openaiSource) Next(ctx context.Context) (*Event, error) {
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
		chunk := s.stream.Current()
		s.acc.AddChunk(chunk)

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			return &Event{
				Type:      EventPartial,
				Role:      "assistant",
				Content:   chunk.Choices[0].Delta.Content,
				Model:     s.model,
				SessionID: s.sessionID,
			}, nil
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

func (s *openaiSource) queueFinal() {
	content := ""
	if len(s.acc.Choices) > 0 {
		content = s.acc.Choices[0].Message.Content
	}
	usage := Usage{
		InputTokens:  int(s.acc.Usage.PromptTokens),
		OutputTokens: int(s.acc.Usage.CompletionTokens),
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
func (s *openaiSource) Close() error {
	s.cancel()
	s.runtime.forget(s.sessionID)
	return nil
}
