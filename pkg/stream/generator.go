package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/halverson/streamd/internal/metrics"
	"github.com/halverson/streamd/pkg/runtime"
	"github.com/halverson/streamd/pkg/session"
	"github.com/halverson/streamd/pkg/tracker"
)

const (
	// DefaultCapacity is the bounded channel size between producer and
	// consumer. A full channel blocks the producer; that block is the
	// backpressure contract.
	DefaultCapacity = 100

	// maxExcerptLen bounds how much of an unparsable runtime event makes
	// it into the log.
	maxExcerptLen = 160
)

// Config wires a Generator.
type Config struct {
	Runtime runtime.Runtime
	Tracker *tracker.Tracker
	Store   *session.Store
	Logger  zerolog.Logger
	// Metrics is optional.
	Metrics *metrics.Metrics
	// Capacity overrides DefaultCapacity when positive.
	Capacity int
}

// Generator executes queries as live event streams. One producer
// goroutine per query pulls runtime events, updates the per-query
// StreamContext, and pushes onto a bounded channel the caller drains.
type Generator struct {
	runtime  runtime.Runtime
	tracker  *tracker.Tracker
	store    *session.Store
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	capacity int
	now      func() time.Time
}

// NewGenerator validates the wiring and creates a Generator.
func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("stream: runtime is required")
	}
	if cfg.Tracker == nil {
		return nil, errors.New("stream: tracker is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("stream: session store is required")
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Generator{
		runtime:  cfg.Runtime,
		tracker:  cfg.Tracker,
		store:    cfg.Store,
		logger:   cfg.Logger.With().Str("component", "stream.generator").Logger(),
		metrics:  cfg.Metrics,
		capacity: capacity,
		now:      time.Now,
	}, nil
}

// Request is one streaming query.
type Request struct {
	Prompt       string
	SessionID    string
	Model        string
	SystemPrompt string
	// Credential is the caller's owner credential; empty makes the
	// session public.
	Credential string
	// Manifest is announced in the init event.
	Manifest Manifest
	// OutputSchema, when set, is a JSON schema the structured output
	// must satisfy.
	OutputSchema json.RawMessage
}

// Stream starts a query and returns the event channel. The channel always
// delivers exactly one init, one result, and one done event, in that
// relative order, and is closed after done. Cancelling ctx is the
// consumer-disconnect signal.
//
// Registration with the tracker is the first side effect; if it fails the
// query aborts before anything has accumulated.
func (g *Generator) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	if req.Prompt == "" {
		return nil, errors.New("stream: prompt is required")
	}
	if req.Model == "" {
		return nil, errors.New("stream: model is required")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	sc := newStreamContext(req.SessionID, req.Model)

	if err := g.tracker.Register(ctx, sc.SessionID); err != nil {
		return nil, fmt.Errorf("stream: register: %w", err)
	}

	if g.metrics != nil {
		g.metrics.StreamsActive.Inc()
	}

	ch := make(chan Event, g.capacity)
	go g.produce(ctx, req, sc, ch)
	return ch, nil
}

// produce is the producer goroutine. Terminal structure is fixed: run the
// streaming phase, append result and done, then the deferred finalizer
// unregisters and persists final session state no matter how the phase
// ended.
func (g *Generator) produce(ctx context.Context, req Request, sc *StreamContext, ch chan Event) {
	streamID, _ := gonanoid.New()
	logger := g.logger.With().
		Str("stream_id", streamID).
		Str("session_id", sc.SessionID).
		Logger()

	defer close(ch)
	defer g.finalize(ctx, req, sc, logger)

	reason := g.run(ctx, req, sc, ch, streamID, logger)
	endedAt := g.now()

	if reason == ReasonCompleted && len(req.OutputSchema) > 0 && len(sc.StructuredOutput) > 0 {
		if err := validateStructuredOutput(req.OutputSchema, sc.StructuredOutput); err != nil {
			logger.Warn().Err(err).Msg("Structured output failed schema validation")
			sc.IsError = true
		}
	}

	g.appendFinal(ctx, ch, ResultEvent(sc, endedAt, sc.ResultText))
	g.appendFinal(ctx, ch, DoneEvent(sc, reason))

	if g.metrics != nil {
		g.metrics.StreamsActive.Dec()
		g.metrics.StreamsTotal.WithLabelValues(string(reason)).Inc()
		g.metrics.StreamDuration.Observe(endedAt.Sub(sc.StartedAt).Seconds())
	}

	logger.Info().
		Str("reason", string(reason)).
		Int("turns", sc.Turns).
		Bool("is_error", sc.IsError).
		Dur("duration", endedAt.Sub(sc.StartedAt)).
		Msg("Stream terminated")
}

// run is the streaming phase. It returns the terminal reason; panics and
// runtime failures are converted into one sanitized error event here so
// raw detail never reaches the transport.
func (g *Generator) run(ctx context.Context, req Request, sc *StreamContext, ch chan Event, streamID string, logger zerolog.Logger) (reason DoneReason) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Producer panicked")
			sc.IsError = true
			g.appendFinal(ctx, ch, sanitizedError(streamID))
			reason = ReasonError
		}
	}()

	if !g.send(ctx, ch, InitEvent(sc, req.Manifest)) {
		return g.disconnected(ctx, sc, logger)
	}

	if err := g.ensureRecord(ctx, req, sc); err != nil {
		logger.Error().Err(err).Msg("Session record create failed")
		sc.IsError = true
		g.appendFinal(ctx, ch, sanitizedError(streamID))
		return ReasonError
	}

	src, err := g.runtime.Execute(ctx, runtime.Query{
		Prompt:       req.Prompt,
		SessionID:    sc.SessionID,
		Model:        sc.Model,
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Runtime execute failed")
		sc.IsError = true
		g.appendFinal(ctx, ch, sanitizedError(streamID))
		return ReasonError
	}
	defer src.Close()

	for {
		rev, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return ReasonCompleted
		}
		if err != nil {
			if ctx.Err() != nil {
				return g.disconnected(ctx, sc, logger)
			}
			// Full detail stays in the log under the stream id.
			logger.Error().Err(err).Msg("Runtime stream failed")
			sc.IsError = true
			g.appendFinal(ctx, ch, sanitizedError(streamID))
			return ReasonError
		}

		ev, forward, err := g.applyRuntimeEvent(rev, sc, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Malformed init event, aborting query")
			sc.IsError = true
			g.appendFinal(ctx, ch, sanitizedError(streamID))
			return ReasonError
		}

		// The runtime's init is authoritative for the model actually
		// serving the session; align the record when it differs from the
		// requested one.
		if rev.Type == runtime.EventInit && sc.Model != req.Model {
			if _, uerr := g.store.Update(ctx, sc.SessionID, session.UpdateParams{Model: &sc.Model}, req.Credential); uerr != nil {
				logger.Warn().Err(uerr).Str("model", sc.Model).Msg("Failed to record runtime-reported model")
			}
		}

		if !forward {
			continue
		}

		if !g.send(ctx, ch, ev) {
			return g.disconnected(ctx, sc, logger)
		}

		// One interrupt check per forwarded event: the marker written by
		// any replica is observed within one event cycle.
		interrupted, err := g.tracker.IsInterrupted(ctx, sc.SessionID)
		if err != nil {
			logger.Error().Err(err).Msg("Interrupt check failed")
			sc.IsError = true
			g.appendFinal(ctx, ch, sanitizedError(streamID))
			return ReasonError
		}
		if interrupted {
			if g.metrics != nil {
				g.metrics.InterruptsTotal.Inc()
			}
			logger.Info().Msg("Interrupt observed, stopping runtime")
			g.runtime.Stop(ctx, sc.SessionID)
			return ReasonInterrupted
		}
	}
}

// applyRuntimeEvent maps one runtime event onto the stream, updating
// bookkeeping. forward reports whether the mapped event goes on the
// channel; absorbed kinds (init, result) only mutate the StreamContext.
// A malformed init is the one fatal case: nothing downstream can proceed
// without a session identity.
func (g *Generator) applyRuntimeEvent(rev *runtime.Event, sc *StreamContext, logger zerolog.Logger) (Event, bool, error) {
	switch rev.Type {
	case runtime.EventInit:
		if rev.SessionID == "" && rev.Model == "" {
			return Event{}, false, fmt.Errorf("stream: init event missing session identity: %s", excerpt(rev.Raw))
		}
		if rev.Model != "" {
			sc.Model = rev.Model
		}
		return Event{}, false, nil

	case runtime.EventMessage:
		if rev.Role == "assistant" {
			sc.Turns++
			sc.ResultText = rev.Content
		}
		sc.PartialActive = false
		return Event{
			Kind:    KindMessage,
			Payload: MessagePayload{Role: rev.Role, Content: rev.Content, Model: rev.Model},
		}, true, nil

	case runtime.EventPartial:
		sc.PartialActive = true
		return Event{
			Kind:    KindPartial,
			Payload: MessagePayload{Role: rev.Role, Content: rev.Content, Model: rev.Model},
		}, true, nil

	case runtime.EventQuestion:
		return Event{
			Kind:    KindQuestion,
			Payload: QuestionPayload{Prompt: rev.Content},
		}, true, nil

	case runtime.EventResult:
		if rev.Usage != nil {
			sc.Usage.Add(Usage{InputTokens: rev.Usage.InputTokens, OutputTokens: rev.Usage.OutputTokens})
		}
		sc.CostUSD += rev.CostUSD
		if rev.IsError {
			sc.IsError = true
		}
		if len(rev.StructuredOutput) > 0 {
			sc.StructuredOutput = rev.StructuredOutput
		}
		if rev.Model != "" {
			sc.Model = rev.Model
		}
		return Event{}, false, nil

	default:
		logger.Warn().
			Str("type", string(rev.Type)).
			Str("excerpt", excerpt(rev.Raw)).
			Msg("Skipping unparsable runtime event")
		return Event{}, false, nil
	}
}

// send pushes one event, blocking when the channel is full. Returns false
// when the consumer disconnected instead.
func (g *Generator) send(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		if g.metrics != nil {
			g.metrics.EventsEmittedTotal.WithLabelValues(string(ev.Kind)).Inc()
		}
		return true
	case <-ctx.Done():
		return false
	}
}

// appendFinal delivers a structural event even after disconnect: if the
// buffer has room the event is appended regardless of context state; a
// full buffer with a live consumer blocks as usual.
func (g *Generator) appendFinal(ctx context.Context, ch chan<- Event, ev Event) {
	select {
	case ch <- ev:
		if g.metrics != nil {
			g.metrics.EventsEmittedTotal.WithLabelValues(string(ev.Kind)).Inc()
		}
	default:
		select {
		case ch <- ev:
			if g.metrics != nil {
				g.metrics.EventsEmittedTotal.WithLabelValues(string(ev.Kind)).Inc()
			}
		case <-ctx.Done():
			// Consumer gone with a full buffer; nothing left to deliver to.
		}
	}
}

// disconnected handles the transport-disconnect drain: best-effort stop
// the runtime and write the interrupt marker so every other replica's
// view of this session stays consistent.
func (g *Generator) disconnected(ctx context.Context, sc *StreamContext, logger zerolog.Logger) DoneReason {
	logger.Info().Msg("Consumer disconnected, stopping runtime")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	g.runtime.Stop(stopCtx, sc.SessionID)
	if err := g.tracker.MarkInterrupted(stopCtx, sc.SessionID); err != nil {
		logger.Warn().Err(err).Msg("Failed to write interrupt marker")
	}
	return ReasonInterrupted
}

// finalize runs unconditionally at termination: unregister the session
// marker, then persist final status, turns, and cost under the same
// ownership gate as any mutation.
func (g *Generator) finalize(ctx context.Context, req Request, sc *StreamContext, logger zerolog.Logger) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := g.tracker.Unregister(cleanupCtx, sc.SessionID); err != nil {
		logger.Error().Err(err).Msg("Failed to unregister active session")
	}

	status := session.StatusCompleted
	if sc.IsError {
		status = session.StatusError
	}
	_, err := g.store.Update(cleanupCtx, sc.SessionID, session.UpdateParams{
		Status:  &status,
		Turns:   &sc.Turns,
		CostUSD: &sc.CostUSD,
	}, req.Credential)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to persist final session state")
	}
}

// ensureRecord creates the session record on the first init if it does
// not already exist (a resumed session keeps its record).
func (g *Generator) ensureRecord(ctx context.Context, req Request, sc *StreamContext) error {
	_, err := g.store.Get(ctx, sc.SessionID, req.Credential)
	if err == nil {
		return nil
	}
	if !errors.Is(err, session.ErrSessionNotFound) {
		return err
	}
	if _, err := g.store.Create(ctx, session.CreateParams{
		Model: sc.Model,
		ID:    sc.SessionID,
		Owner: req.Credential,
	}); err != nil {
		return err
	}
	if g.metrics != nil {
		g.metrics.SessionsCreatedTotal.Inc()
	}
	return nil
}

func sanitizedError(streamID string) Event {
	return Event{
		Kind:    KindError,
		Payload: ErrorPayload{Message: "internal stream error", StreamID: streamID},
	}
}

func validateStructuredOutput(schema, doc json.RawMessage) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("stream: schema validate: %w", err)
	}
	if !result.Valid() {
		msgs := ""
		for _, desc := range result.Errors() {
			if msgs != "" {
				msgs += "; "
			}
			msgs += desc.String()
		}
		return fmt.Errorf("stream: structured output invalid: %s", msgs)
	}
	return nil
}

func excerpt(raw json.RawMessage) string {
	if len(raw) <= maxExcerptLen {
		return string(raw)
	}
	return string(raw[:maxExcerptLen]) + "..."
}
