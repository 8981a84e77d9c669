package stream

import "time"

// The orchestrator builds the three structural events every stream must
// carry. It is pure: no I/O, no clock reads beyond the caller-supplied
// end time, so the builders are trivially testable.

// InitEvent announces the session and its capability manifest. Emitted
// exactly once, before any runtime event.
func InitEvent(sc *StreamContext, m Manifest) Event {
	return Event{
		Kind: KindInit,
		Payload: InitPayload{
			SessionID: sc.SessionID,
			Model:     sc.Model,
			Tools:     m.Tools,
			Commands:  m.Commands,
			Plugins:   m.Plugins,
		},
	}
}

// ResultEvent aggregates the query's accumulated state. Emitted exactly
// once, after the last runtime event and before done.
func ResultEvent(sc *StreamContext, endedAt time.Time, resultText string) Event {
	return Event{
		Kind: KindResult,
		Payload: ResultPayload{
			SessionID:        sc.SessionID,
			Usage:            sc.Usage,
			CostUSD:          sc.CostUSD,
			DurationMS:       endedAt.Sub(sc.StartedAt).Milliseconds(),
			Turns:            sc.Turns,
			IsError:          sc.IsError,
			ResultText:       resultText,
			StructuredOutput: sc.StructuredOutput,
			ModifiedFiles:    sc.ModifiedFiles,
		},
	}
}

// DoneEvent terminates the stream. Always the last event, regardless of
// outcome.
func DoneEvent(sc *StreamContext, reason DoneReason) Event {
	return Event{
		Kind: KindDone,
		Payload: DonePayload{
			SessionID: sc.SessionID,
			Reason:    reason,
		},
	}
}
