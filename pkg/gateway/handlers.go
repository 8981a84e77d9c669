package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/halverson/streamd/pkg/cache"
	"github.com/halverson/streamd/pkg/session"
	"github.com/halverson/streamd/pkg/stream"
)

// queryRequest is the body of POST /v1/query and /v1/query/sync.
type queryRequest struct {
	Prompt       string          `json:"prompt"`
	SessionID    string          `json:"session_id,omitempty"`
	Model        string          `json:"model"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

func (s *Server) streamRequest(r *http.Request, body queryRequest) stream.Request {
	return stream.Request{
		Prompt:       body.Prompt,
		SessionID:    body.SessionID,
		Model:        body.Model,
		SystemPrompt: body.SystemPrompt,
		Credential:   credentialFrom(r),
		Manifest:     s.manifest,
		OutputSchema: body.OutputSchema,
	}
}

// handleQuery runs a query and relays its events as server-sent events.
// The response flushes after every event; the request context doubles as
// the disconnect signal, so a dropped client interrupts the producer.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var body queryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, err := s.generator.Stream(r.Context(), s.streamRequest(r, body))
	if err != nil {
		s.writeStreamStartError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			s.logger.Error().Err(err).Str("kind", string(ev.Kind)).Msg("Failed to encode event")
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
		flusher.Flush()
	}
}

// handleQuerySync runs a query to completion and returns one aggregated
// result document.
func (s *Server) handleQuerySync(w http.ResponseWriter, r *http.Request) {
	var body queryRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	events, err := s.generator.Stream(r.Context(), s.streamRequest(r, body))
	if err != nil {
		s.writeStreamStartError(w, err)
		return
	}

	result := stream.Collect(events)
	status := http.StatusOK
	if result.IsError {
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, result)
}

// handleInterrupt requests that whichever replica is executing the
// session stop it. The marker is written even when the session is not
// currently active here; the response reports what was observed.
func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := s.store.Get(r.Context(), id, credentialFrom(r)); err != nil {
		s.writeStoreError(w, err)
		return
	}

	active, err := s.tracker.IsActive(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.tracker.MarkInterrupted(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"session_id": id,
		"active":     active,
		"status":     "interrupt requested",
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := s.store.List(r.Context(), credentialFrom(r), offset, limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": records})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), r.PathValue("id"), credentialFrom(r))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("id"), credentialFrom(r)); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// credentialFrom extracts the caller's credential from the Authorization
// header. Absent or malformed headers yield the empty credential, which
// only grants access to public sessions.
func credentialFrom(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps session and cache errors to HTTP statuses without
// leaking backend detail.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, cache.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "shared cache unavailable")
	default:
		s.logger.Error().Err(err).Msg("Session operation failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeStreamStartError maps a Stream launch failure. Validation errors
// are the caller's fault; everything else is the cache.
func (s *Server) writeStreamStartError(w http.ResponseWriter, err error) {
	if errors.Is(err, cache.ErrUnavailable) {
		s.writeError(w, http.StatusServiceUnavailable, "shared cache unavailable")
		return
	}
	s.writeError(w, http.StatusBadRequest, err.Error())
}
