package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// wsEnvelope is one websocket frame: the event kind plus its payload.
type wsEnvelope struct {
	Kind    string      `json:"kind"`
	Payload interface{} `json:"payload,omitempty"`
}

// handleWebSocket upgrades the connection, reads one query frame, and
// forwards the resulting event stream. The connection closing cancels the
// producer the same way an SSE disconnect does.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	defer conn.Close()

	clientID, _ := gonanoid.New()
	logger := s.logger.With().Str("client_id", clientID).Logger()
	logger.Info().Str("ip", r.RemoteAddr).Msg("Websocket client connected")

	var body queryRequest
	if err := conn.ReadJSON(&body); err != nil {
		logger.Warn().Err(err).Msg("Invalid query frame")
		_ = conn.WriteJSON(wsEnvelope{Kind: "error", Payload: map[string]string{"message": "invalid query frame"}})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read side only exists to detect the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events, err := s.generator.Stream(ctx, s.streamRequest(r, body))
	if err != nil {
		_ = conn.WriteJSON(wsEnvelope{Kind: "error", Payload: map[string]string{"message": err.Error()}})
		return
	}

	for ev := range events {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			logger.Error().Err(err).Str("kind", string(ev.Kind)).Msg("Failed to encode event")
			continue
		}
		if err := conn.WriteJSON(wsEnvelope{Kind: string(ev.Kind), Payload: json.RawMessage(payload)}); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("Websocket write failed")
			}
			cancel()
			// Drain so the producer can append its terminal events.
			for range events {
			}
			return
		}
	}

	logger.Info().Msg("Websocket stream finished")
}
