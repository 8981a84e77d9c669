package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halverson/streamd/pkg/cache"
	"github.com/halverson/streamd/pkg/lock"
	"github.com/halverson/streamd/pkg/runtime"
	"github.com/halverson/streamd/pkg/session"
	"github.com/halverson/streamd/pkg/stream"
	"github.com/halverson/streamd/pkg/tracker"
)

type scriptedRuntime struct {
	events []*runtime.Event
}

func (s *scriptedRuntime) Execute(ctx context.Context, q runtime.Query) (runtime.EventSource, error) {
	return runtime.NewSliceSource(s.events), nil
}

func (s *scriptedRuntime) Stop(ctx context.Context, sessionID string) bool { return true }

func defaultScript() []*runtime.Event {
	return []*runtime.Event{
		{Type: runtime.EventMessage, Role: "assistant", Content: "hello there"},
		{Type: runtime.EventResult, Usage: &runtime.Usage{InputTokens: 5, OutputTokens: 3}, CostUSD: 0.001},
	}
}

func newTestServer(t *testing.T, rt runtime.Runtime) (*Server, *tracker.Tracker, *session.Store) {
	t.Helper()

	c := cache.NewMemoryCache()
	logger := zerolog.Nop()

	trk, err := tracker.New(c, tracker.Config{}, logger)
	require.NoError(t, err)
	store, err := session.NewStore(c, lock.NewManager(c, logger), session.Config{}, logger)
	require.NoError(t, err)
	gen, err := stream.NewGenerator(stream.Config{Runtime: rt, Tracker: trk, Store: store, Logger: logger})
	require.NoError(t, err)

	srv, err := NewServer(Config{
		Port:      8080,
		Generator: gen,
		Store:     store,
		Tracker:   trk,
		Manifest:  stream.Manifest{Tools: []string{"bash"}},
		Logger:    logger,
	})
	require.NoError(t, err)
	return srv, trk, store
}

func TestServer_QueryStreamsSSE(t *testing.T) {
	srv, _, _ := newTestServer(t, &scriptedRuntime{events: defaultScript()})

	body := `{"prompt":"hi","model":"claude-sonnet-4","session_id":"sess-sse"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	out := rec.Body.String()
	assert.Contains(t, out, "event: init\n")
	assert.Contains(t, out, "event: message\n")
	assert.Contains(t, out, "event: result\n")
	assert.Contains(t, out, "hello there")

	// done is the final frame.
	frames := strings.Split(strings.TrimSpace(out), "\n\n")
	assert.True(t, strings.HasPrefix(frames[len(frames)-1], "event: done\n"))
}

func TestServer_QuerySyncAggregates(t *testing.T) {
	srv, _, _ := newTestServer(t, &scriptedRuntime{events: defaultScript()})

	body := `{"prompt":"hi","model":"m"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/query/sync", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var result stream.QueryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "hello there", result.Content)
	assert.Equal(t, 1, result.Turns)
	assert.NotEmpty(t, result.SessionID)
	assert.False(t, result.IsError)
}

func TestServer_QueryRejectsBadBody(t *testing.T) {
	srv, _, _ := newTestServer(t, &scriptedRuntime{events: defaultScript()})

	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"model":"m"}`))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_SessionOwnership(t *testing.T) {
	srv, _, store := newTestServer(t, &scriptedRuntime{events: defaultScript()})

	_, err := store.Create(context.Background(), session.CreateParams{ID: "sess-own", Model: "m", Owner: "alice-token"})
	require.NoError(t, err)

	// Owner sees the session.
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-own", nil)
	req.Header.Set("Authorization", "Bearer alice-token")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Wrong credential and missing session are the same 404.
	req = httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-own", nil)
	req.Header.Set("Authorization", "Bearer mallory-token")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/sessions/no-such-session", nil)
	req.Header.Set("Authorization", "Bearer alice-token")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListAndDeleteSessions(t *testing.T) {
	srv, _, store := newTestServer(t, &scriptedRuntime{events: defaultScript()})

	for _, id := range []string{"s1", "s2", "s3"} {
		_, err := store.Create(context.Background(), session.CreateParams{ID: id, Model: "m", Owner: "alice-token"})
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions?limit=2", nil)
	req.Header.Set("Authorization", "Bearer alice-token")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var listing struct {
		Sessions []*session.Record `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Len(t, listing.Sessions, 2)

	req = httptest.NewRequest(http.MethodDelete, "/v1/sessions/s1", nil)
	req.Header.Set("Authorization", "Bearer alice-token")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/sessions/s1", nil)
	req.Header.Set("Authorization", "Bearer alice-token")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Interrupt(t *testing.T) {
	srv, trk, store := newTestServer(t, &scriptedRuntime{events: defaultScript()})

	_, err := store.Create(context.Background(), session.CreateParams{ID: "sess-int", Model: "m"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/sess-int/interrupt", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	interrupted, err := trk.IsInterrupted(context.Background(), "sess-int")
	require.NoError(t, err)
	assert.True(t, interrupted)

	req = httptest.NewRequest(http.MethodPost, "/v1/sessions/ghost/interrupt", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Healthz(t *testing.T) {
	srv, _, _ := newTestServer(t, &scriptedRuntime{events: defaultScript()})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_RejectsDuringShutdown(t *testing.T) {
	srv, _, _ := newTestServer(t, &scriptedRuntime{events: defaultScript()})
	handler := srv.Handler()

	srv.shutdownMu.Lock()
	srv.isShuttingDown = true
	srv.shutdownMu.Unlock()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_WebSocketForwardsStream(t *testing.T) {
	srv, _, _ := newTestServer(t, &scriptedRuntime{events: defaultScript()})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{
		"prompt": "hi", "model": "m", "session_id": "sess-ws",
	}))

	var kinds []string
	for {
		var env wsEnvelope
		require.NoError(t, conn.ReadJSON(&env))
		kinds = append(kinds, env.Kind)
		if env.Kind == "done" {
			break
		}
	}

	assert.Equal(t, "init", kinds[0])
	assert.Contains(t, kinds, "message")
	assert.Contains(t, kinds, "result")
	assert.Equal(t, "done", kinds[len(kinds)-1])
}
