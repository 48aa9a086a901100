package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/studysync/backend/internal/app"
	"github.com/kimhsiao/studysync/backend/internal/config"
	"github.com/kimhsiao/studysync/backend/internal/models"
	"github.com/kimhsiao/studysync/backend/internal/remote"
)

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	a, err := app.New(cfg, app.Options{Remote: remote.NewMemoryStore(), InitialOnline: false})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestHealthEndpoint(t *testing.T) {
	a := newTestApp(t)
	router := newRouter(a, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","service":"studysync-desktop"}`, w.Body.String())
}

func TestRouter_saveAndLoad(t *testing.T) {
	a := newTestApp(t)
	router := newRouter(a, nil)

	req := httptest.NewRequest(http.MethodPut, "/api/users/u1/entities/tasks", strings.NewReader(`["A","B"]`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/users/u1/entities/tasks", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var result struct {
		Payload json.RawMessage `json:"payload"`
		Source  string          `json:"source"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "cache", result.Source)
	assert.JSONEq(t, `["A","B"]`, string(result.Payload))
}

func TestRouter_metrics(t *testing.T) {
	a := newTestApp(t)
	router := newRouter(a, nil)

	save := httptest.NewRequest(http.MethodPut, "/api/users/u1/entities/skills", strings.NewReader(`["go"]`))
	router.ServeHTTP(httptest.NewRecorder(), save)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "studysync_")
}

func TestRouter_noWebSocketWithoutHub(t *testing.T) {
	a := newTestApp(t)
	router := newRouter(a, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =====================================================
// Startup Tests
// =====================================================

func TestStartSync_drainsWhenAlreadyOnline(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	docs := remote.NewMemoryStore()
	a, err := app.New(cfg, app.Options{Remote: docs, InitialOnline: false})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	_, err = a.Engine.Save(context.Background(), models.EntityTasks, "u1", json.RawMessage(`["A","B"]`))
	require.NoError(t, err)

	// The reconnect lands before anything listens for it.
	a.Manual.Set(true)
	require.Eventually(t, a.Monitor.Online, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	startSync(ctx, g, a)

	require.Eventually(t, func() bool {
		c, err := a.Queue.Counts(context.Background(), "u1")
		return err == nil && c.Total == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `["A","B"]`, string(docs.Document("u1")["tasks"]))
	assert.True(t, a.Scheduler.IsRunning())

	cancel()
	require.NoError(t, g.Wait())
}

// =====================================================
// WebSocket Tests
// =====================================================

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) WSEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env WSEnvelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestWebSocket_broadcastsSaveEvents(t *testing.T) {
	a := newTestApp(t)
	hub := NewWSHub()
	t.Cleanup(hub.Close)
	a.Engine.SetEventHandler(hub)

	srv := httptest.NewServer(newRouter(a, hub))
	t.Cleanup(srv.Close)

	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/users/u1/entities/tasks", strings.NewReader(`["A"]`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	seen := map[string]WSEnvelope{}
	for len(seen) < 2 {
		env := readEnvelope(t, conn)
		seen[env.Type] = env
	}

	require.Contains(t, seen, "save.queued")
	require.Contains(t, seen, EventSyncStatus)

	status, ok := seen[EventSyncStatus].Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), status["pendingCount"])
}

func TestWebSocket_subscribeFilters(t *testing.T) {
	a := newTestApp(t)
	hub := NewWSHub()
	t.Cleanup(hub.Close)

	srv := httptest.NewServer(newRouter(a, hub))
	t.Cleanup(srv.Close)

	conn := dialHub(t, srv)
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{EventSyncStatus},
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ack map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribe_ack", ack["action"])

	hub.Broadcast("drain.started", map[string]string{"user_id": "u1"})
	hub.Broadcast(EventSyncStatus, map[string]int{"pendingCount": 0})

	env := readEnvelope(t, conn)
	assert.Equal(t, EventSyncStatus, env.Type)
}

func TestWebSocket_ping(t *testing.T) {
	a := newTestApp(t)
	hub := NewWSHub()
	t.Cleanup(hub.Close)

	srv := httptest.NewServer(newRouter(a, hub))
	t.Cleanup(srv.Close)

	conn := dialHub(t, srv)
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply map[string]interface{}
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "pong", reply["action"])
}

func TestIsLocalOrigin(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost:8090", true},
		{"127.0.0.1:8090", true},
		{"[::1]:8090", true},
		{"localhost", true},
		{"example.com:8090", false},
		{"192.168.1.20:8090", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			assert.Equal(t, tt.want, isLocalOrigin(req))
		})
	}
}
