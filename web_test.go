package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMux(t *testing.T, dir *Directory) *httprouter.Router {
	t.Helper()

	cfg := testConfig()
	rec := newTestRecorder(t)

	mux := httprouter.New()
	mux.GET("/healthz", serveHealthCheck(cfg))
	mux.GET("/version", serveVersion(cfg))
	mux.GET("/leaderboard", serveLeaderboard(cfg, rec))
	mux.GET("/join/:code/qr", serveJoinQR(cfg, dir))
	mux.GET("/ws", serveWS(cfg, dir))

	return mux
}

func TestHealthAndVersion(t *testing.T) {
	mux := newTestMux(t, newTestDirectory(nil))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Ok\n", w.Body.String())

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/version", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "quizbox v"+releaseVersion+"\n", w.Body.String())
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestLeaderboardEndpoint(t *testing.T) {
	cfg := testConfig()
	rec := newTestRecorder(t)
	rec.Record("alice", 60, "Riddle Chamber", "Easy", time.Minute)

	mux := httprouter.New()
	mux.GET("/leaderboard", serveLeaderboard(cfg, rec))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/leaderboard", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var scores []PlayerScore
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scores))
	require.Len(t, scores, 1)
	assert.Equal(t, "alice", scores[0].Player)
	assert.Equal(t, 60, scores[0].Score)
}

func TestJoinQR(t *testing.T) {
	dir := newTestDirectory(nil)
	code := dir.CreateRoom("alice")
	mux := newTestMux(t, dir)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/join/"+code+"/qr", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Body.Bytes())

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/join/000000/qr", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestWebsocketProtocol drives the game protocol over the websocket
// endpoint and checks it behaves like the TCP path.
func TestWebsocketProtocol(t *testing.T) {
	dir := newTestDirectory(nil)
	srv := httptest.NewServer(newTestMux(t, dir))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	readReply := func() map[string]any {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", readReply()["type"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	reply := readReply()
	assert.Equal(t, "error", reply["type"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"createRoom","username":"alice"}`)))
	reply = readReply()
	require.Equal(t, "roomCreated", reply["type"])
	code, ok := reply["roomCode"].(string)
	require.True(t, ok)
	assert.True(t, dir.RoomExists(code))
	assert.Equal(t, "roomUpdate", readReply()["type"])

	// dropping the socket leaves the room
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return !dir.RoomExists(code)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRealIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"plain", "192.0.2.10:1234", nil, "192.0.2.10:1234"},
		{"cloudflare header", "192.0.2.10:1234", map[string]string{"CF-Connecting-IP": "203.0.113.5"}, "203.0.113.5:1234"},
		{"x-real-ip header", "192.0.2.10:1234", map[string]string{"X-Real-IP": "203.0.113.7"}, "203.0.113.7:1234"},
		{"bogus header ignored", "192.0.2.10:1234", map[string]string{"X-Real-IP": "not-an-ip"}, "192.0.2.10:1234"},
		{"ipv6 bracketed", "[2001:db8::1]:1234", nil, "[2001:db8::1]:1234"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, realIP(r))
		})
	}
}

func TestHumanReadableSize(t *testing.T) {
	assert.Equal(t, "100 B", humanReadableSize(100))
	assert.Equal(t, "1.0 kB", humanReadableSize(1000))
	assert.Equal(t, "1.5 MB", humanReadableSize(1500000))
}
