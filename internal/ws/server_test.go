package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/agent-racer/opencode-bridge/internal/config"
	"github.com/agent-racer/opencode-bridge/internal/events"
	"github.com/agent-racer/opencode-bridge/internal/session"
	"github.com/agent-racer/opencode-bridge/internal/supervisor"
)

type fakeBackend struct {
	restarts   atomic.Int32
	restartErr error
}

func (f *fakeBackend) Status() supervisor.Status {
	return supervisor.Status{State: supervisor.Connected}
}

func (f *fakeBackend) DebugInfo() supervisor.DebugInfo {
	return supervisor.DebugInfo{Mode: supervisor.ModeManaged, Status: supervisor.Connected, StartCount: 1}
}

func (f *fakeBackend) Restart(ctx context.Context) error {
	f.restarts.Add(1)
	return f.restartErr
}

type fakeStream struct{}

func (fakeStream) Health() events.Health { return events.Health{Connected: true, Connects: 2} }

type fakeSessions map[string]session.Phase

func (f fakeSessions) Snapshot() map[string]session.Phase { return f }

func newTestServer(t *testing.T, cfg config.RelayConfig, backend Backend) (*Server, *httptest.Server) {
	t.Helper()
	b := NewBroadcaster(cfg, nil, nil)
	t.Cleanup(b.Stop)
	sessions := fakeSessions{"s2": session.Busy, "s1": session.Cooldown}
	s := NewServer(cfg, b, backend, fakeStream{}, sessions, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'self'",
	}
	for header, expected := range want {
		assert.Equal(t, expected, rec.Header().Get(header), header)
	}
}

func TestAuthorize(t *testing.T) {
	s := NewServer(config.RelayConfig{AuthToken: "tok"}, nil, &fakeBackend{}, nil, nil, nil)

	tests := []struct {
		name  string
		setup func(*http.Request)
		want  bool
	}{
		{"none", func(*http.Request) {}, false},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=tok" }, true},
		{"header", func(r *http.Request) { r.Header.Set("X-Bridge-Token", "tok") }, true},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer tok") }, true},
		{"wrong bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			tt.setup(req)
			assert.Equal(t, tt.want, s.authorize(req))
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	open := NewServer(config.RelayConfig{}, nil, &fakeBackend{}, nil, nil, nil)
	restricted := NewServer(config.RelayConfig{AllowedOrigins: []string{"vscode-webview://abc", " "}}, nil, &fakeBackend{}, nil, nil, nil)

	tests := []struct {
		name   string
		server *Server
		origin string
		want   bool
	}{
		{"no origin", open, "", true},
		{"localhost", open, "http://localhost:3000", true},
		{"loopback v4", open, "http://127.0.0.1:5173", true},
		{"loopback v6", open, "http://[::1]:5173", true},
		{"same host", open, "http://bridge.test", true},
		{"foreign", open, "https://evil.example", false},
		{"allowed", restricted, "vscode-webview://abc", true},
		{"allowed host", restricted, "vscode-webview://abc/index.html", true},
		{"not allowed", restricted, "http://localhost:3000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://bridge.test/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, tt.server.checkOrigin(req))
		})
	}
}

func TestHandleSessions(t *testing.T) {
	_, srv := newTestServer(t, config.RelayConfig{}, &fakeBackend{})

	resp, err := http.Get(srv.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []session.Activity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, []session.Activity{
		{SessionID: "s1", Phase: session.Cooldown},
		{SessionID: "s2", Phase: session.Busy},
	}, got)
}

func TestHandleStatus(t *testing.T) {
	_, srv := newTestServer(t, config.RelayConfig{AuthToken: "tok"}, &fakeBackend{})

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/status?token=tok")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	data, _ := json.Marshal(body)
	assert.Equal(t, "connected", gjson.GetBytes(data, "backend.status").String())
	assert.Equal(t, "managed", gjson.GetBytes(data, "backend.mode").String())
	assert.True(t, gjson.GetBytes(data, "stream.connected").Bool())
	assert.Equal(t, int64(0), gjson.GetBytes(data, "clients").Int())
}

func TestHandleRestart(t *testing.T) {
	backend := &fakeBackend{}
	_, srv := newTestServer(t, config.RelayConfig{}, backend)

	resp, err := http.Get(srv.URL + "/api/restart")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Zero(t, backend.restarts.Load())

	resp, err = http.Post(srv.URL+"/api/restart", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), backend.restarts.Load())

	backend.restartErr = errors.New("binary vanished")
	resp, err = http.Post(srv.URL+"/api/restart", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "binary vanished", body.Error)
}

func TestWebsocketInitialSnapshot(t *testing.T) {
	s, srv := newTestServer(t, config.RelayConfig{SyntheticActivity: true}, &fakeBackend{})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	status := readMessage(t, conn)
	assert.Equal(t, EventStatus, gjson.Get(status, "type").String())
	assert.Equal(t, "connected", gjson.Get(status, "properties.state").String())

	first := readMessage(t, conn)
	second := readMessage(t, conn)
	assert.Equal(t, "s1", gjson.Get(first, "properties.sessionID").String())
	assert.Equal(t, "s2", gjson.Get(second, "properties.sessionID").String())

	require.Eventually(t, func() bool { return s.broadcaster.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	s.broadcaster.PublishEvent([]byte(`{"type":"session.idle"}`))
	assert.Equal(t, "session.idle", gjson.Get(readMessage(t, conn), "type").String())

	conn.Close()
	assert.Eventually(t, func() bool { return s.broadcaster.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketRejectedOverLimit(t *testing.T) {
	s, srv := newTestServer(t, config.RelayConfig{MaxClients: 1}, &fakeBackend{})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return s.broadcaster.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ListenAndServe(ctx, "127.0.0.1", 0, http.NotFoundHandler(), discardLogger())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("ListenAndServe did not return")
	}
}
