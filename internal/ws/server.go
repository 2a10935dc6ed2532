package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-racer/opencode-bridge/internal/config"
	"github.com/agent-racer/opencode-bridge/internal/events"
	"github.com/agent-racer/opencode-bridge/internal/session"
	"github.com/agent-racer/opencode-bridge/internal/supervisor"
)

const shutdownTimeout = 5 * time.Second

// Backend is the supervisor surface the relay exposes over HTTP.
type Backend interface {
	Status() supervisor.Status
	DebugInfo() supervisor.DebugInfo
	Restart(ctx context.Context) error
}

type StreamHealth interface {
	Health() events.Health
}

type SessionSource interface {
	Snapshot() map[string]session.Phase
}

type Server struct {
	broadcaster       *Broadcaster
	backend           Backend
	stream            StreamHealth
	sessions          SessionSource
	syntheticActivity bool
	allowedOrigins    map[string]bool
	allowedHosts      map[string]bool
	authToken         string
	logger            *slog.Logger
}

func NewServer(cfg config.RelayConfig, broadcaster *Broadcaster, backend Backend, stream StreamHealth, sessions SessionSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		broadcaster:       broadcaster,
		backend:           backend,
		stream:            stream,
		sessions:          sessions,
		syntheticActivity: cfg.SyntheticActivity,
		allowedOrigins:    make(map[string]bool),
		allowedHosts:      make(map[string]bool),
		authToken:         cfg.AuthToken,
		logger:            logger,
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/restart", s.handleRestart)
}

// Handler returns the routes wrapped in the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws upgrade failed", "error", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn, s.initialEvents()...)
	if err != nil {
		s.logger.Warn("rejecting ws client", "remote", r.RemoteAddr, "error", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	s.logger.Info("ws client connected", "remote", r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.logger.Info("ws client disconnected", "remote", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// initialEvents brings a new client up to date: backend status, then
// the current phase of every known session.
func (s *Server) initialEvents() [][]byte {
	out := [][]byte{StatusEvent(s.backend.Status())}
	if !s.syntheticActivity || s.sessions == nil {
		return out
	}
	for _, act := range sortedActivity(s.sessions.Snapshot()) {
		out = append(out, ActivityEvent(session.Change{SessionID: act.SessionID, Phase: act.Phase}))
	}
	return out
}

type statusResponse struct {
	Backend supervisor.DebugInfo `json:"backend"`
	Stream  *events.Health       `json:"stream,omitempty"`
	Clients int                  `json:"clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{
		Backend: s.backend.DebugInfo(),
		Clients: s.broadcaster.ClientCount(),
	}
	if s.stream != nil {
		h := s.stream.Health()
		resp.Stream = &h
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := []session.Activity{}
	if s.sessions != nil {
		sessions = sortedActivity(s.sessions.Snapshot())
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// A client hanging up must not leave the backend stopped halfway.
	ctx := context.WithoutCancel(r.Context())
	if err := s.backend.Restart(ctx); err != nil {
		s.logger.Error("restart requested over http failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  err.Error(),
			"status": s.backend.Status(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": s.backend.Status()})
}

func sortedActivity(phases map[string]session.Phase) []session.Activity {
	out := make([]session.Activity, 0, len(phases))
	for id, phase := range phases {
		out = append(out, session.Activity{SessionID: id, Phase: phase})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Bridge-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves h on host:port until ctx is cancelled, then
// shuts down gracefully.
func ListenAndServe(ctx context.Context, host string, port int, h http.Handler, logger *slog.Logger) error {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	logger.Info("relay listening", "addr", ln.Addr().String())

	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
