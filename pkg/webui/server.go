// Package webui exposes the orchestrator over HTTP: session lifecycle, the
// user input and UI event endpoints, the websocket stream, and operational
// endpoints for health, logs, and metrics. All session work is funneled
// through the dispatcher so HTTP concurrency never races the pipeline.
package webui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"conductor/pkg/dispatch"
	"conductor/pkg/emitter"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/pipeline"
	"conductor/pkg/proto"
	"conductor/pkg/session"
)

// taskWait bounds how long an HTTP request waits for its turn on the
// session's queue before giving up with 503.
const taskWait = 30 * time.Second

// Server is the web-facing HTTP layer.
type Server struct {
	manager    *session.Manager
	dispatcher *dispatch.Dispatcher
	pipeline   *pipeline.Pipeline
	hub        *emitter.Hub
	metrics    http.Handler
	query      *metrics.QueryService
	password   string
	upgrader   websocket.Upgrader
	logger     *logx.Logger
}

// NewServer creates a server over the given collaborators.
func NewServer(manager *session.Manager, dispatcher *dispatch.Dispatcher, pipe *pipeline.Pipeline, hub *emitter.Hub) *Server {
	return &Server{
		manager:    manager,
		dispatcher: dispatcher,
		pipeline:   pipe,
		hub:        hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The stream carries no credentials beyond the session id and the
			// deployment fronts this with its own origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logx.NewLogger("webui"),
	}
}

// SetMetricsHandler mounts a /metrics handler (normally promhttp over the
// process registry).
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// SetQueryService enables the per-session metrics report endpoint. Without
// it the endpoint answers 503.
func (s *Server) SetQueryService(q *metrics.QueryService) {
	s.query = q
}

// SetPassword enables basic auth on every route. An empty password leaves
// the server open, which is only sane behind a trusted proxy.
func (s *Server) SetPassword(password string) {
	s.password = password
}

// RegisterRoutes sets up the HTTP routes.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/sessions", s.requireAuth(s.handleSessions))
	mux.HandleFunc("/api/sessions/", s.requireAuth(s.handleSession))
	mux.HandleFunc("/api/input", s.requireAuth(s.handleInput))
	mux.HandleFunc("/api/event", s.requireAuth(s.handleEvent))
	mux.HandleFunc("/api/stream", s.requireAuth(s.handleStream))
	mux.HandleFunc("/api/logs", s.requireAuth(s.handleLogs))
	mux.HandleFunc("/api/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
}

// requireAuth wraps a handler with basic auth when a password is set.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.password == "" {
			next(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		if !ok || username != "conductor" || password != s.password {
			s.logger.Warn("failed authentication attempt from %s", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Basic realm="Conductor"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type createSessionRequest struct {
	UserID   string `json:"user_id"`
	Autonomy string `json:"autonomy,omitempty"`
}

type sessionResponse struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	State        string `json:"state"`
	Autonomy     string `json:"autonomy"`
	Nodes        int    `json:"nodes"`
	CreatedAt    string `json:"created_at"`
	LastActivity string `json:"last_activity"`
}

// handleSessions implements GET (list) and POST (create) on /api/sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"sessions": s.manager.IDs()})

	case http.MethodPost:
		var req createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.UserID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		level := proto.AutonomyLevel(req.Autonomy)
		if req.Autonomy == "" {
			level = proto.AutonomyRecommend
		}
		sess, err := s.manager.Create(req.UserID, level)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, sessionView(sess))

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSession implements GET and DELETE on /api/sessions/{id}, plus
// GET /api/sessions/{id}/metrics for the Prometheus-backed session report.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/api/sessions/"):]
	if id == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}
	if rest, ok := strings.CutSuffix(id, "/metrics"); ok {
		s.handleSessionMetrics(w, r, rest)
		return
	}
	sess, err := s.manager.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, sessionView(sess))

	case http.MethodDelete:
		s.manager.Remove(id)
		s.dispatcher.Release(id)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionMetrics answers GET /api/sessions/{id}/metrics by querying
// Prometheus for the session's aggregated counters.
func (s *Server) handleSessionMetrics(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.query == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics reporting is not configured")
		return
	}
	if _, err := s.manager.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	report, err := s.query.GetSessionMetrics(r.Context(), id)
	if err != nil {
		s.logger.Error("session metrics query failed: %v", err)
		writeError(w, http.StatusBadGateway, "metrics backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type inputRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// handleInput implements POST /api/input: one turn of user input.
func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	sess, err := s.manager.Get(req.SessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	err = s.runOnSession(sess.ID, func(ctx context.Context) error {
		return s.pipeline.HandleUserInput(ctx, sess, req.Text)
	})
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"state":      string(sess.Machine.Current()),
	})
}

// handleEvent implements POST /api/event: submit, confirm, cancel, reset.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var ev proto.UIEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := ev.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.manager.Get(ev.SessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	err = s.runOnSession(sess.ID, func(ctx context.Context) error {
		return s.pipeline.HandleUIEvent(ctx, sess, &ev)
	})
	if err != nil {
		s.writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"state":      string(sess.Machine.Current()),
	})
}

// handleStream implements GET /api/stream?session=: the websocket patch
// stream for one session.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session query parameter is required")
		return
	}
	if _, err := s.manager.Get(sessionID); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnSession(sessionID, "stream upgrade failed: %v", err)
		return
	}
	s.hub.Attach(sessionID, conn)
}

// handleLogs implements GET /api/logs?session=: the in-memory log buffer.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries := logx.RecentEntries(r.URL.Query().Get("session"))
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

// handleHealth implements GET /api/healthz. Unauthenticated so load
// balancers can probe it.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.manager.Len(),
	})
}

// runOnSession executes fn on the session's dispatcher queue and waits for
// the result, so the HTTP response reflects the turn's outcome while all
// session work stays serialized.
func (s *Server) runOnSession(sessionID string, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)
	err := s.dispatcher.Submit(sessionID, func(ctx context.Context) {
		result <- fn(ctx)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-time.After(taskWait):
		return fmt.Errorf("session %s did not respond within %s", sessionID, taskWait)
	}
}

// writePipelineError maps pipeline errors onto HTTP statuses. Failure detail
// stays in the server log; clients get the fixed failure text.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, proto.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "event not accepted in the session's current state")
	case errors.Is(err, proto.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	default:
		s.logger.Error("request failed: %v", err)
		writeError(w, http.StatusInternalServerError, proto.ClientFailureMessage)
	}
}

func sessionView(sess *session.Session) sessionResponse {
	sess.Lock()
	nodes := sess.Graph.Len()
	sess.Unlock()
	return sessionResponse{
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		State:        string(sess.Machine.Current()),
		Autonomy:     string(sess.Autonomy),
		Nodes:        nodes,
		CreatedAt:    sess.CreatedAt().Format(time.RFC3339),
		LastActivity: sess.LastActivity().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
