package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/minghe/internal/apperr"
	"github.com/antoniostano/minghe/internal/assessment"
	"github.com/antoniostano/minghe/internal/config"
	"github.com/antoniostano/minghe/internal/logging"
	"github.com/antoniostano/minghe/internal/memory"
	"github.com/antoniostano/minghe/internal/observability"
	"github.com/antoniostano/minghe/internal/orchestrator"
	"github.com/antoniostano/minghe/internal/protocol"
	"github.com/antoniostano/minghe/internal/session"
)

type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
	HandleTurn(ctx context.Context, sessionID, userID, message string) (orchestrator.Response, error)
	SubmitAnswer(ctx context.Context, sessionID, userID, questionID string, value int) (assessment.Session, error)
	Assessments() *assessment.Manager
	EraseUser(ctx context.Context, userID string) error
}

// Users is the slice of long-term memory exposed over HTTP.
type Users interface {
	GetProfile(ctx context.Context, userID string) (memory.Profile, error)
	MergeProfile(ctx context.Context, userID string, delta memory.ProfileDelta) (memory.Profile, error)
	History(ctx context.Context, userID string, limit int) ([]memory.Turn, error)
	Ping(ctx context.Context) error
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	users        Users
	limiter      *userLimiter
	metrics      *observability.Metrics
	logger       *zap.Logger
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, orchestrator Orchestrator, users Users, metrics *observability.Metrics, logger *zap.Logger) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		users:        users,
		limiter:      newUserLimiter(cfg.RateLimitPerMinute),
		metrics:      metrics,
		logger:       logging.OrNop(logger).Named("httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowAnyOrigin),
		},
	}
}

// originChecker admits same-host browser origins and clients that send no
// Origin header at all.
func originChecker(allowAny bool) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if allowAny || origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handleResetPerfLatency)

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Post("/v1/chat/turn", s.handleChatTurn)
	r.Get("/v1/chat/ws", s.handleChatWS)

	r.Get("/v1/users/{id}/profile", s.handleGetProfile)
	r.Patch("/v1/users/{id}/profile", s.handleUpdateProfile)
	r.Get("/v1/users/{id}/turns", s.handleListTurns)
	r.Delete("/v1/users/{id}", s.handleEraseUser)

	r.Get("/v1/assessments/templates", s.handleListTemplates)
	r.Get("/v1/assessments/templates/{kind}", s.handleGetTemplate)
	r.Get("/v1/assessments/{session}", s.handleGetAssessment)
	r.Post("/v1/assessments/{session}/answers", s.handleSubmitAnswer)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil || s.users == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "orchestrator not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.users.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if strings.TrimSpace(req.Locale) == "" {
		req.Locale = "zh-CN"
	}

	sess := s.sessions.Create(req.UserID, req.Locale)
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		Locale:          sess.Locale,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

const (
	wsReadIdle     = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 64 << 10
	wsQueueSize    = 256
)

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil || sess.Status != session.StatusActive {
		respondError(w, http.StatusNotFound, "session_not_found", "session is not active")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.ObserveSessionEvent("ws_connected")
	defer s.metrics.ObserveSessionEvent("ws_disconnected")

	// The connection context bounds every turn started over this socket.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, wsQueueSize)
	outbound := make(chan any, wsQueueSize)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.orchestrator.RunConnection(ctx, sess, inbound, outbound); err != nil {
			s.logger.Warn("connection ended with error", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		s.writePump(ctx, cancel, conn, outbound)
	}()

	s.readPump(ctx, conn, sess, inbound, outbound)
	cancel()
	close(inbound)
	wg.Wait()
}

// writePump is the only goroutine writing to conn.
func (s *Server) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outbound <-chan any) {
	for {
		var msg any
		select {
		case <-ctx.Done():
			return
		case m, ok := <-outbound:
			if !ok {
				return
			}
			msg = m
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			s.metrics.ObserveSessionEvent("ws_write_error")
			cancel()
			// Unblocks the reader.
			_ = conn.Close()
			return
		}
		if t, ok := protocol.TypeOf(msg); ok {
			s.metrics.ObserveWSMessage("outbound", string(t))
		}
	}
}

// readPump decodes client frames into inbound until the socket fails or ctx
// ends. Malformed and rate limited frames are answered with an error event.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, sess *session.Session, inbound, outbound chan<- any) {
	conn.SetReadLimit(wsReadLimit)
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(wsReadIdle)) }
	extend()
	conn.SetPongHandler(func(string) error { extend(); return nil })

	reject := func(code, detail string, retryable bool) {
		select {
		case outbound <- protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sess.ID,
			Code:      code,
			Source:    "gateway",
			Retryable: retryable,
			Detail:    detail,
		}:
		default:
			s.metrics.ObserveSessionEvent("outbound_drop")
		}
	}

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		extend()

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			reject("invalid_client_message", err.Error(), false)
			continue
		}
		if t, ok := protocol.TypeOf(msg); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		if _, isChat := msg.(protocol.ChatMessage); isChat && !s.limiter.Allow(sess.UserID) {
			s.metrics.ObserveRateLimited()
			reject("rate_limited", "too many messages, slow down", true)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case inbound <- msg:
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondAppError maps the error taxonomy onto HTTP status codes.
func respondAppError(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), apperr.Kind(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidState), errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
