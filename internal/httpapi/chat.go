package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/antoniostano/minghe/internal/assessment"
	"github.com/antoniostano/minghe/internal/orchestrator"
	"github.com/antoniostano/minghe/internal/protocol"
	"github.com/antoniostano/minghe/internal/session"
)

const defaultHistoryLimit = 50

type chatTurnRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
}

type chatTurnResponse struct {
	protocol.AssistantReply
	Persisted bool `json:"persisted"`
}

type answerRequest struct {
	UserID     string `json:"user_id"`
	QuestionID string `json:"question_id"`
	Value      int    `json:"value"`
}

type assessmentResponse struct {
	Assessment   assessment.Session   `json:"assessment"`
	NextQuestion *assessment.Question `json:"next_question,omitempty"`
	Position     int                  `json:"position,omitempty"`
	Persisted    bool                 `json:"persisted"`
}

func (s *Server) handleChatTurn(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	var req chatTurnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	// Reject bad text before it can open a session or spend a token.
	req.Text = strings.TrimSpace(req.Text)
	switch {
	case req.Text == "":
		respondError(w, http.StatusBadRequest, "invalid_request", "text is empty")
		return
	case utf8.RuneCountInString(req.Text) > orchestrator.MaxMessageRunes:
		respondError(w, http.StatusBadRequest, "invalid_request", "text is too long")
		return
	}

	sess, err := s.resolveSession(req)
	if err != nil {
		respondAppError(w, err)
		return
	}
	if !s.limiter.Allow(sess.UserID) {
		s.metrics.ObserveRateLimited()
		respondError(w, http.StatusTooManyRequests, "rate_limited", "too many messages, slow down")
		return
	}

	resp, err := s.orchestrator.HandleTurn(r.Context(), sess.ID, sess.UserID, req.Text)

	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, chatTurnResponse{
			AssistantReply: orchestrator.ReplyFor(sess.ID, resp),
			Persisted:      true,
		})
	case errors.Is(err, orchestrator.ErrPersist):
		// The reply is still valid; the client must know it was not saved.
		respondJSON(w, http.StatusInternalServerError, chatTurnResponse{
			AssistantReply: orchestrator.ReplyFor(sess.ID, resp),
			Persisted:      false,
		})
	case resp.Cancelled:
		s.logger.Debug("turn cancelled by client disconnect",
			zap.String("session_id", sess.ID), zap.String("turn_id", resp.TurnID))
	default:
		respondAppError(w, err)
	}
}

// resolveSession finds the session a turn belongs to. Without a session id
// the user's active session is reused or a new one is opened.
func (s *Server) resolveSession(req chatTurnRequest) (*session.Session, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	userID := strings.TrimSpace(req.UserID)
	if sessionID != "" {
		sess, err := s.sessions.Get(sessionID)
		if err != nil || sess.Status != session.StatusActive {
			return nil, session.ErrNotFound
		}
		if userID != "" && sess.UserID != userID {
			return nil, session.ErrNotFound
		}
		return sess, nil
	}
	if userID == "" {
		userID = "anonymous"
	}
	if sess, err := s.sessions.ActiveForUser(userID); err == nil {
		return sess, nil
	}
	sess := s.sessions.Create(userID, "zh-CN")
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("created")
	return sess, nil
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "memory not configured")
		return
	}
	profile, err := s.users.GetProfile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, profile)
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	if s.users == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "memory not configured")
		return
	}
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	turns, err := s.users.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (s *Server) handleEraseUser(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	userID := chi.URLParam(r, "id")
	if err := s.orchestrator.EraseUser(r.Context(), userID); err != nil {
		respondAppError(w, err)
		return
	}
	if sess, err := s.sessions.ActiveForUser(userID); err == nil {
		_, _ = s.sessions.End(sess.ID)
		s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetAssessment(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	a, ok := s.orchestrator.Assessments().Get(chi.URLParam(r, "session"))
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", "no questionnaire for this session")
		return
	}
	respondJSON(w, http.StatusOK, assessmentView(a, true))
}

func (s *Server) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	var req answerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.QuestionID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "question_id is required")
		return
	}
	a, err := s.orchestrator.SubmitAnswer(r.Context(), chi.URLParam(r, "session"), req.UserID, req.QuestionID, req.Value)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, assessmentView(a, true))
	case errors.Is(err, orchestrator.ErrPersist):
		respondJSON(w, http.StatusInternalServerError, assessmentView(a, false))
	default:
		respondAppError(w, err)
	}
}

func (s *Server) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	kinds := assessment.Kinds()
	templates := make([]assessment.Questionnaire, 0, len(kinds))
	for _, k := range kinds {
		if q, ok := assessment.Lookup(k); ok {
			templates = append(templates, q)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	kind := assessment.Kind(strings.ToLower(strings.TrimSpace(chi.URLParam(r, "kind"))))
	q, ok := assessment.Lookup(kind)
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", "unknown questionnaire "+string(kind))
		return
	}
	respondJSON(w, http.StatusOK, q)
}

func assessmentView(a assessment.Session, persisted bool) assessmentResponse {
	out := assessmentResponse{Assessment: a, Persisted: persisted}
	if q, pos, ok := a.NextQuestion(); ok {
		out.NextQuestion = &q
		out.Position = pos
	}
	return out
}
