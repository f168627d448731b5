package assessment

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/minghe/internal/apperr"
)

const DefaultIdleTimeout = 30 * time.Minute

type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
)

// Pending reports whether the questionnaire still expects answers.
func (s Status) Pending() bool {
	return s == StatusNotStarted || s == StatusInProgress
}

type Answer struct {
	QuestionID string `json:"question_id"`
	Value      int    `json:"value"`
}

// Session is one questionnaire run inside a chat session.
type Session struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Kind      Kind      `json:"kind"`
	Status    Status    `json:"status"`
	Answers   []Answer  `json:"answers"`
	Result    *Result   `json:"result,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NextQuestion returns the first unanswered question and its 1-based position.
func (s Session) NextQuestion() (Question, int, bool) {
	q, ok := Lookup(s.Kind)
	if !ok || !s.Status.Pending() || len(s.Answers) >= len(q.Questions) {
		return Question{}, 0, false
	}
	return q.Questions[len(s.Answers)], len(s.Answers) + 1, true
}

func (s Session) clone() Session {
	out := s
	out.Answers = append([]Answer(nil), s.Answers...)
	if s.Result != nil {
		r := *s.Result
		r.Recommendations = append([]string(nil), s.Result.Recommendations...)
		out.Result = &r
	}
	return out
}

// Manager tracks one questionnaire per chat session. Idle sessions are
// abandoned lazily the next time they are read.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	idle     time.Duration
	now      func() time.Time
}

func NewManager(idle time.Duration) *Manager {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Manager{
		sessions: make(map[string]*Session),
		idle:     idle,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now != nil {
		m.now = now
	}
}

// Start opens a questionnaire for sessionID. A completed or abandoned run is
// replaced; a pending one is an ErrInvalidState.
func (m *Manager) Start(sessionID, userID string, kind Kind) (Session, error) {
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(userID) == "" {
		return Session{}, apperr.Validation("assessment requires session and user ids")
	}
	if _, ok := Lookup(kind); !ok {
		return Session{}, apperr.Validation("unknown questionnaire %q", kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.lookupLocked(sessionID); cur != nil && cur.Status.Pending() {
		return Session{}, apperr.InvalidState("session %s already has a %s questionnaire in progress", sessionID, cur.Kind)
	}
	now := m.now()
	s := &Session{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Kind:      kind,
		Status:    StatusNotStarted,
		Answers:   []Answer{},
		StartedAt: now,
		UpdatedAt: now,
	}
	m.sessions[sessionID] = s
	return s.clone(), nil
}

// SubmitAnswer records the answer for the current question. The final answer
// completes the run and computes its score.
func (m *Manager) SubmitAnswer(sessionID, questionID string, value int) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.lookupLocked(sessionID)
	if s == nil {
		return Session{}, apperr.NotFound("no questionnaire for session %s", sessionID)
	}
	if !s.Status.Pending() {
		return Session{}, apperr.InvalidState("questionnaire %s is %s", s.ID, s.Status)
	}
	q, _ := Lookup(s.Kind)
	next := q.Questions[len(s.Answers)]
	if next.ID != questionID {
		return Session{}, apperr.Validation("expected answer to %s, got %s", next.ID, questionID)
	}
	if !next.hasOption(value) {
		return Session{}, apperr.Validation("question %s: %d is not an option", questionID, value)
	}

	s.Answers = append(s.Answers, Answer{QuestionID: questionID, Value: value})
	s.Status = StatusInProgress
	s.UpdatedAt = m.now()
	if len(s.Answers) == len(q.Questions) {
		answers := make(map[string]int, len(s.Answers))
		for _, a := range s.Answers {
			answers[a.QuestionID] = a.Value
		}
		res, err := q.Score(answers)
		if err != nil {
			return Session{}, err
		}
		s.Result = &res
		s.Status = StatusCompleted
	}
	return s.clone(), nil
}

// Get returns the run for sessionID after applying idle expiry.
func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.lookupLocked(sessionID)
	if s == nil {
		return Session{}, false
	}
	return s.clone(), true
}

// Pending returns the run for sessionID only while it still expects answers.
func (m *Manager) Pending(sessionID string) (Session, bool) {
	s, ok := m.Get(sessionID)
	if !ok || !s.Status.Pending() {
		return Session{}, false
	}
	return s, true
}

// Abandon ends a pending run at the user's request.
func (m *Manager) Abandon(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.lookupLocked(sessionID)
	if s == nil {
		return Session{}, apperr.NotFound("no questionnaire for session %s", sessionID)
	}
	if !s.Status.Pending() {
		return Session{}, apperr.InvalidState("questionnaire %s is %s", s.ID, s.Status)
	}
	s.Status = StatusAbandoned
	s.UpdatedAt = m.now()
	return s.clone(), nil
}

// DropSession forgets the run for a chat session.
func (m *Manager) DropSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// DropUser forgets every run owned by userID and returns how many were removed.
func (m *Manager) DropUser(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.UserID == userID {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

func (m *Manager) lookupLocked(sessionID string) *Session {
	s := m.sessions[sessionID]
	if s == nil {
		return nil
	}
	if s.Status.Pending() && m.now().Sub(s.UpdatedAt) > m.idle {
		s.Status = StatusAbandoned
		s.UpdatedAt = m.now()
	}
	return s
}

// ParseAnswer accepts either an option value ("3") or an option label.
func ParseAnswer(q Question, text string) (int, error) {
	in := strings.TrimSpace(text)
	in = strings.TrimRight(in, "。.！!")
	if in == "" {
		return 0, apperr.Validation("empty answer")
	}
	if v, err := strconv.Atoi(in); err == nil {
		if q.hasOption(v) {
			return v, nil
		}
		return 0, apperr.Validation("%d is not an option", v)
	}
	var (
		best    Option
		bestLen int
	)
	for _, o := range q.Options {
		if strings.Contains(in, o.Label) && len(o.Label) > bestLen {
			best, bestLen = o, len(o.Label)
		}
	}
	if bestLen == 0 {
		return 0, apperr.Validation("answer %q matches no option", in)
	}
	return best.Value, nil
}

var kindTriggers = []struct {
	kind     Kind
	keywords []string
}{
	{KindAnxiety, []string{"焦虑", "紧张", "anxiety", "anxious"}},
	{KindDepression, []string{"抑郁", "低落", "depression", "depressed"}},
	{KindStress, []string{"压力", "stress"}},
}

// stopPhrases name the questionnaire, so they may appear anywhere in a message.
var stopPhrases = []string{"退出评估", "停止评估", "结束评估", "取消评估", "不做评估", "不想做评估", "退出测评", "停止测评", "不想做测评"}

// stopReplies only count when they are the whole message; inside a longer
// sentence they are usually an answer or a disclosure.
var stopReplies = []string{"不做了", "不想做了", "我不想做了", "退出", "停止", "算了", "quit", "stop", "exit", "cancel"}

var stopSentence = regexp.MustCompile(`\b(?:stop|quit|end|cancel|exit)\s+(?:the\s+|this\s+)?(?:assessment|questionnaire|test|quiz)\b`)

// WantsToStop reports whether a message asks to leave a running questionnaire.
func WantsToStop(message string) bool {
	in := strings.TrimRight(strings.ToLower(strings.TrimSpace(message)), "。！!.，,~～ ")
	if slices.Contains(stopReplies, in) || stopSentence.MatchString(in) {
		return true
	}
	for _, p := range stopPhrases {
		if strings.Contains(in, p) {
			return true
		}
	}
	return false
}

// InferKind picks the questionnaire a message asks for, defaulting to stress.
func InferKind(message string) Kind {
	in := strings.ToLower(message)
	for _, t := range kindTriggers {
		for _, kw := range t.keywords {
			if strings.Contains(in, kw) {
				return t.kind
			}
		}
	}
	return KindStress
}
