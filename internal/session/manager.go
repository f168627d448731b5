package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// End reasons passed to the end hook.
const (
	ReasonEnded   = "ended"
	ReasonExpired = "expired"
)

var ErrNotFound = errors.New("session not found")

type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	Locale         string    `json:"locale,omitempty"`
	ActiveTurnID   string    `json:"active_turn_id"`
	TurnCount      int       `json:"turn_count"`
	CancelledTurns int       `json:"cancelled_turns"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
}

// Manager is the in-process registry of chat sessions. A session's
// short-term memory lives exactly as long as the session: the end hook runs
// once when a session is ended explicitly or expired by the janitor.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	sessionByUser     map[string]string
	inactivityTimeout time.Duration
	onEnd             func(s *Session, reason string)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		sessionByUser:     make(map[string]string),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetEndHook(hook func(s *Session, reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = hook
}

func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now != nil {
		m.now = now
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

func (m *Manager) Create(userID, locale string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Locale:         locale,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	m.sessions[s.ID] = s
	if userID != "" {
		m.sessionByUser[userID] = s.ID
	}
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// ActiveForUser returns the user's most recently created active session.
func (m *Manager) ActiveForUser(userID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessionByUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	s, ok := m.sessions[id]
	if !ok || s.Status != StatusActive {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Touch marks the session as active now.
func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, true, func(*Session) {})
}

func (m *Manager) StartTurn(sessionID, turnID string) error {
	return m.update(sessionID, true, func(s *Session) { s.ActiveTurnID = turnID })
}

// FinishTurn clears the active turn and counts it. Turns that finish after
// their session ended are still counted.
func (m *Manager) FinishTurn(sessionID string, cancelled bool) error {
	return m.update(sessionID, false, func(s *Session) {
		s.ActiveTurnID = ""
		s.TurnCount++
		if cancelled {
			s.CancelledTurns++
		}
	})
}

// update applies fn under the write lock and refreshes LastActivityAt.
func (m *Manager) update(sessionID string, activeOnly bool, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || (activeOnly && s.Status != StatusActive) {
		return ErrNotFound
	}
	fn(s)
	s.LastActivityAt = m.now()
	return nil
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	alreadyEnded := s.Status == StatusEnded
	if !alreadyEnded {
		m.endLocked(s)
	}
	out := clone(s)
	hook := m.onEnd
	m.mu.Unlock()

	if hook != nil && !alreadyEnded {
		hook(out, ReasonEnded)
	}
	return out, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	go m.RunJanitor(ctx, interval)
}

// RunJanitor expires inactive sessions until ctx is cancelled.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.expireInactive()
		}
	}
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			n++
		}
	}
	return n
}

func (m *Manager) expireInactive() {
	m.mu.Lock()
	expired := m.sweepLocked(m.now())
	hook := m.onEnd
	m.mu.Unlock()

	for _, s := range expired {
		if hook != nil {
			hook(s, ReasonExpired)
		}
	}
}

// sweepLocked ends sessions idle past the timeout and forgets sessions that
// have been ended for at least as long, so late Get calls still see them.
func (m *Manager) sweepLocked(now time.Time) []*Session {
	var expired []*Session
	for id, s := range m.sessions {
		switch {
		case s.Status == StatusEnded:
			if now.Sub(s.EndedAt) >= m.inactivityTimeout {
				delete(m.sessions, id)
			}
		case now.Sub(s.LastActivityAt) >= m.inactivityTimeout:
			m.endLocked(s)
			expired = append(expired, clone(s))
		}
	}
	return expired
}

func (m *Manager) endLocked(s *Session) {
	now := m.now()
	s.Status = StatusEnded
	s.ActiveTurnID = ""
	s.LastActivityAt = now
	s.EndedAt = now
	if s.UserID != "" && m.sessionByUser[s.UserID] == s.ID {
		delete(m.sessionByUser, s.UserID)
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
