package memory

import (
	"context"
	"sync"

	"github.com/antoniostano/minghe/internal/apperr"
)

type sessionWindow struct {
	userID string
	turns  []Turn
}

// InMemoryWindows keeps session windows in process memory for local/dev use.
type InMemoryWindows struct {
	mu       sync.RWMutex
	sessions map[string]*sessionWindow
}

func NewInMemoryWindows() *InMemoryWindows {
	return &InMemoryWindows{sessions: make(map[string]*sessionWindow)}
}

func (s *InMemoryWindows) Append(_ context.Context, turn Turn, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.sessions[turn.SessionID]
	if w == nil {
		w = &sessionWindow{userID: turn.UserID}
		s.sessions[turn.SessionID] = w
	}
	w.turns = append(w.turns, cloneTurn(turn))
	if limit > 0 && len(w.turns) > limit {
		trimmed := make([]Turn, limit)
		copy(trimmed, w.turns[len(w.turns)-limit:])
		w.turns = trimmed
	}
	return nil
}

func (s *InMemoryWindows) Recent(_ context.Context, sessionID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w := s.sessions[sessionID]
	if w == nil {
		return []Turn{}, nil
	}
	out := make([]Turn, 0, len(w.turns))
	for _, t := range w.turns {
		out = append(out, cloneTurn(t))
	}
	return out, nil
}

func (s *InMemoryWindows) DropSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *InMemoryWindows) EraseUser(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for id, w := range s.sessions {
		if w.userID == userID {
			delete(s.sessions, id)
			found = true
		}
	}
	return found, nil
}

func (s *InMemoryWindows) Close() error { return nil }

// InMemoryProfiles keeps profiles and archived turns in process memory.
type InMemoryProfiles struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	turns    map[string][]Turn
}

func NewInMemoryProfiles() *InMemoryProfiles {
	return &InMemoryProfiles{
		profiles: make(map[string]Profile),
		turns:    make(map[string][]Turn),
	}
}

func (s *InMemoryProfiles) LoadProfile(_ context.Context, userID string) (Profile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return Profile{}, false, nil
	}
	return p.Clone(), true, nil
}

func (s *InMemoryProfiles) SaveProfile(_ context.Context, p Profile, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if cur, ok := s.profiles[p.UserID]; ok {
		current = cur.Version
	}
	if current != expectedVersion {
		return apperr.Conflict("profile %s: stored version %d, expected %d", p.UserID, current, expectedVersion)
	}
	s.profiles[p.UserID] = p.Clone()
	return nil
}

func (s *InMemoryProfiles) ArchiveTurn(_ context.Context, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[turn.UserID] = append(s.turns[turn.UserID], cloneTurn(turn))
	return nil
}

func (s *InMemoryProfiles) RecentTurns(_ context.Context, userID string, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[userID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Turn, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, cloneTurn(arr[i]))
	}
	return out, nil
}

func (s *InMemoryProfiles) EraseUser(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, hadProfile := s.profiles[userID]
	_, hadTurns := s.turns[userID]
	delete(s.profiles, userID)
	delete(s.turns, userID)
	return hadProfile || hadTurns, nil
}

func (s *InMemoryProfiles) Close() error { return nil }

func cloneTurn(t Turn) Turn {
	t.ToolsUsed = append([]string(nil), t.ToolsUsed...)
	return t
}
