package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	var (
		mu      sync.Mutex
		reasons []string
	)
	m.SetEndHook(func(_ *Session, reason string) {
		mu.Lock()
		defer mu.Unlock()
		reasons = append(reasons, reason)
	})

	s := m.Create("u1", "zh-CN")
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "u1" || got.Locale != "zh-CN" || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if _, err := m.End(s.ID); err != nil {
		t.Fatalf("second End() error = %v", err)
	}
	if len(reasons) != 1 || reasons[0] != ReasonEnded {
		t.Fatalf("end hook reasons = %v, want [%s]", reasons, ReasonEnded)
	}
	if err := m.Touch(s.ID); err != ErrNotFound {
		t.Fatalf("Touch() on ended session error = %v, want ErrNotFound", err)
	}
}

func TestManagerFinishTurnCounts(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("u1", "")
	if err := m.StartTurn(s.ID, "turn-1"); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if err := m.FinishTurn(s.ID, true); err != nil {
		t.Fatalf("FinishTurn() error = %v", err)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ActiveTurnID != "" {
		t.Fatalf("ActiveTurnID = %q, want empty", got.ActiveTurnID)
	}
	if got.TurnCount != 1 || got.CancelledTurns != 1 {
		t.Fatalf("TurnCount, CancelledTurns = %d, %d, want 1, 1", got.TurnCount, got.CancelledTurns)
	}
}

func TestManagerActiveForUser(t *testing.T) {
	m := NewManager(time.Minute)
	first := m.Create("u1", "")
	second := m.Create("u1", "")

	got, err := m.ActiveForUser("u1")
	if err != nil {
		t.Fatalf("ActiveForUser() error = %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("ActiveForUser() = %s, want %s", got.ID, second.ID)
	}

	// Ending an older session must not unmap the newer one.
	if _, err := m.End(first.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if _, err := m.ActiveForUser("u1"); err != nil {
		t.Fatalf("ActiveForUser() after ending older session error = %v", err)
	}
	if _, err := m.ActiveForUser("nobody"); err != ErrNotFound {
		t.Fatalf("ActiveForUser(nobody) error = %v, want ErrNotFound", err)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	expired := make(chan string, 1)
	m.SetEndHook(func(s *Session, reason string) {
		if reason == ReasonExpired {
			expired <- s.ID
		}
	})
	s := m.Create("u1", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case id := <-expired:
		if id != s.ID {
			t.Fatalf("expired session = %s, want %s", id, s.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("janitor did not expire the session")
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestManagerJanitorForgetsEndedSessions(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager(time.Minute)
	m.SetClock(func() time.Time { return now })

	s := m.Create("u1", "")
	if _, err := m.End(s.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	now = now.Add(2 * time.Minute)
	m.expireInactive()

	if _, err := m.Get(s.ID); err != ErrNotFound {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}
