package memory

import (
	"context"
	"time"

	"github.com/antoniostano/minghe/internal/crisis"
)

// Turn is one user message and the reply it produced.
type Turn struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	UserID      string        `json:"user_id"`
	Input       string        `json:"input"`
	Response    string        `json:"response"`
	Timestamp   time.Time     `json:"timestamp"`
	RiskLevel   crisis.Level  `json:"risk_level"`
	ToolsUsed   []string      `json:"tools_used"`
	Route       string        `json:"route,omitempty"`
	Latency     time.Duration `json:"latency_ns,omitempty"`
	Cancelled   bool          `json:"cancelled,omitempty"`
	PIIRedacted bool          `json:"pii_redacted,omitempty"`
}

// Field is a last-writer-wins profile attribute.
type Field struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RiskEvent records a non-low crisis classification. Events are never removed
// except by user erasure.
type RiskEvent struct {
	ID        string       `json:"id"`
	TurnID    string       `json:"turn_id,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	Level     crisis.Level `json:"level"`
	Signal    string       `json:"signal,omitempty"`
	At        time.Time    `json:"at"`
}

// AssessmentRecord is the summary of a completed questionnaire.
type AssessmentRecord struct {
	ID          string       `json:"id"`
	Kind        string       `json:"kind"`
	Score       float64      `json:"score"`
	Severity    string       `json:"severity"`
	RiskLevel   crisis.Level `json:"risk_level"`
	CompletedAt time.Time    `json:"completed_at"`
}

// Profile is the long-term record kept per user.
type Profile struct {
	UserID      string             `json:"user_id"`
	Fields      map[string]Field   `json:"fields"`
	Tags        []string           `json:"tags"`
	Themes      []string           `json:"themes"`
	RiskHistory []RiskEvent        `json:"risk_history"`
	Assessments []AssessmentRecord `json:"assessments"`
	Version     int64              `json:"version"`
	UpdatedAt   time.Time          `json:"updated_at,omitempty"`
}

// ProfileDelta is a partial update applied with Merge.
type ProfileDelta struct {
	Fields      map[string]Field   `json:"fields,omitempty"`
	Tags        []string           `json:"tags,omitempty"`
	Themes      []string           `json:"themes,omitempty"`
	RiskEvents  []RiskEvent        `json:"risk_events,omitempty"`
	Assessments []AssessmentRecord `json:"assessments,omitempty"`
}

// Empty reports whether applying d would change nothing.
func (d ProfileDelta) Empty() bool {
	return len(d.Fields) == 0 && len(d.Tags) == 0 && len(d.Themes) == 0 &&
		len(d.RiskEvents) == 0 && len(d.Assessments) == 0
}

// WindowStore keeps the bounded per-session context window.
type WindowStore interface {
	Append(ctx context.Context, turn Turn, limit int) error
	Recent(ctx context.Context, sessionID string) ([]Turn, error)
	DropSession(ctx context.Context, sessionID string) error
	// EraseUser drops every window owned by userID and reports whether any existed.
	EraseUser(ctx context.Context, userID string) (bool, error)
	Close() error
}

// ProfileStore persists profiles and the archived turn log.
type ProfileStore interface {
	// LoadProfile returns found=false when the user has no profile.
	LoadProfile(ctx context.Context, userID string) (Profile, bool, error)
	// SaveProfile writes p only if the stored version equals expectedVersion
	// (0 meaning absent); otherwise it returns an error wrapping apperr.ErrConflict.
	SaveProfile(ctx context.Context, p Profile, expectedVersion int64) error
	ArchiveTurn(ctx context.Context, turn Turn) error
	RecentTurns(ctx context.Context, userID string, limit int) ([]Turn, error)
	EraseUser(ctx context.Context, userID string) (bool, error)
	Close() error
}
