package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antoniostano/minghe/internal/apperr"
	"github.com/antoniostano/minghe/internal/logging"
	"github.com/antoniostano/minghe/internal/policy"
	"github.com/antoniostano/minghe/internal/reliability"
)

const (
	DefaultWindow        = 20
	DefaultMergeAttempts = 5
)

// Options tunes a Store.
type Options struct {
	Window        int
	MergeAttempts int
	Logger        *zap.Logger
	Now           func() time.Time
}

// Store combines the short-term session windows with long-term profiles.
type Store struct {
	windows  WindowStore
	profiles ProfileStore
	window   int
	retry    reliability.RetryPolicy
	logger   *zap.Logger
	now      func() time.Time
	locks    userLocks
	backend  string
}

// New builds a Store over the given backends.
func New(windows WindowStore, profiles ProfileStore, opts Options) *Store {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.MergeAttempts <= 0 {
		opts.MergeAttempts = DefaultMergeAttempts
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		windows:  windows,
		profiles: profiles,
		window:   opts.Window,
		retry: reliability.RetryPolicy{
			MaxAttempts: opts.MergeAttempts,
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    200 * time.Millisecond,
			ShouldRetry: func(err error) bool { return errors.Is(err, apperr.ErrConflict) },
		},
		logger:  logging.OrNop(opts.Logger).Named("memory"),
		now:     opts.Now,
		locks:   userLocks{m: make(map[string]*userLock)},
		backend: "memory",
	}
}

// NewInMemory returns a Store with both tiers in process memory.
func NewInMemory(opts Options) *Store {
	return New(NewInMemoryWindows(), NewInMemoryProfiles(), opts)
}

// Backend names the configured long-term backend.
func (s *Store) Backend() string { return s.backend }

// Windows returns the short-term tier.
func (s *Store) Windows() WindowStore { return s.windows }

// Window returns the configured context window size.
func (s *Store) Window() int { return s.window }

// AppendTurn adds turn to its session window and archives a redacted copy.
func (s *Store) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
	if strings.TrimSpace(turn.SessionID) == "" || strings.TrimSpace(turn.UserID) == "" {
		return Turn{}, apperr.Validation("turn requires session and user ids")
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	if err := s.windows.Append(ctx, turn, s.window); err != nil {
		return Turn{}, err
	}

	archived := cloneTurn(turn)
	if redacted, changed := policy.RedactPII(archived.Input); changed {
		archived.Input = redacted
		archived.PIIRedacted = true
	}
	if err := s.profiles.ArchiveTurn(ctx, archived); err != nil {
		return Turn{}, err
	}
	return turn, nil
}

// GetContext returns the session window oldest first; unknown sessions yield
// an empty slice.
func (s *Store) GetContext(ctx context.Context, sessionID string) ([]Turn, error) {
	return s.windows.Recent(ctx, sessionID)
}

// GetProfile returns the stored profile or the default one.
func (s *Store) GetProfile(ctx context.Context, userID string) (Profile, error) {
	if strings.TrimSpace(userID) == "" {
		return Profile{}, apperr.Validation("user id is required")
	}
	p, found, err := s.profiles.LoadProfile(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	if !found {
		return NewProfile(userID), nil
	}
	return p, nil
}

// MergeProfile applies delta with load, merge and compare-and-swap, retrying
// on conflicts. Merges for one user are also serialized inside the process.
func (s *Store) MergeProfile(ctx context.Context, userID string, delta ProfileDelta) (Profile, error) {
	if strings.TrimSpace(userID) == "" {
		return Profile{}, apperr.Validation("user id is required")
	}
	unlock := s.locks.lock(userID)
	defer unlock()

	var merged Profile
	err := reliability.Retry(ctx, s.retry, func(attempt int) error {
		cur, found, err := s.profiles.LoadProfile(ctx, userID)
		if err != nil {
			return err
		}
		if !found {
			cur = NewProfile(userID)
		}
		next := Merge(cur, delta)
		next.UserID = userID
		next.Version = cur.Version + 1
		next.UpdatedAt = s.now()
		if err := s.profiles.SaveProfile(ctx, next, cur.Version); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				s.logger.Debug("profile merge conflict",
					zap.String("user_id", userID), zap.Int("attempt", attempt))
			}
			return err
		}
		merged = next
		return nil
	})
	if err != nil {
		return Profile{}, err
	}
	return merged, nil
}

// History returns up to limit archived turns for a user, oldest first.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]Turn, error) {
	return s.profiles.RecentTurns(ctx, userID, limit)
}

// DropSession discards a session's context window.
func (s *Store) DropSession(ctx context.Context, sessionID string) error {
	return s.windows.DropSession(ctx, sessionID)
}

// EraseUser removes every window, archived turn and the profile of userID.
// It returns an error wrapping apperr.ErrNotFound if nothing was stored.
func (s *Store) EraseUser(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return apperr.Validation("user id is required")
	}
	unlock := s.locks.lock(userID)
	defer unlock()

	hadWindows, err := s.windows.EraseUser(ctx, userID)
	if err != nil {
		return err
	}
	hadProfile, err := s.profiles.EraseUser(ctx, userID)
	if err != nil {
		return err
	}
	if !hadWindows && !hadProfile {
		return apperr.NotFound("user %s", userID)
	}
	s.logger.Info("user data erased", zap.String("user_id", userID))
	return nil
}

// Ping checks backends that can report health.
func (s *Store) Ping(ctx context.Context) error {
	type pinger interface{ Ping(context.Context) error }
	var errs []error
	for _, b := range []any{s.windows, s.profiles} {
		if p, ok := b.(pinger); ok {
			if err := p.Ping(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Store) Close() error {
	return errors.Join(s.windows.Close(), s.profiles.Close())
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

type userLocks struct {
	mu sync.Mutex
	m  map[string]*userLock
}

func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	ul := l.m[userID]
	if ul == nil {
		ul = &userLock{}
		l.m[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.m, userID)
		}
		l.mu.Unlock()
	}
}
