package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antoniostano/minghe/internal/apperr"
	"github.com/antoniostano/minghe/internal/crisis"
)

func newTestStore(window int) *Store {
	return NewInMemory(Options{Window: window})
}

func TestWindowNeverExceedsBound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(3)

	for i := 0; i < 7; i++ {
		_, err := s.AppendTurn(ctx, Turn{SessionID: "s1", UserID: "u1", Input: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		got, err := s.GetContext(ctx, "s1")
		require.NoError(t, err)
		require.LessOrEqual(t, len(got), 3)
	}

	got, err := s.GetContext(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "m4", got[0].Input)
	require.Equal(t, "m6", got[2].Input)
}

func TestGetContextUnknownSessionIsEmpty(t *testing.T) {
	got, err := newTestStore(0).GetContext(context.Background(), "nope")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestGetProfileDefault(t *testing.T) {
	p, err := newTestStore(0).GetProfile(context.Background(), "new-user")
	require.NoError(t, err)
	require.Equal(t, "new-user", p.UserID)
	require.Zero(t, p.Version)
	require.Empty(t, p.RiskHistory)
}

func TestAppendTurnArchivesRedactedCopy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(0)

	_, err := s.AppendTurn(ctx, Turn{SessionID: "s", UserID: "u", Input: "mail me at a@b.com", Response: "ok"})
	require.NoError(t, err)

	window, err := s.GetContext(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, "mail me at a@b.com", window[0].Input)

	hist, err := s.History(ctx, "u", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Contains(t, hist[0].Input, "[REDACTED_EMAIL]")
	require.True(t, hist[0].PIIRedacted)
}

func TestAppendTurnRequiresIDs(t *testing.T) {
	_, err := newTestStore(0).AppendTurn(context.Background(), Turn{UserID: "u"})
	require.True(t, errors.Is(err, apperr.ErrValidation), "err = %v", err)
}

func TestEraseUserTwiceIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(0)

	_, err := s.AppendTurn(ctx, Turn{SessionID: "s", UserID: "u", Input: "hi"})
	require.NoError(t, err)
	_, err = s.MergeProfile(ctx, "u", ProfileDelta{Themes: []string{"work"}})
	require.NoError(t, err)

	require.NoError(t, s.EraseUser(ctx, "u"))

	p, err := s.GetProfile(ctx, "u")
	require.NoError(t, err)
	require.Equal(t, NewProfile("u"), p)
	window, err := s.GetContext(ctx, "s")
	require.NoError(t, err)
	require.Empty(t, window)

	err = s.EraseUser(ctx, "u")
	require.True(t, errors.Is(err, apperr.ErrNotFound), "err = %v", err)
}

func TestConcurrentMergesKeepEveryRiskEvent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(0)

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.MergeProfile(ctx, "u", ProfileDelta{
				RiskEvents: []RiskEvent{{ID: fmt.Sprintf("ev-%02d", i), Level: crisis.LevelHigh, At: t0.Add(time.Duration(i) * time.Second)}},
				Themes:     []string{fmt.Sprintf("t%d", i%3)},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	p, err := s.GetProfile(ctx, "u")
	require.NoError(t, err)
	require.Len(t, p.RiskHistory, writers)
	require.Equal(t, int64(writers), p.Version)
	require.Equal(t, []string{"t0", "t1", "t2"}, p.Themes)
}

type conflictingProfiles struct {
	*InMemoryProfiles
	failures int
}

func (c *conflictingProfiles) SaveProfile(ctx context.Context, p Profile, expected int64) error {
	if c.failures > 0 {
		c.failures--
		return apperr.Conflict("injected")
	}
	return c.InMemoryProfiles.SaveProfile(ctx, p, expected)
}

func TestMergeRetriesConflicts(t *testing.T) {
	profiles := &conflictingProfiles{InMemoryProfiles: NewInMemoryProfiles(), failures: 2}
	s := New(NewInMemoryWindows(), profiles, Options{MergeAttempts: 3})

	p, err := s.MergeProfile(context.Background(), "u", ProfileDelta{Tags: []string{"x"}})
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, p.Tags)

	profiles.failures = 5
	_, err = s.MergeProfile(context.Background(), "u", ProfileDelta{Tags: []string{"y"}})
	require.True(t, errors.Is(err, apperr.ErrConflict), "err = %v", err)
}

func TestDropSessionClearsWindow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(0)
	_, err := s.AppendTurn(ctx, Turn{SessionID: "s", UserID: "u", Input: "hi"})
	require.NoError(t, err)
	require.NoError(t, s.DropSession(ctx, "s"))
	got, err := s.GetContext(ctx, "s")
	require.NoError(t, err)
	require.Empty(t, got)
}
