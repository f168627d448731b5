package memory

import (
	"context"
	"strings"
	"time"
)

// Config selects the backends NewStore wires together.
type Config struct {
	DatabaseURL   string
	SQLitePath    string
	RedisURL      string
	WindowTTL     time.Duration
	Window        int
	MergeAttempts int
}

// NewStore creates a postgres-backed store when DatabaseURL is set, otherwise
// SQLite when SQLitePath is set, otherwise in-memory. Windows live in Redis
// when RedisURL is set.
func NewStore(ctx context.Context, cfg Config, opts Options) (*Store, error) {
	if opts.Window <= 0 {
		opts.Window = cfg.Window
	}
	if opts.MergeAttempts <= 0 {
		opts.MergeAttempts = cfg.MergeAttempts
	}

	var (
		profiles ProfileStore
		backend  = "memory"
	)
	switch {
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		pg, err := NewPostgresProfiles(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		profiles, backend = pg, "postgres"
	case strings.TrimSpace(cfg.SQLitePath) != "":
		lite, err := NewSQLiteProfiles(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		profiles, backend = lite, "sqlite"
	default:
		profiles = NewInMemoryProfiles()
	}

	var windows WindowStore = NewInMemoryWindows()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		rw, err := NewRedisWindows(ctx, cfg.RedisURL, cfg.WindowTTL)
		if err != nil {
			_ = profiles.Close()
			return nil, err
		}
		windows = rw
		backend += "+redis"
	}

	s := New(windows, profiles, opts)
	s.backend = backend
	return s, nil
}
