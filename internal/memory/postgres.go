package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/minghe/internal/apperr"
	"github.com/antoniostano/minghe/internal/crisis"
)

// PostgresProfiles persists profiles and archived turns in PostgreSQL.
type PostgresProfiles struct {
	pool *pgxpool.Pool
}

func NewPostgresProfiles(ctx context.Context, databaseURL string) (*PostgresProfiles, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresProfiles{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_profiles (
			user_id TEXT PRIMARY KEY,
			version BIGINT NOT NULL,
			doc JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS archived_turns (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			input TEXT NOT NULL,
			response TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			tools_used JSONB NOT NULL DEFAULT '[]'::jsonb,
			route TEXT NOT NULL DEFAULT '',
			cancelled BOOLEAN NOT NULL DEFAULT FALSE,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_archived_turns_user_created ON archived_turns (user_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresProfiles) LoadProfile(ctx context.Context, userID string) (Profile, bool, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM user_profiles WHERE user_id=$1`, userID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, fmt.Errorf("load profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(doc, &p); err != nil {
		return Profile{}, false, fmt.Errorf("decode profile: %w", err)
	}
	return p, true, nil
}

func (s *PostgresProfiles) SaveProfile(ctx context.Context, p Profile, expectedVersion int64) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}

	var sql string
	args := []any{p.UserID, p.Version, doc, normalizeTime(p.UpdatedAt)}
	if expectedVersion == 0 {
		sql = `INSERT INTO user_profiles (user_id, version, doc, updated_at) VALUES ($1, $2, $3, $4)
		       ON CONFLICT (user_id) DO NOTHING`
	} else {
		sql = `UPDATE user_profiles SET version=$2, doc=$3, updated_at=$4 WHERE user_id=$1 AND version=$5`
		args = append(args, expectedVersion)
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("profile %s: version %d no longer current", p.UserID, expectedVersion)
	}
	return nil
}

func (s *PostgresProfiles) ArchiveTurn(ctx context.Context, turn Turn) error {
	tools, err := json.Marshal(turn.ToolsUsed)
	if err != nil {
		return fmt.Errorf("marshal tools: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO archived_turns (id, user_id, session_id, input, response, risk_level, tools_used, route, cancelled, pii_redacted, latency_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO NOTHING`,
		turn.ID,
		turn.UserID,
		turn.SessionID,
		turn.Input,
		turn.Response,
		string(turn.RiskLevel),
		tools,
		turn.Route,
		turn.Cancelled,
		turn.PIIRedacted,
		turn.Latency.Milliseconds(),
		normalizeTime(turn.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("archive turn: %w", err)
	}
	return nil
}

func (s *PostgresProfiles) RecentTurns(ctx context.Context, userID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, session_id, input, response, risk_level, tools_used, route, cancelled, pii_redacted, latency_ms, created_at
		 FROM archived_turns WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query archived turns: %w", err)
	}
	defer rows.Close()

	items := make([]Turn, 0, limit)
	for rows.Next() {
		var (
			t         Turn
			risk      string
			tools     []byte
			latencyMS int64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.SessionID, &t.Input, &t.Response, &risk, &tools,
			&t.Route, &t.Cancelled, &t.PIIRedacted, &latencyMS, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan archived turn: %w", err)
		}
		if err := json.Unmarshal(tools, &t.ToolsUsed); err != nil {
			return nil, fmt.Errorf("decode tools: %w", err)
		}
		t.RiskLevel = crisis.Level(risk)
		t.Latency = time.Duration(latencyMS) * time.Millisecond
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived turns: %w", err)
	}

	reverseTurns(items)
	return items, nil
}

func (s *PostgresProfiles) EraseUser(ctx context.Context, userID string) (bool, error) {
	var found bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM user_profiles WHERE user_id=$1`,
			`DELETE FROM archived_turns WHERE user_id=$1`,
		} {
			tag, err := tx.Exec(ctx, stmt, userID)
			if err != nil {
				return err
			}
			found = found || tag.RowsAffected() > 0
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("erase user: %w", err)
	}
	return found, nil
}

// Ping reports whether the pool can reach the database.
func (s *PostgresProfiles) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresProfiles) Close() error {
	s.pool.Close()
	return nil
}
