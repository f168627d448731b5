package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/antoniostano/minghe/internal/apperr"
	"github.com/antoniostano/minghe/internal/crisis"
)

// SQLiteProfiles stores profiles as JSON documents next to a version column
// used for compare-and-swap, plus an archive of redacted turns.
type SQLiteProfiles struct {
	db *sql.DB
}

// NewSQLiteProfiles opens (or creates) the database at path. ":memory:" is
// accepted for tests.
func NewSQLiteProfiles(ctx context.Context, path string) (*SQLiteProfiles, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps CAS updates and :memory: databases on a single connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteProfiles{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteProfiles) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS user_profiles (
			user_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			doc TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS archived_turns (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			input TEXT NOT NULL,
			response TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			tools_used TEXT NOT NULL DEFAULT '[]',
			route TEXT NOT NULL DEFAULT '',
			cancelled INTEGER NOT NULL DEFAULT 0,
			pii_redacted INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_archived_turns_user_created ON archived_turns (user_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteProfiles) LoadProfile(ctx context.Context, userID string) (Profile, bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM user_profiles WHERE user_id = ?`, userID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, fmt.Errorf("load profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return Profile{}, false, fmt.Errorf("decode profile: %w", err)
	}
	return p, true, nil
}

func (s *SQLiteProfiles) SaveProfile(ctx context.Context, p Profile, expectedVersion int64) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	updated := normalizeTime(p.UpdatedAt).Format(time.RFC3339Nano)

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO user_profiles (user_id, version, doc, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(user_id) DO NOTHING`,
			p.UserID, p.Version, string(doc), updated)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE user_profiles SET version = ?, doc = ?, updated_at = ?
			 WHERE user_id = ? AND version = ?`,
			p.Version, string(doc), updated, p.UserID, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	if n == 0 {
		return apperr.Conflict("profile %s: version %d no longer current", p.UserID, expectedVersion)
	}
	return nil
}

func (s *SQLiteProfiles) ArchiveTurn(ctx context.Context, turn Turn) error {
	tools, err := json.Marshal(turn.ToolsUsed)
	if err != nil {
		return fmt.Errorf("marshal tools: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO archived_turns
			(id, user_id, session_id, input, response, risk_level, tools_used, route, cancelled, pii_redacted, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID,
		turn.UserID,
		turn.SessionID,
		turn.Input,
		turn.Response,
		string(turn.RiskLevel),
		string(tools),
		turn.Route,
		turn.Cancelled,
		turn.PIIRedacted,
		turn.Latency.Milliseconds(),
		normalizeTime(turn.Timestamp).Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("archive turn: %w", err)
	}
	return nil
}

func (s *SQLiteProfiles) RecentTurns(ctx context.Context, userID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, input, response, risk_level, tools_used, route, cancelled, pii_redacted, latency_ms, created_at
		FROM archived_turns WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query archived turns: %w", err)
	}
	defer rows.Close()

	items := make([]Turn, 0, limit)
	for rows.Next() {
		var (
			t         Turn
			risk      string
			tools     string
			latencyMS int64
			created   string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.SessionID, &t.Input, &t.Response, &risk, &tools,
			&t.Route, &t.Cancelled, &t.PIIRedacted, &latencyMS, &created); err != nil {
			return nil, fmt.Errorf("scan archived turn: %w", err)
		}
		if err := json.Unmarshal([]byte(tools), &t.ToolsUsed); err != nil {
			return nil, fmt.Errorf("decode tools: %w", err)
		}
		t.Timestamp, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
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

func (s *SQLiteProfiles) EraseUser(ctx context.Context, userID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin erase: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var total int64
	for _, stmt := range []string{
		`DELETE FROM user_profiles WHERE user_id = ?`,
		`DELETE FROM archived_turns WHERE user_id = ?`,
	} {
		res, err := tx.ExecContext(ctx, stmt, userID)
		if err != nil {
			return false, fmt.Errorf("erase user: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit erase: %w", err)
	}
	return total > 0, nil
}

// Ping reports whether the database answers.
func (s *SQLiteProfiles) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteProfiles) Close() error {
	return s.db.Close()
}
