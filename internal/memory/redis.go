package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "minghe:"

// RedisWindows keeps session windows in Redis lists so several replicas
// share conversation context. Each session also records its owner so a user
// erase can find every window.
type RedisWindows struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisWindows connects to redisURL and verifies the connection.
func NewRedisWindows(ctx context.Context, redisURL string, ttl time.Duration) (*RedisWindows, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisWindowsFromClient(client, ttl), nil
}

// NewRedisWindowsFromClient wraps an existing client. ttl <= 0 keeps windows
// until the session is dropped.
func NewRedisWindowsFromClient(client *redis.Client, ttl time.Duration) *RedisWindows {
	return &RedisWindows{client: client, ttl: ttl}
}

// Client exposes the underlying connection so other components can share it.
func (s *RedisWindows) Client() *redis.Client { return s.client }

func windowKey(sessionID string) string { return redisKeyPrefix + "window:" + sessionID }
func sessionOwnerKey(sessionID string) string { return redisKeyPrefix + "session_user:" + sessionID }
func userSessionsKey(userID string) string { return redisKeyPrefix + "user_sessions:" + userID }

func (s *RedisWindows) Append(ctx context.Context, turn Turn, limit int) error {
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := windowKey(turn.SessionID)
		pipe.RPush(ctx, key, payload)
		if limit > 0 {
			pipe.LTrim(ctx, key, int64(-limit), -1)
		}
		pipe.Set(ctx, sessionOwnerKey(turn.SessionID), turn.UserID, s.ttl)
		pipe.SAdd(ctx, userSessionsKey(turn.UserID), turn.SessionID)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
			// The index lives as long as the newest window it points at.
			pipe.Expire(ctx, userSessionsKey(turn.UserID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append window: %w", err)
	}
	return nil
}

func (s *RedisWindows) Recent(ctx context.Context, sessionID string) ([]Turn, error) {
	raw, err := s.client.LRange(ctx, windowKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read window: %w", err)
	}
	out := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("decode window turn: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *RedisWindows) DropSession(ctx context.Context, sessionID string) error {
	owner, err := s.client.Get(ctx, sessionOwnerKey(sessionID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lookup session owner: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, windowKey(sessionID), sessionOwnerKey(sessionID))
		if owner != "" {
			pipe.SRem(ctx, userSessionsKey(owner), sessionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("drop window: %w", err)
	}
	return nil
}

func (s *RedisWindows) EraseUser(ctx context.Context, userID string) (bool, error) {
	sessions, err := s.client.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("list user sessions: %w", err)
	}
	if len(sessions) == 0 {
		return false, nil
	}
	keys := make([]string, 0, 2*len(sessions))
	for _, id := range sessions {
		keys = append(keys, windowKey(id), sessionOwnerKey(id))
	}
	var removed *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctx, keys...)
		pipe.Del(ctx, userSessionsKey(userID))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("erase user windows: %w", err)
	}
	// Index entries whose windows already expired are not stored data.
	return removed.Val() > 0, nil
}

// Ping reports whether Redis answers.
func (s *RedisWindows) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisWindows) Close() error {
	return s.client.Close()
}
