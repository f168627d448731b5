package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/antoniostano/minghe/internal/crisis"
	"github.com/antoniostano/minghe/internal/logging"
	"github.com/antoniostano/minghe/internal/observability"
)

// Alert is raised for high and critical turns and for turns whose crisis
// check failed.
type Alert struct {
	TurnID    string       `json:"turn_id"`
	SessionID string       `json:"session_id"`
	UserID    string       `json:"user_id"`
	Level     crisis.Level `json:"risk_level"`
	Signal    string       `json:"signal,omitempty"`
	Category  string       `json:"category,omitempty"`
	Cancelled bool         `json:"cancelled,omitempty"`
	At        time.Time    `json:"at"`
}

// Alerter delivers crisis alerts. Implementations must not block for long;
// the orchestrator calls them with a context that ignores client cancellation.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to the structured log and counts them.
type LogAlerter struct {
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewLogAlerter(logger *zap.Logger, metrics *observability.Metrics) *LogAlerter {
	return &LogAlerter{
		logger:  logging.OrNop(logger).Named("crisis_alert"),
		metrics: metrics,
	}
}

func (a *LogAlerter) Alert(_ context.Context, alert Alert) error {
	a.metrics.ObserveCrisisAlert(string(alert.Level))
	a.logger.Warn("crisis alert",
		zap.String("turn_id", alert.TurnID),
		zap.String("session_id", alert.SessionID),
		zap.String("user_id", alert.UserID),
		zap.String("risk_level", string(alert.Level)),
		zap.String("category", alert.Category),
		zap.Bool("cancelled", alert.Cancelled),
		zap.Time("at", alert.At))
	return nil
}

// MultiAlerter fans an alert out to several alerters and joins their errors.
type MultiAlerter []Alerter

func (m MultiAlerter) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, al := range m {
		if al == nil {
			continue
		}
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DefaultAlertChannel is the Redis pub/sub channel crisis alerts go to.
const DefaultAlertChannel = "minghe:crisis_alerts"

// RedisAlerter publishes alerts as JSON so on-call tooling can subscribe.
type RedisAlerter struct {
	client  *redis.Client
	channel string
}

func NewRedisAlerter(client *redis.Client, channel string) *RedisAlerter {
	if channel == "" {
		channel = DefaultAlertChannel
	}
	return &RedisAlerter{client: client, channel: channel}
}

func (a *RedisAlerter) Alert(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	if err := a.client.Publish(ctx, a.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}
