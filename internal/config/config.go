package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the companion chat service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin     bool
	RateLimitPerMinute int

	LogLevel  string
	LogFormat string

	MemorySessionWindow int
	MemoryMergeAttempts int
	DatabaseURL         string
	SQLitePath          string
	RedisURL            string
	RedisWindowTTL      time.Duration
	AlertRedisChannel   string

	AssessmentIdleTimeout time.Duration
	ToolTimeout           time.Duration

	CrisisPatternsPath string
	CrisisWatch        bool

	KnowledgeBasePath string
	RetrievalTopK     int
	RetrievalCacheTTL time.Duration

	GeneratorMode        string
	GeneratorURL         string
	GeneratorFallbackURL string
	GeneratorAPIKey      string
	GeneratorModel       string
	GeneratorTimeout     time.Duration
	GeneratorStream      bool
}

// LoadDotEnv reads KEY=VALUE files into the environment without overriding
// variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "minghe"),
		AllowAnyOrigin:        false,
		RateLimitPerMinute:    30,
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
		LogFormat:             envOrDefault("LOG_FORMAT", "json"),
		MemorySessionWindow:   20,
		MemoryMergeAttempts:   5,
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		SQLitePath:            stringsTrimSpace("SQLITE_PATH"),
		RedisURL:              stringsTrimSpace("REDIS_URL"),
		AlertRedisChannel:     envOrDefault("ALERT_REDIS_CHANNEL", "minghe:crisis_alerts"),
		CrisisPatternsPath:    stringsTrimSpace("CRISIS_PATTERNS_PATH"),
		CrisisWatch:           true,
		KnowledgeBasePath:     stringsTrimSpace("KNOWLEDGE_BASE_PATH"),
		RetrievalTopK:         3,
		RetrievalCacheTTL:     5 * time.Minute,
		GeneratorMode:         strings.ToLower(envOrDefault("GENERATOR_MODE", "auto")),
		GeneratorURL:          stringsTrimSpace("GENERATOR_URL"),
		GeneratorFallbackURL:  stringsTrimSpace("GENERATOR_FALLBACK_URL"),
		GeneratorAPIKey:       stringsTrimSpace("GENERATOR_API_KEY"),
		GeneratorModel:        envOrDefault("GENERATOR_MODEL", "deepseek-chat"),
		ShutdownTimeout:       15 * time.Second,
		RedisWindowTTL:        24 * time.Hour,
		AssessmentIdleTimeout: 30 * time.Minute,
		ToolTimeout:           8 * time.Second,
		GeneratorTimeout:      30 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", 30*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitPerMinute, err = intFromEnv("APP_RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute)
	if err != nil {
		return Config{}, err
	}
	cfg.MemorySessionWindow, err = intFromEnv("MEMORY_SESSION_WINDOW", cfg.MemorySessionWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryMergeAttempts, err = intFromEnv("MEMORY_MERGE_ATTEMPTS", cfg.MemoryMergeAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.RedisWindowTTL, err = durationFromEnv("REDIS_WINDOW_TTL", cfg.RedisWindowTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.AssessmentIdleTimeout, err = durationFromEnv("ASSESSMENT_IDLE_TIMEOUT", cfg.AssessmentIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ToolTimeout, err = durationFromEnv("TOOL_TIMEOUT", cfg.ToolTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CrisisWatch, err = boolFromEnv("CRISIS_PATTERNS_WATCH", cfg.CrisisWatch)
	if err != nil {
		return Config{}, err
	}
	cfg.RetrievalTopK, err = intFromEnv("RETRIEVAL_TOP_K", cfg.RetrievalTopK)
	if err != nil {
		return Config{}, err
	}
	cfg.RetrievalCacheTTL, err = durationFromEnv("RETRIEVAL_CACHE_TTL", cfg.RetrievalCacheTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.GeneratorTimeout, err = durationFromEnv("GENERATOR_TIMEOUT", cfg.GeneratorTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GeneratorStream, err = boolFromEnv("GENERATOR_STREAM", cfg.GeneratorStream)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.RateLimitPerMinute < 0 {
		return Config{}, fmt.Errorf("APP_RATE_LIMIT_PER_MINUTE must be >= 0")
	}
	if cfg.MemorySessionWindow <= 0 {
		return Config{}, fmt.Errorf("MEMORY_SESSION_WINDOW must be positive")
	}
	if cfg.MemoryMergeAttempts <= 0 {
		return Config{}, fmt.Errorf("MEMORY_MERGE_ATTEMPTS must be positive")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("TOOL_TIMEOUT must be positive")
	}
	if cfg.AssessmentIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("ASSESSMENT_IDLE_TIMEOUT must be positive")
	}
	if cfg.RetrievalTopK <= 0 {
		return Config{}, fmt.Errorf("RETRIEVAL_TOP_K must be positive")
	}
	switch cfg.GeneratorMode {
	case "auto", "http", "mock":
	default:
		return Config{}, fmt.Errorf("GENERATOR_MODE must be one of auto, http, mock")
	}
	if cfg.GeneratorMode == "http" && cfg.GeneratorURL == "" {
		return Config{}, fmt.Errorf("GENERATOR_URL is required when GENERATOR_MODE=http")
	}
	if cfg.DatabaseURL != "" && cfg.SQLitePath != "" {
		return Config{}, fmt.Errorf("set only one of DATABASE_URL and SQLITE_PATH")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
