package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.SessionInactivityTimeout != 30*time.Minute {
		t.Fatalf("SessionInactivityTimeout = %s, want 30m", cfg.SessionInactivityTimeout)
	}
	if cfg.MemorySessionWindow != 20 || cfg.MemoryMergeAttempts != 5 {
		t.Fatalf("memory defaults = %d/%d, want 20/5", cfg.MemorySessionWindow, cfg.MemoryMergeAttempts)
	}
	if cfg.ToolTimeout != 8*time.Second {
		t.Fatalf("ToolTimeout = %s, want 8s", cfg.ToolTimeout)
	}
	if cfg.RetrievalTopK != 3 {
		t.Fatalf("RetrievalTopK = %d, want 3", cfg.RetrievalTopK)
	}
	if cfg.GeneratorMode != "auto" {
		t.Fatalf("GeneratorMode = %q, want auto", cfg.GeneratorMode)
	}
	if cfg.GeneratorURL != "" {
		t.Fatalf("GeneratorURL = %q, want empty default", cfg.GeneratorURL)
	}
	if cfg.MetricsNamespace != "minghe" {
		t.Fatalf("MetricsNamespace = %q, want minghe", cfg.MetricsNamespace)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("TOOL_TIMEOUT", "3s")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")
	t.Setenv("GENERATOR_MODE", "HTTP")
	t.Setenv("GENERATOR_URL", " http://localhost:7777/v1/chat/completions ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want :9191", cfg.BindAddr)
	}
	if cfg.ToolTimeout != 3*time.Second {
		t.Fatalf("ToolTimeout = %s, want 3s", cfg.ToolTimeout)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
	if cfg.GeneratorMode != "http" {
		t.Fatalf("GeneratorMode = %q, want http", cfg.GeneratorMode)
	}
	if cfg.GeneratorURL != "http://localhost:7777/v1/chat/completions" {
		t.Fatalf("GeneratorURL = %q, want trimmed value", cfg.GeneratorURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		key  string
		val  string
	}{
		{name: "bad duration", key: "TOOL_TIMEOUT", val: "soon"},
		{name: "bad bool", key: "APP_ALLOW_ANY_ORIGIN", val: "maybe"},
		{name: "bad int", key: "RETRIEVAL_TOP_K", val: "three"},
		{name: "zero window", key: "MEMORY_SESSION_WINDOW", val: "0"},
		{name: "short inactivity", key: "APP_SESSION_INACTIVITY_TIMEOUT", val: "1s"},
		{name: "unknown generator mode", key: "GENERATOR_MODE", val: "magic"},
		{name: "http mode without url", key: "GENERATOR_MODE", val: "http"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q succeeded, want error", tc.key, tc.val)
			}
		})
	}
}

func TestLoadRejectsTwoDurableBackends(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/minghe")
	t.Setenv("SQLITE_PATH", "/tmp/minghe.db")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want conflict error")
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("APP_BIND_ADDR=:7070\nRETRIEVAL_TOP_K=5\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	// godotenv only fills variables that are absent, not ones set to "".
	os.Unsetenv("APP_BIND_ADDR")
	t.Setenv("RETRIEVAL_TOP_K", "2")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7070" {
		t.Fatalf("BindAddr = %q, want value from .env", cfg.BindAddr)
	}
	if cfg.RetrievalTopK != 2 {
		t.Fatalf("RetrievalTopK = %d, want process env to win", cfg.RetrievalTopK)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_RATE_LIMIT_PER_MINUTE",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"MEMORY_SESSION_WINDOW",
		"MEMORY_MERGE_ATTEMPTS",
		"DATABASE_URL",
		"SQLITE_PATH",
		"REDIS_URL",
		"REDIS_WINDOW_TTL",
		"ALERT_REDIS_CHANNEL",
		"ASSESSMENT_IDLE_TIMEOUT",
		"TOOL_TIMEOUT",
		"CRISIS_PATTERNS_PATH",
		"CRISIS_PATTERNS_WATCH",
		"KNOWLEDGE_BASE_PATH",
		"RETRIEVAL_TOP_K",
		"RETRIEVAL_CACHE_TTL",
		"GENERATOR_MODE",
		"GENERATOR_URL",
		"GENERATOR_FALLBACK_URL",
		"GENERATOR_API_KEY",
		"GENERATOR_MODEL",
		"GENERATOR_TIMEOUT",
		"GENERATOR_STREAM",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
