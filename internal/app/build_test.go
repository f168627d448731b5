package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/minghe/internal/config"
	"github.com/antoniostano/minghe/internal/session"
)

func TestBuildDefaults(t *testing.T) {
	cfg := config.Config{
		MetricsNamespace:         "test_app_build",
		SessionInactivityTimeout: time.Minute,
		MemorySessionWindow:      20,
		MemoryMergeAttempts:      5,
		AssessmentIdleTimeout:    time.Minute,
		ToolTimeout:              time.Second,
		RetrievalTopK:            3,
		GeneratorMode:            "mock",
	}
	built, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = built.Cleanup() })

	assert.Nil(t, built.Watcher)
	assert.Equal(t, "memory", built.Memory.Backend())
	assert.Positive(t, built.Detector.RuleCount())

	ts := httptest.NewServer(built.API.Router())
	defer ts.Close()
	res, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	// Ending a session drops its window through the end hook.
	sess := built.Sessions.Create("u-1", "zh-CN")
	_, err = built.Orchestrator.HandleTurn(context.Background(), sess.ID, "u-1", "你好")
	require.NoError(t, err)
	turns, err := built.Memory.GetContext(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)

	_, err = built.Sessions.End(sess.ID)
	require.NoError(t, err)
	turns, err = built.Memory.GetContext(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Empty(t, turns)

	got, err := built.Sessions.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusEnded, got.Status)
}
