package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/antoniostano/minghe/internal/apperr"
	"github.com/antoniostano/minghe/internal/assessment"
	"github.com/antoniostano/minghe/internal/crisis"
	"github.com/antoniostano/minghe/internal/generation"
	"github.com/antoniostano/minghe/internal/memory"
	"github.com/antoniostano/minghe/internal/policy"
	"github.com/antoniostano/minghe/internal/retrieval"
	"github.com/antoniostano/minghe/internal/session"
)

type fakeDetector struct {
	mu    sync.Mutex
	level crisis.Level
	err   error
	calls int
}

func (d *fakeDetector) set(level crisis.Level) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.level = level
}

func (d *fakeDetector) Detect(_ context.Context, _ string) (crisis.Assessment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return crisis.Assessment{}, d.err
	}
	level := d.level
	if level == "" {
		level = crisis.LevelLow
	}
	return crisis.Assessment{Detected: level != crisis.LevelLow, Level: level, MatchedSignal: "fake", Confidence: 0.9}, nil
}

func (d *fakeDetector) Hotlines(string) []crisis.Hotline {
	return []crisis.Hotline{{Name: "test line", Phone: "000-111"}}
}

type stubGenerator struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	prompts []generation.Prompt
}

func (g *stubGenerator) Generate(ctx context.Context, p generation.Prompt, _ []memory.Turn) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.prompts = append(g.prompts, p)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if g.err != nil {
		return "", g.err
	}
	if g.reply == "" {
		return "generated reply", nil
	}
	return g.reply, nil
}

func (g *stubGenerator) lastPrompt(t *testing.T) generation.Prompt {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotEmpty(t, g.prompts)
	return g.prompts[len(g.prompts)-1]
}

type stubSearcher struct {
	snippets []retrieval.Snippet
	err      error
}

func (s stubSearcher) Search(context.Context, string, int) ([]retrieval.Snippet, error) {
	return s.snippets, s.err
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

func (a *recordingAlerter) Alert(_ context.Context, alert Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

func (a *recordingAlerter) all() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Alert(nil), a.alerts...)
}

// flakyMemory fails chosen writes on top of an in-memory store.
type flakyMemory struct {
	*memory.Store
	appendErr error
	mergeErr  error
}

func (m *flakyMemory) AppendTurn(ctx context.Context, t memory.Turn) (memory.Turn, error) {
	if m.appendErr != nil {
		return memory.Turn{}, m.appendErr
	}
	return m.Store.AppendTurn(ctx, t)
}

func (m *flakyMemory) MergeProfile(ctx context.Context, userID string, d memory.ProfileDelta) (memory.Profile, error) {
	if m.mergeErr != nil {
		return memory.Profile{}, m.mergeErr
	}
	return m.Store.MergeProfile(ctx, userID, d)
}

type harness struct {
	orch     *Orchestrator
	store    *memory.Store
	detector *fakeDetector
	gen      *stubGenerator
	alerts   *recordingAlerter
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:    memory.NewInMemory(memory.Options{}),
		detector: &fakeDetector{},
		gen:      &stubGenerator{},
		alerts:   &recordingAlerter{},
	}
	cfg := Config{
		Detector:  h.detector,
		Memory:    h.store,
		Generator: h.gen,
		Retrieval: stubSearcher{snippets: []retrieval.Snippet{{Text: "正念是一种觉察练习。", SourceID: "cbt.md#0", Score: 1}}},
		Alerter:   h.alerts,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	h.orch = o
	return h
}

func (h *harness) history(t *testing.T, userID string) []memory.Turn {
	t.Helper()
	turns, err := h.store.History(context.Background(), userID, 0)
	require.NoError(t, err)
	return turns
}

func (h *harness) profile(t *testing.T, userID string) memory.Profile {
	t.Helper()
	p, err := h.store.GetProfile(context.Background(), userID)
	require.NoError(t, err)
	return p
}

func TestLowRiskTurnRunsCrisisCheckFirst(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := h.orch.HandleTurn(context.Background(), "s1", "u1", "今天有点无聊")
	require.NoError(t, err)
	require.Equal(t, crisis.LevelLow, resp.RiskLevel)
	require.Equal(t, []string{toolCrisisCheck, toolGenerator}, resp.ToolsUsed)
	require.Equal(t, string(policy.RouteDirect), resp.Route)
	require.Equal(t, "generated reply", resp.Text)
	require.NotEmpty(t, resp.TurnID)

	turns := h.history(t, "u1")
	require.Len(t, turns, 1)
	require.Equal(t, resp.TurnID, turns[0].ID)
	require.Equal(t, resp.ToolsUsed, turns[0].ToolsUsed)
	require.Empty(t, h.profile(t, "u1").RiskHistory)
	require.Empty(t, h.alerts.all())
}

func TestDetectorFailureFailsClosed(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.err = errors.New("pattern table corrupted")

	resp, err := h.orch.HandleTurn(context.Background(), "s1", "u1", "你好")
	require.NoError(t, err)
	require.Equal(t, crisis.LevelUnknown, resp.RiskLevel)
	require.Equal(t, RouteCrisis, resp.Route)
	require.Equal(t, []string{toolCrisisCheck}, resp.ToolsUsed)
	require.Contains(t, resp.Text, "000-111")
	require.Zero(t, h.gen.calls)

	alerts := h.alerts.all()
	require.Len(t, alerts, 1)
	require.Equal(t, crisis.LevelUnknown, alerts[0].Level)

	p := h.profile(t, "u1")
	require.Len(t, p.RiskHistory, 1)
	require.Equal(t, crisis.LevelUnknown, p.RiskHistory[0].Level)
	require.Equal(t, "crisis_check_failed", p.RiskHistory[0].Signal)
}

func TestMissingOrBrokenDetectorFailsClosed(t *testing.T) {
	var typedNil *crisis.Detector
	cases := map[string]Detector{
		"nil interface": nil,
		"nil pointer":   typedNil,
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, func(c *Config) { c.Detector = d })
			resp, err := h.orch.HandleTurn(context.Background(), "s1", "u1", "你好")
			require.NoError(t, err)
			require.Equal(t, crisis.LevelUnknown, resp.RiskLevel)
			require.Contains(t, resp.Text, crisis.FallbackHotlines[0].Phone)
			require.Len(t, h.history(t, "u1"), 1)
		})
	}
}

func TestCriticalRiskPreemptsEveryOtherTool(t *testing.T) {
	d, err := crisis.NewDefaultDetector()
	require.NoError(t, err)
	h := newHarness(t, func(c *Config) { c.Detector = d })

	// Also an informational question and an assessment trigger: neither may run.
	resp, err := h.orch.HandleTurn(context.Background(), "s1", "u1", "我不想活了，什么是评估？")
	require.NoError(t, err)
	require.Equal(t, crisis.LevelCritical, resp.RiskLevel)
	require.Equal(t, []string{toolCrisisCheck}, resp.ToolsUsed)
	require.Equal(t, RouteCrisis, resp.Route)
	require.NotEmpty(t, resp.Hotlines)
	require.Contains(t, resp.Text, resp.Hotlines[0].Phone)
	require.Zero(t, h.gen.calls)
	require.Nil(t, resp.Assessment)

	_, pending := h.orch.Assessments().Pending("s1")
	require.False(t, pending)

	alerts := h.alerts.all()
	require.Len(t, alerts, 1)
	require.Equal(t, crisis.LevelCritical, alerts[0].Level)
	require.Equal(t, "不想活了", alerts[0].Signal)

	p := h.profile(t, "u1")
	require.Len(t, p.RiskHistory, 1)
	require.Equal(t, resp.TurnID, p.RiskHistory[0].TurnID)
}

func TestMediumRiskUsesSupportiveTone(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.set(crisis.LevelMedium)

	resp, err := h.orch.HandleTurn(context.Background(), "s1", "u1", "最近工作压力很大")
	require.NoError(t, err)
	require.Equal(t, crisis.LevelMedium, resp.RiskLevel)
	require.Equal(t, string(policy.RouteDirect), resp.Route)
	require.Contains(t, h.gen.lastPrompt(t).System, strings.TrimSpace(supportiveDirective))
	require.Empty(t, h.alerts.all())

	p := h.profile(t, "u1")
	require.Len(t, p.RiskHistory, 1)
	require.Equal(t, crisis.LevelMedium, p.RiskHistory[0].Level)
	require.Contains(t, p.Themes, "work")
	require.Contains(t, p.Themes, "stress")
}

func TestMediumRiskContinuesPendingAssessment(t *testing.T) {
	h := newHarness(t, nil)

	started, err := h.orch.HandleTurn(context.Background(), "s1", "u1", "我想做个评估")
	require.NoError(t, err)
	require.Equal(t, string(policy.RouteAssessment), started.Route)
	require.Equal(t, []string{toolCrisisCheck, toolAssessment}, started.ToolsUsed)
	require.NotNil(t, started.Assessment)
	require.Equal(t, assessment.StatusNotStarted, started.Assessment.Status)
	require.Zero(t, h.gen.calls)

	h.detector.set(crisis.LevelMedium)
	resp, err := h.orch.HandleTurn(context.Background(), "s1", "u1", "3")
	require.NoError(t, err)
	require.Equal(t, string(policy.RouteAssessment), resp.Route)
	require.True(t, strings.HasPrefix(resp.Text, supportiveLine), "text = %q", resp.Text)
	require.NotNil(t, resp.Assessment)
	require.Len(t, resp.Assessment.Answers, 1)
}

func TestHighRiskPreemptsPendingAssessment(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.HandleTurn(context.Background(), "s1", "u1", "我想做个评估")
	require.NoError(t, err)

	h.detector.set(crisis.LevelHigh)
	resp, err := h.orch.HandleTurn(context.Background(), "s1", "u1", "2")
	require.NoError(t, err)
	require.Equal(t, RouteCrisis, resp.Route)
	require.Equal(t, []string{toolCrisisCheck}, resp.ToolsUsed)

	s, ok := h.orch.Assessments().Pending("s1")
	require.True(t, ok)
	require.Empty(t, s.Answers)
}

func TestCompletedAssessmentIsRecordedOnProfile(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.HandleTurn(context.Background(), "s1", "u1", "帮我做一个压力测评")
	require.NoError(t, err)

	var resp Response
	for _, answer := range []string{"4", "总是会"} {
		resp, err = h.orch.HandleTurn(context.Background(), "s1", "u1", answer)
		require.NoError(t, err)
	}
	require.NotNil(t, resp.Assessment)
	require.Equal(t, assessment.StatusCompleted, resp.Assessment.Status)
	require.Contains(t, resp.Text, "100.0")

	p := h.profile(t, "u1")
	require.Len(t, p.Assessments, 1)
	require.Equal(t, "stress", p.Assessments[0].Kind)
	require.Equal(t, 100.0, p.Assessments[0].Score)
	require.Len(t, h.history(t, "u1"), 3)
}

func TestUnrecognizedAnswerRepeatsQuestion(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.HandleTurn(context.Background(), "s1", "u1", "我想做个评估")
	require.NoError(t, err)

	resp, err := h.orch.HandleTurn(context.Background(), "s1", "u1", "嗯嗯")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(resp.Text, assessmentUnrecognized))
	require.Empty(t, resp.Assessment.Answers)

	resp, err = h.orch.HandleTurn(context.Background(), "s1", "u1", "我不想做了")
	require.NoError(t, err)
	require.Equal(t, assessmentStopped, resp.Text)
	require.Equal(t, assessment.StatusAbandoned, resp.Assessment.Status)
}

func TestRetrievalComposesWithSnippets(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := h.orch.HandleTurn(context.Background(), "s1", "u1", "什么是正念？")
	require.NoError(t, err)
	require.Equal(t, string(policy.RouteRetrieval), resp.Route)
	require.Equal(t, []string{toolCrisisCheck, toolRetrieval, toolGenerator}, resp.ToolsUsed)
	require.Len(t, resp.Sources, 1)
	require.Contains(t, h.gen.lastPrompt(t).User, "正念是一种觉察练习。")
}

func TestRetrievalUnavailableFallsBackToDirect(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Retrieval = stubSearcher{err: apperr.Unavailable("index offline")}
	})

	resp, err := h.orch.HandleTurn(context.Background(), "s1", "u1", "什么是正念？")
	require.NoError(t, err)
	require.Equal(t, string(policy.RouteDirect), resp.Route)
	require.Equal(t, []string{toolCrisisCheck, toolRetrieval, toolGenerator}, resp.ToolsUsed)
	require.Empty(t, resp.Sources)
	require.Equal(t, "什么是正念？", h.gen.lastPrompt(t).User)
}

func TestGenerationFailureUsesCannedReply(t *testing.T) {
	h := newHarness(t, nil)
	h.gen.err = apperr.Generation("backend down")

	resp, err := h.orch.HandleTurn(context.Background(), "s1", "u1", "今天有点无聊")
	require.NoError(t, err)
	require.Equal(t, fallbackDirect, resp.Text)

	resp, err = h.orch.HandleTurn(context.Background(), "s1", "u1", "什么是正念？")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(resp.Text, "我找到了一些相关的知识信息"), "text = %q", resp.Text)
	require.Contains(t, resp.Text, "正念是一种觉察练习。")
}

func TestCancelledTurnIsStillPersistedAndAlerted(t *testing.T) {
	d, err := crisis.NewDefaultDetector()
	require.NoError(t, err)
	h := newHarness(t, func(c *Config) { c.Detector = d })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := h.orch.HandleTurn(ctx, "s1", "u1", "我想自杀")
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, resp.Cancelled)
	require.Equal(t, crisis.LevelCritical, resp.RiskLevel)

	alerts := h.alerts.all()
	require.Len(t, alerts, 1)
	require.True(t, alerts[0].Cancelled)

	turns := h.history(t, "u1")
	require.Len(t, turns, 1)
	require.True(t, turns[0].Cancelled)
	require.Equal(t, crisis.LevelCritical, turns[0].RiskLevel)
	require.Len(t, h.profile(t, "u1").RiskHistory, 1)
}

func TestCancelledLowRiskTurnSkipsTools(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := h.orch.HandleTurn(ctx, "s1", "u1", "什么是正念？")
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, resp.Cancelled)
	require.Equal(t, RouteNone, resp.Route)
	require.Equal(t, []string{toolCrisisCheck}, resp.ToolsUsed)
	require.Zero(t, h.gen.calls)
	require.Equal(t, 1, h.detector.calls)
	require.Len(t, h.history(t, "u1"), 1)
}

func TestPersistFailureReturnsResponseAndError(t *testing.T) {
	store := &flakyMemory{Store: memory.NewInMemory(memory.Options{}), appendErr: errors.New("disk full")}
	h := newHarness(t, func(c *Config) { c.Memory = store })

	resp, err := h.orch.HandleTurn(context.Background(), "s1", "u1", "今天有点无聊")
	require.ErrorIs(t, err, ErrPersist)
	require.Equal(t, "generated reply", resp.Text)
	require.NotEmpty(t, resp.TurnID)
}

func TestProfileMergeFailureIsPersistError(t *testing.T) {
	store := &flakyMemory{
		Store:    memory.NewInMemory(memory.Options{}),
		mergeErr: fmt.Errorf("merge retries exhausted: %w", apperr.ErrConflict),
	}
	h := newHarness(t, func(c *Config) { c.Memory = store })
	h.detector.set(crisis.LevelHigh)

	resp, err := h.orch.HandleTurn(context.Background(), "s1", "u1", "撑不住了")
	require.ErrorIs(t, err, ErrPersist)
	require.Equal(t, crisis.LevelHigh, resp.RiskLevel)
	require.Len(t, h.alerts.all(), 1)
}

func TestValidationFailsBeforeAnyTool(t *testing.T) {
	h := newHarness(t, nil)
	cases := []struct{ session, user, msg string }{
		{"s1", "u1", "   "},
		{"", "u1", "hello"},
		{"s1", "", "hello"},
		{"s1", "u1", strings.Repeat("长", MaxMessageRunes+1)},
	}
	for _, tc := range cases {
		_, err := h.orch.HandleTurn(context.Background(), tc.session, tc.user, tc.msg)
		require.ErrorIs(t, err, apperr.ErrValidation)
	}
	require.Zero(t, h.detector.calls)
	require.Empty(t, h.history(t, "u1"))
}

func TestConcurrentTurnsForOneUserKeepEveryRiskEvent(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.set(crisis.LevelHigh)

	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.orch.HandleTurn(context.Background(), fmt.Sprintf("s%d", i), "u1", "撑不住了")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	p := h.profile(t, "u1")
	require.Len(t, p.RiskHistory, n)
	require.Len(t, h.history(t, "u1"), n)
}

func TestEraseUser(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.HandleTurn(context.Background(), "s1", "u1", "我想做个评估")
	require.NoError(t, err)

	require.NoError(t, h.orch.EraseUser(context.Background(), "u1"))
	_, ok := h.orch.Assessments().Get("s1")
	require.False(t, ok)
	require.Empty(t, h.history(t, "u1"))
	require.ErrorIs(t, h.orch.EraseUser(context.Background(), "u1"), apperr.ErrNotFound)
}

func TestSubmitAnswerRecordsCompletion(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.Assessments().Start("s1", "u1", assessment.KindStress)
	require.NoError(t, err)

	_, err = h.orch.SubmitAnswer(context.Background(), "s1", "u2", "str_1", 1)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = h.orch.SubmitAnswer(context.Background(), "s1", "u1", "str_1", 1)
	require.NoError(t, err)
	s, err := h.orch.SubmitAnswer(context.Background(), "s1", "u1", "str_2", 1)
	require.NoError(t, err)
	require.Equal(t, assessment.StatusCompleted, s.Status)
	require.Len(t, h.profile(t, "u1").Assessments, 1)

	_, err = h.orch.SubmitAnswer(context.Background(), "s1", "u1", "str_2", 1)
	require.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestCrisisHotlinesFollowSessionLocale(t *testing.T) {
	d, err := crisis.NewDefaultDetector()
	require.NoError(t, err)
	sessions := session.NewManager(time.Minute)
	h := newHarness(t, func(c *Config) {
		c.Detector = d
		c.Sessions = sessions
	})
	sess := sessions.Create("u-en", "en-US")

	resp, err := h.orch.HandleTurn(context.Background(), sess.ID, "u-en", "I want to kill myself")
	require.NoError(t, err)
	require.Equal(t, crisis.LevelCritical, resp.RiskLevel)
	require.Len(t, resp.Hotlines, 1)
	require.Equal(t, "988", resp.Hotlines[0].Phone)
	require.Contains(t, resp.Text, "988")
}

func TestProfileLocaleOverridesSessionLocale(t *testing.T) {
	d, err := crisis.NewDefaultDetector()
	require.NoError(t, err)
	sessions := session.NewManager(time.Minute)
	h := newHarness(t, func(c *Config) {
		c.Detector = d
		c.Sessions = sessions
	})
	_, err = h.store.MergeProfile(context.Background(), "u1", memory.ProfileDelta{
		Fields: map[string]memory.Field{memory.FieldLocale: {Value: "zh-CN", UpdatedAt: time.Now().UTC()}},
	})
	require.NoError(t, err)
	sess := sessions.Create("u1", "en-US")

	resp, err := h.orch.HandleTurn(context.Background(), sess.ID, "u1", "I want to kill myself")
	require.NoError(t, err)
	require.NotEmpty(t, resp.Hotlines)
	for _, hl := range resp.Hotlines {
		require.Equal(t, "zh-CN", hl.Locale)
	}
}

func TestTurnOnEndedSessionIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sessions := session.NewManager(time.Minute)
	h := newHarness(t, func(c *Config) {
		c.Sessions = sessions
		c.Logger = zap.New(core)
	})
	sess := sessions.Create("u1", "zh-CN")
	_, err := sessions.End(sess.ID)
	require.NoError(t, err)
	_, err = sessions.Get(sess.ID)
	require.NoError(t, err)

	resp, err := h.orch.HandleTurn(context.Background(), "unknown-session", "u1", "今天有点无聊")
	require.NoError(t, err)
	require.NotEmpty(t, resp.TurnID)

	for _, msg := range []string{"turn not tracked on session", "turn not counted on session"} {
		entries := logs.FilterMessage(msg).All()
		require.Len(t, entries, 1, msg)
		require.Equal(t, "unknown-session", entries[0].ContextMap()["session_id"])
		require.Equal(t, resp.TurnID, entries[0].ContextMap()["turn_id"])
	}

	// An ended session rejects StartTurn but still counts the finished turn.
	_, err = h.orch.HandleTurn(context.Background(), sess.ID, "u1", "还在吗")
	require.NoError(t, err)
	require.Len(t, logs.FilterMessage("turn not tracked on session").All(), 2)
	require.Len(t, logs.FilterMessage("turn not counted on session").All(), 1)
}

func TestAgeGroupShapesSystemPrompt(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.store.MergeProfile(context.Background(), "u1", memory.ProfileDelta{
		Fields: map[string]memory.Field{memory.FieldAgeGroup: {Value: "senior", UpdatedAt: time.Now().UTC()}},
	})
	require.NoError(t, err)

	_, err = h.orch.HandleTurn(context.Background(), "s1", "u1", "今天有点无聊")
	require.NoError(t, err)
	require.Contains(t, h.gen.lastPrompt(t).System, ageGuidance["senior"])
}
