package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antoniostano/minghe/internal/apperr"
	"github.com/antoniostano/minghe/internal/assessment"
	"github.com/antoniostano/minghe/internal/crisis"
	"github.com/antoniostano/minghe/internal/generation"
	"github.com/antoniostano/minghe/internal/logging"
	"github.com/antoniostano/minghe/internal/memory"
	"github.com/antoniostano/minghe/internal/observability"
	"github.com/antoniostano/minghe/internal/policy"
	"github.com/antoniostano/minghe/internal/retrieval"
	"github.com/antoniostano/minghe/internal/session"
)

const (
	DefaultToolTimeout = 8 * time.Second
	// MaxMessageRunes bounds one inbound message.
	MaxMessageRunes = 4000

	profileLoadTimeout = 2 * time.Second
	persistTimeout     = 10 * time.Second
	alertTimeout       = 3 * time.Second
)

// Route labels for turns that did not go through a capability.
const (
	RouteCrisis = "crisis"
	RouteNone   = "none"
)

// ErrPersist marks a turn whose reply was produced but whose record could not
// be stored. The accompanying Response is still valid.
var ErrPersist = errors.New("turn persistence failed")

// Detector is the crisis classification the orchestrator depends on.
type Detector interface {
	Detect(ctx context.Context, message string) (crisis.Assessment, error)
	Hotlines(locale string) []crisis.Hotline
}

// Memory is the subset of memory.Store the orchestrator uses.
type Memory interface {
	AppendTurn(ctx context.Context, turn memory.Turn) (memory.Turn, error)
	GetContext(ctx context.Context, sessionID string) ([]memory.Turn, error)
	GetProfile(ctx context.Context, userID string) (memory.Profile, error)
	MergeProfile(ctx context.Context, userID string, delta memory.ProfileDelta) (memory.Profile, error)
	DropSession(ctx context.Context, sessionID string) error
	EraseUser(ctx context.Context, userID string) error
}

// Searcher is the knowledge-base lookup behind the retrieval route.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]retrieval.Snippet, error)
}

type Config struct {
	Detector    Detector
	Memory      Memory
	Generator   generation.Generator
	Assessments *assessment.Manager
	Retrieval   Searcher
	TopK        int
	Sessions    *session.Manager
	Alerter     Alerter
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	ToolTimeout time.Duration
	Now         func() time.Time
}

// Response is the outcome of one turn.
type Response struct {
	TurnID     string              `json:"turn_id"`
	Text       string              `json:"text"`
	RiskLevel  crisis.Level        `json:"risk_level"`
	ToolsUsed  []string            `json:"tools_used"`
	Route      string              `json:"route"`
	Hotlines   []crisis.Hotline    `json:"hotlines,omitempty"`
	Sources    []retrieval.Snippet `json:"sources,omitempty"`
	Assessment *assessment.Session `json:"assessment,omitempty"`
	Cancelled  bool                `json:"cancelled,omitempty"`
}

type Orchestrator struct {
	detector     Detector
	memory       Memory
	generator    generation.Generator
	assessments  *assessment.Manager
	sessions     *session.Manager
	capabilities map[policy.Route]Capability
	alerter      Alerter
	metrics      *observability.Metrics
	logger       *zap.Logger
	toolTimeout  time.Duration
	now          func() time.Time
}

// New wires an orchestrator. A missing detector is allowed: every turn then
// takes the fail-closed path.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Memory == nil {
		return nil, fmt.Errorf("orchestrator: memory store is required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("orchestrator: generator is required")
	}
	if cfg.Assessments == nil {
		cfg.Assessments = assessment.NewManager(assessment.DefaultIdleTimeout)
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}
	if cfg.TopK <= 0 {
		cfg.TopK = retrieval.DefaultTopK
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := logging.OrNop(cfg.Logger).Named("orchestrator")
	if cfg.Alerter == nil {
		cfg.Alerter = NewLogAlerter(logger, cfg.Metrics)
	}
	if cfg.Detector == nil {
		logger.Warn("no crisis detector configured; every turn will fail closed")
	}

	caps := []Capability{
		directCapability{},
		&retrievalCapability{searcher: cfg.Retrieval, topK: cfg.TopK},
		&assessmentCapability{manager: cfg.Assessments},
	}
	byRoute := make(map[policy.Route]Capability, len(caps))
	for _, c := range caps {
		byRoute[c.Route()] = c
	}

	return &Orchestrator{
		detector:     cfg.Detector,
		memory:       cfg.Memory,
		generator:    cfg.Generator,
		assessments:  cfg.Assessments,
		sessions:     cfg.Sessions,
		capabilities: byRoute,
		alerter:      cfg.Alerter,
		metrics:      cfg.Metrics,
		logger:       logger,
		toolTimeout:  cfg.ToolTimeout,
		now:          cfg.Now,
	}, nil
}

// Assessments exposes the questionnaire manager for the structured answer API.
func (o *Orchestrator) Assessments() *assessment.Manager { return o.assessments }

// HandleTurn runs one message through the turn state machine. Exactly one
// turn is persisted for every call that passes validation. A cancelled ctx
// stops further tools but never the crisis check, its alert or the persisted
// record. When the record cannot be stored the response is still returned
// together with an error wrapping ErrPersist.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID, userID, message string) (Response, error) {
	turnID := uuid.NewString()
	if o.sessions == nil {
		return o.handleTurn(ctx, turnID, sessionID, userID, message)
	}
	if err := o.sessions.StartTurn(sessionID, turnID); err != nil {
		o.logger.Debug("turn not tracked on session",
			zap.String("session_id", sessionID), zap.String("turn_id", turnID), zap.Error(err))
	}
	resp, err := o.handleTurn(ctx, turnID, sessionID, userID, message)
	if ferr := o.sessions.FinishTurn(sessionID, resp.Cancelled); ferr != nil {
		o.logger.Debug("turn not counted on session",
			zap.String("session_id", sessionID), zap.String("turn_id", turnID), zap.Error(ferr))
	}
	return resp, err
}

type turn struct {
	id        string
	sessionID string
	userID    string
	message   string
	started   time.Time

	assessment crisis.Assessment
	checkErr   error
	profile    memory.Profile
	resp       Response
}

func (o *Orchestrator) handleTurn(ctx context.Context, turnID, sessionID, userID, message string) (Response, error) {
	sessionID = strings.TrimSpace(sessionID)
	userID = strings.TrimSpace(userID)
	text := strings.TrimSpace(message)
	switch {
	case sessionID == "" || userID == "":
		return Response{}, apperr.Validation("session_id and user_id are required")
	case text == "":
		return Response{}, apperr.Validation("message is empty")
	case len([]rune(text)) > MaxMessageRunes:
		return Response{}, apperr.Validation("message exceeds %d characters", MaxMessageRunes)
	}

	t := &turn{
		id:        turnID,
		sessionID: sessionID,
		userID:    userID,
		message:   text,
		started:   o.now(),
		resp:      Response{TurnID: turnID},
	}
	m := newMachine()

	m.must(StateCrisisCheck)
	stageStart := time.Now()
	t.assessment, t.checkErr = o.checkCrisis(ctx, text)
	o.metrics.ObserveTurnStage("crisis_check", time.Since(stageStart))
	t.resp.ToolsUsed = []string{toolCrisisCheck}

	stageStart = time.Now()
	t.profile = o.loadProfile(ctx, userID)
	o.metrics.ObserveTurnStage("profile_load", time.Since(stageStart))

	if risk, ok := clearRisk(t.assessment); ok && t.checkErr == nil {
		m.must(StateNormalRoute)
		o.runNormalRoute(ctx, m, t, risk)
	} else {
		m.must(StateCrisisResponse)
		o.runCrisisResponse(ctx, t)
	}
	if ctx.Err() != nil {
		t.resp.Cancelled = true
	}

	m.must(StatePersist)
	stageStart = time.Now()
	persistErr := o.persist(ctx, t)
	o.metrics.ObserveTurnStage("persist", time.Since(stageStart))
	m.must(StateDone)

	o.metrics.ObserveTurn(t.resp.Route, string(t.resp.RiskLevel), o.now().Sub(t.started))
	o.logger.Debug("turn handled",
		zap.String("turn_id", t.id),
		zap.String("session_id", sessionID),
		zap.String("route", t.resp.Route),
		zap.String("risk_level", string(t.resp.RiskLevel)),
		zap.Strings("tools_used", t.resp.ToolsUsed),
		zap.Bool("cancelled", t.resp.Cancelled))

	if persistErr != nil {
		return t.resp, persistErr
	}
	if t.resp.Cancelled {
		return t.resp, ctx.Err()
	}
	return t.resp, nil
}

// checkCrisis runs the detector, converting panics and impossible results
// into errors so the caller can fail closed.
func (o *Orchestrator) checkCrisis(ctx context.Context, message string) (a crisis.Assessment, err error) {
	if o.detector == nil {
		return crisis.Assessment{}, apperr.Unavailable("crisis detector not configured")
	}
	defer func() {
		if r := recover(); r != nil {
			a, err = crisis.Assessment{}, fmt.Errorf("crisis detector panic: %v", r)
		}
	}()
	a, err = o.detector.Detect(ctx, message)
	if err != nil {
		return crisis.Assessment{}, err
	}
	if !a.Level.Valid() || a.Level == crisis.LevelUnknown {
		return crisis.Assessment{}, fmt.Errorf("crisis detector returned level %q", a.Level)
	}
	return a, nil
}

// turnLocale prefers the locale stored on the profile, then the one the
// session was opened with.
func (o *Orchestrator) turnLocale(t *turn) string {
	var sessionLocale string
	if o.sessions != nil {
		if s, err := o.sessions.Get(t.sessionID); err == nil {
			sessionLocale = s.Locale
		}
	}
	return t.profile.LocaleOr(sessionLocale)
}

func (o *Orchestrator) hotlines(locale string) (out []crisis.Hotline) {
	if o.detector == nil {
		return crisis.FallbackHotlines
	}
	defer func() {
		if r := recover(); r != nil {
			out = crisis.FallbackHotlines
		}
	}()
	out = o.detector.Hotlines(locale)
	if len(out) == 0 {
		return crisis.FallbackHotlines
	}
	return out
}

// loadProfile never fails the turn; the profile only personalizes the reply.
func (o *Orchestrator) loadProfile(ctx context.Context, userID string) memory.Profile {
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), profileLoadTimeout)
	defer cancel()
	p, err := o.memory.GetProfile(loadCtx, userID)
	if err != nil {
		o.metrics.ObserveToolError("memory", apperr.Kind(err))
		o.logger.Warn("profile load failed; using defaults", zap.String("user_id", userID), zap.Error(err))
		return memory.NewProfile(userID)
	}
	return p
}

func (o *Orchestrator) runCrisisResponse(ctx context.Context, t *turn) {
	hotlines := o.hotlines(o.turnLocale(t))
	t.resp.Route = RouteCrisis
	t.resp.Hotlines = hotlines

	if t.checkErr != nil {
		o.metrics.ObserveToolError(toolCrisisCheck, apperr.Kind(t.checkErr))
		o.metrics.ObserveTurnIndicator("crisis_check_failed")
		o.logger.Error("crisis check failed; failing closed",
			zap.String("turn_id", t.id), zap.String("session_id", t.sessionID), zap.Error(t.checkErr))
		t.resp.RiskLevel = crisis.LevelUnknown
		t.resp.Text = crisis.SafetyFallback(hotlines)
	} else {
		t.resp.RiskLevel = t.assessment.Level
		t.resp.Text = crisis.Response(t.assessment, hotlines)
	}

	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()
	err := o.alerter.Alert(alertCtx, Alert{
		TurnID:    t.id,
		SessionID: t.sessionID,
		UserID:    t.userID,
		Level:     t.resp.RiskLevel,
		Signal:    t.assessment.MatchedSignal,
		Category:  t.assessment.Category,
		Cancelled: ctx.Err() != nil,
		At:        o.now(),
	})
	if err != nil {
		o.logger.Error("crisis alert delivery failed", zap.String("turn_id", t.id), zap.Error(err))
	}
}

func (o *Orchestrator) runNormalRoute(ctx context.Context, m *machine, t *turn, risk clearedRisk) {
	t.resp.RiskLevel = risk.level
	if ctx.Err() != nil {
		t.resp.Route = RouteNone
		return
	}

	_, pending := o.assessments.Pending(t.sessionID)
	route := policy.SelectRoute(t.message, pending)

	history, err := o.memory.GetContext(ctx, t.sessionID)
	if err != nil {
		o.metrics.ObserveToolError("memory", apperr.Kind(err))
		o.logger.Warn("session context unavailable", zap.String("session_id", t.sessionID), zap.Error(err))
		history = nil
	}
	in := ToolInput{
		SessionID:  t.sessionID,
		UserID:     t.userID,
		Message:    t.message,
		Risk:       risk.level,
		History:    history,
		Profile:    t.profile,
		Supportive: risk.supportive(),
	}

	var res ToolResult
	switch route {
	case policy.RouteRetrieval:
		m.must(StateRetrieval)
		res, err = o.invoke(ctx, route, in)
		if err != nil {
			o.metrics.ObserveToolError(toolRetrieval, apperr.Kind(err))
			o.metrics.ObserveTurnIndicator("retrieval_fallback")
			o.logger.Info("retrieval unavailable; answering directly",
				zap.String("turn_id", t.id), zap.Error(err))
			t.resp.ToolsUsed = append(t.resp.ToolsUsed, toolRetrieval)
			route = policy.RouteDirect
			m.must(StateDirect)
			res, err = o.invoke(ctx, route, in)
		}
	case policy.RouteAssessment:
		m.must(StateAssessment)
		res, err = o.invoke(ctx, route, in)
		if err != nil {
			o.metrics.ObserveToolError(toolAssessment, apperr.Kind(err))
			o.logger.Warn("assessment failed", zap.String("turn_id", t.id), zap.Error(err))
			res = ToolResult{Text: fallbackGeneral, ToolsUsed: []string{toolAssessment}}
			err = nil
		}
	default:
		route = policy.RouteDirect
		m.must(StateDirect)
		res, err = o.invoke(ctx, route, in)
	}
	if err != nil {
		// Only the direct capability can land here and it does not fail.
		res = ToolResult{Text: fallbackGeneral}
	}

	m.must(StateCompose)
	t.resp.Route = string(route)
	t.resp.ToolsUsed = append(t.resp.ToolsUsed, res.ToolsUsed...)
	t.resp.Sources = res.Snippets
	t.resp.Assessment = res.Assessment
	t.resp.Text = o.compose(ctx, t, route, res, history, risk)
}

func (o *Orchestrator) invoke(ctx context.Context, route policy.Route, in ToolInput) (ToolResult, error) {
	c, ok := o.capabilities[route]
	if !ok {
		return ToolResult{}, apperr.InvalidState("no capability for route %s", route)
	}
	toolCtx, cancel := context.WithTimeout(ctx, o.toolTimeout)
	defer cancel()
	start := time.Now()
	res, err := c.Invoke(toolCtx, in)
	o.metrics.ObserveTurnStage(string(route), time.Since(start))
	if err == nil && toolCtx.Err() != nil && ctx.Err() == nil {
		err = apperr.Unavailable("%s timed out", route)
	}
	return res, err
}

func (o *Orchestrator) compose(ctx context.Context, t *turn, route policy.Route, res ToolResult, history []memory.Turn, risk clearedRisk) string {
	if res.Prompt == nil {
		if risk.supportive() && res.Text != "" {
			return supportiveLine + res.Text
		}
		return res.Text
	}
	if ctx.Err() != nil {
		return ""
	}

	t.resp.ToolsUsed = append(t.resp.ToolsUsed, toolGenerator)
	genCtx, cancel := context.WithTimeout(ctx, o.toolTimeout)
	defer cancel()
	start := time.Now()
	text, err := o.generator.Generate(genCtx, *res.Prompt, history)
	o.metrics.ObserveTurnStage("generate", time.Since(start))
	if err == nil && strings.TrimSpace(text) == "" {
		err = apperr.Generation("empty reply")
	}
	if err != nil {
		if ctx.Err() != nil {
			return ""
		}
		o.metrics.ObserveToolError(toolGenerator, apperr.Kind(err))
		o.metrics.ObserveTurnIndicator("generation_fallback")
		o.logger.Warn("generation failed; using canned reply",
			zap.String("turn_id", t.id), zap.String("route", string(route)), zap.Error(err))
		text = cannedReply(route, res.Snippets)
		if risk.supportive() {
			text = supportiveLine + text
		}
	}
	return strings.TrimSpace(text)
}

// persist stores the turn and the profile delta with a context that survives
// client cancellation.
func (o *Orchestrator) persist(ctx context.Context, t *turn) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	record := memory.Turn{
		ID:        t.id,
		SessionID: t.sessionID,
		UserID:    t.userID,
		Input:     t.message,
		Response:  t.resp.Text,
		Timestamp: t.started,
		RiskLevel: t.resp.RiskLevel,
		ToolsUsed: append([]string(nil), t.resp.ToolsUsed...),
		Route:     t.resp.Route,
		Latency:   o.now().Sub(t.started),
		Cancelled: t.resp.Cancelled,
	}
	if _, err := o.memory.AppendTurn(persistCtx, record); err != nil {
		return o.persistFailed(t, "append_turn", err)
	}

	delta := memory.ProfileDelta{Themes: policy.ExtractThemes(t.message)}
	if t.resp.RiskLevel != crisis.LevelLow {
		signal := t.assessment.MatchedSignal
		if t.checkErr != nil {
			signal = "crisis_check_failed"
		}
		delta.RiskEvents = []memory.RiskEvent{{
			ID:        t.id,
			TurnID:    t.id,
			SessionID: t.sessionID,
			Level:     t.resp.RiskLevel,
			Signal:    signal,
			At:        t.started,
		}}
	}
	if rec, ok := completedRecord(t.resp.Assessment); ok {
		delta.Assessments = []memory.AssessmentRecord{rec}
	}
	if delta.Empty() {
		return nil
	}
	if _, err := o.memory.MergeProfile(persistCtx, t.userID, delta); err != nil {
		return o.persistFailed(t, "merge_profile", err)
	}
	return nil
}

func (o *Orchestrator) persistFailed(t *turn, step string, err error) error {
	o.metrics.ObserveToolError("memory", apperr.Kind(err))
	o.logger.Error("turn record inconsistent; reply was delivered but not fully stored",
		zap.String("turn_id", t.id),
		zap.String("session_id", t.sessionID),
		zap.String("user_id", t.userID),
		zap.String("step", step),
		zap.String("risk_level", string(t.resp.RiskLevel)),
		zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrPersist, step, err)
}

// SubmitAnswer records a structured questionnaire answer outside the chat
// flow. A completed run is merged into the user's profile.
func (o *Orchestrator) SubmitAnswer(ctx context.Context, sessionID, userID, questionID string, value int) (assessment.Session, error) {
	cur, ok := o.assessments.Get(sessionID)
	if !ok {
		return assessment.Session{}, apperr.NotFound("no questionnaire for session %s", sessionID)
	}
	if userID != "" && cur.UserID != userID {
		return assessment.Session{}, apperr.NotFound("no questionnaire for session %s", sessionID)
	}
	s, err := o.assessments.SubmitAnswer(sessionID, questionID, value)
	if err != nil {
		return assessment.Session{}, err
	}
	if rec, ok := completedRecord(&s); ok {
		mergeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if _, err := o.memory.MergeProfile(mergeCtx, s.UserID, memory.ProfileDelta{
			Assessments: []memory.AssessmentRecord{rec},
		}); err != nil {
			o.logger.Error("assessment result not stored", zap.String("assessment_id", s.ID), zap.Error(err))
			return s, fmt.Errorf("%w: merge_profile: %w", ErrPersist, err)
		}
	}
	return s, nil
}

// EndSession drops the session's short-term state.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) error {
	o.assessments.DropSession(sessionID)
	return o.memory.DropSession(ctx, sessionID)
}

// EraseUser removes everything stored about userID.
func (o *Orchestrator) EraseUser(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return apperr.Validation("user id is required")
	}
	dropped := o.assessments.DropUser(userID)
	err := o.memory.EraseUser(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) && dropped > 0 {
		return nil
	}
	return err
}
