package orchestrator

import (
	"context"
	"errors"

	"github.com/antoniostano/minghe/internal/apperr"
	"github.com/antoniostano/minghe/internal/assessment"
	"github.com/antoniostano/minghe/internal/crisis"
	"github.com/antoniostano/minghe/internal/generation"
	"github.com/antoniostano/minghe/internal/memory"
	"github.com/antoniostano/minghe/internal/policy"
	"github.com/antoniostano/minghe/internal/retrieval"
)

// Tool names recorded in Turn.ToolsUsed.
const (
	toolCrisisCheck = "crisis_check"
	toolRetrieval   = "retrieval"
	toolAssessment  = "assessment"
	toolGenerator   = "generator"
)

// clearedRisk is a crisis level that did not preempt the turn. Only
// clearRisk can produce one, so capabilities cannot be selected for a turn
// that skipped or failed the crisis check.
type clearedRisk struct {
	level crisis.Level
}

func clearRisk(a crisis.Assessment) (clearedRisk, bool) {
	if a.Preempts() || !a.Level.Valid() || a.Level == crisis.LevelUnknown {
		return clearedRisk{}, false
	}
	return clearedRisk{level: a.Level}, true
}

func (r clearedRisk) supportive() bool { return r.level == crisis.LevelMedium }

// ToolInput is what a capability sees of the turn.
type ToolInput struct {
	SessionID string
	UserID    string
	Message   string
	Risk      crisis.Level
	History   []memory.Turn
	Profile   memory.Profile
	// Supportive asks for the gentler tone used on medium-risk turns.
	Supportive bool
}

// ToolResult is a capability's contribution to the reply. When Prompt is set
// the reply text is produced by the generator, otherwise Text is final.
type ToolResult struct {
	Text       string
	Prompt     *generation.Prompt
	Snippets   []retrieval.Snippet
	Assessment *assessment.Session
	ToolsUsed  []string
}

// Capability answers one route.
type Capability interface {
	Route() policy.Route
	Invoke(ctx context.Context, in ToolInput) (ToolResult, error)
}

type directCapability struct{}

func (directCapability) Route() policy.Route { return policy.RouteDirect }

func (directCapability) Invoke(_ context.Context, in ToolInput) (ToolResult, error) {
	return ToolResult{
		Prompt: &generation.Prompt{
			System: buildSystemPrompt(in.Profile, in.Supportive),
			User:   in.Message,
		},
	}, nil
}

type retrievalCapability struct {
	searcher Searcher
	topK     int
}

func (c *retrievalCapability) Route() policy.Route { return policy.RouteRetrieval }

func (c *retrievalCapability) Invoke(ctx context.Context, in ToolInput) (ToolResult, error) {
	if c.searcher == nil {
		return ToolResult{}, apperr.Unavailable("knowledge base not configured")
	}
	snippets, err := c.searcher.Search(ctx, in.Message, c.topK)
	if err != nil {
		return ToolResult{}, err
	}
	user := in.Message
	if len(snippets) > 0 {
		user = buildKnowledgePrompt(in.Message, snippets)
	}
	return ToolResult{
		Prompt: &generation.Prompt{
			System: buildSystemPrompt(in.Profile, in.Supportive),
			User:   user,
		},
		Snippets:  snippets,
		ToolsUsed: []string{toolRetrieval},
	}, nil
}

const (
	assessmentUnrecognized = "抱歉，我没能识别你的选择。\n\n"
	assessmentTimedOut     = "这次评估因为长时间没有回应已经结束了。如果你想重新开始，告诉我“我想做个评估”就好。"
	assessmentStopped      = "好的，我们先停下这次评估。随时想继续聊聊，我都在。"
)

type assessmentCapability struct {
	manager *assessment.Manager
}

func (c *assessmentCapability) Route() policy.Route { return policy.RouteAssessment }

func (c *assessmentCapability) Invoke(_ context.Context, in ToolInput) (ToolResult, error) {
	res := ToolResult{ToolsUsed: []string{toolAssessment}}

	pending, ok := c.manager.Pending(in.SessionID)
	if !ok {
		kind := assessment.InferKind(in.Message)
		s, err := c.manager.Start(in.SessionID, in.UserID, kind)
		if err != nil {
			return ToolResult{}, err
		}
		q, pos, _ := s.NextQuestion()
		qn, _ := assessment.Lookup(kind)
		res.Text = assessment.FormatIntro(qn) + "\n\n" + assessment.FormatQuestion(q, pos, len(qn.Questions))
		res.Assessment = &s
		return res, nil
	}

	if assessment.WantsToStop(in.Message) {
		s, err := c.manager.Abandon(in.SessionID)
		if err != nil && !errors.Is(err, apperr.ErrInvalidState) {
			return ToolResult{}, err
		}
		res.Text = assessmentStopped
		if err == nil {
			res.Assessment = &s
		}
		return res, nil
	}

	q, pos, _ := pending.NextQuestion()
	qn, _ := assessment.Lookup(pending.Kind)
	value, err := assessment.ParseAnswer(q, in.Message)
	if err != nil {
		res.Text = assessmentUnrecognized + assessment.FormatQuestion(q, pos, len(qn.Questions))
		res.Assessment = &pending
		return res, nil
	}

	s, err := c.manager.SubmitAnswer(in.SessionID, q.ID, value)
	switch {
	case errors.Is(err, apperr.ErrInvalidState), errors.Is(err, apperr.ErrNotFound):
		res.Text = assessmentTimedOut
		return res, nil
	case err != nil:
		return ToolResult{}, err
	}
	res.Assessment = &s

	if s.Status == assessment.StatusCompleted && s.Result != nil {
		res.Text = assessment.FormatResult(*s.Result)
		return res, nil
	}
	next, nextPos, _ := s.NextQuestion()
	res.Text = assessment.FormatQuestion(next, nextPos, len(qn.Questions))
	return res, nil
}

// completedRecord converts a finished run into its profile record.
func completedRecord(s *assessment.Session) (memory.AssessmentRecord, bool) {
	if s == nil || s.Status != assessment.StatusCompleted || s.Result == nil {
		return memory.AssessmentRecord{}, false
	}
	return memory.AssessmentRecord{
		ID:          s.ID,
		Kind:        string(s.Kind),
		Score:       s.Result.Score,
		Severity:    s.Result.Severity,
		RiskLevel:   s.Result.RiskLevel,
		CompletedAt: s.UpdatedAt,
	}, true
}
