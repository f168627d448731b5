package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antoniostano/minghe/internal/apperr"
	"github.com/antoniostano/minghe/internal/assessment"
	"github.com/antoniostano/minghe/internal/protocol"
	"github.com/antoniostano/minghe/internal/session"
)

const (
	criticalSendTimeout = 2 * time.Second
	turnEndCompleted    = "completed"
	turnEndCancelled    = "cancelled"
	turnEndFailed       = "failed"
)

type turnOutcome struct {
	turnID    string
	cancelled bool
}

// RunConnection serves one websocket connection. Turns run one at a time;
// a client_control cancel (or the connection closing) cancels the turn in
// flight, which still completes its crisis check and is still persisted.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	var (
		turnCancel context.CancelFunc
		turnDone   chan turnOutcome
		activeTurn string
	)

	o.send(outbound, protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: s.ID,
		Code:      "session_ready",
	})

	waitActive := func() {
		if turnDone == nil {
			return
		}
		turnCancel()
		o.finishTurn(s.ID, <-turnDone)
		turnDone, turnCancel, activeTurn = nil, nil, ""
	}
	defer waitActive()

	for {
		select {
		case <-ctx.Done():
			return nil

		case out := <-turnDone:
			turnCancel()
			o.finishTurn(s.ID, out)
			turnDone, turnCancel, activeTurn = nil, nil, ""

		case raw, ok := <-inbound:
			if !ok {
				return nil
			}
			if o.sessions != nil {
				if err := o.sessions.Touch(s.ID); errors.Is(err, session.ErrNotFound) {
					o.send(outbound, protocol.ErrorEvent{
						Type:      protocol.TypeErrorEvent,
						SessionID: s.ID,
						Code:      "session_ended",
						Source:    "session",
						Detail:    "session is no longer active",
					})
					return nil
				}
			}

			switch msg := raw.(type) {
			case protocol.ChatMessage:
				if turnDone != nil {
					o.send(outbound, protocol.ErrorEvent{
						Type:      protocol.TypeErrorEvent,
						SessionID: s.ID,
						Code:      "turn_in_progress",
						Source:    "orchestrator",
						Retryable: true,
						Detail:    "wait for the current reply or cancel it",
					})
					continue
				}
				activeTurn = uuid.NewString()
				if o.sessions != nil {
					if err := o.sessions.StartTurn(s.ID, activeTurn); err != nil {
						o.logger.Debug("turn not tracked on session",
							zap.String("session_id", s.ID), zap.String("turn_id", activeTurn), zap.Error(err))
					}
				}
				var turnCtx context.Context
				turnCtx, turnCancel = context.WithCancel(ctx)
				turnDone = make(chan turnOutcome, 1)
				go func(turnID string, msg protocol.ChatMessage, done chan<- turnOutcome) {
					resp, err := o.handleTurn(turnCtx, turnID, s.ID, s.UserID, msg.Text)
					o.deliver(outbound, s.ID, msg.ClientMsgID, resp, err)
					done <- turnOutcome{turnID: turnID, cancelled: resp.Cancelled}
				}(activeTurn, msg, turnDone)

			case protocol.ClientControl:
				switch msg.Action {
				case protocol.ActionCancel:
					if turnCancel != nil {
						o.logger.Debug("turn cancelled by client",
							zap.String("session_id", s.ID), zap.String("turn_id", activeTurn))
						turnCancel()
					}
				case protocol.ActionPing:
					o.send(outbound, protocol.SystemEvent{
						Type:      protocol.TypeSystemEvent,
						SessionID: s.ID,
						Code:      "pong",
					})
				default:
					o.send(outbound, protocol.ErrorEvent{
						Type:      protocol.TypeErrorEvent,
						SessionID: s.ID,
						Code:      "unsupported_action",
						Source:    "orchestrator",
						Detail:    msg.Action,
					})
				}
			}
		}
	}
}

func (o *Orchestrator) finishTurn(sessionID string, out turnOutcome) {
	if o.sessions == nil {
		return
	}
	if err := o.sessions.FinishTurn(sessionID, out.cancelled); err != nil {
		o.logger.Debug("turn not counted on session",
			zap.String("session_id", sessionID), zap.String("turn_id", out.turnID), zap.Error(err))
	}
}

// deliver sends the reply (if any) and the turn end marker for one turn.
func (o *Orchestrator) deliver(outbound chan<- any, sessionID, clientMsgID string, resp Response, err error) {
	reason := turnEndCompleted
	switch {
	case resp.Cancelled:
		reason = turnEndCancelled
	case err != nil && resp.TurnID == "":
		o.send(outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      apperr.Kind(err),
			Source:    "orchestrator",
			Detail:    err.Error(),
		})
		return
	}

	if !resp.Cancelled {
		reply := ReplyFor(sessionID, resp)
		reply.ClientMsgID = clientMsgID
		o.send(outbound, reply)
	}
	if errors.Is(err, ErrPersist) {
		reason = turnEndFailed
		o.send(outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "persist_failed",
			Source:    "memory",
			Retryable: false,
			Detail:    "your message was answered but could not be saved",
		})
	}
	o.send(outbound, protocol.AssistantTurnEnd{
		Type:      protocol.TypeAssistantTurnEnd,
		SessionID: sessionID,
		TurnID:    resp.TurnID,
		Reason:    reason,
	})
}

// send blocks for a bounded time; a stalled client must not pin the turn.
func (o *Orchestrator) send(outbound chan<- any, msg any) {
	msgType, _ := protocol.TypeOf(msg)
	timer := time.NewTimer(criticalSendTimeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
	case <-timer.C:
		o.metrics.ObserveSessionEvent("outbound_drop")
		o.logger.Warn("outbound message dropped", zap.String("type", string(msgType)))
	}
}

// ReplyFor converts a turn response into its wire form.
func ReplyFor(sessionID string, r Response) protocol.AssistantReply {
	reply := protocol.AssistantReply{
		Type:      protocol.TypeAssistantReply,
		SessionID: sessionID,
		TurnID:    r.TurnID,
		Text:      r.Text,
		RiskLevel: string(r.RiskLevel),
		Route:     r.Route,
		ToolsUsed: append([]string{}, r.ToolsUsed...),
	}
	for _, h := range r.Hotlines {
		reply.Hotlines = append(reply.Hotlines, protocol.Hotline{Name: h.Name, Phone: h.Phone})
	}
	for _, s := range r.Sources {
		reply.Sources = append(reply.Sources, protocol.Source{
			SourceID: s.SourceID,
			Category: s.Category,
			Heading:  s.Heading,
			Score:    s.Score,
		})
	}
	if r.Assessment != nil {
		reply.Assessment = progressOf(*r.Assessment)
	}
	return reply
}

func progressOf(s assessment.Session) *protocol.AssessmentProgress {
	p := &protocol.AssessmentProgress{
		ID:       s.ID,
		Kind:     string(s.Kind),
		Status:   string(s.Status),
		Answered: len(s.Answers),
	}
	if q, ok := assessment.Lookup(s.Kind); ok {
		p.Total = len(q.Questions)
	}
	if s.Result != nil {
		score := s.Result.Score
		p.Score = &score
		p.Severity = s.Result.Severity
	}
	return p
}
