package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeChatMessage      MessageType = "chat_message"
	TypeClientControl    MessageType = "client_control"
	TypeAssistantReply   MessageType = "assistant_reply"
	TypeAssistantTurnEnd MessageType = "assistant_turn_end"
	TypeSystemEvent      MessageType = "system_event"
	TypeErrorEvent       MessageType = "error_event"
)

// Client control actions.
const (
	ActionCancel = "cancel"
	ActionPing   = "ping"
)

// MaxMessageRunes bounds the text of one chat message.
const MaxMessageRunes = 4000

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ChatMessage struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Text        string      `json:"text"`
	ClientMsgID string      `json:"client_msg_id,omitempty"`
	TSMs        int64       `json:"ts_ms,omitempty"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Reason    string      `json:"reason,omitempty"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type Hotline struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type Source struct {
	SourceID string  `json:"source_id"`
	Category string  `json:"category,omitempty"`
	Heading  string  `json:"heading,omitempty"`
	Score    float64 `json:"score"`
}

type AssessmentProgress struct {
	ID       string   `json:"id"`
	Kind     string   `json:"kind"`
	Status   string   `json:"status"`
	Answered int      `json:"answered"`
	Total    int      `json:"total"`
	Score    *float64 `json:"score,omitempty"`
	Severity string   `json:"severity,omitempty"`
}

type AssistantReply struct {
	Type        MessageType         `json:"type"`
	SessionID   string              `json:"session_id"`
	TurnID      string              `json:"turn_id"`
	ClientMsgID string              `json:"client_msg_id,omitempty"`
	Text        string              `json:"text"`
	RiskLevel   string              `json:"risk_level"`
	Route       string              `json:"route"`
	ToolsUsed   []string            `json:"tools_used"`
	Hotlines    []Hotline           `json:"hotlines,omitempty"`
	Sources     []Source            `json:"sources,omitempty"`
	Assessment  *AssessmentProgress `json:"assessment,omitempty"`
}

type AssistantTurnEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Reason    string      `json:"reason"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// Message is implemented by every websocket payload.
type Message interface {
	WireType() MessageType
}

func (ChatMessage) WireType() MessageType      { return TypeChatMessage }
func (ClientControl) WireType() MessageType    { return TypeClientControl }
func (AssistantReply) WireType() MessageType   { return TypeAssistantReply }
func (AssistantTurnEnd) WireType() MessageType { return TypeAssistantTurnEnd }
func (SystemEvent) WireType() MessageType      { return TypeSystemEvent }
func (ErrorEvent) WireType() MessageType       { return TypeErrorEvent }

func (m ChatMessage) validate() error {
	switch {
	case m.SessionID == "":
		return errors.New("chat_message: session_id is required")
	case strings.TrimSpace(m.Text) == "":
		return errors.New("chat_message: text is empty")
	case utf8.RuneCountInString(m.Text) > MaxMessageRunes:
		return fmt.Errorf("chat_message: text exceeds %d characters", MaxMessageRunes)
	}
	return nil
}

func (m ClientControl) validate() error {
	if m.SessionID == "" || m.Action == "" {
		return errors.New("client_control: session_id and action are required")
	}
	return nil
}

// ParseClientMessage decodes one client frame into a ChatMessage or a
// ClientControl value.
func ParseClientMessage(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	switch env.Type {
	case TypeChatMessage:
		return decodeInbound[ChatMessage](raw)
	case TypeClientControl:
		return decodeInbound[ClientControl](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

func decodeInbound[T interface {
	Message
	validate() error
}](raw []byte) (Message, error) {
	var msg T
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// TypeOf reports the wire type of a protocol message value.
func TypeOf(v any) (MessageType, bool) {
	m, ok := v.(Message)
	if !ok {
		return "", false
	}
	return m.WireType(), true
}
