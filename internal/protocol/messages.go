package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeProgressUpdate  MessageType = "progress_update"
	TypeChatMessage     MessageType = "chat_message"
	TypeToolExecution   MessageType = "tool_execution"
	TypeCompletion      MessageType = "completion"
	TypeError           MessageType = "error"
	TypeTaskControl     MessageType = "task_control"
	TypeFeedbackRequest MessageType = "feedback_request"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ProgressUpdate reports incremental pipeline progress for one task.
type ProgressUpdate struct {
	Type     MessageType `json:"type"`
	TaskID   string      `json:"task_id"`
	Progress float64     `json:"progress"`
	Stage    string      `json:"stage"`
	Substage string      `json:"substage,omitempty"`
	Message  string      `json:"message,omitempty"`
	ETA      int64       `json:"eta_seconds,omitempty"`
	At       time.Time   `json:"at"`
}

type ChatMessage struct {
	Type    MessageType `json:"type"`
	TaskID  string      `json:"task_id"`
	Role    string      `json:"role"`
	Content string      `json:"content"`
	At      time.Time   `json:"at"`
}

type ToolExecution struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"task_id"`
	Tool   string      `json:"tool"`
	Status string      `json:"status"`
	Detail string      `json:"detail,omitempty"`
	At     time.Time   `json:"at"`
}

type Completion struct {
	Type      MessageType `json:"type"`
	TaskID    string      `json:"task_id"`
	ResultURL string      `json:"result_url"`
	At        time.Time   `json:"at"`
}

type ErrorMessage struct {
	Type      MessageType `json:"type"`
	TaskID    string      `json:"task_id"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
	At        time.Time   `json:"at"`
}

// TaskControl flows in both directions: the server uses it to acknowledge
// state transitions, clients use it to request cancel/pause.
type TaskControl struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"task_id"`
	Action string      `json:"action"`
	Reason string      `json:"reason,omitempty"`
	At     time.Time   `json:"at,omitempty"`
}

type FeedbackRequest struct {
	Type    MessageType `json:"type"`
	TaskID  string      `json:"task_id"`
	Prompt  string      `json:"prompt"`
	Options []string    `json:"options,omitempty"`
	At      time.Time   `json:"at"`
}

// Marshal encodes an outbound message as a JSON text frame.
func Marshal(msg any) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	return string(raw), nil
}

// ParseClientMessage decodes an inbound client frame. Only task_control and
// chat_message may originate from clients.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeTaskControl:
		var msg TaskControl
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" || msg.Action == "" {
			return nil, errors.New("invalid task_control")
		}
		return msg, nil
	case TypeChatMessage:
		var msg ChatMessage
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" || msg.Content == "" {
			return nil, errors.New("invalid chat_message")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
