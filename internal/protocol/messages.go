// Package protocol defines the websocket payloads exchanged with chat
// clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeUserMessage    MessageType = "user_message"
	TypeAssistantReply MessageType = "assistant_reply"
	TypeMemoryEvent    MessageType = "memory_event"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type UserMessage struct {
	Type          MessageType `json:"type"`
	UserID        string      `json:"user_id"`
	Text          string      `json:"text"`
	IncludeBundle bool        `json:"include_bundle,omitempty"`
	TSMs          int64       `json:"ts_ms,omitempty"`
}

type AssistantReply struct {
	Type   MessageType     `json:"type"`
	UserID string          `json:"user_id"`
	Text   string          `json:"text"`
	Bundle json.RawMessage `json:"bundle,omitempty"`
}

// MemoryEvent surfaces background memory activity (compaction, fact
// upserts) so clients can render what the engine remembered.
type MemoryEvent struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"user_id"`
	Event  string      `json:"event"`
	Detail string      `json:"detail,omitempty"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"user_id"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	UserID    string      `json:"user_id"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeUserMessage:
		var msg UserMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.UserID == "" || msg.Text == "" {
			return nil, errors.New("invalid user_message")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
