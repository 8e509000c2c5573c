package model

import (
	"time"
)

// ListUpdateType categorizes a conversation:list-update event.
type ListUpdateType string

const (
	ListUpdateNewConversation ListUpdateType = "conversation:new"
	ListUpdateMessage         ListUpdateType = "message"
	ListUpdateBotStatus       ListUpdateType = "bot-status"
	ListUpdateStatus          ListUpdateType = "status"
)

// MessageNewEvent is the payload of a message:new fanout event, carrying the
// message and a minimal conversation summary.
type MessageNewEvent struct {
	ConversationID string              `json:"conversation_id"`
	Message        Message             `json:"message"`
	Conversation   ConversationSummary `json:"conversation"`
}

// ListUpdateEvent drives list-view deltas on operator dashboards.
type ListUpdateEvent struct {
	ConversationID string              `json:"conversation_id"`
	Type           ListUpdateType      `json:"type"`
	Conversation   ConversationSummary `json:"conversation"`
}

// ConversationReadEvent informs other operators' open list views that a
// conversation was marked read.
type ConversationReadEvent struct {
	ConversationID string    `json:"conversation_id"`
	OperatorID     string    `json:"operator_id"`
	At             time.Time `json:"at"`
}

// TypingEvent signals bot typing state on a conversation scope.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
}
