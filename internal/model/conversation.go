// Package model defines data structures for the messaging platform.
package model

import (
	"time"
)

// Channel identifies the external messaging surface a conversation lives on.
type Channel string

const (
	ChannelPageMessaging Channel = "page_messaging"
	ChannelDirectMessage Channel = "direct_message"
	ChannelBot           Channel = "bot_channel"
	ChannelWebWidget     Channel = "web_widget"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelPageMessaging, ChannelDirectMessage, ChannelBot, ChannelWebWidget:
		return true
	}
	return false
}

// Status is the lifecycle state of a conversation.
//
// OPEN and SNOOZED conversations are "active": inbound messages from the same
// customer are routed into them. CLOSED is terminal for matching purposes; a
// customer who re-engages after close gets a fresh conversation.
type Status string

const (
	StatusOpen    Status = "open"
	StatusSnoozed Status = "snoozed"
	StatusClosed  Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusSnoozed, StatusClosed:
		return true
	}
	return false
}

// Active reports whether a conversation in this status participates in
// inbound identity matching.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusSnoozed
}

// CanTransitionTo reports whether the operator-driven transition s -> to is
// allowed. OPEN and SNOOZED are interchangeable; CLOSED accepts nothing.
func (s Status) CanTransitionTo(to Status) bool {
	if s == StatusClosed {
		return false
	}
	return to.Valid() && to != s
}

// Conversation is a single customer-facing thread, scoped to one channel
// connection and one external customer identity.
type Conversation struct {
	ID                 string    `json:"id" bson:"_id"`
	TenantID           string    `json:"tenant_id" bson:"tenant_id"`
	Channel            Channel   `json:"channel" bson:"channel"`
	ConnectionID       string    `json:"connection_id" bson:"connection_id"`
	ExternalCustomerID string    `json:"external_customer_id" bson:"external_customer_id"`
	Status             Status    `json:"status" bson:"status"`
	AutoReplyEnabled   bool      `json:"auto_reply_enabled" bson:"auto_reply_enabled"`

	// Derived display state, maintained incrementally by the unread ledger.
	// UnreadCount is tenant-wide (consecutive customer messages since the
	// last operator/bot reply) and always reconstructible from the message
	// history; it is an optimization, not a second source of truth.
	UnreadCount     int       `json:"unread_count" bson:"unread_count"`
	LastMessageAt   time.Time `json:"last_message_at" bson:"last_message_at"`
	LastMessageRole Role      `json:"last_message_role,omitempty" bson:"last_message_role,omitempty"`
	LastMessageText string    `json:"last_message_text,omitempty" bson:"last_message_text,omitempty"`

	// Operator-facing metadata, irrelevant to the core algorithms.
	AssigneeID string   `json:"assignee_id,omitempty" bson:"assignee_id,omitempty"`
	Tags       []string `json:"tags,omitempty" bson:"tags,omitempty"`
	Notes      string   `json:"notes,omitempty" bson:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Summary returns the minimal conversation view carried on fanout events and
// list responses.
func (c *Conversation) Summary() ConversationSummary {
	return ConversationSummary{
		ID:               c.ID,
		TenantID:         c.TenantID,
		Channel:          c.Channel,
		ConnectionID:     c.ConnectionID,
		Status:           c.Status,
		AutoReplyEnabled: c.AutoReplyEnabled,
		UnreadCount:      c.UnreadCount,
		LastMessageAt:    c.LastMessageAt,
		LastMessageRole:  c.LastMessageRole,
		LastMessageText:  c.LastMessageText,
	}
}

// ConversationSummary is the list-view projection of a conversation.
type ConversationSummary struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	Channel          Channel   `json:"channel"`
	ConnectionID     string    `json:"connection_id"`
	Status           Status    `json:"status"`
	AutoReplyEnabled bool      `json:"auto_reply_enabled"`
	UnreadCount      int       `json:"unread_count"`
	LastMessageAt    time.Time `json:"last_message_at"`
	LastMessageRole  Role      `json:"last_message_role,omitempty"`
	LastMessageText  string    `json:"last_message_text,omitempty"`

	// UnreadForViewer is the per-operator unread flag, derived from the
	// viewer's LastSeen watermark. Only set on authenticated list responses.
	UnreadForViewer bool `json:"unread_for_viewer,omitempty"`
}

// UpdateStatusRequest is the operator request to transition a conversation.
type UpdateStatusRequest struct {
	Status Status `json:"status" validate:"required"`
	// From guards against clobbering a concurrent operator action; when set
	// the transition only applies if the stored status still matches.
	From Status `json:"from,omitempty"`
}

// UpdateConversationRequest patches operator-facing metadata.
type UpdateConversationRequest struct {
	AssigneeID *string   `json:"assignee_id,omitempty"`
	Tags       *[]string `json:"tags,omitempty"`
	Notes      *string   `json:"notes,omitempty" validate:"omitempty,max=10000"`
}

// SetAutoReplyRequest toggles automatic replies for one conversation.
type SetAutoReplyRequest struct {
	Enabled bool `json:"enabled"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
	HasMore       bool                  `json:"has_more"`
}
