package model

import (
	"time"
)

// Role identifies the author side of a message.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleOperator Role = "operator"
	RoleBot      Role = "bot"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleOperator, RoleBot:
		return true
	}
	return false
}

// Message is one entry in a conversation's append-only, time-ordered history.
// Messages are immutable once created and belong to exactly one conversation.
type Message struct {
	ID             string    `json:"id" bson:"_id"`
	ConversationID string    `json:"conversation_id" bson:"conversation_id"`
	TenantID       string    `json:"tenant_id" bson:"tenant_id"`
	Role           Role      `json:"role" bson:"role"`
	Text           string    `json:"text" bson:"text"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`

	// Meta carries attachments and, for bot messages, generation context
	// (model, token usage).
	Meta map[string]any `json:"meta,omitempty" bson:"meta,omitempty"`

	// OperatorID is set for operator messages only.
	OperatorID string `json:"operator_id,omitempty" bson:"operator_id,omitempty"`
}

// InboundDelivery is the channel-generic payload delivered by a webhook or
// widget call: one call per customer message. At-least-once delivery is
// tolerated upstream; the core does not deduplicate.
type InboundDelivery struct {
	Channel            Channel      `json:"channel" validate:"required"`
	ConnectionID       string       `json:"connection_id" validate:"required"`
	ExternalCustomerID string       `json:"external_customer_id" validate:"required,max=256"`
	Text               string       `json:"text" validate:"required,max=100000"`
	Attachments        []Attachment `json:"attachments,omitempty" validate:"omitempty,dive"`
}

// Attachment is an opaque reference to media delivered with a message.
type Attachment struct {
	Kind string `json:"kind" validate:"required,oneof=image file audio video"`
	URL  string `json:"url" validate:"required,url"`
	Name string `json:"name,omitempty"`
}

// OperatorReplyRequest is the operator request to append a reply.
type OperatorReplyRequest struct {
	Text string `json:"text" validate:"required,max=100000"`
}

// WidgetMessageRequest is the body of a widget message call. The connection
// id comes from the URL; the customer identity is the widget visitor id.
type WidgetMessageRequest struct {
	ExternalCustomerID string `json:"external_customer_id" validate:"required,max=256"`
	Text               string `json:"text" validate:"required,max=100000"`
}

// ListMessagesResponse is the response for listing messages. After supports
// catch-up fetches: a reconnecting client passes the timestamp of the last
// message it saw.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}
