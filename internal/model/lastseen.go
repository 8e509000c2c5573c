package model

import (
	"time"
)

// LastSeen is the per-operator, per-conversation watermark used to derive
// personalized unread state. Created on first view, advanced on every
// subsequent view, never deleted while the operator remains a tenant member.
type LastSeen struct {
	OperatorID     string    `json:"operator_id" bson:"operator_id"`
	ConversationID string    `json:"conversation_id" bson:"conversation_id"`
	SeenAt         time.Time `json:"seen_at" bson:"seen_at"`
}

// MarkReadRequest is the operator request to advance a LastSeen watermark.
// Idempotent: a second call with a later timestamp simply advances it.
type MarkReadRequest struct {
	At time.Time `json:"at,omitempty"`
}
