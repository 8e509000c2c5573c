// Package store is the persistence gateway: durable storage for
// conversations, messages, per-operator last-seen watermarks and channel
// connection configuration.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/relaydesk/relaydesk/internal/model"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrStatusConflict is returned by compare-and-set status updates when
	// the stored status no longer matches the expected one.
	ErrStatusConflict = errors.New("store: status conflict")
)

// ListFilter narrows a tenant conversation listing.
type ListFilter struct {
	Status []model.Status
	Limit  int
	Offset int
}

// ConversationStore persists conversations.
type ConversationStore interface {
	Create(ctx context.Context, conv *model.Conversation) error
	Get(ctx context.Context, id string) (*model.Conversation, error)

	// FindActive returns the most recent OPEN or SNOOZED conversation for
	// (connectionID, externalCustomerID), or ErrNotFound. CLOSED
	// conversations never match.
	FindActive(ctx context.Context, connectionID, externalCustomerID string) (*model.Conversation, error)

	// FindActiveBySuffix is the degraded-identifier lookup: the most recent
	// OPEN or SNOOZED conversation on connectionID whose external customer id
	// ends with suffix. Same status restriction as FindActive.
	FindActiveBySuffix(ctx context.Context, connectionID, suffix string) (*model.Conversation, error)

	ListByTenant(ctx context.Context, tenantID string, f ListFilter) ([]model.Conversation, int, error)

	// UpdateStatus performs a compare-and-set transition: the update applies
	// only if the stored status equals from, otherwise ErrStatusConflict.
	UpdateStatus(ctx context.Context, id string, from, to model.Status) error

	SetAutoReply(ctx context.Context, id string, enabled bool) error
	UpdateMetadata(ctx context.Context, id string, req *model.UpdateConversationRequest) error

	// ApplyMessage folds one appended message into the conversation row:
	// customer messages increment the unread counter, operator and bot
	// messages reset it to zero; last-message fields are updated and
	// last_message_at only ever advances. Returns the updated conversation.
	ApplyMessage(ctx context.Context, id string, role model.Role, preview string, at time.Time) (*model.Conversation, error)

	// SetUnread overwrites the materialized unread counter. Used by
	// mark-read resets and by the ledger's recompute repair path.
	SetUnread(ctx context.Context, id string, count int) error
}

// MessageStore persists the append-only message history.
type MessageStore interface {
	Append(ctx context.Context, msg *model.Message) error

	// List returns messages in ascending creation order, strictly after the
	// given timestamp (zero value means from the beginning).
	List(ctx context.Context, conversationID string, after time.Time, limit int) ([]model.Message, bool, error)

	// ListRecent returns the newest messages first, capped at limit.
	ListRecent(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}

// LastSeenStore persists per-(operator, conversation) watermarks.
type LastSeenStore interface {
	// Advance upserts the watermark; it only ever moves forward, so calling
	// twice with an earlier timestamp is a no-op.
	Advance(ctx context.Context, operatorID, conversationID string, at time.Time) error

	Get(ctx context.Context, operatorID, conversationID string) (*model.LastSeen, error)

	// ForOperator returns the operator's watermarks for the given
	// conversations, keyed by conversation id. Missing entries mean the
	// operator has never viewed that conversation.
	ForOperator(ctx context.Context, operatorID string, conversationIDs []string) (map[string]time.Time, error)
}

// ConnectionStore reads tenant channel-connection configuration. The core
// references connections; it does not own their lifecycle.
type ConnectionStore interface {
	Get(ctx context.Context, id string) (*model.ChannelConnection, error)
	Put(ctx context.Context, conn *model.ChannelConnection) error
}

// Stores bundles the four gateways handed to the services.
type Stores struct {
	Conversations ConversationStore
	Messages      MessageStore
	LastSeen      LastSeenStore
	Connections   ConnectionStore
}
