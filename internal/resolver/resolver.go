// Package resolver decides which conversation an inbound message belongs to.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/model"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/pkg/logger"
	"github.com/relaydesk/relaydesk/pkg/metrics"
)

const (
	// suffixLen is the length of the stable tail of an external customer id
	// used by the degraded fallback lookup. Channel-side id rotation tends to
	// change the prefix and keep the tail.
	suffixLen = 6

	// lockTTL bounds how long a resolve-or-create critical section may hold
	// the per-customer lock.
	lockTTL = 5 * time.Second
)

// Outcome reports how a conversation was resolved.
type Outcome string

const (
	OutcomeMatched  Outcome = "matched"
	OutcomeFallback Outcome = "fallback"
	OutcomeCreated  Outcome = "created"
)

// Resolver finds or creates the target conversation for an inbound message.
type Resolver struct {
	conversations store.ConversationStore
	locks         Locker
	log           *logger.Logger
}

// New creates a resolver. locks may be nil, in which case creation races
// between near-simultaneous deliveries for the same customer are accepted
// (webhook delivery is normally serialized per customer upstream).
func New(conversations store.ConversationStore, locks Locker, log *logger.Logger) *Resolver {
	return &Resolver{
		conversations: conversations,
		locks:         locks,
		log:           log.Named("resolver"),
	}
}

// Resolve returns the conversation an inbound message from
// (conn, externalCustomerID) belongs to, creating one when no OPEN or
// SNOOZED conversation matches. "No match" is the create path, never an
// error; only storage failures are returned, unchanged and unretried.
//
// CLOSED conversations are excluded from both lookups deliberately: a
// customer who re-engages after close gets a new thread rather than
// reopening one an operator already treated as resolved.
func (r *Resolver) Resolve(ctx context.Context, conn *model.ChannelConnection, externalCustomerID string, now time.Time) (*model.Conversation, bool, error) {
	if r.locks != nil {
		release, ok := r.locks.Acquire(ctx, lockKey(conn.ID, externalCustomerID), lockTTL)
		if ok {
			defer release()
		} else {
			// Proceed unserialized; the duplicate-creation race is the
			// documented accepted limitation.
			r.log.Warn("resolver lock unavailable, proceeding unserialized",
				zap.String("connection_id", conn.ID))
		}
	}

	conv, err := r.conversations.FindActive(ctx, conn.ID, externalCustomerID)
	if err == nil {
		metrics.ConversationsResolved.WithLabelValues(string(conn.Channel), string(OutcomeMatched)).Inc()
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("resolver primary lookup: %w", err)
	}

	// Degraded-identifier fallback: absorbs channel-side id rotation. Same
	// status restriction as the primary lookup; matching CLOSED threads here
	// would silently append to a thread the customer already closed.
	if suffix, ok := stableSuffix(externalCustomerID); ok {
		conv, err = r.conversations.FindActiveBySuffix(ctx, conn.ID, suffix)
		if err == nil {
			metrics.ConversationsResolved.WithLabelValues(string(conn.Channel), string(OutcomeFallback)).Inc()
			return conv, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, fmt.Errorf("resolver fallback lookup: %w", err)
		}
	}

	conv = &model.Conversation{
		ID:                 uuid.Must(uuid.NewV7()).String(),
		TenantID:           conn.TenantID,
		Channel:            conn.Channel,
		ConnectionID:       conn.ID,
		ExternalCustomerID: externalCustomerID,
		Status:             model.StatusOpen,
		AutoReplyEnabled:   conn.AutoReplyEnabled,
		LastMessageAt:      now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := r.conversations.Create(ctx, conv); err != nil {
		return nil, false, fmt.Errorf("resolver create: %w", err)
	}

	metrics.ConversationsResolved.WithLabelValues(string(conn.Channel), string(OutcomeCreated)).Inc()
	metrics.ConversationsTotal.WithLabelValues(conn.TenantID, string(conn.Channel)).Inc()
	r.log.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("tenant_id", conn.TenantID),
		zap.String("channel", string(conn.Channel)))

	return conv, true, nil
}

func lockKey(connectionID, externalCustomerID string) string {
	return "resolve:" + connectionID + ":" + externalCustomerID
}

// stableSuffix returns the degraded identifier for the fallback lookup.
// Identifiers no longer than the suffix are skipped: the fallback would be
// identical to the primary lookup.
func stableSuffix(externalCustomerID string) (string, bool) {
	if len(externalCustomerID) <= suffixLen {
		return "", false
	}
	return externalCustomerID[len(externalCustomerID)-suffixLen:], true
}
