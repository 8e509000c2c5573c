// Package unread maintains the derived unread state for conversations: a
// materialized tenant-wide counter on the conversation row plus per-operator
// LastSeen watermarks. The counter is an optimization over rescanning the
// message history; it must always be reconstructible from it.
package unread

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaydesk/relaydesk/internal/model"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/pkg/logger"
)

// recomputeWindow caps how much history the repair path replays. The
// consecutive-customer-messages run it counts cannot meaningfully exceed a
// display-sized window.
const recomputeWindow = 200

// Ledger maintains unread counters and last-seen watermarks.
type Ledger struct {
	conversations store.ConversationStore
	messages      store.MessageStore
	lastSeen      store.LastSeenStore
	log           *logger.Logger
}

// NewLedger creates an unread ledger over the given stores.
func NewLedger(conversations store.ConversationStore, messages store.MessageStore, lastSeen store.LastSeenStore, log *logger.Logger) *Ledger {
	return &Ledger{
		conversations: conversations,
		messages:      messages,
		lastSeen:      lastSeen,
		log:           log.Named("unread"),
	}
}

// OnMessageAppended folds one freshly persisted message into the
// conversation's derived state: customer messages extend the unread run,
// operator and bot messages clear it. Incremental, never a rescan. Returns
// the updated conversation for event payloads.
func (l *Ledger) OnMessageAppended(ctx context.Context, conv *model.Conversation, msg *model.Message) (*model.Conversation, error) {
	updated, err := l.conversations.ApplyMessage(ctx, conv.ID, msg.Role, preview(msg.Text), msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("unread apply message: %w", err)
	}
	return updated, nil
}

// OnMarkRead advances the operator's watermark and resets the tenant-wide
// counter used for list display. Idempotent: a later timestamp advances the
// watermark, an earlier one is ignored by the store.
func (l *Ledger) OnMarkRead(ctx context.Context, operatorID, conversationID string, at time.Time) error {
	if err := l.lastSeen.Advance(ctx, operatorID, conversationID, at); err != nil {
		return fmt.Errorf("unread advance last_seen: %w", err)
	}
	if err := l.conversations.SetUnread(ctx, conversationID, 0); err != nil {
		return fmt.Errorf("unread reset counter: %w", err)
	}
	return nil
}

// IsUnread reports whether the conversation is unread for one operator:
// the latest message is from the customer and strictly newer than the
// operator's watermark. The tenant-wide counter cannot answer this — it
// does not distinguish "unread for A but already seen by B" — so the
// comparison always goes through LastSeen (recompute-on-read).
func (l *Ledger) IsUnread(ctx context.Context, conv *model.Conversation, operatorID string) (bool, error) {
	if conv.LastMessageRole != model.RoleCustomer {
		return false, nil
	}
	seen, err := l.lastSeen.Get(ctx, operatorID, conv.ID)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("unread get last_seen: %w", err)
	}
	return conv.LastMessageAt.After(seen.SeenAt), nil
}

// IsUnreadAt is the allocation-free variant used when decorating list
// responses with a pre-fetched watermark batch. seenAt is nil when the
// operator has never viewed the conversation.
func IsUnreadAt(conv *model.Conversation, seenAt *time.Time) bool {
	if conv.LastMessageRole != model.RoleCustomer {
		return false
	}
	if seenAt == nil {
		return true
	}
	return conv.LastMessageAt.After(*seenAt)
}

// Recompute rebuilds the materialized counter from the message tail: the
// number of consecutive customer messages since the last operator or bot
// message. Repair path for drift between the counter and the history it
// projects.
func (l *Ledger) Recompute(ctx context.Context, conversationID string) (int, error) {
	recent, err := l.messages.ListRecent(ctx, conversationID, recomputeWindow)
	if err != nil {
		return 0, fmt.Errorf("unread recompute fetch: %w", err)
	}

	count := 0
	for _, msg := range recent { // newest first
		if msg.Role != model.RoleCustomer {
			break
		}
		count++
	}

	if err := l.conversations.SetUnread(ctx, conversationID, count); err != nil {
		return 0, fmt.Errorf("unread recompute store: %w", err)
	}
	return count, nil
}

// preview truncates message text for the conversation list row.
func preview(text string) string {
	const max = 140
	if len(text) <= max {
		return text
	}
	return text[:max]
}
