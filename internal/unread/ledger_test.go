package unread

import (
	"context"
	"testing"
	"time"

	"github.com/relaydesk/relaydesk/internal/model"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/pkg/logger"
)

func newTestLedger(t *testing.T) (*Ledger, store.Stores, *model.Conversation) {
	t.Helper()
	stores := store.NewMemory()
	conv := &model.Conversation{
		ID:       "conv-1",
		TenantID: "tenant-1",
		Status:   model.StatusOpen,
	}
	if err := stores.Conversations.Create(context.Background(), conv); err != nil {
		t.Fatalf("Create: %v", err)
	}
	l := NewLedger(stores.Conversations, stores.Messages, stores.LastSeen, logger.NewNop())
	return l, stores, conv
}

func appendMsg(t *testing.T, l *Ledger, stores store.Stores, conv *model.Conversation, id string, role model.Role, at time.Time) *model.Conversation {
	t.Helper()
	msg := &model.Message{
		ID:             id,
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		Role:           role,
		Text:           "text " + id,
		CreatedAt:      at,
	}
	if err := stores.Messages.Append(context.Background(), msg); err != nil {
		t.Fatalf("Append: %v", err)
	}
	updated, err := l.OnMessageAppended(context.Background(), conv, msg)
	if err != nil {
		t.Fatalf("OnMessageAppended: %v", err)
	}
	return updated
}

func TestUnreadCountFollowsCustomerRun(t *testing.T) {
	l, stores, conv := newTestLedger(t)
	now := time.Now()

	c := appendMsg(t, l, stores, conv, "m1", model.RoleCustomer, now)
	if c.UnreadCount != 1 {
		t.Errorf("after 1 customer message: count = %d, want 1", c.UnreadCount)
	}
	c = appendMsg(t, l, stores, conv, "m2", model.RoleCustomer, now.Add(time.Second))
	if c.UnreadCount != 2 {
		t.Errorf("after 2 customer messages: count = %d, want 2", c.UnreadCount)
	}

	c = appendMsg(t, l, stores, conv, "m3", model.RoleOperator, now.Add(2*time.Second))
	if c.UnreadCount != 0 {
		t.Errorf("operator reply should clear the run: count = %d", c.UnreadCount)
	}

	c = appendMsg(t, l, stores, conv, "m4", model.RoleCustomer, now.Add(3*time.Second))
	if c.UnreadCount != 1 {
		t.Errorf("run restarts after clear: count = %d, want 1", c.UnreadCount)
	}
}

func TestBotReplyClearsRun(t *testing.T) {
	l, stores, conv := newTestLedger(t)
	now := time.Now()

	appendMsg(t, l, stores, conv, "m1", model.RoleCustomer, now)
	c := appendMsg(t, l, stores, conv, "m2", model.RoleBot, now.Add(time.Second))
	if c.UnreadCount != 0 {
		t.Errorf("bot reply should clear the run: count = %d", c.UnreadCount)
	}
}

func TestLastMessageSnapshotUpdated(t *testing.T) {
	l, stores, conv := newTestLedger(t)
	now := time.Now()

	c := appendMsg(t, l, stores, conv, "m1", model.RoleCustomer, now)
	if c.LastMessageRole != model.RoleCustomer {
		t.Errorf("last role = %q, want customer", c.LastMessageRole)
	}
	if !c.LastMessageAt.Equal(now) {
		t.Errorf("last at = %v, want %v", c.LastMessageAt, now)
	}
}

func TestPerOperatorUnread(t *testing.T) {
	l, stores, conv := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	c := appendMsg(t, l, stores, conv, "m1", model.RoleCustomer, now)

	// Neither operator has looked yet.
	for _, op := range []string{"op-a", "op-b"} {
		unread, err := l.IsUnread(ctx, c, op)
		if err != nil {
			t.Fatalf("IsUnread(%s): %v", op, err)
		}
		if !unread {
			t.Errorf("conversation should be unread for %s", op)
		}
	}

	// Operator A reads; B has not.
	if err := l.OnMarkRead(ctx, "op-a", c.ID, now.Add(time.Second)); err != nil {
		t.Fatalf("OnMarkRead: %v", err)
	}

	unreadA, err := l.IsUnread(ctx, c, "op-a")
	if err != nil {
		t.Fatalf("IsUnread: %v", err)
	}
	if unreadA {
		t.Error("conversation should be read for op-a")
	}
	unreadB, err := l.IsUnread(ctx, c, "op-b")
	if err != nil {
		t.Fatalf("IsUnread: %v", err)
	}
	if !unreadB {
		t.Error("conversation should remain unread for op-b")
	}

	// Tenant-wide counter resets when any operator reads.
	stored, err := stores.Conversations.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.UnreadCount != 0 {
		t.Errorf("tenant-wide counter = %d, want 0 after any read", stored.UnreadCount)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	l, stores, conv := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	c := appendMsg(t, l, stores, conv, "m1", model.RoleCustomer, now)

	later := now.Add(2 * time.Second)
	if err := l.OnMarkRead(ctx, "op-a", c.ID, later); err != nil {
		t.Fatalf("OnMarkRead: %v", err)
	}
	// A stale retry with an earlier timestamp must not rewind the watermark.
	if err := l.OnMarkRead(ctx, "op-a", c.ID, now.Add(time.Second)); err != nil {
		t.Fatalf("OnMarkRead: %v", err)
	}

	seen, err := stores.LastSeen.Get(ctx, "op-a", c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !seen.SeenAt.Equal(later) {
		t.Errorf("watermark = %v, want %v (advance-only)", seen.SeenAt, later)
	}
}

func TestIsUnreadFalseWhenLastMessageNotCustomer(t *testing.T) {
	l, stores, conv := newTestLedger(t)
	now := time.Now()

	appendMsg(t, l, stores, conv, "m1", model.RoleCustomer, now)
	c := appendMsg(t, l, stores, conv, "m2", model.RoleOperator, now.Add(time.Second))

	unread, err := l.IsUnread(context.Background(), c, "op-never-looked")
	if err != nil {
		t.Fatalf("IsUnread: %v", err)
	}
	if unread {
		t.Error("a conversation ending in an operator message is never unread")
	}
}

func TestIsUnreadAt(t *testing.T) {
	now := time.Now()
	conv := &model.Conversation{
		LastMessageRole: model.RoleCustomer,
		LastMessageAt:   now,
	}

	if !IsUnreadAt(conv, nil) {
		t.Error("never-seen should be unread")
	}
	earlier := now.Add(-time.Minute)
	if !IsUnreadAt(conv, &earlier) {
		t.Error("watermark before last message should be unread")
	}
	later := now.Add(time.Minute)
	if IsUnreadAt(conv, &later) {
		t.Error("watermark after last message should be read")
	}
}

func TestRecomputeRebuildsCounter(t *testing.T) {
	l, stores, conv := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	appendMsg(t, l, stores, conv, "m1", model.RoleCustomer, now)
	appendMsg(t, l, stores, conv, "m2", model.RoleOperator, now.Add(time.Second))
	appendMsg(t, l, stores, conv, "m3", model.RoleCustomer, now.Add(2*time.Second))
	appendMsg(t, l, stores, conv, "m4", model.RoleCustomer, now.Add(3*time.Second))

	// Simulate counter drift.
	if err := stores.Conversations.SetUnread(ctx, conv.ID, 99); err != nil {
		t.Fatalf("SetUnread: %v", err)
	}

	count, err := l.Recompute(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if count != 2 {
		t.Errorf("recomputed count = %d, want 2 (run since last operator message)", count)
	}

	stored, err := stores.Conversations.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.UnreadCount != 2 {
		t.Errorf("stored count = %d, want 2", stored.UnreadCount)
	}
}
