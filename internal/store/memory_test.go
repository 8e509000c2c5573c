package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaydesk/relaydesk/internal/model"
)

func TestUpdateStatusCompareAndSet(t *testing.T) {
	stores := NewMemory()
	ctx := context.Background()

	conv := &model.Conversation{ID: "c1", TenantID: "t1", Status: model.StatusOpen}
	if err := stores.Conversations.Create(ctx, conv); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := stores.Conversations.UpdateStatus(ctx, "c1", model.StatusOpen, model.StatusSnoozed); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	err := stores.Conversations.UpdateStatus(ctx, "c1", model.StatusOpen, model.StatusClosed)
	if !errors.Is(err, ErrStatusConflict) {
		t.Errorf("err = %v, want ErrStatusConflict when the precondition fails", err)
	}

	got, err := stores.Conversations.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusSnoozed {
		t.Errorf("status = %q, failed CAS must not apply", got.Status)
	}
}

func TestApplyMessageMonotonicTimestamp(t *testing.T) {
	stores := NewMemory()
	ctx := context.Background()
	now := time.Now()

	conv := &model.Conversation{ID: "c1", TenantID: "t1", Status: model.StatusOpen}
	if err := stores.Conversations.Create(ctx, conv); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := stores.Conversations.ApplyMessage(ctx, "c1", model.RoleCustomer, "late", now); err != nil {
		t.Fatalf("ApplyMessage: %v", err)
	}
	// An out-of-order apply with an earlier timestamp must not move
	// last_message_at backwards.
	updated, err := stores.Conversations.ApplyMessage(ctx, "c1", model.RoleCustomer, "early", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("ApplyMessage: %v", err)
	}
	if !updated.LastMessageAt.Equal(now) {
		t.Errorf("last_message_at = %v, want %v (monotonic)", updated.LastMessageAt, now)
	}
	if updated.UnreadCount != 2 {
		t.Errorf("unread count = %d, want 2", updated.UnreadCount)
	}
}

func TestListByTenantFilterAndPagination(t *testing.T) {
	stores := NewMemory()
	ctx := context.Background()
	base := time.Now()

	seed := []struct {
		id     string
		status model.Status
		age    time.Duration
	}{
		{"c1", model.StatusOpen, 3 * time.Hour},
		{"c2", model.StatusSnoozed, 2 * time.Hour},
		{"c3", model.StatusOpen, time.Hour},
		{"c4", model.StatusClosed, 0},
	}
	for _, s := range seed {
		conv := &model.Conversation{
			ID: s.id, TenantID: "t1", Status: s.status,
			LastMessageAt: base.Add(-s.age),
		}
		if err := stores.Conversations.Create(ctx, conv); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	// Another tenant's conversation must never leak in.
	other := &model.Conversation{ID: "x1", TenantID: "t2", Status: model.StatusOpen, LastMessageAt: base}
	if err := stores.Conversations.Create(ctx, other); err != nil {
		t.Fatalf("Create: %v", err)
	}

	all, total, err := stores.Conversations.ListByTenant(ctx, "t1", ListFilter{})
	if err != nil {
		t.Fatalf("ListByTenant: %v", err)
	}
	if total != 4 || len(all) != 4 {
		t.Fatalf("total = %d len = %d, want 4", total, len(all))
	}
	if all[0].ID != "c4" || all[3].ID != "c1" {
		t.Errorf("order = [%s .. %s], want newest activity first", all[0].ID, all[3].ID)
	}

	active, total, err := stores.Conversations.ListByTenant(ctx, "t1", ListFilter{
		Status: []model.Status{model.StatusOpen, model.StatusSnoozed},
	})
	if err != nil {
		t.Fatalf("ListByTenant: %v", err)
	}
	if total != 3 || len(active) != 3 {
		t.Errorf("active total = %d len = %d, want 3", total, len(active))
	}

	page, total, err := stores.Conversations.ListByTenant(ctx, "t1", ListFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListByTenant: %v", err)
	}
	if total != 4 || len(page) != 2 {
		t.Errorf("page total = %d len = %d, want total 4 and len 2", total, len(page))
	}
}

func TestLastSeenAdvanceOnly(t *testing.T) {
	stores := NewMemory()
	ctx := context.Background()
	now := time.Now()

	if err := stores.LastSeen.Advance(ctx, "op", "c1", now); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := stores.LastSeen.Advance(ctx, "op", "c1", now.Add(-time.Minute)); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	seen, err := stores.LastSeen.Get(ctx, "op", "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !seen.SeenAt.Equal(now) {
		t.Errorf("watermark = %v, want %v", seen.SeenAt, now)
	}
}

func TestMessageListPagination(t *testing.T) {
	stores := NewMemory()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		msg := &model.Message{
			ID:             string(rune('a' + i)),
			ConversationID: "c1",
			Role:           model.RoleCustomer,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if err := stores.Messages.Append(ctx, msg); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	page, hasMore, err := stores.Messages.List(ctx, "c1", time.Time{}, 3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 3 || !hasMore {
		t.Errorf("len = %d hasMore = %v, want 3 and true", len(page), hasMore)
	}

	recent, err := stores.Messages.ListRecent(ctx, "c1", 2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recent) != 2 || !recent[0].CreatedAt.After(recent[1].CreatedAt) {
		t.Errorf("ListRecent should return newest first, got %+v", recent)
	}
}
