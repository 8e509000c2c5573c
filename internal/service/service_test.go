package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaydesk/relaydesk/internal/fanout"
	"github.com/relaydesk/relaydesk/internal/model"
	"github.com/relaydesk/relaydesk/internal/resolver"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/internal/unread"
	"github.com/relaydesk/relaydesk/pkg/logger"
)

// recordingSub captures frames delivered on one scope subscription.
type recordingSub struct {
	id string

	mu     sync.Mutex
	frames []fanout.Frame
}

func (s *recordingSub) ID() string { return s.id }
func (s *recordingSub) Send(raw []byte) bool {
	var f fanout.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return true
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return true
}
func (s *recordingSub) Close() {}

func (s *recordingSub) byTopic(topic fanout.Topic) []fanout.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []fanout.Frame
	for _, f := range s.frames {
		if f.Topic == topic {
			out = append(out, f)
		}
	}
	return out
}

type env struct {
	stores        store.Stores
	hub           *fanout.Hub
	inbound       *InboundService
	messages      *MessageService
	conversations *ConversationService
	dashboard     *recordingSub
}

func newEnv(t *testing.T) *env {
	t.Helper()
	stores := store.NewMemory()
	ctx := context.Background()

	if err := stores.Connections.Put(ctx, &model.ChannelConnection{
		ID:               "conn-1",
		TenantID:         "tenant-1",
		Channel:          model.ChannelPageMessaging,
		AutoReplyEnabled: false,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	log := logger.NewNop()
	hub := fanout.NewHub(log)
	ledger := unread.NewLedger(stores.Conversations, stores.Messages, stores.LastSeen, log)
	res := resolver.New(stores.Conversations, resolver.NewLocalLocker(), log)
	messages := NewMessageService(stores, ledger, hub, log)
	conversations := NewConversationService(stores, ledger, hub, log)
	inbound := NewInboundService(stores.Connections, res, messages, nil, log)

	dashboard := &recordingSub{id: "dashboard"}
	hub.Subscribe(dashboard, fanout.CompanyScope("tenant-1"))

	return &env{
		stores:        stores,
		hub:           hub,
		inbound:       inbound,
		messages:      messages,
		conversations: conversations,
		dashboard:     dashboard,
	}
}

func delivery(text string) *model.InboundDelivery {
	return &model.InboundDelivery{
		Channel:            model.ChannelPageMessaging,
		ConnectionID:       "conn-1",
		ExternalCustomerID: "customer-123456",
		Text:               text,
	}
}

func TestInboundCreatesConversationAndFansOut(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	conv, msg, err := e.inbound.HandleInbound(ctx, delivery("hello"))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if conv.Status != model.StatusOpen {
		t.Errorf("status = %q, want open", conv.Status)
	}
	if conv.UnreadCount != 1 {
		t.Errorf("unread count = %d, want 1", conv.UnreadCount)
	}
	if msg.Role != model.RoleCustomer || msg.Text != "hello" {
		t.Errorf("stored message = %+v", msg)
	}

	if got := e.dashboard.byTopic(fanout.TopicMessageNew); len(got) != 1 {
		t.Errorf("dashboard message:new events = %d, want 1", len(got))
	}
	updates := e.dashboard.byTopic(fanout.TopicListUpdate)
	if len(updates) != 1 {
		t.Fatalf("list-update events = %d, want 1", len(updates))
	}
	var update model.ListUpdateEvent
	if err := json.Unmarshal(updates[0].Payload, &update); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if update.Type != model.ListUpdateNewConversation {
		t.Errorf("list-update type = %q, want conversation:new", update.Type)
	}
}

func TestInboundSecondMessageReusesConversation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, _, err := e.inbound.HandleInbound(ctx, delivery("hello"))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	second, _, err := e.inbound.HandleInbound(ctx, delivery("anyone there?"))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("second message landed in %q, want %q", second.ID, first.ID)
	}
	if second.UnreadCount != 2 {
		t.Errorf("unread count = %d, want 2", second.UnreadCount)
	}

	updates := e.dashboard.byTopic(fanout.TopicListUpdate)
	if len(updates) != 2 {
		t.Fatalf("list-update events = %d, want 2", len(updates))
	}
	var update model.ListUpdateEvent
	if err := json.Unmarshal(updates[1].Payload, &update); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if update.Type != model.ListUpdateMessage {
		t.Errorf("second list-update type = %q, want conversation:message", update.Type)
	}
}

func TestInboundUnknownConnectionRejected(t *testing.T) {
	e := newEnv(t)
	d := delivery("hello")
	d.ConnectionID = "conn-missing"

	_, _, err := e.inbound.HandleInbound(context.Background(), d)
	if !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("err = %v, want ErrUnknownConnection", err)
	}
}

func TestInboundChannelMismatchRejected(t *testing.T) {
	e := newEnv(t)
	d := delivery("hello")
	d.Channel = model.ChannelWebWidget

	_, _, err := e.inbound.HandleInbound(context.Background(), d)
	if !errors.Is(err, ErrChannelMismatch) {
		t.Errorf("err = %v, want ErrChannelMismatch", err)
	}
}

func TestOperatorReplyClearsUnreadAndFansOut(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	conv, _, err := e.inbound.HandleInbound(ctx, delivery("hello"))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	widget := &recordingSub{id: "widget"}
	e.hub.Subscribe(widget, fanout.ConversationScope(conv.ID))

	msg, err := e.messages.OperatorReply(ctx, "tenant-1", "op-a", conv.ID, &model.OperatorReplyRequest{Text: "hi!"})
	if err != nil {
		t.Fatalf("OperatorReply: %v", err)
	}
	if msg.Role != model.RoleOperator || msg.OperatorID != "op-a" {
		t.Errorf("reply = %+v", msg)
	}

	stored, err := e.stores.Conversations.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.UnreadCount != 0 {
		t.Errorf("unread count = %d, want 0 after operator reply", stored.UnreadCount)
	}

	// The customer's widget sees the reply on the conversation scope.
	if got := widget.byTopic(fanout.TopicMessageNew); len(got) != 1 {
		t.Errorf("widget message:new events = %d, want 1", len(got))
	}
}

func TestOperatorReplyCrossTenantRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	conv, _, err := e.inbound.HandleInbound(ctx, delivery("hello"))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	_, err = e.messages.OperatorReply(ctx, "tenant-other", "op-x", conv.ID, &model.OperatorReplyRequest{Text: "hi"})
	if !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("err = %v, want ErrConversationNotFound for a foreign tenant", err)
	}
}

func TestMarkReadPublishesAndDecoratesList(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	conv, _, err := e.inbound.HandleInbound(ctx, delivery("hello"))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	if err := e.conversations.MarkRead(ctx, "tenant-1", "op-a", conv.ID, time.Now()); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	reads := e.dashboard.byTopic(fanout.TopicConversationRead)
	if len(reads) != 1 {
		t.Fatalf("conversation:read events = %d, want 1", len(reads))
	}
	var ev model.ConversationReadEvent
	if err := json.Unmarshal(reads[0].Payload, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.OperatorID != "op-a" || ev.ConversationID != conv.ID {
		t.Errorf("read event = %+v", ev)
	}

	// Reader's list shows the thread as read, a colleague's does not.
	listA, err := e.conversations.List(ctx, "tenant-1", "op-a", store.ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if listA.Conversations[0].UnreadForViewer {
		t.Error("conversation should be read for the operator who marked it")
	}
	listB, err := e.conversations.List(ctx, "tenant-1", "op-b", store.ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !listB.Conversations[0].UnreadForViewer {
		t.Error("conversation should still be unread for other operators")
	}
}

func TestUpdateStatusLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	conv, _, err := e.inbound.HandleInbound(ctx, delivery("hello"))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	snoozed, err := e.conversations.UpdateStatus(ctx, "tenant-1", conv.ID, &model.UpdateStatusRequest{Status: model.StatusSnoozed})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if snoozed.Status != model.StatusSnoozed {
		t.Errorf("status = %q, want snoozed", snoozed.Status)
	}

	closed, err := e.conversations.UpdateStatus(ctx, "tenant-1", conv.ID, &model.UpdateStatusRequest{Status: model.StatusClosed})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if closed.Status != model.StatusClosed {
		t.Errorf("status = %q, want closed", closed.Status)
	}

	// CLOSED is terminal for operator transitions.
	_, err = e.conversations.UpdateStatus(ctx, "tenant-1", conv.ID, &model.UpdateStatusRequest{Status: model.StatusOpen})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition out of closed", err)
	}
}

func TestUpdateStatusStaleFromConflicts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	conv, _, err := e.inbound.HandleInbound(ctx, delivery("hello"))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if _, err := e.conversations.UpdateStatus(ctx, "tenant-1", conv.ID, &model.UpdateStatusRequest{Status: model.StatusSnoozed}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	// A stale client still believing the conversation is open.
	_, err = e.conversations.UpdateStatus(ctx, "tenant-1", conv.ID, &model.UpdateStatusRequest{
		Status: model.StatusClosed,
		From:   model.StatusOpen,
	})
	if !errors.Is(err, store.ErrStatusConflict) {
		t.Errorf("err = %v, want ErrStatusConflict for stale compare-and-set", err)
	}
}

func TestSetAutoReplyPublishesBotStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	conv, _, err := e.inbound.HandleInbound(ctx, delivery("hello"))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	updated, err := e.conversations.SetAutoReply(ctx, "tenant-1", conv.ID, true)
	if err != nil {
		t.Fatalf("SetAutoReply: %v", err)
	}
	if !updated.AutoReplyEnabled {
		t.Error("auto-reply should be enabled")
	}

	updates := e.dashboard.byTopic(fanout.TopicListUpdate)
	var last model.ListUpdateEvent
	if err := json.Unmarshal(updates[len(updates)-1].Payload, &last); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if last.Type != model.ListUpdateBotStatus {
		t.Errorf("list-update type = %q, want conversation:bot-status", last.Type)
	}
}

func TestListMessagesAscendingWithCatchUp(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	conv, _, err := e.inbound.HandleInbound(ctx, delivery("one"))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(2 * time.Millisecond)
	if _, _, err := e.inbound.HandleInbound(ctx, delivery("two")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	all, err := e.messages.ListMessages(ctx, "tenant-1", conv.ID, time.Time{}, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(all.Messages) != 2 || all.Messages[0].Text != "one" {
		t.Errorf("messages = %+v, want ascending [one two]", all.Messages)
	}

	caught, err := e.messages.ListMessages(ctx, "tenant-1", conv.ID, cutoff, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(caught.Messages) != 1 || caught.Messages[0].Text != "two" {
		t.Errorf("catch-up = %+v, want only the message after the cutoff", caught.Messages)
	}
}

func TestWidgetScopeChecks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	conv, _, err := e.inbound.HandleInbound(ctx, delivery("hello"))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	if _, err := e.messages.GetWidgetConversation(ctx, "conn-1", conv.ID); err != nil {
		t.Errorf("own-connection lookup failed: %v", err)
	}
	if _, err := e.messages.GetWidgetConversation(ctx, "conn-other", conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("err = %v, want ErrConversationNotFound for a foreign connection", err)
	}
}

func TestCanSubscribeEnforcesTenant(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	conv, _, err := e.inbound.HandleInbound(ctx, delivery("hello"))
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	if !e.conversations.CanSubscribe(ctx, "tenant-1", conv.ID) {
		t.Error("own tenant should be allowed to subscribe")
	}
	if e.conversations.CanSubscribe(ctx, "tenant-other", conv.ID) {
		t.Error("foreign tenant must not subscribe")
	}
	if e.conversations.CanSubscribe(ctx, "tenant-1", "conv-missing") {
		t.Error("missing conversation must not be subscribable")
	}
}
