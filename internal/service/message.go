// Package service provides the business logic of the messaging core:
// the inbound pipeline, conversation lifecycle and message operations.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaydesk/relaydesk/internal/fanout"
	"github.com/relaydesk/relaydesk/internal/model"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/internal/unread"
	"github.com/relaydesk/relaydesk/pkg/logger"
	"github.com/relaydesk/relaydesk/pkg/metrics"
)

// ErrConversationNotFound is returned for missing or cross-tenant lookups.
var ErrConversationNotFound = errors.New("conversation not found")

// MessageService appends messages and fans out the resulting events.
type MessageService struct {
	conversations store.ConversationStore
	messages      store.MessageStore
	ledger        *unread.Ledger
	hub           *fanout.Hub
	log           *logger.Logger
}

// NewMessageService creates a message service.
func NewMessageService(stores store.Stores, ledger *unread.Ledger, hub *fanout.Hub, log *logger.Logger) *MessageService {
	return &MessageService{
		conversations: stores.Conversations,
		messages:      stores.Messages,
		ledger:        ledger,
		hub:           hub,
		log:           log.Named("message"),
	}
}

// append persists a message, folds it into the unread ledger and publishes
// message:new to the conversation and company scopes plus one list-update
// to the company scope. Every message — customer, operator or bot — goes
// through here so the event topology stays uniform.
func (s *MessageService) append(ctx context.Context, conv *model.Conversation, msg *model.Message, updateType model.ListUpdateType) (*model.Conversation, error) {
	if err := s.messages.Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	updated, err := s.ledger.OnMessageAppended(ctx, conv, msg)
	if err != nil {
		return nil, err
	}

	metrics.MessagesTotal.WithLabelValues(updated.TenantID, string(msg.Role)).Inc()

	event := model.MessageNewEvent{
		ConversationID: updated.ID,
		Message:        *msg,
		Conversation:   updated.Summary(),
	}
	s.hub.Publish(fanout.ConversationScope(updated.ID), fanout.TopicMessageNew, event)
	s.hub.Publish(fanout.CompanyScope(updated.TenantID), fanout.TopicMessageNew, event)
	s.hub.Publish(fanout.CompanyScope(updated.TenantID), fanout.TopicListUpdate, model.ListUpdateEvent{
		ConversationID: updated.ID,
		Type:           updateType,
		Conversation:   updated.Summary(),
	})

	return updated, nil
}

// AppendCustomerMessage stores an inbound customer message on a resolved
// conversation. wasCreated selects the list-update delta type.
func (s *MessageService) AppendCustomerMessage(ctx context.Context, conv *model.Conversation, d *model.InboundDelivery, wasCreated bool, now time.Time) (*model.Conversation, *model.Message, error) {
	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		Role:           model.RoleCustomer,
		Text:           d.Text,
		CreatedAt:      now,
	}
	if len(d.Attachments) > 0 {
		msg.Meta = map[string]any{"attachments": d.Attachments}
	}

	updateType := model.ListUpdateMessage
	if wasCreated {
		updateType = model.ListUpdateNewConversation
	}

	updated, err := s.append(ctx, conv, msg, updateType)
	if err != nil {
		return nil, nil, err
	}
	return updated, msg, nil
}

// OperatorReply appends an operator message to a tenant's conversation.
func (s *MessageService) OperatorReply(ctx context.Context, tenantID, operatorID, conversationID string, req *model.OperatorReplyRequest) (*model.Message, error) {
	conv, err := s.getTenantConversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		Role:           model.RoleOperator,
		Text:           req.Text,
		OperatorID:     operatorID,
		CreatedAt:      time.Now(),
	}

	if _, err := s.append(ctx, conv, msg, model.ListUpdateMessage); err != nil {
		return nil, err
	}
	return msg, nil
}

// AppendBotMessage implements autoreply.MessageSink: a generated reply is
// persisted and fanned out exactly like any other message.
func (s *MessageService) AppendBotMessage(ctx context.Context, conversationID, text string, meta map[string]any) (*model.Message, error) {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("bot reply conversation lookup: %w", err)
	}

	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		Role:           model.RoleBot,
		Text:           text,
		Meta:           meta,
		CreatedAt:      time.Now(),
	}

	if _, err := s.append(ctx, conv, msg, model.ListUpdateMessage); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns a conversation's history in ascending order. after
// supports catch-up fetches by reconnecting clients.
func (s *MessageService) ListMessages(ctx context.Context, tenantID, conversationID string, after time.Time, limit int) (*model.ListMessagesResponse, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	if _, err := s.getTenantConversation(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}

	messages, hasMore, err := s.messages.List(ctx, conversationID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return &model.ListMessagesResponse{Messages: messages, HasMore: hasMore}, nil
}

// GetWidgetConversation resolves a conversation for an unauthenticated
// widget client. The connection ID stands in for tenant credentials: a
// widget may only touch conversations created on its own connection.
func (s *MessageService) GetWidgetConversation(ctx context.Context, connectionID, conversationID string) (*model.Conversation, error) {
	conv, err := s.conversations.Get(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if conv.ConnectionID != connectionID {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// ListWidgetMessages returns history for a widget client, scoped by
// connection instead of tenant.
func (s *MessageService) ListWidgetMessages(ctx context.Context, connectionID, conversationID string, after time.Time, limit int) (*model.ListMessagesResponse, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	if _, err := s.GetWidgetConversation(ctx, connectionID, conversationID); err != nil {
		return nil, err
	}

	messages, hasMore, err := s.messages.List(ctx, conversationID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return &model.ListMessagesResponse{Messages: messages, HasMore: hasMore}, nil
}

func (s *MessageService) getTenantConversation(ctx context.Context, tenantID, conversationID string) (*model.Conversation, error) {
	conv, err := s.conversations.Get(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if conv.TenantID != tenantID {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}
