package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaydesk/relaydesk/internal/fanout"
	"github.com/relaydesk/relaydesk/internal/model"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/internal/unread"
	"github.com/relaydesk/relaydesk/pkg/logger"
)

// ErrInvalidTransition is returned for lifecycle transitions the state
// machine forbids (anything out of CLOSED, or a no-op transition).
var ErrInvalidTransition = errors.New("invalid status transition")

// ConversationService handles conversation lifecycle and list views.
type ConversationService struct {
	conversations store.ConversationStore
	lastSeen      store.LastSeenStore
	ledger        *unread.Ledger
	hub           *fanout.Hub
	log           *logger.Logger
}

// NewConversationService creates a conversation service.
func NewConversationService(stores store.Stores, ledger *unread.Ledger, hub *fanout.Hub, log *logger.Logger) *ConversationService {
	return &ConversationService{
		conversations: stores.Conversations,
		lastSeen:      stores.LastSeen,
		ledger:        ledger,
		hub:           hub,
		log:           log.Named("conversation"),
	}
}

// Get returns a tenant's conversation or ErrConversationNotFound.
func (s *ConversationService) Get(ctx context.Context, tenantID, conversationID string) (*model.Conversation, error) {
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

// List returns a tenant's conversations, newest activity first, decorated
// with the viewing operator's personal unread flag. The per-operator flag
// is recomputed from LastSeen on every read; the materialized counter
// alone cannot answer "unread for me".
func (s *ConversationService) List(ctx context.Context, tenantID, operatorID string, f store.ListFilter) (*model.ListConversationsResponse, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}

	convs, total, err := s.conversations.ListByTenant(ctx, tenantID, f)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	ids := make([]string, len(convs))
	for i := range convs {
		ids[i] = convs[i].ID
	}
	watermarks, err := s.lastSeen.ForOperator(ctx, operatorID, ids)
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}

	summaries := make([]model.ConversationSummary, len(convs))
	for i := range convs {
		summary := convs[i].Summary()
		var seenAt *time.Time
		if at, ok := watermarks[convs[i].ID]; ok {
			seenAt = &at
		}
		summary.UnreadForViewer = unread.IsUnreadAt(&convs[i], seenAt)
		summaries[i] = summary
	}

	return &model.ListConversationsResponse{
		Conversations: summaries,
		Total:         total,
		HasMore:       f.Offset+len(convs) < total,
	}, nil
}

// UpdateStatus applies an operator-driven lifecycle transition with
// compare-and-set semantics so a stale write cannot clobber a concurrent
// operator action (e.g. resurrect a just-closed conversation).
func (s *ConversationService) UpdateStatus(ctx context.Context, tenantID, conversationID string, req *model.UpdateStatusRequest) (*model.Conversation, error) {
	conv, err := s.Get(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}

	from := req.From
	if from == "" {
		from = conv.Status
	}
	if !from.CanTransitionTo(req.Status) {
		return nil, ErrInvalidTransition
	}

	if err := s.conversations.UpdateStatus(ctx, conversationID, from, req.Status); err != nil {
		return nil, err
	}

	conv.Status = req.Status
	s.hub.Publish(fanout.CompanyScope(tenantID), fanout.TopicListUpdate, model.ListUpdateEvent{
		ConversationID: conv.ID,
		Type:           model.ListUpdateStatus,
		Conversation:   conv.Summary(),
	})
	return conv, nil
}

// SetAutoReply toggles automatic replies on one conversation.
func (s *ConversationService) SetAutoReply(ctx context.Context, tenantID, conversationID string, enabled bool) (*model.Conversation, error) {
	conv, err := s.Get(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}

	if err := s.conversations.SetAutoReply(ctx, conversationID, enabled); err != nil {
		return nil, err
	}

	conv.AutoReplyEnabled = enabled
	s.hub.Publish(fanout.CompanyScope(tenantID), fanout.TopicListUpdate, model.ListUpdateEvent{
		ConversationID: conv.ID,
		Type:           model.ListUpdateBotStatus,
		Conversation:   conv.Summary(),
	})
	return conv, nil
}

// UpdateMetadata patches operator-facing metadata.
func (s *ConversationService) UpdateMetadata(ctx context.Context, tenantID, conversationID string, req *model.UpdateConversationRequest) (*model.Conversation, error) {
	if _, err := s.Get(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}
	if err := s.conversations.UpdateMetadata(ctx, conversationID, req); err != nil {
		return nil, err
	}
	return s.Get(ctx, tenantID, conversationID)
}

// MarkRead advances the operator's watermark and tells other live viewers.
// Idempotent: a later timestamp advances, an earlier one is ignored.
func (s *ConversationService) MarkRead(ctx context.Context, tenantID, operatorID, conversationID string, at time.Time) error {
	if _, err := s.Get(ctx, tenantID, conversationID); err != nil {
		return err
	}

	if err := s.ledger.OnMarkRead(ctx, operatorID, conversationID, at); err != nil {
		return err
	}

	s.hub.Publish(fanout.CompanyScope(tenantID), fanout.TopicConversationRead, model.ConversationReadEvent{
		ConversationID: conversationID,
		OperatorID:     operatorID,
		At:             at,
	})
	return nil
}

// HandleMarkRead implements fanout.MarkReadHandler for mark_read frames
// arriving over dashboard websockets.
func (s *ConversationService) HandleMarkRead(ctx context.Context, tenantID, operatorID, conversationID string, at time.Time) error {
	return s.MarkRead(ctx, tenantID, operatorID, conversationID, at)
}

// CanSubscribe implements fanout.SubscriptionAuthorizer: dashboard clients
// may only attach to conversation scopes of their own tenant.
func (s *ConversationService) CanSubscribe(ctx context.Context, tenantID, conversationID string) bool {
	_, err := s.Get(ctx, tenantID, conversationID)
	return err == nil
}
