package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relaydesk/relaydesk/internal/model"
)

// NewMemory returns stores backed by in-process maps. Used by tests and by
// single-node development mode when no MongoDB URI is configured.
func NewMemory() Stores {
	return Stores{
		Conversations: &memConversations{byID: make(map[string]*model.Conversation)},
		Messages:      &memMessages{byConv: make(map[string][]model.Message)},
		LastSeen:      &memLastSeen{seen: make(map[string]time.Time)},
		Connections:   &memConnections{byID: make(map[string]*model.ChannelConnection)},
	}
}

type memConversations struct {
	mu   sync.RWMutex
	byID map[string]*model.Conversation
}

func (s *memConversations) Create(_ context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *conv
	s.byID[conv.ID] = &cp
	return nil
}

func (s *memConversations) Get(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (s *memConversations) FindActive(_ context.Context, connectionID, externalCustomerID string) (*model.Conversation, error) {
	return s.findNewest(func(c *model.Conversation) bool {
		return c.ConnectionID == connectionID &&
			c.ExternalCustomerID == externalCustomerID &&
			c.Status.Active()
	})
}

func (s *memConversations) FindActiveBySuffix(_ context.Context, connectionID, suffix string) (*model.Conversation, error) {
	return s.findNewest(func(c *model.Conversation) bool {
		return c.ConnectionID == connectionID &&
			strings.HasSuffix(c.ExternalCustomerID, suffix) &&
			c.Status.Active()
	})
}

func (s *memConversations) findNewest(match func(*model.Conversation) bool) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *model.Conversation
	for _, c := range s.byID {
		if !match(c) {
			continue
		}
		if best == nil || c.LastMessageAt.After(best.LastMessageAt) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *memConversations) ListByTenant(_ context.Context, tenantID string, f ListFilter) ([]model.Conversation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []model.Conversation
	for _, c := range s.byID {
		if c.TenantID != tenantID {
			continue
		}
		if len(f.Status) > 0 {
			matched := false
			for _, st := range f.Status {
				if c.Status == st {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		all = append(all, *c)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].LastMessageAt.After(all[j].LastMessageAt)
	})

	total := len(all)
	start := f.Offset
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < total {
		end = start + f.Limit
	}
	return all[start:end], total, nil
}

func (s *memConversations) UpdateStatus(_ context.Context, id string, from, to model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if conv.Status != from {
		return ErrStatusConflict
	}
	conv.Status = to
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *memConversations) SetAutoReply(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	conv.AutoReplyEnabled = enabled
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *memConversations) UpdateMetadata(_ context.Context, id string, req *model.UpdateConversationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if req.AssigneeID != nil {
		conv.AssigneeID = *req.AssigneeID
	}
	if req.Tags != nil {
		conv.Tags = *req.Tags
	}
	if req.Notes != nil {
		conv.Notes = *req.Notes
	}
	conv.UpdatedAt = time.Now()
	return nil
}

func (s *memConversations) ApplyMessage(_ context.Context, id string, role model.Role, preview string, at time.Time) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if role == model.RoleCustomer {
		conv.UnreadCount++
	} else {
		conv.UnreadCount = 0
	}
	conv.LastMessageRole = role
	conv.LastMessageText = preview
	if at.After(conv.LastMessageAt) {
		conv.LastMessageAt = at
	}
	conv.UpdatedAt = time.Now()
	cp := *conv
	return &cp, nil
}

func (s *memConversations) SetUnread(_ context.Context, id string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if count < 0 {
		count = 0
	}
	conv.UnreadCount = count
	conv.UpdatedAt = time.Now()
	return nil
}

type memMessages struct {
	mu     sync.RWMutex
	byConv map[string][]model.Message
}

func (s *memMessages) Append(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byConv[msg.ConversationID] = append(s.byConv[msg.ConversationID], *msg)
	return nil
}

func (s *memMessages) List(_ context.Context, conversationID string, after time.Time, limit int) ([]model.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Message
	for _, m := range s.byConv[conversationID] {
		if !after.IsZero() && !m.CreatedAt.After(after) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	hasMore := limit > 0 && len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

func (s *memMessages) ListRecent(_ context.Context, conversationID string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := append([]model.Message(nil), s.byConv[conversationID]...)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.After(msgs[j].CreatedAt) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

type memLastSeen struct {
	mu   sync.RWMutex
	seen map[string]time.Time // operatorID + "\x00" + conversationID
}

func seenKey(operatorID, conversationID string) string {
	return operatorID + "\x00" + conversationID
}

func (s *memLastSeen) Advance(_ context.Context, operatorID, conversationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := seenKey(operatorID, conversationID)
	if existing, ok := s.seen[key]; !ok || at.After(existing) {
		s.seen[key] = at
	}
	return nil
}

func (s *memLastSeen) Get(_ context.Context, operatorID, conversationID string) (*model.LastSeen, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.seen[seenKey(operatorID, conversationID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &model.LastSeen{
		OperatorID:     operatorID,
		ConversationID: conversationID,
		SeenAt:         at,
	}, nil
}

func (s *memLastSeen) ForOperator(_ context.Context, operatorID string, conversationIDs []string) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(conversationIDs))
	for _, id := range conversationIDs {
		if at, ok := s.seen[seenKey(operatorID, id)]; ok {
			out[id] = at
		}
	}
	return out, nil
}

type memConnections struct {
	mu   sync.RWMutex
	byID map[string]*model.ChannelConnection
}

func (s *memConnections) Get(_ context.Context, id string) (*model.ChannelConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *conn
	return &cp, nil
}

func (s *memConnections) Put(_ context.Context, conn *model.ChannelConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *conn
	s.byID[conn.ID] = &cp
	return nil
}
