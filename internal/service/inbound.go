package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/autoreply"
	"github.com/relaydesk/relaydesk/internal/model"
	"github.com/relaydesk/relaydesk/internal/resolver"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/pkg/logger"
)

var (
	// ErrUnknownConnection rejects deliveries for connections no tenant
	// owns. Checked at the boundary, before the resolver runs.
	ErrUnknownConnection = errors.New("unknown channel connection")

	// ErrChannelMismatch rejects deliveries whose channel does not match
	// the connection's configured channel.
	ErrChannelMismatch = errors.New("delivery channel does not match connection")
)

// InboundService is the synchronous inbound-message pipeline: resolve,
// persist, update unread state, fan out, then hand off to the auto-reply
// orchestrator.
type InboundService struct {
	connections  store.ConnectionStore
	resolver     *resolver.Resolver
	messages     *MessageService
	orchestrator *autoreply.Orchestrator
	log          *logger.Logger
}

// NewInboundService creates the inbound pipeline. orchestrator may be nil
// when auto-reply is disabled for the deployment.
func NewInboundService(connections store.ConnectionStore, res *resolver.Resolver, messages *MessageService, orchestrator *autoreply.Orchestrator, log *logger.Logger) *InboundService {
	return &InboundService{
		connections:  connections,
		resolver:     res,
		messages:     messages,
		orchestrator: orchestrator,
		log:          log.Named("inbound"),
	}
}

// HandleInbound processes one customer message delivery. Storage errors
// propagate to the caller unchanged; whether to retry is the delivering
// channel's concern. The auto-reply hand-off never blocks the response.
func (s *InboundService) HandleInbound(ctx context.Context, d *model.InboundDelivery) (*model.Conversation, *model.Message, error) {
	conn, err := s.connections.Get(ctx, d.ConnectionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrUnknownConnection
	}
	if err != nil {
		return nil, nil, fmt.Errorf("connection lookup: %w", err)
	}
	if conn.Channel != d.Channel {
		return nil, nil, ErrChannelMismatch
	}

	now := time.Now()
	conv, created, err := s.resolver.Resolve(ctx, conn, d.ExternalCustomerID, now)
	if err != nil {
		return nil, nil, err
	}

	updated, msg, err := s.messages.AppendCustomerMessage(ctx, conv, d, created, now)
	if err != nil {
		return nil, nil, err
	}

	s.log.Debug("inbound message stored",
		zap.String("conversation_id", updated.ID),
		zap.String("channel", string(d.Channel)),
		zap.Bool("created", created))

	if s.orchestrator != nil {
		s.orchestrator.MaybeAutoReply(updated, msg)
	}
	return updated, msg, nil
}
