package fanout

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/pkg/logger"
	"github.com/relaydesk/relaydesk/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
)

// ClientKind distinguishes subscription policies.
type ClientKind string

const (
	// KindDashboard is an operator dashboard: company scope always, plus
	// dynamically managed conversation scopes for open viewports.
	KindDashboard ClientKind = "dashboard"

	// KindWidget is a customer-facing widget: one fixed conversation scope,
	// never the company scope.
	KindWidget ClientKind = "widget"
)

// MarkReadHandler processes mark_read frames from dashboard clients.
type MarkReadHandler interface {
	HandleMarkRead(ctx context.Context, tenantID, operatorID, conversationID string, at time.Time) error
}

// SubscriptionAuthorizer checks that a dashboard client may attach to a
// conversation scope (the conversation belongs to its tenant).
type SubscriptionAuthorizer interface {
	CanSubscribe(ctx context.Context, tenantID, conversationID string) bool
}

// Client is one live websocket connection registered with the hub.
type Client struct {
	id   string
	kind ClientKind
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  *logger.Logger

	// Dashboard clients only.
	tenantID   string
	operatorID string
	markRead   MarkReadHandler
	authorizer SubscriptionAuthorizer
}

// ID implements Subscriber.
func (c *Client) ID() string { return c.id }

// Send implements Subscriber: non-blocking enqueue onto the write pump.
func (c *Client) Send(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close implements Subscriber.
func (c *Client) Close() {
	_ = c.conn.Close()
}

// ServeDashboard registers an operator dashboard connection: subscribed to
// the tenant's company scope, with subscribe/unsubscribe frames managing
// conversation scopes for the open viewport.
func ServeDashboard(hub *Hub, conn *websocket.Conn, tenantID, operatorID string, markRead MarkReadHandler, authorizer SubscriptionAuthorizer, log *logger.Logger) {
	c := &Client{
		id:         uuid.New().String(),
		kind:       KindDashboard,
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		log:        log.Named("ws"),
		tenantID:   tenantID,
		operatorID: operatorID,
		markRead:   markRead,
		authorizer: authorizer,
	}
	hub.Subscribe(c, CompanyScope(tenantID))
	c.start()
}

// ServeWidget registers a customer widget connection on exactly one
// conversation scope. The company scope is deliberately withheld: it
// carries every message:new of the tenant, including this conversation's,
// and a double-subscribed client would see each message twice.
func ServeWidget(hub *Hub, conn *websocket.Conn, conversationID string, log *logger.Logger) {
	c := &Client{
		id:   uuid.New().String(),
		kind: KindWidget,
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		log:  log.Named("ws"),
	}
	hub.Subscribe(c, ConversationScope(conversationID))
	c.start()
}

func (c *Client) start() {
	metrics.WSConnectionsActive.WithLabelValues(string(c.kind)).Inc()
	go c.writePump()
	go c.readPump()
}

// clientFrame is an incoming control message from the client.
type clientFrame struct {
	Type           string    `json:"type"` // subscribe|unsubscribe|mark_read
	Scope          string    `json:"scope,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	At             time.Time `json:"at,omitempty"`
}

func (c *Client) readPump() {
	defer func() {
		metrics.WSConnectionsActive.WithLabelValues(string(c.kind)).Dec()
		c.hub.Drop(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if c.kind == KindDashboard {
			c.handleFrame(raw)
		}
		// Widget clients have a fixed subscription; their inbound frames
		// are ignored.
	}
}

func (c *Client) handleFrame(raw []byte) {
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.log.Warn("unparseable client frame", zap.Error(err))
		return
	}

	switch frame.Type {
	case "subscribe":
		convID, ok := conversationIDFromScope(frame.Scope)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if c.authorizer != nil && !c.authorizer.CanSubscribe(ctx, c.tenantID, convID) {
			c.log.Warn("subscribe denied",
				zap.String("operator_id", c.operatorID),
				zap.String("conversation_id", convID))
			return
		}
		c.hub.Subscribe(c, ConversationScope(convID))

	case "unsubscribe":
		if convID, ok := conversationIDFromScope(frame.Scope); ok {
			c.hub.Unsubscribe(c, ConversationScope(convID))
		}

	case "mark_read":
		if c.markRead == nil || frame.ConversationID == "" {
			return
		}
		at := frame.At
		if at.IsZero() {
			at = time.Now()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.markRead.HandleMarkRead(ctx, c.tenantID, c.operatorID, frame.ConversationID, at); err != nil {
			c.log.Error("mark_read failed",
				zap.Error(err),
				zap.String("conversation_id", frame.ConversationID))
		}
	}
}

// conversationIDFromScope accepts only conversation scopes from clients;
// company-scope membership is assigned by the server at connect time.
func conversationIDFromScope(scope string) (string, bool) {
	id, ok := strings.CutPrefix(scope, "conversation:")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
