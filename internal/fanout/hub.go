// Package fanout is the publish/subscribe layer pushing message and status
// events to live viewers. Two topic scopes exist: per-conversation and
// per-tenant (company). Delivery is best-effort; persistence is the source
// of truth and reconnecting clients recover via a catch-up fetch.
package fanout

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/pkg/logger"
	"github.com/relaydesk/relaydesk/pkg/metrics"
)

// Scope is a topic grouping: one conversation thread or one tenant's whole
// inbox.
type Scope string

// ConversationScope returns the scope covering a single conversation.
// Customer-facing clients subscribe to this scope ONLY; adding the company
// scope on top would deliver their own messages twice.
func ConversationScope(conversationID string) Scope {
	return Scope("conversation:" + conversationID)
}

// CompanyScope returns the scope covering every conversation of a tenant.
// Operator dashboards subscribe here for list-wide updates, plus the
// conversation scope of whichever thread is open in their viewport.
func CompanyScope(tenantID string) Scope {
	return Scope("company:" + tenantID)
}

// Topic identifies the kind of event within a scope.
type Topic string

const (
	TopicMessageNew       Topic = "message:new"
	TopicListUpdate       Topic = "conversation:list-update"
	TopicConversationRead Topic = "conversation:read"
	TopicBotTyping        Topic = "bot:typing"
	TopicBotStoppedTyping Topic = "bot:stopped-typing"
)

// Frame is the wire format delivered to subscribers.
type Frame struct {
	Scope   Scope           `json:"scope"`
	Topic   Topic           `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Envelope is a frame plus the id of the hub that published it, used by the
// cross-instance bridge to skip replaying a hub's own broadcasts back to it.
type Envelope struct {
	Origin  string          `json:"origin"`
	Scope   Scope           `json:"scope"`
	Topic   Topic           `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Subscriber is one live connection handle. Send must not block: it returns
// false when the subscriber's buffer is full or closed, and the hub drops
// the subscriber in response.
type Subscriber interface {
	ID() string
	Send(frame []byte) bool
	Close()
}

// Bridge mirrors published envelopes to peer instances.
type Bridge interface {
	Publish(env *Envelope) error
}

// Hub owns the subscription registry: which connection handle is subscribed
// to which scopes. The registry lives inside the hub and is passed
// explicitly to anything that needs to publish; there is no package-level
// mutable state.
type Hub struct {
	id     string
	log    *logger.Logger
	bridge Bridge

	mu      sync.RWMutex
	byScope map[Scope]map[string]Subscriber
	bySub   map[string]map[Scope]struct{}
	subs    map[string]Subscriber
}

// NewHub creates a hub with an empty registry.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		id:      uuid.New().String(),
		log:     log.Named("fanout"),
		byScope: make(map[Scope]map[string]Subscriber),
		bySub:   make(map[string]map[Scope]struct{}),
		subs:    make(map[string]Subscriber),
	}
}

// ID returns this hub's origin id.
func (h *Hub) ID() string { return h.id }

// SetBridge attaches the cross-instance bridge. Optional; a nil bridge
// means single-instance local delivery only.
func (h *Hub) SetBridge(b Bridge) { h.bridge = b }

// Subscribe adds sub to a scope. Subscribing twice to the same scope is a
// no-op: at most one registration per (subscriber, scope) exists, so a
// subscriber receives each event on a scope at most once.
func (h *Hub) Subscribe(sub Subscriber, scope Scope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.byScope[scope] == nil {
		h.byScope[scope] = make(map[string]Subscriber)
	}
	h.byScope[scope][sub.ID()] = sub

	if h.bySub[sub.ID()] == nil {
		h.bySub[sub.ID()] = make(map[Scope]struct{})
	}
	h.bySub[sub.ID()][scope] = struct{}{}
	h.subs[sub.ID()] = sub
}

// Unsubscribe removes sub from one scope. Clients navigating away from a
// conversation call this to keep their subscription set bounded.
func (h *Hub) Unsubscribe(sub Subscriber, scope Scope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub.ID(), scope)
}

// Drop removes a subscriber from every scope and closes it. Called on
// disconnect.
func (h *Hub) Drop(sub Subscriber) {
	h.mu.Lock()
	for scope := range h.bySub[sub.ID()] {
		h.removeLocked(sub.ID(), scope)
	}
	delete(h.subs, sub.ID())
	h.mu.Unlock()
	sub.Close()
}

func (h *Hub) removeLocked(subID string, scope Scope) {
	if set, ok := h.byScope[scope]; ok {
		delete(set, subID)
		if len(set) == 0 {
			delete(h.byScope, scope)
		}
	}
	if set, ok := h.bySub[subID]; ok {
		delete(set, scope)
		if len(set) == 0 {
			delete(h.bySub, subID)
		}
	}
}

// SubscriptionCount returns how many scopes a subscriber is registered on.
func (h *Hub) SubscriptionCount(subID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bySub[subID])
}

// Publish sends payload to every local subscriber of scope, in publish
// order, then mirrors the event to peer instances through the bridge.
// Delivery failures are best-effort by design: a dropped subscriber
// recovers via catch-up fetch, never by rolling back persistence.
func (h *Hub) Publish(scope Scope, topic Topic, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("marshal event payload", zap.Error(err), zap.String("topic", string(topic)))
		return
	}

	metrics.FanoutEventsTotal.WithLabelValues(string(topic)).Inc()
	h.deliverLocal(scope, topic, data)

	if h.bridge != nil {
		env := &Envelope{Origin: h.id, Scope: scope, Topic: topic, Payload: data}
		if err := h.bridge.Publish(env); err != nil {
			h.log.Warn("bridge publish failed", zap.Error(err), zap.String("topic", string(topic)))
		}
	}
}

// HandleRemote replays an envelope from a peer instance into the local
// registry. Envelopes this hub originated are skipped; local subscribers
// already received them in Publish.
func (h *Hub) HandleRemote(env *Envelope) {
	if env.Origin == h.id {
		return
	}
	h.deliverLocal(env.Scope, env.Topic, env.Payload)
}

func (h *Hub) deliverLocal(scope Scope, topic Topic, payload json.RawMessage) {
	frame, err := json.Marshal(Frame{Scope: scope, Topic: topic, Payload: payload})
	if err != nil {
		return
	}

	h.mu.RLock()
	var slow []Subscriber
	for _, sub := range h.byScope[scope] {
		if !sub.Send(frame) {
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		metrics.FanoutDropsTotal.Inc()
		h.log.Warn("dropping slow subscriber", zap.String("subscriber_id", sub.ID()))
		h.Drop(sub)
	}
}
