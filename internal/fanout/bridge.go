package fanout

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/pkg/logger"
)

// subjectPrefix roots all fanout subjects on the broker.
const subjectPrefix = "relay.fanout"

// NATSBridge mirrors hub events across instances over NATS so every
// instance delivers to its own local subscribers. Envelopes carry the
// origin hub id; a hub never replays its own broadcasts.
type NATSBridge struct {
	conn *nats.Conn
	hub  *Hub
	sub  *nats.Subscription
	log  *logger.Logger
}

// NewNATSBridge subscribes to the fanout subject tree and attaches itself
// to the hub.
func NewNATSBridge(conn *nats.Conn, hub *Hub, log *logger.Logger) (*NATSBridge, error) {
	b := &NATSBridge{
		conn: conn,
		hub:  hub,
		log:  log.Named("bridge"),
	}

	sub, err := conn.Subscribe(subjectPrefix+".>", func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.log.Warn("unparseable bridge envelope", zap.Error(err))
			return
		}
		hub.HandleRemote(&env)
	})
	if err != nil {
		return nil, fmt.Errorf("bridge subscribe: %w", err)
	}

	b.sub = sub
	hub.SetBridge(b)
	return b, nil
}

// Publish implements Bridge.
func (b *NATSBridge) Publish(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bridge marshal: %w", err)
	}
	if err := b.conn.Publish(subjectForScope(env.Scope), data); err != nil {
		return fmt.Errorf("bridge publish: %w", err)
	}
	return nil
}

// Close detaches the bridge from the broker.
func (b *NATSBridge) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
}

// subjectForScope maps "conversation:<id>" to relay.fanout.conversation.<id>
// and "company:<tenant>" to relay.fanout.company.<tenant>.
func subjectForScope(scope Scope) string {
	return subjectPrefix + "." + strings.ReplaceAll(string(scope), ":", ".")
}
