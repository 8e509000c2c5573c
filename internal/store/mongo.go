package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/relaydesk/relaydesk/pkg/logger"
)

const (
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
	lastSeenCollection      = "last_seen"
	connectionsCollection   = "connections"
)

// Client wraps a MongoDB connection for the messaging store.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
	log    *logger.Logger
}

// Connect establishes a MongoDB connection and pings it.
func Connect(ctx context.Context, uri, database string, log *logger.Logger) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	return &Client{
		client: client,
		db:     client.Database(database),
		log:    log,
	}, nil
}

// Ping checks connectivity for readiness probes.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) {
	_ = c.client.Disconnect(ctx)
}

// Stores returns the persistence gateways backed by this connection.
func (c *Client) Stores() Stores {
	return Stores{
		Conversations: &mongoConversations{coll: c.db.Collection(conversationsCollection)},
		Messages:      &mongoMessages{coll: c.db.Collection(messagesCollection)},
		LastSeen:      &mongoLastSeen{coll: c.db.Collection(lastSeenCollection)},
		Connections:   &mongoConnections{coll: c.db.Collection(connectionsCollection)},
	}
}

// EnsureIndexes creates the indexes the resolver and ledger queries rely on.
func (c *Client) EnsureIndexes(ctx context.Context) error {
	conv := c.db.Collection(conversationsCollection)
	_, err := conv.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			// Primary resolver lookup.
			Keys: bson.D{
				{Key: "connection_id", Value: 1},
				{Key: "external_customer_id", Value: 1},
				{Key: "status", Value: 1},
				{Key: "last_message_at", Value: -1},
			},
		},
		{
			// Tenant list view, newest activity first.
			Keys: bson.D{
				{Key: "tenant_id", Value: 1},
				{Key: "last_message_at", Value: -1},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("mongodb create conversation indexes: %w", err)
	}

	msgs := c.db.Collection(messagesCollection)
	_, err = msgs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "conversation_id", Value: 1},
			{Key: "created_at", Value: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("mongodb create message index: %w", err)
	}

	seen := c.db.Collection(lastSeenCollection)
	_, err = seen.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "operator_id", Value: 1},
			{Key: "conversation_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongodb create last_seen index: %w", err)
	}

	return nil
}
