package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/relaydesk/relaydesk/internal/model"
)

type mongoConnections struct {
	coll *mongo.Collection
}

func (s *mongoConnections) Get(ctx context.Context, id string) (*model.ChannelConnection, error) {
	var conn model.ChannelConnection
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&conn)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb find connection: %w", err)
	}
	return &conn, nil
}

func (s *mongoConnections) Put(ctx context.Context, conn *model.ChannelConnection) error {
	conn.UpdatedAt = time.Now()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = conn.UpdatedAt
	}
	_, err := s.coll.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: conn.ID}},
		conn,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongodb upsert connection: %w", err)
	}
	return nil
}
