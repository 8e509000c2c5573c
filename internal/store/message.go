package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/relaydesk/relaydesk/internal/model"
)

type mongoMessages struct {
	coll *mongo.Collection
}

func (s *mongoMessages) Append(ctx context.Context, msg *model.Message) error {
	if _, err := s.coll.InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("mongodb insert message: %w", err)
	}
	return nil
}

func (s *mongoMessages) List(ctx context.Context, conversationID string, after time.Time, limit int) ([]model.Message, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	filter := bson.D{{Key: "conversation_id", Value: conversationID}}
	if !after.IsZero() {
		filter = append(filter, bson.E{Key: "created_at", Value: bson.D{{Key: "$gt", Value: after}}})
	}

	// Fetch one extra row to detect whether more remain.
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetLimit(int64(limit + 1))

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, false, fmt.Errorf("mongodb find messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []model.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, false, fmt.Errorf("mongodb decode messages: %w", err)
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	return messages, hasMore, nil
}

func (s *mongoMessages) ListRecent(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.coll.Find(ctx, bson.D{{Key: "conversation_id", Value: conversationID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb find recent messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []model.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("mongodb decode recent messages: %w", err)
	}
	return messages, nil
}
