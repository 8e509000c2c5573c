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

type mongoLastSeen struct {
	coll *mongo.Collection
}

func (s *mongoLastSeen) Advance(ctx context.Context, operatorID, conversationID string, at time.Time) error {
	filter := bson.D{
		{Key: "operator_id", Value: operatorID},
		{Key: "conversation_id", Value: conversationID},
	}
	// $max keeps the watermark advance-only: a stale mark-read never moves
	// it backwards.
	update := bson.D{
		{Key: "$max", Value: bson.D{{Key: "seen_at", Value: at}}},
		{Key: "$setOnInsert", Value: bson.D{
			{Key: "operator_id", Value: operatorID},
			{Key: "conversation_id", Value: conversationID},
		}},
	}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb advance last_seen: %w", err)
	}
	return nil
}

func (s *mongoLastSeen) Get(ctx context.Context, operatorID, conversationID string) (*model.LastSeen, error) {
	filter := bson.D{
		{Key: "operator_id", Value: operatorID},
		{Key: "conversation_id", Value: conversationID},
	}
	var seen model.LastSeen
	err := s.coll.FindOne(ctx, filter).Decode(&seen)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb find last_seen: %w", err)
	}
	return &seen, nil
}

func (s *mongoLastSeen) ForOperator(ctx context.Context, operatorID string, conversationIDs []string) (map[string]time.Time, error) {
	if len(conversationIDs) == 0 {
		return map[string]time.Time{}, nil
	}

	ids := bson.A{}
	for _, id := range conversationIDs {
		ids = append(ids, id)
	}
	filter := bson.D{
		{Key: "operator_id", Value: operatorID},
		{Key: "conversation_id", Value: bson.D{{Key: "$in", Value: ids}}},
	}

	cursor, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongodb find last_seen batch: %w", err)
	}
	defer cursor.Close(ctx)

	out := make(map[string]time.Time, len(conversationIDs))
	for cursor.Next(ctx) {
		var seen model.LastSeen
		if err := cursor.Decode(&seen); err != nil {
			continue
		}
		out[seen.ConversationID] = seen.SeenAt
	}
	return out, nil
}
