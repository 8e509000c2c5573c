package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/relaydesk/relaydesk/internal/model"
)

// primitiveRegexSuffix builds an anchored ends-with match for the degraded
// identifier lookup.
func primitiveRegexSuffix(suffix string) primitive.Regex {
	return primitive.Regex{Pattern: regexp.QuoteMeta(suffix) + "$"}
}

type mongoConversations struct {
	coll *mongo.Collection
}

func activeStatuses() bson.A {
	return bson.A{model.StatusOpen, model.StatusSnoozed}
}

func (s *mongoConversations) Create(ctx context.Context, conv *model.Conversation) error {
	if _, err := s.coll.InsertOne(ctx, conv); err != nil {
		return fmt.Errorf("mongodb insert conversation: %w", err)
	}
	return nil
}

func (s *mongoConversations) Get(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb find conversation: %w", err)
	}
	return &conv, nil
}

func (s *mongoConversations) FindActive(ctx context.Context, connectionID, externalCustomerID string) (*model.Conversation, error) {
	filter := bson.D{
		{Key: "connection_id", Value: connectionID},
		{Key: "external_customer_id", Value: externalCustomerID},
		{Key: "status", Value: bson.D{{Key: "$in", Value: activeStatuses()}}},
	}
	return s.findNewest(ctx, filter)
}

func (s *mongoConversations) FindActiveBySuffix(ctx context.Context, connectionID, suffix string) (*model.Conversation, error) {
	filter := bson.D{
		{Key: "connection_id", Value: connectionID},
		{Key: "external_customer_id", Value: primitiveRegexSuffix(suffix)},
		{Key: "status", Value: bson.D{{Key: "$in", Value: activeStatuses()}}},
	}
	return s.findNewest(ctx, filter)
}

func (s *mongoConversations) findNewest(ctx context.Context, filter bson.D) (*model.Conversation, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "last_message_at", Value: -1}})
	var conv model.Conversation
	err := s.coll.FindOne(ctx, filter, opts).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb find conversation: %w", err)
	}
	return &conv, nil
}

func (s *mongoConversations) ListByTenant(ctx context.Context, tenantID string, f ListFilter) ([]model.Conversation, int, error) {
	filter := bson.D{{Key: "tenant_id", Value: tenantID}}
	if len(f.Status) > 0 {
		in := bson.A{}
		for _, st := range f.Status {
			in = append(in, st)
		}
		filter = append(filter, bson.E{Key: "status", Value: bson.D{{Key: "$in", Value: in}}})
	}

	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("mongodb count conversations: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "last_message_at", Value: -1}}).
		SetLimit(int64(f.Limit)).
		SetSkip(int64(f.Offset))

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("mongodb find conversations: %w", err)
	}
	defer cursor.Close(ctx)

	var convs []model.Conversation
	if err := cursor.All(ctx, &convs); err != nil {
		return nil, 0, fmt.Errorf("mongodb decode conversations: %w", err)
	}

	return convs, int(total), nil
}

func (s *mongoConversations) UpdateStatus(ctx context.Context, id string, from, to model.Status) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}, {Key: "status", Value: from}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: to},
			{Key: "updated_at", Value: time.Now()},
		}}},
	)
	if err != nil {
		return fmt.Errorf("mongodb update status: %w", err)
	}
	if res.MatchedCount == 0 {
		// Either the conversation is gone or a concurrent writer changed
		// the status first.
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrStatusConflict
	}
	return nil
}

func (s *mongoConversations) SetAutoReply(ctx context.Context, id string, enabled bool) error {
	return s.setFields(ctx, id, bson.D{{Key: "auto_reply_enabled", Value: enabled}})
}

func (s *mongoConversations) UpdateMetadata(ctx context.Context, id string, req *model.UpdateConversationRequest) error {
	set := bson.D{}
	if req.AssigneeID != nil {
		set = append(set, bson.E{Key: "assignee_id", Value: *req.AssigneeID})
	}
	if req.Tags != nil {
		set = append(set, bson.E{Key: "tags", Value: *req.Tags})
	}
	if req.Notes != nil {
		set = append(set, bson.E{Key: "notes", Value: *req.Notes})
	}
	if len(set) == 0 {
		return nil
	}
	return s.setFields(ctx, id, set)
}

func (s *mongoConversations) setFields(ctx context.Context, id string, set bson.D) error {
	set = append(set, bson.E{Key: "updated_at", Value: time.Now()})
	res, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: set}},
	)
	if err != nil {
		return fmt.Errorf("mongodb update conversation: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *mongoConversations) ApplyMessage(ctx context.Context, id string, role model.Role, preview string, at time.Time) (*model.Conversation, error) {
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "last_message_role", Value: role},
			{Key: "last_message_text", Value: preview},
			{Key: "updated_at", Value: time.Now()},
		}},
		// last_message_at is monotonically non-decreasing even under
		// concurrent out-of-order writers.
		{Key: "$max", Value: bson.D{{Key: "last_message_at", Value: at}}},
	}
	if role == model.RoleCustomer {
		update = append(update, bson.E{Key: "$inc", Value: bson.D{{Key: "unread_count", Value: 1}}})
	} else {
		update[0].Value = append(update[0].Value.(bson.D), bson.E{Key: "unread_count", Value: 0})
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var conv model.Conversation
	err := s.coll.FindOneAndUpdate(ctx, bson.D{{Key: "_id", Value: id}}, update, opts).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb apply message: %w", err)
	}
	return &conv, nil
}

func (s *mongoConversations) SetUnread(ctx context.Context, id string, count int) error {
	if count < 0 {
		count = 0
	}
	return s.setFields(ctx, id, bson.D{{Key: "unread_count", Value: count}})
}
