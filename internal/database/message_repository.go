package database

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// MongoMessageRepository implements message persistence using MongoDB
type MongoMessageRepository struct {
	collection *mongo.Collection
}

// NewMongoMessageRepository creates a new MongoDB message repository
func NewMongoMessageRepository(db *MongoDB) *MongoMessageRepository {
	return &MongoMessageRepository{
		collection: db.GetCollection(messagesCollection),
	}
}

// InsertMessage saves a message to MongoDB
func (r *MongoMessageRepository) InsertMessage(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	if _, err := r.collection.InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("insert message: %w", mapMongoError(err))
	}
	return nil
}

// GetMessage loads a message by id
func (r *MongoMessageRepository) GetMessage(ctx context.Context, id string) (Message, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var msg Message
	if err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("get message: %w", mapMongoError(err))
	}
	return msg, nil
}
