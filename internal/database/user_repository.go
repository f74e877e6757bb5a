package database

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoUserRepository stores accounts and relationship edges in MongoDB
type MongoUserRepository struct {
	users         *mongo.Collection
	relationships *mongo.Collection
}

// NewMongoUserRepository creates a new MongoDB user repository
func NewMongoUserRepository(db *MongoDB) *MongoUserRepository {
	return &MongoUserRepository{
		users:         db.GetCollection(usersCollection),
		relationships: db.GetCollection(relationshipsCollection),
	}
}

// CreateAccount inserts a new account
func (r *MongoUserRepository) CreateAccount(ctx context.Context, account Account) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	if _, err := r.users.InsertOne(ctx, account); err != nil {
		return fmt.Errorf("create account: %w", mapMongoError(err))
	}
	return nil
}

// HasUsers reports whether any account exists
func (r *MongoUserRepository) HasUsers(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	n, err := r.users.CountDocuments(ctx, bson.M{}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("has users: %w", err)
	}
	return n > 0, nil
}

// ListUsers returns every account
func (r *MongoUserRepository) ListUsers(ctx context.Context) ([]Account, error) {
	var users []Account
	if err := findAll(ctx, r.users, bson.M{}, nil, &users); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// ListRelationships returns every relationship edge
func (r *MongoUserRepository) ListRelationships(ctx context.Context) ([]Relationship, error) {
	var rels []Relationship
	if err := findAll(ctx, r.relationships, bson.M{}, nil, &rels); err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	return rels, nil
}

// InsertRelationship inserts a directed edge
func (r *MongoUserRepository) InsertRelationship(ctx context.Context, rel Relationship) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	if _, err := r.relationships.InsertOne(ctx, rel); err != nil {
		return fmt.Errorf("insert relationship: %w", mapMongoError(err))
	}
	return nil
}

// DeleteRelationship deletes a directed edge and returns its type
func (r *MongoUserRepository) DeleteRelationship(ctx context.Context, userID, recipientID string) (RelationshipType, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var rel Relationship
	err := r.relationships.FindOneAndDelete(ctx, bson.M{"user_id": userID, "recipient_id": recipientID}).Decode(&rel)
	if err != nil {
		if mapMongoError(err) == ErrNotFound {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("delete relationship: %w", err)
	}
	return rel.Type, true, nil
}

// findAll decodes every document matching filter into out.
func findAll(ctx context.Context, collection *mongo.Collection, filter any, opts *options.FindOptions, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 30*mongoOpTimeout)
	defer cancel()

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	return cursor.All(ctx, out)
}
