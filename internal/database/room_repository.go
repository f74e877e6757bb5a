package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// memberDocument orders memberships by ObjectID, which grows with insertion.
type memberDocument struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	Membership `bson:",inline"`
}

// MongoRoomRepository stores rooms, memberships and invite links in MongoDB
type MongoRoomRepository struct {
	rooms    *mongo.Collection
	members  *mongo.Collection
	links    *mongo.Collection
	messages *mongo.Collection
}

// NewMongoRoomRepository creates a new MongoDB room repository
func NewMongoRoomRepository(db *MongoDB) *MongoRoomRepository {
	return &MongoRoomRepository{
		rooms:    db.GetCollection(roomsCollection),
		members:  db.GetCollection(membersCollection),
		links:    db.GetCollection(linksCollection),
		messages: db.GetCollection(messagesCollection),
	}
}

// CreateRoom inserts a new room
func (r *MongoRoomRepository) CreateRoom(ctx context.Context, room Room) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	if _, err := r.rooms.InsertOne(ctx, room); err != nil {
		return fmt.Errorf("create room: %w", mapMongoError(err))
	}
	return nil
}

// AddMember adds a user to an existing room
func (r *MongoRoomRepository) AddMember(ctx context.Context, member Membership) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	if err := r.rooms.FindOne(ctx, bson.M{"_id": member.RoomID}).Err(); err != nil {
		return fmt.Errorf("add member: %w", mapMongoError(err))
	}

	doc := memberDocument{ID: primitive.NewObjectID(), Membership: member}
	if _, err := r.members.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("add member: %w", mapMongoError(err))
	}
	return nil
}

// ListMemberships returns every membership in join order
func (r *MongoRoomRepository) ListMemberships(ctx context.Context) ([]Membership, error) {
	var docs []memberDocument
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if err := findAll(ctx, r.members, bson.M{}, opts, &docs); err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}

	members := make([]Membership, len(docs))
	for i, doc := range docs {
		members[i] = doc.Membership
	}
	return members, nil
}

// GetRoom gets a room and its latest message
func (r *MongoRoomRepository) GetRoom(ctx context.Context, id string) (Room, *Message, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var room Room
	if err := r.rooms.FindOne(ctx, bson.M{"_id": id}).Decode(&room); err != nil {
		return Room{}, nil, fmt.Errorf("get room: %w", mapMongoError(err))
	}

	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	var last Message
	err := r.messages.FindOne(ctx, bson.M{"room_id": id}, opts).Decode(&last)
	switch mapped := mapMongoError(err); mapped {
	case nil:
		return room, &last, nil
	case ErrNotFound:
		return room, nil, nil
	default:
		return Room{}, nil, fmt.Errorf("get last message: %w", mapped)
	}
}

// LinkExists reports whether a link id is taken
func (r *MongoRoomRepository) LinkExists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	n, err := r.links.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("link exists: %w", err)
	}
	return n > 0, nil
}

// CreateLink inserts a new invite link
func (r *MongoRoomRepository) CreateLink(ctx context.Context, link Link) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	if _, err := r.links.InsertOne(ctx, link); err != nil {
		return fmt.Errorf("create link: %w", mapMongoError(err))
	}
	return nil
}

// GetLink returns a live link and deletes dead ones
func (r *MongoRoomRepository) GetLink(ctx context.Context, id string, now time.Time) (Link, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var link Link
	if err := r.links.FindOne(ctx, bson.M{"_id": id}).Decode(&link); err != nil {
		return Link{}, fmt.Errorf("get link: %w", mapMongoError(err))
	}

	if link.Dead(now) {
		if _, err := r.links.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
			return Link{}, fmt.Errorf("delete dead link: %w", err)
		}
		return Link{}, fmt.Errorf("get link: %w", ErrNotFound)
	}
	return link, nil
}

// UseLink increments a link's use count unless it is used up
func (r *MongoRoomRepository) UseLink(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	filter := bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"max_uses": 0},
			bson.M{"$expr": bson.M{"$lt": bson.A{"$uses", "$max_uses"}}},
		},
	}
	res, err := r.links.UpdateOne(ctx, filter, bson.M{"$inc": bson.M{"uses": 1}})
	if err != nil {
		return fmt.Errorf("use link: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("use link: %w", ErrNotFound)
	}
	return nil
}
