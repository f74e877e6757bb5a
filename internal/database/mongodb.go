package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Collection names.
const (
	usersCollection         = "users"
	relationshipsCollection = "relationships"
	roomsCollection         = "rooms"
	membersCollection       = "room_members"
	linksCollection         = "links"
	messagesCollection      = "messages"
)

const mongoOpTimeout = 5 * time.Second

// MongoDB represents a MongoDB connection
type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
	config   *MongoConfig
	logger   *zap.Logger
	conn     *mongoConn
}

// MongoConfig holds MongoDB configuration
type MongoConfig struct {
	URI            string        `json:"uri"`
	Database       string        `json:"database"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	PingTimeout    time.Duration `json:"ping_timeout"`
	MaxPoolSize    uint64        `json:"max_pool_size"`
	MinPoolSize    uint64        `json:"min_pool_size"`
}

// DefaultMongoConfig returns default MongoDB configuration
func DefaultMongoConfig() *MongoConfig {
	return &MongoConfig{
		URI:            "mongodb://localhost:27017",
		Database:       "realtime_chat",
		ConnectTimeout: 10 * time.Second,
		PingTimeout:    5 * time.Second,
		MaxPoolSize:    100,
		MinPoolSize:    5,
	}
}

// mongoConn serves Conn by combining the per-collection repositories.
type mongoConn struct {
	*MongoUserRepository
	*MongoRoomRepository
	*MongoMessageRepository
}

// NewMongoDB connects, pings and prepares indexes.
func NewMongoDB(ctx context.Context, config *MongoConfig, logger *zap.Logger) (*MongoDB, error) {
	defaults := DefaultMongoConfig()
	if config == nil {
		config = defaults
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = defaults.PingTimeout
	}
	if config.MaxPoolSize == 0 {
		config.MaxPoolSize = defaults.MaxPoolSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientOptions := options.Client().
		ApplyURI(config.URI).
		SetConnectTimeout(config.ConnectTimeout).
		SetMaxPoolSize(config.MaxPoolSize).
		SetMinPoolSize(config.MinPoolSize)

	connectCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	m := &MongoDB{
		client:   client,
		database: client.Database(config.Database),
		config:   config,
		logger:   logger,
	}

	if err := m.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	if err := m.CreateIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	m.conn = &mongoConn{
		MongoUserRepository:    NewMongoUserRepository(m),
		MongoRoomRepository:    NewMongoRoomRepository(m),
		MongoMessageRepository: NewMongoMessageRepository(m),
	}

	logger.Info("connected to mongodb", zap.String("database", config.Database))
	return m, nil
}

// GetCollection returns a collection
func (m *MongoDB) GetCollection(name string) *mongo.Collection {
	return m.database.Collection(name)
}

// Acquire runs fn against the shared client. The driver pools sockets itself.
func (m *MongoDB) Acquire(ctx context.Context, fn func(Conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(m.conn)
}

// Ping performs a health check on the MongoDB connection
func (m *MongoDB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.PingTimeout)
	defer cancel()

	if err := m.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongodb: %w", err)
	}
	return nil
}

// Close closes the MongoDB connection
func (m *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect from mongodb: %w", err)
	}

	m.logger.Info("disconnected from mongodb")
	return nil
}

// CreateIndexes creates the unique and lookup indexes every collection relies on.
func (m *MongoDB) CreateIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	indexes := map[string][]mongo.IndexModel{
		usersCollection: {
			{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		relationshipsCollection: {
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "recipient_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		membersCollection: {
			{
				Keys:    bson.D{{Key: "room_id", Value: 1}, {Key: "user_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		messagesCollection: {
			{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
	}

	for name, models := range indexes {
		if _, err := m.GetCollection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create %s indexes: %w", name, err)
		}
	}
	return nil
}

// mapMongoError translates driver errors into package errors.
func mapMongoError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return ErrDuplicate
	default:
		return err
	}
}
