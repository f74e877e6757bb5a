package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"realtime-gateway/internal/config"
)

var (
	// ErrNotFound is returned when a row does not exist, or a link has
	// expired or run out of uses.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("duplicate")
)

// Conn is the set of row-level operations available inside an Acquire scope.
type Conn interface {
	CreateAccount(ctx context.Context, account Account) error
	// HasUsers reports whether any account exists.
	HasUsers(ctx context.Context) (bool, error)
	ListUsers(ctx context.Context) ([]Account, error)
	ListMemberships(ctx context.Context) ([]Membership, error)
	ListRelationships(ctx context.Context) ([]Relationship, error)

	InsertRelationship(ctx context.Context, rel Relationship) error
	// DeleteRelationship removes the userID -> recipientID edge and reports
	// the type it had. found is false when no edge existed.
	DeleteRelationship(ctx context.Context, userID, recipientID string) (typ RelationshipType, found bool, err error)

	CreateRoom(ctx context.Context, room Room) error
	AddMember(ctx context.Context, member Membership) error
	// GetRoom returns the room and its most recent message, if any.
	GetRoom(ctx context.Context, id string) (Room, *Message, error)

	LinkExists(ctx context.Context, id string) (bool, error)
	CreateLink(ctx context.Context, link Link) error
	// GetLink returns a live link. Links past their expiry or use limit at
	// now are deleted and reported as ErrNotFound.
	GetLink(ctx context.Context, id string, now time.Time) (Link, error)
	// UseLink spends one use of a link that has uses left, and returns
	// ErrNotFound when it has none.
	UseLink(ctx context.Context, id string) error

	InsertMessage(ctx context.Context, msg Message) error
	GetMessage(ctx context.Context, id string) (Message, error)
}

// Store hands out connections for the duration of a callback. Stores that
// support it run the callback in a transaction that commits only when fn
// returns nil.
type Store interface {
	Acquire(ctx context.Context, fn func(Conn) error) error
	Ping(ctx context.Context) error
	Close() error
}

// New opens the store selected by cfg.Driver.
func New(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return NewMemoryStore(), nil
	case config.DriverMongo:
		return NewMongoDB(ctx, &MongoConfig{
			URI:            cfg.MongoURI,
			Database:       cfg.MongoDatabase,
			ConnectTimeout: cfg.ConnectTimeout,
		}, logger)
	case config.DriverPostgres:
		return NewPostgres(ctx, cfg.PostgresURL, cfg.ConnectTimeout, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
