// Package relationship maintains the friend/block graph between users.
package relationship

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"realtime-gateway/internal/database"
	"realtime-gateway/internal/presence"
)

// Type is the kind of a directed edge.
type Type = database.RelationshipType

const (
	Friend = database.RelationshipFriend
	Block  = database.RelationshipBlock
)

// Events dispatched to the users on either side of a change.
const (
	EventCreate = "RELATIONSHIP_CREATE"
	EventRemove = "RELATIONSHIP_REMOVE"
)

var (
	// ErrConflict is returned when the requested edge already exists.
	ErrConflict = errors.New("relationship already exists")
	// ErrForbidden is returned when the recipient has blocked the requester.
	ErrForbidden = errors.New("relationship forbidden")
	// ErrUnknownUser is returned when the recipient has no account.
	ErrUnknownUser = errors.New("unknown user")
	// ErrSelf is returned when a user targets themselves.
	ErrSelf = errors.New("cannot target yourself")
)

// Edge is a directed relationship from Source to Target.
type Edge struct {
	Type   Type   `json:"type"`
	Source string `json:"user_id"`
	Target string `json:"recipient_id"`
}

// CreatePayload is the data of a RELATIONSHIP_CREATE event.
type CreatePayload struct {
	User presence.UserProfile `json:"user"`
}

// RemovePayload is the data of a RELATIONSHIP_REMOVE event.
type RemovePayload struct {
	UserID string `json:"user_id"`
}

// Notifier delivers an event to every connection of a user.
type Notifier interface {
	SendToUser(userID, event string, data any)
}

// Directory resolves user profiles.
type Directory interface {
	User(id string) (presence.UserProfile, bool)
}

// Graph caches every relationship edge and applies the friend/block state
// machine. Mutations are serialized; each one commits to the store before
// the cache changes.
type Graph struct {
	mutate sync.Mutex

	mutex sync.RWMutex
	edges map[string]map[string]Type

	store    database.Store
	users    Directory
	notifier Notifier
	logger   *zap.Logger
}

// NewGraph creates an empty graph.
func NewGraph(store database.Store, users Directory, notifier Notifier, logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		edges:    make(map[string]map[string]Type),
		store:    store,
		users:    users,
		notifier: notifier,
		logger:   logger,
	}
}

// Load replaces the cache with every edge in the store.
func (g *Graph) Load(ctx context.Context) error {
	var rels []database.Relationship
	err := g.store.Acquire(ctx, func(conn database.Conn) error {
		var err error
		rels, err = conn.ListRelationships(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("load relationships: %w", err)
	}

	edges := make(map[string]map[string]Type)
	for _, rel := range rels {
		targets, ok := edges[rel.UserID]
		if !ok {
			targets = make(map[string]Type)
			edges[rel.UserID] = targets
		}
		targets[rel.RecipientID] = rel.Type
	}

	g.mutex.Lock()
	g.edges = edges
	g.mutex.Unlock()

	g.logger.Info("relationships loaded", zap.Int("edges", len(rels)))
	return nil
}

// Get returns the edge from source to target.
func (g *Graph) Get(source, target string) (Edge, bool) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	typ, ok := g.edges[source][target]
	if !ok {
		return Edge{}, false
	}
	return Edge{Type: typ, Source: source, Target: target}, true
}

// Edges returns every outgoing edge of user.
func (g *Graph) Edges(user string) []Edge {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	out := make([]Edge, 0, len(g.edges[user]))
	for target, typ := range g.edges[user] {
		out = append(out, Edge{Type: typ, Source: user, Target: target})
	}
	return out
}

// RequestFriend sends a friend request from requester to recipient, or
// accepts the pending request recipient already sent.
func (g *Graph) RequestFriend(ctx context.Context, requester, recipient string) error {
	if err := g.checkTarget(requester, recipient); err != nil {
		return err
	}

	g.mutate.Lock()
	defer g.mutate.Unlock()

	if _, exists := g.Get(requester, recipient); exists {
		return ErrConflict
	}

	incoming, hasIncoming := g.Get(recipient, requester)
	if hasIncoming && incoming.Type == Block {
		return ErrForbidden
	}

	if err := g.insert(ctx, Friend, requester, recipient); err != nil {
		return err
	}

	self, _ := g.users.User(requester)
	g.notifier.SendToUser(recipient, EventCreate, CreatePayload{User: self})

	if hasIncoming {
		other, _ := g.users.User(recipient)
		g.notifier.SendToUser(requester, EventCreate, CreatePayload{User: other})
	}
	return nil
}

// Block makes requester block recipient, ending any friendship first.
func (g *Graph) Block(ctx context.Context, requester, recipient string) error {
	if err := g.checkTarget(requester, recipient); err != nil {
		return err
	}

	g.mutate.Lock()
	defer g.mutate.Unlock()

	outgoing, exists := g.Get(requester, recipient)
	if exists {
		if outgoing.Type == Block {
			return ErrConflict
		}
		if err := g.remove(ctx, requester, recipient); err != nil {
			return err
		}
	}

	return g.insert(ctx, Block, requester, recipient)
}

// Remove deletes requester's edge to recipient. Removing a friendship, a
// pending request, or nothing at all also drops whatever edge recipient
// holds towards requester, a block included, and notifies both users.
// Removing a block only lifts the block.
func (g *Graph) Remove(ctx context.Context, requester, recipient string) error {
	if requester == recipient {
		return ErrSelf
	}

	g.mutate.Lock()
	defer g.mutate.Unlock()

	return g.remove(ctx, requester, recipient)
}

func (g *Graph) remove(ctx context.Context, requester, recipient string) error {
	var (
		removed         Type
		found, reversed bool
	)
	err := g.store.Acquire(ctx, func(conn database.Conn) error {
		var err error
		removed, found, err = conn.DeleteRelationship(ctx, requester, recipient)
		if err != nil || (found && removed != Friend) {
			return err
		}
		_, reversed, err = conn.DeleteRelationship(ctx, recipient, requester)
		return err
	})
	if err != nil {
		return fmt.Errorf("remove relationship: %w", err)
	}

	g.mutex.Lock()
	if found {
		delete(g.edges[requester], recipient)
	}
	if reversed {
		delete(g.edges[recipient], requester)
	}
	g.mutex.Unlock()

	if !found || removed == Friend {
		g.notifier.SendToUser(recipient, EventRemove, RemovePayload{UserID: requester})
		g.notifier.SendToUser(requester, EventRemove, RemovePayload{UserID: recipient})
	}
	return nil
}

func (g *Graph) insert(ctx context.Context, typ Type, source, target string) error {
	err := g.store.Acquire(ctx, func(conn database.Conn) error {
		return conn.InsertRelationship(ctx, database.Relationship{Type: typ, UserID: source, RecipientID: target})
	})
	if errors.Is(err, database.ErrDuplicate) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert relationship: %w", err)
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	targets, ok := g.edges[source]
	if !ok {
		targets = make(map[string]Type)
		g.edges[source] = targets
	}
	targets[target] = typ
	return nil
}

func (g *Graph) checkTarget(requester, recipient string) error {
	if requester == recipient {
		return ErrSelf
	}
	if _, ok := g.users.User(recipient); !ok {
		return ErrUnknownUser
	}
	return nil
}
