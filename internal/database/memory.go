package database

import (
	"context"
	"sync"
	"time"
)

type edgeKey struct {
	userID      string
	recipientID string
}

// MemoryStore implements Store using in-memory storage
type MemoryStore struct {
	mutex sync.RWMutex

	accounts   map[string]Account
	usernames  map[string]string
	members    []Membership
	joined     map[string]map[string]struct{}
	edges      map[edgeKey]RelationshipType
	rooms      map[string]Room
	messages   map[string]Message
	lastInRoom map[string]string
	links      map[string]Link
}

// NewMemoryStore creates a new empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]Account),
		usernames:  make(map[string]string),
		joined:     make(map[string]map[string]struct{}),
		edges:      make(map[edgeKey]RelationshipType),
		rooms:      make(map[string]Room),
		messages:   make(map[string]Message),
		lastInRoom: make(map[string]string),
		links:      make(map[string]Link),
	}
}

// Acquire runs fn with the store itself as the connection.
func (s *MemoryStore) Acquire(ctx context.Context, fn func(Conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(s)
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// CreateAccount stores a new account. Usernames are unique.
func (s *MemoryStore) CreateAccount(_ context.Context, account Account) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.accounts[account.ID]; exists {
		return ErrDuplicate
	}
	if _, taken := s.usernames[account.Username]; taken {
		return ErrDuplicate
	}

	s.accounts[account.ID] = account
	s.usernames[account.Username] = account.ID
	return nil
}

// HasUsers reports whether any account exists.
func (s *MemoryStore) HasUsers(context.Context) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.accounts) > 0, nil
}

// ListUsers returns every account.
func (s *MemoryStore) ListUsers(context.Context) ([]Account, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	users := make([]Account, 0, len(s.accounts))
	for _, account := range s.accounts {
		users = append(users, account)
	}
	return users, nil
}

// ListMemberships returns every membership in join order.
func (s *MemoryStore) ListMemberships(context.Context) ([]Membership, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return append([]Membership(nil), s.members...), nil
}

// ListRelationships returns every relationship edge.
func (s *MemoryStore) ListRelationships(context.Context) ([]Relationship, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rels := make([]Relationship, 0, len(s.edges))
	for key, typ := range s.edges {
		rels = append(rels, Relationship{Type: typ, UserID: key.userID, RecipientID: key.recipientID})
	}
	return rels, nil
}

// InsertRelationship stores a directed edge. Only one edge may exist per
// ordered pair.
func (s *MemoryStore) InsertRelationship(_ context.Context, rel Relationship) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := edgeKey{rel.UserID, rel.RecipientID}
	if _, exists := s.edges[key]; exists {
		return ErrDuplicate
	}
	s.edges[key] = rel.Type
	return nil
}

// DeleteRelationship removes a directed edge.
func (s *MemoryStore) DeleteRelationship(_ context.Context, userID, recipientID string) (RelationshipType, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	key := edgeKey{userID, recipientID}
	typ, exists := s.edges[key]
	if !exists {
		return 0, false, nil
	}
	delete(s.edges, key)
	return typ, true, nil
}

// CreateRoom stores a new room.
func (s *MemoryStore) CreateRoom(_ context.Context, room Room) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.rooms[room.ID]; exists {
		return ErrDuplicate
	}
	s.rooms[room.ID] = room
	return nil
}

// AddMember appends a membership. The room must exist.
func (s *MemoryStore) AddMember(_ context.Context, member Membership) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.rooms[member.RoomID]; !exists {
		return ErrNotFound
	}
	users, ok := s.joined[member.RoomID]
	if !ok {
		users = make(map[string]struct{})
		s.joined[member.RoomID] = users
	}
	if _, exists := users[member.UserID]; exists {
		return ErrDuplicate
	}

	users[member.UserID] = struct{}{}
	s.members = append(s.members, member)
	return nil
}

// GetRoom returns a room and its latest message.
func (s *MemoryStore) GetRoom(_ context.Context, id string) (Room, *Message, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	room, exists := s.rooms[id]
	if !exists {
		return Room{}, nil, ErrNotFound
	}

	var last *Message
	if msgID, ok := s.lastInRoom[id]; ok {
		msg := s.messages[msgID]
		last = &msg
	}
	return room, last, nil
}

// LinkExists reports whether a link id is taken.
func (s *MemoryStore) LinkExists(_ context.Context, id string) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	_, exists := s.links[id]
	return exists, nil
}

// CreateLink stores a new link.
func (s *MemoryStore) CreateLink(_ context.Context, link Link) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.links[link.ID]; exists {
		return ErrDuplicate
	}
	s.links[link.ID] = link
	return nil
}

// GetLink returns a live link, deleting it if it is dead.
func (s *MemoryStore) GetLink(_ context.Context, id string, now time.Time) (Link, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	link, exists := s.links[id]
	if !exists {
		return Link{}, ErrNotFound
	}
	if link.Dead(now) {
		delete(s.links, id)
		return Link{}, ErrNotFound
	}
	return link, nil
}

// UseLink increments a link's use count unless it is used up.
func (s *MemoryStore) UseLink(_ context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	link, exists := s.links[id]
	if !exists || (link.MaxUses > 0 && link.Uses >= link.MaxUses) {
		return ErrNotFound
	}
	link.Uses++
	s.links[id] = link
	return nil
}

// InsertMessage stores a message and marks it as the room's latest.
func (s *MemoryStore) InsertMessage(_ context.Context, msg Message) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return ErrDuplicate
	}
	s.messages[msg.ID] = msg

	if lastID, ok := s.lastInRoom[msg.RoomID]; !ok || !s.messages[lastID].CreatedAt.After(msg.CreatedAt) {
		s.lastInRoom[msg.RoomID] = msg.ID
	}
	return nil
}

// GetMessage returns a message by id.
func (s *MemoryStore) GetMessage(_ context.Context, id string) (Message, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	msg, exists := s.messages[id]
	if !exists {
		return Message{}, ErrNotFound
	}
	return msg, nil
}
