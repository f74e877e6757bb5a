// Package presence keeps the in-memory view of accounts and room membership
// that realtime delivery reads from.
package presence

import (
	"context"
	"fmt"
	"sync"

	"realtime-gateway/internal/database"
)

// UserProfile is the public part of an account.
type UserProfile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// Cache holds every known user and the ordered member list of every room.
// Entries are only ever added.
type Cache struct {
	mutex   sync.RWMutex
	users   map[string]UserProfile
	rooms   map[string][]string
	members map[string]map[string]struct{}
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		users:   make(map[string]UserProfile),
		rooms:   make(map[string][]string),
		members: make(map[string]map[string]struct{}),
	}
}

// Load bulk-loads every account and membership from store.
func (c *Cache) Load(ctx context.Context, store database.Store) error {
	var (
		accounts    []database.Account
		memberships []database.Membership
	)
	err := store.Acquire(ctx, func(conn database.Conn) error {
		var err error
		if accounts, err = conn.ListUsers(ctx); err != nil {
			return err
		}
		memberships, err = conn.ListMemberships(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("load presence: %w", err)
	}

	for _, account := range accounts {
		c.AddUser(ProfileOf(account))
	}
	for _, m := range memberships {
		c.AddMember(m.RoomID, m.UserID)
	}
	return nil
}

// ProfileOf projects an account onto its public profile.
func ProfileOf(account database.Account) UserProfile {
	return UserProfile{ID: account.ID, Username: account.Username, Name: account.Name}
}

// AddUser inserts or replaces a profile.
func (c *Cache) AddUser(profile UserProfile) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.users[profile.ID] = profile
}

// AddMember appends userID to the room's member list. Repeats are ignored.
func (c *Cache) AddMember(roomID, userID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	set, ok := c.members[roomID]
	if !ok {
		set = make(map[string]struct{})
		c.members[roomID] = set
	}
	if _, exists := set[userID]; exists {
		return
	}
	set[userID] = struct{}{}
	c.rooms[roomID] = append(c.rooms[roomID], userID)
}

// User returns the profile for id.
func (c *Cache) User(id string) (UserProfile, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	profile, ok := c.users[id]
	return profile, ok
}

// RoomMembers returns a copy of the room's members in join order.
func (c *Cache) RoomMembers(roomID string) []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return append([]string(nil), c.rooms[roomID]...)
}

// IsMember reports whether userID belongs to roomID.
func (c *Cache) IsMember(roomID, userID string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	_, ok := c.members[roomID][userID]
	return ok
}

// HasRoom reports whether the room has any cached members.
func (c *Cache) HasRoom(roomID string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	_, ok := c.rooms[roomID]
	return ok
}
