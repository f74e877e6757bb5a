package database

import "time"

// RelationshipType is the kind of a directed relationship edge.
type RelationshipType int

const (
	RelationshipFriend RelationshipType = 0
	RelationshipBlock  RelationshipType = 1
)

// Permission levels for accounts and room members.
const (
	PermissionUser  = 0
	PermissionAdmin = 1
)

// LinkTypeRoom marks an invite link whose entity is a room.
const LinkTypeRoom = 0

// Account is a registered user.
type Account struct {
	ID              string    `bson:"_id" json:"id"`
	Username        string    `bson:"username" json:"username"`
	Name            string    `bson:"name" json:"name"`
	Email           string    `bson:"email" json:"email"`
	PermissionLevel int       `bson:"permission_level" json:"permission_level"`
	CreatedAt       time.Time `bson:"created_at" json:"created_at"`
}

// Membership places a user in a room. Listings return them in join order.
type Membership struct {
	RoomID          string    `bson:"room_id" json:"room_id"`
	UserID          string    `bson:"user_id" json:"user_id"`
	PermissionLevel int       `bson:"permission_level" json:"permission_level"`
	JoinedAt        time.Time `bson:"joined_at" json:"joined_at"`
}

// Relationship is a directed edge from UserID to RecipientID.
type Relationship struct {
	Type        RelationshipType `bson:"type" json:"type"`
	UserID      string           `bson:"user_id" json:"user_id"`
	RecipientID string           `bson:"recipient_id" json:"recipient_id"`
}

// Room is a chat room.
type Room struct {
	ID          string    `bson:"_id" json:"id"`
	Name        string    `bson:"name" json:"name"`
	Description string    `bson:"description" json:"description"`
	OwnerID     string    `bson:"owner_id" json:"owner_id"`
	Type        int       `bson:"type" json:"type"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
}

// Message is a message posted to a room.
type Message struct {
	ID        string    `bson:"_id" json:"id"`
	Content   string    `bson:"content" json:"content"`
	RoomID    string    `bson:"room_id" json:"room_id"`
	AuthorID  string    `bson:"author_id" json:"author_id"`
	Type      int       `bson:"type" json:"type"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// Link is an invite link. A zero MaxUses means unlimited and a nil
// ExpiresAt means it never expires.
type Link struct {
	ID        string     `bson:"_id" json:"id"`
	Type      int        `bson:"type" json:"type"`
	EntityID  string     `bson:"entity_id" json:"entity_id"`
	Uses      int        `bson:"uses" json:"uses"`
	Public    bool       `bson:"public" json:"public"`
	UserID    string     `bson:"user_id" json:"user_id"`
	MaxUses   int        `bson:"max_uses" json:"max_uses"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
}

// Dead reports whether the link can no longer be used at now.
func (l Link) Dead(now time.Time) bool {
	if l.ExpiresAt != nil && l.ExpiresAt.Before(now) {
		return true
	}
	return l.MaxUses > 0 && l.Uses >= l.MaxUses
}
