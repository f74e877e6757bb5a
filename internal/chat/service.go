// Package chat implements the account, room, invite link and message
// operations that feed events into realtime delivery.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"realtime-gateway/internal/database"
	"realtime-gateway/internal/presence"
	"realtime-gateway/internal/security"
	"realtime-gateway/internal/token"
)

// Events dispatched by the chat service.
const (
	EventRoomJoin = "ROOM_JOIN"
	EventMessage  = "MESSAGE"
)

var (
	// ErrNotFound hides rooms and messages the caller is not a member of.
	ErrNotFound = errors.New("not found")

	ErrUnknownUser    = errors.New("unknown user")
	ErrUsernameTaken  = errors.New("username already taken")
	ErrAlreadyMember  = errors.New("already a member of this room")
	ErrLinksExhausted = errors.New("could not allocate a link id")
)

// Notifier pushes events to connected users.
type Notifier interface {
	SendToUser(userID, event string, data any)
	SendToRoom(roomID, event string, data any)
}

// MessagePayload is the wire form of a message.
type MessagePayload struct {
	ID        string               `json:"id"`
	Content   string               `json:"content"`
	RoomID    string               `json:"room_id"`
	Author    presence.UserProfile `json:"author"`
	Type      int                  `json:"type"`
	CreatedAt time.Time            `json:"created_at"`
}

// RoomPayload is the wire form of a room, carried by ROOM_JOIN.
type RoomPayload struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	OwnerID     string          `json:"owner_id"`
	Type        int             `json:"type"`
	LastMessage *MessagePayload `json:"last_message"`
}

// Account is a freshly created account and its bearer token.
type Account struct {
	User  presence.UserProfile `json:"user"`
	Token string               `json:"token"`
}

// Service coordinates the store, the presence cache and event delivery.
type Service struct {
	// signup serializes account creation so only the first account is admin.
	signup sync.Mutex

	store     database.Store
	tokens    *token.Service
	cache     *presence.Cache
	notifier  Notifier
	validator *security.InputValidator
	clock     clock.Clock
	logger    *zap.Logger
}

// NewService creates a chat service. A nil clk uses the wall clock.
func NewService(store database.Store, tokens *token.Service, cache *presence.Cache, notifier Notifier, clk clock.Clock, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		tokens:    tokens,
		cache:     cache,
		notifier:  notifier,
		validator: security.NewInputValidator(),
		clock:     clk,
		logger:    logger,
	}
}

// CreateAccount registers a user and returns a token for it. name and email
// are optional. The first account in an empty store is an admin.
func (s *Service) CreateAccount(ctx context.Context, username, name, email string) (Account, error) {
	username, err := s.validator.ValidateUsername(username)
	if err != nil {
		return Account{}, err
	}
	if name != "" {
		if name, err = s.validator.ValidateName(name); err != nil {
			return Account{}, err
		}
	}
	if email != "" {
		if email, err = s.validator.ValidateEmail(email); err != nil {
			return Account{}, err
		}
	}

	account := database.Account{
		ID:              s.tokens.NewID(),
		Username:        username,
		Name:            name,
		Email:           email,
		PermissionLevel: database.PermissionUser,
		CreatedAt:       s.clock.Now().UTC(),
	}

	s.signup.Lock()
	err = s.store.Acquire(ctx, func(conn database.Conn) error {
		populated, err := conn.HasUsers(ctx)
		if err != nil {
			return err
		}
		if !populated {
			account.PermissionLevel = database.PermissionAdmin
		}
		return conn.CreateAccount(ctx, account)
	})
	s.signup.Unlock()
	if errors.Is(err, database.ErrDuplicate) {
		return Account{}, ErrUsernameTaken
	}
	if err != nil {
		return Account{}, fmt.Errorf("create account: %w", err)
	}

	profile := presence.ProfileOf(account)
	s.cache.AddUser(profile)

	signed, err := s.tokens.Sign(account.ID)
	if err != nil {
		return Account{}, err
	}

	s.logger.Info("account created",
		zap.String("user_id", account.ID),
		zap.String("username", account.Username),
		zap.Int("permission_level", account.PermissionLevel))
	return Account{User: profile, Token: signed}, nil
}

// CreateRoom creates a room owned by ownerID and joins the owner to it.
func (s *Service) CreateRoom(ctx context.Context, ownerID, name, description string) (RoomPayload, error) {
	if _, ok := s.cache.User(ownerID); !ok {
		return RoomPayload{}, ErrUnknownUser
	}
	name, err := s.validator.ValidateRoomName(name)
	if err != nil {
		return RoomPayload{}, err
	}
	if description, err = s.validator.ValidateDescription(description); err != nil {
		return RoomPayload{}, err
	}

	now := s.clock.Now().UTC()
	room := database.Room{
		ID:          s.tokens.NewID(),
		Name:        name,
		Description: description,
		OwnerID:     ownerID,
		CreatedAt:   now,
	}

	err = s.store.Acquire(ctx, func(conn database.Conn) error {
		if err := conn.CreateRoom(ctx, room); err != nil {
			return err
		}
		return conn.AddMember(ctx, database.Membership{
			RoomID:          room.ID,
			UserID:          ownerID,
			PermissionLevel: database.PermissionAdmin,
			JoinedAt:        now,
		})
	})
	if err != nil {
		return RoomPayload{}, fmt.Errorf("create room: %w", err)
	}

	s.cache.AddMember(room.ID, ownerID)
	payload := s.roomPayload(room, nil)
	s.notifier.SendToUser(ownerID, EventRoomJoin, payload)

	s.logger.Info("room created", zap.String("room_id", room.ID), zap.String("owner_id", ownerID))
	return payload, nil
}

// CreateRoomLink creates an invite link for roomID. maxAge of zero never
// expires and maxUses of zero is unlimited.
func (s *Service) CreateRoomLink(ctx context.Context, roomID, userID string, maxAge time.Duration, maxUses int) (database.Link, error) {
	if !s.cache.IsMember(roomID, userID) {
		return database.Link{}, ErrNotFound
	}
	if err := s.validator.ValidateLinkOptions(maxAge, maxUses); err != nil {
		return database.Link{}, err
	}

	now := s.clock.Now().UTC()
	link := database.Link{
		Type:      database.LinkTypeRoom,
		EntityID:  roomID,
		Public:    true,
		UserID:    userID,
		MaxUses:   maxUses,
		CreatedAt: now,
	}
	if maxAge > 0 {
		expires := now.Add(maxAge)
		link.ExpiresAt = &expires
	}

	err := s.store.Acquire(ctx, func(conn database.Conn) error {
		id, err := s.tokens.ProbeLinkID(ctx, conn.LinkExists)
		if err != nil {
			return err
		}
		link.ID = id
		return conn.CreateLink(ctx, link)
	})
	if errors.Is(err, token.ErrResourceExhausted) {
		return database.Link{}, ErrLinksExhausted
	}
	if err != nil {
		return database.Link{}, fmt.Errorf("create link: %w", err)
	}

	s.logger.Debug("room link created", zap.String("link_id", link.ID), zap.String("room_id", roomID))
	return link, nil
}

// JoinRoomByLink spends one use of linkID and adds userID to its room.
func (s *Service) JoinRoomByLink(ctx context.Context, linkID, userID string) (RoomPayload, error) {
	if _, ok := s.cache.User(userID); !ok {
		return RoomPayload{}, ErrUnknownUser
	}

	now := s.clock.Now().UTC()
	var (
		room database.Room
		last *database.Message
		dead bool
	)
	err := s.store.Acquire(ctx, func(conn database.Conn) error {
		link, err := conn.GetLink(ctx, linkID, now)
		if errors.Is(err, database.ErrNotFound) {
			// Commit the scope so a dead link stays deleted.
			dead = true
			return nil
		}
		if err != nil {
			return err
		}
		if link.Type != database.LinkTypeRoom {
			return database.ErrNotFound
		}
		if s.cache.IsMember(link.EntityID, userID) {
			return ErrAlreadyMember
		}
		if err := conn.UseLink(ctx, link.ID); err != nil {
			return err
		}
		err = conn.AddMember(ctx, database.Membership{
			RoomID:          link.EntityID,
			UserID:          userID,
			PermissionLevel: database.PermissionUser,
			JoinedAt:        now,
		})
		if errors.Is(err, database.ErrDuplicate) {
			return ErrAlreadyMember
		}
		if err != nil {
			return err
		}
		room, last, err = conn.GetRoom(ctx, link.EntityID)
		return err
	})
	switch {
	case dead, errors.Is(err, database.ErrNotFound):
		return RoomPayload{}, ErrNotFound
	case errors.Is(err, ErrAlreadyMember):
		return RoomPayload{}, ErrAlreadyMember
	case err != nil:
		return RoomPayload{}, fmt.Errorf("join room: %w", err)
	}

	s.cache.AddMember(room.ID, userID)
	payload := s.roomPayload(room, last)
	s.notifier.SendToUser(userID, EventRoomJoin, payload)

	s.logger.Info("user joined room", zap.String("room_id", room.ID), zap.String("user_id", userID))
	return payload, nil
}

// PostMessage stores a message from authorID and dispatches it to the room.
func (s *Service) PostMessage(ctx context.Context, roomID, authorID, content string) (MessagePayload, error) {
	if !s.cache.IsMember(roomID, authorID) {
		return MessagePayload{}, ErrNotFound
	}
	content, err := s.validator.ValidateMessage(content)
	if err != nil {
		return MessagePayload{}, err
	}

	msg := database.Message{
		ID:        s.tokens.NewID(),
		Content:   content,
		RoomID:    roomID,
		AuthorID:  authorID,
		CreatedAt: s.clock.Now().UTC(),
	}
	err = s.store.Acquire(ctx, func(conn database.Conn) error {
		return conn.InsertMessage(ctx, msg)
	})
	if err != nil {
		return MessagePayload{}, fmt.Errorf("post message: %w", err)
	}

	payload := s.messagePayload(msg)
	s.notifier.SendToRoom(roomID, EventMessage, payload)
	return payload, nil
}

// GetRoom returns a room the caller belongs to.
func (s *Service) GetRoom(ctx context.Context, roomID, userID string) (RoomPayload, error) {
	if !s.cache.IsMember(roomID, userID) {
		return RoomPayload{}, ErrNotFound
	}

	var (
		room database.Room
		last *database.Message
	)
	err := s.store.Acquire(ctx, func(conn database.Conn) error {
		var err error
		room, last, err = conn.GetRoom(ctx, roomID)
		return err
	})
	if errors.Is(err, database.ErrNotFound) {
		return RoomPayload{}, ErrNotFound
	}
	if err != nil {
		return RoomPayload{}, fmt.Errorf("get room: %w", err)
	}
	return s.roomPayload(room, last), nil
}

// GetMessage returns a message from a room the caller belongs to.
func (s *Service) GetMessage(ctx context.Context, messageID, userID string) (MessagePayload, error) {
	var msg database.Message
	err := s.store.Acquire(ctx, func(conn database.Conn) error {
		var err error
		msg, err = conn.GetMessage(ctx, messageID)
		return err
	})
	if errors.Is(err, database.ErrNotFound) {
		return MessagePayload{}, ErrNotFound
	}
	if err != nil {
		return MessagePayload{}, fmt.Errorf("get message: %w", err)
	}
	if !s.cache.IsMember(msg.RoomID, userID) {
		return MessagePayload{}, ErrNotFound
	}
	return s.messagePayload(msg), nil
}

func (s *Service) roomPayload(room database.Room, last *database.Message) RoomPayload {
	payload := RoomPayload{
		ID:          room.ID,
		Name:        room.Name,
		Description: room.Description,
		OwnerID:     room.OwnerID,
		Type:        room.Type,
	}
	if last != nil {
		msg := s.messagePayload(*last)
		payload.LastMessage = &msg
	}
	return payload
}

func (s *Service) messagePayload(msg database.Message) MessagePayload {
	author, ok := s.cache.User(msg.AuthorID)
	if !ok {
		author = presence.UserProfile{ID: msg.AuthorID}
	}
	return MessagePayload{
		ID:        msg.ID,
		Content:   msg.Content,
		RoomID:    msg.RoomID,
		Author:    author,
		Type:      msg.Type,
		CreatedAt: msg.CreatedAt,
	}
}
