package database

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres opens a pool, pings it and applies the schema.
func NewPostgres(ctx context.Context, url string, connectTimeout time.Duration, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("connected to postgres")
	return &Postgres{pool: pool, logger: logger}, nil
}

// Acquire runs fn in a transaction on a pooled connection. The transaction
// commits when fn returns nil and rolls back otherwise.
func (p *Postgres) Acquire(ctx context.Context, fn func(Conn) error) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(pgConn{tx})
	})
}

// Ping checks the pool can reach the server.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close closes every pooled connection.
func (p *Postgres) Close() error {
	p.pool.Close()
	p.logger.Info("disconnected from postgres")
	return nil
}

type pgConn struct {
	conn pgx.Tx
}

// insert runs a write under a savepoint so a constraint violation leaves
// the enclosing transaction usable.
func (c pgConn) insert(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := pgx.BeginFunc(ctx, c.conn, func(sp pgx.Tx) error {
		var err error
		tag, err = sp.Exec(ctx, sql, args...)
		return err
	})
	return tag, err
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		return ErrDuplicate
	default:
		return err
	}
}

func (c pgConn) CreateAccount(ctx context.Context, a Account) error {
	_, err := c.insert(ctx,
		`INSERT INTO users (id, username, name, email, permission_level, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Username, a.Name, a.Email, a.PermissionLevel, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create account: %w", mapPgError(err))
	}
	return nil
}

func (c pgConn) HasUsers(ctx context.Context) (bool, error) {
	var exists bool
	if err := c.conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users)`).Scan(&exists); err != nil {
		return false, fmt.Errorf("has users: %w", err)
	}
	return exists, nil
}

func (c pgConn) ListUsers(ctx context.Context) ([]Account, error) {
	rows, err := c.conn.Query(ctx,
		`SELECT id, username, name, email, permission_level, created_at FROM users`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Account, error) {
		var a Account
		err := row.Scan(&a.ID, &a.Username, &a.Name, &a.Email, &a.PermissionLevel, &a.CreatedAt)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (c pgConn) ListMemberships(ctx context.Context) ([]Membership, error) {
	rows, err := c.conn.Query(ctx,
		`SELECT room_id, user_id, permission_level, joined_at FROM room_members ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	members, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Membership, error) {
		var m Membership
		err := row.Scan(&m.RoomID, &m.UserID, &m.PermissionLevel, &m.JoinedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	return members, nil
}

func (c pgConn) ListRelationships(ctx context.Context) ([]Relationship, error) {
	rows, err := c.conn.Query(ctx, `SELECT type, user_id, recipient_id FROM relationships`)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	rels, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Relationship, error) {
		var r Relationship
		err := row.Scan(&r.Type, &r.UserID, &r.RecipientID)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	return rels, nil
}

func (c pgConn) InsertRelationship(ctx context.Context, r Relationship) error {
	_, err := c.insert(ctx,
		`INSERT INTO relationships (type, user_id, recipient_id) VALUES ($1, $2, $3)`,
		r.Type, r.UserID, r.RecipientID)
	if err != nil {
		return fmt.Errorf("insert relationship: %w", mapPgError(err))
	}
	return nil
}

func (c pgConn) DeleteRelationship(ctx context.Context, userID, recipientID string) (RelationshipType, bool, error) {
	var typ RelationshipType
	err := c.conn.QueryRow(ctx,
		`DELETE FROM relationships WHERE user_id = $1 AND recipient_id = $2 RETURNING type`,
		userID, recipientID).Scan(&typ)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("delete relationship: %w", err)
	}
	return typ, true, nil
}

func (c pgConn) CreateRoom(ctx context.Context, room Room) error {
	_, err := c.insert(ctx,
		`INSERT INTO rooms (id, name, description, owner_id, type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		room.ID, room.Name, room.Description, room.OwnerID, room.Type, room.CreatedAt)
	if err != nil {
		return fmt.Errorf("create room: %w", mapPgError(err))
	}
	return nil
}

func (c pgConn) AddMember(ctx context.Context, m Membership) error {
	tag, err := c.insert(ctx,
		`INSERT INTO room_members (user_id, room_id, permission_level, joined_at)
		 SELECT $1, id, $3, $4 FROM rooms WHERE id = $2`,
		m.UserID, m.RoomID, m.PermissionLevel, m.JoinedAt)
	if err != nil {
		return fmt.Errorf("add member: %w", mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("add member: %w", ErrNotFound)
	}
	return nil
}

func (c pgConn) GetRoom(ctx context.Context, id string) (Room, *Message, error) {
	var room Room
	err := c.conn.QueryRow(ctx,
		`SELECT id, name, description, owner_id, type, created_at FROM rooms WHERE id = $1`, id).
		Scan(&room.ID, &room.Name, &room.Description, &room.OwnerID, &room.Type, &room.CreatedAt)
	if err != nil {
		return Room{}, nil, fmt.Errorf("get room: %w", mapPgError(err))
	}

	var msg Message
	err = c.conn.QueryRow(ctx,
		`SELECT id, content, room_id, author_id, type, created_at FROM messages
		 WHERE room_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, id).
		Scan(&msg.ID, &msg.Content, &msg.RoomID, &msg.AuthorID, &msg.Type, &msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return room, nil, nil
	}
	if err != nil {
		return Room{}, nil, fmt.Errorf("get last message: %w", err)
	}
	return room, &msg, nil
}

func (c pgConn) LinkExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := c.conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM links WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("link exists: %w", err)
	}
	return exists, nil
}

func (c pgConn) CreateLink(ctx context.Context, l Link) error {
	_, err := c.insert(ctx,
		`INSERT INTO links (id, type, entity_id, uses, public, user_id, max_uses, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID, l.Type, l.EntityID, l.Uses, l.Public, l.UserID, l.MaxUses, l.ExpiresAt, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("create link: %w", mapPgError(err))
	}
	return nil
}

func (c pgConn) GetLink(ctx context.Context, id string, now time.Time) (Link, error) {
	var l Link
	err := c.conn.QueryRow(ctx,
		`SELECT id, type, entity_id, uses, public, user_id, max_uses, expires_at, created_at
		 FROM links WHERE id = $1`, id).
		Scan(&l.ID, &l.Type, &l.EntityID, &l.Uses, &l.Public, &l.UserID, &l.MaxUses, &l.ExpiresAt, &l.CreatedAt)
	if err != nil {
		return Link{}, fmt.Errorf("get link: %w", mapPgError(err))
	}

	if l.Dead(now) {
		if _, err := c.conn.Exec(ctx, `DELETE FROM links WHERE id = $1`, id); err != nil {
			return Link{}, fmt.Errorf("delete dead link: %w", err)
		}
		return Link{}, fmt.Errorf("get link: %w", ErrNotFound)
	}
	return l, nil
}

func (c pgConn) UseLink(ctx context.Context, id string) error {
	tag, err := c.conn.Exec(ctx,
		`UPDATE links SET uses = uses + 1 WHERE id = $1 AND (max_uses = 0 OR uses < max_uses)`, id)
	if err != nil {
		return fmt.Errorf("use link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("use link: %w", ErrNotFound)
	}
	return nil
}

func (c pgConn) InsertMessage(ctx context.Context, m Message) error {
	_, err := c.insert(ctx,
		`INSERT INTO messages (id, content, room_id, author_id, type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.Content, m.RoomID, m.AuthorID, m.Type, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", mapPgError(err))
	}
	return nil
}

func (c pgConn) GetMessage(ctx context.Context, id string) (Message, error) {
	var m Message
	err := c.conn.QueryRow(ctx,
		`SELECT id, content, room_id, author_id, type, created_at FROM messages WHERE id = $1`, id).
		Scan(&m.ID, &m.Content, &m.RoomID, &m.AuthorID, &m.Type, &m.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", mapPgError(err))
	}
	return m, nil
}
