package database

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises every Conn operation. Ids are random so the
// suite can run repeatedly against a persistent database.
func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	id := func() string { return uuid.NewString() }

	alice := Account{ID: id(), Username: "alice-" + id()[:8], Name: "Alice", CreatedAt: now}
	bob := Account{ID: id(), Username: "bob-" + id()[:8], Name: "Bob", CreatedAt: now}

	err := store.Acquire(ctx, func(conn Conn) error {
		require.NoError(t, conn.CreateAccount(ctx, alice))
		require.NoError(t, conn.CreateAccount(ctx, bob))

		dup := bob
		dup.ID = id()
		assert.ErrorIs(t, conn.CreateAccount(ctx, dup), ErrDuplicate)

		users, err := conn.ListUsers(ctx)
		require.NoError(t, err)
		ids := make(map[string]bool)
		for _, u := range users {
			ids[u.ID] = true
		}
		assert.True(t, ids[alice.ID])
		assert.True(t, ids[bob.ID])

		populated, err := conn.HasUsers(ctx)
		require.NoError(t, err)
		assert.True(t, populated)
		return nil
	})
	require.NoError(t, err)

	t.Run("relationships", func(t *testing.T) {
		err := store.Acquire(ctx, func(conn Conn) error {
			rel := Relationship{Type: RelationshipFriend, UserID: alice.ID, RecipientID: bob.ID}
			require.NoError(t, conn.InsertRelationship(ctx, rel))
			assert.ErrorIs(t, conn.InsertRelationship(ctx, rel), ErrDuplicate)
			require.NoError(t, conn.InsertRelationship(ctx, Relationship{
				Type: RelationshipBlock, UserID: bob.ID, RecipientID: alice.ID,
			}))

			rels, err := conn.ListRelationships(ctx)
			require.NoError(t, err)
			assert.Contains(t, rels, rel)

			typ, found, err := conn.DeleteRelationship(ctx, bob.ID, alice.ID)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, RelationshipBlock, typ)

			_, found, err = conn.DeleteRelationship(ctx, bob.ID, alice.ID)
			require.NoError(t, err)
			assert.False(t, found)
			return nil
		})
		require.NoError(t, err)
	})

	room := Room{ID: id(), Name: "general", Description: "talk", OwnerID: alice.ID, CreatedAt: now}

	t.Run("rooms and members", func(t *testing.T) {
		err := store.Acquire(ctx, func(conn Conn) error {
			require.NoError(t, conn.CreateRoom(ctx, room))
			require.NoError(t, conn.AddMember(ctx, Membership{RoomID: room.ID, UserID: alice.ID, PermissionLevel: PermissionAdmin, JoinedAt: now}))
			require.NoError(t, conn.AddMember(ctx, Membership{RoomID: room.ID, UserID: bob.ID, JoinedAt: now}))
			assert.ErrorIs(t, conn.AddMember(ctx, Membership{RoomID: room.ID, UserID: bob.ID, JoinedAt: now}), ErrDuplicate)
			assert.ErrorIs(t, conn.AddMember(ctx, Membership{RoomID: id(), UserID: bob.ID, JoinedAt: now}), ErrNotFound)

			members, err := conn.ListMemberships(ctx)
			require.NoError(t, err)
			var inRoom []string
			for _, m := range members {
				if m.RoomID == room.ID {
					inRoom = append(inRoom, m.UserID)
				}
			}
			assert.Equal(t, []string{alice.ID, bob.ID}, inRoom)

			got, last, err := conn.GetRoom(ctx, room.ID)
			require.NoError(t, err)
			assert.Equal(t, room.Name, got.Name)
			assert.Nil(t, last)

			_, _, err = conn.GetRoom(ctx, id())
			assert.ErrorIs(t, err, ErrNotFound)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("messages", func(t *testing.T) {
		err := store.Acquire(ctx, func(conn Conn) error {
			first := Message{ID: id(), Content: "hi", RoomID: room.ID, AuthorID: alice.ID, CreatedAt: now}
			second := Message{ID: id(), Content: "hello", RoomID: room.ID, AuthorID: bob.ID, CreatedAt: now.Add(time.Second)}
			require.NoError(t, conn.InsertMessage(ctx, first))
			require.NoError(t, conn.InsertMessage(ctx, second))

			_, last, err := conn.GetRoom(ctx, room.ID)
			require.NoError(t, err)
			require.NotNil(t, last)
			assert.Equal(t, second.ID, last.ID)

			got, err := conn.GetMessage(ctx, first.ID)
			require.NoError(t, err)
			assert.Equal(t, "hi", got.Content)

			_, err = conn.GetMessage(ctx, id())
			assert.ErrorIs(t, err, ErrNotFound)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("links", func(t *testing.T) {
		err := store.Acquire(ctx, func(conn Conn) error {
			link := Link{ID: id(), Type: LinkTypeRoom, EntityID: room.ID, UserID: alice.ID, MaxUses: 1, CreatedAt: now}
			require.NoError(t, conn.CreateLink(ctx, link))

			exists, err := conn.LinkExists(ctx, link.ID)
			require.NoError(t, err)
			assert.True(t, exists)

			got, err := conn.GetLink(ctx, link.ID, now)
			require.NoError(t, err)
			assert.Equal(t, room.ID, got.EntityID)

			require.NoError(t, conn.UseLink(ctx, link.ID))
			assert.ErrorIs(t, conn.UseLink(ctx, link.ID), ErrNotFound, "no uses left")
			_, err = conn.GetLink(ctx, link.ID, now)
			assert.ErrorIs(t, err, ErrNotFound)

			exists, err = conn.LinkExists(ctx, link.ID)
			require.NoError(t, err)
			assert.False(t, exists, "used-up link is deleted")

			expiry := now.Add(time.Minute)
			expiring := Link{ID: id(), Type: LinkTypeRoom, EntityID: room.ID, UserID: alice.ID, ExpiresAt: &expiry, CreatedAt: now}
			require.NoError(t, conn.CreateLink(ctx, expiring))
			_, err = conn.GetLink(ctx, expiring.ID, now)
			require.NoError(t, err)
			_, err = conn.GetLink(ctx, expiring.ID, now.Add(2*time.Minute))
			assert.ErrorIs(t, err, ErrNotFound)

			assert.ErrorIs(t, conn.UseLink(ctx, id()), ErrNotFound)
			return nil
		})
		require.NoError(t, err)
	})
}
