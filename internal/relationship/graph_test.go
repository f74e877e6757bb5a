package relationship

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-gateway/internal/database"
	"realtime-gateway/internal/presence"
)

type sentEvent struct {
	UserID string
	Event  string
	Data   any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

func (n *recordingNotifier) SendToUser(userID, event string, data any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sentEvent{UserID: userID, Event: event, Data: data})
}

func (n *recordingNotifier) take() []sentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.events
	n.events = nil
	return out
}

type failingStore struct {
	database.Store
	err error
}

func (s failingStore) Acquire(context.Context, func(database.Conn) error) error {
	return s.err
}

var (
	alice = presence.UserProfile{ID: "1", Username: "alice", Name: "Alice"}
	bob   = presence.UserProfile{ID: "2", Username: "bob", Name: "Bob"}
)

func newTestGraph(t *testing.T) (*Graph, *database.MemoryStore, *recordingNotifier) {
	t.Helper()
	users := presence.NewCache()
	users.AddUser(alice)
	users.AddUser(bob)

	store := database.NewMemoryStore()
	notifier := &recordingNotifier{}
	return NewGraph(store, users, notifier, nil), store, notifier
}

func TestRequestAndAccept(t *testing.T) {
	g, _, n := newTestGraph(t)
	ctx := context.Background()

	require.NoError(t, g.RequestFriend(ctx, alice.ID, bob.ID))
	assert.Equal(t, StatePendingOutgoing, g.State(alice.ID, bob.ID))
	assert.Equal(t, StatePendingIncoming, g.State(bob.ID, alice.ID))
	assert.Equal(t, []sentEvent{
		{UserID: bob.ID, Event: EventCreate, Data: CreatePayload{User: alice}},
	}, n.take())

	require.NoError(t, g.RequestFriend(ctx, bob.ID, alice.ID))
	assert.Equal(t, StateFriends, g.State(alice.ID, bob.ID))
	assert.Equal(t, StateFriends, g.State(bob.ID, alice.ID))
	assert.Equal(t, []sentEvent{
		{UserID: alice.ID, Event: EventCreate, Data: CreatePayload{User: bob}},
		{UserID: bob.ID, Event: EventCreate, Data: CreatePayload{User: alice}},
	}, n.take())
}

func TestRequestFriendConflict(t *testing.T) {
	g, _, n := newTestGraph(t)
	ctx := context.Background()

	require.NoError(t, g.RequestFriend(ctx, alice.ID, bob.ID))
	n.take()

	assert.ErrorIs(t, g.RequestFriend(ctx, alice.ID, bob.ID), ErrConflict)
	assert.Empty(t, n.take())
}

func TestRequestFriendForbiddenWhenBlocked(t *testing.T) {
	g, _, n := newTestGraph(t)
	ctx := context.Background()

	require.NoError(t, g.Block(ctx, bob.ID, alice.ID))
	assert.ErrorIs(t, g.RequestFriend(ctx, alice.ID, bob.ID), ErrForbidden)

	_, exists := g.Get(alice.ID, bob.ID)
	assert.False(t, exists)
	assert.Empty(t, n.take())
	assert.Equal(t, StateBlockedBy, g.State(alice.ID, bob.ID))
}

func TestBlockEndsFriendship(t *testing.T) {
	g, _, n := newTestGraph(t)
	ctx := context.Background()

	require.NoError(t, g.RequestFriend(ctx, alice.ID, bob.ID))
	require.NoError(t, g.RequestFriend(ctx, bob.ID, alice.ID))
	n.take()

	require.NoError(t, g.Block(ctx, alice.ID, bob.ID))

	edge, ok := g.Get(alice.ID, bob.ID)
	require.True(t, ok)
	assert.Equal(t, Block, edge.Type)
	_, ok = g.Get(bob.ID, alice.ID)
	assert.False(t, ok)

	assert.Equal(t, StateBlocked, g.State(alice.ID, bob.ID))
	assert.Equal(t, []sentEvent{
		{UserID: bob.ID, Event: EventRemove, Data: RemovePayload{UserID: alice.ID}},
		{UserID: alice.ID, Event: EventRemove, Data: RemovePayload{UserID: bob.ID}},
	}, n.take())

	assert.ErrorIs(t, g.Block(ctx, alice.ID, bob.ID), ErrConflict)
}

func TestBlockWithoutRelationshipIsSilent(t *testing.T) {
	g, _, n := newTestGraph(t)

	require.NoError(t, g.Block(context.Background(), alice.ID, bob.ID))
	assert.Equal(t, StateBlocked, g.State(alice.ID, bob.ID))
	assert.Empty(t, n.take())
}

func TestUnblockEmitsNothing(t *testing.T) {
	g, store, n := newTestGraph(t)
	ctx := context.Background()

	require.NoError(t, g.Block(ctx, alice.ID, bob.ID))
	require.NoError(t, g.Block(ctx, bob.ID, alice.ID))

	require.NoError(t, g.Remove(ctx, alice.ID, bob.ID))
	assert.Empty(t, n.take())
	assert.Equal(t, StateBlockedBy, g.State(alice.ID, bob.ID))

	rels, err := store.ListRelationships(ctx)
	require.NoError(t, err)
	assert.Equal(t, []database.Relationship{{Type: Block, UserID: bob.ID, RecipientID: alice.ID}}, rels)
}

func TestRemoveWithoutRelationshipStillNotifies(t *testing.T) {
	g, _, n := newTestGraph(t)

	require.NoError(t, g.Remove(context.Background(), alice.ID, bob.ID))
	assert.Equal(t, []sentEvent{
		{UserID: bob.ID, Event: EventRemove, Data: RemovePayload{UserID: alice.ID}},
		{UserID: alice.ID, Event: EventRemove, Data: RemovePayload{UserID: bob.ID}},
	}, n.take())
}

func TestRemoveWithoutEdgeLiftsTheirBlock(t *testing.T) {
	g, store, n := newTestGraph(t)
	ctx := context.Background()

	require.NoError(t, g.Block(ctx, bob.ID, alice.ID))
	require.NoError(t, g.Remove(ctx, alice.ID, bob.ID))

	assert.Equal(t, StateNone, g.State(alice.ID, bob.ID))
	assert.Empty(t, g.Edges(bob.ID))

	rels, err := store.ListRelationships(ctx)
	require.NoError(t, err)
	assert.Empty(t, rels)

	assert.Equal(t, []sentEvent{
		{UserID: bob.ID, Event: EventRemove, Data: RemovePayload{UserID: alice.ID}},
		{UserID: alice.ID, Event: EventRemove, Data: RemovePayload{UserID: bob.ID}},
	}, n.take())
}

func TestUnfriendDropsTheirBlock(t *testing.T) {
	g, store, _ := newTestGraph(t)
	ctx := context.Background()

	require.NoError(t, g.RequestFriend(ctx, alice.ID, bob.ID))
	require.NoError(t, g.Block(ctx, bob.ID, alice.ID))
	require.Equal(t, StateBlockedBy, g.State(alice.ID, bob.ID))

	require.NoError(t, g.Remove(ctx, alice.ID, bob.ID))
	assert.Equal(t, StateNone, g.State(alice.ID, bob.ID))

	rels, err := store.ListRelationships(ctx)
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestRemoveRejectsIncomingRequest(t *testing.T) {
	g, _, _ := newTestGraph(t)
	ctx := context.Background()

	require.NoError(t, g.RequestFriend(ctx, bob.ID, alice.ID))
	require.NoError(t, g.Remove(ctx, alice.ID, bob.ID))

	assert.Equal(t, StateNone, g.State(alice.ID, bob.ID))
}

func TestFriendshipRoundTrip(t *testing.T) {
	g, store, _ := newTestGraph(t)
	ctx := context.Background()

	require.NoError(t, g.RequestFriend(ctx, alice.ID, bob.ID))
	require.NoError(t, g.RequestFriend(ctx, bob.ID, alice.ID))
	require.NoError(t, g.Remove(ctx, alice.ID, bob.ID))

	assert.Equal(t, StateNone, g.State(alice.ID, bob.ID))
	assert.Empty(t, g.Edges(alice.ID))
	assert.Empty(t, g.Edges(bob.ID))

	rels, err := store.ListRelationships(ctx)
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestTargetChecks(t *testing.T) {
	g, _, _ := newTestGraph(t)
	ctx := context.Background()

	assert.ErrorIs(t, g.RequestFriend(ctx, alice.ID, alice.ID), ErrSelf)
	assert.ErrorIs(t, g.Block(ctx, alice.ID, alice.ID), ErrSelf)
	assert.ErrorIs(t, g.Remove(ctx, alice.ID, alice.ID), ErrSelf)
	assert.ErrorIs(t, g.RequestFriend(ctx, alice.ID, "999"), ErrUnknownUser)
	assert.ErrorIs(t, g.Block(ctx, alice.ID, "999"), ErrUnknownUser)
}

func TestStoreFailureLeavesCacheUntouched(t *testing.T) {
	users := presence.NewCache()
	users.AddUser(alice)
	users.AddUser(bob)
	boom := errors.New("store down")
	n := &recordingNotifier{}
	g := NewGraph(failingStore{err: boom}, users, n, nil)

	assert.ErrorIs(t, g.RequestFriend(context.Background(), alice.ID, bob.ID), boom)
	_, ok := g.Get(alice.ID, bob.ID)
	assert.False(t, ok)
	assert.Empty(t, n.take())
}

func TestLoadMirrorsStore(t *testing.T) {
	g, store, _ := newTestGraph(t)
	ctx := context.Background()

	require.NoError(t, store.InsertRelationship(ctx, database.Relationship{Type: Friend, UserID: alice.ID, RecipientID: bob.ID}))
	require.NoError(t, store.InsertRelationship(ctx, database.Relationship{Type: Block, UserID: bob.ID, RecipientID: alice.ID}))

	require.NoError(t, g.Load(ctx))

	assert.ElementsMatch(t, []Edge{{Type: Friend, Source: alice.ID, Target: bob.ID}}, g.Edges(alice.ID))
	assert.Equal(t, StateBlocked, g.State(bob.ID, alice.ID))
}

func TestCacheMatchesStoreAfterMutations(t *testing.T) {
	g, store, _ := newTestGraph(t)
	ctx := context.Background()

	require.NoError(t, g.RequestFriend(ctx, alice.ID, bob.ID))
	require.NoError(t, g.RequestFriend(ctx, bob.ID, alice.ID))
	require.NoError(t, g.Block(ctx, bob.ID, alice.ID))

	rels, err := store.ListRelationships(ctx)
	require.NoError(t, err)

	var cached []Edge
	cached = append(cached, g.Edges(alice.ID)...)
	cached = append(cached, g.Edges(bob.ID)...)

	persisted := make([]Edge, 0, len(rels))
	for _, rel := range rels {
		persisted = append(persisted, Edge{Type: rel.Type, Source: rel.UserID, Target: rel.RecipientID})
	}
	assert.ElementsMatch(t, persisted, cached)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "friends", StateFriends.String())
	assert.Equal(t, "unknown", State(42).String())
}
