package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpixels/gridsync/internal/v1/bus"
	"github.com/openpixels/gridsync/internal/v1/session"
	"github.com/openpixels/gridsync/internal/v1/types"
)

// recordedEvent is one SendEvent call captured by a mock client.
type recordedEvent struct {
	Event   string
	Payload any
}

type mockClient struct {
	id       types.SessionIDType
	playerID types.PlayerIDType

	mu     sync.Mutex
	events []recordedEvent
}

func newMockClient(id, playerID string) *mockClient {
	return &mockClient{id: types.SessionIDType(id), playerID: types.PlayerIDType(playerID)}
}

func (m *mockClient) GetID() types.SessionIDType      { return m.id }
func (m *mockClient) GetPlayerID() types.PlayerIDType { return m.playerID }
func (m *mockClient) SendRaw(data []byte)             {}
func (m *mockClient) Disconnect()                     {}

func (m *mockClient) SendEvent(event string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, recordedEvent{Event: event, Payload: payload})
}

func (m *mockClient) eventsNamed(event string) []recordedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []recordedEvent
	for _, e := range m.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// newLocalRouter builds a hub+router pair with no broker.
func newLocalRouter(chunkSize int) (*session.Hub, *Router) {
	hub := session.NewHub(session.Options{})
	r := New(hub, nil, chunkSize)
	return hub, r
}

func connectAndJoin(t *testing.T, hub *session.Hub, client *mockClient, gameID string) {
	t.Helper()
	hub.OnConnect(client)
	require.NoError(t, hub.JoinGame(context.Background(), client, types.GameIDType(gameID), "territory"))
}

func viewportJSON(t *testing.T, gameID string, minX, maxX, minY, maxY float64) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"gameId": gameID,
		"minX":   minX, "maxX": maxX, "minY": minY, "maxY": maxY,
	})
	require.NoError(t, err)
	return data
}

func TestSubscribeToViewport_InitialSubscription(t *testing.T) {
	hub, r := newLocalRouter(64)
	alice := newMockClient("s-alice", "alice")
	connectAndJoin(t, hub, alice, "g1")

	err := r.SubscribeToViewport(context.Background(), alice, "g1", viewportJSON(t, "g1", 0, 127, 0, 63))
	require.NoError(t, err)

	assert.Equal(t, []string{"0,0", "1,0"}, hub.SessionChunks("s-alice", "g1"))

	confirms := alice.eventsNamed(types.EvtRegionSubscribed)
	require.Len(t, confirms, 1)
	payload := confirms[0].Payload.(map[string]any)
	assert.ElementsMatch(t, []string{"0,0", "1,0"}, payload["subscribed"])
	assert.Empty(t, payload["unsubscribed"])
}

func TestSubscribeToViewport_DiffOnMove(t *testing.T) {
	hub, r := newLocalRouter(64)
	alice := newMockClient("s-alice", "alice")
	connectAndJoin(t, hub, alice, "g1")

	ctx := context.Background()
	require.NoError(t, r.SubscribeToViewport(ctx, alice, "g1", viewportJSON(t, "g1", 0, 127, 0, 63)))
	require.NoError(t, r.SubscribeToViewport(ctx, alice, "g1", viewportJSON(t, "g1", 64, 191, 0, 63)))

	// Shifted one chunk right: keeps 1,0, drops 0,0, gains 2,0.
	assert.Equal(t, []string{"1,0", "2,0"}, hub.SessionChunks("s-alice", "g1"))

	confirms := alice.eventsNamed(types.EvtRegionSubscribed)
	require.Len(t, confirms, 2)
	payload := confirms[1].Payload.(map[string]any)
	assert.Equal(t, []string{"2,0"}, payload["subscribed"])
	assert.Equal(t, []string{"0,0"}, payload["unsubscribed"])
}

func TestSubscribeToViewport_SameViewportTwiceIsANoOp(t *testing.T) {
	hub, r := newLocalRouter(64)
	alice := newMockClient("s-alice", "alice")
	connectAndJoin(t, hub, alice, "g1")

	ctx := context.Background()
	vp := viewportJSON(t, "g1", 0, 127, 0, 63)
	require.NoError(t, r.SubscribeToViewport(ctx, alice, "g1", vp))
	before := hub.SessionChunks("s-alice", "g1")

	require.NoError(t, r.SubscribeToViewport(ctx, alice, "g1", vp))

	confirms := alice.eventsNamed(types.EvtRegionSubscribed)
	require.Len(t, confirms, 2)
	payload := confirms[1].Payload.(map[string]any)
	assert.Empty(t, payload["subscribed"])
	assert.Empty(t, payload["unsubscribed"])
	assert.Equal(t, before, hub.SessionChunks("s-alice", "g1"))
}

func TestSubscribeToViewport_NegativeCoordinates(t *testing.T) {
	hub, r := newLocalRouter(64)
	alice := newMockClient("s-alice", "alice")
	connectAndJoin(t, hub, alice, "g1")

	require.NoError(t, r.SubscribeToViewport(context.Background(), alice, "g1", viewportJSON(t, "g1", -1, 0, -1, 0)))

	assert.Equal(t, []string{"-1,-1", "-1,0", "0,-1", "0,0"}, hub.SessionChunks("s-alice", "g1"))
}

func TestSubscribeToViewport_InvertedViewportClearsAll(t *testing.T) {
	hub, r := newLocalRouter(64)
	alice := newMockClient("s-alice", "alice")
	connectAndJoin(t, hub, alice, "g1")

	ctx := context.Background()
	require.NoError(t, r.SubscribeToViewport(ctx, alice, "g1", viewportJSON(t, "g1", 0, 127, 0, 63)))
	require.NotEmpty(t, hub.SessionChunks("s-alice", "g1"))

	require.NoError(t, r.SubscribeToViewport(ctx, alice, "g1", viewportJSON(t, "g1", 500, -500, 500, -500)))
	assert.Empty(t, hub.SessionChunks("s-alice", "g1"))
}

func TestSubscribeToViewport_MalformedPayload(t *testing.T) {
	hub, r := newLocalRouter(64)
	alice := newMockClient("s-alice", "alice")
	connectAndJoin(t, hub, alice, "g1")

	err := r.SubscribeToViewport(context.Background(), alice, "g1", []byte("{oops"))
	assert.Error(t, err)
}

func TestPublishChunkUpdate_SequencesAreMonotonicPerGame(t *testing.T) {
	hub, r := newLocalRouter(64)
	alice := newMockClient("s-alice", "alice")
	connectAndJoin(t, hub, alice, "g1")

	ctx := context.Background()
	first, err := r.PublishChunkUpdate(ctx, "g1", []types.CellChange{
		{X: 3, Y: 4, NewValue: "a"},   // chunk 0,0
		{X: 100, Y: 4, NewValue: "b"}, // chunk 1,0
	})
	require.NoError(t, err)
	require.Len(t, first, 2)

	// One sequence number per batch, shared by every chunk it touches.
	assert.Equal(t, int64(1), first[0].Sequence)
	assert.Equal(t, int64(1), first[1].Sequence)

	second, err := r.PublishChunkUpdate(ctx, "g1", []types.CellChange{{X: 5, Y: 5, NewValue: "c"}})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, int64(2), second[0].Sequence)

	// A different game starts its own counter at 1.
	other, err := r.PublishChunkUpdate(ctx, "g2", []types.CellChange{{X: 0, Y: 0, NewValue: "d"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), other[0].Sequence)

	assert.Equal(t, int64(2), r.LastSequence("g1"))
}

func TestPublishChunkUpdate_GroupsChangesByChunk(t *testing.T) {
	_, r := newLocalRouter(64)

	updates, err := r.PublishChunkUpdate(context.Background(), "g1", []types.CellChange{
		{X: 0, Y: 0, NewValue: 1},
		{X: 63, Y: 63, NewValue: 2},
		{X: 64, Y: 0, NewValue: 3},
		{X: -1, Y: 0, NewValue: 4},
	})
	require.NoError(t, err)
	require.Len(t, updates, 3)

	byChunk := make(map[string]int)
	for _, u := range updates {
		byChunk[u.ChunkID] = len(u.Changes)
		assert.Equal(t, int64(1), u.Sequence, "all groups of one batch share its sequence")
	}
	assert.Equal(t, map[string]int{"0,0": 2, "1,0": 1, "-1,0": 1}, byChunk)
}

func TestPublishChunkUpdate_DeliversToLocalSubscribersOnly(t *testing.T) {
	hub, r := newLocalRouter(64)
	alice := newMockClient("s-alice", "alice")
	bob := newMockClient("s-bob", "bob")
	connectAndJoin(t, hub, alice, "g1")
	connectAndJoin(t, hub, bob, "g1")

	ctx := context.Background()
	require.NoError(t, hub.SubscribeChunk(ctx, alice, "g1", "0,0"))
	require.NoError(t, hub.SubscribeChunk(ctx, bob, "g1", "5,5"))

	_, err := r.PublishChunkUpdate(ctx, "g1", []types.CellChange{{X: 1, Y: 1, NewValue: "x"}})
	require.NoError(t, err)

	got := alice.eventsNamed(types.EvtChunkUpdated)
	require.Len(t, got, 1)
	update := got[0].Payload.(types.ChunkUpdate)
	assert.Equal(t, "0,0", update.ChunkID)
	assert.Equal(t, int64(1), update.Sequence)

	assert.Empty(t, bob.eventsNamed(types.EvtChunkUpdated))
}

func TestPublishChunkUpdate_EmptyChangesIsNoOp(t *testing.T) {
	_, r := newLocalRouter(64)
	updates, err := r.PublishChunkUpdate(context.Background(), "g1", nil)
	assert.NoError(t, err)
	assert.Empty(t, updates)
}

func newBusService(t *testing.T, mr *miniredis.Miniredis) *bus.Service {
	t.Helper()
	svc, err := bus.NewService("redis://"+mr.Addr(), "")
	require.NoError(t, err)
	return svc
}

func TestCrossProcessChunkDelivery(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	busA := newBusService(t, mr)
	defer busA.Close()
	busB := newBusService(t, mr)
	defer busB.Close()

	hubA := session.NewHub(session.Options{})
	routerA := New(hubA, busA, 64)
	defer routerA.Close()

	hubB := session.NewHub(session.Options{})
	routerB := New(hubB, busB, 64)
	defer routerB.Close()

	ctx := context.Background()

	// A session on process B watches chunk 0,0.
	bob := newMockClient("s-bob", "bob")
	connectAndJoin(t, hubB, bob, "g1")
	require.NoError(t, hubB.SubscribeChunk(ctx, bob, "g1", "0,0"))
	time.Sleep(100 * time.Millisecond) // Allow the pattern subscription to establish

	// Process A publishes an update for that chunk.
	_, err = routerA.PublishChunkUpdate(ctx, "g1", []types.CellChange{{X: 1, Y: 1, NewValue: "paint"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(bob.eventsNamed(types.EvtChunkUpdated)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	update := bob.eventsNamed(types.EvtChunkUpdated)[0].Payload.(types.ChunkUpdate)
	assert.Equal(t, "0,0", update.ChunkID)
	require.Len(t, update.Changes, 1)
	assert.Equal(t, "paint", update.Changes[0].NewValue)
}

func TestOwnPublishIsNotDeliveredTwice(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	svc := newBusService(t, mr)
	defer svc.Close()

	hub := session.NewHub(session.Options{})
	r := New(hub, svc, 64)
	defer r.Close()

	ctx := context.Background()
	alice := newMockClient("s-alice", "alice")
	connectAndJoin(t, hub, alice, "g1")
	require.NoError(t, hub.SubscribeChunk(ctx, alice, "g1", "0,0"))
	time.Sleep(100 * time.Millisecond)

	_, err = r.PublishChunkUpdate(ctx, "g1", []types.CellChange{{X: 1, Y: 1, NewValue: "x"}})
	require.NoError(t, err)

	// The local fan-out delivered it once; the broker echo must be dropped.
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, alice.eventsNamed(types.EvtChunkUpdated), 1)
}

func TestPublishChunkUpdate_BrokerDownStillDeliversLocally(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc := newBusService(t, mr)
	defer svc.Close()

	hub := session.NewHub(session.Options{})
	r := New(hub, svc, 64)
	defer r.Close()

	ctx := context.Background()
	alice := newMockClient("s-alice", "alice")
	connectAndJoin(t, hub, alice, "g1")
	require.NoError(t, hub.SubscribeChunk(ctx, alice, "g1", "0,0"))

	mr.Close()

	_, err = r.PublishChunkUpdate(ctx, "g1", []types.CellChange{{X: 1, Y: 1, NewValue: "x"}})
	assert.Error(t, err, "broker publish should fail")

	assert.Len(t, alice.eventsNamed(types.EvtChunkUpdated), 1, "local subscribers still get the update")
}

func TestSyncGameChunks_MirrorsActiveChunkSet(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	svc := newBusService(t, mr)
	defer svc.Close()

	hub := session.NewHub(session.Options{})
	r := New(hub, svc, 64)
	defer r.Close()

	ctx := context.Background()
	alice := newMockClient("s-alice", "alice")
	connectAndJoin(t, hub, alice, "g1")

	require.NoError(t, hub.SubscribeChunk(ctx, alice, "g1", "0,0"))
	require.NoError(t, hub.SubscribeChunk(ctx, alice, "g1", "1,0"))

	active, err := svc.GetActiveChunks(ctx, "g1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"0,0", "1,0"}, active)

	require.NoError(t, hub.LeaveGame(ctx, alice, "g1"))

	active, err = svc.GetActiveChunks(ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, active)
}
