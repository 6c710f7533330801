package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpixels/gridsync/internal/v1/types"
)

// recordedEvent is one SendEvent call captured by a mock client.
type recordedEvent struct {
	Event   string
	Payload any
}

// mockClient implements types.ClientInterface and records everything sent
// to it.
type mockClient struct {
	id       types.SessionIDType
	playerID types.PlayerIDType

	mu           sync.Mutex
	events       []recordedEvent
	disconnected bool
}

func newMockClient(id, playerID string) *mockClient {
	return &mockClient{id: types.SessionIDType(id), playerID: types.PlayerIDType(playerID)}
}

func (m *mockClient) GetID() types.SessionIDType      { return m.id }
func (m *mockClient) GetPlayerID() types.PlayerIDType { return m.playerID }

func (m *mockClient) SendEvent(event string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, recordedEvent{Event: event, Payload: payload})
}

func (m *mockClient) SendRaw(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, recordedEvent{Event: frame.Event, Payload: frame.Payload})
}

func (m *mockClient) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
}

func (m *mockClient) recorded() []recordedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]recordedEvent, len(m.events))
	copy(out, m.events)
	return out
}

// eventsNamed filters the recorded events by name.
func (m *mockClient) eventsNamed(event string) []recordedEvent {
	var out []recordedEvent
	for _, e := range m.recorded() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func newTestHub() *Hub {
	return NewHub(Options{})
}

// join is a test helper that connects and joins in one step.
func join(t *testing.T, h *Hub, client *mockClient, gameID string) {
	t.Helper()
	require.NoError(t, h.JoinGame(context.Background(), client, types.GameIDType(gameID), "territory"))
}

func TestOnConnect_SendsConnectedEvent(t *testing.T) {
	h := newTestHub()
	c := newMockClient("s1", "p1")

	h.OnConnect(c)

	events := c.eventsNamed(types.EvtConnected)
	require.Len(t, events, 1)
	payload := events[0].Payload.(map[string]any)
	assert.Equal(t, "s1", payload["sessionId"])
	assert.Equal(t, "p1", payload["playerId"])
	assert.Equal(t, 1, h.SessionCount())
}

func TestJoinGame_NotifiesExistingMembersOnly(t *testing.T) {
	h := newTestHub()
	alice := newMockClient("s-alice", "alice")
	bob := newMockClient("s-bob", "bob")
	h.OnConnect(alice)
	h.OnConnect(bob)

	join(t, h, alice, "g1")
	join(t, h, bob, "g1")

	// Alice, already in the room, hears about bob.
	aliceNotices := alice.eventsNamed(types.EvtPlayerConnected)
	require.Len(t, aliceNotices, 1)
	payload := aliceNotices[0].Payload.(map[string]any)
	assert.Equal(t, "bob", payload["playerId"])
	assert.Equal(t, "g1", payload["gameId"])

	// Bob never receives a notice about his own join.
	assert.Empty(t, bob.eventsNamed(types.EvtPlayerConnected))
}

func TestJoinGame_RejoinDoesNotDuplicateNotice(t *testing.T) {
	h := newTestHub()
	alice := newMockClient("s-alice", "alice")
	bob := newMockClient("s-bob", "bob")
	h.OnConnect(alice)
	h.OnConnect(bob)

	join(t, h, alice, "g1")
	join(t, h, bob, "g1")
	join(t, h, bob, "g1")

	assert.Len(t, alice.eventsNamed(types.EvtPlayerConnected), 1)
}

func TestJoinGame_UnknownSession(t *testing.T) {
	h := newTestHub()
	ghost := newMockClient("s-ghost", "ghost")

	err := h.JoinGame(context.Background(), ghost, "g1", "territory")
	assert.ErrorIs(t, err, types.ErrSessionClosed)
}

func TestLeaveGame_NotifiesRemainingMembers(t *testing.T) {
	h := newTestHub()
	alice := newMockClient("s-alice", "alice")
	bob := newMockClient("s-bob", "bob")
	h.OnConnect(alice)
	h.OnConnect(bob)
	join(t, h, alice, "g1")
	join(t, h, bob, "g1")

	require.NoError(t, h.LeaveGame(context.Background(), bob, "g1"))

	notices := alice.eventsNamed(types.EvtPlayerDisconnected)
	require.Len(t, notices, 1)
	payload := notices[0].Payload.(map[string]any)
	assert.Equal(t, "bob", payload["playerId"])

	assert.Equal(t, []types.SessionIDType{"s-alice"}, h.GameMembers("g1"))
}

func TestLeaveGame_NotAMemberIsNoOp(t *testing.T) {
	h := newTestHub()
	alice := newMockClient("s-alice", "alice")
	h.OnConnect(alice)

	assert.NoError(t, h.LeaveGame(context.Background(), alice, "g1"))
	assert.Empty(t, alice.eventsNamed(types.EvtPlayerDisconnected))
}

func TestLeaveGame_RemovesChunkSubscriptions(t *testing.T) {
	h := newTestHub()
	alice := newMockClient("s-alice", "alice")
	h.OnConnect(alice)
	join(t, h, alice, "g1")

	ctx := context.Background()
	require.NoError(t, h.SubscribeChunk(ctx, alice, "g1", "0,0"))
	require.NoError(t, h.SubscribeChunk(ctx, alice, "g1", "1,0"))
	require.Equal(t, []string{"0,0", "1,0"}, h.SessionChunks("s-alice", "g1"))

	require.NoError(t, h.LeaveGame(ctx, alice, "g1"))

	assert.Empty(t, h.SessionChunks("s-alice", "g1"))
	assert.Empty(t, h.GameChunks("g1"))
}

func TestSubscribeChunk_RequiresGameMembership(t *testing.T) {
	h := newTestHub()
	alice := newMockClient("s-alice", "alice")
	h.OnConnect(alice)

	err := h.SubscribeChunk(context.Background(), alice, "g1", "0,0")
	assert.Error(t, err)
	assert.Empty(t, h.GameChunks("g1"))
}

func TestSubscribeChunk_Idempotent(t *testing.T) {
	h := newTestHub()
	alice := newMockClient("s-alice", "alice")
	h.OnConnect(alice)
	join(t, h, alice, "g1")

	ctx := context.Background()
	require.NoError(t, h.SubscribeChunk(ctx, alice, "g1", "2,3"))
	require.NoError(t, h.SubscribeChunk(ctx, alice, "g1", "2,3"))

	assert.Equal(t, []string{"2,3"}, h.SessionChunks("s-alice", "g1"))
}

func TestUnsubscribeChunk_NeverSubscribedIsNoOp(t *testing.T) {
	h := newTestHub()
	alice := newMockClient("s-alice", "alice")
	h.OnConnect(alice)
	join(t, h, alice, "g1")

	assert.NoError(t, h.UnsubscribeChunk(context.Background(), alice, "g1", "5,5"))
}

func TestBroadcastToChunk_OnlyReachesSubscribers(t *testing.T) {
	h := newTestHub()
	alice := newMockClient("s-alice", "alice")
	bob := newMockClient("s-bob", "bob")
	carol := newMockClient("s-carol", "carol")
	for _, c := range []*mockClient{alice, bob, carol} {
		h.OnConnect(c)
		join(t, h, c, "g1")
	}

	ctx := context.Background()
	require.NoError(t, h.SubscribeChunk(ctx, alice, "g1", "0,0"))
	require.NoError(t, h.SubscribeChunk(ctx, bob, "g1", "0,0"))
	require.NoError(t, h.SubscribeChunk(ctx, carol, "g1", "1,1"))

	h.BroadcastToChunk("g1", "0,0", types.EvtChunkUpdated, map[string]any{"chunkId": "0,0"}, "")

	assert.Len(t, alice.eventsNamed(types.EvtChunkUpdated), 1)
	assert.Len(t, bob.eventsNamed(types.EvtChunkUpdated), 1)
	assert.Empty(t, carol.eventsNamed(types.EvtChunkUpdated), "carol watches a different chunk")
}

func TestBroadcastToGame_ExcludesSender(t *testing.T) {
	h := newTestHub()
	alice := newMockClient("s-alice", "alice")
	bob := newMockClient("s-bob", "bob")
	h.OnConnect(alice)
	h.OnConnect(bob)
	join(t, h, alice, "g1")
	join(t, h, bob, "g1")

	h.BroadcastToGame("g1", types.EvtMoveMade, map[string]any{"move": "x"}, "s-alice")

	assert.Empty(t, alice.eventsNamed(types.EvtMoveMade))
	assert.Len(t, bob.eventsNamed(types.EvtMoveMade), 1)
}

func TestSendToSession(t *testing.T) {
	h := newTestHub()
	alice := newMockClient("s-alice", "alice")
	h.OnConnect(alice)

	require.NoError(t, h.SendToSession("s-alice", "custom", "hello"))
	assert.Len(t, alice.eventsNamed("custom"), 1)

	assert.ErrorIs(t, h.SendToSession("s-missing", "custom", "hello"), types.ErrSessionClosed)
}

func TestGameChunks_UnionAcrossSessions(t *testing.T) {
	h := newTestHub()
	alice := newMockClient("s-alice", "alice")
	bob := newMockClient("s-bob", "bob")
	h.OnConnect(alice)
	h.OnConnect(bob)
	join(t, h, alice, "g1")
	join(t, h, bob, "g1")

	ctx := context.Background()
	require.NoError(t, h.SubscribeChunk(ctx, alice, "g1", "0,0"))
	require.NoError(t, h.SubscribeChunk(ctx, alice, "g1", "1,0"))
	require.NoError(t, h.SubscribeChunk(ctx, bob, "g1", "1,0"))
	require.NoError(t, h.SubscribeChunk(ctx, bob, "g1", "2,0"))

	assert.Equal(t, []string{"0,0", "1,0", "2,0"}, h.GameChunks("g1"))
}

func TestHandleDisconnect_CleansUpAndNotifies(t *testing.T) {
	h := newTestHub()
	alice := newMockClient("s-alice", "alice")
	bob := newMockClient("s-bob", "bob")
	h.OnConnect(alice)
	h.OnConnect(bob)
	join(t, h, alice, "g1")
	join(t, h, bob, "g1")
	require.NoError(t, h.SubscribeChunk(context.Background(), bob, "g1", "0,0"))

	var (
		mu           sync.Mutex
		gotSessionID types.SessionIDType
		gotPlayerID  types.PlayerIDType
		gotGames     []types.GameIDType
	)
	h.OnDisconnect(func(sessionID types.SessionIDType, playerID types.PlayerIDType, games []types.GameIDType) {
		mu.Lock()
		defer mu.Unlock()
		gotSessionID, gotPlayerID, gotGames = sessionID, playerID, games
	})

	h.handleDisconnect(bob)

	mu.Lock()
	assert.Equal(t, types.SessionIDType("s-bob"), gotSessionID)
	assert.Equal(t, types.PlayerIDType("bob"), gotPlayerID)
	assert.Equal(t, []types.GameIDType{"g1"}, gotGames)
	mu.Unlock()

	assert.Len(t, alice.eventsNamed(types.EvtPlayerDisconnected), 1)
	assert.True(t, bob.disconnected)
	assert.Equal(t, 1, h.SessionCount())
	assert.Empty(t, h.GameChunks("g1"))
}

func TestHandleDisconnect_Idempotent(t *testing.T) {
	h := newTestHub()
	alice := newMockClient("s-alice", "alice")
	bob := newMockClient("s-bob", "bob")
	h.OnConnect(alice)
	h.OnConnect(bob)
	join(t, h, alice, "g1")
	join(t, h, bob, "g1")

	h.handleDisconnect(bob)
	h.handleDisconnect(bob)

	assert.Len(t, alice.eventsNamed(types.EvtPlayerDisconnected), 1)
}

func TestHandleDisconnect_LastMemberTearsDownRoom(t *testing.T) {
	h := newTestHub()
	alice := newMockClient("s-alice", "alice")
	h.OnConnect(alice)
	join(t, h, alice, "g1")

	h.handleDisconnect(alice)

	assert.Empty(t, h.GameMembers("g1"))
	h.mu.Lock()
	_, roomExists := h.gameRooms["g1"]
	_, typeExists := h.gameTypes["g1"]
	h.mu.Unlock()
	assert.False(t, roomExists)
	assert.False(t, typeExists)
}

func TestShutdown_DisconnectsAllSessions(t *testing.T) {
	h := newTestHub()
	alice := newMockClient("s-alice", "alice")
	bob := newMockClient("s-bob", "bob")
	h.OnConnect(alice)
	h.OnConnect(bob)

	require.NoError(t, h.Shutdown(context.Background()))

	for _, c := range []*mockClient{alice, bob} {
		assert.Len(t, c.eventsNamed(types.EvtDisconnected), 1)
		assert.True(t, c.disconnected)
	}
}

func TestGetAllowedOriginsFromEnv(t *testing.T) {
	t.Setenv("TEST_ORIGINS", "http://a.example, https://b.example ,")
	got := GetAllowedOriginsFromEnv("TEST_ORIGINS", []string{"http://fallback"})
	assert.Equal(t, []string{"http://a.example", "https://b.example"}, got)

	t.Setenv("TEST_ORIGINS", "")
	got = GetAllowedOriginsFromEnv("TEST_ORIGINS", []string{"http://fallback"})
	assert.Equal(t, []string{"http://fallback"}, got)
}
