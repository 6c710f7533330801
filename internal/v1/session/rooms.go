package session

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/openpixels/gridsync/internal/v1/logging"
	"github.com/openpixels/gridsync/internal/v1/metrics"
	"github.com/openpixels/gridsync/internal/v1/types"
)

// JoinGame adds the session to a game room, creating the room on first join.
// Everyone already in the room learns about the new player; the joining
// session itself gets its confirmation through the player-joined callback
// path, not through the broadcast.
func (h *Hub) JoinGame(ctx context.Context, client types.ClientInterface, gameID types.GameIDType, gameType types.GameTypeType) error {
	sessionID := client.GetID()

	h.mu.Lock()
	st, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return types.ErrSessionClosed
	}

	room, exists := h.gameRooms[gameID]
	if !exists {
		room = make(map[types.SessionIDType]types.ClientInterface)
		h.gameRooms[gameID] = room
		h.gameTypes[gameID] = gameType
		metrics.ActiveGames.Inc()
	}

	_, already := room[sessionID]
	room[sessionID] = client
	st.games[gameID] = struct{}{}

	others := h.roomSnapshotLocked(room, sessionID)
	memberCount := len(room)
	h.mu.Unlock()

	if !already {
		metrics.GameMembers.WithLabelValues(string(gameID)).Set(float64(memberCount))

		payload := map[string]any{
			"gameId":   string(gameID),
			"playerId": string(client.GetPlayerID()),
		}
		for _, peer := range others {
			peer.SendEvent(types.EvtPlayerConnected, payload)
		}

		logging.Info(ctx, "Session joined game",
			zap.String("sessionId", string(sessionID)),
			zap.String("gameId", string(gameID)),
			zap.Int("members", memberCount))
	}

	if handler := h.handlerForGame(gameID); handler != nil {
		if err := handler.OnPlayerJoined(ctx, gameID, client); err != nil {
			logging.Error(ctx, "Game handler rejected join",
				zap.String("gameId", string(gameID)), zap.Error(err))
			client.SendEvent(types.EvtError, types.ErrorPayload{Type: types.ErrTypeHandlerFailed, Message: err.Error()})
		}
	}
	return nil
}

// LeaveGame removes the session from a game room and from every chunk
// sub-room of that game. The last member out tears the room down.
func (h *Hub) LeaveGame(ctx context.Context, client types.ClientInterface, gameID types.GameIDType) error {
	sessionID := client.GetID()

	h.mu.Lock()
	st, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return types.ErrSessionClosed
	}
	if _, member := st.games[gameID]; !member {
		h.mu.Unlock()
		return nil
	}

	gameType := h.gameTypes[gameID]
	others, memberCount := h.removeFromGameLocked(st, gameID)
	h.mu.Unlock()

	h.notifyChunkChange(gameID)
	metrics.GameMembers.WithLabelValues(string(gameID)).Set(float64(memberCount))

	payload := map[string]any{
		"gameId":   string(gameID),
		"playerId": string(client.GetPlayerID()),
	}
	for _, peer := range others {
		peer.SendEvent(types.EvtPlayerDisconnected, payload)
	}

	logging.Info(ctx, "Session left game",
		zap.String("sessionId", string(sessionID)),
		zap.String("gameId", string(gameID)),
		zap.Int("members", memberCount))

	if handler := h.handlerForType(gameType); handler != nil {
		if err := handler.OnPlayerLeft(ctx, gameID, client); err != nil {
			logging.Error(ctx, "Game handler OnPlayerLeft failed",
				zap.String("gameId", string(gameID)), zap.Error(err))
		}
	}
	return nil
}

// removeFromGameLocked strips one session out of a game room and all of its
// chunk sub-rooms. Returns the remaining members and their count. Caller
// holds h.mu.
func (h *Hub) removeFromGameLocked(st *sessionState, gameID types.GameIDType) ([]types.ClientInterface, int) {
	sessionID := st.client.GetID()
	delete(st.games, gameID)

	for key := range st.chunks {
		if key.game != gameID {
			continue
		}
		delete(st.chunks, key)
		if room, ok := h.chunkRooms[key]; ok {
			delete(room, sessionID)
			if len(room) == 0 {
				delete(h.chunkRooms, key)
			}
			metrics.ChunkSubscriptions.Dec()
		}
	}

	room, ok := h.gameRooms[gameID]
	if !ok {
		return nil, 0
	}
	delete(room, sessionID)
	if len(room) == 0 {
		delete(h.gameRooms, gameID)
		delete(h.gameTypes, gameID)
		metrics.ActiveGames.Dec()
		return nil, 0
	}
	return h.roomSnapshotLocked(room, sessionID), len(room)
}

// SubscribeChunk adds the session to one chunk sub-room. Requires game
// membership; subscribing twice is a no-op.
func (h *Hub) SubscribeChunk(ctx context.Context, client types.ClientInterface, gameID types.GameIDType, chunkID string) error {
	sessionID := client.GetID()
	key := chunkRoomKey{game: gameID, chunk: chunkID}

	h.mu.Lock()
	st, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return types.ErrSessionClosed
	}
	if _, member := st.games[gameID]; !member {
		h.mu.Unlock()
		return errNotInGame(gameID)
	}
	if _, already := st.chunks[key]; already {
		h.mu.Unlock()
		return nil
	}

	room, exists := h.chunkRooms[key]
	if !exists {
		room = make(map[types.SessionIDType]types.ClientInterface)
		h.chunkRooms[key] = room
	}
	room[sessionID] = client
	st.chunks[key] = struct{}{}
	h.mu.Unlock()

	metrics.ChunkSubscriptions.Inc()
	h.notifyChunkChange(gameID)
	return nil
}

// UnsubscribeChunk removes the session from one chunk sub-room. Unsubscribing
// from a chunk the session never subscribed to is a no-op.
func (h *Hub) UnsubscribeChunk(ctx context.Context, client types.ClientInterface, gameID types.GameIDType, chunkID string) error {
	sessionID := client.GetID()
	key := chunkRoomKey{game: gameID, chunk: chunkID}

	h.mu.Lock()
	st, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return types.ErrSessionClosed
	}
	if _, subscribed := st.chunks[key]; !subscribed {
		h.mu.Unlock()
		return nil
	}

	delete(st.chunks, key)
	if room, ok := h.chunkRooms[key]; ok {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(h.chunkRooms, key)
		}
	}
	h.mu.Unlock()

	metrics.ChunkSubscriptions.Dec()
	h.notifyChunkChange(gameID)
	return nil
}

// BroadcastToGame sends an event to every member of a game room, optionally
// excluding one session (typically the originator).
func (h *Hub) BroadcastToGame(gameID types.GameIDType, event string, payload any, exclude types.SessionIDType) {
	h.mu.Lock()
	targets := h.roomSnapshotLocked(h.gameRooms[gameID], exclude)
	h.mu.Unlock()

	for _, client := range targets {
		client.SendEvent(event, payload)
	}
}

// BroadcastToChunk sends an event only to sessions subscribed to the given
// chunk sub-room.
func (h *Hub) BroadcastToChunk(gameID types.GameIDType, chunkID string, event string, payload any, exclude types.SessionIDType) {
	key := chunkRoomKey{game: gameID, chunk: chunkID}

	h.mu.Lock()
	targets := h.roomSnapshotLocked(h.chunkRooms[key], exclude)
	h.mu.Unlock()

	for _, client := range targets {
		client.SendEvent(event, payload)
	}
}

// SendToSession delivers an event to one session by id.
func (h *Hub) SendToSession(sessionID types.SessionIDType, event string, payload any) error {
	h.mu.Lock()
	st, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return types.ErrSessionClosed
	}
	st.client.SendEvent(event, payload)
	return nil
}

// SessionChunks returns the chunk ids the session is subscribed to within
// one game, sorted for deterministic output.
func (h *Hub) SessionChunks(sessionID types.SessionIDType, gameID types.GameIDType) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.sessions[sessionID]
	if !ok {
		return nil
	}
	chunks := make([]string, 0, len(st.chunks))
	for key := range st.chunks {
		if key.game == gameID {
			chunks = append(chunks, key.chunk)
		}
	}
	sort.Strings(chunks)
	return chunks
}

// GameChunks returns the union of chunk ids with at least one subscriber in
// the given game on this process.
func (h *Hub) GameChunks(gameID types.GameIDType) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var chunks []string
	for key := range h.chunkRooms {
		if key.game == gameID {
			chunks = append(chunks, key.chunk)
		}
	}
	sort.Strings(chunks)
	return chunks
}

// GameMembers returns the session ids currently in a game room.
func (h *Hub) GameMembers(gameID types.GameIDType) []types.SessionIDType {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.gameRooms[gameID]
	members := make([]types.SessionIDType, 0, len(room))
	for id := range room {
		members = append(members, id)
	}
	return members
}

// SessionCount returns the number of live sessions on this process.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// DisconnectSession forcibly disconnects a session by id, running the same
// cleanup as a dropped connection.
func (h *Hub) DisconnectSession(sessionID types.SessionIDType) error {
	h.mu.Lock()
	st, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return types.ErrSessionClosed
	}
	h.handleDisconnect(st.client)
	return nil
}

// handleDisconnect runs the full cleanup for a dropped session: membership
// removal, peer notification, game handler callbacks, then the registered
// disconnect listeners. Idempotent; the second call for a session finds no
// state and returns.
func (h *Hub) handleDisconnect(client types.ClientInterface) {
	sessionID := client.GetID()
	ctx := context.Background()

	h.mu.Lock()
	st, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, sessionID)

	games := make([]types.GameIDType, 0, len(st.games))
	for gameID := range st.games {
		games = append(games, gameID)
	}
	sort.Slice(games, func(i, j int) bool { return games[i] < games[j] })

	type roomNotice struct {
		gameID   types.GameIDType
		gameType types.GameTypeType
		peers    []types.ClientInterface
		members  int
	}
	notices := make([]roomNotice, 0, len(games))
	for _, gameID := range games {
		gameType := h.gameTypes[gameID]
		peers, members := h.removeFromGameLocked(st, gameID)
		notices = append(notices, roomNotice{gameID: gameID, gameType: gameType, peers: peers, members: members})
	}
	h.mu.Unlock()

	client.Disconnect()

	for _, gameID := range games {
		h.notifyChunkChange(gameID)
	}

	for _, n := range notices {
		metrics.GameMembers.WithLabelValues(string(n.gameID)).Set(float64(n.members))
		payload := map[string]any{
			"gameId":   string(n.gameID),
			"playerId": string(client.GetPlayerID()),
		}
		for _, peer := range n.peers {
			peer.SendEvent(types.EvtPlayerDisconnected, payload)
		}
		if handler := h.handlerForType(n.gameType); handler != nil {
			if err := handler.OnPlayerLeft(ctx, n.gameID, client); err != nil {
				logging.Error(ctx, "Game handler OnPlayerLeft failed on disconnect",
					zap.String("gameId", string(n.gameID)), zap.Error(err))
			}
		}
	}

	h.listenersMu.RLock()
	listeners := make([]DisconnectListener, len(h.listeners))
	copy(listeners, h.listeners)
	h.listenersMu.RUnlock()

	for _, l := range listeners {
		l(sessionID, client.GetPlayerID(), games)
	}

	logging.Info(ctx, "Session disconnected",
		zap.String("sessionId", string(sessionID)),
		zap.Int("games", len(games)))
}

// roomSnapshotLocked copies a room's members, skipping exclude. Caller holds
// h.mu; the copy lets sends happen outside the lock.
func (h *Hub) roomSnapshotLocked(room map[types.SessionIDType]types.ClientInterface, exclude types.SessionIDType) []types.ClientInterface {
	if len(room) == 0 {
		return nil
	}
	out := make([]types.ClientInterface, 0, len(room))
	for id, client := range room {
		if id == exclude {
			continue
		}
		out = append(out, client)
	}
	return out
}

// handlerForGame resolves the registered game handler for a game's type, or
// nil when none is registered.
func (h *Hub) handlerForGame(gameID types.GameIDType) types.GameHandler {
	h.mu.Lock()
	gameType, ok := h.gameTypes[gameID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return h.handlerForType(gameType)
}

func (h *Hub) handlerForType(gameType types.GameTypeType) types.GameHandler {
	h.handlersMu.RLock()
	defer h.handlersMu.RUnlock()
	return h.handlers[gameType]
}
