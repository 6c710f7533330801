package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openpixels/gridsync/internal/v1/grid"
	"github.com/openpixels/gridsync/internal/v1/logging"
	"github.com/openpixels/gridsync/internal/v1/metrics"
	"github.com/openpixels/gridsync/internal/v1/types"
)

// MoveForwarder propagates a validated move beyond this process. The hub has
// already fanned it out to the local game room when this runs.
type MoveForwarder func(ctx context.Context, client types.ClientInterface, gameID types.GameIDType, payload []byte) error

// StateChangeApplier takes over handling of game-state-change frames,
// typically the sync coordinator's optimistic-update pipeline.
type StateChangeApplier func(ctx context.Context, client types.ClientInterface, gameID types.GameIDType, payload []byte) error

// SetMoveForwarder wires cross-process move propagation.
func (h *Hub) SetMoveForwarder(fn MoveForwarder) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.onMove = fn
}

// SetStateChangeApplier wires state-change handling.
func (h *Hub) SetStateChangeApplier(fn StateChangeApplier) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.onStateChange = fn
}

func errNotInGame(gameID types.GameIDType) error {
	return fmt.Errorf("session is not a member of game %q", gameID)
}

// Inbound frame payloads.
type joinGamePayload struct {
	GameID   string `json:"gameId"`
	GameType string `json:"gameType"`
}

type gameRefPayload struct {
	GameID string `json:"gameId"`
}

type chunkRefPayload struct {
	GameID  string `json:"gameId"`
	ChunkID string `json:"chunkId"`
}

// route dispatches one inbound frame. Validation failures and handler errors
// go back to the originating session as error events; they never take the
// connection down.
func (h *Hub) route(ctx context.Context, client types.ClientInterface, frame Frame) {
	start := time.Now()
	defer func() {
		metrics.DispatchDuration.WithLabelValues(frame.Event).Observe(time.Since(start).Seconds())
	}()
	metrics.TransportEvents.WithLabelValues(frame.Event, "received").Inc()

	switch frame.Event {
	case types.EvtJoinGame:
		var p joinGamePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.GameID == "" {
			h.sendBadPayload(client, frame.Event)
			return
		}
		if err := h.JoinGame(ctx, client, types.GameIDType(p.GameID), types.GameTypeType(p.GameType)); err != nil {
			logging.Warn(ctx, "join-game failed", zap.String("sessionId", string(client.GetID())), zap.Error(err))
		}

	case types.EvtLeaveGame:
		var p gameRefPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.GameID == "" {
			h.sendBadPayload(client, frame.Event)
			return
		}
		_ = h.LeaveGame(ctx, client, types.GameIDType(p.GameID))

	case types.EvtSubscribeChunk:
		h.handleChunkSub(ctx, client, frame, h.SubscribeChunk)

	case types.EvtUnsubscribeChunk:
		h.handleChunkSub(ctx, client, frame, h.UnsubscribeChunk)

	case types.EvtSubscribeRegion:
		var p gameRefPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.GameID == "" {
			h.sendBadPayload(client, frame.Event)
			return
		}
		gameID := types.GameIDType(p.GameID)
		if !h.isInGame(client.GetID(), gameID) {
			h.sendNotInGame(client, gameID)
			return
		}
		h.listenersMu.RLock()
		onViewport := h.onViewport
		h.listenersMu.RUnlock()
		if onViewport == nil {
			client.SendEvent(types.EvtError, types.ErrorPayload{Type: types.ErrTypeUnknownEvent, Message: "region subscriptions not enabled"})
			return
		}
		if err := onViewport(ctx, client, gameID, frame.Payload); err != nil {
			client.SendEvent(types.EvtError, types.ErrorPayload{Type: types.ErrTypeBadPayload, Message: err.Error()})
		}

	case types.EvtGameMove:
		h.handleMove(ctx, client, frame)

	case types.EvtGameStateChange:
		h.handleStateChange(ctx, client, frame)

	default:
		h.handleCustomEvent(ctx, client, frame)
	}
}

func (h *Hub) handleChunkSub(ctx context.Context, client types.ClientInterface, frame Frame,
	op func(context.Context, types.ClientInterface, types.GameIDType, string) error) {

	var p chunkRefPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.GameID == "" || p.ChunkID == "" {
		h.sendBadPayload(client, frame.Event)
		return
	}
	if _, err := grid.ParseChunkID(p.ChunkID); err != nil {
		h.sendBadPayload(client, frame.Event)
		return
	}

	if err := op(ctx, client, types.GameIDType(p.GameID), p.ChunkID); err != nil {
		if err == types.ErrSessionClosed {
			return
		}
		h.sendNotInGame(client, types.GameIDType(p.GameID))
	}
}

// handleMove rebroadcasts a move to the rest of the game room and hands it to
// the configured forwarder for cross-process delivery.
func (h *Hub) handleMove(ctx context.Context, client types.ClientInterface, frame Frame) {
	var p gameRefPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.GameID == "" {
		h.sendBadPayload(client, frame.Event)
		return
	}
	gameID := types.GameIDType(p.GameID)
	if !h.isInGame(client.GetID(), gameID) {
		h.sendNotInGame(client, gameID)
		return
	}

	h.BroadcastToGame(gameID, types.EvtMoveMade, map[string]any{
		"gameId":   p.GameID,
		"playerId": string(client.GetPlayerID()),
		"data":     json.RawMessage(frame.Payload),
	}, client.GetID())

	h.listenersMu.RLock()
	onMove := h.onMove
	h.listenersMu.RUnlock()
	if onMove != nil {
		if err := onMove(ctx, client, gameID, frame.Payload); err != nil {
			logging.Error(ctx, "move forwarding failed",
				zap.String("gameId", p.GameID), zap.Error(err))
			client.SendEvent(types.EvtError, types.ErrorPayload{Type: types.ErrTypeBusUnavailable, Message: "move not propagated to other servers"})
		}
	}
}

// handleStateChange delegates to the configured applier; without one, the
// change is only echoed to the rest of the local game room.
func (h *Hub) handleStateChange(ctx context.Context, client types.ClientInterface, frame Frame) {
	var p gameRefPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.GameID == "" {
		h.sendBadPayload(client, frame.Event)
		return
	}
	gameID := types.GameIDType(p.GameID)
	if !h.isInGame(client.GetID(), gameID) {
		h.sendNotInGame(client, gameID)
		return
	}

	h.listenersMu.RLock()
	onStateChange := h.onStateChange
	h.listenersMu.RUnlock()

	if onStateChange != nil {
		if err := onStateChange(ctx, client, gameID, frame.Payload); err != nil {
			client.SendEvent(types.EvtError, types.ErrorPayload{Type: types.ErrTypeHandlerFailed, Message: err.Error()})
		}
		return
	}

	h.BroadcastToGame(gameID, types.EvtStateUpdated, map[string]any{
		"gameId":   p.GameID,
		"playerId": string(client.GetPlayerID()),
		"data":     json.RawMessage(frame.Payload),
	}, client.GetID())
}

// handleCustomEvent forwards any unreserved event name to the game-type
// handler, as long as the payload names a game the session is in.
func (h *Hub) handleCustomEvent(ctx context.Context, client types.ClientInterface, frame Frame) {
	var p gameRefPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.GameID == "" {
		client.SendEvent(types.EvtError, types.ErrorPayload{Type: types.ErrTypeUnknownEvent, Message: "unknown event: " + frame.Event})
		return
	}
	gameID := types.GameIDType(p.GameID)
	if !h.isInGame(client.GetID(), gameID) {
		h.sendNotInGame(client, gameID)
		return
	}

	handler := h.handlerForGame(gameID)
	if handler == nil {
		client.SendEvent(types.EvtError, types.ErrorPayload{Type: types.ErrTypeUnknownEvent, Message: "unknown event: " + frame.Event})
		return
	}
	if err := handler.OnCustomEvent(ctx, gameID, client, frame.Event, frame.Payload); err != nil {
		logging.Error(ctx, "custom event handler failed",
			zap.String("event", frame.Event), zap.String("gameId", p.GameID), zap.Error(err))
		client.SendEvent(types.EvtError, types.ErrorPayload{Type: types.ErrTypeHandlerFailed, Message: err.Error()})
	}
}

func (h *Hub) isInGame(sessionID types.SessionIDType, gameID types.GameIDType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.sessions[sessionID]
	if !ok {
		return false
	}
	_, member := st.games[gameID]
	return member
}

func (h *Hub) sendBadPayload(client types.ClientInterface, event string) {
	client.SendEvent(types.EvtError, types.ErrorPayload{Type: types.ErrTypeBadPayload, Message: "invalid payload for " + event})
}

func (h *Hub) sendNotInGame(client types.ClientInterface, gameID types.GameIDType) {
	client.SendEvent(types.EvtError, types.ErrorPayload{Type: types.ErrTypeNotInGame, Message: "join game " + string(gameID) + " first"})
}
