package types

import (
	"context"
	"errors"
)

// --- Core Domain Types ---

// GameIDType represents an opaque identifier for one game instance.
type GameIDType string

// SessionIDType represents a unique identifier for a connected client session.
type SessionIDType string

// PlayerIDType represents the identity of the player behind a session.
type PlayerIDType string

// GameTypeType names a registered game-rule module (e.g. "territory", "life").
type GameTypeType string

// EventType discriminates bus envelopes.
type EventType string

// Bus envelope types.
const (
	EventMove        EventType = "move"
	EventStateChange EventType = "state-change"
	EventPlayerEvent EventType = "player-event"
	EventChunkUpdate EventType = "chunk-update"
)

// Outbound transport event names reserved by the core.
const (
	EvtConnected          = "connected"
	EvtDisconnected       = "disconnected"
	EvtError              = "error"
	EvtPlayerConnected    = "player-connected"
	EvtPlayerDisconnected = "player-disconnected"
	EvtPlayerJoined       = "player-joined"
	EvtPlayerLeft         = "player-left"
	EvtMoveMade           = "move-made"
	EvtStateUpdated       = "state-updated"
	EvtChunkUpdated       = "chunk-updated"
	EvtRegionSubscribed   = "region-subscribed"
	EvtUpdateAcked        = "update-acked"
	EvtUpdateRejected     = "update-rejected"
	EvtUpdateTimeout      = "update-timeout"
)

// Inbound transport event names accepted by the Session Hub.
const (
	EvtJoinGame         = "join-game"
	EvtLeaveGame        = "leave-game"
	EvtSubscribeChunk   = "subscribe-chunk"
	EvtUnsubscribeChunk = "unsubscribe-chunk"
	EvtGameMove         = "game-move"
	EvtGameStateChange  = "game-state-change"
	EvtSubscribeRegion  = "subscribe-region"
)

// ErrorPayload is the machine-readable error surface returned to a session.
type ErrorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Validation error tags used in ErrorPayload.Type.
const (
	ErrTypeNotInGame      = "not-in-game"
	ErrTypeBadPayload     = "bad-payload"
	ErrTypeHandlerFailed  = "handler-failed"
	ErrTypeUnknownEvent   = "unknown-event"
	ErrTypeRateLimited    = "rate-limited"
	ErrTypeBusUnavailable = "bus-unavailable"
)

// ErrSessionClosed is returned when an operation targets a session that has
// already gone through disconnect cleanup.
var ErrSessionClosed = errors.New("session closed")

// --- Shared Interfaces ---

// ClientInterface defines the behavior the hub, router and coordinator need
// from a connected session without depending on the transport package.
type ClientInterface interface {
	GetID() SessionIDType
	GetPlayerID() PlayerIDType
	// SendEvent marshals and queues an {event, payload} frame. It never
	// blocks; frames to a slow or closed session are dropped.
	SendEvent(event string, payload any)
	SendRaw(data []byte)
	Disconnect()
}

// GameHandler receives game-type specific callbacks from the Session Hub.
// Any callback may return an error; the hub logs it and reports it to the
// originating session only.
type GameHandler interface {
	OnPlayerJoined(ctx context.Context, gameID GameIDType, client ClientInterface) error
	OnPlayerLeft(ctx context.Context, gameID GameIDType, client ClientInterface) error
	OnCustomEvent(ctx context.Context, gameID GameIDType, client ClientInterface, event string, payload []byte) error
}
