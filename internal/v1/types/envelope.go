package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the uniform bus wire format. Data carries the type-specific
// payload; unknown fields in received envelopes are ignored.
type Envelope struct {
	GameID    string          `json:"gameId"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
	PlayerID  string          `json:"playerId,omitempty"`
	ChunkID   string          `json:"chunkId,omitempty"`
	// Origin identifies the publishing process so a subscriber can suppress
	// the echo of its own publishes. Not part of ordering or correctness.
	Origin string `json:"origin,omitempty"`
}

// CellChange is the unit of grid mutation carried in chunk updates.
type CellChange struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	OldValue any    `json:"oldValue,omitempty"`
	NewValue any    `json:"newValue"`
	PlayerID string `json:"playerId,omitempty"`
}

// ChunkUpdate is the chunk-scoped batch published on chunk channels.
// Sequence is monotonic per game per publishing process.
type ChunkUpdate struct {
	GameID    string       `json:"gameId"`
	ChunkID   string       `json:"chunkId"`
	Changes   []CellChange `json:"changes"`
	Timestamp string       `json:"timestamp"`
	Sequence  int64        `json:"sequence"`
}

// StateChangeData is the Data payload of a state-change envelope.
// RollbackPayload is only meaningful on the submitting process and is
// stripped before the envelope goes out on the bus.
type StateChangeData struct {
	UpdateID        string         `json:"updateId,omitempty"`
	Kind            string         `json:"kind,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	RollbackPayload map[string]any `json:"rollbackPayload,omitempty"`
	Optimistic      bool           `json:"optimistic,omitempty"`
}

// NowTimestamp renders the publisher wall-clock hint. Millisecond ISO-8601;
// used for logging and ordering hints only, never for correctness.
func NowTimestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ParseEnvelope decodes a raw bus frame once at ingress.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.GameID == "" {
		return Envelope{}, fmt.Errorf("envelope missing gameId")
	}
	switch env.Type {
	case EventMove, EventStateChange, EventPlayerEvent, EventChunkUpdate:
	default:
		return Envelope{}, fmt.Errorf("unknown envelope type %q", env.Type)
	}
	return env, nil
}

// DecodeChunkUpdate extracts the ChunkUpdate payload from a chunk-update
// envelope.
func (e Envelope) DecodeChunkUpdate() (ChunkUpdate, error) {
	if e.Type != EventChunkUpdate {
		return ChunkUpdate{}, fmt.Errorf("envelope type %q is not chunk-update", e.Type)
	}
	var cu ChunkUpdate
	if err := json.Unmarshal(e.Data, &cu); err != nil {
		return ChunkUpdate{}, fmt.Errorf("malformed chunk update: %w", err)
	}
	return cu, nil
}

// DecodeStateChange extracts the StateChangeData payload from a state-change
// envelope.
func (e Envelope) DecodeStateChange() (StateChangeData, error) {
	if e.Type != EventStateChange {
		return StateChangeData{}, fmt.Errorf("envelope type %q is not state-change", e.Type)
	}
	var sc StateChangeData
	if err := json.Unmarshal(e.Data, &sc); err != nil {
		return StateChangeData{}, fmt.Errorf("malformed state change: %w", err)
	}
	return sc, nil
}
