package sync

import (
	"time"

	"github.com/openpixels/gridsync/internal/v1/types"
)

// Conflict resolution policies.
const (
	PolicyServerWins = "server-wins"
	PolicyClientWins = "client-wins"
	PolicyMerge      = "merge"
	PolicyCustom     = "custom"
)

// PendingUpdate is an optimistic update applied by a client but not yet
// confirmed by the authority. A timed-out update stays in the pending list
// until it is acknowledged, rolled back, or discarded by the per-game cap.
type PendingUpdate struct {
	UpdateID  string
	GameID    types.GameIDType
	SessionID types.SessionIDType
	PlayerID  types.PlayerIDType
	Data      types.StateChangeData
	CreatedAt time.Time
	TimedOut  bool
}

// ConflictDetector decides whether an authoritative update contradicts a
// pending optimistic one.
type ConflictDetector func(pending PendingUpdate, incomingPlayer types.PlayerIDType, incoming types.StateChangeData) bool

// DefaultConflictDetector flags a conflict when another player's
// authoritative update touches the same kind of state as the pending one.
// A player's own authoritative update is its confirmation, not a conflict.
func DefaultConflictDetector(pending PendingUpdate, incomingPlayer types.PlayerIDType, incoming types.StateChangeData) bool {
	return pending.Data.Kind == incoming.Kind && pending.PlayerID != incomingPlayer
}

// Resolution is the outcome of resolving one conflict under the custom
// policy. When KeepPending is false the pending update is rejected; a
// non-nil MergedPayload replaces the authoritative payload that gets
// applied and broadcast.
type Resolution struct {
	KeepPending   bool
	MergedPayload map[string]any
}

// Resolver implements the custom conflict policy.
type Resolver func(pending PendingUpdate, incomingPlayer types.PlayerIDType, incoming types.StateChangeData) Resolution

// Merger combines an overlay of changed fields into a base state. The
// default is a shallow field-wise merge; games with nested state can inject
// their own.
type Merger func(base, overlay map[string]any) map[string]any

// mergePayloads is the default Merger: a shallow merge where overlay keys
// win on collision.
func mergePayloads(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
