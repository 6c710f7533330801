// Package sync implements the sync coordinator: per-game state snapshots,
// optimistic updates with acknowledgement tracking, conflict resolution
// against authoritative updates, and cross-process propagation of moves and
// state changes over the bus.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openpixels/gridsync/internal/v1/bus"
	"github.com/openpixels/gridsync/internal/v1/logging"
	"github.com/openpixels/gridsync/internal/v1/metrics"
	"github.com/openpixels/gridsync/internal/v1/session"
	"github.com/openpixels/gridsync/internal/v1/types"
)

// Defaults applied by New when Options fields are zero.
const (
	DefaultAckTimeout = 5 * time.Second
	DefaultMaxPending = 100
)

// Options configures a Coordinator.
type Options struct {
	Policy            string
	AckTimeout        time.Duration
	MaxPending        int
	OptimisticEnabled bool
	StateTTL          time.Duration
	Detector          ConflictDetector
	Resolver          Resolver
	Merge             Merger
}

type pendingEntry struct {
	PendingUpdate
}

// Coordinator holds the last-known state snapshot per game, tracks pending
// optimistic updates, and reconciles them with authoritative updates under
// the configured conflict policy. An unacked update that times out stays
// pending with a warning; it is never rolled back automatically, since the
// authority may still confirm it later.
//
// Ack deadlines share one timer per game, re-armed for the earliest pending
// deadline, rather than one timer per update.
type Coordinator struct {
	hub  *session.Hub
	bus  *bus.Service
	opts Options

	mu        stdsync.Mutex
	byID      map[string]*pendingEntry
	byGame    map[types.GameIDType]map[string]*pendingEntry
	bySession map[types.SessionIDType]map[string]*pendingEntry
	states    map[types.GameIDType]map[string]any
	timers    map[types.GameIDType]*time.Timer

	sub *bus.Handle
}

// New wires a Coordinator into the hub's state-change and move paths and
// subscribes to the broker for updates from other processes.
func New(hub *session.Hub, busSvc *bus.Service, opts Options) *Coordinator {
	if opts.Policy == "" {
		opts.Policy = PolicyServerWins
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = bus.DefaultStateTTL
	}
	if opts.Detector == nil {
		opts.Detector = DefaultConflictDetector
	}
	if opts.Merge == nil {
		opts.Merge = mergePayloads
	}

	c := &Coordinator{
		hub:       hub,
		bus:       busSvc,
		opts:      opts,
		byID:      make(map[string]*pendingEntry),
		byGame:    make(map[types.GameIDType]map[string]*pendingEntry),
		bySession: make(map[types.SessionIDType]map[string]*pendingEntry),
		states:    make(map[types.GameIDType]map[string]any),
		timers:    make(map[types.GameIDType]*time.Timer),
	}

	hub.SetStateChangeApplier(c.applyFromClient)
	hub.SetMoveForwarder(c.forwardMove)
	hub.OnDisconnect(c.dropSession)
	c.sub = busSvc.SubscribeAllGames(context.Background(), c.onBusEnvelope)

	return c
}

// Close drops the broker subscription, stops every ack timer and clears the
// pending indexes.
func (c *Coordinator) Close() {
	c.sub.Close()

	c.mu.Lock()
	for gameID, t := range c.timers {
		t.Stop()
		delete(c.timers, gameID)
	}
	dropped := len(c.byID)
	c.byID = make(map[string]*pendingEntry)
	c.byGame = make(map[types.GameIDType]map[string]*pendingEntry)
	c.bySession = make(map[types.SessionIDType]map[string]*pendingEntry)
	c.mu.Unlock()

	metrics.PendingOptimisticUpdates.Sub(float64(dropped))
}

// newUpdateID mints a time-prefixed globally unique update id.
func newUpdateID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// applyFromClient handles game-state-change frames arriving over the
// transport.
func (c *Coordinator) applyFromClient(ctx context.Context, client types.ClientInterface, gameID types.GameIDType, payload []byte) error {
	var data types.StateChangeData
	if err := json.Unmarshal(payload, &data); err != nil {
		return fmt.Errorf("invalid state change payload: %w", err)
	}

	if data.Optimistic {
		_, _, err := c.ApplyOptimistic(ctx, client, gameID, data)
		return err
	}

	// Non-optimistic changes from a client are treated as authoritative input
	// and go through conflict resolution like any server update. The sender
	// already has the change; only the rest of the room hears about it.
	if err := c.applyServerUpdateExcluding(ctx, gameID, client.GetPlayerID(), data, client.GetID()); err != nil {
		return err
	}
	c.publishStateChange(ctx, client, gameID, client.GetPlayerID(), data)
	return nil
}

// ApplyOptimistic records a pending optimistic update, merges its payload
// into the local snapshot, fans it out to the rest of the game room, and
// publishes it for other processes. Returns the update id and whether the
// cross-process publish went out; a bus outage leaves the local application
// in place.
//
// When optimistic mode is disabled the update is published without local
// pre-application ("send and wait").
func (c *Coordinator) ApplyOptimistic(ctx context.Context, client types.ClientInterface, gameID types.GameIDType, data types.StateChangeData) (string, bool, error) {
	sessionID := client.GetID()

	if data.UpdateID == "" {
		data.UpdateID = newUpdateID()
	}
	data.Optimistic = true
	updateID := data.UpdateID

	if c.opts.OptimisticEnabled {
		c.mu.Lock()
		if _, dup := c.byID[updateID]; dup {
			c.mu.Unlock()
			return "", false, fmt.Errorf("duplicate update id %q", updateID)
		}

		// Beyond the per-game budget the oldest pending update is discarded
		// and can no longer be rolled back.
		var discarded []*pendingEntry
		for len(c.byGame[gameID]) >= c.opts.MaxPending {
			oldest := oldestLocked(c.byGame[gameID])
			c.removeLocked(oldest.UpdateID)
			discarded = append(discarded, oldest)
		}

		c.insertLocked(&pendingEntry{PendingUpdate: PendingUpdate{
			UpdateID:  updateID,
			GameID:    gameID,
			SessionID: sessionID,
			PlayerID:  client.GetPlayerID(),
			Data:      data,
			CreatedAt: time.Now(),
		}})
		c.states[gameID] = c.opts.Merge(c.states[gameID], data.Payload)
		c.scheduleLocked(gameID)
		c.mu.Unlock()

		metrics.PendingOptimisticUpdates.Inc()
		for _, entry := range discarded {
			metrics.PendingOptimisticUpdates.Dec()
			logging.Warn(ctx, "Pending update budget exceeded, discarding oldest",
				zap.String("gameId", string(gameID)), zap.String("updateId", entry.UpdateID))
			_ = c.hub.SendToSession(entry.SessionID, types.EvtUpdateRejected, map[string]any{
				"updateId": entry.UpdateID,
				"gameId":   string(entry.GameID),
				"reason":   "discarded",
			})
		}

		c.hub.BroadcastToGame(gameID, types.EvtStateUpdated,
			stateEventPayload(gameID, client.GetPlayerID(), data), sessionID)
	}

	data.RollbackPayload = nil
	if _, err := c.bus.PublishGame(ctx, string(gameID), types.EventStateChange, data, string(client.GetPlayerID())); err != nil {
		// The update is applied locally regardless; tell the session that
		// remote delivery failed and carry on. It is not replayed on
		// reconnect.
		logging.Error(ctx, "State change publish failed",
			zap.String("gameId", string(gameID)), zap.String("updateId", updateID), zap.Error(err))
		client.SendEvent(types.EvtError, types.ErrorPayload{
			Type:    types.ErrTypeBusUnavailable,
			Message: "update not propagated to other servers",
		})
		return updateID, false, nil
	}

	return updateID, true, nil
}

// Acknowledge confirms a pending update, cancelling its deadline. The
// originating session is told its update stands. A non-nil serverState that
// differs from the local snapshot triggers a conflict resolution pass before
// being merged in.
func (c *Coordinator) Acknowledge(ctx context.Context, gameID types.GameIDType, updateID string, serverState map[string]any) error {
	c.mu.Lock()
	entry, ok := c.byID[updateID]
	if !ok || entry.GameID != gameID {
		c.mu.Unlock()
		return fmt.Errorf("no pending update %q in game %q", updateID, gameID)
	}
	c.removeLocked(updateID)
	c.scheduleLocked(gameID)
	differs := serverState != nil && !sameState(c.states[gameID], serverState)
	c.mu.Unlock()

	metrics.PendingOptimisticUpdates.Dec()
	_ = c.hub.SendToSession(entry.SessionID, types.EvtUpdateAcked, map[string]any{
		"updateId": updateID,
		"gameId":   string(gameID),
	})

	if differs {
		resolved, err := c.resolveConflicts(gameID, entry.PlayerID, types.StateChangeData{Payload: serverState})
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.states[gameID] = c.opts.Merge(c.states[gameID], resolved)
		c.mu.Unlock()
	}
	return nil
}

// ApplyServerUpdate reconciles an authoritative update against the game's
// pending optimistic updates, merges the resolved payload into the snapshot,
// and broadcasts the outcome to the game room. An authoritative update
// carrying a pending update's id is that update's confirmation. The caller
// owns any cross-process publish; updates arriving from the bus must not be
// re-published.
func (c *Coordinator) ApplyServerUpdate(ctx context.Context, gameID types.GameIDType, playerID types.PlayerIDType, data types.StateChangeData) error {
	return c.applyServerUpdateExcluding(ctx, gameID, playerID, data, "")
}

// applyServerUpdateExcluding is ApplyServerUpdate with one session left out
// of the broadcast, used when the update originated from that session's own
// frame.
func (c *Coordinator) applyServerUpdateExcluding(ctx context.Context, gameID types.GameIDType, playerID types.PlayerIDType, data types.StateChangeData, exclude types.SessionIDType) error {
	if data.UpdateID != "" {
		c.mu.Lock()
		_, pending := c.byID[data.UpdateID]
		c.mu.Unlock()
		if pending {
			// Confirmation: ack and fall through so every subscriber sees the
			// authoritative version.
			_ = c.Acknowledge(ctx, gameID, data.UpdateID, nil)
		}
	}

	effective, err := c.resolveConflicts(gameID, playerID, data)
	if err != nil {
		return err
	}
	if len(effective) == 0 && len(data.Payload) > 0 {
		// Every field of the authoritative delta lost to a pending update
		// (client-wins); nothing to apply or announce.
		return nil
	}

	c.mu.Lock()
	c.states[gameID] = c.opts.Merge(c.states[gameID], effective)
	c.mu.Unlock()

	out := data
	out.Payload = effective
	out.Optimistic = false
	out.RollbackPayload = nil
	c.hub.BroadcastToGame(gameID, types.EvtStateUpdated, stateEventPayload(gameID, playerID, out), exclude)
	return nil
}

// resolveConflicts runs the conflict policy over the game's pending updates
// and returns the authoritative payload that survives resolution. Pending
// updates are rejected or acknowledged per policy as a side effect.
func (c *Coordinator) resolveConflicts(gameID types.GameIDType, playerID types.PlayerIDType, data types.StateChangeData) (map[string]any, error) {
	c.mu.Lock()
	var conflicts []*pendingEntry
	for _, entry := range c.byGame[gameID] {
		if c.opts.Detector(entry.PendingUpdate, playerID, data) {
			conflicts = append(conflicts, entry)
		}
	}
	c.mu.Unlock()
	sortEntries(conflicts)

	effective := make(map[string]any, len(data.Payload))
	for k, v := range data.Payload {
		effective[k] = v
	}

	ctx := context.Background()
	for _, entry := range conflicts {
		switch c.opts.Policy {
		case PolicyServerWins:
			c.reject(entry, "conflict")

		case PolicyClientWins:
			// The server's delta loses field-wise against the pending update,
			// which stays pending awaiting its own acknowledgement.
			for k := range entry.Data.Payload {
				delete(effective, k)
			}

		case PolicyMerge:
			effective = mergePayloads(entry.Data.Payload, effective)
			_ = c.Acknowledge(ctx, gameID, entry.UpdateID, nil)

		case PolicyCustom:
			if c.opts.Resolver == nil {
				return nil, fmt.Errorf("conflict policy %q requires a resolver", PolicyCustom)
			}
			res := c.opts.Resolver(entry.PendingUpdate, playerID, data)
			if !res.KeepPending {
				c.reject(entry, "conflict")
			}
			if res.MergedPayload != nil {
				effective = res.MergedPayload
			}

		default:
			return nil, fmt.Errorf("unknown conflict policy %q", c.opts.Policy)
		}
		metrics.ConflictsResolved.WithLabelValues(c.opts.Policy).Inc()
	}
	return effective, nil
}

// RollbackAll unwinds every pending update for a game: rollback payloads are
// merged into the snapshot newest-first, then the pending list is cleared
// and each originating session notified. Returns the number of updates
// rolled back.
func (c *Coordinator) RollbackAll(gameID types.GameIDType) int {
	c.mu.Lock()
	entries := make([]*pendingEntry, 0, len(c.byGame[gameID]))
	for _, entry := range c.byGame[gameID] {
		entries = append(entries, entry)
	}
	sortEntries(entries)

	for i := len(entries) - 1; i >= 0; i-- {
		if rb := entries[i].Data.RollbackPayload; rb != nil {
			c.states[gameID] = c.opts.Merge(c.states[gameID], rb)
		}
	}
	for _, entry := range entries {
		c.removeLocked(entry.UpdateID)
	}
	c.scheduleLocked(gameID)
	c.mu.Unlock()

	metrics.PendingOptimisticUpdates.Sub(float64(len(entries)))
	for _, entry := range entries {
		_ = c.hub.SendToSession(entry.SessionID, types.EvtUpdateRejected, map[string]any{
			"updateId": entry.UpdateID,
			"gameId":   string(entry.GameID),
			"reason":   "rollback",
		})
	}
	return len(entries)
}

// GetPendingUpdates returns a snapshot of the game's pending updates in
// submission order.
func (c *Coordinator) GetPendingUpdates(gameID types.GameIDType) []PendingUpdate {
	c.mu.Lock()
	entries := make([]*pendingEntry, 0, len(c.byGame[gameID]))
	for _, entry := range c.byGame[gameID] {
		entries = append(entries, entry)
	}
	c.mu.Unlock()
	sortEntries(entries)

	out := make([]PendingUpdate, len(entries))
	for i, entry := range entries {
		out[i] = entry.PendingUpdate
	}
	return out
}

// SetGameState replaces the authoritative state snapshot locally and in the
// bus cache so a peer process can warm-start from it.
func (c *Coordinator) SetGameState(ctx context.Context, gameID types.GameIDType, state map[string]any) error {
	c.mu.Lock()
	c.states[gameID] = state
	c.mu.Unlock()

	return c.bus.CacheGameState(ctx, string(gameID), state, c.opts.StateTTL)
}

// GetGameState returns the latest known state snapshot for a game, falling
// back to the bus cache when this process has none. Returns nil with no
// error when the state is unknown everywhere.
func (c *Coordinator) GetGameState(ctx context.Context, gameID types.GameIDType) (map[string]any, error) {
	c.mu.Lock()
	state, ok := c.states[gameID]
	c.mu.Unlock()
	if ok {
		return copyState(state), nil
	}

	cached, err := c.bus.GetCachedGameState(ctx, string(gameID))
	if err != nil {
		return nil, err
	}
	if cached == nil {
		return nil, nil
	}

	state = make(map[string]any)
	if err := json.Unmarshal(cached, &state); err != nil {
		return nil, fmt.Errorf("malformed cached state for game %q: %w", gameID, err)
	}
	c.mu.Lock()
	c.states[gameID] = state
	c.mu.Unlock()
	return copyState(state), nil
}

// reject removes a pending update and tells its session it was rolled back.
func (c *Coordinator) reject(entry *pendingEntry, reason string) {
	c.mu.Lock()
	if _, live := c.byID[entry.UpdateID]; !live {
		c.mu.Unlock()
		return
	}
	c.removeLocked(entry.UpdateID)
	c.scheduleLocked(entry.GameID)
	c.mu.Unlock()

	metrics.PendingOptimisticUpdates.Dec()
	_ = c.hub.SendToSession(entry.SessionID, types.EvtUpdateRejected, map[string]any{
		"updateId": entry.UpdateID,
		"gameId":   string(entry.GameID),
		"reason":   reason,
	})
}

// scheduleLocked re-arms the game's ack timer for the earliest deadline not
// yet timed out, or stops it when none remain. Caller holds c.mu.
func (c *Coordinator) scheduleLocked(gameID types.GameIDType) {
	var next time.Time
	for _, entry := range c.byGame[gameID] {
		if entry.TimedOut {
			continue
		}
		deadline := entry.CreatedAt.Add(c.opts.AckTimeout)
		if next.IsZero() || deadline.Before(next) {
			next = deadline
		}
	}

	timer, armed := c.timers[gameID]
	if next.IsZero() {
		if armed {
			timer.Stop()
			delete(c.timers, gameID)
		}
		return
	}

	wait := time.Until(next)
	if wait < 0 {
		wait = 0
	}
	if armed {
		timer.Reset(wait)
	} else {
		c.timers[gameID] = time.AfterFunc(wait, func() { c.expireGame(gameID) })
	}
}

// expireGame fires when the game's earliest ack deadline passes. Expired
// updates stay pending with a warning; only rollbackAll or a late
// acknowledgement removes them.
func (c *Coordinator) expireGame(gameID types.GameIDType) {
	now := time.Now()

	c.mu.Lock()
	var expired []*pendingEntry
	for _, entry := range c.byGame[gameID] {
		if !entry.TimedOut && !entry.CreatedAt.Add(c.opts.AckTimeout).After(now) {
			entry.TimedOut = true
			expired = append(expired, entry)
		}
	}
	c.scheduleLocked(gameID)
	c.mu.Unlock()

	ctx := context.Background()
	for _, entry := range expired {
		metrics.AckTimeouts.Inc()
		logging.Warn(ctx, "Optimistic update timed out without acknowledgement",
			zap.String("updateId", entry.UpdateID), zap.String("gameId", string(gameID)))
		_ = c.hub.SendToSession(entry.SessionID, types.EvtUpdateTimeout, map[string]any{
			"updateId": entry.UpdateID,
			"gameId":   string(gameID),
		})
	}
}

// dropSession discards all pending updates of a disconnected session. A game
// whose last member just left and has nothing pending is forgotten entirely.
func (c *Coordinator) dropSession(sessionID types.SessionIDType, playerID types.PlayerIDType, games []types.GameIDType) {
	c.mu.Lock()
	var dropped int
	touched := make(map[types.GameIDType]struct{})
	for id, entry := range c.bySession[sessionID] {
		touched[entry.GameID] = struct{}{}
		c.removeLocked(id)
		dropped++
	}
	for gameID := range touched {
		c.scheduleLocked(gameID)
	}
	c.mu.Unlock()

	metrics.PendingOptimisticUpdates.Sub(float64(dropped))

	for _, gameID := range games {
		c.mu.Lock()
		idle := len(c.byGame[gameID]) == 0
		c.mu.Unlock()
		if idle && len(c.hub.GameMembers(gameID)) == 0 {
			c.mu.Lock()
			delete(c.states, gameID)
			c.mu.Unlock()
		}
	}
}

// publishStateChange sends an authoritative state change to other processes,
// reporting a bus outage back to the originating session only.
func (c *Coordinator) publishStateChange(ctx context.Context, client types.ClientInterface, gameID types.GameIDType, playerID types.PlayerIDType, data types.StateChangeData) {
	data.Optimistic = false
	data.RollbackPayload = nil
	if _, err := c.bus.PublishGame(ctx, string(gameID), types.EventStateChange, data, string(playerID)); err != nil {
		logging.Error(ctx, "Authoritative update publish failed",
			zap.String("gameId", string(gameID)), zap.Error(err))
		if client != nil {
			client.SendEvent(types.EvtError, types.ErrorPayload{
				Type:    types.ErrTypeBusUnavailable,
				Message: "update not propagated to other servers",
			})
		}
	}
}

// forwardMove publishes a validated move for other processes. The hub has
// already broadcast it locally.
func (c *Coordinator) forwardMove(ctx context.Context, client types.ClientInterface, gameID types.GameIDType, payload []byte) error {
	_, err := c.bus.PublishGame(ctx, string(gameID), types.EventMove, json.RawMessage(payload), string(client.GetPlayerID()))
	return err
}

// onBusEnvelope handles game-channel traffic from other processes. Chunk
// updates are the router's concern and are ignored here; own-origin
// envelopes are echoes of this process's publishes.
func (c *Coordinator) onBusEnvelope(env types.Envelope) {
	if env.Origin == c.bus.Origin() {
		return
	}
	ctx := context.Background()
	gameID := types.GameIDType(env.GameID)

	switch env.Type {
	case types.EventMove:
		c.hub.BroadcastToGame(gameID, types.EvtMoveMade, map[string]any{
			"gameId":   env.GameID,
			"playerId": env.PlayerID,
			"data":     env.Data,
		}, "")

	case types.EventStateChange:
		data, err := env.DecodeStateChange()
		if err != nil {
			logging.Warn(ctx, "Dropping malformed state change",
				zap.String("gameId", env.GameID), zap.Error(err))
			return
		}

		if data.Optimistic && data.UpdateID != "" {
			c.mu.Lock()
			_, pending := c.byID[data.UpdateID]
			c.mu.Unlock()
			if pending {
				_ = c.Acknowledge(ctx, gameID, data.UpdateID, nil)
				return
			}
		}
		if err := c.ApplyServerUpdate(ctx, gameID, types.PlayerIDType(env.PlayerID), data); err != nil {
			logging.Error(ctx, "Failed to apply state change from bus",
				zap.String("gameId", env.GameID), zap.Error(err))
		}
	}
}

func stateEventPayload(gameID types.GameIDType, playerID types.PlayerIDType, data types.StateChangeData) map[string]any {
	return map[string]any{
		"gameId":     string(gameID),
		"playerId":   string(playerID),
		"updateId":   data.UpdateID,
		"kind":       data.Kind,
		"payload":    data.Payload,
		"optimistic": data.Optimistic,
	}
}

func sortEntries(entries []*pendingEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].UpdateID < entries[j].UpdateID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

func oldestLocked(entries map[string]*pendingEntry) *pendingEntry {
	var oldest *pendingEntry
	for _, entry := range entries {
		if oldest == nil || entry.CreatedAt.Before(oldest.CreatedAt) ||
			(entry.CreatedAt.Equal(oldest.CreatedAt) && entry.UpdateID < oldest.UpdateID) {
			oldest = entry
		}
	}
	return oldest
}

func sameState(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

func copyState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

// insertLocked and removeLocked keep the three indexes consistent. Caller
// holds c.mu.
func (c *Coordinator) insertLocked(entry *pendingEntry) {
	c.byID[entry.UpdateID] = entry
	if c.byGame[entry.GameID] == nil {
		c.byGame[entry.GameID] = make(map[string]*pendingEntry)
	}
	c.byGame[entry.GameID][entry.UpdateID] = entry
	if c.bySession[entry.SessionID] == nil {
		c.bySession[entry.SessionID] = make(map[string]*pendingEntry)
	}
	c.bySession[entry.SessionID][entry.UpdateID] = entry
}

func (c *Coordinator) removeLocked(updateID string) {
	entry, ok := c.byID[updateID]
	if !ok {
		return
	}
	delete(c.byID, updateID)
	if m := c.byGame[entry.GameID]; m != nil {
		delete(m, updateID)
		if len(m) == 0 {
			delete(c.byGame, entry.GameID)
		}
	}
	if m := c.bySession[entry.SessionID]; m != nil {
		delete(m, updateID)
		if len(m) == 0 {
			delete(c.bySession, entry.SessionID)
		}
	}
}
