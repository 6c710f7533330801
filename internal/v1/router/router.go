// Package router maps grid coordinates onto chunk sub-rooms and moves chunk
// updates between processes. It owns the per-game sequence counters and the
// viewport-to-chunk diffing that keeps each session subscribed to exactly the
// chunks its view covers.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/openpixels/gridsync/internal/v1/bus"
	"github.com/openpixels/gridsync/internal/v1/grid"
	"github.com/openpixels/gridsync/internal/v1/logging"
	"github.com/openpixels/gridsync/internal/v1/metrics"
	"github.com/openpixels/gridsync/internal/v1/session"
	"github.com/openpixels/gridsync/internal/v1/types"
)

// Router distributes chunk updates. Local subscribers get them through the
// hub's chunk sub-rooms; remote processes get them through per-chunk broker
// channels. Sequence numbers are per game and per process, strictly
// increasing from 1.
type Router struct {
	hub       *session.Hub
	bus       *bus.Service
	chunkSize int

	mu   sync.Mutex
	seqs map[types.GameIDType]int64
	subs map[types.GameIDType]*bus.Handle
}

// New wires a Router into the hub's viewport and chunk-membership hooks.
func New(hub *session.Hub, busSvc *bus.Service, chunkSize int) *Router {
	if chunkSize <= 0 {
		chunkSize = grid.DefaultChunkSize
	}
	r := &Router{
		hub:       hub,
		bus:       busSvc,
		chunkSize: chunkSize,
		seqs:      make(map[types.GameIDType]int64),
		subs:      make(map[types.GameIDType]*bus.Handle),
	}
	hub.SetViewportSubscriber(r.SubscribeToViewport)
	hub.SetChunkChangeListener(r.syncGameChunks)
	return r
}

// ChunkSize returns the cell width of one chunk.
func (r *Router) ChunkSize() int { return r.chunkSize }

// viewportPayload is the subscribe-region frame body.
type viewportPayload struct {
	GameID string  `json:"gameId"`
	MinX   float64 `json:"minX"`
	MaxX   float64 `json:"maxX"`
	MinY   float64 `json:"minY"`
	MaxY   float64 `json:"maxY"`
}

// SubscribeToViewport replaces the session's chunk subscriptions with the
// chunks covering the given viewport. Chunks already subscribed are kept;
// only the difference is applied. An empty or inverted viewport unsubscribes
// from everything.
func (r *Router) SubscribeToViewport(ctx context.Context, client types.ClientInterface, gameID types.GameIDType, payload []byte) error {
	var p viewportPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid viewport payload: %w", err)
	}

	vp := grid.Viewport{MinX: p.MinX, MaxX: p.MaxX, MinY: p.MinY, MaxY: p.MaxY}
	desired := make(map[string]struct{})
	for _, c := range grid.ChunksInViewport(vp, r.chunkSize) {
		desired[c.String()] = struct{}{}
	}

	current := r.hub.SessionChunks(client.GetID(), gameID)

	var added, removed []string
	for _, chunkID := range current {
		if _, keep := desired[chunkID]; !keep {
			removed = append(removed, chunkID)
		}
	}
	currentSet := make(map[string]struct{}, len(current))
	for _, chunkID := range current {
		currentSet[chunkID] = struct{}{}
	}
	for chunkID := range desired {
		if _, have := currentSet[chunkID]; !have {
			added = append(added, chunkID)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	for _, chunkID := range added {
		if err := r.hub.SubscribeChunk(ctx, client, gameID, chunkID); err != nil {
			return err
		}
	}
	for _, chunkID := range removed {
		if err := r.hub.UnsubscribeChunk(ctx, client, gameID, chunkID); err != nil {
			return err
		}
	}

	client.SendEvent(types.EvtRegionSubscribed, map[string]any{
		"gameId":       string(gameID),
		"subscribed":   added,
		"unsubscribed": removed,
		"chunks":       r.hub.SessionChunks(client.GetID(), gameID),
	})

	logging.Debug(ctx, "Viewport subscription applied",
		zap.String("gameId", string(gameID)),
		zap.String("sessionId", string(client.GetID())),
		zap.Int("added", len(added)), zap.Int("removed", len(removed)))
	return nil
}

// PublishChunkUpdate groups cell changes by chunk, stamps every group of the
// batch with the game's next sequence number (one number per call, shared by
// all of the batch's chunks), fans them out to local subscribers, and
// publishes them on the per-chunk broker channels. Local delivery happens
// even when the broker is down.
func (r *Router) PublishChunkUpdate(ctx context.Context, gameID types.GameIDType, changes []types.CellChange) ([]types.ChunkUpdate, error) {
	if len(changes) == 0 {
		return nil, nil
	}

	byChunk := make(map[string][]types.CellChange)
	for _, ch := range changes {
		chunkID := grid.ChunkOf(float64(ch.X), float64(ch.Y), r.chunkSize).String()
		byChunk[chunkID] = append(byChunk[chunkID], ch)
	}

	chunkIDs := make([]string, 0, len(byChunk))
	for chunkID := range byChunk {
		chunkIDs = append(chunkIDs, chunkID)
	}
	sort.Strings(chunkIDs)

	now := types.NowTimestamp()
	updates := make([]types.ChunkUpdate, 0, len(chunkIDs))

	r.mu.Lock()
	r.seqs[gameID]++
	seq := r.seqs[gameID]
	r.mu.Unlock()

	for _, chunkID := range chunkIDs {
		updates = append(updates, types.ChunkUpdate{
			GameID:    string(gameID),
			ChunkID:   chunkID,
			Changes:   byChunk[chunkID],
			Timestamp: now,
			Sequence:  seq,
		})
	}

	var publishErr error
	for _, update := range updates {
		r.hub.BroadcastToChunk(gameID, update.ChunkID, types.EvtChunkUpdated, update, "")
		metrics.ChunkUpdatesPublished.Inc()

		if _, err := r.bus.PublishChunk(ctx, string(gameID), update.ChunkID, update); err != nil {
			// Remote delivery failed; local subscribers already have the
			// update, so keep going and report the last error.
			logging.Error(ctx, "Chunk update publish failed",
				zap.String("gameId", string(gameID)), zap.String("chunkId", update.ChunkID), zap.Error(err))
			publishErr = err
		}
	}

	return updates, publishErr
}

// LastSequence reports the last sequence number issued for a game on this
// process. Zero means no updates yet.
func (r *Router) LastSequence(gameID types.GameIDType) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seqs[gameID]
}

// syncGameChunks reconciles broker state with the hub's chunk rooms for one
// game: subscribe the chunk pattern while anyone watches chunks, drop it when
// nobody does, and mirror the union into the chunks:<gameId> key.
func (r *Router) syncGameChunks(gameID types.GameIDType) {
	ctx := context.Background()
	chunks := r.hub.GameChunks(gameID)

	r.mu.Lock()
	handle, subscribed := r.subs[gameID]
	if len(chunks) > 0 && !subscribed {
		r.subs[gameID] = r.bus.SubscribeGameChunks(ctx, string(gameID), r.onBusChunkUpdate)
	} else if len(chunks) == 0 && subscribed {
		delete(r.subs, gameID)
	} else {
		handle = nil
	}
	r.mu.Unlock()

	if handle != nil {
		handle.Close()
	}

	if err := r.bus.SetActiveChunks(ctx, string(gameID), chunks); err != nil {
		logging.Warn(ctx, "Active chunk set write failed", zap.String("gameId", string(gameID)), zap.Error(err))
	}
}

// onBusChunkUpdate handles a chunk update arriving from another process.
// Updates this process published come back on the pattern subscription and
// are dropped by origin id.
func (r *Router) onBusChunkUpdate(env types.Envelope) {
	if env.Origin == r.bus.Origin() {
		metrics.ChunkUpdatesReceived.WithLabelValues("echo").Inc()
		return
	}

	update, err := env.DecodeChunkUpdate()
	if err != nil {
		metrics.ChunkUpdatesReceived.WithLabelValues("malformed").Inc()
		logging.Warn(context.Background(), "Dropping malformed chunk update",
			zap.String("gameId", env.GameID), zap.Error(err))
		return
	}

	chunkID := env.ChunkID
	if chunkID == "" {
		chunkID = update.ChunkID
	}

	r.hub.BroadcastToChunk(types.GameIDType(env.GameID), chunkID, types.EvtChunkUpdated, update, "")
	metrics.ChunkUpdatesReceived.WithLabelValues("ok").Inc()
}

// Close drops every broker subscription the router holds.
func (r *Router) Close() {
	r.mu.Lock()
	handles := make([]*bus.Handle, 0, len(r.subs))
	for gameID, handle := range r.subs {
		handles = append(handles, handle)
		delete(r.subs, gameID)
	}
	r.mu.Unlock()

	for _, handle := range handles {
		handle.Close()
	}
}
