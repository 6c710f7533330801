// Package session implements the Session Hub: it accepts transport
// connections, tracks per-session membership in game rooms and chunk
// sub-rooms, and provides the fan-out primitives the rest of the fabric is
// built on. The hub is process-local; cross-process delivery is the chunk
// router's job.
package session

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openpixels/gridsync/internal/v1/logging"
	"github.com/openpixels/gridsync/internal/v1/metrics"
	"github.com/openpixels/gridsync/internal/v1/ratelimit"
	"github.com/openpixels/gridsync/internal/v1/types"
)

// Heartbeat defaults; overridable through Options.
const (
	DefaultPingInterval = 25 * time.Second
	DefaultPongTimeout  = 60 * time.Second
)

// DisconnectListener is notified after a session's memberships have been
// released. games lists every game the session was in at disconnect time.
type DisconnectListener func(sessionID types.SessionIDType, playerID types.PlayerIDType, games []types.GameIDType)

// ViewportSubscriber lets the chunk router service viewport subscriptions
// arriving over the transport without the hub depending on the router.
type ViewportSubscriber func(ctx context.Context, client types.ClientInterface, gameID types.GameIDType, payload []byte) error

// chunkRoomKey identifies one chunk sub-room of one game.
type chunkRoomKey struct {
	game  types.GameIDType
	chunk string
}

// sessionState is the hub's bookkeeping for one connected session.
type sessionState struct {
	client types.ClientInterface
	games  map[types.GameIDType]struct{}
	chunks map[chunkRoomKey]struct{}
}

// Options configures a Hub.
type Options struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	RateLimiter  *ratelimit.RateLimiter
}

// Hub serves as the per-process coordinator for all connected sessions.
// All membership mutations are serialized through one mutex, which is what
// makes the ordering guarantees (player-connected before any attributable
// move) hold.
type Hub struct {
	mu         sync.Mutex
	sessions   map[types.SessionIDType]*sessionState
	gameRooms  map[types.GameIDType]map[types.SessionIDType]types.ClientInterface
	chunkRooms map[chunkRoomKey]map[types.SessionIDType]types.ClientInterface
	gameTypes  map[types.GameIDType]types.GameTypeType

	handlersMu sync.RWMutex
	handlers   map[types.GameTypeType]types.GameHandler

	listenersMu   sync.RWMutex
	listeners     []DisconnectListener
	onViewport    ViewportSubscriber
	onMove        MoveForwarder
	onStateChange StateChangeApplier
	onChunkChange func(types.GameIDType)

	pingInterval time.Duration
	pongTimeout  time.Duration
	rateLimiter  *ratelimit.RateLimiter
}

// NewHub creates a Hub with the given options.
func NewHub(opts Options) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	return &Hub{
		sessions:     make(map[types.SessionIDType]*sessionState),
		gameRooms:    make(map[types.GameIDType]map[types.SessionIDType]types.ClientInterface),
		chunkRooms:   make(map[chunkRoomKey]map[types.SessionIDType]types.ClientInterface),
		gameTypes:    make(map[types.GameIDType]types.GameTypeType),
		handlers:     make(map[types.GameTypeType]types.GameHandler),
		pingInterval: opts.PingInterval,
		pongTimeout:  opts.PongTimeout,
		rateLimiter:  opts.RateLimiter,
	}
}

// RegisterGameHandler plugs a game-type module into the hub's standard
// transport events.
func (h *Hub) RegisterGameHandler(gameType types.GameTypeType, handler types.GameHandler) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.handlers[gameType] = handler
}

// OnDisconnect registers a listener invoked after disconnect cleanup.
func (h *Hub) OnDisconnect(l DisconnectListener) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, l)
}

// SetViewportSubscriber wires the chunk router's viewport handling into the
// transport event loop.
func (h *Hub) SetViewportSubscriber(fn ViewportSubscriber) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.onViewport = fn
}

// SetChunkChangeListener registers a callback fired whenever a game's set of
// chunk sub-rooms may have changed, from any path: viewport diffs, explicit
// subscribe frames, leaves, and disconnects.
func (h *Hub) SetChunkChangeListener(fn func(types.GameIDType)) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.onChunkChange = fn
}

func (h *Hub) notifyChunkChange(gameID types.GameIDType) {
	h.listenersMu.RLock()
	fn := h.onChunkChange
	h.listenersMu.RUnlock()
	if fn != nil {
		fn(gameID)
	}
}

// GetAllowedOriginsFromEnv reads a comma-separated origin allowlist from the
// environment, falling back to the given defaults.
func GetAllowedOriginsFromEnv(key string, defaults []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaults
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return defaults
	}
	return origins
}

// ServeWs upgrades an HTTP request to a WebSocket session and registers it
// with the hub. The player identity comes from the playerId query parameter;
// authentication happens upstream of this service.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	allowedOrigins := GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // Allow non-browser clients (e.g., for testing)
			}
			originURL, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, allowed := range allowedOrigins {
				allowedURL, err := url.Parse(allowed)
				if err != nil {
					continue
				}
				if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
					return true
				}
			}
			return false
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	playerID := c.Query("playerId")
	client := h.Connect(conn, types.PlayerIDType(playerID))

	logging.Info(c.Request.Context(), "Session connected",
		zap.String("sessionId", string(client.GetID())), zap.String("playerId", playerID))
}

// Connect registers a new session over an established connection, emits the
// connected event, and starts the message pumps.
func (h *Hub) Connect(conn wsConnection, playerID types.PlayerIDType) *Client {
	sessionID := types.SessionIDType(uuid.New().String())
	if playerID == "" {
		playerID = types.PlayerIDType(sessionID)
	}

	client := &Client{
		conn:         conn,
		hub:          h,
		id:           sessionID,
		playerID:     playerID,
		pingInterval: h.pingInterval,
		pongTimeout:  h.pongTimeout,
		send:         make(chan []byte, sendBufferSize),
	}

	h.OnConnect(client)

	go client.writePump()
	go client.readPump()

	return client
}

// OnConnect registers an already-constructed session with the hub and emits
// the connected event. Split out from Connect so tests can drive the hub
// with mock clients.
func (h *Hub) OnConnect(client types.ClientInterface) {
	h.mu.Lock()
	h.sessions[client.GetID()] = &sessionState{
		client: client,
		games:  make(map[types.GameIDType]struct{}),
		chunks: make(map[chunkRoomKey]struct{}),
	}
	h.mu.Unlock()

	metrics.IncConnection()

	client.SendEvent(types.EvtConnected, map[string]any{
		"sessionId": string(client.GetID()),
		"playerId":  string(client.GetPlayerID()),
	})
}

// Shutdown disconnects every session.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down hub, disconnecting all sessions")

	h.mu.Lock()
	clients := make([]types.ClientInterface, 0, len(h.sessions))
	for _, st := range h.sessions {
		clients = append(clients, st.client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.SendEvent(types.EvtDisconnected, map[string]any{"reason": "server shutting down"})
		client.Disconnect()
	}

	logging.Info(ctx, "All sessions disconnected", zap.Int("count", len(clients)))
	return nil
}
