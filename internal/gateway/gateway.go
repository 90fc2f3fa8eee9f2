// ABOUTME: WebSocket gateway bridging browser connections to chat sessions.
// ABOUTME: Upgrades HTTP requests, tracks authenticated clients, pushes metadata hints.

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/session"
	"github.com/2389/parley/internal/store"
)

const (
	maxFrameSize = 1 << 20
	storeTimeout = 5 * time.Second
)

// GatewayStore is what the gateway needs from persistence: ownership
// checks, history replay, and owner lookup for metadata notifications.
type GatewayStore interface {
	GetChat(ctx context.Context, chatID, userID string) (*store.Chat, error)
	GetChatOwner(ctx context.Context, chatID string) (string, error)
	GetMessages(ctx context.Context, chatID string) ([]*store.Message, error)
}

// Gateway accepts WebSocket connections and runs the per-connection
// protocol. It also implements session.MetadataNotifier so sessions can
// push chats_updated hints back to the owner's connections.
type Gateway struct {
	store    GatewayStore
	registry *session.Registry
	verifier *auth.Verifier
	logger   *slog.Logger
	upgrader websocket.Upgrader

	pingInterval time.Duration
	pongWait     time.Duration
	writeTimeout time.Duration

	mu      sync.Mutex
	clients map[*client]struct{}
}

// Options configures connection liveness timing.
type Options struct {
	// PingInterval is how often the write pump pings. The read deadline is
	// twice this, so one lost pong is tolerated.
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// New creates a gateway. Zero option fields get working defaults.
func New(st GatewayStore, registry *session.Registry, verifier *auth.Verifier, opts Options, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	return &Gateway{
		store:    st,
		registry: registry,
		verifier: verifier,
		logger:   logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect cross-origin in development.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pingInterval: opts.PingInterval,
		pongWait:     2 * opts.PingInterval,
		writeTimeout: opts.WriteTimeout,
		clients:      make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and starts the connection's pumps.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := newClient(g, conn)
	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()

	g.logger.Debug("client connected", "remote", r.RemoteAddr)

	go c.writePump()
	c.enqueue(connectedMessage{Type: "connected", Message: "Welcome! Please authenticate."})
	go c.readPump()
}

// ChatUpdated pushes a chats_updated hint to every authenticated connection
// belonging to the chat's owner. Implements session.MetadataNotifier.
func (g *Gateway) ChatUpdated(chatID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	ownerID, err := g.store.GetChatOwner(ctx, chatID)
	if err != nil {
		g.logger.Warn("resolving chat owner for update hint", "chat_id", chatID, "error", err)
		return
	}

	data, err := marshalEvent(chatsUpdatedMessage{Type: "chats_updated"})
	if err != nil {
		return
	}

	g.mu.Lock()
	targets := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		c.mu.Lock()
		match := c.userID == ownerID
		c.mu.Unlock()
		if match {
			targets = append(targets, c)
		}
	}
	g.mu.Unlock()

	for _, c := range targets {
		if err := c.Send(data); err != nil {
			g.logger.Debug("dropping chats_updated hint", "error", err)
		}
	}
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
}

// CloseAll drops every connection. Used at server shutdown.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
		c.conn.Close()
	}
}

func marshalEvent(v any) ([]byte, error) {
	return json.Marshal(v)
}
