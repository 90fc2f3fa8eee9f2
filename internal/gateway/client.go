// ABOUTME: One WebSocket connection: read/write pumps and per-connection state machine.
// ABOUTME: Enforces auth-before-anything and tracks the single active subscription.

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/parley/internal/session"
)

// errSendBufferFull marks a subscriber whose outbound queue is saturated.
// The session layer evicts on any Send error.
var errSendBufferFull = errors.New("send buffer full")

const sendBufferSize = 64

// client is one accepted WebSocket connection. Reads happen on the read
// pump goroutine; all writes to the socket go through the send channel and
// the write pump, so the connection never sees concurrent writers.
type client struct {
	gw     *Gateway
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	mu         sync.Mutex
	userID     string
	username   string
	subscribed *session.Session
	sendClosed bool
}

func newClient(gw *Gateway, conn *websocket.Conn) *client {
	return &client{
		gw:     gw,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: gw.logger.With("remote", conn.RemoteAddr().String()),
	}
}

// Send queues one frame for the write pump. It never blocks: a saturated
// buffer is reported as an error so a stalled connection gets evicted
// instead of stalling the session broadcast.
func (c *client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return errors.New("connection closing")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// enqueue marshals and queues a gateway-scoped payload, dropping it if the
// buffer is full. Connection-scoped messages are best effort.
func (c *client) enqueue(v any) {
	data, err := marshalEvent(v)
	if err != nil {
		c.logger.Error("marshaling outbound message", "error", err)
		return
	}
	if err := c.Send(data); err != nil {
		c.logger.Warn("dropping outbound message", "error", err)
	}
}

// closeSend stops accepting frames and lets the write pump drain and exit.
func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// readPump consumes frames until the connection dies or the state machine
// terminates it. It owns the read side: deadlines, pong handling, decode.
// On exit it closes the send channel; the write pump drains queued frames,
// emits a close frame, and closes the socket.
func (c *client) readPump() {
	defer func() {
		c.teardown()
		c.closeSend()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(c.gw.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.gw.pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("connection read failed", "error", err)
			}
			return
		}

		msg, err := decodeInbound(data)
		if err != nil {
			c.enqueue(errorMessage{Type: "error", Error: err.Error()})
			continue
		}

		if stop := c.handleMessage(msg); stop {
			return
		}
	}
}

// writePump is the only goroutine writing to the socket. It flushes queued
// frames and keeps the connection alive with periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(c.gw.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.gw.writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.gw.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage advances the connection state machine for one inbound
// message. Returning true terminates the read pump; no later frame from
// this connection is processed.
func (c *client) handleMessage(msg inboundMessage) (stop bool) {
	switch m := msg.(type) {
	case authMessage:
		return c.handleAuth(m)
	case subscribeMessage:
		c.handleSubscribe(m)
	case chatMessage:
		c.handleChat(m)
	case interruptMessage:
		c.handleInterrupt(m)
	}
	return false
}

func (c *client) handleAuth(m authMessage) (stop bool) {
	if c.authenticated() {
		// Rebinding a live connection to another identity would leave its
		// current subscription streaming the old user's chat.
		c.enqueue(errorMessage{Type: "error", Error: "Already authenticated"})
		return false
	}

	claims, err := c.gw.verifier.Verify(m.Token)
	if err != nil {
		// One error frame, then the connection dies. closeSend makes the
		// write pump flush before closing the socket.
		c.logger.Warn("authentication failed", "error", err)
		c.enqueue(errorMessage{Type: "error", Error: "Authentication failed"})
		c.closeSend()
		return true
	}

	c.mu.Lock()
	c.userID = claims.UserID
	c.username = claims.Username
	c.mu.Unlock()

	c.logger.Info("client authenticated", "user_id", claims.UserID, "username", claims.Username)
	c.enqueue(authenticatedMessage{Type: "authenticated", UserID: claims.UserID, Username: claims.Username})
	return false
}

// handleSubscribe attaches the connection to a chat's session, replacing
// any prior subscription, and replays the persisted history.
func (c *client) handleSubscribe(m subscribeMessage) {
	if !c.authenticated() {
		c.enqueue(errorMessage{Type: "error", Error: "Not authenticated"})
		return
	}
	if m.ChatID == "" {
		c.enqueue(errorMessage{Type: "error", Error: "chatId is required"})
		return
	}
	c.subscribeChat(m.ChatID)
}

// subscribeChat validates ownership and swaps the active subscription.
// A missing chat and someone else's chat get the same answer.
func (c *client) subscribeChat(chatID string) (ok bool) {
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if _, err := c.gw.store.GetChat(ctx, chatID, userID); err != nil {
		c.logger.Warn("subscribe rejected", "chat_id", chatID, "error", err)
		c.enqueue(errorMessage{Type: "error", Error: "Chat not found"})
		return false
	}

	messages, err := c.gw.store.GetMessages(ctx, chatID)
	if err != nil {
		c.logger.Error("loading chat history", "chat_id", chatID, "error", err)
		c.enqueue(errorMessage{Type: "error", Error: "Failed to load chat history"})
		return false
	}

	sess := c.gw.registry.GetOrCreate(chatID)

	c.mu.Lock()
	prev := c.subscribed
	c.subscribed = sess
	c.mu.Unlock()

	if prev != nil && prev != sess {
		prev.Unsubscribe(c)
	}
	sess.Subscribe(c)

	entries := make([]historyEntry, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, historyEntry{
			ID:        msg.ID,
			Role:      msg.Role,
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
		})
	}
	c.enqueue(historyMessage{Type: "history", Messages: entries, ChatID: chatID})
	return true
}

// handleChat routes a user turn to the addressed session. Addressing a chat
// the connection is not subscribed to subscribes it first.
func (c *client) handleChat(m chatMessage) {
	if !c.authenticated() {
		c.enqueue(errorMessage{Type: "error", Error: "Not authenticated"})
		return
	}
	if m.Content == "" {
		c.enqueue(errorMessage{Type: "error", Error: "content is required"})
		return
	}

	c.mu.Lock()
	current := c.subscribed
	c.mu.Unlock()

	target := current
	if m.ChatID != "" && (current == nil || current.ChatID() != m.ChatID) {
		if !c.subscribeChat(m.ChatID) {
			return
		}
		c.mu.Lock()
		target = c.subscribed
		c.mu.Unlock()
	}
	if target == nil {
		c.enqueue(errorMessage{Type: "error", Error: "No chat selected"})
		return
	}

	if err := target.SendMessage(context.Background(), m.Content); err != nil {
		c.logger.Error("sending chat message", "chat_id", target.ChatID(), "error", err)
		c.enqueue(errorMessage{Type: "error", Error: "Failed to send message"})
	}
}

// handleInterrupt cancels generation on the addressed chat, defaulting to
// the current subscription. The outcome arrives through the session
// broadcast, so there is nothing to report here beyond the rejection cases.
func (c *client) handleInterrupt(m interruptMessage) {
	if !c.authenticated() {
		c.enqueue(errorMessage{Type: "error", Error: "Not authenticated"})
		return
	}

	c.mu.Lock()
	sess := c.subscribed
	userID := c.userID
	c.mu.Unlock()

	if m.ChatID != "" && (sess == nil || sess.ChatID() != m.ChatID) {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if _, err := c.gw.store.GetChat(ctx, m.ChatID, userID); err != nil {
			c.logger.Warn("interrupt rejected", "chat_id", m.ChatID, "error", err)
			c.enqueue(errorMessage{Type: "error", Error: "Chat not found"})
			return
		}
		sess = c.gw.registry.Get(m.ChatID)
		if sess == nil {
			// No live session, so nothing is generating. Tell the sender.
			c.enqueue(interruptedMessage{Type: "interrupted", ChatID: m.ChatID, Message: "Query interrupted by user"})
			return
		}
	}

	if sess == nil {
		c.enqueue(errorMessage{Type: "error", Error: "No chat selected"})
		return
	}
	sess.Interrupt(context.Background())
}

func (c *client) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID != ""
}

// teardown detaches the connection from its session and the gateway's
// client set. Runs exactly once, when the read pump exits.
func (c *client) teardown() {
	c.mu.Lock()
	sess := c.subscribed
	c.subscribed = nil
	c.mu.Unlock()

	if sess != nil {
		sess.Unsubscribe(c)
	}
	c.gw.unregister(c)
	c.logger.Debug("client disconnected")
}
