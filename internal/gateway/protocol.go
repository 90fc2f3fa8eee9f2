// ABOUTME: Wire protocol for the WebSocket gateway.
// ABOUTME: Sealed inbound message set plus outbound payload types.

package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// inboundMessage is the closed set of client-to-server messages. The
// unexported marker keeps the set sealed: handling code type-switches over
// exactly these four and the compiler knows no others exist.
type inboundMessage interface {
	isInbound()
}

type authMessage struct {
	Token string
}

type subscribeMessage struct {
	ChatID string
}

type chatMessage struct {
	ChatID  string
	Content string
}

type interruptMessage struct {
	ChatID string
}

func (authMessage) isInbound()      {}
func (subscribeMessage) isInbound() {}
func (chatMessage) isInbound()      {}
func (interruptMessage) isInbound() {}

// inboundEnvelope is the raw JSON shape clients send. Unknown or missing
// type strings are a decode error, not a silent drop.
type inboundEnvelope struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	ChatID  string `json:"chatId,omitempty"`
	Content string `json:"content,omitempty"`
}

// decodeInbound parses one client frame into its sealed message type.
func decodeInbound(data []byte) (inboundMessage, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	switch env.Type {
	case "auth":
		return authMessage{Token: env.Token}, nil
	case "subscribe":
		return subscribeMessage{ChatID: env.ChatID}, nil
	case "chat":
		return chatMessage{ChatID: env.ChatID, Content: env.Content}, nil
	case "interrupt":
		return interruptMessage{ChatID: env.ChatID}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

// Outbound payloads. Session-scoped events (assistant_message, tool_use,
// result, ...) are serialized by the session layer; these are the
// connection-scoped ones the gateway emits itself.

type connectedMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type authenticatedMessage struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type historyMessage struct {
	Type     string         `json:"type"`
	Messages []historyEntry `json:"messages"`
	ChatID   string         `json:"chatId"`
}

type historyEntry struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type interruptedMessage struct {
	Type    string `json:"type"`
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

type chatsUpdatedMessage struct {
	Type string `json:"type"`
}
