// ABOUTME: End-to-end tests for the WebSocket gateway over a real connection.
// ABOUTME: Covers auth gating, subscription, history replay, chat flow, and update hints.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/engine"
	"github.com/2389/parley/internal/session"
	"github.com/2389/parley/internal/store"
)

type fakeEngine struct {
	mu      sync.Mutex
	streams []*fakeStream
}

type fakeStream struct {
	events chan engine.Event
	source engine.PromptSource
}

func (s *fakeStream) Events() <-chan engine.Event { return s.events }

func (s *fakeStream) Interrupt(ctx context.Context) error { return nil }

func (e *fakeEngine) Open(ctx context.Context, opts engine.Options, prompts engine.PromptSource) (engine.Stream, error) {
	s := &fakeStream{events: make(chan engine.Event, 16), source: prompts}
	e.mu.Lock()
	e.streams = append(e.streams, s)
	e.mu.Unlock()
	return s, nil
}

func (e *fakeEngine) stream(i int) *fakeStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.streams) {
		return nil
	}
	return e.streams[i]
}

// fakeChatStore backs both the gateway and the registry.
type fakeChatStore struct {
	mu       sync.Mutex
	chats    map[string]*store.Chat
	messages map[string][]*store.Message
}

func newFakeChatStore() *fakeChatStore {
	return &fakeChatStore{
		chats:    make(map[string]*store.Chat),
		messages: make(map[string][]*store.Message),
	}
}

func (s *fakeChatStore) addChat(id, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[id] = &store.Chat{ID: id, UserID: userID, Title: store.DefaultChatTitle}
}

func (s *fakeChatStore) GetChat(ctx context.Context, chatID, userID string) (*store.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok || c.UserID != userID {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (s *fakeChatStore) GetChatOwner(ctx context.Context, chatID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return "", store.ErrNotFound
	}
	return c.UserID, nil
}

func (s *fakeChatStore) GetMessages(ctx context.Context, chatID string) ([]*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*store.Message(nil), s.messages[chatID]...), nil
}

func (s *fakeChatStore) AddMessage(ctx context.Context, chatID, role, content string) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[chatID]; !ok {
		return nil, store.ErrNotFound
	}
	m := &store.Message{
		ID:        fmt.Sprintf("msg-%d", len(s.messages[chatID])),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	s.messages[chatID] = append(s.messages[chatID], m)
	return m, nil
}

type testHarness struct {
	store    *fakeChatStore
	eng      *fakeEngine
	verifier *auth.Verifier
	gw       *Gateway
	server   *httptest.Server
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	st := newFakeChatStore()
	eng := &fakeEngine{}
	verifier := auth.NewVerifier([]byte("test-secret"), time.Hour)
	registry := session.NewRegistry(st, eng, nil)

	gw := New(st, registry, verifier, Options{PingInterval: time.Second, WriteTimeout: time.Second}, nil)
	registry.SetNotifier(gw)

	server := httptest.NewServer(gw)
	t.Cleanup(func() {
		server.Close()
		registry.CloseAll()
	})

	return &testHarness{store: st, eng: eng, verifier: verifier, gw: gw, server: server}
}

func (h *testHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Every connection starts with the welcome frame.
	welcome := readFrame(t, conn)
	require.Equal(t, "connected", welcome["type"])
	return conn
}

func (h *testHarness) token(t *testing.T, userID, username string) string {
	t.Helper()
	token, err := h.verifier.Generate(userID, username)
	require.NoError(t, err)
	return token
}

func (h *testHarness) authedConn(t *testing.T, userID, username string) *websocket.Conn {
	t.Helper()
	conn := h.dial(t)
	sendFrame(t, conn, map[string]string{"type": "auth", "token": h.token(t, userID, username)})
	frame := readFrame(t, conn)
	require.Equal(t, "authenticated", frame["type"])
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestAuthSuccess(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	sendFrame(t, conn, map[string]string{"type": "auth", "token": h.token(t, "user-1", "alice")})

	frame := readFrame(t, conn)
	assert.Equal(t, "authenticated", frame["type"])
	assert.Equal(t, "user-1", frame["userId"])
	assert.Equal(t, "alice", frame["username"])
}

func TestAuthFailureSendsOneErrorThenCloses(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	sendFrame(t, conn, map[string]string{"type": "auth", "token": "bogus"})

	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "Authentication failed", frame["error"])

	// The connection is gone; no later frame is processed.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestMessagesBeforeAuthRejectedButConnectionSurvives(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	sendFrame(t, conn, map[string]string{"type": "subscribe", "chatId": "chat-1"})
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "Not authenticated", frame["error"])

	// Auth still works afterward.
	sendFrame(t, conn, map[string]string{"type": "auth", "token": h.token(t, "user-1", "alice")})
	frame = readFrame(t, conn)
	assert.Equal(t, "authenticated", frame["type"])
}

func TestReauthOnLiveConnectionRejected(t *testing.T) {
	h := newHarness(t)
	h.store.addChat("chat-1", "user-1")

	conn := h.authedConn(t, "user-1", "alice")
	sendFrame(t, conn, map[string]string{"type": "auth", "token": h.token(t, "user-2", "bob")})

	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "Already authenticated", frame["error"])

	// The connection keeps its original identity.
	sendFrame(t, conn, map[string]string{"type": "subscribe", "chatId": "chat-1"})
	frame = readFrame(t, conn)
	assert.Equal(t, "history", frame["type"])
}

func TestUnknownMessageTypeReturnsError(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	sendFrame(t, conn, map[string]string{"type": "teleport"})
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Contains(t, frame["error"], "teleport")
}

func TestSubscribeReturnsHistory(t *testing.T) {
	h := newHarness(t)
	h.store.addChat("chat-1", "user-1")
	_, err := h.store.AddMessage(t.Context(), "chat-1", store.RoleUser, "old question")
	require.NoError(t, err)
	_, err = h.store.AddMessage(t.Context(), "chat-1", store.RoleAssistant, "old answer")
	require.NoError(t, err)

	conn := h.authedConn(t, "user-1", "alice")
	sendFrame(t, conn, map[string]string{"type": "subscribe", "chatId": "chat-1"})

	frame := readFrame(t, conn)
	require.Equal(t, "history", frame["type"])
	assert.Equal(t, "chat-1", frame["chatId"])

	messages, ok := frame["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	first := messages[0].(map[string]any)
	assert.Equal(t, "user", first["role"])
	assert.Equal(t, "old question", first["content"])
}

func TestSubscribeForeignChatRejected(t *testing.T) {
	h := newHarness(t)
	h.store.addChat("chat-1", "user-1")

	conn := h.authedConn(t, "user-2", "bob")
	sendFrame(t, conn, map[string]string{"type": "subscribe", "chatId": "chat-1"})

	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	// The same answer a missing chat gets.
	assert.Equal(t, "Chat not found", frame["error"])
}

func TestSubscribeMissingChatRejected(t *testing.T) {
	h := newHarness(t)

	conn := h.authedConn(t, "user-1", "alice")
	sendFrame(t, conn, map[string]string{"type": "subscribe", "chatId": "no-such-chat"})

	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "Chat not found", frame["error"])
}

func TestChatFlowBroadcastsUserAndAssistantTurns(t *testing.T) {
	h := newHarness(t)
	h.store.addChat("chat-1", "user-1")

	conn := h.authedConn(t, "user-1", "alice")
	sendFrame(t, conn, map[string]string{"type": "subscribe", "chatId": "chat-1"})
	require.Equal(t, "history", readFrame(t, conn)["type"])

	sendFrame(t, conn, map[string]string{"type": "chat", "content": "hello"})

	frame := readFrame(t, conn)
	assert.Equal(t, "user_message", frame["type"])
	assert.Equal(t, "hello", frame["content"])
	assert.Equal(t, "chat-1", frame["chatId"])

	// Drive the engine: one assistant reply and its result.
	var stream *fakeStream
	require.Eventually(t, func() bool { stream = h.eng.stream(0); return stream != nil },
		time.Second, 10*time.Millisecond)
	stream.events <- engine.Event{Type: engine.EventAssistantText, Text: "hi there"}
	stream.events <- engine.Event{Type: engine.EventResult, Result: &engine.Result{Success: true}}

	frame = readFrame(t, conn)
	assert.Equal(t, "assistant_message", frame["type"])
	assert.Equal(t, "hi there", frame["content"])

	frame = readFrame(t, conn)
	assert.Equal(t, "result", frame["type"])
	assert.Equal(t, true, frame["success"])

	// result triggers the metadata hint for the owner's connections.
	frame = readFrame(t, conn)
	assert.Equal(t, "chats_updated", frame["type"])

	// Both turns are durable.
	messages, err := h.store.GetMessages(t.Context(), "chat-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, "hi there", messages[1].Content)
}

func TestChatWithChatIDImplicitlySubscribes(t *testing.T) {
	h := newHarness(t)
	h.store.addChat("chat-1", "user-1")

	conn := h.authedConn(t, "user-1", "alice")
	sendFrame(t, conn, map[string]string{"type": "chat", "chatId": "chat-1", "content": "direct"})

	// History arrives first, then the broadcast user turn.
	frame := readFrame(t, conn)
	assert.Equal(t, "history", frame["type"])
	frame = readFrame(t, conn)
	assert.Equal(t, "user_message", frame["type"])
	assert.Equal(t, "direct", frame["content"])
}

func TestChatWithoutSubscriptionRejected(t *testing.T) {
	h := newHarness(t)

	conn := h.authedConn(t, "user-1", "alice")
	sendFrame(t, conn, map[string]string{"type": "chat", "content": "to nowhere"})

	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "No chat selected", frame["error"])
}

func TestSubscribeReplacesPriorSubscription(t *testing.T) {
	h := newHarness(t)
	h.store.addChat("chat-1", "user-1")
	h.store.addChat("chat-2", "user-1")

	watcher := h.authedConn(t, "user-1", "alice")
	sendFrame(t, watcher, map[string]string{"type": "subscribe", "chatId": "chat-1"})
	require.Equal(t, "history", readFrame(t, watcher)["type"])
	sendFrame(t, watcher, map[string]string{"type": "subscribe", "chatId": "chat-2"})
	require.Equal(t, "history", readFrame(t, watcher)["type"])

	// A second connection posts into chat-1; the watcher moved to chat-2 and
	// must not see it.
	sender := h.authedConn(t, "user-1", "alice")
	sendFrame(t, sender, map[string]string{"type": "chat", "chatId": "chat-1", "content": "for chat one"})
	require.Equal(t, "history", readFrame(t, sender)["type"])
	require.Equal(t, "user_message", readFrame(t, sender)["type"])

	require.NoError(t, watcher.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := watcher.ReadMessage()
	assert.Error(t, err, "watcher should not receive chat-1 traffic")
}

func TestInterruptWithoutSubscriptionRejected(t *testing.T) {
	h := newHarness(t)

	conn := h.authedConn(t, "user-1", "alice")
	sendFrame(t, conn, map[string]string{"type": "interrupt"})

	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "No chat selected", frame["error"])
}

func TestInterruptBroadcastsInterrupted(t *testing.T) {
	h := newHarness(t)
	h.store.addChat("chat-1", "user-1")

	conn := h.authedConn(t, "user-1", "alice")
	sendFrame(t, conn, map[string]string{"type": "subscribe", "chatId": "chat-1"})
	require.Equal(t, "history", readFrame(t, conn)["type"])

	sendFrame(t, conn, map[string]string{"type": "interrupt"})
	frame := readFrame(t, conn)
	assert.Equal(t, "interrupted", frame["type"])
}

func TestInterruptForeignChatRejected(t *testing.T) {
	h := newHarness(t)
	h.store.addChat("chat-1", "user-1")

	conn := h.authedConn(t, "user-2", "bob")
	sendFrame(t, conn, map[string]string{"type": "interrupt", "chatId": "chat-1"})

	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "Chat not found", frame["error"])
}

func TestInterruptOwnedIdleChatReportsInterrupted(t *testing.T) {
	h := newHarness(t)
	h.store.addChat("chat-1", "user-1")

	conn := h.authedConn(t, "user-1", "alice")
	sendFrame(t, conn, map[string]string{"type": "interrupt", "chatId": "chat-1"})

	frame := readFrame(t, conn)
	assert.Equal(t, "interrupted", frame["type"])
	assert.Equal(t, "chat-1", frame["chatId"])
}

func TestChatUpdatedReachesOnlyOwnerConnections(t *testing.T) {
	h := newHarness(t)
	h.store.addChat("chat-1", "user-1")

	owner := h.authedConn(t, "user-1", "alice")
	other := h.authedConn(t, "user-2", "bob")

	h.gw.ChatUpdated("chat-1")

	frame := readFrame(t, owner)
	assert.Equal(t, "chats_updated", frame["type"])

	require.NoError(t, other.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "non-owner should not receive the hint")
}

func TestEmptyChatContentRejected(t *testing.T) {
	h := newHarness(t)
	h.store.addChat("chat-1", "user-1")

	conn := h.authedConn(t, "user-1", "alice")
	sendFrame(t, conn, map[string]string{"type": "chat", "chatId": "chat-1", "content": ""})

	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "content is required", frame["error"])
}
