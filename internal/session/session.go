// ABOUTME: Per-conversation orchestrator owning one agent session and subscriber fan-out.
// ABOUTME: Persists durable events before broadcast and runs at most one listening loop.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/parley/internal/agent"
	"github.com/2389/parley/internal/engine"
	"github.com/2389/parley/internal/store"
)

// ErrSessionClosed is returned when sending on a session whose conversation
// has been deleted.
var ErrSessionClosed = errors.New("session closed")

// Subscriber delivers one serialized event to a transport connection.
// A failed Send evicts the subscriber from the session.
type Subscriber interface {
	Send(data []byte) error
}

// MetadataNotifier is signalled when a chat's metadata (title, ordering)
// may have changed and list views should refresh.
type MetadataNotifier interface {
	ChatUpdated(chatID string)
}

// SessionStore is what a session needs from persistence.
type SessionStore interface {
	AddMessage(ctx context.Context, chatID, role, content string) (*store.Message, error)
}

// AgentFactory opens a fresh agent session with current history folded in.
// The session calls it on first use and again after the previous agent's
// event stream has terminated.
type AgentFactory func(ctx context.Context) (*agent.Session, error)

// Session manages a single chat conversation with a long-lived agent.
//
// The listening state is an explicit two-state machine: Idle (no consumption
// loop) and Listening (one loop draining the agent's events). The flag is
// reset on every terminal outcome of the loop so a later SendMessage can
// restart it.
type Session struct {
	chatID   string
	store    SessionStore
	newAgent AgentFactory
	notifier MetadataNotifier
	logger   *slog.Logger

	mu          sync.Mutex
	subscribers map[Subscriber]struct{}
	agent       *agent.Session
	listening   bool
	closed      bool
}

// New creates a session for one conversation. The agent is opened lazily on
// the first send.
func New(chatID string, st SessionStore, newAgent AgentFactory, notifier MetadataNotifier, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		chatID:      chatID,
		store:       st,
		newAgent:    newAgent,
		notifier:    notifier,
		logger:      logger.With("component", "session", "chat_id", chatID),
		subscribers: make(map[Subscriber]struct{}),
	}
}

// ChatID returns the conversation id this session owns.
func (s *Session) ChatID() string { return s.chatID }

// SendMessage persists the user turn, broadcasts it, forwards it to the
// agent, and starts the listening loop if it is not already running.
// The agent is opened before the persist so its history snapshot holds only
// prior turns; the new turn reaches the model solely as the prompt. The
// persist happens before any broadcast; a persistence failure aborts the
// rest of the operation.
func (s *Session) SendMessage(ctx context.Context, content string) error {
	s.mu.Lock()
	ag, err := s.ensureAgentLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, ErrSessionClosed) {
			return err
		}
		s.logger.Error("opening agent session", "error", err)
		s.broadcast(errorEvent{Type: "error", Error: err.Error(), ChatID: s.chatID})
		return err
	}
	s.mu.Unlock()

	if _, err := s.store.AddMessage(ctx, s.chatID, store.RoleUser, content); err != nil {
		return fmt.Errorf("persisting user message: %w", err)
	}

	s.broadcast(userMessageEvent{Type: "user_message", Content: content, ChatID: s.chatID})

	s.mu.Lock()
	started := false
	if !s.listening {
		s.listening = true
		started = true
	}
	s.mu.Unlock()

	ag.SendMessage(content)

	if started {
		go s.listen(ag)
	}
	return nil
}

// ensureAgentLocked returns the live agent session, opening one if needed.
// Caller holds s.mu.
func (s *Session) ensureAgentLocked(ctx context.Context) (*agent.Session, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.agent != nil {
		return s.agent, nil
	}
	ag, err := s.newAgent(ctx)
	if err != nil {
		return nil, err
	}
	s.agent = ag
	return ag, nil
}

// listen consumes the agent's event stream while the session is Listening.
// Every exit path, normal end or terminated stream, transitions back to
// Idle; a terminated agent is dropped so the next send opens a fresh one.
func (s *Session) listen(ag *agent.Session) {
	defer func() {
		s.mu.Lock()
		s.listening = false
		if s.agent == ag {
			s.agent = nil
		}
		s.mu.Unlock()
		ag.Close()
		s.logger.Debug("listening loop ended")
	}()

	for ev := range ag.Events() {
		s.handleEvent(ev)
	}
}

// handleEvent classifies one engine event: durable kinds are persisted
// before broadcast, ephemeral kinds are broadcast only.
func (s *Session) handleEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventAssistantText:
		if _, err := s.store.AddMessage(context.Background(), s.chatID, store.RoleAssistant, ev.Text); err != nil {
			// Never broadcast a turn that is absent from history.
			s.logger.Error("persisting assistant message", "error", err)
			s.broadcast(errorEvent{Type: "error", Error: "failed to store assistant message", ChatID: s.chatID})
			return
		}
		s.broadcast(assistantMessageEvent{Type: "assistant_message", Content: ev.Text, ChatID: s.chatID})

	case engine.EventToolUse:
		input := json.RawMessage(ev.ToolUse.InputJSON)
		if !json.Valid(input) {
			input, _ = json.Marshal(ev.ToolUse.InputJSON)
		}
		s.broadcast(toolUseEvent{
			Type:      "tool_use",
			ToolName:  ev.ToolUse.Name,
			ToolID:    ev.ToolUse.ID,
			ToolInput: input,
			ChatID:    s.chatID,
		})

	case engine.EventResult:
		s.broadcast(resultEvent{
			Type:     "result",
			Success:  ev.Result.Success,
			ChatID:   s.chatID,
			Cost:     ev.Result.CostUSD,
			Duration: ev.Result.Duration.Milliseconds(),
		})
		if s.notifier != nil {
			s.notifier.ChatUpdated(s.chatID)
		}

	case engine.EventError:
		s.broadcast(errorEvent{Type: "error", Error: ev.Err, ChatID: s.chatID})
	}
}

// Interrupt cancels the current generation. All outcomes are reported
// through the broadcast channel, never to the caller.
func (s *Session) Interrupt(ctx context.Context) {
	s.mu.Lock()
	ag := s.agent
	s.mu.Unlock()

	if ag != nil {
		if err := ag.Interrupt(ctx); err != nil {
			s.logger.Error("interrupt failed", "error", err)
			s.broadcast(errorEvent{Type: "error", Error: "Failed to interrupt: " + err.Error(), ChatID: s.chatID})
			return
		}
	}

	s.broadcast(interruptedEvent{Type: "interrupted", ChatID: s.chatID, Message: "Query interrupted by user"})
}

// Subscribe adds a connection to the subscriber set. Subscribers receive
// every broadcast from that point on; message flow is unaffected.
func (s *Session) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub] = struct{}{}
}

// Unsubscribe removes a connection from the subscriber set.
func (s *Session) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, sub)
}

// HasSubscribers reports whether any connection is currently subscribed.
func (s *Session) HasSubscribers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers) > 0
}

// broadcast serializes the event once and delivers it to every current
// subscriber. A failing subscriber is evicted; the others are unaffected.
func (s *Session) broadcast(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("marshaling broadcast event", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subscribers {
		if err := sub.Send(data); err != nil {
			delete(s.subscribers, sub)
			s.logger.Warn("evicted unreachable subscriber", "error", err)
		}
	}
}

// Close shuts the session down: the agent's input bridge is closed and any
// in-flight call is cancelled. The session is not reusable afterward.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ag := s.agent
	s.agent = nil
	s.mu.Unlock()

	if ag != nil {
		ag.Close()
	}
	s.logger.Debug("session closed")
}
