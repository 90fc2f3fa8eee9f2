// ABOUTME: Agent session owning one engine stream and its input bridge.
// ABOUTME: Folds persisted history into the system prompt at construction.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/2389/parley/internal/engine"
	"github.com/2389/parley/internal/store"
)

const baseSystemPrompt = `You are a helpful AI assistant. You can help users with a wide variety of tasks including:
- Answering questions
- Writing and editing text
- Coding and debugging
- Analysis and research
- Creative tasks

Be concise but thorough in your responses.`

// Session wraps one engine stream together with the prompt queue feeding it.
// It is created per conversation and is not reusable after Close.
type Session struct {
	queue  *PromptQueue
	stream engine.Stream
	logger *slog.Logger

	closeOnce sync.Once
}

// NewSession opens an engine stream for a conversation. Prior persisted
// turns are folded into the initial system prompt; the snapshot is not
// updated afterward.
func NewSession(ctx context.Context, eng engine.Engine, history []*store.Message, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent-session")

	queue, consumer := NewPromptQueue()
	stream, err := eng.Open(ctx, engine.Options{SystemPrompt: buildSystemPrompt(history)}, consumer)
	if err != nil {
		queue.Close()
		return nil, fmt.Errorf("opening engine stream: %w", err)
	}

	logger.Debug("agent session opened", "history_messages", len(history))
	return &Session{
		queue:  queue,
		stream: stream,
		logger: logger,
	}, nil
}

// SendMessage pushes one user turn onto the input bridge and returns
// immediately. Empty content is ignored.
func (s *Session) SendMessage(content string) {
	if content == "" {
		return
	}
	s.queue.Push(&engine.Prompt{Content: content})
}

// Interrupt cooperatively cancels the in-flight engine call. Safe to call
// when nothing is generating.
func (s *Session) Interrupt(ctx context.Context) error {
	if err := s.stream.Interrupt(ctx); err != nil {
		return fmt.Errorf("interrupting engine call: %w", err)
	}
	return nil
}

// Events returns the engine's output channel. It spans every send/interrupt
// cycle of this session and closes only after Close once the stream ends.
func (s *Session) Events() <-chan engine.Event {
	return s.stream.Events()
}

// Close closes the input bridge and cancels any in-flight call. The engine
// stream drains buffered prompts and then terminates; termination of an
// unresponsive call is cooperative, not guaranteed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.queue.Close()
		if err := s.stream.Interrupt(context.Background()); err != nil {
			s.logger.Warn("interrupt during close failed", "error", err)
		}
	})
}

// buildSystemPrompt renders the base instructions plus the conversation so
// far, so a freshly opened stream continues where the stored history ends.
func buildSystemPrompt(history []*store.Message) string {
	if len(history) == 0 {
		return baseSystemPrompt
	}

	var b strings.Builder
	b.WriteString(baseSystemPrompt)
	b.WriteString("\n\n## Previous Conversation Context\n\nThis chat has previous history. Here are the messages so far:\n\n")
	for _, msg := range history {
		if msg.Role == store.RoleUser {
			b.WriteString("User: ")
		} else {
			b.WriteString("Assistant: ")
		}
		b.WriteString(msg.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("Continue the conversation naturally from this point. You have full context of the previous discussion.")
	return b.String()
}
