// ABOUTME: Registry mapping chat ids to live sessions.
// ABOUTME: Serializes creation so each conversation gets exactly one session.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/parley/internal/agent"
	"github.com/2389/parley/internal/engine"
	"github.com/2389/parley/internal/store"
)

// RegistryStore is what the registry needs from persistence: enough to
// build a session's history snapshot and to back the sessions it creates.
type RegistryStore interface {
	SessionStore
	GetMessages(ctx context.Context, chatID string) ([]*store.Message, error)
}

// Registry owns the set of live sessions. All lookups and lifecycle
// transitions go through it; at most one session exists per chat.
type Registry struct {
	store    RegistryStore
	eng      engine.Engine
	notifier MetadataNotifier
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry. The notifier may be set later with
// SetNotifier, before any session is created.
func NewRegistry(st RegistryStore, eng engine.Engine, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    st,
		eng:      eng,
		logger:   logger.With("component", "registry"),
		sessions: make(map[string]*Session),
	}
}

// SetNotifier wires the metadata notifier. The gateway is constructed after
// the registry, so the hookup happens post-construction.
func (r *Registry) SetNotifier(n MetadataNotifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// GetOrCreate returns the live session for a chat, creating it if absent.
// Creation is serialized: concurrent callers for the same chat observe the
// same session, and a failed creation leaves no registry entry.
func (r *Registry) GetOrCreate(chatID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[chatID]; ok {
		return sess
	}

	sess := New(chatID, r.store, r.agentFactory(chatID), r.notifier, r.logger)
	r.sessions[chatID] = sess
	r.logger.Debug("session created", "chat_id", chatID)
	return sess
}

// Get returns the live session for a chat, or nil if none exists.
func (r *Registry) Get(chatID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[chatID]
}

// Remove closes and drops the session for a chat, if one is live. Called
// when the conversation is deleted.
func (r *Registry) Remove(chatID string) {
	r.mu.Lock()
	sess := r.sessions[chatID]
	delete(r.sessions, chatID)
	r.mu.Unlock()

	if sess != nil {
		sess.Close()
		r.logger.Debug("session removed", "chat_id", chatID)
	}
}

// CloseAll shuts down every live session. Used at server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	r.logger.Info("all sessions closed", "count", len(sessions))
}

// agentFactory builds the lazy agent constructor for one chat. Each
// invocation re-reads history so a restarted agent sees every persisted
// turn, including ones from the stream that just died.
func (r *Registry) agentFactory(chatID string) AgentFactory {
	return func(ctx context.Context) (*agent.Session, error) {
		history, err := r.store.GetMessages(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("loading history for agent: %w", err)
		}
		// The stream outlives the triggering request.
		return agent.NewSession(context.Background(), r.eng, history, r.logger)
	}
}
