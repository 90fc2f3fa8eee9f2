// ABOUTME: Store interface and data types for parley persistence.
// ABOUTME: Defines User, Chat, Message structs and the Store interface.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist or is not
// visible to the caller. Owner-scoped lookups return it for both missing and
// foreign rows, so callers cannot distinguish the two.
var ErrNotFound = errors.New("not found")

// ErrDuplicateUser is returned when registering an email or username that
// already exists.
var ErrDuplicateUser = errors.New("user already exists")

// Message roles for durable turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultChatTitle is the placeholder title a chat carries until its first
// user turn derives a real one.
const DefaultChatTitle = "New Chat"

// titleLimit is the maximum derived-title length in characters.
const titleLimit = 50

// User is a registered account.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Chat is one conversation owned by a user.
type Chat struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one durable turn within a chat.
type Message struct {
	ID        string
	ChatID    string
	Role      string // "user" or "assistant"
	Content   string
	Timestamp time.Time
}

// Store defines the persistence interface for users, chats, and messages.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)

	// Chats (owner-scoped)
	CreateChat(ctx context.Context, userID, title string) (*Chat, error)
	GetChat(ctx context.Context, id, userID string) (*Chat, error)
	GetChatOwner(ctx context.Context, id string) (string, error)
	ListChats(ctx context.Context, userID string) ([]*Chat, error)
	UpdateChatTitle(ctx context.Context, id, userID, title string) (*Chat, error)
	DeleteChat(ctx context.Context, id, userID string) (bool, error)

	// Messages (scoped by chat id; ownership is checked at the boundary)
	AddMessage(ctx context.Context, chatID, role, content string) (*Message, error)
	GetMessages(ctx context.Context, chatID string) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}

// DeriveTitle produces a chat title from the first user turn: the first 50
// characters, with an ellipsis marker only when the content is longer.
func DeriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= titleLimit {
		return content
	}
	return string(runes[:titleLimit]) + "..."
}
