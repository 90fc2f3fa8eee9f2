// Package store provides persistent storage for users, chats, and messages
// using SQLite.
//
// # Data Models
//
//   - User: registered account with unique username and email
//   - Chat: conversation owned by one user
//   - Message: one durable turn (role "user" or "assistant") within a chat
//
// # Scoping
//
// Chat operations are owner-scoped: a lookup for someone else's chat
// returns ErrNotFound, exactly like a missing chat, so ids leak nothing.
//
// # Title Derivation
//
// A chat keeps the "New Chat" placeholder until its first user turn, whose
// first 50 characters become the title. AddMessage performs the message
// insert, activity-timestamp bump, and title derivation in one transaction.
//
// # SQLite Configuration
//
// The store runs SQLite (modernc.org/sqlite, cgo-free) with:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The schema is created on startup. Use NewSQLiteStore(":memory:") in
// tests.
package store
