// Package gateway serves the WebSocket endpoint bridging browsers to
// chat sessions.
//
// # Connection Protocol
//
// Every connection walks the same state machine:
//
//  1. connected: the server greets the new connection
//  2. auth: the client presents a JWT; failure sends one error and
//     closes; a repeated auth on a live connection is rejected
//  3. subscribe / chat / interrupt: available only after authentication
//
// Inbound messages form a sealed set (auth, subscribe, chat, interrupt);
// anything else is answered with an error frame and ignored.
//
// # Subscriptions
//
// A connection holds at most one subscription. Subscribing to a chat
// validates ownership, replays the persisted history as a snapshot, and
// replaces any prior subscription. A chat message addressed to an
// unsubscribed chat subscribes implicitly before sending. Missing chats
// and other users' chats are both answered with "Chat not found".
//
// # Outbound Events
//
// Session-scoped events (user_message, assistant_message, tool_use, result,
// interrupted, error) are produced by the session layer and fanned out to
// subscribers. The gateway adds connection-scoped frames (connected,
// authenticated, history) and the chats_updated hint, pushed to all of an
// owner's connections when a chat's metadata changes.
//
// # Liveness
//
// Each connection runs a read pump and a write pump. The write pump pings
// on a fixed interval; a connection that misses two pongs is dropped. All
// socket writes go through the write pump, so subscriber delivery never
// blocks on a slow peer. A saturated send buffer evicts the subscriber
// instead.
package gateway
