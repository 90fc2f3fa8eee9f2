// Package session manages live chat conversations.
//
// # Overview
//
// The session package sits between the transport layer (WebSocket gateway,
// REST API) and the agent layer. Each conversation with at least one
// interested party gets one Session, owned by the Registry.
//
// # Session Lifecycle
//
// A Session moves between two states:
//
//   - Idle: no consumption loop is running
//   - Listening: exactly one loop is draining the agent's event stream
//
// SendMessage starts the loop if needed; every terminal outcome of the loop
// (stream end, agent death) transitions back to Idle so a later send can
// restart with a fresh agent. The agent itself is created lazily and holds
// the conversation history folded into its system prompt.
//
// # Durability
//
// Durable events (user turns, assistant replies) are persisted before they
// are broadcast. A failed persist suppresses the broadcast: subscribers
// never see a turn that is absent from history. Ephemeral events (tool use,
// results, errors, interrupts) are broadcast without persistence.
//
// # Fan-out
//
// Subscribers attach and detach at any time:
//
//	sess.Subscribe(sub)
//	defer sess.Unsubscribe(sub)
//
// Every subscriber sees the same events in the same order. A subscriber
// whose Send fails is evicted from the set; the others are unaffected, and
// a session with zero subscribers keeps processing normally.
//
// # Registry
//
// The Registry maps chat ids to sessions and serializes creation, so
// concurrent lookups for the same conversation always converge on one
// Session. Deleting a conversation removes and closes its session.
package session
