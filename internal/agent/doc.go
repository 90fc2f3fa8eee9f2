// Package agent owns the bridge between chat sessions and engine streams.
//
// # Prompt Queue
//
// PromptQueue decouples the push-style producer (a chat session reacting to
// WebSocket messages) from the pull-style consumer (the engine's turn
// loop):
//
//   - Push never blocks and costs O(1)
//   - items are delivered in push order, each exactly once
//   - a parked consumer receives the next push by direct hand-off
//   - Close wakes a parked consumer through the same hand-off path
//
// The queue is single-consumer by construction: NewPromptQueue returns the
// producer and consumer as separate types, and only the PromptConsumer can
// call Next.
//
// # Session
//
// Session pairs one queue with one engine stream. History is folded into
// the system prompt when the stream opens; a session is cheap to create and
// is simply replaced when its stream dies.
package agent
