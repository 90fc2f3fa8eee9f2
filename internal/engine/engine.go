// ABOUTME: Engine contract shared by the agent layer and engine implementations.
// ABOUTME: Defines the event taxonomy, prompt source, and stream interfaces.

package engine

import (
	"context"
	"errors"
	"time"
)

// ErrSourceClosed is returned by a PromptSource once it has been closed and
// drained. An engine treats it as the normal end of input.
var ErrSourceClosed = errors.New("prompt source closed")

// Prompt is one unit of user input handed to the engine.
type Prompt struct {
	Content string
}

// PromptSource is the pull side of the input bridge. Next blocks until an
// item is available, the source is closed (ErrSourceClosed), or ctx ends.
// A source feeds exactly one consumer; the engine must not share it.
type PromptSource interface {
	Next(ctx context.Context) (*Prompt, error)
}

// EventType classifies a single engine output event.
type EventType int

const (
	// EventAssistantText carries a complete assistant reply for one turn.
	EventAssistantText EventType = iota
	// EventToolUse records a tool invocation made during a turn.
	EventToolUse
	// EventResult marks the end of one turn with cost/duration metrics.
	EventResult
	// EventError reports a failed engine call. The stream stays usable.
	EventError
)

// Event is one output item from an engine stream. Exactly one of the
// payload fields matching Type is set.
type Event struct {
	Type    EventType
	Text    string
	ToolUse *ToolUse
	Result  *Result
	Err     string
}

// ToolUse describes a tool invocation by the model.
type ToolUse struct {
	ID        string
	Name      string
	InputJSON string
}

// Result carries end-of-turn metrics.
type Result struct {
	Success  bool
	CostUSD  float64
	Duration time.Duration
}

// Stream is one open engine connection. Events spans multiple turns and is
// closed only when the prompt source ends and the connection winds down.
type Stream interface {
	// Events returns the stream's output channel. The channel is owned by
	// the stream and closed when the stream terminates.
	Events() <-chan Event

	// Interrupt cooperatively cancels the in-flight call, if any. Calling it
	// with no generation active is a no-op, not an error.
	Interrupt(ctx context.Context) error
}

// Options configures one engine stream.
type Options struct {
	SystemPrompt string
}

// Engine opens streams against the external conversational model.
type Engine interface {
	Open(ctx context.Context, opts Options, prompts PromptSource) (Stream, error)
}
