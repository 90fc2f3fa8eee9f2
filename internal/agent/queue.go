// ABOUTME: Single-consumer prompt queue bridging push-style input to pull-style consumption.
// ABOUTME: Non-blocking O(1) push with synchronous hand-off to a parked consumer.

package agent

import (
	"context"
	"sync"

	"github.com/2389/parley/internal/engine"
)

// PromptQueue is the producer half of the bridge. Pushes never block: if the
// consumer is parked waiting, the item is handed to it directly; otherwise it
// is appended to an unbounded FIFO buffer. Close travels through the same
// hand-off path as a push, so a parked consumer always wakes.
//
// The consumer half is a separate type returned by NewPromptQueue; holding
// the only *PromptConsumer is what makes the single-consumer contract a
// compile-level guarantee rather than a runtime convention.
type PromptQueue struct {
	mu     sync.Mutex
	items  []*engine.Prompt
	waiter chan *engine.Prompt // non-nil while the consumer is parked
	closed bool
}

// PromptConsumer is the pull half of the bridge. It implements
// engine.PromptSource.
type PromptConsumer struct {
	q *PromptQueue
}

// NewPromptQueue creates a bridge and returns its two halves.
func NewPromptQueue() (*PromptQueue, *PromptConsumer) {
	q := &PromptQueue{}
	return q, &PromptConsumer{q: q}
}

// Push enqueues one prompt. Pushes after Close are dropped.
func (q *PromptQueue) Push(p *engine.Prompt) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.waiter != nil {
		w := q.waiter
		q.waiter = nil
		q.mu.Unlock()
		w <- p // buffered; never blocks
		return
	}
	q.items = append(q.items, p)
	q.mu.Unlock()
}

// Close marks the queue closed. Items already buffered are still delivered;
// a parked consumer is woken through the hand-off path with a close sentinel.
func (q *PromptQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	w := q.waiter
	q.waiter = nil
	q.mu.Unlock()
	if w != nil {
		w <- nil // nil prompt is the close sentinel
	}
}

// Next returns the next prompt in push order, each exactly once. It drains
// buffered items before reporting closure, returns engine.ErrSourceClosed
// once the queue is closed and empty, and otherwise parks until the next
// Push or Close wakes it.
func (c *PromptConsumer) Next(ctx context.Context) (*engine.Prompt, error) {
	q := c.q

	q.mu.Lock()
	if len(q.items) > 0 {
		p := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return p, nil
	}
	if q.closed {
		q.mu.Unlock()
		return nil, engine.ErrSourceClosed
	}
	w := make(chan *engine.Prompt, 1)
	q.waiter = w
	q.mu.Unlock()

	select {
	case p := <-w:
		if p == nil {
			return nil, engine.ErrSourceClosed
		}
		return p, nil
	case <-ctx.Done():
		q.mu.Lock()
		if q.waiter == w {
			q.waiter = nil
			q.mu.Unlock()
			return nil, ctx.Err()
		}
		q.mu.Unlock()
		// A concurrent push or close already committed to this waiter; the
		// hand-off wins so the item is not lost.
		p := <-w
		if p == nil {
			return nil, engine.ErrSourceClosed
		}
		return p, nil
	}
}
