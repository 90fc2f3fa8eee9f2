// ABOUTME: eino-backed engine implementation running a multi-turn model loop.
// ABOUTME: Pulls prompts, streams one model call per turn, emits classified events.

package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// DefaultCallTimeout bounds a single model call when no timeout is configured.
const DefaultCallTimeout = 5 * time.Minute

// LLMConfig holds tuning for the eino-backed engine.
type LLMConfig struct {
	// CallTimeout bounds each individual model call. Zero means
	// DefaultCallTimeout; every call always carries a deadline.
	CallTimeout time.Duration

	// InputCostPerMTok / OutputCostPerMTok are USD prices per million
	// tokens, used to derive Result.CostUSD from reported usage.
	InputCostPerMTok  float64
	OutputCostPerMTok float64
}

// LLM adapts an eino chat model to the Engine interface. One Open call
// produces one long-lived stream that holds the conversation transcript in
// memory and appends to it turn by turn.
type LLM struct {
	model  model.BaseChatModel
	cfg    LLMConfig
	logger *slog.Logger
}

// NewLLM creates an engine over the given chat model.
func NewLLM(m model.BaseChatModel, cfg LLMConfig, logger *slog.Logger) *LLM {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &LLM{
		model:  m,
		cfg:    cfg,
		logger: logger.With("component", "engine"),
	}
}

// Open starts the turn loop for one conversation.
func (e *LLM) Open(ctx context.Context, opts Options, prompts PromptSource) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &llmStream{
		engine: e,
		events: make(chan Event, 16),
		cancel: cancel,
	}

	var transcript []*schema.Message
	if opts.SystemPrompt != "" {
		transcript = append(transcript, schema.SystemMessage(opts.SystemPrompt))
	}

	go s.run(ctx, transcript, prompts)
	return s, nil
}

type llmStream struct {
	engine *LLM
	events chan Event
	cancel context.CancelFunc

	mu         sync.Mutex
	cancelCall context.CancelFunc // non-nil while a model call is in flight
}

func (s *llmStream) Events() <-chan Event { return s.events }

// Interrupt cancels the in-flight model call. With no call active it does
// nothing and reports success.
func (s *llmStream) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelCall != nil {
		s.cancelCall()
	}
	return nil
}

func (s *llmStream) run(ctx context.Context, transcript []*schema.Message, prompts PromptSource) {
	defer close(s.events)
	defer s.cancel()

	for {
		prompt, err := prompts.Next(ctx)
		if err != nil {
			if !errors.Is(err, ErrSourceClosed) && !errors.Is(err, context.Canceled) {
				s.emit(ctx, Event{Type: EventError, Err: err.Error()})
			}
			return
		}

		transcript = append(transcript, schema.UserMessage(prompt.Content))

		reply, events := s.generate(ctx, transcript)
		for _, ev := range events {
			if !s.emit(ctx, ev) {
				return
			}
		}
		if reply != nil {
			transcript = append(transcript, reply)
		}
	}
}

// emit delivers an event unless the stream context has ended.
func (s *llmStream) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// generate performs one model call and converts its output into events.
// The returned reply, if any, is appended to the transcript by the caller.
func (s *llmStream) generate(ctx context.Context, transcript []*schema.Message) (*schema.Message, []Event) {
	callCtx, cancel := context.WithTimeout(ctx, s.engine.cfg.CallTimeout)
	s.mu.Lock()
	s.cancelCall = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelCall = nil
		s.mu.Unlock()
		cancel()
	}()

	start := time.Now()

	reader, err := s.engine.model.Stream(callCtx, transcript)
	if err != nil {
		s.engine.logger.Error("model call failed", "error", err)
		return nil, []Event{
			{Type: EventError, Err: err.Error()},
			{Type: EventResult, Result: &Result{Success: false, Duration: time.Since(start)}},
		}
	}
	defer reader.Close()

	var chunks []*schema.Message
	for {
		chunk, recvErr := reader.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			if errors.Is(recvErr, context.Canceled) || errors.Is(recvErr, context.DeadlineExceeded) {
				// Interrupted or timed out. Partial output is discarded so a
				// half-generated turn never reaches the transcript.
				s.engine.logger.Info("model call cancelled", "elapsed", time.Since(start))
				return nil, []Event{
					{Type: EventResult, Result: &Result{Success: false, Duration: time.Since(start)}},
				}
			}
			s.engine.logger.Error("model stream failed", "error", recvErr)
			return nil, []Event{
				{Type: EventError, Err: recvErr.Error()},
				{Type: EventResult, Result: &Result{Success: false, Duration: time.Since(start)}},
			}
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
	}

	if len(chunks) == 0 {
		// EOF before any chunk. No turn to append, just report the failed call.
		s.engine.logger.Warn("model stream ended with no output", "elapsed", time.Since(start))
		return nil, []Event{
			{Type: EventResult, Result: &Result{Success: false, Duration: time.Since(start)}},
		}
	}

	reply, err := schema.ConcatMessages(chunks)
	if err != nil {
		s.engine.logger.Error("concatenating model output", "error", err)
		return nil, []Event{
			{Type: EventError, Err: err.Error()},
			{Type: EventResult, Result: &Result{Success: false, Duration: time.Since(start)}},
		}
	}

	var events []Event
	if reply.Content != "" {
		events = append(events, Event{Type: EventAssistantText, Text: reply.Content})
	}
	for _, call := range reply.ToolCalls {
		events = append(events, Event{Type: EventToolUse, ToolUse: &ToolUse{
			ID:        call.ID,
			Name:      call.Function.Name,
			InputJSON: call.Function.Arguments,
		}})
	}
	events = append(events, Event{Type: EventResult, Result: &Result{
		Success:  true,
		CostUSD:  s.cost(reply),
		Duration: time.Since(start),
	}})

	return reply, events
}

// cost derives a USD estimate from the reply's reported token usage.
func (s *llmStream) cost(reply *schema.Message) float64 {
	if reply.ResponseMeta == nil || reply.ResponseMeta.Usage == nil {
		return 0
	}
	usage := reply.ResponseMeta.Usage
	in := float64(usage.PromptTokens) * s.engine.cfg.InputCostPerMTok
	out := float64(usage.CompletionTokens) * s.engine.cfg.OutputCostPerMTok
	return (in + out) / 1_000_000
}
